// Package reputation calls the external IP reputation oracle. The oracle is
// advisory: lookups fail open, and a circuit breaker stops hammering it while
// it is down.
package reputation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	dErrors "vigil/pkg/domain-errors"
	"vigil/pkg/platform/circuit"
)

// Verdict is the oracle's opinion of an address.
type Verdict struct {
	IP         string  `json:"ip"`
	Malicious  bool    `json:"malicious"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source,omitempty"`
}

// Client wraps the oracle's HTTP API behind a bounded timeout and a circuit
// breaker. A nil Client is valid and reports every address as clean.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *circuit.Breaker
	logger  *slog.Logger

	mu            sync.Mutex
	lastProbe     time.Time
	probeInterval time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithLogger injects the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithHTTPClient overrides the underlying HTTP client, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates an oracle client. Returns nil when no URL is configured so the
// correlator can skip lookups entirely.
func New(baseURL string, timeout time.Duration, opts ...Option) *Client {
	if baseURL == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	c := &Client{
		baseURL:       baseURL,
		http:          &http.Client{Timeout: timeout},
		breaker:       circuit.New("reputation", circuit.WithFailureThreshold(3), circuit.WithSuccessThreshold(2)),
		probeInterval: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lookup asks the oracle about one address. The call is bounded by the
// configured timeout regardless of the caller's context. When the breaker is
// open the lookup is skipped and the caller must fail open.
func (c *Client) Lookup(ctx context.Context, ip string) (Verdict, error) {
	if c == nil {
		return Verdict{IP: ip}, nil
	}
	if c.breaker.IsOpen() && !c.allowProbe() {
		return Verdict{}, dErrors.New(dErrors.CodeTimeout, "reputation oracle circuit is open")
	}

	verdict, err := c.lookup(ctx, ip)
	if err != nil {
		if _, change := c.breaker.RecordFailure(); change.Opened {
			c.mu.Lock()
			c.lastProbe = time.Now()
			c.mu.Unlock()
			if c.logger != nil {
				c.logger.WarnContext(ctx, "reputation oracle circuit opened", "error", err)
			}
		}
		return Verdict{}, err
	}
	if _, change := c.breaker.RecordSuccess(); change.Closed && c.logger != nil {
		c.logger.InfoContext(ctx, "reputation oracle circuit closed")
	}
	return verdict, nil
}

// allowProbe lets one request through an open circuit per probe interval so
// a recovered oracle can close it again.
func (c *Client) allowProbe() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if now.Sub(c.lastProbe) < c.probeInterval {
		return false
	}
	c.lastProbe = now
	return true
}

func (c *Client) lookup(ctx context.Context, ip string) (Verdict, error) {
	endpoint := fmt.Sprintf("%s/v1/reputation/%s", c.baseURL, url.PathEscape(ip))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Verdict{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to build reputation request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) && urlErr.Timeout() {
			return Verdict{}, dErrors.Wrap(err, dErrors.CodeTimeout, "reputation oracle timed out")
		}
		return Verdict{}, dErrors.Wrap(err, dErrors.CodeTimeout, "reputation oracle unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Verdict{}, dErrors.Newf(dErrors.CodeTimeout, "reputation oracle returned %d", resp.StatusCode)
	}
	var verdict Verdict
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		return Verdict{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to decode reputation verdict")
	}
	if verdict.IP == "" {
		verdict.IP = ip
	}
	return verdict, nil
}
