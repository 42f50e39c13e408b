// Package aggregate maintains rolling per-day summaries of the audit log so
// summary queries never rescan raw entries.
package aggregate

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"vigil/internal/audit"
	dErrors "vigil/pkg/domain-errors"
)

// dayKey is a calendar day in UTC, formatted 2006-01-02.
type dayKey string

func dayOf(t time.Time) dayKey {
	return dayKey(t.UTC().Format("2006-01-02"))
}

// bucket holds one day's counters. A bucket is approximate while the day is
// open and exact once closed; closed buckets are never mutated again except
// by a backfill that rebuilds them.
type bucket struct {
	day      dayKey
	total    uint64
	success  uint64
	failure  uint64
	warning  uint64
	severity map[audit.Severity]uint64
	actions  map[string]uint64
	actors   map[string]uint64
	closed   bool
	stale    bool
}

func newBucket(day dayKey) *bucket {
	return &bucket{
		day:      day,
		severity: make(map[audit.Severity]uint64),
		actions:  make(map[string]uint64),
		actors:   make(map[string]uint64),
	}
}

func (b *bucket) observe(entry audit.Entry, maxKeys int) {
	b.total++
	switch entry.Outcome {
	case audit.OutcomeSuccess:
		b.success++
	case audit.OutcomeFailed:
		b.failure++
	case audit.OutcomeWarning:
		b.warning++
	}
	b.severity[entry.Severity]++
	bumpBounded(b.actions, entry.Action, maxKeys)
	bumpBounded(b.actors, entry.Actor.ID.String(), maxKeys)
}

// bumpBounded increments a counter map while keeping it bounded. When the map
// is full a new key evicts the current minimum only if that minimum is zero;
// otherwise the new key is dropped. This keeps heavy hitters stable at the
// cost of missing rare keys, which top-K tolerates.
func bumpBounded(counts map[string]uint64, key string, maxKeys int) {
	if key == "" {
		return
	}
	if _, ok := counts[key]; ok || len(counts) < maxKeys {
		counts[key]++
		return
	}
	for candidate, n := range counts {
		if n == 0 {
			delete(counts, candidate)
			counts[key] = 1
			return
		}
	}
}

// RankedCount is one entry of a top-K list.
type RankedCount struct {
	Key   string `json:"key"`
	Count uint64 `json:"count"`
}

// DaySummary is the per-day slice of a Summary when grouping by day.
type DaySummary struct {
	Day      string                    `json:"day"`
	Total    uint64                    `json:"total"`
	Success  uint64                    `json:"success"`
	Failure  uint64                    `json:"failure"`
	Warning  uint64                    `json:"warning"`
	Severity map[audit.Severity]uint64 `json:"severity"`
	Closed   bool                      `json:"closed"`
	Stale    bool                      `json:"stale,omitempty"`
}

// Summary is the query result over a day range.
type Summary struct {
	From       string                    `json:"from"`
	To         string                    `json:"to"`
	Total      uint64                    `json:"total"`
	Success    uint64                    `json:"success"`
	Failure    uint64                    `json:"failure"`
	Warning    uint64                    `json:"warning"`
	Severity   map[audit.Severity]uint64 `json:"severity"`
	TopActions []RankedCount             `json:"top_actions"`
	TopActors  []RankedCount             `json:"top_actors"`
	Days       []DaySummary              `json:"days,omitempty"`
	Approx     bool                      `json:"approximate"`
}

// GroupBy selects the summary shape.
type GroupBy string

const (
	GroupNone  GroupBy = ""
	GroupByDay GroupBy = "day"
)

// Service is the aggregation engine. Observe is called once per committed
// entry in sequence order by the stream consumer; Query reads the maintained
// buckets only.
type Service struct {
	logger *slog.Logger

	topK    int
	maxKeys int

	mu      sync.RWMutex
	buckets map[dayKey]*bucket
	lastSeq audit.Seq
	openDay dayKey
}

// Option configures a Service.
type Option func(*Service)

// WithLogger injects the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithTopK sets how many ranked actions/actors a summary returns.
func WithTopK(k int) Option {
	return func(s *Service) {
		if k > 0 {
			s.topK = k
		}
	}
}

// WithMaxTrackedKeys bounds the per-day counter maps.
func WithMaxTrackedKeys(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxKeys = n
		}
	}
}

// New creates an empty aggregation engine.
func New(opts ...Option) *Service {
	s := &Service{
		topK:    10,
		maxKeys: 1000,
		buckets: make(map[dayKey]*bucket),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Observe folds one committed entry into its day bucket. Replayed sequence
// ids are skipped, making at-least-once delivery safe. Seeing an entry for a
// new day finalizes every older open bucket.
func (s *Service) Observe(_ context.Context, entry audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.Seq <= s.lastSeq {
		return nil
	}
	s.lastSeq = entry.Seq

	day := dayOf(entry.Timestamp)
	if s.openDay != "" && day != s.openDay {
		s.rollover(day)
	}
	if s.openDay == "" || day > s.openDay {
		s.openDay = day
	}

	b, ok := s.buckets[day]
	if !ok {
		b = newBucket(day)
		s.buckets[day] = b
	}
	b.observe(entry, s.maxKeys)
	return nil
}

// rollover marks every bucket before the new open day as closed and exact.
func (s *Service) rollover(newDay dayKey) {
	for day, b := range s.buckets {
		if day < newDay && !b.closed {
			b.closed = true
			if s.logger != nil {
				s.logger.Info("day bucket finalized", "day", string(day), "total", b.total)
			}
		}
	}
}

// Query summarizes the inclusive day range without touching raw log entries.
// The result is approximate whenever it includes the still-open day.
func (s *Service) Query(_ context.Context, from, to time.Time, groupBy GroupBy) (*Summary, error) {
	if to.Before(from) {
		return nil, dErrors.New(dErrors.CodeValidation, "range end precedes range start")
	}
	if groupBy != GroupNone && groupBy != GroupByDay {
		return nil, dErrors.Newf(dErrors.CodeValidation, "unknown groupBy %q", groupBy)
	}

	fromDay, toDay := dayOf(from), dayOf(to)

	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := &Summary{
		From:     string(fromDay),
		To:       string(toDay),
		Severity: make(map[audit.Severity]uint64),
	}
	actions := make(map[string]uint64)
	actors := make(map[string]uint64)

	var days []dayKey
	for day := range s.buckets {
		if day >= fromDay && day <= toDay {
			days = append(days, day)
		}
	}
	sort.Slice(days, func(i, j int) bool { return days[i] < days[j] })

	for _, day := range days {
		b := s.buckets[day]
		summary.Total += b.total
		summary.Success += b.success
		summary.Failure += b.failure
		summary.Warning += b.warning
		for sev, n := range b.severity {
			summary.Severity[sev] += n
		}
		for k, n := range b.actions {
			actions[k] += n
		}
		for k, n := range b.actors {
			actors[k] += n
		}
		if !b.closed {
			summary.Approx = true
		}
		if groupBy == GroupByDay {
			ds := DaySummary{
				Day:      string(day),
				Total:    b.total,
				Success:  b.success,
				Failure:  b.failure,
				Warning:  b.warning,
				Severity: make(map[audit.Severity]uint64, len(b.severity)),
				Closed:   b.closed,
				Stale:    b.stale,
			}
			for sev, n := range b.severity {
				ds.Severity[sev] = n
			}
			summary.Days = append(summary.Days, ds)
		}
	}

	summary.TopActions = topK(actions, s.topK)
	summary.TopActors = topK(actors, s.topK)
	return summary, nil
}

func topK(counts map[string]uint64, k int) []RankedCount {
	ranked := make([]RankedCount, 0, len(counts))
	for key, n := range counts {
		ranked = append(ranked, RankedCount{Key: key, Count: n})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Count == ranked[j].Count {
			return ranked[i].Key < ranked[j].Key
		}
		return ranked[i].Count > ranked[j].Count
	})
	if len(ranked) > k {
		ranked = ranked[:k]
	}
	return ranked
}

// Backfill rebuilds the buckets for [from, to] by rescanning the log. It is
// cancellable: on cancellation the partially rebuilt days stay marked stale
// instead of passing for exact.
func (s *Service) Backfill(ctx context.Context, log audit.LogStore, from, to time.Time) error {
	if log == nil {
		return errors.New("log store is required")
	}
	fromDay, toDay := dayOf(from), dayOf(to)
	if toDay < fromDay {
		return dErrors.New(dErrors.CodeValidation, "range end precedes range start")
	}

	s.mu.Lock()
	for day := fromDay; day <= toDay; day = nextDay(day) {
		b := newBucket(day)
		b.stale = true
		s.buckets[day] = b
	}
	s.mu.Unlock()

	const batch = 256
	cursor := audit.Seq(0)
	for {
		if err := ctx.Err(); err != nil {
			return dErrors.Wrap(err, dErrors.CodeTimeout, "backfill cancelled; rebuilt days remain stale")
		}
		entries, err := log.ReadFrom(ctx, cursor, batch)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeStorage, "failed to read log during backfill")
		}
		if len(entries) == 0 {
			break
		}
		s.mu.Lock()
		for _, entry := range entries {
			cursor = entry.Seq
			day := dayOf(entry.Timestamp)
			if day < fromDay || day > toDay {
				continue
			}
			s.buckets[day].observe(entry, s.maxKeys)
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	for day := fromDay; day <= toDay; day = nextDay(day) {
		b := s.buckets[day]
		b.stale = false
		if day < s.openDay {
			b.closed = true
		}
	}
	s.mu.Unlock()
	if s.logger != nil {
		s.logger.Info("backfill complete", "from", string(fromDay), "to", string(toDay))
	}
	return nil
}

func nextDay(day dayKey) dayKey {
	t, _ := time.Parse("2006-01-02", string(day))
	return dayOf(t.Add(24 * time.Hour))
}
