package audit

import (
	"context"
	"log/slog"

	"github.com/mssola/useragent"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"vigil/internal/platform/metrics"
	dErrors "vigil/pkg/domain-errors"
	"vigil/pkg/requestcontext"
)

// Publisher mirrors committed entries to an external sink (Kafka SIEM topic).
// Implementations must never block the append path.
type Publisher interface {
	Publish(ctx context.Context, entry Entry)
}

// Service is the event ingest and classifier. It is the single
// synchronization point all downstream components rely on for ordering.
type Service struct {
	log       LogStore
	logger    *slog.Logger
	metrics   *metrics.Metrics
	publisher Publisher
	notify    func()
	tracer    trace.Tracer
}

// Option configures a Service.
type Option func(*Service)

// WithLogger injects the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithMetrics injects the Prometheus metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithPublisher injects the external mirror publisher.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithNotify registers a hook invoked after every successful append. The
// stream dispatcher uses it to wake consumers instead of waiting for the
// next poll tick.
func WithNotify(fn func()) Option {
	return func(s *Service) { s.notify = fn }
}

// NewService creates the ingest service.
func NewService(log LogStore, opts ...Option) (*Service, error) {
	if log == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "log store is required")
	}
	s := &Service{
		log:    log,
		tracer: otel.Tracer("vigil/audit"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Record validates, classifies, and appends one raw event. Validation
// failures are local and never partially apply. On success the committed
// entry is returned with its assigned sequence id and chain hash.
func (s *Service) Record(ctx context.Context, raw RawEvent) (Entry, error) {
	ctx, span := s.tracer.Start(ctx, "audit.Record",
		trace.WithAttributes(attribute.String("action", raw.Action)))
	defer span.End()

	if err := raw.Validate(); err != nil {
		if s.metrics != nil {
			s.metrics.ValidationRejects.Inc()
		}
		return Entry{}, err
	}

	severity, err := Classify(raw.ActionType, raw.Outcome)
	if err != nil {
		if s.metrics != nil {
			s.metrics.ValidationRejects.Inc()
		}
		return Entry{}, err
	}

	entry := Entry{
		Timestamp:  requestcontext.Now(ctx),
		Actor:      raw.Actor,
		Action:     raw.Action,
		ActionType: raw.ActionType,
		Resource:   raw.Resource,
		Outcome:    raw.Outcome,
		Severity:   severity,
		Origin:     enrichOrigin(raw.Origin),
		Detail:     raw.Detail,
		Metadata:   raw.Metadata,
	}

	committed, err := s.log.Append(ctx, entry)
	if err != nil {
		return Entry{}, dErrors.Wrap(err, dErrors.CodeStorage, "failed to append audit entry")
	}

	if s.metrics != nil {
		s.metrics.EntriesAppended.WithLabelValues(string(committed.Severity)).Inc()
	}
	if s.logger != nil {
		s.logger.InfoContext(ctx, "audit entry appended",
			"seq", uint64(committed.Seq),
			"action", committed.Action,
			"actor", committed.Actor.ID.String(),
			"severity", string(committed.Severity),
			"request_id", requestcontext.RequestID(ctx),
		)
	}
	if s.publisher != nil {
		s.publisher.Publish(ctx, committed)
	}
	if s.notify != nil {
		s.notify()
	}
	span.SetAttributes(attribute.Int64("seq", int64(committed.Seq)))
	return committed, nil
}

// RecordFromContext builds the raw event's actor and origin from the request
// context and records it. Handlers use this so the verified principal, not
// the request body, decides who acted.
func (s *Service) RecordFromContext(ctx context.Context, raw RawEvent) (Entry, error) {
	if raw.Actor.ID.IsZero() {
		raw.Actor = Actor{
			ID:   requestcontext.ActorID(ctx),
			Name: requestcontext.ActorName(ctx),
			Role: requestcontext.ActorRole(ctx),
		}
	}
	if raw.Origin.IP == "" {
		raw.Origin.IP = requestcontext.ClientIP(ctx)
	}
	if raw.Origin.UserAgent == "" {
		raw.Origin.UserAgent = requestcontext.UserAgent(ctx)
	}
	if raw.Origin.SessionID == "" {
		raw.Origin.SessionID = requestcontext.SessionID(ctx)
	}
	return s.Record(ctx, raw)
}

// Query returns committed entries matching the filter, newest first.
func (s *Service) Query(ctx context.Context, filter Filter) ([]Entry, int, error) {
	entries, total, err := s.log.List(ctx, filter)
	if err != nil {
		return nil, 0, dErrors.Wrap(err, dErrors.CodeStorage, "failed to query audit log")
	}
	return entries, total, nil
}

// enrichOrigin derives a readable device label from the raw user agent.
func enrichOrigin(origin Origin) Origin {
	if origin.UserAgent == "" || origin.Device != "" {
		return origin
	}
	ua := useragent.New(origin.UserAgent)
	name, version := ua.Browser()
	if name == "" {
		return origin
	}
	label := name
	if version != "" {
		label += " " + version
	}
	if os := ua.OS(); os != "" {
		label += " on " + os
	}
	origin.Device = label
	return origin
}
