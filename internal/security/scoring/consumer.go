package scoring

import (
	"context"

	"vigil/internal/audit"
)

// Consumer adapts the scoring service to the append-stream dispatcher.
type Consumer struct {
	service *Service
}

// NewConsumer wraps the service for stream registration.
func NewConsumer(service *Service) *Consumer {
	return &Consumer{service: service}
}

// Name identifies the consumer's cursor and metrics.
func (c *Consumer) Name() string { return "scoring" }

// Process folds one committed entry into the actor's profile.
func (c *Consumer) Process(ctx context.Context, entry audit.Entry) error {
	return c.service.ApplyEntry(ctx, entry)
}
