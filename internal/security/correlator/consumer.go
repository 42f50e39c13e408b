package correlator

import (
	"context"

	"vigil/internal/audit"
)

// Consumer adapts the correlator to the append-stream dispatcher.
type Consumer struct {
	service *Service
}

// NewConsumer wraps the service for stream registration.
func NewConsumer(service *Service) *Consumer {
	return &Consumer{service: service}
}

// Name identifies the consumer's cursor and metrics.
func (c *Consumer) Name() string { return "correlator" }

// Process examines one committed entry for incident conditions.
func (c *Consumer) Process(ctx context.Context, entry audit.Entry) error {
	return c.service.Process(ctx, entry)
}
