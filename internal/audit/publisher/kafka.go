// Package publisher mirrors committed audit entries to external sinks. The
// mirror is an export, not the source of truth: the log store is already
// committed before Publish is called, and publish failures never surface to
// the ingest caller.
package publisher

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"vigil/internal/audit"
	"vigil/internal/platform/config"
)

// Kafka publishes committed entries to a SIEM topic, keyed by actor id so a
// single account's trail stays ordered within a partition.
type Kafka struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
}

// NewKafka connects to the configured brokers. Returns nil if no brokers are
// configured (publishing disabled).
func NewKafka(cfg config.KafkaConfig, logger *slog.Logger) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, nil
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, err
	}
	return &Kafka{client: client, topic: cfg.Topic, logger: logger}, nil
}

// Publish produces the entry asynchronously. Delivery failures are logged
// and dropped; the committed log entry is unaffected.
func (k *Kafka) Publish(ctx context.Context, entry audit.Entry) {
	payload, err := json.Marshal(entry)
	if err != nil {
		if k.logger != nil {
			k.logger.WarnContext(ctx, "failed to marshal audit entry for mirror",
				"seq", uint64(entry.Seq), "error", err)
		}
		return
	}

	record := &kgo.Record{
		Topic: k.topic,
		Key:   []byte(entry.Actor.ID.String()),
		Value: payload,
	}
	k.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil && k.logger != nil {
			k.logger.WarnContext(context.Background(), "failed to mirror audit entry",
				"seq", uint64(entry.Seq), "error", err)
		}
	})
}

// Close flushes pending records and releases the client.
func (k *Kafka) Close() {
	if k == nil {
		return
	}
	k.client.Close()
}
