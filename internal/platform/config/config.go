// Package config builds engine configuration from the environment so main
// stays lean. Every operational threshold an operator might tune lives here
// with a sensible default; nothing in the business logic hard-codes them.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the root configuration for the engine.
type Config struct {
	Addr          string
	JWTSigningKey string

	Postgres   PostgresConfig
	Redis      RedisConfig
	Kafka      KafkaConfig
	Scoring    ScoringConfig
	Correlator CorrelatorConfig
	Reputation ReputationConfig
	Aggregate  AggregateConfig
	Consumers  ConsumerConfig
}

// PostgresConfig configures the durable audit log store. Empty URL means the
// in-memory log is used (development and tests).
type PostgresConfig struct {
	URL string
}

// RedisConfig configures the account profile store. Empty URL means the
// in-memory profile store is used.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// KafkaConfig configures the SIEM mirror of committed audit entries. Empty
// broker list disables publishing.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// ScoringConfig holds the risk scoring thresholds.
type ScoringConfig struct {
	// LowScoreThreshold is the score below which a candidate finding is
	// raised to the correlator.
	LowScoreThreshold int
	// LockoutFailureThreshold is the consecutive-failure count that sets the
	// lockout flag on a profile.
	LockoutFailureThreshold int
}

// CorrelatorConfig holds the incident detection thresholds.
type CorrelatorConfig struct {
	// FailedLoginThreshold is the number of failed logins within the window
	// that opens a failed_login event.
	FailedLoginThreshold int
	// FailedLoginWindow is the sliding window for counting failures.
	FailedLoginWindow time.Duration
}

// ReputationConfig configures the external IP reputation oracle.
type ReputationConfig struct {
	URL     string
	Timeout time.Duration
}

// AggregateConfig configures the rolling summary engine.
type AggregateConfig struct {
	// TopK bounds the per-day top actions/actors rankings.
	TopK int
	// MaxTrackedKeys bounds the per-day counter maps; least-seen keys are
	// pruned beyond this.
	MaxTrackedKeys int
}

// ConsumerConfig tunes the append-stream consumers.
type ConsumerConfig struct {
	PollInterval time.Duration
	BatchSize    int
	RetryBackoff time.Duration
}

// Default returns the configuration used when no environment is set.
func Default() Config {
	return Config{
		Addr: ":8080",
		Scoring: ScoringConfig{
			LowScoreThreshold:       40,
			LockoutFailureThreshold: 5,
		},
		Correlator: CorrelatorConfig{
			FailedLoginThreshold: 5,
			FailedLoginWindow:    15 * time.Minute,
		},
		Reputation: ReputationConfig{
			Timeout: 2 * time.Second,
		},
		Aggregate: AggregateConfig{
			TopK:           10,
			MaxTrackedKeys: 1000,
		},
		Consumers: ConsumerConfig{
			PollInterval: time.Second,
			BatchSize:    256,
			RetryBackoff: 500 * time.Millisecond,
		},
		Redis: RedisConfig{
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Kafka: KafkaConfig{
			Topic: "vigil.audit-entries",
		},
	}
}

// FromEnv builds the configuration from environment variables, falling back
// to Default for anything unset.
func FromEnv() Config {
	cfg := Default()

	if v := os.Getenv("VIGIL_ADDR"); v != "" {
		cfg.Addr = v
	}
	cfg.JWTSigningKey = os.Getenv("VIGIL_JWT_SIGNING_KEY")
	if cfg.JWTSigningKey == "" {
		// Development default; override in production.
		cfg.JWTSigningKey = "dev-secret-key-change-in-production"
	}

	cfg.Postgres.URL = os.Getenv("VIGIL_POSTGRES_URL")
	cfg.Redis.URL = os.Getenv("VIGIL_REDIS_URL")

	if v := os.Getenv("VIGIL_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("VIGIL_KAFKA_TOPIC"); v != "" {
		cfg.Kafka.Topic = v
	}

	cfg.Scoring.LowScoreThreshold = envInt("VIGIL_LOW_SCORE_THRESHOLD", cfg.Scoring.LowScoreThreshold)
	cfg.Scoring.LockoutFailureThreshold = envInt("VIGIL_LOCKOUT_FAILURES", cfg.Scoring.LockoutFailureThreshold)
	cfg.Correlator.FailedLoginThreshold = envInt("VIGIL_FAILED_LOGIN_THRESHOLD", cfg.Correlator.FailedLoginThreshold)
	cfg.Correlator.FailedLoginWindow = envDuration("VIGIL_FAILED_LOGIN_WINDOW", cfg.Correlator.FailedLoginWindow)

	cfg.Reputation.URL = os.Getenv("VIGIL_REPUTATION_URL")
	cfg.Reputation.Timeout = envDuration("VIGIL_REPUTATION_TIMEOUT", cfg.Reputation.Timeout)

	cfg.Aggregate.TopK = envInt("VIGIL_SUMMARY_TOP_K", cfg.Aggregate.TopK)
	cfg.Aggregate.MaxTrackedKeys = envInt("VIGIL_SUMMARY_MAX_KEYS", cfg.Aggregate.MaxTrackedKeys)

	cfg.Consumers.PollInterval = envDuration("VIGIL_CONSUMER_POLL_INTERVAL", cfg.Consumers.PollInterval)
	cfg.Consumers.BatchSize = envInt("VIGIL_CONSUMER_BATCH_SIZE", cfg.Consumers.BatchSize)
	cfg.Consumers.RetryBackoff = envDuration("VIGIL_CONSUMER_RETRY_BACKOFF", cfg.Consumers.RetryBackoff)

	return cfg
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
