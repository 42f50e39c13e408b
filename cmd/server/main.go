// Command server wires the audit engine's dependencies and runs the HTTP API
// alongside the stream consumers. Business logic lives in the internal
// services packages.
package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"vigil/internal/aggregate"
	aggregatehandler "vigil/internal/aggregate/handler"
	"vigil/internal/audit"
	audithandler "vigil/internal/audit/handler"
	"vigil/internal/audit/publisher"
	logstore "vigil/internal/audit/store/log"
	"vigil/internal/audit/stream"
	"vigil/internal/kyc"
	kychandler "vigil/internal/kyc/handler"
	kycstore "vigil/internal/kyc/store"
	"vigil/internal/platform/config"
	"vigil/internal/platform/httpserver"
	"vigil/internal/platform/logger"
	"vigil/internal/platform/metrics"
	"vigil/internal/platform/middleware"
	platformredis "vigil/internal/platform/redis"
	"vigil/internal/security"
	"vigil/internal/security/correlator"
	securityhandler "vigil/internal/security/handler"
	"vigil/internal/security/reputation"
	"vigil/internal/security/scoring"
	eventstore "vigil/internal/security/store/event"
	profilestore "vigil/internal/security/store/profile"
	"vigil/pkg/domain"
)

func main() {
	cfg := config.FromEnv()
	log := logger.New()
	m := metrics.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Audit log store: Postgres when configured, in-memory otherwise.
	var auditLog audit.LogStore
	if cfg.Postgres.URL != "" {
		db, err := sql.Open("pgx", cfg.Postgres.URL)
		if err != nil {
			log.Error("failed to open postgres", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			log.Error("failed to reach postgres", "error", err)
			os.Exit(1)
		}
		auditLog = logstore.NewPostgres(db)
		log.Info("audit log store: postgres")
	} else {
		auditLog = logstore.NewInMemoryStore()
		log.Info("audit log store: in-memory")
	}

	// Profile store: Redis when configured, in-memory otherwise.
	var profiles security.ProfileStore
	redisClient, err := platformredis.New(cfg.Redis)
	if err != nil {
		log.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	if redisClient != nil {
		defer redisClient.Close()
		profiles = profilestore.NewRedis(redisClient)
		log.Info("profile store: redis")
	} else {
		profiles = profilestore.NewInMemoryStore()
		log.Info("profile store: in-memory")
	}

	events := eventstore.NewInMemoryStore()
	submissions := kycstore.NewInMemoryStore()

	// Optional SIEM mirror; nil when no brokers are configured.
	kafkaPublisher, err := publisher.NewKafka(cfg.Kafka, log)
	if err != nil {
		log.Error("failed to create kafka publisher", "error", err)
		os.Exit(1)
	}
	if kafkaPublisher != nil {
		defer kafkaPublisher.Close()
	}

	dispatcher := stream.NewDispatcher(auditLog,
		stream.WithLogger(log),
		stream.WithMetrics(m),
		stream.WithPollInterval(cfg.Consumers.PollInterval),
		stream.WithBatchSize(cfg.Consumers.BatchSize),
		stream.WithRetryBackoff(cfg.Consumers.RetryBackoff),
	)

	ingestOpts := []audit.Option{
		audit.WithLogger(log),
		audit.WithMetrics(m),
		audit.WithNotify(dispatcher.Wake),
	}
	if kafkaPublisher != nil {
		ingestOpts = append(ingestOpts, audit.WithPublisher(kafkaPublisher))
	}
	ingest, err := audit.NewService(auditLog, ingestOpts...)
	if err != nil {
		log.Error("failed to create ingest service", "error", err)
		os.Exit(1)
	}

	oracle := reputation.New(cfg.Reputation.URL, cfg.Reputation.Timeout, reputation.WithLogger(log))

	correlate, err := correlator.New(events,
		correlator.WithLogger(log),
		correlator.WithMetrics(m),
		correlator.WithOracle(oracle),
		correlator.WithRecorder(ingest),
		correlator.WithFailedLoginThreshold(cfg.Correlator.FailedLoginThreshold),
		correlator.WithFailedLoginWindow(cfg.Correlator.FailedLoginWindow),
	)
	if err != nil {
		log.Error("failed to create correlator", "error", err)
		os.Exit(1)
	}

	score, err := scoring.New(profiles,
		scoring.WithLogger(log),
		scoring.WithMetrics(m),
		scoring.WithFindingSink(correlate),
		scoring.WithRecorder(ingest),
		scoring.WithLowScoreThreshold(cfg.Scoring.LowScoreThreshold),
		scoring.WithLockoutThreshold(cfg.Scoring.LockoutFailureThreshold),
	)
	if err != nil {
		log.Error("failed to create scoring service", "error", err)
		os.Exit(1)
	}

	workflow, err := kyc.New(submissions,
		kyc.WithLogger(log),
		kyc.WithMetrics(m),
		kyc.WithRecorder(ingest),
		kyc.WithFindingSink(correlate),
		kyc.WithRiskAssessor(riskFromScore{score}),
	)
	if err != nil {
		log.Error("failed to create kyc service", "error", err)
		os.Exit(1)
	}

	summarize := aggregate.New(
		aggregate.WithLogger(log),
		aggregate.WithTopK(cfg.Aggregate.TopK),
		aggregate.WithMaxTrackedKeys(cfg.Aggregate.MaxTrackedKeys),
	)

	dispatcher.Register(scoring.NewConsumer(score))
	dispatcher.Register(correlator.NewConsumer(correlate))
	dispatcher.Register(aggregate.NewConsumer(summarize))

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recovery(log))
	router.Use(middleware.Logger(log))
	router.Use(middleware.Origin)
	router.Use(middleware.Timeout(30 * time.Second))

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if redisClient != nil {
			if err := redisClient.Health(r.Context()); err != nil {
				http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())

	router.Group(func(r chi.Router) {
		r.Use(middleware.RequireActor(cfg.JWTSigningKey, log))
		r.Use(middleware.ContentTypeJSON)
		audithandler.New(ingest, log).Register(r)
		securityhandler.New(correlate, score, log).Register(r)
		kychandler.New(workflow, log).Register(r)
		aggregatehandler.New(summarize, log).Register(r)
	})

	srv := httpserver.New(cfg.Addr, router)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting server", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return dispatcher.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}

// riskFromScore maps the account security badge onto the KYC risk gate: the
// weaker the authentication hygiene, the more review a submission needs.
type riskFromScore struct {
	scoring *scoring.Service
}

func (r riskFromScore) RiskFor(ctx context.Context, accountID domain.AccountID) (kyc.RiskLevel, error) {
	profile, err := r.scoring.GetProfile(ctx, accountID)
	if err != nil {
		return "", err
	}
	switch profile.Badge {
	case security.BadgeStrong, security.BadgeGood:
		return kyc.RiskLow, nil
	case security.BadgeFair:
		return kyc.RiskMedium, nil
	default:
		return kyc.RiskHigh, nil
	}
}
