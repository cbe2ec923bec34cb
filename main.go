package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"replydesk/backend/features/audit"
	"replydesk/backend/features/job"
	"replydesk/backend/internal/adapter/assist"
	"replydesk/backend/internal/adapter/platform"
	"replydesk/backend/internal/config"
	"replydesk/backend/internal/idempotency"
	"replydesk/backend/internal/logger"
	"replydesk/backend/internal/middleware"
	"replydesk/backend/internal/telemetry"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/nsqio/go-nsq"
)

func main() {
	// Initialize structured logger
	log := slog.New(logger.NewContextHandler(slog.NewJSONHandler(os.Stdout, nil)))
	slog.SetDefault(log)

	// 1. Load Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// 2. Database Connection
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPass, cfg.DBName)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("failed to open db connection", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Retry connection
	for i := 0; i < cfg.BootstrapRetryAttempts; i++ {
		if err := db.Ping(); err == nil {
			break
		}
		slog.Warn("failed to ping db, retrying...", "attempt", i+1, "max_attempts", cfg.BootstrapRetryAttempts)
		time.Sleep(time.Duration(cfg.BootstrapRetryDelaySeconds) * time.Second)
	}

	if err := db.Ping(); err != nil {
		slog.Error("failed to ping db after retries", "error", err)
		os.Exit(1)
	}

	// 3. Run Migrations
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		slog.Error("failed to create migration driver", "error", err)
		os.Exit(1)
	}

	m, err := migrate.NewWithDatabaseInstance(cfg.MigrationPath, "postgres", driver)
	if err != nil {
		slog.Error("failed to create migration instance", "error", err)
		os.Exit(1)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	slog.Info("migrations applied successfully")

	// 4. NSQ Producer
	nsqCfg := nsq.NewConfig()
	nsqProducer, err := nsq.NewProducer(cfg.NSQDHost, nsqCfg)
	if err != nil {
		slog.Error("failed to create NSQ producer", "error", err)
		os.Exit(1)
	}

	// Pre-create topics so consumers querying lookupd do not 404 before the
	// first publish. nsqd creates topics lazily otherwise.
	nsqHTTPHost := cfg.NSQDHTTP
	if nsqHTTPHost == "" {
		if host, _, err := net.SplitHostPort(cfg.NSQDHost); err == nil && host != "" {
			nsqHTTPHost = host + ":4151"
		}
	}
	go func() {
		time.Sleep(2 * time.Second)
		for _, topic := range []string{job.TopicWake, job.TopicLifecycle} {
			url := fmt.Sprintf("http://%s/topic/create?topic=%s", nsqHTTPHost, topic)
			resp, err := http.Post(url, "application/json", nil)
			if err != nil {
				slog.Warn("failed to pre-create topic", "topic", topic, "error", err)
				continue
			}
			resp.Body.Close()
		}
	}()

	// 5. Feature wiring
	auditRepo := audit.NewPostgresRepo(db)
	jobRepo := job.NewPostgresRepo(db)

	jobService := job.NewService(jobRepo, auditRepo, nsqProducer, cfg.StaleLockThreshold, cfg.WorkerEnabled, cfg.BulkMaxLimit)
	summaryService := job.NewSummaryService(jobRepo, cfg.SummaryCacheTTL, cfg.SummaryCacheEntries)

	workerID := fmt.Sprintf("worker-%s", uuid.NewString()[:8])
	worker := job.NewWorker(jobRepo, nsqProducer, workerID, cfg.WorkerBatchSize)

	// Type handlers: drafts go to the assist service, everything else to the
	// review-platform connector.
	assistClient := assist.NewClient(cfg.AssistURL, cfg.AssistTimeout)
	platformClient := platform.NewClient(cfg.PlatformURL, cfg.PlatformTimeout)

	worker.Register(job.TypeSyncLocations, func(ctx context.Context, j *job.Job) error {
		_, err := platformClient.SyncLocations(ctx, j.OrgID)
		return err
	})
	worker.Register(job.TypeSyncReviews, func(ctx context.Context, j *job.Job) error {
		var payload struct {
			LocationID string `json:"locationId"`
		}
		if err := json.Unmarshal(j.Payload, &payload); err != nil {
			return &job.NonRetryableError{Code: "BAD_PAYLOAD", Message: err.Error()}
		}
		_, err := platformClient.SyncReviews(ctx, j.OrgID, payload.LocationID)
		return err
	})
	worker.Register(job.TypeGenerateDraft, func(ctx context.Context, j *job.Job) error {
		var payload struct {
			ReviewID string `json:"reviewId"`
			Tone     string `json:"tone"`
		}
		if err := json.Unmarshal(j.Payload, &payload); err != nil {
			return &job.NonRetryableError{Code: "BAD_PAYLOAD", Message: err.Error()}
		}
		_, err := assistClient.GenerateDraft(ctx, j.OrgID, payload.ReviewID, payload.Tone)
		return err
	})
	worker.Register(job.TypeVerifyDraft, func(ctx context.Context, j *job.Job) error {
		var payload struct {
			DraftID string `json:"draftId"`
		}
		if err := json.Unmarshal(j.Payload, &payload); err != nil {
			return &job.NonRetryableError{Code: "BAD_PAYLOAD", Message: err.Error()}
		}
		_, err := assistClient.VerifyDraft(ctx, j.OrgID, payload.DraftID)
		return err
	})
	worker.Register(job.TypePostReply, func(ctx context.Context, j *job.Job) error {
		var payload struct {
			ReviewID string `json:"reviewId"`
			Text     string `json:"text"`
		}
		if err := json.Unmarshal(j.Payload, &payload); err != nil {
			return &job.NonRetryableError{Code: "BAD_PAYLOAD", Message: err.Error()}
		}
		return platformClient.PostReply(ctx, j.OrgID, payload.ReviewID, payload.Text)
	})

	jobHandler := job.NewHandler(jobService, summaryService, worker, cfg.WorkerEnabled, cfg.ListMaxLimit)

	// 6. Worker loop + wake consumer
	if cfg.WorkerEnabled {
		go worker.Run(context.Background(), cfg.WorkerPollInterval)

		consumer, err := nsq.NewConsumer(job.TopicWake, "backend", nsq.NewConfig())
		if err != nil {
			slog.Error("failed to create NSQ wake consumer", "error", err)
		} else {
			consumer.AddHandler(nsq.HandlerFunc(func(m *nsq.Message) error {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if _, err := worker.RunOnce(ctx); err != nil {
					slog.Warn("wake-triggered worker pass failed", "error", err)
				}
				return nil
			}))
			if err := consumer.ConnectToNSQLookupd(cfg.NSQLookupd); err != nil {
				slog.Error("failed to connect to NSQLookupd", "error", err)
			} else {
				slog.Info("NSQ wake consumer connected")
			}
		}
	} else {
		slog.Warn("worker disabled, jobs will not execute")
	}

	// 7. Routes
	idemStore := idempotency.NewPostgresStore(db)
	mutating := func(h http.HandlerFunc) http.Handler {
		return middleware.CorrelationID(
			middleware.RequireOwner(
				idempotency.Require(idemStore, h)))
	}
	reading := func(h http.HandlerFunc) http.Handler {
		return middleware.CorrelationID(middleware.RequireSession(h))
	}

	http.Handle("GET /jobs", reading(jobHandler.List))
	http.Handle("GET /jobs/summary", reading(jobHandler.Summary))
	http.Handle("GET /jobs/{id}", reading(jobHandler.Get))
	http.Handle("GET /jobs/{id}/events", reading(jobHandler.Events))

	http.Handle("POST /jobs", mutating(jobHandler.Enqueue))
	http.Handle("POST /jobs/{id}/actions", mutating(jobHandler.Action))
	http.Handle("POST /jobs/actions", mutating(jobHandler.BulkAction))
	http.Handle("POST /worker/run", mutating(jobHandler.WorkerRun))

	http.Handle("GET /metrics", telemetry.Handler())
	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	// 8. Start Server
	slog.Info("server starting", "port", cfg.ServerPort)
	if err := http.ListenAndServe(fmt.Sprintf(":%d", cfg.ServerPort), nil); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}
