// Command pulse-worker runs the per-action-kind delivery loops that drain
// the action queue: push_notification, http_webhook, and agent_callback.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/chainwatch/pulse/internal/domain/trigger"
	"github.com/chainwatch/pulse/internal/queue"
	"github.com/chainwatch/pulse/internal/ratelimit"
	"github.com/chainwatch/pulse/internal/store/actionresultstore"
	"github.com/chainwatch/pulse/internal/workers"
	"github.com/chainwatch/pulse/pkg/config"
	"github.com/chainwatch/pulse/pkg/logger"
	"github.com/chainwatch/pulse/pkg/metrics"
)

var kindFlag string

func main() {
	root := &cobra.Command{
		Use:   "pulse-worker",
		Short: "Run the pulse action delivery workers",
		RunE:  runWorkers,
	}
	root.Flags().StringVar(&kindFlag, "kind", "", "run only this action kind (push_notification|http_webhook|agent_callback); default runs all three")
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func selectedKinds() ([]trigger.ActionKind, error) {
	all := []trigger.ActionKind{
		trigger.ActionPushNotification,
		trigger.ActionHTTPWebhook,
		trigger.ActionAgentCallback,
	}
	if kindFlag == "" {
		return all, nil
	}
	kind := trigger.ActionKind(kindFlag)
	for _, k := range all {
		if k == kind {
			return []trigger.ActionKind{kind}, nil
		}
	}
	return nil, fmt.Errorf("unknown --kind %q", kindFlag)
}

func runWorkers(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.New(logger.Config{
		Level: cfg.Logging.Level, Format: cfg.Logging.Format,
		Output: cfg.Logging.Output, FilePrefix: "pulse-worker",
	})

	dsn := cfg.Database.DSN
	if dsn == "" {
		dsn = cfg.Database.ConnectionString()
	}
	db, err := sql.Open(cfg.Database.Driver, dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Second)

	results := actionresultstore.NewPostgresStore(db)
	if cfg.Database.MigrateOnStart {
		if err := results.EnsureSchema(context.Background()); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer redisClient.Close()

	actionQueue := queue.New(redisClient, queue.Config{
		KeyPrefix:         cfg.Queue.KeyPrefix + ":queue:",
		JobTTL:            time.Duration(cfg.Queue.JobTTL) * time.Second,
		VisibilityTimeout: time.Duration(cfg.Queue.VisibilityTimeout) * time.Second,
	})

	limiter := ratelimit.New(redisClient, log, ratelimit.Config{FailOpen: false})

	httpClient := &http.Client{Timeout: time.Duration(cfg.Workers.WebhookTimeoutMs) * time.Millisecond}

	registry := workers.NewRegistry(
		&workers.PushNotificationDelivery{
			Client:  httpClient,
			BaseURL: cfg.Workers.PushBaseURL,
			APIKey:  cfg.Workers.PushAPIKey,
		},
		&workers.HTTPWebhookDelivery{
			Client:         httpClient,
			RequireHTTPS:   cfg.Workers.WebhookRequireHTTPS,
			DefaultTimeout: time.Duration(cfg.Workers.WebhookTimeoutMs) * time.Millisecond,
			MaxTimeout:     time.Duration(cfg.Workers.WebhookMaxTimeoutMs) * time.Millisecond,
		},
		workers.NewAgentCallbackDelivery(
			httpClient,
			workers.NewRegistryResolver(httpClient, cfg.Workers.AgentRegistryURL),
			time.Duration(cfg.Workers.EndpointCacheTTLSeconds)*time.Second,
		),
	)

	workerCfg := workers.Config{
		MaxAttempts:        cfg.Workers.MaxAttempts,
		BaseBackoff:        time.Duration(cfg.Workers.BaseBackoffMillis) * time.Millisecond,
		MaxBackoff:         time.Duration(cfg.Workers.MaxBackoffMillis) * time.Millisecond,
		JobTTL:             time.Duration(cfg.Queue.JobTTL) * time.Second,
		ClaimTimeout:       5 * time.Second,
		PerRecipientLimit:  int64(cfg.RateLimit.DefaultLimit),
		PerRecipientWindow: time.Duration(cfg.RateLimit.WindowSeconds) * time.Second,
	}

	kinds, err := selectedKinds()
	if err != nil {
		return err
	}

	var pool []*workers.Worker
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, kind := range kinds {
		for i := 0; i < cfg.Workers.Concurrency; i++ {
			w := workers.New(kind, actionQueue, registry, limiter, results, log, workerCfg)
			if err := w.Start(ctx); err != nil {
				return fmt.Errorf("start worker for %s: %w", kind, err)
			}
			pool = append(pool, w)
		}
	}
	log.WithField("workers", len(pool)).Info("pulse-worker started")

	srv := adminServer(cfg.Server.Host, cfg.Server.Port, pool, actionQueue)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("admin server stopped unexpectedly")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("pulse-worker shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	for _, w := range pool {
		if err := w.Stop(); err != nil {
			log.WithError(err).Warn("worker stop returned an error")
		}
	}
	return nil
}

func adminServer(host string, port int, pool []*workers.Worker, q *queue.Queue) *http.Server {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		for _, worker := range pool {
			if !worker.Ready() {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte("not ready"))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	r.Handle("/metrics", metrics.Handler())
	r.Get("/debug/dlq/{kind}", func(w http.ResponseWriter, r *http.Request) {
		kind := trigger.ActionKind(chi.URLParam(r, "kind"))
		entries, err := q.PeekDLQ(r.Context(), kind, 50)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("[" + strings.Join(entries, ",") + "]"))
	})

	return &http.Server{
		Addr:    fmt.Sprintf("%s:%d", host, port),
		Handler: metrics.InstrumentHandler(r),
	}
}
