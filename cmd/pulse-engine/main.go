// Command pulse-engine runs the ingest notifier and trigger engine: it
// watches the event log, evaluates every matching trigger's conditions, and
// enqueues actions for pulse-worker to deliver.
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

	"github.com/chainwatch/pulse/internal/cache/statecache"
	"github.com/chainwatch/pulse/internal/domain/trigger"
	"github.com/chainwatch/pulse/internal/ingest"
	"github.com/chainwatch/pulse/internal/queue"
	"github.com/chainwatch/pulse/internal/store/actionresultstore"
	"github.com/chainwatch/pulse/internal/store/eventstore"
	"github.com/chainwatch/pulse/internal/store/statestore"
	"github.com/chainwatch/pulse/internal/store/triggerstore"
	"github.com/chainwatch/pulse/internal/triggerengine"
	"github.com/chainwatch/pulse/pkg/config"
	"github.com/chainwatch/pulse/pkg/logger"
	"github.com/chainwatch/pulse/pkg/metrics"
)

func main() {
	root := &cobra.Command{
		Use:   "pulse-engine",
		Short: "Run the pulse event ingest and trigger evaluation engine",
		RunE:  runEngine,
	}
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runEngine(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.New(logger.Config{
		Level: cfg.Logging.Level, Format: cfg.Logging.Format,
		Output: cfg.Logging.Output, FilePrefix: "pulse-engine",
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

	events := eventstore.NewPostgresStore(db)
	triggers := triggerstore.NewPostgresStore(db)
	states := statestore.NewPostgresStore(db)
	results := actionresultstore.NewPostgresStore(db)

	if cfg.Database.MigrateOnStart {
		ctx := context.Background()
		for _, s := range []interface{ EnsureSchema(context.Context) error }{events, triggers, states, results} {
			if err := s.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("ensure schema: %w", err)
			}
		}
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer redisClient.Close()

	cache := statecache.New(redisClient, states, log, statecache.Config{
		Enabled: cfg.Cache.Enabled,
		TTL:     time.Duration(cfg.Cache.TTL) * time.Second,
		MinTTL:  time.Duration(cfg.Cache.MinTTL) * time.Second,
	})

	actionQueue := queue.New(redisClient, queue.Config{
		KeyPrefix:         cfg.Queue.KeyPrefix + ":queue:",
		JobTTL:            time.Duration(cfg.Queue.JobTTL) * time.Second,
		VisibilityTimeout: time.Duration(cfg.Queue.VisibilityTimeout) * time.Second,
	})
	enqueuer := &triggerengine.QueueEnqueuer{Queue: actionQueue}

	engine := triggerengine.New(triggers, cache, enqueuer, log)

	notifier := ingest.New(dsn, events, engine, log, ingest.Config{
		CatchupBatchSize:  cfg.Engine.CatchupBatchSize,
		ReconnectMinDelay: time.Duration(cfg.Engine.ReconnectMinDelay) * time.Millisecond,
		ReconnectMaxDelay: time.Duration(cfg.Engine.ReconnectMaxDelay) * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := notifier.Start(ctx); err != nil {
		return fmt.Errorf("start notifier: %w", err)
	}
	log.Info("pulse-engine started")

	go runStateRetentionSweep(ctx, states, log, cfg.StateRetention)

	srv := adminServer(cfg.Server.Host, cfg.Server.Port, notifier, actionQueue)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("admin server stopped unexpectedly")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("pulse-engine shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	return notifier.Stop()
}

// runStateRetentionSweep periodically removes TriggerState rows idle beyond
// cfg.RetentionSeconds, the cleanup §3's TriggerState lifecycle requires
// for state left behind by a deleted or long-abandoned trigger.
func runStateRetentionSweep(ctx context.Context, states statestore.Store, log *logger.Logger, cfg config.StateRetentionConfig) {
	interval := time.Duration(cfg.SweepIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Hour
	}
	retention := time.Duration(cfg.RetentionSeconds) * time.Second
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-retention)
			n, err := states.DeleteOlderThan(ctx, cutoff)
			if err != nil {
				log.WithError(err).Warn("state retention sweep failed")
				continue
			}
			if n > 0 {
				log.WithField("rows_deleted", n).Info("state retention sweep removed idle trigger state")
			}
		}
	}
}

// adminServer exposes /healthz, /readyz, and /metrics the way every pulse
// binary does, so a single scrape config and a single liveness probe path
// work across pulse-engine and pulse-worker alike.
func adminServer(host string, port int, ready interface{ Ready() bool }, q *queue.Queue) *http.Server {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !ready.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
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
