// Command scheduler runs the trigger scheduler's single-leader polling loop
// (spec §4.7): scan due trigger subscriptions, enqueue run-jobs keyed to
// scheduled instants, and guarantee at-most-one run per instant per
// subscription via the store's unique (org, workflow, triggerKey)
// constraint.
//
// Grounded in the teacher's registry/cmd/registry/main.go shape and
// registry/health_tracker.go's distributed ping-loop idiom (reused here for
// leader election over internal/kv, see internal/scheduler's doc comment).
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/flowbase/core/internal/config"
	"github.com/flowbase/core/internal/kv/redis"
	"github.com/flowbase/core/internal/queue/postgres"
	"github.com/flowbase/core/internal/scheduler"
	storepostgres "github.com/flowbase/core/internal/store/postgres"
	"github.com/flowbase/core/internal/telemetry"
)

func main() {
	config.LoadDotenv()
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Polls due trigger subscriptions and enqueues run jobs",
		Long: `scheduler runs a single-leader, jittered polling loop (default 5s)
that scans trigger subscriptions due to fire, inserts an idempotent run row
keyed by (org, workflow, triggerKey), enqueues the corresponding run job,
and advances each subscription's nextFireAt (cron or heartbeat schedule).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScheduler(cmd.Context(), metricsAddr)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", config.StringOr("SCHEDULER_METRICS_ADDR", ":9102"), "address to serve /metrics on")
	return cmd
}

func runScheduler(ctx context.Context, metricsAddr string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := telemetry.NewSlogLogger(nil)

	db, err := sql.Open("postgres", config.StringOr("DATABASE_URL", "postgres://localhost:5432/flowbase?sslmode=disable"))
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer db.Close()
	st := storepostgres.New(db)
	q := postgres.New(db)

	rdb := goredis.NewClient(&goredis.Options{Addr: config.StringOr("REDIS_ADDR", "localhost:6379")})
	defer rdb.Close()
	kvStore := redis.New(rdb)

	sched := scheduler.New(st, st, q, kvStore, scheduler.WithLogger(logger))

	if handler, metricsErr := telemetry.SetupPrometheusMetrics(); metricsErr == nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", handler)
		srv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn(ctx, "scheduler: metrics server exited", "err", err)
			}
		}()
		go func() {
			<-ctx.Done()
			_ = srv.Close()
		}()
	}

	logger.Info(ctx, "scheduler: started")
	if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
