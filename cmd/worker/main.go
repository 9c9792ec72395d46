// Command worker runs the queue-claim loop that drives the workflow engine
// (spec §4.1, §4.8): it claims run_step/run_continuation jobs from the work
// queue and executes them against a pgengine.Engine wired to Postgres,
// Redis, and an in-process gateway dispatch core with its own executor
// WebSocket hub.
//
// Grounded in the teacher's registry/cmd/registry/main.go envOr-helper shape
// for configuration, generalized to cobra per the fuller CLI surface the
// rest of this tree's commands share.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/flowbase/core/internal/config"
	"github.com/flowbase/core/internal/connector"
	"github.com/flowbase/core/internal/executorregistry"
	"github.com/flowbase/core/internal/gateway"
	"github.com/flowbase/core/internal/gateway/executorws"
	"github.com/flowbase/core/internal/kv/redis"
	"github.com/flowbase/core/internal/llm"
	"github.com/flowbase/core/internal/llm/providers"
	"github.com/flowbase/core/internal/llm/retry"
	"github.com/flowbase/core/internal/queue/postgres"
	storepostgres "github.com/flowbase/core/internal/store/postgres"
	"github.com/flowbase/core/internal/telemetry"
	"github.com/flowbase/core/internal/worker"
	"github.com/flowbase/core/internal/workflow/engine/pgengine"
	"github.com/flowbase/core/internal/workflow/nodes"
)

func main() {
	config.LoadDotenv()
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	var (
		concurrency int
		httpAddr    string
		wsAddr      string
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Claims and executes workflow run jobs",
		Long: `worker claims queued run_step and run_continuation jobs and drives
them through the workflow engine (graph interpreter, retry/checkpoint state
machine, and agent loop) until they succeed, fail, or block on a remote
dispatch. It also hosts the executor WebSocket channel (spec §6) that
backs its in-process gateway dispatch core.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), concurrency, httpAddr, wsAddr)
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", config.IntOr("WORKER_CONCURRENCY", 4), "number of concurrent job-claim goroutines")
	cmd.Flags().StringVar(&httpAddr, "metrics-addr", config.StringOr("WORKER_METRICS_ADDR", ":9100"), "address to serve /metrics on")
	cmd.Flags().StringVar(&wsAddr, "executor-ws-addr", config.StringOr("WORKER_EXECUTOR_WS_ADDR", ":9101"), "address to serve /ws/executor on")
	return cmd
}

// deliverFunc implements gateway.Transport by forwarding to whatever Hub is
// assigned after construction, breaking the Gateway<->Hub construction cycle
// (New requires each other's pointer).
type deliverFunc struct {
	hub *executorws.Hub
}

func (d *deliverFunc) Deliver(ctx context.Context, executorID string, req gateway.Request) error {
	return d.hub.Deliver(ctx, executorID, req)
}

func runWorker(ctx context.Context, concurrency int, metricsAddr, wsAddr string) error {
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

	reg := executorregistry.New(kvStore, st, executorregistry.WithLogger(logger))
	transport := &deliverFunc{}
	gw := gateway.New(reg, kvStore, transport, gateway.DefaultConfig(), gateway.WithLogger(logger))
	hub := executorws.New(reg, gw)
	transport.hub = hub

	llmClient := buildLLMRouter()
	conn := connector.New(connectorEndpointsFromEnv(), st, http.DefaultClient)
	registry := nodes.NewRegistry(http.DefaultClient, conn)
	gateway.Wire(registry, llmClient, conn, st)

	eng := pgengine.New(st, q, registry, gw, pgengine.WithLogger(logger))

	var wg sync.WaitGroup

	if handler, metricsErr := telemetry.SetupPrometheusMetrics(); metricsErr == nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", handler)
		srv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn(ctx, "worker: metrics server exited", "err", err)
			}
		}()
		go func() {
			<-ctx.Done()
			_ = srv.Close()
		}()
	}

	wsMux := http.NewServeMux()
	wsMux.Handle("/ws/executor", hub)
	wsSrv := &http.Server{Addr: wsAddr, Handler: wsMux}
	go func() {
		if err := wsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn(ctx, "worker: executor ws server exited", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		_ = wsSrv.Close()
	}()

	pool := worker.New(q, eng, hostname()+"-worker", worker.WithLogger(logger))
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := pool.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error(ctx, "worker: pool exited", "err", err)
			}
		}()
	}
	logger.Info(ctx, "worker: started", "concurrency", concurrency)
	wg.Wait()
	return nil
}

func buildLLMRouter() *llm.Router {
	return llm.NewRouter(
		llm.WithClient(llm.ProviderOpenAI, providers.OpenAI{}),
		llm.WithClient(llm.ProviderAnthropic, providers.Anthropic{}),
		llm.WithClient(llm.ProviderGemini, providers.Gemini{}),
		llm.WithClient(llm.ProviderVertex, providers.Vertex{}),
		llm.WithMiddleware(retry.Middleware(retry.DefaultConfig())),
	)
}

// connectorEndpointsFromEnv parses CONNECTOR_ENDPOINTS as a JSON object of
// connectorID -> {baseUrl, secretName}, matching the operator-configured
// table connector.Static expects (spec §1 "per-connector action bodies
// remain external interfaces").
func connectorEndpointsFromEnv() map[string]connector.Endpoint {
	raw := os.Getenv("CONNECTOR_ENDPOINTS")
	if raw == "" {
		return nil
	}
	var parsed map[string]connector.Endpoint
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		log.Printf("worker: ignoring malformed CONNECTOR_ENDPOINTS: %v", err)
		return nil
	}
	return parsed
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "worker"
	}
	return h
}
