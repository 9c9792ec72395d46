// Command gateway runs the session/tool dispatch surface (spec §4.6, §4.7
// sibling, §6): the executor WebSocket channel, the client WebSocket
// session surface, and the internal dispatch HTTP endpoint, all backed by
// the same executor registry and capacity counters the workflow engine's
// worker fleet reads through Postgres and Redis.
//
// Grounded in the teacher's registry/cmd/registry/main.go shape (connect to
// Redis, build the server, run it), generalized to cobra and to this
// module's three-surface gateway instead of one gRPC listener.
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

	"github.com/flowbase/core/internal/agentloop"
	"github.com/flowbase/core/internal/config"
	"github.com/flowbase/core/internal/coreerr"
	"github.com/flowbase/core/internal/executorregistry"
	"github.com/flowbase/core/internal/gateway"
	"github.com/flowbase/core/internal/gateway/clientws"
	"github.com/flowbase/core/internal/gateway/executorws"
	"github.com/flowbase/core/internal/kv/redis"
	"github.com/flowbase/core/internal/llm"
	"github.com/flowbase/core/internal/llm/providers"
	"github.com/flowbase/core/internal/llm/retry"
	"github.com/flowbase/core/internal/model"
	"github.com/flowbase/core/internal/store"
	storepostgres "github.com/flowbase/core/internal/store/postgres"
	"github.com/flowbase/core/internal/telemetry"
	"github.com/flowbase/core/internal/workflow/policy"
)

func main() {
	config.LoadDotenv()
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	var (
		addr       string
		gwToken    string
	)
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Serves the executor/client WebSocket channels and the internal dispatch endpoint",
		Long: `gateway serves three external interfaces (spec §6): the executor
WebSocket channel (ws://.../ws/executor), the client session WebSocket
channel (ws://.../ws/client), and the internal POST /internal/v1/dispatch
endpoint engines call to route a tool or agent-execute request to an online
executor.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway(cmd.Context(), addr, gwToken)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", config.StringOr("GATEWAY_ADDR", ":8090"), "HTTP/WebSocket listen address")
	cmd.Flags().StringVar(&gwToken, "gateway-token", config.StringOr("GATEWAY_TOKEN", ""), "required value of the x-gateway-token header on /internal/v1/dispatch")
	return cmd
}

// deliverFunc breaks the Gateway<->Hub construction cycle, same as cmd/worker.
type deliverFunc struct {
	hub *executorws.Hub
}

func (d *deliverFunc) Deliver(ctx context.Context, executorID string, req gateway.Request) error {
	return d.hub.Deliver(ctx, executorID, req)
}

func runGateway(ctx context.Context, addr, gwToken string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := telemetry.NewSlogLogger(nil)

	db, err := sql.Open("postgres", config.StringOr("DATABASE_URL", "postgres://localhost:5432/flowbase?sslmode=disable"))
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer db.Close()
	st := storepostgres.New(db)

	rdb := goredis.NewClient(&goredis.Options{Addr: config.StringOr("REDIS_ADDR", "localhost:6379")})
	defer rdb.Close()
	kvStore := redis.New(rdb)

	reg := executorregistry.New(kvStore, st, executorregistry.WithLogger(logger))
	transport := &deliverFunc{}
	gw := gateway.New(reg, kvStore, transport, gateway.DefaultConfig(), gateway.WithLogger(logger))
	execHub := executorws.New(reg, gw)
	transport.hub = execHub

	llmClient := buildLLMRouter()
	sessionRunners := newSessionRunnerFactory(st, llmClient, logger)
	clientHub := clientws.New(st, sessionRunners)

	mux := http.NewServeMux()
	mux.Handle("/ws/executor", execHub)
	mux.Handle("/ws/client", clientHub)
	mux.Handle("/internal/v1/dispatch", requireGatewayToken(gwToken, gw.HTTPHandler()))
	mux.Handle("/internal/v1/results", requireGatewayToken(gwToken, gw.ResultHandler()))

	srv := &http.Server{Addr: addr, Handler: mux}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info(ctx, "gateway: listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(ctx, "gateway: server exited", "err", err)
		}
	}()

	<-ctx.Done()
	_ = srv.Close()
	wg.Wait()
	return nil
}

// requireGatewayToken enforces the x-gateway-token header spec §6 names as
// the internal dispatch endpoint's auth mechanism. An empty configured
// token disables the check (local development only).
func requireGatewayToken(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-gateway-token") != token {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
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

// sessionRunner adapts an agentloop.Loop to clientws.AgentRunner, holding
// the one AgentRunState a session's turns resume from in memory — sessions
// are a simplified sibling of workflow runs (spec §2) and do not
// checkpoint through the durable store the way a blocked node does.
type sessionRunner struct {
	loop   *agentloop.Loop
	cfg    agentloop.Config
	state  *model.AgentRunState
	mu     sync.Mutex
}

func (r *sessionRunner) Run(ctx context.Context, message string) (agentloop.Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	input, err := json.Marshal(message)
	if err != nil {
		return agentloop.Outcome{}, err
	}
	state, outcome, err := r.loop.Run(ctx, r.cfg, r.state, nil, input)
	if err != nil {
		return agentloop.Outcome{}, err
	}
	r.state = state
	return outcome, nil
}

// newSessionRunnerFactory builds the clientws.AgentRunner factory: each
// session gets its own sessionRunner using the session's configured model,
// a default tool-free policy, and provider credentials from the process
// environment. Per-session tool wiring mirrors what agent.run nodes get via
// gateway.Wire but is intentionally minimal here, matching spec §2's
// framing of the session path as "a simplified sibling" of the engine's
// agent.run node.
func newSessionRunnerFactory(st store.Sessions, llmClient llm.Client, logger telemetry.Logger) func(orgID, sessionID string) (clientws.AgentRunner, error) {
	loop := agentloop.New(llmClient, agentloop.WithLogger(logger))
	pol := policy.New(nil, policy.OrgSettings{})
	return func(orgID, sessionID string) (clientws.AgentRunner, error) {
		sess, err := st.GetSession(context.Background(), orgID, sessionID)
		if err != nil {
			return nil, coreerr.Wrap(coreerr.InvalidNodeConfig, err, "resolve session")
		}
		return &sessionRunner{
			loop: loop,
			cfg: agentloop.Config{
				Provider: llm.Provider(config.StringOr("SESSION_DEFAULT_PROVIDER", "openai")),
				Model:    sess.Model,
				Auth:     llm.Auth{APIKey: os.Getenv("SESSION_DEFAULT_API_KEY")},
				Prompt: agentloop.Prompt{
					System:       "You are a helpful assistant operating inside a user session.",
					Instructions: "Respond to the user's message.",
				},
				Tools:      map[string]agentloop.Tool{},
				Policy:     pol,
				Limits:     agentloop.DefaultLimits(),
				OutputMode: agentloop.OutputText,
			},
		}, nil
	}
}
