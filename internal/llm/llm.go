// Package llm defines the uniform LLM completion interface consumed by the
// agent loop (spec §4.5): infer({provider, model, messages, timeoutMs,
// maxOutputChars, auth}) -> {ok, content, usage?} | {ok:false, error}. It
// generalizes the teacher's features/model/gateway.Server middleware-chain
// shape (provider-agnostic Client wrapped by composable UnaryMiddleware)
// from a multimodal Part-based message model down to the flat
// JSON-envelope text conversation the agent loop drives.
package llm

import (
	"context"

	"github.com/flowbase/core/internal/coreerr"
)

// Role is the conversation role of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn in a provider-agnostic conversation.
type Message struct {
	Role    Role
	Content string
}

// Auth carries provider credentials. Exactly the fields relevant to the
// selected Provider are populated; the rest are ignored.
type Auth struct {
	APIKey      string
	APIBaseURL  string // honored for OpenAI-compatible and Anthropic-compatible custom endpoints
	VertexOAuth VertexOAuth
}

// VertexOAuth carries the service-account credential Vertex requests exchange
// for a bearer access token.
type VertexOAuth struct {
	CredentialsJSON []byte
	ProjectID       string
	Location        string
}

// Provider identifies which wire protocol to speak.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGemini    Provider = "gemini"
	ProviderVertex    Provider = "vertex"
)

// Request is one completion request (spec §4.5).
type Request struct {
	Provider       Provider
	Model          string
	Messages       []Message
	TimeoutMs      int
	MaxOutputChars int
	Auth           Auth
}

// Usage reports token accounting, zero-filled when a provider omits a field.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Response is the outcome of a completion request.
type Response struct {
	OK      bool
	Content string
	Usage   Usage
	Error   *coreerr.Error
}

// Client performs one completion request against a specific provider.
// Provider adapters (package providers) implement this per wire protocol.
type Client interface {
	Infer(ctx context.Context, req Request) (*Response, error)
}

// ClientFunc adapts a function to a Client.
type ClientFunc func(ctx context.Context, req Request) (*Response, error)

// Infer implements Client.
func (f ClientFunc) Infer(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// Middleware wraps a Client to add cross-cutting behavior (retry, token
// accounting, logging) without changing the Request/Response contract.
// Middleware composes in registration order: the first middleware passed to
// NewRouter is the outermost layer, mirroring the teacher's UnaryMiddleware
// chain.
type Middleware func(next Client) Client

// Router dispatches a Request to the Client registered for its Provider,
// wrapped in the configured middleware chain.
type Router struct {
	clients map[Provider]Client
}

// RouterOption configures a Router during construction.
type RouterOption func(*routerConfig)

type routerConfig struct {
	clients map[Provider]Client
	mw      []Middleware
}

// WithClient registers the Client to use for a given Provider.
func WithClient(p Provider, c Client) RouterOption {
	return func(cfg *routerConfig) { cfg.clients[p] = c }
}

// WithMiddleware appends middleware applied to every provider's Client.
func WithMiddleware(mw ...Middleware) RouterOption {
	return func(cfg *routerConfig) { cfg.mw = append(cfg.mw, mw...) }
}

// NewRouter builds a Router with per-provider clients wrapped in the given
// middleware chain.
func NewRouter(opts ...RouterOption) *Router {
	cfg := routerConfig{clients: make(map[Provider]Client)}
	for _, opt := range opts {
		opt(&cfg)
	}
	wrapped := make(map[Provider]Client, len(cfg.clients))
	for p, c := range cfg.clients {
		wrapped[p] = chain(c, cfg.mw)
	}
	return &Router{clients: wrapped}
}

func chain(base Client, mw []Middleware) Client {
	out := base
	for i := len(mw) - 1; i >= 0; i-- {
		out = mw[i](out)
	}
	return out
}

// Infer routes req to the Client registered for req.Provider.
func (r *Router) Infer(ctx context.Context, req Request) (*Response, error) {
	c, ok := r.clients[req.Provider]
	if !ok {
		return nil, coreerr.Newf(coreerr.InvalidNodeConfig, "no LLM client configured for provider %q", req.Provider)
	}
	return c.Infer(ctx, req)
}
