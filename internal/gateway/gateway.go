// Package gateway implements the dispatch core (spec §4.6): given a dispatch
// request, it selects an online executor via internal/executorregistry,
// reserves capacity atomically, delivers the payload over a Transport, and
// stores the eventual result keyed by request id so a continuation job can
// resume the originating run.
//
// Grounded in runtime/toolregistry/executor/executor.go's call ->
// await-result-on-stream shape (replacing Pulse streams with Redis-backed
// per-request result keys, per SPEC_FULL §4.6) and
// registry/registry.go + registry/health_tracker.go's TTL-based liveness
// (generalized by internal/executorregistry). The selector tie-break and
// atomic dual capacity reservation are new code grounded in the atomic-
// script pattern the teacher's Redis usage implies, plus runtime/a2a/policy's
// allow/deny-list shape reused here for label matching.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/flowbase/core/internal/coreerr"
	"github.com/flowbase/core/internal/executorregistry"
	"github.com/flowbase/core/internal/kv"
	"github.com/flowbase/core/internal/model"
	"github.com/flowbase/core/internal/telemetry"
)

// Selector is the constraint set used to pick an executor (spec §4.6).
type Selector struct {
	Pool         model.Pool
	RequiredLabels map[string]string
	Group        string
	Tag          string
	ExecutorID   string // pins dispatch to a specific executor
}

// Request is one dispatch request (spec §4.6).
type Request struct {
	RequestID string
	OrgID     string
	RunID     string
	NodeID    string
	Kind      string // dsl.NodeKind-compatible: connector.action | agent.execute | agent.run
	Payload   json.RawMessage
	Selector  Selector
	TimeoutMs int
}

// Response is the synchronous outcome of Dispatch: either the executor has
// already produced a terminal result inline, or the request was delivered
// and the caller must suspend (spec §4.6 "(b) return {ok:true, requestId,
// dispatched:true}").
type Response struct {
	Dispatched bool
	RequestID  string
	Status     model.RemoteResultStatus
	Output     json.RawMessage
	Error      string
}

// Transport delivers a dispatch payload to a specific executor over
// whatever durable channel it is connected by (WebSocket for interactive
// dispatch, HTTP callback for simple request/response, spec §4.6/§6).
type Transport interface {
	Deliver(ctx context.Context, executorID string, req Request) error
}

// Config sets the per-org in-flight quota the Gateway applies to every
// dispatch and the TTLs of stored results and pending-dispatch records.
type Config struct {
	DefaultOrgMaxInFlight int64
	ResultTTL             time.Duration
	PendingTTL            time.Duration
}

// DefaultConfig matches conservative defaults; org quota is deliberately
// generous since per-org limits are typically configured per route/plan.
func DefaultConfig() Config {
	return Config{
		DefaultOrgMaxInFlight: 100,
		ResultTTL:             10 * time.Minute,
		PendingTTL:            30 * time.Minute,
	}
}

// Gateway is the dispatch core (spec §4.6).
type Gateway struct {
	registry  *executorregistry.Registry
	kv        kv.Store
	transport Transport
	cfg       Config
	logger    telemetry.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger attaches a telemetry.Logger; defaults to a no-op logger.
func WithLogger(l telemetry.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// New builds a Gateway over an executor registry, a kv store for capacity
// counters and result storage, and a Transport for delivery.
func New(reg *executorregistry.Registry, kvStore kv.Store, transport Transport, cfg Config, opts ...Option) *Gateway {
	g := &Gateway{registry: reg, kv: kvStore, transport: transport, cfg: cfg, logger: telemetry.NewNoopLogger()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// pendingEntry is the kv-backed bookkeeping record for an outstanding
// dispatch request, keyed by requestId, used to release capacity and locate
// the owning run on completion or disconnect.
type pendingEntry struct {
	ExecutorID string `json:"executorId"`
	OrgID      string `json:"orgId"`
	RunID      string `json:"runId"`
	NodeID     string `json:"nodeId"`
}

func pendingKey(requestID string) string { return "gateway:pending:" + requestID }

// Dispatch selects an executor, reserves capacity, and delivers req. It
// never blocks waiting for the executor's result: on success it always
// returns Dispatched=true, since every dispatch kind in scope (§4.3)
// produces its terminal result asynchronously via PostResult.
func (g *Gateway) Dispatch(ctx context.Context, req Request) (Response, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	route, err := g.selectExecutor(ctx, req)
	if err != nil {
		return Response{}, err
	}

	orgLimit := g.cfg.DefaultOrgMaxInFlight
	ttl := executorregistry.DefaultLiveness
	ok, err := g.kv.TryReserveTwo(ctx,
		kv.ExecutorInFlightKey(route.ExecutorID), int64(route.MaxInFlight),
		kv.OrgInFlightKey(req.OrgID), orgLimit,
		ttl,
	)
	if err != nil {
		return Response{}, coreerr.Wrap(coreerr.GatewayUnavailable, err, err.Error()).WithRetryable()
	}
	if !ok {
		// Distinguish which limit was hit for a clearer error code; a second
		// read is best-effort diagnostics only, the reservation itself was
		// already atomic and authoritative.
		return Response{}, g.capacityError(ctx, route)
	}

	entry := pendingEntry{ExecutorID: route.ExecutorID, OrgID: req.OrgID, RunID: req.RunID, NodeID: req.NodeID}
	raw, err := json.Marshal(entry)
	if err != nil {
		g.releaseCapacity(ctx, route.ExecutorID, req.OrgID)
		return Response{}, err
	}
	if err := g.kv.Set(ctx, pendingKey(req.RequestID), string(raw), g.cfg.PendingTTL); err != nil {
		g.releaseCapacity(ctx, route.ExecutorID, req.OrgID)
		return Response{}, coreerr.Wrap(coreerr.GatewayUnavailable, err, err.Error()).WithRetryable()
	}

	if err := g.transport.Deliver(ctx, route.ExecutorID, req); err != nil {
		g.releaseCapacity(ctx, route.ExecutorID, req.OrgID)
		_ = g.kv.Del(ctx, pendingKey(req.RequestID))
		return Response{}, coreerr.Wrap(coreerr.GatewayDispatchFailed, err, err.Error()).WithRetryable()
	}
	if err := g.registry.MarkUsed(ctx, route.ExecutorID); err != nil {
		g.logger.Warn(ctx, "gateway: mark-used failed", "executorId", route.ExecutorID, "err", err)
	}

	return Response{Dispatched: true, RequestID: req.RequestID}, nil
}

func (g *Gateway) capacityError(ctx context.Context, route model.ExecutorRoute) error {
	execCount, _ := g.kv.Get(ctx, kv.ExecutorInFlightKey(route.ExecutorID))
	if n, err := strconv.ParseInt(execCount, 10, 64); err == nil && n >= int64(route.MaxInFlight) {
		return coreerr.Newf(coreerr.ExecutorOverCapacity, "executor %s at capacity (max %d)", route.ExecutorID, route.MaxInFlight)
	}
	return coreerr.New(coreerr.OrgQuotaExceeded, "organization in-flight quota exceeded")
}

// PostResult records the terminal result for a dispatched request (spec
// §4.6 "the gateway writes this under results:{requestId} with a TTL"),
// releases the reserved capacity, and returns the owning run/node so the
// caller can poke its continuation. It is called by the executor-facing
// transport (WS message handler or HTTP callback) and is idempotent: a
// result posted for an unknown or already-completed requestId is a no-op.
func (g *Gateway) PostResult(ctx context.Context, requestID string, result model.RemoteResult) (runID, nodeID string, err error) {
	raw, err := g.kv.Get(ctx, pendingKey(requestID))
	if err != nil {
		return "", "", nil // already completed or unknown: idempotent no-op
	}
	var entry pendingEntry
	if jsonErr := json.Unmarshal([]byte(raw), &entry); jsonErr != nil {
		return "", "", fmt.Errorf("decode pending dispatch entry: %w", jsonErr)
	}

	result.RequestID = requestID
	resultRaw, err := json.Marshal(result)
	if err != nil {
		return "", "", err
	}
	if err := g.kv.Set(ctx, kv.GatewayResultKey(requestID), string(resultRaw), g.cfg.ResultTTL); err != nil {
		return "", "", coreerr.Wrap(coreerr.GatewayUnavailable, err, err.Error())
	}

	g.releaseCapacity(ctx, entry.ExecutorID, entry.OrgID)
	_ = g.kv.Del(ctx, pendingKey(requestID))
	return entry.RunID, entry.NodeID, nil
}

// Result fetches the stored result for requestID, or kv.ErrNotFound if the
// executor has not posted one yet (consumed by the continuation poller,
// spec §4.8).
func (g *Gateway) Result(ctx context.Context, requestID string) (model.RemoteResult, error) {
	raw, err := g.kv.Get(ctx, kv.GatewayResultKey(requestID))
	if err != nil {
		return model.RemoteResult{}, err
	}
	var result model.RemoteResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return model.RemoteResult{}, coreerr.Wrap(coreerr.GatewayResponseInvalid, err, err.Error())
	}
	return result, nil
}

// HandleDisconnect synthesizes AGENT_DISCONNECTED results for every pending
// request addressed to executorID (spec §4.6 "weak reference: if an
// executor disconnects while a request is outstanding, the gateway
// synthesizes an AGENT_DISCONNECTED result and releases both counters").
func (g *Gateway) HandleDisconnect(ctx context.Context, executorID string) {
	keys, err := g.kv.Scan(ctx, "gateway:pending:")
	if err != nil {
		g.logger.Warn(ctx, "gateway: disconnect scan failed", "executorId", executorID, "err", err)
		return
	}
	for _, key := range keys {
		raw, err := g.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var entry pendingEntry
		if json.Unmarshal([]byte(raw), &entry) != nil || entry.ExecutorID != executorID {
			continue
		}
		requestID := key[len("gateway:pending:"):]
		if _, _, err := g.PostResult(ctx, requestID, model.RemoteResult{
			Status: model.RemoteDisconnected,
			Error:  string(coreerr.AgentDisconnected),
		}); err != nil {
			g.logger.Warn(ctx, "gateway: disconnect synthesis failed", "requestId", requestID, "err", err)
		}
	}
}

func (g *Gateway) releaseCapacity(ctx context.Context, executorID, orgID string) {
	if err := g.kv.Release(ctx, kv.ExecutorInFlightKey(executorID)); err != nil {
		g.logger.Warn(ctx, "gateway: release executor capacity failed", "executorId", executorID, "err", err)
	}
	if err := g.kv.Release(ctx, kv.OrgInFlightKey(orgID)); err != nil {
		g.logger.Warn(ctx, "gateway: release org capacity failed", "orgId", orgID, "err", err)
	}
}

// selectExecutor implements the matching and tie-break rules of spec §4.6.
func (g *Gateway) selectExecutor(ctx context.Context, req Request) (model.ExecutorRoute, error) {
	if req.Selector.ExecutorID != "" {
		route, err := g.registry.Lookup(ctx, req.Selector.ExecutorID)
		if err != nil {
			return model.ExecutorRoute{}, coreerr.Newf(coreerr.PinnedAgentOffline, "pinned executor %s is offline", req.Selector.ExecutorID)
		}
		if !matches(route, req) {
			return model.ExecutorRoute{}, coreerr.Newf(coreerr.PinnedAgentOffline, "pinned executor %s does not satisfy the selector", req.Selector.ExecutorID)
		}
		return route, nil
	}

	routes, err := g.registry.ListLive(ctx)
	if err != nil {
		return model.ExecutorRoute{}, coreerr.Wrap(coreerr.GatewayUnavailable, err, err.Error()).WithRetryable()
	}
	var candidates []model.ExecutorRoute
	for _, r := range routes {
		if matches(r, req) {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return model.ExecutorRoute{}, coreerr.New(coreerr.NoAgentAvailable, "no executor satisfies the dispatch selector")
	}

	for i := range candidates {
		if raw, err := g.kv.Get(ctx, kv.ExecutorInFlightKey(candidates[i].ExecutorID)); err == nil {
			if n, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
				candidates[i].InFlight = int(n)
			}
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return lessSpecialized(candidates[i], candidates[j], req) })
	return candidates[0], nil
}

// matches reports whether route satisfies req's selector (spec §4.6).
func matches(route model.ExecutorRoute, req Request) bool {
	if req.OrgID != "" && route.OrgID != req.OrgID {
		return false
	}
	if req.Selector.Pool != "" && route.Pool != req.Selector.Pool {
		return false
	}
	for k, v := range req.Selector.RequiredLabels {
		if route.Labels[k] != v {
			return false
		}
	}
	if req.Selector.Group != "" && route.Labels["group"] != req.Selector.Group {
		return false
	}
	if req.Selector.Tag != "" && route.Labels["tag"] != req.Selector.Tag {
		return false
	}
	if !containsKind(route.Kinds, req.Kind) {
		return false
	}
	return true
}

func containsKind(kinds []string, kind string) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// lessSpecialized implements the spec §4.6 tie-break order: kinds
// specialization (fewer advertised kinds = more specialized) -> fewest
// in-flight -> LRU by lastUsedAt -> stable by executorId.
func lessSpecialized(a, b model.ExecutorRoute, req Request) bool {
	if len(a.Kinds) != len(b.Kinds) {
		return len(a.Kinds) < len(b.Kinds)
	}
	if a.InFlight != b.InFlight {
		return a.InFlight < b.InFlight
	}
	if a.LastUsedAtMs != b.LastUsedAtMs {
		return a.LastUsedAtMs < b.LastUsedAtMs
	}
	return a.ExecutorID < b.ExecutorID
}
