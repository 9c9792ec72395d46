// Package executorregistry tracks executor connections for the gateway
// dispatch core (spec §3 ExecutorRoute, §4.6, §4.9): labels, pool, tenant
// binding, last-seen liveness, and lookup for the selector. It generalizes
// the teacher's registry.Registry (registry/registry.go), which wired a
// replicated map plus a distributed-ticker health tracker over Pulse, onto
// plain TTL-keyed entries in the kv store — a Redis SETEX/GET already gives
// the same "absent after timeout" liveness guarantee without a second
// coordination layer.
package executorregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowbase/core/internal/kv"
	"github.com/flowbase/core/internal/model"
	"github.com/flowbase/core/internal/store"
	"github.com/flowbase/core/internal/telemetry"
)

// DefaultLiveness is how long an executor route survives without a heartbeat
// before Lookup stops returning it.
const DefaultLiveness = 30 * time.Second

// Registry tracks live executor routes.
type Registry struct {
	kv       kv.Store
	store    store.ExecutorRoutes
	liveness time.Duration
	logger   telemetry.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLiveness overrides DefaultLiveness.
func WithLiveness(d time.Duration) Option {
	return func(r *Registry) { r.liveness = d }
}

// WithLogger attaches a telemetry.Logger; defaults to a no-op logger.
func WithLogger(l telemetry.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// New builds a Registry over kv (fast, TTL-expiring route lookup) and a
// durable store (audit/recovery of route identity across restarts, spec §3).
func New(kvStore kv.Store, durableStore store.ExecutorRoutes, opts ...Option) *Registry {
	r := &Registry{
		kv:       kvStore,
		store:    durableStore,
		liveness: DefaultLiveness,
		logger:   telemetry.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register records a newly connected executor route and starts its liveness
// window. The durable store keeps route identity for recovery; the kv entry
// is the fast path the selector reads and expires on its own if the executor
// disappears without an explicit Deregister.
func (r *Registry) Register(ctx context.Context, route model.ExecutorRoute) error {
	route.LastSeenAtMs = time.Now().UnixMilli()
	if err := r.store.UpsertExecutorRoute(ctx, route); err != nil {
		return fmt.Errorf("persist executor route: %w", err)
	}
	return r.putKV(ctx, route)
}

// Heartbeat refreshes an executor route's liveness window without requiring
// the full route payload again.
func (r *Registry) Heartbeat(ctx context.Context, executorID string) error {
	route, err := r.Lookup(ctx, executorID)
	if err != nil {
		return err
	}
	route.LastSeenAtMs = time.Now().UnixMilli()
	return r.putKV(ctx, route)
}

// Deregister removes an executor route immediately, e.g. on graceful
// disconnect, instead of waiting for the liveness window to elapse.
func (r *Registry) Deregister(ctx context.Context, executorID string) error {
	return r.kv.Del(ctx, kv.ExecutorRouteKey(executorID))
}

// Lookup returns the live route for executorID, or kv.ErrNotFound if the
// route has expired or was never registered.
func (r *Registry) Lookup(ctx context.Context, executorID string) (model.ExecutorRoute, error) {
	raw, err := r.kv.Get(ctx, kv.ExecutorRouteKey(executorID))
	if err != nil {
		return model.ExecutorRoute{}, err
	}
	var route model.ExecutorRoute
	if err := json.Unmarshal([]byte(raw), &route); err != nil {
		return model.ExecutorRoute{}, fmt.Errorf("decode executor route %s: %w", executorID, err)
	}
	return route, nil
}

// ListLive scans the kv store for every currently live route. Expired
// entries are absent by construction (TTL), so no explicit staleness check
// is needed here, unlike the teacher's ping/pong staleness comparison.
func (r *Registry) ListLive(ctx context.Context) ([]model.ExecutorRoute, error) {
	keys, err := r.kv.Scan(ctx, kv.KeyPrefixExecutorRoute)
	if err != nil {
		return nil, err
	}
	routes := make([]model.ExecutorRoute, 0, len(keys))
	for _, k := range keys {
		raw, err := r.kv.Get(ctx, k)
		if err != nil {
			continue // expired between scan and get
		}
		var route model.ExecutorRoute
		if err := json.Unmarshal([]byte(raw), &route); err != nil {
			r.logger.Warn(ctx, "executor route decode failed", "key", k, "err", err)
			continue
		}
		routes = append(routes, route)
	}
	return routes, nil
}

// MarkUsed bumps executorID's LastUsedAtMs, feeding the gateway's LRU
// tie-break (spec §4.6) without touching liveness or identity.
func (r *Registry) MarkUsed(ctx context.Context, executorID string) error {
	route, err := r.Lookup(ctx, executorID)
	if err != nil {
		return err
	}
	route.LastUsedAtMs = time.Now().UnixMilli()
	return r.putKV(ctx, route)
}

func (r *Registry) putKV(ctx context.Context, route model.ExecutorRoute) error {
	raw, err := json.Marshal(route)
	if err != nil {
		return fmt.Errorf("encode executor route: %w", err)
	}
	return r.kv.Set(ctx, kv.ExecutorRouteKey(route.ExecutorID), string(raw), r.liveness)
}
