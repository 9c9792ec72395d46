// Package executorws implements the executor-facing WebSocket channel (spec
// §6 "`ws://…/ws/executor` providing {pair, ready, task, task_result,
// heartbeat}"): a Hub tracks one *websocket.Conn per connected executor,
// implements gateway.Transport by writing `task` frames to the matching
// connection, and feeds `task_result`/`heartbeat` frames back into the
// gateway and executor registry.
//
// Grounded in kadirpekel-hector's a2a/server.go handleStreamTask (upgrade,
// then alternating ReadJSON/WriteJSON over one connection), generalized from
// one request per connection to one long-lived connection multiplexing many
// concurrent dispatch requests.
package executorws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/flowbase/core/internal/coreerr"
	"github.com/flowbase/core/internal/executorregistry"
	"github.com/flowbase/core/internal/gateway"
	"github.com/flowbase/core/internal/model"
	"github.com/flowbase/core/internal/telemetry"
)

// frameType discriminates the messages exchanged over the executor channel
// (spec §6).
const (
	framePair       = "pair"
	frameReady      = "ready"
	frameTask       = "task"
	frameTaskResult = "task_result"
	frameHeartbeat  = "heartbeat"
)

// frame is the closed sum type both directions of the channel exchange.
type frame struct {
	Type      string              `json:"type"`
	ExecutorID string             `json:"executorId,omitempty"`
	Route     *model.ExecutorRoute `json:"route,omitempty"`
	RequestID string              `json:"requestId,omitempty"`
	Kind      string              `json:"kind,omitempty"`
	Payload   json.RawMessage     `json:"payload,omitempty"`
	Status    model.RemoteResultStatus `json:"status,omitempty"`
	Output    json.RawMessage     `json:"output,omitempty"`
	Error     string              `json:"error,omitempty"`
}

type conn struct {
	ws *websocket.Conn
	mu sync.Mutex // guards concurrent WriteJSON calls (one writer at a time per gorilla's contract)
}

// Hub tracks live executor connections and implements gateway.Transport.
type Hub struct {
	mu        sync.RWMutex
	conns     map[string]*conn // executorID -> connection
	registry  *executorregistry.Registry
	gw        *gateway.Gateway
	upgrader  websocket.Upgrader
	logger    telemetry.Logger
}

var _ gateway.Transport = (*Hub)(nil)

// New builds a Hub wired to reg (route bookkeeping) and gw (result posting,
// disconnect handling).
func New(reg *executorregistry.Registry, gw *gateway.Gateway) *Hub {
	return &Hub{
		conns:    make(map[string]*conn),
		registry: reg,
		gw:       gw,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		logger:   telemetry.NewNoopLogger(),
	}
}

// Deliver implements gateway.Transport by writing a `task` frame to
// executorID's connection, or GATEWAY_DISPATCH_FAILED if it is not (or no
// longer) connected.
func (h *Hub) Deliver(ctx context.Context, executorID string, req gateway.Request) error {
	h.mu.RLock()
	c, ok := h.conns[executorID]
	h.mu.RUnlock()
	if !ok {
		return coreerr.Newf(coreerr.GatewayDispatchFailed, "executor %s has no open channel", executorID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.ws.WriteJSON(frame{
		Type:      frameTask,
		RequestID: req.RequestID,
		Kind:      req.Kind,
		Payload:   req.Payload,
	})
	if err != nil {
		return coreerr.Wrap(coreerr.GatewayDispatchFailed, err, err.Error())
	}
	return nil
}

// ServeHTTP upgrades the connection, registers the executor from its `pair`
// frame, and loops reading task_result/heartbeat frames until disconnect, at
// which point pending requests addressed to it are synthesized as
// AGENT_DISCONNECTED (spec §4.6).
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	var pair frame
	if err := ws.ReadJSON(&pair); err != nil || pair.Type != framePair || pair.Route == nil {
		_ = ws.WriteJSON(frame{Type: frameReady, Error: "expected a pair frame with a route"})
		return
	}

	ctx := r.Context()
	if err := h.registry.Register(ctx, *pair.Route); err != nil {
		_ = ws.WriteJSON(frame{Type: frameReady, Error: err.Error()})
		return
	}
	executorID := pair.Route.ExecutorID

	h.mu.Lock()
	h.conns[executorID] = &conn{ws: ws}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.conns, executorID)
		h.mu.Unlock()
		h.gw.HandleDisconnect(context.Background(), executorID)
	}()

	_ = ws.WriteJSON(frame{Type: frameReady, ExecutorID: executorID})

	for {
		var f frame
		if err := ws.ReadJSON(&f); err != nil {
			return
		}
		switch f.Type {
		case frameTaskResult:
			result := model.RemoteResult{RequestID: f.RequestID, Status: f.Status, Output: f.Output, Error: f.Error}
			if _, _, err := h.gw.PostResult(ctx, f.RequestID, result); err != nil {
				h.logger.Warn(ctx, "executorws: post result failed", "requestId", f.RequestID, "err", err)
			}
		case frameHeartbeat:
			if err := h.registry.Heartbeat(ctx, executorID); err != nil {
				h.logger.Warn(ctx, "executorws: heartbeat failed", "executorId", executorID, "err", err)
			}
		}
	}
}

// PingInterval is how often callers should expect/send heartbeat frames;
// it matches executorregistry.DefaultLiveness with headroom.
const PingInterval = executorregistry.DefaultLiveness / 2
