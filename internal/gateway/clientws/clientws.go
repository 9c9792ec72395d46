// Package clientws implements the session-facing WebSocket surface (spec
// §6 "`ws://…/ws/client?orgId=…`"): a client joins a session, sends
// messages that drive the same agent loop component nodes use
// (internal/agentloop), and receives streamed session/agent events.
//
// Grounded in kadirpekel-hector's a2a/server.go handleStreamTask
// (upgrade-then-loop over one connection) and internal/scheduler's
// single-purpose run-loop shape for the per-session goroutine driving the
// agent loop to completion.
package clientws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flowbase/core/internal/agentloop"
	"github.com/flowbase/core/internal/coreerr"
	"github.com/flowbase/core/internal/model"
	"github.com/flowbase/core/internal/store"
	"github.com/flowbase/core/internal/telemetry"
)

// Message types exchanged over the session channel (spec §6).
const (
	msgClientHello  = "client_hello"
	msgSessionJoin  = "session_join"
	msgSessionSend  = "session_send"
	msgSessionEventV2 = "session_event_v2"
	msgAgentDelta   = "agent_delta"
	msgAgentFinal   = "agent_final"
	msgSessionState = "session_state"
	msgSessionError = "session_error"
)

// envelope is the closed sum type exchanged in both directions; unused
// fields for a given Type are simply empty.
type envelope struct {
	Type           string          `json:"type"`
	SessionID      string          `json:"sessionId,omitempty"`
	Message        string          `json:"message,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	Seq            int64           `json:"seq,omitempty"`
	EventType      string          `json:"eventType,omitempty"`
	Level          model.EventLevel `json:"level,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Content        string          `json:"content,omitempty"`
	CreatedAt      time.Time       `json:"createdAt,omitempty"`
	PinnedExecutorID string        `json:"pinnedExecutorId,omitempty"`
	PinnedExecutorPool string      `json:"pinnedExecutorPool,omitempty"`
	PinnedAgentID  string          `json:"pinnedAgentId,omitempty"`
	Code           string          `json:"code,omitempty"`
}

// AgentRunner drives one turn of a session's agent loop. Implementations
// typically wrap *agentloop.Loop with the session's configured prompt/tools.
type AgentRunner interface {
	Run(ctx context.Context, message string) (agentloop.Outcome, error)
}

// Handler serves the client WebSocket surface for a single org's sessions.
type Handler struct {
	store    store.Sessions
	runners  func(orgID, sessionID string) (AgentRunner, error)
	upgrader websocket.Upgrader
	logger   telemetry.Logger
}

// New builds a Handler. runnerFactory resolves the AgentRunner backing a
// given session (its model/tools/prompt come from the session or workflow
// it is bound to; out of scope for this package).
func New(sessions store.Sessions, runnerFactory func(orgID, sessionID string) (AgentRunner, error)) *Handler {
	return &Handler{
		store:    sessions,
		runners:  runnerFactory,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		logger:   telemetry.NewNoopLogger(),
	}
}

// ServeHTTP upgrades the connection and loops: client_hello, then repeated
// session_join/session_send exchanges, streaming agent_delta/agent_final
// back (spec §6).
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("orgId")
	if orgID == "" {
		http.Error(w, "orgId required", http.StatusBadRequest)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	ctx := r.Context()
	var joined string

	for {
		var in envelope
		if err := ws.ReadJSON(&in); err != nil {
			return
		}

		switch in.Type {
		case msgClientHello:
			continue

		case msgSessionJoin:
			sess, err := h.store.GetSession(ctx, orgID, in.SessionID)
			if err != nil {
				h.writeError(ws, coreerr.New(coreerr.InvalidNodeConfig, "session not found"))
				continue
			}
			joined = sess.ID
			_ = ws.WriteJSON(envelope{
				Type:             msgSessionState,
				SessionID:        sess.ID,
				PinnedExecutorID: sess.PinnedExecutor,
			})

		case msgSessionSend:
			if joined == "" || in.SessionID != joined {
				h.writeError(ws, coreerr.New(coreerr.InvalidNodeConfig, "session_send requires a prior session_join"))
				continue
			}
			h.handleSend(ctx, ws, orgID, in)

		default:
			h.writeError(ws, coreerr.Newf(coreerr.InvalidNodeConfig, "unknown message type %q", in.Type))
		}
	}
}

func (h *Handler) handleSend(ctx context.Context, ws *websocket.Conn, orgID string, in envelope) {
	if in.IdempotencyKey != "" {
		existing, err := h.store.FindSessionEventByIdempotencyKey(ctx, orgID, in.SessionID, in.IdempotencyKey)
		if err != nil {
			h.writeError(ws, err)
			return
		}
		if existing != nil {
			// Resent message we've already processed: ack the original
			// user_message without re-running the agent loop.
			_ = ws.WriteJSON(envelope{Type: msgSessionEventV2, SessionID: in.SessionID, Seq: existing.Seq, EventType: existing.EventType})
			return
		}
	}

	runner, err := h.runners(orgID, in.SessionID)
	if err != nil {
		h.writeError(ws, err)
		return
	}

	seq, appendErr := h.store.AppendSessionEvent(ctx, model.SessionEvent{
		OrgID:          orgID,
		SessionID:      in.SessionID,
		EventType:      "user_message",
		Level:          model.LevelInfo,
		Payload:        mustMarshal(map[string]string{"message": in.Message}),
		IdempotencyKey: in.IdempotencyKey,
	})
	if appendErr != nil {
		h.writeError(ws, appendErr)
		return
	}
	_ = ws.WriteJSON(envelope{Type: msgSessionEventV2, SessionID: in.SessionID, Seq: seq, EventType: "user_message"})

	outcome, err := runner.Run(ctx, in.Message)
	if err != nil {
		h.writeError(ws, err)
		return
	}

	switch outcome.Status {
	case agentloop.StatusSucceeded:
		finalSeq, _ := h.store.AppendSessionEvent(ctx, model.SessionEvent{
			OrgID: orgID, SessionID: in.SessionID, EventType: "agent_final", Level: model.LevelInfo, Payload: outcome.Output,
		})
		_ = ws.WriteJSON(envelope{Type: msgAgentFinal, SessionID: in.SessionID, Seq: finalSeq, Payload: outcome.Output})
	case agentloop.StatusBlocked:
		_ = ws.WriteJSON(envelope{Type: msgSessionState, SessionID: in.SessionID})
	default:
		h.writeError(ws, outcome.Err)
	}
}

func (h *Handler) writeError(ws *websocket.Conn, err error) {
	code := coreerr.CodeOf(err)
	_ = ws.WriteJSON(envelope{Type: msgSessionError, Code: string(code), Message: err.Error()})
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}
