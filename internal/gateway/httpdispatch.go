package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/flowbase/core/internal/coreerr"
	"github.com/flowbase/core/internal/model"
)

// dispatchRequestBody is the wire body of POST /internal/v1/dispatch (spec
// §6): `{requestId, org, kind, payload, selector?, timeoutMs}`.
type dispatchRequestBody struct {
	RequestID string          `json:"requestId"`
	Org       string          `json:"org"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Selector  *selectorBody   `json:"selector,omitempty"`
	TimeoutMs int             `json:"timeoutMs,omitempty"`
}

type selectorBody struct {
	Pool       string            `json:"pool,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
	Group      string            `json:"group,omitempty"`
	Tag        string            `json:"tag,omitempty"`
	ExecutorID string            `json:"executorId,omitempty"`
}

type dispatchResponseBody struct {
	Status    string          `json:"status"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// HTTPHandler serves POST /internal/v1/dispatch (spec §6), gated by the
// caller on the `x-gateway-token` header before reaching this handler (token
// validation is a deployment-config concern, not the dispatch core's).
func (g *Gateway) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var body dispatchRequestBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, dispatchResponseBody{Status: "failed", Error: err.Error()})
			return
		}

		req := Request{
			RequestID: body.RequestID,
			OrgID:     body.Org,
			Kind:      body.Kind,
			Payload:   body.Payload,
			TimeoutMs: body.TimeoutMs,
		}
		if body.Selector != nil {
			req.Selector = Selector{
				Pool:           model.Pool(body.Selector.Pool),
				RequiredLabels: body.Selector.Labels,
				Group:          body.Selector.Group,
				Tag:            body.Selector.Tag,
				ExecutorID:     body.Selector.ExecutorID,
			}
		}

		resp, err := g.Dispatch(r.Context(), req)
		if err != nil {
			status := http.StatusInternalServerError
			if coreerr.CodeOf(err) == coreerr.NoAgentAvailable {
				status = http.StatusServiceUnavailable
			}
			writeJSON(w, status, dispatchResponseBody{Status: "failed", Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, dispatchResponseBody{Status: "dispatched", RequestID: resp.RequestID})
	})
}

// resultCallbackBody is the wire body an executor posts when using the HTTP
// callback transport instead of the executor WebSocket channel (spec §6
// "(b) an HTTP callback the executor makes to the gateway to post results").
type resultCallbackBody struct {
	RequestID string          `json:"requestId"`
	Status    string          `json:"status"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// ResultHandler serves the HTTP callback executors may post terminal
// results to in place of a task_result WebSocket frame. Grounded in the
// same PostResult idempotency executorws's frameTaskResult branch relies on
// (spec §4.6): an unknown or already-completed requestId is a no-op, not an
// error, so a retried callback is always safe.
func (g *Gateway) ResultHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var body resultCallbackBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, dispatchResponseBody{Status: "failed", Error: err.Error()})
			return
		}
		result := model.RemoteResult{
			RequestID: body.RequestID,
			Status:    model.RemoteResultStatus(body.Status),
			Output:    body.Output,
			Error:     body.Error,
		}
		if _, _, err := g.PostResult(r.Context(), body.RequestID, result); err != nil {
			writeJSON(w, http.StatusInternalServerError, dispatchResponseBody{Status: "failed", Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, dispatchResponseBody{Status: "succeeded", RequestID: body.RequestID})
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
