// Package connector is the external-adapter boundary for connector.action
// nodes (spec §1 "per-connector action bodies remain external interfaces —
// stubs/adapters only"). It implements nodes.Connector by forwarding every
// action to a configured HTTP endpoint, resolving per-connector credentials
// from the durable store's Secrets table; the actual third-party API bodies
// (Slack, GitHub, whatever an org wires up) live outside this module.
//
// Grounded in internal/workflow/nodes's http_request executor's HTTPDoer
// shape: a connector action is, at the wire level, just another outbound
// HTTP call with a resolved base URL and an injected credential.
package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/flowbase/core/internal/coreerr"
	"github.com/flowbase/core/internal/store"
)

// Endpoint describes how to reach one connector's actions over HTTP.
type Endpoint struct {
	// BaseURL is the connector's API root; actionID is appended as a path
	// segment (e.g. BaseURL + "/" + actionID).
	BaseURL string
	// SecretName identifies the store.Secrets entry holding the bearer
	// token sent as this connector's Authorization header. Empty means no
	// auth header is added.
	SecretName string
}

// HTTP is the minimal client surface this package needs from *http.Client.
type HTTP interface {
	Do(req *http.Request) (*http.Response, error)
}

// Static implements nodes.Connector over a fixed, operator-configured table
// of connector endpoints (spec's "stubs/adapters only" scope: no dynamic
// connector marketplace, no per-action schema registry — just enough to
// exercise connector.action end to end).
type Static struct {
	endpoints map[string]Endpoint
	secrets   store.Secrets
	http      HTTP
}

// New builds a Static connector over endpoints (keyed by connector ID),
// resolving credentials from secrets.
func New(endpoints map[string]Endpoint, secrets store.Secrets, client HTTP) *Static {
	return &Static{endpoints: endpoints, secrets: secrets, http: client}
}

// Schema always reports unconstrained input: per-action JSON schemas are an
// external-adapter concern this stub does not model.
func (s *Static) Schema(connectorID, actionID string) (json.RawMessage, error) {
	return nil, nil
}

// Invoke POSTs input to the connector's configured endpoint at
// BaseURL/actionID, injecting the connector's bearer token if one is
// configured, and returns the raw response body.
func (s *Static) Invoke(ctx context.Context, connectorID, actionID string, input json.RawMessage) (json.RawMessage, error) {
	ep, ok := s.endpoints[connectorID]
	if !ok {
		return nil, coreerr.Newf(coreerr.InvalidNodeConfig, "no endpoint configured for connector %q", connectorID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.BaseURL+"/"+actionID, bytes.NewReader(input))
	if err != nil {
		return nil, coreerr.Wrap(coreerr.InvalidNodeConfig, err, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	if ep.SecretName != "" {
		orgID, _ := ctx.Value(orgIDKey{}).(string)
		secret, err := s.secrets.GetSecret(ctx, orgID, connectorID, ep.SecretName)
		if err != nil {
			return nil, coreerr.Wrap(coreerr.InvalidNodeConfig, err, "resolve connector secret: "+err.Error())
		}
		// Ciphertext decryption is a KMS integration left to the deployment
		// (spec's "stubs/adapters only" scope); this stub sends it as-is.
		req.Header.Set("Authorization", "Bearer "+string(secret.Ciphertext))
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.NodeExecutionFailed, err, err.Error()).WithRetryable()
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.NodeExecutionFailed, err, err.Error())
	}
	if resp.StatusCode >= 400 {
		return nil, coreerr.Newf(coreerr.NodeExecutionFailed, "connector %s action %s: http %d: %s", connectorID, actionID, resp.StatusCode, body)
	}
	return json.RawMessage(body), nil
}

// orgIDKey is the context key WithOrgID sets; connector.action executors
// call WithOrgID before invoking so Invoke can scope the secret lookup
// without widening the nodes.Connector interface itself.
type orgIDKey struct{}

// WithOrgID attaches orgID to ctx for a subsequent Invoke call to resolve
// org-scoped secrets.
func WithOrgID(ctx context.Context, orgID string) context.Context {
	return context.WithValue(ctx, orgIDKey{}, orgID)
}
