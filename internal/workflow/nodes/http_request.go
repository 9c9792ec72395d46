package nodes

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/flowbase/core/internal/coreerr"
)

// HTTPDoer is the minimal client surface http.request nodes need; the
// default wiring passes *http.Client, and tests substitute a stub.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// httpRequestConfig is the config body of an `http.request` node.
type httpRequestConfig struct {
	Method    string            `json:"method"`
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      json.RawMessage   `json:"body,omitempty"`
	TimeoutMs int               `json:"timeoutMs,omitempty"`
}

type httpRequestOutput struct {
	StatusCode int             `json:"statusCode"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       json.RawMessage `json:"body,omitempty"`
}

// httpRequestExecutor is always local and synchronous (spec §4.3).
type httpRequestExecutor struct {
	client HTTPDoer
}

func (e httpRequestExecutor) Execute(ctx context.Context, in Input) (Result, error) {
	var cfg httpRequestConfig
	if len(in.Node.Config) > 0 {
		if err := json.Unmarshal(in.Node.Config, &cfg); err != nil {
			return Result{}, coreerr.Wrap(coreerr.InvalidNodeConfig, err, "http.request config: "+err.Error())
		}
	}
	if cfg.URL == "" {
		return Result{}, coreerr.New(coreerr.InvalidNodeConfig, "http.request node requires a url")
	}
	method := cfg.Method
	if method == "" {
		method = http.MethodGet
	}

	reqCtx := ctx
	if cfg.TimeoutMs > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, time.Duration(cfg.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	var body io.Reader
	if len(cfg.Body) > 0 {
		body = bytes.NewReader(cfg.Body)
	}
	httpReq, err := http.NewRequestWithContext(reqCtx, method, cfg.URL, body)
	if err != nil {
		return Result{Status: StatusFailed, Err: err}, nil
	}
	for k, v := range cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return Result{Status: StatusFailed, Err: coreerr.Wrap(coreerr.NodeExecutionFailed, err, err.Error())}, nil
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{Status: StatusFailed, Err: coreerr.Wrap(coreerr.NodeExecutionFailed, err, err.Error())}, nil
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	out, err := json.Marshal(httpRequestOutput{
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Body:       rawOrNull(respBody),
	})
	if err != nil {
		return Result{}, err
	}

	if resp.StatusCode >= 400 {
		return Result{
			Status: StatusFailed,
			Output: out,
			Err:    coreerr.Newf(coreerr.NodeExecutionFailed, "http.request received status %d", resp.StatusCode),
		}, nil
	}
	return Result{Status: StatusSucceeded, Output: out}, nil
}

func rawOrNull(b []byte) json.RawMessage {
	if len(b) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	encoded, _ := json.Marshal(string(b))
	return encoded
}
