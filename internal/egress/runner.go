package egress

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/greentic/messaging-core/pkg/envelope"
)

// RunnerResult is what invoking the flow runner produced.
type RunnerResult struct {
	// StatusCode is the HTTP status the runner returned (0 on transport
	// failure; the stub runner always reports 200).
	StatusCode int
	// Body is the runner's response bytes, republished to the egress-out
	// subject verbatim on success.
	Body []byte
}

// Runner drives the external flow runner for one OutMessage.
type Runner interface {
	Invoke(ctx context.Context, msg envelope.OutMessage, adapterDescriptor string) (RunnerResult, error)
}

// invokeRequest is the JSON body posted to {runner_url}/invoke.
type invokeRequest struct {
	Message envelope.OutMessage `json:"message"`
	Adapter string              `json:"adapter"`
}

// HTTPRunner invokes a flow runner over HTTP: POST {runner_url}/invoke
// with a bearer token and a per-invocation timeout.
type HTTPRunner struct {
	URL        string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// NewHTTPRunner builds an HTTPRunner with sane defaults.
func NewHTTPRunner(url, apiKey string, timeout time.Duration) *HTTPRunner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPRunner{URL: url, APIKey: apiKey, Timeout: timeout, HTTPClient: &http.Client{}}
}

func (r *HTTPRunner) Invoke(ctx context.Context, msg envelope.OutMessage, adapterDescriptor string) (RunnerResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	body, err := json.Marshal(invokeRequest{Message: msg, Adapter: adapterDescriptor})
	if err != nil {
		return RunnerResult{}, fmt.Errorf("egress: marshal invoke request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL+"/invoke", bytes.NewReader(body))
	if err != nil {
		return RunnerResult{}, fmt.Errorf("egress: build invoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.APIKey)
	}

	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		return RunnerResult{}, fmt.Errorf("egress: invoke transport error: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return RunnerResult{StatusCode: resp.StatusCode}, fmt.Errorf("egress: read invoke response: %w", err)
	}

	return RunnerResult{StatusCode: resp.StatusCode, Body: respBody}, nil
}

// StubRunner is the dev fallback when no runner URL is configured: it logs
// and passes the OutMessage straight through as if the runner had echoed it
// back, so the egress-out subject still receives traffic during local
// development.
type StubRunner struct {
	Logger *slog.Logger
}

func (r *StubRunner) Invoke(_ context.Context, msg envelope.OutMessage, adapterDescriptor string) (RunnerResult, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("egress: stub runner invoked (no RUNNER_HTTP_URL configured)",
		"tenant", msg.Ctx.Tenant, "platform", msg.Platform, "adapter", adapterDescriptor)

	body, err := json.Marshal(msg)
	if err != nil {
		return RunnerResult{}, err
	}
	return RunnerResult{StatusCode: http.StatusOK, Body: body}, nil
}
