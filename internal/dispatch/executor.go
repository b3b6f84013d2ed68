package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/wardenlabs/hostguard/internal/capability"
)

// HTTPExecutor forwards allowed calls to the host runtime over HTTP. The
// runtime owns actual execution; the dispatcher only mediates.
type HTTPExecutor struct {
	endpoint string
	client   *http.Client
}

// NewHTTPExecutor builds an executor that POSTs allowed calls to endpoint.
func NewHTTPExecutor(endpoint string, timeout time.Duration) *HTTPExecutor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPExecutor{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type executeRequest struct {
	CallID     string          `json:"call_id"`
	Method     string          `json:"method"`
	Capability string          `json:"capability"`
	ToolName   string          `json:"tool_name,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
}

func (e *HTTPExecutor) Execute(ctx context.Context, call *HostCall, cap capability.Capability) (string, error) {
	body, err := json.Marshal(executeRequest{
		CallID:     call.CallID,
		Method:     call.Method,
		Capability: string(cap),
		ToolName:   call.ToolName,
		Params:     json.RawMessage(call.Params),
	})
	if err != nil {
		return "", fmt.Errorf("Execute: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("Execute: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("Execute: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	out, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("Execute: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("Execute: host runtime returned %d: %s", resp.StatusCode, out)
	}
	return string(out), nil
}

// LogExecutor acknowledges allowed calls without performing them. It is the
// fallback when no host runtime endpoint is configured, useful during
// shadow-phase onboarding where only the mediation record matters.
type LogExecutor struct {
	logger *zap.Logger
}

func NewLogExecutor(logger *zap.Logger) *LogExecutor {
	return &LogExecutor{logger: logger}
}

func (e *LogExecutor) Execute(_ context.Context, call *HostCall, cap capability.Capability) (string, error) {
	e.logger.Info("hostcall acknowledged (no host runtime configured)",
		zap.String("call_id", call.CallID),
		zap.String("method", call.Method),
		zap.String("capability", string(cap)),
	)
	return `{"acknowledged":true}`, nil
}
