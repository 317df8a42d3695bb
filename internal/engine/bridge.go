package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kestrelid/kestrel/internal/domain"
)

// bridge is the only path from sandboxed code to the outside world. One
// bridge exists per invocation; its request counter and console buffer are
// never shared across invocations.
type bridge struct {
	ctx     context.Context
	cfg     domain.SandboxConfig
	policy  *NetPolicy
	client  *http.Client
	logger  *slog.Logger
	reqUsed int
	console []string
}

func newBridge(ctx context.Context, cfg domain.SandboxConfig, policy *NetPolicy, client *http.Client, logger *slog.Logger) *bridge {
	return &bridge{
		ctx:    ctx,
		cfg:    cfg,
		policy: policy,
		client: client,
		logger: logger,
	}
}

// fetchResponse is handed back to the JS fetch polyfill.
type fetchResponse struct {
	Status  int               `json:"status"`
	Body    string            `json:"body"`
	Headers map[string]string `json:"headers"`
}

// Fetch backs the sandbox fetch polyfill. Every returned error is thrown
// into the script as a catchable exception.
func (b *bridge) Fetch(rawURL, method string, headers map[string]string, body string) (*fetchResponse, error) {
	// The budget check runs before any URL validation: a script that is out
	// of requests gets the limit error regardless of target.
	if b.reqUsed >= b.cfg.MaxRequestsPerExecution {
		return nil, fmt.Errorf("%w (max %d per execution)", ErrRequestLimit, b.cfg.MaxRequestsPerExecution)
	}
	if err := b.policy.CheckURL(rawURL); err != nil {
		return nil, err
	}
	b.reqUsed++

	reqCtx, cancel := context.WithTimeout(b.ctx, b.cfg.RequestTimeout)
	defer cancel()

	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, strings.ToUpper(method), rawURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("request timed out after %dms", b.cfg.RequestTimeout.Milliseconds())
		}
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	// Truncate at the response cap rather than failing the call.
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, b.cfg.MaxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}

	respHeaders := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	return &fetchResponse{
		Status:  resp.StatusCode,
		Body:    string(respBody),
		Headers: respHeaders,
	}, nil
}

// Sleep backs the setTimeout polyfill. Delays are capped at the configured
// ceiling and cut short when the invocation deadline expires.
func (b *bridge) Sleep(delayMS int64) error {
	if delayMS < 0 {
		delayMS = 0
	}
	d := time.Duration(delayMS) * time.Millisecond
	if d > b.cfg.MaxTimerDelay {
		d = b.cfg.MaxTimerDelay
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-b.ctx.Done():
		return fmt.Errorf("execution timeout: timer interrupted")
	}
}

// Log backs the console polyfill and buffers lines for the test endpoint.
func (b *bridge) Log(level string, parts []string) {
	line := strings.Join(parts, " ")
	b.console = append(b.console, line)
	switch level {
	case "warn":
		b.logger.Warn("script console", "line", line)
	case "error":
		b.logger.Error("script console", "line", line)
	default:
		b.logger.Info("script console", "line", line)
	}
}

func (b *bridge) ConsoleLogs() []string {
	return b.console
}
