// Package reporter delivers task results to the upstream chat service.
package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/stavrobot/coder/internal/observability"
	"github.com/stavrobot/coder/pkg/types"
)

const (
	sourceName = "coder"
	senderName = "coder-agent"
)

// Reporter posts result messages to the upstream chat endpoint.
type Reporter struct {
	config  types.ReporterConfig
	client  *http.Client
	logger  *observability.Logger
	metrics *observability.Metrics
}

// New creates a new Reporter.
func New(config types.ReporterConfig, logger *observability.Logger, metrics *observability.Metrics) *Reporter {
	return &Reporter{
		config:  config,
		client:  &http.Client{Timeout: config.Timeout()},
		logger:  logger.With("component", "reporter"),
		metrics: metrics,
	}
}

// payload is the chat message envelope the upstream service expects.
type payload struct {
	Message string `json:"message"`
	Source  string `json:"source"`
	Sender  string `json:"sender"`
}

// Deliver posts the result text upstream. Delivery is best-effort and
// single-shot: the error return feeds the caller's log line, nothing
// retries or escalates.
func (r *Reporter) Deliver(ctx context.Context, message string) error {
	body, err := json.Marshal(payload{
		Message: message,
		Source:  sourceName,
		Sender:  senderName,
	})
	if err != nil {
		r.metrics.IncReport("failed")
		return fmt.Errorf("encode report: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.config.ChatURL, bytes.NewReader(body))
	if err != nil {
		r.metrics.IncReport("failed")
		return fmt.Errorf("build report request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		r.metrics.IncReport("failed")
		return fmt.Errorf("post report: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		r.metrics.IncReport("rejected")
		return fmt.Errorf("report rejected: HTTP %d", resp.StatusCode)
	}

	r.logger.Info("result posted", "status", resp.StatusCode, "length", len(message))
	r.metrics.IncReport("delivered")
	return nil
}
