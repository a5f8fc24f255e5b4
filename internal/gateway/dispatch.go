package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/coldbrewlabs/attache/pkg/models"
)

const (
	dispatchAttempts = 3
	dispatchBackoff  = 500 * time.Millisecond
)

// Dispatcher delivers final answers to directive callback URLs. Delivery
// is best-effort: failures are logged and counted, never surfaced to the
// agent loop.
type Dispatcher struct {
	client *http.Client
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher. A nil client gets a 15s-timeout
// default.
func NewDispatcher(client *http.Client, logger *slog.Logger) *Dispatcher {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{client: client, logger: logger}
}

// Dispatch POSTs the payload to callbackURL, retrying transient failures.
func (d *Dispatcher) Dispatch(ctx context.Context, callbackURL string, payload *models.Dispatch) {
	body, err := json.Marshal(payload)
	if err != nil {
		d.logger.Error("marshal dispatch payload",
			"conversation_id", payload.ConversationID, "error", err)
		dispatchesTotal.WithLabelValues("error").Inc()
		return
	}

	var lastErr error
	for attempt := 1; attempt <= dispatchAttempts; attempt++ {
		lastErr = d.post(ctx, callbackURL, body)
		if lastErr == nil {
			dispatchesTotal.WithLabelValues("ok").Inc()
			return
		}
		if ctx.Err() != nil {
			break
		}
		if attempt < dispatchAttempts {
			d.logger.Warn("dispatch attempt failed",
				"conversation_id", payload.ConversationID,
				"attempt", attempt, "error", lastErr)
			select {
			case <-time.After(time.Duration(attempt) * dispatchBackoff):
			case <-ctx.Done():
			}
		}
	}

	dispatchesTotal.WithLabelValues("error").Inc()
	d.logger.Error("dispatch failed",
		"conversation_id", payload.ConversationID,
		"callback_url", callbackURL, "error", lastErr)
}

func (d *Dispatcher) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post callback: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("callback returned status %d", resp.StatusCode)
	}
	return nil
}
