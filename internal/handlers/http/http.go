// Package http delivers scheduler events to a webhook as JSON.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"delayflow/internal/domain"
)

const maxErrorBody = 4 << 10

type HTTP struct {
	URL     string
	Method  string
	Headers map[string]string
	Timeout time.Duration
	Client  *http.Client
}

func New(url string, timeout time.Duration) HTTP {
	return HTTP{URL: url, Timeout: timeout}
}

// HandleEvent posts ev to the webhook. Any status of 400 or above is an error.
func (h HTTP) HandleEvent(ctx context.Context, ev domain.Event) error {
	if h.URL == "" {
		return fmt.Errorf("webhook URL is required")
	}
	method := h.Method
	if method == "" {
		method = http.MethodPost
	}
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, h.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Delayflow-Event", string(ev.Kind))
	for key, value := range h.Headers {
		req.Header.Set(key, value)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("webhook returned HTTP %d: %s", resp.StatusCode, string(respBody))
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	log.Debug().Str("subject", ev.SubjectID).Str("task_id", ev.TaskID).Str("event", string(ev.Kind)).Int("status", resp.StatusCode).Msg("webhook delivered")
	return nil
}
