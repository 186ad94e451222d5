// Package fanout delivers task lifecycle events to subscribers: an internal
// webhook broadcast, per-context SSE streams, and inbound sub-agent
// notification processing.
package fanout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/loomhq/loom/internal/bus"
	"github.com/loomhq/loom/internal/config"
)

const (
	webhookTimeout  = 10 * time.Second
	webhookMaxTries = 4
)

// WebhookSink POSTs every task event to the configured broadcast URL. It is
// a side-effect sink: delivery failures are logged and dropped, never
// surfaced to the code that produced the event.
type WebhookSink struct {
	url    string
	token  string
	http   *http.Client
	logger *slog.Logger
}

func NewWebhookSink(cfg config.FanoutConfig, logger *slog.Logger) *WebhookSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookSink{
		url:    cfg.BroadcastURL,
		token:  cfg.ServiceToken,
		http:   &http.Client{Timeout: webhookTimeout},
		logger: logger,
	}
}

// Run consumes task events from the bus until ctx ends. Call in a goroutine.
func (s *WebhookSink) Run(ctx context.Context, b *bus.Bus) {
	if s.url == "" {
		s.logger.Info("webhook broadcast disabled: no url configured")
		return
	}
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if te, ok := ev.Payload.(bus.TaskEvent); ok {
				s.Deliver(ctx, te)
			}
		}
	}
}

// Deliver posts one event with bounded retry. 4xx responses are permanent;
// everything else retries with exponential backoff.
func (s *WebhookSink) Deliver(ctx context.Context, ev bus.TaskEvent) {
	body, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("marshal broadcast event", "event_type", ev.EventType, "error", err)
		return
	}

	post := func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if s.token != "" {
			req.Header.Set("Authorization", "Bearer "+s.token)
		}
		resp, err := s.http.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		switch {
		case resp.StatusCode < 300:
			return struct{}{}, nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return struct{}{}, backoff.Permanent(fmt.Errorf("broadcast rejected: http %d", resp.StatusCode))
		default:
			return struct{}{}, fmt.Errorf("broadcast failed: http %d", resp.StatusCode)
		}
	}

	_, err = backoff.Retry(ctx, post,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(webhookMaxTries))
	if err != nil {
		s.logger.Warn("webhook broadcast dropped",
			"event_type", ev.EventType, "task_id", ev.TaskID, "error", err)
	}
}
