package notify

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"
)

const (
	requestTimeout = 5 * time.Second
	maxRetries     = 3
)

var httpClient = &http.Client{Timeout: requestTimeout}

// retryDelay is the pause before attempt n (n >= 1).
var retryDelay = func(n int) time.Duration { return time.Duration(n) * time.Second }

// Send posts an event to a webhook endpoint with retry on 5xx.
func Send(ctx context.Context, cfg WebhookConfig, event Event) error {
	body, err := FormatPayload(cfg.Format, event)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryDelay(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range cfg.Headers {
			req.Header.Set(k, v)
		}

		resp, err := httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return fmt.Errorf("webhook rejected: HTTP %d", resp.StatusCode)
		}
		// 5xx: retry
		lastErr = fmt.Errorf("webhook server error: HTTP %d", resp.StatusCode)
	}

	return fmt.Errorf("webhook failed after %d attempts: %w", maxRetries, lastErr)
}

// Webhook is a Sink for one configured endpoint.
type Webhook struct {
	Config WebhookConfig
}

func (w *Webhook) Name() string { return "webhook:" + w.Config.URL }

func (w *Webhook) Accepts(event Event) bool {
	return matches(w.Config.Events, event.Type) && matches(w.Config.Channels, event.Channel)
}

func (w *Webhook) Notify(ctx context.Context, event Event) error {
	return Send(ctx, w.Config, event)
}

func matches(list []string, v string) bool {
	if len(list) == 0 {
		return true
	}
	for _, e := range list {
		if e == v || e == "*" {
			return true
		}
	}
	return false
}
