package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ppiankov/elevator/internal/model"
	"github.com/ppiankov/elevator/internal/retry"
)

const requestTimeout = 5 * time.Second

var httpClient = &http.Client{Timeout: requestTimeout}

// WebhookConfig defines a webhook destination.
type WebhookConfig struct {
	URL     string            `yaml:"url"     json:"url"`
	Format  string            `yaml:"format"  json:"format"` // "generic", "slack", "pagerduty"
	Events  []string          `yaml:"events"  json:"events"` // empty = every event
	Headers map[string]string `yaml:"headers" json:"headers"`
}

func (c WebhookConfig) wants(event string) bool {
	if len(c.Events) == 0 {
		return true
	}
	for _, e := range c.Events {
		if e == event {
			return true
		}
	}
	return false
}

// Webhooks posts notices to every configured webhook whose events match.
type Webhooks struct {
	Configs []WebhookConfig
	Retry   retry.Policy
	Client  *http.Client
}

// NewWebhooks returns a channel for configs. Returns nil if configs is
// empty (callers should nil-check).
func NewWebhooks(configs []WebhookConfig) *Webhooks {
	if len(configs) == 0 {
		return nil
	}
	return &Webhooks{
		Configs: configs,
		Retry:   retry.Policy{Attempts: 3, Base: time.Second, Max: 3 * time.Second},
		Client:  httpClient,
	}
}

// Notify implements Channel.
func (w *Webhooks) Notify(ctx context.Context, approvers []model.Identity, n Notice) error {
	if len(n.Approvers) == 0 {
		n.Approvers = model.IdentityIDs(approvers)
	}
	var errs []error
	for _, cfg := range w.Configs {
		if !cfg.wants(n.Type) {
			continue
		}
		if err := w.Send(ctx, cfg, n); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", cfg.URL, err))
		}
	}
	return errors.Join(errs...)
}

// Send posts a notice to one webhook with retry on 5xx and transport
// errors. 4xx responses are not retried.
func (w *Webhooks) Send(ctx context.Context, cfg WebhookConfig, n Notice) error {
	body, err := FormatPayload(cfg.Format, n)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}
	client := w.Client
	if client == nil {
		client = httpClient
	}

	return retry.Do(ctx, w.Retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
		if err != nil {
			return retry.Permanent(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range cfg.Headers {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return retry.Permanent(fmt.Errorf("webhook rejected: HTTP %d", resp.StatusCode))
		default:
			return fmt.Errorf("webhook server error: HTTP %d", resp.StatusCode)
		}
	})
}
