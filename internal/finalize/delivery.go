package finalize

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Delivery hands one payload to its destination.
type Delivery interface {
	Deliver(ctx context.Context, p Payload) error
}

// Compile-time assertions that both deliveries satisfy the interface.
var (
	_ Delivery = (*WebhookDelivery)(nil)
	_ Delivery = (*LogDelivery)(nil)
)

// maxErrorBody bounds how much of a failed response is read for the error
// message.
const maxErrorBody = 4 << 10

// defaultWebhookTimeout bounds one delivery attempt. There are no retries;
// retry queues and request signing belong to the receiving side's
// transport.
const defaultWebhookTimeout = 10 * time.Second

// WebhookDelivery POSTs payloads as JSON to a fixed URL.
type WebhookDelivery struct {
	url        string
	httpClient *http.Client
}

// NewWebhookDelivery creates a delivery for url. timeout <= 0 selects the
// default.
func NewWebhookDelivery(url string, timeout time.Duration) (*WebhookDelivery, error) {
	if url == "" {
		return nil, errors.New("finalize: webhook url must not be empty")
	}
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &WebhookDelivery{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Deliver posts p. Non-2xx answers are errors.
func (d *WebhookDelivery) Deliver(ctx context.Context, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("finalize: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("finalize: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("finalize: deliver %s: %w", p.Event, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("finalize: deliver %s: status %d: %s", p.Event, resp.StatusCode, bytes.TrimSpace(detail))
	}
	return nil
}

// LogDelivery writes payloads to the log. It is the default when no
// webhook URL is configured, so outcomes remain observable in minimal
// deployments.
type LogDelivery struct {
	logger *slog.Logger
}

// NewLogDelivery creates a log-backed delivery.
func NewLogDelivery(logger *slog.Logger) *LogDelivery {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogDelivery{logger: logger}
}

// Deliver logs the payload.
func (d *LogDelivery) Deliver(_ context.Context, p Payload) error {
	d.logger.Info("call event",
		"event", p.Event,
		"callId", p.CallID,
		"streamId", p.StreamID,
		"callerId", p.CallerID,
		"durationMs", p.DurationMS,
		"leadName", p.Lead.Name,
		"leadPhone", p.Lead.Phone,
	)
	return nil
}
