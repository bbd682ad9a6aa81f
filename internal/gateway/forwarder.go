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

	"github.com/example/fundgate/internal/security"
)

const (
	WebhookSignatureHeader = "X-Webhook-Signature"
	webhookTimeout         = 10 * time.Second
	webhookTimeLayout      = "2006-01-02 15:04:05"
)

// Bucket groups partner order statuses for downstream consumers.
type Bucket string

const (
	BucketSuccess Bucket = "success"
	BucketFailed  Bucket = "failed"
	BucketPending Bucket = "pending"
	BucketUnknown Bucket = ""
)

// WebhookEvent is the body posted to the downstream webhook.
type WebhookEvent struct {
	OrderID         string          `json:"order_id"`
	ExternalOrderID string          `json:"external_order_id"`
	Status          Bucket          `json:"status"`
	HambitData      json.RawMessage `json:"hambit_data"`
	Timestamp       string          `json:"timestamp"`
}

// Forwarder posts callback notifications to a downstream webhook, signed
// with hex HMAC-SHA256 of the body. An empty URL disables it.
type Forwarder struct {
	URL    string
	Secret string
	HTTP   *http.Client
	Logger *slog.Logger
	Now    func() time.Time
}

func NewForwarder(url, secret string, logger *slog.Logger) *Forwarder {
	return &Forwarder{
		URL:    url,
		Secret: secret,
		HTTP:   &http.Client{Timeout: webhookTimeout},
		Logger: loggerOrDefault(logger),
		Now:    time.Now,
	}
}

// Forward sends one event. Failures are logged and returned; callers treat
// them as non-fatal.
func (f *Forwarder) Forward(ctx context.Context, orderID, externalOrderID string, bucket Bucket, data json.RawMessage) error {
	if f == nil || f.URL == "" {
		return nil
	}

	now := time.Now
	if f.Now != nil {
		now = f.Now
	}
	body, err := json.Marshal(WebhookEvent{
		OrderID:         orderID,
		ExternalOrderID: externalOrderID,
		Status:          bucket,
		HambitData:      data,
		Timestamp:       now().Format(webhookTimeLayout),
	})
	if err != nil {
		return fmt.Errorf("failed to encode webhook event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, webhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.URL, bytes.NewReader(body))
	if err != nil {
		return f.fail(orderID, fmt.Errorf("failed to build webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(WebhookSignatureHeader, security.SignHex([]byte(f.Secret), body))

	client := f.HTTP
	if client == nil {
		client = &http.Client{Timeout: webhookTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return f.fail(orderID, fmt.Errorf("failed to deliver webhook: %w", err))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return f.fail(orderID, fmt.Errorf("webhook returned HTTP %d", resp.StatusCode))
	}
	f.logger().Info("webhook_forwarded", "order_id", orderID, "status", bucket, "http_code", resp.StatusCode)
	return nil
}

func (f *Forwarder) fail(orderID string, err error) error {
	f.logger().Error("webhook_forward_failed", "order_id", orderID, "error", err.Error())
	return err
}

func (f *Forwarder) logger() *slog.Logger {
	return loggerOrDefault(f.Logger)
}
