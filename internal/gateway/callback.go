package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/example/fundgate/internal/apierr"
	"github.com/example/fundgate/internal/ledger"
	"github.com/example/fundgate/internal/security"
)

// CallbackVerifier authenticates an inbound partner callback and returns
// its nonce.
type CallbackVerifier interface {
	VerifyCallback(h http.Header, body []byte, now time.Time) (string, error)
}

// NonceGuard rejects nonces that were already used.
type NonceGuard interface {
	Claim(ctx context.Context, nonce string) error
	Release(ctx context.Context, nonce string) error
}

// Notifier is satisfied by *Forwarder.
type Notifier interface {
	Forward(ctx context.Context, orderID, externalOrderID string, bucket Bucket, data json.RawMessage) error
}

// CallbackOutcome describes what one callback did to the order ledger.
type CallbackOutcome struct {
	Order   *ledger.ExchangeOrder
	Created bool
	Bucket  Bucket
}

// CallbackReceiver applies Hambit status pushes to the order ledger and
// forwards them downstream. A nil Verifier accepts unsigned callbacks.
type CallbackReceiver struct {
	Store     ledger.OrderStore
	Verifier  CallbackVerifier
	Replay    NonceGuard
	Forwarder Notifier
	Logger    *slog.Logger
	Audit     Auditor
	Now       func() time.Time
}

func NewCallbackReceiver(store ledger.OrderStore, v CallbackVerifier, replay NonceGuard, fwd Notifier, logger *slog.Logger, a Auditor) *CallbackReceiver {
	return &CallbackReceiver{
		Store:     store,
		Verifier:  v,
		Replay:    replay,
		Forwarder: fwd,
		Logger:    loggerOrDefault(logger),
		Audit:     auditorOrNop(a),
		Now:       time.Now,
	}
}

// NormalizeStatus maps a partner status, case-insensitively, to the
// ledger status and the downstream bucket. Unknown statuses map to an
// empty status and BucketUnknown.
func NormalizeStatus(status string) (ledger.OrderStatus, Bucket) {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "SUCCESS", "COMPLETED":
		return ledger.OrderCompleted, BucketSuccess
	case "FAILED":
		return ledger.OrderFailed, BucketFailed
	case "CANCELLED":
		return ledger.OrderCancelled, BucketFailed
	case "PENDING":
		return ledger.OrderPending, BucketPending
	case "PROCESSING":
		return ledger.OrderProcessing, BucketPending
	default:
		return "", BucketUnknown
	}
}

func (c *CallbackReceiver) Handle(ctx context.Context, h http.Header, body []byte) (*CallbackOutcome, error) {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	logger := loggerOrDefault(c.Logger)

	nonce := h.Get("nonce")
	if c.Verifier != nil {
		n, err := c.Verifier.VerifyCallback(h, body, now())
		if err != nil {
			logger.Warn("callback_rejected", "reason", err.Error())
			return nil, apierr.Unauthorized("Invalid callback signature")
		}
		nonce = n
	}
	claimed := false
	if c.Replay != nil && nonce != "" {
		if err := c.Replay.Claim(ctx, nonce); err != nil {
			if errors.Is(err, security.ErrReplayed) {
				logger.Warn("callback_rejected", "reason", err.Error())
				return nil, apierr.Unauthorized("Invalid callback signature")
			}
			// An unreachable guard is not a replay; a 5xx lets the partner retry.
			logger.Error("callback_nonce_claim_failed", "error", err.Error())
			return nil, apierr.Internal(err, "could not check callback nonce")
		}
		claimed = true
	}

	orderID, extID, status, ok := parseCallback(body)
	if !ok {
		logger.Error("callback_invalid", "body_bytes", len(body))
		return nil, apierr.BadInput("Invalid callback data")
	}
	logger.Info("callback_received", "order_id", orderID, "external_order_id", extID, "status", status)

	ledgerStatus, bucket := NormalizeStatus(status)
	if bucket == BucketUnknown {
		logger.Warn("callback_unknown_status", "order_id", orderID, "status", status)
	}

	order, created, err := c.Store.ApplyCallback(ctx, ledger.CallbackUpdate{
		OrderID:         orderID,
		ExternalOrderID: extID,
		Status:          ledgerStatus,
		Payload:         json.RawMessage(body),
	})
	if err != nil {
		// The partner retries on a 5xx; free the nonce so the retry is accepted.
		if claimed {
			if rerr := c.Replay.Release(ctx, nonce); rerr != nil {
				logger.Error("callback_nonce_release_failed", "order_id", orderID, "error", rerr.Error())
			}
		}
		return nil, apierr.Internal(fmt.Errorf("failed to apply callback: %w", err), "could not record callback")
	}

	c.auditor().Append("exchange_order_callback", map[string]any{
		"order_id":          order.OrderID,
		"external_order_id": order.ExternalOrderID,
		"status":            string(order.Status),
		"created":           created,
	})

	if bucket != BucketUnknown && c.Forwarder != nil {
		_ = c.Forwarder.Forward(ctx, orderID, extID, bucket, json.RawMessage(body))
	}
	return &CallbackOutcome{Order: order, Created: created, Bucket: bucket}, nil
}

func (c *CallbackReceiver) auditor() Auditor {
	return auditorOrNop(c.Audit)
}

// parseCallback extracts the three required fields. Identifiers may be
// sent as strings or numbers.
func parseCallback(body []byte) (orderID, extID, status string, ok bool) {
	var raw map[string]any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return "", "", "", false
	}
	orderID, ok1 := scalar(raw["orderId"])
	extID, ok2 := scalar(raw["externalOrderId"])
	status, ok3 := scalar(raw["status"])
	return orderID, extID, status, ok1 && ok2 && ok3
}

func scalar(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, t != ""
	case json.Number:
		return t.String(), true
	default:
		return "", false
	}
}
