// Package ledger persists transfer requests, their payout legs and
// exchange orders.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound  = errors.New("ledger: record not found")
	ErrDuplicate = errors.New("ledger: duplicate record")
)

const queryTimeout = 5 * time.Second

// TransferStatus is the lifecycle state of a TransferRequest.
type TransferStatus string

const (
	TransferPending    TransferStatus = "pending"
	TransferProcessing TransferStatus = "processing"
	TransferCompleted  TransferStatus = "completed"
	TransferFailed     TransferStatus = "failed"
)

func (s TransferStatus) Valid() bool {
	switch s {
	case TransferPending, TransferProcessing, TransferCompleted, TransferFailed:
		return true
	}
	return false
}

// AllowedTransitions maps each status to the statuses it may move to.
// Nothing moves back to pending, and completed is only reachable from
// processing.
func AllowedTransitions() map[TransferStatus][]TransferStatus {
	return map[TransferStatus][]TransferStatus{
		TransferPending:    {TransferProcessing, TransferFailed},
		TransferProcessing: {TransferCompleted, TransferFailed},
		TransferCompleted:  {},
		TransferFailed:     {},
	}
}

func IsValidTransition(from, to TransferStatus) bool {
	for _, s := range AllowedTransitions()[from] {
		if s == to {
			return true
		}
	}
	return false
}

// predecessors lists the statuses from which to is reachable.
func predecessors(to TransferStatus) []string {
	var out []string
	for _, from := range []TransferStatus{TransferPending, TransferProcessing, TransferCompleted, TransferFailed} {
		if IsValidTransition(from, to) {
			out = append(out, string(from))
		}
	}
	return out
}

// InvalidTransitionError is returned when a transfer is not in a state
// from which the requested status can be reached.
type InvalidTransitionError struct {
	TransferRequestID string
	From              TransferStatus
	To                TransferStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for transfer %s: %s -> %s", e.TransferRequestID, e.From, e.To)
}

// Transfer is a locally initiated TransferRequest.
type Transfer struct {
	ID                  int64           `json:"id"`
	TransferRequestID   string          `json:"transfer_request_id"`
	SendingName         string          `json:"sending_name"`
	SendingAccount      string          `json:"sending_account"`
	ReceivingName       string          `json:"receiving_name"`
	ReceivingAccount    string          `json:"receiving_account"`
	Amount              decimal.Decimal `json:"amount"`
	SendingCurrency     string          `json:"sending_currency"`
	ReceivingCurrency   string          `json:"receiving_currency"`
	Description         string          `json:"description"`
	Status              TransferStatus  `json:"status"`
	ExternalReference   string          `json:"external_reference,omitempty"`
	ExternalAPIResponse json.RawMessage `json:"external_api_response,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// TransitionUpdate carries the partner outcome recorded with a status
// change. Empty fields leave the stored values untouched.
type TransitionUpdate struct {
	ExternalReference string
	Response          json.RawMessage
}

// TransferFilter narrows a transfer listing. A zero Limit lists every
// matching row.
type TransferFilter struct {
	Status        TransferStatus
	CreatedBefore time.Time
	Limit         int
}

type PayoutType string

const (
	PayoutCrypto PayoutType = "crypto"
	PayoutCash   PayoutType = "cash"
)

// PayoutAccount is the settlement leg created when a transfer is confirmed.
type PayoutAccount struct {
	ID               int64      `json:"id"`
	TransferID       int64      `json:"transfer_id"`
	SenderAccount    string     `json:"sender_account"`
	PaymasterAccount string     `json:"paymaster_account"`
	PayoutType       PayoutType `json:"payout_type"`
	Status           string     `json:"status"`
	CreatedAt        time.Time  `json:"created_at"`
}

type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderProcessing OrderStatus = "processing"
	OrderCompleted  OrderStatus = "completed"
	OrderFailed     OrderStatus = "failed"
	OrderCancelled  OrderStatus = "cancelled"
)

type Direction string

const (
	FiatToCrypto Direction = "fiat_to_crypto"
	CryptoToFiat Direction = "crypto_to_fiat"
)

// ExchangeOrder is an order placed with the exchange partner. It is
// identified by both the partner's order id and the caller's external id.
type ExchangeOrder struct {
	ID              int64               `json:"id"`
	OrderID         string              `json:"order_id"`
	ExternalOrderID string              `json:"external_order_id"`
	Direction       Direction           `json:"direction,omitempty"`
	ChainType       string              `json:"chain_type,omitempty"`
	TokenType       string              `json:"token_type,omitempty"`
	CurrencyType    string              `json:"currency_type,omitempty"`
	PayType         string              `json:"pay_type,omitempty"`
	TokenAmount     decimal.NullDecimal `json:"token_amount"`
	CurrencyAmount  decimal.NullDecimal `json:"currency_amount"`
	ExchangePrice   decimal.NullDecimal `json:"exchange_price"`
	OrderFee        decimal.NullDecimal `json:"order_fee"`
	Status          OrderStatus         `json:"status"`
	AddressTo       string              `json:"address_to,omitempty"`
	AddressFrom     string              `json:"address_from,omitempty"`
	Remark          string              `json:"remark,omitempty"`
	CashierURL      string              `json:"cashier_url,omitempty"`
	CallbackData    json.RawMessage     `json:"callback_data,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// CallbackUpdate is a partner status push. An empty Status stores the
// payload without changing the order's status.
type CallbackUpdate struct {
	OrderID         string
	ExternalOrderID string
	Status          OrderStatus
	Payload         json.RawMessage
}

// OrderFilter narrows an order listing. A zero Limit lists every matching
// row.
type OrderFilter struct {
	Status OrderStatus
	Limit  int
}

type TransferStore interface {
	CreateTransfer(ctx context.Context, t *Transfer) error
	GetTransfer(ctx context.Context, transferRequestID string) (*Transfer, error)
	ListTransfers(ctx context.Context, filter TransferFilter) ([]Transfer, error)
	Transition(ctx context.Context, transferRequestID string, to TransferStatus, update TransitionUpdate) (*Transfer, error)
	CompleteWithPayout(ctx context.Context, transferRequestID string, payout PayoutAccount) (*Transfer, *PayoutAccount, error)
	ListPayouts(ctx context.Context, transferRequestID string) ([]PayoutAccount, error)
}

type OrderStore interface {
	RecordOrder(ctx context.Context, o *ExchangeOrder) (*ExchangeOrder, error)
	ApplyCallback(ctx context.Context, u CallbackUpdate) (*ExchangeOrder, bool, error)
	GetOrder(ctx context.Context, id string) (*ExchangeOrder, error)
	ListOrders(ctx context.Context, filter OrderFilter) ([]ExchangeOrder, error)
}

// Store is implemented by PostgresStore and SQLStore.
type Store interface {
	TransferStore
	OrderStore
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransfer(row scanner) (*Transfer, error) {
	var (
		t        Transfer
		amount   string
		status   string
		response string
	)
	err := row.Scan(
		&t.ID,
		&t.TransferRequestID,
		&t.SendingName,
		&t.SendingAccount,
		&t.ReceivingName,
		&t.ReceivingAccount,
		&amount,
		&t.SendingCurrency,
		&t.ReceivingCurrency,
		&t.Description,
		&status,
		&t.ExternalReference,
		&response,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("failed to parse amount %q: %w", amount, err)
	}
	t.Status = TransferStatus(status)
	if response != "" {
		t.ExternalAPIResponse = json.RawMessage(response)
	}
	return &t, nil
}

func scanPayout(row scanner) (*PayoutAccount, error) {
	var (
		p          PayoutAccount
		payoutType string
	)
	if err := row.Scan(&p.ID, &p.TransferID, &p.SenderAccount, &p.PaymasterAccount, &payoutType, &p.Status, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.PayoutType = PayoutType(payoutType)
	return &p, nil
}

func scanOrder(row scanner) (*ExchangeOrder, error) {
	var (
		o                                       ExchangeOrder
		direction, status, callback             string
		tokenAmount, currencyAmount, price, fee string
	)
	err := row.Scan(
		&o.ID,
		&o.OrderID,
		&o.ExternalOrderID,
		&direction,
		&o.ChainType,
		&o.TokenType,
		&o.CurrencyType,
		&o.PayType,
		&tokenAmount,
		&currencyAmount,
		&price,
		&fee,
		&status,
		&o.AddressTo,
		&o.AddressFrom,
		&o.Remark,
		&o.CashierURL,
		&callback,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	o.Direction = Direction(direction)
	o.Status = OrderStatus(status)
	if callback != "" {
		o.CallbackData = json.RawMessage(callback)
	}
	for _, f := range []struct {
		raw string
		dst *decimal.NullDecimal
	}{
		{tokenAmount, &o.TokenAmount},
		{currencyAmount, &o.CurrencyAmount},
		{price, &o.ExchangePrice},
		{fee, &o.OrderFee},
	} {
		if f.raw == "" {
			continue
		}
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse decimal %q: %w", f.raw, err)
		}
		*f.dst = decimal.NullDecimal{Decimal: d, Valid: true}
	}
	return &o, nil
}

// nullableDecimal renders d for a nullable numeric column.
func nullableDecimal(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal.String()
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
