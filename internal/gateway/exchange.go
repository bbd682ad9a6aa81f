package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	goerrors "github.com/goliatone/go-errors"
	"github.com/shopspring/decimal"

	"github.com/example/fundgate/internal/apierr"
	"github.com/example/fundgate/internal/ledger"
	"github.com/example/fundgate/internal/partner"
	"github.com/example/fundgate/internal/partner/hambit"
)

type ExchangePartner interface {
	Buy(ctx context.Context, o hambit.OrderRequest) hambit.Placed
	Sell(ctx context.Context, o hambit.OrderRequest) hambit.Placed
	OrderDetails(ctx context.Context, orderID string) partner.Result
	Orders(ctx context.Context, f hambit.OrderFilter) partner.Result
	Quote(ctx context.Context, q hambit.QuoteRequest) partner.Result
}

type ExchangeService struct {
	Store   ledger.OrderStore
	Partner ExchangePartner
	Logger  *slog.Logger
	Audit   Auditor
}

func NewExchangeService(store ledger.OrderStore, p ExchangePartner, logger *slog.Logger, a Auditor) *ExchangeService {
	return &ExchangeService{Store: store, Partner: p, Logger: loggerOrDefault(logger), Audit: auditorOrNop(a)}
}

// CreateOrder places a buy (fiat to crypto) or sell (crypto to fiat) order
// and records it locally. Nothing is recorded when the partner refuses.
// The partner's order data is returned as-is.
func (s *ExchangeService) CreateOrder(ctx context.Context, dir ledger.Direction, in hambit.OrderRequest) (json.RawMessage, error) {
	var (
		side    hambit.Side
		failMsg string
	)
	switch dir {
	case ledger.FiatToCrypto:
		side, failMsg = hambit.Buy, "Failed to create fiat-to-crypto order"
	case ledger.CryptoToFiat:
		side, failMsg = hambit.Sell, "Failed to create crypto-to-fiat order"
	default:
		return nil, apierr.BadInput("Unknown order direction")
	}
	if err := in.Validate(side); err != nil {
		return nil, err
	}

	var placed hambit.Placed
	if side == hambit.Buy {
		placed = s.Partner.Buy(ctx, in)
	} else {
		placed = s.Partner.Sell(ctx, in)
	}
	if err := placed.Result.ErrAs(failMsg); err != nil {
		s.Logger.Error("exchange_order_failed", "direction", dir, "external_order_id", placed.ExternalOrderID, "error", placed.Result.Error)
		return nil, err
	}

	s.record(ctx, dir, in, placed)
	return placed.Result.Data, nil
}

// record stores a placed order. A storage failure is logged rather than
// returned: the order exists at the partner and its first callback will
// create the local row.
func (s *ExchangeService) record(ctx context.Context, dir ledger.Direction, in hambit.OrderRequest, placed hambit.Placed) {
	if placed.Order.OrderID == "" {
		s.Logger.Warn("exchange_order_unrecorded", "reason", "missing orderId", "external_order_id", placed.ExternalOrderID)
		return
	}

	extID := placed.Order.ExternalOrderID
	if extID == "" {
		extID = placed.ExternalOrderID
	}
	o := &ledger.ExchangeOrder{
		OrderID:         placed.Order.OrderID,
		ExternalOrderID: extID,
		Direction:       dir,
		ChainType:       in.ChainType,
		TokenType:       in.TokenType,
		CurrencyType:    in.CurrencyType,
		PayType:         in.PayType,
		CurrencyAmount:  placed.Order.CurrencyAmount,
		ExchangePrice:   placed.Order.ExchangePrice,
		OrderFee:        placed.Order.OrderFee,
		AddressTo:       in.AddressTo,
		AddressFrom:     in.AddressFrom,
		Remark:          in.Remark,
		CashierURL:      placed.Order.CashierURL,
	}
	if d, err := decimal.NewFromString(in.TokenAmount.String()); err == nil {
		o.TokenAmount = decimal.NewNullDecimal(d)
	}

	stored, err := s.Store.RecordOrder(ctx, o)
	if err != nil {
		s.Logger.Error("exchange_order_record_failed", "order_id", o.OrderID, "external_order_id", o.ExternalOrderID, "error", err.Error())
		return
	}
	s.Logger.Info("exchange_order_created",
		"order_id", stored.OrderID,
		"external_order_id", stored.ExternalOrderID,
		"direction", dir,
		"status", stored.Status,
	)
	s.Audit.Append("exchange_order_created", map[string]any{
		"order_id":          stored.OrderID,
		"external_order_id": stored.ExternalOrderID,
		"direction":         string(dir),
	})
}

func (s *ExchangeService) OrderDetails(ctx context.Context, orderID string) (json.RawMessage, error) {
	res := s.Partner.OrderDetails(ctx, orderID)
	if err := res.LookupErr("Order not found"); err != nil {
		return nil, err
	}
	return res.Data, nil
}

func (s *ExchangeService) Orders(ctx context.Context, f hambit.OrderFilter) (json.RawMessage, error) {
	return unwrap(s.Partner.Orders(ctx, f), "Failed to get order list")
}

func (s *ExchangeService) Quotes(ctx context.Context, q hambit.QuoteRequest) (json.RawMessage, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	return unwrap(s.Partner.Quote(ctx, q), "Failed to get quotes")
}

func (s *ExchangeService) Currencies() map[string]hambit.CurrencyOptions {
	return hambit.Currencies()
}

// LocalOrder reads the order ledger by either order id.
func (s *ExchangeService) LocalOrder(ctx context.Context, id string) (*ledger.ExchangeOrder, error) {
	o, err := s.Store.GetOrder(ctx, id)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, apierr.NotFound("Order not found")
		}
		return nil, apierr.Internal(err, "failed to read order")
	}
	return o, nil
}

func (s *ExchangeService) LocalOrders(ctx context.Context, status string) ([]ledger.ExchangeOrder, error) {
	st := ledger.OrderStatus(status)
	switch st {
	case "", ledger.OrderPending, ledger.OrderProcessing, ledger.OrderCompleted, ledger.OrderFailed, ledger.OrderCancelled:
	default:
		return nil, apierr.Validation("Validation failed", goerrors.FieldError{Field: "status", Message: "Invalid status filter"})
	}
	orders, err := s.Store.ListOrders(ctx, ledger.OrderFilter{Status: st})
	if err != nil {
		return nil, apierr.Internal(err, "failed to list orders")
	}
	if orders == nil {
		orders = []ledger.ExchangeOrder{}
	}
	return orders, nil
}
