// Package hambit talks to the Hambit express trade API, which converts
// between fiat currencies and crypto tokens.
package hambit

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/fundgate/internal/apierr"
	"github.com/example/fundgate/internal/partner"
)

const (
	Name           = "hambit"
	DefaultBaseURL = "https://api.hambit.co"

	tradePath = "/api/v1/exchange/express/trade"
)

// Side selects the direction of an order: buy pays fiat for tokens, sell
// pays tokens for fiat.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// OrderRequest is a caller's order for either side.
type OrderRequest struct {
	ExternalOrderID string      `json:"externalOrderId,omitempty"`
	ChainType       string      `json:"chainType"`
	TokenType       string      `json:"tokenType"`
	AddressTo       string      `json:"addressTo,omitempty"`
	AddressFrom     string      `json:"addressFrom,omitempty"`
	TokenAmount     json.Number `json:"tokenAmount,omitempty"`
	CurrencyType    string      `json:"currencyType"`
	PayType         string      `json:"payType"`
	Remark          string      `json:"remark,omitempty"`
	NotifyURL       string      `json:"notifyUrl,omitempty"`
	ReviewQuote     string      `json:"reviewQuote,omitempty"`
}

func (o OrderRequest) Validate(side Side) error {
	var fields []goerrors.FieldError
	add := func(field, msg string) {
		fields = append(fields, goerrors.FieldError{Field: field, Message: msg})
	}
	if o.ChainType == "" {
		add("chainType", "chainType is required")
	}
	if o.TokenType == "" {
		add("tokenType", "tokenType is required")
	}
	if o.CurrencyType == "" {
		add("currencyType", "currencyType is required")
	}
	if o.PayType == "" {
		add("payType", "payType is required")
	}
	if side == Buy && o.AddressTo == "" {
		add("addressTo", "addressTo is required")
	}
	if side == Sell && o.AddressFrom == "" {
		add("addressFrom", "addressFrom is required")
	}
	if o.TokenAmount == "" {
		add("tokenAmount", "tokenAmount is required")
	} else if _, err := decimal.NewFromString(o.TokenAmount.String()); err != nil {
		add("tokenAmount", "tokenAmount must be a number")
	}
	if len(fields) > 0 {
		return apierr.Validation("Validation failed", fields...)
	}
	return nil
}

// BuyPayload is the wire body of POST /buy.
type BuyPayload struct {
	ExternalOrderID string      `json:"externalOrderId"`
	ChainType       string      `json:"chainType"`
	TokenType       string      `json:"tokenType"`
	AddressTo       string      `json:"addressTo"`
	TokenAmount     json.Number `json:"tokenAmount"`
	CurrencyType    string      `json:"currencyType"`
	PayType         string      `json:"payType"`
	Remark          string      `json:"remark"`
	NotifyURL       string      `json:"notifyUrl"`
	ReviewQuote     string      `json:"reviewQuote"`
}

// SellPayload is the wire body of POST /sell.
type SellPayload struct {
	ExternalOrderID string      `json:"externalOrderId"`
	ChainType       string      `json:"chainType"`
	TokenType       string      `json:"tokenType"`
	AddressFrom     string      `json:"addressFrom"`
	TokenAmount     json.Number `json:"tokenAmount"`
	CurrencyType    string      `json:"currencyType"`
	PayType         string      `json:"payType"`
	Remark          string      `json:"remark"`
	NotifyURL       string      `json:"notifyUrl"`
}

// OrderData is the part of Hambit's order response the gateway records.
type OrderData struct {
	OrderID         string              `json:"orderId"`
	ExternalOrderID string              `json:"externalOrderId"`
	CurrencyAmount  decimal.NullDecimal `json:"currencyAmount"`
	ExchangePrice   decimal.NullDecimal `json:"exchangePrice"`
	OrderFee        decimal.NullDecimal `json:"orderFee"`
	CashierURL      string              `json:"cashierUrl"`
}

// UnmarshalJSON accepts the order ids as JSON strings or numbers.
func (d *OrderData) UnmarshalJSON(b []byte) error {
	type plain OrderData
	var aux struct {
		plain
		OrderID         json.RawMessage `json:"orderId"`
		ExternalOrderID json.RawMessage `json:"externalOrderId"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*d = OrderData(aux.plain)
	d.OrderID = idString(aux.OrderID)
	d.ExternalOrderID = idString(aux.ExternalOrderID)
	return nil
}

func idString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

// OrderFilter narrows the partner order list. Zero page and size default
// to 1 and 10.
type OrderFilter struct {
	Page      int    `json:"page"`
	Size      int    `json:"size"`
	Status    string `json:"status,omitempty"`
	StartTime string `json:"startTime,omitempty"`
	EndTime   string `json:"endTime,omitempty"`
}

func (f OrderFilter) withDefaults() OrderFilter {
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.Size <= 0 {
		f.Size = 10
	}
	return f
}

func (f OrderFilter) query() url.Values {
	q := url.Values{}
	q.Set("page", strconv.Itoa(f.Page))
	q.Set("size", strconv.Itoa(f.Size))
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.StartTime != "" {
		q.Set("startTime", f.StartTime)
	}
	if f.EndTime != "" {
		q.Set("endTime", f.EndTime)
	}
	return q
}

type QuoteRequest struct {
	ChainType      string      `json:"chainType"`
	TokenType      string      `json:"tokenType"`
	CurrencyType   string      `json:"currencyType"`
	PayType        string      `json:"payType,omitempty"`
	TokenAmount    json.Number `json:"tokenAmount,omitempty"`
	CurrencyAmount json.Number `json:"currencyAmount,omitempty"`
}

func (q QuoteRequest) Validate() error {
	var fields []goerrors.FieldError
	if q.ChainType == "" {
		fields = append(fields, goerrors.FieldError{Field: "chainType", Message: "chainType is required"})
	}
	if q.TokenType == "" {
		fields = append(fields, goerrors.FieldError{Field: "tokenType", Message: "tokenType is required"})
	}
	if q.CurrencyType == "" {
		fields = append(fields, goerrors.FieldError{Field: "currencyType", Message: "currencyType is required"})
	}
	if len(fields) > 0 {
		return apierr.Validation("Validation failed", fields...)
	}
	return nil
}

type CurrencyOptions struct {
	PayType   []string `json:"payType"`
	ChainType []string `json:"chainType"`
	TokenType []string `json:"tokenType"`
}

// Currencies lists the fiat currencies Hambit settles and how each is paid.
func Currencies() map[string]CurrencyOptions {
	opts := func(pay ...string) CurrencyOptions {
		return CurrencyOptions{PayType: pay, ChainType: []string{"BSC"}, TokenType: []string{"USDT"}}
	}
	return map[string]CurrencyOptions{
		"INR": opts("BANK"),
		"BRL": opts("PIX"),
		"MXN": opts("CASH", "PAYCASHRECURRENT", "QRIS"),
		"VND": opts("BANK", "BANK_SCAN_CODE", "CARD_TO_CARD", "MOMO", "ZALO_PAY", "VIETTEL_MONEY"),
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Code    json.RawMessage `json:"code"`
	Msg     string          `json:"msg"`
	Data    json.RawMessage `json:"data"`
}

type Adapter struct {
	client *partner.Client
	signer *Signer
	newID  func() string
}

func New(baseURL string, signer *Signer, doer partner.Doer, logger *slog.Logger) *Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Adapter{
		client: partner.NewClient(Name, baseURL, doer, logger),
		signer: signer,
		newID:  uuid.NewString,
	}
}

func (a *Adapter) Signer() *Signer { return a.signer }

// AuthHeaders signs body.
func (a *Adapter) AuthHeaders(body []byte) http.Header {
	return a.signer.Headers(body)
}

func (a *Adapter) TranslateBuy(o OrderRequest) BuyPayload {
	return BuyPayload{
		ExternalOrderID: orDefault(o.ExternalOrderID, a.newID),
		ChainType:       orValue(o.ChainType, "BSC"),
		TokenType:       orValue(o.TokenType, "USDT"),
		AddressTo:       o.AddressTo,
		TokenAmount:     o.TokenAmount,
		CurrencyType:    orValue(o.CurrencyType, "INR"),
		PayType:         orValue(o.PayType, "BANK"),
		Remark:          o.Remark,
		NotifyURL:       o.NotifyURL,
		ReviewQuote:     orValue(o.ReviewQuote, "0"),
	}
}

func (a *Adapter) TranslateSell(o OrderRequest) SellPayload {
	return SellPayload{
		ExternalOrderID: orDefault(o.ExternalOrderID, a.newID),
		ChainType:       orValue(o.ChainType, "BSC"),
		TokenType:       orValue(o.TokenType, "USDT"),
		AddressFrom:     o.AddressFrom,
		TokenAmount:     o.TokenAmount,
		CurrencyType:    orValue(o.CurrencyType, "INR"),
		PayType:         orValue(o.PayType, "BANK"),
		Remark:          o.Remark,
		NotifyURL:       o.NotifyURL,
	}
}

// Placed is the outcome of a buy or sell call. ExternalOrderID is the id
// actually sent, including a generated one.
type Placed struct {
	Result          partner.Result
	ExternalOrderID string
	Order           OrderData
}

func (a *Adapter) Buy(ctx context.Context, o OrderRequest) Placed {
	p := a.TranslateBuy(o)
	return a.place(ctx, "/buy", p.ExternalOrderID, p)
}

func (a *Adapter) Sell(ctx context.Context, o OrderRequest) Placed {
	p := a.TranslateSell(o)
	return a.place(ctx, "/sell", p.ExternalOrderID, p)
}

func (a *Adapter) place(ctx context.Context, path, externalOrderID string, payload any) Placed {
	body, err := json.Marshal(payload)
	if err != nil {
		return Placed{Result: partner.Fail(Name, partner.KindDecode, 0, "failed to encode payload: "+err.Error()), ExternalOrderID: externalOrderID}
	}
	res := a.send(ctx, http.MethodPost, path, nil, body, body)
	// An accepted order stays accepted even when its data has an
	// unexpected shape; Order is left empty and nothing is recorded locally.
	data, decoded := partner.Decode[OrderData](res)
	if !decoded.Success {
		data = OrderData{}
	}
	return Placed{Result: res, ExternalOrderID: externalOrderID, Order: data}
}

func (a *Adapter) OrderDetails(ctx context.Context, orderID string) partner.Result {
	return a.send(ctx, http.MethodGet, "/order/"+url.PathEscape(orderID), nil, nil, nil)
}

func (a *Adapter) Orders(ctx context.Context, f OrderFilter) partner.Result {
	f = f.withDefaults()
	signed, err := json.Marshal(f)
	if err != nil {
		return partner.Fail(Name, partner.KindDecode, 0, "failed to encode filters: "+err.Error())
	}
	return a.send(ctx, http.MethodGet, "/orders", f.query(), nil, signed)
}

func (a *Adapter) Quote(ctx context.Context, q QuoteRequest) partner.Result {
	body, err := json.Marshal(q)
	if err != nil {
		return partner.Fail(Name, partner.KindDecode, 0, "failed to encode quote: "+err.Error())
	}
	return a.send(ctx, http.MethodPost, "/quote", nil, body, body)
}

// Ping lists a single order to confirm the keys are accepted.
func (a *Adapter) Ping(ctx context.Context) partner.Result {
	return a.send(ctx, http.MethodGet, "/orders", url.Values{"page": {"1"}, "size": {"1"}}, nil, nil)
}

// send performs one signed call and unwraps Hambit's envelope. A 2xx with
// success=false is reported as a partner_4xx failure carrying msg.
func (a *Adapter) send(ctx context.Context, method, path string, query url.Values, body, signed []byte) partner.Result {
	res := a.client.Do(ctx, partner.Request{
		Method:  method,
		Path:    tradePath + path,
		Query:   query,
		Headers: a.signer.Headers(signed),
		Body:    body,
	})
	env, res := partner.Decode[envelope](res)
	if !res.Success {
		return res
	}
	if !env.Success {
		msg := env.Msg
		if msg == "" {
			msg = "request rejected"
		}
		return partner.Fail(Name, partner.Kind4xx, res.Status, msg)
	}
	res.Data = env.Data
	return res
}

func orValue(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orDefault(v string, gen func() string) string {
	if v == "" {
		return gen()
	}
	return v
}
