// Package bisonbank talks to the Bison Bank accounts and transfers API
// using an OAuth2 client-credentials token.
package bisonbank

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/fundgate/internal/apierr"
	"github.com/example/fundgate/internal/partner"
)

const (
	Name           = "bison_bank"
	DefaultBaseURL = "https://api.bisonbank.com"
)

type Features struct {
	Currencies    []string `json:"currencies"`
	TransferTypes []string `json:"transfer_types"`
	Priorities    []string `json:"priorities"`
	Charges       []string `json:"charges"`
}

type Adapter struct {
	client       *partner.Client
	clientID     string
	clientSecret string
	logger       *slog.Logger
	session      session
	now          func() time.Time
	newRef       func() string
}

func New(baseURL, clientID, clientSecret string, doer partner.Doer, logger *slog.Logger) *Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		client:       partner.NewClient(Name, baseURL, doer, logger),
		clientID:     clientID,
		clientSecret: clientSecret,
		logger:       logger,
		now:          time.Now,
		newRef:       uuid.NewString,
	}
}

func (a *Adapter) Features() Features {
	return Features{
		Currencies:    []string{"EUR", "USD", "GBP", "CHF", "JPY", "CAD", "AUD", "NZD"},
		TransferTypes: []string{"DOMESTIC", "INTERNATIONAL"},
		Priorities:    []string{"NORMAL", "URGENT"},
		Charges:       []string{"SHA", "OUR", "BEN"},
	}
}

// DomesticTransfer is the caller's request for a SEPA-style transfer.
type DomesticTransfer struct {
	SourceAccount   string              `json:"sourceAccount"`
	DestinationIBAN string              `json:"destinationIban"`
	DestinationName string              `json:"destinationName"`
	Description     string              `json:"description,omitempty"`
	Amount          decimal.NullDecimal `json:"amount"`
	Currency        string              `json:"currency,omitempty"`
	Reference       string              `json:"reference,omitempty"`
	ExecutionDate   string              `json:"executionDate,omitempty"`
	Priority        string              `json:"priority,omitempty"`
}

func (t DomesticTransfer) Validate() error {
	var fields []goerrors.FieldError
	add := func(field, msg string) {
		fields = append(fields, goerrors.FieldError{Field: field, Message: msg})
	}
	if t.SourceAccount == "" {
		add("sourceAccount", "sourceAccount is required")
	}
	if t.DestinationIBAN == "" {
		add("destinationIban", "destinationIban is required")
	}
	if t.DestinationName == "" {
		add("destinationName", "destinationName is required")
	}
	fields = append(fields, amountErrors(t.Amount)...)
	if len(fields) > 0 {
		return apierr.Validation("Validation failed", fields...)
	}
	return nil
}

// InternationalTransfer is a SWIFT transfer request.
type InternationalTransfer struct {
	SourceAccount      string              `json:"sourceAccount"`
	SwiftCode          string              `json:"swiftCode"`
	DestinationIBAN    string              `json:"destinationIban"`
	DestinationName    string              `json:"destinationName"`
	DestinationAddress string              `json:"destinationAddress,omitempty"`
	DestinationCity    string              `json:"destinationCity,omitempty"`
	DestinationCountry string              `json:"destinationCountry"`
	BankName           string              `json:"bankName,omitempty"`
	BankAddress        string              `json:"bankAddress,omitempty"`
	Amount             decimal.NullDecimal `json:"amount"`
	Currency           string              `json:"currency,omitempty"`
	Reference          string              `json:"reference,omitempty"`
	ExecutionDate      string              `json:"executionDate,omitempty"`
	Priority           string              `json:"priority,omitempty"`
	Charges            string              `json:"charges,omitempty"`
}

func (t InternationalTransfer) Validate() error {
	var fields []goerrors.FieldError
	add := func(field, msg string) {
		fields = append(fields, goerrors.FieldError{Field: field, Message: msg})
	}
	if t.SourceAccount == "" {
		add("sourceAccount", "sourceAccount is required")
	}
	if t.SwiftCode == "" {
		add("swiftCode", "swiftCode is required")
	}
	if t.DestinationIBAN == "" {
		add("destinationIban", "destinationIban is required")
	}
	if t.DestinationName == "" {
		add("destinationName", "destinationName is required")
	}
	fields = append(fields, amountErrors(t.Amount)...)
	if t.DestinationCountry == "" {
		add("destinationCountry", "destinationCountry is required")
	}
	if len(fields) > 0 {
		return apierr.Validation("Validation failed", fields...)
	}
	return nil
}

func amountErrors(amount decimal.NullDecimal) []goerrors.FieldError {
	if !amount.Valid {
		return []goerrors.FieldError{{Field: "amount", Message: "amount is required"}}
	}
	if !amount.Decimal.IsPositive() {
		return []goerrors.FieldError{{Field: "amount", Message: "amount must be a positive number"}}
	}
	return nil
}

type Money struct {
	Value    json.Number `json:"value"`
	Currency string      `json:"currency"`
}

type DomesticAccount struct {
	IBAN        string `json:"iban"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type DomesticPayload struct {
	SourceAccount      string          `json:"sourceAccount"`
	DestinationAccount DomesticAccount `json:"destinationAccount"`
	Amount             Money           `json:"amount"`
	Reference          string          `json:"reference"`
	ExecutionDate      string          `json:"executionDate"`
	Priority           string          `json:"priority"`
}

type InternationalAccount struct {
	SwiftCode   string `json:"swiftCode"`
	IBAN        string `json:"iban"`
	Name        string `json:"name"`
	Address     string `json:"address"`
	City        string `json:"city"`
	Country     string `json:"country"`
	BankName    string `json:"bankName"`
	BankAddress string `json:"bankAddress"`
}

type InternationalPayload struct {
	SourceAccount      string               `json:"sourceAccount"`
	DestinationAccount InternationalAccount `json:"destinationAccount"`
	Amount             Money                `json:"amount"`
	Reference          string               `json:"reference"`
	ExecutionDate      string               `json:"executionDate"`
	Priority           string               `json:"priority"`
	Charges            string               `json:"charges"`
}

func (a *Adapter) money(amount decimal.NullDecimal, currency string) Money {
	return Money{Value: json.Number(amount.Decimal.String()), Currency: orDefault(currency, "EUR")}
}

func (a *Adapter) TranslateDomestic(t DomesticTransfer) DomesticPayload {
	return DomesticPayload{
		SourceAccount: t.SourceAccount,
		DestinationAccount: DomesticAccount{
			IBAN:        t.DestinationIBAN,
			Name:        t.DestinationName,
			Description: t.Description,
		},
		Amount:        a.money(t.Amount, t.Currency),
		Reference:     orDefault(t.Reference, a.newRef()),
		ExecutionDate: orDefault(t.ExecutionDate, a.now().Format("2006-01-02")),
		Priority:      orDefault(t.Priority, "NORMAL"),
	}
}

func (a *Adapter) TranslateInternational(t InternationalTransfer) InternationalPayload {
	return InternationalPayload{
		SourceAccount: t.SourceAccount,
		DestinationAccount: InternationalAccount{
			SwiftCode:   t.SwiftCode,
			IBAN:        t.DestinationIBAN,
			Name:        t.DestinationName,
			Address:     t.DestinationAddress,
			City:        t.DestinationCity,
			Country:     t.DestinationCountry,
			BankName:    t.BankName,
			BankAddress: t.BankAddress,
		},
		Amount:        a.money(t.Amount, t.Currency),
		Reference:     orDefault(t.Reference, a.newRef()),
		ExecutionDate: orDefault(t.ExecutionDate, a.now().Format("2006-01-02")),
		Priority:      orDefault(t.Priority, "NORMAL"),
		Charges:       orDefault(t.Charges, "SHA"),
	}
}

// ListFilter narrows account transaction and transfer listings. Zero page
// and size default to 1 and 10.
type ListFilter struct {
	Page      int
	Size      int
	Status    string
	StartDate string
	EndDate   string
}

func (f ListFilter) query() url.Values {
	q := url.Values{}
	page, size := f.Page, f.Size
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = 10
	}
	q.Set("page", strconv.Itoa(page))
	q.Set("size", strconv.Itoa(size))
	for k, v := range map[string]string{"status": f.Status, "startDate": f.StartDate, "endDate": f.EndDate} {
		if v != "" {
			q.Set(k, v)
		}
	}
	return q
}

func (a *Adapter) AccountBalance(ctx context.Context, accountID string) partner.Result {
	return a.call(ctx, partner.Request{Method: http.MethodGet, Path: "/accounts/" + url.PathEscape(accountID) + "/balance"})
}

func (a *Adapter) AccountDetails(ctx context.Context, accountID string) partner.Result {
	return a.call(ctx, partner.Request{Method: http.MethodGet, Path: "/accounts/" + url.PathEscape(accountID)})
}

// AccountTransactions ignores the filter's status.
func (a *Adapter) AccountTransactions(ctx context.Context, accountID string, f ListFilter) partner.Result {
	f.Status = ""
	return a.call(ctx, partner.Request{
		Method: http.MethodGet,
		Path:   "/accounts/" + url.PathEscape(accountID) + "/transactions",
		Query:  f.query(),
	})
}

func (a *Adapter) DomesticTransfer(ctx context.Context, t DomesticTransfer) partner.Result {
	return a.post(ctx, "/transfers/domestic", a.TranslateDomestic(t))
}

func (a *Adapter) InternationalTransfer(ctx context.Context, t InternationalTransfer) partner.Result {
	return a.post(ctx, "/transfers/international", a.TranslateInternational(t))
}

func (a *Adapter) TransferStatus(ctx context.Context, transferID string) partner.Result {
	return a.call(ctx, partner.Request{Method: http.MethodGet, Path: "/transfers/" + url.PathEscape(transferID)})
}

func (a *Adapter) Transfers(ctx context.Context, f ListFilter) partner.Result {
	return a.call(ctx, partner.Request{Method: http.MethodGet, Path: "/transfers", Query: f.query()})
}

// Ping authenticates afresh and lists accounts to confirm full access.
func (a *Adapter) Ping(ctx context.Context) partner.Result {
	token, res := a.bearer(ctx, true)
	if !res.Success {
		return res
	}
	return a.client.Do(ctx, withBearer(partner.Request{Method: http.MethodGet, Path: "/accounts"}, token))
}

func (a *Adapter) post(ctx context.Context, path string, payload any) partner.Result {
	body, err := json.Marshal(payload)
	if err != nil {
		return partner.Fail(Name, partner.KindDecode, 0, "failed to encode payload: "+err.Error())
	}
	return a.call(ctx, partner.Request{Method: http.MethodPost, Path: path, Body: body})
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
