// Package bri talks to the BRI external transfer API.
package bri

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/fundgate/internal/partner"
)

const (
	Name           = "bri"
	DefaultBaseURL = "https://partner.api.bri.co.id/sandbox/v2"

	defaultDescription        = "Your transaction is successful"
	defaultSendingInstitution = "DEUTSCHE BANK AG"
	receivingInstitution      = "BRI"
	datetimeLayout            = "2006-01-02 15:04:05"
)

// Transfer is the gateway's view of an outbound bank transfer.
type Transfer struct {
	RequestID          string
	SendingName        string
	SendingAccount     string
	ReceivingName      string
	ReceivingAccount   string
	Amount             decimal.Decimal
	SendingCurrency    string
	ReceivingCurrency  string
	Description        string
	SendingInstitution string
}

// CashTransfer is the BRI wire payload. Field names follow BRI's schema,
// spaces included.
type CashTransfer struct {
	SendingName          string `json:"Sending Name"`
	SendingAccount       string `json:"SendingAccount"`
	ReceivingName        string `json:"Receiving Name"`
	ReceivingAccount     string `json:"Receiving Account"`
	Datetime             string `json:"Datetime"`
	Amount               string `json:"Amount"`
	ReceivingCurrency    string `json:"Receiving Currency"`
	SendingCurrency      string `json:"Sending Currency"`
	Description          string `json:"Description"`
	TransferRequestID    string `json:"Transfer RequestID"`
	ReceivingInstitution string `json:"Receiving Institution"`
	SendingInstitution   string `json:"Sending Institution"`
}

type cashTransferEnvelope struct {
	CashTransfer CashTransfer `json:"CashTransfer.v1"`
}

// Receipt is BRI's acknowledgement of a submitted transfer.
type Receipt struct {
	Result            partner.Result
	ExternalReference string
}

type Adapter struct {
	client *partner.Client
	apiKey string
	now    func() time.Time
}

func New(baseURL, apiKey string, doer partner.Doer, logger *slog.Logger) *Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Adapter{
		client: partner.NewClient(Name, baseURL, doer, logger),
		apiKey: apiKey,
		now:    time.Now,
	}
}

func (a *Adapter) AuthHeaders() http.Header {
	h := http.Header{}
	h.Set("x-api-key", a.apiKey)
	return h
}

// Translate builds the BRI payload for t.
func (a *Adapter) Translate(t Transfer) CashTransfer {
	desc := t.Description
	if desc == "" {
		desc = defaultDescription
	}
	inst := t.SendingInstitution
	if inst == "" {
		inst = defaultSendingInstitution
	}
	return CashTransfer{
		SendingName:          t.SendingName,
		SendingAccount:       t.SendingAccount,
		ReceivingName:        t.ReceivingName,
		ReceivingAccount:     t.ReceivingAccount,
		Datetime:             a.now().Format(datetimeLayout),
		Amount:               FormatAmount(t.Amount),
		ReceivingCurrency:    t.ReceivingCurrency,
		SendingCurrency:      t.SendingCurrency,
		Description:          desc,
		TransferRequestID:    t.RequestID,
		ReceivingInstitution: receivingInstitution,
		SendingInstitution:   inst,
	}
}

// FormatAmount rounds to a whole unit and groups thousands with dots:
// 500000000 becomes "500.000.000".
func FormatAmount(d decimal.Decimal) string {
	s := d.Round(0).String()
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")

	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SubmitTransfer posts t to BRI. Any 2xx is success.
func (a *Adapter) SubmitTransfer(ctx context.Context, t Transfer) Receipt {
	body, err := json.Marshal(cashTransferEnvelope{CashTransfer: a.Translate(t)})
	if err != nil {
		return Receipt{Result: partner.Fail(Name, partner.KindDecode, 0, "failed to encode payload: "+err.Error())}
	}

	res := a.client.Do(ctx, partner.Request{
		Method:  http.MethodPost,
		Path:    "/transfer/external",
		Headers: a.AuthHeaders(),
		Body:    body,
	})
	ack, res := partner.Decode[struct {
		ReferenceID json.RawMessage `json:"reference_id"`
	}](res)
	return Receipt{Result: res, ExternalReference: referenceString(ack.ReferenceID)}
}

// TransferStatus asks BRI for the state of a submitted transfer.
func (a *Adapter) TransferStatus(ctx context.Context, externalReference string) partner.Result {
	return a.client.Do(ctx, partner.Request{
		Method:  http.MethodGet,
		Path:    "/transfer/status/" + url.PathEscape(externalReference),
		Headers: a.AuthHeaders(),
	})
}

// Ping checks the configured key against the balance endpoint.
func (a *Adapter) Ping(ctx context.Context) partner.Result {
	return a.client.Do(ctx, partner.Request{
		Method:  http.MethodGet,
		Path:    "/account/balance",
		Headers: a.AuthHeaders(),
	})
}

// referenceString accepts the reference as either a JSON string or number.
func referenceString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}
