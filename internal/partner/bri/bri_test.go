package bri

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/fundgate/internal/partner"
)

func newTestAdapter(t *testing.T, h http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	a := New(srv.URL, "test-key", srv.Client(), slog.New(slog.NewJSONHandler(io.Discard, nil)))
	a.now = func() time.Time { return time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC) }
	return a
}

func TestFormatAmount(t *testing.T) {
	cases := map[string]string{
		"500000000":  "500.000.000",
		"1000":       "1.000",
		"999":        "999",
		"0":          "0",
		"1234567.89": "1.234.568",
		"-45000":     "-45.000",
	}
	for in, want := range cases {
		assert.Equal(t, want, FormatAmount(decimal.RequireFromString(in)), in)
	}
}

func TestTranslateDefaults(t *testing.T) {
	a := New("", "k", nil, nil)
	a.now = func() time.Time { return time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC) }

	p := a.Translate(Transfer{RequestID: "id-1", Amount: decimal.NewFromInt(500000000)})
	assert.Equal(t, "Your transaction is successful", p.Description)
	assert.Equal(t, "DEUTSCHE BANK AG", p.SendingInstitution)
	assert.Equal(t, "BRI", p.ReceivingInstitution)
	assert.Equal(t, "2024-05-01 09:30:00", p.Datetime)
	assert.Equal(t, "500.000.000", p.Amount)
}

func TestSubmitTransfer(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/transfer/external", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))

		var body map[string]map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		ct := body["CashTransfer.v1"]
		assert.Equal(t, "Acme", ct["Sending Name"])
		assert.Equal(t, "500.000.000", ct["Amount"])
		assert.Equal(t, "tr-1", ct["Transfer RequestID"])

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"reference_id":"BRI-REF-9","status":"accepted"}`))
	})

	rc := a.SubmitTransfer(context.Background(), Transfer{
		RequestID:   "tr-1",
		SendingName: "Acme",
		Amount:      decimal.NewFromInt(500000000),
	})
	require.True(t, rc.Result.Success)
	assert.Equal(t, "BRI-REF-9", rc.ExternalReference)
}

func TestSubmitTransferNumericReference(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"reference_id":12345}`))
	})
	rc := a.SubmitTransfer(context.Background(), Transfer{RequestID: "x", Amount: decimal.NewFromInt(1)})
	require.True(t, rc.Result.Success)
	assert.Equal(t, "12345", rc.ExternalReference)
}

func TestSubmitTransferPartnerError(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"account closed"}`))
	})
	rc := a.SubmitTransfer(context.Background(), Transfer{RequestID: "x", Amount: decimal.NewFromInt(1)})
	assert.False(t, rc.Result.Success)
	assert.Equal(t, partner.Kind4xx, rc.Result.Kind)
	assert.Equal(t, `HTTP 422: {"error":"account closed"}`, rc.Result.Error)
	assert.Empty(t, rc.ExternalReference)
}

func TestTransferStatusAndPing(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/transfer/status/REF-1":
			_, _ = w.Write([]byte(`{"status":"SETTLED"}`))
		case "/account/balance":
			_, _ = w.Write([]byte(`{"balance":"100"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	res := a.TransferStatus(context.Background(), "REF-1")
	require.True(t, res.Success)
	assert.JSONEq(t, `{"status":"SETTLED"}`, string(res.Data))

	assert.True(t, a.Ping(context.Background()).Success)
}
