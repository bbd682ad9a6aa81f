package hambit

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/fundgate/internal/apierr"
	"github.com/example/fundgate/internal/partner"
	"github.com/example/fundgate/internal/security"
)

var fixedNow = time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)

func testSigner() *Signer {
	s := NewSigner("ak-1", "sk-1")
	s.Now = func() time.Time { return fixedNow }
	s.Nonce = func() string { return "nonce-1" }
	return s
}

// checkSigned asserts the request carries a signature over signed.
func checkSigned(t *testing.T, r *http.Request, signed string) {
	t.Helper()
	assert.Equal(t, "ak-1", r.Header.Get("access_key"))
	assert.Equal(t, "1719828000000", r.Header.Get("timestamp"))
	assert.Equal(t, "nonce-1", r.Header.Get("nonce"))
	want := security.SignBase64([]byte("sk-1"), []byte("ak-1"+"1719828000000"+"nonce-1"+signed))
	assert.Equal(t, want, r.Header.Get("sign"))
}

func newTestAdapter(t *testing.T, h http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	a := New(srv.URL, testSigner(), srv.Client(), slog.New(slog.NewJSONHandler(io.Discard, nil)))
	a.newID = func() string { return "ext-generated" }
	return a
}

func TestSignIsDeterministic(t *testing.T) {
	s := testSigner()
	h := s.Headers([]byte(`{"a":1}`))
	assert.Equal(t, s.Sign("1719828000000", "nonce-1", []byte(`{"a":1}`)), h.Get("sign"))
	assert.Equal(t, "application/json; charset=utf-8", h.Get("Content-Type"))
	assert.NotContains(t, h.Get("sign"), "sk-1")

	empty := s.Headers(nil)
	assert.Equal(t, s.Sign("1719828000000", "nonce-1", []byte("[]")), empty.Get("sign"))
}

func TestBuySignsExactBody(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/exchange/express/trade/buy", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		checkSigned(t, r, string(body))

		var p map[string]any
		assert.NoError(t, json.Unmarshal(body, &p))
		assert.Equal(t, "ext-generated", p["externalOrderId"])
		assert.Equal(t, "0", p["reviewQuote"])
		assert.Equal(t, "0xabc", p["addressTo"])

		_, _ = w.Write([]byte(`{"success":true,"code":200,"msg":"ok","data":{"orderId":"H-1","externalOrderId":"ext-generated","currencyAmount":"2150.75","exchangePrice":84.3,"orderFee":"1.5","cashierUrl":"https://pay/x"}}`))
	})

	placed := a.Buy(context.Background(), OrderRequest{
		ChainType: "BSC", TokenType: "USDT", CurrencyType: "INR", PayType: "BANK",
		AddressTo: "0xabc", TokenAmount: "25.5",
	})
	require.True(t, placed.Result.Success, placed.Result.Error)
	assert.Equal(t, "ext-generated", placed.ExternalOrderID)
	assert.Equal(t, "H-1", placed.Order.OrderID)
	assert.Equal(t, "2150.75", placed.Order.CurrencyAmount.Decimal.String())
	assert.Equal(t, "84.3", placed.Order.ExchangePrice.Decimal.String())
	assert.Equal(t, "https://pay/x", placed.Order.CashierURL)
}

func TestBuyAcceptsNumericOrderID(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"code":200,"msg":"ok","data":{"orderId":123456789,"externalOrderId":"ext-generated","currencyAmount":99.5}}`))
	})

	placed := a.Buy(context.Background(), OrderRequest{AddressTo: "0xabc", TokenAmount: "1"})
	require.True(t, placed.Result.Success, placed.Result.Error)
	assert.Equal(t, "123456789", placed.Order.OrderID)
	assert.Equal(t, "ext-generated", placed.Order.ExternalOrderID)
	assert.Equal(t, "99.5", placed.Order.CurrencyAmount.Decimal.String())
}

func TestBuyKeepsSuccessWhenDataIsMalformed(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"code":200,"msg":"ok","data":{"orderId":"H-2","currencyAmount":"not-a-number"}}`))
	})

	placed := a.Buy(context.Background(), OrderRequest{AddressTo: "0xabc", TokenAmount: "1"})
	require.True(t, placed.Result.Success, placed.Result.Error)
	assert.Contains(t, string(placed.Result.Data), `"H-2"`)
	assert.Empty(t, placed.Order.OrderID)
}

func TestSellDefaults(t *testing.T) {
	a := newTestAdapter(t, nil)
	p := a.TranslateSell(OrderRequest{ExternalOrderID: "mine", AddressFrom: "0xdef", TokenAmount: "3"})
	assert.Equal(t, "mine", p.ExternalOrderID)
	assert.Equal(t, "BSC", p.ChainType)
	assert.Equal(t, "USDT", p.TokenType)
	assert.Equal(t, "INR", p.CurrencyType)
	assert.Equal(t, "BANK", p.PayType)
}

func TestEnvelopeFailureIsPartnerError(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"code":"40012","msg":"Insufficient liquidity","data":null}`))
	})

	placed := a.Sell(context.Background(), OrderRequest{AddressFrom: "0x1", TokenAmount: "1"})
	assert.False(t, placed.Result.Success)
	assert.Equal(t, partner.Kind4xx, placed.Result.Kind)
	assert.Equal(t, "Insufficient liquidity", placed.Result.Error)
}

func TestOrdersSignsFilterJSON(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/exchange/express/trade/orders", r.URL.Path)
		assert.Equal(t, "page=1&size=10&status=SUCCESS", r.URL.RawQuery)
		checkSigned(t, r, `{"page":1,"size":10,"status":"SUCCESS"}`)
		_, _ = w.Write([]byte(`{"success":true,"data":{"records":[]}}`))
	})

	res := a.Orders(context.Background(), OrderFilter{Status: "SUCCESS"})
	require.True(t, res.Success, res.Error)
	assert.JSONEq(t, `{"records":[]}`, string(res.Data))
}

func TestOrderDetailsAndPingSignEmptyList(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		checkSigned(t, r, "[]")
		_, _ = w.Write([]byte(`{"success":true,"data":{"orderId":"H-9"}}`))
	})

	res := a.OrderDetails(context.Background(), "H-9")
	require.True(t, res.Success)
	assert.True(t, a.Ping(context.Background()).Success)
}

func TestValidateMessages(t *testing.T) {
	err := OrderRequest{}.Validate(Buy)
	require.Error(t, err)
	assert.Equal(t, []string{
		"chainType is required",
		"tokenType is required",
		"currencyType is required",
		"payType is required",
		"addressTo is required",
		"tokenAmount is required",
	}, apierr.Describe(err).Errors)

	err = OrderRequest{ChainType: "BSC", TokenType: "USDT", CurrencyType: "INR", PayType: "BANK", TokenAmount: "1"}.Validate(Sell)
	assert.Equal(t, []string{"addressFrom is required"}, apierr.Describe(err).Errors)

	err = QuoteRequest{TokenType: "USDT"}.Validate()
	assert.Equal(t, []string{"chainType is required", "currencyType is required"}, apierr.Describe(err).Errors)
}

func TestCurrencies(t *testing.T) {
	c := Currencies()
	assert.Len(t, c, 4)
	assert.Equal(t, []string{"PIX"}, c["BRL"].PayType)
	assert.Len(t, c["VND"].PayType, 6)
	assert.Equal(t, []string{"BSC"}, c["MXN"].ChainType)
}

func TestVerifyCallback(t *testing.T) {
	s := testSigner()
	body := []byte(`{"orderId":"H-1","externalOrderId":"E-1","status":"SUCCESS"}`)
	h := s.Headers(body)

	nonce, err := s.VerifyCallback(h, body, fixedNow.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "nonce-1", nonce)

	_, err = s.VerifyCallback(h, []byte(`{"tampered":true}`), fixedNow)
	assert.ErrorIs(t, err, ErrBadSignature)

	_, err = s.VerifyCallback(h, body, fixedNow.Add(6*time.Minute))
	assert.ErrorIs(t, err, ErrStaleTimestamp)

	_, err = s.VerifyCallback(http.Header{}, body, fixedNow)
	assert.ErrorIs(t, err, ErrMissingSignature)

	other := h.Clone()
	other.Set("access_key", "someone-else")
	_, err = s.VerifyCallback(other, body, fixedNow)
	assert.ErrorIs(t, err, ErrUnknownAccessKey)
}
