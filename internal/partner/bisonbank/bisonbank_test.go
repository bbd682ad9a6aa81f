package bisonbank

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/fundgate/internal/apierr"
)

type fakeBank struct {
	tokenCalls atomic.Int32
	rejectNext atomic.Bool
	mu         sync.Mutex
	bodies     map[string][]byte
}

func (f *fakeBank) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth/token" {
			n := f.tokenCalls.Add(1)
			user, pass, ok := r.BasicAuth()
			assert.True(t, ok)
			assert.Equal(t, "client", user)
			assert.Equal(t, "secret", pass)
			assert.NoError(t, r.ParseForm())
			assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
			assert.Equal(t, "payment transfer account", r.PostForm.Get("scope"))
			_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "tok-" + string(rune('0'+n))})
			return
		}

		if f.rejectNext.CompareAndSwap(true, false) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		b, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.bodies[r.URL.Path] = b
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"path": r.URL.Path, "query": r.URL.RawQuery, "auth": r.Header.Get("Authorization")})
	}
}

func newTestAdapter(t *testing.T) (*Adapter, *fakeBank) {
	t.Helper()
	fb := &fakeBank{bodies: map[string][]byte{}}
	srv := httptest.NewServer(fb.handler(t))
	t.Cleanup(srv.Close)

	a := New(srv.URL, "client", "secret", srv.Client(), slog.New(slog.NewJSONHandler(io.Discard, nil)))
	a.now = func() time.Time { return time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC) }
	a.newRef = func() string { return "ref-fixed" }
	return a, fb
}

func decodeData(t *testing.T, raw json.RawMessage) map[string]string {
	t.Helper()
	var out map[string]string
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestTokenIsFetchedOnceAndReused(t *testing.T) {
	a, fb := newTestAdapter(t)
	ctx := context.Background()

	res := a.AccountBalance(ctx, "ACC-1")
	require.True(t, res.Success)
	assert.Equal(t, "/accounts/ACC-1/balance", decodeData(t, res.Data)["path"])
	assert.Equal(t, "Bearer tok-1", decodeData(t, res.Data)["auth"])

	res = a.AccountDetails(ctx, "ACC-1")
	require.True(t, res.Success)
	assert.Equal(t, int32(1), fb.tokenCalls.Load())
}

func TestUnauthorizedReauthenticatesOnce(t *testing.T) {
	a, fb := newTestAdapter(t)
	ctx := context.Background()

	require.True(t, a.AccountBalance(ctx, "A").Success)
	fb.rejectNext.Store(true)

	res := a.TransferStatus(ctx, "T-9")
	require.True(t, res.Success)
	assert.Equal(t, "Bearer tok-2", decodeData(t, res.Data)["auth"])
	assert.Equal(t, int32(2), fb.tokenCalls.Load())
}

func TestConcurrentCallersShareToken(t *testing.T) {
	a, fb := newTestAdapter(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.AccountBalance(ctx, "A")
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), fb.tokenCalls.Load())
}

func TestAuthFailureIsReturned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":"invalid_client"}`))
	}))
	defer srv.Close()

	a := New(srv.URL, "x", "y", srv.Client(), nil)
	res := a.AccountBalance(context.Background(), "A")
	assert.False(t, res.Success)
	assert.Equal(t, "Authentication failed", res.Error)
}

func TestDomesticTransferDefaults(t *testing.T) {
	a, fb := newTestAdapter(t)

	res := a.DomesticTransfer(context.Background(), DomesticTransfer{
		SourceAccount:   "SRC",
		DestinationIBAN: "PT50000201231234567890154",
		DestinationName: "Maria",
		Amount:          decimal.NewNullDecimal(decimal.RequireFromString("150.25")),
	})
	require.True(t, res.Success)

	var sent map[string]any
	require.NoError(t, json.Unmarshal(fb.bodies["/transfers/domestic"], &sent))
	assert.Equal(t, "ref-fixed", sent["reference"])
	assert.Equal(t, "2024-06-03", sent["executionDate"])
	assert.Equal(t, "NORMAL", sent["priority"])
	amount := sent["amount"].(map[string]any)
	assert.Equal(t, 150.25, amount["value"])
	assert.Equal(t, "EUR", amount["currency"])
}

func TestInternationalTransferDefaults(t *testing.T) {
	a, _ := newTestAdapter(t)

	p := a.TranslateInternational(InternationalTransfer{
		SourceAccount:      "SRC",
		SwiftCode:          "BSONPTPL",
		DestinationIBAN:    "GB00",
		DestinationName:    "Bob",
		DestinationCountry: "GB",
		Amount:             decimal.NewNullDecimal(decimal.NewFromInt(10)),
		Currency:           "GBP",
		Priority:           "URGENT",
	})
	assert.Equal(t, "SHA", p.Charges)
	assert.Equal(t, "URGENT", p.Priority)
	assert.Equal(t, "GBP", p.Amount.Currency)
	assert.Equal(t, "BSONPTPL", p.DestinationAccount.SwiftCode)
}

func TestValidationMessages(t *testing.T) {
	err := DomesticTransfer{}.Validate()
	require.Error(t, err)
	assert.Equal(t, []string{
		"sourceAccount is required",
		"destinationIban is required",
		"destinationName is required",
		"amount is required",
	}, apierr.Describe(err).Errors)

	err = DomesticTransfer{
		SourceAccount: "a", DestinationIBAN: "b", DestinationName: "c",
		Amount: decimal.NewNullDecimal(decimal.NewFromInt(-5)),
	}.Validate()
	assert.Equal(t, []string{"amount must be a positive number"}, apierr.Describe(err).Errors)

	err = InternationalTransfer{
		SourceAccount: "a", DestinationIBAN: "b", DestinationName: "c",
		Amount: decimal.NewNullDecimal(decimal.NewFromInt(1)),
	}.Validate()
	assert.Equal(t, []string{"swiftCode is required", "destinationCountry is required"}, apierr.Describe(err).Errors)
}

func TestListFilterDefaults(t *testing.T) {
	a, _ := newTestAdapter(t)

	res := a.Transfers(context.Background(), ListFilter{Status: "COMPLETED"})
	require.True(t, res.Success)
	assert.Equal(t, "page=1&size=10&status=COMPLETED", decodeData(t, res.Data)["query"])

	res = a.AccountTransactions(context.Background(), "A", ListFilter{Page: 2, Status: "ignored", StartDate: "2024-01-01"})
	require.True(t, res.Success)
	assert.Equal(t, "page=2&size=10&startDate=2024-01-01", decodeData(t, res.Data)["query"])
}

func TestPingForcesFreshToken(t *testing.T) {
	a, fb := newTestAdapter(t)
	ctx := context.Background()

	require.True(t, a.Ping(ctx).Success)
	require.True(t, a.Ping(ctx).Success)
	assert.Equal(t, int32(2), fb.tokenCalls.Load())
}

func TestFeatures(t *testing.T) {
	f := New("", "", "", nil, nil).Features()
	assert.Len(t, f.Currencies, 8)
	assert.Equal(t, []string{"SHA", "OUR", "BEN"}, f.Charges)
}
