package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/example/fundgate/internal/ledger"
	"github.com/example/fundgate/internal/migrations"
	"github.com/example/fundgate/internal/partner"
	"github.com/example/fundgate/internal/partner/bri"
	"github.com/example/fundgate/internal/partner/hambit"
	"github.com/example/fundgate/pkg/audit"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newStore(t *testing.T) *ledger.SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	_, err = migrations.Apply(context.Background(), db, migrations.SQLite)
	require.NoError(t, err)
	return ledger.NewSQLStore(db)
}

type recordingAuditor struct {
	mu     sync.Mutex
	events []string
}

func (a *recordingAuditor) Append(event string, _ map[string]any) *audit.Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *recordingAuditor) Events() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.events...)
}

type fakeBRI struct {
	receipt   bri.Receipt
	status    partner.Result
	submitted []bri.Transfer
}

func (f *fakeBRI) SubmitTransfer(_ context.Context, t bri.Transfer) bri.Receipt {
	f.submitted = append(f.submitted, t)
	return f.receipt
}

func (f *fakeBRI) TransferStatus(context.Context, string) partner.Result {
	return f.status
}

func okResult(data string) partner.Result {
	return partner.Result{Success: true, Status: 200, Data: json.RawMessage(data)}
}

type fakeHambit struct {
	placed  hambit.Placed
	details partner.Result
	calls   []hambit.Side
}

func (f *fakeHambit) Buy(_ context.Context, _ hambit.OrderRequest) hambit.Placed {
	f.calls = append(f.calls, hambit.Buy)
	return f.placed
}

func (f *fakeHambit) Sell(_ context.Context, _ hambit.OrderRequest) hambit.Placed {
	f.calls = append(f.calls, hambit.Sell)
	return f.placed
}

func (f *fakeHambit) OrderDetails(context.Context, string) partner.Result { return f.details }

func (f *fakeHambit) Orders(context.Context, hambit.OrderFilter) partner.Result {
	return okResult(`{"list":[]}`)
}

func (f *fakeHambit) Quote(context.Context, hambit.QuoteRequest) partner.Result {
	return okResult(`{"price":"1.0"}`)
}
