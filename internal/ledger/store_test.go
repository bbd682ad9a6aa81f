package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/example/fundgate/internal/migrations"
)

// StoreSuite runs the same behaviour checks against every Store.
type StoreSuite struct {
	suite.Suite
	open  func(t *testing.T) Store
	store Store
	ctx   context.Context
}

func (s *StoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = s.open(s.T())
}

func newTransfer(id string) *Transfer {
	return &Transfer{
		TransferRequestID: id,
		SendingName:       "Acme GmbH",
		SendingAccount:    "1234567890",
		ReceivingName:     "Budi Santoso",
		ReceivingAccount:  "007501002373309",
		Amount:            decimal.NewFromInt(500000000),
		SendingCurrency:   "EUR",
		ReceivingCurrency: "EUR",
		Description:       "invoice 42",
	}
}

func (s *StoreSuite) TestCreateAndGetTransfer() {
	t := newTransfer("tr-1")
	s.Require().NoError(s.store.CreateTransfer(s.ctx, t))
	s.NotZero(t.ID)
	s.Equal(TransferPending, t.Status)

	got, err := s.store.GetTransfer(s.ctx, "tr-1")
	s.Require().NoError(err)
	s.Equal("Acme GmbH", got.SendingName)
	s.True(decimal.NewFromInt(500000000).Equal(got.Amount))
	s.Equal(TransferPending, got.Status)
	s.Empty(got.ExternalReference)

	_, err = s.store.GetTransfer(s.ctx, "missing")
	s.ErrorIs(err, ErrNotFound)
}

func (s *StoreSuite) TestDuplicateTransferID() {
	s.Require().NoError(s.store.CreateTransfer(s.ctx, newTransfer("tr-dup")))
	s.ErrorIs(s.store.CreateTransfer(s.ctx, newTransfer("tr-dup")), ErrDuplicate)
}

func (s *StoreSuite) TestTransitionRecordsPartnerOutcome() {
	s.Require().NoError(s.store.CreateTransfer(s.ctx, newTransfer("tr-2")))

	resp := json.RawMessage(`{"success":true,"data":{"reference_id":"BRI-77"}}`)
	got, err := s.store.Transition(s.ctx, "tr-2", TransferProcessing, TransitionUpdate{ExternalReference: "BRI-77", Response: resp})
	s.Require().NoError(err)
	s.Equal(TransferProcessing, got.Status)
	s.Equal("BRI-77", got.ExternalReference)
	s.JSONEq(string(resp), string(got.ExternalAPIResponse))

	// An update without a reference keeps the stored one.
	got, err = s.store.Transition(s.ctx, "tr-2", TransferFailed, TransitionUpdate{})
	s.Require().NoError(err)
	s.Equal(TransferFailed, got.Status)
	s.Equal("BRI-77", got.ExternalReference)
}

func (s *StoreSuite) TestTransitionRejectsBackwardAndSkippedMoves() {
	s.Require().NoError(s.store.CreateTransfer(s.ctx, newTransfer("tr-3")))

	_, err := s.store.Transition(s.ctx, "tr-3", TransferCompleted, TransitionUpdate{})
	var ite *InvalidTransitionError
	s.Require().ErrorAs(err, &ite)
	s.Equal(TransferPending, ite.From)
	s.Equal(TransferCompleted, ite.To)

	_, err = s.store.Transition(s.ctx, "tr-3", TransferProcessing, TransitionUpdate{})
	s.Require().NoError(err)

	_, err = s.store.Transition(s.ctx, "tr-3", TransferPending, TransitionUpdate{})
	s.ErrorAs(err, &ite)

	_, err = s.store.Transition(s.ctx, "nope", TransferProcessing, TransitionUpdate{})
	s.ErrorIs(err, ErrNotFound)
}

func (s *StoreSuite) TestCompleteWithPayoutOnlyFromProcessing() {
	s.Require().NoError(s.store.CreateTransfer(s.ctx, newTransfer("tr-4")))
	payout := PayoutAccount{SenderAccount: "S-1", PaymasterAccount: "P-1", PayoutType: PayoutCrypto}

	_, _, err := s.store.CompleteWithPayout(s.ctx, "tr-4", payout)
	var ite *InvalidTransitionError
	s.Require().ErrorAs(err, &ite)
	s.Equal(TransferPending, ite.From)

	payouts, err := s.store.ListPayouts(s.ctx, "tr-4")
	s.Require().NoError(err)
	s.Empty(payouts)

	_, err = s.store.Transition(s.ctx, "tr-4", TransferProcessing, TransitionUpdate{ExternalReference: "R"})
	s.Require().NoError(err)

	t, p, err := s.store.CompleteWithPayout(s.ctx, "tr-4", payout)
	s.Require().NoError(err)
	s.Equal(TransferCompleted, t.Status)
	s.Equal(t.ID, p.TransferID)
	s.Equal(PayoutCrypto, p.PayoutType)
	s.Equal("pending", p.Status)

	_, _, err = s.store.CompleteWithPayout(s.ctx, "tr-4", payout)
	s.ErrorAs(err, &ite)

	payouts, err = s.store.ListPayouts(s.ctx, "tr-4")
	s.Require().NoError(err)
	s.Len(payouts, 1)
	s.Equal("P-1", payouts[0].PaymasterAccount)

	_, _, err = s.store.CompleteWithPayout(s.ctx, "missing", payout)
	s.ErrorIs(err, ErrNotFound)
}

func (s *StoreSuite) TestListTransfersFilters() {
	for _, id := range []string{"a", "b", "c"} {
		s.Require().NoError(s.store.CreateTransfer(s.ctx, newTransfer(id)))
	}
	_, err := s.store.Transition(s.ctx, "b", TransferProcessing, TransitionUpdate{})
	s.Require().NoError(err)

	all, err := s.store.ListTransfers(s.ctx, TransferFilter{})
	s.Require().NoError(err)
	s.Len(all, 3)
	s.Equal("c", all[0].TransferRequestID)

	pending, err := s.store.ListTransfers(s.ctx, TransferFilter{Status: TransferPending})
	s.Require().NoError(err)
	s.Len(pending, 2)

	old, err := s.store.ListTransfers(s.ctx, TransferFilter{Status: TransferPending, CreatedBefore: time.Now().Add(-time.Hour)})
	s.Require().NoError(err)
	s.Empty(old)

	limited, err := s.store.ListTransfers(s.ctx, TransferFilter{Limit: 1})
	s.Require().NoError(err)
	s.Len(limited, 1)
}

func (s *StoreSuite) TestUnlimitedListsReturnEveryRow() {
	const n = 520
	for i := 0; i < n; i++ {
		id := strconv.Itoa(i)
		s.Require().NoError(s.store.CreateTransfer(s.ctx, newTransfer("tr-"+id)))
		_, _, err := s.store.ApplyCallback(s.ctx, CallbackUpdate{OrderID: "H-" + id, ExternalOrderID: "E-" + id, Status: OrderPending, Payload: json.RawMessage(`{}`)})
		s.Require().NoError(err)
	}

	transfers, err := s.store.ListTransfers(s.ctx, TransferFilter{})
	s.Require().NoError(err)
	s.Len(transfers, n)

	orders, err := s.store.ListOrders(s.ctx, OrderFilter{})
	s.Require().NoError(err)
	s.Len(orders, n)
}

func (s *StoreSuite) TestApplyCallbackUpsertsByEitherID() {
	payload := json.RawMessage(`{"orderId":"H-1","externalOrderId":"E-1","status":"SUCCESS"}`)

	o, created, err := s.store.ApplyCallback(s.ctx, CallbackUpdate{OrderID: "H-1", ExternalOrderID: "E-1", Status: OrderCompleted, Payload: payload})
	s.Require().NoError(err)
	s.True(created)
	s.Equal(OrderCompleted, o.Status)

	o, created, err = s.store.ApplyCallback(s.ctx, CallbackUpdate{OrderID: "H-1", ExternalOrderID: "E-1", Status: OrderCompleted, Payload: payload})
	s.Require().NoError(err)
	s.False(created)
	s.JSONEq(string(payload), string(o.CallbackData))

	// Matched on the external id alone.
	o, created, err = s.store.ApplyCallback(s.ctx, CallbackUpdate{OrderID: "other", ExternalOrderID: "E-1", Status: OrderFailed, Payload: payload})
	s.Require().NoError(err)
	s.False(created)
	s.Equal(OrderFailed, o.Status)
	s.Equal("H-1", o.OrderID)

	orders, err := s.store.ListOrders(s.ctx, OrderFilter{})
	s.Require().NoError(err)
	s.Len(orders, 1)
}

func (s *StoreSuite) TestApplyCallbackWithoutStatusKeepsStatus() {
	_, _, err := s.store.ApplyCallback(s.ctx, CallbackUpdate{OrderID: "H-2", ExternalOrderID: "E-2", Payload: json.RawMessage(`{"status":"WEIRD"}`)})
	s.Require().NoError(err)

	o, err := s.store.GetOrder(s.ctx, "E-2")
	s.Require().NoError(err)
	s.Equal(OrderPending, o.Status)

	_, _, err = s.store.ApplyCallback(s.ctx, CallbackUpdate{OrderID: "H-2", ExternalOrderID: "E-2", Status: OrderProcessing, Payload: json.RawMessage(`{}`)})
	s.Require().NoError(err)
	_, _, err = s.store.ApplyCallback(s.ctx, CallbackUpdate{OrderID: "H-2", ExternalOrderID: "E-2", Payload: json.RawMessage(`{"status":"WEIRD"}`)})
	s.Require().NoError(err)

	o, err = s.store.GetOrder(s.ctx, "H-2")
	s.Require().NoError(err)
	s.Equal(OrderProcessing, o.Status)
	s.JSONEq(`{"status":"WEIRD"}`, string(o.CallbackData))
}

func (s *StoreSuite) TestRecordOrderThenCallback() {
	o, err := s.store.RecordOrder(s.ctx, &ExchangeOrder{
		OrderID:         "H-3",
		ExternalOrderID: "E-3",
		Direction:       FiatToCrypto,
		ChainType:       "BSC",
		TokenType:       "USDT",
		CurrencyType:    "INR",
		PayType:         "BANK",
		TokenAmount:     decimal.NewNullDecimal(decimal.RequireFromString("25.5")),
		CurrencyAmount:  decimal.NewNullDecimal(decimal.RequireFromString("2150.75")),
		AddressTo:       "0xabc",
		CashierURL:      "https://pay.example/c/1",
	})
	s.Require().NoError(err)
	s.Equal(OrderPending, o.Status)
	s.True(o.TokenAmount.Valid)
	s.Equal("25.5", o.TokenAmount.Decimal.String())
	s.False(o.OrderFee.Valid)

	_, created, err := s.store.ApplyCallback(s.ctx, CallbackUpdate{OrderID: "H-3", ExternalOrderID: "E-3", Status: OrderCompleted, Payload: json.RawMessage(`{}`)})
	s.Require().NoError(err)
	s.False(created)

	o, err = s.store.GetOrder(s.ctx, "H-3")
	s.Require().NoError(err)
	s.Equal(OrderCompleted, o.Status)
	s.Equal(FiatToCrypto, o.Direction)
	s.Equal("0xabc", o.AddressTo)
}

func (s *StoreSuite) TestRecordOrderAfterCallbackKeepsStatus() {
	_, _, err := s.store.ApplyCallback(s.ctx, CallbackUpdate{OrderID: "H-4", ExternalOrderID: "E-4", Status: OrderCompleted, Payload: json.RawMessage(`{"status":"SUCCESS"}`)})
	s.Require().NoError(err)

	o, err := s.store.RecordOrder(s.ctx, &ExchangeOrder{
		OrderID:         "H-4",
		ExternalOrderID: "E-4",
		Direction:       CryptoToFiat,
		AddressFrom:     "0xdef",
		CurrencyType:    "BRL",
		PayType:         "PIX",
	})
	s.Require().NoError(err)
	s.Equal(OrderCompleted, o.Status)
	s.Equal(CryptoToFiat, o.Direction)
	s.Equal("0xdef", o.AddressFrom)
	s.JSONEq(`{"status":"SUCCESS"}`, string(o.CallbackData))

	_, err = s.store.GetOrder(s.ctx, "unknown")
	s.ErrorIs(err, ErrNotFound)
}

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	_, err = migrations.Apply(context.Background(), db, migrations.SQLite)
	require.NoError(t, err)
	return db
}

func TestSQLStore(t *testing.T) {
	suite.Run(t, &StoreSuite{open: func(t *testing.T) Store {
		return NewSQLStore(openSQLite(t))
	}})
}

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("skipping postgres integration test (TEST_DATABASE_URL not set)")
	}

	ctx := context.Background()
	db, err := sql.Open("pgx", url)
	require.NoError(t, err)
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		t.Skipf("skipping postgres integration test (database not available): %v", err)
	}
	_, err = migrations.Apply(ctx, db, migrations.Postgres)
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	defer pool.Close()

	suite.Run(t, &StoreSuite{open: func(t *testing.T) Store {
		_, err := pool.Exec(ctx, "TRUNCATE payout_accounts, transfers, exchange_orders RESTART IDENTITY CASCADE")
		require.NoError(t, err)
		return NewPostgresStore(pool)
	}})
}

func TestTransitionTable(t *testing.T) {
	require.True(t, IsValidTransition(TransferPending, TransferProcessing))
	require.True(t, IsValidTransition(TransferPending, TransferFailed))
	require.True(t, IsValidTransition(TransferProcessing, TransferCompleted))
	require.True(t, IsValidTransition(TransferProcessing, TransferFailed))

	require.False(t, IsValidTransition(TransferPending, TransferCompleted))
	require.False(t, IsValidTransition(TransferCompleted, TransferPending))
	require.False(t, IsValidTransition(TransferFailed, TransferProcessing))

	require.Equal(t, []string{"processing"}, predecessors(TransferCompleted))
	require.Empty(t, predecessors(TransferPending))
}
