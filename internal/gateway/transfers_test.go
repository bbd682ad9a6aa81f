package gateway

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/fundgate/internal/apierr"
	"github.com/example/fundgate/internal/ledger"
	"github.com/example/fundgate/internal/partner"
	"github.com/example/fundgate/internal/partner/bri"
)

func validInput() TransferInput {
	return TransferInput{
		SendingName:       "PT Sumber Dana",
		SendingAccount:    "0011223344",
		ReceivingName:     "Budi Santoso",
		ReceivingAccount:  "9988776655",
		Amount:            decimal.NewNullDecimal(decimal.RequireFromString("500000000")),
		SendingCurrency:   "IDR",
		ReceivingCurrency: "IDR",
		Description:       "invoice 42",
	}
}

func newTransferService(t *testing.T, p *fakeBRI) (*TransferService, *ledger.SQLStore, *recordingAuditor) {
	t.Helper()
	store := newStore(t)
	a := &recordingAuditor{}
	svc := NewTransferService(store, p, discardLogger(), a)
	return svc, store, a
}

func TestTransferInputValidateMessages(t *testing.T) {
	err := TransferInput{SendingCurrency: "idr"}.Validate()
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, apierr.Status(err))

	d := apierr.Describe(err)
	assert.Equal(t, "Validation failed", d.Message)
	assert.Equal(t, []string{
		"Sending name is required",
		"Sending account is required",
		"Receiving name is required",
		"Receiving account is required",
		"Valid amount is required",
		"Sending currency must be a 3-letter ISO code",
		"Receiving currency is required",
	}, d.Errors)

	in := validInput()
	in.Amount = decimal.NewNullDecimal(decimal.Zero)
	assert.Equal(t, []string{"Valid amount is required"}, apierr.Describe(in.Validate()).Errors)

	assert.NoError(t, validInput().Validate())
}

func TestInitiateTransferSuccess(t *testing.T) {
	p := &fakeBRI{receipt: bri.Receipt{Result: okResult(`{"reference_id":"BRI-778"}`), ExternalReference: "BRI-778"}}
	svc, _, a := newTransferService(t, p)
	svc.NewID = func() string { return "tr-1" }
	ctx := context.Background()

	res, err := svc.InitiateTransfer(ctx, validInput())
	require.NoError(t, err)
	assert.Equal(t, "tr-1", res.TransferRequestID)
	assert.Equal(t, ledger.TransferProcessing, res.Status)
	assert.Equal(t, "BRI-778", res.ExternalReference)

	require.Len(t, p.submitted, 1)
	assert.Equal(t, "tr-1", p.submitted[0].RequestID)
	assert.True(t, p.submitted[0].Amount.Equal(decimal.RequireFromString("500000000")))

	got, err := svc.GetTransfer(ctx, "tr-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.TransferProcessing, got.Status)
	assert.Equal(t, "BRI-778", got.ExternalReference)
	assert.JSONEq(t, `{"success":true,"status":200,"data":{"reference_id":"BRI-778"}}`, string(got.ExternalAPIResponse))
	assert.Equal(t, []string{"transfer_transition"}, a.Events())
}

func TestInitiateTransferPartnerFailure(t *testing.T) {
	p := &fakeBRI{receipt: bri.Receipt{Result: partner.Fail(bri.Name, partner.Kind4xx, 400, "HTTP 400: account closed")}}
	svc, _, _ := newTransferService(t, p)
	svc.NewID = func() string { return "tr-2" }
	ctx := context.Background()

	_, err := svc.InitiateTransfer(ctx, validInput())
	require.Error(t, err)
	assert.Equal(t, http.StatusInternalServerError, apierr.Status(err))
	d := apierr.Describe(err)
	assert.Equal(t, "External transfer failed", d.Message)
	assert.Equal(t, "HTTP 400: account closed", d.Error)

	got, err := svc.GetTransfer(ctx, "tr-2")
	require.NoError(t, err)
	assert.Equal(t, ledger.TransferFailed, got.Status)
	assert.Empty(t, got.ExternalReference)
}

func TestInitiateTransferRejectsInvalidInputWithoutCallingPartner(t *testing.T) {
	p := &fakeBRI{}
	svc, _, _ := newTransferService(t, p)

	_, err := svc.InitiateTransfer(context.Background(), TransferInput{})
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, apierr.Status(err))
	assert.Empty(t, p.submitted)

	list, err := svc.ListTransfers(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestConfirmFundCredit(t *testing.T) {
	ctx := context.Background()
	p := &fakeBRI{receipt: bri.Receipt{Result: okResult(`{}`), ExternalReference: "BRI-1"}}
	svc, store, _ := newTransferService(t, p)

	ids := []string{"tr-a", "tr-b", "tr-c"}
	next := 0
	svc.NewID = func() string { id := ids[next]; next++; return id }
	for range ids[:2] {
		_, err := svc.InitiateTransfer(ctx, validInput())
		require.NoError(t, err)
	}

	t.Run("unknown transfer", func(t *testing.T) {
		_, err := svc.ConfirmFundCredit(ctx, "missing", PayoutInput{SenderAccount: "s", PaymasterAccount: "p"})
		assert.Equal(t, http.StatusNotFound, apierr.Status(err))
		assert.Equal(t, "Transfer not found", apierr.Describe(err).Message)
	})

	t.Run("missing accounts", func(t *testing.T) {
		_, err := svc.ConfirmFundCredit(ctx, "tr-a", PayoutInput{SenderAccount: "s"})
		assert.Equal(t, http.StatusBadRequest, apierr.Status(err))
		assert.Equal(t, "Sender account and paymaster account are required", apierr.Describe(err).Message)
	})

	t.Run("unknown payout type", func(t *testing.T) {
		_, err := svc.ConfirmFundCredit(ctx, "tr-a", PayoutInput{SenderAccount: "s", PaymasterAccount: "p", PayoutType: "wire"})
		assert.Equal(t, http.StatusBadRequest, apierr.Status(err))
		assert.Equal(t, []string{"Payout type must be crypto or cash"}, apierr.Describe(err).Errors)
	})

	t.Run("crypto payout", func(t *testing.T) {
		c, err := svc.ConfirmFundCredit(ctx, "tr-a", PayoutInput{SenderAccount: "s", PaymasterAccount: "p", PayoutType: ledger.PayoutCrypto})
		require.NoError(t, err)
		assert.Equal(t, ledger.TransferCompleted, c.Transfer.Status)
		assert.Equal(t, "4-24 hours", c.PayoutTimeframe)
		assert.Equal(t, ledger.PayoutCrypto, c.Payout.PayoutType)
	})

	t.Run("already completed", func(t *testing.T) {
		_, err := svc.ConfirmFundCredit(ctx, "tr-a", PayoutInput{SenderAccount: "s", PaymasterAccount: "p"})
		assert.Equal(t, http.StatusConflict, apierr.Status(err))

		payouts, err := store.ListPayouts(ctx, "tr-a")
		require.NoError(t, err)
		assert.Len(t, payouts, 1)
	})

	t.Run("cash is the default", func(t *testing.T) {
		c, err := svc.ConfirmFundCredit(ctx, "tr-b", PayoutInput{SenderAccount: "s", PaymasterAccount: "p"})
		require.NoError(t, err)
		assert.Equal(t, "72 hours", c.PayoutTimeframe)
		assert.Equal(t, ledger.PayoutCash, c.Payout.PayoutType)
	})

	t.Run("failed transfer cannot complete", func(t *testing.T) {
		p.receipt = bri.Receipt{Result: partner.Fail(bri.Name, partner.Kind5xx, 502, "HTTP 502: upstream")}
		_, err := svc.InitiateTransfer(ctx, validInput())
		require.Error(t, err)

		_, err = svc.ConfirmFundCredit(ctx, "tr-c", PayoutInput{SenderAccount: "s", PaymasterAccount: "p"})
		assert.Equal(t, http.StatusConflict, apierr.Status(err))
	})
}

func TestPayoutTimeframe(t *testing.T) {
	assert.Equal(t, "4-24 hours", PayoutTimeframe(ledger.PayoutCrypto))
	assert.Equal(t, "72 hours", PayoutTimeframe(ledger.PayoutCash))
}

func TestExternalStatus(t *testing.T) {
	ctx := context.Background()
	p := &fakeBRI{
		receipt: bri.Receipt{Result: okResult(`{}`), ExternalReference: "BRI-9"},
		status:  okResult(`{"state":"SETTLED"}`),
	}
	svc, store, _ := newTransferService(t, p)
	svc.NewID = func() string { return "tr-x" }

	require.NoError(t, store.CreateTransfer(ctx, &ledger.Transfer{
		TransferRequestID: "tr-pending",
		SendingName:       "a", SendingAccount: "1", ReceivingName: "b", ReceivingAccount: "2",
		Amount: decimal.NewFromInt(10), SendingCurrency: "IDR", ReceivingCurrency: "IDR",
		Status: ledger.TransferPending,
	}))
	_, err := svc.ExternalStatus(ctx, "tr-pending")
	assert.Equal(t, http.StatusConflict, apierr.Status(err))

	_, err = svc.InitiateTransfer(ctx, validInput())
	require.NoError(t, err)
	st, err := svc.ExternalStatus(ctx, "tr-x")
	require.NoError(t, err)
	assert.Equal(t, ledger.TransferProcessing, st.Status)
	assert.JSONEq(t, `{"state":"SETTLED"}`, string(st.Partner))
}

func TestStaleTransfers(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTransferService(t, &fakeBRI{})

	now := time.Now().UTC()
	create := func(id string, at time.Time) {
		store.Now = func() time.Time { return at }
		require.NoError(t, store.CreateTransfer(ctx, &ledger.Transfer{
			TransferRequestID: id,
			SendingName:       "a", SendingAccount: "1", ReceivingName: "b", ReceivingAccount: "2",
			Amount: decimal.NewFromInt(10), SendingCurrency: "IDR", ReceivingCurrency: "IDR",
			Status: ledger.TransferPending,
		}))
	}
	create("old", now.Add(-3*time.Hour))
	create("fresh", now.Add(-5*time.Minute))
	store.Now = func() time.Time { return time.Now().UTC() }

	listed, err := svc.StaleTransfers(ctx, time.Hour, false)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "old", listed[0].TransferRequestID)

	failed, err := svc.StaleTransfers(ctx, time.Hour, true)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, ledger.TransferFailed, failed[0].Status)

	fresh, err := svc.GetTransfer(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, ledger.TransferPending, fresh.Status)
}

func TestListTransfersRejectsUnknownStatus(t *testing.T) {
	svc, _, _ := newTransferService(t, &fakeBRI{})
	_, err := svc.ListTransfers(context.Background(), "archived")
	assert.Equal(t, http.StatusBadRequest, apierr.Status(err))
}
