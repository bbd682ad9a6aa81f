package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/fundgate/internal/apierr"
	"github.com/example/fundgate/internal/ledger"
	"github.com/example/fundgate/internal/partner"
	"github.com/example/fundgate/internal/partner/bri"
)

var isoCurrency = regexp.MustCompile(`^[A-Z]{3}$`)

// TransferPartner is the bank that executes outbound transfers.
type TransferPartner interface {
	SubmitTransfer(ctx context.Context, t bri.Transfer) bri.Receipt
	TransferStatus(ctx context.Context, externalReference string) partner.Result
}

type TransferInput struct {
	SendingName        string              `json:"sending_name"`
	SendingAccount     string              `json:"sending_account"`
	ReceivingName      string              `json:"receiving_name"`
	ReceivingAccount   string              `json:"receiving_account"`
	Amount             decimal.NullDecimal `json:"amount"`
	SendingCurrency    string              `json:"sending_currency"`
	ReceivingCurrency  string              `json:"receiving_currency"`
	Description        string              `json:"description"`
	SendingInstitution string              `json:"sending_institution"`
}

// Validate reports every problem at once, one message per field.
func (in TransferInput) Validate() error {
	var fields []goerrors.FieldError
	add := func(field, msg string) {
		fields = append(fields, goerrors.FieldError{Field: field, Message: msg})
	}

	if strings.TrimSpace(in.SendingName) == "" {
		add("sending_name", "Sending name is required")
	}
	if strings.TrimSpace(in.SendingAccount) == "" {
		add("sending_account", "Sending account is required")
	}
	if strings.TrimSpace(in.ReceivingName) == "" {
		add("receiving_name", "Receiving name is required")
	}
	if strings.TrimSpace(in.ReceivingAccount) == "" {
		add("receiving_account", "Receiving account is required")
	}
	if !in.Amount.Valid || !in.Amount.Decimal.IsPositive() {
		add("amount", "Valid amount is required")
	}
	switch {
	case in.SendingCurrency == "":
		add("sending_currency", "Sending currency is required")
	case !isoCurrency.MatchString(in.SendingCurrency):
		add("sending_currency", "Sending currency must be a 3-letter ISO code")
	}
	switch {
	case in.ReceivingCurrency == "":
		add("receiving_currency", "Receiving currency is required")
	case !isoCurrency.MatchString(in.ReceivingCurrency):
		add("receiving_currency", "Receiving currency must be a 3-letter ISO code")
	}

	if len(fields) > 0 {
		return apierr.Validation("Validation failed", fields...)
	}
	return nil
}

type InitiateResult struct {
	TransferRequestID string                `json:"transfer_request_id"`
	Status            ledger.TransferStatus `json:"status"`
	ExternalReference string                `json:"external_reference"`
}

type PayoutInput struct {
	SenderAccount    string            `json:"sender_account"`
	PaymasterAccount string            `json:"paymaster_account"`
	PayoutType       ledger.PayoutType `json:"payout_type"`
}

type Confirmation struct {
	Transfer        *ledger.Transfer      `json:"transfer"`
	Payout          *ledger.PayoutAccount `json:"payout"`
	PayoutTimeframe string                `json:"-"`
}

// PayoutTimeframe is the settlement window quoted to the caller.
func PayoutTimeframe(t ledger.PayoutType) string {
	if t == ledger.PayoutCrypto {
		return "4-24 hours"
	}
	return "72 hours"
}

type ExternalStatus struct {
	TransferRequestID string                `json:"transfer_request_id"`
	Status            ledger.TransferStatus `json:"status"`
	ExternalReference string                `json:"external_reference"`
	Partner           json.RawMessage       `json:"partner_status"`
}

type TransferService struct {
	Store   ledger.TransferStore
	Partner TransferPartner
	Logger  *slog.Logger
	Audit   Auditor
	NewID   func() string
	Now     func() time.Time
}

func NewTransferService(store ledger.TransferStore, p TransferPartner, logger *slog.Logger, a Auditor) *TransferService {
	return &TransferService{
		Store:   store,
		Partner: p,
		Logger:  loggerOrDefault(logger),
		Audit:   auditorOrNop(a),
		NewID:   uuid.NewString,
		Now:     time.Now,
	}
}

// InitiateTransfer records a pending transfer, submits it to the bank and
// moves it to processing or failed depending on the bank's answer.
func (s *TransferService) InitiateTransfer(ctx context.Context, in TransferInput) (*InitiateResult, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	t := &ledger.Transfer{
		TransferRequestID: s.NewID(),
		SendingName:       in.SendingName,
		SendingAccount:    in.SendingAccount,
		ReceivingName:     in.ReceivingName,
		ReceivingAccount:  in.ReceivingAccount,
		Amount:            in.Amount.Decimal,
		SendingCurrency:   in.SendingCurrency,
		ReceivingCurrency: in.ReceivingCurrency,
		Description:       in.Description,
		Status:            ledger.TransferPending,
	}
	if err := s.Store.CreateTransfer(ctx, t); err != nil {
		return nil, apierr.Internal(err, "failed to record transfer")
	}

	receipt := s.Partner.SubmitTransfer(ctx, bri.Transfer{
		RequestID:          t.TransferRequestID,
		SendingName:        t.SendingName,
		SendingAccount:     t.SendingAccount,
		ReceivingName:      t.ReceivingName,
		ReceivingAccount:   t.ReceivingAccount,
		Amount:             t.Amount,
		SendingCurrency:    t.SendingCurrency,
		ReceivingCurrency:  t.ReceivingCurrency,
		Description:        t.Description,
		SendingInstitution: in.SendingInstitution,
	})

	if !receipt.Result.Success {
		if _, err := s.transition(ctx, t.TransferRequestID, ledger.TransferFailed, ledger.TransitionUpdate{Response: receipt.Result.JSON()}); err != nil {
			return nil, err
		}
		s.Logger.Error("transfer_failed",
			"transfer_request_id", t.TransferRequestID,
			"kind", receipt.Result.Kind,
			"status", receipt.Result.Status,
			"error", receipt.Result.Error,
		)
		return nil, receipt.Result.ErrAs("External transfer failed")
	}

	if _, err := s.transition(ctx, t.TransferRequestID, ledger.TransferProcessing, ledger.TransitionUpdate{
		ExternalReference: receipt.ExternalReference,
		Response:          receipt.Result.JSON(),
	}); err != nil {
		return nil, err
	}
	s.Logger.Info("transfer_initiated",
		"transfer_request_id", t.TransferRequestID,
		"external_reference", receipt.ExternalReference,
	)

	return &InitiateResult{
		TransferRequestID: t.TransferRequestID,
		Status:            ledger.TransferProcessing,
		ExternalReference: receipt.ExternalReference,
	}, nil
}

func (s *TransferService) transition(ctx context.Context, id string, to ledger.TransferStatus, u ledger.TransitionUpdate) (*ledger.Transfer, error) {
	t, err := s.Store.Transition(ctx, id, to, u)
	if err != nil {
		return nil, transferError(err)
	}
	s.Audit.Append("transfer_transition", map[string]any{
		"transfer_request_id": id,
		"to":                  string(to),
		"external_reference":  u.ExternalReference,
	})
	return t, nil
}

func (s *TransferService) GetTransfer(ctx context.Context, id string) (*ledger.Transfer, error) {
	t, err := s.Store.GetTransfer(ctx, id)
	if err != nil {
		return nil, transferError(err)
	}
	return t, nil
}

// ListTransfers returns transfers newest first, optionally by status.
func (s *TransferService) ListTransfers(ctx context.Context, status string) ([]ledger.Transfer, error) {
	st := ledger.TransferStatus(status)
	if status != "" && !st.Valid() {
		return nil, apierr.Validation("Validation failed", goerrors.FieldError{Field: "status", Message: "Invalid status filter"})
	}
	ts, err := s.Store.ListTransfers(ctx, ledger.TransferFilter{Status: st})
	if err != nil {
		return nil, apierr.Internal(err, "failed to list transfers")
	}
	if ts == nil {
		ts = []ledger.Transfer{}
	}
	return ts, nil
}

// ConfirmFundCredit completes a processing transfer and records its
// payout leg in one transaction.
func (s *TransferService) ConfirmFundCredit(ctx context.Context, id string, in PayoutInput) (*Confirmation, error) {
	if _, err := s.GetTransfer(ctx, id); err != nil {
		return nil, err
	}

	if strings.TrimSpace(in.SenderAccount) == "" || strings.TrimSpace(in.PaymasterAccount) == "" {
		return nil, apierr.BadInput("Sender account and paymaster account are required")
	}
	if in.PayoutType == "" {
		in.PayoutType = ledger.PayoutCash
	}
	if in.PayoutType != ledger.PayoutCash && in.PayoutType != ledger.PayoutCrypto {
		return nil, apierr.Validation("Validation failed", goerrors.FieldError{Field: "payout_type", Message: "Payout type must be crypto or cash"})
	}

	t, p, err := s.Store.CompleteWithPayout(ctx, id, ledger.PayoutAccount{
		SenderAccount:    in.SenderAccount,
		PaymasterAccount: in.PaymasterAccount,
		PayoutType:       in.PayoutType,
	})
	if err != nil {
		return nil, transferError(err)
	}

	s.Logger.Info("fund_credit_confirmed", "transfer_request_id", id, "payout_type", in.PayoutType)
	s.Audit.Append("fund_credit_confirmed", map[string]any{
		"transfer_request_id": id,
		"payout_id":           p.ID,
		"payout_type":         string(p.PayoutType),
	})
	return &Confirmation{Transfer: t, Payout: p, PayoutTimeframe: PayoutTimeframe(in.PayoutType)}, nil
}

// ExternalStatus asks the bank about a submitted transfer. The local
// status is left alone.
func (s *TransferService) ExternalStatus(ctx context.Context, id string) (*ExternalStatus, error) {
	t, err := s.GetTransfer(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.ExternalReference == "" {
		return nil, apierr.Conflict("Transfer has no external reference", map[string]any{"status": string(t.Status)})
	}

	res := s.Partner.TransferStatus(ctx, t.ExternalReference)
	if err := res.ErrAs("Failed to get external transfer status"); err != nil {
		return nil, err
	}
	return &ExternalStatus{
		TransferRequestID: t.TransferRequestID,
		Status:            t.Status,
		ExternalReference: t.ExternalReference,
		Partner:           res.Data,
	}, nil
}

// StaleTransfers lists pending transfers created more than olderThan ago.
// With fail set each one is moved to failed; transfers that moved on in
// the meantime are skipped.
func (s *TransferService) StaleTransfers(ctx context.Context, olderThan time.Duration, fail bool) ([]ledger.Transfer, error) {
	stale, err := s.Store.ListTransfers(ctx, ledger.TransferFilter{
		Status:        ledger.TransferPending,
		CreatedBefore: s.Now().Add(-olderThan),
	})
	if err != nil {
		return nil, apierr.Internal(err, "failed to list stale transfers")
	}
	if !fail {
		return stale, nil
	}

	var failed []ledger.Transfer
	for _, t := range stale {
		updated, err := s.transition(ctx, t.TransferRequestID, ledger.TransferFailed, ledger.TransitionUpdate{})
		if err != nil {
			if apierr.Is(err, goerrors.CategoryConflict) {
				continue
			}
			return failed, err
		}
		s.Logger.Warn("stale_transfer_failed", "transfer_request_id", t.TransferRequestID, "created_at", t.CreatedAt)
		failed = append(failed, *updated)
	}
	return failed, nil
}

func transferError(err error) error {
	var ite *ledger.InvalidTransitionError
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return apierr.NotFound("Transfer not found")
	case errors.As(err, &ite):
		return apierr.Conflict("Transfer cannot move from "+string(ite.From)+" to "+string(ite.To), map[string]any{
			"transfer_request_id": ite.TransferRequestID,
			"from":                string(ite.From),
			"to":                  string(ite.To),
		})
	default:
		return apierr.Internal(err, "failed to update transfer")
	}
}
