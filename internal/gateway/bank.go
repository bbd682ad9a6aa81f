package gateway

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/example/fundgate/internal/partner"
	"github.com/example/fundgate/internal/partner/bisonbank"
)

type BankPartner interface {
	Features() bisonbank.Features
	AccountBalance(ctx context.Context, accountID string) partner.Result
	AccountDetails(ctx context.Context, accountID string) partner.Result
	AccountTransactions(ctx context.Context, accountID string, f bisonbank.ListFilter) partner.Result
	DomesticTransfer(ctx context.Context, t bisonbank.DomesticTransfer) partner.Result
	InternationalTransfer(ctx context.Context, t bisonbank.InternationalTransfer) partner.Result
	TransferStatus(ctx context.Context, transferID string) partner.Result
	Transfers(ctx context.Context, f bisonbank.ListFilter) partner.Result
}

// BankService passes account and transfer calls through to Bison Bank.
// Nothing is persisted locally.
type BankService struct {
	Partner BankPartner
	Logger  *slog.Logger
	Audit   Auditor
}

func NewBankService(p BankPartner, logger *slog.Logger, a Auditor) *BankService {
	return &BankService{Partner: p, Logger: loggerOrDefault(logger), Audit: auditorOrNop(a)}
}

func (s *BankService) Features() bisonbank.Features {
	return s.Partner.Features()
}

func (s *BankService) AccountBalance(ctx context.Context, accountID string) (json.RawMessage, error) {
	return unwrap(s.Partner.AccountBalance(ctx, accountID), "Failed to get account balance")
}

func (s *BankService) AccountDetails(ctx context.Context, accountID string) (json.RawMessage, error) {
	return unwrap(s.Partner.AccountDetails(ctx, accountID), "Failed to get account details")
}

func (s *BankService) AccountTransactions(ctx context.Context, accountID string, f bisonbank.ListFilter) (json.RawMessage, error) {
	return unwrap(s.Partner.AccountTransactions(ctx, accountID, f), "Failed to get account transactions")
}

func (s *BankService) DomesticTransfer(ctx context.Context, t bisonbank.DomesticTransfer) (json.RawMessage, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	data, err := unwrap(s.Partner.DomesticTransfer(ctx, t), "Failed to create domestic transfer")
	if err == nil {
		s.Logger.Info("bank_transfer_created", "type", "domestic", "source_account", t.SourceAccount)
		s.Audit.Append("bank_transfer_created", map[string]any{"type": "domestic", "reference": t.Reference})
	}
	return data, err
}

func (s *BankService) InternationalTransfer(ctx context.Context, t bisonbank.InternationalTransfer) (json.RawMessage, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	data, err := unwrap(s.Partner.InternationalTransfer(ctx, t), "Failed to create international transfer")
	if err == nil {
		s.Logger.Info("bank_transfer_created", "type", "international", "source_account", t.SourceAccount)
		s.Audit.Append("bank_transfer_created", map[string]any{"type": "international", "reference": t.Reference})
	}
	return data, err
}

func (s *BankService) TransferStatus(ctx context.Context, transferID string) (json.RawMessage, error) {
	res := s.Partner.TransferStatus(ctx, transferID)
	if err := res.LookupErr("Transfer not found"); err != nil {
		return nil, err
	}
	return res.Data, nil
}

func (s *BankService) Transfers(ctx context.Context, f bisonbank.ListFilter) (json.RawMessage, error) {
	return unwrap(s.Partner.Transfers(ctx, f), "Failed to get transfer list")
}

func unwrap(res partner.Result, failMsg string) (json.RawMessage, error) {
	if err := res.ErrAs(failMsg); err != nil {
		return nil, err
	}
	return res.Data, nil
}
