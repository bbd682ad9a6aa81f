package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// SQLStore implements Store over database/sql with the sqlite3 driver.
// It backs local runs and tests.
type SQLStore struct {
	DB  *sql.DB
	Now func() time.Time
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{DB: db, Now: func() time.Time { return time.Now().UTC() }}
}

const sqlTransferColumns = `id, transfer_request_id, sending_name, sending_account, receiving_name,
	receiving_account, amount, sending_currency, receiving_currency, description, status,
	external_reference, COALESCE(external_api_response, ''), created_at, updated_at`

const sqlOrderColumns = `id, order_id, external_order_id, direction, chain_type, token_type, currency_type,
	pay_type, COALESCE(token_amount, ''), COALESCE(currency_amount, ''), COALESCE(exchange_price, ''),
	COALESCE(order_fee, ''), status, address_to, address_from, remark, cashier_url,
	COALESCE(callback_data, ''), created_at, updated_at`

func isSQLiteUnique(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func (s *SQLStore) CreateTransfer(ctx context.Context, t *Transfer) error {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if t.Status == "" {
		t.Status = TransferPending
	}
	now := s.Now()

	res, err := s.DB.ExecContext(queryCtx, `
		INSERT INTO transfers (
			transfer_request_id, sending_name, sending_account, receiving_name, receiving_account,
			amount, sending_currency, receiving_currency, description, status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.TransferRequestID, t.SendingName, t.SendingAccount, t.ReceivingName, t.ReceivingAccount,
		t.Amount.String(), t.SendingCurrency, t.ReceivingCurrency, t.Description, string(t.Status), now, now)
	if err != nil {
		if isSQLiteUnique(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert transfer: %w", err)
	}

	t.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read transfer id: %w", err)
	}
	t.CreatedAt, t.UpdatedAt = now, now
	return nil
}

func (s *SQLStore) GetTransfer(ctx context.Context, transferRequestID string) (*Transfer, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	t, err := scanTransfer(s.DB.QueryRowContext(queryCtx,
		"SELECT "+sqlTransferColumns+" FROM transfers WHERE transfer_request_id = ?", transferRequestID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get transfer: %w", err)
	}
	return t, nil
}

func (s *SQLStore) ListTransfers(ctx context.Context, filter TransferFilter) ([]Transfer, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if !filter.CreatedBefore.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, filter.CreatedBefore.UTC())
	}

	query := "SELECT " + sqlTransferColumns + " FROM transfers"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.DB.QueryContext(queryCtx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}
	defer rows.Close()

	var out []Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transfer: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *SQLStore) Transition(ctx context.Context, transferRequestID string, to TransferStatus, update TransitionUpdate) (*Transfer, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	from := predecessors(to)
	args := []any{string(to), update.ExternalReference, update.ExternalReference, nullableJSON(update.Response), s.Now(), transferRequestID}
	for _, st := range from {
		args = append(args, st)
	}

	res, err := s.DB.ExecContext(queryCtx, `
		UPDATE transfers SET
			status = ?,
			external_reference = CASE WHEN ? = '' THEN external_reference ELSE ? END,
			external_api_response = COALESCE(?, external_api_response),
			updated_at = ?
		WHERE transfer_request_id = ? AND status IN (`+placeholders(len(from))+`)
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update transfer status: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to update transfer status: %w", err)
	}
	if n == 0 {
		return nil, s.missedTransition(ctx, transferRequestID, to)
	}
	return s.GetTransfer(ctx, transferRequestID)
}

func (s *SQLStore) missedTransition(ctx context.Context, transferRequestID string, to TransferStatus) error {
	current, err := s.GetTransfer(ctx, transferRequestID)
	if err != nil {
		return err
	}
	return &InvalidTransitionError{TransferRequestID: transferRequestID, From: current.Status, To: to}
}

func (s *SQLStore) CompleteWithPayout(ctx context.Context, transferRequestID string, payout PayoutAccount) (*Transfer, *PayoutAccount, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := s.DB.BeginTx(queryCtx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.Now()
	from := predecessors(TransferCompleted)
	args := []any{string(TransferCompleted), now, transferRequestID}
	for _, st := range from {
		args = append(args, st)
	}

	res, err := tx.ExecContext(queryCtx, `
		UPDATE transfers SET status = ?, updated_at = ?
		WHERE transfer_request_id = ? AND status IN (`+placeholders(len(from))+`)
	`, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to complete transfer: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, nil, fmt.Errorf("failed to complete transfer: %w", err)
	} else if n == 0 {
		_ = tx.Rollback()
		return nil, nil, s.missedTransition(ctx, transferRequestID, TransferCompleted)
	}

	if err := tx.QueryRowContext(queryCtx, "SELECT id FROM transfers WHERE transfer_request_id = ?", transferRequestID).Scan(&payout.TransferID); err != nil {
		return nil, nil, fmt.Errorf("failed to read transfer id: %w", err)
	}
	if payout.Status == "" {
		payout.Status = "pending"
	}

	res, err = tx.ExecContext(queryCtx, `
		INSERT INTO payout_accounts (transfer_id, sender_account, paymaster_account, payout_type, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, payout.TransferID, payout.SenderAccount, payout.PaymasterAccount, string(payout.PayoutType), payout.Status, now)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to insert payout account: %w", err)
	}
	if payout.ID, err = res.LastInsertId(); err != nil {
		return nil, nil, fmt.Errorf("failed to read payout account id: %w", err)
	}
	payout.CreatedAt = now

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	t, err := s.GetTransfer(ctx, transferRequestID)
	if err != nil {
		return nil, nil, err
	}
	return t, &payout, nil
}

func (s *SQLStore) ListPayouts(ctx context.Context, transferRequestID string) ([]PayoutAccount, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.DB.QueryContext(queryCtx, `
		SELECT p.id, p.transfer_id, p.sender_account, p.paymaster_account, p.payout_type, p.status, p.created_at
		FROM payout_accounts p
		JOIN transfers t ON t.id = p.transfer_id
		WHERE t.transfer_request_id = ?
		ORDER BY p.id
	`, transferRequestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payout accounts: %w", err)
	}
	defer rows.Close()

	var out []PayoutAccount
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payout account: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *SQLStore) RecordOrder(ctx context.Context, o *ExchangeOrder) (*ExchangeOrder, error) {
	err := s.upsert(ctx, o.OrderID, o.ExternalOrderID, func(queryCtx context.Context, tx *sql.Tx, id int64, found bool) error {
		now := s.Now()
		if !found {
			status := o.Status
			if status == "" {
				status = OrderPending
			}
			_, err := tx.ExecContext(queryCtx, `
				INSERT INTO exchange_orders (
					order_id, external_order_id, direction, chain_type, token_type, currency_type, pay_type,
					token_amount, currency_amount, exchange_price, order_fee, status,
					address_to, address_from, remark, cashier_url, created_at, updated_at
				) VALUES (`+placeholders(18)+`)
			`, o.OrderID, o.ExternalOrderID, string(o.Direction), o.ChainType, o.TokenType, o.CurrencyType, o.PayType,
				nullableDecimal(o.TokenAmount), nullableDecimal(o.CurrencyAmount), nullableDecimal(o.ExchangePrice), nullableDecimal(o.OrderFee),
				string(status), o.AddressTo, o.AddressFrom, o.Remark, o.CashierURL, now, now)
			if err != nil {
				return fmt.Errorf("failed to insert exchange order: %w", err)
			}
			return nil
		}

		_, err := tx.ExecContext(queryCtx, `
			UPDATE exchange_orders SET
				direction = ?, chain_type = ?, token_type = ?, currency_type = ?, pay_type = ?,
				token_amount = COALESCE(?, token_amount),
				currency_amount = COALESCE(?, currency_amount),
				exchange_price = COALESCE(?, exchange_price),
				order_fee = COALESCE(?, order_fee),
				address_to = ?, address_from = ?, remark = ?,
				cashier_url = CASE WHEN ? = '' THEN cashier_url ELSE ? END,
				updated_at = ?
			WHERE id = ?
		`, string(o.Direction), o.ChainType, o.TokenType, o.CurrencyType, o.PayType,
			nullableDecimal(o.TokenAmount), nullableDecimal(o.CurrencyAmount), nullableDecimal(o.ExchangePrice), nullableDecimal(o.OrderFee),
			o.AddressTo, o.AddressFrom, o.Remark, o.CashierURL, o.CashierURL, now, id)
		if err != nil {
			return fmt.Errorf("failed to update exchange order: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.findOrder(ctx, o.OrderID, o.ExternalOrderID)
}

func (s *SQLStore) ApplyCallback(ctx context.Context, u CallbackUpdate) (*ExchangeOrder, bool, error) {
	var created bool
	err := s.upsert(ctx, u.OrderID, u.ExternalOrderID, func(queryCtx context.Context, tx *sql.Tx, id int64, found bool) error {
		now := s.Now()
		created = !found
		if !found {
			status := u.Status
			if status == "" {
				status = OrderPending
			}
			_, err := tx.ExecContext(queryCtx, `
				INSERT INTO exchange_orders (order_id, external_order_id, status, callback_data, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?)
			`, u.OrderID, u.ExternalOrderID, string(status), nullableJSON(u.Payload), now, now)
			if err != nil {
				return fmt.Errorf("failed to insert exchange order: %w", err)
			}
			return nil
		}

		_, err := tx.ExecContext(queryCtx, `
			UPDATE exchange_orders SET
				status = COALESCE(NULLIF(?, ''), status),
				callback_data = ?,
				updated_at = ?
			WHERE id = ?
		`, string(u.Status), nullableJSON(u.Payload), now, id)
		if err != nil {
			return fmt.Errorf("failed to update exchange order: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	o, err := s.findOrder(ctx, u.OrderID, u.ExternalOrderID)
	if err != nil {
		return nil, false, err
	}
	return o, created, nil
}

// upsert looks up the order matching either id inside a transaction and
// hands the result to apply. A unique race on insert is retried once.
func (s *SQLStore) upsert(ctx context.Context, orderID, externalOrderID string, apply func(context.Context, *sql.Tx, int64, bool) error) error {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		err = s.upsertOnce(ctx, orderID, externalOrderID, apply)
		if err == nil || !isSQLiteUnique(err) {
			return err
		}
	}
	return err
}

func (s *SQLStore) upsertOnce(ctx context.Context, orderID, externalOrderID string, apply func(context.Context, *sql.Tx, int64, bool) error) error {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := s.DB.BeginTx(queryCtx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(queryCtx, `
		SELECT id FROM exchange_orders
		WHERE order_id = ? OR external_order_id = ?
		ORDER BY id LIMIT 1
	`, orderID, externalOrderID).Scan(&id)
	found := true
	if errors.Is(err, sql.ErrNoRows) {
		found = false
	} else if err != nil {
		return fmt.Errorf("failed to look up exchange order: %w", err)
	}

	if err := apply(queryCtx, tx, id, found); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLStore) GetOrder(ctx context.Context, id string) (*ExchangeOrder, error) {
	return s.findOrder(ctx, id, id)
}

func (s *SQLStore) findOrder(ctx context.Context, orderID, externalOrderID string) (*ExchangeOrder, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	o, err := scanOrder(s.DB.QueryRowContext(queryCtx,
		"SELECT "+sqlOrderColumns+" FROM exchange_orders WHERE order_id = ? OR external_order_id = ? ORDER BY id LIMIT 1",
		orderID, externalOrderID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get exchange order: %w", err)
	}
	return o, nil
}

func (s *SQLStore) ListOrders(ctx context.Context, filter OrderFilter) ([]ExchangeOrder, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := "SELECT " + sqlOrderColumns + " FROM exchange_orders"
	var args []any
	if filter.Status != "" {
		query += " WHERE status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.DB.QueryContext(queryCtx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list exchange orders: %w", err)
	}
	defer rows.Close()

	var out []ExchangeOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan exchange order: %w", err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}
