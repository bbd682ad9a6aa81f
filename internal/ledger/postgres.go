package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PgxDB is the subset of *pgxpool.Pool the store needs.
type PgxDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// PostgresStore is the Postgres implementation of Store.
type PostgresStore struct {
	DB  PgxDB
	Now func() time.Time
}

func NewPostgresStore(db PgxDB) *PostgresStore {
	return &PostgresStore{DB: db, Now: func() time.Time { return time.Now().UTC() }}
}

const pgTransferColumns = `id, transfer_request_id, sending_name, sending_account, receiving_name,
	receiving_account, amount::text, sending_currency, receiving_currency, description, status,
	external_reference, COALESCE(external_api_response::text, ''), created_at, updated_at`

const pgOrderColumns = `id, order_id, external_order_id, direction, chain_type, token_type, currency_type,
	pay_type, COALESCE(token_amount::text, ''), COALESCE(currency_amount::text, ''),
	COALESCE(exchange_price::text, ''), COALESCE(order_fee::text, ''), status, address_to, address_from,
	remark, cashier_url, COALESCE(callback_data::text, ''), created_at, updated_at`

const pgPayoutColumns = `p.id, p.transfer_id, p.sender_account, p.paymaster_account, p.payout_type, p.status, p.created_at`

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// CreateTransfer inserts t. A zero status is stored as pending.
func (s *PostgresStore) CreateTransfer(ctx context.Context, t *Transfer) error {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if t.Status == "" {
		t.Status = TransferPending
	}
	now := s.Now()

	err := s.DB.QueryRow(queryCtx, `
		INSERT INTO transfers (
			transfer_request_id, sending_name, sending_account, receiving_name, receiving_account,
			amount, sending_currency, receiving_currency, description, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6::text::numeric, $7, $8, $9, $10, $11, $11)
		RETURNING id
	`, t.TransferRequestID, t.SendingName, t.SendingAccount, t.ReceivingName, t.ReceivingAccount,
		t.Amount.String(), t.SendingCurrency, t.ReceivingCurrency, t.Description, string(t.Status), now,
	).Scan(&t.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert transfer: %w", err)
	}

	t.CreatedAt, t.UpdatedAt = now, now
	return nil
}

func (s *PostgresStore) GetTransfer(ctx context.Context, transferRequestID string) (*Transfer, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	t, err := scanTransfer(s.DB.QueryRow(queryCtx,
		"SELECT "+pgTransferColumns+" FROM transfers WHERE transfer_request_id = $1", transferRequestID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get transfer: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) ListTransfers(ctx context.Context, filter TransferFilter) ([]Transfer, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if !filter.CreatedBefore.IsZero() {
		args = append(args, filter.CreatedBefore)
		where = append(where, fmt.Sprintf("created_at < $%d", len(args)))
	}

	query := "SELECT " + pgTransferColumns + " FROM transfers"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.DB.Query(queryCtx, query, args...)
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
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}
	return out, nil
}

// Transition moves a transfer to status to with a single conditional
// UPDATE. Concurrent writers race on the row and the last one wins.
func (s *PostgresStore) Transition(ctx context.Context, transferRequestID string, to TransferStatus, update TransitionUpdate) (*Transfer, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tag, err := s.DB.Exec(queryCtx, `
		UPDATE transfers SET
			status = $1,
			external_reference = CASE WHEN $2::text = '' THEN external_reference ELSE $2::text END,
			external_api_response = COALESCE($3::text::jsonb, external_api_response),
			updated_at = $4
		WHERE transfer_request_id = $5 AND status = ANY($6)
	`, string(to), update.ExternalReference, nullableJSON(update.Response), s.Now(), transferRequestID, predecessors(to))
	if err != nil {
		return nil, fmt.Errorf("failed to update transfer status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, s.missedTransition(ctx, transferRequestID, to)
	}
	return s.GetTransfer(ctx, transferRequestID)
}

func (s *PostgresStore) missedTransition(ctx context.Context, transferRequestID string, to TransferStatus) error {
	current, err := s.GetTransfer(ctx, transferRequestID)
	if err != nil {
		return err
	}
	return &InvalidTransitionError{TransferRequestID: transferRequestID, From: current.Status, To: to}
}

// CompleteWithPayout marks a processing transfer completed and records its
// payout leg in one transaction.
func (s *PostgresStore) CompleteWithPayout(ctx context.Context, transferRequestID string, payout PayoutAccount) (*Transfer, *PayoutAccount, error) {
	var missed bool
	now := s.Now()

	err := s.inTx(ctx, pgx.ReadCommitted, func(queryCtx context.Context, tx pgx.Tx) error {
		missed = false

		var transferPK int64
		err := tx.QueryRow(queryCtx, `
			UPDATE transfers SET status = $1, updated_at = $2
			WHERE transfer_request_id = $3 AND status = ANY($4)
			RETURNING id
		`, string(TransferCompleted), now, transferRequestID, predecessors(TransferCompleted)).Scan(&transferPK)
		if errors.Is(err, pgx.ErrNoRows) {
			missed = true
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to complete transfer: %w", err)
		}

		payout.TransferID = transferPK
		if payout.Status == "" {
			payout.Status = "pending"
		}
		err = tx.QueryRow(queryCtx, `
			INSERT INTO payout_accounts (transfer_id, sender_account, paymaster_account, payout_type, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id
		`, transferPK, payout.SenderAccount, payout.PaymasterAccount, string(payout.PayoutType), payout.Status, now).Scan(&payout.ID)
		if err != nil {
			return fmt.Errorf("failed to insert payout account: %w", err)
		}
		payout.CreatedAt = now
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	if missed {
		return nil, nil, s.missedTransition(ctx, transferRequestID, TransferCompleted)
	}

	t, err := s.GetTransfer(ctx, transferRequestID)
	if err != nil {
		return nil, nil, err
	}
	return t, &payout, nil
}

func (s *PostgresStore) ListPayouts(ctx context.Context, transferRequestID string) ([]PayoutAccount, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.DB.Query(queryCtx, `
		SELECT `+pgPayoutColumns+`
		FROM payout_accounts p
		JOIN transfers t ON t.id = p.transfer_id
		WHERE t.transfer_request_id = $1
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

// RecordOrder stores an order returned by the exchange at creation time.
// When a callback already created the row only the descriptive fields are
// filled in; status and callback data stay as the callback left them.
func (s *PostgresStore) RecordOrder(ctx context.Context, o *ExchangeOrder) (*ExchangeOrder, error) {
	now := s.Now()

	err := s.inTx(ctx, pgx.Serializable, func(queryCtx context.Context, tx pgx.Tx) error {
		var id int64
		err := tx.QueryRow(queryCtx, `
			SELECT id FROM exchange_orders
			WHERE order_id = $1 OR external_order_id = $2
			ORDER BY id LIMIT 1 FOR UPDATE
		`, o.OrderID, o.ExternalOrderID).Scan(&id)

		switch {
		case errors.Is(err, pgx.ErrNoRows):
			status := o.Status
			if status == "" {
				status = OrderPending
			}
			_, err = tx.Exec(queryCtx, `
				INSERT INTO exchange_orders (
					order_id, external_order_id, direction, chain_type, token_type, currency_type, pay_type,
					token_amount, currency_amount, exchange_price, order_fee, status,
					address_to, address_from, remark, cashier_url, created_at, updated_at
				) VALUES (
					$1, $2, $3, $4, $5, $6, $7,
					$8::text::numeric, $9::text::numeric, $10::text::numeric, $11::text::numeric, $12,
					$13, $14, $15, $16, $17, $17
				)
			`, o.OrderID, o.ExternalOrderID, string(o.Direction), o.ChainType, o.TokenType, o.CurrencyType, o.PayType,
				nullableDecimal(o.TokenAmount), nullableDecimal(o.CurrencyAmount), nullableDecimal(o.ExchangePrice), nullableDecimal(o.OrderFee),
				string(status), o.AddressTo, o.AddressFrom, o.Remark, o.CashierURL, now)
			if err != nil {
				return fmt.Errorf("failed to insert exchange order: %w", err)
			}
			return nil
		case err != nil:
			return fmt.Errorf("failed to look up exchange order: %w", err)
		}

		_, err = tx.Exec(queryCtx, `
			UPDATE exchange_orders SET
				direction = $1, chain_type = $2, token_type = $3, currency_type = $4, pay_type = $5,
				token_amount = COALESCE($6::text::numeric, token_amount),
				currency_amount = COALESCE($7::text::numeric, currency_amount),
				exchange_price = COALESCE($8::text::numeric, exchange_price),
				order_fee = COALESCE($9::text::numeric, order_fee),
				address_to = $10, address_from = $11, remark = $12,
				cashier_url = CASE WHEN $13::text = '' THEN cashier_url ELSE $13::text END,
				updated_at = $14
			WHERE id = $15
		`, string(o.Direction), o.ChainType, o.TokenType, o.CurrencyType, o.PayType,
			nullableDecimal(o.TokenAmount), nullableDecimal(o.CurrencyAmount), nullableDecimal(o.ExchangePrice), nullableDecimal(o.OrderFee),
			o.AddressTo, o.AddressFrom, o.Remark, o.CashierURL, now, id)
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

// ApplyCallback folds a status push into the order matching either id,
// creating the order when none exists. The bool reports creation.
func (s *PostgresStore) ApplyCallback(ctx context.Context, u CallbackUpdate) (*ExchangeOrder, bool, error) {
	var created bool
	now := s.Now()

	err := s.inTx(ctx, pgx.Serializable, func(queryCtx context.Context, tx pgx.Tx) error {
		created = false

		var id int64
		err := tx.QueryRow(queryCtx, `
			SELECT id FROM exchange_orders
			WHERE order_id = $1 OR external_order_id = $2
			ORDER BY id LIMIT 1 FOR UPDATE
		`, u.OrderID, u.ExternalOrderID).Scan(&id)

		switch {
		case errors.Is(err, pgx.ErrNoRows):
			status := u.Status
			if status == "" {
				status = OrderPending
			}
			_, err = tx.Exec(queryCtx, `
				INSERT INTO exchange_orders (order_id, external_order_id, status, callback_data, created_at, updated_at)
				VALUES ($1, $2, $3, $4::text::jsonb, $5, $5)
			`, u.OrderID, u.ExternalOrderID, string(status), nullableJSON(u.Payload), now)
			if err != nil {
				return fmt.Errorf("failed to insert exchange order: %w", err)
			}
			created = true
			return nil
		case err != nil:
			return fmt.Errorf("failed to look up exchange order: %w", err)
		}

		_, err = tx.Exec(queryCtx, `
			UPDATE exchange_orders SET
				status = COALESCE(NULLIF($1::text, ''), status),
				callback_data = $2::text::jsonb,
				updated_at = $3
			WHERE id = $4
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

// GetOrder finds an order by either its partner or external id.
func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*ExchangeOrder, error) {
	return s.findOrder(ctx, id, id)
}

func (s *PostgresStore) findOrder(ctx context.Context, orderID, externalOrderID string) (*ExchangeOrder, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	o, err := scanOrder(s.DB.QueryRow(queryCtx,
		"SELECT "+pgOrderColumns+" FROM exchange_orders WHERE order_id = $1 OR external_order_id = $2 ORDER BY id LIMIT 1",
		orderID, externalOrderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get exchange order: %w", err)
	}
	return o, nil
}

func (s *PostgresStore) ListOrders(ctx context.Context, filter OrderFilter) ([]ExchangeOrder, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := "SELECT " + pgOrderColumns + " FROM exchange_orders"
	var args []any
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += " WHERE status = $1"
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.DB.Query(queryCtx, query, args...)
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

// inTx runs fn in a transaction, retrying serialization failures and
// unique races between concurrent upserts.
func (s *PostgresStore) inTx(ctx context.Context, iso pgx.TxIsoLevel, fn func(context.Context, pgx.Tx) error) error {
	const maxRetries = 3

	for attempt := 0; ; attempt++ {
		err := s.runTx(ctx, iso, fn)
		if err == nil {
			return nil
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "23505") {
			if attempt == maxRetries-1 {
				return fmt.Errorf("failed after %d retries due to concurrent update: %w", maxRetries, err)
			}
			time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
			continue
		}
		return err
	}
}

func (s *PostgresStore) runTx(ctx context.Context, iso pgx.TxIsoLevel, fn func(context.Context, pgx.Tx) error) error {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := s.DB.BeginTx(queryCtx, pgx.TxOptions{IsoLevel: iso, AccessMode: pgx.ReadWrite})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(queryCtx)

	if err := fn(queryCtx, tx); err != nil {
		return err
	}
	if err := tx.Commit(queryCtx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
