package credentials

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PgxQuerier is the subset of *pgxpool.Pool the store needs.
type PgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresStore struct {
	DB PgxQuerier
}

func (s *PostgresStore) Insert(ctx context.Context, rec Record) error {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := s.DB.Exec(queryCtx, `
		INSERT INTO api_credentials (username, institution_name, key_id, secret_hash, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, rec.Username, rec.InstitutionName, rec.KeyID, rec.SecretHash, rec.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert credential: %w", err)
	}
	return nil
}

func (s *PostgresStore) UsernameExists(ctx context.Context, username string) (bool, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var exists bool
	err := s.DB.QueryRow(queryCtx, `SELECT EXISTS (SELECT 1 FROM api_credentials WHERE username = $1)`, username).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check username: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) FindByKeyID(ctx context.Context, keyID string) (*Record, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var rec Record
	err := s.DB.QueryRow(queryCtx, `
		SELECT username, institution_name, key_id, secret_hash, created_at
		FROM api_credentials WHERE key_id = $1
	`, keyID).Scan(&rec.Username, &rec.InstitutionName, &rec.KeyID, &rec.SecretHash, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query credential: %w", err)
	}
	return &rec, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]Record, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.DB.Query(queryCtx, `
		SELECT username, institution_name, key_id, secret_hash, created_at
		FROM api_credentials ORDER BY created_at DESC, id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Username, &rec.InstitutionName, &rec.KeyID, &rec.SecretHash, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
