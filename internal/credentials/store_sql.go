package credentials

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// SQLStore keeps credentials in a database/sql database using ?
// placeholders. It backs local sqlite3 runs.
type SQLStore struct {
	DB *sql.DB
}

func (s *SQLStore) Insert(ctx context.Context, rec Record) error {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := s.DB.ExecContext(queryCtx, `
		INSERT INTO api_credentials (username, institution_name, key_id, secret_hash, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, rec.Username, rec.InstitutionName, rec.KeyID, rec.SecretHash, rec.CreatedAt)
	if err != nil {
		var se sqlite3.Error
		if errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert credential: %w", err)
	}
	return nil
}

func (s *SQLStore) UsernameExists(ctx context.Context, username string) (bool, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var n int
	if err := s.DB.QueryRowContext(queryCtx, `SELECT COUNT(1) FROM api_credentials WHERE username = ?`, username).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check username: %w", err)
	}
	return n > 0, nil
}

func (s *SQLStore) FindByKeyID(ctx context.Context, keyID string) (*Record, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var rec Record
	err := s.DB.QueryRowContext(queryCtx, `
		SELECT username, institution_name, key_id, secret_hash, created_at
		FROM api_credentials WHERE key_id = ?
	`, keyID).Scan(&rec.Username, &rec.InstitutionName, &rec.KeyID, &rec.SecretHash, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query credential: %w", err)
	}
	return &rec, nil
}

func (s *SQLStore) List(ctx context.Context) ([]Record, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.DB.QueryContext(queryCtx, `
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
