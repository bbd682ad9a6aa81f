// Package credentials issues and resolves the opaque API keys callers
// present in the x-api-key header.
package credentials

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/example/fundgate/internal/apierr"
)

var (
	ErrNotFound  = errors.New("credentials: not found")
	ErrDuplicate = errors.New("credentials: duplicate")
)

const (
	keyPrefix    = "fgk_"
	keyIDBytes   = 16
	secretBytes  = 32
	queryTimeout = 5 * time.Second
)

// Record is the stored form of a credential. The secret is kept only as a
// bcrypt hash.
type Record struct {
	Username        string
	InstitutionName string
	KeyID           string
	SecretHash      string
	CreatedAt       time.Time
}

// Credential is the caller identity attached to a resolved request. APIKey
// is only set on the value returned by Issue.
type Credential struct {
	Username        string    `json:"username"`
	InstitutionName string    `json:"institution_name"`
	APIKey          string    `json:"api_key,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

type Store interface {
	Insert(ctx context.Context, rec Record) error
	UsernameExists(ctx context.Context, username string) (bool, error)
	FindByKeyID(ctx context.Context, keyID string) (*Record, error)
	List(ctx context.Context) ([]Record, error)
}

type Service struct {
	Store Store
	Cost  int
	Now   func() time.Time
}

func NewService(store Store, cost int) *Service {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &Service{Store: store, Cost: cost, Now: time.Now}
}

// Issue creates a credential and returns it with its plaintext key. The
// key is not recoverable afterwards.
func (s *Service) Issue(ctx context.Context, username, institution string) (*Credential, error) {
	username = strings.TrimSpace(username)
	institution = strings.TrimSpace(institution)
	if username == "" || institution == "" {
		return nil, apierr.BadInput("Username and institution name are required")
	}

	exists, err := s.Store.UsernameExists(ctx, username)
	if err != nil {
		return nil, apierr.Internal(err, "failed to check username")
	}
	if exists {
		return nil, usernameTaken(username)
	}

	keyID, secret, err := newKey()
	if err != nil {
		return nil, apierr.Internal(err, "failed to generate key")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.Cost)
	if err != nil {
		return nil, apierr.Internal(err, "failed to hash key")
	}

	rec := Record{
		Username:        username,
		InstitutionName: institution,
		KeyID:           keyID,
		SecretHash:      string(hash),
		CreatedAt:       s.Now().UTC(),
	}
	if err := s.Store.Insert(ctx, rec); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return nil, usernameTaken(username)
		}
		return nil, apierr.Internal(err, "failed to store credential")
	}

	return &Credential{
		Username:        rec.Username,
		InstitutionName: rec.InstitutionName,
		APIKey:          keyPrefix + keyID + "." + secret,
		CreatedAt:       rec.CreatedAt,
	}, nil
}

// Resolve maps a presented key to its credential. Every failure,
// including storage errors, is reported as ErrNotFound so callers cannot
// tell a malformed key from an unknown one.
func (s *Service) Resolve(ctx context.Context, key string) (*Credential, error) {
	keyID, secret, ok := parseKey(key)
	if !ok {
		return nil, ErrNotFound
	}
	rec, err := s.Store.FindByKeyID(ctx, keyID)
	if err != nil {
		return nil, ErrNotFound
	}
	if bcrypt.CompareHashAndPassword([]byte(rec.SecretHash), []byte(secret)) != nil {
		return nil, ErrNotFound
	}
	return &Credential{Username: rec.Username, InstitutionName: rec.InstitutionName, CreatedAt: rec.CreatedAt}, nil
}

func (s *Service) List(ctx context.Context) ([]Credential, error) {
	recs, err := s.Store.List(ctx)
	if err != nil {
		return nil, apierr.Internal(err, "failed to list credentials")
	}
	out := make([]Credential, 0, len(recs))
	for _, r := range recs {
		out = append(out, Credential{Username: r.Username, InstitutionName: r.InstitutionName, CreatedAt: r.CreatedAt})
	}
	return out, nil
}

func usernameTaken(username string) error {
	return apierr.Conflict("Username already exists", map[string]any{"username": username})
}

func newKey() (keyID, secret string, err error) {
	id := make([]byte, keyIDBytes)
	if _, err := rand.Read(id); err != nil {
		return "", "", fmt.Errorf("failed to read random key id: %w", err)
	}
	sec := make([]byte, secretBytes)
	if _, err := rand.Read(sec); err != nil {
		return "", "", fmt.Errorf("failed to read random secret: %w", err)
	}
	return hex.EncodeToString(id), base64.RawURLEncoding.EncodeToString(sec), nil
}

func parseKey(key string) (keyID, secret string, ok bool) {
	rest, found := strings.CutPrefix(key, keyPrefix)
	if !found {
		return "", "", false
	}
	keyID, secret, found = strings.Cut(rest, ".")
	if !found || len(keyID) != 2*keyIDBytes || secret == "" {
		return "", "", false
	}
	if _, err := hex.DecodeString(keyID); err != nil {
		return "", "", false
	}
	return keyID, secret, true
}
