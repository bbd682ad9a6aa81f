package security

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrReplayed is returned when a nonce was already seen within the TTL.
var ErrReplayed = errors.New("nonce already used")

// ReplayGuard remembers signed-request nonces in Redis so a captured
// request cannot be delivered twice.
type ReplayGuard struct {
	Redis  *redis.Client
	Prefix string
	TTL    time.Duration
}

func (g *ReplayGuard) key(nonce string) string {
	if g.Prefix == "" {
		return nonce
	}
	return g.Prefix + ":" + nonce
}

// Claim records nonce. It returns ErrReplayed when the nonce is already
// present. A nil guard admits everything.
func (g *ReplayGuard) Claim(ctx context.Context, nonce string) error {
	if g == nil || g.Redis == nil {
		return nil
	}
	if nonce == "" {
		return ErrReplayed
	}

	ttl := g.TTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}

	ok, err := g.Redis.SetNX(ctx, g.key(nonce), time.Now().Unix(), ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to record nonce: %w", err)
	}
	if !ok {
		return ErrReplayed
	}
	return nil
}

// Release forgets nonce so a request rejected for reasons other than replay
// can be delivered again.
func (g *ReplayGuard) Release(ctx context.Context, nonce string) error {
	if g == nil || g.Redis == nil || nonce == "" {
		return nil
	}
	if err := g.Redis.Del(ctx, g.key(nonce)).Err(); err != nil {
		return fmt.Errorf("failed to release nonce: %w", err)
	}
	return nil
}
