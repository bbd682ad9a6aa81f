package credentials

import (
	"context"
	"net/http"
	"strings"
)

const APIKeyHeader = "x-api-key"

type credentialKey struct{}

// Resolver maps a presented key to a credential.
type Resolver interface {
	Resolve(ctx context.Context, key string) (*Credential, error)
}

func FromContext(ctx context.Context) (*Credential, bool) {
	c, ok := ctx.Value(credentialKey{}).(*Credential)
	return c, ok
}

func WithCredential(ctx context.Context, c *Credential) context.Context {
	return context.WithValue(ctx, credentialKey{}, c)
}

// RequireAPIKey rejects requests without a valid x-api-key header.
func RequireAPIKey(resolver Resolver, onError func(http.ResponseWriter, *http.Request, int, string)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(APIKeyHeader))
			if key == "" {
				onError(w, r, http.StatusUnauthorized, "API key is required")
				return
			}

			cred, err := resolver.Resolve(r.Context(), key)
			if err != nil || cred == nil {
				onError(w, r, http.StatusUnauthorized, "Invalid API key")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithCredential(r.Context(), cred)))
		})
	}
}
