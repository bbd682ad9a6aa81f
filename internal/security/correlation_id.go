package security

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

const (
	CorrelationIDHeader = "X-Correlation-ID"
	// RequestIDHeader is accepted as a fallback from proxies that only set it.
	RequestIDHeader = "X-Request-ID"

	maxCorrelationIDLen = 128
)

type correlationIDKey struct{}

// CorrelationID tags every request with an id taken from the caller when it
// is usable, or a fresh one, and echoes it on the response.
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cid := r.Header.Get(CorrelationIDHeader)
		if !usableCorrelationID(cid) {
			cid = r.Header.Get(RequestIDHeader)
		}
		if !usableCorrelationID(cid) {
			cid = uuid.NewString()
		}

		w.Header().Set(CorrelationIDHeader, cid)
		next.ServeHTTP(w, r.WithContext(WithCorrelationID(r.Context(), cid)))
	})
}

// usableCorrelationID admits short printable ASCII ids only.
func usableCorrelationID(cid string) bool {
	if cid == "" || len(cid) > maxCorrelationIDLen {
		return false
	}
	for i := 0; i < len(cid); i++ {
		if cid[i] < 0x21 || cid[i] > 0x7e {
			return false
		}
	}
	return true
}

func WithCorrelationID(ctx context.Context, cid string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, cid)
}

func CorrelationIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return s
	}
	return ""
}
