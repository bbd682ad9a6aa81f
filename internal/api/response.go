package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/example/fundgate/internal/apierr"
	"github.com/example/fundgate/internal/security"
)

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	cid := security.CorrelationIDFromContext(r.Context())
	if cid != "" {
		w.Header().Set(security.CorrelationIDHeader, cid)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, r *http.Request, status int, message string, data any) {
	security.WriteEnvelope(w, r, status, security.Envelope{Success: true, Message: message, Data: data})
}

// writeError renders err as a failed envelope. Internal failures are
// logged with the full chain; the caller only sees the root message.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status := apierr.Status(err)
	d := apierr.Describe(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request_failed",
			"cid", security.CorrelationIDFromContext(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"error", err.Error(),
		)
	}
	security.WriteEnvelope(w, r, status, security.Envelope{
		Success: false,
		Message: d.Message,
		Error:   d.Error,
		Errors:  d.Errors,
	})
}

// decodeJSON reads a request body into v. Unknown fields are ignored.
func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return apierr.BadInput("Request body is required")
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var mbe *http.MaxBytesError
		switch {
		case errors.As(err, &mbe):
			return apierr.BadInput("Request body too large")
		case errors.Is(err, io.EOF):
			return apierr.BadInput("Request body is required")
		default:
			return apierr.BadInput("Invalid JSON payload")
		}
	}
	return nil
}
