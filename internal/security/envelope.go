package security

import (
	"encoding/json"
	"net/http"
)

// Envelope is the body of every gateway response. Success is always
// serialized.
type Envelope struct {
	Success         bool     `json:"success"`
	Message         string   `json:"message,omitempty"`
	Error           string   `json:"error,omitempty"`
	Errors          []string `json:"errors,omitempty"`
	Data            any      `json:"data,omitempty"`
	PayoutTimeframe string   `json:"payout_timeframe,omitempty"`
	CorrelationID   string   `json:"correlation_id,omitempty"`
}

// WriteEnvelope writes env with status, echoing the correlation id.
func WriteEnvelope(w http.ResponseWriter, r *http.Request, status int, env Envelope) {
	cid := CorrelationIDFromContext(r.Context())
	if cid != "" {
		w.Header().Set(CorrelationIDHeader, cid)
		if !env.Success {
			env.CorrelationID = cid
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

// WriteJSONError writes a failed envelope carrying message.
func WriteJSONError(w http.ResponseWriter, r *http.Request, status int, message string) {
	WriteEnvelope(w, r, status, Envelope{Success: false, Message: message})
}
