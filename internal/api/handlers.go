package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/example/fundgate/internal/gateway"
	"github.com/example/fundgate/internal/security"
)

type healthResponse struct {
	Success   bool   `json:"success"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

type generateKeyRequest struct {
	Username        string `json:"username"`
	InstitutionName string `json:"institution_name"`
}

func handleHealth(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, http.StatusOK, healthResponse{
			Success:   true,
			Status:    "healthy",
			Timestamp: deps.Now().Format("2006-01-02 15:04:05"),
		})
	}
}

func unavailable(w http.ResponseWriter, r *http.Request) {
	security.WriteJSONError(w, r, http.StatusServiceUnavailable, "Service unavailable")
}

func handleGenerateKey(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Credentials == nil {
			unavailable(w, r)
			return
		}

		var req generateKeyRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, deps.Logger, err)
			return
		}

		cred, err := deps.Credentials.Issue(r.Context(), req.Username, req.InstitutionName)
		if err != nil {
			writeError(w, r, deps.Logger, err)
			return
		}
		writeData(w, r, http.StatusCreated, "API key generated successfully", cred)
	}
}

func handleListKeys(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		creds, err := deps.Credentials.List(r.Context())
		if err != nil {
			writeError(w, r, deps.Logger, err)
			return
		}
		writeData(w, r, http.StatusOK, "", creds)
	}
}

func handleValidateAll(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Probe == nil {
			unavailable(w, r)
			return
		}
		results, ok := deps.Probe.Validate(r.Context())
		writeProbe(w, r, ok, results)
	}
}

func handleValidateOne(deps Dependencies, name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Probe == nil {
			unavailable(w, r)
			return
		}
		res := deps.Probe.ValidateOne(r.Context(), name)
		writeProbe(w, r, res.Success, []gateway.ProbeResult{res})
	}
}

func writeProbe(w http.ResponseWriter, r *http.Request, ok bool, results []gateway.ProbeResult) {
	if ok {
		writeData(w, r, http.StatusOK, "API credentials are valid", results)
		return
	}
	security.WriteEnvelope(w, r, http.StatusBadRequest, security.Envelope{
		Success: false,
		Message: "Invalid API credentials",
		Data:    results,
	})
}

func handleInitiateTransfer(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Transfers == nil {
			unavailable(w, r)
			return
		}

		var in gateway.TransferInput
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, r, deps.Logger, err)
			return
		}

		res, err := deps.Transfers.InitiateTransfer(r.Context(), in)
		if err != nil {
			writeError(w, r, deps.Logger, err)
			return
		}
		writeData(w, r, http.StatusOK, "Transfer initiated successfully", res)
	}
}

func handleTransferStatus(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Transfers == nil {
			unavailable(w, r)
			return
		}
		t, err := deps.Transfers.GetTransfer(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, deps.Logger, err)
			return
		}
		writeData(w, r, http.StatusOK, "", t)
	}
}

func handleExternalStatus(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Transfers == nil {
			unavailable(w, r)
			return
		}
		st, err := deps.Transfers.ExternalStatus(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, deps.Logger, err)
			return
		}
		writeData(w, r, http.StatusOK, "", st)
	}
}

func handleConfirmCredit(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Transfers == nil {
			unavailable(w, r)
			return
		}

		var in gateway.PayoutInput
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, r, deps.Logger, err)
			return
		}

		c, err := deps.Transfers.ConfirmFundCredit(r.Context(), chi.URLParam(r, "id"), in)
		if err != nil {
			writeError(w, r, deps.Logger, err)
			return
		}
		security.WriteEnvelope(w, r, http.StatusOK, security.Envelope{
			Success:         true,
			Message:         "Fund credit confirmed successfully",
			Data:            c,
			PayoutTimeframe: c.PayoutTimeframe,
		})
	}
}

func handleListTransfers(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Transfers == nil {
			unavailable(w, r)
			return
		}
		ts, err := deps.Transfers.ListTransfers(r.Context(), r.URL.Query().Get("status"))
		if err != nil {
			writeError(w, r, deps.Logger, err)
			return
		}
		writeData(w, r, http.StatusOK, "", ts)
	}
}

// queryInt returns the named query parameter as an int, or 0 when it is
// absent or malformed.
func queryInt(r *http.Request, name string) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0
	}
	i, err := strconv.Atoi(v)
	if err != nil || i < 0 {
		return 0
	}
	return i
}
