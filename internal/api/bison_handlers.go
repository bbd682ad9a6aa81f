package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/example/fundgate/internal/partner/bisonbank"
)

func handleBankFeatures(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Bank == nil {
			unavailable(w, r)
			return
		}
		writeData(w, r, http.StatusOK, "", deps.Bank.Features())
	}
}

// bankRead adapts a read-only Bison call keyed by the {id} path parameter.
func bankRead(deps Dependencies, call func(ctx context.Context, id string) (json.RawMessage, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Bank == nil {
			unavailable(w, r)
			return
		}
		data, err := call(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, deps.Logger, err)
			return
		}
		writeData(w, r, http.StatusOK, "", data)
	}
}

func handleAccountBalance(deps Dependencies) http.HandlerFunc {
	if deps.Bank == nil {
		return bankRead(deps, nil)
	}
	return bankRead(deps, deps.Bank.AccountBalance)
}

func handleAccountDetails(deps Dependencies) http.HandlerFunc {
	if deps.Bank == nil {
		return bankRead(deps, nil)
	}
	return bankRead(deps, deps.Bank.AccountDetails)
}

func handleBankTransferStatus(deps Dependencies) http.HandlerFunc {
	if deps.Bank == nil {
		return bankRead(deps, nil)
	}
	return bankRead(deps, deps.Bank.TransferStatus)
}

func listFilter(r *http.Request) bisonbank.ListFilter {
	q := r.URL.Query()
	return bisonbank.ListFilter{
		Page:      queryInt(r, "page"),
		Size:      queryInt(r, "size"),
		Status:    q.Get("status"),
		StartDate: q.Get("startDate"),
		EndDate:   q.Get("endDate"),
	}
}

func handleAccountTransactions(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Bank == nil {
			unavailable(w, r)
			return
		}
		data, err := deps.Bank.AccountTransactions(r.Context(), chi.URLParam(r, "id"), listFilter(r))
		if err != nil {
			writeError(w, r, deps.Logger, err)
			return
		}
		writeData(w, r, http.StatusOK, "", data)
	}
}

func handleBankTransfers(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Bank == nil {
			unavailable(w, r)
			return
		}
		data, err := deps.Bank.Transfers(r.Context(), listFilter(r))
		if err != nil {
			writeError(w, r, deps.Logger, err)
			return
		}
		writeData(w, r, http.StatusOK, "", data)
	}
}

func handleDomesticTransfer(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Bank == nil {
			unavailable(w, r)
			return
		}

		var t bisonbank.DomesticTransfer
		if err := decodeJSON(r, &t); err != nil {
			writeError(w, r, deps.Logger, err)
			return
		}

		data, err := deps.Bank.DomesticTransfer(r.Context(), t)
		if err != nil {
			writeError(w, r, deps.Logger, err)
			return
		}
		writeData(w, r, http.StatusCreated, "Domestic transfer created successfully", data)
	}
}

func handleInternationalTransfer(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Bank == nil {
			unavailable(w, r)
			return
		}

		var t bisonbank.InternationalTransfer
		if err := decodeJSON(r, &t); err != nil {
			writeError(w, r, deps.Logger, err)
			return
		}

		data, err := deps.Bank.InternationalTransfer(r.Context(), t)
		if err != nil {
			writeError(w, r, deps.Logger, err)
			return
		}
		writeData(w, r, http.StatusCreated, "International transfer created successfully", data)
	}
}
