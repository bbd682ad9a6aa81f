package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/example/fundgate/internal/apierr"
	"github.com/example/fundgate/internal/ledger"
	"github.com/example/fundgate/internal/partner/hambit"
)

var orderCreatedMessages = map[ledger.Direction]string{
	ledger.FiatToCrypto: "Fiat-to-crypto order created successfully",
	ledger.CryptoToFiat: "Crypto-to-fiat order created successfully",
}

func handleCreateOrder(deps Dependencies, direction ledger.Direction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Exchange == nil {
			unavailable(w, r)
			return
		}

		var in hambit.OrderRequest
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, r, deps.Logger, err)
			return
		}

		data, err := deps.Exchange.CreateOrder(r.Context(), direction, in)
		if err != nil {
			writeError(w, r, deps.Logger, err)
			return
		}
		writeData(w, r, http.StatusOK, orderCreatedMessages[direction], data)
	}
}

func handleOrderDetails(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Exchange == nil {
			unavailable(w, r)
			return
		}
		data, err := deps.Exchange.OrderDetails(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, deps.Logger, err)
			return
		}
		writeData(w, r, http.StatusOK, "", data)
	}
}

func handleOrderList(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Exchange == nil {
			unavailable(w, r)
			return
		}
		q := r.URL.Query()
		data, err := deps.Exchange.Orders(r.Context(), hambit.OrderFilter{
			Page:      queryInt(r, "page"),
			Size:      queryInt(r, "size"),
			Status:    q.Get("status"),
			StartTime: q.Get("startTime"),
			EndTime:   q.Get("endTime"),
		})
		if err != nil {
			writeError(w, r, deps.Logger, err)
			return
		}
		writeData(w, r, http.StatusOK, "", data)
	}
}

func handleLocalOrders(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Exchange == nil {
			unavailable(w, r)
			return
		}
		orders, err := deps.Exchange.LocalOrders(r.Context(), r.URL.Query().Get("status"))
		if err != nil {
			writeError(w, r, deps.Logger, err)
			return
		}
		writeData(w, r, http.StatusOK, "", orders)
	}
}

func handleLocalOrder(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Exchange == nil {
			unavailable(w, r)
			return
		}
		o, err := deps.Exchange.LocalOrder(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, deps.Logger, err)
			return
		}
		writeData(w, r, http.StatusOK, "", o)
	}
}

func handleQuotes(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Exchange == nil {
			unavailable(w, r)
			return
		}

		var q hambit.QuoteRequest
		if err := decodeJSON(r, &q); err != nil {
			writeError(w, r, deps.Logger, err)
			return
		}

		data, err := deps.Exchange.Quotes(r.Context(), q)
		if err != nil {
			writeError(w, r, deps.Logger, err)
			return
		}
		writeData(w, r, http.StatusOK, "", data)
	}
}

func handleCurrencies(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeData(w, r, http.StatusOK, "", hambit.Currencies())
	}
}

// handleHambitCallback reads the raw body so the signature can be checked
// over the exact bytes Hambit sent.
func handleHambitCallback(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Callbacks == nil {
			unavailable(w, r)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) {
				writeError(w, r, deps.Logger, apierr.BadInput("Request body too large"))
				return
			}
			writeError(w, r, deps.Logger, apierr.BadInput("Invalid callback data"))
			return
		}

		if _, err := deps.Callbacks.Handle(r.Context(), r.Header, body); err != nil {
			writeError(w, r, deps.Logger, err)
			return
		}
		writeData(w, r, http.StatusOK, "Callback processed successfully", nil)
	}
}
