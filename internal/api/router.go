package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/example/fundgate/internal/credentials"
	"github.com/example/fundgate/internal/gateway"
	"github.com/example/fundgate/internal/ledger"
	"github.com/example/fundgate/internal/security"
)

type Dependencies struct {
	Logger *slog.Logger

	Credentials interface {
		credentials.Resolver
		Issue(ctx context.Context, username, institution string) (*credentials.Credential, error)
		List(ctx context.Context) ([]credentials.Credential, error)
	}

	Transfers *gateway.TransferService
	Exchange  *gateway.ExchangeService
	Bank      *gateway.BankService
	Callbacks *gateway.CallbackReceiver
	Probe     *gateway.PartnerProbe

	Auditor           gateway.Auditor
	CallbackAllowlist []*net.IPNet
	MaxBodyBytes      int64
	Now               func() time.Time
}

func NewRouter(deps Dependencies) (http.Handler, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	generateKeyV, err := security.NewJSONSchemaValidator(generateKeySchema)
	if err != nil {
		return nil, err
	}
	initiateV, err := security.NewJSONSchemaValidator(initiateTransferSchema)
	if err != nil {
		return nil, err
	}
	confirmV, err := security.NewJSONSchemaValidator(confirmCreditSchema)
	if err != nil {
		return nil, err
	}
	orderV, err := security.NewJSONSchemaValidator(exchangeOrderSchema)
	if err != nil {
		return nil, err
	}
	quoteV, err := security.NewJSONSchemaValidator(quoteSchema)
	if err != nil {
		return nil, err
	}
	bankTransferV, err := security.NewJSONSchemaValidator(bankTransferSchema)
	if err != nil {
		return nil, err
	}

	onAuthError := func(w http.ResponseWriter, r *http.Request, status int, message string) {
		security.WriteJSONError(w, r, status, message)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(security.CorrelationID)
	r.Use(RequestLogger(deps.Logger))
	r.Use(security.BodySizeLimit(deps.MaxBodyBytes))
	if deps.Auditor != nil {
		r.Use(AuditMiddleware(deps.Auditor))
	}

	r.Get("/health", handleHealth(deps))

	r.Route("/api", func(r chi.Router) {
		r.With(generateKeyV.Middleware).Post("/generate-key", handleGenerateKey(deps))
		r.Get("/validate-credentials", handleValidateAll(deps))

		// Hambit authenticates callbacks by signature, not by API key.
		r.With(security.IPAllowlist(deps.CallbackAllowlist)).Post("/hambit/callback", handleHambitCallback(deps))

		r.Group(func(r chi.Router) {
			if deps.Credentials != nil {
				r.Use(credentials.RequireAPIKey(deps.Credentials, onAuthError))
			} else {
				r.Use(func(http.Handler) http.Handler {
					return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
						onAuthError(w, r, http.StatusUnauthorized, "Invalid API key")
					})
				})
			}

			r.Get("/keys", handleListKeys(deps))

			r.With(initiateV.Middleware).Post("/transfer/initiate", handleInitiateTransfer(deps))
			r.Get("/transfer/{id}/status", handleTransferStatus(deps))
			r.Get("/transfer/{id}/external-status", handleExternalStatus(deps))
			r.With(confirmV.Middleware).Post("/transfer/{id}/confirm-credit", handleConfirmCredit(deps))
			r.Get("/transfers", handleListTransfers(deps))

			r.Route("/hambit", func(r chi.Router) {
				r.With(orderV.Middleware).Post("/fiat-to-crypto", handleCreateOrder(deps, ledger.FiatToCrypto))
				r.With(orderV.Middleware).Post("/crypto-to-fiat", handleCreateOrder(deps, ledger.CryptoToFiat))
				r.Get("/order/{id}", handleOrderDetails(deps))
				r.Get("/orders", handleOrderList(deps))
				r.Get("/records", handleLocalOrders(deps))
				r.Get("/records/{id}", handleLocalOrder(deps))
				r.With(quoteV.Middleware).Post("/quotes", handleQuotes(deps))
				r.Get("/currencies", handleCurrencies(deps))
				r.Get("/validate-credentials", handleValidateOne(deps, "hambit"))
			})

			r.Route("/bison-bank", func(r chi.Router) {
				r.Get("/features", handleBankFeatures(deps))
				r.Get("/validate-credentials", handleValidateOne(deps, "bison_bank"))
				r.Get("/accounts/{id}/balance", handleAccountBalance(deps))
				r.Get("/accounts/{id}/details", handleAccountDetails(deps))
				r.Get("/accounts/{id}/transactions", handleAccountTransactions(deps))
				r.With(bankTransferV.Middleware).Post("/transfers/domestic", handleDomesticTransfer(deps))
				r.With(bankTransferV.Middleware).Post("/transfers/international", handleInternationalTransfer(deps))
				r.Get("/transfers/{id}", handleBankTransferStatus(deps))
				r.Get("/transfers", handleBankTransfers(deps))
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusNotFound, "Route not found")
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusMethodNotAllowed, "Method not allowed")
	})

	return r, nil
}
