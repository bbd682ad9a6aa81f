package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/example/fundgate/internal/api"
	"github.com/example/fundgate/internal/gateway"
	"github.com/example/fundgate/internal/partner"
	"github.com/example/fundgate/internal/partner/bisonbank"
	"github.com/example/fundgate/internal/partner/bri"
	"github.com/example/fundgate/internal/partner/hambit"
	"github.com/example/fundgate/internal/security"
	"github.com/example/fundgate/pkg/audit"
)

func serveCmd(configPath *string) *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(commandContext(cmd), *configPath, migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", true, "apply pending schema migrations before serving")
	return cmd
}

func serve(ctx context.Context, configPath string, migrate bool) error {
	a, err := openApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	cfg, logger := a.cfg, a.logger

	if migrate {
		if _, err := a.migrate(ctx); err != nil {
			return fmt.Errorf("failed to migrate: %w", err)
		}
	}

	httpClient := partner.NewHTTPClient()
	briAdapter := bri.New(cfg.BRI.BaseURL, cfg.BRI.APIKey, httpClient, logger)
	bisonAdapter := bisonbank.New(cfg.BisonBank.BaseURL, cfg.BisonBank.ClientID, cfg.BisonBank.ClientSecret, httpClient, logger)
	signer := hambit.NewSigner(cfg.Hambit.AccessKey, cfg.Hambit.SecretKey)
	hambitAdapter := hambit.New(cfg.Hambit.BaseURL, signer, httpClient, logger)

	auditor := audit.NewChainLogger(audit.SlogSink{Logger: logger})

	var replay gateway.NonceGuard
	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("redis_unreachable", "addr", cfg.Redis.Addr, "error", err)
		}
		replay = &security.ReplayGuard{Redis: redisClient, Prefix: "fundgate:hambit_callback", TTL: cfg.Redis.ReplayTTL}
	}

	var verifier gateway.CallbackVerifier
	if cfg.Hambit.VerifyCallback {
		verifier = signer
	} else {
		logger.Warn("callback_verification_disabled")
	}

	var notifier gateway.Notifier
	if cfg.Webhook.URL != "" {
		notifier = gateway.NewForwarder(cfg.Webhook.URL, cfg.Webhook.Secret, logger)
	}

	probe := gateway.NewPartnerProbe(logger).
		Register(bri.Name, briAdapter).
		Register(bisonbank.Name, bisonAdapter).
		Register(hambit.Name, hambitAdapter)

	allowlist, err := security.ParseCIDRAllowlist(cfg.HTTP.CallbackAllowlist)
	if err != nil {
		return fmt.Errorf("invalid callback allowlist: %w", err)
	}

	router, err := api.NewRouter(api.Dependencies{
		Logger:            logger,
		Credentials:       a.credentialService(),
		Transfers:         gateway.NewTransferService(a.ledger, briAdapter, logger, auditor),
		Exchange:          gateway.NewExchangeService(a.ledger, hambitAdapter, logger, auditor),
		Bank:              gateway.NewBankService(bisonAdapter, logger, auditor),
		Callbacks:         gateway.NewCallbackReceiver(a.ledger, verifier, replay, notifier, logger, auditor),
		Probe:             probe,
		Auditor:           auditor,
		CallbackAllowlist: allowlist,
		MaxBodyBytes:      cfg.HTTP.MaxBodyBytes,
	})
	if err != nil {
		return fmt.Errorf("failed to build router: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	if cfg.HTTP.TLSEnabled() {
		tlsCfg, err := security.LoadServerTLSConfig(security.TLSConfig{
			CertFile:          cfg.HTTP.TLSCert,
			KeyFile:           cfg.HTTP.TLSKey,
			CAFile:            cfg.HTTP.TLSCA,
			RequireClientAuth: cfg.HTTP.TLSCA != "",
		})
		if err != nil {
			ln.Close()
			return fmt.Errorf("failed to load TLS config: %w", err)
		}
		srv.TLSConfig = tlsCfg
		ln = tls.NewListener(ln, tlsCfg)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		<-sigCh
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("gateway listening", "addr", cfg.HTTP.Addr, "tls", cfg.HTTP.TLSEnabled(), "environment", cfg.Environment)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info("gateway stopped")
	return nil
}
