package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/example/fundgate/internal/config"
	"github.com/example/fundgate/internal/credentials"
	"github.com/example/fundgate/internal/ledger"
	"github.com/example/fundgate/internal/migrations"
)

// app is the storage and logging shared by every subcommand.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	ledger      ledger.Store
	credentials credentials.Store

	// sqlDB runs migrations. For postgres it is a database/sql handle on
	// the pgx stdlib driver, opened next to the pool.
	sqlDB   *sql.DB
	dialect migrations.Dialect
	pool    *pgxpool.Pool
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func openApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	a := &app{cfg: cfg, logger: logger}

	switch cfg.Database.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres pool: %w", err)
		}
		db, err := sql.Open("pgx", cfg.Database.URL)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		a.pool = pool
		a.sqlDB = db
		a.dialect = migrations.Postgres
		a.ledger = ledger.NewPostgresStore(pool)
		a.credentials = &credentials.PostgresStore{DB: pool}
	case "sqlite3":
		db, err := sql.Open("sqlite3", cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		// sqlite serializes writers; one connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
		a.sqlDB = db
		a.dialect = migrations.SQLite
		a.ledger = ledger.NewSQLStore(db)
		a.credentials = &credentials.SQLStore{DB: db}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}

	return a, nil
}

func (a *app) migrate(ctx context.Context) ([]string, error) {
	applied, err := migrations.Apply(ctx, a.sqlDB, a.dialect)
	if err != nil {
		return nil, err
	}
	for _, v := range applied {
		a.logger.Info("migration_applied", "version", v, "driver", string(a.dialect))
	}
	return applied, nil
}

func (a *app) credentialService() *credentials.Service {
	return credentials.NewService(a.credentials, a.cfg.Auth.BcryptCost)
}

func (a *app) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
	if a.sqlDB != nil {
		_ = a.sqlDB.Close()
	}
}
