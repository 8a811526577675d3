package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Mindburn-Labs/autofix/pkg/config"
	"github.com/Mindburn-Labs/autofix/pkg/idempotency"
	"github.com/Mindburn-Labs/autofix/pkg/store/ledger"

	_ "github.com/lib/pq"  // Postgres Driver
	_ "modernc.org/sqlite" // SQLite Driver
)

// openLedger connects the configured backend. The returned closer is never nil.
func openLedger(ctx context.Context, cfg *config.Config, logger *slog.Logger) (ledger.Ledger, func() error, error) {
	noop := func() error { return nil }

	var (
		driver string
		dsn    string
	)
	switch cfg.Ledger.Backend {
	case config.LedgerMemory:
		logger.Warn("ledger: in-memory backend, records are lost on restart")
		return ledger.NewMemoryLedger(), noop, nil
	case config.LedgerPostgres:
		driver, dsn = "postgres", cfg.Ledger.DatabaseURL
	case config.LedgerSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.Ledger.SQLitePath), 0750); err != nil {
			return nil, noop, fmt.Errorf("failed to create data dir: %w", err)
		}
		driver, dsn = "sqlite", cfg.Ledger.SQLitePath
	default:
		return nil, noop, fmt.Errorf("unknown ledger backend %q", cfg.Ledger.Backend)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, noop, fmt.Errorf("failed to open %s: %w", driver, err)
	}
	if driver == "sqlite" {
		// One writer keeps claims serialized on a single file.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, noop, fmt.Errorf("%s ping failed: %w", driver, err)
	}

	l := ledger.NewSQLLedger(db)
	if err := l.Init(ctx); err != nil {
		_ = db.Close()
		return nil, noop, fmt.Errorf("failed to init %s ledger: %w", driver, err)
	}
	logger.Info("ledger: connected", "backend", cfg.Ledger.Backend)
	return l, db.Close, nil
}

// openIdempotency prefers Redis so replicas share claims, and falls back to
// process memory.
func openIdempotency(ctx context.Context, cfg *config.Config, logger *slog.Logger) (idempotency.Store, func() error, error) {
	if cfg.Redis.Addr == "" {
		return idempotency.NewMemoryStore(cfg.Redis.TTL), func() error { return nil }, nil
	}
	rs := idempotency.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.TTL)
	if err := rs.Ping(ctx); err != nil {
		_ = rs.Close()
		return nil, func() error { return nil }, fmt.Errorf("redis ping failed: %w", err)
	}
	logger.Info("idempotency: redis connected", "addr", cfg.Redis.Addr)
	return rs, rs.Close, nil
}
