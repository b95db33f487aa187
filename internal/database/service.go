package database

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"usdt-custody-go/internal/models"
	"usdt-custody-go/internal/store"
)

// Compile-time check: *Service must satisfy store.WalletStore.
var _ store.WalletStore = (*Service)(nil)

type Service struct {
	db          *sql.DB
	notifier    store.Notifier
	countryCode string
}

func NewService(ctx context.Context, cfg models.DatabaseConfig, notifier store.Notifier) (*Service, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if cfg.MaxOpenConns <= 0 {
		return nil, fmt.Errorf("max open connections must be positive, got %d", cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns < 0 {
		return nil, fmt.Errorf("max idle connections cannot be negative, got %d", cfg.MaxIdleConns)
	}
	if cfg.PingTimeout <= 0 {
		return nil, fmt.Errorf("ping timeout must be positive, got %v", cfg.PingTimeout)
	}

	zap.L().Info("Opening SQLite database", zap.String("file", cfg.Path))
	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, cerr
		}
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	service := &Service{db: db, notifier: notifier, countryCode: cfg.CountryCode}
	if err := service.initSchema(); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, cerr
		}
		return nil, fmt.Errorf("unable to initialize schema: %w", err)
	}

	zap.L().Info("Database service initialized successfully")
	return service, nil
}

func (s *Service) Close() {
	if err := s.db.Close(); err != nil {
		zap.L().Warn("Failed to close database connection", zap.Error(err))
	}
}

// notify forwards to the configured Notifier, if any. Dispatch is
// fire-and-forget: the notifier never fails a caller.
func (s *Service) notify(recipient, title, body string) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(recipient, title, body)
}

func (s *Service) initSchema() error {
	schema := `
	-- Shared pool of deposit addresses
	CREATE TABLE IF NOT EXISTS public_addresses (
		id TEXT PRIMARY KEY,
		address TEXT NOT NULL UNIQUE,
		network TEXT NOT NULL DEFAULT 'ETH',
		status TEXT NOT NULL DEFAULT 'available' CHECK (status IN ('available', 'assigned')),
		user_id TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_public_addresses_status ON public_addresses(status);
	CREATE INDEX IF NOT EXISTS idx_public_addresses_user_id ON public_addresses(user_id);

	-- User directory; assigned_address columns are a display cache
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		phone_number TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL,
		is_verified BOOLEAN NOT NULL DEFAULT 0,
		assigned_address_id TEXT,
		assigned_address TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_users_phone_number ON users(phone_number);

	-- Transaction ledger (append-and-transition)
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		correlation_id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		kind TEXT NOT NULL CHECK (kind IN ('BUY', 'SELL', 'SEND', 'RECEIVE', 'WITHDRAW')),
		amount TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'PENDING' CHECK (status IN ('PENDING', 'APPROVED', 'REJECTED')),
		chain_tx_hash TEXT NOT NULL DEFAULT '',
		from_address TEXT NOT NULL DEFAULT '',
		to_address TEXT NOT NULL DEFAULT '',
		rejection_reason TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_user_created ON transactions(user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_transactions_user_id ON transactions(user_id);

	-- Purchases (fiat -> USDT with receipt upload)
	CREATE TABLE IF NOT EXISTS purchases (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		fiat_amount TEXT NOT NULL,
		crypto_amount TEXT NOT NULL,
		exchange_rate TEXT NOT NULL,
		fee_amount TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'awaitingPayment', 'paymentUploaded', 'verified', 'transferring', 'completed', 'rejected', 'failed')),
		receipt_ref TEXT NOT NULL DEFAULT '',
		rejection_reason TEXT NOT NULL DEFAULT '',
		chain_tx_hash TEXT NOT NULL DEFAULT '',
		confirmed_at TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_purchases_user_id ON purchases(user_id);
	CREATE INDEX IF NOT EXISTS idx_purchases_status ON purchases(status);
	`

	_, err := s.db.Exec(schema)
	return err
}
