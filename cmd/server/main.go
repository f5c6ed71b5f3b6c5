// Package main is the entry point for the eco-arena server.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"eco-arena-server/internal/auth"
	"eco-arena-server/internal/broadcast"
	"eco-arena-server/internal/config"
	"eco-arena-server/internal/httpapi"
	"eco-arena-server/internal/pkg/db"
	"eco-arena-server/internal/repository"
	"eco-arena-server/internal/reward"
	"eco-arena-server/internal/service"
	"eco-arena-server/internal/settlement"
	"eco-arena-server/internal/store"
)

func main() {
	// Configure zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Load configuration
	cfg, err := config.Load("config")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log.Info().Msg("Configuration loaded successfully")

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database connection pool
	dbPool, err := db.NewPool(ctx, &cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer dbPool.Close()

	// Run database migrations
	if err := runMigrations(ctx, dbPool); err != nil {
		log.Fatal().Err(err).Msg("Failed to run database migrations")
	}

	// Initialize repositories
	userRepo := repository.NewUserRepository(dbPool.Pool)
	ledgerRepo := repository.NewLedgerRepository(dbPool.Pool)
	qrRepo := repository.NewQRCodeRepository(dbPool.Pool)
	deviceRepo := repository.NewDeviceRepository(dbPool.Pool)
	settlementRepo := repository.NewSettlementRepository(dbPool.Pool)

	// Pick the session store backend. An empty redis address keeps
	// everything in process, which is enough for a single node.
	sessions, reaper := newSessionStore(cfg)

	// Event fan-out hub
	hub := broadcast.NewHub()
	defer hub.CloseAll()

	// Reward policy
	policy := reward.NewBoundedRandom(&reward.Config{
		PerDepositMin: cfg.Arena.DepositRewardMin,
		PerDepositMax: cfg.Arena.DepositRewardMax,
	})

	// Settlement worker. The simulated settler stands in until a real
	// chain integration is configured behind settlement.enabled.
	var settler settlement.Settler = &settlement.Simulated{}
	if !cfg.Settlement.Enabled {
		log.Info().Msg("External settlement disabled, using simulated settler")
	}
	worker := settlement.NewWorker(settler, settlementRepo, settlement.Config{
		CallTimeout:   cfg.Settlement.CallTimeout,
		MaxAttempts:   cfg.Settlement.MaxAttempts,
		RetryInterval: cfg.Settlement.RetryInterval,
		QueueSize:     cfg.Settlement.QueueSize,
	})
	worker.Start(ctx)

	// Initialize services
	arenaSvc := service.NewArenaService(
		sessions,
		userRepo,
		qrRepo,
		ledgerRepo,
		hub,
		policy,
		cfg.Arena.SessionDuration,
		cfg.Arena.RewardCap,
	)
	walletSvc := service.NewWalletService(userRepo, ledgerRepo, settlementRepo, worker)

	authn := auth.NewAuthenticator(cfg.Auth.TokenSecret, cfg.Auth.TokenTTL, deviceRepo)

	// In-process stores need a periodic sweep; redis expires keys itself.
	if reaper {
		go runReaper(ctx, sessions, cfg.Arena.Retention)
	}

	api := httpapi.NewServer(arenaSvc, walletSvc, authn, hub, userRepo, ledgerRepo, qrRepo)

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Server is starting...")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	// Wait for shutdown signal
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
	}

	cancel()
	worker.Wait()
	log.Info().Msg("Server stopped gracefully")
}

// newSessionStore builds the configured session store. The second return
// reports whether the caller must run the retention sweep.
func newSessionStore(cfg *config.Config) (store.SessionStore, bool) {
	if cfg.Redis.Addr == "" {
		log.Info().Msg("Using in-memory session store")
		return store.NewMemoryStore(cfg.Arena.Retention), true
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	log.Info().Str("addr", cfg.Redis.Addr).Msg("Using redis session store")
	return store.NewRedisStore(rdb, cfg.Arena.Retention), false
}

// runReaper sweeps expired session records from in-process storage. Expiry
// itself happens at read time; this only reclaims memory.
func runReaper(ctx context.Context, sessions store.SessionStore, retention time.Duration) {
	interval := retention
	if interval <= 0 || interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			reaped, err := sessions.ReapExpired(ctx, now)
			if err != nil {
				log.Error().Err(err).Msg("Session reap failed")
				continue
			}
			if reaped > 0 {
				log.Debug().Int("reaped", reaped).Msg("Reaped expired sessions")
			}
		}
	}
}

// runMigrations executes database migrations.
func runMigrations(ctx context.Context, pool *db.Pool) error {
	log.Info().Msg("Running database migrations...")

	// Migration 1: Create users table
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			id UUID PRIMARY KEY,
			username VARCHAR(255) NOT NULL,
			eco_balance BIGINT NOT NULL DEFAULT 0,
			total_earned BIGINT NOT NULL DEFAULT 0,
			total_redeemed BIGINT NOT NULL DEFAULT 0,
			wallet_address TEXT,
			blockchain_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 1: users table created")

	// Migration 2: Create ledger_entries table. The unique correlation id
	// is what makes credits and debits idempotent.
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS ledger_entries (
			id BIGSERIAL PRIMARY KEY,
			user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			amount BIGINT NOT NULL,
			reason VARCHAR(50) NOT NULL,
			correlation_id TEXT NOT NULL UNIQUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_ledger_entries_user_time ON ledger_entries(user_id, created_at DESC);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 2: ledger_entries table created")

	// Migration 3: Create qr_codes table
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS qr_codes (
			id UUID PRIMARY KEY,
			user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			status VARCHAR(20) NOT NULL DEFAULT 'pending',
			issued_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			validated_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_qr_codes_user ON qr_codes(user_id, issued_at DESC);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 3: qr_codes table created")

	// Migration 4: Create devices table
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS devices (
			id UUID PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			capability VARCHAR(20) NOT NULL,
			key_hash TEXT NOT NULL UNIQUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 4: devices table created")

	// Migration 5: Create settlements table
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS settlements (
			id BIGSERIAL PRIMARY KEY,
			user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			wallet_ref TEXT NOT NULL,
			amount BIGINT NOT NULL,
			correlation_id TEXT NOT NULL UNIQUE,
			status VARCHAR(20) NOT NULL DEFAULT 'pending',
			external_ref TEXT,
			last_error TEXT,
			attempts INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_settlements_user_time ON settlements(user_id, created_at DESC);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 5: settlements table created")

	log.Info().Msg("All migrations completed successfully")
	return nil
}
