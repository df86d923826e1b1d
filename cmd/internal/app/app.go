// Package app wires the Kindred server runtime: config, logging, stores,
// the REST surface, and the realtime gateway.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"kindred/cmd/identity"
	"kindred/cmd/internal/chat"
	"kindred/cmd/internal/connect"
	"kindred/cmd/internal/httpapi"
	"kindred/cmd/internal/presence"
	"kindred/cmd/internal/realtime"
)

// App is the Kindred server runtime: it owns the HTTP server wiring and the
// dependencies shared between the REST surface and the realtime gateway.
type App struct {
	cfg Config
	log Logger

	dbPool    *pgxpool.Pool
	dbEnabled bool

	idsvc *identity.Service
	api   *httpapi.Handler
	ws    *realtime.WSGateway
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	secret := cfg.AuthSecret
	if secret == "" {
		// Dev fallback: tokens die with the process.
		secret = realtime.NewRandomHex(32)
		log.Warn("auth.secret.ephemeral", "hint", "set KINDRED_AUTH_SECRET for stable tokens")
	}
	signer, err := identity.NewTokenSigner(secret, cfg.TokenTTL)
	if err != nil {
		return nil, err
	}

	var (
		pool      *pgxpool.Pool
		dbEnabled bool

		dir    identity.Directory
		ledger connect.Ledger
		store  chat.Store
	)

	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_stores")
		dir = identity.NewInMemoryDirectory()
		ledger = connect.NewInMemoryLedger(dir)
		store = chat.NewInMemoryStore()
	} else {
		pool, err = NewDBPool(context.Background(), cfg)
		if err != nil {
			return nil, err
		}
		log.Info("db.enabled.postgres_stores", "schema", cfg.DBSchema)

		pgDir, err := identity.NewPostgresDirectory(pool, identity.WithDirectorySchema(cfg.DBSchema))
		if err != nil {
			pool.Close()
			return nil, err
		}
		pgLedger, err := connect.NewPostgresLedger(pool, pgDir, connect.WithLedgerSchema(cfg.DBSchema))
		if err != nil {
			pool.Close()
			return nil, err
		}
		pgStore, err := chat.NewPostgresStore(pool, chat.WithStoreSchema(cfg.DBSchema))
		if err != nil {
			pool.Close()
			return nil, err
		}

		dir, ledger, store = pgDir, pgLedger, pgStore
		dbEnabled = true
	}

	idsvc, err := identity.NewService(dir, signer)
	if err != nil {
		if pool != nil {
			pool.Close()
		}
		return nil, err
	}

	registry := presence.NewRegistry()
	hub := realtime.NewHub(log)

	return &App{
		cfg:       cfg,
		log:       log,
		dbPool:    pool,
		dbEnabled: dbEnabled,
		idsvc:     idsvc,
		api:       httpapi.NewHandler(log, idsvc, ledger, store),
		ws:        realtime.NewWSGateway(log, idsvc, registry, ledger, store, hub),
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal
// server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.ws, a.api)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	if a.dbPool != nil {
		a.dbPool.Close()
	}

	a.log.Info("server.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
