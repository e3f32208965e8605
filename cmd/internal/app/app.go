// Package app wires the Courier server runtime: config, logging, HTTP
// routes, the chat store, and the realtime gateway.
package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"courier/cmd/internal/auth"
	"courier/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
)

// App is the Courier server runtime: it owns HTTP server wiring and the
// realtime gateway's dependencies.
type App struct {
	cfg Config
	log Logger

	store realtime.ChatStore

	dbPool    *pgxpool.Pool
	dbEnabled bool

	tokens *auth.Manager

	ws *realtime.WSGateway
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	store, dbPool, dbEnabled, err := newChatStore(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	authCfg, err := auth.LoadConfigFromEnv()
	if err != nil {
		closeStore(store, dbPool)
		return nil, err
	}
	tokens, err := auth.NewManager(authCfg)
	if err != nil {
		closeStore(store, dbPool)
		return nil, err
	}
	if tokens.Ephemeral() {
		log.Warn("auth.ephemeral_key",
			"detail", "COURIER_PASETO_SECRET_KEY is unset; tokens die with the process",
			"public_key", tokens.PublicKeyHex(),
		)
	}

	reg := realtime.NewRegistry()
	tracker := realtime.NewTracker(log, reg, store)
	router := realtime.NewRouter(log, store, reg)
	typing := realtime.NewSignaler(log, reg)

	ws := realtime.NewWSGateway(log, tokens, reg, router, tracker, typing)

	return &App{
		cfg:       cfg,
		log:       log,
		store:     store,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		tokens:    tokens,
		ws:        ws,
	}, nil
}

// TokenManager exposes the PASETO manager, mainly for dev tooling that
// needs to mint a token against a running in-process instance.
func (a *App) TokenManager() *auth.Manager { return a.tokens }

// Run starts the HTTP server and blocks until context cancellation or a
// fatal server error.
func (a *App) Run(ctx context.Context) error {
	handler := newRouter(a.log, a.cfg, a.dbPool, a.dbEnabled, a.ws)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(handler, a.log),
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

	closeStore(a.store, a.dbPool)

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

// newChatStore picks the persistence backend:
// Postgres when DatabaseURL is set, embedded Pebble when DataDir is set,
// otherwise the in-memory dev store.
func newChatStore(ctx context.Context, cfg Config, log Logger) (realtime.ChatStore, *pgxpool.Pool, bool, error) {
	if cfg.DatabaseURL != "" {
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, nil, false, err
		}

		store, err := realtime.NewPostgresStore(pool)
		if err != nil {
			pool.Close()
			return nil, nil, false, err
		}

		log.Info("store.postgres")
		return store, pool, true, nil
	}

	if cfg.DataDir != "" {
		store, err := realtime.NewPebbleStore(cfg.DataDir)
		if err != nil {
			return nil, nil, false, err
		}

		log.Info("store.pebble", "dir", cfg.DataDir)
		return store, nil, false, nil
	}

	log.Info("store.memory")
	store := realtime.NewMemoryStore()
	seedDevUsers(store, log)
	return store, nil, false, nil
}

// seedDevUsers populates the in-memory store from COURIER_DEV_SEED_USERS
// (comma-separated user ids, all mutual contacts). Dev and smoke-test only.
func seedDevUsers(store *realtime.MemoryStore, log Logger) {
	raw := EnvString("COURIER_DEV_SEED_USERS", "")
	if raw == "" {
		return
	}

	var ids []string
	for _, p := range strings.Split(raw, ",") {
		id := strings.TrimSpace(p)
		if id == "" {
			continue
		}
		ids = append(ids, id)
		store.PutUser(realtime.User{ID: id, Username: id})
	}
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			store.PutContacts(ids[i], ids[j])
		}
	}

	log.Info("store.memory.seeded", "users", len(ids))
}

// closeStore releases store resources. Ownership model:
// the app owns the pool lifecycle; PostgresStore.Close is a no-op.
func closeStore(store realtime.ChatStore, pool *pgxpool.Pool) {
	if store != nil {
		_ = store.Close()
	}
	if pool != nil {
		pool.Close()
	}
}
