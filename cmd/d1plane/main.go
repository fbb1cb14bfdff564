// Command d1plane runs the end-to-end-encrypted messaging data plane: an
// HTTP server that stores and relays ciphertext and sealed metadata without
// ever touching a plaintext key.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sentry-messenger/d1plane/internal/api"
	"github.com/sentry-messenger/d1plane/internal/domain/account"
	"github.com/sentry-messenger/d1plane/internal/domain/prekey"
	"github.com/sentry-messenger/d1plane/internal/store"
	"github.com/sentry-messenger/d1plane/pkg/config"
	"github.com/sentry-messenger/d1plane/pkg/telemetry"
)

func main() {
	lg := telemetry.NewLogger("d1plane", os.Stdout)

	cfg, err := config.Load()
	if err != nil {
		lg.Error("config_load_failed", map[string]any{"err": err.Error()})
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	st, err := store.Open(cfg.DBDSN)
	if err != nil {
		lg.Error("store_open_failed", map[string]any{"err": err.Error()})
		cancel()
		os.Exit(1)
	}
	if err := st.EnsureSchema(ctx); err != nil {
		lg.Error("schema_ensure_failed", map[string]any{"err": err.Error()})
		cancel()
		os.Exit(1)
	}
	if err := st.CheckReadiness(ctx); err != nil {
		lg.Error("schema_readiness_failed", map[string]any{"err": err.Error()})
		cancel()
		os.Exit(1)
	}
	cancel()

	acct, err := account.New(st, cfg.AccountHMACKey, cfg.AccountTokenLen)
	if err != nil {
		lg.Error("account_resolver_init_failed", map[string]any{"err": err.Error()})
		os.Exit(1)
	}
	pre := prekey.New(st)

	deps := &api.Deps{
		Store:   st,
		Account: acct,
		Prekey:  pre,
		Cfg:     cfg,
		Log:     lg,
		Metrics: telemetry.NewCounters(),
	}

	router := api.NewRouter(deps)
	handler := telemetry.RequestIDMiddleware(
		telemetry.RecoverMiddleware(lg)(
			telemetry.LoggingMiddleware(lg)(
				api.AdmissionMiddleware(cfg.HMACSecret)(router),
			),
		),
	)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		lg.Info("starting", map[string]any{"addr": cfg.Addr, "db_dsn": cfg.DBDSN})
		serveErr <- server.ListenAndServe()
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Error("listen_failed", map[string]any{"err": err.Error()})
			_ = st.Close()
			os.Exit(1)
		}
	case s := <-sig:
		lg.Info("shutting_down", map[string]any{"signal": s.String()})
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("shutdown_failed", map[string]any{"err": err.Error()})
		}
	}

	if err := st.Close(); err != nil {
		lg.Warn("store_close_failed", map[string]any{"err": err.Error()})
	}
}
