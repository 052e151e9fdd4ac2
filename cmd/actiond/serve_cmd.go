package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/actiond/pkg/api"
	"github.com/Mindburn-Labs/actiond/pkg/callback"
	"github.com/Mindburn-Labs/actiond/pkg/config"
	"github.com/Mindburn-Labs/actiond/pkg/monitor"
	"github.com/Mindburn-Labs/actiond/pkg/observability"
)

func runServe(args []string, stdout, stderr io.Writer) int {
	cfg := config.Load()
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		addr          string
		gaugeInterval time.Duration
		callbackRPS   float64
	)
	cmd.StringVar(&addr, "addr", ":"+cfg.Port, "Listen address")
	cmd.DurationVar(&gaugeInterval, "gauge-interval", 30*time.Second, "How often /metrics gauges are recomputed")
	cmd.Float64Var(&callbackRPS, "callback-rps", 50, "Per-client callback rate limit")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	logger := setupLogger(cfg.LogLevel, stderr)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := newEngine(ctx, cfg, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = e.Close() }()

	receiver := callback.NewReceiver(e.store, e.signer, callback.WithEventSink(e.hook))
	limiter := api.NewGlobalRateLimiter(callbackRPS, int(callbackRPS)*2)
	defer limiter.Close()

	gauges := observability.NewPrometheusSink()
	otelGauges, err := observability.NewOTelSink(e.meter)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	reconciler := monitor.New(e.store, cfg.DelayedGrace, monitor.WithSinks(gauges, otelGauges))
	go pushGauges(ctx, reconciler, gaugeInterval, logger)

	srv := &http.Server{
		Addr:              addr,
		Handler:           newRouter(callback.NewHandler(receiver), gauges.Handler(), e.db, limiter, logger),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("callback server listening", "addr", addr, "version", version)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("callback server failed", "error", err)
			return 1
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			logger.Error("shutdown failed", "error", err)
			return 1
		}
	}
	_, _ = fmt.Fprintln(stdout, "stopped")
	return 0
}

// newRouter mounts the callback endpoint, health and metrics.
func newRouter(callbacks, metrics http.Handler, db *sql.DB, limiter *api.GlobalRateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(callback.Route, limiter.Middleware(callbacks))
	mux.Handle("GET /metrics", metrics)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			logger.Warn("health check failed", "error", err)
			api.WriteError(w, http.StatusServiceUnavailable, "Service Unavailable", "database unreachable")
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return api.RequestID(api.AccessLog(logger)(mux))
}

func pushGauges(ctx context.Context, r *monitor.Reconciler, every time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if _, err := r.Push(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("gauge push failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
