package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	pprofhttp "net/http/pprof"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rmagent/internal/config"
)

const (
	debugShutdownTimeout = 3 * time.Second
	debugReadHeaderTO    = 2 * time.Second
)

// startDebugServer starts the optional debug HTTP endpoint (pprof and /metrics) and wires graceful shutdown.
// Params: ctx controls lifecycle; cfg provides handler toggles and listen address; gatherer backs /metrics; logger reports runtime events.
// Returns: stop function (idempotent) and startup error.
func startDebugServer(ctx context.Context, cfg config.DebugConfig, gatherer prometheus.Gatherer, logger *slog.Logger) (func(), error) {
	if !cfg.Enabled() {
		return func() {}, nil
	}

	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen %q: %w", cfg.Listen, err)
	}

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           debugMux(cfg, gatherer),
		ReadHeaderTimeout: debugReadHeaderTO,
	}

	var once sync.Once
	stop := func() {
		once.Do(func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), debugShutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("debug server shutdown error", slog.String("error", err.Error()))
			}
		})
	}

	go func() {
		<-ctx.Done()
		stop()
	}()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("debug server failed", slog.String("addr", cfg.Listen), slog.String("error", err.Error()))
		}
	}()

	logger.Info(
		"debug server started",
		slog.String("addr", listener.Addr().String()),
		slog.Bool("pprof", cfg.Pprof),
		slog.Bool("metrics", cfg.Metrics),
	)
	return stop, nil
}

// debugMux routes enabled debug handlers.
// Params: cfg handler toggles; gatherer backs /metrics.
// Returns: HTTP handler.
func debugMux(cfg config.DebugConfig, gatherer prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	if cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", pprofhttp.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprofhttp.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprofhttp.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprofhttp.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprofhttp.Trace)
	}
	if cfg.Metrics {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}
