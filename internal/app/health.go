package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"rmagent/internal/config"
)

// HealthService is the gRPC health service name reported next to the server-wide "" entry.
const HealthService = "rmagent"

const healthPollInterval = 250 * time.Millisecond

// healthSource reports whether the agent can deliver events.
type healthSource interface {
	Serving() bool
}

// startHealthServer starts the optional gRPC health endpoint that mirrors collector reachability.
// Params: ctx controls lifecycle; cfg provides enabled/listen options; source polled for serving state; logger reports runtime events.
// Returns: stop function (idempotent) and startup error.
func startHealthServer(ctx context.Context, cfg config.HealthConfig, source healthSource, logger *slog.Logger) (func(), error) {
	if !cfg.Enabled {
		return func() {}, nil
	}

	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen %q: %w", cfg.Listen, err)
	}

	server := grpc.NewServer()
	status := health.NewServer()
	healthpb.RegisterHealthServer(server, status)

	update := func() {
		next := healthpb.HealthCheckResponse_NOT_SERVING
		if source.Serving() {
			next = healthpb.HealthCheckResponse_SERVING
		}
		status.SetServingStatus("", next)
		status.SetServingStatus(HealthService, next)
	}
	update()

	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			status.Shutdown()
			server.Stop()
		})
	}

	go func() {
		ticker := time.NewTicker(healthPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				stop()
				return
			case <-done:
				return
			case <-ticker.C:
				update()
			}
		}
	}()

	go func() {
		if err := server.Serve(listener); err != nil {
			logger.Error("health server failed", slog.String("addr", cfg.Listen), slog.String("error", err.Error()))
		}
	}()

	logger.Info("health server started", slog.String("addr", listener.Addr().String()))
	return stop, nil
}
