package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"rmagent/internal/checks"
	"rmagent/internal/config"
	"rmagent/riemann"
)

// agent owns one riemann client and the check ticks registered on it.
type agent struct {
	client  *riemann.Client
	logger  *slog.Logger
	scopes  []*riemann.TagScope
	handles []*riemann.TickHandle
	stream  bool
}

// newAgent builds a client from config, pushes global tags and registers every check as a tick.
// Params: ctx bounds check runs; cfg validated config; logger runtime logger; registerer receives client metrics.
// Returns: agent runner or build error (partially built state is released).
func newAgent(ctx context.Context, cfg *config.Config, logger *slog.Logger, registerer prometheus.Registerer) (agentRunner, error) {
	client, err := riemann.New(
		clientConfig(cfg),
		riemann.WithLogger(logger),
		riemann.WithRegisterer(registerer),
		riemann.WithTickErrorHandler(func(err error) {
			logger.Error("check failed", slog.String("error", err.Error()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create riemann client: %w", err)
	}

	a := &agent{
		client: client,
		logger: logger,
		stream: cfg.Riemann.Transport == riemann.TransportStream || cfg.Riemann.StreamFallback,
	}
	for _, tag := range cfg.Global.Tags {
		a.scopes = append(a.scopes, client.Tag(tag))
	}

	for idx, checkCfg := range cfg.Check {
		check, err := checks.New(checkCfg)
		if err != nil {
			a.release()
			return nil, fmt.Errorf("check[%d]: %w", idx, err)
		}
		check = checks.Decorate(check, checkCfg.Tags, checkCfg.Attributes, checkCfg.TTL.Duration)

		handle, err := client.Tick(checkCfg.IntervalSeconds(), checkCfg.Service, func() (riemann.TickResult, error) {
			return check.Run(ctx)
		})
		if err != nil {
			a.release()
			return nil, fmt.Errorf("register check %q: %w", checkCfg.Name, err)
		}
		a.handles = append(a.handles, handle)

		logger.Debug(
			"check registered",
			slog.String("name", checkCfg.Name),
			slog.String("kind", checkCfg.Kind),
			slog.String("service", checkCfg.Service),
			slog.Int("interval_seconds", int(checkCfg.IntervalSeconds())),
		)
	}

	return a, nil
}

// clientConfig maps the [riemann] and [global] sections onto client settings.
// Params: cfg validated config.
// Returns: client config.
func clientConfig(cfg *config.Config) riemann.Config {
	return riemann.Config{
		Host:               cfg.Riemann.Host,
		Port:               cfg.Riemann.Port,
		Transport:          cfg.Riemann.Transport,
		SuppressSendErrors: cfg.Riemann.SuppressSendErrors,
		ThrowOnTickError:   cfg.Riemann.ThrowOnTickError,
		StreamFallback:     cfg.Riemann.StreamFallback,
		ReconnectInterval:  cfg.Riemann.ReconnectInterval.Duration,
		DialTimeout:        cfg.Riemann.DialTimeout.Duration,
		IOTimeout:          cfg.Riemann.IOTimeout.Duration,
		MaxDatagramSize:    cfg.Riemann.MaxDatagramSize,
		Hostname:           cfg.Global.Host,
	}
}

// Run blocks until ctx is canceled, then cancels ticks, releases tags and closes the client.
// Params: ctx runtime lifecycle.
// Returns: nil; close errors are logged.
func (a *agent) Run(ctx context.Context) error {
	<-ctx.Done()
	a.release()
	return nil
}

// Serving reports whether events can currently reach the collector.
// Params: none.
// Returns: true when the stream is connected, always true for datagram-only delivery.
func (a *agent) Serving() bool {
	if !a.stream {
		return true
	}
	return a.client.ConnectionState() == riemann.Connected
}

// release tears the agent down in reverse registration order.
func (a *agent) release() {
	for _, handle := range a.handles {
		handle.Cancel()
	}
	a.handles = nil
	for idx := len(a.scopes) - 1; idx >= 0; idx-- {
		a.scopes[idx].Release()
	}
	a.scopes = nil

	if err := a.client.Close(); err != nil {
		a.logger.Warn("riemann client close error", slog.String("error", err.Error()))
	}
}
