package riemann

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"rmagent/internal/schedule"
	"rmagent/internal/transport"
)

const (
	// TransportDatagram sends each batch as one UDP packet.
	TransportDatagram = "datagram"
	// TransportStream sends each batch as one framed request over a persistent TCP connection.
	TransportStream = "stream"

	// DefaultPort is the collector's standard port for both transports.
	DefaultPort = 5555
)

// Config defines collector endpoint and client behavior.
// Params: Host/Port collector endpoint; Transport mode; error policy flags; timing and size limits.
// Returns: client settings consumed by New.
type Config struct {
	Host      string
	Port      int
	Transport string

	// SuppressSendErrors drops connection and I/O failures of SendEvent(s) instead of returning them.
	SuppressSendErrors bool
	// ThrowOnTickError hands tick callback failures to the error handler instead of logging them at debug.
	ThrowOnTickError bool
	// StreamFallback keeps a stream path in datagram mode for oversize batches and queries.
	StreamFallback bool

	ReconnectInterval time.Duration
	DialTimeout       time.Duration
	IOTimeout         time.Duration
	MaxDatagramSize   int

	// Hostname overrides the canonical local hostname stamped on events without a host.
	Hostname string
	// TickPulse is the scheduler period; one tick interval unit.
	TickPulse time.Duration
}

// withDefaults fills zero values with package defaults.
// Params: none.
// Returns: completed copy of the config.
func (c Config) withDefaults() Config {
	c.Host = strings.TrimSpace(c.Host)
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	c.Transport = strings.ToLower(strings.TrimSpace(c.Transport))
	if c.Transport == "" {
		c.Transport = TransportStream
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = transport.DefaultReconnectInterval
	}
	if c.MaxDatagramSize <= 0 {
		c.MaxDatagramSize = transport.DefaultMaxDatagramSize
	}
	if c.TickPulse <= 0 {
		c.TickPulse = schedule.DefaultPulse
	}
	return c
}

// validate checks a defaulted config.
// Params: none.
// Returns: first configuration error.
func (c Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("riemann port must be in 1..65535, got %d", c.Port)
	}
	switch c.Transport {
	case TransportDatagram, TransportStream:
	default:
		return fmt.Errorf("riemann transport must be %q or %q, got %q", TransportDatagram, TransportStream, c.Transport)
	}
	if c.DialTimeout < 0 || c.IOTimeout < 0 {
		return fmt.Errorf("riemann timeouts cannot be negative")
	}
	return nil
}

// address returns the collector host:port.
func (c Config) address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// hasStream reports whether the config needs a connection manager.
func (c Config) hasStream() bool {
	return c.Transport == TransportStream || c.StreamFallback
}
