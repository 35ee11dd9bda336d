package app

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"rmagent/internal/config"
	"rmagent/internal/riemannpb"
	"rmagent/internal/transport"
)

// streamCollector acknowledges framed messages and records their events.
type streamCollector struct {
	listener net.Listener
	events   chan *riemannpb.Event
	wg       sync.WaitGroup
}

// startStreamCollector listens on a free loopback port.
// Params: t test context.
// Returns: running collector; stopped by t.Cleanup.
func startStreamCollector(t *testing.T) *streamCollector {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	c := &streamCollector{listener: listener, events: make(chan *riemannpb.Event, 64)}
	c.wg.Add(1)
	go c.accept()
	t.Cleanup(func() {
		_ = listener.Close()
		c.wg.Wait()
	})
	return c
}

func (c *streamCollector) accept() {
	defer c.wg.Done()
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			return
		}
		c.wg.Add(1)
		go c.serve(conn)
	}
}

func (c *streamCollector) serve(conn net.Conn) {
	defer c.wg.Done()
	defer conn.Close()

	ok := true
	reply := (&riemannpb.Msg{OK: &ok}).Marshal()
	for {
		payload, err := transport.ReadFrame(conn)
		if err != nil {
			return
		}
		msg, err := riemannpb.Unmarshal(payload)
		if err != nil {
			return
		}
		for _, ev := range msg.Events {
			select {
			case c.events <- ev:
			default:
			}
		}
		if err := transport.WriteFrame(conn, reply); err != nil {
			return
		}
	}
}

// port returns the listening port.
func (c *streamCollector) port() int {
	return c.listener.Addr().(*net.TCPAddr).Port
}

// TestAgent_PublishesScriptCheck verifies a configured check reaches the collector with global and check decoration.
// Params: t test context.
// Returns: none.
func TestAgent_PublishesScriptCheck(t *testing.T) {
	collector := startStreamCollector(t)

	script := filepath.Join(t.TempDir(), "check.sh")
	body := "#!/bin/sh\nprintf '%s\\n' '{\"state\":\"ok\",\"description\":\"fine\",\"metric\":3,\"tags\":[\"script\"]}'\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	cfg := &config.Config{
		Global: config.GlobalConfig{Host: "agent-host", Tags: []string{"prod"}},
		Riemann: config.RiemannConfig{
			Host:              "127.0.0.1",
			Port:              collector.port(),
			Transport:         "stream",
			ReconnectInterval: config.Duration{Duration: 20 * time.Millisecond},
			DialTimeout:       config.Duration{Duration: time.Second},
			IOTimeout:         config.Duration{Duration: 2 * time.Second},
		},
		Check: []config.CheckConfig{{
			Name:       "queue",
			Kind:       config.CheckScript,
			Service:    "queue depth",
			Interval:   config.Duration{Duration: time.Second},
			Tags:       []string{"queue"},
			Attributes: map[string]string{"team": "core"},
			Path:       script,
			Timeout:    config.Duration{Duration: 2 * time.Second},
		}},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	runner, err := newAgent(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), registry)
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		done <- runner.Run(ctx)
	}()

	var ev *riemannpb.Event
	select {
	case ev = <-collector.events:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for check event")
	}

	if ev.Service != "queue depth" || ev.State != "ok" || ev.Host != "agent-host" {
		t.Fatalf("unexpected event identity: %+v", ev)
	}
	want := []string{"script", "queue", "prod"}
	if len(ev.Tags) != len(want) {
		t.Fatalf("unexpected tags: %v", ev.Tags)
	}
	for idx := range want {
		if ev.Tags[idx] != want[idx] {
			t.Fatalf("unexpected tags: %v", ev.Tags)
		}
	}
	if len(ev.Attributes) != 1 || ev.Attributes[0].Key != "team" || ev.Attributes[0].Value != "core" {
		t.Fatalf("unexpected attributes: %+v", ev.Attributes)
	}
	if ev.TTL != 2 {
		t.Fatalf("expected derived ttl 2, got %v", ev.TTL)
	}
	if !runner.Serving() {
		t.Fatal("expected agent to be serving after delivery")
	}
	if got := gatherCount(t, registry); got == 0 {
		t.Fatal("expected client metrics in runtime registry")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting agent stop")
	}
	if got := gatherCount(t, registry); got != 0 {
		t.Fatalf("expected client metrics unregistered on stop, have %d", got)
	}
}

// TestAgent_DatagramOnlyAlwaysServing verifies health without a stream path.
// Params: t test context.
// Returns: none.
func TestAgent_DatagramOnlyAlwaysServing(t *testing.T) {
	cfg := testConfig("h1", 0)
	cfg.Riemann.Transport = "datagram"

	ctx, cancel := context.WithCancel(context.Background())
	runner, err := newAgent(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	if !runner.Serving() {
		t.Fatal("expected datagram-only agent to report serving")
	}
	cancel()
	if err := runner.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
}

// TestAgent_RejectsUnknownCheck verifies build errors release the client.
// Params: t test context.
// Returns: none.
func TestAgent_RejectsUnknownCheck(t *testing.T) {
	cfg := testConfig("h1", 1)
	cfg.Check[0].Kind = "disk"
	registry := prometheus.NewRegistry()

	_, err := newAgent(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), registry)
	if err == nil || !strings.Contains(err.Error(), "unsupported kind") {
		t.Fatalf("expected unsupported check error, got %v", err)
	}
	if got := gatherCount(t, registry); got != 0 {
		t.Fatalf("expected metrics released after failed build, have %d", got)
	}
}

// gatherCount counts metric series exposed by a registry.
// Params: t test context; gatherer registry under test.
// Returns: series count.
func gatherCount(t *testing.T, gatherer prometheus.Gatherer) int {
	t.Helper()
	count, err := testutil.GatherAndCount(gatherer)
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	return count
}
