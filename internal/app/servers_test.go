package app

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"rmagent/internal/config"
)

type toggleSource struct {
	serving atomic.Bool
}

func (s *toggleSource) Serving() bool {
	return s.serving.Load()
}

// reserveListen returns a free loopback address.
// Params: t test context.
// Returns: host:port string.
func reserveListen(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := listener.Addr().String()
	_ = listener.Close()
	return addr
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// TestHealthServer_MirrorsSource verifies gRPC health follows the agent serving state.
// Params: t test context.
// Returns: none.
func TestHealthServer_MirrorsSource(t *testing.T) {
	addr := reserveListen(t)
	source := &toggleSource{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop, err := startHealthServer(ctx, config.HealthConfig{Enabled: true, Listen: addr}, source, discardLogger())
	if err != nil {
		t.Fatalf("start health: %v", err)
	}
	defer stop()

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial health: %v", err)
	}
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	waitHealth(t, client, healthpb.HealthCheckResponse_NOT_SERVING)
	source.serving.Store(true)
	waitHealth(t, client, healthpb.HealthCheckResponse_SERVING)
	source.serving.Store(false)
	waitHealth(t, client, healthpb.HealthCheckResponse_NOT_SERVING)
}

// TestHealthServer_DisabledIsNoop verifies disabled health does not listen.
// Params: t test context.
// Returns: none.
func TestHealthServer_DisabledIsNoop(t *testing.T) {
	stop, err := startHealthServer(context.Background(), config.HealthConfig{}, &toggleSource{}, discardLogger())
	if err != nil {
		t.Fatalf("start health: %v", err)
	}
	stop()
	stop()
}

// waitHealth polls the health service until it reports want.
// Params: t test context; client health client; want expected status.
// Returns: none; fails test on timeout.
func waitHealth(t *testing.T, client healthpb.HealthClient, want healthpb.HealthCheckResponse_ServingStatus) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	var last healthpb.HealthCheckResponse_ServingStatus
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: HealthService})
		cancel()
		if err == nil {
			last = resp.GetStatus()
			if last == want {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timeout waiting health=%s (last=%s)", want, last)
}

// TestDebugServer_ServesMetricsAndPprof verifies debug handlers honor their toggles.
// Params: t test context.
// Returns: none.
func TestDebugServer_ServesMetricsAndPprof(t *testing.T) {
	addr := reserveListen(t)
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "rmagent_test_total", Help: "test"})
	registry.MustRegister(counter)
	counter.Add(3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop, err := startDebugServer(ctx, config.DebugConfig{Metrics: true, Listen: addr}, registry, discardLogger())
	if err != nil {
		t.Fatalf("start debug: %v", err)
	}
	defer stop()

	body := httpGet(t, "http://"+addr+"/metrics", http.StatusOK)
	if !strings.Contains(body, "rmagent_test_total 3") {
		t.Fatalf("expected counter in /metrics, got %q", body)
	}
	httpGet(t, "http://"+addr+"/debug/pprof/", http.StatusNotFound)
}

// TestDebugServer_DisabledIsNoop verifies no listener without handlers.
// Params: t test context.
// Returns: none.
func TestDebugServer_DisabledIsNoop(t *testing.T) {
	stop, err := startDebugServer(context.Background(), config.DebugConfig{Listen: "invalid"}, prometheus.NewRegistry(), discardLogger())
	if err != nil {
		t.Fatalf("start debug: %v", err)
	}
	stop()
}

// TestNewRegistry_IncludesRuntimeCollectors verifies Go runtime metrics are exposed.
// Params: t test context.
// Returns: none.
func TestNewRegistry_IncludesRuntimeCollectors(t *testing.T) {
	registry, err := newRegistry()
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, family := range families {
		if family.GetName() == "go_goroutines" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected go_goroutines in runtime registry")
	}
}

// httpGet fetches url and asserts the status code.
// Params: t test context; url target; status expected code.
// Returns: response body.
func httpGet(t *testing.T, url string, status int) string {
	t.Helper()
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read %s: %v", url, err)
	}
	if resp.StatusCode != status {
		t.Fatalf("get %s: status=%d, want=%d", url, resp.StatusCode, status)
	}
	return string(payload)
}
