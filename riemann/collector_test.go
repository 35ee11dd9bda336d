package riemann

import (
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"rmagent/internal/riemannpb"
	"rmagent/internal/transport"
)

// fakeCollector accepts framed TCP requests and UDP datagrams on one port.
type fakeCollector struct {
	t        *testing.T
	listener net.Listener
	packets  net.PacketConn

	mu        sync.Mutex
	stream    []*riemannpb.Msg
	datagrams []*riemannpb.Msg
	conns     []net.Conn
	reply     func(*riemannpb.Msg) *riemannpb.Msg

	wg sync.WaitGroup
}

// startCollector listens on a free loopback port for both transports.
// Params: t test context.
// Returns: running collector; stopped by t.Cleanup.
func startCollector(t *testing.T) *fakeCollector {
	t.Helper()
	for attempt := 0; attempt < 10; attempt++ {
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("listen tcp: %v", err)
		}
		packets, err := net.ListenPacket("udp", listener.Addr().String())
		if err != nil {
			_ = listener.Close()
			continue
		}
		return runCollector(t, listener, packets)
	}
	t.Fatalf("no free port for tcp+udp collector")
	return nil
}

// startCollectorAt listens for stream requests on a fixed address.
// Params: t test context; address host:port.
// Returns: running collector without a datagram socket.
func startCollectorAt(t *testing.T, address string) *fakeCollector {
	t.Helper()
	listener, err := net.Listen("tcp", address)
	if err != nil {
		t.Fatalf("listen tcp %s: %v", address, err)
	}
	return runCollector(t, listener, nil)
}

// runCollector starts serve loops and registers cleanup.
// Params: t test context; listener stream socket; packets datagram socket (optional).
// Returns: running collector.
func runCollector(t *testing.T, listener net.Listener, packets net.PacketConn) *fakeCollector {
	c := &fakeCollector{t: t, listener: listener, packets: packets}
	c.wg.Add(1)
	go c.acceptLoop()
	if packets != nil {
		c.wg.Add(1)
		go c.packetLoop()
	}
	t.Cleanup(c.stop)
	return c
}

// acceptLoop serves stream connections until stop.
// Params: none.
// Returns: none.
func (c *fakeCollector) acceptLoop() {
	defer c.wg.Done()
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			return
		}
		c.mu.Lock()
		c.conns = append(c.conns, conn)
		c.mu.Unlock()

		c.wg.Add(1)
		go c.serve(conn)
	}
}

// serve answers every framed request with the configured reply.
// Params: conn accepted stream connection.
// Returns: none.
func (c *fakeCollector) serve(conn net.Conn) {
	defer c.wg.Done()
	defer conn.Close()
	for {
		raw, err := transport.ReadFrame(conn)
		if err != nil {
			return
		}
		msg, err := riemannpb.Unmarshal(raw)
		if err != nil {
			c.t.Errorf("collector decode: %v", err)
			return
		}

		c.mu.Lock()
		c.stream = append(c.stream, msg)
		reply := c.reply
		c.mu.Unlock()

		out := &riemannpb.Msg{OK: boolPtr(true)}
		if reply != nil {
			out = reply(msg)
		}
		if err := transport.WriteFrame(conn, out.Marshal()); err != nil {
			return
		}
	}
}

// packetLoop records datagrams until stop.
// Params: none.
// Returns: none.
func (c *fakeCollector) packetLoop() {
	defer c.wg.Done()
	buf := make([]byte, 65536)
	for {
		n, _, err := c.packets.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		msg, err := riemannpb.Unmarshal(buf[:n])
		if err != nil {
			c.t.Errorf("collector decode datagram: %v", err)
			continue
		}
		c.mu.Lock()
		c.datagrams = append(c.datagrams, msg)
		c.mu.Unlock()
	}
}

// setReply replaces the reply builder.
// Params: fn builds a reply from the request.
// Returns: none.
func (c *fakeCollector) setReply(fn func(*riemannpb.Msg) *riemannpb.Msg) {
	c.mu.Lock()
	c.reply = fn
	c.mu.Unlock()
}

// streamEvents returns every event received over the stream.
func (c *fakeCollector) streamEvents() []*riemannpb.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*riemannpb.Event
	for _, msg := range c.stream {
		out = append(out, msg.Events...)
	}
	return out
}

// streamMessages returns the number of stream requests received.
func (c *fakeCollector) streamMessages() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.stream)
}

// datagramEvents returns every event received over UDP.
func (c *fakeCollector) datagramEvents() []*riemannpb.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*riemannpb.Event
	for _, msg := range c.datagrams {
		out = append(out, msg.Events...)
	}
	return out
}

// config returns a client config pointing at the collector.
// Params: mode transport name.
// Returns: fast-reconnecting client config.
func (c *fakeCollector) config(mode string) Config {
	host, portText, _ := net.SplitHostPort(c.listener.Addr().String())
	port, _ := strconv.Atoi(portText)
	return Config{
		Host:              host,
		Port:              port,
		Transport:         mode,
		ReconnectInterval: 20 * time.Millisecond,
		IOTimeout:         2 * time.Second,
		Hostname:          "test-host",
	}
}

// stop closes sockets and waits for serve loops.
// Params: none.
// Returns: none.
func (c *fakeCollector) stop() {
	_ = c.listener.Close()
	if c.packets != nil {
		_ = c.packets.Close()
	}
	c.mu.Lock()
	for _, conn := range c.conns {
		_ = conn.Close()
	}
	c.conns = nil
	c.mu.Unlock()
	c.wg.Wait()
}

// reservedConfig returns a stream config for a loopback port with nothing listening.
// Params: t test context.
// Returns: client config and its address.
func reservedConfig(t *testing.T) (Config, string) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	address := listener.Addr().String()
	_ = listener.Close()

	host, portText, _ := net.SplitHostPort(address)
	port, _ := strconv.Atoi(portText)
	return Config{
		Host:              host,
		Port:              port,
		Transport:         TransportStream,
		ReconnectInterval: 20 * time.Millisecond,
		IOTimeout:         2 * time.Second,
		Hostname:          "test-host",
	}, address
}

// waitFor polls cond until it holds or the deadline passes.
// Params: t test context; what description; cond condition.
// Returns: none; fails the test on timeout.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func boolPtr(v bool) *bool {
	return &v
}
