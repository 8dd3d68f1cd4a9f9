package proxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	txsocks5 "github.com/txthinking/socks5"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/portmux/internal/auth"
	"github.com/die-net/portmux/internal/certs"
	"github.com/die-net/portmux/internal/metrics"
	"github.com/die-net/portmux/internal/testutil"
)

type recordingLog struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLog) Printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *recordingLog) contains(substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

func (l *recordingLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lines)
}

// countingGate returns res for every call and counts the calls.
func countingGate(res auth.Result) (auth.Gate, *atomic.Int32) {
	var calls atomic.Int32
	return auth.GateFunc(func(context.Context, net.Conn) auth.Result {
		calls.Add(1)
		return res
	}), &calls
}

func startServer(t *testing.T, cfg Config) string {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())

	ln, err := Listen(ctx, "127.0.0.1", 0, net.KeepAliveConfig{Enable: false})
	if err != nil {
		cancel()
		t.Fatal(err)
	}
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })

	srv := NewServer(cfg)
	var g errgroup.Group
	g.Go(func() error { return srv.Serve(ctx, ln) })

	t.Cleanup(func() {
		cancel()
		stop()
		if err := g.Wait(); err != nil {
			t.Error(err)
		}
	})
	return ln.Addr().String()
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()

	var d net.Dialer
	c, err := d.DialContext(context.Background(), "tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))
	return c
}

func readExactly(t *testing.T, r io.Reader, want string) {
	t.Helper()

	buf := make([]byte, len(want))
	if _, err := io.ReadFull(r, buf); err != nil {
		t.Fatalf("reading %q: %v", want, err)
	}
	if string(buf) != want {
		t.Fatalf("expected %q got %q", want, string(buf))
	}
}

func TestSOCKS5Branch(t *testing.T) {
	gate, calls := countingGate(auth.Result{})
	events := &recordingLog{}
	addr := startServer(t, Config{Port: 1080, Gate: gate, Log: events})

	c := dial(t, addr)
	if _, err := c.Write([]byte{txsocks5.Ver, 0x01}); err != nil {
		t.Fatal(err)
	}

	readExactly(t, c, AcceptResponse+"\x05\x00")
	// The version byte was consumed by the handshake; 0x01 reaches the relay.
	readExactly(t, c, "\x01")
	testutil.AssertEcho(t, c, c, []byte("hello"))

	if n := calls.Load(); n != 1 {
		t.Fatalf("gate ran %d times", n)
	}
	for _, want := range []string{"sent HTTP/1.1 200 PROXY-GO2.0", "socks5 connected", "socks5 tunnel active", "port 1080"} {
		if !events.contains(want) {
			t.Errorf("missing event %q in %q", want, events.lines)
		}
	}
}

func TestSOCKS5BranchWithClientHelpers(t *testing.T) {
	addr := startServer(t, Config{})

	c := dial(t, addr)
	if err := testutil.WriteSOCKS5Negotiation(c); err != nil {
		t.Fatal(err)
	}
	if err := testutil.ReadSOCKS5Handshake(c, AcceptResponse); err != nil {
		t.Fatal(err)
	}
}

func TestTLSBranch(t *testing.T) {
	dir := t.TempDir()
	paths := certs.Paths{Cert: filepath.Join(dir, "cert.pem"), Key: filepath.Join(dir, "key.pem")}
	if err := (certs.SelfSignedIssuer{}).Issue(context.Background(), paths); err != nil {
		t.Fatal(err)
	}
	tlsConfig, err := certs.NewServerConfig(paths)
	if err != nil {
		t.Fatal(err)
	}

	gate, calls := countingGate(auth.Result{})
	events := &recordingLog{}
	addr := startServer(t, Config{TLSConfig: tlsConfig, Gate: gate, Log: events})

	raw := dial(t, addr)
	c := tls.Client(raw, &tls.Config{ServerName: certs.CommonName, InsecureSkipVerify: true}) //nolint:gosec // Self-signed test certificate.
	if err := c.Handshake(); err != nil {
		t.Fatal(err)
	}

	readExactly(t, c, UpgradeResponse)
	testutil.AssertEcho(t, c, c, []byte("over tls"))

	if n := calls.Load(); n != 1 {
		t.Fatalf("gate ran %d times", n)
	}
	if !events.contains("sent HTTP/1.1 101 PROXY-GO2.0") || !events.contains("tls tunnel active") {
		t.Fatalf("unexpected events %q", events.lines)
	}
}

func TestTLSWithoutConfig(t *testing.T) {
	gate, calls := countingGate(auth.Result{})
	events := &recordingLog{}
	addr := startServer(t, Config{Gate: gate, Log: events})

	before := promtest.ToFloat64(metrics.TLSHandshakeFailures)

	c := dial(t, addr)
	if _, err := c.Write([]byte{0x16}); err != nil {
		t.Fatal(err)
	}
	testutil.AssertClosed(t, c)

	if n := calls.Load(); n != 0 {
		t.Fatalf("gate ran %d times", n)
	}
	if events.len() != 0 {
		t.Fatalf("unexpected events %q", events.lines)
	}
	if after := promtest.ToFloat64(metrics.TLSHandshakeFailures); after <= before {
		t.Fatalf("handshake failures not counted: %v -> %v", before, after)
	}
}

func TestTLSHandshakeFailure(t *testing.T) {
	dir := t.TempDir()
	paths := certs.Paths{Cert: filepath.Join(dir, "cert.pem"), Key: filepath.Join(dir, "key.pem")}
	if err := (certs.SelfSignedIssuer{}).Issue(context.Background(), paths); err != nil {
		t.Fatal(err)
	}
	tlsConfig, err := certs.NewServerConfig(paths)
	if err != nil {
		t.Fatal(err)
	}

	gate, calls := countingGate(auth.Result{})
	addr := startServer(t, Config{TLSConfig: tlsConfig, Gate: gate})

	c := dial(t, addr)
	if _, err := c.Write([]byte("\x16 this is not a client hello\r\n\r\n")); err != nil {
		t.Fatal(err)
	}

	// The server may send an alert; it must never send the upgrade line.
	got, _ := io.ReadAll(c)
	if bytes.Contains(got, []byte("PROXY-GO2.0")) {
		t.Fatalf("upgrade line sent after failed handshake: %q", got)
	}
	if n := calls.Load(); n != 0 {
		t.Fatalf("gate ran %d times", n)
	}
}

func TestPlainBranch(t *testing.T) {
	gate, calls := countingGate(auth.Result{})
	addr := startServer(t, Config{Gate: gate})

	for _, first := range []byte{'A', 'G', 0x00, 0x04, 0x06, 0x15, 0x17, 0xff} {
		c := dial(t, addr)
		if _, err := c.Write([]byte{first}); err != nil {
			t.Fatal(err)
		}

		readExactly(t, c, AcceptResponse)
		// The sniffed byte is left for whatever reads next.
		readExactly(t, c, string([]byte{first}))
		testutil.AssertEcho(t, c, c, []byte("GET / HTTP/1.1\r\n\r\n"))
		_ = c.Close()
	}

	if n := calls.Load(); n != 8 {
		t.Fatalf("gate ran %d times, want once per connection", n)
	}
}

func TestNoDataClosesSilently(t *testing.T) {
	gate, calls := countingGate(auth.Result{})
	events := &recordingLog{}
	addr := startServer(t, Config{Gate: gate, Log: events})

	c := dial(t, addr)
	if err := c.(*net.TCPConn).CloseWrite(); err != nil {
		t.Fatal(err)
	}

	got, err := io.ReadAll(c)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no response, got %q", got)
	}
	if n := calls.Load(); n != 0 {
		t.Fatalf("gate ran %d times", n)
	}
	if events.len() != 0 {
		t.Fatalf("unexpected events %q", events.lines)
	}
}

func TestNegotiationTimeout(t *testing.T) {
	addr := startServer(t, Config{NegotiationTimeout: 50 * time.Millisecond})

	c := dial(t, addr)
	testutil.AssertClosed(t, c)
}

func TestAuthFailure(t *testing.T) {
	failed := auth.Result{ExitCode: 255, Err: errors.New("exit status 255")}

	tests := []struct {
		name    string
		enforce bool
	}{
		{name: "recorded", enforce: false},
		{name: "enforced", enforce: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Like ssh, the gate consumes what the client sent.
			var calls atomic.Int32
			gate := auth.GateFunc(func(_ context.Context, conn net.Conn) auth.Result {
				calls.Add(1)
				buf := make([]byte, 1)
				if _, err := io.ReadFull(conn, buf); err != nil {
					return auth.Result{ExitCode: -1, Err: err}
				}
				return failed
			})
			events := &recordingLog{}
			addr := startServer(t, Config{Gate: gate, EnforceAuth: tt.enforce, Log: events})

			c := dial(t, addr)
			if _, err := c.Write([]byte("A")); err != nil {
				t.Fatal(err)
			}
			readExactly(t, c, AcceptResponse)

			if tt.enforce {
				testutil.AssertClosed(t, c)
			} else {
				testutil.AssertEcho(t, c, c, []byte("still here"))
			}

			if n := calls.Load(); n != 1 {
				t.Fatalf("gate ran %d times", n)
			}
			if !events.contains("exit status 255") {
				t.Fatalf("failure not logged: %q", events.lines)
			}
		})
	}
}

func TestMaxConns(t *testing.T) {
	addr := startServer(t, Config{MaxConns: 1})

	first := dial(t, addr)
	if _, err := first.Write([]byte("A")); err != nil {
		t.Fatal(err)
	}
	readExactly(t, first, AcceptResponse+"A")

	second := dial(t, addr)
	if _, err := second.Write([]byte("B")); err != nil {
		t.Fatal(err)
	}

	_ = second.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	buf := make([]byte, 1)
	if n, err := second.Read(buf); n != 0 || err == nil {
		t.Fatalf("second connection served while first was active: %d %v", n, err)
	}

	_ = first.Close()
	_ = second.SetReadDeadline(time.Now().Add(5 * time.Second))
	readExactly(t, second, AcceptResponse+"B")
}

func TestServeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln, err := Listen(ctx, "127.0.0.1", 0, net.KeepAliveConfig{Enable: false})
	if err != nil {
		t.Fatal(err)
	}
	context.AfterFunc(ctx, func() { _ = ln.Close() })

	var g errgroup.Group
	g.Go(func() error { return NewServer(Config{}).Serve(ctx, ln) })

	c := dial(t, ln.Addr().String())
	if _, err := c.Write([]byte("A")); err != nil {
		t.Fatal(err)
	}
	readExactly(t, c, AcceptResponse+"A")

	cancel()
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	testutil.AssertClosed(t, c)
}

func TestServeStopsAfterFailedExecGate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln, err := Listen(ctx, "127.0.0.1", 0, net.KeepAliveConfig{Enable: false})
	if err != nil {
		t.Fatal(err)
	}
	context.AfterFunc(ctx, func() { _ = ln.Close() })

	gate := auth.NewExecGate(filepath.Join(t.TempDir(), "no-ssh"), "localhost", "true", 0)
	done := make(chan error, 1)
	go func() { done <- NewServer(Config{Gate: gate}).Serve(ctx, ln) }()

	c := dial(t, ln.Addr().String())
	if _, err := c.Write([]byte("A")); err != nil {
		t.Fatal(err)
	}
	readExactly(t, c, AcceptResponse+"A")

	// The client stays idle, so its handler is parked in a relay Read.
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	testutil.AssertClosed(t, c)
}
