package auth

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/die-net/portmux/internal/ssh"
	"github.com/die-net/portmux/internal/testutil"
)

func TestNativeGate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status uint32
		ok     bool
	}{
		{name: "success", status: 0, ok: true},
		{name: "remote failure", status: 1, ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			client, server := testutil.TCPPair(t)
			srv := &testutil.SSHExecServer{
				HostKey:    testutil.NewSignerForTest(t),
				ExitStatus: tt.status,
				Stderr:     "diag",
			}
			go func() { _ = srv.Serve(client) }()

			g := &NativeGate{
				Config:  ssh.Config{User: "user", Host: "localhost"},
				Timeout: 5 * time.Second,
			}
			res := g.Authenticate(context.Background(), server)
			if res.OK() != tt.ok {
				t.Fatalf("expected OK()=%v got %+v", tt.ok, res)
			}
			if res.ExitCode != int(tt.status) {
				t.Fatalf("expected exit %d got %d", tt.status, res.ExitCode)
			}
			if string(res.Diagnostics) != "diag" {
				t.Fatalf("expected diagnostics %q got %q", "diag", res.Diagnostics)
			}
			if cmds := srv.Commands(); len(cmds) != 1 || cmds[0] != "true" {
				t.Fatalf("unexpected commands %q", cmds)
			}
		})
	}
}

func TestNativeGateNotSSH(t *testing.T) {
	t.Parallel()

	client, server := testutil.TCPPair(t)
	go func() {
		_, _ = client.Write([]byte("GET / HTTP/1.1\r\n\r\n"))
	}()

	g := &NativeGate{Config: ssh.Config{User: "user", Host: "localhost", HandshakeTimeout: time.Second}}
	res := g.Authenticate(context.Background(), server)
	if res.OK() || res.Err == nil {
		t.Fatalf("expected failure against a non-SSH peer, got %+v", res)
	}
	if res.ExitCode != ssh.NoExitStatus {
		t.Fatalf("expected %d got %d", ssh.NoExitStatus, res.ExitCode)
	}
}

func TestSkipAndGateFunc(t *testing.T) {
	if res := (Skip{}).Authenticate(context.Background(), nil); !res.OK() {
		t.Fatalf("Skip should succeed, got %+v", res)
	}

	calls := 0
	var g Gate = GateFunc(func(context.Context, net.Conn) Result {
		calls++
		return Result{ExitCode: 3}
	})
	if res := g.Authenticate(context.Background(), nil); res.OK() || calls != 1 {
		t.Fatalf("unexpected %+v after %d calls", res, calls)
	}
}
