package auth

import (
	"context"
	"net"
	"time"

	"github.com/die-net/portmux/internal/ssh"
)

// NativeGate runs the probe with the in-process SSH client instead of an
// external binary. Semantics match ExecGate with BatchMode=yes.
type NativeGate struct {
	Config  ssh.Config
	Command string
	Timeout time.Duration
}

func (g *NativeGate) Authenticate(ctx context.Context, conn net.Conn) Result {
	start := time.Now()
	ctx, cancel := withTimeout(ctx, g.Timeout)
	defer cancel()

	command := g.Command
	if command == "" {
		command = "true"
	}

	diag := &capture{limit: MaxDiagnostics}
	code, err := ssh.Probe(ctx, conn, g.Config, command, diag)
	return Result{
		ExitCode:    code,
		Diagnostics: diag.Bytes(),
		Err:         err,
		Duration:    time.Since(start),
	}
}
