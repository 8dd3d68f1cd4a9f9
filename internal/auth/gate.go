// Package auth implements the per-connection authentication gate.
//
// A [Gate] runs one SSH login attempt using the client's own connection as
// transport and reports a structured [Result]. Whether a failed Result blocks
// the tunnel is the caller's decision.
package auth

import (
	"context"
	"net"
	"time"
)

// MaxDiagnostics caps how much of the probe's diagnostic stream is kept.
// The rest is still drained.
const MaxDiagnostics = 64 << 10

// Result is the outcome of one authentication attempt.
type Result struct {
	// ExitCode is the probe's exit status, or -1 if it never reported one.
	ExitCode int
	// Diagnostics is the captured standard error, truncated to MaxDiagnostics.
	Diagnostics []byte
	// Err is set when the probe could not run or did not succeed.
	Err      error
	Duration time.Duration
}

// OK reports whether the probe ran and exited zero.
func (r Result) OK() bool {
	return r.Err == nil && r.ExitCode == 0
}

// Gate authenticates a freshly accepted connection. Implementations block
// until the attempt is over and must leave conn open.
type Gate interface {
	Authenticate(ctx context.Context, conn net.Conn) Result
}

// GateFunc adapts a function to Gate.
type GateFunc func(ctx context.Context, conn net.Conn) Result

func (f GateFunc) Authenticate(ctx context.Context, conn net.Conn) Result {
	return f(ctx, conn)
}

// Skip is a Gate that always succeeds without touching the connection.
type Skip struct{}

func (Skip) Authenticate(context.Context, net.Conn) Result {
	return Result{}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// capture keeps the first limit bytes written and silently drops the rest.
type capture struct {
	buf   []byte
	limit int
}

func (c *capture) Write(p []byte) (int, error) {
	if room := c.limit - len(c.buf); room > 0 {
		if len(p) < room {
			room = len(p)
		}
		c.buf = append(c.buf, p[:room]...)
	}
	return len(p), nil
}

func (c *capture) Bytes() []byte {
	return c.buf
}
