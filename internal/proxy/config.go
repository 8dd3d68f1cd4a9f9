package proxy

import (
	"crypto/tls"
	"time"

	"github.com/die-net/portmux/internal/auth"
)

// EventLog receives one human-readable line per significant transition.
// Implementations must be safe for concurrent use.
type EventLog interface {
	Printf(format string, args ...any)
}

type Config struct {
	// Port is the listening port, used in log lines.
	Port int

	// TLSConfig serves the TLS branch. Nil makes every TLS connection fail
	// after sniffing, as when the port's key material could not be loaded.
	TLSConfig *tls.Config

	// Gate runs once per connection. Nil skips authentication.
	Gate auth.Gate
	// EnforceAuth closes connections whose gate Result is not OK. When false
	// the result is recorded and the relay starts regardless.
	EnforceAuth bool

	// NegotiationTimeout bounds sniffing and the branch handshake. Zero
	// waits forever.
	NegotiationTimeout time.Duration
	// MaxConns caps concurrently handled connections. Zero is unlimited.
	MaxConns int64

	// Log is the event log. Nil discards events.
	Log EventLog
	// Verbose logs per-connection errors to the process log.
	Verbose bool
}

type discardLog struct{}

func (discardLog) Printf(string, ...any) {}
