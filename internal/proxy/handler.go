package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/die-net/portmux/internal/metrics"
	"github.com/die-net/portmux/internal/sniff"
	"github.com/die-net/portmux/internal/socks5"
)

// Fixed branch responses. Every client sees exactly one of these.
const (
	AcceptResponse  = socks5.Greeting
	UpgradeResponse = "HTTP/1.1 101 PROXY-GO2.0\r\n\r\n"
)

var (
	errNoTLSConfig  = errors.New("no TLS configuration for this port")
	errAuthRejected = errors.New("authentication rejected")
)

// session is the state one handler owns for one client.
type session struct {
	raw net.Conn
	// transport is raw, or a wrapper holding the sniffed byte when the
	// conn could not be peeked in place.
	transport net.Conn
	proto     sniff.Protocol
	port      int
	remote    string
}

func (s *Server) handle(ctx context.Context, conn net.Conn) error {
	defer conn.Close()

	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if s.cfg.NegotiationTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.cfg.NegotiationTimeout))
	}

	transport, proto, err := sniff.Sniff(conn)
	if err != nil {
		// The peer left before sending anything.
		if errors.Is(err, sniff.ErrNoData) {
			return nil
		}
		return err
	}
	metrics.ConnectionsTotal.WithLabelValues(proto.String()).Inc()

	sess := &session{
		raw:       conn,
		transport: transport,
		proto:     proto,
		port:      s.cfg.Port,
		remote:    conn.RemoteAddr().String(),
	}

	switch proto {
	case sniff.SOCKS5:
		return s.serveSOCKS5(ctx, sess)
	case sniff.TLS:
		return s.serveTLS(ctx, sess)
	default:
		return s.servePlain(ctx, sess)
	}
}

func (s *Server) serveSOCKS5(ctx context.Context, sess *session) error {
	if err := socks5.ServerHandshake(sess.transport); err != nil {
		return fmt.Errorf("socks5: %w", err)
	}
	s.logResponse(AcceptResponse)
	s.log.Printf("socks5 connected from %s, authenticating via ssh", sess.remote)

	if err := s.authenticate(ctx, sess); err != nil {
		return err
	}

	s.log.Printf("socks5 tunnel active for %s on port %d", sess.remote, sess.port)
	return s.echo(sess, sess.transport)
}

func (s *Server) serveTLS(ctx context.Context, sess *session) error {
	if s.cfg.TLSConfig == nil {
		metrics.TLSHandshakeFailures.Inc()
		return errNoTLSConfig
	}

	tc := tls.Server(sess.transport, s.cfg.TLSConfig)
	defer tc.Close()

	if err := tc.HandshakeContext(ctx); err != nil {
		metrics.TLSHandshakeFailures.Inc()
		return fmt.Errorf("tls handshake: %w", err)
	}

	if err := s.respond(tc, UpgradeResponse); err != nil {
		return err
	}
	s.log.Printf("tls connected from %s, authenticating via ssh", sess.remote)

	// The gate speaks on the raw transport, beneath the TLS session.
	if err := s.authenticate(ctx, sess); err != nil {
		return err
	}

	s.log.Printf("tls tunnel active for %s on port %d", sess.remote, sess.port)
	return s.echo(sess, tc)
}

func (s *Server) servePlain(ctx context.Context, sess *session) error {
	if err := s.respond(sess.transport, AcceptResponse); err != nil {
		return err
	}
	s.log.Printf("plain connection from %s, authenticating via ssh", sess.remote)

	if err := s.authenticate(ctx, sess); err != nil {
		return err
	}

	s.log.Printf("plain tunnel active for %s on port %d", sess.remote, sess.port)
	return s.echo(sess, sess.transport)
}

func (s *Server) respond(w io.Writer, resp string) error {
	if _, err := io.WriteString(w, resp); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	s.logResponse(resp)
	return nil
}

func (s *Server) logResponse(resp string) {
	s.log.Printf("sent %s", strings.TrimSpace(resp))
}

// authenticate runs the gate once on the transport. Handshake deadlines are
// lifted first since the gate applies its own timeout.
func (s *Server) authenticate(ctx context.Context, sess *session) error {
	_ = sess.raw.SetDeadline(time.Time{})

	res := s.gate.Authenticate(ctx, sess.transport)
	metrics.AuthDurationSeconds.Observe(res.Duration.Seconds())

	if res.OK() {
		metrics.AuthTotal.WithLabelValues("ok").Inc()
		return nil
	}
	metrics.AuthTotal.WithLabelValues("failed").Inc()
	s.log.Printf("ssh auth for %s failed: exit status %d: %v", sess.remote, res.ExitCode, res.Err)

	if s.cfg.EnforceAuth {
		return errAuthRejected
	}
	return nil
}

func (s *Server) echo(sess *session, rw io.ReadWriter) error {
	n, err := Echo(rw, s.pool)
	metrics.RelayBytesTotal.WithLabelValues(sess.proto.String()).Add(float64(n))
	if err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	return nil
}
