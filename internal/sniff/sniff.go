// Package sniff classifies a new connection by its first byte without
// consuming it.
package sniff

import (
	"bufio"
	"errors"
	"net"
	"syscall"
)

// Protocol is the branch a connection is dispatched to.
type Protocol int

const (
	Unknown Protocol = iota
	SOCKS5
	TLS
	Plain
)

// First bytes that select a branch. Everything else is Plain.
const (
	socks5Version    = 0x05
	tlsHandshakeType = 0x16
)

func (p Protocol) String() string {
	switch p {
	case SOCKS5:
		return "socks5"
	case TLS:
		return "tls"
	case Plain:
		return "plain"
	default:
		return "unknown"
	}
}

// ErrNoData means the peer closed or failed before sending anything.
var ErrNoData = errors.New("sniff: no data")

// Classify maps a first byte to its protocol.
func Classify(b byte) Protocol {
	switch b {
	case socks5Version:
		return SOCKS5
	case tlsHandshakeType:
		return TLS
	default:
		return Plain
	}
}

// Peek returns the first byte sent on conn, leaving it unread.
//
// Sockets exposing a file descriptor are peeked with MSG_PEEK so the byte
// stays in the kernel buffer and is visible to anything later bound to the
// descriptor. Other conns are wrapped in a buffered reader; in that case the
// returned net.Conn must be used in place of conn.
func Peek(conn net.Conn) (net.Conn, byte, error) {
	if sc, ok := conn.(syscall.Conn); ok && peekSupported {
		b, err := peekFD(sc)
		if err != nil {
			return conn, 0, err
		}
		return conn, b, nil
	}

	br := bufio.NewReader(conn)
	p, err := br.Peek(1)
	if len(p) == 0 {
		if err == nil {
			err = ErrNoData
		}
		return conn, 0, errors.Join(ErrNoData, err)
	}
	return &bufferedConn{Conn: conn, r: br}, p[0], nil
}

// Sniff peeks and classifies in one step.
func Sniff(conn net.Conn) (net.Conn, Protocol, error) {
	c, b, err := Peek(conn)
	if err != nil {
		return c, Unknown, err
	}
	return c, Classify(b), nil
}

type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}
