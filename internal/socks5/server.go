package socks5

import (
	"fmt"
	"io"

	txsocks5 "github.com/txthinking/socks5"
)

// Greeting is written before the method-selection reply. Existing clients
// expect this exact HTTP-style status line.
const Greeting = "HTTP/1.1 200 PROXY-GO2.0\r\n\r\n"

// ServerAcceptNoAuth consumes the client's version byte and replies with the
// two-byte "no authentication required" method selection.
func ServerAcceptNoAuth(rw io.ReadWriter) error {
	var ver [1]byte
	if _, err := io.ReadFull(rw, ver[:]); err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodNone).WriteTo(rw); err != nil {
		return fmt.Errorf("negotiation reply: %w", err)
	}
	return nil
}

// ServerHandshake writes the greeting and completes ServerAcceptNoAuth.
func ServerHandshake(rw io.ReadWriter) error {
	if _, err := io.WriteString(rw, Greeting); err != nil {
		return fmt.Errorf("greeting: %w", err)
	}
	return ServerAcceptNoAuth(rw)
}
