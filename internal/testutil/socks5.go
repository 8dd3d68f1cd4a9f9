package testutil

import (
	"errors"
	"fmt"
	"io"

	"github.com/txthinking/socks5"
)

// WriteSOCKS5Negotiation sends a client greeting offering only "no
// authentication".
func WriteSOCKS5Negotiation(w io.Writer) error {
	if _, err := socks5.NewNegotiationRequest([]byte{socks5.MethodNone}).WriteTo(w); err != nil {
		return fmt.Errorf("write negotiation: %w", err)
	}
	return nil
}

// ReadSOCKS5Handshake expects greeting followed by a method-selection reply
// choosing "no authentication".
func ReadSOCKS5Handshake(r io.Reader, greeting string) error {
	got := make([]byte, len(greeting))
	if _, err := io.ReadFull(r, got); err != nil {
		return fmt.Errorf("read greeting: %w", err)
	}
	if string(got) != greeting {
		return fmt.Errorf("unexpected greeting %q", got)
	}

	rep, err := socks5.NewNegotiationReplyFrom(r)
	if err != nil {
		return fmt.Errorf("read negotiation: %w", err)
	}
	if rep.Method != socks5.MethodNone {
		return errors.New("server did not select no-auth")
	}
	return nil
}
