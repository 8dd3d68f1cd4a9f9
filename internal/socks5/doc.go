// Package socks5 holds the minimal SOCKS5 exchange spoken on the SOCKS5 branch.
//
// It wraps the message types in github.com/txthinking/socks5 so the wire
// bytes of the method-selection reply live in one place. The handshake is
// deliberately partial: the server consumes the version byte, selects
// "no authentication", and hands the connection on. Requests are not parsed.
package socks5
