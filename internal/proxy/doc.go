// Package proxy implements the single-port protocol-multiplexing listener.
//
// Every accepted connection gets its own goroutine that sniffs the first
// byte, runs the SOCKS5, TLS or plain branch handshake, passes the
// connection through the authentication gate exactly once, and then echoes
// whatever the client sends until it hangs up.
package proxy
