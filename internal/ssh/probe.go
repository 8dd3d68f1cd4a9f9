package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// Config holds a batch-mode login.
type Config struct {
	// User is the login name.
	User string
	// Signers are offered as public keys, in order. With none, only the
	// "none" method is tried.
	Signers []ssh.Signer
	// HostKeyCallback verifies the server. Nil disables verification.
	HostKeyCallback ssh.HostKeyCallback
	// Host is the name host keys are checked against.
	Host string
	// HandshakeTimeout bounds the SSH handshake. Zero means no timeout.
	HandshakeTimeout time.Duration
}

// NoExitStatus is returned when the command never reported one, including
// every failure before the session started.
const NoExitStatus = -1

// Probe logs in over conn, runs command, and returns its exit status. The
// command's standard error is copied to stderr when non-nil.
//
// conn is not closed. When Probe returns, no goroutine is reading from it and
// any deadline Probe set has been cleared. Bytes the peer sent after the SSH
// session ended may have been consumed by the SSH transport.
func Probe(ctx context.Context, conn net.Conn, cfg Config, command string, stderr io.Writer) (int, error) {
	dc := &detachedConn{Conn: conn}
	defer dc.release()

	stop := context.AfterFunc(ctx, func() {
		_ = dc.Close()
	})
	defer stop()

	hostKeyCallback := cfg.HostKeyCallback
	if hostKeyCallback == nil {
		hostKeyCallback = ssh.InsecureIgnoreHostKey() //nolint:gosec // Caller opted out of verification.
	}

	var auth []ssh.AuthMethod
	if len(cfg.Signers) > 0 {
		auth = append(auth, ssh.PublicKeys(cfg.Signers...))
	}

	sshConfig := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
	}

	if cfg.HandshakeTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(cfg.HandshakeTimeout))
	}

	cc, chans, reqs, err := ssh.NewClientConn(dc, cfg.Host, sshConfig)
	if err != nil {
		return NoExitStatus, fmt.Errorf("ssh handshake: %w", err)
	}

	if cfg.HandshakeTimeout > 0 {
		_ = conn.SetDeadline(time.Time{})
	}

	client := ssh.NewClient(cc, chans, reqs)
	defer func() {
		_ = client.Close()
		_ = client.Wait()
	}()

	sess, err := client.NewSession()
	if err != nil {
		return NoExitStatus, fmt.Errorf("ssh session: %w", err)
	}
	defer sess.Close()

	if stderr != nil {
		sess.Stderr = stderr
	}

	err = sess.Run(command)
	if err == nil {
		return 0, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), err
	}
	return NoExitStatus, fmt.Errorf("ssh run %q: %w", command, err)
}

// detachedConn lends a conn to the SSH transport. Close stops further use
// instead of closing the socket, and release waits until no Read is in
// flight so the caller gets the conn back intact.
type detachedConn struct {
	net.Conn

	mu     sync.Mutex
	closed bool
	reads  sync.WaitGroup
}

var aLongTimeAgo = time.Unix(1, 0)

func (c *detachedConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, net.ErrClosed
	}
	c.reads.Add(1)
	c.mu.Unlock()
	defer c.reads.Done()

	return c.Conn.Read(p)
}

func (c *detachedConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return 0, net.ErrClosed
	}
	return c.Conn.Write(p)
}

func (c *detachedConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		// Unblock a pending Read without closing the socket.
		_ = c.Conn.SetReadDeadline(aLongTimeAgo)
	}
	return nil
}

func (c *detachedConn) release() {
	_ = c.Close()
	c.reads.Wait()
	_ = c.Conn.SetDeadline(time.Time{})
}
