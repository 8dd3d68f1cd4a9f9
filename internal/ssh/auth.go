package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// AgentSource selects the running SSH agent as signer source.
const AgentSource = "agent"

// AgentAvailable reports whether SSH_AUTH_SOCK is set.
func AgentAvailable() bool {
	return os.Getenv("SSH_AUTH_SOCK") != ""
}

func agentSigners(ctx context.Context) ([]ssh.Signer, error) {
	socket := os.Getenv("SSH_AUTH_SOCK")
	if socket == "" {
		return nil, errors.New("SSH_AUTH_SOCK not set")
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socket)
	if err != nil {
		return nil, fmt.Errorf("connecting to SSH agent: %w", err)
	}
	// The agent conn stays open for the lifetime of the signers.

	signers, err := agent.NewClient(conn).Signers()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("listing agent keys: %w", err)
	}
	if len(signers) == 0 {
		_ = conn.Close()
		return nil, errors.New("no keys available in SSH agent")
	}
	return signers, nil
}

func fileSigner(path string) (ssh.Signer, error) {
	pem, err := os.ReadFile(path) //nolint:gosec // Path is from operator config.
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("key %s is passphrase protected; batch mode cannot prompt", path)
		}
		return nil, fmt.Errorf("parsing key file: %w", err)
	}
	return signer, nil
}

// LoadSigners resolves a signer source:
//   - "": no keys; only the "none" method is attempted
//   - "agent": every key held by the SSH agent
//   - anything else: an unencrypted OpenSSH/PEM private key file
func LoadSigners(ctx context.Context, source string) ([]ssh.Signer, error) {
	switch source {
	case "":
		return nil, nil
	case AgentSource:
		return agentSigners(ctx)
	default:
		s, err := fileSigner(source)
		if err != nil {
			return nil, err
		}
		return []ssh.Signer{s}, nil
	}
}
