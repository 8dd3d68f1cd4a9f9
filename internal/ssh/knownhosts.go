package ssh

import (
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// HostKeyCallback returns a callback backed by the known_hosts file at path.
// Unknown hosts are appended and accepted (trust on first use); a host
// already recorded with a different key is rejected. An empty path disables
// checking entirely.
func HostKeyCallback(path string) (ssh.HostKeyCallback, error) {
	if path == "" {
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // Operator disabled host key checking.
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating known_hosts directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600) //nolint:gosec // Path is from operator config.
	if err != nil {
		return nil, fmt.Errorf("creating known_hosts file: %w", err)
	}
	_ = f.Close()

	known, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("loading known_hosts: %w", err)
	}

	t := &tofu{path: path, known: known, added: map[string]string{}}
	return t.check, nil
}

type tofu struct {
	path  string
	known ssh.HostKeyCallback

	mu    sync.Mutex
	added map[string]string // normalized host -> marshaled key, since load
}

func (t *tofu) check(hostname string, remote net.Addr, key ssh.PublicKey) error {
	err := t.known(hostname, remote, key)
	if err == nil {
		return nil
	}

	var keyErr *knownhosts.KeyError
	if !errors.As(err, &keyErr) {
		return err
	}
	if len(keyErr.Want) > 0 {
		return fmt.Errorf("host key mismatch for %s: %w", hostname, err)
	}

	host := knownhosts.Normalize(hostname)
	marshaled := string(key.Marshal())

	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.added[host]; ok {
		if prev != marshaled {
			return fmt.Errorf("host key mismatch for %s: changed since first use", hostname)
		}
		return nil
	}

	if err := appendKnownHost(t.path, host, key); err != nil {
		return err
	}
	t.added[host] = marshaled
	log.Printf("ssh: recorded host key for %s in %s", hostname, t.path)
	return nil
}

func appendKnownHost(path, host string, key ssh.PublicKey) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // Path is from operator config.
	if err != nil {
		return fmt.Errorf("opening known_hosts for writing: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(knownhosts.Line([]string{host}, key) + "\n"); err != nil {
		return fmt.Errorf("writing to known_hosts: %w", err)
	}
	return nil
}
