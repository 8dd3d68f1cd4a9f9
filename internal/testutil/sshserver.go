package testutil

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"
)

// SSHExecServer answers a single SSH login on a conn and replies to "exec"
// requests with a fixed exit status and stderr text.
type SSHExecServer struct {
	HostKey ssh.Signer
	// AuthorizedKey, when nil, lets any client in without authentication.
	AuthorizedKey ssh.PublicKey
	ExitStatus    uint32
	Stderr        string

	mu       sync.Mutex
	commands []string
}

// NewSignerForTest generates an ed25519 signer.
func NewSignerForTest(t *testing.T) ssh.Signer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	s, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// Commands returns the commands executed so far.
func (s *SSHExecServer) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Serve handles one SSH connection on conn until the client goes away or
// conn is closed.
func (s *SSHExecServer) Serve(conn net.Conn) error {
	cfg := &ssh.ServerConfig{}
	if s.AuthorizedKey == nil {
		cfg.NoClientAuth = true
	} else {
		want := s.AuthorizedKey.Marshal()
		cfg.PublicKeyCallback = func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if !bytes.Equal(key.Marshal(), want) {
				return nil, errors.New("unauthorized key")
			}
			return &ssh.Permissions{}, nil
		}
	}
	cfg.AddHostKey(s.HostKey)

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		return err
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	var wg sync.WaitGroup
	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			_ = newChan.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleSession(newChan)
		}()
	}
	wg.Wait()
	return nil
}

func (s *SSHExecServer) handleSession(newChan ssh.NewChannel) {
	ch, reqs, err := newChan.Accept()
	if err != nil {
		return
	}
	defer ch.Close()

	for req := range reqs {
		if req.Type != "exec" {
			_ = req.Reply(false, nil)
			continue
		}

		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			_ = req.Reply(false, nil)
			continue
		}
		s.mu.Lock()
		s.commands = append(s.commands, payload.Command)
		s.mu.Unlock()

		_ = req.Reply(true, nil)
		if s.Stderr != "" {
			_, _ = ch.Stderr().Write([]byte(s.Stderr))
		}
		status := struct{ Status uint32 }{s.ExitStatus}
		_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(&status))
		return
	}
}
