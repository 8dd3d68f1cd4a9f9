package auth

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// SSHArgs returns the argument list for a batch-mode probe of target.
func SSHArgs(target, command string) []string {
	return []string{
		"-o", "BatchMode=yes",
		"-o", "StrictHostKeyChecking=no",
		target, command,
	}
}

// ExecGate runs an external SSH client with the connection bound to its
// standard input and output and its standard error on a pipe.
type ExecGate struct {
	// Path is the binary to run, "ssh" by default.
	Path string
	// Args defaults to SSHArgs("localhost", "true").
	Args []string
	// Env is the child's environment; nil inherits ours.
	Env []string
	// Timeout kills the child after this long. Zero waits indefinitely.
	Timeout time.Duration
}

// NewExecGate returns a gate probing target with command over the ssh binary.
func NewExecGate(binary, target, command string, timeout time.Duration) *ExecGate {
	return &ExecGate{Path: binary, Args: SSHArgs(target, command), Timeout: timeout}
}

func (g *ExecGate) Authenticate(ctx context.Context, conn net.Conn) Result {
	start := time.Now()
	res := g.run(ctx, conn)
	res.Duration = time.Since(start)
	return res
}

func (g *ExecGate) run(ctx context.Context, conn net.Conn) Result {
	ctx, cancel := withTimeout(ctx, g.Timeout)
	defer cancel()

	path := g.Path
	if path == "" {
		path = "ssh"
	}
	args := g.Args
	if args == nil {
		args = SSHArgs("localhost", "true")
	}

	cmd := exec.CommandContext(ctx, path, args...) //nolint:gosec // Binary and args are operator config.
	cmd.Env = g.Env

	stdio, err := bindStdio(cmd, conn)
	if err != nil {
		return Result{ExitCode: -1, Err: err}
	}
	defer stdio.finish()

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{ExitCode: -1, Err: fmt.Errorf("stderr pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		return Result{ExitCode: -1, Err: fmt.Errorf("start %s: %w", path, err)}
	}
	stdio.started()

	diag := &capture{limit: MaxDiagnostics}
	_, _ = io.Copy(diag, stderr)
	err = cmd.Wait()

	res := Result{ExitCode: -1, Diagnostics: diag.Bytes()}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	switch {
	case err == nil:
	case ctx.Err() != nil:
		res.Err = fmt.Errorf("%s: %w", path, ctx.Err())
	default:
		res.Err = fmt.Errorf("%s: %w", path, err)
	}
	return res
}

// stdio binds the child's stdin/stdout to a connection.
//
// Connections backed by a socket hand the child a duplicate descriptor, so
// the child speaks directly on the socket. Anything else is bridged through
// OS pipes, and finish detaches the bridge once the child is gone.
type stdio struct {
	conn net.Conn

	// Descriptor passing.
	file *os.File

	// Pipe bridging. childIn and childOut are the child's ends.
	childIn, childOut *os.File
	toChild, fromChild *os.File
	inDone, outDone    chan struct{}
}

func bindStdio(cmd *exec.Cmd, conn net.Conn) (*stdio, error) {
	s := &stdio{conn: conn}

	if fc, ok := conn.(interface{ File() (*os.File, error) }); ok {
		if f, err := fc.File(); err == nil {
			s.file = f
			cmd.Stdin = f
			cmd.Stdout = f
			return s, nil
		}
	}

	inR, inW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		_ = inR.Close()
		_ = inW.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	s.childIn, s.toChild = inR, inW
	s.fromChild, s.childOut = outR, outW
	cmd.Stdin = inR
	cmd.Stdout = outW
	return s, nil
}

// started runs once the child holds its own copies of the descriptors.
func (s *stdio) started() {
	if s.file != nil {
		s.releaseFile()
		return
	}

	_ = s.childIn.Close()
	_ = s.childOut.Close()

	s.inDone = make(chan struct{})
	s.outDone = make(chan struct{})
	go func() {
		defer close(s.inDone)
		_, _ = io.Copy(s.toChild, s.conn)
		_ = s.toChild.Close()
	}()
	go func() {
		defer close(s.outDone)
		_, _ = io.Copy(s.conn, s.fromChild)
	}()
}

// finish releases everything bindStdio created and leaves conn open with no
// goroutine reading from it.
func (s *stdio) finish() {
	if s.file != nil {
		s.releaseFile()
		return
	}
	if s.inDone == nil {
		// Start failed.
		for _, f := range []*os.File{s.childIn, s.childOut, s.toChild, s.fromChild} {
			_ = f.Close()
		}
		return
	}

	// The child has exited, so its stdout drains to EOF.
	<-s.outDone
	_ = s.fromChild.Close()

	_ = s.conn.SetReadDeadline(time.Unix(1, 0))
	<-s.inDone
	_ = s.toChild.Close()
	_ = s.conn.SetReadDeadline(time.Time{})
}

// releaseFile drops our copy of the socket descriptor. Starting the child
// clears O_NONBLOCK on the shared socket even when the exec fails, and the
// runtime poller needs it back.
func (s *stdio) releaseFile() {
	_ = s.file.Close()
	s.file = nil
	if sc, ok := s.conn.(syscall.Conn); ok {
		restoreNonblock(sc)
	}
}
