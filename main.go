package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/portmux/internal/auth"
	"github.com/die-net/portmux/internal/certs"
	"github.com/die-net/portmux/internal/logsink"
	"github.com/die-net/portmux/internal/metrics"
	"github.com/die-net/portmux/internal/proxy"
	"github.com/die-net/portmux/internal/ssh"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		portFlag   = pflag.Int("port", 0, "Listening port (1-65535). May also be given as the only positional argument.")
		listenHost = pflag.String("listen-host", "", "Address to bind. Empty listens on all interfaces.")
		certDir    = pflag.String("cert-dir", "/tmp", "Directory holding cert-<port>.pem and key-<port>.pem")
		logDir     = pflag.String("log-dir", "/var/log", "Directory for the proxy-<port>.log event log")
		certIssuer = pflag.String("cert-issuer", "auto", "Certificate generator when the pair is missing: auto|openssl|native")

		authMode      = pflag.String("auth-mode", "exec", "Authentication gate: exec (run --ssh-binary on the connection) | native (in-process SSH client) | none")
		sshBinary     = pflag.String("ssh-binary", "ssh", "SSH client executable for --auth-mode=exec")
		sshTarget     = pflag.String("ssh-target", "localhost", "SSH destination, [user@]host[:port] for native mode")
		sshCommand    = pflag.String("ssh-command", "true", "Remote command run by the authentication gate")
		sshUser       = pflag.String("ssh-user", os.Getenv("USER"), "SSH login for --auth-mode=native when --ssh-target has none")
		sshKey        = pflag.String("ssh-key", defaultSSHKeyPath(), "SSH key source for --auth-mode=native: 'agent', path to private key file, or empty")
		sshKnownHosts = pflag.String("ssh-known-hosts", defaultSSHKnownHostsPath(), "known_hosts file for --auth-mode=native; unknown hosts are added, empty disables checking")
		sshHandshake  = pflag.Duration("ssh-handshake-timeout", 0, "Timeout for the SSH handshake in --auth-mode=native. Zero waits forever.")
		authTimeout   = pflag.Duration("auth-timeout", 0, "Timeout for one authentication attempt. Zero waits forever.")
		enforceAuth   = pflag.Bool("enforce-auth", false, "Close connections that fail authentication instead of relaying them")

		negotiationTimeout = pflag.Duration("negotiation-timeout", 0, "Timeout for sniffing and the protocol handshake. Zero waits forever.")
		maxConns           = pflag.Int64("max-conns", 0, "Maximum concurrently handled connections. Zero is unlimited.")
		tcpKeepAlive       = pflag.String("tcp-keepalive", "off", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
		debugListen        = pflag.String("debug-listen", "", "Debug HTTP listen address exposing /debug/pprof and /metrics (e.g. 127.0.0.1:6060). Empty disables.")
		verbose            = pflag.Bool("verbose", false, "Enable per-connection error logging")
	)

	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	port, err := parsePort(*portFlag, pflag.Args())
	if err != nil {
		return err
	}

	ka, err := parseTCPKeepAlive(*tcpKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}

	issuer, err := certs.NewIssuer(*certIssuer)
	if err != nil {
		return fmt.Errorf("invalid --cert-issuer: %w", err)
	}

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sink, err := logsink.Open(logsink.Path(*logDir, port))
	if err != nil {
		log.Printf("log: %v; writing events to stderr", err)
		sink = logsink.New(os.Stderr)
	}
	defer sink.Close()

	gate, err := newGate(ctx, gateOptions{
		mode:       *authMode,
		binary:     *sshBinary,
		target:     *sshTarget,
		command:    *sshCommand,
		user:       *sshUser,
		key:        *sshKey,
		knownHosts: *sshKnownHosts,
		handshake:  *sshHandshake,
		timeout:    *authTimeout,
	})
	if err != nil {
		return err
	}

	// A port without usable key material still serves SOCKS5 and plain
	// clients; its TLS connections are closed after sniffing.
	store := &certs.Store{Dir: *certDir, Issuer: issuer}
	paths, err := store.Ensure(ctx, port)
	if err != nil {
		log.Printf("certs: %v", err)
	}
	tlsConfig, err := certs.NewServerConfig(paths)
	if err != nil {
		log.Printf("certs: %v; TLS connections will be closed", err)
		tlsConfig = nil
	}

	ln, err := proxy.Listen(ctx, *listenHost, port, ka)
	if err != nil {
		sink.Printf("bind to port %d failed: %v", port, err)
		return err
	}
	context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})

	if *debugListen != "" {
		http.Handle("/metrics", metrics.Handler())

		debugSrv := &http.Server{Handler: http.DefaultServeMux} //nolint:gosec // Not concerned about timeouts on debug port.
		lc := net.ListenConfig{KeepAliveConfig: ka}
		debugLn, err := lc.Listen(ctx, "tcp", *debugListen)
		if err != nil {
			return fmt.Errorf("debug listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
			_ = debugLn.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); err != nil {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
		log.Printf("debug listening on %s", *debugListen)
	}

	srv := proxy.NewServer(proxy.Config{
		Port:               port,
		TLSConfig:          tlsConfig,
		Gate:               gate,
		EnforceAuth:        *enforceAuth,
		NegotiationTimeout: *negotiationTimeout,
		MaxConns:           *maxConns,
		Log:                sink,
		Verbose:            *verbose,
	})
	g.Go(func() error {
		return srv.Serve(ctx, ln)
	})

	sink.Printf("proxy listening on port %d", port)
	log.Printf("proxy listening on %s", ln.Addr())

	err = g.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	log.Print("shutting down")
	return err
}

// parsePort accepts the port from --port or a single positional argument.
func parsePort(flagValue int, args []string) (int, error) {
	port := flagValue
	switch len(args) {
	case 0:
	case 1:
		n, err := strconv.Atoi(strings.TrimSpace(args[0]))
		if err != nil {
			return 0, fmt.Errorf("invalid port %q: %w", args[0], err)
		}
		if flagValue != 0 && flagValue != n {
			return 0, fmt.Errorf("conflicting ports: --port=%d and %d", flagValue, n)
		}
		port = n
	default:
		return 0, fmt.Errorf("expected one port argument, got %d", len(args))
	}

	if port == 0 {
		return 0, errors.New("no port given (set --port or pass it as an argument)")
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("invalid port %d: must be 1-65535", port)
	}
	return port, nil
}

type gateOptions struct {
	mode       string
	binary     string
	target     string
	command    string
	user       string
	key        string
	knownHosts string
	handshake  time.Duration
	timeout    time.Duration
}

func newGate(ctx context.Context, o gateOptions) (auth.Gate, error) {
	switch o.mode {
	case "exec":
		return auth.NewExecGate(o.binary, o.target, o.command, o.timeout), nil

	case "native":
		signers, err := ssh.LoadSigners(ctx, o.key)
		if err != nil {
			return nil, fmt.Errorf("invalid --ssh-key: %w", err)
		}
		hostKeys, err := ssh.HostKeyCallback(o.knownHosts)
		if err != nil {
			return nil, fmt.Errorf("invalid --ssh-known-hosts: %w", err)
		}
		user, host := splitSSHTarget(o.target, o.user)
		return &auth.NativeGate{
			Config: ssh.Config{
				User:             user,
				Signers:          signers,
				HostKeyCallback:  hostKeys,
				Host:             host,
				HandshakeTimeout: o.handshake,
			},
			Command: o.command,
			Timeout: o.timeout,
		}, nil

	case "none":
		return auth.Skip{}, nil

	default:
		return nil, fmt.Errorf("invalid --auth-mode %q: expected exec|native|none", o.mode)
	}
}

// splitSSHTarget turns [user@]host[:port] into a login and a host:port,
// falling back to defaultUser and port 22.
func splitSSHTarget(target, defaultUser string) (user, hostport string) {
	user = defaultUser
	if i := strings.LastIndex(target, "@"); i >= 0 {
		user, target = target[:i], target[i+1:]
	}
	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(strings.Trim(target, "[]"), "22")
	}
	return user, target
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return net.KeepAliveConfig{}, errors.New("empty")
	}
	if s == "on" {
		return net.KeepAliveConfig{Enable: true}, nil
	}
	if s == "off" {
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveSeconds(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveSeconds(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepIdle,
		Interval: keepIntvl,
		Count:    keepCnt,
	}, nil
}

func parsePositiveSeconds(s string) (time.Duration, error) {
	n, err := parsePositiveInt(s)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}

func defaultSSHKnownHostsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ssh", "known_hosts")
}

func defaultSSHKeyPath() string {
	if ssh.AgentAvailable() {
		return ssh.AgentSource
	}
	return ""
}
