// Package shell provides remote command execution on build servers
// over SSH.  The dispatcher uses it to probe server readiness, inspect
// disk usage, and start the build executor.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// Config holds the connection settings for a build server.
type Config struct {
	// Address is the server's host or IP, without port.
	Address string

	// Port is the SSH port.  Default: 22.
	Port int

	// User is the login user on the build server image.
	User string

	// KeyPath is the path to the PEM-encoded private key used for
	// authentication.
	KeyPath string

	// ConnectTimeout bounds the TCP dial and SSH handshake.
	// Default: 10s.
	ConnectTimeout time.Duration
}

// Result is the outcome of one remote command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes commands on a remote build server.
type Runner interface {
	// Run executes command through the remote shell and returns its
	// output.  A non-zero exit status is not an error: it is reported
	// through Result.ExitCode so callers can branch on it.  Run
	// returns an error only when the command could not be executed at
	// all (connection lost, session failure, context cancelled).
	Run(ctx context.Context, command string) (Result, error)

	Close() error
}

// Connector opens Runner sessions to build servers.  The scheduler and
// dispatcher depend on this interface; tests substitute fakes.
type Connector interface {
	Connect(ctx context.Context, cfg Config) (Runner, error)
}

// ---------------------------------------------------------------------------
// SSH implementation
// ---------------------------------------------------------------------------

// SSHConnector implements Connector over golang.org/x/crypto/ssh.
type SSHConnector struct {
	logger *slog.Logger
}

var _ Connector = (*SSHConnector)(nil)

// NewSSHConnector creates a Connector that opens real SSH connections.
func NewSSHConnector(logger *slog.Logger) *SSHConnector {
	return &SSHConnector{logger: logger}
}

// Connect dials the server and completes the SSH handshake.  Errors
// from servers that are still booting are classified by IsNotReady.
func (c *SSHConnector) Connect(ctx context.Context, cfg Config) (Runner, error) {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	key, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading ssh key %s: %w", cfg.KeyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parsing ssh key %s: %w", cfg.KeyPath, err)
	}

	clientCfg := &ssh.ClientConfig{
		User: cfg.User,
		Auth: []ssh.AuthMethod{ssh.PublicKeys(signer)},
		// Build servers are ephemeral VMs with fresh host keys, so
		// pinning is not possible.  The network path is the cloud
		// project's own VPC.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         cfg.ConnectTimeout,
	}

	addr := net.JoinHostPort(cfg.Address, fmt.Sprintf("%d", cfg.Port))

	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}

	c.logger.Debug("ssh connection established",
		slog.String("address", addr),
		slog.String("user", cfg.User),
	)

	return &sshRunner{
		client: ssh.NewClient(sshConn, chans, reqs),
		addr:   addr,
		logger: c.logger,
	}, nil
}

type sshRunner struct {
	client *ssh.Client
	addr   string
	logger *slog.Logger
}

var _ Runner = (*sshRunner)(nil)

func (r *sshRunner) Run(ctx context.Context, command string) (Result, error) {
	session, err := r.client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("ssh session on %s: %w", r.addr, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	// The ssh library has no context support; bridge cancellation by
	// tearing down the session, which makes Run return.
	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case <-ctx.Done():
		_ = session.Close()
		<-done
		return Result{}, ctx.Err()
	case err = <-done:
	}

	result := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		return result, fmt.Errorf("running command on %s: %w", r.addr, err)
	}
	return result, nil
}

func (r *sshRunner) Close() error {
	return r.client.Close()
}

// ---------------------------------------------------------------------------
// Error classification
// ---------------------------------------------------------------------------

// IsNotReady reports whether err looks like a server that has not
// finished booting: connection refused, timeouts, unreachable hosts,
// or sshd not yet accepting the handshake.  Callers retry these;
// anything else is a real failure.
func IsNotReady(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := err.Error()
	for _, pattern := range []string{
		"connection refused",
		"no route to host",
		"network is unreachable",
		"connection reset by peer",
		"handshake failed",
		"i/o timeout",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
