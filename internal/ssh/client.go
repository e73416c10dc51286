// Package ssh is the SSH transport: it dials hosts with the agent and key
// file auth chain, optionally through ProxyJump hosts, and runs one command
// per session.
package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/crypto/ssh"

	"github.com/agent462/fleetrun/internal/executor"
)

// ClientConfig holds options for creating an SSH client.
type ClientConfig struct {
	// User overrides the SSH username. If empty, resolved from
	// ~/.ssh/config or the current OS user.
	User string

	// Port overrides the SSH port. If zero, resolved from ~/.ssh/config or 22.
	Port int

	// IdentityFiles lists explicit private key paths to try. If empty, the
	// ssh_config IdentityFile and the default key locations are used.
	IdentityFiles []string

	// AcceptUnknownHosts skips known_hosts verification.
	AcceptUnknownHosts bool

	// HostKeyCallback overrides known_hosts verification entirely.
	HostKeyCallback ssh.HostKeyCallback

	// ProxyJump lists comma-separated jump hosts ("bastion",
	// "user@jump1:2222,jump2"). "none" disables jumping.
	ProxyJump string

	// Retry bounds reconnection attempts for transient dial failures.
	Retry RetryPolicy
}

// RetryPolicy controls how Dial retries refused or reset connections. The
// remote command itself is never retried.
type RetryPolicy struct {
	MaxAttempts     int // total attempts; 0 or 1 means a single attempt
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy returns the policy the CLI uses: three attempts, starting
// at 250ms apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 250 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		eb.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	eb.MaxElapsedTime = 0 // the context deadline bounds the total

	retries := 0
	if p.MaxAttempts > 1 {
		retries = p.MaxAttempts - 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(retries)), ctx)
}

// Client wraps an SSH connection to a single host.
type Client struct {
	host        string // for error messages when tunnelling through this client
	sshClient   *ssh.Client
	jumpClients []*Client // closed after sshClient, innermost first
}

// Dial connects to host, tunnelling through conf.ProxyJump when set. Refused
// and reset connections are retried per conf.Retry until ctx expires;
// authentication and host key failures are returned at once.
func Dial(ctx context.Context, host string, conf ClientConfig) (*Client, error) {
	var client *Client
	attempt := func() error {
		c, err := dialOnce(ctx, host, conf)
		if err != nil {
			if ctx.Err() != nil || !isTransient(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		client = c
		return nil
	}
	if err := backoff.Retry(attempt, conf.Retry.backOff(ctx)); err != nil {
		return nil, err
	}
	return client, nil
}

func dialOnce(ctx context.Context, host string, conf ClientConfig) (*Client, error) {
	if conf.ProxyJump != "" && conf.ProxyJump != "none" {
		return dialViaProxy(ctx, host, conf)
	}

	sshConf, addr, err := clientConfig(host, conf)
	if err != nil {
		return nil, err
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return handshake(ctx, conn, host, addr, sshConf)
}

// handshake runs the SSH handshake over conn, abandoning it when ctx ends.
func handshake(ctx context.Context, conn net.Conn, host, addr string, conf *ssh.ClientConfig) (*Client, error) {
	type result struct {
		conn  ssh.Conn
		chans <-chan ssh.NewChannel
		reqs  <-chan *ssh.Request
		err   error
	}

	done := make(chan result, 1)
	go func() {
		c, chans, reqs, err := ssh.NewClientConn(conn, addr, conf)
		done <- result{c, chans, reqs, err}
	}()

	select {
	case <-ctx.Done():
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, ctx.Err())
	case r := <-done:
		if r.err != nil {
			conn.Close()
			return nil, fmt.Errorf("ssh handshake with %s: %w", addr, r.err)
		}
		return &Client{host: host, sshClient: ssh.NewClient(r.conn, r.chans, r.reqs)}, nil
	}
}

// Output is what one remote command produced.
type Output struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// RunCommand runs command in a new session. A remote exit status, zero or
// not, is returned with a nil error. If no exit status arrives (the session
// failed, the connection dropped, or ctx ended) the error is set, ExitCode is
// executor.ExitUnreachable and whatever output already arrived is kept.
func (c *Client) RunCommand(ctx context.Context, command string) (Output, error) {
	out := Output{ExitCode: executor.ExitUnreachable}

	session, err := c.sshClient.NewSession()
	if err != nil {
		return out, fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	var stdout, stderr lockedBuffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		session.Close()
		out.Stdout, out.Stderr = stdout.Bytes(), stderr.Bytes()
		return out, ctx.Err()
	case err := <-done:
		out.Stdout, out.Stderr = stdout.Bytes(), stderr.Bytes()
		var exitErr *ssh.ExitError
		switch {
		case err == nil:
			out.ExitCode = 0
		case errors.As(err, &exitErr):
			out.ExitCode = exitErr.ExitStatus()
		default:
			return out, err
		}
		return out, nil
	}
}

// SSHClient exposes the underlying connection for subsystems such as SFTP.
func (c *Client) SSHClient() *ssh.Client {
	return c.sshClient
}

// Close closes the connection and then any jump-host connections.
func (c *Client) Close() error {
	var firstErr error
	if c.sshClient != nil {
		firstErr = c.sshClient.Close()
	}
	for i := len(c.jumpClients) - 1; i >= 0; i-- {
		if err := c.jumpClients[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
