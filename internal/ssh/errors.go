package ssh

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ConnectError wraps a connection failure with a hint for the operator.
type ConnectError struct {
	Host string
	Err  error
	Hint string
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("%s: %v (hint: %s)", e.Host, e.Err, e.Hint)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// hintRule maps an error shape to an operator hint.
type hintRule struct {
	match func(err error, msg string) bool
	hint  func(host string) string
}

var hintRules = []hintRule{
	{
		match: func(_ error, msg string) bool {
			return strings.Contains(msg, "permission denied") && strings.Contains(msg, "key")
		},
		hint: func(string) string { return "check SSH key permissions (chmod 600)" },
	},
	{
		match: func(err error, msg string) bool {
			var authErr *ssh.ServerAuthError
			return errors.As(err, &authErr) ||
				strings.Contains(msg, "unable to authenticate") ||
				strings.Contains(msg, "no supported methods remain")
		},
		hint: func(host string) string { return "verify your SSH key or agent. Try: ssh -v " + host },
	},
	{
		match: func(err error, msg string) bool {
			return errors.Is(err, syscall.ECONNREFUSED) || strings.Contains(msg, "connection refused")
		},
		hint: func(string) string { return "verify sshd is running on the host" },
	},
	{
		match: func(err error, msg string) bool {
			var dnsErr *net.DNSError
			return errors.As(err, &dnsErr) || strings.Contains(msg, "no such host")
		},
		hint: func(string) string { return "verify the hostname is correct" },
	},
	{
		match: func(err error, _ string) bool {
			var keyErr *knownhosts.KeyError
			return errors.As(err, &keyErr) && len(keyErr.Want) > 0
		},
		hint: func(host string) string { return "host key changed; remove the old key with: ssh-keygen -R " + host },
	},
	{
		match: func(err error, msg string) bool {
			var keyErr *knownhosts.KeyError
			return errors.As(err, &keyErr) || strings.Contains(msg, "no known_hosts")
		},
		hint: func(host string) string { return "use --insecure or connect once with: ssh " + host },
	},
}

// WrapConnectError attaches a hint to err when it matches a known failure
// shape. Unrecognised errors are returned unchanged.
func WrapConnectError(host string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	for _, r := range hintRules {
		if r.match(err, msg) {
			return &ConnectError{Host: host, Err: err, Hint: r.hint(host)}
		}
	}
	return err
}

// isTransient reports whether a dial error is worth another attempt: the
// remote side refused, reset or dropped the connection before the handshake
// completed. Authentication and host key failures are never transient.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var authErr *ssh.ServerAuthError
	var keyErr *knownhosts.KeyError
	if errors.As(err, &authErr) || errors.As(err, &keyErr) {
		return false
	}
	msg := err.Error()
	if strings.Contains(msg, "unable to authenticate") {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, io.EOF) {
		return true
	}
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.HasSuffix(msg, ": EOF")
}
