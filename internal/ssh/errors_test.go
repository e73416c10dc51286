package ssh

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"syscall"
	"testing"

	"golang.org/x/crypto/ssh/knownhosts"
)

func TestWrapConnectError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantHint string
	}{
		{
			"connection refused",
			&net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)},
			"sshd",
		},
		{"dns failure", &net.DNSError{Err: "no such host", Name: "badhost"}, "hostname"},
		{"auth failure", fmt.Errorf("ssh: handshake failed: ssh: unable to authenticate"), "SSH key or agent"},
		{"missing known_hosts", fmt.Errorf("no known_hosts file found at /home/u/.ssh/known_hosts"), "--insecure"},
		{"unknown host key", &knownhosts.KeyError{}, "--insecure"},
		{"changed host key", &knownhosts.KeyError{Want: []knownhosts.KnownKey{{}}}, "ssh-keygen -R build1"},
		{"key permissions", fmt.Errorf("open key: permission denied"), "chmod 600"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			wrapped := WrapConnectError("build1", fmt.Errorf("connect: %w", tc.err))
			var ce *ConnectError
			if !errors.As(wrapped, &ce) {
				t.Fatalf("expected *ConnectError, got %T", wrapped)
			}
			if !strings.Contains(ce.Hint, tc.wantHint) {
				t.Errorf("hint = %q, want mention of %q", ce.Hint, tc.wantHint)
			}
			if !errors.Is(wrapped, tc.err) {
				t.Error("wrapped error should unwrap to the original")
			}
			if !strings.HasPrefix(wrapped.Error(), "build1: ") {
				t.Errorf("Error() = %q, want host prefix", wrapped.Error())
			}
		})
	}
}

func TestWrapConnectErrorNil(t *testing.T) {
	if err := WrapConnectError("host", nil); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}

func TestWrapConnectErrorUnknown(t *testing.T) {
	err := fmt.Errorf("some random error")
	if wrapped := WrapConnectError("host", err); wrapped != err {
		t.Errorf("unknown errors should pass through, got %v", wrapped)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"refused", os.NewSyscallError("connect", syscall.ECONNREFUSED), true},
		{"reset", fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{"eof", fmt.Errorf("handshake: %w", io.EOF), true},
		{"eof text", errors.New("ssh: handshake failed: EOF"), true},
		{"auth", errors.New("ssh: handshake failed: ssh: unable to authenticate"), false},
		{"host key", &knownhosts.KeyError{}, false},
		{"dns", &net.DNSError{Err: "no such host", Name: "x"}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := isTransient(tc.err); got != tc.want {
				t.Errorf("isTransient(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
