// Package sshtest runs an in-process SSH server for transport tests.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// CmdHandler answers one exec request with stdout, stderr and an exit code.
type CmdHandler func(cmd string) (stdout, stderr string, exitCode int)

type serverConfig struct {
	clientKey   ssh.PublicKey
	forwardTCP  bool
	sftp        bool
	noExit      bool
	handler     CmdHandler
	rejectFirst int32
}

// Option configures a test server.
type Option func(*serverConfig)

// WithPublicKey accepts only the given client key.
func WithPublicKey(pub ssh.PublicKey) Option {
	return func(c *serverConfig) { c.clientKey = pub }
}

// WithCmdHandler sets the exec handler. Without one the server echoes the
// command line on stdout and exits 0.
func WithCmdHandler(h CmdHandler) Option {
	return func(c *serverConfig) { c.handler = h }
}

// WithForwardTCP enables direct-tcpip channels so the server can act as a
// ProxyJump host.
func WithForwardTCP() Option {
	return func(c *serverConfig) { c.forwardTCP = true }
}

// WithSFTP serves the sftp subsystem on the local filesystem.
func WithSFTP() Option {
	return func(c *serverConfig) { c.sftp = true }
}

// WithoutExitStatus closes exec channels without sending an exit status.
func WithoutExitStatus() Option {
	return func(c *serverConfig) { c.noExit = true }
}

// WithDroppedConnections closes the first n TCP connections before the
// handshake, simulating a host that is still starting sshd.
func WithDroppedConnections(n int) Option {
	return func(c *serverConfig) { c.rejectFirst = int32(n) }
}

// Start launches a server on a loopback port and returns its address. The
// server is shut down when the test ends.
func Start(t *testing.T, opts ...Option) string {
	t.Helper()

	cfg := &serverConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	_, hostKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(hostKey)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}

	serverConf := &ssh.ServerConfig{NoClientAuth: cfg.clientKey == nil}
	serverConf.AddHostKey(signer)
	if cfg.clientKey != nil {
		want := string(cfg.clientKey.Marshal())
		serverConf.PublicKeyCallback = func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if string(key.Marshal()) == want {
				return nil, nil
			}
			return nil, errors.New("unknown key")
		}
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		var dropped int32
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			if atomic.AddInt32(&dropped, 1) <= cfg.rejectFirst {
				conn.Close()
				continue
			}
			go serveConn(conn, serverConf, cfg)
		}
	}()

	t.Cleanup(func() {
		listener.Close()
		<-done
	})
	return listener.Addr().String()
}

func serveConn(conn net.Conn, config *ssh.ServerConfig, cfg *serverConfig) {
	defer conn.Close()

	sconn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	for nc := range chans {
		switch nc.ChannelType() {
		case "session":
			ch, requests, err := nc.Accept()
			if err != nil {
				continue
			}
			go serveSession(ch, requests, cfg)
		case "direct-tcpip":
			if !cfg.forwardTCP {
				nc.Reject(ssh.Prohibited, "tcp forwarding disabled")
				continue
			}
			var target struct {
				Host       string
				Port       uint32
				OriginHost string
				OriginPort uint32
			}
			if err := ssh.Unmarshal(nc.ExtraData(), &target); err != nil {
				nc.Reject(ssh.ConnectionFailed, "bad direct-tcpip payload")
				continue
			}
			ch, reqs, err := nc.Accept()
			if err != nil {
				continue
			}
			go ssh.DiscardRequests(reqs)
			go forward(ch, net.JoinHostPort(target.Host, strconv.Itoa(int(target.Port))))
		default:
			nc.Reject(ssh.UnknownChannelType, "unsupported channel type")
		}
	}
}

func serveSession(ch ssh.Channel, reqs <-chan *ssh.Request, cfg *serverConfig) {
	defer ch.Close()

	for req := range reqs {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)

			stdout, stderr, code := payload.Command, "", 0
			if cfg.handler != nil {
				stdout, stderr, code = cfg.handler(payload.Command)
			}
			io.WriteString(ch, stdout)
			io.WriteString(ch.Stderr(), stderr)
			if !cfg.noExit {
				ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(code)}))
			}
			return
		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" || !cfg.sftp {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			server, err := sftp.NewServer(ch)
			if err != nil {
				return
			}
			server.Serve()
			server.Close()
			return
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func forward(ch ssh.Channel, addr string) {
	defer ch.Close()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return
	}
	defer conn.Close()

	done := make(chan struct{}, 2)
	go func() { io.Copy(ch, conn); done <- struct{}{} }()
	go func() { io.Copy(conn, ch); done <- struct{}{} }()
	<-done
}

// GenerateKey creates an ed25519 client key, writes the private half to a
// temp file and returns the public key and the file path.
func GenerateKey(t *testing.T) (ssh.PublicKey, string) {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("client signer: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		t.Fatalf("marshal private key: %v", err)
	}

	path := filepath.Join(t.TempDir(), "id_ed25519")
	block := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(path, block, 0600); err != nil {
		t.Fatalf("write key file: %v", err)
	}
	return signer.PublicKey(), path
}

// SplitAddr splits a listener address into host and port.
func SplitAddr(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split %q: %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port %q: %v", portStr, err)
	}
	return host, port
}
