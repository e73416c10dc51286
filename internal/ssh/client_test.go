package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	gossh "golang.org/x/crypto/ssh"

	"github.com/agent462/fleetrun/internal/executor"
	"github.com/agent462/fleetrun/internal/sshtest"
)

// testConf returns a ClientConfig that uses only keyPath, never the local
// agent or ~/.ssh keys.
func testConf(t *testing.T, port int, keyPath string) ClientConfig {
	t.Helper()
	t.Setenv("SSH_AUTH_SOCK", "")
	return ClientConfig{
		User:            "buildbot",
		Port:            port,
		IdentityFiles:   []string{keyPath},
		HostKeyCallback: gossh.InsecureIgnoreHostKey(),
	}
}

func startServer(t *testing.T, opts ...sshtest.Option) (host string, port int, keyPath string) {
	t.Helper()
	pubKey, keyPath := sshtest.GenerateKey(t)
	addr := sshtest.Start(t, append([]sshtest.Option{sshtest.WithPublicKey(pubKey)}, opts...)...)
	host, port = sshtest.SplitAddr(t, addr)
	return host, port, keyPath
}

func dialTest(t *testing.T, host string, conf ClientConfig) *Client {
	t.Helper()
	client, err := Dial(context.Background(), host, conf)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRunCommand(t *testing.T) {
	tests := []struct {
		name       string
		stdout     string
		stderr     string
		code       int
		wantStdout string
		wantStderr string
	}{
		{"success", "hello world\n", "", 0, "hello world\n", ""},
		{"non-zero exit", "", "command not found\n", 127, "", "command not found\n"},
		{"both streams", "stdout output\n", "stderr warning\n", 0, "stdout output\n", "stderr warning\n"},
		{"exit 1", "partial\n", "boom\n", 1, "partial\n", "boom\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			host, port, key := startServer(t, sshtest.WithCmdHandler(func(string) (string, string, int) {
				return tc.stdout, tc.stderr, tc.code
			}))
			client := dialTest(t, host, testConf(t, port, key))

			out, err := client.RunCommand(context.Background(), "anything")
			if err != nil {
				t.Fatalf("RunCommand: %v", err)
			}
			if out.ExitCode != tc.code {
				t.Errorf("exit code = %d, want %d", out.ExitCode, tc.code)
			}
			if string(out.Stdout) != tc.wantStdout {
				t.Errorf("stdout = %q, want %q", out.Stdout, tc.wantStdout)
			}
			if string(out.Stderr) != tc.wantStderr {
				t.Errorf("stderr = %q, want %q", out.Stderr, tc.wantStderr)
			}
		})
	}
}

func TestRunCommandReceivesCommandLine(t *testing.T) {
	got := make(chan string, 1)
	host, port, key := startServer(t, sshtest.WithCmdHandler(func(cmd string) (string, string, int) {
		got <- cmd
		return "", "", 0
	}))
	client := dialTest(t, host, testConf(t, port, key))

	line := executor.Command{"python", "force_update_checkout.py", "--ref", "origin/main"}.String()
	if _, err := client.RunCommand(context.Background(), line); err != nil {
		t.Fatalf("RunCommand: %v", err)
	}
	if cmd := <-got; cmd != "python force_update_checkout.py --ref origin/main" {
		t.Errorf("server saw %q", cmd)
	}
}

func TestRunCommandMissingExitStatus(t *testing.T) {
	host, port, key := startServer(t, sshtest.WithoutExitStatus(), sshtest.WithCmdHandler(func(string) (string, string, int) {
		return "half", "", 0
	}))
	client := dialTest(t, host, testConf(t, port, key))

	out, err := client.RunCommand(context.Background(), "anything")
	if err == nil {
		t.Fatal("expected error when no exit status is sent")
	}
	var missing *gossh.ExitMissingError
	if !errors.As(err, &missing) {
		t.Errorf("error = %T %v, want *ssh.ExitMissingError", err, err)
	}
	if out.ExitCode != executor.ExitUnreachable {
		t.Errorf("exit code = %d, want %d", out.ExitCode, executor.ExitUnreachable)
	}
	if string(out.Stdout) != "half" {
		t.Errorf("partial stdout = %q, want half", out.Stdout)
	}
}

func TestRunCommandContextTimeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	host, port, key := startServer(t, sshtest.WithCmdHandler(func(string) (string, string, int) {
		<-release
		return "", "", 0
	}))
	client := dialTest(t, host, testConf(t, port, key))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	out, err := client.RunCommand(ctx, "sleep 3600")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if out.ExitCode != executor.ExitUnreachable {
		t.Errorf("exit code = %d, want sentinel", out.ExitCode)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("RunCommand took %s after the deadline", elapsed)
	}
}

func TestDialHandshakeTimeout(t *testing.T) {
	// A listener that accepts but never speaks SSH.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 1)
				for {
					if _, err := c.Read(buf); err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	_, port := sshtest.SplitAddr(t, listener.Addr().String())
	conf := testConf(t, port, "/nonexistent")
	conf.Retry = DefaultRetryPolicy()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err = Dial(ctx, "127.0.0.1", conf)
	if err == nil {
		t.Fatal("expected timeout error, got nil")
	}
	if !strings.Contains(err.Error(), "context deadline exceeded") {
		t.Errorf("expected context deadline exceeded, got: %v", err)
	}
}

func TestDialRetriesDroppedConnections(t *testing.T) {
	host, port, key := startServer(t, sshtest.WithDroppedConnections(2), sshtest.WithCmdHandler(func(string) (string, string, int) {
		return "up\n", "", 0
	}))
	conf := testConf(t, port, key)
	conf.Retry = RetryPolicy{MaxAttempts: 4, InitialInterval: 10 * time.Millisecond, MaxInterval: 50 * time.Millisecond}

	client := dialTest(t, host, conf)
	out, err := client.RunCommand(context.Background(), "uptime")
	if err != nil {
		t.Fatalf("RunCommand: %v", err)
	}
	if string(out.Stdout) != "up\n" {
		t.Errorf("stdout = %q", out.Stdout)
	}
}

func TestDialWithoutRetryFailsOnDroppedConnection(t *testing.T) {
	host, port, key := startServer(t, sshtest.WithDroppedConnections(1))

	_, err := Dial(context.Background(), host, testConf(t, port, key))
	if err == nil {
		t.Fatal("expected a single attempt to fail")
	}
}

func TestDialAuthFailureIsNotRetried(t *testing.T) {
	host, port, _ := startServer(t)
	_, otherKey := sshtest.GenerateKey(t)

	conf := testConf(t, port, otherKey)
	conf.Retry = RetryPolicy{MaxAttempts: 50, InitialInterval: time.Second}

	start := time.Now()
	_, err := Dial(context.Background(), host, conf)
	if err == nil {
		t.Fatal("expected auth failure")
	}
	if elapsed := time.Since(start); elapsed > 900*time.Millisecond {
		t.Errorf("auth failure was retried (took %s)", elapsed)
	}
}

func TestHostKeyCallback(t *testing.T) {
	t.Run("missing known_hosts", func(t *testing.T) {
		t.Setenv("HOME", t.TempDir())
		_, err := hostKeyCallback(ClientConfig{})
		if err == nil || !strings.Contains(err.Error(), "no known_hosts file") {
			t.Fatalf("err = %v, want missing known_hosts", err)
		}
	})
	t.Run("insecure", func(t *testing.T) {
		t.Setenv("HOME", t.TempDir())
		cb, err := hostKeyCallback(ClientConfig{AcceptUnknownHosts: true})
		if err != nil || cb == nil {
			t.Fatalf("cb = %v, err = %v", cb, err)
		}
	})
	t.Run("explicit", func(t *testing.T) {
		cb, err := hostKeyCallback(ClientConfig{HostKeyCallback: gossh.InsecureIgnoreHostKey()})
		if err != nil || cb == nil {
			t.Fatalf("cb = %v, err = %v", cb, err)
		}
	})
}

func TestParseJumpHost(t *testing.T) {
	tests := []struct {
		spec     string
		wantUser string
		wantHost string
		wantPort int
	}{
		{"bastion", "", "bastion", 0},
		{"user@bastion", "user", "bastion", 0},
		{"bastion:2222", "", "bastion", 2222},
		{"user@bastion:2222", "user", "bastion", 2222},
		{"  user@host:22  ", "user", "host", 22},
	}
	for _, tc := range tests {
		t.Run(tc.spec, func(t *testing.T) {
			user, host, port := parseJumpHost(tc.spec)
			if user != tc.wantUser || host != tc.wantHost || port != tc.wantPort {
				t.Errorf("parseJumpHost(%q) = %q, %q, %d", tc.spec, user, host, port)
			}
		})
	}
}

func TestProxyJumpNone(t *testing.T) {
	host, port, key := startServer(t, sshtest.WithCmdHandler(func(string) (string, string, int) {
		return "direct\n", "", 0
	}))
	conf := testConf(t, port, key)
	conf.ProxyJump = "none"

	out, err := dialTest(t, host, conf).RunCommand(context.Background(), "test")
	if err != nil {
		t.Fatalf("RunCommand: %v", err)
	}
	if string(out.Stdout) != "direct\n" {
		t.Errorf("stdout = %q", out.Stdout)
	}
}

func TestProxyJumpSingleHop(t *testing.T) {
	pubKey, keyPath := sshtest.GenerateKey(t)
	bastion := sshtest.Start(t, sshtest.WithPublicKey(pubKey), sshtest.WithForwardTCP())
	target := sshtest.Start(t, sshtest.WithPublicKey(pubKey), sshtest.WithCmdHandler(func(string) (string, string, int) {
		return "from-target\n", "", 0
	}))

	bastionHost, bastionPort := sshtest.SplitAddr(t, bastion)
	targetHost, targetPort := sshtest.SplitAddr(t, target)

	conf := testConf(t, targetPort, keyPath)
	conf.ProxyJump = fmt.Sprintf("buildbot@%s:%d", bastionHost, bastionPort)

	client := dialTest(t, targetHost, conf)
	out, err := client.RunCommand(context.Background(), "hello")
	if err != nil {
		t.Fatalf("RunCommand: %v", err)
	}
	if out.ExitCode != 0 || string(out.Stdout) != "from-target\n" {
		t.Errorf("out = %+v", out)
	}
	if len(client.jumpClients) != 1 {
		t.Errorf("jump clients = %d, want 1", len(client.jumpClients))
	}
}

func TestProxyJumpUnreachableBastion(t *testing.T) {
	_, keyPath := sshtest.GenerateKey(t)
	conf := testConf(t, 22, keyPath)
	conf.ProxyJump = "127.0.0.1:1"

	_, err := Dial(context.Background(), "target", conf)
	if err == nil || !strings.Contains(err.Error(), "dial jump host") {
		t.Fatalf("err = %v, want jump host failure", err)
	}
}

func TestRunner(t *testing.T) {
	host, port, key := startServer(t, sshtest.WithCmdHandler(func(cmd string) (string, string, int) {
		if strings.Contains(cmd, "fail") {
			return "", "checkout is dirty\n", 3
		}
		return "ok\n", "", 0
	}))
	t.Setenv("SSH_AUTH_SOCK", "")

	runner := NewRunner(ClientConfig{HostKeyCallback: gossh.InsecureIgnoreHostKey()})
	h := executor.Host{Name: "admin@build1", Hostname: host, User: "admin", Port: port, IdentityFile: key}

	res := runner.Run(context.Background(), h, executor.Command{"update"})
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.Host != "admin@build1" || res.ExitCode != 0 || string(res.Stdout) != "ok\n" {
		t.Errorf("res = %+v", res)
	}

	res = runner.Run(context.Background(), h, executor.Command{"update", "--fail"})
	if res.Err != nil || res.ExitCode != 3 || string(res.Stderr) != "checkout is dirty\n" {
		t.Errorf("res = %+v", res)
	}
}

func TestRunnerUnreachable(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	_, key := sshtest.GenerateKey(t)

	// Reserve a port and close it so the dial is refused.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	host, port := sshtest.SplitAddr(t, l.Addr().String())
	l.Close()

	runner := NewRunner(ClientConfig{HostKeyCallback: gossh.InsecureIgnoreHostKey()})
	res := runner.Run(context.Background(), executor.Host{Name: "build9", Hostname: host, Port: port, IdentityFile: key}, executor.Command{"true"})

	if res.Err == nil {
		t.Fatal("expected a connect error")
	}
	if res.ExitCode != executor.ExitUnreachable {
		t.Errorf("exit code = %d, want sentinel", res.ExitCode)
	}
	var ce *ConnectError
	if !errors.As(res.Err, &ce) || !strings.Contains(ce.Hint, "sshd") {
		t.Errorf("err = %v, want ConnectError with sshd hint", res.Err)
	}
}

type recordingStager struct {
	hosts []string
	err   error
}

func (s *recordingStager) Stage(_ context.Context, _ *gossh.Client, host string) error {
	s.hosts = append(s.hosts, host)
	return s.err
}

func TestRunnerStaging(t *testing.T) {
	ran := make(chan struct{}, 1)
	host, port, key := startServer(t, sshtest.WithCmdHandler(func(string) (string, string, int) {
		ran <- struct{}{}
		return "", "", 0
	}))
	t.Setenv("SSH_AUTH_SOCK", "")
	h := executor.Host{Name: "build1", Hostname: host, Port: port, IdentityFile: key}

	ok := &recordingStager{}
	runner := NewRunner(ClientConfig{HostKeyCallback: gossh.InsecureIgnoreHostKey()}, WithStager(ok))
	if res := runner.Run(context.Background(), h, executor.Command{"./update.sh"}); res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	<-ran
	if len(ok.hosts) != 1 || ok.hosts[0] != "build1" {
		t.Errorf("staged hosts = %v", ok.hosts)
	}

	failing := &recordingStager{err: errors.New("disk full")}
	runner = NewRunner(ClientConfig{HostKeyCallback: gossh.InsecureIgnoreHostKey()}, WithStager(failing))
	res := runner.Run(context.Background(), h, executor.Command{"./update.sh"})
	if res.Err == nil || !strings.Contains(res.Err.Error(), "disk full") {
		t.Errorf("err = %v, want staging failure", res.Err)
	}
	if res.ExitCode != executor.ExitUnreachable {
		t.Errorf("exit code = %d, want sentinel", res.ExitCode)
	}
	select {
	case <-ran:
		t.Error("command ran after staging failed")
	default:
	}
}

func TestRunnerHostConfig(t *testing.T) {
	r := NewRunner(ClientConfig{User: "base", Port: 2200, ProxyJump: "bastion", IdentityFiles: []string{"/k"}})

	conf := r.hostConfig(executor.Host{Name: "a"})
	if conf.User != "base" || conf.Port != 2200 || conf.ProxyJump != "bastion" || conf.IdentityFiles[0] != "/k" {
		t.Errorf("base values lost: %+v", conf)
	}

	conf = r.hostConfig(executor.Host{Name: "a", User: "u", Port: 22, IdentityFile: "/h", ProxyJump: "none"})
	if conf.User != "u" || conf.Port != 22 || conf.ProxyJump != "none" || conf.IdentityFiles[0] != "/h" {
		t.Errorf("host overrides not applied: %+v", conf)
	}
}
