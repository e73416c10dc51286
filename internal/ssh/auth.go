package ssh

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	sshconfig "github.com/kevinburke/ssh_config"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/agent462/fleetrun/internal/pathutil"
)

// clientConfig resolves the user, address, auth chain and host key check for
// host. Values already set in conf win over ~/.ssh/config.
func clientConfig(host string, conf ClientConfig) (*ssh.ClientConfig, string, error) {
	user := conf.User
	if user == "" {
		user = sshconfig.Get(host, "User")
	}
	if user == "" {
		user = os.Getenv("USER")
	}
	if user == "" {
		user = "root"
	}

	port := conf.Port
	if port == 0 {
		port, _ = strconv.Atoi(sshconfig.Get(host, "Port"))
	}
	if port <= 0 {
		port = 22
	}

	hostKeys, err := hostKeyCallback(conf)
	if err != nil {
		return nil, "", fmt.Errorf("host key callback: %w", err)
	}

	return &ssh.ClientConfig{
		User:            user,
		Auth:            authMethods(host, conf),
		HostKeyCallback: hostKeys,
	}, joinHostPort(host, port), nil
}

// authMethods builds the auth chain: agent first, then key files.
func authMethods(host string, conf ClientConfig) []ssh.AuthMethod {
	var methods []ssh.AuthMethod
	if m := agentAuth(); m != nil {
		methods = append(methods, m)
	}

	keyFiles := conf.IdentityFiles
	if len(keyFiles) == 0 {
		keyFiles = defaultKeyFiles(host)
	}
	var signers []ssh.Signer
	for _, path := range keyFiles {
		if s := loadSigner(path); s != nil {
			signers = append(signers, s)
		}
	}
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}
	return methods
}

// agentConn is the process-wide SSH agent connection. A failed or stale
// connection is dropped and redialled on the next call.
var agentConn struct {
	mu     sync.Mutex
	conn   net.Conn
	client agent.ExtendedAgent
}

// CloseAgent closes the shared agent connection, if one is open.
func CloseAgent() {
	agentConn.mu.Lock()
	defer agentConn.mu.Unlock()
	if agentConn.conn != nil {
		agentConn.conn.Close()
		agentConn.conn, agentConn.client = nil, nil
	}
}

func agentAuth() ssh.AuthMethod {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil
	}

	agentConn.mu.Lock()
	defer agentConn.mu.Unlock()

	if agentConn.client != nil {
		if _, err := agentConn.client.List(); err != nil {
			agentConn.conn.Close()
			agentConn.conn, agentConn.client = nil, nil
		}
	}
	if agentConn.client == nil {
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return nil
		}
		agentConn.conn, agentConn.client = conn, agent.NewClient(conn)
	}

	keys, err := agentConn.client.List()
	if err != nil || len(keys) == 0 {
		return nil
	}
	return ssh.PublicKeysCallback(agentConn.client.Signers)
}

// defaultKeyFiles returns the ssh_config IdentityFile for host followed by
// the usual key locations under ~/.ssh, keeping only files that exist.
func defaultKeyFiles(host string) []string {
	var candidates []string
	if identity := sshconfig.Get(host, "IdentityFile"); identity != "" {
		candidates = append(candidates, pathutil.ExpandHome(identity))
	}
	if home, err := os.UserHomeDir(); err == nil {
		for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
			candidates = append(candidates, filepath.Join(home, ".ssh", name))
		}
	}

	var files []string
	for _, f := range candidates {
		if _, err := os.Stat(f); err == nil {
			files = append(files, f)
		}
	}
	return files
}

func loadSigner(path string) ssh.Signer {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil
	}
	return signer
}

func hostKeyCallback(conf ClientConfig) (ssh.HostKeyCallback, error) {
	switch {
	case conf.HostKeyCallback != nil:
		return conf.HostKeyCallback, nil
	case conf.AcceptUnknownHosts:
		return ssh.InsecureIgnoreHostKey(), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home dir: %w", err)
	}
	path := filepath.Join(home, ".ssh", "known_hosts")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("no known_hosts file found at %s; use --insecure to skip host key verification", path)
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("parse known_hosts: %w", err)
	}
	return cb, nil
}
