package ssh

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// dialViaProxy connects to the first jump host directly, chains through the
// rest, and dials host through the last one.
func dialViaProxy(ctx context.Context, host string, conf ClientConfig) (*Client, error) {
	var chain []*Client
	closeChain := func() {
		for i := len(chain) - 1; i >= 0; i-- {
			chain[i].Close()
		}
	}

	for i, spec := range strings.Split(conf.ProxyJump, ",") {
		jumpHost, jumpConf := jumpConfig(spec, conf)
		var (
			c   *Client
			err error
		)
		if i == 0 {
			c, err = dialOnce(ctx, jumpHost, jumpConf)
		} else {
			c, err = dialThrough(ctx, chain[i-1], jumpHost, jumpConf)
		}
		if err != nil {
			closeChain()
			return nil, fmt.Errorf("dial jump host %q: %w", strings.TrimSpace(spec), err)
		}
		chain = append(chain, c)
	}

	target := conf
	target.ProxyJump = ""
	client, err := dialThrough(ctx, chain[len(chain)-1], host, target)
	if err != nil {
		closeChain()
		return nil, fmt.Errorf("dial %s via proxy: %w", host, err)
	}
	client.jumpClients = chain
	return client, nil
}

// jumpConfig derives the config for one jump hop. Auth and host key settings
// are inherited; user and port come from the jump host string.
func jumpConfig(spec string, conf ClientConfig) (string, ClientConfig) {
	user, host, port := parseJumpHost(spec)
	return host, ClientConfig{
		User:               user,
		Port:               port,
		IdentityFiles:      conf.IdentityFiles,
		AcceptUnknownHosts: conf.AcceptUnknownHosts,
		HostKeyCallback:    conf.HostKeyCallback,
	}
}

// dialThrough opens a TCP channel through proxy and runs the handshake on it.
func dialThrough(ctx context.Context, proxy *Client, host string, conf ClientConfig) (*Client, error) {
	sshConf, addr, err := clientConfig(host, conf)
	if err != nil {
		return nil, err
	}
	conn, err := proxy.sshClient.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tunnel through %s to %s: %w", proxy.host, addr, err)
	}
	return handshake(ctx, conn, host, addr, sshConf)
}

// parseJumpHost splits "user@host:port"; user and port are optional.
func parseJumpHost(spec string) (user, host string, port int) {
	spec = strings.TrimSpace(spec)
	if i := strings.Index(spec, "@"); i >= 0 {
		user, spec = spec[:i], spec[i+1:]
	}
	h, p, err := net.SplitHostPort(spec)
	if err != nil {
		return user, spec, 0
	}
	port, _ = strconv.Atoi(p)
	return user, h, port
}
