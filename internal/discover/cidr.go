// Package discover finds fleet members on a subnet by probing their SSH port.
package discover

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agent462/fleetrun/internal/executor"
)

// MaxAddresses bounds a single scan. A /16 is the largest range accepted.
const MaxAddresses = 1 << 16

// Options control a scan.
type Options struct {
	Port        int           // default 22
	Concurrency int           // parallel dials, default 64
	Timeout     time.Duration // per-dial, default 1s
	Logger      *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Port <= 0 {
		o.Port = 22
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 64
	}
	if o.Timeout <= 0 {
		o.Timeout = time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Scan dials every usable address in cidr and returns the ones accepting TCP
// connections on the SSH port, in address order. Each host is named by its
// address. Scanning stops early if ctx ends; the hosts found so far are
// returned along with ctx's error.
func Scan(ctx context.Context, cidr string, opts Options) ([]executor.Host, error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return nil, fmt.Errorf("invalid CIDR %q: %w", cidr, err)
	}
	addrs, err := Addresses(prefix)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	open := make([]bool, len(addrs))
	var g errgroup.Group
	g.SetLimit(opts.Concurrency)
	for i, addr := range addrs {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			open[i] = probe(ctx, addr, opts)
			return nil
		})
	}
	_ = g.Wait()

	var hosts []executor.Host
	for i, ok := range open {
		if !ok {
			continue
		}
		ip := addrs[i].String()
		hosts = append(hosts, executor.Host{Name: ip, Hostname: ip, Port: opts.Port})
	}
	opts.Logger.Debug("subnet scanned",
		zap.String("cidr", prefix.String()),
		zap.Int("probed", len(addrs)),
		zap.Int("open", len(hosts)),
	)
	return hosts, ctx.Err()
}

func probe(ctx context.Context, addr netip.Addr, opts Options) bool {
	dctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dctx, "tcp", net.JoinHostPort(addr.String(), strconv.Itoa(opts.Port)))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Addresses lists the usable IPv4 host addresses of prefix. The network and
// broadcast addresses are skipped except in /31 and /32 ranges.
func Addresses(prefix netip.Prefix) ([]netip.Addr, error) {
	prefix = prefix.Masked()
	if !prefix.Addr().Is4() {
		return nil, fmt.Errorf("only IPv4 ranges can be scanned, got %s", prefix)
	}
	hostBits := 32 - prefix.Bits()
	if hostBits > 16 {
		return nil, fmt.Errorf("range %s is larger than /16", prefix)
	}

	size := 1 << hostBits
	first, last := 0, size-1
	if hostBits > 1 {
		first, last = 1, size-2
	}

	addrs := make([]netip.Addr, 0, last-first+1)
	addr := prefix.Addr()
	for i := 0; i < first; i++ {
		addr = addr.Next()
	}
	for i := first; i <= last; i++ {
		addrs = append(addrs, addr)
		addr = addr.Next()
	}
	return addrs, nil
}
