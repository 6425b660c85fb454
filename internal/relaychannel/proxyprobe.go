package relaychannel

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/proxy"
)

// ProxyConfig names an optional SOCKS5 egress hop used only by the admin
// surface's on-demand relay reachability probe; inbound connect attempts
// are accepted without it, and it is never in the request-serving path (spec.md never routes client
// traffic through an egress proxy; the browser relay makes the upstream
// call itself).
type ProxyConfig struct {
	Address  string // host:port
	Username string
	Password string
}

// ProbeReachable reports whether target (host:port) accepts a TCP dial,
// optionally routed through a SOCKS5 proxy, within timeout. Grounded on the
// teacher's internal/transport/proxy.go socks5Dialer, trimmed to a plain
// reachability check (no TLS handshake — this never carries a request).
func ProbeReachable(ctx context.Context, target string, socks5 *ProxyConfig, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if socks5 == nil {
		d := net.Dialer{}
		conn, err := d.DialContext(ctx, "tcp", target)
		if err != nil {
			return fmt.Errorf("probe %s: %w", target, err)
		}
		return conn.Close()
	}

	var auth *proxy.Auth
	if socks5.Username != "" {
		auth = &proxy.Auth{User: socks5.Username, Password: socks5.Password}
	}
	dialer, err := proxy.SOCKS5("tcp", socks5.Address, auth, proxy.Direct)
	if err != nil {
		return fmt.Errorf("socks5 dialer %s: %w", socks5.Address, err)
	}
	ctxDialer, ok := dialer.(proxy.ContextDialer)
	if !ok {
		conn, err := dialer.Dial("tcp", target)
		if err != nil {
			return fmt.Errorf("probe %s via %s: %w", target, socks5.Address, err)
		}
		return conn.Close()
	}
	conn, err := ctxDialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return fmt.Errorf("probe %s via %s: %w", target, socks5.Address, err)
	}
	return conn.Close()
}
