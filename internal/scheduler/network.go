package scheduler

import (
	"context"
	"net"
	"net/url"
	"time"
)

// NetworkMonitor reports whether the central service is reachable enough to try.
type NetworkMonitor interface {
	Available(ctx context.Context) bool
}

// AlwaysOnline never defers a run.
type AlwaysOnline struct{}

func (AlwaysOnline) Available(context.Context) bool { return true }

// DialProbe considers the network available when a TCP connection to Addr opens.
type DialProbe struct {
	Addr    string // host:port
	Timeout time.Duration
}

// NewDialProbe probes the host of baseURL, defaulting the port from its scheme.
func NewDialProbe(baseURL string, timeout time.Duration) (*DialProbe, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	port := u.Port()
	if port == "" {
		port = "443"
		if u.Scheme == "http" {
			port = "80"
		}
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &DialProbe{Addr: net.JoinHostPort(u.Hostname(), port), Timeout: timeout}, nil
}

// Available implements NetworkMonitor.
func (p *DialProbe) Available(ctx context.Context) bool {
	d := net.Dialer{Timeout: p.Timeout}
	conn, err := d.DialContext(ctx, "tcp", p.Addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
