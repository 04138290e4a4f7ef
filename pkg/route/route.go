// Package route holds the routing table snapshot a connection is matched
// against.
package route

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/gernest/hsproxy/pkg/unit"
)

// DefaultPort is the protocol's default server port.
const DefaultPort = 25565

// Backend is where a matched connection is proxied to. Host is an IP literal
// or a DNS name.
type Backend struct {
	Host string
	Port int
}

// ParseBackend parses host or host:port. A missing port defaults to
// DefaultPort.
func ParseBackend(s string) (Backend, error) {
	if s == "" {
		return Backend{}, fmt.Errorf("route: empty backend")
	}
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		// no port, or an IPv6 literal with or without brackets
		bare := s
		if len(bare) > 2 && bare[0] == '[' && bare[len(bare)-1] == ']' {
			bare = bare[1 : len(bare)-1]
			if net.ParseIP(bare) == nil {
				return Backend{}, fmt.Errorf("route: invalid backend %q", s)
			}
		}
		if ip := net.ParseIP(bare); ip != nil || !hasPort(bare) {
			return Backend{Host: bare, Port: DefaultPort}, nil
		}
		return Backend{}, fmt.Errorf("route: invalid backend %q: %w", s, err)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 1 || p > 65535 {
		return Backend{}, fmt.Errorf("route: invalid backend port %q", port)
	}
	if host == "" {
		return Backend{}, fmt.Errorf("route: backend %q has no host", s)
	}
	return Backend{Host: host, Port: p}, nil
}

func hasPort(s string) bool {
	for i := len(s) - 1; i >= 0; i-- {
		switch s[i] {
		case ':':
			return true
		case ']':
			return false
		}
	}
	return false
}

func (b Backend) String() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
}

// Rule maps an exact hostname to a backend. A fallback rule has an empty
// Host.
type Rule struct {
	Host    string
	Backend Backend

	// ProxyProtocol optionally specifies the version of HAProxy's PROXY
	// protocol header sent to the backend ahead of the client's traffic.
	// If zero, no PROXY header is sent. Currently, version 1 is supported.
	ProxyProtocol int

	UpstreamSpeed   unit.Speed
	DownstreamSpeed unit.Speed
}

// Name returns a label for logs and metrics.
func (r *Rule) Name() string {
	if r.Host == "" {
		return "fallback"
	}
	return r.Host
}

// Options are the per snapshot connection settings.
type Options struct {
	// HandshakeTimeout bounds reading the first packet. Zero disables it.
	HandshakeTimeout time.Duration
	// DialTimeout bounds connecting to a backend. Zero means the default.
	DialTimeout time.Duration
	// KeepAlive is the TCP keep-alive period for both sockets. Zero means the
	// default, negative disables keep-alives.
	KeepAlive time.Duration
}

// Table is an immutable routing snapshot. It is never modified after it has
// been published; a reload builds a new Table.
type Table struct {
	// Listen is the host:port the proxy accepts connections on.
	Listen   string
	Rules    []*Rule
	Fallback *Rule
	Options  Options
}

// Match returns the first rule whose Host equals hostname, in declaration
// order, then the fallback. It returns nil when nothing matches.
func (t *Table) Match(hostname string) *Rule {
	for _, r := range t.Rules {
		if r.Host == hostname {
			return r
		}
	}
	return t.Fallback
}
