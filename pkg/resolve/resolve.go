// Package resolve turns a rule's backend into a connectable address.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/gernest/hsproxy/pkg/route"
	"github.com/gernest/hsproxy/pkg/zlg"
	"go.uber.org/zap"
)

// FallbackNameserver is used when no nameserver is configured and the system
// resolver configuration can not be read.
const FallbackNameserver = "1.1.1.1:53"

// ResolvConf is the system resolver configuration checked at startup.
var ResolvConf = "/etc/resolv.conf"

// ErrNoAddress is returned when a lookup succeeds with an empty answer.
var ErrNoAddress = errors.New("resolve: no addresses found")

// LookupError is a failure to resolve a backend name.
type LookupError struct {
	Host string
	Err  error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.Host, e.Err)
}

func (e *LookupError) Unwrap() error { return e.Err }

// DialError is a failure to connect to a resolved backend address.
type DialError struct {
	Addr string
	Err  error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("dial %s: %v", e.Addr, e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }

// LookupFunc resolves host to its addresses.
type LookupFunc func(ctx context.Context, host string) ([]net.IPAddr, error)

// Config configures the resolver. The zero value uses the system
// configuration without caching.
type Config struct {
	// Nameservers are host:port addresses queried instead of the ones from
	// the system configuration.
	Nameservers []string `json:",omitempty"`
	PreferGo    bool     `json:",omitempty"`
	// CacheTTL is how long answers are cached. Zero disables the cache.
	CacheTTL time.Duration `json:",omitempty"`
	// Timeout bounds a single lookup. Zero means no bound beyond the caller's
	// context.
	Timeout time.Duration `json:",omitempty"`
}

// Resolver is safe for concurrent use. Build one at startup and share it.
type Resolver struct {
	lookup  LookupFunc
	cache   *ristretto.Cache
	ttl     time.Duration
	timeout time.Duration
}

// New builds a Resolver from c.
func New(c Config) (*Resolver, error) {
	servers := c.Nameservers
	if len(servers) == 0 {
		if _, err := os.Stat(ResolvConf); err != nil {
			zlg.Info("System resolver configuration unavailable, using fallback",
				zap.String("resolv_conf", ResolvConf),
				zap.String("nameserver", FallbackNameserver),
			)
			servers = []string{FallbackNameserver}
		}
	}
	nr := &net.Resolver{PreferGo: c.PreferGo}
	if len(servers) > 0 {
		nr.PreferGo = true
		nr.Dial = dialNameservers(servers)
	}
	return NewWithLookup(nr.LookupIPAddr, c)
}

// NewWithLookup builds a Resolver that uses fn for name lookups. Tests use it
// to supply a fake resolver.
func NewWithLookup(fn LookupFunc, c Config) (*Resolver, error) {
	r := &Resolver{
		lookup:  fn,
		ttl:     c.CacheTTL,
		timeout: c.Timeout,
	}
	if c.CacheTTL > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: 1e4,
			MaxCost:     1e3,
			BufferItems: 64,
		})
		if err != nil {
			return nil, err
		}
		r.cache = cache
	}
	return r, nil
}

func dialNameservers(servers []string) func(ctx context.Context, network, address string) (net.Conn, error) {
	var d net.Dialer
	return func(ctx context.Context, network, _ string) (net.Conn, error) {
		var err error
		for _, s := range servers {
			var c net.Conn
			c, err = d.DialContext(ctx, network, s)
			if err == nil {
				return c, nil
			}
		}
		return nil, err
	}
}

// Resolve returns the address to connect to for b. IP literals are returned
// as is; names are looked up and the first answer is used.
func (r *Resolver) Resolve(ctx context.Context, b route.Backend) (*net.TCPAddr, error) {
	if ip := net.ParseIP(b.Host); ip != nil {
		return &net.TCPAddr{IP: ip, Port: b.Port}, nil
	}
	if r.cache != nil {
		if v, ok := r.cache.Get(b.Host); ok {
			a := v.(net.IPAddr)
			return &net.TCPAddr{IP: a.IP, Port: b.Port, Zone: a.Zone}, nil
		}
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	addrs, err := r.lookup(ctx, b.Host)
	if err != nil {
		return nil, &LookupError{Host: b.Host, Err: err}
	}
	if len(addrs) == 0 {
		return nil, &LookupError{Host: b.Host, Err: ErrNoAddress}
	}
	a := addrs[0]
	if r.cache != nil {
		r.cache.SetWithTTL(b.Host, a, 1, r.ttl)
	}
	return &net.TCPAddr{IP: a.IP, Port: b.Port, Zone: a.Zone}, nil
}

// Close releases the answer cache.
func (r *Resolver) Close() {
	if r.cache != nil {
		r.cache.Close()
	}
}
