// Package config decodes the proxy configuration file.
package config

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gernest/hsproxy/pkg/rate"
	"github.com/gernest/hsproxy/pkg/resolve"
	"github.com/gernest/hsproxy/pkg/route"
	"github.com/gernest/hsproxy/pkg/unit"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment variables that override file values, e.g.
// HSPROXY_LISTEN_PORT.
const EnvPrefix = "HSPROXY"

// Config is the decoded shape of the configuration file.
type Config struct {
	Listen   Listen   `mapstructure:"listen" json:"listen"`
	Proxy    Proxy    `mapstructure:"proxy" json:"proxy"`
	Resolver Resolver `mapstructure:"resolver" json:"resolver"`
	Limits   Limits   `mapstructure:"limits" json:"limits"`
	Rules    []Rule   `mapstructure:"rules" json:"rules"`
	Fallback *Rule    `mapstructure:"fallback" json:"fallback,omitempty"`
}

// Listen is the address the proxy accepts connections on.
type Listen struct {
	Host string `mapstructure:"host" json:"host"`
	Port int    `mapstructure:"port" json:"port"`
}

// Addr returns host:port.
func (l Listen) Addr() string {
	return net.JoinHostPort(l.Host, strconv.Itoa(l.Port))
}

type Proxy struct {
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" json:"handshake_timeout"`
	DialTimeout      time.Duration `mapstructure:"dial_timeout" json:"dial_timeout"`
	KeepAlive        time.Duration `mapstructure:"keep_alive" json:"keep_alive"`
}

// Resolver is only read at startup; changing it requires a restart.
type Resolver struct {
	Nameservers []string      `mapstructure:"nameservers" json:"nameservers,omitempty"`
	PreferGo    bool          `mapstructure:"prefer_go" json:"prefer_go"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl" json:"cache_ttl"`
	Timeout     time.Duration `mapstructure:"timeout" json:"timeout"`
}

// Options returns the resolver configuration.
func (r Resolver) Options() resolve.Config {
	return resolve.Config{
		Nameservers: r.Nameservers,
		PreferGo:    r.PreferGo,
		CacheTTL:    r.CacheTTL,
		Timeout:     r.Timeout,
	}
}

// Limits are only read at startup.
type Limits struct {
	// Connections is the number of connections a client IP may open within
	// Window. Zero disables the limit.
	Connections uint32        `mapstructure:"connections" json:"connections"`
	Window      time.Duration `mapstructure:"window" json:"window"`
	// Path optionally keeps the limiter state in a badger directory instead
	// of memory.
	Path string `mapstructure:"path" json:"path,omitempty"`
}

// Options returns the limiter configuration, false when limiting is off.
func (l Limits) Options() (rate.Config, bool) {
	return rate.Config{
		Path:   l.Path,
		Window: l.Window,
		Limit:  l.Connections,
	}, l.Connections > 0
}

type Rule struct {
	Host            string `mapstructure:"host" json:"host,omitempty"`
	Backend         string `mapstructure:"backend" json:"backend"`
	ProxyProtocol   int    `mapstructure:"proxy_protocol" json:"proxy_protocol,omitempty"`
	UpstreamSpeed   string `mapstructure:"upstream_speed" json:"upstream_speed,omitempty"`
	DownstreamSpeed string `mapstructure:"downstream_speed" json:"downstream_speed,omitempty"`
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("listen.host", "")
	v.SetDefault("listen.port", route.DefaultPort)
	v.SetDefault("proxy.handshake_timeout", 10*time.Second)
	v.SetDefault("proxy.dial_timeout", 10*time.Second)
	v.SetDefault("proxy.keep_alive", time.Minute)
	v.SetDefault("resolver.prefer_go", true)
	v.SetDefault("resolver.cache_ttl", time.Duration(0))
	v.SetDefault("resolver.timeout", 5*time.Second)
	v.SetDefault("limits.connections", 0)
	v.SetDefault("limits.window", time.Minute)
	return v
}

// Parse decodes and validates a TOML document.
func Parse(b []byte) (*Config, error) {
	c, err := Decode(b)
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Decode decodes a TOML document and applies defaults and environment
// overrides without validating the result.
func Decode(b []byte) (*Config, error) {
	v := newViper()
	if err := v.ReadConfig(bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &c, nil
}

// Load reads and parses the file at path. Read failures are returned
// unwrapped so callers can inspect them with os.IsNotExist and friends.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Empty reports whether c routes nothing. Such a configuration is valid,
// every connection is closed as a routing miss.
func (c *Config) Empty() bool {
	return len(c.Rules) == 0 && c.Fallback == nil
}

// Validate checks the values Table depends on.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("config: listen port %d out of range", c.Listen.Port)
	}
	if c.Limits.Connections > 0 && c.Limits.Window < time.Second {
		return fmt.Errorf("config: limits window %s is shorter than a second", c.Limits.Window)
	}
	for i := range c.Rules {
		if c.Rules[i].Host == "" {
			return fmt.Errorf("config: rule %d has no host", i)
		}
		if _, err := c.Rules[i].build(); err != nil {
			return fmt.Errorf("config: rule %d (%s): %w", i, c.Rules[i].Host, err)
		}
	}
	if c.Fallback != nil {
		if c.Fallback.Host != "" {
			return fmt.Errorf("config: fallback must not have a host")
		}
		if _, err := c.Fallback.build(); err != nil {
			return fmt.Errorf("config: fallback: %w", err)
		}
	}
	return nil
}

// Table builds the routing snapshot described by c. c must be valid.
func (c *Config) Table() (*route.Table, error) {
	t := &route.Table{
		Listen: c.Listen.Addr(),
		Options: route.Options{
			HandshakeTimeout: c.Proxy.HandshakeTimeout,
			DialTimeout:      c.Proxy.DialTimeout,
			KeepAlive:        c.Proxy.KeepAlive,
		},
	}
	for i := range c.Rules {
		r, err := c.Rules[i].build()
		if err != nil {
			return nil, err
		}
		t.Rules = append(t.Rules, r)
	}
	if c.Fallback != nil {
		r, err := c.Fallback.build()
		if err != nil {
			return nil, err
		}
		t.Fallback = r
	}
	return t, nil
}

func (r *Rule) build() (*route.Rule, error) {
	b, err := route.ParseBackend(r.Backend)
	if err != nil {
		return nil, err
	}
	if r.ProxyProtocol != 0 && r.ProxyProtocol != 1 {
		return nil, fmt.Errorf("PROXY protocol version %d not supported", r.ProxyProtocol)
	}
	up, down := unit.Speed(r.UpstreamSpeed), unit.Speed(r.DownstreamSpeed)
	if _, err := up.Limit(); err != nil {
		return nil, err
	}
	if _, err := down.Limit(); err != nil {
		return nil, err
	}
	return &route.Rule{
		Host:            r.Host,
		Backend:         b,
		ProxyProtocol:   r.ProxyProtocol,
		UpstreamSpeed:   up,
		DownstreamSpeed: down,
	}, nil
}
