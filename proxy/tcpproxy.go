// Copyright 2017 Google Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package proxy accepts client connections, routes them by the hostname in
// their handshake and relays them to the matching backend.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gernest/hsproxy/pkg/metrics"
	"github.com/gernest/hsproxy/pkg/rate"
	"github.com/gernest/hsproxy/pkg/route"
	"github.com/gernest/hsproxy/pkg/zlg"
	"go.uber.org/zap"
)

// ErrNoConfig is returned by Run when the source has no snapshot yet.
var ErrNoConfig = errors.New("proxy: no routing table loaded")

// Source supplies routing snapshots. *store.Store implements it.
type Source interface {
	Snapshot() *route.Table
	Subscribe() (<-chan *route.Table, func())
}

// Resolver turns a backend into a dialable address. *resolve.Resolver
// implements it.
type Resolver interface {
	Resolve(ctx context.Context, b route.Backend) (*net.TCPAddr, error)
}

// Limiter limits how often a client address may connect. *rate.Rate
// implements it.
type Limiter interface {
	Take(key []byte) error
}

// Proxy serves the listen address of the active routing table. Every accepted
// connection is handled with the snapshot that was active when it was
// accepted.
type Proxy struct {
	Source   Source
	Resolver Resolver
	// Metrics may be nil.
	Metrics *metrics.Metrics
	// Limiter optionally limits connections per client IP. It is only called
	// from the accept loop.
	Limiter Limiter

	// ListenFunc optionally specifies an alternate listen
	// function. If nil, net.Listen is used.
	// The provided net is always "tcp".
	ListenFunc func(net, laddr string) (net.Listener, error)

	// DialContext optionally specifies an alternate dial function
	// for backends. If nil, the standard net.Dialer.DialContext
	// method is used.
	DialContext func(ctx context.Context, network, address string) (net.Conn, error)

	// Done is optionally called after each connection has been fully
	// handled.
	Done func(*Meta)

	mu   sync.RWMutex
	addr net.Addr
}

func (p *Proxy) netListen() func(net, laddr string) (net.Listener, error) {
	if p.ListenFunc != nil {
		return p.ListenFunc
	}
	return net.Listen
}

// Addr returns the address the proxy is currently bound to, nil when it is not
// listening.
func (p *Proxy) Addr() net.Addr {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.addr
}

func (p *Proxy) setAddr(a net.Addr) {
	p.mu.Lock()
	p.addr = a
	p.mu.Unlock()
}

func (p *Proxy) listen(hostPort string) (net.Listener, error) {
	ln, err := p.netListen()("tcp", hostPort)
	if err != nil {
		return nil, fmt.Errorf("proxy: listen %s: %w", hostPort, err)
	}
	p.setAddr(ln.Addr())
	zlg.Info("Started listener",
		zap.String("listen", hostPort),
		zap.String("addr", ln.Addr().String()),
	)
	return ln, nil
}

// Run binds the listen address of the current snapshot and serves until ctx
// is done. Failing to bind at startup is returned as an error. When a new
// snapshot changes the listen address the accept loop is stopped and the
// socket rebound; if the new address can not be bound the previous one is
// bound again. Established connections are never interrupted by a reload.
//
// Run returns after all connections it accepted have finished. Cancelling ctx
// closes them.
func (p *Proxy) Run(ctx context.Context) error {
	updates, unsubscribe := p.Source.Subscribe()
	defer unsubscribe()
	t := p.Source.Snapshot()
	if t == nil {
		return ErrNoConfig
	}
	current := t.Listen
	ln, err := p.listen(current)
	if err != nil {
		return err
	}
	var conns sync.WaitGroup
	defer func() {
		p.setAddr(nil)
		conns.Wait()
	}()
	for {
		stopped := make(chan error, 1)
		lctx, stop := context.WithCancel(ctx)
		go func(ln net.Listener) {
			stopped <- p.serveListener(lctx, ctx, ln, &conns)
		}(ln)

	wait:
		for {
			select {
			case <-ctx.Done():
				stop()
				ln.Close()
				<-stopped
				zlg.Info("Stopped listener", zap.String("listen", current))
				return nil
			case err := <-stopped:
				stop()
				ln.Close()
				return err
			case t := <-updates:
				if t.Listen == current {
					continue
				}
				zlg.Info("Listen address changed, rebinding",
					zap.String("from", current),
					zap.String("to", t.Listen),
				)
				stop()
				ln.Close()
				<-stopped
				next, err := p.listen(t.Listen)
				if err != nil {
					zlg.Error(err, "Failed to bind new listen address, keeping previous",
						zap.String("listen", current),
					)
					next, err = p.listen(current)
					if err != nil {
						return err
					}
				} else {
					current = t.Listen
				}
				ln = next
				break wait
			}
		}
	}
}

// serveListener accepts connections until ln is closed or ctx is done. It
// checks ctx between accepts. Accepted connections are served with connCtx,
// which outlives ctx when the listener is only being rebound.
func (p *Proxy) serveListener(ctx, connCtx context.Context, ln net.Listener, conns *sync.WaitGroup) error {
	var delay time.Duration
	for {
		if ctx.Err() != nil {
			return nil
		}
		c, err := ln.Accept()
		if err != nil {
			if ErrIsNetClosed(err) || ctx.Err() != nil {
				return nil
			}
			// accept errors such as running out of file descriptors clear up
			// on their own
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else if delay *= 2; delay > time.Second {
				delay = time.Second
			}
			zlg.Error(err, "Failed to accept connection", zap.Duration("retry_in", delay))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		delay = 0
		if !p.allow(c) {
			continue
		}
		t := p.Source.Snapshot()
		conns.Add(1)
		go func() {
			defer conns.Done()
			p.serveConn(connCtx, c, t)
		}()
	}
}

// allow reports whether c is within its client's connection rate. Limited
// connections are closed without reading from them.
func (p *Proxy) allow(c net.Conn) bool {
	if p.Limiter == nil {
		return true
	}
	host, _, err := net.SplitHostPort(c.RemoteAddr().String())
	if err != nil {
		host = c.RemoteAddr().String()
	}
	err = p.Limiter.Take([]byte(host))
	if err == nil {
		return true
	}
	if !rate.IsForbidden(err) {
		zlg.Error(err, "Rate limiter failed, allowing connection", zap.String("peer", host))
		return true
	}
	c.Close()
	zlg.Debug("Connection rate limited", zap.String("peer", host))
	p.Metrics.Connection(OutcomeRateLimited.String())
	if p.Done != nil {
		p.Done(&Meta{
			Remote:  c.RemoteAddr().String(),
			Start:   time.Now(),
			Outcome: OutcomeRateLimited,
			Err:     err,
		})
	}
	return false
}

// ErrIsNetClosed returns true if err is an error returned when using a closed
// network connection
func ErrIsNetClosed(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var e *net.OpError
	if errors.As(err, &e) {
		return e.Err.Error() == "use of closed network connection"
	}
	return false
}

// Conn is an incoming connection that has had some bytes read from it
// to determine how to route the connection. The Read method stitches
// the peeked bytes and unread bytes back together.
type Conn struct {
	// HostName is the hostname field of the handshake that routed this
	// connection.
	HostName string

	// Peeked are the bytes that have been read from Conn past the
	// handshake packet, but have not yet been consumed by Read calls.
	// It set to nil by Read when fully consumed.
	Peeked []byte

	// Conn is the underlying connection.
	// It can be type asserted against *net.TCPConn or other types
	// as needed. It should not be read from directly unless
	// Peeked is nil.
	net.Conn
}

func (c *Conn) Read(p []byte) (n int, err error) {
	if len(c.Peeked) > 0 {
		n = copy(p, c.Peeked)
		c.Peeked = c.Peeked[n:]
		if len(c.Peeked) == 0 {
			c.Peeked = nil
		}
		return n, nil
	}
	return c.Conn.Read(p)
}

// UnderlyingConn returns c.Conn if c of type *Conn,
// otherwise it returns c.
func UnderlyingConn(c net.Conn) net.Conn {
	if wrap, ok := c.(*Conn); ok {
		return wrap.Conn
	}
	return c
}
