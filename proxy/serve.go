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

package proxy

import (
	"context"
	"net"
	"time"

	"github.com/gernest/hsproxy/pkg/handshake"
	"github.com/gernest/hsproxy/pkg/packet"
	"github.com/gernest/hsproxy/pkg/relay"
	"github.com/gernest/hsproxy/pkg/route"
	"github.com/gernest/hsproxy/pkg/unit"
	"github.com/gernest/hsproxy/pkg/zlg"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// serveConn runs in its own goroutine and routes c with the snapshot t. It
// always closes c. The returned Meta is used by tests.
func (p *Proxy) serveConn(ctx context.Context, c net.Conn, t *route.Table) *Meta {
	meta := &Meta{
		ID:     uuid.NewString(),
		Remote: c.RemoteAddr().String(),
		Start:  time.Now(),
	}
	lg := zlg.Get(ctx).With(
		zap.String("conn_id", meta.ID),
		zap.String("peer", meta.Remote),
	)
	ctx = zlg.Set(ctx, lg)
	p.Metrics.Track(1)
	defer func() {
		p.Metrics.Track(-1)
		p.Metrics.Connection(meta.Outcome.String())
		if p.Done != nil {
			p.Done(meta)
		}
	}()
	lg.Debug("Accepted connection", zap.String("local", c.LocalAddr().String()))

	// until the relay takes over, nothing else unblocks a read on c when
	// the proxy shuts down.
	stopClose := context.AfterFunc(ctx, func() { c.Close() })
	dst, src, raw := p.route(ctx, c, t, meta)
	stopClose()
	if dst == nil {
		c.Close()
		return meta
	}
	up, _ := meta.Rule.UpstreamSpeed.Limit()
	down, _ := meta.Rule.DownstreamSpeed.Limit()
	res := relay.Pipe(ctx, src, dst, relay.Options{
		Handshake:       raw.Bytes(),
		UpstreamLimit:   up,
		DownstreamLimit: down,
	}, &meta.Stats)
	meta.Result = res
	meta.Outcome = OutcomeRelayed
	meta.Err = res.Err
	p.Metrics.Relayed(res.Handshake+res.Upstream, res.Downstream)

	fields := []zap.Field{
		zap.String("hostname", meta.Hostname()),
		zap.String("rule", meta.Rule.Name()),
		zap.String("backend", meta.Backend),
		zap.String("upstream", unit.Bytes(res.Handshake+res.Upstream)),
		zap.String("downstream", unit.Bytes(res.Downstream)),
		zap.Duration("duration", time.Since(meta.Start)),
		zap.Stringer("closed_by", res.Closed),
	}
	if res.Err != nil {
		lg.Info("Connection closed with error", append(fields, zap.Error(res.Err))...)
	} else {
		lg.Info("Connection closed", fields...)
	}
	return meta
}

// route reads the handshake, matches it against t and connects to the
// backend. On failure it records the outcome in meta and returns a nil dst;
// nothing has been written to any backend in that case.
func (p *Proxy) route(ctx context.Context, c net.Conn, t *route.Table, meta *Meta) (dst, src net.Conn, raw *packet.Raw) {
	lg := zlg.Get(ctx)
	if d := t.Options.HandshakeTimeout; d > 0 {
		c.SetReadDeadline(time.Now().Add(d))
	}
	br := packet.NewReader(c)
	raw, err := packet.Read(br)
	if err != nil {
		meta.Outcome, meta.Err = OutcomeFramingError, err
		lg.Info("Failed to read handshake packet",
			zap.Bool("invalid", packet.IsValidity(err)),
			zap.Error(err),
		)
		return nil, nil, nil
	}
	info, err := handshake.Parse(raw.Body)
	if err != nil {
		meta.Outcome, meta.Err = OutcomeParseError, err
		lg.Info("Failed to parse handshake", zap.Error(err))
		return nil, nil, nil
	}
	c.SetReadDeadline(time.Time{})
	meta.Handshake = info
	lg.Debug("Handshake",
		zap.String("hostname", info.Hostname),
		zap.Int32("protocol", info.ProtocolVersion),
		zap.Stringer("next_state", info.NextState),
		zap.Bool("forge", info.Forge()),
	)

	rule := t.Match(info.Hostname)
	if rule == nil {
		meta.Outcome = OutcomeNoRoute
		lg.Info("No routes matched conn", zap.String("hostname", info.Hostname))
		return nil, nil, nil
	}
	meta.Rule = rule

	start := time.Now()
	addr, err := p.Resolver.Resolve(ctx, rule.Backend)
	p.Metrics.Since("resolve", start)
	if err != nil {
		meta.Outcome, meta.Err = OutcomeResolveError, err
		lg.Error("Failed to resolve backend",
			zap.String("hostname", info.Hostname),
			zap.Stringer("backend", rule.Backend),
			zap.Error(err),
		)
		return nil, nil, nil
	}
	meta.Backend = addr.String()

	start = time.Now()
	dst, err = p.dial(ctx, addr, t.Options)
	p.Metrics.Since("dial", start)
	if err == nil {
		if err = sendProxyHeader(dst, c, rule.ProxyProtocol); err != nil {
			dst.Close()
		}
	}
	if err != nil {
		meta.Outcome, meta.Err = OutcomeDialError, err
		lg.Error("Trouble dialing upstream",
			zap.String("hostname", info.Hostname),
			zap.String("upstream", meta.Backend),
			zap.Error(err),
		)
		return nil, nil, nil
	}
	setKeepAlive(c, t.Options.KeepAlive)
	setKeepAlive(dst, t.Options.KeepAlive)

	src = c
	if n := br.Buffered(); n > 0 {
		peeked, _ := br.Peek(n)
		src = &Conn{
			HostName: info.Hostname,
			Peeked:   peeked,
			Conn:     c,
		}
	}
	lg.Debug("Relaying",
		zap.String("hostname", info.Hostname),
		zap.String("rule", rule.Name()),
		zap.String("backend", meta.Backend),
	)
	return dst, src, raw
}
