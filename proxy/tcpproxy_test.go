package proxy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gernest/hsproxy/pkg/handshake"
	"github.com/gernest/hsproxy/pkg/metrics"
	"github.com/gernest/hsproxy/pkg/packet"
	"github.com/gernest/hsproxy/pkg/rate"
	"github.com/gernest/hsproxy/pkg/resolve"
	"github.com/gernest/hsproxy/pkg/route"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

type source struct {
	mu sync.Mutex
	t  *route.Table
	ch chan *route.Table
}

func newSource(t *route.Table) *source {
	return &source{t: t, ch: make(chan *route.Table, 1)}
}

func (s *source) Snapshot() *route.Table {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.t
}

func (s *source) Subscribe() (<-chan *route.Table, func()) {
	return s.ch, func() {}
}

func (s *source) set(t *route.Table) {
	s.mu.Lock()
	s.t = t
	s.mu.Unlock()
	s.ch <- t
}

type backend struct {
	ln       net.Listener
	accepted atomic.Int64
	conns    chan net.Conn
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	b := &backend{ln: ln, conns: make(chan net.Conn, 16)}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			b.accepted.Inc()
			b.conns <- c
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return b
}

func (b *backend) port() int {
	return b.ln.Addr().(*net.TCPAddr).Port
}

func (b *backend) addr() route.Backend {
	return route.Backend{Host: "127.0.0.1", Port: b.port()}
}

func (b *backend) next(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-b.conns:
		t.Cleanup(func() { c.Close() })
		c.SetReadDeadline(time.Now().Add(5 * time.Second))
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("backend was not dialed")
		return nil
	}
}

func table(listen string, fallback *route.Rule, rules ...*route.Rule) *route.Table {
	return &route.Table{
		Listen:   listen,
		Rules:    rules,
		Fallback: fallback,
		Options:  route.Options{HandshakeTimeout: 2 * time.Second},
	}
}

func rule(host string, b route.Backend) *route.Rule {
	return &route.Rule{Host: host, Backend: b}
}

type harness struct {
	p     *Proxy
	metas chan *Meta
	stop  func() error
}

func start(t *testing.T, src *source, opts ...func(*Proxy)) *harness {
	t.Helper()
	r, err := resolve.NewWithLookup(func(ctx context.Context, host string) ([]net.IPAddr, error) {
		if host == "backend.test" {
			return []net.IPAddr{{IP: net.IPv4(127, 0, 0, 1)}}, nil
		}
		return nil, errors.New("no such host")
	}, resolve.Config{})
	require.NoError(t, err)
	h := &harness{metas: make(chan *Meta, 16)}
	h.p = &Proxy{
		Source:   src,
		Resolver: r,
		Metrics:  metrics.New(nil),
		Done:     func(m *Meta) { h.metas <- m },
	}
	for _, o := range opts {
		o(h.p)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.p.Run(ctx) }()
	var once sync.Once
	var runErr error
	h.stop = func() error {
		once.Do(func() {
			cancel()
			select {
			case runErr = <-done:
			case <-time.After(5 * time.Second):
				runErr = errors.New("proxy did not stop")
			}
		})
		return runErr
	}
	t.Cleanup(func() { assert.NoError(t, h.stop()) })
	require.Eventually(t, func() bool { return h.p.Addr() != nil }, 5*time.Second, 5*time.Millisecond)
	return h
}

func (h *harness) dial(t *testing.T) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", h.p.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	return c
}

func (h *harness) meta(t *testing.T) *Meta {
	t.Helper()
	select {
	case m := <-h.metas:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("connection was not handled")
		return nil
	}
}

func handshakeBody(host string) []byte {
	return handshake.Append(nil, &handshake.Info{
		ProtocolVersion: 763,
		Hostname:        host,
		HasPort:         true,
		Port:            25565,
		NextState:       handshake.StateLogin,
	})
}

func frame(body []byte) []byte {
	var b bytes.Buffer
	packet.Write(&b, body)
	return b.Bytes()
}

// assertClosed expects the proxy to close c without sending anything.
func assertClosed(t *testing.T, c net.Conn) {
	t.Helper()
	n, err := c.Read(make([]byte, 1))
	assert.Zero(t, n)
	assert.Error(t, err)
}

func TestProxyReplaysHandshake(t *testing.T) {
	b := newBackend(t)
	h := start(t, newSource(table("127.0.0.1:0", nil, rule("a.com", b.addr()))))

	body := handshakeBody("a.com")
	// non canonical length prefix, followed by bytes of the next packet
	wire := append([]byte{byte(len(body)) | 0x80, 0x00}, body...)
	wire = append(wire, "hello"...)

	c := h.dial(t)
	_, err := c.Write(wire)
	require.NoError(t, err)

	bc := b.next(t)
	got := make([]byte, len(wire))
	_, err = io.ReadFull(bc, got)
	require.NoError(t, err)
	assert.Equal(t, wire, got)

	_, err = bc.Write([]byte("world"))
	require.NoError(t, err)
	got = make([]byte, 5)
	_, err = io.ReadFull(c, got)
	require.NoError(t, err)
	assert.Equal(t, "world", string(got))

	require.NoError(t, c.Close())
	m := h.meta(t)
	assert.Equal(t, OutcomeRelayed, m.Outcome)
	assert.Equal(t, "a.com", m.Hostname())
	assert.Equal(t, "a.com", m.Rule.Name())
	assert.Equal(t, b.ln.Addr().String(), m.Backend)
	assert.Equal(t, int64(len(wire)-5), m.Result.Handshake)
	assert.Equal(t, int64(5), m.Result.Upstream)
	assert.Equal(t, int64(5), m.Result.Downstream)
	assert.NotEmpty(t, m.ID)
}

func TestProxyNoRoute(t *testing.T) {
	b := newBackend(t)
	h := start(t, newSource(table("127.0.0.1:0", nil, rule("a.com", b.addr()))))

	c := h.dial(t)
	_, err := c.Write(frame(handshakeBody("b.com")))
	require.NoError(t, err)
	assertClosed(t, c)

	m := h.meta(t)
	assert.Equal(t, OutcomeNoRoute, m.Outcome)
	assert.Equal(t, "b.com", m.Hostname())
	assert.Nil(t, m.Rule)
	assert.Zero(t, b.accepted.Load())
}

func TestProxyMatchOrder(t *testing.T) {
	first, second, fallback := newBackend(t), newBackend(t), newBackend(t)
	h := start(t, newSource(table("127.0.0.1:0",
		rule("", fallback.addr()),
		rule("a.com", first.addr()),
		rule("a.com", second.addr()),
	)))

	hs := frame(handshakeBody("a.com"))
	c := h.dial(t)
	_, err := c.Write(hs)
	require.NoError(t, err)
	bc := first.next(t)
	got := make([]byte, len(hs))
	_, err = io.ReadFull(bc, got)
	require.NoError(t, err)
	assert.Equal(t, hs, got)

	hs = frame(handshakeBody("c.com"))
	c = h.dial(t)
	_, err = c.Write(hs)
	require.NoError(t, err)
	bc = fallback.next(t)
	got = make([]byte, len(hs))
	_, err = io.ReadFull(bc, got)
	require.NoError(t, err)
	assert.Equal(t, hs, got)

	assert.Zero(t, second.accepted.Load())
	assert.Equal(t, int64(1), first.accepted.Load())
}

func TestProxyRejects(t *testing.T) {
	sample := []struct {
		name    string
		wire    []byte
		outcome Outcome
	}{
		{"zero length", []byte{0x00}, OutcomeFramingError},
		{"bad varint", []byte{0xff, 0xff, 0xff, 0xff, 0xff}, OutcomeFramingError},
		{"length too large", []byte{0x80, 0x80, 0x80, 0x01}, OutcomeFramingError},
		{"truncated body", []byte{0x0a, 0x00, 0x01}, OutcomeFramingError},
		{"nothing sent", nil, OutcomeFramingError},
		{"missing protocol version", frame([]byte{0x00}), OutcomeParseError},
		{"hostname too long", frame([]byte{0x00, 0x01, 0x10, 'a'}), OutcomeParseError},
	}
	for _, s := range sample {
		t.Run(s.name, func(t *testing.T) {
			b := newBackend(t)
			tbl := table("127.0.0.1:0", rule("", b.addr()))
			tbl.Options.HandshakeTimeout = 200 * time.Millisecond
			h := start(t, newSource(tbl))
			c := h.dial(t)
			if len(s.wire) > 0 {
				_, err := c.Write(s.wire)
				require.NoError(t, err)
			}
			assertClosed(t, c)
			m := h.meta(t)
			assert.Equal(t, s.outcome, m.Outcome)
			assert.Error(t, m.Err)
			assert.Zero(t, b.accepted.Load())
		})
	}
}

func TestProxyBackendFailures(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	closed := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	t.Run("resolve", func(t *testing.T) {
		h := start(t, newSource(table("127.0.0.1:0", rule("", route.Backend{Host: "missing.test", Port: 1}))))
		c := h.dial(t)
		_, err := c.Write(frame(handshakeBody("a.com")))
		require.NoError(t, err)
		assertClosed(t, c)
		m := h.meta(t)
		assert.Equal(t, OutcomeResolveError, m.Outcome)
		var le *resolve.LookupError
		assert.ErrorAs(t, m.Err, &le)
	})
	t.Run("dial", func(t *testing.T) {
		h := start(t, newSource(table("127.0.0.1:0", rule("", route.Backend{Host: "127.0.0.1", Port: closed}))))
		c := h.dial(t)
		_, err := c.Write(frame(handshakeBody("a.com")))
		require.NoError(t, err)
		assertClosed(t, c)
		m := h.meta(t)
		assert.Equal(t, OutcomeDialError, m.Outcome)
		var de *resolve.DialError
		assert.ErrorAs(t, m.Err, &de)
	})
}

func TestProxyProtocolHeader(t *testing.T) {
	b := newBackend(t)
	r := rule("a.com", route.Backend{Host: "backend.test", Port: b.port()})
	r.ProxyProtocol = 1
	h := start(t, newSource(table("127.0.0.1:0", nil, r)))

	hs := frame(handshakeBody("a.com"))
	c := h.dial(t)
	_, err := c.Write(hs)
	require.NoError(t, err)

	br := bufio.NewReader(b.next(t))
	line, err := br.ReadString('\n')
	require.NoError(t, err)
	proxyPort := strconv.Itoa(h.p.Addr().(*net.TCPAddr).Port)
	clientPort := strconv.Itoa(c.LocalAddr().(*net.TCPAddr).Port)
	assert.Equal(t, "PROXY TCP4 127.0.0.1 "+clientPort+" 127.0.0.1 "+proxyPort+"\r\n", line)
	got := make([]byte, len(hs))
	_, err = io.ReadFull(br, got)
	require.NoError(t, err)
	assert.Equal(t, hs, got)
}

func TestProxyReloadKeepsConnections(t *testing.T) {
	before, after := newBackend(t), newBackend(t)
	src := newSource(table("127.0.0.1:0", nil, rule("a.com", before.addr())))
	h := start(t, src)

	hs := frame(handshakeBody("a.com"))
	c1 := h.dial(t)
	_, err := c1.Write(hs)
	require.NoError(t, err)
	bc1 := before.next(t)
	_, err = io.ReadFull(bc1, make([]byte, len(hs)))
	require.NoError(t, err)

	src.set(table("127.0.0.1:0", nil, rule("a.com", after.addr())))

	// the established connection keeps its backend
	_, err = c1.Write([]byte("more"))
	require.NoError(t, err)
	got := make([]byte, 4)
	_, err = io.ReadFull(bc1, got)
	require.NoError(t, err)
	assert.Equal(t, "more", string(got))

	c2 := h.dial(t)
	_, err = c2.Write(hs)
	require.NoError(t, err)
	bc2 := after.next(t)
	_, err = io.ReadFull(bc2, make([]byte, len(hs)))
	require.NoError(t, err)
	assert.Equal(t, int64(1), before.accepted.Load())
}

func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().String()
}

func TestProxyRebind(t *testing.T) {
	b := newBackend(t)
	fallback := rule("", b.addr())
	src := newSource(table("127.0.0.1:0", fallback))
	h := start(t, src)
	old := h.p.Addr().String()

	// relayed before the rebind
	hs := frame(handshakeBody("a.com"))
	early := h.dial(t)
	_, err := early.Write(hs)
	require.NoError(t, err)
	earlyBackend := b.next(t)
	_, err = io.ReadFull(earlyBackend, make([]byte, len(hs)))
	require.NoError(t, err)

	next := freePort(t)
	src.set(table(next, fallback))
	require.Eventually(t, func() bool {
		a := h.p.Addr()
		return a != nil && a.String() == next
	}, 5*time.Second, 5*time.Millisecond)

	_, err = net.DialTimeout("tcp", old, time.Second)
	assert.Error(t, err)

	c := h.dial(t)
	_, err = c.Write(hs)
	require.NoError(t, err)
	cBackend := b.next(t)
	_, err = io.ReadFull(cBackend, make([]byte, len(hs)))
	require.NoError(t, err)

	// an address that can not be bound leaves the proxy listening
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()
	src.set(table(busy.Addr().String(), fallback))
	last := freePort(t)
	src.set(table(last, fallback))
	require.Eventually(t, func() bool {
		a := h.p.Addr()
		return a != nil && a.String() == last
	}, 5*time.Second, 5*time.Millisecond)

	// both connections survived every rebind
	for _, pair := range [][2]net.Conn{{early, earlyBackend}, {c, cBackend}} {
		client, server := pair[0], pair[1]
		require.NoError(t, client.SetDeadline(time.Now().Add(5*time.Second)))
		require.NoError(t, server.SetDeadline(time.Now().Add(5*time.Second)))
		_, err = client.Write([]byte("more"))
		require.NoError(t, err)
		got := make([]byte, 4)
		_, err = io.ReadFull(server, got)
		require.NoError(t, err)
		assert.Equal(t, "more", string(got))

		_, err = server.Write([]byte("back"))
		require.NoError(t, err)
		_, err = io.ReadFull(client, got)
		require.NoError(t, err)
		assert.Equal(t, "back", string(got))
	}
}

func TestProxyShutdownClosesConnections(t *testing.T) {
	b := newBackend(t)
	h := start(t, newSource(table("127.0.0.1:0", rule("", b.addr()))))

	hs := frame(handshakeBody("a.com"))
	c := h.dial(t)
	_, err := c.Write(hs)
	require.NoError(t, err)
	bc := b.next(t)
	_, err = io.ReadFull(bc, make([]byte, len(hs)))
	require.NoError(t, err)

	// a second client that never finishes its handshake
	idle := h.dial(t)

	require.NoError(t, h.stop())
	assertClosed(t, c)
	assertClosed(t, idle)
	assert.Nil(t, h.p.Addr())
}

func TestProxyRateLimit(t *testing.T) {
	b := newBackend(t)
	limiter, err := rate.New(rate.Config{Window: time.Minute, Limit: 1})
	require.NoError(t, err)
	defer limiter.Close()
	h := start(t, newSource(table("127.0.0.1:0", rule("", b.addr()))), func(p *Proxy) {
		p.Limiter = limiter
	})

	hs := frame(handshakeBody("a.com"))
	c := h.dial(t)
	_, err = c.Write(hs)
	require.NoError(t, err)
	b.next(t)

	limited := h.dial(t)
	assertClosed(t, limited)
	m := h.meta(t)
	assert.Equal(t, OutcomeRateLimited, m.Outcome)
	assert.ErrorIs(t, m.Err, rate.ErrLimited)
	assert.Equal(t, int64(1), b.accepted.Load())
}

func TestConnRead(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	go func() {
		b.Write([]byte("tail"))
		b.Close()
	}()
	c := &Conn{Peeked: []byte("head-"), Conn: a}
	got, err := io.ReadAll(c)
	require.NoError(t, err)
	assert.Equal(t, "head-tail", string(got))
	assert.Nil(t, c.Peeked)
	assert.Equal(t, a, UnderlyingConn(c))
	assert.Equal(t, a, UnderlyingConn(a))
}

func TestSendProxyHeader(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	var buf strings.Builder
	require.NoError(t, sendProxyHeader(&buf, a, 0))
	assert.Empty(t, buf.String())
	require.NoError(t, sendProxyHeader(&buf, a, 1))
	assert.Equal(t, "PROXY UNKNOWN\r\n", buf.String())
	assert.Error(t, sendProxyHeader(&buf, a, 2))
}

func TestOutcomeString(t *testing.T) {
	for o := OutcomeRelayed; o <= OutcomeRateLimited; o++ {
		assert.NotEqual(t, "unknown", o.String(), fmt.Sprint(uint8(o)))
	}
	assert.Equal(t, "unknown", Outcome(200).String())
}
