// Package relay copies bytes between a client and its backend.
package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/gernest/hsproxy/pkg/buffer"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"
)

// BufferSize is the size of the buffer used by each direction.
const BufferSize = 32 * 1024

// Side identifies one end of a relayed connection.
type Side uint8

const (
	Client Side = iota
	Backend
)

func (s Side) String() string {
	if s == Backend {
		return "backend"
	}
	return "client"
}

// Options configures a single relay.
type Options struct {
	// Handshake is written to the backend before any other client byte.
	Handshake []byte
	// UpstreamLimit and DownstreamLimit are in bytes per second, zero means
	// unlimited.
	UpstreamLimit   float64
	DownstreamLimit float64
}

// Result describes how a relay ended.
type Result struct {
	// Handshake is the number of handshake bytes written to the backend.
	Handshake int64
	// Upstream is the number of bytes copied client to backend after the
	// handshake, Downstream backend to client.
	Upstream   int64
	Downstream int64
	// Closed is the side whose end of stream or error stopped the relay.
	Closed Side
	// Err is nil when the relay stopped on a clean end of stream.
	Err error
}

// Stats exposes the live byte counters of a running relay.
type Stats struct {
	Upstream   atomic.Int64
	Downstream atomic.Int64
}

// Pipe forwards o.Handshake to backend then copies both directions
// concurrently until either side reaches end of stream or fails. Both
// connections are closed when Pipe returns. Cancelling ctx stops the relay.
//
// stats may be nil.
func Pipe(ctx context.Context, client, backend net.Conn, o Options, stats *Stats) Result {
	if stats == nil {
		stats = &Stats{}
	}
	var res Result
	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			client.Close()
			backend.Close()
		})
	}
	defer closeBoth()

	if len(o.Handshake) > 0 {
		n, err := backend.Write(o.Handshake)
		res.Handshake = int64(n)
		if err != nil {
			res.Closed = Backend
			res.Err = err
			return res
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		closeBoth()
	}()

	up := &transit{
		src:     client,
		dst:     backend,
		srcSide: Client,
		dstSide: Backend,
		limit:   newRate(o.UpstreamLimit),
		n:       &stats.Upstream,
	}
	down := &transit{
		src:     backend,
		dst:     client,
		srcSide: Backend,
		dstSide: Client,
		limit:   newRate(o.DownstreamLimit),
		n:       &stats.Downstream,
	}
	endc := make(chan end, 2)
	go proxyCopy(ctx, endc, up)
	go proxyCopy(ctx, endc, down)

	first := <-endc
	closeBoth()
	<-endc

	res.Upstream = stats.Upstream.Load()
	res.Downstream = stats.Downstream.Load()
	res.Closed = first.side
	res.Err = first.err
	if err := ctx.Err(); err != nil {
		res.Err = err
	}
	return res
}

type end struct {
	side Side
	err  error
}

// proxyCopy is the function that copies bytes around.
// It's a named function instead of a func literal so users get
// named goroutines in debug goroutine stack dumps.
func proxyCopy(ctx context.Context, endc chan<- end, t *transit) {
	endc <- t.copy(ctx)
}

type transit struct {
	src, dst         io.ReadWriter
	srcSide, dstSide Side
	limit            limit
	n                *atomic.Int64
}

func (t *transit) copy(ctx context.Context) end {
	buf := buffer.Get(BufferSize)
	defer buffer.Put(buf)
	w := &meteredWriter{ctx: ctx, w: t.dst, limit: t.limit, n: t.n}
	// the wrappers hide ReaderFrom/WriterTo so every byte goes through w.
	_, err := io.CopyBuffer(w, readerOnly{t.src}, buf.B)
	if w.err != nil {
		return end{side: t.dstSide, err: normalize(w.err)}
	}
	return end{side: t.srcSide, err: normalize(err)}
}

// normalize drops the errors that only mean the other goroutine closed the
// connection first.
func normalize(err error) error {
	if err == nil || errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	return err
}

type readerOnly struct {
	io.Reader
}

type meteredWriter struct {
	ctx   context.Context
	w     io.Writer
	limit limit
	n     *atomic.Int64
	err   error
}

func (m *meteredWriter) Write(b []byte) (int, error) {
	if err := m.limit.WaitN(m.ctx, len(b)); err != nil {
		m.err = err
		return 0, err
	}
	n, err := m.w.Write(b)
	m.n.Add(int64(n))
	if err != nil {
		m.err = err
	}
	return n, err
}

type limit interface {
	WaitN(context.Context, int) error
}

type noLimit struct{}

func (noLimit) WaitN(context.Context, int) error { return nil }

func newRate(v float64) limit {
	if v <= 0 {
		return noLimit{}
	}
	return rate.NewLimiter(rate.Limit(v), BufferSize)
}
