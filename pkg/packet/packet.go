// Package packet frames length-prefixed protocol packets.
package packet

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/gernest/hsproxy/pkg/varint"
)

// MaxLen is the largest body a packet may declare. It is the handshake-era
// limit of the protocol (21 bits).
const MaxLen = 1<<21 - 1

// ErrInvalidLength is returned when the declared body length is outside
// 1..MaxLen.
var ErrInvalidLength = errors.New("packet: declared length out of range")

// Raw is one complete packet body as it was read from the wire, together with
// the length prefix that preceded it.
type Raw struct {
	// Header holds the length prefix bytes exactly as they were read. It may
	// be a non canonical encoding of len(Body).
	Header []byte
	Body   []byte
}

// Len returns the number of bytes the packet occupies on the wire.
func (p *Raw) Len() int {
	return len(p.Header) + len(p.Body)
}

// Bytes returns the wire form of the packet, prefix followed by body.
func (p *Raw) Bytes() []byte {
	b := make([]byte, 0, p.Len())
	b = append(b, p.header()...)
	return append(b, p.Body...)
}

func (p *Raw) header() []byte {
	if len(p.Header) > 0 {
		return p.Header
	}
	return varint.Encode(int32(len(p.Body)))
}

// WriteTo writes the packet to w byte for byte as it was read. A packet built
// without a Header gets the canonical length prefix.
func (p *Raw) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(p.Bytes())
	return int64(n), err
}

// Write frames body with a canonical length prefix and writes it to w.
func Write(w io.Writer, body []byte) (int64, error) {
	return (&Raw{Body: body}).WriteTo(w)
}

// Read reads one packet from r. The length prefix is decoded in loose mode.
//
// A declared length outside 1..MaxLen fails with an error wrapping
// ErrInvalidLength and nothing more is read. A malformed prefix fails with the
// varint error. Running out of data, or any other failure of r, is returned
// as the underlying I/O error.
func Read(r io.Reader) (*Raw, error) {
	br, ok := r.(io.ByteReader)
	if !ok {
		br = &byteReader{r: r}
	}
	rec := &recorder{r: br}
	n, err := varint.Decode(rec, varint.Loose)
	if err != nil {
		return nil, err
	}
	if n.Value < 1 || n.Value > MaxLen {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLength, n.Value)
	}
	body := make([]byte, n.Value)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return &Raw{Header: rec.b[:rec.n], Body: body}, nil
}

// IsValidity reports whether err means the peer sent bytes that can not be a
// packet, as opposed to an I/O failure.
func IsValidity(err error) bool {
	return errors.Is(err, ErrInvalidLength) ||
		errors.Is(err, varint.ErrBadContinueBit) ||
		errors.Is(err, varint.ErrRedundantData) ||
		errors.Is(err, varint.ErrLoose)
}

// recorder keeps a copy of the prefix bytes handed to the varint decoder.
type recorder struct {
	r io.ByteReader
	b [varint.MaxLen]byte
	n int
}

func (c *recorder) ReadByte() (byte, error) {
	b, err := c.r.ReadByte()
	if err == nil && c.n < len(c.b) {
		c.b[c.n] = b
		c.n++
	}
	return b, err
}

// byteReader reads single bytes from a reader that has no ReadByte. It never
// reads ahead, so r stays positioned right after the prefix.
type byteReader struct {
	r   io.Reader
	buf [1]byte
}

func (b *byteReader) ReadByte() (byte, error) {
	if _, err := io.ReadFull(b.r, b.buf[:]); err != nil {
		return 0, err
	}
	return b.buf[0], nil
}

// NewReader returns a buffered reader sized for reading the first packet of
// a connection.
func NewReader(r io.Reader) *bufio.Reader {
	return bufio.NewReaderSize(r, 512)
}
