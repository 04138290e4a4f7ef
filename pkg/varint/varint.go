// Package varint implements the protocol's variable-length 32-bit integer
// encoding: 1 to 5 bytes, seven data bits per byte, least significant group
// first, with the high bit of each byte flagging that another byte follows.
package varint

import (
	"errors"
	"io"
)

// MaxLen is the maximum number of bytes an encoded value can occupy.
const MaxLen = 5

const (
	continueBit  = 0x80
	dataMask     = 0x7f
	lastByteMask = 0x0f
)

var (
	// ErrBadContinueBit is returned when the fifth byte still has its
	// continuation bit set. It is an error in every mode.
	ErrBadContinueBit = errors.New("varint: continuation bit set on the last byte")

	// ErrRedundantData is returned in strict mode when the fifth byte carries
	// bits that do not fit in 32 bits.
	ErrRedundantData = errors.New("varint: last byte contains extra bits")

	// ErrLoose is returned in strict mode when the encoding ends in a byte with
	// no data bits set, meaning a shorter encoding exists.
	ErrLoose = errors.New("varint: encoding is not minimal")
)

// Mode selects how strictly Decode validates an encoding.
type Mode uint8

const (
	// Loose accepts any encoding that terminates within MaxLen bytes and
	// silently masks off bits that do not fit in 32 bits.
	Loose Mode = iota
	// Strict accepts only the canonical encoding produced by Append.
	Strict
)

func (m Mode) String() string {
	if m == Strict {
		return "strict"
	}
	return "loose"
}

// VarInt is a decoded value together with the number of bytes its encoding
// occupied on the wire.
type VarInt struct {
	Value int32
	Len   int
}

// Size returns the number of bytes Append uses to encode v.
func Size(v int32) int {
	u := uint32(v)
	n := 1
	for u >= continueBit {
		u >>= 7
		n++
	}
	return n
}

// Append appends the canonical encoding of v to b and returns the extended
// buffer.
func Append(b []byte, v int32) []byte {
	u := uint32(v)
	for u >= continueBit {
		b = append(b, byte(u)|continueBit)
		u >>= 7
	}
	return append(b, byte(u))
}

// Encode returns the canonical encoding of v.
func Encode(v int32) []byte {
	return Append(make([]byte, 0, MaxLen), v)
}

// Write writes the canonical encoding of v to w.
func Write(w io.Writer, v int32) (int, error) {
	var buf [MaxLen]byte
	return w.Write(Append(buf[:0], v))
}

// Decode reads one encoded value from r.
//
// If r is exhausted before the first byte io.EOF is returned, if it is
// exhausted part way through io.ErrUnexpectedEOF is returned. Any other error
// from r is returned unchanged.
func Decode(r io.ByteReader, mode Mode) (VarInt, error) {
	var buf [MaxLen]byte
	for i := 0; i < MaxLen; i++ {
		b, err := r.ReadByte()
		if err != nil {
			if i > 0 && err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return VarInt{}, err
		}
		buf[i] = b
		if b&continueBit == 0 {
			return assemble(buf[:i+1], mode)
		}
	}
	return VarInt{}, ErrBadContinueBit
}

// DecodeBytes decodes the value at the start of b. VarInt.Len reports how
// many bytes of b were consumed.
func DecodeBytes(b []byte, mode Mode) (VarInt, error) {
	for i := 0; i < MaxLen; i++ {
		if i == len(b) {
			if i == 0 {
				return VarInt{}, io.EOF
			}
			return VarInt{}, io.ErrUnexpectedEOF
		}
		if b[i]&continueBit == 0 {
			return assemble(b[:i+1], mode)
		}
	}
	return VarInt{}, ErrBadContinueBit
}

// assemble builds the value from a terminated encoding. The last byte of enc
// has its continuation bit clear.
func assemble(enc []byte, mode Mode) (VarInt, error) {
	n := len(enc)
	last := enc[n-1]
	if mode == Strict {
		if n == MaxLen && last&^lastByteMask != 0 {
			return VarInt{}, ErrRedundantData
		}
		if n > 1 && last&dataMask == 0 {
			return VarInt{}, ErrLoose
		}
	}
	var u uint32
	for i, b := range enc {
		if i == MaxLen-1 {
			b &= lastByteMask
		}
		u |= uint32(b&dataMask) << (7 * uint(i))
	}
	return VarInt{Value: int32(u), Len: n}, nil
}
