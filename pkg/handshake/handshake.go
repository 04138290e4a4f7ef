// Package handshake extracts routing information from the first packet a
// client sends.
package handshake

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/gernest/hsproxy/pkg/varint"
)

// ErrMalformed is wrapped by every error Parse returns.
var ErrMalformed = errors.New("handshake: malformed packet")

// PacketID is the id of the handshake packet.
const PacketID = 0x00

// State is the connection state the client asks to switch to.
type State int32

const (
	StateUnknown  State = 0
	StateStatus   State = 1
	StateLogin    State = 2
	StateTransfer State = 3
)

func (s State) String() string {
	switch s {
	case StateStatus:
		return "status"
	case StateLogin:
		return "login"
	case StateTransfer:
		return "transfer"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// Info is the parsed view of a handshake packet.
type Info struct {
	PacketID        int32
	ProtocolVersion int32
	// Hostname is the address the client dialed, cut at the first null byte.
	Hostname string
	// Extra is whatever followed the first null byte inside the hostname
	// field. Modded clients put signaling data there, e.g. "FML\x00".
	Extra string
	// Port and NextState are only set when HasPort is true.
	HasPort   bool
	Port      uint16
	NextState State
}

// Forge reports whether the client announced a Forge mod loader marker.
func (i *Info) Forge() bool {
	return strings.HasPrefix(i.Extra, "FML")
}

// Parse parses a handshake packet body: packet id, protocol version and
// hostname are required, port and next state are read when present.
func Parse(body []byte) (*Info, error) {
	var info Info
	id, err := varint.DecodeBytes(body, varint.Loose)
	if err != nil {
		return nil, fmt.Errorf("%w: packet id: %v", ErrMalformed, err)
	}
	body = body[id.Len:]
	info.PacketID = id.Value

	version, err := varint.DecodeBytes(body, varint.Loose)
	if err != nil {
		return nil, fmt.Errorf("%w: protocol version: %v", ErrMalformed, err)
	}
	body = body[version.Len:]
	info.ProtocolVersion = version.Value

	field, rest, err := readString(body)
	if err != nil {
		return nil, fmt.Errorf("%w: hostname: %v", ErrMalformed, err)
	}
	host := field
	if i := strings.IndexByte(field, 0); i >= 0 {
		host, info.Extra = field[:i], field[i+1:]
	}
	if !utf8.ValidString(host) {
		return nil, fmt.Errorf("%w: hostname is not valid utf-8", ErrMalformed)
	}
	info.Hostname = host

	if len(rest) >= 2 {
		info.HasPort = true
		info.Port = binary.BigEndian.Uint16(rest)
		if next, err := varint.DecodeBytes(rest[2:], varint.Loose); err == nil {
			info.NextState = State(next.Value)
		}
	}
	return &info, nil
}

func readString(b []byte) (string, []byte, error) {
	n, err := varint.DecodeBytes(b, varint.Loose)
	if err != nil {
		return "", nil, err
	}
	b = b[n.Len:]
	if n.Value < 0 || int(n.Value) > len(b) {
		return "", nil, fmt.Errorf("declared length %d exceeds %d remaining bytes", n.Value, len(b))
	}
	return string(b[:n.Value]), b[n.Value:], nil
}

// Append encodes info as a handshake packet body. Hostname and Extra are
// joined with a null byte when Extra is set.
func Append(b []byte, info *Info) []byte {
	b = varint.Append(b, info.PacketID)
	b = varint.Append(b, info.ProtocolVersion)
	host := info.Hostname
	if info.Extra != "" {
		host += "\x00" + info.Extra
	}
	b = varint.Append(b, int32(len(host)))
	b = append(b, host...)
	if info.HasPort {
		b = binary.BigEndian.AppendUint16(b, info.Port)
		b = varint.Append(b, int32(info.NextState))
	}
	return b
}
