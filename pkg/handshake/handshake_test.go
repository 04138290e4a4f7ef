package handshake

import (
	"testing"

	"github.com/gernest/hsproxy/pkg/varint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	body := Append(nil, &Info{
		ProtocolVersion: 763,
		Hostname:        "play.example.com",
		HasPort:         true,
		Port:            25565,
		NextState:       StateLogin,
	})
	info, err := Parse(body)
	require.NoError(t, err)
	assert.Equal(t, int32(PacketID), info.PacketID)
	assert.Equal(t, int32(763), info.ProtocolVersion)
	assert.Equal(t, "play.example.com", info.Hostname)
	assert.Empty(t, info.Extra)
	assert.True(t, info.HasPort)
	assert.Equal(t, uint16(25565), info.Port)
	assert.Equal(t, StateLogin, info.NextState)
	assert.Equal(t, "login", info.NextState.String())
}

func TestParseHostnameTruncation(t *testing.T) {
	body := Append(nil, &Info{
		ProtocolVersion: 340,
		Hostname:        "play.example.com",
		Extra:           "FML\x00extra",
		HasPort:         true,
		Port:            25565,
		NextState:       StateStatus,
	})
	info, err := Parse(body)
	require.NoError(t, err)
	assert.Equal(t, "play.example.com", info.Hostname)
	assert.Equal(t, "FML\x00extra", info.Extra)
	assert.True(t, info.Forge())
	assert.Equal(t, StateStatus, info.NextState)
}

func TestParseWithoutPort(t *testing.T) {
	body := Append(nil, &Info{ProtocolVersion: 5, Hostname: "a.com"})
	info, err := Parse(body)
	require.NoError(t, err)
	assert.Equal(t, "a.com", info.Hostname)
	assert.False(t, info.HasPort)
}

func TestParseMalformed(t *testing.T) {
	hostField := func(n int32, s string) []byte {
		b := varint.Append(nil, 0)
		b = varint.Append(b, 47)
		b = varint.Append(b, n)
		return append(b, s...)
	}
	sample := []struct {
		name string
		body []byte
	}{
		{"empty", nil},
		{"only id", []byte{0x00}},
		{"length exceeds packet", hostField(20, "short")},
		{"negative length", hostField(-1, "x")},
		{"invalid utf-8", hostField(3, "\xff\xfe\xfd")},
		{"bad varint", []byte{0x00, 0xff, 0xff, 0xff, 0xff, 0xff}},
	}
	for _, s := range sample {
		t.Run(s.name, func(t *testing.T) {
			_, err := Parse(s.body)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}
