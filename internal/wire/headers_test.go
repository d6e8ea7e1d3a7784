package wire_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/overlaymesh/sessiond/internal/wire"
)

func TestSwitchHeaderRoundTrip(t *testing.T) {
	h := wire.NewSwitchHeader(0x0123456789abcdef, true)
	require.Equal(t, uint64(0x0123456789abcdee), h.Label())
	require.True(t, h.SuppressErrors())

	buf := h.Marshal()
	parsed, err := wire.ParseSwitchHeader(buf[:])
	require.NoError(t, err)
	require.Equal(t, h.Label(), parsed.Label())
	require.Equal(t, h.SuppressErrors(), parsed.SuppressErrors())
}

func TestSwitchHeaderWithLabelPreservesFlags(t *testing.T) {
	h := wire.NewSwitchHeader(42, true)
	h2 := h.WithLabel(99)
	require.Equal(t, uint64(99), h2.Label())
	require.True(t, h2.SuppressErrors())
}

func TestParseSwitchHeaderShort(t *testing.T) {
	_, err := wire.ParseSwitchHeader([]byte{1, 2, 3})
	require.ErrorIs(t, err, wire.ErrShortHeader)
}

func TestRouteHeaderRoundTrip(t *testing.T) {
	var pub wire.PublicKey
	for i := range pub {
		pub[i] = byte(i + 25)
	}
	ip, ok := wire.DeriveIPv6(pub)
	require.True(t, ok, "test fixture key must derive a valid address")

	rh := wire.RouteHeader{
		Switch:    wire.NewSwitchHeader(7, false),
		Flags:     wire.FlagIncoming | wire.FlagPathfinder,
		Version:   3,
		PublicKey: pub,
		IP6:       ip,
	}

	buf := rh.Marshal()
	require.Len(t, buf, wire.RouteHeaderSize)

	parsed, err := wire.ParseRouteHeader(buf)
	require.NoError(t, err)
	require.Equal(t, rh.Switch.Label(), parsed.Switch.Label())
	require.Equal(t, rh.Flags, parsed.Flags)
	require.Equal(t, rh.Version, parsed.Version)
	require.Equal(t, rh.PublicKey, parsed.PublicKey)
	require.Equal(t, rh.IP6, parsed.IP6)
	require.True(t, parsed.Flags.Has(wire.FlagIncoming))
	require.True(t, parsed.Flags.Has(wire.FlagPathfinder))
	require.False(t, parsed.Flags.Has(wire.FlagCtrlMsg))
}

func TestParseRouteHeaderShort(t *testing.T) {
	_, err := wire.ParseRouteHeader(make([]byte, wire.RouteHeaderSize-1))
	require.ErrorIs(t, err, wire.ErrShortHeader)
}

func TestDataHeaderRoundTrip(t *testing.T) {
	dh := wire.DataHeader{Version: 1, ContentType: wire.ContentTypeDHT}
	buf := dh.Marshal()
	parsed, err := wire.ParseDataHeader(buf[:])
	require.NoError(t, err)
	require.Equal(t, dh, parsed)
}

func TestCryptoHeaderRoundTrip(t *testing.T) {
	var pub wire.PublicKey
	for i := range pub {
		pub[i] = byte(255 - i)
	}
	ch := wire.CryptoHeader{PublicKey: pub}
	buf := ch.Marshal()
	parsed, err := wire.ParseCryptoHeader(buf[:])
	require.NoError(t, err)
	require.Equal(t, ch, parsed)
}

func TestControlHeaderRoundTrip(t *testing.T) {
	c := wire.ControlHeader{Type: wire.ControlTypeError, Subtype: wire.ControlSubtypeAuthentication, Checksum: 0xBEEF}
	buf := c.Marshal()
	parsed, err := wire.ParseControlHeader(buf[:])
	require.NoError(t, err)
	require.Equal(t, c, parsed)
}

func TestChecksum16DetectsCorruption(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	sum := wire.Checksum16(data)

	corrupted := append([]byte(nil), data...)
	corrupted[3] ^= 0xFF
	require.NotEqual(t, sum, wire.Checksum16(corrupted))
}

func TestChecksum16OddLength(t *testing.T) {
	// Exercises the odd-length tail-padding branch.
	data := []byte{0x01, 0x02, 0x03}
	require.NotPanics(t, func() {
		wire.Checksum16(data)
	})
}
