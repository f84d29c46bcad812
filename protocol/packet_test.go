package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeRejectsShortPacket(t *testing.T) {
	_, err := Decode(make([]byte, 47))
	require.Error(t, err)
}

func TestDecodeIgnoresTrailingBytes(t *testing.T) {
	buf := make([]byte, Size+16)
	buf[0] = 0x1B // LI=0 VN=3 Mode=3
	p, err := Decode(buf)
	require.NoError(t, err)
	require.EqualValues(t, 3, p.Version)
	require.Equal(t, ModeClient, p.Mode)
}

func TestRoundTripForLowVersions(t *testing.T) {
	for version := uint8(0); version < 8; version++ {
		buf := make([]byte, Size)
		buf[0] = (0 << 6) | (version << 3) | uint8(ModeClient)
		buf[1] = 1
		buf[2] = 6
		buf[3] = byte(int8(-20))
		for i := 4; i < Size; i++ {
			buf[i] = byte(i)
		}
		p, err := Decode(buf)
		require.NoError(t, err)
		out, err := p.Encode()
		require.NoError(t, err)
		require.Equal(t, buf, out)
	}
}

func TestEncodeRejectsHighVersion(t *testing.T) {
	p := &Packet{Version: 8}
	_, err := p.Encode()
	require.Error(t, err)
}

func TestKissCodes(t *testing.T) {
	p := &Packet{Stratum: 0, ReferenceID: 0x44454e59} // "DENY"
	require.Equal(t, KissDeny, p.Kiss())
	require.True(t, p.IsKiss())

	p = &Packet{Stratum: 0, ReferenceID: 0x52415445} // "RATE"
	require.Equal(t, KissRate, p.Kiss())

	p = &Packet{Stratum: 1, ReferenceID: 0x44454e59}
	require.Equal(t, KissNone, p.Kiss())
	require.False(t, p.IsKiss())
}
