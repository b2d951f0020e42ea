package transport

import (
	"errors"
	"testing"

	"github.com/danmuck/meshvmail/internal/protocol/tlv"
	"github.com/danmuck/meshvmail/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func TestAddressParsing(t *testing.T) {
	testlog.Start(t)
	a := NodeAddress(0xa1b2c3d4)
	require.Equal(t, Address("!a1b2c3d4"), a)
	n, err := a.Num()
	require.NoError(t, err)
	require.Equal(t, uint32(0xa1b2c3d4), n)

	got, err := ParseAddress(" !A1B2C3D4 ")
	require.NoError(t, err)
	require.Equal(t, a, got)

	b, err := ParseAddress("^all")
	require.NoError(t, err)
	require.True(t, b.IsBroadcast())

	_, err = ParseAddress("node-7")
	require.ErrorIs(t, err, ErrInvalidAddress)
}

func TestDatagramRoundTrip(t *testing.T) {
	testlog.Start(t)
	in := Datagram{Channel: 256, Src: NodeAddress(1), Dst: Broadcast, Payload: []byte(`{"type":"test"}`)}
	raw, err := EncodeDatagram(in)
	require.NoError(t, err)
	out, err := DecodeDatagram(raw)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestDecodeDatagramRejectsGarbage(t *testing.T) {
	testlog.Start(t)
	_, err := DecodeDatagram([]byte{1, 2})
	require.ErrorIs(t, err, ErrShortDatagram)

	raw, err := EncodeDatagram(Datagram{Channel: 1, Src: "!00000001", Dst: "!00000002"})
	require.NoError(t, err)
	raw[0] = 0
	_, err = DecodeDatagram(raw)
	require.ErrorIs(t, err, ErrBadMagic)

	raw, _ = EncodeDatagram(Datagram{Channel: 1, Src: "!00000001", Dst: "!00000002"})
	_, err = DecodeDatagram(raw[:12])
	require.ErrorIs(t, err, ErrShortDatagram)

	raw[2] = 1
	_, err = DecodeDatagram(raw)
	require.ErrorIs(t, err, ErrBadVersion)
}

func TestDecodeDatagramRequiresEnvelopeFields(t *testing.T) {
	testlog.Start(t)
	raw := []byte{0x4D, 0x56, datagramVersion}
	raw = tlv.AppendField(raw, tlv.U32(fieldChannel, 1))
	raw = tlv.AppendField(raw, tlv.String(fieldSrc, "!00000001"))
	_, err := DecodeDatagram(raw)
	require.ErrorIs(t, err, ErrMissingField)

	raw = tlv.AppendField(raw, tlv.U32(fieldDst, 2))
	_, err = DecodeDatagram(raw)
	require.ErrorIs(t, err, ErrMissingField)
}

func TestSendErrorUnwraps(t *testing.T) {
	testlog.Start(t)
	err := error(&SendError{Dst: Broadcast, Channel: 3, Err: ErrClosed})
	require.True(t, errors.Is(err, ErrClosed))
	var se *SendError
	require.ErrorAs(t, err, &se)
	require.Equal(t, Broadcast, se.Dst)
}

func TestAccepts(t *testing.T) {
	testlog.Start(t)
	local := NodeAddress(7)
	require.True(t, Accepts(local, Broadcast))
	require.True(t, Accepts(local, local))
	require.False(t, Accepts(local, NodeAddress(8)))
}
