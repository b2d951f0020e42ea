package transport

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/danmuck/meshvmail/internal/protocol/tlv"
)

const (
	datagramMagic   uint16 = 0x4D56
	datagramVersion byte   = 2

	// MaxDatagramPayload bounds one datagram body; mesh radios carry far less.
	MaxDatagramPayload = 64 * 1024

	prefixLen = 3
)

// Envelope field ids.
const (
	fieldChannel uint16 = 1
	fieldSrc     uint16 = 2
	fieldDst     uint16 = 3
	fieldPayload uint16 = 4
)

var (
	ErrShortDatagram = errors.New("transport: short datagram")
	ErrBadMagic      = errors.New("transport: bad datagram magic")
	ErrBadVersion    = errors.New("transport: unsupported datagram version")
	ErrMissingField  = errors.New("transport: datagram missing field")
)

// Datagram is the envelope links use to carry source, destination and channel.
// Layout: magic(2) | version(1) | tlv fields (channel, src, dst, payload).
type Datagram struct {
	Channel uint32
	Src     Address
	Dst     Address
	Payload []byte
}

func EncodeDatagram(d Datagram) ([]byte, error) {
	if len(d.Payload) > MaxDatagramPayload {
		return nil, ErrPayloadTooLarge
	}
	if len(d.Src) > 255 || len(d.Dst) > 255 {
		return nil, ErrInvalidAddress
	}
	fields := []tlv.Field{
		tlv.U32(fieldChannel, d.Channel),
		tlv.String(fieldSrc, string(d.Src)),
		tlv.String(fieldDst, string(d.Dst)),
		tlv.Bytes(fieldPayload, d.Payload),
	}
	buf := make([]byte, 0, prefixLen+tlv.EncodedLen(fields))
	buf = binary.BigEndian.AppendUint16(buf, datagramMagic)
	buf = append(buf, datagramVersion)
	for _, f := range fields {
		buf = tlv.AppendField(buf, f)
	}
	return buf, nil
}

func DecodeDatagram(b []byte) (Datagram, error) {
	if len(b) < prefixLen {
		return Datagram{}, ErrShortDatagram
	}
	if binary.BigEndian.Uint16(b[0:2]) != datagramMagic {
		return Datagram{}, ErrBadMagic
	}
	if b[2] != datagramVersion {
		return Datagram{}, ErrBadVersion
	}
	fields, err := tlv.DecodeFields(b[prefixLen:])
	if err != nil {
		return Datagram{}, fmt.Errorf("%w: %v", ErrShortDatagram, err)
	}
	var d Datagram
	ch, err := requireField(fields, fieldChannel, tlv.TypeU32)
	if err != nil {
		return Datagram{}, err
	}
	if d.Channel, err = tlv.U32FromBytes(ch.Value); err != nil {
		return Datagram{}, fmt.Errorf("%w: %v", ErrShortDatagram, err)
	}
	src, err := requireField(fields, fieldSrc, tlv.TypeString)
	if err != nil {
		return Datagram{}, err
	}
	dst, err := requireField(fields, fieldDst, tlv.TypeString)
	if err != nil {
		return Datagram{}, err
	}
	payload, err := requireField(fields, fieldPayload, tlv.TypeBytes)
	if err != nil {
		return Datagram{}, err
	}
	d.Src = Address(src.Value)
	d.Dst = Address(dst.Value)
	d.Payload = payload.Value
	return d, nil
}

func requireField(fields []tlv.Field, id uint16, typ uint8) (tlv.Field, error) {
	f, ok := tlv.GetField(fields, id)
	if !ok {
		return tlv.Field{}, fmt.Errorf("%w: %d", ErrMissingField, id)
	}
	if err := tlv.MustType(f, typ); err != nil {
		return tlv.Field{}, fmt.Errorf("%w: %v", ErrMissingField, err)
	}
	return f, nil
}

// Accepts reports whether a datagram addressed to dst should be handled by local.
func Accepts(local, dst Address) bool {
	return dst.IsBroadcast() || dst == local
}
