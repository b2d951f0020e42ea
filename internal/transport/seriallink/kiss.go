package seriallink

import (
	"bytes"
	"errors"
)

// KISS framing bytes.
const (
	fend  = 0xC0
	fesc  = 0xDB
	tfend = 0xDC
	tfesc = 0xDD

	cmdData = 0x00
)

var ErrBadEscape = errors.New("seriallink: invalid KISS escape")

// EncodeFrame wraps payload as one KISS data frame on port 0.
func EncodeFrame(payload []byte) []byte {
	var out bytes.Buffer
	out.Grow(len(payload) + 4)
	out.WriteByte(fend)
	out.WriteByte(cmdData)
	for _, b := range payload {
		switch b {
		case fend:
			out.Write([]byte{fesc, tfend})
		case fesc:
			out.Write([]byte{fesc, tfesc})
		default:
			out.WriteByte(b)
		}
	}
	out.WriteByte(fend)
	return out.Bytes()
}

// Deframer accumulates a serial byte stream and yields complete KISS data frames.
type Deframer struct {
	buf     []byte
	inFrame bool
	maxSize int
}

func NewDeframer(maxSize int) *Deframer {
	return &Deframer{maxSize: maxSize}
}

// Feed consumes data and returns every frame it completed. Non-data commands,
// empty frames and malformed escapes are discarded.
func (d *Deframer) Feed(data []byte) [][]byte {
	var frames [][]byte
	for _, b := range data {
		if b == fend {
			if d.inFrame && len(d.buf) > 0 {
				if payload, err := unescape(d.buf); err == nil && len(payload) > 1 && payload[0]&0x0F == cmdData {
					frames = append(frames, payload[1:])
				}
			}
			d.buf = d.buf[:0]
			d.inFrame = true
			continue
		}
		if !d.inFrame {
			continue
		}
		if d.maxSize > 0 && len(d.buf) >= d.maxSize {
			d.buf = d.buf[:0]
			d.inFrame = false
			continue
		}
		d.buf = append(d.buf, b)
	}
	return frames
}

func unescape(raw []byte) ([]byte, error) {
	out := make([]byte, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		b := raw[i]
		if b != fesc {
			out = append(out, b)
			continue
		}
		if i+1 >= len(raw) {
			return nil, ErrBadEscape
		}
		i++
		switch raw[i] {
		case tfend:
			out = append(out, fend)
		case tfesc:
			out = append(out, fesc)
		default:
			return nil, ErrBadEscape
		}
	}
	return out, nil
}
