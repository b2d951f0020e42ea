// Package wire encodes and decodes the JSON payloads carried through the mesh transport.
package wire

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/meshvmail/internal/protocol/frame"
)

// Type is the "type" discriminator of a wire payload.
type Type string

const (
	TypeChunk         Type = "voice_chunk"
	TypeAck           Type = "ack"
	TypeTest          Type = "test"
	TypeCompleteVoice Type = "complete_voice"
	TypeComplete      Type = "complete"

	// TimestampLayout formats the timestamp carried by complete payloads.
	TimestampLayout = "20060102_150405"
)

var (
	ErrUnknownType = errors.New("wire: unknown payload type")
	ErrMalformed   = errors.New("wire: malformed payload")
)

// CompleteID is the message id of a complete payload. The wire form carries no
// id, so sender and receiver both derive it from the payload checksum.
func CompleteID(sum uint32) string {
	return fmt.Sprintf("%08x", sum)
}

// Packet is one decoded unit received from or sent to the transport.
type Packet interface {
	Type() Type
}

// ChunkPacket carries one chunk of a chunked message. Data is decoded but not verified.
type ChunkPacket struct {
	Chunk frame.Chunk
}

// AckPacket confirms one chunk back to its sender.
type AckPacket struct {
	Ack frame.Ack
}

// CompletePacket carries a whole message in one unit.
type CompletePacket struct {
	Message   frame.Complete
	Timestamp string
	Voice     bool
}

// TestPacket is a connectivity probe with free text.
type TestPacket struct {
	Text string
}

func (ChunkPacket) Type() Type { return TypeChunk }
func (AckPacket) Type() Type   { return TypeAck }
func (TestPacket) Type() Type  { return TypeTest }

func (p CompletePacket) Type() Type {
	if p.Voice {
		return TypeCompleteVoice
	}
	return TypeComplete
}

type chunkEnvelope struct {
	Type            Type    `json:"type"`
	ChunkID         string  `json:"chunk_id"`
	ChunkNum        int     `json:"chunk_num"`
	TotalChunks     int     `json:"total_chunks"`
	CRC32           uint32  `json:"crc32"`
	Data            string  `json:"data"`
	MessageChecksum *uint32 `json:"msg_crc32,omitempty"`
}

type ackEnvelope struct {
	Type     Type   `json:"type"`
	AckID    string `json:"ack_id"`
	ChunkNum int    `json:"chunk_num"`
}

type completeEnvelope struct {
	Type      Type   `json:"type"`
	CRC32     uint32 `json:"crc32"`
	VoiceData string `json:"voice_data"`
	Timestamp string `json:"timestamp"`
}

type testEnvelope struct {
	Type Type   `json:"type"`
	Test string `json:"test"`
}

type typeProbe struct {
	Type Type `json:"type"`
}

// Encode marshals p to its JSON wire form. Chunk numbers are 1-based on the wire.
func Encode(p Packet) ([]byte, error) {
	switch v := p.(type) {
	case ChunkPacket:
		c := v.Chunk
		if strings.TrimSpace(c.MessageID) == "" {
			return nil, fmt.Errorf("%w: chunk missing chunk_id", ErrMalformed)
		}
		if c.Total <= 0 || c.Index < 0 || c.Index >= c.Total {
			return nil, fmt.Errorf("%w: chunk index %d of %d", ErrMalformed, c.Index, c.Total)
		}
		env := chunkEnvelope{
			Type:        TypeChunk,
			ChunkID:     c.MessageID,
			ChunkNum:    c.Index + 1,
			TotalChunks: c.Total,
			CRC32:       c.Checksum,
			Data:        base64.StdEncoding.EncodeToString(c.Data),
		}
		if c.HasMessageChecksum {
			sum := c.MessageChecksum
			env.MessageChecksum = &sum
		}
		return json.Marshal(env)
	case AckPacket:
		if strings.TrimSpace(v.Ack.MessageID) == "" {
			return nil, fmt.Errorf("%w: ack missing ack_id", ErrMalformed)
		}
		return json.Marshal(ackEnvelope{Type: TypeAck, AckID: v.Ack.MessageID, ChunkNum: v.Ack.Index + 1})
	case CompletePacket:
		return json.Marshal(completeEnvelope{
			Type:      v.Type(),
			CRC32:     v.Message.Sum,
			VoiceData: base64.StdEncoding.EncodeToString(v.Message.Payload),
			Timestamp: v.Timestamp,
		})
	case TestPacket:
		return json.Marshal(testEnvelope{Type: TypeTest, Test: v.Text})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, p)
	}
}

// Decode parses one wire payload. Checksums are carried through, not verified.
func Decode(data []byte) (Packet, error) {
	var probe typeProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch probe.Type {
	case TypeChunk:
		var env chunkEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return decodeChunk(env)
	case TypeAck:
		var env ackEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if strings.TrimSpace(env.AckID) == "" || env.ChunkNum < 1 {
			return nil, fmt.Errorf("%w: ack id=%q chunk_num=%d", ErrMalformed, env.AckID, env.ChunkNum)
		}
		return AckPacket{Ack: frame.Ack{MessageID: env.AckID, Index: env.ChunkNum - 1}}, nil
	case TypeComplete, TypeCompleteVoice:
		var env completeEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		raw, err := base64.StdEncoding.DecodeString(env.VoiceData)
		if err != nil {
			return nil, fmt.Errorf("%w: voice_data: %v", ErrMalformed, err)
		}
		return CompletePacket{
			Message: frame.Complete{
				MessageID: CompleteID(env.CRC32),
				Payload:   raw,
				Sum:       env.CRC32,
			},
			Timestamp: env.Timestamp,
			Voice:     probe.Type == TypeCompleteVoice,
		}, nil
	case TypeTest:
		var env testEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return TestPacket{Text: env.Test}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, probe.Type)
	}
}

func decodeChunk(env chunkEnvelope) (Packet, error) {
	if strings.TrimSpace(env.ChunkID) == "" {
		return nil, fmt.Errorf("%w: chunk missing chunk_id", ErrMalformed)
	}
	if env.TotalChunks < 1 || env.ChunkNum < 1 || env.ChunkNum > env.TotalChunks {
		return nil, fmt.Errorf("%w: chunk_num=%d total_chunks=%d", ErrMalformed, env.ChunkNum, env.TotalChunks)
	}
	raw, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: data: %v", ErrMalformed, err)
	}
	c := frame.Chunk{
		MessageID: env.ChunkID,
		Index:     env.ChunkNum - 1,
		Total:     env.TotalChunks,
		Data:      raw,
		Checksum:  env.CRC32,
	}
	if env.MessageChecksum != nil {
		c.MessageChecksum = *env.MessageChecksum
		c.HasMessageChecksum = true
	}
	return ChunkPacket{Chunk: c}, nil
}
