package frame

import "fmt"

const (
	// JSONOverhead estimates the fixed bytes a voice_chunk envelope adds around its data.
	JSONOverhead = 150

	minEncodedData = 10
)

// Limits constrains what a receiver will buffer for one inbound message.
type Limits struct {
	MaxTotalChunks int
	MaxChunkBytes  int
}

func DefaultLimits() Limits {
	return Limits{
		MaxTotalChunks: 4096,
		MaxChunkBytes:  4096,
	}
}

// Check rejects chunks that are out of range or exceed l.
func (l Limits) Check(c Chunk) error {
	if c.Total <= 0 || c.Index < 0 || c.Index >= c.Total {
		return fmt.Errorf("%w: index=%d total=%d", ErrIndexOutOfRange, c.Index, c.Total)
	}
	if l.MaxTotalChunks > 0 && c.Total > l.MaxTotalChunks {
		return fmt.Errorf("%w: %d > %d", ErrTooManyChunks, c.Total, l.MaxTotalChunks)
	}
	if l.MaxChunkBytes > 0 && len(c.Data) > l.MaxChunkBytes {
		return fmt.Errorf("%w: %d > %d", ErrChunkTooLarge, len(c.Data), l.MaxChunkBytes)
	}
	return nil
}

// RawChunkSize derives the raw bytes per chunk that keep an encoded voice_chunk
// payload within maxPayload bytes on air.
func RawChunkSize(maxPayload int) (int, error) {
	encoded := maxPayload - JSONOverhead
	if encoded <= minEncodedData {
		return 0, fmt.Errorf("%w: max_payload=%d overhead=%d", ErrPayloadBudget, maxPayload, JSONOverhead)
	}
	raw := encoded*3/4 - 2
	if raw <= 0 {
		return 0, fmt.Errorf("%w: max_payload=%d", ErrPayloadBudget, maxPayload)
	}
	return raw, nil
}
