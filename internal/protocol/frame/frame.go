package frame

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/danmuck/meshvmail/internal/protocol/codec"
	"github.com/google/uuid"
)

var (
	ErrInvalidChunkSize = errors.New("frame: chunk size must be positive")
	ErrNoChunks         = errors.New("frame: no chunks to assemble")
	ErrInconsistent     = errors.New("frame: inconsistent chunk set")
	ErrIndexOutOfRange  = errors.New("frame: chunk index out of range")
	ErrTooManyChunks    = errors.New("frame: total chunks exceeds limit")
	ErrChunkTooLarge    = errors.New("frame: chunk data exceeds limit")
	ErrPayloadBudget    = errors.New("frame: payload budget too small for chunk overhead")
)

// Kind tags the two message representations carried on the wire.
type Kind int

const (
	KindComplete Kind = iota + 1
	KindChunked
)

func (k Kind) String() string {
	switch k {
	case KindComplete:
		return "complete"
	case KindChunked:
		return "chunked"
	default:
		return "unknown"
	}
}

// Chunk is one bounded fragment of a chunked message.
type Chunk struct {
	MessageID string
	Index     int
	Total     int
	Data      []byte
	Checksum  uint32

	// MessageChecksum is the whole-payload checksum, present when HasMessageChecksum.
	MessageChecksum    uint32
	HasMessageChecksum bool
}

// Valid reports whether Data matches the chunk checksum.
func (c Chunk) Valid() bool {
	return codec.Verify(c.Data, c.Checksum)
}

// Ack confirms receipt of one validated chunk.
type Ack struct {
	MessageID string
	Index     int
}

// Message is either a Complete payload or a Chunked one; both assemble to the sent bytes.
type Message interface {
	ID() string
	Kind() Kind
	Checksum() uint32
	Assemble() ([]byte, error)
}

// Complete is a payload small enough to travel as one unit.
type Complete struct {
	MessageID string
	Payload   []byte
	Sum       uint32
}

func (c Complete) ID() string       { return c.MessageID }
func (c Complete) Kind() Kind       { return KindComplete }
func (c Complete) Checksum() uint32 { return c.Sum }

func (c Complete) Assemble() ([]byte, error) {
	out := make([]byte, len(c.Payload))
	copy(out, c.Payload)
	return out, nil
}

// Chunked is an ordered chunk sequence covering one payload.
type Chunked struct {
	MessageID string
	Chunks    []Chunk
	Sum       uint32
	Size      int
}

func (c Chunked) ID() string       { return c.MessageID }
func (c Chunked) Kind() Kind       { return KindChunked }
func (c Chunked) Checksum() uint32 { return c.Sum }
func (c Chunked) Total() int       { return len(c.Chunks) }

func (c Chunked) Assemble() ([]byte, error) {
	return Assemble(c.Chunks)
}

// IncompleteError lists the chunk indices missing from an assembly attempt.
type IncompleteError struct {
	MessageID string
	Total     int
	Missing   []int
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("frame: message %q incomplete: missing %d of %d chunks %v", e.MessageID, len(e.Missing), e.Total, e.Missing)
}

// NewMessageID returns a short random identifier for an outbound message.
func NewMessageID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Split frames payload as a Complete message when it fits in chunkSize, else as Chunked.
func Split(messageID string, payload []byte, chunkSize int) (Message, error) {
	if chunkSize <= 0 {
		return nil, ErrInvalidChunkSize
	}
	sum := codec.Checksum(payload)
	if len(payload) <= chunkSize {
		out := make([]byte, len(payload))
		copy(out, payload)
		return Complete{MessageID: messageID, Payload: out, Sum: sum}, nil
	}
	chunks, err := SplitChunks(messageID, payload, chunkSize)
	if err != nil {
		return nil, err
	}
	return Chunked{MessageID: messageID, Chunks: chunks, Sum: sum, Size: len(payload)}, nil
}

// SplitChunks always produces the chunked representation; an empty payload yields one empty chunk.
func SplitChunks(messageID string, payload []byte, chunkSize int) ([]Chunk, error) {
	if chunkSize <= 0 {
		return nil, ErrInvalidChunkSize
	}
	total := (len(payload) + chunkSize - 1) / chunkSize
	if total == 0 {
		total = 1
	}
	sum := codec.Checksum(payload)
	chunks := make([]Chunk, 0, total)
	for i := 0; i < total; i++ {
		start := i * chunkSize
		end := min(start+chunkSize, len(payload))
		data := make([]byte, end-start)
		copy(data, payload[start:end])
		chunks = append(chunks, Chunk{
			MessageID:          messageID,
			Index:              i,
			Total:              total,
			Data:               data,
			Checksum:           codec.Checksum(data),
			MessageChecksum:    sum,
			HasMessageChecksum: true,
		})
	}
	return chunks, nil
}

// Assemble concatenates chunks by index. Every index in [0, total) must be present.
func Assemble(chunks []Chunk) ([]byte, error) {
	if len(chunks) == 0 {
		return nil, ErrNoChunks
	}
	id := chunks[0].MessageID
	total := chunks[0].Total
	if total <= 0 {
		return nil, fmt.Errorf("%w: total=%d", ErrInconsistent, total)
	}
	byIndex := make(map[int][]byte, total)
	for _, c := range chunks {
		if c.MessageID != id || c.Total != total {
			return nil, fmt.Errorf("%w: message %q chunk %d", ErrInconsistent, c.MessageID, c.Index)
		}
		if c.Index < 0 || c.Index >= total {
			return nil, fmt.Errorf("%w: %d not in [0,%d)", ErrIndexOutOfRange, c.Index, total)
		}
		if _, ok := byIndex[c.Index]; !ok {
			byIndex[c.Index] = c.Data
		}
	}
	return AssembleIndexed(id, total, byIndex)
}

// AssembleIndexed concatenates an index->data map holding every index in [0, total).
func AssembleIndexed(messageID string, total int, byIndex map[int][]byte) ([]byte, error) {
	missing := MissingIndices(total, byIndex)
	if len(missing) > 0 {
		return nil, &IncompleteError{MessageID: messageID, Total: total, Missing: missing}
	}
	size := 0
	for _, data := range byIndex {
		size += len(data)
	}
	out := make([]byte, 0, size)
	for i := 0; i < total; i++ {
		out = append(out, byIndex[i]...)
	}
	return out, nil
}

// MissingIndices returns the sorted indices in [0, total) absent from have.
func MissingIndices[V any](total int, have map[int]V) []int {
	missing := make([]int, 0)
	for i := 0; i < total; i++ {
		if _, ok := have[i]; !ok {
			missing = append(missing, i)
		}
	}
	sort.Ints(missing)
	return missing
}
