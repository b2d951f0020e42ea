package frame

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/danmuck/meshvmail/internal/protocol/codec"
	"github.com/danmuck/meshvmail/internal/testutil/testlog"
)

func TestSplitAssembleRoundTrip(t *testing.T) {
	testlog.Start(t)
	rng := rand.New(rand.NewSource(11))
	for _, size := range []int{0, 1, 7, 199, 200, 201, 1000, 4099} {
		payload := make([]byte, size)
		rng.Read(payload)
		for _, chunkSize := range []int{1, 3, 64, 200, 5000} {
			chunks, err := SplitChunks("m1", payload, chunkSize)
			if err != nil {
				t.Fatalf("split size=%d chunk=%d: %v", size, chunkSize, err)
			}
			out, err := Assemble(chunks)
			if err != nil {
				t.Fatalf("assemble size=%d chunk=%d: %v", size, chunkSize, err)
			}
			if !bytes.Equal(out, payload) {
				t.Fatalf("round trip mismatch size=%d chunk=%d", size, chunkSize)
			}

			msg, err := Split("m1", payload, chunkSize)
			if err != nil {
				t.Fatalf("split message: %v", err)
			}
			got, err := msg.Assemble()
			if err != nil || !bytes.Equal(got, payload) {
				t.Fatalf("message round trip mismatch kind=%s err=%v", msg.Kind(), err)
			}
			if msg.Checksum() != codec.Checksum(payload) {
				t.Fatalf("whole checksum mismatch")
			}
		}
	}
}

func TestSplitThousandBytesIntoFiveChunks(t *testing.T) {
	testlog.Start(t)
	payload := bytes.Repeat([]byte{0xA5}, 1000)
	msg, err := Split("voice", payload, 200)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	chunked, ok := msg.(Chunked)
	if !ok {
		t.Fatalf("expected chunked message, got %s", msg.Kind())
	}
	if chunked.Total() != 5 {
		t.Fatalf("expected 5 chunks, got %d", chunked.Total())
	}
	for i, c := range chunked.Chunks {
		if c.Index != i || c.Total != 5 || len(c.Data) != 200 || !c.Valid() {
			t.Fatalf("unexpected chunk %d: index=%d total=%d len=%d", i, c.Index, c.Total, len(c.Data))
		}
	}
}

func TestSplitSmallPayloadIsComplete(t *testing.T) {
	testlog.Start(t)
	msg, err := Split("small", []byte("hello"), 5)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if msg.Kind() != KindComplete {
		t.Fatalf("expected complete, got %s", msg.Kind())
	}
	if _, err := Split("bad", []byte("x"), 0); !errors.Is(err, ErrInvalidChunkSize) {
		t.Fatalf("expected ErrInvalidChunkSize, got %v", err)
	}
}

func TestSplitLastChunkShorter(t *testing.T) {
	testlog.Start(t)
	chunks, err := SplitChunks("m", []byte("abcdefg"), 3)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(chunks) != 3 || string(chunks[2].Data) != "g" {
		t.Fatalf("unexpected chunks: %+v", chunks)
	}
}

func TestAssembleMissingChunkReportsIndices(t *testing.T) {
	testlog.Start(t)
	chunks, _ := SplitChunks("m", bytes.Repeat([]byte("x"), 50), 10)
	partial := []Chunk{chunks[0], chunks[1], chunks[4]}
	_, err := Assemble(partial)
	var inc *IncompleteError
	if !errors.As(err, &inc) {
		t.Fatalf("expected IncompleteError, got %v", err)
	}
	if len(inc.Missing) != 2 || inc.Missing[0] != 2 || inc.Missing[1] != 3 {
		t.Fatalf("unexpected missing: %v", inc.Missing)
	}
}

func TestAssembleOrdersByIndex(t *testing.T) {
	testlog.Start(t)
	chunks, _ := SplitChunks("m", []byte("0123456789"), 4)
	shuffled := []Chunk{chunks[2], chunks[0], chunks[1]}
	out, err := Assemble(shuffled)
	if err != nil || string(out) != "0123456789" {
		t.Fatalf("unexpected assembly %q err=%v", out, err)
	}
}

func TestAssembleRejectsMixedMessages(t *testing.T) {
	testlog.Start(t)
	a, _ := SplitChunks("a", []byte("aaaa"), 2)
	b, _ := SplitChunks("b", []byte("bbbb"), 2)
	if _, err := Assemble([]Chunk{a[0], b[1]}); !errors.Is(err, ErrInconsistent) {
		t.Fatalf("expected ErrInconsistent, got %v", err)
	}
	if _, err := Assemble(nil); !errors.Is(err, ErrNoChunks) {
		t.Fatalf("expected ErrNoChunks, got %v", err)
	}
}

func TestLimitsCheck(t *testing.T) {
	testlog.Start(t)
	l := DefaultLimits()
	if err := l.Check(Chunk{Index: 0, Total: 1}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := l.Check(Chunk{Index: 1, Total: 1}); !errors.Is(err, ErrIndexOutOfRange) {
		t.Fatalf("expected ErrIndexOutOfRange, got %v", err)
	}
	if err := l.Check(Chunk{Index: 0, Total: l.MaxTotalChunks + 1}); !errors.Is(err, ErrTooManyChunks) {
		t.Fatalf("expected ErrTooManyChunks, got %v", err)
	}
}

func TestRawChunkSize(t *testing.T) {
	testlog.Start(t)
	got, err := RawChunkSize(200)
	if err != nil || got != 35 {
		t.Fatalf("max_payload=200 got=%d err=%v", got, err)
	}
	if _, err := RawChunkSize(150); !errors.Is(err, ErrPayloadBudget) {
		t.Fatalf("expected ErrPayloadBudget, got %v", err)
	}
}

func TestNewMessageIDShape(t *testing.T) {
	testlog.Start(t)
	a, b := NewMessageID(), NewMessageID()
	if len(a) != 8 || a == b {
		t.Fatalf("unexpected ids %q %q", a, b)
	}
}
