package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/meshvmail/internal/observability"
	"github.com/danmuck/meshvmail/internal/protocol/codec"
	"github.com/danmuck/meshvmail/internal/protocol/frame"
	"github.com/danmuck/meshvmail/internal/protocol/wire"
	"github.com/danmuck/meshvmail/internal/transport"
	"github.com/rs/zerolog/log"
)

// BufferStatus summarizes one reassembly buffer.
type BufferStatus struct {
	MessageID   string
	Source      transport.Address
	Total       int
	Received    int
	Missing     []int
	StartedAt   time.Time
	LastChunkAt time.Time
}

type bufferKey struct {
	source    transport.Address
	messageID string
}

type reassembly struct {
	total       int
	chunks      map[int][]byte
	startedAt   time.Time
	lastChunkAt time.Time
	msgSum      uint32
	hasMsgSum   bool
}

// Receiver validates and acknowledges inbound chunks and reassembles messages.
// Buffers are keyed by (source, message_id).
type Receiver struct {
	cfg   Config
	acks  Sender
	hooks Hooks
	clock Clock

	mu      sync.Mutex
	buffers map[bufferKey]*reassembly
	// delivered remembers completed messages for one receive timeout so late
	// duplicates are acknowledged without opening a new buffer.
	delivered map[bufferKey]time.Time
}

func NewReceiver(cfg Config, acks Sender, hooks Hooks, opts ...Option) (*Receiver, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if acks == nil {
		return nil, fmt.Errorf("%w: nil ack sender", ErrInvalidConfig)
	}
	o := buildOptions(opts)
	return &Receiver{
		cfg:       cfg,
		acks:      acks,
		hooks:     hooks,
		clock:     o.clock,
		buffers:   make(map[bufferKey]*reassembly),
		delivered: make(map[bufferKey]time.Time),
	}, nil
}

// OnChunk handles one decoded chunk from source. Chunks failing their checksum are
// dropped without an ACK and reported as *ChecksumMismatchError. Every valid chunk,
// duplicates included, is acknowledged to source.
func (r *Receiver) OnChunk(ctx context.Context, source transport.Address, c frame.Chunk) error {
	if err := r.cfg.Limits.Check(c); err != nil {
		observability.RecordChunkReceived("invalid")
		log.Warn().Err(err).Str("message_id", c.MessageID).Str("source", source.String()).Msg("session.Receiver.OnChunk rejected")
		return err
	}
	if !c.Valid() {
		observability.RecordChunkReceived("checksum")
		err := &ChecksumMismatchError{MessageID: c.MessageID, Chunk: c.Index, Expected: c.Checksum, Actual: codec.Checksum(c.Data)}
		log.Warn().Err(err).Str("source", source.String()).Msg("session.Receiver.OnChunk dropped")
		return err
	}

	now := r.clock()
	key := bufferKey{source: source, messageID: c.MessageID}

	r.mu.Lock()
	if _, done := r.delivered[key]; done {
		r.mu.Unlock()
		observability.RecordChunkReceived("late")
		log.Debug().Str("message_id", c.MessageID).Int("chunk", c.Index).Msg("session.Receiver.OnChunk late duplicate")
		r.sendAck(ctx, source, c)
		return nil
	}
	b, exists := r.buffers[key]
	if !exists {
		b = &reassembly{
			total:     c.Total,
			chunks:    make(map[int][]byte, c.Total),
			startedAt: now,
		}
		r.buffers[key] = b
	}
	if b.total != c.Total {
		r.mu.Unlock()
		observability.RecordChunkReceived("invalid")
		err := fmt.Errorf("%w: message %q total %d, buffer expects %d", frame.ErrInconsistent, c.MessageID, c.Total, b.total)
		log.Warn().Err(err).Str("source", source.String()).Msg("session.Receiver.OnChunk rejected")
		return err
	}
	_, duplicate := b.chunks[c.Index]
	if !duplicate {
		data := make([]byte, len(c.Data))
		copy(data, c.Data)
		b.chunks[c.Index] = data
		b.lastChunkAt = now
		if c.HasMessageChecksum && !b.hasMsgSum {
			b.msgSum = c.MessageChecksum
			b.hasMsgSum = true
		}
	}
	progress := Progress{Direction: Inbound, MessageID: c.MessageID, Peer: source, Done: len(b.chunks), Total: b.total}
	complete := !duplicate && len(b.chunks) == b.total
	var (
		payload     []byte
		assembleErr error
	)
	if complete {
		delete(r.buffers, key)
		r.delivered[key] = now
		payload, assembleErr = frame.AssembleIndexed(c.MessageID, b.total, b.chunks)
	}
	r.mu.Unlock()

	r.sendAck(ctx, source, c)

	if duplicate {
		observability.RecordChunkReceived("duplicate")
		log.Debug().Str("message_id", c.MessageID).Int("chunk", c.Index).Str("source", source.String()).Msg("session.Receiver.OnChunk duplicate")
		return nil
	}
	observability.RecordChunkReceived("accepted")
	log.Debug().Str("message_id", c.MessageID).Int("chunk", c.Index).Int("received", progress.Done).Int("total", progress.Total).Msg("session.Receiver.OnChunk")
	if !exists {
		r.hooks.outcome(Outcome{Direction: Inbound, MessageID: c.MessageID, Peer: source, State: StateCollecting, Total: c.Total, At: now})
	}
	r.hooks.progress(progress)
	if !complete {
		return nil
	}
	if assembleErr != nil {
		return r.abandon(c.MessageID, source, b, assembleErr, now)
	}
	if b.hasMsgSum && !codec.Verify(payload, b.msgSum) {
		err := &ChecksumMismatchError{MessageID: c.MessageID, Chunk: WholeMessage, Expected: b.msgSum, Actual: codec.Checksum(payload)}
		return r.abandon(c.MessageID, source, b, err, now)
	}
	observability.RecordMessage(string(Inbound), string(StateDelivered), now.Sub(b.startedAt))
	log.Info().Str("message_id", c.MessageID).Str("source", source.String()).Int("bytes", len(payload)).Int("chunks", b.total).Msg("session.Receiver.OnChunk delivered")
	r.hooks.deliver(Delivery{MessageID: c.MessageID, Source: source, Kind: DeliveryChunked, Payload: payload, ReceivedAt: now})
	r.hooks.outcome(Outcome{Direction: Inbound, MessageID: c.MessageID, Peer: source, State: StateDelivered, Total: b.total, At: now})
	return nil
}

func (r *Receiver) abandon(messageID string, source transport.Address, b *reassembly, cause error, now time.Time) error {
	observability.RecordMessage(string(Inbound), string(StateAbandoned), now.Sub(b.startedAt))
	log.Warn().Err(cause).Str("message_id", messageID).Str("source", source.String()).Msg("session.Receiver abandoned")
	r.hooks.outcome(Outcome{
		Direction: Inbound,
		MessageID: messageID,
		Peer:      source,
		State:     StateAbandoned,
		Total:     b.total,
		Chunks:    frame.MissingIndices(b.total, b.chunks),
		Err:       cause,
		At:        now,
	})
	return cause
}

func (r *Receiver) sendAck(ctx context.Context, source transport.Address, c frame.Chunk) {
	raw, err := wire.Encode(wire.AckPacket{Ack: frame.Ack{MessageID: c.MessageID, Index: c.Index}})
	if err != nil {
		log.Error().Err(err).Str("message_id", c.MessageID).Msg("session.Receiver.sendAck encode")
		return
	}
	if err := r.acks.Send(ctx, source, r.cfg.Channel, raw); err != nil {
		log.Warn().Err(err).Str("message_id", c.MessageID).Int("chunk", c.Index).Str("dst", source.String()).Msg("session.Receiver.sendAck failed")
	}
}

// OnComplete verifies and delivers a single-unit message. Complete messages are
// not acknowledged.
func (r *Receiver) OnComplete(source transport.Address, p wire.CompletePacket) error {
	now := r.clock()
	msg := p.Message
	if !codec.Verify(msg.Payload, msg.Sum) {
		err := &ChecksumMismatchError{MessageID: msg.MessageID, Chunk: WholeMessage, Expected: msg.Sum, Actual: codec.Checksum(msg.Payload)}
		observability.RecordMessage(string(Inbound), string(StateAbandoned), 0)
		log.Warn().Err(err).Str("source", source.String()).Msg("session.Receiver.OnComplete dropped")
		r.hooks.outcome(Outcome{Direction: Inbound, MessageID: msg.MessageID, Peer: source, State: StateAbandoned, Total: 1, Err: err, At: now})
		return err
	}
	kind := DeliveryComplete
	if p.Voice {
		kind = DeliveryCompleteVoice
	}
	observability.RecordMessage(string(Inbound), string(StateDelivered), 0)
	log.Info().Str("message_id", msg.MessageID).Str("source", source.String()).Int("bytes", len(msg.Payload)).Str("kind", string(kind)).Msg("session.Receiver.OnComplete delivered")
	payload, _ := msg.Assemble()
	r.hooks.deliver(Delivery{MessageID: msg.MessageID, Source: source, Kind: kind, Payload: payload, Timestamp: p.Timestamp, ReceivedAt: now})
	r.hooks.outcome(Outcome{Direction: Inbound, MessageID: msg.MessageID, Peer: source, State: StateDelivered, Total: 1, At: now})
	return nil
}

// OnTest delivers a connectivity probe as-is.
func (r *Receiver) OnTest(source transport.Address, p wire.TestPacket) {
	now := r.clock()
	log.Info().Str("source", source.String()).Str("text", p.Text).Msg("session.Receiver.OnTest")
	r.hooks.deliver(Delivery{
		MessageID:  fmt.Sprintf("%08x", codec.Checksum([]byte(p.Text))),
		Source:     source,
		Kind:       DeliveryTest,
		Payload:    []byte(p.Text),
		ReceivedAt: now,
	})
}

// Sweep evicts buffers that saw no new chunk for a full receive timeout and
// forgets delivered messages older than that. It returns the number evicted.
func (r *Receiver) Sweep(now time.Time) int {
	type evicted struct {
		key bufferKey
		buf *reassembly
	}
	var gone []evicted
	r.mu.Lock()
	for key, b := range r.buffers {
		if now.Sub(b.lastChunkAt) >= r.cfg.ReceiveTimeout {
			delete(r.buffers, key)
			gone = append(gone, evicted{key: key, buf: b})
		}
	}
	for key, at := range r.delivered {
		if now.Sub(at) >= r.cfg.ReceiveTimeout {
			delete(r.delivered, key)
		}
	}
	r.mu.Unlock()

	sort.Slice(gone, func(i, j int) bool { return gone[i].key.messageID < gone[j].key.messageID })
	for _, e := range gone {
		missing := frame.MissingIndices(e.buf.total, e.buf.chunks)
		cause := &frame.IncompleteError{MessageID: e.key.messageID, Total: e.buf.total, Missing: missing}
		r.abandon(e.key.messageID, e.key.source, e.buf, cause, now)
	}
	return len(gone)
}

// Buffers returns a snapshot of the open reassembly buffers.
func (r *Receiver) Buffers() []BufferStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]BufferStatus, 0, len(r.buffers))
	for key, b := range r.buffers {
		out = append(out, BufferStatus{
			MessageID:   key.messageID,
			Source:      key.source,
			Total:       b.total,
			Received:    len(b.chunks),
			Missing:     frame.MissingIndices(b.total, b.chunks),
			StartedAt:   b.startedAt,
			LastChunkAt: b.lastChunkAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MessageID != out[j].MessageID {
			return out[i].MessageID < out[j].MessageID
		}
		return out[i].Source < out[j].Source
	})
	return out
}
