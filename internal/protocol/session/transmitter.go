package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/meshvmail/internal/observability"
	"github.com/danmuck/meshvmail/internal/protocol/frame"
	"github.com/danmuck/meshvmail/internal/protocol/wire"
	"github.com/danmuck/meshvmail/internal/transport"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// TransferStatus summarizes one outbound message still in flight.
type TransferStatus struct {
	MessageID   string
	Destination transport.Address
	Total       int
	Acked       int
	Unconfirmed []int
	StartedAt   time.Time
}

type outbound struct {
	id        string
	dst       transport.Address
	packets   [][]byte
	remaining map[int]struct{}
	startedAt time.Time
	// done is set once the message leaves the table; in-flight sends check it.
	done bool
	// cause is the terminal error recorded when done is set.
	cause error
}

// finish marks m terminal. Callers hold Transmitter.mu.
func (m *outbound) finish(cause error) {
	m.done = true
	m.cause = cause
}

// terminalCause is what SendMessage reports once m left the table under it.
func (t *Transmitter) terminalCause(m *outbound) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m.cause != nil {
		return m.cause
	}
	return ErrCancelled
}

func (m *outbound) unconfirmed() []int {
	out := make([]int, 0, len(m.remaining))
	for idx := range m.remaining {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// Transmitter sends chunked messages and retransmits unacknowledged chunks on Tick.
type Transmitter struct {
	cfg     Config
	link    Sender
	hooks   Hooks
	clock   Clock
	limiter *rate.Limiter

	// sendMu serializes link sends so Cancel can wait out an in-flight send.
	sendMu sync.Mutex

	mu       sync.Mutex
	outbox   *Outbox
	messages map[string]*outbound
	rng      *rand.Rand
	closed   bool
}

func NewTransmitter(cfg Config, link Sender, hooks Hooks, opts ...Option) (*Transmitter, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if link == nil {
		return nil, fmt.Errorf("%w: nil link", ErrInvalidConfig)
	}
	o := buildOptions(opts)
	t := &Transmitter{
		cfg:      cfg,
		link:     link,
		hooks:    hooks,
		clock:    o.clock,
		outbox:   NewOutbox(),
		messages: make(map[string]*outbound),
		rng:      o.rng,
	}
	if cfg.InterChunkDelay > 0 {
		t.limiter = rate.NewLimiter(rate.Every(cfg.InterChunkDelay), 1)
	}
	return t, nil
}

// SendMessage transmits every chunk of msg once and registers them for ACK tracking.
// It returns after the initial pass; the terminal outcome arrives through Hooks.
// A link failure aborts the message and is returned as *transport.SendError.
func (t *Transmitter) SendMessage(ctx context.Context, msg frame.Chunked, dst transport.Address) error {
	if len(msg.Chunks) == 0 {
		return frame.ErrNoChunks
	}
	if err := t.cfg.Limits.Check(msg.Chunks[0]); err != nil {
		return err
	}
	packets := make([][]byte, len(msg.Chunks))
	remaining := make(map[int]struct{}, len(msg.Chunks))
	for _, c := range msg.Chunks {
		if c.MessageID != msg.MessageID || c.Total != len(msg.Chunks) || c.Index < 0 || c.Index >= c.Total {
			return fmt.Errorf("%w: message %q chunk %d", frame.ErrInconsistent, c.MessageID, c.Index)
		}
		raw, err := wire.Encode(wire.ChunkPacket{Chunk: c})
		if err != nil {
			return err
		}
		packets[c.Index] = raw
		remaining[c.Index] = struct{}{}
	}

	start := t.clock()
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if _, exists := t.messages[msg.MessageID]; exists {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateMessage, msg.MessageID)
	}
	entry := &outbound{
		id:        msg.MessageID,
		dst:       dst,
		packets:   packets,
		remaining: remaining,
		startedAt: start,
	}
	t.messages[msg.MessageID] = entry
	t.mu.Unlock()

	log.Info().Str("message_id", msg.MessageID).Str("dst", dst.String()).Int("chunks", len(packets)).Msg("session.Transmitter.SendMessage start")
	t.hooks.outcome(Outcome{Direction: Outbound, MessageID: msg.MessageID, Peer: dst, State: StateSending, Total: len(packets), At: start})

	for idx, pkt := range packets {
		if t.limiter != nil {
			if err := t.limiter.Wait(ctx); err != nil {
				t.abort(msg.MessageID, err)
				return err
			}
		}
		now := t.clock()
		key := ChunkKey{MessageID: msg.MessageID, Index: idx}
		t.mu.Lock()
		if entry.done {
			cause := entry.cause
			t.mu.Unlock()
			if cause == nil {
				cause = ErrCancelled
			}
			return cause
		}
		if _, waiting := entry.remaining[idx]; waiting {
			t.outbox.Insert(PendingSend{
				Key:           key,
				Destination:   dst,
				Attempts:      1,
				FirstSentAt:   now,
				LastSentAt:    now,
				AckDeadlineAt: now.Add(retryDelay(t.cfg, 1, t.rng)),
			})
		}
		t.mu.Unlock()

		if err := t.transmit(ctx, msg.MessageID, dst, pkt); err != nil {
			if errors.Is(err, ErrCancelled) {
				return t.terminalCause(entry)
			}
			var sendErr *transport.SendError
			if !errors.As(err, &sendErr) {
				sendErr = &transport.SendError{Dst: dst, Channel: t.cfg.Channel, Err: err}
			}
			t.abort(msg.MessageID, sendErr)
			return sendErr
		}
		observability.RecordChunkSent(false)
		log.Debug().Str("message_id", msg.MessageID).Int("chunk", idx).Int("attempt", 1).Msg("session.Transmitter.SendMessage chunk")
	}
	return nil
}

// transmit sends one packet unless the message has left the table.
func (t *Transmitter) transmit(ctx context.Context, messageID string, dst transport.Address, pkt []byte) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	t.mu.Lock()
	m := t.messages[messageID]
	live := !t.closed && m != nil && !m.done
	t.mu.Unlock()
	if !live {
		return ErrCancelled
	}
	return t.link.Send(ctx, dst, t.cfg.Channel, pkt)
}

// abort fails a message after a send-path error.
func (t *Transmitter) abort(messageID string, cause error) {
	t.mu.Lock()
	m := t.messages[messageID]
	if m == nil || m.done {
		t.mu.Unlock()
		return
	}
	m.finish(cause)
	delete(t.messages, messageID)
	t.outbox.RemoveMessage(messageID)
	out := Outcome{
		Direction: Outbound,
		MessageID: messageID,
		Peer:      m.dst,
		State:     StateFailed,
		Total:     len(m.packets),
		Chunks:    m.unconfirmed(),
		Err:       cause,
		At:        t.clock(),
	}
	t.mu.Unlock()

	log.Warn().Err(cause).Str("message_id", messageID).Msg("session.Transmitter.abort")
	observability.RecordMessage(string(Outbound), string(StateFailed), out.At.Sub(m.startedAt))
	t.hooks.outcome(out)
}

// OnAck matches an inbound ACK against the pending table. Unknown or repeated ACKs
// are ignored and reported as false.
func (t *Transmitter) OnAck(ack frame.Ack, from transport.Address) bool {
	key := ChunkKey{MessageID: ack.MessageID, Index: ack.Index}
	t.mu.Lock()
	m := t.messages[ack.MessageID]
	if m == nil || m.done {
		t.mu.Unlock()
		observability.RecordAck(false)
		log.Debug().Str("message_id", ack.MessageID).Int("chunk", ack.Index).Str("from", from.String()).Msg("session.Transmitter.OnAck stale")
		return false
	}
	if _, ok := m.remaining[ack.Index]; !ok {
		t.mu.Unlock()
		observability.RecordAck(false)
		log.Debug().Str("message_id", ack.MessageID).Int("chunk", ack.Index).Str("from", from.String()).Msg("session.Transmitter.OnAck duplicate")
		return false
	}
	delete(m.remaining, ack.Index)
	t.outbox.Ack(key)
	total := len(m.packets)
	progress := Progress{Direction: Outbound, MessageID: m.id, Peer: m.dst, Done: total - len(m.remaining), Total: total}
	completed := len(m.remaining) == 0
	if completed {
		m.finish(nil)
		delete(t.messages, m.id)
	}
	t.mu.Unlock()

	observability.RecordAck(true)
	log.Debug().Str("message_id", ack.MessageID).Int("chunk", ack.Index).Int("acked", progress.Done).Int("total", total).Msg("session.Transmitter.OnAck")
	t.hooks.progress(progress)
	if completed {
		now := t.clock()
		observability.RecordMessage(string(Outbound), string(StateCompleted), now.Sub(m.startedAt))
		log.Info().Str("message_id", m.id).Int("chunks", total).Msg("session.Transmitter.OnAck completed")
		t.hooks.outcome(Outcome{Direction: Outbound, MessageID: m.id, Peer: m.dst, State: StateCompleted, Total: total, At: now})
	}
	return true
}

type resend struct {
	key     ChunkKey
	dst     transport.Address
	pkt     []byte
	attempt int
}

// Tick retransmits chunks whose ACK wait has elapsed and fails messages whose
// chunks have used the whole retry budget. It returns the number of resends.
func (t *Transmitter) Tick(ctx context.Context, now time.Time) int {
	var (
		resends []resend
		failed  []Outcome
		started []time.Time
	)
	t.mu.Lock()
	for _, p := range t.outbox.List() {
		if now.Before(p.AckDeadlineAt) {
			continue
		}
		m := t.messages[p.Key.MessageID]
		if m == nil || m.done {
			t.outbox.Ack(p.Key)
			continue
		}
		if p.Attempts >= t.cfg.RetryCount {
			unconfirmed := m.unconfirmed()
			cause := &RetryExhaustedError{MessageID: m.id, Attempts: p.Attempts, Unconfirmed: unconfirmed}
			m.finish(cause)
			delete(t.messages, m.id)
			t.outbox.RemoveMessage(m.id)
			failed = append(failed, Outcome{
				Direction: Outbound,
				MessageID: m.id,
				Peer:      m.dst,
				State:     StateFailed,
				Total:     len(m.packets),
				Chunks:    unconfirmed,
				Err:       cause,
				At:        now,
			})
			started = append(started, m.startedAt)
			continue
		}
		deadline := now.Add(retryDelay(t.cfg, p.Attempts+1, t.rng))
		updated, ok := t.outbox.MarkAttempt(p.Key, now, deadline)
		if !ok {
			continue
		}
		resends = append(resends, resend{key: p.Key, dst: m.dst, pkt: m.packets[p.Key.Index], attempt: updated.Attempts})
	}
	t.mu.Unlock()

	for i, out := range failed {
		log.Warn().Str("message_id", out.MessageID).Ints("unconfirmed", out.Chunks).Msg("session.Transmitter.Tick failed")
		observability.RecordMessage(string(Outbound), string(StateFailed), now.Sub(started[i]))
		t.hooks.outcome(out)
	}

	sent := 0
	for _, r := range resends {
		err := t.transmit(ctx, r.key.MessageID, r.dst, r.pkt)
		switch {
		case errors.Is(err, ErrCancelled):
			continue
		case err != nil:
			t.outbox.MarkError(r.key, err)
			log.Warn().Err(err).Str("message_id", r.key.MessageID).Int("chunk", r.key.Index).Int("attempt", r.attempt).Msg("session.Transmitter.Tick resend failed")
			continue
		}
		sent++
		observability.RecordChunkSent(true)
		log.Debug().Str("message_id", r.key.MessageID).Int("chunk", r.key.Index).Int("attempt", r.attempt).Msg("session.Transmitter.Tick resend")
	}
	return sent
}

// Cancel drops every pending chunk of messageID. When it returns, no further
// transmission of that message happens. It reports whether the message was in flight.
func (t *Transmitter) Cancel(messageID string) bool {
	return t.cancel(messageID, ErrCancelled)
}

func (t *Transmitter) cancel(messageID string, cause error) bool {
	t.mu.Lock()
	m := t.messages[messageID]
	if m == nil || m.done {
		t.mu.Unlock()
		return false
	}
	m.finish(cause)
	delete(t.messages, messageID)
	removed := t.outbox.RemoveMessage(messageID)
	out := Outcome{
		Direction: Outbound,
		MessageID: messageID,
		Peer:      m.dst,
		State:     StateCancelled,
		Total:     len(m.packets),
		Chunks:    m.unconfirmed(),
		Err:       cause,
		At:        t.clock(),
	}
	t.mu.Unlock()

	// wait out a send already past its liveness check
	t.sendMu.Lock()
	t.sendMu.Unlock()

	log.Info().Str("message_id", messageID).Int("pending_removed", removed).Msg("session.Transmitter.Cancel")
	observability.RecordMessage(string(Outbound), string(StateCancelled), 0)
	t.hooks.outcome(out)
	return true
}

// Close cancels every message in flight and rejects further sends.
func (t *Transmitter) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	ids := make([]string, 0, len(t.messages))
	for id := range t.messages {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	sort.Strings(ids)
	for _, id := range ids {
		t.cancel(id, ErrClosed)
	}
}

// Pending returns a snapshot of the pending-send table.
func (t *Transmitter) Pending() []PendingSend {
	return t.outbox.List()
}

// Transfers returns in-flight outbound messages ordered by message id.
func (t *Transmitter) Transfers() []TransferStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TransferStatus, 0, len(t.messages))
	for _, m := range t.messages {
		out = append(out, TransferStatus{
			MessageID:   m.id,
			Destination: m.dst,
			Total:       len(m.packets),
			Acked:       len(m.packets) - len(m.remaining),
			Unconfirmed: m.unconfirmed(),
			StartedAt:   m.startedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MessageID < out[j].MessageID })
	return out
}
