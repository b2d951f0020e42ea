// Package node binds a transport link to a Transmitter and Receiver and runs
// their periodic work.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/meshvmail/internal/observability"
	"github.com/danmuck/meshvmail/internal/protocol/frame"
	"github.com/danmuck/meshvmail/internal/protocol/session"
	"github.com/danmuck/meshvmail/internal/protocol/wire"
	"github.com/danmuck/meshvmail/internal/transport"
	"github.com/rs/zerolog/log"
)

const defaultEventBuffer = 256

var ErrEmptyPayload = errors.New("node: empty payload")

// Config controls one node.
type Config struct {
	Session session.Config
	// Destination is used when a send names no destination.
	Destination transport.Address
	// Voice selects complete_voice over complete for single-unit messages.
	Voice       bool
	EventBuffer int
}

func DefaultConfig() Config {
	return Config{
		Session:     session.DefaultConfig(),
		Destination: transport.Broadcast,
		Voice:       true,
		EventBuffer: defaultEventBuffer,
	}
}

// Event carries exactly one of its fields.
type Event struct {
	Outcome  *session.Outcome
	Progress *session.Progress
	Delivery *session.Delivery
}

// Option adjusts a Node at construction.
type Option func(*Node)

func WithClock(c session.Clock) Option {
	return func(n *Node) {
		if c != nil {
			n.clock = c
		}
	}
}

// WithDeliverySink receives every delivery synchronously, before it is queued
// as an event.
func WithDeliverySink(fn func(session.Delivery)) Option {
	return func(n *Node) {
		n.sink = fn
	}
}

type Node struct {
	cfg   Config
	link  transport.Link
	tx    *session.Transmitter
	rx    *session.Receiver
	clock session.Clock
	sink  func(session.Delivery)

	events chan Event

	mu      sync.RWMutex
	baseCtx context.Context
	wg      sync.WaitGroup
	closed  bool
}

func New(cfg Config, link transport.Link, opts ...Option) (*Node, error) {
	if link == nil {
		return nil, fmt.Errorf("node: nil link")
	}
	if cfg.Destination == "" {
		cfg.Destination = transport.Broadcast
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	cfg.Session = cfg.Session.WithDefaults()

	n := &Node{
		cfg:     cfg,
		link:    link,
		clock:   time.Now,
		events:  make(chan Event, cfg.EventBuffer),
		baseCtx: context.Background(),
	}
	for _, opt := range opts {
		opt(n)
	}
	hooks := session.Hooks{
		OnOutcome:  n.emitOutcome,
		OnProgress: n.emitProgress,
		OnDeliver:  n.emitDelivery,
	}
	tx, err := session.NewTransmitter(cfg.Session, link, hooks, session.WithClock(n.clock))
	if err != nil {
		return nil, err
	}
	rx, err := session.NewReceiver(cfg.Session, link, hooks, session.WithClock(n.clock))
	if err != nil {
		return nil, err
	}
	n.tx = tx
	n.rx = rx
	link.SetHandler(n.handle)
	return n, nil
}

func (n *Node) Local() transport.Address { return n.link.Local() }

func (n *Node) Config() Config { return n.cfg }

// Events yields outcomes, progress and deliveries. Events are dropped while the
// channel is full.
func (n *Node) Events() <-chan Event { return n.events }

func (n *Node) publish(ev Event) {
	select {
	case n.events <- ev:
	default:
		log.Debug().Msg("node.Node.publish event dropped")
	}
}

func (n *Node) emitOutcome(o session.Outcome)   { n.publish(Event{Outcome: &o}) }
func (n *Node) emitProgress(p session.Progress) { n.publish(Event{Progress: &p}) }

func (n *Node) emitDelivery(d session.Delivery) {
	if n.sink != nil {
		n.sink(d)
	}
	n.publish(Event{Delivery: &d})
}

func (n *Node) runContext() context.Context {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.baseCtx
}

// handle runs on the link's receive path.
func (n *Node) handle(source transport.Address, channel uint32, data []byte) {
	if channel != n.cfg.Session.Channel {
		return
	}
	pkt, err := wire.Decode(data)
	if err != nil {
		observability.RecordLinkDatagram("wire", "rx", "malformed")
		log.Debug().Err(err).Str("source", source.String()).Msg("node.Node.handle decode")
		return
	}
	switch p := pkt.(type) {
	case wire.ChunkPacket:
		_ = n.rx.OnChunk(n.runContext(), source, p.Chunk)
	case wire.AckPacket:
		n.tx.OnAck(p.Ack, source)
	case wire.CompletePacket:
		_ = n.rx.OnComplete(source, p)
	case wire.TestPacket:
		n.rx.OnTest(source, p)
	}
}

func (n *Node) resolve(dst transport.Address) transport.Address {
	if dst == "" {
		return n.cfg.Destination
	}
	return dst
}

// SendMessage frames payload and transmits it, returning the message id. Chunked
// messages are tracked until every chunk is acknowledged or the retry budget runs
// out; the result arrives as an Outcome event. Single-unit messages are sent once.
func (n *Node) SendMessage(ctx context.Context, payload []byte, dst transport.Address) (string, error) {
	id, msg, err := n.frame(payload)
	if err != nil {
		return "", err
	}
	return id, n.send(ctx, msg, n.resolve(dst))
}

// Submit starts SendMessage in the background under the node's run context and
// returns the message id immediately.
func (n *Node) Submit(payload []byte, dst transport.Address) (string, error) {
	id, msg, err := n.frame(payload)
	if err != nil {
		return "", err
	}
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return "", session.ErrClosed
	}
	ctx := n.baseCtx
	n.wg.Add(1)
	n.mu.Unlock()
	dst = n.resolve(dst)
	go func() {
		defer n.wg.Done()
		if err := n.send(ctx, msg, dst); err != nil {
			log.Warn().Err(err).Str("message_id", id).Msg("node.Node.Submit send failed")
		}
	}()
	return id, nil
}

func (n *Node) frame(payload []byte) (string, frame.Message, error) {
	if len(payload) == 0 {
		return "", nil, ErrEmptyPayload
	}
	msg, err := frame.Split(frame.NewMessageID(), payload, n.cfg.Session.ChunkSize)
	if err != nil {
		return "", nil, err
	}
	if c, ok := msg.(frame.Complete); ok {
		// match the id the receiver derives
		c.MessageID = wire.CompleteID(c.Sum)
		msg = c
	}
	return msg.ID(), msg, nil
}

func (n *Node) send(ctx context.Context, msg frame.Message, dst transport.Address) error {
	switch m := msg.(type) {
	case frame.Chunked:
		return n.tx.SendMessage(ctx, m, dst)
	case frame.Complete:
		raw, err := wire.Encode(wire.CompletePacket{
			Message:   m,
			Timestamp: n.clock().Format(wire.TimestampLayout),
			Voice:     n.cfg.Voice,
		})
		if err != nil {
			return err
		}
		if err := n.link.Send(ctx, dst, n.cfg.Session.Channel, raw); err != nil {
			var sendErr *transport.SendError
			if !errors.As(err, &sendErr) {
				err = &transport.SendError{Dst: dst, Channel: n.cfg.Session.Channel, Err: err}
			}
			return err
		}
		log.Info().Str("message_id", m.MessageID).Str("dst", dst.String()).Int("bytes", len(m.Payload)).Msg("node.Node.send complete")
		return nil
	default:
		return fmt.Errorf("node: unsupported message %T", msg)
	}
}

// SendTest sends an unacknowledged connectivity probe.
func (n *Node) SendTest(ctx context.Context, text string, dst transport.Address) error {
	raw, err := wire.Encode(wire.TestPacket{Text: text})
	if err != nil {
		return err
	}
	dst = n.resolve(dst)
	if err := n.link.Send(ctx, dst, n.cfg.Session.Channel, raw); err != nil {
		return err
	}
	log.Info().Str("dst", dst.String()).Str("text", text).Msg("node.Node.SendTest")
	return nil
}

// Cancel stops retransmission of an outbound message.
func (n *Node) Cancel(messageID string) bool { return n.tx.Cancel(messageID) }

func (n *Node) Pending() []session.PendingSend { return n.tx.Pending() }

func (n *Node) Transfers() []session.TransferStatus { return n.tx.Transfers() }

func (n *Node) Buffers() []session.BufferStatus { return n.rx.Buffers() }

// Run drives retransmits and buffer eviction until ctx ends.
func (n *Node) Run(ctx context.Context) error {
	n.mu.Lock()
	n.baseCtx = ctx
	n.mu.Unlock()

	tick := time.NewTicker(n.cfg.Session.TickInterval)
	defer tick.Stop()
	sweep := time.NewTicker(n.cfg.Session.SweepInterval)
	defer sweep.Stop()

	log.Info().
		Str("local", n.Local().String()).
		Uint32("channel", n.cfg.Session.Channel).
		Int("chunk_size", n.cfg.Session.ChunkSize).
		Int("retry_count", n.cfg.Session.RetryCount).
		Dur("ack_timeout", n.cfg.Session.AckTimeout).
		Dur("receive_timeout", n.cfg.Session.ReceiveTimeout).
		Msg("node.Node.Run start")
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("local", n.Local().String()).Msg("node.Node.Run stop")
			return nil
		case <-tick.C:
			n.tx.Tick(ctx, n.clock())
		case <-sweep.C:
			n.rx.Sweep(n.clock())
		}
	}
}

// Close cancels outbound messages, waits for background sends and closes the link.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()
	n.tx.Close()
	n.wg.Wait()
	return n.link.Close()
}
