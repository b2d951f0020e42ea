package session

import (
	"context"
	"math/rand"
	"time"

	"github.com/danmuck/meshvmail/internal/transport"
)

// Clock returns the current time. Tests substitute a fixed clock.
type Clock func() time.Time

type Direction string

const (
	Outbound Direction = "outbound"
	Inbound  Direction = "inbound"
)

// State is the lifecycle position of one message on either side.
type State string

const (
	StateSending    State = "sending"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
	StateCollecting State = "collecting"
	StateDelivered  State = "delivered"
	StateAbandoned  State = "abandoned"
)

// Terminal reports whether no further outcome follows s for the same message.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateDelivered, StateAbandoned:
		return true
	default:
		return false
	}
}

// Outcome is a message-level state change. Chunks lists the unconfirmed indices on
// Failed and the missing indices on Abandoned.
type Outcome struct {
	Direction Direction
	MessageID string
	Peer      transport.Address
	State     State
	Total     int
	Chunks    []int
	Err       error
	At        time.Time
}

// Progress counts acknowledged (outbound) or received (inbound) chunks.
type Progress struct {
	Direction Direction
	MessageID string
	Peer      transport.Address
	Done      int
	Total     int
}

type DeliveryKind string

const (
	DeliveryChunked       DeliveryKind = "chunked"
	DeliveryComplete      DeliveryKind = "complete"
	DeliveryCompleteVoice DeliveryKind = "complete_voice"
	DeliveryTest          DeliveryKind = "test"
)

// Delivery is a verified payload handed to the application exactly once.
type Delivery struct {
	MessageID  string
	Source     transport.Address
	Kind       DeliveryKind
	Payload    []byte
	Timestamp  string
	ReceivedAt time.Time
}

// Hooks receive events outside of any session lock. Nil hooks are skipped.
type Hooks struct {
	OnOutcome  func(Outcome)
	OnProgress func(Progress)
	OnDeliver  func(Delivery)
}

func (h Hooks) outcome(o Outcome) {
	if h.OnOutcome != nil {
		h.OnOutcome(o)
	}
}

func (h Hooks) progress(p Progress) {
	if h.OnProgress != nil {
		h.OnProgress(p)
	}
}

func (h Hooks) deliver(d Delivery) {
	if h.OnDeliver != nil {
		h.OnDeliver(d)
	}
}

// Sender is the transmit half of a transport link.
type Sender interface {
	Send(ctx context.Context, dst transport.Address, channel uint32, data []byte) error
}

// Option adjusts a Transmitter or Receiver at construction.
type Option func(*options)

type options struct {
	clock Clock
	rng   *rand.Rand
}

func WithClock(c Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithRand seeds backoff jitter.
func WithRand(r *rand.Rand) Option {
	return func(o *options) {
		o.rng = r
	}
}

func buildOptions(opts []Option) options {
	o := options{clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
