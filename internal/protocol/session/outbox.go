package session

import (
	"sort"
	"sync"
	"time"

	"github.com/danmuck/meshvmail/internal/transport"
)

// ChunkKey identifies one outbound chunk.
type ChunkKey struct {
	MessageID string
	Index     int
}

// PendingSend tracks one chunk awaiting its ACK.
type PendingSend struct {
	Key         ChunkKey
	Destination transport.Address
	Attempts    int
	FirstSentAt time.Time
	LastSentAt  time.Time
	// AckDeadlineAt is fixed per attempt; Tick acts once now reaches it.
	AckDeadlineAt time.Time
	LastError     string
}

// Outbox is the pending-send table. ACK correlation is a keyed removal against it.
type Outbox struct {
	mu    sync.RWMutex
	items map[ChunkKey]PendingSend
}

func NewOutbox() *Outbox {
	return &Outbox{
		items: make(map[ChunkKey]PendingSend),
	}
}

func (o *Outbox) Insert(item PendingSend) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items[item.Key] = item
}

// Ack removes and returns the entry for key. Unknown keys are a no-op.
func (o *Outbox) Ack(key ChunkKey) (PendingSend, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.items[key]
	if ok {
		delete(o.items, key)
	}
	return item, ok
}

// MarkAttempt records a resend at `at` and the deadline for its ACK.
func (o *Outbox) MarkAttempt(key ChunkKey, at, deadline time.Time) (PendingSend, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.items[key]
	if !ok {
		return PendingSend{}, false
	}
	item.Attempts++
	item.LastSentAt = at
	item.AckDeadlineAt = deadline
	item.LastError = ""
	o.items[key] = item
	return item, true
}

func (o *Outbox) MarkError(key ChunkKey, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.items[key]
	if !ok || err == nil {
		return
	}
	item.LastError = err.Error()
	o.items[key] = item
}

// RemoveMessage drops every entry of messageID and returns how many were removed.
func (o *Outbox) RemoveMessage(messageID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for key := range o.items {
		if key.MessageID == messageID {
			delete(o.items, key)
			n++
		}
	}
	return n
}

func (o *Outbox) Get(key ChunkKey) (PendingSend, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	item, ok := o.items[key]
	return item, ok
}

func (o *Outbox) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.items)
}

// List returns entries ordered by message id then chunk index.
func (o *Outbox) List() []PendingSend {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]PendingSend, 0, len(o.items))
	for _, item := range o.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.MessageID != out[j].Key.MessageID {
			return out[i].Key.MessageID < out[j].Key.MessageID
		}
		return out[i].Key.Index < out[j].Key.Index
	})
	return out
}
