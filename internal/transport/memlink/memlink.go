// Package memlink is an in-process lossy mesh used for tests and local demos.
package memlink

import (
	"context"
	"sync"

	"github.com/danmuck/meshvmail/internal/observability"
	"github.com/danmuck/meshvmail/internal/transport"
)

// Verdict decides what the hub does with one datagram.
type Verdict int

const (
	Deliver Verdict = iota
	Drop
	Duplicate
)

// Filter inspects a datagram in flight. Filters run in the sender's goroutine.
type Filter func(d transport.Datagram) Verdict

// Hub connects links that share one simulated radio channel set.
type Hub struct {
	mu     sync.RWMutex
	links  map[transport.Address]*Link
	filter Filter
}

func NewHub() *Hub {
	return &Hub{links: make(map[transport.Address]*Link)}
}

// SetFilter installs f for every subsequent datagram. nil delivers everything.
func (h *Hub) SetFilter(f Filter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.filter = f
}

// Join attaches a new link with the given local address.
func (h *Hub) Join(local transport.Address) *Link {
	l := &Link{
		hub:   h,
		local: local,
		queue: make(chan transport.Datagram, 1024),
		done:  make(chan struct{}),
	}
	h.mu.Lock()
	h.links[local] = l
	h.mu.Unlock()
	go l.pump()
	return l
}

func (h *Hub) leave(local transport.Address) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.links, local)
}

func (h *Hub) route(d transport.Datagram) error {
	h.mu.RLock()
	filter := h.filter
	targets := make([]*Link, 0, len(h.links))
	if d.Dst.IsBroadcast() {
		for addr, l := range h.links {
			if addr != d.Src {
				targets = append(targets, l)
			}
		}
	} else if l, ok := h.links[d.Dst]; ok {
		targets = append(targets, l)
	}
	h.mu.RUnlock()

	copies := 1
	if filter != nil {
		switch filter(d) {
		case Drop:
			observability.RecordLinkDatagram("mem", "tx", "dropped")
			return nil
		case Duplicate:
			copies = 2
		}
	}
	for _, l := range targets {
		for i := 0; i < copies; i++ {
			l.enqueue(d)
		}
	}
	return nil
}

// Link is one node's attachment to a Hub.
type Link struct {
	hub   *Hub
	local transport.Address
	queue chan transport.Datagram
	done  chan struct{}

	mu      sync.RWMutex
	handler transport.Handler
	closed  bool
	once    sync.Once
}

var _ transport.Link = (*Link)(nil)

func (l *Link) Local() transport.Address { return l.local }

func (l *Link) SetHandler(h transport.Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = h
}

func (l *Link) Send(ctx context.Context, dst transport.Address, channel uint32, data []byte) error {
	if err := ctx.Err(); err != nil {
		return &transport.SendError{Dst: dst, Channel: channel, Err: err}
	}
	l.mu.RLock()
	closed := l.closed
	l.mu.RUnlock()
	if closed {
		return &transport.SendError{Dst: dst, Channel: channel, Err: transport.ErrClosed}
	}
	payload := make([]byte, len(data))
	copy(payload, data)
	return l.hub.route(transport.Datagram{Channel: channel, Src: l.local, Dst: dst, Payload: payload})
}

func (l *Link) Close() error {
	l.once.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		l.hub.leave(l.local)
		close(l.done)
	})
	return nil
}

func (l *Link) enqueue(d transport.Datagram) {
	select {
	case <-l.done:
	case l.queue <- d:
	default:
		// full receive queue behaves like radio loss
		observability.RecordLinkDatagram("mem", "rx", "overflow")
	}
}

func (l *Link) pump() {
	for {
		select {
		case <-l.done:
			return
		case d := <-l.queue:
			l.mu.RLock()
			h := l.handler
			l.mu.RUnlock()
			if h != nil {
				h(d.Src, d.Channel, d.Payload)
			}
		}
	}
}
