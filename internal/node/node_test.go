package node

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/meshvmail/internal/protocol/session"
	"github.com/danmuck/meshvmail/internal/protocol/wire"
	"github.com/danmuck/meshvmail/internal/testutil/testlog"
	"github.com/danmuck/meshvmail/internal/transport"
	"github.com/danmuck/meshvmail/internal/transport/memlink"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Session.ChunkSize = 200
	cfg.Session.AckTimeout = 50 * time.Millisecond
	cfg.Session.TickInterval = 10 * time.Millisecond
	cfg.Session.ReceiveTimeout = time.Second
	cfg.Session.SweepInterval = 50 * time.Millisecond
	cfg.Session.InterChunkDelay = 0
	return cfg
}

type pair struct {
	hub  *memlink.Hub
	a, b *Node
}

func startPair(t *testing.T, cfg Config, optsB ...Option) pair {
	t.Helper()
	hub := memlink.NewHub()
	a, err := New(cfg, hub.Join(transport.NodeAddress(0xa)))
	if err != nil {
		t.Fatalf("new node a: %v", err)
	}
	b, err := New(cfg, hub.Join(transport.NodeAddress(0xb)), optsB...)
	if err != nil {
		t.Fatalf("new node b: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)
	go b.Run(ctx)
	t.Cleanup(func() {
		cancel()
		_ = a.Close()
		_ = b.Close()
	})
	return pair{hub: hub, a: a, b: b}
}

func waitFor(t *testing.T, n *Node, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-n.Events():
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event on %s", n.Local())
			return Event{}
		}
	}
}

func terminalOutbound(ev Event) bool {
	return ev.Outcome != nil && ev.Outcome.Direction == session.Outbound && ev.Outcome.State.Terminal()
}

func isDelivery(ev Event) bool { return ev.Delivery != nil }

func payloadOf(n int) []byte {
	return bytes.Repeat([]byte("voice-"), n/6+1)[:n]
}

// Lost chunk recovered by a timed retransmit.
func TestNodeRecoversDroppedChunk(t *testing.T) {
	testlog.Start(t)
	p := startPair(t, fastConfig())
	var dropped atomic.Bool
	p.hub.SetFilter(func(d transport.Datagram) memlink.Verdict {
		pkt, err := wire.Decode(d.Payload)
		if err != nil {
			return memlink.Deliver
		}
		if c, ok := pkt.(wire.ChunkPacket); ok && c.Chunk.Index == 3 && dropped.CompareAndSwap(false, true) {
			return memlink.Drop
		}
		return memlink.Deliver
	})

	payload := payloadOf(1000)
	id, err := p.a.SendMessage(context.Background(), payload, "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	ev := waitFor(t, p.b, isDelivery)
	if ev.Delivery.MessageID != id || !bytes.Equal(ev.Delivery.Payload, payload) {
		t.Fatalf("unexpected delivery %+v", ev.Delivery)
	}
	if ev.Delivery.Source != p.a.Local() {
		t.Fatalf("delivery source=%s", ev.Delivery.Source)
	}
	out := waitFor(t, p.a, terminalOutbound)
	if out.Outcome.State != session.StateCompleted || out.Outcome.MessageID != id {
		t.Fatalf("unexpected outcome %+v", out.Outcome)
	}
	if !dropped.Load() {
		t.Fatalf("filter never dropped chunk 3")
	}
}

// Every ACK lost: the receiver still delivers, the sender reports failure.
func TestNodeFailsWhenAcksNeverArrive(t *testing.T) {
	testlog.Start(t)
	p := startPair(t, fastConfig())
	p.hub.SetFilter(func(d transport.Datagram) memlink.Verdict {
		if pkt, err := wire.Decode(d.Payload); err == nil {
			if _, ok := pkt.(wire.AckPacket); ok {
				return memlink.Drop
			}
		}
		return memlink.Deliver
	})

	id, err := p.a.SendMessage(context.Background(), payloadOf(450), p.b.Local())
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, p.b, isDelivery)
	out := waitFor(t, p.a, terminalOutbound)
	if out.Outcome.State != session.StateFailed || out.Outcome.MessageID != id {
		t.Fatalf("unexpected outcome %+v", out.Outcome)
	}
	if len(out.Outcome.Chunks) != 3 {
		t.Fatalf("unconfirmed=%v", out.Outcome.Chunks)
	}
	if len(p.a.Pending()) != 0 {
		t.Fatalf("pending left after failure")
	}
}

// Single-unit messages skip chunking and reach the delivery sink.
func TestNodeSendsCompleteMessage(t *testing.T) {
	testlog.Start(t)
	var mu sync.Mutex
	var sunk []session.Delivery
	sink := WithDeliverySink(func(d session.Delivery) {
		mu.Lock()
		defer mu.Unlock()
		sunk = append(sunk, d)
	})
	p := startPair(t, fastConfig(), sink)

	id, err := p.a.SendMessage(context.Background(), []byte("short"), "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	ev := waitFor(t, p.b, isDelivery)
	if ev.Delivery.MessageID != id {
		t.Fatalf("receiver id %q does not match sender id %q", ev.Delivery.MessageID, id)
	}
	if ev.Delivery.Kind != session.DeliveryCompleteVoice || string(ev.Delivery.Payload) != "short" {
		t.Fatalf("unexpected delivery %+v", ev.Delivery)
	}
	if ev.Delivery.Timestamp == "" {
		t.Fatalf("complete delivery missing timestamp")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(sunk) != 1 {
		t.Fatalf("sink deliveries=%d", len(sunk))
	}
}

func TestNodeTestMessageAndChannelFilter(t *testing.T) {
	testlog.Start(t)
	p := startPair(t, fastConfig())

	other := p.hub.Join(transport.NodeAddress(0xc))
	defer other.Close()
	raw, err := wire.Encode(wire.TestPacket{Text: "wrong channel"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := other.Send(context.Background(), transport.Broadcast, 7, raw); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := p.a.SendTest(context.Background(), "ping", ""); err != nil {
		t.Fatalf("send test: %v", err)
	}
	ev := waitFor(t, p.b, isDelivery)
	if ev.Delivery.Kind != session.DeliveryTest || string(ev.Delivery.Payload) != "ping" {
		t.Fatalf("unexpected delivery %+v", ev.Delivery)
	}
}

func TestNodeSubmitThenCancel(t *testing.T) {
	testlog.Start(t)
	cfg := fastConfig()
	cfg.Session.AckTimeout = time.Hour
	p := startPair(t, cfg)
	p.hub.SetFilter(func(transport.Datagram) memlink.Verdict { return memlink.Drop })

	id, err := p.a.Submit(payloadOf(800), "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(p.a.Transfers()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("transfer never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !p.a.Cancel(id) {
		t.Fatalf("cancel should find %s", id)
	}
	out := waitFor(t, p.a, terminalOutbound)
	if out.Outcome.State != session.StateCancelled {
		t.Fatalf("unexpected outcome %+v", out.Outcome)
	}
	if len(p.a.Pending()) != 0 {
		t.Fatalf("pending left after cancel")
	}
}

func TestNodeRejectsEmptyPayload(t *testing.T) {
	testlog.Start(t)
	p := startPair(t, fastConfig())
	if _, err := p.a.SendMessage(context.Background(), nil, ""); err != ErrEmptyPayload {
		t.Fatalf("expected ErrEmptyPayload, got %v", err)
	}
}
