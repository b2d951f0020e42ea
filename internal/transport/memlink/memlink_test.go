package memlink

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/meshvmail/internal/testutil/testlog"
	"github.com/danmuck/meshvmail/internal/transport"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu  sync.Mutex
	got []transport.Datagram
}

func (r *recorder) handle(src transport.Address, ch uint32, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, transport.Datagram{Src: src, Channel: ch, Payload: data})
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func TestHubBroadcastAndUnicast(t *testing.T) {
	testlog.Start(t)
	hub := NewHub()
	a := hub.Join(transport.NodeAddress(1))
	b := hub.Join(transport.NodeAddress(2))
	c := hub.Join(transport.NodeAddress(3))
	defer a.Close()
	defer b.Close()
	defer c.Close()

	var ra, rb, rc recorder
	a.SetHandler(ra.handle)
	b.SetHandler(rb.handle)
	c.SetHandler(rc.handle)

	ctx := context.Background()
	require.NoError(t, a.Send(ctx, transport.Broadcast, 256, []byte("all")))
	require.NoError(t, a.Send(ctx, transport.NodeAddress(2), 256, []byte("b only")))

	require.Eventually(t, func() bool { return rb.count() == 2 && rc.count() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 0, ra.count())
	rb.mu.Lock()
	require.Equal(t, transport.NodeAddress(1), rb.got[0].Src)
	require.Equal(t, uint32(256), rb.got[0].Channel)
	rb.mu.Unlock()
}

func TestHubFilterDropsAndDuplicates(t *testing.T) {
	testlog.Start(t)
	hub := NewHub()
	a := hub.Join(transport.NodeAddress(1))
	b := hub.Join(transport.NodeAddress(2))
	defer a.Close()
	defer b.Close()

	var rb recorder
	b.SetHandler(rb.handle)
	hub.SetFilter(func(d transport.Datagram) Verdict {
		switch string(d.Payload) {
		case "drop":
			return Drop
		case "dup":
			return Duplicate
		}
		return Deliver
	})

	ctx := context.Background()
	require.NoError(t, a.Send(ctx, b.Local(), 1, []byte("drop")))
	require.NoError(t, a.Send(ctx, b.Local(), 1, []byte("dup")))
	require.Eventually(t, func() bool { return rb.count() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 2, rb.count())
}

func TestSendAfterCloseFails(t *testing.T) {
	testlog.Start(t)
	hub := NewHub()
	a := hub.Join(transport.NodeAddress(1))
	require.NoError(t, a.Close())
	err := a.Send(context.Background(), transport.Broadcast, 1, []byte("x"))
	require.ErrorIs(t, err, transport.ErrClosed)
}
