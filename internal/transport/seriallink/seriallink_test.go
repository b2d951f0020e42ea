package seriallink

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/meshvmail/internal/testutil/testlog"
	"github.com/danmuck/meshvmail/internal/transport"
	"github.com/stretchr/testify/require"
)

func TestKISSFrameEscapesSpecialBytes(t *testing.T) {
	testlog.Start(t)
	payload := []byte{0x01, fend, 0x02, fesc, 0x03}
	raw := EncodeFrame(payload)
	require.Equal(t, []byte{fend, cmdData, 0x01, fesc, tfend, 0x02, fesc, tfesc, 0x03, fend}, raw)

	d := NewDeframer(0)
	// split across reads with leading noise
	frames := d.Feed(append([]byte{0x55, 0x66}, raw[:4]...))
	require.Empty(t, frames)
	frames = d.Feed(raw[4:])
	require.Len(t, frames, 1)
	require.Equal(t, payload, frames[0])
}

func TestDeframerDropsBadEscapesAndOversize(t *testing.T) {
	testlog.Start(t)
	d := NewDeframer(8)
	frames := d.Feed([]byte{fend, cmdData, fesc, 0x01, fend})
	require.Empty(t, frames)

	frames = d.Feed(bytes.Repeat([]byte{0x41}, 20))
	require.Empty(t, frames)

	frames = d.Feed(EncodeFrame([]byte("ok")))
	require.Len(t, frames, 1)
	require.Equal(t, []byte("ok"), frames[0])
}

func TestLinkOverPipeFiltersUnicast(t *testing.T) {
	testlog.Start(t)
	left, right := net.Pipe()
	a, err := New(left, transport.NodeAddress(1))
	require.NoError(t, err)
	b, err := New(right, transport.NodeAddress(2))
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()

	var mu sync.Mutex
	var got [][]byte
	b.SetHandler(func(src transport.Address, ch uint32, data []byte) {
		require.Equal(t, transport.NodeAddress(1), src)
		require.Equal(t, uint32(256), ch)
		mu.Lock()
		got = append(got, data)
		mu.Unlock()
	})

	ctx := context.Background()
	require.NoError(t, a.Send(ctx, transport.NodeAddress(3), 256, []byte("not for b")))
	require.NoError(t, a.Send(ctx, transport.NodeAddress(2), 256, []byte{fend, fesc, 0x00}))
	require.NoError(t, a.Send(ctx, transport.Broadcast, 256, []byte("all")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []byte{fend, fesc, 0x00}, got[0])
	require.Equal(t, []byte("all"), got[1])
}

// deadPort mimics an unplugged adapter: reads return nothing forever.
type deadPort struct {
	mu    sync.Mutex
	reads int
	err   error
}

func (p *deadPort) Read([]byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reads++
	return 0, p.err
}

func (p *deadPort) Write(b []byte) (int, error) { return len(b), nil }
func (p *deadPort) Close() error                { return nil }

func (p *deadPort) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reads
}

func TestReadLoopStopsOnSilentDevice(t *testing.T) {
	testlog.Start(t)
	cases := map[string]error{
		"empty reads":  nil,
		"device error": errors.New("read /dev/ttyUSB0: input/output error"),
	}
	for name, readErr := range cases {
		t.Run(name, func(t *testing.T) {
			port := &deadPort{err: readErr}
			l, err := New(port, transport.NodeAddress(1))
			require.NoError(t, err)
			defer l.Close()

			select {
			case <-l.Stopped():
			case <-time.After(5 * time.Second):
				t.Fatalf("read loop still running after %d reads", port.count())
			}
			require.Equal(t, maxIdleReads, port.count())
		})
	}
}

func TestReadLoopStopsOnClose(t *testing.T) {
	testlog.Start(t)
	l, err := New(&deadPort{}, transport.NodeAddress(1))
	require.NoError(t, err)
	require.NoError(t, l.Close())
	select {
	case <-l.Stopped():
	default:
		t.Fatalf("Close returned before the read loop exited")
	}
}
