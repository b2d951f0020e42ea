// Package seriallink carries mesh datagrams over a KISS-framed serial radio.
package seriallink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/danmuck/meshvmail/internal/observability"
	"github.com/danmuck/meshvmail/internal/transport"
	"github.com/rs/zerolog/log"
	"go.bug.st/serial"
)

const (
	readChunk = 1024
	// maxIdleReads consecutive empty or failed reads mean the device is gone.
	maxIdleReads = 50
)

var idleReadDelay = 10 * time.Millisecond

// Link is a transport.Link over a shared serial medium. Every node on the
// channel hears every frame; unicast filtering happens on receipt.
type Link struct {
	local transport.Address
	port  io.ReadWriteCloser

	writeMu sync.Mutex

	mu      sync.RWMutex
	handler transport.Handler

	closeOnce sync.Once
	done      chan struct{}
	stopped   chan struct{}
	wg        sync.WaitGroup
}

var _ transport.Link = (*Link)(nil)

// Open opens a serial device at baud 8N1.
func Open(portName string, baud int, local transport.Address) (*Link, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("seriallink: open %s: %w", portName, err)
	}
	log.Info().Str("port", portName).Int("baud", baud).Str("local", local.String()).Msg("seriallink.Open ready")
	return New(port, local)
}

// New runs a link over an already open byte stream.
func New(port io.ReadWriteCloser, local transport.Address) (*Link, error) {
	if _, err := local.Num(); err != nil {
		return nil, err
	}
	l := &Link{
		local:   local,
		port:    port,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	l.wg.Add(1)
	go l.readLoop()
	return l, nil
}

func (l *Link) Local() transport.Address { return l.local }

func (l *Link) SetHandler(h transport.Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = h
}

func (l *Link) Send(ctx context.Context, dst transport.Address, channel uint32, data []byte) error {
	select {
	case <-l.done:
		return &transport.SendError{Dst: dst, Channel: channel, Err: transport.ErrClosed}
	case <-ctx.Done():
		return &transport.SendError{Dst: dst, Channel: channel, Err: ctx.Err()}
	default:
	}
	raw, err := transport.EncodeDatagram(transport.Datagram{Channel: channel, Src: l.local, Dst: dst, Payload: data})
	if err != nil {
		return &transport.SendError{Dst: dst, Channel: channel, Err: err}
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if _, err := l.port.Write(EncodeFrame(raw)); err != nil {
		observability.RecordLinkDatagram("serial", "tx", "error")
		return &transport.SendError{Dst: dst, Channel: channel, Err: err}
	}
	observability.RecordLinkDatagram("serial", "tx", "sent")
	return nil
}

func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.port.Close()
		l.wg.Wait()
	})
	return err
}

// Stopped is closed once the read loop has exited, after Close or when the
// device stops producing data.
func (l *Link) Stopped() <-chan struct{} { return l.stopped }

func (l *Link) readLoop() {
	defer l.wg.Done()
	defer close(l.stopped)
	deframer := NewDeframer(2 * transport.MaxDatagramPayload)
	buf := make([]byte, readChunk)
	idle := 0
	for {
		n, err := l.port.Read(buf)
		if n > 0 {
			idle = 0
			for _, frame := range deframer.Feed(buf[:n]) {
				l.dispatch(frame)
			}
		}
		if err != nil {
			select {
			case <-l.done:
				return
			default:
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				log.Warn().Err(err).Msg("seriallink.readLoop stream closed")
				return
			}
			log.Warn().Err(err).Int("idle", idle).Msg("seriallink.readLoop read failed")
		}
		if n > 0 {
			continue
		}
		// a blocking port only returns nothing when the device went away
		idle++
		if idle >= maxIdleReads {
			log.Error().Int("reads", idle).Msg("seriallink.readLoop device stopped responding")
			return
		}
		select {
		case <-l.done:
			return
		case <-time.After(idleReadDelay):
		}
	}
}

func (l *Link) dispatch(frame []byte) {
	d, err := transport.DecodeDatagram(frame)
	if err != nil {
		observability.RecordLinkDatagram("serial", "rx", "malformed")
		log.Debug().Err(err).Msg("seriallink.dispatch dropped frame")
		return
	}
	if d.Src == l.local || !transport.Accepts(l.local, d.Dst) {
		observability.RecordLinkDatagram("serial", "rx", "filtered")
		return
	}
	observability.RecordLinkDatagram("serial", "rx", "delivered")
	l.mu.RLock()
	h := l.handler
	l.mu.RUnlock()
	if h != nil {
		h(d.Src, d.Channel, d.Payload)
	}
}
