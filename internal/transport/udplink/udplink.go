// Package udplink carries mesh datagrams over UDP between statically configured peers.
package udplink

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/danmuck/meshvmail/internal/observability"
	"github.com/danmuck/meshvmail/internal/transport"
	"github.com/rs/zerolog/log"
)

const readBufferSize = 64*1024 + 512

// Config names the local node, its listen address and known peers.
type Config struct {
	Local  transport.Address
	Listen string
	Peers  map[transport.Address]string
}

// Link is a UDP-backed transport.Link. Broadcast fans out to every known peer.
type Link struct {
	local transport.Address
	conn  net.PacketConn

	mu      sync.RWMutex
	peers   map[transport.Address]net.Addr
	handler transport.Handler

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

var _ transport.Link = (*Link)(nil)

// Listen binds cfg.Listen and starts the read loop.
func Listen(cfg Config) (*Link, error) {
	if _, err := cfg.Local.Num(); err != nil {
		return nil, err
	}
	peers := make(map[transport.Address]net.Addr, len(cfg.Peers))
	for addr, hostport := range cfg.Peers {
		ua, err := net.ResolveUDPAddr("udp", hostport)
		if err != nil {
			return nil, fmt.Errorf("udplink: resolve peer %s=%s: %w", addr, hostport, err)
		}
		peers[addr] = ua
	}
	conn, err := net.ListenPacket("udp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("udplink: listen %s: %w", cfg.Listen, err)
	}
	l := &Link{
		local: cfg.Local,
		conn:  conn,
		peers: peers,
		done:  make(chan struct{}),
	}
	l.wg.Add(1)
	go l.readLoop()
	log.Info().Str("local", l.local.String()).Str("listen", conn.LocalAddr().String()).Int("peers", len(peers)).Msg("udplink.Listen ready")
	return l, nil
}

func (l *Link) Local() transport.Address { return l.local }

// Addr returns the bound UDP address.
func (l *Link) Addr() net.Addr { return l.conn.LocalAddr() }

// AddPeer records or replaces the UDP address of a mesh node.
func (l *Link) AddPeer(node transport.Address, addr net.Addr) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.peers[node] = addr
}

func (l *Link) SetHandler(h transport.Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = h
}

func (l *Link) Send(ctx context.Context, dst transport.Address, channel uint32, data []byte) error {
	select {
	case <-l.done:
		return &transport.SendError{Dst: dst, Channel: channel, Err: transport.ErrClosed}
	default:
	}
	raw, err := transport.EncodeDatagram(transport.Datagram{Channel: channel, Src: l.local, Dst: dst, Payload: data})
	if err != nil {
		return &transport.SendError{Dst: dst, Channel: channel, Err: err}
	}

	l.mu.RLock()
	targets := make([]net.Addr, 0, len(l.peers))
	if dst.IsBroadcast() {
		for _, a := range l.peers {
			targets = append(targets, a)
		}
	} else if a, ok := l.peers[dst]; ok {
		targets = append(targets, a)
	}
	l.mu.RUnlock()
	if len(targets) == 0 && !dst.IsBroadcast() {
		return &transport.SendError{Dst: dst, Channel: channel, Err: transport.ErrNoRoute}
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = l.conn.SetWriteDeadline(deadline)
	} else {
		_ = l.conn.SetWriteDeadline(time.Time{})
	}
	for _, a := range targets {
		if _, err := l.conn.WriteTo(raw, a); err != nil {
			return &transport.SendError{Dst: dst, Channel: channel, Err: err}
		}
	}
	return nil
}

func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.conn.Close()
		l.wg.Wait()
	})
	return err
}

func (l *Link) readLoop() {
	defer l.wg.Done()
	buf := make([]byte, readBufferSize)
	for {
		n, from, err := l.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-l.done:
				return
			default:
			}
			log.Warn().Err(err).Msg("udplink.readLoop read failed")
			continue
		}
		d, err := transport.DecodeDatagram(buf[:n])
		if err != nil {
			observability.RecordLinkDatagram("udp", "rx", "malformed")
			log.Debug().Err(err).Str("from", from.String()).Msg("udplink.readLoop dropped datagram")
			continue
		}
		if !transport.Accepts(l.local, d.Dst) || d.Src == l.local {
			continue
		}
		l.mu.Lock()
		if _, known := l.peers[d.Src]; !known {
			l.peers[d.Src] = from
		}
		h := l.handler
		l.mu.Unlock()
		if h != nil {
			h(d.Src, d.Channel, d.Payload)
		}
	}
}
