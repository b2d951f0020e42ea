// Package transport defines the lossy mesh datagram primitive the protocol runs over.
//
// Ownership boundary:
// - node addressing (unicast "!hex" ids and broadcast)
// - Link send/receive contract
// - datagram envelope shared by byte-stream and packet links
package transport

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Broadcast addresses every node reachable on the channel.
const Broadcast Address = "^all"

var (
	ErrClosed          = errors.New("transport: link closed")
	ErrNoRoute         = errors.New("transport: no route to destination")
	ErrPayloadTooLarge = errors.New("transport: payload too large")
	ErrInvalidAddress  = errors.New("transport: invalid node address")
)

// Address names a mesh node ("!" + hex node number) or Broadcast.
type Address string

// NodeAddress formats a node number the way mesh firmware prints it.
func NodeAddress(num uint32) Address {
	return Address(fmt.Sprintf("!%08x", num))
}

// ParseAddress validates a configured address string.
func ParseAddress(raw string) (Address, error) {
	v := strings.TrimSpace(raw)
	if v == string(Broadcast) {
		return Broadcast, nil
	}
	if _, err := Address(v).Num(); err != nil {
		return "", err
	}
	return Address(strings.ToLower(v)), nil
}

// Num returns the node number of a unicast address.
func (a Address) Num() (uint32, error) {
	s := string(a)
	if !strings.HasPrefix(s, "!") || len(s) < 2 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	n, err := strconv.ParseUint(s[1:], 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return uint32(n), nil
}

func (a Address) IsBroadcast() bool { return a == Broadcast }

func (a Address) String() string { return string(a) }

// Handler receives one datagram. It must return quickly.
type Handler func(source Address, channel uint32, data []byte)

// Link sends opaque bytes to a destination on a numbered channel and delivers
// inbound bytes to its handler. Delivery is best-effort, unordered and may duplicate.
type Link interface {
	Local() Address
	Send(ctx context.Context, dst Address, channel uint32, data []byte) error
	SetHandler(h Handler)
	Close() error
}

// SendError reports a failed send primitive. It is surfaced to callers, never retried here.
type SendError struct {
	Dst     Address
	Channel uint32
	Err     error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("transport: send to %s on channel %d: %v", e.Dst, e.Channel, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }
