package session

import (
	"fmt"
	"time"

	"github.com/danmuck/meshvmail/internal/protocol/frame"
)

// BackoffConfig shapes the wait between retransmits of one chunk.
// InitialDelay is ignored; the first wait is always Config.AckTimeout.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config carries every protocol constant used by Transmitter and Receiver.
type Config struct {
	Channel         uint32
	ChunkSize       int
	RetryCount      int
	AckTimeout      time.Duration
	ReceiveTimeout  time.Duration
	TickInterval    time.Duration
	SweepInterval   time.Duration
	InterChunkDelay time.Duration
	Backoff         BackoffConfig
	Limits          frame.Limits
}

// DefaultConfig returns the defaults of the radio deployment.
func DefaultConfig() Config {
	return Config{
		Channel:         256,
		ChunkSize:       180,
		RetryCount:      3,
		AckTimeout:      time.Second,
		ReceiveTimeout:  60 * time.Second,
		TickInterval:    time.Second,
		SweepInterval:   30 * time.Second,
		InterChunkDelay: time.Second,
		Backoff: BackoffConfig{
			Multiplier: 1.0,
		},
		Limits: frame.DefaultLimits(),
	}
}

// WithDefaults fills zero fields from DefaultConfig. InterChunkDelay is left as is;
// zero disables pacing.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.Channel == 0 {
		c.Channel = d.Channel
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.RetryCount == 0 {
		c.RetryCount = d.RetryCount
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = d.AckTimeout
	}
	if c.ReceiveTimeout == 0 {
		c.ReceiveTimeout = d.ReceiveTimeout
	}
	if c.TickInterval == 0 {
		c.TickInterval = d.TickInterval
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = c.ReceiveTimeout / 2
	}
	if c.Backoff.Multiplier == 0 {
		c.Backoff.Multiplier = d.Backoff.Multiplier
	}
	if c.Limits.MaxTotalChunks == 0 {
		c.Limits.MaxTotalChunks = d.Limits.MaxTotalChunks
	}
	if c.Limits.MaxChunkBytes == 0 {
		c.Limits.MaxChunkBytes = d.Limits.MaxChunkBytes
	}
	return c
}

func (c Config) Validate() error {
	switch {
	case c.ChunkSize <= 0:
		return fmt.Errorf("%w: chunk_size=%d", ErrInvalidConfig, c.ChunkSize)
	case c.RetryCount < 1:
		return fmt.Errorf("%w: retry_count=%d", ErrInvalidConfig, c.RetryCount)
	case c.AckTimeout <= 0:
		return fmt.Errorf("%w: ack_timeout=%s", ErrInvalidConfig, c.AckTimeout)
	case c.ReceiveTimeout <= 0:
		return fmt.Errorf("%w: receive_timeout=%s", ErrInvalidConfig, c.ReceiveTimeout)
	case c.TickInterval <= 0:
		return fmt.Errorf("%w: tick_interval=%s", ErrInvalidConfig, c.TickInterval)
	case c.SweepInterval <= 0:
		return fmt.Errorf("%w: sweep_interval=%s", ErrInvalidConfig, c.SweepInterval)
	case c.InterChunkDelay < 0:
		return fmt.Errorf("%w: inter_chunk_delay=%s", ErrInvalidConfig, c.InterChunkDelay)
	case c.ChunkSize > c.Limits.MaxChunkBytes:
		return fmt.Errorf("%w: chunk_size=%d exceeds max_chunk_bytes=%d", ErrInvalidConfig, c.ChunkSize, c.Limits.MaxChunkBytes)
	}
	return nil
}
