package session

import (
	"errors"
	"fmt"
)

var (
	ErrClosed           = errors.New("session: closed")
	ErrCancelled        = errors.New("session: message cancelled")
	ErrDuplicateMessage = errors.New("session: message already in flight")
	ErrInvalidConfig    = errors.New("session: invalid config")
	ErrChecksumMismatch = errors.New("session: checksum mismatch")
	ErrRetryExhausted   = errors.New("session: retry budget exhausted")
)

// WholeMessage marks a ChecksumMismatchError raised against the reassembled payload.
const WholeMessage = -1

// ChecksumMismatchError reports a chunk or whole-message checksum failure.
type ChecksumMismatchError struct {
	MessageID string
	Chunk     int
	Expected  uint32
	Actual    uint32
}

func (e *ChecksumMismatchError) Error() string {
	if e.Chunk == WholeMessage {
		return fmt.Sprintf("session: message %q checksum mismatch: expected=%08x actual=%08x", e.MessageID, e.Expected, e.Actual)
	}
	return fmt.Sprintf("session: message %q chunk %d checksum mismatch: expected=%08x actual=%08x", e.MessageID, e.Chunk, e.Expected, e.Actual)
}

func (e *ChecksumMismatchError) Is(target error) bool { return target == ErrChecksumMismatch }

// RetryExhaustedError lists the chunks that never confirmed before the message failed.
type RetryExhaustedError struct {
	MessageID   string
	Attempts    int
	Unconfirmed []int
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("session: message %q failed after %d attempts: unconfirmed chunks %v", e.MessageID, e.Attempts, e.Unconfirmed)
}

func (e *RetryExhaustedError) Is(target error) bool { return target == ErrRetryExhausted }
