// Package session implements reliable delivery of chunked messages over a lossy link.
//
// Ownership boundary:
// - Transmitter: initial chunk sends, ACK matching, timed retransmits, message outcome
// - Receiver: chunk validation, ACK emission, reassembly, buffer eviction
// - Outbox: pending-send table keyed by (message_id, chunk_index)
//
// Neither side schedules its own work. The owner drives Transmitter.Tick and
// Receiver.Sweep on fixed intervals (see internal/node).
package session
