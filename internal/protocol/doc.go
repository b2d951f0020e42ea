// Package protocol owns the mesh chunk-transfer wire contract.
//
// Ownership boundary:
// - codec: checksum primitives
// - frame: chunk/message data model, split and reassembly
// - wire: JSON payload encode/decode
// - session: transmitter, receiver and ack correlation state
// - tlv: typed field encoding for link envelopes
package protocol
