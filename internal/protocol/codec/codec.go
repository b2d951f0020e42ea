// Package codec owns payload integrity checks shared by sender and receiver.
package codec

import "hash/crc32"

// Checksum returns the CRC-32 (IEEE polynomial) of b.
func Checksum(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}

// Verify reports whether b hashes to expected.
func Verify(b []byte, expected uint32) bool {
	return Checksum(b) == expected
}
