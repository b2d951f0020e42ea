package codec

import (
	"testing"

	"github.com/danmuck/meshvmail/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func TestChecksumKnownVector(t *testing.T) {
	testlog.Start(t)
	// zlib.crc32(b"123456789")
	require.Equal(t, uint32(0xCBF43926), Checksum([]byte("123456789")))
	require.Equal(t, uint32(0), Checksum(nil))
}

func TestVerifyDetectsEverySingleBitFlip(t *testing.T) {
	testlog.Start(t)
	data := []byte("voice chunk payload bytes")
	sum := Checksum(data)
	require.True(t, Verify(data, sum))

	for i := range data {
		for bit := 0; bit < 8; bit++ {
			flipped := append([]byte(nil), data...)
			flipped[i] ^= 1 << bit
			require.Falsef(t, Verify(flipped, sum), "byte=%d bit=%d", i, bit)
		}
	}
}
