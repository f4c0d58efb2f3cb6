package val

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStoredRoundTrip(t *testing.T) {
	for _, v := range allVariants() {
		data, err := EncodeStored(v)
		require.NoError(t, err, "encoding %s", v)
		got, err := DecodeStored(data)
		require.NoError(t, err, "decoding %s", v)
		if f, ok := v.(Float); ok && math.IsNaN(float64(f)) {
			require.True(t, math.IsNaN(float64(got.(Float))))
			continue
		}
		require.Zero(t, Compare(v, got), "%s round-tripped as %s", v, got)
	}
}

func TestStoredCompression(t *testing.T) {
	big := Object{"blob": String(strings.Repeat("north south east west ", 2000))}
	data, err := EncodeStored(big)
	require.NoError(t, err)
	require.Less(t, len(data), 4096, "repetitive payload should compress")

	got, err := DecodeStored(data)
	require.NoError(t, err)
	require.Zero(t, Compare(big, got))
}

func TestStoredRejectsGarbage(t *testing.T) {
	_, err := DecodeStored(nil)
	require.Error(t, err)
	_, err = DecodeStored([]byte{0xFF, 0xFF, 0xFF})
	require.Error(t, err)

	// Unsupported flag bits must be rejected, not misread.
	_, err = DecodeStored([]byte{0x41, 0x91})
	require.Error(t, err)
}
