package compress

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, c Compressor, payload []byte) {
	t.Helper()
	encoded, err := c.Compress(payload)
	require.NoError(t, err, "Compress should succeed")
	decoded, err := c.Decompress(encoded)
	require.NoError(t, err, "Decompress should succeed")
	assert.True(t, bytes.Equal(payload, decoded), "round trip must preserve the payload")
}

func TestCompressors_RoundTrip(t *testing.T) {
	// A repetitive payload (compressible, like a smooth state vector) and a
	// random one (incompressible).
	repetitive := bytes.Repeat([]byte{0x40, 0x09, 0x21, 0xfb}, 1024)
	random := make([]byte, 4096)
	rng := rand.New(rand.NewSource(7))
	rng.Read(random)

	for _, c := range []Compressor{NoCompression{}, SnappyCompressor{}, LZ4Compressor{}} {
		roundTrip(t, c, repetitive)
		roundTrip(t, c, random)
		roundTrip(t, c, nil)
	}
}

func TestForName(t *testing.T) {
	for name, want := range map[string]Type{"": None, "none": None, "snappy": Snappy, "lz4": LZ4} {
		c, err := ForName(name)
		require.NoError(t, err, "codec %q should resolve", name)
		assert.Equal(t, want, c.Type())
	}
	_, err := ForName("zstd")
	require.Error(t, err, "unknown codec names must be rejected")
}

func TestForType_MatchesForName(t *testing.T) {
	for _, typ := range []Type{None, Snappy, LZ4} {
		c, err := ForType(typ)
		require.NoError(t, err)
		assert.Equal(t, typ, c.Type())
	}
	_, err := ForType(Type(99))
	require.Error(t, err)
}
