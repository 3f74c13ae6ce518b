package compression

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func compressibleData(n int) []byte {
	// Repeating text compresses well under every codec.
	pattern := []byte("the quick brown fox jumps over the lazy dog ")
	return bytes.Repeat(pattern, n/len(pattern)+1)[:n]
}

func incompressibleData(n int) []byte {
	out := make([]byte, n)
	state := uint32(2463534242)
	for i := range out {
		state ^= state << 13
		state ^= state >> 17
		state ^= state << 5
		out[i] = byte(state)
	}
	return out
}

func TestRoundTripAllCodecs(t *testing.T) {
	configs := []Config{
		NoCompressionConfig(),
		SnappyConfig(),
		ZstdConfig(),
		S2Config(),
		{Type: Zstd, ZstdLevel: ZstdFastest},
		{Type: Zstd, ZstdLevel: ZstdBest},
	}
	src := compressibleData(8192)

	for _, cfg := range configs {
		c, err := NewCompressor(cfg)
		require.NoError(t, err, "codec %s", cfg.Type)

		compressed, applied, err := c.Compress(nil, src)
		require.NoError(t, err)
		if cfg.Type == None {
			require.False(t, applied)
		}

		out, err := c.Decompress(nil, compressed)
		require.NoError(t, err)
		require.Equal(t, src, out, "codec %s", cfg.Type)
	}
}

func TestBlockRoundTrip(t *testing.T) {
	for _, cfg := range []Config{SnappyConfig(), ZstdConfig(), S2Config()} {
		c, err := NewCompressor(cfg)
		require.NoError(t, err)

		src := compressibleData(8192)
		stored, marker, err := CompressBlock(c, nil, src)
		require.NoError(t, err)
		require.NotEqual(t, uint8(BlockNone), marker, "codec %s should engage", cfg.Type)
		require.Less(t, len(stored), len(src))

		out, err := DecompressBlock(nil, stored, marker)
		require.NoError(t, err)
		require.Equal(t, src, out)
	}
}

func TestSmallBlocksStayRaw(t *testing.T) {
	c, err := NewCompressor(SnappyConfig())
	require.NoError(t, err)

	src := compressibleData(minCompressionSize - 1)
	stored, marker, err := CompressBlock(c, nil, src)
	require.NoError(t, err)
	require.Equal(t, uint8(BlockNone), marker)
	require.Equal(t, src, stored)
}

func TestIncompressibleBlocksStayRaw(t *testing.T) {
	c, err := NewCompressor(Config{Type: Snappy, MinReductionPercent: 12})
	require.NoError(t, err)

	src := incompressibleData(8192)
	stored, marker, err := CompressBlock(c, nil, src)
	require.NoError(t, err)
	require.Equal(t, uint8(BlockNone), marker)
	require.Equal(t, src, stored)
}

func TestUnknownCodecRejected(t *testing.T) {
	_, err := NewCompressor(Config{Type: Type(250)})
	require.ErrorIs(t, err, ErrUnknownType)

	_, err = DecompressBlock(nil, []byte("data"), 250)
	require.ErrorIs(t, err, ErrUnknownType)
}

func TestTieredConfigSelectsByLevel(t *testing.T) {
	tc := DefaultTieredConfig()
	require.Equal(t, S2, tc.GetConfigForLevel(0).Type)
	require.Equal(t, S2, tc.GetConfigForLevel(2).Type)
	require.Equal(t, Zstd, tc.GetConfigForLevel(3).Type)
	require.Equal(t, Zstd, tc.GetConfigForLevel(6).Type)
}

func TestTypeString(t *testing.T) {
	require.Equal(t, "snappy", Snappy.String())
	require.Equal(t, "none", None.String())
	require.Equal(t, "zstd", Zstd.String())
	require.Equal(t, "s2", S2.String())
	require.Equal(t, "unknown", Type(99).String())
}
