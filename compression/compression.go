// Package compression provides the block codecs for table files. A
// block is compressed independently; the codec that produced it is
// recorded in the block trailer so files can mix codecs (tiered
// compression writes hot levels with a fast codec and cold levels with
// a strong one).
package compression

import (
	"errors"
	"fmt"
)

// Type identifies a codec. The values appear in block trailers on
// disk; do not renumber.
type Type uint8

const (
	// None stores blocks uncompressed.
	None Type = iota

	// Snappy is the classic fast codec and the default.
	Snappy

	// Zstd trades CPU for a better ratio; used for cold levels.
	Zstd

	// S2 is a faster Snappy-compatible-family codec.
	S2
)

// String returns the codec name.
func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case Snappy:
		return "snappy"
	case Zstd:
		return "zstd"
	case S2:
		return "s2"
	default:
		return "unknown"
	}
}

// ErrUnknownType is returned when a block trailer names a codec this
// build does not understand. Callers surface it as a not-supported
// condition rather than corruption.
var ErrUnknownType = errors.New("unknown compression type")

// Config selects a codec and its effectiveness threshold.
type Config struct {
	Type Type

	// MinReductionPercent is the least size reduction worth keeping.
	// A block that compresses worse than this is stored raw, so the
	// read path never pays decompression for near-incompressible data.
	MinReductionPercent uint8

	// ZstdLevel tunes the zstd encoder (ignored by other codecs).
	ZstdLevel ZstdLevel
}

// SnappyConfig is the default table codec.
func SnappyConfig() Config {
	return Config{Type: Snappy, MinReductionPercent: 12}
}

// ZstdConfig is the balanced zstd setting recommended for cold levels.
func ZstdConfig() Config {
	return Config{Type: Zstd, MinReductionPercent: 8, ZstdLevel: ZstdDefault}
}

// S2Config is the fast setting for hot levels.
func S2Config() Config {
	return Config{Type: S2, MinReductionPercent: 12}
}

// NoCompressionConfig disables compression.
func NoCompressionConfig() Config {
	return Config{Type: None}
}

// TieredCompressionConfig applies one codec to the top levels of the
// tree and another below, so frequently rewritten data stays cheap to
// compact while the bulk of the data compresses well.
type TieredCompressionConfig struct {
	// TopCompression covers levels 0 through TopLevelCount-1.
	TopCompression Config

	// BottomCompression covers every deeper level.
	BottomCompression Config

	// TopLevelCount is the number of levels using TopCompression.
	TopLevelCount int
}

// GetConfigForLevel returns the codec config for a level.
func (tc TieredCompressionConfig) GetConfigForLevel(level int) Config {
	if level < tc.TopLevelCount {
		return tc.TopCompression
	}
	return tc.BottomCompression
}

// DefaultTieredConfig is S2 on levels 0-2 and balanced zstd below.
func DefaultTieredConfig() *TieredCompressionConfig {
	return &TieredCompressionConfig{
		TopCompression:    S2Config(),
		BottomCompression: ZstdConfig(),
		TopLevelCount:     3,
	}
}

// Compressor compresses and decompresses single blocks.
type Compressor interface {
	// Compress writes src compressed into dst (growing as needed) and
	// reports whether compression was applied; when not, the returned
	// slice holds src verbatim.
	Compress(dst, src []byte) ([]byte, bool, error)

	// Decompress reverses Compress for data this codec produced.
	Decompress(dst, src []byte) ([]byte, error)

	// Type identifies the codec.
	Type() Type
}

// NewCompressor builds the compressor for a config.
func NewCompressor(config Config) (Compressor, error) {
	switch config.Type {
	case None:
		return noneCompressor{}, nil
	case Snappy:
		return newSnappyCompressor(config.MinReductionPercent), nil
	case Zstd:
		return newZstdCompressor(config.MinReductionPercent, config.ZstdLevel), nil
	case S2:
		return newS2Compressor(config.MinReductionPercent), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, config.Type)
	}
}

// copyInto copies src into dst, reallocating only when dst is too
// small. Shared by the codecs' stored-raw paths.
func copyInto(dst, src []byte) []byte {
	if cap(dst) < len(src) {
		dst = make([]byte, len(src))
	}
	dst = dst[:len(src)]
	copy(dst, src)
	return dst
}

// belowThreshold reports whether compressing srcLen bytes down to
// compressedLen missed the configured reduction target.
func belowThreshold(minReductionPercent uint8, srcLen, compressedLen int) bool {
	if minReductionPercent == 0 || srcLen == 0 {
		return false
	}
	reduction := (srcLen - compressedLen) * 100 / srcLen
	return reduction < int(minReductionPercent)
}

// noneCompressor stores blocks verbatim.
type noneCompressor struct{}

func (noneCompressor) Compress(dst, src []byte) ([]byte, bool, error) {
	return copyInto(dst, src), false, nil
}

func (noneCompressor) Decompress(dst, src []byte) ([]byte, error) {
	return copyInto(dst, src), nil
}

func (noneCompressor) Type() Type { return None }

// Block trailer codec markers. On-disk contract.
const (
	BlockNone   = 0
	BlockSnappy = 1
	BlockZstd   = 2
	BlockS2     = 3
)

// minCompressionSize skips the encoder for blocks too small for the
// overhead to pay off.
const minCompressionSize = 1024

// CompressBlock compresses one block and returns the stored bytes plus
// the trailer marker describing how they were stored.
func CompressBlock(compressor Compressor, dst, src []byte) ([]byte, uint8, error) {
	if len(src) < minCompressionSize {
		return copyInto(dst, src), BlockNone, nil
	}

	compressed, applied, err := compressor.Compress(dst, src)
	if err != nil {
		return nil, 0, err
	}
	if !applied {
		return compressed, BlockNone, nil
	}
	switch compressor.Type() {
	case Snappy:
		return compressed, BlockSnappy, nil
	case Zstd:
		return compressed, BlockZstd, nil
	case S2:
		return compressed, BlockS2, nil
	default:
		return compressed, BlockNone, nil
	}
}

// DecompressBlock reverses CompressBlock using the trailer marker.
func DecompressBlock(dst, src []byte, blockType uint8) ([]byte, error) {
	switch blockType {
	case BlockNone:
		return copyInto(dst, src), nil
	case BlockSnappy:
		return decompressSnappy(dst, src)
	case BlockZstd:
		return decompressZstd(dst, src)
	case BlockS2:
		return decompressS2(dst, src)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, blockType)
	}
}
