package compression

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// ZstdLevel maps to the encoder speed/ratio presets.
type ZstdLevel int

const (
	// ZstdFastest favors throughput.
	ZstdFastest ZstdLevel = 1

	// ZstdDefault balances speed and ratio.
	ZstdDefault ZstdLevel = 3

	// ZstdBest favors ratio; substantially more CPU and memory.
	ZstdBest ZstdLevel = 9
)

func (l ZstdLevel) encoderLevel() zstd.EncoderLevel {
	switch l {
	case ZstdFastest:
		return zstd.SpeedFastest
	case ZstdBest:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedDefault
	}
}

type zstdCompressor struct {
	minReductionPercent uint8
	encoders            sync.Pool
	decoders            sync.Pool
}

func newZstdCompressor(minReductionPercent uint8, level ZstdLevel) Compressor {
	encoderLevel := level.encoderLevel()
	c := &zstdCompressor{minReductionPercent: minReductionPercent}
	c.encoders = sync.Pool{
		New: func() any {
			// Small window: blocks are a few KiB, the default 8MB window
			// just wastes memory per encoder.
			enc, err := zstd.NewWriter(nil,
				zstd.WithEncoderLevel(encoderLevel),
				zstd.WithLowerEncoderMem(true),
				zstd.WithWindowSize(1<<20))
			if err != nil {
				panic(fmt.Sprintf("zstd encoder: %v", err))
			}
			return enc
		},
	}
	c.decoders = sync.Pool{
		New: func() any {
			dec, err := zstd.NewReader(nil)
			if err != nil {
				panic(fmt.Sprintf("zstd decoder: %v", err))
			}
			return dec
		},
	}
	return c
}

func (c *zstdCompressor) Compress(dst, src []byte) ([]byte, bool, error) {
	enc := c.encoders.Get().(*zstd.Encoder)
	defer c.encoders.Put(enc)

	compressed := enc.EncodeAll(src, dst[:0])
	if belowThreshold(c.minReductionPercent, len(src), len(compressed)) {
		return copyInto(dst, src), false, nil
	}
	return compressed, true, nil
}

func (c *zstdCompressor) Decompress(dst, src []byte) ([]byte, error) {
	dec := c.decoders.Get().(*zstd.Decoder)
	defer c.decoders.Put(dec)

	out, err := dec.DecodeAll(src, dst[:0])
	if err != nil {
		return nil, fmt.Errorf("zstd decompression failed: %w", err)
	}
	return out, nil
}

func (c *zstdCompressor) Type() Type { return Zstd }

func decompressZstd(dst, src []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	defer dec.Close()

	out, err := dec.DecodeAll(src, dst[:0])
	if err != nil {
		return nil, fmt.Errorf("zstd decompression failed: %w", err)
	}
	return out, nil
}
