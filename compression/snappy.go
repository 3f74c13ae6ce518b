package compression

import (
	"fmt"

	"github.com/golang/snappy"
)

type snappyCompressor struct {
	minReductionPercent uint8
}

func newSnappyCompressor(minReductionPercent uint8) Compressor {
	return &snappyCompressor{minReductionPercent: minReductionPercent}
}

func (c *snappyCompressor) Compress(dst, src []byte) ([]byte, bool, error) {
	compressed := snappy.Encode(dst, src)
	if belowThreshold(c.minReductionPercent, len(src), len(compressed)) {
		return copyInto(dst, src), false, nil
	}
	return compressed, true, nil
}

func (c *snappyCompressor) Decompress(dst, src []byte) ([]byte, error) {
	return decompressSnappy(dst, src)
}

func (c *snappyCompressor) Type() Type { return Snappy }

func decompressSnappy(dst, src []byte) ([]byte, error) {
	out, err := snappy.Decode(dst, src)
	if err != nil {
		return nil, fmt.Errorf("snappy decompression failed: %w", err)
	}
	return out, nil
}
