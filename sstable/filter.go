package sstable

import (
	"bytes"

	"github.com/bits-and-blooms/bloom/v3"
)

// FilterPolicy builds and probes the per-table filter block. A filter
// answers "might this user key be in the file" without touching data
// blocks; false positives are fine, false negatives are not.
type FilterPolicy interface {
	// Name identifies the policy. It is stored in the metaindex as
	// "filter.<name>"; a reader that does not recognize the name ignores
	// the filter.
	Name() string

	// NewGenerator returns a builder-side accumulator for one table.
	NewGenerator(estimatedKeys int) FilterGenerator

	// MayContain probes an encoded filter block.
	MayContain(filter, userKey []byte) bool
}

// FilterGenerator accumulates keys during table construction and emits
// the encoded filter block.
type FilterGenerator interface {
	Add(userKey []byte)
	Finish() ([]byte, error)
}

// bloomPolicy implements FilterPolicy with a single bloom filter per
// table. Finish sizes it from the exact distinct key count at
// bitsPerKey bits per key (at least 64 bits) with 0.69*bitsPerKey hash
// functions, clamped to 1..30.
type bloomPolicy struct {
	bitsPerKey int
}

// NewBloomFilterPolicy returns a bloom filter policy. bitsPerKey around
// 10 gives roughly a 1% false positive rate.
func NewBloomFilterPolicy(bitsPerKey int) FilterPolicy {
	if bitsPerKey < 1 {
		bitsPerKey = 1
	}
	return &bloomPolicy{bitsPerKey: bitsPerKey}
}

func (p *bloomPolicy) Name() string {
	return "petrel.BuiltinBloomFilter"
}

func (p *bloomPolicy) NewGenerator(estimatedKeys int) FilterGenerator {
	// Key count estimates at table-build start are unreliable, so the
	// generator buffers key copies and sizes the filter from the exact
	// count in Finish.
	return &bloomGenerator{bitsPerKey: p.bitsPerKey, keys: make([][]byte, 0, max(estimatedKeys, 16))}
}

func (p *bloomPolicy) MayContain(filter, userKey []byte) bool {
	if len(filter) == 0 {
		return true
	}
	var bf bloom.BloomFilter
	if _, err := bf.ReadFrom(bytes.NewReader(filter)); err != nil {
		// Unreadable filter blocks are ignored, not trusted.
		return true
	}
	return bf.Test(userKey)
}

type bloomGenerator struct {
	bitsPerKey int
	keys       [][]byte
	lastKey    []byte
}

func (g *bloomGenerator) Add(userKey []byte) {
	// Versions of the same user key hash identically; store it once.
	if g.lastKey != nil && bytes.Equal(g.lastKey, userKey) {
		return
	}
	k := append([]byte(nil), userKey...)
	g.keys = append(g.keys, k)
	g.lastKey = k
}

func (g *bloomGenerator) Finish() ([]byte, error) {
	n := len(g.keys)
	if n == 0 {
		n = 1
	}
	m := uint(n * g.bitsPerKey)
	if m < 64 {
		m = 64
	}
	k := uint(float64(g.bitsPerKey) * 0.69)
	if k < 1 {
		k = 1
	}
	if k > 30 {
		k = 30
	}
	bf := bloom.New(m, k)
	for _, key := range g.keys {
		bf.Add(key)
	}
	var buf bytes.Buffer
	if _, err := bf.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodedBloom caches a parsed filter so repeated Gets against the same
// table do not re-deserialize the bit set.
type decodedBloom struct {
	bf *bloom.BloomFilter
}

func decodeBloom(filter []byte) *decodedBloom {
	if len(filter) == 0 {
		return nil
	}
	var bf bloom.BloomFilter
	if _, err := bf.ReadFrom(bytes.NewReader(filter)); err != nil {
		return nil
	}
	return &decodedBloom{bf: &bf}
}

func (d *decodedBloom) mayContain(userKey []byte) bool {
	if d == nil {
		return true
	}
	return d.bf.Test(userKey)
}
