package sstable

import (
	"encoding/binary"
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/petreldb/petrel/keys"
)

// Block entry format:
//
//	varint(shared_key_length) +
//	varint(unshared_key_length) +
//	varint(value_length) +
//	unshared_key_data +
//	value_data
//
// Every restartInterval entries the shared length resets to zero and
// the entry offset is recorded in the restart array, which trails the
// entries as fixed32s followed by a fixed32 count.

// BlockBuilder builds prefix-compressed blocks.
type BlockBuilder struct {
	buffer          []byte
	restarts        []uint32
	numEntries      int
	lastKey         []byte
	finished        bool
	restartInterval int
	blockSize       int
	minEntries      int
}

// NewBlockBuilder creates a block builder. Zero restartInterval or
// minEntries fall back to defaults.
func NewBlockBuilder(blockSize, restartInterval, minEntries int) *BlockBuilder {
	if restartInterval == 0 {
		restartInterval = 16
	}
	if minEntries == 0 {
		minEntries = 4
	}
	return &BlockBuilder{
		buffer:          make([]byte, 0, blockSize),
		restarts:        make([]uint32, 0),
		restartInterval: restartInterval,
		blockSize:       blockSize,
		minEntries:      minEntries,
	}
}

// Add appends a key-value pair. Keys must arrive in ascending order.
func (b *BlockBuilder) Add(key, value []byte) {
	if b.finished {
		panic("sstable: add to finished block")
	}

	var shared int
	if len(b.lastKey) > 0 {
		shared = sharedPrefixLen(b.lastKey, key)
	}

	if b.numEntries%b.restartInterval == 0 {
		b.restarts = append(b.restarts, uint32(len(b.buffer)))
		shared = 0
	}
	unshared := len(key) - shared

	b.buffer = appendUvarint(b.buffer, uint64(shared))
	b.buffer = appendUvarint(b.buffer, uint64(unshared))
	b.buffer = appendUvarint(b.buffer, uint64(len(value)))
	b.buffer = append(b.buffer, key[shared:]...)
	b.buffer = append(b.buffer, value...)

	if cap(b.lastKey) < len(key) {
		b.lastKey = make([]byte, len(key))
	} else {
		b.lastKey = b.lastKey[:len(key)]
	}
	copy(b.lastKey, key)

	b.numEntries++
}

// Finish appends the restart array and returns the encoded block.
func (b *BlockBuilder) Finish() []byte {
	if b.finished {
		panic("sstable: block already finished")
	}
	if len(b.restarts) == 0 {
		b.restarts = append(b.restarts, 0)
	}

	var tmp [4]byte
	for _, restart := range b.restarts {
		binary.LittleEndian.PutUint32(tmp[:], restart)
		b.buffer = append(b.buffer, tmp[:]...)
	}
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(b.restarts)))
	b.buffer = append(b.buffer, tmp[:]...)

	b.finished = true
	return b.buffer
}

// IsFull reports whether the block reached its size target with enough
// entries to be worth cutting.
func (b *BlockBuilder) IsFull() bool {
	return len(b.buffer) > b.blockSize && b.numEntries > b.minEntries
}

// EstimatedSize returns the current encoded size.
func (b *BlockBuilder) EstimatedSize() int {
	return len(b.buffer)
}

// IsEmpty reports whether no entries were added.
func (b *BlockBuilder) IsEmpty() bool {
	return b.numEntries == 0
}

// Reset prepares the builder for the next block.
func (b *BlockBuilder) Reset() {
	b.buffer = b.buffer[:0]
	b.restarts = b.restarts[:0]
	b.numEntries = 0
	b.lastKey = nil
	b.finished = false
}

// NumEntries returns the number of entries added.
func (b *BlockBuilder) NumEntries() int {
	return b.numEntries
}

// sharedPrefixLen returns the length of the shared prefix of a and b,
// comparing 8 bytes at a time while possible.
func sharedPrefixLen(a, b []byte) int {
	asUint64 := func(data []byte, i int) uint64 {
		return binary.LittleEndian.Uint64(data[i:])
	}
	var shared int
	n := min(len(a), len(b))
	for shared < n-7 && asUint64(a, shared) == asUint64(b, shared) {
		shared += 8
	}
	for shared < n && a[shared] == b[shared] {
		shared++
	}
	return shared
}

func appendUvarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

// Block is a decoded, immutable block. It may be shared between
// iterators and live in the block cache.
type Block struct {
	data        []byte
	restarts    []uint32
	numEntries  int
	restartKeys [][]byte // full key at each restart point
	restartIdx  []int    // entry index at each restart point
}

// ParseBlock decodes the restart array and pre-computes restart keys
// and entry indexes for seeking.
func ParseBlock(data []byte) (*Block, error) {
	if len(data) < 4 {
		return nil, errors.New("sstable: block too small")
	}
	n := len(data)
	numRestarts := int(binary.LittleEndian.Uint32(data[n-4:]))
	metaSize := 4 + numRestarts*4
	if numRestarts <= 0 || n < metaSize {
		return nil, errors.New("sstable: block restart array out of range")
	}

	restarts := make([]uint32, numRestarts)
	for i := range numRestarts {
		off := n - metaSize + 4*i
		restarts[i] = binary.LittleEndian.Uint32(data[off : off+4])
	}
	entryData := data[:n-metaSize]

	b := &Block{
		data:     entryData,
		restarts: restarts,
	}

	// Walk once to count entries, cache restart keys, and record the
	// entry index at each restart.
	b.restartKeys = make([][]byte, numRestarts)
	b.restartIdx = make([]int, numRestarts)
	ri := 0
	offset := 0
	var lastKey []byte
	for offset < len(entryData) {
		for ri < numRestarts && offset == int(restarts[ri]) {
			b.restartIdx[ri] = b.numEntries
			ri++
		}
		shared, unshared, valueLen, keyOff, next, err := parseEntryHeader(entryData, offset)
		if err != nil {
			return nil, err
		}
		key := make([]byte, shared+unshared)
		copy(key, lastKey[:shared])
		copy(key[shared:], entryData[keyOff:keyOff+unshared])
		lastKey = key
		if ri > 0 && int(restarts[ri-1]) == offset {
			b.restartKeys[ri-1] = key
		}
		offset = next + valueLen
		if offset > len(entryData) {
			return nil, errors.New("sstable: block entry overruns data")
		}
		b.numEntries++
	}

	return b, nil
}

// parseEntryHeader decodes one entry header at offset. Returns the
// shared/unshared key lengths, value length, the offset of the unshared
// key bytes, and the offset just past the key (start of the value).
func parseEntryHeader(data []byte, offset int) (shared, unshared, valueLen, keyOff, valOff int, err error) {
	s, n := binary.Uvarint(data[offset:])
	if n <= 0 {
		return 0, 0, 0, 0, 0, errors.New("sstable: bad shared length")
	}
	offset += n
	u, n := binary.Uvarint(data[offset:])
	if n <= 0 {
		return 0, 0, 0, 0, 0, errors.New("sstable: bad unshared length")
	}
	offset += n
	v, n := binary.Uvarint(data[offset:])
	if n <= 0 {
		return 0, 0, 0, 0, 0, errors.New("sstable: bad value length")
	}
	offset += n
	keyOff = offset
	valOff = offset + int(u)
	if valOff+int(v) > len(data) {
		return 0, 0, 0, 0, 0, errors.New("sstable: entry overruns block")
	}
	return int(s), int(u), int(v), keyOff, valOff, nil
}

// NumEntries returns the number of entries in the block.
func (b *Block) NumEntries() int {
	return b.numEntries
}

// Size returns the approximate in-memory footprint, used for cache
// accounting.
func (b *Block) Size() int {
	return len(b.data) + 8*len(b.restarts)
}

// restartForEntry returns the restart section containing entry index.
func (b *Block) restartForEntry(index int) int {
	// First restart with entry index > index, minus one.
	i := sort.Search(len(b.restartIdx), func(i int) bool {
		return b.restartIdx[i] > index
	})
	return i - 1
}

// entryAt reconstructs the entry at index into the iterator buffers.
func (b *Block) entryAt(index int, keyBuf []byte) (key, value []byte, err error) {
	if index < 0 || index >= b.numEntries {
		return nil, nil, errors.New("sstable: entry index out of range")
	}
	ri := b.restartForEntry(index)
	offset := int(b.restarts[ri])
	cur := b.restartIdx[ri]

	lastKey := keyBuf[:0]
	for {
		shared, unshared, valueLen, keyOff, valOff, err := parseEntryHeader(b.data, offset)
		if err != nil {
			return nil, nil, err
		}
		lastKey = append(lastKey[:shared], b.data[keyOff:keyOff+unshared]...)
		if cur == index {
			return lastKey, b.data[valOff : valOff+valueLen], nil
		}
		cur++
		offset = valOff + valueLen
	}
}

// seek returns the index of the first entry >= target, or numEntries if
// none.
func (b *Block) seek(cmp keys.Comparer, target keys.InternalKey) (int, error) {
	// Binary search over restart keys for the last restart < target.
	lo := sort.Search(len(b.restartKeys), func(i int) bool {
		rk := keys.InternalKey(b.restartKeys[i])
		return keys.InternalCompare(cmp, rk, target) >= 0
	})
	start := 0
	if lo > 0 {
		start = b.restartIdx[lo-1]
	}

	var keyBuf [128]byte
	buf := keyBuf[:0]
	for i := start; i < b.numEntries; i++ {
		key, _, err := b.entryAt(i, buf)
		if err != nil {
			return 0, err
		}
		buf = key
		if keys.InternalCompare(cmp, keys.InternalKey(key), target) >= 0 {
			return i, nil
		}
	}
	return b.numEntries, nil
}

// Iterator walks a single block by entry index, which makes Prev as
// cheap as Next.
type Iterator struct {
	block  *Block
	cmp    keys.Comparer
	index  int
	keyBuf []byte
	key    keys.InternalKey
	value  []byte
	err    error
}

// NewIterator creates an iterator over the block.
func (b *Block) NewIterator(cmp keys.Comparer) *Iterator {
	return &Iterator{
		block:  b,
		cmp:    cmp,
		index:  -1,
		keyBuf: make([]byte, 0, 128),
	}
}

func (it *Iterator) load() {
	if it.index < 0 || it.index >= it.block.numEntries {
		it.key = nil
		it.value = nil
		return
	}
	key, value, err := it.block.entryAt(it.index, it.keyBuf)
	if err != nil {
		it.err = err
		it.key = nil
		it.value = nil
		return
	}
	it.keyBuf = key
	it.key = keys.InternalKey(key)
	it.value = value
}

// Valid reports whether the iterator is positioned at an entry.
func (it *Iterator) Valid() bool {
	return it.err == nil && it.index >= 0 && it.index < it.block.numEntries
}

// SeekToFirst positions at the first entry.
func (it *Iterator) SeekToFirst() {
	it.err = nil
	it.index = 0
	it.load()
}

// SeekToLast positions at the last entry.
func (it *Iterator) SeekToLast() {
	it.err = nil
	it.index = it.block.numEntries - 1
	it.load()
}

// Seek positions at the first entry >= target.
func (it *Iterator) Seek(target keys.InternalKey) {
	it.err = nil
	idx, err := it.block.seek(it.cmp, target)
	if err != nil {
		it.err = err
		return
	}
	it.index = idx
	it.load()
}

// Next advances one entry.
func (it *Iterator) Next() {
	if it.index < it.block.numEntries {
		it.index++
		it.load()
	}
}

// Prev moves back one entry; before-first is index -1, invalid.
func (it *Iterator) Prev() {
	if it.index >= 0 {
		it.index--
		it.load()
	}
}

// Key returns the current internal key.
func (it *Iterator) Key() keys.InternalKey {
	if !it.Valid() {
		return nil
	}
	return it.key
}

// Value returns the current value.
func (it *Iterator) Value() []byte {
	if !it.Valid() {
		return nil
	}
	return it.value
}

// Error returns any accumulated error.
func (it *Iterator) Error() error {
	return it.err
}
