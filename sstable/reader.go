package sstable

import (
	"encoding/binary"
	"log/slog"
	"os"

	"github.com/cockroachdb/errors"

	"github.com/petreldb/petrel/bufferpool"
	"github.com/petreldb/petrel/compression"
	"github.com/petreldb/petrel/keys"
)

var (
	// ErrBadMagic means the file footer does not carry the table magic
	// number. Classified as corruption.
	ErrBadMagic = errors.Mark(errors.New("sstable: bad magic number"), keys.ErrCorruption)

	// ErrChecksum means a block failed CRC validation. Classified as
	// corruption.
	ErrChecksum = errors.Mark(errors.New("sstable: block checksum mismatch"), keys.ErrCorruption)
)

// ReaderOpts configures a table reader.
type ReaderOpts struct {
	Path         string
	FileNum      uint64
	Comparer     keys.Comparer
	FilterPolicy FilterPolicy
	Cache        *BlockCache
	Logger       *slog.Logger
}

// Reader serves point and range reads from one table file.
type Reader struct {
	file    *os.File
	size    int64
	path    string
	fileNum uint64
	cmp     keys.Comparer
	cache   *BlockCache
	logger  *slog.Logger

	indexBlock *Block
	policy     FilterPolicy
	filter     []byte
	bloom      *decodedBloom
}

// NewReader opens a table file, parsing the footer, index, and filter.
func NewReader(opts ReaderOpts) (*Reader, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	}
	cmp := opts.Comparer
	if cmp == nil {
		cmp = keys.BytewiseComparer
	}

	file, err := os.Open(opts.Path)
	if err != nil {
		return nil, err
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	r := &Reader{
		file:    file,
		size:    stat.Size(),
		path:    opts.Path,
		fileNum: opts.FileNum,
		cmp:     cmp,
		cache:   opts.Cache,
		policy:  opts.FilterPolicy,
		logger:  logger,
	}
	if err := r.readFooter(); err != nil {
		file.Close()
		return nil, err
	}
	return r, nil
}

// Path returns the table file path.
func (r *Reader) Path() string { return r.path }

// FileNum returns the table's file number.
func (r *Reader) FileNum() uint64 { return r.fileNum }

// readFooter parses the fixed footer and loads the index and filter
// blocks.
func (r *Reader) readFooter() error {
	if r.size < FooterSize {
		return errors.Wrapf(ErrBadMagic, "file %s too small (%d bytes)", r.path, r.size)
	}

	var footer [FooterSize]byte
	if _, err := r.file.ReadAt(footer[:], r.size-FooterSize); err != nil {
		return err
	}
	if binary.LittleEndian.Uint64(footer[FooterSize-8:]) != Magic {
		return errors.Wrapf(ErrBadMagic, "file %s", r.path)
	}

	metaHandle, n := decodeBlockHandle(footer[:])
	if n == 0 {
		return errors.Wrapf(ErrBadMagic, "file %s: bad metaindex handle", r.path)
	}
	indexHandle, m := decodeBlockHandle(footer[n:])
	if m == 0 {
		return errors.Wrapf(ErrBadMagic, "file %s: bad index handle", r.path)
	}

	index, err := r.readBlock(indexHandle, true)
	if err != nil {
		return err
	}
	r.indexBlock = index

	if r.policy != nil {
		if err := r.loadFilter(metaHandle); err != nil {
			// A broken filter only costs performance.
			r.logger.Warn("ignoring unreadable filter block", "file", r.path, "error", err)
		}
	}
	return nil
}

// loadFilter resolves the filter handle through the metaindex and
// loads the filter bytes.
func (r *Reader) loadFilter(metaHandle BlockHandle) error {
	meta, err := r.readBlock(metaHandle, false)
	if err != nil {
		return err
	}
	want := []byte(filterMetaPrefix + r.policy.Name())
	it := meta.NewIterator(keys.BytewiseComparer)
	for it.index = 0; it.index < meta.numEntries; it.index++ {
		it.load()
		if it.err != nil {
			return it.err
		}
		// Metaindex keys are raw strings, not internal keys.
		if string(it.keyBuf) == string(want) {
			handle, n := decodeBlockHandle(it.value)
			if n == 0 {
				return errors.New("sstable: bad filter handle")
			}
			raw, err := r.readRawBlock(handle)
			if err != nil {
				return err
			}
			r.filter = raw
			r.bloom = decodeBloom(raw)
			return nil
		}
	}
	return nil
}

// readRawBlock reads and verifies a block, returning the decompressed
// payload bytes. The raw read buffer is pooled; decompression always
// hands back freshly owned memory.
func (r *Reader) readRawBlock(handle BlockHandle) ([]byte, error) {
	stored := bufferpool.GetBuffer(int(handle.Size) + BlockTrailerSize)
	defer bufferpool.PutBuffer(stored)
	if _, err := r.file.ReadAt(stored, int64(handle.Offset)); err != nil {
		return nil, err
	}
	payload := stored[:handle.Size]
	typ := stored[handle.Size]
	wantCRC := binary.LittleEndian.Uint32(stored[handle.Size+1:])
	if blockCRC(payload, typ) != wantCRC {
		return nil, errors.Wrapf(ErrChecksum, "file %s offset %d", r.path, handle.Offset)
	}
	data, err := compression.DecompressBlock(nil, payload, typ)
	if err != nil {
		return nil, errors.Wrapf(err, "file %s offset %d", r.path, handle.Offset)
	}
	return data, nil
}

// readBlock reads, verifies, and parses a block, consulting the block
// cache when fillCache is set.
func (r *Reader) readBlock(handle BlockHandle, fillCache bool) (*Block, error) {
	if fillCache && r.cache != nil {
		if b, ok := r.cache.Get(r.fileNum, handle.Offset); ok {
			return b, nil
		}
	}
	data, err := r.readRawBlock(handle)
	if err != nil {
		return nil, err
	}
	b, err := ParseBlock(data)
	if err != nil {
		return nil, errors.Wrapf(err, "file %s offset %d", r.path, handle.Offset)
	}
	if fillCache && r.cache != nil {
		r.cache.Put(r.fileNum, handle.Offset, b)
	}
	return b, nil
}

// MayContain consults the filter without reading any data block.
func (r *Reader) MayContain(userKey []byte) bool {
	if r.bloom == nil {
		return true
	}
	return r.bloom.mayContain(userKey)
}

// Get looks up the newest entry at or below the lookup key. It returns
// the matching internal key and value, or (nil, nil, nil) when the
// table holds nothing for that user key.
func (r *Reader) Get(lkey keys.InternalKey) (keys.InternalKey, []byte, error) {
	if !r.MayContain(lkey.UserKey()) {
		return nil, nil, nil
	}

	idx := r.indexBlock.NewIterator(r.cmp)
	idx.Seek(lkey)
	if !idx.Valid() {
		return nil, nil, idx.Error()
	}
	handle, n := decodeBlockHandle(idx.Value())
	if n == 0 {
		return nil, nil, errors.Wrapf(keys.ErrCorruption, "file %s: bad index entry", r.path)
	}
	block, err := r.readBlock(handle, true)
	if err != nil {
		return nil, nil, err
	}

	it := block.NewIterator(r.cmp)
	it.Seek(lkey)
	if !it.Valid() {
		return nil, nil, it.Error()
	}
	found := it.Key()
	if r.cmp.Compare(found.UserKey(), lkey.UserKey()) != 0 {
		return nil, nil, nil
	}
	return found.Clone(), append([]byte(nil), it.Value()...), nil
}

// ApproximateOffsetOf estimates the byte offset within the file at
// which key would live. Used for size estimation over key ranges.
func (r *Reader) ApproximateOffsetOf(key keys.InternalKey) uint64 {
	idx := r.indexBlock.NewIterator(r.cmp)
	idx.Seek(key)
	if !idx.Valid() {
		// Past every block: the whole file precedes key.
		return uint64(r.size)
	}
	handle, n := decodeBlockHandle(idx.Value())
	if n == 0 {
		return 0
	}
	return handle.Offset
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.file.Close()
}

// TableIterator iterates a whole table through its index: an outer
// cursor over index entries and an inner cursor over the loaded block.
type TableIterator struct {
	reader    *Reader
	cmp       keys.Comparer
	indexIter *Iterator
	blockIter *Iterator
	bounds    *keys.Range
	fillCache bool
	err       error
}

// NewIterator creates an iterator over the table. With bounds set,
// entries outside [Start, Limit) are invisible. fillCache controls
// whether loaded blocks populate the block cache; compactions pass
// false to avoid wiping the cache with streaming reads.
func (r *Reader) NewIterator(bounds *keys.Range, fillCache bool) *TableIterator {
	return &TableIterator{
		reader:    r,
		cmp:       r.cmp,
		indexIter: r.indexBlock.NewIterator(r.cmp),
		bounds:    bounds,
		fillCache: fillCache,
	}
}

// loadBlock points the inner cursor at the block under the index
// cursor.
func (it *TableIterator) loadBlock() bool {
	if !it.indexIter.Valid() {
		it.blockIter = nil
		return false
	}
	handle, n := decodeBlockHandle(it.indexIter.Value())
	if n == 0 {
		it.err = errors.Wrapf(keys.ErrCorruption, "file %s: bad index entry", it.reader.path)
		it.blockIter = nil
		return false
	}
	block, err := it.reader.readBlock(handle, it.fillCache)
	if err != nil {
		it.err = err
		it.blockIter = nil
		return false
	}
	it.blockIter = block.NewIterator(it.cmp)
	return true
}

// inBounds reports whether the current entry is inside the iterator
// bounds.
func (it *TableIterator) inBounds() bool {
	if it.bounds == nil || it.blockIter == nil || !it.blockIter.Valid() {
		return true
	}
	key := it.blockIter.Key()
	if it.bounds.Start != nil && keys.InternalCompare(it.cmp, key, it.bounds.Start) < 0 {
		return false
	}
	if it.bounds.Limit != nil && keys.InternalCompare(it.cmp, key, it.bounds.Limit) >= 0 {
		return false
	}
	return true
}

// Valid reports whether the iterator is positioned at an in-bounds
// entry.
func (it *TableIterator) Valid() bool {
	return it.err == nil && it.blockIter != nil && it.blockIter.Valid() && it.inBounds()
}

// SeekToFirst positions at the first entry (honoring the lower bound).
func (it *TableIterator) SeekToFirst() {
	it.err = nil
	if it.bounds != nil && it.bounds.Start != nil {
		it.Seek(it.bounds.Start)
		return
	}
	it.indexIter.SeekToFirst()
	if it.loadBlock() {
		it.blockIter.SeekToFirst()
	}
}

// SeekToLast positions at the last entry. An upper bound positions at
// the last entry before it.
func (it *TableIterator) SeekToLast() {
	it.err = nil
	if it.bounds != nil && it.bounds.Limit != nil {
		it.Seek(it.bounds.Limit)
		// Limit is exclusive: step back from the first entry >= limit,
		// or from past-the-end.
		if it.blockIter != nil && it.blockIter.Valid() {
			it.Prev()
		} else {
			it.seekLastNoBounds()
		}
		return
	}
	it.seekLastNoBounds()
}

func (it *TableIterator) seekLastNoBounds() {
	it.indexIter.SeekToLast()
	if it.loadBlock() {
		it.blockIter.SeekToLast()
	}
}

// Seek positions at the first entry >= target.
func (it *TableIterator) Seek(target keys.InternalKey) {
	it.err = nil
	if it.bounds != nil && it.bounds.Start != nil &&
		keys.InternalCompare(it.cmp, target, it.bounds.Start) < 0 {
		target = it.bounds.Start
	}
	it.indexIter.Seek(target)
	if !it.indexIter.Valid() {
		it.blockIter = nil
		return
	}
	if it.loadBlock() {
		it.blockIter.Seek(target)
		if !it.blockIter.Valid() {
			// Block exhausted; first entry of the next block.
			it.stepForward()
		}
	}
}

// stepForward advances to the first entry of the next block.
func (it *TableIterator) stepForward() {
	it.indexIter.Next()
	if it.loadBlock() {
		it.blockIter.SeekToFirst()
	}
}

// Next advances one entry, crossing block boundaries as needed.
func (it *TableIterator) Next() {
	if it.blockIter == nil {
		return
	}
	it.blockIter.Next()
	if !it.blockIter.Valid() {
		it.stepForward()
	}
}

// Prev moves back one entry, crossing block boundaries as needed.
func (it *TableIterator) Prev() {
	if it.blockIter == nil {
		return
	}
	it.blockIter.Prev()
	if !it.blockIter.Valid() {
		it.indexIter.Prev()
		if it.loadBlock() {
			it.blockIter.SeekToLast()
		}
	}
}

// Key returns the current internal key.
func (it *TableIterator) Key() keys.InternalKey {
	if !it.Valid() {
		return nil
	}
	return it.blockIter.Key()
}

// Value returns the current value.
func (it *TableIterator) Value() []byte {
	if !it.Valid() {
		return nil
	}
	return it.blockIter.Value()
}

// Error returns any accumulated error.
func (it *TableIterator) Error() error {
	if it.err != nil {
		return it.err
	}
	if it.blockIter != nil {
		return it.blockIter.Error()
	}
	return nil
}

// Close releases the block cursors.
func (it *TableIterator) Close() error {
	it.blockIter = nil
	return nil
}
