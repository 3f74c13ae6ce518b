package petrel

import (
	"github.com/petreldb/petrel/keys"
)

// internalIterator walks internal keys in both directions. Memtable
// iterators, table iterators, and level iterators all satisfy it.
type internalIterator interface {
	Valid() bool
	SeekToFirst()
	SeekToLast()
	Seek(target keys.InternalKey)
	Next()
	Prev()
	Key() keys.InternalKey
	Value() []byte
	Error() error
	Close() error
}

// levelIterator concatenates the tables of one level >= 1. Files are
// sorted and disjoint, so it walks the file list and opens at most one
// table at a time through the table cache.
type levelIterator struct {
	files     []*FileMetadata
	fc        *FileCache
	cmp       keys.Comparer
	fillCache bool

	index  int // current file; len(files) or -1 when exhausted
	cached *CachedReader
	iter   interface {
		Valid() bool
		SeekToFirst()
		SeekToLast()
		Seek(keys.InternalKey)
		Next()
		Prev()
		Key() keys.InternalKey
		Value() []byte
		Error() error
		Close() error
	}
	err error
}

func newLevelIterator(files []*FileMetadata, fc *FileCache, cmp keys.Comparer, fillCache bool) *levelIterator {
	return &levelIterator{files: files, fc: fc, cmp: cmp, fillCache: fillCache, index: -1}
}

// openFile points the inner iterator at files[index].
func (it *levelIterator) openFile(index int) bool {
	it.closeFile()
	if index < 0 || index >= len(it.files) {
		it.index = index
		return false
	}
	cr, err := it.fc.Get(it.files[index].FileNum)
	if err != nil {
		it.err = err
		return false
	}
	it.cached = cr
	it.iter = cr.Reader().NewIterator(nil, it.fillCache)
	it.index = index
	return true
}

func (it *levelIterator) closeFile() {
	if it.iter != nil {
		it.iter.Close()
		it.iter = nil
	}
	if it.cached != nil {
		it.cached.Release()
		it.cached = nil
	}
}

func (it *levelIterator) Valid() bool {
	return it.err == nil && it.iter != nil && it.iter.Valid()
}

func (it *levelIterator) SeekToFirst() {
	if it.openFile(0) {
		it.iter.SeekToFirst()
		it.skipEmptyForward()
	}
}

func (it *levelIterator) SeekToLast() {
	if it.openFile(len(it.files) - 1) {
		it.iter.SeekToLast()
		it.skipEmptyBackward()
	}
}

func (it *levelIterator) Seek(target keys.InternalKey) {
	// First file whose largest key >= target.
	lo, hi := 0, len(it.files)
	for lo < hi {
		mid := (lo + hi) / 2
		if keys.InternalCompare(it.cmp, it.files[mid].Largest, target) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if it.openFile(lo) {
		it.iter.Seek(target)
		it.skipEmptyForward()
	}
}

func (it *levelIterator) Next() {
	if it.iter == nil {
		return
	}
	it.iter.Next()
	it.skipEmptyForward()
}

func (it *levelIterator) Prev() {
	if it.iter == nil {
		return
	}
	it.iter.Prev()
	it.skipEmptyBackward()
}

// skipEmptyForward moves to the next file while the current position
// is exhausted.
func (it *levelIterator) skipEmptyForward() {
	for it.err == nil && it.iter != nil && !it.iter.Valid() {
		if err := it.iter.Error(); err != nil {
			it.err = err
			return
		}
		if !it.openFile(it.index + 1) {
			return
		}
		it.iter.SeekToFirst()
	}
}

func (it *levelIterator) skipEmptyBackward() {
	for it.err == nil && it.iter != nil && !it.iter.Valid() {
		if err := it.iter.Error(); err != nil {
			it.err = err
			return
		}
		if it.index == 0 {
			it.closeFile()
			return
		}
		if !it.openFile(it.index - 1) {
			return
		}
		it.iter.SeekToLast()
	}
}

func (it *levelIterator) Key() keys.InternalKey {
	if !it.Valid() {
		return nil
	}
	return it.iter.Key()
}

func (it *levelIterator) Value() []byte {
	if !it.Valid() {
		return nil
	}
	return it.iter.Value()
}

func (it *levelIterator) Error() error {
	if it.err != nil {
		return it.err
	}
	if it.iter != nil {
		return it.iter.Error()
	}
	return nil
}

func (it *levelIterator) Close() error {
	it.closeFile()
	return it.err
}

// mergingIterator presents several sorted children as one sorted
// stream. Selection is a linear scan over the children; the fan-in is
// a handful of memtables plus L0 files plus one iterator per level, so
// scanning beats maintaining a heap through direction changes.
type mergingIterator struct {
	cmp      keys.Comparer
	children []internalIterator
	current  internalIterator
	// direction the children are positioned for. Flipping requires the
	// re-seek protocol in findSmallest/findLargest callers.
	forward bool
	err     error
}

func newMergingIterator(cmp keys.Comparer, children []internalIterator) *mergingIterator {
	return &mergingIterator{cmp: cmp, children: children, forward: true}
}

func (it *mergingIterator) findSmallest() {
	var smallest internalIterator
	for _, child := range it.children {
		if !child.Valid() {
			continue
		}
		if smallest == nil || keys.InternalCompare(it.cmp, child.Key(), smallest.Key()) < 0 {
			smallest = child
		}
	}
	it.current = smallest
}

func (it *mergingIterator) findLargest() {
	var largest internalIterator
	for _, child := range it.children {
		if !child.Valid() {
			continue
		}
		if largest == nil || keys.InternalCompare(it.cmp, child.Key(), largest.Key()) > 0 {
			largest = child
		}
	}
	it.current = largest
}

func (it *mergingIterator) Valid() bool {
	return it.err == nil && it.current != nil && it.current.Valid()
}

func (it *mergingIterator) SeekToFirst() {
	for _, child := range it.children {
		child.SeekToFirst()
	}
	it.forward = true
	it.findSmallest()
}

func (it *mergingIterator) SeekToLast() {
	for _, child := range it.children {
		child.SeekToLast()
	}
	it.forward = false
	it.findLargest()
}

func (it *mergingIterator) Seek(target keys.InternalKey) {
	for _, child := range it.children {
		child.Seek(target)
	}
	it.forward = true
	it.findSmallest()
}

func (it *mergingIterator) Next() {
	if !it.Valid() {
		return
	}
	if !it.forward {
		// Children other than current sit before the current key; put
		// each at its first entry past it.
		key := it.current.Key().Clone()
		for _, child := range it.children {
			if child == it.current {
				continue
			}
			child.Seek(key)
			if child.Valid() && keys.InternalCompare(it.cmp, child.Key(), key) == 0 {
				child.Next()
			}
		}
		it.forward = true
	}
	it.current.Next()
	it.findSmallest()
}

func (it *mergingIterator) Prev() {
	if !it.Valid() {
		return
	}
	if it.forward {
		// Children other than current sit past the current key; put
		// each at its last entry before it.
		key := it.current.Key().Clone()
		for _, child := range it.children {
			if child == it.current {
				continue
			}
			child.Seek(key)
			if child.Valid() {
				child.Prev()
			} else {
				child.SeekToLast()
			}
		}
		it.forward = false
	}
	it.current.Prev()
	it.findLargest()
}

func (it *mergingIterator) Key() keys.InternalKey {
	if !it.Valid() {
		return nil
	}
	return it.current.Key()
}

func (it *mergingIterator) Value() []byte {
	if !it.Valid() {
		return nil
	}
	return it.current.Value()
}

func (it *mergingIterator) Error() error {
	if it.err != nil {
		return it.err
	}
	for _, child := range it.children {
		if err := child.Error(); err != nil {
			return err
		}
	}
	return nil
}

func (it *mergingIterator) Close() error {
	var first error
	for _, child := range it.children {
		if err := child.Close(); err != nil && first == nil {
			first = err
		}
	}
	it.current = nil
	return first
}
