package memtable

import (
	"github.com/petreldb/petrel/keys"
)

// Iterator walks the memtable in internal-key order. It stays valid
// while writes continue: the skiplist only appends, so a held node
// index never goes stale.
type Iterator struct {
	mt   *MemTable
	node int // 0 = invalid
	key  keys.InternalKey
	val  []byte
}

// NewIterator creates an iterator over the memtable.
func (mt *MemTable) NewIterator() *Iterator {
	return &Iterator{mt: mt}
}

func (it *Iterator) fill() bool {
	if it.node != 0 {
		it.key = it.mt.nodeKey(it.node)
		it.val = it.mt.nodeValue(it.node)
		return true
	}
	it.key = nil
	it.val = nil
	return false
}

// Valid reports whether the iterator is positioned at an entry.
func (it *Iterator) Valid() bool {
	return it.node != 0
}

// SeekToFirst positions at the first entry.
func (it *Iterator) SeekToFirst() {
	it.mt.mu.RLock()
	defer it.mt.mu.RUnlock()
	it.node = it.mt.md[posNext]
	it.fill()
}

// SeekToLast positions at the last entry.
func (it *Iterator) SeekToLast() {
	it.mt.mu.RLock()
	defer it.mt.mu.RUnlock()
	it.node = it.mt.findLast()
	it.fill()
}

// Seek positions at the first entry >= target.
func (it *Iterator) Seek(target keys.InternalKey) {
	it.mt.mu.RLock()
	defer it.mt.mu.RUnlock()
	it.node, _ = it.mt.findGE(target, false)
	it.fill()
}

// Next advances to the following entry.
func (it *Iterator) Next() {
	if it.node == 0 {
		return
	}
	it.mt.mu.RLock()
	defer it.mt.mu.RUnlock()
	it.node = it.mt.md[it.node+posNext]
	it.fill()
}

// Prev moves to the preceding entry. The skiplist has no back
// pointers, so this re-descends from the head.
func (it *Iterator) Prev() {
	if it.node == 0 {
		return
	}
	it.mt.mu.RLock()
	defer it.mt.mu.RUnlock()
	it.node = it.mt.findLT(it.key)
	it.fill()
}

// Key returns the current internal key.
func (it *Iterator) Key() keys.InternalKey {
	return it.key
}

// Value returns the current value.
func (it *Iterator) Value() []byte {
	return it.val
}

// Error always returns nil; memtable iteration cannot fail.
func (it *Iterator) Error() error {
	return nil
}

// Close releases nothing but satisfies the iterator contract.
func (it *Iterator) Close() error {
	return nil
}
