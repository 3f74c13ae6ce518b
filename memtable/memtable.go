// Package memtable holds writes in a sorted in-memory table until they
// are flushed to a sorted table file. The underlying structure is an
// arena-style skiplist: entry bytes live in one flat buffer and the
// skiplist nodes are indices into a flat int slice, which keeps GC
// pressure near zero no matter how many entries accumulate.
package memtable

import (
	"math/rand/v2"
	"sync"

	"github.com/petreldb/petrel/keys"
)

const tMaxHeight = 12

const (
	posKV     = iota // offset of the entry bytes in the data arena
	posKey           // length of the internal key
	posVal           // length of the value
	posHeight        // number of next pointers
	posNext          // first next pointer (level 0)
)

// MemTable is an ordered multiset of internal keys. A single writer
// mutates it; any number of readers may iterate concurrently. Nodes are
// only ever appended and next pointers only ever spliced forward, so a
// reader holding a node index always sees a consistent entry.
type MemTable struct {
	mu        sync.RWMutex
	cmp       keys.Comparer
	rnd       *rand.Rand
	d         []byte // entry bytes (internal key then value)
	md        []int  // node metadata and next pointers
	prev      [tMaxHeight]int
	maxHeight int
	n         int
}

// New creates an empty memtable ordered by cmp, sized for
// writeBufferSize bytes of entries.
func New(cmp keys.Comparer, writeBufferSize int) *MemTable {
	// Each entry uses ~5.3 ints of metadata (4 base + ~1.3 next pointers
	// on average with branching factor 4), rounded up to 6; assume
	// 64-byte entries for the capacity estimate.
	estimatedEntries := writeBufferSize / 64
	mt := &MemTable{
		cmp:       cmp,
		rnd:       rand.New(rand.NewPCG(4, 8)),
		maxHeight: 1,
		d:         make([]byte, 0, writeBufferSize),
		md:        make([]int, 4+tMaxHeight, 4+tMaxHeight+estimatedEntries*6),
	}
	mt.md[posHeight] = tMaxHeight
	return mt
}

func (mt *MemTable) randHeight() int {
	const b = 4
	h := 1
	for h < tMaxHeight && mt.rnd.Int()%b == 0 {
		h++
	}
	return h
}

// nodeKey returns the internal key stored at node.
func (mt *MemTable) nodeKey(node int) keys.InternalKey {
	o := mt.md[node]
	return keys.InternalKey(mt.d[o : o+mt.md[node+posKey]])
}

// nodeValue returns the value stored at node.
func (mt *MemTable) nodeValue(node int) []byte {
	o := mt.md[node] + mt.md[node+posKey]
	return mt.d[o : o+mt.md[node+posVal]]
}

// findGE returns the first node whose key is >= key, or 0 if none.
// With prev set it also fills mt.prev with the splice for insertion.
func (mt *MemTable) findGE(key keys.InternalKey, prev bool) (int, bool) {
	node := 0
	h := mt.maxHeight - 1
	for {
		next := mt.md[node+posNext+h]
		cmp := 1
		if next != 0 {
			cmp = keys.InternalCompare(mt.cmp, mt.nodeKey(next), key)
		}
		if cmp < 0 {
			node = next
		} else {
			if prev {
				mt.prev[h] = node
			} else if cmp == 0 {
				return next, true
			}
			if h == 0 {
				return next, cmp == 0
			}
			h--
		}
	}
}

// findLT returns the last node whose key is < key, or 0 if none.
func (mt *MemTable) findLT(key keys.InternalKey) int {
	node := 0
	h := mt.maxHeight - 1
	for {
		next := mt.md[node+posNext+h]
		if next != 0 && keys.InternalCompare(mt.cmp, mt.nodeKey(next), key) < 0 {
			node = next
			continue
		}
		if h == 0 {
			return node
		}
		h--
	}
}

// findLast returns the last node in the list, or 0 if empty.
func (mt *MemTable) findLast() int {
	node := 0
	h := mt.maxHeight - 1
	for {
		next := mt.md[node+posNext+h]
		if next != 0 {
			node = next
			continue
		}
		if h == 0 {
			return node
		}
		h--
	}
}

// Add inserts an entry. Internal keys never repeat because the
// sequence number advances on every write, so this is pure insertion.
func (mt *MemTable) Add(seq uint64, kind keys.Kind, userKey, value []byte) {
	ikey := keys.MakeInternalKey(userKey, seq, kind)
	mt.put(ikey, value)
}

// Put inserts a pre-encoded internal key. WAL replay decodes batches
// and goes through Add instead.
func (mt *MemTable) Put(ikey keys.InternalKey, value []byte) {
	mt.put(ikey, value)
}

func (mt *MemTable) put(ikey keys.InternalKey, value []byte) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	// Position mt.prev for the splice. No exact match can exist.
	mt.findGE(ikey, true)

	h := mt.randHeight()
	if h > mt.maxHeight {
		for i := mt.maxHeight; i < h; i++ {
			mt.prev[i] = 0
		}
		mt.maxHeight = h
	}

	off := len(mt.d)
	mt.d = append(mt.d, ikey...)
	mt.d = append(mt.d, value...)
	node := len(mt.md)
	mt.md = append(mt.md, off, len(ikey), len(value), h)
	for i, n := range mt.prev[:h] {
		m := n + posNext + i
		mt.md = append(mt.md, mt.md[m])
		mt.md[m] = node
	}
	mt.n++
}

// Get performs a point lookup with a lookup key (user key + snapshot
// seq). The first entry at or after the lookup key decides the result:
// if its user key matches, value and kind come from it; otherwise the
// memtable has no opinion and conclusive is false.
func (mt *MemTable) Get(lkey keys.InternalKey) (value []byte, kind keys.Kind, conclusive bool) {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	if mt.n == 0 {
		return nil, 0, false
	}

	node, _ := mt.findGE(lkey, false)
	if node == 0 {
		return nil, 0, false
	}
	stored := mt.nodeKey(node)
	if mt.cmp.Compare(stored.UserKey(), lkey.UserKey()) != 0 {
		return nil, 0, false
	}
	return mt.nodeValue(node), stored.Kind(), true
}

// Len returns the number of entries.
func (mt *MemTable) Len() int {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.n
}

// Empty reports whether the memtable holds no entries.
func (mt *MemTable) Empty() bool {
	return mt.Len() == 0
}

// ApproximateMemoryUsage returns the bytes consumed by entries and
// skiplist metadata. The database compares this against the write
// buffer size to decide rotation.
func (mt *MemTable) ApproximateMemoryUsage() int {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return len(mt.d) + len(mt.md)*8
}
