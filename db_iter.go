package petrel

import (
	"github.com/petreldb/petrel/keys"
)

type iterDirection int

const (
	dirForward iterDirection = iota
	dirReverse
)

// Iterator walks user keys in order, collapsing the multiple internal
// versions of each key into the one visible at the iterator's
// snapshot and hiding tombstones. The snapshot is fixed at
// construction; later writes never appear.
type Iterator struct {
	db        *DB
	iter      internalIterator
	seq       uint64
	snap      *Snapshot // pins seq against compaction; released on Close
	version   *Version
	cmp       keys.Comparer
	direction iterDirection
	valid     bool
	err       error

	// In reverse, the merging iterator has already moved before the
	// emitted entry, so key and value live in these buffers.
	savedKey   []byte
	savedValue []byte
	closed     bool
}

// Valid reports whether the iterator is positioned at an entry.
func (it *Iterator) Valid() bool {
	return it.valid && it.err == nil
}

// Key returns the current user key. The slice is only valid until the
// next move.
func (it *Iterator) Key() []byte {
	if !it.Valid() {
		return nil
	}
	if it.direction == dirForward {
		return it.iter.Key().UserKey()
	}
	return it.savedKey
}

// Value returns the current value. The slice is only valid until the
// next move.
func (it *Iterator) Value() []byte {
	if !it.Valid() {
		return nil
	}
	if it.direction == dirForward {
		return it.iter.Value()
	}
	return it.savedValue
}

// Error returns any accumulated error.
func (it *Iterator) Error() error {
	if it.err != nil {
		return it.err
	}
	return it.iter.Error()
}

// SeekToFirst positions at the first visible user key.
func (it *Iterator) SeekToFirst() {
	it.direction = dirForward
	it.savedValue = it.savedValue[:0]
	it.iter.SeekToFirst()
	if it.iter.Valid() {
		it.findNextUserEntry(false)
	} else {
		it.valid = false
	}
}

// SeekToLast positions at the last visible user key.
func (it *Iterator) SeekToLast() {
	it.direction = dirReverse
	it.savedValue = it.savedValue[:0]
	it.iter.SeekToLast()
	it.findPrevUserEntry()
}

// Seek positions at the first visible user key >= target.
func (it *Iterator) Seek(target []byte) {
	it.direction = dirForward
	it.savedValue = it.savedValue[:0]
	it.savedKey = append(it.savedKey[:0], target...)
	it.iter.Seek(keys.LookupKey(target, it.seq))
	if it.iter.Valid() {
		it.findNextUserEntry(false)
	} else {
		it.valid = false
	}
}

// Next advances to the next visible user key.
func (it *Iterator) Next() {
	if !it.valid {
		return
	}

	if it.direction == dirReverse {
		// The merging iterator sits just before the entries of the
		// emitted key; step into and then past them.
		it.direction = dirForward
		if !it.iter.Valid() {
			it.iter.SeekToFirst()
		} else {
			it.iter.Next()
		}
		if !it.iter.Valid() {
			it.valid = false
			it.savedKey = it.savedKey[:0]
			return
		}
		// savedKey already holds the emitted user key.
	} else {
		it.savedKey = append(it.savedKey[:0], it.iter.Key().UserKey()...)
	}

	it.findNextUserEntry(true)
}

// Prev moves to the previous visible user key.
func (it *Iterator) Prev() {
	if !it.valid {
		return
	}

	if it.direction == dirForward {
		// Back the merging iterator off the current user key, then scan
		// backward for the previous one.
		it.savedKey = append(it.savedKey[:0], it.iter.Key().UserKey()...)
		for {
			it.iter.Prev()
			if !it.iter.Valid() {
				it.valid = false
				it.savedKey = it.savedKey[:0]
				it.savedValue = it.savedValue[:0]
				return
			}
			if it.cmp.Compare(it.iter.Key().UserKey(), it.savedKey) < 0 {
				break
			}
		}
		it.direction = dirReverse
	}

	it.findPrevUserEntry()
}

// findNextUserEntry scans forward for the newest visible entry of the
// next emittable user key. With skipping set, user keys <= savedKey
// are suppressed (already emitted or deleted).
func (it *Iterator) findNextUserEntry(skipping bool) {
	for it.iter.Valid() {
		ikey := it.iter.Key()
		if ikey.Seq() <= it.seq {
			switch ikey.Kind() {
			case keys.KindDelete:
				// Everything older for this user key is shadowed.
				it.savedKey = append(it.savedKey[:0], ikey.UserKey()...)
				skipping = true
			case keys.KindSet:
				if skipping && it.cmp.Compare(ikey.UserKey(), it.savedKey) <= 0 {
					// Older version of an emitted or deleted key.
				} else {
					it.valid = true
					it.savedKey = it.savedKey[:0]
					return
				}
			}
		}
		it.iter.Next()
	}
	it.savedKey = it.savedKey[:0]
	it.valid = false
}

// findPrevUserEntry scans backward and stops once it has the newest
// visible Set of some user key with the iterator positioned just
// before that key's entries.
func (it *Iterator) findPrevUserEntry() {
	kind := keys.KindDelete

	if it.iter.Valid() {
		for {
			ikey := it.iter.Key()
			if ikey.Seq() <= it.seq {
				if kind != keys.KindDelete && it.cmp.Compare(ikey.UserKey(), it.savedKey) < 0 {
					// A value for the following user key is saved and we
					// just crossed onto an earlier key.
					break
				}
				kind = ikey.Kind()
				if kind == keys.KindDelete {
					it.savedKey = it.savedKey[:0]
					it.savedValue = it.savedValue[:0]
				} else {
					it.savedKey = append(it.savedKey[:0], ikey.UserKey()...)
					it.savedValue = append(it.savedValue[:0], it.iter.Value()...)
				}
			}
			it.iter.Prev()
			if !it.iter.Valid() {
				break
			}
		}
	}

	if kind == keys.KindDelete {
		// Ran off the front.
		it.valid = false
		it.savedKey = it.savedKey[:0]
		it.savedValue = it.savedValue[:0]
		it.direction = dirForward
	} else {
		it.valid = true
	}
}

// Close releases the iterator's snapshot and version pins. Safe to
// call more than once.
func (it *Iterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	it.valid = false
	err := it.iter.Close()
	if it.snap != nil {
		it.db.ReleaseSnapshot(it.snap)
		it.snap = nil
	}
	if it.version != nil {
		it.version.unref()
		it.version = nil
	}
	return err
}
