package petrel

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"

	"github.com/petreldb/petrel/keys"
)

// batchHeaderLen is the fixed prefix of the batch encoding: an 8-byte
// little-endian sequence number followed by a 4-byte little-endian
// entry count.
const batchHeaderLen = 8 + 4

// Batch collects Puts and Deletes to be applied atomically. Its
// encoded form is also the WAL record payload, so the layout here is
// an on-disk contract:
//
//	seq (8B LE) | count (4B LE) | entries...
//	entry: kind (1B: 1=Put, 0=Delete) | klen varint | key | [vlen varint | value]
type Batch struct {
	data  []byte
	count uint32
}

// NewBatch returns an empty batch.
func NewBatch() *Batch {
	return &Batch{data: make([]byte, batchHeaderLen)}
}

func (b *Batch) init() {
	if len(b.data) < batchHeaderLen {
		b.data = append(b.data, make([]byte, batchHeaderLen-len(b.data))...)
	}
}

// Put queues a key/value insertion.
func (b *Batch) Put(key, value []byte) {
	b.init()
	b.data = append(b.data, byte(keys.KindSet))
	b.data = binary.AppendUvarint(b.data, uint64(len(key)))
	b.data = append(b.data, key...)
	b.data = binary.AppendUvarint(b.data, uint64(len(value)))
	b.data = append(b.data, value...)
	b.count++
}

// Delete queues a tombstone for key.
func (b *Batch) Delete(key []byte) {
	b.init()
	b.data = append(b.data, byte(keys.KindDelete))
	b.data = binary.AppendUvarint(b.data, uint64(len(key)))
	b.data = append(b.data, key...)
	b.count++
}

// Clear resets the batch for reuse.
func (b *Batch) Clear() {
	b.data = b.data[:0]
	b.init()
	b.count = 0
}

// Count returns the number of queued entries.
func (b *Batch) Count() uint32 {
	return b.count
}

// ApproximateSize returns the encoded size in bytes.
func (b *Batch) ApproximateSize() int {
	b.init()
	return len(b.data)
}

// setSequence stamps the base sequence number into the header. Entry i
// commits at sequence base+i.
func (b *Batch) setSequence(seq uint64) {
	b.init()
	binary.LittleEndian.PutUint64(b.data[:8], seq)
}

// sequence returns the base sequence number stamped into the header.
func (b *Batch) sequence() uint64 {
	b.init()
	return binary.LittleEndian.Uint64(b.data[:8])
}

// contents finalizes the count field and returns the wire encoding.
func (b *Batch) contents() []byte {
	b.init()
	binary.LittleEndian.PutUint32(b.data[8:12], b.count)
	return b.data
}

// append concatenates other's entries onto b. Used by the group-commit
// leader to merge follower batches into one WAL record.
func (b *Batch) append(other *Batch) {
	b.init()
	other.init()
	b.data = append(b.data, other.data[batchHeaderLen:]...)
	b.count += other.count
}

// iterate walks the encoded entries in order, calling fn with the
// per-entry sequence number.
func (b *Batch) iterate(fn func(seq uint64, kind keys.Kind, key, value []byte) error) error {
	data := b.contents()
	return iterateBatch(data, fn)
}

// iterateBatch decodes an encoded batch (for example a WAL record) and
// calls fn for each entry. The entry count in the header must match
// the entries present; a short or overlong body is corruption.
func iterateBatch(data []byte, fn func(seq uint64, kind keys.Kind, key, value []byte) error) error {
	if len(data) < batchHeaderLen {
		return errors.Wrap(ErrCorruption, "batch too small for header")
	}
	seq := binary.LittleEndian.Uint64(data[:8])
	count := binary.LittleEndian.Uint32(data[8:12])
	body := data[batchHeaderLen:]

	var decoded uint32
	for len(body) > 0 {
		kind := keys.Kind(body[0])
		body = body[1:]
		if kind != keys.KindSet && kind != keys.KindDelete {
			return errors.Wrapf(ErrCorruption, "unknown batch entry tag %d", kind)
		}

		key, rest, err := batchDecodeBytes(body)
		if err != nil {
			return err
		}
		body = rest

		var value []byte
		if kind == keys.KindSet {
			value, rest, err = batchDecodeBytes(body)
			if err != nil {
				return err
			}
			body = rest
		}

		if err := fn(seq+uint64(decoded), kind, key, value); err != nil {
			return err
		}
		decoded++
	}

	if decoded != count {
		return errors.Wrapf(ErrCorruption, "batch count %d does not match %d decoded entries", count, decoded)
	}
	return nil
}

// batchDecodeBytes reads a varint-length-prefixed byte string.
func batchDecodeBytes(data []byte) ([]byte, []byte, error) {
	n, m := binary.Uvarint(data)
	if m <= 0 {
		return nil, nil, errors.Wrap(ErrCorruption, "bad batch length varint")
	}
	data = data[m:]
	if uint64(len(data)) < n {
		return nil, nil, errors.Wrap(ErrCorruption, "batch entry truncated")
	}
	return data[:n], data[n:], nil
}
