package keys

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// UserKey represents a user-provided key (raw bytes without sequence/kind).
type UserKey []byte

// Compare compares two user keys bytewise. Code paths that honor a
// custom Comparer must go through it instead; this is the bytewise
// default used by tests and tooling.
func (uk UserKey) Compare(other UserKey) int {
	return bytes.Compare([]byte(uk), []byte(other))
}

// String returns the string representation of the user key.
func (uk UserKey) String() string {
	return string(uk)
}

// ErrCorruption is returned when an internal key fails to parse.
var ErrCorruption = errors.New("data corruption detected")

// Kind represents the type of an entry. The numeric values are part of
// the on-disk format: they appear both in the internal key trailer and
// as the per-entry tag in the batch encoding.
type Kind uint8

const (
	// KindDelete marks a tombstone.
	KindDelete Kind = 0

	// KindSet marks a normal value.
	KindSet Kind = 1

	// KindSeek is the kind byte used in lookup keys. It is the largest
	// kind value, so a lookup key for (user, seq) sorts at the newest
	// entry for the same user key with sequence <= seq.
	KindSeek Kind = 0xFF

	// FooterLen is the number of trailing bytes that carry the packed
	// (sequence, kind) on every internal key.
	FooterLen = 8

	// MaxSequence is the largest representable sequence number. The kind
	// byte shares the trailer word, leaving 56 bits for the sequence.
	MaxSequence = (uint64(1) << 56) - 1
)

// IsValidUserKey checks if a user key is usable. Empty keys are legal;
// the size cap keeps a single key from dominating a block.
func IsValidUserKey(key UserKey) bool {
	return len(key) <= 1024*1024
}

// IsValidValue checks a value against the 1GB size cap. Values can be
// empty.
func IsValidValue(value []byte) bool {
	return len(value) <= 1024*1024*1024
}

// InternalKey is user_key followed by an 8-byte little-endian trailer
// packing (sequence << 8 | kind).
type InternalKey []byte

// MakeInternalKey builds a fresh internal key.
func MakeInternalKey(key []byte, seq uint64, kind Kind) InternalKey {
	b := make([]byte, len(key)+FooterLen)
	copy(b, key)
	binary.LittleEndian.PutUint64(b[len(key):], (seq<<8)|uint64(kind))
	return b
}

// LookupKey returns the seek target for a point Get: the internal key
// that lands on the newest entry visible at seq.
func LookupKey(userKey []byte, seq uint64) InternalKey {
	return MakeInternalKey(userKey, seq, KindSeek)
}

// Encode packs key/seq/kind into ik, which must already have
// len(key)+FooterLen bytes.
func (ik InternalKey) Encode(key []byte, seq uint64, kind Kind) {
	copy(ik, key)
	binary.LittleEndian.PutUint64(ik[len(key):], (seq<<8)|uint64(kind))
}

// UserKey returns the user key portion.
func (ik InternalKey) UserKey() UserKey {
	return UserKey(ik[:len(ik)-FooterLen])
}

// Seq returns the sequence number.
func (ik InternalKey) Seq() uint64 {
	return binary.LittleEndian.Uint64(ik[len(ik)-FooterLen:]) >> 8
}

// Kind returns the entry kind.
func (ik InternalKey) Kind() Kind {
	return Kind(binary.LittleEndian.Uint64(ik[len(ik)-FooterLen:]) & 0xff)
}

// Valid reports whether the key is long enough to carry a trailer.
func (ik InternalKey) Valid() bool {
	return len(ik) >= FooterLen
}

// Clone returns a copy that does not alias ik.
func (ik InternalKey) Clone() InternalKey {
	c := make(InternalKey, len(ik))
	copy(c, ik)
	return c
}

// String renders the key for logs and the CLI.
func (ik InternalKey) String() string {
	if !ik.Valid() {
		return fmt.Sprintf("badkey(%q)", []byte(ik))
	}
	return fmt.Sprintf("%q:%d:%d", []byte(ik.UserKey()), ik.Seq(), ik.Kind())
}

// Comparer defines the total order over user keys plus the key
// shortening hooks the sstable index uses. It is persisted by Name in
// the manifest; opening a database with a different comparer fails.
type Comparer interface {
	// Compare orders two user keys.
	Compare(a, b []byte) int

	// Name identifies the comparer. Changing the order a comparer
	// produces without changing its name corrupts any existing database.
	Name() string

	// AppendSeparator appends to dst a key k with a <= k < b, preferring
	// something short. Used between sstable blocks.
	AppendSeparator(dst, a, b []byte) []byte

	// AppendSuccessor appends to dst a key k with a <= k, preferring
	// something short. Used after the final block.
	AppendSuccessor(dst, a []byte) []byte
}

type bytewiseComparer struct{}

// BytewiseComparer orders user keys lexicographically. It is the
// default comparer.
var BytewiseComparer Comparer = bytewiseComparer{}

func (bytewiseComparer) Compare(a, b []byte) int {
	return bytes.Compare(a, b)
}

func (bytewiseComparer) Name() string {
	return "petrel.BytewiseComparator"
}

func (bytewiseComparer) AppendSeparator(dst, a, b []byte) []byte {
	i, n := 0, min(len(a), len(b))
	for i < n && a[i] == b[i] {
		i++
	}
	if i >= n {
		// One key is a prefix of the other; no shortening possible.
		return append(dst, a...)
	}
	if c := a[i]; c < 0xff && c+1 < b[i] {
		dst = append(dst, a[:i+1]...)
		dst[len(dst)-1]++
		return dst
	}
	return append(dst, a...)
}

func (bytewiseComparer) AppendSuccessor(dst, a []byte) []byte {
	for i, c := range a {
		if c != 0xff {
			dst = append(dst, a[:i+1]...)
			dst[len(dst)-1]++
			return dst
		}
	}
	// All 0xff: no shorter successor exists.
	return append(dst, a...)
}

// InternalCompare orders internal keys: user key ascending via cmp,
// then sequence descending, then kind descending. The newest entry for
// a user key sorts first.
func InternalCompare(cmp Comparer, a, b InternalKey) int {
	if c := cmp.Compare(a.UserKey(), b.UserKey()); c != 0 {
		return c
	}
	at := binary.LittleEndian.Uint64(a[len(a)-FooterLen:])
	bt := binary.LittleEndian.Uint64(b[len(b)-FooterLen:])
	switch {
	case at > bt:
		return -1
	case at < bt:
		return 1
	}
	return 0
}

// Compare orders two internal keys under the bytewise user comparer.
// Paths that honor custom comparers call InternalCompare directly.
func (ik InternalKey) Compare(o InternalKey) int {
	return InternalCompare(BytewiseComparer, ik, o)
}

// Range represents iteration bounds over internal keys. Start is
// inclusive, Limit exclusive; nil means unbounded.
type Range struct {
	Start InternalKey
	Limit InternalKey
}

// NewRange turns user key bounds into internal key bounds suitable for
// seeking.
func NewRange(start, limit UserKey) *Range {
	r := &Range{}
	if start != nil {
		r.Start = LookupKey(start, MaxSequence)
	}
	if limit != nil {
		r.Limit = LookupKey(limit, MaxSequence)
	}
	return r
}
