package keys

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInternalKeyRoundTrip(t *testing.T) {
	cases := []struct {
		key  []byte
		seq  uint64
		kind Kind
	}{
		{[]byte("foo"), 1, KindSet},
		{[]byte("foo"), 1, KindDelete},
		{[]byte(""), 0, KindSet},
		{[]byte("a-rather-longer-key-with-some-bytes"), MaxSequence, KindSet},
		{[]byte{0x00, 0xff, 0x7f}, 123456789, KindDelete},
	}

	for _, tc := range cases {
		ik := MakeInternalKey(tc.key, tc.seq, tc.kind)
		require.True(t, ik.Valid())
		require.Equal(t, UserKey(tc.key), ik.UserKey())
		require.Equal(t, tc.seq, ik.Seq())
		require.Equal(t, tc.kind, ik.Kind())
	}
}

func TestInternalKeyOrdering(t *testing.T) {
	// User keys ascend, sequence numbers descend, kinds descend.
	ordered := []InternalKey{
		MakeInternalKey([]byte("a"), 100, KindSet),
		MakeInternalKey([]byte("a"), 50, KindSet),
		MakeInternalKey([]byte("a"), 50, KindDelete),
		MakeInternalKey([]byte("a"), 1, KindSet),
		MakeInternalKey([]byte("b"), 200, KindDelete),
		MakeInternalKey([]byte("b"), 199, KindSet),
		MakeInternalKey([]byte("ba"), 1, KindSet),
	}

	for i := range ordered {
		for j := range ordered {
			cmp := InternalCompare(BytewiseComparer, ordered[i], ordered[j])
			switch {
			case i < j:
				require.Negative(t, cmp, "expected %s < %s", ordered[i], ordered[j])
			case i > j:
				require.Positive(t, cmp, "expected %s > %s", ordered[i], ordered[j])
			default:
				require.Zero(t, cmp)
			}
		}
	}
}

func TestLookupKeySortsAtNewestVisible(t *testing.T) {
	lk := LookupKey([]byte("k"), 50)

	// Entries newer than the snapshot sort before the lookup key.
	newer := MakeInternalKey([]byte("k"), 51, KindSet)
	require.Negative(t, InternalCompare(BytewiseComparer, newer, lk))

	// Entries at or below the snapshot sort at or after it.
	at := MakeInternalKey([]byte("k"), 50, KindSet)
	older := MakeInternalKey([]byte("k"), 49, KindDelete)
	require.Negative(t, InternalCompare(BytewiseComparer, lk, at))
	require.Negative(t, InternalCompare(BytewiseComparer, lk, older))
}

func TestBytewiseSeparator(t *testing.T) {
	cases := []struct {
		a, b string
		want string
	}{
		{"abc", "abx", "abd"},  // shortened
		{"abc", "abd", "abc"},  // adjacent, cannot shorten
		{"abc", "abcd", "abc"}, // prefix, cannot shorten
		{"", "x", ""},          // empty stays empty
	}
	for _, tc := range cases {
		got := BytewiseComparer.AppendSeparator(nil, []byte(tc.a), []byte(tc.b))
		require.Equal(t, tc.want, string(got), "separator(%q, %q)", tc.a, tc.b)
		require.LessOrEqual(t, BytewiseComparer.Compare([]byte(tc.a), got), 0)
		require.Negative(t, BytewiseComparer.Compare(got, []byte(tc.b)))
	}
}

func TestBytewiseSuccessor(t *testing.T) {
	require.Equal(t, "b", string(BytewiseComparer.AppendSuccessor(nil, []byte("abc"))[:1]))
	got := BytewiseComparer.AppendSuccessor(nil, []byte{0xff, 0xff})
	require.Equal(t, []byte{0xff, 0xff}, got)
}

func TestValidation(t *testing.T) {
	require.True(t, IsValidUserKey(nil))
	require.True(t, IsValidUserKey([]byte{}))
	require.True(t, IsValidUserKey(make([]byte, 1024*1024)))
	require.False(t, IsValidUserKey(make([]byte, 1024*1024+1)))
	require.True(t, IsValidValue(nil))
}
