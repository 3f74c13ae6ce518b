package sstable

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/petreldb/petrel/compression"
	"github.com/petreldb/petrel/keys"
)

func writeTestTable(t *testing.T, path string, n int, opts func(*WriterOpts)) {
	t.Helper()
	wo := WriterOpts{
		Path:                 path,
		Compression:          compression.SnappyConfig(),
		FilterPolicy:         NewBloomFilterPolicy(10),
		BlockSize:            256, // tiny blocks force multi-block tables
		BlockRestartInterval: 4,
		BlockMinEntries:      2,
	}
	if opts != nil {
		opts(&wo)
	}
	w, err := NewWriter(wo)
	require.NoError(t, err)

	for i := range n {
		key := keys.MakeInternalKey(testKey(i), uint64(i+1), keys.KindSet)
		require.NoError(t, w.Add(key, testValue(i)))
	}
	require.NoError(t, w.Finish())
	require.NoError(t, w.Close())
}

func testKey(i int) []byte {
	return fmt.Appendf(nil, "key-%05d", i)
}

func testValue(i int) []byte {
	return fmt.Appendf(nil, "value-%05d-padding-padding-padding", i)
}

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000005.ldb")
	const n = 500
	writeTestTable(t, path, n, nil)

	r, err := NewReader(ReaderOpts{Path: path, FileNum: 5, FilterPolicy: NewBloomFilterPolicy(10)})
	require.NoError(t, err)
	defer r.Close()

	for i := range n {
		lkey := keys.LookupKey(testKey(i), keys.MaxSequence)
		ik, value, err := r.Get(lkey)
		require.NoError(t, err)
		require.NotNil(t, ik, "key %d missing", i)
		require.Equal(t, uint64(i+1), ik.Seq())
		require.Equal(t, testValue(i), value)
	}

	// Absent keys.
	for _, absent := range []string{"key-", "key-99999", "zzz", ""} {
		ik, _, err := r.Get(keys.LookupKey([]byte(absent), keys.MaxSequence))
		require.NoError(t, err)
		require.Nil(t, ik)
	}
}

func TestIteratorForwardBackward(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000007.ldb")
	const n = 300
	writeTestTable(t, path, n, nil)

	r, err := NewReader(ReaderOpts{Path: path, FileNum: 7})
	require.NoError(t, err)
	defer r.Close()

	it := r.NewIterator(nil, true)
	defer it.Close()

	i := 0
	for it.SeekToFirst(); it.Valid(); it.Next() {
		require.Equal(t, keys.UserKey(testKey(i)), it.Key().UserKey())
		require.Equal(t, testValue(i), it.Value())
		i++
	}
	require.NoError(t, it.Error())
	require.Equal(t, n, i)

	for it.SeekToLast(); it.Valid(); it.Prev() {
		i--
		require.Equal(t, keys.UserKey(testKey(i)), it.Key().UserKey())
	}
	require.Zero(t, i)
}

func TestIteratorSeek(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000009.ldb")
	writeTestTable(t, path, 200, nil)

	r, err := NewReader(ReaderOpts{Path: path, FileNum: 9})
	require.NoError(t, err)
	defer r.Close()

	it := r.NewIterator(nil, true)
	defer it.Close()

	// Exact, between, before-first, after-last.
	it.Seek(keys.LookupKey(testKey(42), keys.MaxSequence))
	require.True(t, it.Valid())
	require.Equal(t, keys.UserKey(testKey(42)), it.Key().UserKey())

	it.Seek(keys.LookupKey([]byte("key-00042x"), keys.MaxSequence))
	require.True(t, it.Valid())
	require.Equal(t, keys.UserKey(testKey(43)), it.Key().UserKey())

	it.Seek(keys.LookupKey([]byte("aaa"), keys.MaxSequence))
	require.True(t, it.Valid())
	require.Equal(t, keys.UserKey(testKey(0)), it.Key().UserKey())

	it.Seek(keys.LookupKey([]byte("zzz"), keys.MaxSequence))
	require.False(t, it.Valid())
}

func TestIteratorBounds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000011.ldb")
	writeTestTable(t, path, 100, nil)

	r, err := NewReader(ReaderOpts{Path: path, FileNum: 11})
	require.NoError(t, err)
	defer r.Close()

	bounds := keys.NewRange(testKey(10), testKey(20))
	it := r.NewIterator(bounds, true)
	defer it.Close()

	var got []string
	for it.SeekToFirst(); it.Valid(); it.Next() {
		got = append(got, string(it.Key().UserKey()))
	}
	require.Len(t, got, 10)
	require.Equal(t, string(testKey(10)), got[0])
	require.Equal(t, string(testKey(19)), got[9])
}

func TestFilterAvoidsMisses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000013.ldb")
	writeTestTable(t, path, 100, nil)

	r, err := NewReader(ReaderOpts{Path: path, FileNum: 13, FilterPolicy: NewBloomFilterPolicy(10)})
	require.NoError(t, err)
	defer r.Close()

	// Every present key must pass the filter.
	for i := range 100 {
		require.True(t, r.MayContain(testKey(i)))
	}

	// With 10 bits per key the absent-key false positive rate is ~1%;
	// over 500 probes a majority must be filtered out.
	misses := 0
	for i := range 500 {
		if !r.MayContain(fmt.Appendf(nil, "absent-%05d", i)) {
			misses++
		}
	}
	require.Greater(t, misses, 400)
}

func TestChecksumMismatchSurfacesCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000015.ldb")
	writeTestTable(t, path, 200, func(wo *WriterOpts) {
		wo.Compression = compression.NoCompressionConfig()
	})

	// Flip a byte inside the first data block.
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	require.NoError(t, err)
	var b [1]byte
	_, err = f.ReadAt(b[:], 20)
	require.NoError(t, err)
	b[0] ^= 0xff
	_, err = f.WriteAt(b[:], 20)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	r, err := NewReader(ReaderOpts{Path: path, FileNum: 15})
	require.NoError(t, err) // footer and index are intact
	defer r.Close()

	_, _, err = r.Get(keys.LookupKey(testKey(0), keys.MaxSequence))
	require.ErrorIs(t, err, ErrChecksum)
}

func TestBadMagicRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000017.ldb")
	require.NoError(t, os.WriteFile(path, make([]byte, 100), 0644))

	_, err := NewReader(ReaderOpts{Path: path, FileNum: 17})
	require.ErrorIs(t, err, ErrBadMagic)
}

func TestBlockCacheServesRepeatReads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000019.ldb")
	writeTestTable(t, path, 300, nil)

	cache := NewBlockCache(1 << 20)
	defer cache.Close()

	r, err := NewReader(ReaderOpts{Path: path, FileNum: 19, Cache: cache})
	require.NoError(t, err)
	defer r.Close()

	for range 3 {
		ik, value, err := r.Get(keys.LookupKey(testKey(123), keys.MaxSequence))
		require.NoError(t, err)
		require.NotNil(t, ik)
		require.Equal(t, testValue(123), value)
	}
}

func TestEmptyValueAndDeleteEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000021.ldb")
	w, err := NewWriter(WriterOpts{
		Path:        path,
		Compression: compression.NoCompressionConfig(),
		BlockSize:   4096,
	})
	require.NoError(t, err)

	require.NoError(t, w.Add(keys.MakeInternalKey([]byte("a"), 3, keys.KindSet), nil))
	require.NoError(t, w.Add(keys.MakeInternalKey([]byte("b"), 2, keys.KindDelete), nil))
	require.NoError(t, w.Finish())
	require.Equal(t, uint64(2), w.NumEntries())
	require.Equal(t, uint64(1), w.NumDeletions())
	require.NoError(t, w.Close())

	r, err := NewReader(ReaderOpts{Path: path, FileNum: 21})
	require.NoError(t, err)
	defer r.Close()

	ik, value, err := r.Get(keys.LookupKey([]byte("a"), keys.MaxSequence))
	require.NoError(t, err)
	require.Equal(t, keys.KindSet, ik.Kind())
	require.Empty(t, value)

	ik, _, err = r.Get(keys.LookupKey([]byte("b"), keys.MaxSequence))
	require.NoError(t, err)
	require.Equal(t, keys.KindDelete, ik.Kind())
}

func TestBlockBuilderRestarts(t *testing.T) {
	b := NewBlockBuilder(4096, 4, 2)
	for i := range 20 {
		key := keys.MakeInternalKey(testKey(i), uint64(i+1), keys.KindSet)
		b.Add(key, []byte("v"))
	}
	data := b.Finish()

	blk, err := ParseBlock(data)
	require.NoError(t, err)
	require.Equal(t, 20, blk.NumEntries())
	require.Len(t, blk.restarts, 5)

	it := blk.NewIterator(keys.BytewiseComparer)
	i := 0
	for it.SeekToFirst(); it.Valid(); it.Next() {
		require.Equal(t, keys.UserKey(testKey(i)), it.Key().UserKey())
		i++
	}
	require.Equal(t, 20, i)
}
