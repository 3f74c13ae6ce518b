package petrel

import (
	"bytes"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/petreldb/petrel/keys"
)

func newTestOptions(dir string) *Options {
	opts := DefaultOptions()
	opts.Path = dir
	opts.WriteBufferSize = 64 * KiB
	opts.MaxFileSize = 64 * KiB
	return opts
}

func openTestDB(t *testing.T, opts *Options) *DB {
	t.Helper()
	db, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func mustGet(t *testing.T, db *DB, key string) string {
	t.Helper()
	v, err := db.Get([]byte(key), nil)
	require.NoError(t, err, "Get(%q)", key)
	return string(v)
}

func requireNotFound(t *testing.T, db *DB, key string) {
	t.Helper()
	_, err := db.Get([]byte(key), nil)
	require.ErrorIs(t, err, ErrNotFound, "Get(%q)", key)
}

func TestPutGetDelete(t *testing.T) {
	db := openTestDB(t, newTestOptions(t.TempDir()))

	require.NoError(t, db.Put([]byte("foo"), []byte("v1"), nil))
	require.Equal(t, "v1", mustGet(t, db, "foo"))

	require.NoError(t, db.Put([]byte("foo"), []byte("v2"), nil))
	require.Equal(t, "v2", mustGet(t, db, "foo"))

	require.NoError(t, db.Delete([]byte("foo"), nil))
	requireNotFound(t, db, "foo")

	requireNotFound(t, db, "never-written")
}

func TestEmptyKeyAndValue(t *testing.T) {
	db := openTestDB(t, newTestOptions(t.TempDir()))

	require.NoError(t, db.Put([]byte(""), []byte("empty-key"), nil))
	require.Equal(t, "empty-key", mustGet(t, db, ""))

	require.NoError(t, db.Put([]byte("empty-value"), []byte(""), nil))
	require.Equal(t, "", mustGet(t, db, "empty-value"))

	require.NoError(t, db.Delete([]byte(""), nil))
	requireNotFound(t, db, "")

	// Long keys are legal up to the validation cap.
	longKey := bytes.Repeat([]byte("k"), 300)
	require.NoError(t, db.Put(longKey, []byte("long"), nil))
	v, err := db.Get(longKey, nil)
	require.NoError(t, err)
	require.Equal(t, "long", string(v))

	tooLong := bytes.Repeat([]byte("k"), 1024*1024+1)
	require.ErrorIs(t, db.Put(tooLong, []byte("x"), nil), ErrInvalidKey)
}

// reverseComparer orders user keys backwards; only its distinct name
// matters to the mismatch check.
type reverseComparer struct{}

func (reverseComparer) Compare(a, b []byte) int { return -keys.BytewiseComparer.Compare(a, b) }
func (reverseComparer) Name() string            { return "test.ReverseComparator" }
func (reverseComparer) AppendSeparator(dst, a, b []byte) []byte {
	return append(dst, a...)
}
func (reverseComparer) AppendSuccessor(dst, a []byte) []byte {
	return append(dst, a...)
}

func TestComparerMismatchFailsOpen(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(newTestOptions(dir))
	require.NoError(t, err)
	require.NoError(t, db.Put([]byte("k"), []byte("v"), SyncWrite))
	require.NoError(t, db.Close())

	opts := newTestOptions(dir)
	opts.Comparer = reverseComparer{}
	_, err = Open(opts)
	require.ErrorIs(t, err, ErrCorruption)
}

func TestBatchIsAtomicallyVisible(t *testing.T) {
	db := openTestDB(t, newTestOptions(t.TempDir()))

	require.NoError(t, db.Put([]byte("doomed"), []byte("x"), nil))

	b := NewBatch()
	for i := range 50 {
		b.Put(fmt.Appendf(nil, "batch-%03d", i), fmt.Appendf(nil, "value-%03d", i))
	}
	b.Delete([]byte("doomed"))
	require.NoError(t, db.Write(b, nil))

	for i := range 50 {
		require.Equal(t, fmt.Sprintf("value-%03d", i), mustGet(t, db, fmt.Sprintf("batch-%03d", i)))
	}
	requireNotFound(t, db, "doomed")
}

func TestGetFromFlushedTables(t *testing.T) {
	db := openTestDB(t, newTestOptions(t.TempDir()))

	for i := range 100 {
		require.NoError(t, db.Put(fmt.Appendf(nil, "key-%03d", i), fmt.Appendf(nil, "val-%03d", i), nil))
	}
	require.NoError(t, db.flushMemTable())

	l0, ok := db.GetProperty("num-files-at-level0")
	require.True(t, ok)
	require.NotEqual(t, "0", l0)

	for i := range 100 {
		require.Equal(t, fmt.Sprintf("val-%03d", i), mustGet(t, db, fmt.Sprintf("key-%03d", i)))
	}

	// Newer memtable entries shadow table entries.
	require.NoError(t, db.Put([]byte("key-050"), []byte("newer"), nil))
	require.Equal(t, "newer", mustGet(t, db, "key-050"))
}

func TestReopenPreservesData(t *testing.T) {
	dir := t.TempDir()
	opts := newTestOptions(dir)

	db, err := Open(opts)
	require.NoError(t, err)
	require.NoError(t, db.Put([]byte("persist"), []byte("me"), SyncWrite))
	require.NoError(t, db.Put([]byte("gone"), []byte("soon"), SyncWrite))
	require.NoError(t, db.Delete([]byte("gone"), SyncWrite))
	require.NoError(t, db.Close())

	// Reopen twice: reopening must be idempotent.
	for range 2 {
		db, err = Open(opts)
		require.NoError(t, err)
		v, err := db.Get([]byte("persist"), nil)
		require.NoError(t, err)
		require.Equal(t, "me", string(v))
		_, err = db.Get([]byte("gone"), nil)
		require.ErrorIs(t, err, ErrNotFound)
		require.NoError(t, db.Close())
	}
}

func TestRecoveryAcrossWALRotation(t *testing.T) {
	dir := t.TempDir()
	opts := newTestOptions(dir)

	big1 := bytes.Repeat([]byte("x"), 200*KiB)
	big2 := bytes.Repeat([]byte("y"), 1*KiB)

	db, err := Open(opts)
	require.NoError(t, err)
	require.NoError(t, db.Put([]byte("foo"), []byte("v1"), nil))
	require.NoError(t, db.Put([]byte("big1"), big1, nil)) // exceeds the write buffer
	require.NoError(t, db.Put([]byte("big2"), big2, nil)) // forces rotation first
	require.NoError(t, db.Put([]byte("bar"), []byte("v2"), SyncWrite))
	require.NoError(t, db.Close())

	db, err = Open(opts)
	require.NoError(t, err)
	defer db.Close()

	require.Equal(t, "v1", mustGet(t, db, "foo"))
	require.Equal(t, "v2", mustGet(t, db, "bar"))
	v, err := db.Get([]byte("big1"), nil)
	require.NoError(t, err)
	require.True(t, bytes.Equal(big1, v))
	v, err = db.Get([]byte("big2"), nil)
	require.NoError(t, err)
	require.True(t, bytes.Equal(big2, v))
}

func TestValueSpanningManyWALBlocks(t *testing.T) {
	dir := t.TempDir()
	opts := newTestOptions(dir)
	opts.WriteBufferSize = 4 * MiB

	// Well past the 32KiB log block size, so the record fragments into
	// FIRST/MIDDLE/LAST chunks.
	huge := bytes.Repeat([]byte("z"), 1*MiB)

	db, err := Open(opts)
	require.NoError(t, err)
	require.NoError(t, db.Put([]byte("huge"), huge, SyncWrite))
	require.NoError(t, db.Close())

	db, err = Open(opts)
	require.NoError(t, err)
	defer db.Close()
	v, err := db.Get([]byte("huge"), nil)
	require.NoError(t, err)
	require.True(t, bytes.Equal(huge, v))
}

func TestSnapshotLayering(t *testing.T) {
	db := openTestDB(t, newTestOptions(t.TempDir()))

	getAt := func(s *Snapshot) string {
		v, err := db.Get([]byte("foo"), &ReadOptions{Snapshot: s})
		require.NoError(t, err)
		return string(v)
	}

	require.NoError(t, db.Put([]byte("foo"), []byte("v1"), nil))
	s1 := db.GetSnapshot()
	require.NoError(t, db.Put([]byte("foo"), []byte("v2"), nil))
	s2 := db.GetSnapshot()
	require.NoError(t, db.Put([]byte("foo"), []byte("v3"), nil))
	s3 := db.GetSnapshot()
	require.NoError(t, db.Put([]byte("foo"), []byte("v4"), nil))

	require.Equal(t, "v1", getAt(s1))
	require.Equal(t, "v2", getAt(s2))
	require.Equal(t, "v3", getAt(s3))
	require.Equal(t, "v4", mustGet(t, db, "foo"))

	db.ReleaseSnapshot(s3)
	require.Equal(t, "v1", getAt(s1))
	require.Equal(t, "v2", getAt(s2))

	db.ReleaseSnapshot(s1)
	require.Equal(t, "v2", getAt(s2))

	db.ReleaseSnapshot(s2)
	require.Equal(t, "v4", mustGet(t, db, "foo"))
}

func TestSnapshotSurvivesCompaction(t *testing.T) {
	db := openTestDB(t, newTestOptions(t.TempDir()))

	for i := range 50 {
		require.NoError(t, db.Put(fmt.Appendf(nil, "k%03d", i), []byte("old"), nil))
	}
	snap := db.GetSnapshot()
	defer db.ReleaseSnapshot(snap)

	for i := range 50 {
		require.NoError(t, db.Put(fmt.Appendf(nil, "k%03d", i), []byte("new"), nil))
	}
	require.NoError(t, db.flushMemTable())
	require.NoError(t, db.CompactRange(nil, nil))

	for i := range 50 {
		key := fmt.Appendf(nil, "k%03d", i)
		v, err := db.Get(key, &ReadOptions{Snapshot: snap})
		require.NoError(t, err)
		require.Equal(t, "old", string(v))
		v, err = db.Get(key, nil)
		require.NoError(t, err)
		require.Equal(t, "new", string(v))
	}
}

func TestDeletionCollapseAcrossLevels(t *testing.T) {
	db := openTestDB(t, newTestOptions(t.TempDir()))

	require.NoError(t, db.Put([]byte("foo"), []byte("v1"), nil))
	require.NoError(t, db.flushMemTable())
	require.NoError(t, db.Put([]byte("a"), []byte("begin"), nil))
	require.NoError(t, db.Put([]byte("z"), []byte("end"), nil))
	require.NoError(t, db.flushMemTable())
	require.NoError(t, db.Delete([]byte("foo"), nil))
	require.NoError(t, db.Put([]byte("foo"), []byte("v2"), nil))
	require.NoError(t, db.flushMemTable())

	require.Equal(t, "v2", mustGet(t, db, "foo"))
	require.NoError(t, db.CompactRange(nil, nil))

	// After full compaction only the live value remains anywhere.
	require.Equal(t, "v2", mustGet(t, db, "foo"))
	require.Equal(t, "begin", mustGet(t, db, "a"))
	require.Equal(t, "end", mustGet(t, db, "z"))
}

func TestCompactionDropsDeletedKeys(t *testing.T) {
	db := openTestDB(t, newTestOptions(t.TempDir()))

	for i := range 200 {
		require.NoError(t, db.Put(fmt.Appendf(nil, "del-%04d", i), bytes.Repeat([]byte("v"), 100), nil))
	}
	require.NoError(t, db.flushMemTable())
	for i := range 200 {
		require.NoError(t, db.Delete(fmt.Appendf(nil, "del-%04d", i), nil))
	}
	require.NoError(t, db.flushMemTable())
	require.NoError(t, db.CompactRange(nil, nil))

	for i := range 200 {
		requireNotFound(t, db, fmt.Sprintf("del-%04d", i))
	}

	iter, err := db.NewIterator(nil)
	require.NoError(t, err)
	defer iter.Close()
	iter.SeekToFirst()
	require.False(t, iter.Valid(), "iterator should see an empty database")
}

func TestIteratorForwardAndReverse(t *testing.T) {
	db := openTestDB(t, newTestOptions(t.TempDir()))

	// Spread state across a flushed table and the memtable, with some
	// overwrites and deletes.
	expect := make(map[string]string)
	for i := range 100 {
		k := fmt.Sprintf("it-%03d", i)
		require.NoError(t, db.Put([]byte(k), []byte("first"), nil))
		expect[k] = "first"
	}
	require.NoError(t, db.flushMemTable())
	for i := 0; i < 100; i += 3 {
		k := fmt.Sprintf("it-%03d", i)
		require.NoError(t, db.Put([]byte(k), []byte("second"), nil))
		expect[k] = "second"
	}
	for i := 1; i < 100; i += 7 {
		k := fmt.Sprintf("it-%03d", i)
		require.NoError(t, db.Delete([]byte(k), nil))
		delete(expect, k)
	}

	iter, err := db.NewIterator(nil)
	require.NoError(t, err)
	defer iter.Close()

	var forward []string
	for iter.SeekToFirst(); iter.Valid(); iter.Next() {
		k := string(iter.Key())
		require.Equal(t, expect[k], string(iter.Value()), "key %q", k)
		forward = append(forward, k)
	}
	require.NoError(t, iter.Error())
	require.Len(t, forward, len(expect))
	for i := 1; i < len(forward); i++ {
		require.Less(t, forward[i-1], forward[i], "forward order violated")
	}

	var reverse []string
	for iter.SeekToLast(); iter.Valid(); iter.Prev() {
		reverse = append(reverse, string(iter.Key()))
	}
	require.Len(t, reverse, len(forward))
	for i := range forward {
		require.Equal(t, forward[i], reverse[len(reverse)-1-i])
	}
}

func TestIteratorDirectionChanges(t *testing.T) {
	db := openTestDB(t, newTestOptions(t.TempDir()))
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, db.Put([]byte(k), []byte("v-"+k), nil))
	}
	require.NoError(t, db.flushMemTable())
	require.NoError(t, db.Put([]byte("bb"), []byte("v-bb"), nil))

	iter, err := db.NewIterator(nil)
	require.NoError(t, err)
	defer iter.Close()

	iter.Seek([]byte("c"))
	require.Equal(t, "c", string(iter.Key()))
	iter.Prev()
	require.Equal(t, "bb", string(iter.Key()))
	iter.Prev()
	require.Equal(t, "b", string(iter.Key()))
	iter.Next()
	require.Equal(t, "bb", string(iter.Key()))
	iter.Next()
	require.Equal(t, "c", string(iter.Key()))
	iter.Prev()
	require.Equal(t, "bb", string(iter.Key()))
}

func TestIteratorIgnoresLaterWrites(t *testing.T) {
	db := openTestDB(t, newTestOptions(t.TempDir()))
	require.NoError(t, db.Put([]byte("stable"), []byte("v1"), nil))

	iter, err := db.NewIterator(nil)
	require.NoError(t, err)
	defer iter.Close()

	require.NoError(t, db.Put([]byte("stable"), []byte("v2"), nil))
	require.NoError(t, db.Put([]byte("later"), []byte("x"), nil))

	iter.SeekToFirst()
	require.True(t, iter.Valid())
	require.Equal(t, "stable", string(iter.Key()))
	require.Equal(t, "v1", string(iter.Value()))
	iter.Next()
	require.False(t, iter.Valid())
}

func TestRandomizedOrderedIteration(t *testing.T) {
	db := openTestDB(t, newTestOptions(t.TempDir()))
	rng := rand.New(rand.NewPCG(1, 2))

	expect := make(map[string]string)
	for i := range 2000 {
		k := strconv.Itoa(rng.IntN(500))
		v := fmt.Sprintf("v%d", i)
		if rng.IntN(4) == 0 {
			require.NoError(t, db.Delete([]byte(k), nil))
			delete(expect, k)
		} else {
			require.NoError(t, db.Put([]byte(k), []byte(v), nil))
			expect[k] = v
		}
		if i%500 == 499 {
			require.NoError(t, db.flushMemTable())
		}
	}

	iter, err := db.NewIterator(nil)
	require.NoError(t, err)
	defer iter.Close()

	seen := 0
	var prev string
	for iter.SeekToFirst(); iter.Valid(); iter.Next() {
		k := string(iter.Key())
		if seen > 0 {
			require.Less(t, prev, k)
		}
		want, ok := expect[k]
		require.True(t, ok, "unexpected key %q", k)
		require.Equal(t, want, string(iter.Value()))
		prev = k
		seen++
	}
	require.NoError(t, iter.Error())
	require.Equal(t, len(expect), seen)
}

func TestConcurrentWritersAndReaders(t *testing.T) {
	db := openTestDB(t, newTestOptions(t.TempDir()))

	const workers = 4
	const perWorker = 200

	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWorker {
				key := fmt.Appendf(nil, "w%d-%04d", w, i)
				if err := db.Put(key, fmt.Appendf(nil, "val-%d-%d", w, i), nil); err != nil {
					t.Errorf("put: %v", err)
					return
				}
				if _, err := db.Get(key, nil); err != nil {
					t.Errorf("get after put: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	for w := range workers {
		for i := range perWorker {
			require.Equal(t, fmt.Sprintf("val-%d-%d", w, i), mustGet(t, db, fmt.Sprintf("w%d-%04d", w, i)))
		}
	}
}

func TestSequencesStrictlyIncrease(t *testing.T) {
	db := openTestDB(t, newTestOptions(t.TempDir()))

	var last uint64
	for i := range 100 {
		require.NoError(t, db.Put(fmt.Appendf(nil, "seq-%03d", i), []byte("v"), nil))
		db.mu.Lock()
		cur := db.versions.lastSequence
		db.mu.Unlock()
		require.Greater(t, cur, last)
		last = cur
	}
}

func TestOpenFlags(t *testing.T) {
	dir := t.TempDir()

	opts := newTestOptions(dir)
	opts.CreateIfMissing = false
	_, err := Open(opts)
	require.ErrorIs(t, err, ErrDBDoesNotExist)

	opts = newTestOptions(dir)
	db, err := Open(opts)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	opts = newTestOptions(dir)
	opts.ErrorIfExists = true
	_, err = Open(opts)
	require.ErrorIs(t, err, ErrDBExists)

	opts = newTestOptions(dir)
	opts.CreateIfMissing = false
	db, err = Open(opts)
	require.NoError(t, err)
	require.NoError(t, db.Close())
}

func TestSecondOpenIsLockedOut(t *testing.T) {
	dir := t.TempDir()
	opts := newTestOptions(dir)

	db := openTestDB(t, opts)
	_, err := Open(newTestOptions(dir))
	require.ErrorIs(t, err, ErrDBAlreadyOpen)

	require.NoError(t, db.Close())
	db2, err := Open(newTestOptions(dir))
	require.NoError(t, err)
	require.NoError(t, db2.Close())
}

func TestUseAfterClose(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(newTestOptions(dir))
	require.NoError(t, err)
	require.NoError(t, db.Put([]byte("k"), []byte("v"), nil))
	require.NoError(t, db.Close())
	require.NoError(t, db.Close()) // idempotent

	require.ErrorIs(t, db.Put([]byte("k2"), []byte("v"), nil), ErrDBClosed)
	_, err = db.Get([]byte("k"), nil)
	require.ErrorIs(t, err, ErrDBClosed)
	_, err = db.NewIterator(nil)
	require.ErrorIs(t, err, ErrDBClosed)
}

func TestReuseLogs(t *testing.T) {
	dir := t.TempDir()
	opts := newTestOptions(dir)
	opts.ReuseLogs = true

	db, err := Open(opts)
	require.NoError(t, err)
	require.NoError(t, db.Put([]byte("r1"), []byte("v1"), SyncWrite))
	require.NoError(t, db.Close())

	db, err = Open(opts)
	require.NoError(t, err)
	require.Equal(t, "v1", mustGet(t, db, "r1"))
	require.NoError(t, db.Put([]byte("r2"), []byte("v2"), SyncWrite))
	require.NoError(t, db.Close())

	db, err = Open(opts)
	require.NoError(t, err)
	defer db.Close()
	require.Equal(t, "v1", mustGet(t, db, "r1"))
	require.Equal(t, "v2", mustGet(t, db, "r2"))
}

func TestProperties(t *testing.T) {
	db := openTestDB(t, newTestOptions(t.TempDir()))

	for i := range 100 {
		require.NoError(t, db.Put(fmt.Appendf(nil, "p-%03d", i), []byte("v"), nil))
	}

	mem, ok := db.GetProperty("approximate-memory-usage")
	require.True(t, ok)
	usage, err := strconv.Atoi(mem)
	require.NoError(t, err)
	require.Positive(t, usage)

	require.NoError(t, db.flushMemTable())

	l0, ok := db.GetProperty("num-files-at-level0")
	require.True(t, ok)
	n, err := strconv.Atoi(l0)
	require.NoError(t, err)
	require.Positive(t, n)

	stats, ok := db.GetProperty("stats")
	require.True(t, ok)
	require.Contains(t, stats, "Level")

	tables, ok := db.GetProperty("sstables")
	require.True(t, ok)
	require.Contains(t, tables, "--- level 0 ---")

	_, ok = db.GetProperty("no-such-property")
	require.False(t, ok)
	_, ok = db.GetProperty("num-files-at-level99")
	require.False(t, ok)
}

func TestGetApproximateSizes(t *testing.T) {
	db := openTestDB(t, newTestOptions(t.TempDir()))

	// Incompressible values so the on-disk footprint tracks the logical
	// size.
	rng := rand.New(rand.NewPCG(3, 4))
	value := make([]byte, 10*KiB)
	for i := range value {
		value[i] = byte(rng.Uint32())
	}
	for i := range 40 {
		require.NoError(t, db.Put(fmt.Appendf(nil, "size-%03d", i), value, nil))
	}
	require.NoError(t, db.flushMemTable())

	sizes := db.GetApproximateSizes([]keys.Range{
		*keys.NewRange([]byte("size-000"), []byte("size-040")),
		*keys.NewRange([]byte("size-000"), []byte("size-001")),
		*keys.NewRange([]byte("zz"), nil),
	})
	require.Len(t, sizes, 3)
	require.Greater(t, sizes[0], uint64(100*KiB), "full range should cover most data")
	require.Less(t, sizes[1], sizes[0], "subrange should be smaller")
	require.Zero(t, sizes[2], "empty range past all data")
}

func TestManyFlushesKeepLevelsDisjoint(t *testing.T) {
	db := openTestDB(t, newTestOptions(t.TempDir()))

	// Overlapping flushes force L0->L1 compactions; the installed
	// versions must keep deeper levels disjoint (logAndApply validates
	// this and would fail the writes otherwise).
	value := bytes.Repeat([]byte("d"), 512)
	for round := range 12 {
		for i := range 120 {
			require.NoError(t, db.Put(fmt.Appendf(nil, "dj-%04d", (i*7+round)%997), value, nil))
		}
		require.NoError(t, db.flushMemTable())
	}
	require.NoError(t, db.CompactRange(nil, nil))

	// Everything still readable afterwards.
	count := 0
	iter, err := db.NewIterator(nil)
	require.NoError(t, err)
	defer iter.Close()
	for iter.SeekToFirst(); iter.Valid(); iter.Next() {
		count++
	}
	require.NoError(t, iter.Error())
	require.Positive(t, count)

	db.mu.Lock()
	v := db.versions.current
	for level := 1; level < db.opts.NumLevels; level++ {
		files := v.Files(level)
		for i := 1; i < len(files); i++ {
			require.Negative(t,
				db.cmp.Compare(files[i-1].Largest.UserKey(), files[i].Smallest.UserKey()),
				"level %d files overlap", level)
		}
	}
	db.mu.Unlock()
}
