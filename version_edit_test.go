package petrel

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/petreldb/petrel/keys"
)

func TestVersionEditEncodeDecode(t *testing.T) {
	edit := NewVersionEdit()
	edit.setComparatorName("petrel.BytewiseComparator")
	edit.setLogNumber(12)
	edit.setPrevLogNumber(3)
	edit.setNextFileNumber(42)
	edit.setLastSequence(987654)
	edit.setCompactPointer(2, keys.MakeInternalKey([]byte("ptr"), 7, keys.KindSet))
	edit.DeleteFile(1, 8)
	edit.DeleteFile(3, 9)
	edit.AddFile(2, &FileMetadata{
		FileNum:  40,
		Size:     123456,
		Smallest: keys.MakeInternalKey([]byte("aaa"), 100, keys.KindSet),
		Largest:  keys.MakeInternalKey([]byte("zzz"), 1, keys.KindDelete),
	})

	decoded := NewVersionEdit()
	require.NoError(t, decoded.Decode(edit.Encode()))

	require.True(t, decoded.hasComparator)
	require.Equal(t, "petrel.BytewiseComparator", decoded.comparatorName)
	require.Equal(t, uint64(12), decoded.logNumber)
	require.Equal(t, uint64(3), decoded.prevLogNumber)
	require.Equal(t, uint64(42), decoded.nextFileNumber)
	require.Equal(t, uint64(987654), decoded.lastSequence)

	require.Len(t, decoded.compactPointers, 1)
	require.Equal(t, 2, decoded.compactPointers[0].level)
	require.Equal(t, keys.UserKey("ptr"), decoded.compactPointers[0].key.UserKey())

	require.Equal(t, []deletedFileEntry{{1, 8}, {3, 9}}, decoded.deletedFiles)

	require.Len(t, decoded.newFiles, 1)
	nf := decoded.newFiles[0]
	require.Equal(t, 2, nf.level)
	require.Equal(t, uint64(40), nf.meta.FileNum)
	require.Equal(t, uint64(123456), nf.meta.Size)
	require.Equal(t, keys.UserKey("aaa"), nf.meta.Smallest.UserKey())
	require.Equal(t, uint64(100), nf.meta.Smallest.Seq())
	require.Equal(t, keys.UserKey("zzz"), nf.meta.Largest.UserKey())
	require.Positive(t, nf.meta.allowedSeeks)
}

func TestVersionEditEmptyRoundTrip(t *testing.T) {
	edit := NewVersionEdit()
	require.Empty(t, edit.Encode())

	decoded := NewVersionEdit()
	require.NoError(t, decoded.Decode(nil))
	require.False(t, decoded.hasLogNumber)
}

func TestVersionEditDecodeRejectsGarbage(t *testing.T) {
	decoded := NewVersionEdit()
	require.ErrorIs(t, decoded.Decode([]byte{0x63, 0x01}), ErrCorruption)
}

func TestFilenames(t *testing.T) {
	cases := []struct {
		name string
		ft   fileType
		num  uint64
		ok   bool
	}{
		{"CURRENT", fileTypeCurrent, 0, true},
		{"LOCK", fileTypeLock, 0, true},
		{"LOG", fileTypeInfoLog, 0, true},
		{"LOG.old", fileTypeInfoLog, 0, true},
		{"MANIFEST-000004", fileTypeManifest, 4, true},
		{"000012.log", fileTypeLog, 12, true},
		{"000012.ldb", fileTypeTable, 12, true},
		{"000012.sst", fileTypeTable, 12, true}, // legacy suffix
		{"000012.dbtmp", fileTypeTemp, 12, true},
		{"MANIFEST-abc", 0, 0, false},
		{"foo.log", 0, 0, false},
		{"000012.txt", 0, 0, false},
		{"", 0, 0, false},
	}
	for _, tc := range cases {
		ft, num, ok := parseFileName(tc.name)
		require.Equal(t, tc.ok, ok, "name %q", tc.name)
		if ok {
			require.Equal(t, tc.ft, ft, "name %q", tc.name)
			require.Equal(t, tc.num, num, "name %q", tc.name)
		}
	}
}

func TestCurrentFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, setCurrentFile(dir, 7))
	num, err := readCurrentFile(dir)
	require.NoError(t, err)
	require.Equal(t, uint64(7), num)

	// Repointing is atomic via rename; the new target wins.
	require.NoError(t, setCurrentFile(dir, 9))
	num, err = readCurrentFile(dir)
	require.NoError(t, err)
	require.Equal(t, uint64(9), num)
}
