package wal

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func readAll(t *testing.T, path string) ([][]byte, error) {
	t.Helper()
	r, err := NewReader(path)
	require.NoError(t, err)
	defer r.Close()

	var recs [][]byte
	for {
		rec, err := r.ReadRecord()
		if err == io.EOF {
			return recs, nil
		}
		if err != nil {
			return recs, err
		}
		recs = append(recs, append([]byte(nil), rec...))
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000001.log")
	w, err := NewWriter(path)
	require.NoError(t, err)

	payloads := [][]byte{
		[]byte("hello"),
		[]byte(""),
		bytes.Repeat([]byte("x"), 100),
		bytes.Repeat([]byte("y"), BlockSize), // spans two blocks: FIRST/LAST
		bytes.Repeat([]byte("z"), 3*BlockSize+17),
		[]byte("tail"),
	}
	for _, p := range payloads {
		require.NoError(t, w.AddRecord(p))
	}
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	got, err := readAll(t, path)
	require.NoError(t, err)
	require.Len(t, got, len(payloads))
	for i, p := range payloads {
		require.Equal(t, p, got[i], "record %d", i)
	}
}

func TestTornTailIsDetected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000001.log")
	w, err := NewWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.AddRecord([]byte("first")))
	require.NoError(t, w.AddRecord(bytes.Repeat([]byte("a"), 2*BlockSize)))
	require.NoError(t, w.Close())

	// Chop off the record's tail mid-chunk.
	st, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, st.Size()-10))

	got, err := readAll(t, path)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	require.Len(t, got, 1)
	require.Equal(t, []byte("first"), got[0])
}

func TestCorruptChunkIsDetected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000001.log")
	w, err := NewWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.AddRecord([]byte("record one")))
	require.NoError(t, w.AddRecord([]byte("record two")))
	require.NoError(t, w.Close())

	// Flip a payload byte of the first record; its CRC must catch it.
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{'X'}, HeaderSize+2)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = readAll(t, path)
	require.ErrorIs(t, err, ErrCorruptRecord)
}

func TestReopenAppendStaysReadable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000001.log")
	w, err := NewWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.AddRecord([]byte("before")))
	require.NoError(t, w.Close())

	// Reopening pads to a block boundary; both records must survive.
	w, err = NewWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.AddRecord([]byte("after")))
	require.NoError(t, w.Close())

	got, err := readAll(t, path)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("before"), []byte("after")}, got)
}

func TestEmptyLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000001.log")
	w, err := NewWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	got, err := readAll(t, path)
	require.NoError(t, err)
	require.Empty(t, got)
}
