// Package sstable writes and reads the immutable sorted table files.
// A file is a sequence of prefix-compressed data blocks, an optional
// filter block, a metaindex block, an index block, and a fixed footer:
//
//	data blocks | filter block | metaindex block | index block | footer
//
// Every block is followed by a 5-byte trailer: one compression type
// byte and a CRC32 of the stored bytes plus the type byte. The footer
// is 48 bytes: metaindex handle + index handle as varint64 pairs,
// zero padding, and the 8-byte magic number.
package sstable

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"

	"github.com/petreldb/petrel/compression"
	"github.com/petreldb/petrel/keys"
)

const (
	// BlockTrailerSize is the per-block trailer: 1 byte compression
	// type + 4 bytes CRC32.
	BlockTrailerSize = 5

	// FooterSize is the fixed footer at the end of every table file.
	FooterSize = 48

	// Magic identifies a table file, stored little-endian in the last 8
	// footer bytes.
	Magic = uint64(0xdb4775248b80fb57)

	// BlockHandleMaxSize is the worst-case encoding of a block handle
	// (two varint64s).
	BlockHandleMaxSize = 2 * binary.MaxVarintLen64

	filterMetaPrefix = "filter."
)

// crcTable uses the same polynomial as the log format.
var crcTable = crc32.MakeTable(0xEDB88320)

// blockCRC covers the stored block bytes and the compression type byte.
func blockCRC(data []byte, typ byte) uint32 {
	c := crc32.Checksum(data, crcTable)
	return crc32.Update(c, crcTable, []byte{typ})
}

// BlockHandle points at a block within the file. Size excludes the
// trailer.
type BlockHandle struct {
	Offset uint64
	Size   uint64
}

func encodeBlockHandle(dst []byte, h BlockHandle) []byte {
	dst = appendUvarint(dst, h.Offset)
	return appendUvarint(dst, h.Size)
}

func decodeBlockHandle(data []byte) (BlockHandle, int) {
	offset, n := binary.Uvarint(data)
	if n <= 0 {
		return BlockHandle{}, 0
	}
	size, m := binary.Uvarint(data[n:])
	if m <= 0 {
		return BlockHandle{}, 0
	}
	return BlockHandle{Offset: offset, Size: size}, n + m
}

// WriterOpts configures a table writer.
type WriterOpts struct {
	Path                 string
	Comparer             keys.Comparer
	Compression          compression.Config
	FilterPolicy         FilterPolicy
	BlockSize            int
	BlockRestartInterval int
	BlockMinEntries      int
	Logger               *slog.Logger
}

// Writer emits one table file from a stream of ascending internal
// keys.
type Writer struct {
	file   *os.File
	writer *bufio.Writer
	path   string
	cmp    keys.Comparer
	logger *slog.Logger

	dataBlock  *BlockBuilder
	indexBlock *BlockBuilder

	offset     uint64
	numEntries uint64
	numDeletes uint64

	smallestKey keys.InternalKey
	largestKey  keys.InternalKey
	smallestSeq uint64
	largestSeq  uint64

	// The index entry for a finished data block is deferred until the
	// next key arrives so the separator can be shortened against it.
	pendingHandle BlockHandle
	pendingLast   []byte
	havePending   bool

	filterGen  FilterGenerator
	filterName string

	compressor  compression.Compressor
	compressBuf []byte

	finished bool
	closed   bool
}

// NewWriter creates a table writer at opts.Path.
func NewWriter(opts WriterOpts) (*Writer, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	}
	cmp := opts.Comparer
	if cmp == nil {
		cmp = keys.BytewiseComparer
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
		return nil, err
	}
	file, err := os.Create(opts.Path)
	if err != nil {
		return nil, err
	}
	compressor, err := compression.NewCompressor(opts.Compression)
	if err != nil {
		file.Close()
		return nil, errors.Wrap(err, "sstable: creating compressor")
	}

	w := &Writer{
		file:        file,
		writer:      bufio.NewWriter(file),
		path:        opts.Path,
		cmp:         cmp,
		logger:      logger,
		dataBlock:   NewBlockBuilder(opts.BlockSize, opts.BlockRestartInterval, opts.BlockMinEntries),
		indexBlock:  NewBlockBuilder(opts.BlockSize, 1, 1),
		smallestSeq: keys.MaxSequence,
		compressor:  compressor,
	}
	if opts.FilterPolicy != nil {
		estimated := opts.BlockSize / 32 // rough: one key per ~32 bytes of block budget
		w.filterGen = opts.FilterPolicy.NewGenerator(estimated)
		w.filterName = opts.FilterPolicy.Name()
	}
	return w, nil
}

// Add appends an entry. Keys must arrive in ascending internal-key
// order.
func (w *Writer) Add(key keys.InternalKey, value []byte) error {
	if w.finished {
		return errors.New("sstable: writer already finished")
	}
	if !key.Valid() {
		return errors.New("sstable: key missing trailer")
	}

	if w.numEntries == 0 {
		w.smallestKey = key.Clone()
	}
	w.largestKey = append(w.largestKey[:0], key...)

	seq := key.Seq()
	if seq < w.smallestSeq {
		w.smallestSeq = seq
	}
	if seq > w.largestSeq {
		w.largestSeq = seq
	}
	if key.Kind() == keys.KindDelete {
		w.numDeletes++
	}

	// A block finished earlier can now get its index separator, which
	// must sort >= its last key and < the incoming key.
	if w.havePending {
		w.flushPendingIndex(key)
	}

	if w.filterGen != nil {
		w.filterGen.Add(key.UserKey())
	}

	w.dataBlock.Add(key, value)
	w.numEntries++

	if w.dataBlock.IsFull() {
		if err := w.finishDataBlock(); err != nil {
			return err
		}
	}
	return nil
}

// finishDataBlock writes out the current data block and queues its
// index entry.
func (w *Writer) finishDataBlock() error {
	if w.dataBlock.IsEmpty() {
		return nil
	}
	lastKey := append([]byte(nil), w.dataBlock.lastKey...)
	handle, err := w.writeBlock(w.dataBlock.Finish(), true)
	if err != nil {
		return err
	}
	w.dataBlock.Reset()
	w.pendingHandle = handle
	w.pendingLast = lastKey
	w.havePending = true
	return nil
}

// flushPendingIndex emits the deferred index entry, shortening the
// separator user key against nextKey when one is known.
func (w *Writer) flushPendingIndex(nextKey keys.InternalKey) {
	last := keys.InternalKey(w.pendingLast)
	var sepUser []byte
	if nextKey != nil {
		sepUser = w.cmp.AppendSeparator(nil, last.UserKey(), nextKey.UserKey())
	} else {
		sepUser = w.cmp.AppendSuccessor(nil, last.UserKey())
	}

	// When the user key was actually shortened it is strictly greater
	// than every user key in the block, so any trailer works and
	// MaxSequence keeps it smallest among equals. When it could not be
	// shortened the block's full last internal key must stand as the
	// index key: swapping its trailer for MaxSequence would sort the
	// separator before the block's own older versions and seeks for
	// them would skip the block.
	var sep keys.InternalKey
	if w.cmp.Compare(sepUser, last.UserKey()) > 0 {
		sep = keys.MakeInternalKey(sepUser, keys.MaxSequence, keys.KindSeek)
	} else {
		sep = last
	}

	var handleBuf [BlockHandleMaxSize]byte
	encoded := encodeBlockHandle(handleBuf[:0], w.pendingHandle)
	w.indexBlock.Add(sep, encoded)
	w.havePending = false
}

// writeBlock compresses (optionally) and writes a block plus trailer,
// returning its handle.
func (w *Writer) writeBlock(data []byte, compressible bool) (BlockHandle, error) {
	stored := data
	typ := uint8(compression.BlockNone)
	if compressible {
		var err error
		stored, typ, err = compression.CompressBlock(w.compressor, w.compressBuf[:0], data)
		if err != nil {
			return BlockHandle{}, errors.Wrap(err, "sstable: compressing block")
		}
		w.compressBuf = stored[:0]
	}

	handle := BlockHandle{Offset: w.offset, Size: uint64(len(stored))}

	if _, err := w.writer.Write(stored); err != nil {
		return BlockHandle{}, err
	}
	var trailer [BlockTrailerSize]byte
	trailer[0] = typ
	binary.LittleEndian.PutUint32(trailer[1:], blockCRC(stored, typ))
	if _, err := w.writer.Write(trailer[:]); err != nil {
		return BlockHandle{}, err
	}

	w.offset += uint64(len(stored)) + BlockTrailerSize
	return handle, nil
}

// Finish writes the filter, metaindex, index and footer, and syncs the
// file.
func (w *Writer) Finish() error {
	if w.finished {
		return nil
	}
	if err := w.finishDataBlock(); err != nil {
		return err
	}
	if w.havePending {
		w.flushPendingIndex(nil)
	}

	// Filter block. Never compressed: the bloom bit set does not shrink
	// and probes want it byte-addressable.
	var filterHandle BlockHandle
	haveFilter := false
	if w.filterGen != nil && w.numEntries > 0 {
		filter, err := w.filterGen.Finish()
		if err != nil {
			return errors.Wrap(err, "sstable: building filter")
		}
		filterHandle, err = w.writeBlock(filter, false)
		if err != nil {
			return err
		}
		haveFilter = true
	}

	// Metaindex block maps "filter.<policy>" to the filter handle.
	metaBlock := NewBlockBuilder(4096, 1, 1)
	if haveFilter {
		var handleBuf [BlockHandleMaxSize]byte
		encoded := encodeBlockHandle(handleBuf[:0], filterHandle)
		metaBlock.Add([]byte(filterMetaPrefix+w.filterName), encoded)
	}
	metaHandle, err := w.writeBlock(metaBlock.Finish(), false)
	if err != nil {
		return err
	}

	indexHandle, err := w.writeBlock(w.indexBlock.Finish(), true)
	if err != nil {
		return err
	}

	// Footer: metaindex handle, index handle, padding, magic.
	var footer [FooterSize]byte
	n := len(encodeBlockHandle(footer[:0], metaHandle))
	n += len(encodeBlockHandle(footer[n:n], indexHandle))
	binary.LittleEndian.PutUint64(footer[FooterSize-8:], Magic)
	if _, err := w.writer.Write(footer[:]); err != nil {
		return err
	}
	w.offset += FooterSize

	if err := w.writer.Flush(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	w.finished = true
	return nil
}

// Close closes the file and syncs the containing directory so the new
// entry survives a crash.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.writer.Flush(); err != nil {
		w.file.Close()
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}
	return syncDir(filepath.Dir(w.path))
}

// syncDir fsyncs a directory; EINVAL from filesystems that do not
// support it is ignored.
func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return err
	}
	return nil
}

// EstimatedSize returns the file size written so far plus pending
// blocks.
func (w *Writer) EstimatedSize() uint64 {
	return w.offset + uint64(w.dataBlock.EstimatedSize()) + uint64(w.indexBlock.EstimatedSize()) + FooterSize
}

// NumEntries returns the number of entries added.
func (w *Writer) NumEntries() uint64 { return w.numEntries }

// NumDeletions returns the number of tombstones added.
func (w *Writer) NumDeletions() uint64 { return w.numDeletes }

// SmallestKey returns the smallest key written.
func (w *Writer) SmallestKey() keys.InternalKey { return w.smallestKey }

// LargestKey returns the largest key written.
func (w *Writer) LargestKey() keys.InternalKey { return w.largestKey }

// SmallestSeq returns the smallest sequence number written.
func (w *Writer) SmallestSeq() uint64 {
	if w.numEntries == 0 {
		return 0
	}
	return w.smallestSeq
}

// LargestSeq returns the largest sequence number written.
func (w *Writer) LargestSeq() uint64 { return w.largestSeq }
