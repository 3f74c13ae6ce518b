package petrel

import (
	"encoding/binary"

	"github.com/petreldb/petrel/keys"
)

// Manifest record tags. On-disk contract; do not renumber.
const (
	tagComparator     = 1
	tagLogNumber      = 2
	tagNextFileNumber = 3
	tagLastSequence   = 4
	tagCompactPointer = 5
	tagDeletedFile    = 6
	tagNewFile        = 7
	tagPrevLogNumber  = 9
)

// FileMetadata describes one table file within a Version.
type FileMetadata struct {
	FileNum  uint64
	Size     uint64
	Smallest keys.InternalKey
	Largest  keys.InternalKey

	// allowedSeeks counts down on charged read misses; at zero the file
	// becomes a compaction candidate. Runtime state, not persisted.
	allowedSeeks int
}

// initAllowedSeeks derives the seek budget from file size: one seek
// per 16KB, floored. The cost model is that a seek is worth about the
// same as compacting 16KB of data.
func (f *FileMetadata) initAllowedSeeks() {
	n := int(f.Size / 16384)
	if n < 100 {
		n = 100
	}
	f.allowedSeeks = n
}

type deletedFileEntry struct {
	level   int
	fileNum uint64
}

type newFileEntry struct {
	level int
	meta  *FileMetadata
}

type compactPointerEntry struct {
	level int
	key   keys.InternalKey
}

// VersionEdit is the delta between two Versions, serialized as one
// manifest record.
type VersionEdit struct {
	comparatorName  string
	logNumber       uint64
	prevLogNumber   uint64
	nextFileNumber  uint64
	lastSequence    uint64
	hasComparator   bool
	hasLogNumber    bool
	hasPrevLog      bool
	hasNextFile     bool
	hasLastSequence bool

	compactPointers []compactPointerEntry
	deletedFiles    []deletedFileEntry
	newFiles        []newFileEntry
}

// NewVersionEdit returns an empty edit.
func NewVersionEdit() *VersionEdit {
	return &VersionEdit{}
}

func (ve *VersionEdit) setComparatorName(name string) {
	ve.comparatorName = name
	ve.hasComparator = true
}

func (ve *VersionEdit) setLogNumber(num uint64) {
	ve.logNumber = num
	ve.hasLogNumber = true
}

func (ve *VersionEdit) setPrevLogNumber(num uint64) {
	ve.prevLogNumber = num
	ve.hasPrevLog = true
}

func (ve *VersionEdit) setNextFileNumber(num uint64) {
	ve.nextFileNumber = num
	ve.hasNextFile = true
}

func (ve *VersionEdit) setLastSequence(seq uint64) {
	ve.lastSequence = seq
	ve.hasLastSequence = true
}

func (ve *VersionEdit) setCompactPointer(level int, key keys.InternalKey) {
	ve.compactPointers = append(ve.compactPointers, compactPointerEntry{level, key.Clone()})
}

// AddFile records meta joining level.
func (ve *VersionEdit) AddFile(level int, meta *FileMetadata) {
	ve.newFiles = append(ve.newFiles, newFileEntry{level, meta})
}

// DeleteFile records fileNum leaving level.
func (ve *VersionEdit) DeleteFile(level int, fileNum uint64) {
	ve.deletedFiles = append(ve.deletedFiles, deletedFileEntry{level, fileNum})
}

func appendLengthPrefixed(dst, b []byte) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(b)))
	return append(dst, b...)
}

// Encode serializes the edit for a manifest record.
func (ve *VersionEdit) Encode() []byte {
	var buf []byte
	if ve.hasComparator {
		buf = binary.AppendUvarint(buf, tagComparator)
		buf = appendLengthPrefixed(buf, []byte(ve.comparatorName))
	}
	if ve.hasLogNumber {
		buf = binary.AppendUvarint(buf, tagLogNumber)
		buf = binary.AppendUvarint(buf, ve.logNumber)
	}
	if ve.hasPrevLog {
		buf = binary.AppendUvarint(buf, tagPrevLogNumber)
		buf = binary.AppendUvarint(buf, ve.prevLogNumber)
	}
	if ve.hasNextFile {
		buf = binary.AppendUvarint(buf, tagNextFileNumber)
		buf = binary.AppendUvarint(buf, ve.nextFileNumber)
	}
	if ve.hasLastSequence {
		buf = binary.AppendUvarint(buf, tagLastSequence)
		buf = binary.AppendUvarint(buf, ve.lastSequence)
	}
	for _, cp := range ve.compactPointers {
		buf = binary.AppendUvarint(buf, tagCompactPointer)
		buf = binary.AppendUvarint(buf, uint64(cp.level))
		buf = appendLengthPrefixed(buf, cp.key)
	}
	for _, df := range ve.deletedFiles {
		buf = binary.AppendUvarint(buf, tagDeletedFile)
		buf = binary.AppendUvarint(buf, uint64(df.level))
		buf = binary.AppendUvarint(buf, df.fileNum)
	}
	for _, nf := range ve.newFiles {
		buf = binary.AppendUvarint(buf, tagNewFile)
		buf = binary.AppendUvarint(buf, uint64(nf.level))
		buf = binary.AppendUvarint(buf, nf.meta.FileNum)
		buf = binary.AppendUvarint(buf, nf.meta.Size)
		buf = appendLengthPrefixed(buf, nf.meta.Smallest)
		buf = appendLengthPrefixed(buf, nf.meta.Largest)
	}
	return buf
}

type editDecoder struct {
	data []byte
}

func (d *editDecoder) uvarint() (uint64, bool) {
	v, n := binary.Uvarint(d.data)
	if n <= 0 {
		return 0, false
	}
	d.data = d.data[n:]
	return v, true
}

func (d *editDecoder) bytes() ([]byte, bool) {
	n, ok := d.uvarint()
	if !ok || uint64(len(d.data)) < n {
		return nil, false
	}
	b := make([]byte, n)
	copy(b, d.data[:n])
	d.data = d.data[n:]
	return b, true
}

// Decode parses a manifest record back into the edit.
func (ve *VersionEdit) Decode(data []byte) error {
	d := &editDecoder{data: data}
	for len(d.data) > 0 {
		tag, ok := d.uvarint()
		if !ok {
			return corruptionf("manifest edit: bad tag")
		}
		switch tag {
		case tagComparator:
			name, ok := d.bytes()
			if !ok {
				return corruptionf("manifest edit: bad comparator name")
			}
			ve.setComparatorName(string(name))
		case tagLogNumber:
			v, ok := d.uvarint()
			if !ok {
				return corruptionf("manifest edit: bad log number")
			}
			ve.setLogNumber(v)
		case tagPrevLogNumber:
			v, ok := d.uvarint()
			if !ok {
				return corruptionf("manifest edit: bad prev log number")
			}
			ve.setPrevLogNumber(v)
		case tagNextFileNumber:
			v, ok := d.uvarint()
			if !ok {
				return corruptionf("manifest edit: bad next file number")
			}
			ve.setNextFileNumber(v)
		case tagLastSequence:
			v, ok := d.uvarint()
			if !ok {
				return corruptionf("manifest edit: bad last sequence")
			}
			ve.setLastSequence(v)
		case tagCompactPointer:
			level, ok := d.uvarint()
			if !ok {
				return corruptionf("manifest edit: bad compact pointer level")
			}
			key, ok := d.bytes()
			if !ok {
				return corruptionf("manifest edit: bad compact pointer key")
			}
			ve.compactPointers = append(ve.compactPointers,
				compactPointerEntry{int(level), keys.InternalKey(key)})
		case tagDeletedFile:
			level, ok := d.uvarint()
			if !ok {
				return corruptionf("manifest edit: bad deleted file level")
			}
			fileNum, ok := d.uvarint()
			if !ok {
				return corruptionf("manifest edit: bad deleted file number")
			}
			ve.deletedFiles = append(ve.deletedFiles, deletedFileEntry{int(level), fileNum})
		case tagNewFile:
			level, ok := d.uvarint()
			if !ok {
				return corruptionf("manifest edit: bad new file level")
			}
			fileNum, ok := d.uvarint()
			if !ok {
				return corruptionf("manifest edit: bad new file number")
			}
			size, ok := d.uvarint()
			if !ok {
				return corruptionf("manifest edit: bad new file size")
			}
			smallest, ok := d.bytes()
			if !ok {
				return corruptionf("manifest edit: bad smallest key")
			}
			largest, ok := d.bytes()
			if !ok {
				return corruptionf("manifest edit: bad largest key")
			}
			meta := &FileMetadata{
				FileNum:  fileNum,
				Size:     size,
				Smallest: keys.InternalKey(smallest),
				Largest:  keys.InternalKey(largest),
			}
			meta.initAllowedSeeks()
			ve.newFiles = append(ve.newFiles, newFileEntry{int(level), meta})
		default:
			return corruptionf("manifest edit: unknown tag %d", tag)
		}
	}
	return nil
}
