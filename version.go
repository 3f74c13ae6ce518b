package petrel

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/petreldb/petrel/keys"
	"github.com/petreldb/petrel/wal"
)

// Version is an immutable snapshot of the file set: for each level the
// ordered list of table files. Versions are refcounted; iterators and
// reads pin the Version they started on so compaction can never unlink
// a file out from under them.
type Version struct {
	vs *VersionSet

	// files[level] is ordered by file number (newest first) at level 0
	// and by smallest key at deeper levels.
	files [][]*FileMetadata

	refs atomic.Int32

	// Compaction bookkeeping computed when the version is installed.
	compactionScore float64
	compactionLevel int

	// File whose seek budget ran out, marked for compaction by
	// recordSeekCharge.
	seekCompactFile  *FileMetadata
	seekCompactLevel int
}

func newVersion(vs *VersionSet) *Version {
	return &Version{
		vs:              vs,
		files:           make([][]*FileMetadata, vs.numLevels),
		compactionLevel: -1,
	}
}

func (v *Version) ref() {
	v.refs.Add(1)
}

func (v *Version) unref() {
	if v.refs.Add(-1) == 0 {
		v.vs.mu.Lock()
		for i, lv := range v.vs.versions {
			if lv == v {
				v.vs.versions = append(v.vs.versions[:i], v.vs.versions[i+1:]...)
				break
			}
		}
		v.vs.mu.Unlock()
	}
}

// Files returns the file list at level.
func (v *Version) Files(level int) []*FileMetadata {
	if level < 0 || level >= len(v.files) {
		return nil
	}
	return v.files[level]
}

// NumFiles returns the file count at level.
func (v *Version) NumFiles(level int) int {
	return len(v.Files(level))
}

// afterFile reports whether userKey sorts after every key in f.
func afterFile(cmp keys.Comparer, userKey []byte, f *FileMetadata) bool {
	return userKey != nil && cmp.Compare(userKey, f.Largest.UserKey()) > 0
}

// beforeFile reports whether userKey sorts before every key in f.
func beforeFile(cmp keys.Comparer, userKey []byte, f *FileMetadata) bool {
	return userKey != nil && cmp.Compare(userKey, f.Smallest.UserKey()) < 0
}

// someFileOverlapsRange reports whether any file in files overlaps
// [smallestUser, largestUser]; nil bounds are open ended. The
// disjointSorted flag says the list is sorted by smallest key with
// disjoint ranges (levels >= 1), enabling binary search.
func someFileOverlapsRange(cmp keys.Comparer, disjointSorted bool, files []*FileMetadata, smallestUser, largestUser []byte) bool {
	if !disjointSorted {
		for _, f := range files {
			if afterFile(cmp, smallestUser, f) || beforeFile(cmp, largestUser, f) {
				continue
			}
			return true
		}
		return false
	}

	// Binary search for the first file whose largest key >= smallestUser.
	idx := 0
	if smallestUser != nil {
		idx = sort.Search(len(files), func(i int) bool {
			return cmp.Compare(files[i].Largest.UserKey(), smallestUser) >= 0
		})
	}
	if idx >= len(files) {
		return false
	}
	return !beforeFile(cmp, largestUser, files[idx])
}

// overlapInLevel reports whether level has any file overlapping the
// user key range.
func (v *Version) overlapInLevel(level int, smallestUser, largestUser []byte) bool {
	return someFileOverlapsRange(v.vs.cmp, level > 0, v.Files(level), smallestUser, largestUser)
}

// getOverlappingInputs collects the files in level overlapping
// [begin, end] (user keys, nil = open). At level 0 the range grows to
// cover every transitively overlapping file, because L0 files overlap
// each other.
func (v *Version) getOverlappingInputs(level int, begin, end []byte) []*FileMetadata {
	var inputs []*FileMetadata
	cmp := v.vs.cmp
	userBegin, userEnd := begin, end

	for i := 0; i < len(v.Files(level)); i++ {
		f := v.files[level][i]
		if afterFile(cmp, userBegin, f) || beforeFile(cmp, userEnd, f) {
			continue
		}
		inputs = append(inputs, f)
		if level == 0 {
			// Restart with the widened range.
			if userBegin != nil && cmp.Compare(f.Smallest.UserKey(), userBegin) < 0 {
				userBegin = f.Smallest.UserKey()
				inputs = inputs[:0]
				i = -1
			} else if userEnd != nil && cmp.Compare(f.Largest.UserKey(), userEnd) > 0 {
				userEnd = f.Largest.UserKey()
				inputs = inputs[:0]
				i = -1
			}
		}
	}
	return inputs
}

// get performs a point lookup through the version's levels: level 0
// newest-first, deeper levels via binary search. The returned charge
// names the first file probed when more than one file had to be
// consulted; the caller may charge it against the file's seek budget.
type seekCharge struct {
	file  *FileMetadata
	level int
}

func (v *Version) get(fc *FileCache, lkey keys.InternalKey, ro *ReadOptions) (value []byte, found bool, charge seekCharge, err error) {
	cmp := v.vs.cmp
	userKey := lkey.UserKey()

	var firstProbed *FileMetadata
	firstLevel := 0
	probes := 0

	probe := func(f *FileMetadata, level int) (done bool, value []byte, found bool, err error) {
		probes++
		if probes == 1 {
			firstProbed, firstLevel = f, level
		}
		cr, err := fc.Get(f.FileNum)
		if err != nil {
			return true, nil, false, err
		}
		defer cr.Release()

		ikey, val, err := cr.Reader().Get(lkey)
		if err != nil {
			return true, nil, false, err
		}
		if ikey == nil {
			return false, nil, false, nil
		}
		if ikey.Kind() == keys.KindDelete {
			return true, nil, false, nil
		}
		return true, val, true, nil
	}

	finishCharge := func() seekCharge {
		if probes > 1 && firstProbed != nil {
			return seekCharge{file: firstProbed, level: firstLevel}
		}
		return seekCharge{}
	}

	// Level 0: every overlapping file, newest first.
	for _, f := range v.Files(0) {
		if cmp.Compare(userKey, f.Smallest.UserKey()) < 0 ||
			cmp.Compare(userKey, f.Largest.UserKey()) > 0 {
			continue
		}
		done, val, ok, err := probe(f, 0)
		if err != nil {
			return nil, false, finishCharge(), err
		}
		if done {
			return val, ok, finishCharge(), nil
		}
	}

	// Deeper levels: at most one candidate file per level.
	for level := 1; level < len(v.files); level++ {
		files := v.files[level]
		if len(files) == 0 {
			continue
		}
		idx := sort.Search(len(files), func(i int) bool {
			return cmp.Compare(files[i].Largest.UserKey(), userKey) >= 0
		})
		if idx >= len(files) {
			continue
		}
		f := files[idx]
		if cmp.Compare(userKey, f.Smallest.UserKey()) < 0 {
			continue
		}
		done, val, ok, err := probe(f, level)
		if err != nil {
			return nil, false, finishCharge(), err
		}
		if done {
			return val, ok, finishCharge(), nil
		}
	}

	return nil, false, finishCharge(), nil
}

// recordSeekCharge decrements the charged file's seek budget and marks
// it for compaction at zero. Files already at the bottom level have
// nowhere to merge to and are never charged. Called with the database
// mutex held.
func (v *Version) recordSeekCharge(c seekCharge) bool {
	if c.file == nil || c.level >= len(v.files)-1 {
		return false
	}
	c.file.allowedSeeks--
	if c.file.allowedSeeks <= 0 && v.seekCompactFile == nil {
		v.seekCompactFile = c.file
		v.seekCompactLevel = c.level
		return true
	}
	return false
}

// needsCompaction reports whether the version wants size- or
// seek-triggered compaction work.
func (v *Version) needsCompaction() bool {
	return v.compactionScore >= 1 || v.seekCompactFile != nil
}

// levelSummary renders per-level file counts for logs and properties.
func (v *Version) levelSummary() string {
	s := "files["
	for level := range v.files {
		if level > 0 {
			s += " "
		}
		s += fmt.Sprintf("%d", len(v.files[level]))
	}
	return s + "]"
}

// VersionSet owns the version history, the file number allocator, the
// sequence high-water mark, and the MANIFEST.
type VersionSet struct {
	dir     string
	opts    *Options
	cmp     keys.Comparer
	logger  *slog.Logger
	current *Version

	// mu guards versions list membership and refcount transitions.
	mu       sync.Mutex
	versions []*Version

	nextFileNum     uint64
	lastSequence    uint64
	logNumber       uint64
	prevLogNumber   uint64
	manifestFileNum uint64

	// compactPointers remember where the last compaction at each level
	// stopped, so compactions rotate through the key space.
	compactPointers []keys.InternalKey

	manifest *wal.Writer

	numLevels int
}

// newVersionSet creates an empty version set with one empty current
// version.
func newVersionSet(dir string, opts *Options, logger *slog.Logger) *VersionSet {
	vs := &VersionSet{
		dir:             dir,
		opts:            opts,
		cmp:             opts.comparer(),
		logger:          logger,
		nextFileNum:     2,
		numLevels:       opts.NumLevels,
		compactPointers: make([]keys.InternalKey, opts.NumLevels),
	}
	v := newVersion(vs)
	vs.appendVersion(v)
	return vs
}

// appendVersion installs v as current.
func (vs *VersionSet) appendVersion(v *Version) {
	old := vs.current
	v.ref()
	vs.current = v
	vs.mu.Lock()
	vs.versions = append(vs.versions, v)
	vs.mu.Unlock()
	if old != nil {
		old.unref()
	}
}

// newFileNumber allocates the next file number.
func (vs *VersionSet) newFileNumber() uint64 {
	n := vs.nextFileNum
	vs.nextFileNum++
	return n
}

// reuseFileNumber hands back the most recently allocated number if it
// went unused, keeping numbers dense when table builds abort early.
func (vs *VersionSet) reuseFileNumber(num uint64) {
	if vs.nextFileNum == num+1 {
		vs.nextFileNum = num
	}
}

// markFileNumberUsed bumps the allocator past a number observed in the
// manifest or a log name.
func (vs *VersionSet) markFileNumberUsed(num uint64) {
	if vs.nextFileNum <= num {
		vs.nextFileNum = num + 1
	}
}

// logAndApply applies edit to the current version, persists it to the
// MANIFEST, and installs the result as current. Called with the
// database mutex held; the caller must not touch edit afterwards.
func (vs *VersionSet) logAndApply(edit *VersionEdit) error {
	if edit.hasLogNumber {
		if edit.logNumber < vs.logNumber || edit.logNumber >= vs.nextFileNum {
			return errors.AssertionFailedf("log number %d out of range", edit.logNumber)
		}
	} else {
		edit.setLogNumber(vs.logNumber)
	}
	if !edit.hasPrevLog {
		edit.setPrevLogNumber(vs.prevLogNumber)
	}
	edit.setNextFileNumber(vs.nextFileNum)
	edit.setLastSequence(vs.lastSequence)

	v := newVersion(vs)
	builder := newVersionBuilder(vs, vs.current)
	builder.apply(edit)
	if err := builder.saveTo(v); err != nil {
		return err
	}
	vs.finalize(v)

	// First edit after open creates a fresh manifest seeded with a
	// snapshot of the current state.
	createdManifest := false
	if vs.manifest == nil {
		vs.manifestFileNum = vs.newFileNumber()
		edit.setNextFileNumber(vs.nextFileNum)
		m, err := wal.NewWriter(manifestFileName(vs.dir, vs.manifestFileNum))
		if err != nil {
			return ioErr(err)
		}
		vs.manifest = m
		createdManifest = true
		if err := vs.writeSnapshot(); err != nil {
			vs.manifest.Close()
			vs.manifest = nil
			os.Remove(manifestFileName(vs.dir, vs.manifestFileNum))
			return err
		}
	}

	if err := vs.manifest.AddRecord(edit.Encode()); err != nil {
		return vs.manifestFailed(createdManifest, err)
	}
	if err := vs.manifest.Sync(); err != nil {
		return vs.manifestFailed(createdManifest, err)
	}
	if createdManifest {
		if err := setCurrentFile(vs.dir, vs.manifestFileNum); err != nil {
			return vs.manifestFailed(createdManifest, err)
		}
	}

	// Point of no return: the edit is durable.
	for _, cp := range edit.compactPointers {
		vs.compactPointers[cp.level] = cp.key
	}
	vs.appendVersion(v)
	vs.logNumber = edit.logNumber
	vs.prevLogNumber = edit.prevLogNumber
	return nil
}

// manifestFailed abandons the current manifest after a write error so
// the next edit starts a fresh file. The predecessor version stays
// current.
func (vs *VersionSet) manifestFailed(created bool, err error) error {
	vs.logger.Error("manifest write failed", "error", err)
	vs.manifest.Close()
	vs.manifest = nil
	if created {
		os.Remove(manifestFileName(vs.dir, vs.manifestFileNum))
	}
	return ioErr(err)
}

// writeSnapshot records the complete current state as the first record
// of a new manifest.
func (vs *VersionSet) writeSnapshot() error {
	edit := NewVersionEdit()
	edit.setComparatorName(vs.cmp.Name())
	for level, key := range vs.compactPointers {
		if key != nil {
			edit.setCompactPointer(level, key)
		}
	}
	for level, files := range vs.current.files {
		for _, f := range files {
			edit.AddFile(level, f)
		}
	}
	if err := vs.manifest.AddRecord(edit.Encode()); err != nil {
		return ioErr(err)
	}
	return nil
}

// recover rebuilds state from CURRENT and the manifest it names.
func (vs *VersionSet) recover() error {
	manifestNum, err := readCurrentFile(vs.dir)
	if err != nil {
		return err
	}

	reader, err := wal.NewReader(manifestFileName(vs.dir, manifestNum))
	if err != nil {
		return ioErr(err)
	}
	defer reader.Close()

	var (
		haveLogNumber  bool
		haveNextFile   bool
		haveLastSeq    bool
		logNumber      uint64
		prevLogNumber  uint64
		nextFileNumber uint64
		lastSequence   uint64
	)

	builder := newVersionBuilder(vs, vs.current)
	for {
		rec, err := reader.ReadRecord()
		if err == io.EOF {
			break
		}
		if err == io.ErrUnexpectedEOF {
			// Torn tail on the manifest is treated like a torn WAL tail:
			// everything before it already applied.
			vs.logger.Warn("manifest ends mid-record; ignoring tail", "manifest", manifestNum)
			break
		}
		if err != nil {
			return corruptionf("reading MANIFEST-%06d: %v", manifestNum, err)
		}
		edit := NewVersionEdit()
		if err := edit.Decode(rec); err != nil {
			return err
		}
		if edit.hasComparator && edit.comparatorName != vs.cmp.Name() {
			return corruptionf("comparator mismatch: database uses %q, options provide %q",
				edit.comparatorName, vs.cmp.Name())
		}
		builder.apply(edit)
		for _, cp := range edit.compactPointers {
			vs.compactPointers[cp.level] = cp.key
		}
		if edit.hasLogNumber {
			logNumber = edit.logNumber
			haveLogNumber = true
		}
		if edit.hasPrevLog {
			prevLogNumber = edit.prevLogNumber
		}
		if edit.hasNextFile {
			nextFileNumber = edit.nextFileNumber
			haveNextFile = true
		}
		if edit.hasLastSequence {
			lastSequence = edit.lastSequence
			haveLastSeq = true
		}
	}

	if !haveNextFile || !haveLogNumber || !haveLastSeq {
		return corruptionf("MANIFEST-%06d missing required fields", manifestNum)
	}

	v := newVersion(vs)
	if err := builder.saveTo(v); err != nil {
		return err
	}
	vs.finalize(v)
	vs.appendVersion(v)

	vs.nextFileNum = nextFileNumber
	vs.logNumber = logNumber
	vs.prevLogNumber = prevLogNumber
	vs.lastSequence = lastSequence
	vs.markFileNumberUsed(logNumber)
	vs.markFileNumberUsed(prevLogNumber)

	vs.logger.Info("recovered manifest",
		"manifest", manifestNum,
		"log_number", logNumber,
		"next_file", nextFileNumber,
		"last_sequence", lastSequence,
		"levels", v.levelSummary())
	return nil
}

// finalize computes the level most in need of compaction.
func (vs *VersionSet) finalize(v *Version) {
	bestLevel := -1
	bestScore := -1.0
	for level := 0; level < vs.numLevels-1; level++ {
		var score float64
		if level == 0 {
			// File count, not bytes: every L0 file is consulted on every
			// read, and with small write buffers byte ratios would let
			// hundreds of tiny files pile up.
			score = float64(len(v.files[level])) / float64(vs.opts.L0CompactionTrigger)
		} else {
			score = float64(totalFileSize(v.files[level])) / float64(vs.opts.maxBytesForLevel(level))
		}
		if score > bestScore {
			bestScore = score
			bestLevel = level
		}
	}
	v.compactionLevel = bestLevel
	v.compactionScore = bestScore
}

func totalFileSize(files []*FileMetadata) int64 {
	var sum int64
	for _, f := range files {
		sum += int64(f.Size)
	}
	return sum
}

// liveFileNumbers collects the file numbers referenced by any live
// version.
func (vs *VersionSet) liveFileNumbers() map[uint64]struct{} {
	live := make(map[uint64]struct{})
	vs.mu.Lock()
	defer vs.mu.Unlock()
	for _, v := range vs.versions {
		for _, files := range v.files {
			for _, f := range files {
				live[f.FileNum] = struct{}{}
			}
		}
	}
	return live
}

// approximateOffsetOf estimates how many bytes of v precede ikey.
func (vs *VersionSet) approximateOffsetOf(fc *FileCache, v *Version, ikey keys.InternalKey) uint64 {
	var result uint64
	for level, files := range v.files {
		for _, f := range files {
			if keys.InternalCompare(vs.cmp, f.Largest, ikey) <= 0 {
				result += f.Size
				continue
			}
			if keys.InternalCompare(vs.cmp, f.Smallest, ikey) > 0 {
				if level > 0 {
					// Later files in a sorted level are all past ikey.
					break
				}
				continue
			}
			// ikey falls inside this file; ask the table how far in.
			if cr, err := fc.Get(f.FileNum); err == nil {
				result += cr.Reader().ApproximateOffsetOf(ikey)
				cr.Release()
			}
		}
	}
	return result
}

// close releases the manifest writer.
func (vs *VersionSet) close() error {
	if vs.manifest != nil {
		err := vs.manifest.Close()
		vs.manifest = nil
		return err
	}
	return nil
}

// versionBuilder accumulates edits on top of a base version and
// produces the successor file lists.
type versionBuilder struct {
	vs      *VersionSet
	base    *Version
	deleted []map[uint64]struct{}
	added   [][]*FileMetadata
}

func newVersionBuilder(vs *VersionSet, base *Version) *versionBuilder {
	b := &versionBuilder{
		vs:      vs,
		base:    base,
		deleted: make([]map[uint64]struct{}, vs.numLevels),
		added:   make([][]*FileMetadata, vs.numLevels),
	}
	for i := range b.deleted {
		b.deleted[i] = make(map[uint64]struct{})
	}
	return b
}

// apply folds one edit into the builder.
func (b *versionBuilder) apply(edit *VersionEdit) {
	for _, df := range edit.deletedFiles {
		if df.level < len(b.deleted) {
			b.deleted[df.level][df.fileNum] = struct{}{}
		}
	}
	for _, nf := range edit.newFiles {
		if nf.level >= len(b.added) {
			continue
		}
		delete(b.deleted[nf.level], nf.meta.FileNum)
		b.added[nf.level] = append(b.added[nf.level], nf.meta)
	}
}

// saveTo materializes the accumulated state into v, validating the
// disjointness invariant at levels >= 1.
func (b *versionBuilder) saveTo(v *Version) error {
	cmp := b.vs.cmp
	for level := 0; level < b.vs.numLevels; level++ {
		merged := make([]*FileMetadata, 0, len(b.base.files[level])+len(b.added[level]))
		for _, f := range b.base.files[level] {
			if _, gone := b.deleted[level][f.FileNum]; gone {
				continue
			}
			merged = append(merged, f)
		}
		merged = append(merged, b.added[level]...)

		if level == 0 {
			// Newest first: higher file numbers shadow lower ones.
			sort.Slice(merged, func(i, j int) bool {
				return merged[i].FileNum > merged[j].FileNum
			})
		} else {
			sort.Slice(merged, func(i, j int) bool {
				return keys.InternalCompare(cmp, merged[i].Smallest, merged[j].Smallest) < 0
			})
			for i := 1; i < len(merged); i++ {
				prev, cur := merged[i-1], merged[i]
				if cmp.Compare(prev.Largest.UserKey(), cur.Smallest.UserKey()) >= 0 {
					return corruptionf("level %d files %06d and %06d overlap", level, prev.FileNum, cur.FileNum)
				}
			}
		}
		v.files[level] = merged
	}
	return nil
}
