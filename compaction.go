package petrel

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/petreldb/petrel/keys"
	"github.com/petreldb/petrel/sstable"
)

// errClosedDuringCompaction aborts a compaction interrupted by Close;
// the inputs stay live and the work rolls back.
var errClosedDuringCompaction = errors.New("petrel: database closed during compaction")

// compaction describes one unit of table compaction work: the files at
// level and the overlapping files at level+1, merging into new tables
// at level+1.
type compaction struct {
	level   int
	version *Version // referenced for the compaction's lifetime
	edit    *VersionEdit

	// inputs[0] holds the level files, inputs[1] the level+1 overlaps.
	inputs [2][]*FileMetadata

	// grandparents are the level+2 files overlapping the compaction;
	// outputs are cut before overlapping too many of their bytes so the
	// eventual compaction of level+1 stays bounded.
	grandparents     []*FileMetadata
	grandparentIndex int
	seenKey          bool
	overlappedBytes  int64

	// levelPtrs memoize the per-level positions for isBaseLevelForKey;
	// keys arrive in ascending order, so the scan never restarts.
	levelPtrs []int

	maxOutputFileSize int64
}

func newCompaction(vs *VersionSet, v *Version, level int) *compaction {
	v.ref()
	return &compaction{
		level:             level,
		version:           v,
		edit:              NewVersionEdit(),
		levelPtrs:         make([]int, vs.numLevels),
		maxOutputFileSize: vs.opts.MaxFileSize,
	}
}

func (c *compaction) release() {
	if c.version != nil {
		c.version.unref()
		c.version = nil
	}
}

// isTrivialMove reports whether the compaction can be satisfied by
// moving a single file down a level without rewriting it.
func (c *compaction) isTrivialMove() bool {
	return len(c.inputs[0]) == 1 && len(c.inputs[1]) == 0 &&
		totalFileSize(c.grandparents) <= c.version.vs.opts.maxGrandparentOverlapBytes()
}

// isBaseLevelForKey reports that no level deeper than the output level
// can contain userKey, so a tombstone for it has nothing left to hide
// and may be dropped.
func (c *compaction) isBaseLevelForKey(userKey []byte) bool {
	cmp := c.version.vs.cmp
	for level := c.level + 2; level < len(c.version.files); level++ {
		files := c.version.files[level]
		for c.levelPtrs[level] < len(files) {
			f := files[c.levelPtrs[level]]
			if cmp.Compare(userKey, f.Largest.UserKey()) <= 0 {
				if cmp.Compare(userKey, f.Smallest.UserKey()) >= 0 {
					return false
				}
				break
			}
			c.levelPtrs[level]++
		}
	}
	return true
}

// shouldStopBefore reports whether the current output should be
// finalized before writing key, based on accumulated grandparent
// overlap.
func (c *compaction) shouldStopBefore(key keys.InternalKey) bool {
	vs := c.version.vs
	for c.grandparentIndex < len(c.grandparents) &&
		keys.InternalCompare(vs.cmp, key, c.grandparents[c.grandparentIndex].Largest) > 0 {
		if c.seenKey {
			c.overlappedBytes += int64(c.grandparents[c.grandparentIndex].Size)
		}
		c.grandparentIndex++
	}
	c.seenKey = true
	if c.overlappedBytes > vs.opts.maxGrandparentOverlapBytes() {
		c.overlappedBytes = 0
		return true
	}
	return false
}

// rangeOfFiles returns the smallest and largest internal keys spanned
// by files.
func rangeOfFiles(cmp keys.Comparer, files []*FileMetadata) (smallest, largest keys.InternalKey) {
	for _, f := range files {
		if smallest == nil || keys.InternalCompare(cmp, f.Smallest, smallest) < 0 {
			smallest = f.Smallest
		}
		if largest == nil || keys.InternalCompare(cmp, f.Largest, largest) > 0 {
			largest = f.Largest
		}
	}
	return smallest, largest
}

// pickCompaction chooses the most urgent compaction: size-triggered
// levels first, then seek-triggered files. Returns nil when nothing
// needs work. Called with the database mutex held.
func (vs *VersionSet) pickCompaction() *compaction {
	v := vs.current

	var c *compaction
	switch {
	case v.compactionScore >= 1:
		level := v.compactionLevel
		c = newCompaction(vs, v, level)
		// Resume after the key where the last compaction at this level
		// stopped, wrapping to the start.
		for _, f := range v.files[level] {
			if vs.compactPointers[level] == nil ||
				keys.InternalCompare(vs.cmp, f.Largest, vs.compactPointers[level]) > 0 {
				c.inputs[0] = append(c.inputs[0], f)
				break
			}
		}
		if len(c.inputs[0]) == 0 && len(v.files[level]) > 0 {
			c.inputs[0] = append(c.inputs[0], v.files[level][0])
		}
	case v.seekCompactFile != nil:
		c = newCompaction(vs, v, v.seekCompactLevel)
		c.inputs[0] = append(c.inputs[0], v.seekCompactFile)
	default:
		return nil
	}

	if len(c.inputs[0]) == 0 {
		c.release()
		return nil
	}

	// Level-0 files overlap each other: widen to the full transitive
	// set before looking at level 1.
	if c.level == 0 {
		smallest, largest := rangeOfFiles(vs.cmp, c.inputs[0])
		c.inputs[0] = v.getOverlappingInputs(0, smallest.UserKey(), largest.UserKey())
	}

	vs.setupOtherInputs(c)
	return c
}

// pickCompactionAt builds a manual compaction over the files of level
// overlapping [begin, end]; nil bounds are open. Returns nil when the
// level has no overlap. Called with the database mutex held.
func (vs *VersionSet) pickCompactionAt(level int, begin, end keys.InternalKey) *compaction {
	v := vs.current
	var beginUser, endUser []byte
	if begin != nil {
		beginUser = begin.UserKey()
	}
	if end != nil {
		endUser = end.UserKey()
	}
	inputs := v.getOverlappingInputs(level, beginUser, endUser)
	if len(inputs) == 0 {
		return nil
	}
	c := newCompaction(vs, v, level)
	c.inputs[0] = inputs
	vs.setupOtherInputs(c)
	return c
}

// setupOtherInputs completes a compaction: the level+1 overlaps, an
// attempt to widen the seed level while that does not drag in more
// level+1 data, the grandparent set, and the new compact pointer.
func (vs *VersionSet) setupOtherInputs(c *compaction) {
	v := c.version
	level := c.level

	smallest, largest := rangeOfFiles(vs.cmp, c.inputs[0])
	c.inputs[1] = v.getOverlappingInputs(level+1, smallest.UserKey(), largest.UserKey())
	allStart, allLimit := rangeOfFiles(vs.cmp, append(append([]*FileMetadata{}, c.inputs[0]...), c.inputs[1]...))

	// Re-expand the seed level to everything under the combined range,
	// but only if that changes neither the level+1 input set nor blows
	// the size budget: growing the cheap side is free work.
	if len(c.inputs[1]) > 0 {
		expanded0 := v.getOverlappingInputs(level, allStart.UserKey(), allLimit.UserKey())
		inputs1Size := totalFileSize(c.inputs[1])
		expanded0Size := totalFileSize(expanded0)
		if len(expanded0) > len(c.inputs[0]) &&
			inputs1Size+expanded0Size < vs.opts.expandedCompactionByteSizeLimit() {
			newStart, newLimit := rangeOfFiles(vs.cmp, expanded0)
			expanded1 := v.getOverlappingInputs(level+1, newStart.UserKey(), newLimit.UserKey())
			if len(expanded1) == len(c.inputs[1]) {
				vs.logger.Info("expanding compaction inputs",
					"level", level,
					"files_before", len(c.inputs[0]),
					"files_after", len(expanded0))
				c.inputs[0] = expanded0
				smallest, largest = newStart, newLimit
				c.inputs[1] = expanded1
				allStart, allLimit = rangeOfFiles(vs.cmp, append(append([]*FileMetadata{}, c.inputs[0]...), c.inputs[1]...))
			}
		}
	}

	if level+2 < vs.numLevels {
		c.grandparents = v.getOverlappingInputs(level+2, allStart.UserKey(), allLimit.UserKey())
	}

	// Next compaction at this level starts past what this one covers.
	vs.compactPointers[level] = largest.Clone()
	c.edit.setCompactPointer(level, largest)
}

// newCompactionIterator merges all compaction inputs into one stream
// of internal keys. Level-0 inputs get one iterator per file; sorted
// levels share a concatenating iterator. Blocks read here bypass the
// block cache.
func (db *DB) newCompactionIterator(c *compaction) (internalIterator, error) {
	var children []internalIterator
	fail := func(err error) (internalIterator, error) {
		for _, child := range children {
			child.Close()
		}
		return nil, err
	}

	for which, files := range c.inputs {
		if len(files) == 0 {
			continue
		}
		if c.level+which == 0 {
			for _, f := range files {
				cr, err := db.fileCache.Get(f.FileNum)
				if err != nil {
					return fail(err)
				}
				children = append(children, &tableIterWithCache{
					TableIterator: cr.Reader().NewIterator(nil, false),
					cached:        cr,
				})
			}
		} else {
			children = append(children, newLevelIterator(files, db.fileCache, db.cmp, false))
		}
	}
	return newMergingIterator(db.cmp, children), nil
}

// compactionOutput tracks the table file being produced.
type compactionOutput struct {
	fileNum uint64
	writer  *sstable.Writer
	path    string
}

// doCompactionWork merges the inputs into new tables at level+1,
// dropping shadowed versions and dead tombstones, and installs the
// edit. Called with the database mutex held; the merge itself runs
// with it dropped.
func (db *DB) doCompactionWork(c *compaction) error {
	start := time.Now()

	// Entries at or below every live snapshot can collapse; with no
	// snapshots the current sequence bounds visibility.
	smallestSnapshot := db.versions.lastSequence
	if !db.snapshots.empty() {
		smallestSnapshot = db.snapshots.oldest().seq
	}

	db.logger.Info("compacting",
		"level", c.level,
		"level_files", len(c.inputs[0]),
		"next_level_files", len(c.inputs[1]),
		"smallest_snapshot", smallestSnapshot)

	db.mu.Unlock()

	iter, err := db.newCompactionIterator(c)
	if err != nil {
		db.mu.Lock()
		return err
	}

	var (
		outputs        []*FileMetadata
		out            *compactionOutput
		currentUserKey []byte
		haveUserKey    bool
		lastSeqForKey  = keys.MaxSequence
		bytesWritten   int64
	)

	finishOutput := func() error {
		if out == nil {
			return nil
		}
		w := out.writer
		if err := w.Finish(); err != nil {
			w.Close()
			return ioErr(err)
		}
		if err := w.Close(); err != nil {
			return ioErr(err)
		}
		if err := os.Rename(out.path+".tmp", out.path); err != nil {
			return ioErr(err)
		}
		meta := &FileMetadata{
			FileNum:  out.fileNum,
			Size:     w.EstimatedSize(),
			Smallest: w.SmallestKey().Clone(),
			Largest:  w.LargestKey().Clone(),
		}
		meta.initAllowedSeeks()
		outputs = append(outputs, meta)
		bytesWritten += int64(meta.Size)
		out = nil
		return nil
	}

	openOutput := func() error {
		db.mu.Lock()
		fileNum := db.versions.newFileNumber()
		db.pendingOutputs[fileNum] = struct{}{}
		db.mu.Unlock()

		path := tableFileName(db.path, fileNum)
		w, err := sstable.NewWriter(sstable.WriterOpts{
			Path:                 path + ".tmp",
			Comparer:             db.cmp,
			Compression:          db.opts.compressionForLevel(c.level + 1),
			FilterPolicy:         db.opts.FilterPolicy,
			BlockSize:            db.opts.BlockSize,
			BlockRestartInterval: db.opts.BlockRestartInterval,
			BlockMinEntries:      DefaultBlockMinEntries,
			Logger:               db.logger,
		})
		if err != nil {
			return ioErr(err)
		}
		out = &compactionOutput{fileNum: fileNum, writer: w, path: path}
		return nil
	}

	var workErr error
	for iter.SeekToFirst(); iter.Valid() && !db.shuttingDown.Load(); iter.Next() {
		// Give a waiting memtable flush priority so writers do not
		// stall behind a long compaction.
		if db.hasImm.Load() {
			db.mu.Lock()
			if db.imm != nil {
				if err := db.compactMemTable(); err != nil {
					db.recordBackgroundError(err)
				}
			}
			db.bgCond.Broadcast()
			db.mu.Unlock()
		}

		key := iter.Key()

		if out != nil && c.shouldStopBefore(key) {
			if workErr = finishOutput(); workErr != nil {
				break
			}
		}

		drop := false
		ukey := key.UserKey()
		if !haveUserKey || db.cmp.Compare(ukey, currentUserKey) != 0 {
			currentUserKey = append(currentUserKey[:0], ukey...)
			haveUserKey = true
			lastSeqForKey = keys.MaxSequence
		}

		switch {
		case lastSeqForKey <= smallestSnapshot:
			// A newer entry for this user key already sits at or below
			// the oldest snapshot; nothing can see this one.
			drop = true
		case key.Kind() == keys.KindDelete && key.Seq() <= smallestSnapshot && c.isBaseLevelForKey(ukey):
			// The tombstone is below every snapshot and no deeper level
			// holds data for the key, so both it and whatever it hides
			// are gone.
			drop = true
		}
		lastSeqForKey = key.Seq()

		if !drop {
			if out == nil {
				if workErr = openOutput(); workErr != nil {
					break
				}
			}
			if workErr = out.writer.Add(key, iter.Value()); workErr != nil {
				break
			}
			if int64(out.writer.EstimatedSize()) >= c.maxOutputFileSize {
				if workErr = finishOutput(); workErr != nil {
					break
				}
			}
		}
	}

	if workErr == nil && db.shuttingDown.Load() {
		// The loop was cut short; installing what we have would drop the
		// unmerged remainder of the inputs.
		workErr = errClosedDuringCompaction
	}
	if workErr == nil {
		if err := iter.Error(); err != nil {
			workErr = err
		}
	}
	if workErr == nil {
		workErr = finishOutput()
	}
	iter.Close()

	if workErr != nil && out != nil {
		out.writer.Close()
		os.Remove(out.path + ".tmp")
	}

	db.mu.Lock()

	if workErr != nil {
		// Abort: drop partial outputs; the version is untouched and
		// the compaction retries on the next trigger.
		for _, meta := range outputs {
			db.fileCache.Evict(meta.FileNum)
			os.Remove(tableFileName(db.path, meta.FileNum))
			delete(db.pendingOutputs, meta.FileNum)
		}
		if out != nil {
			delete(db.pendingOutputs, out.fileNum)
		}
		return workErr
	}

	// Install: inputs out, outputs in at level+1.
	var bytesRead int64
	for which, files := range c.inputs {
		for _, f := range files {
			c.edit.DeleteFile(c.level+which, f.FileNum)
			bytesRead += int64(f.Size)
		}
	}
	for _, meta := range outputs {
		c.edit.AddFile(c.level+1, meta)
	}
	err = db.versions.logAndApply(c.edit)
	for _, meta := range outputs {
		delete(db.pendingOutputs, meta.FileNum)
	}
	if err != nil {
		// The manifest rejected the edit; the new tables are orphans
		// and will be garbage collected.
		return err
	}

	st := &db.stats[c.level+1]
	st.duration += time.Since(start)
	st.bytesRead += bytesRead
	st.bytesWritten += bytesWritten
	st.count++

	db.logger.Info("compaction finished",
		"level", c.level,
		"outputs", len(outputs),
		"bytes_read", bytesRead,
		"bytes_written", bytesWritten,
		"summary", db.versions.current.levelSummary())
	return nil
}
