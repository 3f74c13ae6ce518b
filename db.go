package petrel

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/petreldb/petrel/keys"
	"github.com/petreldb/petrel/memtable"
	"github.com/petreldb/petrel/sstable"
	"github.com/petreldb/petrel/wal"
)

// DB is an embedded ordered key-value store backed by a leveled LSM
// tree. One process opens a database directory at a time; within the
// process any number of goroutines may read while writes funnel
// through a single group-committing queue.
type DB struct {
	opts   *Options
	path   string
	cmp    keys.Comparer
	logger *slog.Logger

	// mu guards everything below plus the version set and snapshot
	// list. It is dropped around file I/O.
	mu     sync.Mutex
	bgCond *sync.Cond // signalled on every background state change

	mem    *memtable.MemTable
	imm    *memtable.MemTable // memtable being flushed, nil if none
	hasImm atomic.Bool        // mirrors imm != nil for lock-free checks

	wal       *wal.Writer
	logNumber uint64

	versions  *VersionSet
	snapshots *snapshotList

	// pendingOutputs protects file numbers of tables being built from
	// the garbage collector.
	pendingOutputs map[uint64]struct{}

	// writers is the FIFO of waiting writes; writers[0] is the group
	// leader.
	writers  []*dbWriter
	tmpBatch *Batch

	// Background work state machine: at most one background task is
	// scheduled or running; errors latch and fail every later write.
	bgScheduled  bool
	bgErr        error
	manualComp   *manualCompaction
	shuttingDown atomic.Bool
	closed       atomic.Bool

	stats []levelStats

	fileCache  *FileCache
	blockCache *sstable.BlockCache
	flock      Locker
}

type levelStats struct {
	duration     time.Duration
	bytesRead    int64
	bytesWritten int64
	count        int
}

type dbWriter struct {
	batch *Batch
	sync  bool
	done  bool
	err   error
	cv    *sync.Cond
}

type manualCompaction struct {
	level int
	begin keys.InternalKey // nil means start of key space
	end   keys.InternalKey // nil means end of key space
	done  bool
}

// Open opens or creates the database at opts.Path. It acquires the
// directory lock, recovers state from the manifest and any surviving
// logs, and starts background work as needed.
func Open(opts *Options) (*DB, error) {
	opts = opts.Clone()
	logger := opts.Logger
	if logger == nil {
		logger = DefaultLogger()
		opts.Logger = logger
	}
	if err := opts.Validate(); err != nil {
		logger.Error("options did not validate", "error", err)
		return nil, err
	}

	dbExists := false
	if _, err := os.Stat(currentFileName(opts.Path)); err == nil {
		dbExists = true
	}
	if opts.ErrorIfExists && dbExists {
		return nil, errors.Wrapf(ErrDBExists, "path %s", opts.Path)
	}
	if !opts.CreateIfMissing && !dbExists {
		return nil, errors.Wrapf(ErrDBDoesNotExist, "path %s", opts.Path)
	}
	if err := os.MkdirAll(opts.Path, 0755); err != nil {
		return nil, ioErr(err)
	}

	flock, err := newFileLocker(opts.Path)
	if err != nil {
		return nil, ioErr(err)
	}
	if err := flock.Lock(); err != nil {
		return nil, err
	}

	db := &DB{
		opts:           opts,
		path:           opts.Path,
		cmp:            opts.comparer(),
		logger:         logger,
		snapshots:      newSnapshotList(),
		pendingOutputs: make(map[uint64]struct{}),
		tmpBatch:       NewBatch(),
		stats:          make([]levelStats, opts.NumLevels),
		blockCache:     sstable.NewBlockCache(opts.BlockCacheSize),
	}
	db.bgCond = sync.NewCond(&db.mu)
	db.versions = newVersionSet(opts.Path, opts, logger)
	db.fileCache = NewFileCache(opts.fileCacheSize(), opts.Path, db.cmp, opts.FilterPolicy, db.blockCache, logger)

	db.mu.Lock()
	defer db.mu.Unlock()

	if dbExists {
		err = db.recover()
	} else {
		err = db.bootstrap()
	}
	if err != nil {
		if db.wal != nil {
			db.wal.Close()
		}
		db.versions.close()
		db.fileCache.Close()
		db.blockCache.Close()
		flock.Unlock()
		return nil, err
	}
	db.flock = flock

	db.removeObsoleteFiles()
	db.maybeScheduleCompaction()
	return db, nil
}

// bootstrap initializes a fresh database directory: an empty memtable,
// the first WAL, and a manifest naming them.
func (db *DB) bootstrap() error {
	db.logNumber = db.versions.newFileNumber()
	w, err := wal.NewWriter(logFileName(db.path, db.logNumber))
	if err != nil {
		return ioErr(err)
	}
	db.wal = w
	db.mem = memtable.New(db.cmp, db.opts.WriteBufferSize)

	edit := NewVersionEdit()
	edit.setLogNumber(db.logNumber)
	if err := db.versions.logAndApply(edit); err != nil {
		return err
	}
	db.logger.Info("created database", "path", db.path)
	return nil
}

// recover loads the manifest, replays surviving logs into memtables
// (flushing oversized ones to level 0), and installs one edit
// recording the result.
func (db *DB) recover() error {
	if err := db.versions.recover(); err != nil {
		return err
	}

	// Logs needed: everything at or after the manifest's log number,
	// plus the previous log if one was still draining.
	minLog := db.versions.logNumber
	if n := db.versions.prevLogNumber; n != 0 && n < minLog {
		minLog = n
	}

	entries, err := os.ReadDir(db.path)
	if err != nil {
		return ioErr(err)
	}
	var logNums []uint64
	for _, ent := range entries {
		ft, num, ok := parseFileName(ent.Name())
		if ok && ft == fileTypeLog && num >= minLog {
			logNums = append(logNums, num)
		}
		if ok {
			db.versions.markFileNumberUsed(num)
		}
	}
	sort.Slice(logNums, func(i, j int) bool { return logNums[i] < logNums[j] })

	edit := NewVersionEdit()
	maxSeq := db.versions.lastSequence
	var mem *memtable.MemTable

	for _, num := range logNums {
		seq, m, err := db.replayLog(num, mem, edit)
		if err != nil {
			return err
		}
		mem = m
		if seq > maxSeq {
			maxSeq = seq
		}
	}

	// Decide the fate of the last memtable and log.
	var lastNum uint64
	if len(logNums) > 0 {
		lastNum = logNums[len(logNums)-1]
	}
	reuse := db.opts.ReuseLogs && lastNum != 0 && mem != nil &&
		mem.ApproximateMemoryUsage() < db.opts.WriteBufferSize
	if reuse {
		w, err := wal.NewWriter(logFileName(db.path, lastNum))
		if err != nil {
			return ioErr(err)
		}
		db.wal = w
		db.logNumber = lastNum
		db.mem = mem
		mem = nil
	} else {
		if mem != nil && !mem.Empty() {
			if err := db.writeLevel0Table(mem, edit); err != nil {
				return err
			}
		}
		db.logNumber = db.versions.newFileNumber()
		w, err := wal.NewWriter(logFileName(db.path, db.logNumber))
		if err != nil {
			return ioErr(err)
		}
		db.wal = w
		db.mem = memtable.New(db.cmp, db.opts.WriteBufferSize)
	}

	db.versions.lastSequence = maxSeq
	edit.setLogNumber(db.logNumber)
	edit.setPrevLogNumber(0)
	if err := db.versions.logAndApply(edit); err != nil {
		return err
	}
	db.logger.Info("recovery complete",
		"logs_replayed", len(logNums),
		"last_sequence", maxSeq,
		"levels", db.versions.current.levelSummary())
	return nil
}

// replayLog feeds one WAL's batches into a memtable, spilling to level
// 0 whenever it fills. Returns the largest sequence seen and the
// (possibly nil) still-live memtable.
func (db *DB) replayLog(num uint64, mem *memtable.MemTable, edit *VersionEdit) (uint64, *memtable.MemTable, error) {
	reader, err := wal.NewReader(logFileName(db.path, num))
	if err != nil {
		return 0, mem, ioErr(err)
	}
	defer reader.Close()

	var maxSeq uint64
	records := 0
	for {
		rec, err := reader.ReadRecord()
		if err == io.EOF {
			break
		}
		if err == io.ErrUnexpectedEOF {
			// Torn tail: the crash interrupted the final write.
			if db.opts.ParanoidChecks {
				return 0, mem, corruptionf("log %06d has a torn tail after %d records", num, records)
			}
			db.logger.Warn("log ends mid-record; dropping tail", "log", num, "records", records)
			break
		}
		if err != nil {
			return 0, mem, corruptionf("log %06d record %d: %v", num, records, err)
		}
		if len(rec) < batchHeaderLen {
			return 0, mem, corruptionf("log %06d record %d too small", num, records)
		}
		records++

		if mem == nil {
			mem = memtable.New(db.cmp, db.opts.WriteBufferSize)
		}
		target := mem
		err = iterateBatch(rec, func(seq uint64, kind keys.Kind, key, value []byte) error {
			target.Add(seq, kind, key, value)
			if seq > maxSeq {
				maxSeq = seq
			}
			return nil
		})
		if err != nil {
			return 0, mem, err
		}

		if mem.ApproximateMemoryUsage() >= db.opts.WriteBufferSize {
			if err := db.writeLevel0Table(mem, edit); err != nil {
				return 0, mem, err
			}
			mem = nil
		}
	}
	return maxSeq, mem, nil
}

// writeLevel0Table flushes mem into a new table at level 0 and records
// it in edit. Called with the database mutex held; it is dropped for
// the file I/O.
func (db *DB) writeLevel0Table(mem *memtable.MemTable, edit *VersionEdit) error {
	fileNum := db.versions.newFileNumber()
	db.pendingOutputs[fileNum] = struct{}{}
	db.mu.Unlock()

	meta, err := db.buildTable(fileNum, 0, mem.NewIterator())

	db.mu.Lock()
	delete(db.pendingOutputs, fileNum)
	if err != nil {
		db.versions.reuseFileNumber(fileNum)
		return err
	}
	edit.AddFile(0, meta)
	db.stats[0].bytesWritten += int64(meta.Size)
	db.stats[0].count++
	db.logger.Info("flushed memtable", "file", fileNum, "bytes", meta.Size,
		"smallest", meta.Smallest.String(), "largest", meta.Largest.String())
	return nil
}

// buildTable writes one table file from iter. Runs without the mutex.
func (db *DB) buildTable(fileNum uint64, level int, iter interface {
	SeekToFirst()
	Valid() bool
	Next()
	Key() keys.InternalKey
	Value() []byte
}) (*FileMetadata, error) {
	path := tableFileName(db.path, fileNum)
	tmp := path + ".tmp"
	defer os.Remove(tmp)

	w, err := sstable.NewWriter(sstable.WriterOpts{
		Path:                 tmp,
		Comparer:             db.cmp,
		Compression:          db.opts.compressionForLevel(level),
		FilterPolicy:         db.opts.FilterPolicy,
		BlockSize:            db.opts.BlockSize,
		BlockRestartInterval: db.opts.BlockRestartInterval,
		BlockMinEntries:      DefaultBlockMinEntries,
		Logger:               db.logger,
	})
	if err != nil {
		return nil, ioErr(err)
	}

	for iter.SeekToFirst(); iter.Valid(); iter.Next() {
		if err := w.Add(iter.Key(), iter.Value()); err != nil {
			w.Close()
			return nil, err
		}
	}
	if w.NumEntries() == 0 {
		w.Close()
		return nil, errors.New("petrel: refusing to build empty table")
	}
	if err := w.Finish(); err != nil {
		w.Close()
		return nil, ioErr(err)
	}
	if err := w.Close(); err != nil {
		return nil, ioErr(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, ioErr(err)
	}

	meta := &FileMetadata{
		FileNum:  fileNum,
		Size:     w.EstimatedSize(),
		Smallest: w.SmallestKey().Clone(),
		Largest:  w.LargestKey().Clone(),
	}
	meta.initAllowedSeeks()
	return meta, nil
}

// Close shuts the database down: waits for background work, closes the
// WAL, manifest, caches, and releases the directory lock. Safe to call
// more than once.
func (db *DB) Close() error {
	if db.closed.Swap(true) {
		return nil
	}
	db.shuttingDown.Store(true)

	db.mu.Lock()
	for db.bgScheduled {
		db.bgCond.Wait()
	}
	var firstErr error
	if db.wal != nil {
		if err := db.wal.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		db.wal = nil
	}
	if err := db.versions.close(); err != nil && firstErr == nil {
		firstErr = err
	}
	db.mu.Unlock()

	if err := db.fileCache.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	db.blockCache.Close()
	if db.flock != nil {
		if err := db.flock.Unlock(); err != nil && firstErr == nil {
			firstErr = err
		}
		db.flock = nil
	}
	return firstErr
}

// Put inserts a key/value pair.
func (db *DB) Put(key, value []byte, wo *WriteOptions) error {
	b := NewBatch()
	b.Put(key, value)
	return db.Write(b, wo)
}

// Delete writes a tombstone for key.
func (db *DB) Delete(key []byte, wo *WriteOptions) error {
	b := NewBatch()
	b.Delete(key)
	return db.Write(b, wo)
}

// Write applies a batch atomically. Concurrent writers queue up; the
// queue head becomes the group leader, absorbs compatible followers,
// stamps sequence numbers, and performs the WAL append and memtable
// insert with the mutex dropped so readers keep flowing.
func (db *DB) Write(batch *Batch, wo *WriteOptions) error {
	if db.closed.Load() {
		return ErrDBClosed
	}
	if wo == nil {
		if db.opts.Sync {
			wo = SyncWrite
		} else {
			wo = NoSyncWrite
		}
	}
	if batch != nil {
		if err := validateBatch(batch); err != nil {
			return err
		}
	}

	w := &dbWriter{batch: batch, sync: wo.Sync}
	w.cv = sync.NewCond(&db.mu)

	db.mu.Lock()
	defer db.mu.Unlock()

	db.writers = append(db.writers, w)
	for !w.done && db.writers[0] != w {
		w.cv.Wait()
	}
	if w.done {
		return w.err
	}

	// This writer leads the group.
	err := db.makeRoomForWrite(batch == nil)
	lastSeq := db.versions.lastSequence
	lastWriter := w

	if err == nil && batch != nil {
		group, last := db.buildBatchGroup()
		lastWriter = last
		group.setSequence(lastSeq + 1)
		lastSeq += uint64(group.Count())

		wal_ := db.wal
		mem := db.mem
		db.mu.Unlock()

		// WAL first, then the memtable. Readers proceed under their own
		// snapshot sequence and cannot observe these entries until
		// lastSequence is published below.
		werr := wal_.AddRecord(group.contents())
		syncFailed := false
		if werr == nil && w.sync {
			if werr = wal_.Sync(); werr != nil {
				syncFailed = true
			}
		}
		if werr == nil {
			werr = group.iterate(func(seq uint64, kind keys.Kind, key, value []byte) error {
				mem.Add(seq, kind, key, value)
				return nil
			})
		}

		db.mu.Lock()
		if syncFailed {
			// The WAL tail state is unknown; latch the failure so every
			// later mutation fails until reopen.
			db.recordBackgroundError(ioErr(werr))
		}
		if group == db.tmpBatch {
			db.tmpBatch.Clear()
		}
		db.versions.lastSequence = lastSeq
		err = werr
	}

	// Wake everyone in the committed group and promote the next leader.
	for {
		ready := db.writers[0]
		db.writers = db.writers[1:]
		if ready != w {
			ready.err = err
			ready.done = true
			ready.cv.Signal()
		}
		if ready == lastWriter {
			break
		}
	}
	if len(db.writers) > 0 {
		db.writers[0].cv.Signal()
	}
	return err
}

func validateBatch(b *Batch) error {
	return iterateBatch(b.contents(), func(seq uint64, kind keys.Kind, key, value []byte) error {
		if !keys.IsValidUserKey(key) {
			return ErrInvalidKey
		}
		if !keys.IsValidValue(value) {
			return ErrInvalidValue
		}
		return nil
	})
}

// buildBatchGroup merges the leader's batch with compatible queued
// followers, up to a size bound that shrinks for tiny leading batches
// so small writes keep low latency.
func (db *DB) buildBatchGroup() (*Batch, *dbWriter) {
	first := db.writers[0]
	result := first.batch
	size := result.ApproximateSize()

	maxSize := db.opts.MaxBatchGroupSize
	if size <= 128*KiB {
		maxSize = size + 128*KiB
	}

	last := first
	for _, w := range db.writers[1:] {
		if w.sync && !first.sync {
			// A sync write must not ride a non-sync commit.
			break
		}
		if w.batch == nil {
			break
		}
		size += w.batch.ApproximateSize()
		if size > maxSize {
			break
		}
		if result == first.batch {
			db.tmpBatch.Clear()
			db.tmpBatch.append(first.batch)
			result = db.tmpBatch
		}
		result.append(w.batch)
		last = w
	}
	return result, last
}

// makeRoomForWrite stalls or rotates until the memtable can take the
// next write. Called with the mutex held by the group leader.
func (db *DB) makeRoomForWrite(force bool) error {
	allowDelay := !force
	for {
		if db.bgErr != nil {
			return db.bgErr
		}
		if allowDelay && db.versions.current.NumFiles(0) >= db.opts.L0SlowdownWritesTrigger {
			// Soft stall: hand the CPU to the compactor for a moment,
			// once per write.
			db.mu.Unlock()
			time.Sleep(time.Millisecond)
			allowDelay = false
			db.mu.Lock()
			continue
		}
		if !force && db.mem.ApproximateMemoryUsage() <= db.opts.WriteBufferSize {
			return nil
		}
		if db.imm != nil {
			// Previous memtable still flushing.
			db.logger.Debug("write waits for memtable flush")
			db.bgCond.Wait()
			continue
		}
		if db.versions.current.NumFiles(0) >= db.opts.L0StopWritesTrigger {
			db.logger.Warn("too many L0 files; stalling writes",
				"l0_files", db.versions.current.NumFiles(0))
			db.bgCond.Wait()
			continue
		}

		// Seal the current memtable and WAL, install fresh ones.
		newLogNum := db.versions.newFileNumber()
		newWal, err := wal.NewWriter(logFileName(db.path, newLogNum))
		if err != nil {
			db.versions.reuseFileNumber(newLogNum)
			return ioErr(err)
		}
		if err := db.wal.Close(); err != nil {
			db.logger.Warn("closing sealed log", "error", err)
		}
		db.wal = newWal
		db.logNumber = newLogNum
		db.imm = db.mem
		db.hasImm.Store(true)
		db.mem = memtable.New(db.cmp, db.opts.WriteBufferSize)
		force = false
		db.maybeScheduleCompaction()
	}
}

// recordBackgroundError latches err; mutations fail with it until the
// database is reopened.
func (db *DB) recordBackgroundError(err error) {
	if db.bgErr == nil {
		db.logger.Error("background error latched", "error", err)
		db.bgErr = err
		db.bgCond.Broadcast()
	}
}

// maybeScheduleCompaction transitions Idle -> Scheduled when there is
// work. Runs with the mutex held.
func (db *DB) maybeScheduleCompaction() {
	if db.bgScheduled || db.shuttingDown.Load() || db.bgErr != nil {
		return
	}
	manualWaiting := db.manualComp != nil && !db.manualComp.done
	if db.imm == nil && !manualWaiting && !db.versions.current.needsCompaction() {
		return
	}
	db.bgScheduled = true
	go db.backgroundWork()
}

// backgroundWork is the single background worker: Scheduled -> Running
// -> Idle, with every transition under the mutex and signalled on the
// condition variable.
func (db *DB) backgroundWork() {
	db.mu.Lock()
	defer db.mu.Unlock()

	if !db.shuttingDown.Load() && db.bgErr == nil {
		if err := db.backgroundCompaction(); err != nil {
			if db.shuttingDown.Load() {
				// Work abandoned because the database is closing; the
				// rollback already happened and nothing needs latching.
				db.logger.Debug("background work abandoned at shutdown", "error", err)
			} else {
				db.recordBackgroundError(err)
			}
		}
	}

	db.bgScheduled = false
	// The round may have created enough L0 files to warrant another.
	db.maybeScheduleCompaction()
	db.bgCond.Broadcast()
}

// backgroundCompaction performs one unit of background work: an
// immutable memtable flush if one is waiting, otherwise one table
// compaction. Runs with the mutex held, dropping it for I/O.
func (db *DB) backgroundCompaction() error {
	if db.imm != nil {
		return db.compactMemTable()
	}

	var c *compaction
	isManual := false
	if mc := db.manualComp; mc != nil {
		if mc.done {
			return nil
		}
		isManual = true
		c = db.versions.pickCompactionAt(mc.level, mc.begin, mc.end)
		if c == nil {
			mc.done = true
		}
	} else {
		c = db.versions.pickCompaction()
	}
	if c == nil {
		return nil
	}
	defer c.release()

	if !isManual && c.isTrivialMove() {
		// Move the file down a level; no rewrite needed.
		f := c.inputs[0][0]
		c.edit.DeleteFile(c.level, f.FileNum)
		c.edit.AddFile(c.level+1, f)
		if err := db.versions.logAndApply(c.edit); err != nil {
			return err
		}
		db.logger.Info("trivial move", "file", f.FileNum,
			"from_level", c.level, "to_level", c.level+1,
			"summary", db.versions.current.levelSummary())
		db.removeObsoleteFiles()
		return nil
	}

	err := db.doCompactionWork(c)
	if err != nil {
		db.logger.Error("compaction failed", "level", c.level, "error", err)
		return err
	}
	if isManual {
		db.manualComp.done = true
	}
	db.removeObsoleteFiles()
	return nil
}

// compactMemTable flushes the immutable memtable to level 0 and
// retires its log. An empty memtable (from a forced rotation) skips
// the table build but still advances the log number.
func (db *DB) compactMemTable() error {
	edit := NewVersionEdit()
	if !db.imm.Empty() {
		if err := db.writeLevel0Table(db.imm, edit); err != nil {
			return err
		}
	}

	// Entries up to the sealed log are now in a table; logs before the
	// current one are garbage.
	edit.setLogNumber(db.logNumber)
	edit.setPrevLogNumber(0)
	if err := db.versions.logAndApply(edit); err != nil {
		return err
	}
	db.imm = nil
	db.hasImm.Store(false)
	db.bgCond.Broadcast()
	db.removeObsoleteFiles()
	return nil
}

// removeObsoleteFiles deletes directory entries no live version, log,
// or in-flight build references. Called with the mutex held.
func (db *DB) removeObsoleteFiles() {
	if db.bgErr != nil {
		// After a background error the true file set is uncertain.
		return
	}
	live := db.versions.liveFileNumbers()
	for num := range db.pendingOutputs {
		live[num] = struct{}{}
	}

	entries, err := os.ReadDir(db.path)
	if err != nil {
		db.logger.Warn("listing database directory", "error", err)
		return
	}
	for _, ent := range entries {
		ft, num, ok := parseFileName(ent.Name())
		if !ok {
			continue
		}
		keep := true
		switch ft {
		case fileTypeLog:
			keep = num >= db.versions.logNumber || num == db.versions.prevLogNumber
		case fileTypeManifest:
			keep = num >= db.versions.manifestFileNum
		case fileTypeTable:
			_, keep = live[num]
		case fileTypeTemp:
			_, keep = live[num]
		case fileTypeCurrent, fileTypeLock, fileTypeInfoLog:
			keep = true
		}
		if keep {
			continue
		}
		if ft == fileTypeTable {
			db.fileCache.Evict(num)
		}
		path := db.path + string(os.PathSeparator) + ent.Name()
		if err := os.Remove(path); err != nil {
			db.logger.Warn("removing obsolete file", "file", ent.Name(), "error", err)
		} else {
			db.logger.Debug("removed obsolete file", "file", ent.Name())
		}
	}
}

// Get returns the value for key visible at ro.Snapshot (or the latest
// state). Returns ErrNotFound for absent or deleted keys.
func (db *DB) Get(key []byte, ro *ReadOptions) ([]byte, error) {
	if db.closed.Load() {
		return nil, ErrDBClosed
	}
	if !keys.IsValidUserKey(key) {
		return nil, ErrInvalidKey
	}

	db.mu.Lock()
	var seq uint64
	if ro != nil && ro.Snapshot != nil {
		if ro.Snapshot.list == nil {
			db.mu.Unlock()
			return nil, ErrSnapshotReleased
		}
		seq = ro.Snapshot.seq
	} else {
		seq = db.versions.lastSequence
	}
	mem := db.mem
	imm := db.imm
	current := db.versions.current
	current.ref()
	db.mu.Unlock()

	lkey := keys.LookupKey(key, seq)

	var (
		value  []byte
		found  bool
		delErr error
		charge seekCharge
	)
	if v, kind, ok := mem.Get(lkey); ok {
		found = kind == keys.KindSet
		value = v
	} else if imm != nil {
		if v, kind, ok := imm.Get(lkey); ok {
			found = kind == keys.KindSet
			value = v
		} else {
			value, found, charge, delErr = current.get(db.fileCache, lkey, ro)
		}
	} else {
		value, found, charge, delErr = current.get(db.fileCache, lkey, ro)
	}

	db.mu.Lock()
	if current.recordSeekCharge(charge) {
		db.maybeScheduleCompaction()
	}
	current.unref()
	db.mu.Unlock()

	if delErr != nil {
		return nil, delErr
	}
	if !found {
		return nil, ErrNotFound
	}
	// Copy out: memtable values alias the arena.
	return append([]byte(nil), value...), nil
}

// tableIterWithCache ties a table iterator to its table cache lease.
type tableIterWithCache struct {
	*sstable.TableIterator
	cached *CachedReader
}

func (it *tableIterWithCache) Close() error {
	err := it.TableIterator.Close()
	it.cached.Release()
	return err
}

// newInternalIterator assembles the merged view: memtable, immutable
// memtable, each level-0 table, and one concatenating iterator per
// deeper level. Returns the pinned version and the sequence captured
// in the same critical section, so the snapshot always covers exactly
// the entries reachable through the children.
func (db *DB) newInternalIterator(ro *ReadOptions) (internalIterator, *Version, uint64, error) {
	fillCache := ro == nil || !ro.NoBlockCache

	db.mu.Lock()
	defer db.mu.Unlock()

	seq := db.versions.lastSequence
	current := db.versions.current
	current.ref()

	var children []internalIterator
	children = append(children, db.mem.NewIterator())
	if db.imm != nil {
		children = append(children, db.imm.NewIterator())
	}
	for _, f := range current.Files(0) {
		cr, err := db.fileCache.Get(f.FileNum)
		if err != nil {
			for _, c := range children {
				c.Close()
			}
			current.unref()
			return nil, nil, 0, err
		}
		children = append(children, &tableIterWithCache{
			TableIterator: cr.Reader().NewIterator(nil, fillCache),
			cached:        cr,
		})
	}
	for level := 1; level < db.opts.NumLevels; level++ {
		files := current.Files(level)
		if len(files) == 0 {
			continue
		}
		children = append(children, newLevelIterator(files, db.fileCache, db.cmp, fillCache))
	}
	return newMergingIterator(db.cmp, children), current, seq, nil
}

// NewIterator returns an iterator over the database at a snapshot
// fixed now (or at ro.Snapshot). Callers must Close it.
func (db *DB) NewIterator(ro *ReadOptions) (*Iterator, error) {
	if db.closed.Load() {
		return nil, ErrDBClosed
	}

	iter, version, seq, err := db.newInternalIterator(ro)
	if err != nil {
		return nil, err
	}

	it := &Iterator{
		db:      db,
		iter:    iter,
		version: version,
		cmp:     db.cmp,
	}

	db.mu.Lock()
	if ro != nil && ro.Snapshot != nil {
		it.seq = ro.Snapshot.seq
	} else {
		it.seq = seq
		it.snap = db.snapshots.add(seq)
	}
	db.mu.Unlock()
	return it, nil
}

// GetSnapshot pins the current sequence number. Callers must release
// it with ReleaseSnapshot.
func (db *DB) GetSnapshot() *Snapshot {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.snapshots.add(db.versions.lastSequence)
}

// ReleaseSnapshot unpins a snapshot, letting compaction collapse
// entries it was holding visible.
func (db *DB) ReleaseSnapshot(s *Snapshot) {
	if s == nil {
		return
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	db.snapshots.remove(s)
}

// CompactRange compacts every level overlapping the user key range
// [begin, end]; nil bounds mean the whole key space. The memtable is
// flushed first. Blocks until the work completes.
func (db *DB) CompactRange(begin, end []byte) error {
	if db.closed.Load() {
		return ErrDBClosed
	}

	// Find the deepest level with overlap so we do not walk empty
	// levels.
	db.mu.Lock()
	maxLevel := 1
	current := db.versions.current
	for level := 1; level < db.opts.NumLevels; level++ {
		if current.overlapInLevel(level, begin, end) {
			maxLevel = level
		}
	}
	db.mu.Unlock()

	if err := db.flushMemTable(); err != nil {
		return err
	}
	for level := 0; level < maxLevel; level++ {
		if err := db.compactRangeAt(level, begin, end); err != nil {
			return err
		}
	}
	return nil
}

// flushMemTable forces the active memtable to level 0 and waits.
func (db *DB) flushMemTable() error {
	// An empty batch forces rotation through makeRoomForWrite.
	if err := db.Write(nil, SyncWrite); err != nil {
		return err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	for db.imm != nil && db.bgErr == nil {
		db.bgCond.Wait()
	}
	return db.bgErr
}

// compactRangeAt runs one manual compaction at level and waits for it.
func (db *DB) compactRangeAt(level int, begin, end []byte) error {
	mc := &manualCompaction{level: level}
	if begin != nil {
		mc.begin = keys.LookupKey(begin, keys.MaxSequence)
	}
	if end != nil {
		mc.end = keys.MakeInternalKey(end, 0, keys.KindDelete)
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	for !mc.done && db.bgErr == nil && !db.shuttingDown.Load() {
		if db.manualComp == nil && !db.bgScheduled && db.imm == nil {
			db.manualComp = mc
			db.maybeScheduleCompaction()
			if !db.bgScheduled {
				// Scheduling was refused (shutdown began). A range with
				// nothing to compact is finished by the background pass,
				// which marks mc done.
				db.manualComp = nil
				return nil
			}
		}
		db.bgCond.Wait()
		if db.manualComp == mc && mc.done {
			db.manualComp = nil
		}
	}
	if db.manualComp == mc {
		db.manualComp = nil
	}
	return db.bgErr
}

// GetProperty exposes observable internals:
//
//	num-files-at-level<N>
//	stats
//	sstables
//	approximate-memory-usage
func (db *DB) GetProperty(name string) (string, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if n, found := strings.CutPrefix(name, "num-files-at-level"); found {
		var level int
		if _, err := fmt.Sscanf(n, "%d", &level); err != nil || level < 0 || level >= db.opts.NumLevels {
			return "", false
		}
		return fmt.Sprintf("%d", db.versions.current.NumFiles(level)), true
	}

	switch name {
	case "stats":
		var b strings.Builder
		b.WriteString("Level  Files  Size(MB)  Time(s)  Read(MB)  Write(MB)\n")
		b.WriteString("-----------------------------------------------------\n")
		for level := 0; level < db.opts.NumLevels; level++ {
			files := db.versions.current.Files(level)
			if len(files) == 0 && db.stats[level].count == 0 {
				continue
			}
			st := db.stats[level]
			fmt.Fprintf(&b, "%5d  %5d  %8.2f  %7.2f  %8.2f  %9.2f\n",
				level, len(files),
				float64(totalFileSize(files))/1048576.0,
				st.duration.Seconds(),
				float64(st.bytesRead)/1048576.0,
				float64(st.bytesWritten)/1048576.0)
		}
		return b.String(), true
	case "sstables":
		var b strings.Builder
		for level := 0; level < db.opts.NumLevels; level++ {
			fmt.Fprintf(&b, "--- level %d ---\n", level)
			for _, f := range db.versions.current.Files(level) {
				fmt.Fprintf(&b, "%d:%d[%s .. %s]\n", f.FileNum, f.Size,
					f.Smallest.String(), f.Largest.String())
			}
		}
		return b.String(), true
	case "approximate-memory-usage":
		usage := db.mem.ApproximateMemoryUsage()
		if db.imm != nil {
			usage += db.imm.ApproximateMemoryUsage()
		}
		return fmt.Sprintf("%d", usage), true
	}
	return "", false
}

// GetApproximateSizes estimates the on-disk bytes each user key range
// occupies. Memtable contents are not counted.
func (db *DB) GetApproximateSizes(ranges []keys.Range) []uint64 {
	db.mu.Lock()
	v := db.versions.current
	v.ref()
	db.mu.Unlock()
	defer func() {
		db.mu.Lock()
		v.unref()
		db.mu.Unlock()
	}()

	var totalSize uint64
	for _, files := range v.files {
		for _, f := range files {
			totalSize += f.Size
		}
	}

	sizes := make([]uint64, len(ranges))
	for i, r := range ranges {
		var start uint64
		if r.Start != nil {
			start = db.versions.approximateOffsetOf(db.fileCache, v, r.Start)
		}
		limit := totalSize
		if r.Limit != nil {
			limit = db.versions.approximateOffsetOf(db.fileCache, v, r.Limit)
		}
		if limit > start {
			sizes[i] = limit - start
		}
	}
	return sizes
}
