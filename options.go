package petrel

import (
	"log/slog"
	"os"

	"github.com/cockroachdb/errors"

	"github.com/petreldb/petrel/compression"
	"github.com/petreldb/petrel/keys"
	"github.com/petreldb/petrel/sstable"
)

const (
	KiB = 1024
	MiB = KiB * 1024
	GiB = MiB * 1024
)

// Default values following the usual leveled-LSM conventions.
var (
	DefaultWriteBufferSize            = 4 * MiB
	DefaultMaxFileSize          int64 = 2 * MiB
	DefaultNumLevels                  = 7
	DefaultL0CompactionTrigger        = 4
	DefaultL0SlowdownTrigger          = 8
	DefaultL0StopWritesTrigger        = 12
	DefaultMaxOpenFiles               = 1000
	DefaultBlockSize                  = 4 * KiB
	DefaultBlockCacheSize       int64 = 8 * MiB
	DefaultBlockRestartInterval       = 16
	DefaultBlockMinEntries            = 4
	DefaultMaxBatchGroupSize          = 1 * MiB
	DefaultBaseLevelTotalBytes  int64 = 10 * MiB

	// File descriptor management: reserve a handful of descriptors for
	// the WAL, manifest and temp files, and keep a floor on the table
	// cache no matter how low MaxOpenFiles goes.
	NumReservedFiles = 10
	MinFileCacheSize = 64
)

// Options holds configuration for the database. One struct, flat,
// in the spirit of keeping the tunable surface visible in one place.
type Options struct {
	// Database directory.
	Path string

	// Comparer defines the user key order. Its name is persisted in the
	// manifest; reopening with a different comparer fails. Defaults to
	// the bytewise comparer.
	Comparer keys.Comparer

	// CreateIfMissing allows bootstrapping a fresh directory.
	CreateIfMissing bool

	// ErrorIfExists refuses to open an existing database.
	ErrorIfExists bool

	// ParanoidChecks escalates recoverable corruption (torn WAL tails)
	// into open failures.
	ParanoidChecks bool

	// WriteBufferSize is the memtable size that triggers rotation.
	WriteBufferSize int

	// MaxFileSize is the target size for table files produced by
	// compaction.
	MaxFileSize int64

	// NumLevels is the number of LSM levels.
	NumLevels int

	// L0CompactionTrigger is the L0 file count that schedules a
	// compaction.
	L0CompactionTrigger int

	// L0SlowdownWritesTrigger is the L0 file count at which each write
	// is briefly delayed to let compaction catch up.
	L0SlowdownWritesTrigger int

	// L0StopWritesTrigger is the L0 file count at which writes block.
	L0StopWritesTrigger int

	// MaxOpenFiles bounds file descriptors; the table cache gets
	// MaxOpenFiles - NumReservedFiles slots.
	MaxOpenFiles int

	// BlockSize is the uncompressed size target for table blocks.
	BlockSize int

	// BlockRestartInterval is the number of keys between restart points.
	BlockRestartInterval int

	// BlockCacheSize is the decompressed block cache capacity in bytes.
	BlockCacheSize int64

	// Compression selects the block codec for table files.
	Compression compression.Config

	// TieredCompression optionally overrides Compression per level:
	// fast codec on hot top levels, strong codec below. Nil uses
	// Compression everywhere.
	TieredCompression *compression.TieredCompressionConfig

	// FilterPolicy attaches per-table filters consulted before block
	// reads. Nil disables filters.
	FilterPolicy sstable.FilterPolicy

	// ReuseLogs replays the final WAL in place on recovery instead of
	// sealing it, when the surviving memtable fits the write buffer.
	ReuseLogs bool

	// Sync makes every write durable before returning. Individual
	// writes can override this through WriteOptions.
	Sync bool

	// MaxBatchGroupSize bounds how many bytes of follower batches a
	// group-commit leader will absorb.
	MaxBatchGroupSize int

	// Structured logger. Nil gets a WARN-level text logger on stderr.
	Logger *slog.Logger
}

// DefaultOptions returns Options with the battle-tested defaults.
func DefaultOptions() *Options {
	return &Options{
		Comparer:                keys.BytewiseComparer,
		CreateIfMissing:         true,
		WriteBufferSize:         DefaultWriteBufferSize,
		MaxFileSize:             DefaultMaxFileSize,
		NumLevels:               DefaultNumLevels,
		L0CompactionTrigger:     DefaultL0CompactionTrigger,
		L0SlowdownWritesTrigger: DefaultL0SlowdownTrigger,
		L0StopWritesTrigger:     DefaultL0StopWritesTrigger,
		MaxOpenFiles:            DefaultMaxOpenFiles,
		BlockSize:               DefaultBlockSize,
		BlockRestartInterval:    DefaultBlockRestartInterval,
		BlockCacheSize:          DefaultBlockCacheSize,
		Compression:             compression.SnappyConfig(),
		FilterPolicy:            sstable.NewBloomFilterPolicy(10),
		MaxBatchGroupSize:       DefaultMaxBatchGroupSize,
		Logger:                  DefaultLogger(),
	}
}

// Validate checks the options for configuration mistakes that would
// prevent operation.
func (o *Options) Validate() error {
	if o.Path == "" {
		return errors.Wrap(ErrInvalidArgument, "empty database path")
	}
	if o.WriteBufferSize <= 0 {
		return errors.Wrap(ErrInvalidArgument, "write buffer size must be positive")
	}
	if o.MaxFileSize <= 0 {
		return errors.Wrap(ErrInvalidArgument, "max file size must be positive")
	}
	if o.NumLevels < 2 || o.NumLevels > 20 {
		return errors.Wrap(ErrInvalidArgument, "num levels out of range")
	}
	if o.L0CompactionTrigger <= 0 {
		return errors.Wrap(ErrInvalidArgument, "L0 compaction trigger must be positive")
	}
	if o.L0SlowdownWritesTrigger < o.L0CompactionTrigger {
		return errors.Wrap(ErrInvalidArgument, "L0 slowdown trigger below compaction trigger")
	}
	if o.L0StopWritesTrigger <= o.L0SlowdownWritesTrigger {
		return errors.Wrap(ErrInvalidArgument, "L0 stop trigger must exceed slowdown trigger")
	}
	if o.BlockSize <= 0 {
		return errors.Wrap(ErrInvalidArgument, "block size must be positive")
	}
	if o.BlockRestartInterval <= 0 {
		return errors.Wrap(ErrInvalidArgument, "block restart interval must be positive")
	}
	if o.MaxOpenFiles <= 0 {
		return errors.Wrap(ErrInvalidArgument, "max open files must be positive")
	}
	if o.MaxBatchGroupSize <= 0 {
		return errors.Wrap(ErrInvalidArgument, "max batch group size must be positive")
	}
	return nil
}

// Clone returns a shallow copy, or defaults for nil.
func (o *Options) Clone() *Options {
	if o == nil {
		return DefaultOptions()
	}
	clone := *o
	return &clone
}

// comparer returns the configured comparer or the bytewise default.
func (o *Options) comparer() keys.Comparer {
	if o.Comparer == nil {
		return keys.BytewiseComparer
	}
	return o.Comparer
}

// fileCacheSize returns the table cache capacity derived from
// MaxOpenFiles.
func (o *Options) fileCacheSize() int {
	return max(o.MaxOpenFiles-NumReservedFiles, MinFileCacheSize)
}

// compressionForLevel returns the block codec for a level, honoring
// tiered compression when configured.
func (o *Options) compressionForLevel(level int) compression.Config {
	if o.TieredCompression != nil {
		return o.TieredCompression.GetConfigForLevel(level)
	}
	return o.Compression
}

// maxBytesForLevel returns the size target for a level. Level 0 is
// governed by file count; level 1 starts at the base total and each
// deeper level grows tenfold.
func (o *Options) maxBytesForLevel(level int) int64 {
	bytes := DefaultBaseLevelTotalBytes
	for l := 1; l < level; l++ {
		bytes *= 10
	}
	return bytes
}

// maxGrandparentOverlapBytes bounds how much grandparent data a single
// compaction output may overlap before the output is cut.
func (o *Options) maxGrandparentOverlapBytes() int64 {
	return 10 * o.MaxFileSize
}

// expandedCompactionByteSizeLimit bounds input growth when re-expanding
// the seed level of a compaction.
func (o *Options) expandedCompactionByteSizeLimit() int64 {
	return 25 * o.MaxFileSize
}

// Helpful logger constructors.
func getLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// DefaultLogger logs warnings and errors to stderr.
func DefaultLogger() *slog.Logger {
	return getLogger(slog.LevelWarn)
}

// DebugLogger logs everything; handy in tests.
func DebugLogger() *slog.Logger {
	return getLogger(slog.LevelDebug)
}

// WriteOptions controls the durability of one write.
type WriteOptions struct {
	// Sync waits for the WAL to reach stable storage before returning.
	// Without it the write sits in the OS buffer and can be lost in a
	// power failure (not a process crash).
	Sync bool
}

// Predefined write options.
var (
	// SyncWrite forces a durable write.
	SyncWrite = &WriteOptions{Sync: true}

	// NoSyncWrite lets the OS schedule the flush.
	NoSyncWrite = &WriteOptions{Sync: false}
)

// ReadOptions controls one read.
type ReadOptions struct {
	// Snapshot pins the read to a sequence number obtained from
	// GetSnapshot. Nil reads the latest state.
	Snapshot *Snapshot

	// NoBlockCache keeps blocks read by this operation out of the block
	// cache. Useful for scans that would otherwise wipe it.
	NoBlockCache bool

	// VerifyChecksums is accepted for API compatibility; block
	// checksums are always verified.
	VerifyChecksums bool
}
