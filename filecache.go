package petrel

import (
	"container/list"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/petreldb/petrel/keys"
	"github.com/petreldb/petrel/sstable"
)

// FileCache is the table cache: a sharded LRU of open table readers
// bounded by the configured file descriptor budget. Entries are
// refcounted so an evicted reader stays open until the last iterator
// using it lets go.
type FileCache struct {
	shards     []*fileCacheShard
	mu         sync.RWMutex
	closed     bool
	dir        string
	cmp        keys.Comparer
	policy     sstable.FilterPolicy
	blockCache *sstable.BlockCache
	logger     *slog.Logger
}

type fileCacheShard struct {
	mu       sync.Mutex
	capacity int
	cache    map[uint64]*fileCacheEntry
	lru      *list.List
}

type fileCacheEntry struct {
	fileNum uint64
	reader  *sstable.Reader
	refs    atomic.Int32 // cache's own reference plus outstanding handles
	element *list.Element
}

func (e *fileCacheEntry) unref() {
	if e.refs.Add(-1) == 0 {
		e.reader.Close()
	}
}

// CachedReader is a leased reference to a cached table reader. Callers
// must Release it when done; the reader stays open at least that long.
type CachedReader struct {
	entry *fileCacheEntry
	once  sync.Once
}

// Reader returns the underlying table reader.
func (cr *CachedReader) Reader() *sstable.Reader {
	return cr.entry.reader
}

// Release returns the lease. Safe to call more than once.
func (cr *CachedReader) Release() {
	cr.once.Do(func() { cr.entry.unref() })
}

// NewFileCache creates a table cache holding up to capacity open
// readers, sharded to spread lock contention.
func NewFileCache(capacity int, dir string, cmp keys.Comparer, policy sstable.FilterPolicy, blockCache *sstable.BlockCache, logger *slog.Logger) *FileCache {
	numShards := min(16, max(1, capacity/MinFileCacheSize*4))
	shardCapacity := max(1, capacity/numShards)

	fc := &FileCache{
		shards:     make([]*fileCacheShard, numShards),
		dir:        dir,
		cmp:        cmp,
		policy:     policy,
		blockCache: blockCache,
		logger:     logger,
	}
	for i := range fc.shards {
		fc.shards[i] = &fileCacheShard{
			capacity: shardCapacity,
			cache:    make(map[uint64]*fileCacheEntry),
			lru:      list.New(),
		}
	}
	return fc
}

func (fc *FileCache) getShard(fileNum uint64) *fileCacheShard {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	if fc.closed {
		return nil
	}
	var b [8]byte
	for i := range b {
		b[i] = byte(fileNum >> (8 * i))
	}
	return fc.shards[xxhash.Sum64(b[:])%uint64(len(fc.shards))]
}

// Get leases the reader for fileNum, opening the file on a miss. Both
// the current and the legacy table suffix are tried.
func (fc *FileCache) Get(fileNum uint64) (*CachedReader, error) {
	shard := fc.getShard(fileNum)
	if shard == nil {
		return nil, ErrClosed
	}

	shard.mu.Lock()
	defer shard.mu.Unlock()

	if entry, ok := shard.cache[fileNum]; ok {
		shard.lru.MoveToFront(entry.element)
		entry.refs.Add(1)
		return &CachedReader{entry: entry}, nil
	}

	reader, err := sstable.NewReader(sstable.ReaderOpts{
		Path:         existingTableFileName(fc.dir, fileNum),
		FileNum:      fileNum,
		Comparer:     fc.cmp,
		FilterPolicy: fc.policy,
		Cache:        fc.blockCache,
		Logger:       fc.logger,
	})
	if err != nil {
		fc.logger.Error("failed to open table file", "file_num", fileNum, "error", err)
		return nil, err
	}

	if shard.lru.Len() >= shard.capacity {
		shard.evictLRU()
	}

	entry := &fileCacheEntry{fileNum: fileNum, reader: reader}
	entry.refs.Store(2) // the cache and the returned handle
	entry.element = shard.lru.PushFront(entry)
	shard.cache[fileNum] = entry
	return &CachedReader{entry: entry}, nil
}

// Evict drops fileNum from the cache. Called before a table file is
// unlinked so its descriptor does not linger.
func (fc *FileCache) Evict(fileNum uint64) {
	shard := fc.getShard(fileNum)
	if shard == nil {
		return
	}
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if entry, ok := shard.cache[fileNum]; ok {
		shard.removeLocked(entry)
	}
}

func (s *fileCacheShard) evictLRU() {
	if back := s.lru.Back(); back != nil {
		s.removeLocked(back.Value.(*fileCacheEntry))
	}
}

func (s *fileCacheShard) removeLocked(entry *fileCacheEntry) {
	if entry.element == nil {
		return
	}
	s.lru.Remove(entry.element)
	delete(s.cache, entry.fileNum)
	entry.element = nil
	entry.unref()
}

// Close evicts everything. Outstanding handles keep their readers open
// until released.
func (fc *FileCache) Close() error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.closed {
		return nil
	}
	fc.closed = true
	for _, shard := range fc.shards {
		shard.mu.Lock()
		for _, entry := range shard.cache {
			shard.lru.Remove(entry.element)
			entry.element = nil
			entry.unref()
		}
		shard.cache = make(map[uint64]*fileCacheEntry)
		shard.mu.Unlock()
	}
	return nil
}
