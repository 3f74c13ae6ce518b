package sstable

import (
	"container/list"
	"encoding/binary"
	"runtime"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// BlockCache is a sharded LRU over decoded blocks, keyed by
// (file number, block offset). Blocks are immutable once parsed, so
// hits hand out shared pointers.
type BlockCache struct {
	shards []*blockCacheShard
	mu     sync.RWMutex
	closed bool
}

type blockCacheShard struct {
	mu       sync.Mutex
	capacity int64
	size     int64
	cache    map[uint64]*blockCacheEntry
	lru      *list.List
}

type blockCacheEntry struct {
	key     uint64
	block   *Block
	charge  int64
	element *list.Element
}

// NewBlockCache creates a block cache with the given byte capacity.
// Zero or negative capacity disables caching.
func NewBlockCache(capacity int64) *BlockCache {
	if capacity <= 0 {
		return &BlockCache{}
	}

	numShards := max(4, 4*runtime.GOMAXPROCS(0))
	shardCapacity := max(int64(1), capacity/int64(numShards))

	bc := &BlockCache{shards: make([]*blockCacheShard, numShards)}
	for i := range bc.shards {
		bc.shards[i] = &blockCacheShard{
			capacity: shardCapacity,
			cache:    make(map[uint64]*blockCacheEntry),
			lru:      list.New(),
		}
	}
	return bc
}

// cacheKey hashes (fileNum, offset) into one cache key.
func cacheKey(fileNum, offset uint64) uint64 {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[:8], fileNum)
	binary.LittleEndian.PutUint64(b[8:], offset)
	return xxhash.Sum64(b[:])
}

func (bc *BlockCache) getShard(key uint64) *blockCacheShard {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	if bc.closed || len(bc.shards) == 0 {
		return nil
	}
	return bc.shards[key%uint64(len(bc.shards))]
}

// Get returns the cached block for (fileNum, offset) if present.
func (bc *BlockCache) Get(fileNum, offset uint64) (*Block, bool) {
	key := cacheKey(fileNum, offset)
	shard := bc.getShard(key)
	if shard == nil {
		return nil, false
	}
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if entry, ok := shard.cache[key]; ok {
		shard.lru.MoveToFront(entry.element)
		return entry.block, true
	}
	return nil, false
}

// Put inserts a block, evicting LRU entries to stay under capacity.
func (bc *BlockCache) Put(fileNum, offset uint64, block *Block) {
	key := cacheKey(fileNum, offset)
	shard := bc.getShard(key)
	if shard == nil {
		return
	}
	charge := int64(block.Size())

	shard.mu.Lock()
	defer shard.mu.Unlock()

	if charge > shard.capacity {
		return
	}
	if entry, ok := shard.cache[key]; ok {
		shard.lru.MoveToFront(entry.element)
		return
	}

	for shard.size+charge > shard.capacity && shard.lru.Len() > 0 {
		back := shard.lru.Back()
		old := back.Value.(*blockCacheEntry)
		shard.lru.Remove(back)
		delete(shard.cache, old.key)
		shard.size -= old.charge
	}

	entry := &blockCacheEntry{key: key, block: block, charge: charge}
	entry.element = shard.lru.PushFront(entry)
	shard.cache[key] = entry
	shard.size += charge
}

// Close drops all cached blocks.
func (bc *BlockCache) Close() {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if bc.closed {
		return
	}
	bc.closed = true
	for _, shard := range bc.shards {
		shard.mu.Lock()
		shard.cache = nil
		shard.lru = nil
		shard.size = 0
		shard.mu.Unlock()
	}
}
