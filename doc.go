// Package petrel is an embedded, ordered key-value store built on a
// log-structured merge-tree. Writes land in a write-ahead log and an
// in-memory table, flush to immutable sorted table files at level 0,
// and migrate down through levels by background compaction. Reads
// merge the memtables and the leveled files under a sequence-number
// snapshot, so point lookups, iterators and explicit snapshots all see
// a consistent view regardless of concurrent writes.
//
// A database directory is owned by one process at a time, enforced
// with a LOCK file. Within the process the DB is safe for any number
// of concurrent readers and writers; writes are group-committed
// through a single internal queue.
package petrel
