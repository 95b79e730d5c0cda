package store

import "lsmkv/pkg/persistence"

// Options configure a DB.
type Options struct {
	Persistence persistence.Options

	// SyncWrites flushes the WAL after every write. Without it writes are
	// durable only after Sync, Flush or Close.
	SyncWrites bool

	// FlushThreshold is the memtable size in bytes at which the DB asks the
	// background Flusher to flush. Zero disables the signal.
	FlushThreshold int

	// CompactTrigger is the segment count at which the Compactor merges the
	// two oldest segments. Zero disables background compaction.
	CompactTrigger int
}

func DefaultOptions() Options {
	return Options{
		Persistence:    persistence.DefaultOptions(),
		SyncWrites:     true,
		FlushThreshold: 4 << 20,
		CompactTrigger: 4,
	}
}
