package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"lsmkv/pkg/clock"
	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/encoding/record"
	"lsmkv/pkg/layout"
	"lsmkv/pkg/memtable"
	"lsmkv/pkg/persistence"
	"lsmkv/pkg/types"
	"lsmkv/pkg/wal"
)

type iClock interface {
	NextTimestamp() types.Timestamp
	Observe(t uint64)
}

type iWAL interface {
	Append(e types.Entry) error
	Flush() error
	ID() layout.FileID
	Path() string
	Close() error
	Remove() error
}

// DB is an LSM key-value store over one directory: a memtable backed by a
// WAL, and a catalog of sorted segments.
//
// Writes, flushes and segment list changes are serialized. Reads run
// concurrently with each other and see either the state before or after
// any flush.
//
// A failed WAL write leaves the log in an unknown state. Writes are then
// rejected with dberrors.ErrWALFailed until a Flush retires that log, so
// the failed write cannot come back on recovery.
type DB struct {
	mu      sync.RWMutex
	dir     string
	opts    Options
	clock   iClock
	closed  bool
	failed  error
	mt      *memtable.Memtable
	wal     iWAL
	catalog *persistence.Catalog

	compactMu sync.Mutex

	flushCh   chan struct{}
	compactCh chan struct{}
}

// Open opens the store in dir, which must exist. Segments listed in the
// manifest are opened and leftover WAL files are replayed into the memtable.
func Open(dir string, opts Options) (*DB, error) {
	st, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: data dir: %w", dberrors.ErrInvalidArgument, err)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", dberrors.ErrInvalidArgument, dir)
	}

	catalog, err := persistence.OpenCatalog(dir, opts.Persistence)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}

	if err := wal.RemoveUpTo(dir, catalog.WALWatermark()); err != nil {
		_ = catalog.Close()
		return nil, err
	}
	journal, mt, err := wal.LoadFromDir(dir)
	if err != nil {
		_ = catalog.Close()
		return nil, fmt.Errorf("failed to recover WAL: %w", err)
	}

	db := &DB{
		dir:       dir,
		opts:      opts,
		clock:     clock.NewAtomic(0),
		mt:        mt,
		wal:       journal,
		catalog:   catalog,
		flushCh:   make(chan struct{}, 1),
		compactCh: make(chan struct{}, 1),
	}
	for _, e := range mt.Entries() {
		if e.Timestamp.Hi == 0 {
			db.clock.Observe(e.Timestamp.Lo)
		}
	}

	slog.Info("store opened",
		"dir", dir,
		"segments", catalog.Len(),
		"memtable_entries", mt.Len(),
		"wal", journal.Path(),
	)
	return db, nil
}

// Set stores value under key at ts.
func (db *DB) Set(key types.Key, value types.Value, ts types.Timestamp) error {
	return db.apply(types.Put(key, value, ts))
}

// Delete writes a tombstone for key at ts.
func (db *DB) Delete(key types.Key, ts types.Timestamp) error {
	return db.apply(types.Tombstone(key, ts))
}

// apply logs e and only then makes it visible. A failed WAL write leaves
// the memtable untouched and marks the DB failed.
func (db *DB) apply(e types.Entry) error {
	if len(e.Key) == 0 {
		return fmt.Errorf("%w: empty key", dberrors.ErrInvalidArgument)
	}
	if len(e.Key) > record.MaxFieldSize {
		return fmt.Errorf("%w: key is %d bytes, limit is %d", dberrors.ErrInvalidArgument, len(e.Key), record.MaxFieldSize)
	}
	if v, _ := e.Value(); len(v) > record.MaxFieldSize {
		return fmt.Errorf("%w: value is %d bytes, limit is %d", dberrors.ErrInvalidArgument, len(v), record.MaxFieldSize)
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.writable(); err != nil {
		return err
	}
	if err := db.wal.Append(e); err != nil {
		return db.fail(err)
	}
	if db.opts.SyncWrites {
		if err := db.wal.Flush(); err != nil {
			return db.fail(err)
		}
	}

	if e.Deleted() {
		db.mt.Delete(e.Key, e.Timestamp)
	} else {
		v, _ := e.Value()
		db.mt.Set(e.Key, v, e.Timestamp)
	}

	if db.opts.FlushThreshold > 0 && db.mt.Size() >= db.opts.FlushThreshold {
		notify(db.flushCh)
	}
	return nil
}

// Get returns the newest version of key: the memtable first, then segments
// from newest to oldest. Tombstones are returned as found; check Deleted.
// The returned entry must not be modified.
func (db *DB) Get(key types.Key) (types.Entry, bool, error) {
	db.mu.RLock()
	if db.closed {
		db.mu.RUnlock()
		return types.Entry{}, false, dberrors.ErrClosed
	}
	if e, ok := db.mt.Get(key); ok {
		db.mu.RUnlock()
		return e, true, nil
	}
	snap := db.catalog.Acquire()
	db.mu.RUnlock()
	defer snap.Release()

	for _, t := range snap.Tables {
		e, ok, err := t.Get(key)
		if err != nil {
			return types.Entry{}, false, fmt.Errorf("failed to read segment %s: %w", t.ID(), err)
		}
		if ok {
			return e, true, nil
		}
	}
	return types.Entry{}, false, nil
}

// Value returns the live value of key, or dberrors.ErrNotFound when the key
// is missing or deleted.
func (db *DB) Value(key types.Key) (types.Value, error) {
	e, ok, err := db.Get(key)
	if err != nil {
		return nil, err
	}
	v, live := e.Value()
	if !ok || !live {
		return nil, dberrors.ErrNotFound
	}
	return v, nil
}

// writable must be called with db.mu held.
func (db *DB) writable() error {
	if db.closed {
		return dberrors.ErrClosed
	}
	return db.failed
}

// fail must be called with db.mu held.
func (db *DB) fail(cause error) error {
	db.failed = fmt.Errorf("%w: %w", dberrors.ErrWALFailed, cause)
	slog.Error("WAL write failed, rejecting further writes", "wal", db.wal.Path(), "error", cause)
	return db.failed
}

// Flush writes the memtable to a new segment, publishes it and starts a
// fresh memtable and WAL. It returns the new segment id, or zero when the
// memtable was empty.
func (db *DB) Flush() (layout.FileID, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return 0, dberrors.ErrClosed
	}
	if db.mt.Len() == 0 {
		if db.failed != nil {
			return 0, db.rotateWAL()
		}
		return 0, nil
	}

	opts := db.opts.Persistence
	opts.BloomExpectedItems = uint(db.mt.Len())
	table, err := persistence.NewSSTable(db.dir, opts)
	if err != nil {
		return 0, fmt.Errorf("failed to create segment: %w", err)
	}

	if err := writeReversed(table, db.mt.EntriesReversed()); err != nil {
		return 0, discardTable(table, err)
	}

	next, err := wal.New(db.dir)
	if err != nil {
		return 0, discardTable(table, err)
	}
	if err := db.catalog.Add(table, db.wal.ID()); err != nil {
		if rerr := next.Remove(); rerr != nil {
			slog.Warn("failed to discard unused WAL", "wal", next.Path(), "error", rerr)
		}
		return 0, discardTable(table, err)
	}

	prev := db.wal
	db.wal, db.mt = next, memtable.New()
	if db.failed != nil {
		slog.Info("failed WAL retired, accepting writes", "wal", prev.Path())
		db.failed = nil
	}

	if err := prev.Remove(); err != nil {
		// The manifest watermark already marks it as flushed.
		slog.Warn("failed to remove flushed WAL", "wal", prev.Path(), "error", err)
	}

	slog.Info("memtable flushed", "segment", table.ID(), "entries", table.Len(), "bytes", table.Size())
	notify(db.compactCh)
	return table.ID(), nil
}

// rotateWAL replaces a failed WAL that holds nothing worth keeping.
func (db *DB) rotateWAL() error {
	next, err := wal.New(db.dir)
	if err != nil {
		return err
	}
	prev := db.wal
	if err := prev.Remove(); err != nil && !errors.Is(err, os.ErrNotExist) {
		if rerr := next.Remove(); rerr != nil {
			slog.Warn("failed to discard unused WAL", "wal", next.Path(), "error", rerr)
		}
		return fmt.Errorf("failed to retire WAL %s: %w", prev.Path(), err)
	}
	db.wal = next
	db.failed = nil

	slog.Info("failed WAL retired, accepting writes", "wal", prev.Path())
	return nil
}

// writeReversed pops entries off the tail of a descending snapshot so the
// segment receives them in ascending order.
func writeReversed(table *persistence.SSTable, entries []types.Entry) error {
	for len(entries) > 0 {
		last := len(entries) - 1
		if err := table.Write(entries[last]); err != nil {
			return err
		}
		entries = entries[:last]
	}
	return table.Flush()
}

func discardTable(t *persistence.SSTable, cause error) error {
	if err := t.Remove(); err != nil {
		slog.Warn("failed to discard segment", "segment", t.ID(), "error", err)
	}
	return cause
}

// Compact merges segments a and b, which must be the two oldest segments,
// into one that takes their place. It returns the new segment id, or zero
// when every entry cancelled out and both inputs were simply dropped. Reads
// keep working during the merge; the inputs are deleted once no reader
// uses them.
func (db *DB) Compact(a, b layout.FileID) (layout.FileID, error) {
	if a == b {
		return 0, fmt.Errorf("%w: cannot compact segment %s with itself", dberrors.ErrInvalidArgument, a)
	}
	if !db.compactMu.TryLock() {
		return 0, dberrors.ErrCompactionRunning
	}
	defer db.compactMu.Unlock()

	db.mu.RLock()
	if db.closed {
		db.mu.RUnlock()
		return 0, dberrors.ErrClosed
	}
	snap := db.catalog.Acquire()
	db.mu.RUnlock()
	defer snap.Release()

	ta, tb := findTable(snap, a), findTable(snap, b)
	if ta == nil || tb == nil {
		missing := a
		if ta != nil {
			missing = b
		}
		return 0, fmt.Errorf("%w: %s", dberrors.ErrUnknownSegment, missing)
	}
	if err := db.catalog.CheckOldest(a, b); err != nil {
		return 0, err
	}

	merged, err := persistence.MergeTables(ta, tb, db.dir, db.opts.Persistence)
	if err != nil {
		return 0, fmt.Errorf("failed to merge segments %s and %s: %w", a, b, err)
	}

	if merged.Len() == 0 {
		return 0, db.dropPair(a, b, merged)
	}

	db.mu.Lock()
	if db.closed {
		err = dberrors.ErrClosed
	} else {
		err = db.catalog.Replace([]layout.FileID{a, b}, merged)
	}
	db.mu.Unlock()
	if err != nil {
		return 0, discardTable(merged, err)
	}

	slog.Info("segments compacted",
		"inputs", []string{a.String(), b.String()},
		"segment", merged.ID(),
		"entries", merged.Len(),
	)
	return merged.ID(), nil
}

// dropPair removes a and b from the catalog in place of publishing the
// empty merge output.
func (db *DB) dropPair(a, b layout.FileID, empty *persistence.SSTable) error {
	_ = discardTable(empty, nil)

	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return dberrors.ErrClosed
	}
	if err := db.catalog.Remove(a, b); err != nil {
		return err
	}

	slog.Info("segments compacted away", "inputs", []string{a.String(), b.String()})
	return nil
}

func findTable(snap persistence.Snapshot, id layout.FileID) *persistence.SSTable {
	for _, t := range snap.Tables {
		if t.ID() == id {
			return t
		}
	}
	return nil
}

// Segments lists live segment ids, newest first.
func (db *DB) Segments() []layout.FileID {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.catalog.IDs()
}

// Scan returns every entry of segment id in key order.
func (db *DB) Scan(id layout.FileID, fn func(types.Entry) error) error {
	db.mu.RLock()
	if db.closed {
		db.mu.RUnlock()
		return dberrors.ErrClosed
	}
	snap := db.catalog.Acquire()
	db.mu.RUnlock()
	defer snap.Release()

	t := findTable(snap, id)
	if t == nil {
		return fmt.Errorf("%w: %s", dberrors.ErrUnknownSegment, id)
	}
	it, err := t.Iterator()
	if err != nil {
		return err
	}
	defer it.Close()

	for it.Next() {
		if err := fn(it.Entry()); err != nil {
			return err
		}
	}
	return it.Err()
}

func (db *DB) MemtableSize() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.mt.Size()
}

// Stats is a point-in-time summary of the store.
type Stats struct {
	MemtableEntries int                       `json:"memtable_entries"`
	MemtableBytes   int                       `json:"memtable_bytes"`
	WAL             string                    `json:"wal"`
	Segments        []persistence.SegmentInfo `json:"segments"`
}

func (db *DB) Stats() Stats {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return Stats{
		MemtableEntries: db.mt.Len(),
		MemtableBytes:   db.mt.Size(),
		WAL:             db.wal.Path(),
		Segments:        db.catalog.Manifest(),
	}
}

// Sync makes every accepted write durable.
func (db *DB) Sync() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.writable(); err != nil {
		return err
	}
	if err := db.wal.Flush(); err != nil {
		return db.fail(err)
	}
	return nil
}

// Now returns a timestamp newer than any this DB has handed out or recovered.
func (db *DB) Now() types.Timestamp {
	return db.clock.NextTimestamp()
}

func (db *DB) Dir() string {
	return db.dir
}

// Close flushes the WAL and releases every file. The memtable is not
// flushed; its content is recovered from the WAL on the next Open.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return dberrors.ErrClosed
	}
	db.closed = true

	return errors.Join(
		db.wal.Close(),
		db.catalog.Close(),
	)
}

func (db *DB) flushSignal() <-chan struct{} {
	return db.flushCh
}

func (db *DB) compactSignal() <-chan struct{} {
	return db.compactCh
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
