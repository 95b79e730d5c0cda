package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/encoding/record"
	"lsmkv/pkg/layout"
	"lsmkv/pkg/types"
	"lsmkv/pkg/wal"
)

func ts(v uint64) types.Timestamp {
	return types.TimestampFromMicros(v)
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.FlushThreshold = 0
	opts.CompactTrigger = 0
	return opts
}

func openDB(t *testing.T, dir string, opts Options) *DB {
	t.Helper()
	db, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func mustValue(t *testing.T, db *DB, key []byte) string {
	t.Helper()
	v, err := db.Value(key)
	if err != nil {
		t.Fatalf("Value(%q) failed: %v", key, err)
	}
	return string(v)
}

func TestDB_SetGet(t *testing.T) {
	db := openDB(t, t.TempDir(), testOptions())

	if err := db.Set([]byte("key1"), []byte("value1"), ts(1)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if got := mustValue(t, db, []byte("key1")); got != "value1" {
		t.Fatalf("expected value1, got %q", got)
	}

	if _, ok, err := db.Get([]byte("missing")); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
}

func TestDB_Delete(t *testing.T) {
	db := openDB(t, t.TempDir(), testOptions())

	_ = db.Set([]byte("k"), []byte("v"), ts(1))
	if err := db.Delete([]byte("k"), ts(2)); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	e, ok, err := db.Get([]byte("k"))
	if err != nil || !ok {
		t.Fatalf("expected tombstone hit, ok=%v err=%v", ok, err)
	}
	if !e.Deleted() {
		t.Fatal("expected tombstone")
	}
	if _, err := db.Value([]byte("k")); !errors.Is(err, dberrors.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDB_EmptyKey(t *testing.T) {
	db := openDB(t, t.TempDir(), testOptions())
	if err := db.Set(nil, []byte("v"), ts(1)); !errors.Is(err, dberrors.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestDB_OpenRequiresDirectory(t *testing.T) {
	dir := t.TempDir()
	if _, err := Open(filepath.Join(dir, "missing"), testOptions()); !errors.Is(err, dberrors.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for missing dir, got %v", err)
	}

	file := filepath.Join(dir, "file")
	if err := os.WriteFile(file, nil, 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := Open(file, testOptions()); !errors.Is(err, dberrors.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for file, got %v", err)
	}
}

func TestDB_Flush(t *testing.T) {
	dir := t.TempDir()
	db := openDB(t, dir, testOptions())

	if err := db.Set([]byte{1, 2, 3}, []byte{9}, ts(1)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	oldWAL := db.wal.Path()

	id, err := db.Flush()
	if err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	if db.mt.Len() != 0 {
		t.Fatalf("expected empty memtable after flush, got %d entries", db.mt.Len())
	}
	if st, err := os.Stat(db.wal.Path()); err != nil || st.Size() != 0 {
		t.Fatalf("expected a fresh empty WAL, stat=%v err=%v", st, err)
	}
	if _, err := os.Stat(oldWAL); !os.IsNotExist(err) {
		t.Fatalf("expected flushed WAL to be removed, stat err=%v", err)
	}
	if diff := cmp.Diff([]layout.FileID{id}, db.Segments()); diff != "" {
		t.Fatalf("segments mismatch (-want +got):\n%s", diff)
	}
	if got := mustValue(t, db, []byte{1, 2, 3}); got != string([]byte{9}) {
		t.Fatalf("expected [9], got %v", []byte(got))
	}
}

func TestDB_FlushEmpty(t *testing.T) {
	db := openDB(t, t.TempDir(), testOptions())
	id, err := db.Flush()
	if err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if id != 0 || len(db.Segments()) != 0 {
		t.Fatalf("expected no segment, got id=%s segments=%v", id, db.Segments())
	}
}

func TestDB_NewestSegmentWins(t *testing.T) {
	db := openDB(t, t.TempDir(), testOptions())

	for i := uint64(1); i <= 3; i++ {
		_ = db.Set([]byte("k"), []byte(fmt.Sprintf("v%d", i)), ts(i))
		_ = db.Set([]byte(fmt.Sprintf("only-%d", i)), []byte("x"), ts(i))
		if _, err := db.Flush(); err != nil {
			t.Fatalf("Flush failed: %v", err)
		}
	}

	if got := mustValue(t, db, []byte("k")); got != "v3" {
		t.Fatalf("expected v3, got %q", got)
	}
	for i := 1; i <= 3; i++ {
		if got := mustValue(t, db, []byte(fmt.Sprintf("only-%d", i))); got != "x" {
			t.Fatalf("expected x, got %q", got)
		}
	}

	// A tombstone in the memtable shadows every segment.
	_ = db.Delete([]byte("k"), ts(4))
	if _, err := db.Value([]byte("k")); !errors.Is(err, dberrors.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := db.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if _, err := db.Value([]byte("k")); !errors.Is(err, dberrors.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after flush, got %v", err)
	}
}

func TestDB_Recovery(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir, testOptions())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	_ = db.Set([]byte("flushed"), []byte("1"), ts(1))
	if _, err := db.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	_ = db.Set([]byte("logged"), []byte("2"), ts(2))
	_ = db.Delete([]byte("flushed"), ts(3))
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened := openDB(t, dir, testOptions())
	if got := mustValue(t, reopened, []byte("logged")); got != "2" {
		t.Fatalf("expected 2, got %q", got)
	}
	if _, err := reopened.Value([]byte("flushed")); !errors.Is(err, dberrors.ErrNotFound) {
		t.Fatalf("expected recovered tombstone to hide key, got %v", err)
	}
	if reopened.mt.Len() != 2 {
		t.Fatalf("expected 2 recovered memtable entries, got %d", reopened.mt.Len())
	}

	wals, err := layout.ListWALs(dir)
	if err != nil {
		t.Fatalf("ListWALs failed: %v", err)
	}
	if len(wals) != 1 || wals[0] != reopened.wal.ID() {
		t.Fatalf("expected only the live WAL, got %v", wals)
	}
}

func TestDB_FlushedWALNotReplayed(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir, testOptions())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	_ = db.Set([]byte("k"), []byte("v"), ts(1))
	walPath := db.wal.Path()
	logged, err := os.ReadFile(walPath)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if _, err := db.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Crash between the manifest commit and the WAL removal.
	if err := os.WriteFile(walPath, logged, 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	reopened := openDB(t, dir, testOptions())
	if reopened.mt.Len() != 0 {
		t.Fatalf("flushed WAL was replayed: %d memtable entries", reopened.mt.Len())
	}
	if _, err := os.Stat(walPath); !os.IsNotExist(err) {
		t.Fatalf("expected flushed WAL to be removed, stat err=%v", err)
	}
	if got := mustValue(t, reopened, []byte("k")); got != "v" {
		t.Fatalf("expected v, got %q", got)
	}
}

func TestDB_WALFailureLeavesMemtable(t *testing.T) {
	db := openDB(t, t.TempDir(), testOptions())
	_ = db.Set([]byte("a"), []byte("1"), ts(1))

	if err := db.wal.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := db.Set([]byte("b"), []byte("2"), ts(2)); err == nil {
		t.Fatal("expected Set to fail with a closed WAL")
	}

	if _, ok, _ := db.Get([]byte("b")); ok {
		t.Fatal("write became visible without being logged")
	}
	if db.mt.Len() != 1 {
		t.Fatalf("expected memtable untouched, got %d entries", db.mt.Len())
	}
}

func mustFlush(t *testing.T, db *DB) layout.FileID {
	t.Helper()
	id, err := db.Flush()
	if err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	return id
}

func TestDB_Compact(t *testing.T) {
	dir := t.TempDir()
	db := openDB(t, dir, testOptions())

	_ = db.Set([]byte("k"), []byte("v1"), ts(1))
	_ = db.Set([]byte("gone"), []byte("x"), ts(1))
	oldest := mustFlush(t, db)
	_ = db.Set([]byte("k"), []byte("v2"), ts(2))
	_ = db.Delete([]byte("gone"), ts(2))
	middle := mustFlush(t, db)
	_ = db.Set([]byte("k"), []byte("v3"), ts(3))
	newest := mustFlush(t, db)

	merged, err := db.Compact(middle, oldest)
	if err != nil {
		t.Fatalf("Compact failed: %v", err)
	}

	if diff := cmp.Diff([]layout.FileID{newest, merged}, db.Segments()); diff != "" {
		t.Fatalf("segments mismatch (-want +got):\n%s", diff)
	}
	if got := mustValue(t, db, []byte("k")); got != "v3" {
		t.Fatalf("expected v3, got %q", got)
	}
	if _, err := db.Value([]byte("gone")); !errors.Is(err, dberrors.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	var got []types.Entry
	err = db.Scan(merged, func(e types.Entry) error {
		got = append(got, e)
		return nil
	})
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if diff := cmp.Diff([]types.Entry{types.Put([]byte("k"), []byte("v2"), ts(2))}, got); diff != "" {
		t.Fatalf("merged entries mismatch (-want +got):\n%s", diff)
	}

	for _, id := range []layout.FileID{oldest, middle} {
		if _, err := os.Stat(layout.SegmentPaths(dir, id).Data); !os.IsNotExist(err) {
			t.Fatalf("expected compacted segment %s to be deleted, stat err=%v", id, err)
		}
	}
}

func TestDB_CompactKeepsDeletedKeyDeleted(t *testing.T) {
	db := openDB(t, t.TempDir(), testOptions())

	_ = db.Set([]byte("k"), []byte("v1"), ts(1))
	oldest := mustFlush(t, db)
	_ = db.Set([]byte("k"), []byte("v2"), ts(2))
	middle := mustFlush(t, db)
	_ = db.Delete([]byte("k"), ts(3))
	newest := mustFlush(t, db)

	// Dropping the tombstone here would expose v1 from the oldest segment.
	if _, err := db.Compact(middle, newest); !errors.Is(err, dberrors.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if _, err := db.Value([]byte("k")); !errors.Is(err, dberrors.ErrNotFound) {
		t.Fatalf("expected k to stay deleted, got %v", err)
	}
	if diff := cmp.Diff([]layout.FileID{newest, middle, oldest}, db.Segments()); diff != "" {
		t.Fatalf("segments changed after rejected compaction (-want +got):\n%s", diff)
	}

	merged, err := db.Compact(oldest, middle)
	if err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	if _, err := db.Compact(merged, newest); err != nil {
		t.Fatalf("second Compact failed: %v", err)
	}
	if _, err := db.Value([]byte("k")); !errors.Is(err, dberrors.ErrNotFound) {
		t.Fatalf("expected k to stay deleted, got %v", err)
	}
}

func TestDB_CompactRequiresOldestPair(t *testing.T) {
	db := openDB(t, t.TempDir(), testOptions())

	_ = db.Set([]byte("k"), []byte("v1"), ts(1))
	oldest := mustFlush(t, db)
	_ = db.Set([]byte("k"), []byte("v2"), ts(2))
	middle := mustFlush(t, db)
	_ = db.Set([]byte("other"), []byte("x"), ts(3))
	newest := mustFlush(t, db)

	// A merged oldest+newest segment would be read before middle.
	if _, err := db.Compact(oldest, newest); !errors.Is(err, dberrors.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if got := mustValue(t, db, []byte("k")); got != "v2" {
		t.Fatalf("expected v2, got %q", got)
	}
	if diff := cmp.Diff([]layout.FileID{newest, middle, oldest}, db.Segments()); diff != "" {
		t.Fatalf("segments changed after rejected compaction (-want +got):\n%s", diff)
	}
}

func TestDB_CompactCancelledOut(t *testing.T) {
	dir := t.TempDir()
	db := openDB(t, dir, testOptions())

	_ = db.Set([]byte("k"), []byte("v"), ts(1))
	a := mustFlush(t, db)
	_ = db.Delete([]byte("k"), ts(2))
	b := mustFlush(t, db)

	id, err := db.Compact(a, b)
	if err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	if id != 0 {
		t.Fatalf("expected no output segment, got %s", id)
	}
	if got := db.Segments(); len(got) != 0 {
		t.Fatalf("expected no segments, got %v", got)
	}
	if _, err := db.Value([]byte("k")); !errors.Is(err, dberrors.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	for _, seg := range []layout.FileID{a, b} {
		if _, err := os.Stat(layout.SegmentPaths(dir, seg).Data); !os.IsNotExist(err) {
			t.Fatalf("expected segment %s to be deleted, stat err=%v", seg, err)
		}
	}

	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	reopened := openDB(t, dir, testOptions())
	if got := reopened.Segments(); len(got) != 0 {
		t.Fatalf("expected no segments after reopen, got %v", got)
	}
}

func TestDB_CompactErrors(t *testing.T) {
	db := openDB(t, t.TempDir(), testOptions())

	_ = db.Set([]byte("k"), []byte("1"), ts(5))
	a, _ := db.Flush()
	_ = db.Set([]byte("k"), []byte("2"), ts(5))
	b, _ := db.Flush()

	t.Run("same segment", func(t *testing.T) {
		if _, err := db.Compact(a, a); !errors.Is(err, dberrors.ErrInvalidArgument) {
			t.Fatalf("expected ErrInvalidArgument, got %v", err)
		}
	})

	t.Run("unknown segment", func(t *testing.T) {
		if _, err := db.Compact(a, 1); !errors.Is(err, dberrors.ErrUnknownSegment) {
			t.Fatalf("expected ErrUnknownSegment, got %v", err)
		}
	})

	t.Run("timestamp collision", func(t *testing.T) {
		if _, err := db.Compact(a, b); !errors.Is(err, dberrors.ErrTimestampCollision) {
			t.Fatalf("expected ErrTimestampCollision, got %v", err)
		}
		if diff := cmp.Diff([]layout.FileID{b, a}, db.Segments()); diff != "" {
			t.Fatalf("segments changed after failed compaction (-want +got):\n%s", diff)
		}
	})
}

func TestDB_FieldLimit(t *testing.T) {
	if testing.Short() {
		t.Skip("allocates a 1 GiB field")
	}
	db := openDB(t, t.TempDir(), testOptions())
	big := make([]byte, record.MaxFieldSize+1)

	if err := db.Set([]byte("k"), big, ts(1)); !errors.Is(err, dberrors.ErrInvalidArgument) {
		t.Fatalf("oversized value: expected ErrInvalidArgument, got %v", err)
	}
	if err := db.Delete(big, ts(2)); !errors.Is(err, dberrors.ErrInvalidArgument) {
		t.Fatalf("oversized key: expected ErrInvalidArgument, got %v", err)
	}
	if db.mt.Len() != 0 {
		t.Fatalf("expected empty memtable, got %d entries", db.mt.Len())
	}

	if err := db.Set([]byte("k"), []byte("v"), ts(3)); err != nil {
		t.Fatalf("Set after rejected writes failed: %v", err)
	}
}

type failingWAL struct {
	*wal.WAL
	err error
}

func (w *failingWAL) Flush() error {
	return w.err
}

func TestDB_WALFlushFailure(t *testing.T) {
	errDisk := errors.New("disk full")

	t.Run("flush retires the log", func(t *testing.T) {
		dir := t.TempDir()
		db := openDB(t, dir, testOptions())
		_ = db.Set([]byte("a"), []byte("1"), ts(1))
		db.wal = &failingWAL{WAL: db.wal.(*wal.WAL), err: errDisk}

		err := db.Set([]byte("b"), []byte("2"), ts(2))
		if !errors.Is(err, dberrors.ErrWALFailed) || !errors.Is(err, errDisk) {
			t.Fatalf("expected ErrWALFailed wrapping the cause, got %v", err)
		}
		if _, ok, _ := db.Get([]byte("b")); ok {
			t.Fatal("failed write became visible")
		}
		if err := db.Delete([]byte("a"), ts(3)); !errors.Is(err, dberrors.ErrWALFailed) {
			t.Fatalf("expected writes rejected after failure, got %v", err)
		}

		if _, err := db.Flush(); err != nil {
			t.Fatalf("Flush failed: %v", err)
		}
		if err := db.Set([]byte("c"), []byte("3"), ts(4)); err != nil {
			t.Fatalf("Set after Flush failed: %v", err)
		}

		if err := db.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
		reopened := openDB(t, dir, testOptions())
		if _, ok, _ := reopened.Get([]byte("b")); ok {
			t.Fatal("failed write came back on recovery")
		}
		if got := mustValue(t, reopened, []byte("a")); got != "1" {
			t.Fatalf("expected a=1, got %q", got)
		}
		if got := mustValue(t, reopened, []byte("c")); got != "3" {
			t.Fatalf("expected c=3, got %q", got)
		}
	})

	t.Run("empty memtable", func(t *testing.T) {
		dir := t.TempDir()
		db := openDB(t, dir, testOptions())
		db.wal = &failingWAL{WAL: db.wal.(*wal.WAL), err: errDisk}

		if err := db.Set([]byte("b"), []byte("2"), ts(1)); !errors.Is(err, dberrors.ErrWALFailed) {
			t.Fatalf("expected ErrWALFailed, got %v", err)
		}
		id, err := db.Flush()
		if err != nil {
			t.Fatalf("Flush failed: %v", err)
		}
		if id != 0 {
			t.Fatalf("expected no segment from an empty memtable, got %s", id)
		}
		if err := db.Set([]byte("c"), []byte("3"), ts(2)); err != nil {
			t.Fatalf("Set after Flush failed: %v", err)
		}

		if err := db.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
		reopened := openDB(t, dir, testOptions())
		if _, ok, _ := reopened.Get([]byte("b")); ok {
			t.Fatal("failed write came back on recovery")
		}
		if got := mustValue(t, reopened, []byte("c")); got != "3" {
			t.Fatalf("expected c=3, got %q", got)
		}
	})
}

func TestDB_Closed(t *testing.T) {
	db, err := Open(t.TempDir(), testOptions())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if err := db.Set([]byte("k"), []byte("v"), ts(1)); !errors.Is(err, dberrors.ErrClosed) {
		t.Fatalf("expected ErrClosed from Set, got %v", err)
	}
	if _, _, err := db.Get([]byte("k")); !errors.Is(err, dberrors.ErrClosed) {
		t.Fatalf("expected ErrClosed from Get, got %v", err)
	}
	if _, err := db.Flush(); !errors.Is(err, dberrors.ErrClosed) {
		t.Fatalf("expected ErrClosed from Flush, got %v", err)
	}
	if err := db.Close(); !errors.Is(err, dberrors.ErrClosed) {
		t.Fatalf("expected ErrClosed from second Close, got %v", err)
	}
}

func TestDB_ConcurrentReadsDuringFlush(t *testing.T) {
	db := openDB(t, t.TempDir(), testOptions())

	const keys = 200
	for i := 0; i < keys; i++ {
		_ = db.Set([]byte(fmt.Sprintf("key-%03d", i)), []byte("v"), ts(uint64(i+1)))
	}

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < keys; i++ {
				if _, err := db.Value([]byte(fmt.Sprintf("key-%03d", i))); err != nil {
					errs <- fmt.Errorf("key-%03d: %w", i, err)
					return
				}
			}
		}()
	}

	if _, err := db.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("read during flush failed: %v", err)
	}
}

func TestDB_StringHelpers(t *testing.T) {
	db := openDB(t, t.TempDir(), testOptions())

	if err := db.PutString("name", "lsm"); err != nil {
		t.Fatalf("PutString failed: %v", err)
	}
	v, ok, err := db.GetString("name")
	if err != nil || !ok || v != "lsm" {
		t.Fatalf("GetString = %q, %v, %v", v, ok, err)
	}

	if err := db.PutString("name", "kv"); err != nil {
		t.Fatalf("PutString failed: %v", err)
	}
	if v, _, _ := db.GetString("name"); v != "kv" {
		t.Fatalf("expected overwrite, got %q", v)
	}

	if err := db.DeleteString("name"); err != nil {
		t.Fatalf("DeleteString failed: %v", err)
	}
	if _, ok, err := db.GetString("name"); err != nil || ok {
		t.Fatalf("expected deleted key, ok=%v err=%v", ok, err)
	}
}

func TestDB_Stats(t *testing.T) {
	db := openDB(t, t.TempDir(), testOptions())
	_ = db.Set([]byte("a"), []byte("1"), ts(1))
	if _, err := db.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	_ = db.Set([]byte("b"), []byte("22"), ts(2))

	st := db.Stats()
	if st.MemtableEntries != 1 || st.MemtableBytes != 1+2+16+1 {
		t.Fatalf("unexpected memtable stats %+v", st)
	}
	if len(st.Segments) != 1 || st.Segments[0].Entries != 1 {
		t.Fatalf("unexpected segment stats %+v", st.Segments)
	}
}
