package persistence

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/layout"
	"lsmkv/pkg/types"
)

func openCatalog(t *testing.T, dir string) *Catalog {
	t.Helper()
	c, err := OpenCatalog(dir, DefaultOptions())
	if err != nil {
		t.Fatalf("OpenCatalog failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func flushed(t *testing.T, dir string, entries ...types.Entry) *SSTable {
	t.Helper()
	table, err := NewSSTable(dir, DefaultOptions())
	if err != nil {
		t.Fatalf("NewSSTable failed: %v", err)
	}
	for _, e := range entries {
		if err := table.Write(e); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	if err := table.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	return table
}

func TestCatalog_AddListNewestFirst(t *testing.T) {
	dir := t.TempDir()
	c := openCatalog(t, dir)

	first := flushed(t, dir, types.Put([]byte("k"), []byte("1"), ts(1)))
	second := flushed(t, dir, types.Put([]byte("k"), []byte("2"), ts(2)))
	for _, table := range []*SSTable{first, second} {
		if err := c.Add(table, 0); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	if diff := cmp.Diff([]layout.FileID{second.ID(), first.ID()}, c.IDs()); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
	if err := c.Add(first, 0); err == nil {
		t.Fatal("expected duplicate Add to fail")
	}
	if got, ok := c.Get(first.ID()); !ok || got != first {
		t.Fatal("expected Get to return the added table")
	}
}

func TestCatalog_ReopenFromManifest(t *testing.T) {
	dir := t.TempDir()
	c, err := OpenCatalog(dir, DefaultOptions())
	if err != nil {
		t.Fatalf("OpenCatalog failed: %v", err)
	}
	a := flushed(t, dir, types.Put([]byte("a"), []byte("1"), ts(1)))
	b := flushed(t, dir, types.Put([]byte("b"), []byte("2"), ts(2)))
	_ = c.Add(a, 0)
	_ = c.Add(b, 0)
	want := c.IDs()
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened := openCatalog(t, dir)
	if diff := cmp.Diff(want, reopened.IDs()); diff != "" {
		t.Fatalf("order mismatch after reopen (-want +got):\n%s", diff)
	}
	table, _ := reopened.Get(a.ID())
	if _, ok, err := table.Get([]byte("a")); err != nil || !ok {
		t.Fatalf("expected reopened segment to serve reads, ok=%v err=%v", ok, err)
	}
}

func TestCatalog_ReplaceKeepsReadPosition(t *testing.T) {
	dir := t.TempDir()
	c := openCatalog(t, dir)

	oldest := flushed(t, dir, types.Put([]byte("k"), []byte("v1"), ts(1)))
	middle := flushed(t, dir, types.Put([]byte("k"), []byte("v2"), ts(2)))
	newest := flushed(t, dir, types.Put([]byte("k"), []byte("v3"), ts(3)))
	for _, table := range []*SSTable{oldest, middle, newest} {
		if err := c.Add(table, 0); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	merged, err := MergeTables(oldest, middle, dir, DefaultOptions())
	if err != nil {
		t.Fatalf("MergeTables failed: %v", err)
	}
	if err := c.Replace([]layout.FileID{oldest.ID(), middle.ID()}, merged); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}

	if diff := cmp.Diff([]layout.FileID{newest.ID(), merged.ID()}, c.IDs()); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
	for _, p := range append(oldest.Paths().All(), middle.Paths().All()...) {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("expected replaced file %s to be deleted, stat err=%v", filepath.Base(p), err)
		}
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	reopened := openCatalog(t, dir)
	if diff := cmp.Diff([]layout.FileID{newest.ID(), merged.ID()}, reopened.IDs()); diff != "" {
		t.Fatalf("order mismatch after reopen (-want +got):\n%s", diff)
	}
}

func TestCatalog_ReplaceRequiresOldest(t *testing.T) {
	dir := t.TempDir()
	c := openCatalog(t, dir)

	oldest := flushed(t, dir, types.Put([]byte("k"), []byte("v1"), ts(1)))
	middle := flushed(t, dir, types.Put([]byte("k"), []byte("v2"), ts(2)))
	newest := flushed(t, dir, types.Tombstone([]byte("k"), ts(3)))
	for _, table := range []*SSTable{oldest, middle, newest} {
		if err := c.Add(table, 0); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	tests := []struct {
		name   string
		inputs []layout.FileID
	}{
		{"skips middle", []layout.FileID{oldest.ID(), newest.ID()}},
		{"newest pair", []layout.FileID{middle.ID(), newest.ID()}},
		{"duplicate", []layout.FileID{oldest.ID(), oldest.ID()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := flushed(t, dir, types.Put([]byte("k"), []byte("merged"), ts(3)))
			t.Cleanup(func() { _ = out.Remove() })

			if err := c.Replace(tt.inputs, out); !errors.Is(err, dberrors.ErrInvalidArgument) {
				t.Fatalf("expected ErrInvalidArgument, got %v", err)
			}
			want := []layout.FileID{newest.ID(), middle.ID(), oldest.ID()}
			if diff := cmp.Diff(want, c.IDs()); diff != "" {
				t.Fatalf("catalog changed after rejected Replace (-want +got):\n%s", diff)
			}
		})
	}

	if err := c.CheckOldest(middle.ID(), oldest.ID()); err != nil {
		t.Fatalf("expected the oldest pair to pass, got %v", err)
	}
	if err := c.CheckOldest(oldest.ID(), 1); !errors.Is(err, dberrors.ErrUnknownSegment) {
		t.Fatalf("expected ErrUnknownSegment, got %v", err)
	}
}

func TestCatalog_SnapshotDefersDeletion(t *testing.T) {
	dir := t.TempDir()
	c := openCatalog(t, dir)

	table := flushed(t, dir, types.Put([]byte("k"), []byte("v"), ts(1)))
	if err := c.Add(table, 0); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	snap := c.Acquire()
	if err := c.Remove(table.ID()); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if c.Len() != 0 {
		t.Fatalf("expected empty catalog, got %d", c.Len())
	}

	// Still readable through the snapshot.
	if _, ok, err := snap.Tables[0].Get([]byte("k")); err != nil || !ok {
		t.Fatalf("expected snapshot read to succeed, ok=%v err=%v", ok, err)
	}
	if _, err := os.Stat(table.Paths().Data); err != nil {
		t.Fatalf("data file deleted while referenced: %v", err)
	}

	snap.Release()
	if _, err := os.Stat(table.Paths().Data); !os.IsNotExist(err) {
		t.Fatalf("expected data file to be deleted after release, stat err=%v", err)
	}
}

func TestCatalog_UnknownSegment(t *testing.T) {
	c := openCatalog(t, t.TempDir())
	if err := c.Remove(42); err == nil {
		t.Fatal("expected Remove of unknown segment to fail")
	}
}

func TestCatalog_AdoptWithoutManifest(t *testing.T) {
	dir := t.TempDir()
	a := flushed(t, dir, types.Put([]byte("a"), []byte("1"), ts(1)))
	b := flushed(t, dir, types.Put([]byte("b"), []byte("2"), ts(2)))
	_ = a.Close()
	_ = b.Close()

	c := openCatalog(t, dir)
	if diff := cmp.Diff([]layout.FileID{b.ID(), a.ID()}, c.IDs()); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
	if _, err := os.Stat(filepath.Join(dir, layout.ManifestName)); err != nil {
		t.Fatalf("expected manifest to be written: %v", err)
	}
}

func TestCatalog_RemovesUnlistedSegments(t *testing.T) {
	dir := t.TempDir()
	c, err := OpenCatalog(dir, DefaultOptions())
	if err != nil {
		t.Fatalf("OpenCatalog failed: %v", err)
	}
	live := flushed(t, dir, types.Put([]byte("a"), []byte("1"), ts(1)))
	if err := c.Add(live, 0); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// A flush that crashed before committing to the manifest.
	orphan := flushed(t, dir, types.Put([]byte("b"), []byte("2"), ts(2)))
	_ = orphan.Close()

	reopened := openCatalog(t, dir)
	if diff := cmp.Diff([]layout.FileID{live.ID()}, reopened.IDs()); diff != "" {
		t.Fatalf("ids mismatch (-want +got):\n%s", diff)
	}
	for _, p := range orphan.Paths().All() {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("expected orphan file %s to be removed, stat err=%v", filepath.Base(p), err)
		}
	}
}

func TestCatalog_WALWatermark(t *testing.T) {
	dir := t.TempDir()
	c, err := OpenCatalog(dir, DefaultOptions())
	if err != nil {
		t.Fatalf("OpenCatalog failed: %v", err)
	}
	table := flushed(t, dir, types.Put([]byte("a"), []byte("1"), ts(1)))
	if err := c.Add(table, 77); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened := openCatalog(t, dir)
	if got := reopened.WALWatermark(); got != 77 {
		t.Fatalf("expected watermark 77, got %d", got)
	}
}
