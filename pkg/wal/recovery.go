package wal

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"lsmkv/pkg/layout"
	"lsmkv/pkg/memtable"
	"lsmkv/pkg/types"
)

// LoadFromDir rebuilds the memtable from every WAL file left in dir.
//
// Files are replayed oldest first into a fresh memtable and a fresh WAL,
// the fresh WAL is synced, and only then are the old files deleted. A file
// that cannot be opened is skipped with a warning. If replay fails the fresh
// WAL is discarded and the old files stay in place. If deleting an old file
// fails the fresh WAL is kept: it is the newest file and holds the full
// history, so the next recovery still ends in the same state.
func LoadFromDir(dir string) (*WAL, *memtable.Memtable, error) {
	ids, err := layout.ListWALs(dir)
	if err != nil {
		return nil, nil, err
	}
	if len(ids) > 0 {
		layout.Reserve(ids[len(ids)-1])
	}

	w, err := New(dir)
	if err != nil {
		return nil, nil, err
	}
	mt := memtable.New()

	replayed, err := replayAll(dir, ids, w, mt)
	if err != nil {
		if rerr := w.Remove(); rerr != nil {
			slog.Warn("failed to discard WAL after failed recovery", "wal", w.Path(), "error", rerr)
		}
		return nil, nil, err
	}

	for _, id := range ids {
		path := layout.WALPath(dir, id)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			if cerr := w.Close(); cerr != nil {
				slog.Warn("failed to close WAL", "wal", w.Path(), "error", cerr)
			}
			return nil, nil, fmt.Errorf("failed to remove recovered WAL %s: %w", path, err)
		}
	}

	if len(ids) > 0 {
		slog.Info("WAL recovered", "dir", dir, "files", len(ids), "entries", replayed, "wal", w.Path())
	}
	return w, mt, nil
}

func replayAll(dir string, ids []layout.FileID, w *WAL, mt *memtable.Memtable) (int, error) {
	replayed := 0
	for _, id := range ids {
		path := layout.WALPath(dir, id)
		err := Replay(path, func(e types.Entry) error {
			if err := w.Append(e); err != nil {
				return err
			}
			mt.Apply(e)
			replayed++
			return nil
		})
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
			slog.Warn("skipping unreadable WAL file", "wal", path, "error", err)
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("failed to replay WAL %s: %w", path, err)
		}
	}

	if err := w.Flush(); err != nil {
		return 0, err
	}

	return replayed, nil
}

// RemoveUpTo deletes WAL files in dir with an id at or below upTo. They hold
// entries already persisted elsewhere and must not be replayed again.
func RemoveUpTo(dir string, upTo layout.FileID) error {
	if upTo == 0 {
		return nil
	}

	ids, err := layout.ListWALs(dir)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id > upTo {
			break
		}
		path := layout.WALPath(dir, id)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove flushed WAL %s: %w", path, err)
		}
		slog.Info("removed already flushed WAL", "wal", path)
	}
	return nil
}
