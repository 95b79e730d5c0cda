package store

import (
	"errors"
	"log/slog"

	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/listener"
)

// Flusher flushes the memtable in the background once it grows past
// Options.FlushThreshold.
type Flusher struct {
	*listener.Listener[struct{}]

	db *DB
}

func NewFlusher(db *DB) *Flusher {
	f := &Flusher{db: db}
	f.Listener = listener.New("flusher", db.flushSignal(), f.flush)
	return f
}

func (f *Flusher) flush(struct{}) error {
	threshold := f.db.opts.FlushThreshold
	if threshold <= 0 || f.db.MemtableSize() < threshold {
		return nil
	}

	id, err := f.db.Flush()
	if errors.Is(err, dberrors.ErrClosed) {
		return nil
	}
	if err != nil {
		return err
	}

	slog.Debug("background flush done", "segment", id)
	return nil
}

// Compactor merges the two oldest segments whenever a flush leaves at least
// Options.CompactTrigger segments behind.
type Compactor struct {
	*listener.Listener[struct{}]

	db *DB
}

func NewCompactor(db *DB) *Compactor {
	c := &Compactor{db: db}
	c.Listener = listener.New("compactor", db.compactSignal(), c.compact)
	return c
}

func (c *Compactor) compact(struct{}) error {
	trigger := c.db.opts.CompactTrigger
	if trigger < 2 {
		return nil
	}

	for {
		segments := c.db.Segments()
		if len(segments) < trigger {
			return nil
		}

		// Newest first: the two oldest are at the tail.
		older, newer := segments[len(segments)-1], segments[len(segments)-2]
		_, err := c.db.Compact(older, newer)
		switch {
		case errors.Is(err, dberrors.ErrClosed), errors.Is(err, dberrors.ErrCompactionRunning):
			return nil
		case err != nil:
			return err
		}
	}
}
