package wal

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"lsmkv/pkg/encoding/record"
	"lsmkv/pkg/iterator"
	"lsmkv/pkg/layout"
	"lsmkv/pkg/types"
)

var errClosed = errors.New("WAL is closed")

// WAL implements write-ahead logging. Appends are buffered until Flush.
type WAL struct {
	mu     sync.Mutex
	id     layout.FileID
	path   string
	file   *os.File
	writer *bufio.Writer
}

// New creates an empty WAL file in dir.
func New(dir string) (*WAL, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty WAL dir")
	}

	id := layout.NextID()
	path := layout.WALPath(dir, id)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to create WAL file: %w", err)
	}

	slog.Debug("WAL created", "wal", path)
	return newWAL(id, path, file), nil
}

func newWAL(id layout.FileID, path string, file *os.File) *WAL {
	return &WAL{
		id:     id,
		path:   path,
		file:   file,
		writer: bufio.NewWriter(file),
	}
}

func (w *WAL) Set(key types.Key, value types.Value, ts types.Timestamp) error {
	return w.Append(types.Put(key, value, ts))
}

func (w *WAL) Delete(key types.Key, ts types.Timestamp) error {
	return w.Append(types.Tombstone(key, ts))
}

// Append buffers one entry. It is durable only after Flush.
func (w *WAL) Append(e types.Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer == nil {
		return errClosed
	}
	if _, err := record.WriteEntry(w.writer, e); err != nil {
		return fmt.Errorf("failed to write WAL entry: %w", err)
	}

	return nil
}

// Flush pushes buffered entries to the file and syncs it.
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.flush()
}

func (w *WAL) flush() error {
	if w.writer == nil {
		return errClosed
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}

	return nil
}

// Iterator replays the file from its first entry. Buffered entries are
// flushed first so they are part of the replay.
func (w *WAL) Iterator() (iterator.Iterator, error) {
	w.mu.Lock()
	if w.writer != nil {
		if err := w.writer.Flush(); err != nil {
			w.mu.Unlock()
			return nil, fmt.Errorf("failed to flush WAL before replay: %w", err)
		}
	}
	w.mu.Unlock()

	return Iterate(w.path)
}

// Close flushes buffered entries and closes the file. The file is closed
// even when the flush fails.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var flushErr, closeErr error
	if w.writer != nil {
		if err := w.writer.Flush(); err != nil {
			flushErr = fmt.Errorf("failed to flush WAL on close: %w", err)
		}
		w.writer = nil
	}

	if w.file != nil {
		if err := w.file.Close(); err != nil {
			closeErr = fmt.Errorf("failed to close WAL file: %w", err)
		}
		w.file = nil
	}

	return errors.Join(flushErr, closeErr)
}

// Remove closes the WAL and deletes its file. Entries that could not be
// flushed are discarded with it.
func (w *WAL) Remove() error {
	if err := w.Close(); err != nil {
		slog.Warn("WAL closed with errors before removal", "wal", w.path, "error", err)
	}
	if err := os.Remove(w.path); err != nil {
		return fmt.Errorf("failed to remove WAL file: %w", err)
	}

	slog.Debug("WAL removed", "wal", w.path)
	return nil
}

func (w *WAL) Path() string {
	return w.path
}

func (w *WAL) ID() layout.FileID {
	return w.id
}

// Iterate replays the WAL file at path. A truncated last record ends the
// replay quietly.
func Iterate(path string) (iterator.Iterator, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL for reading: %w", err)
	}
	return iterator.NewEntryReader(file), nil
}

// Replay feeds every entry of the WAL file at path to callback.
func Replay(path string, callback func(types.Entry) error) error {
	it, err := Iterate(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := it.Close(); cerr != nil {
			slog.Warn("failed to close WAL read file", "error", cerr)
		}
	}()

	for it.Next() {
		if err := callback(it.Entry()); err != nil {
			return fmt.Errorf("WAL replay callback failed: %w", err)
		}
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("failed to read WAL entry: %w", err)
	}

	return nil
}
