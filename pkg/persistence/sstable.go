package persistence

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"lsmkv/pkg/encoding/record"
	"lsmkv/pkg/iterator"
	"lsmkv/pkg/layout"
	"lsmkv/pkg/types"
)

var errSegmentClosed = errors.New("segment is closed")

// SSTable is one sorted segment: a data file, its sparse index and an empty
// marker file. Entries must be written in ascending key order; once flushed
// and published a segment is never written again.
type SSTable struct {
	mu sync.Mutex

	id    layout.FileID
	paths layout.SegmentFiles

	marker *os.File
	data   *DataFile
	index  *IndexFile
	bloom  BloomFilter

	blockSize        int
	currentBlockSize int
	count            int
	size             int64

	// refs counts the catalog plus every reader holding the segment.
	refs     atomic.Int32
	obsolete atomic.Bool
}

// NewSSTable creates the files of a fresh segment in dir.
func NewSSTable(dir string, opts Options) (*SSTable, error) {
	opts = opts.withDefaults()
	id := layout.NextID()
	paths := layout.SegmentPaths(dir, id)

	t := &SSTable{
		id:        id,
		paths:     paths,
		bloom:     NewBloomFilter(opts.BloomExpectedItems, opts.BloomFPRate),
		blockSize: opts.BlockSize,
	}

	var err error
	if t.marker, err = os.OpenFile(paths.Marker, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0o600); err != nil {
		return nil, fmt.Errorf("failed to create segment marker: %w", err)
	}
	if t.data, err = CreateDataFile(paths.Data); err != nil {
		t.discard()
		return nil, err
	}
	if t.index, err = CreateIndexFile(paths.Index); err != nil {
		t.discard()
		return nil, err
	}

	t.refs.Store(1)
	slog.Debug("segment created", "segment", id)
	return t, nil
}

// OpenSSTable reopens segment id in dir. Writes append to the existing
// files and the bloom filter is rebuilt from the data file.
func OpenSSTable(dir string, id layout.FileID, opts Options) (*SSTable, error) {
	opts = opts.withDefaults()
	paths := layout.SegmentPaths(dir, id)

	keys, err := scanKeys(paths.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to load segment %s: %w", id, err)
	}

	t := &SSTable{
		id:        id,
		paths:     paths,
		bloom:     NewBloomFilter(uint(max(len(keys), 1)), opts.BloomFPRate),
		blockSize: opts.BlockSize,
		count:     len(keys),
	}
	for _, k := range keys {
		t.bloom.Add(k)
	}

	if t.marker, err = os.OpenFile(paths.Marker, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600); err != nil {
		return nil, fmt.Errorf("failed to open segment marker: %w", err)
	}
	if t.data, err = OpenDataFile(paths.Data); err != nil {
		_ = t.closeFiles()
		return nil, err
	}
	t.size = int64(t.data.Offset())
	if t.index, err = OpenIndexFile(paths.Index); err != nil {
		_ = t.closeFiles()
		return nil, err
	}

	t.refs.Store(1)
	return t, nil
}

func scanKeys(path string) ([][]byte, error) {
	it, err := readEntries(path, 0)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var keys [][]byte
	for it.Next() {
		keys = append(keys, it.Entry().Key)
	}
	return keys, it.Err()
}

func (t *SSTable) Set(key types.Key, value types.Value, ts types.Timestamp) error {
	return t.Write(types.Put(key, value, ts))
}

func (t *SSTable) Delete(key types.Key, ts types.Timestamp) error {
	return t.Write(types.Tombstone(key, ts))
}

// Write appends e. An index record pointing at e is written whenever e
// starts a new block.
func (t *SSTable) Write(e types.Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.data == nil {
		return errSegmentClosed
	}

	size := record.EntrySize(e)
	if t.currentBlockSize == 0 || t.currentBlockSize+size > t.blockSize {
		if err := t.index.Write(e.Key, t.data.Offset()); err != nil {
			return fmt.Errorf("failed to write index record: %w", err)
		}
		t.currentBlockSize = 0
	}
	t.currentBlockSize += size

	if err := t.data.Write(e); err != nil {
		return fmt.Errorf("failed to write data record: %w", err)
	}
	t.bloom.Add(e.Key)
	t.count++
	t.size = int64(t.data.Offset())

	return nil
}

// Flush makes every written entry durable.
func (t *SSTable) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.data == nil {
		return errSegmentClosed
	}
	if err := t.marker.Sync(); err != nil {
		return fmt.Errorf("failed to sync segment marker: %w", err)
	}
	if err := t.data.Flush(); err != nil {
		return err
	}
	return t.index.Flush()
}

// Get looks key up through the sparse index. A miss is not an error.
func (t *SSTable) Get(key types.Key) (types.Entry, bool, error) {
	if !t.bloom.MayContain(key) {
		return types.Entry{}, false, nil
	}
	if err := t.flushBuffers(); err != nil {
		return types.Entry{}, false, err
	}

	offset, ok, err := floorIndex(t.paths.Index, key)
	if err != nil || !ok {
		return types.Entry{}, false, err
	}

	it, err := readEntries(t.paths.Data, offset)
	if err != nil {
		return types.Entry{}, false, err
	}
	defer it.Close()

	for it.Next() {
		e := it.Entry()
		switch c := bytes.Compare(e.Key, key); {
		case c == 0:
			return e, true, nil
		case c > 0:
			return types.Entry{}, false, nil
		}
	}
	return types.Entry{}, false, it.Err()
}

// Iterator scans every entry in key order.
func (t *SSTable) Iterator() (iterator.Iterator, error) {
	if err := t.flushBuffers(); err != nil {
		return nil, err
	}
	return readEntries(t.paths.Data, 0)
}

func (t *SSTable) flushBuffers() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Closed segments have nothing buffered.
	if t.data == nil || t.index == nil {
		return nil
	}
	if t.data.buffered() {
		if err := t.data.flushBuffer(); err != nil {
			return err
		}
	}
	if t.index.buffered() {
		return t.index.flushBuffer()
	}
	return nil
}

func (t *SSTable) ID() layout.FileID {
	return t.id
}

func (t *SSTable) Paths() layout.SegmentFiles {
	return t.paths
}

// Len is the number of entries in the segment.
func (t *SSTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Size is the length of the data file in bytes.
func (t *SSTable) Size() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.size
}

func (t *SSTable) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeFiles()
}

// Remove closes the segment and deletes its files.
func (t *SSTable) Remove() error {
	if err := t.Close(); err != nil {
		slog.Warn("failed to close segment before removal", "segment", t.id, "error", err)
	}
	if err := removeSegmentFiles(t.paths); err != nil {
		return err
	}
	slog.Debug("segment removed", "segment", t.id)
	return nil
}

func (t *SSTable) closeFiles() error {
	var errs []error
	if t.index != nil {
		errs = append(errs, t.index.Close())
		t.index = nil
	}
	if t.data != nil {
		errs = append(errs, t.data.Close())
		t.data = nil
	}
	if t.marker != nil {
		errs = append(errs, t.marker.Close())
		t.marker = nil
	}
	return errors.Join(errs...)
}

// discard drops a half created segment.
func (t *SSTable) discard() {
	_ = t.closeFiles()
	_ = removeSegmentFiles(t.paths)
}

func (t *SSTable) ref() {
	t.refs.Add(1)
}

// unref drops one reference. The last reference of an obsolete segment
// deletes its files.
func (t *SSTable) unref() {
	if t.refs.Add(-1) > 0 || !t.obsolete.Load() {
		return
	}
	if err := t.Remove(); err != nil {
		slog.Warn("failed to remove obsolete segment", "segment", t.id, "error", err)
	}
}

func removeSegmentFiles(paths layout.SegmentFiles) error {
	var errs []error
	for _, p := range paths.All() {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("failed to remove %s: %w", p, err))
		}
	}
	return errors.Join(errs...)
}
