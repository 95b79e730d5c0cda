package persistence

import (
	"bufio"
	"bytes"
	"fmt"
	"os"

	"lsmkv/pkg/encoding/record"
	"lsmkv/pkg/types"
)

// IndexFile is the sparse index of a segment: one (key, data offset) record
// per block, in key order.
type IndexFile struct {
	path   string
	file   *os.File
	writer *bufio.Writer
}

func CreateIndexFile(path string) (*IndexFile, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to create index file: %w", err)
	}
	return &IndexFile{path: path, file: file, writer: bufio.NewWriter(file)}, nil
}

func OpenIndexFile(path string) (*IndexFile, error) {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open index file: %w", err)
	}
	return &IndexFile{path: path, file: file, writer: bufio.NewWriter(file)}, nil
}

func (x *IndexFile) Write(key types.Key, offset uint64) error {
	_, err := record.WriteIndex(x.writer, key, offset)
	return err
}

func (x *IndexFile) buffered() bool {
	return x.writer.Buffered() > 0
}

func (x *IndexFile) flushBuffer() error {
	if err := x.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush index file: %w", err)
	}
	return nil
}

func (x *IndexFile) Flush() error {
	if err := x.flushBuffer(); err != nil {
		return err
	}
	if err := x.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync index file: %w", err)
	}
	return nil
}

func (x *IndexFile) Close() error {
	if err := x.flushBuffer(); err != nil {
		return err
	}
	if err := x.file.Close(); err != nil {
		return fmt.Errorf("failed to close index file: %w", err)
	}
	return nil
}

func (x *IndexFile) Path() string {
	return x.path
}

// floorIndex returns the offset of the last index record whose key is <= key,
// the block key would live in. It reports false when key sorts before the
// first record.
func floorIndex(path string, key types.Key) (uint64, bool, error) {
	var (
		offset uint64
		found  bool
	)
	err := scanIndex(path, func(k types.Key, off uint64) bool {
		if bytes.Compare(k, key) > 0 {
			return false
		}
		offset, found = off, true
		return true
	})
	return offset, found, err
}

// scanIndex visits index records in order until fn returns false. A
// truncated tail ends the scan.
func scanIndex(path string, fn func(types.Key, uint64) bool) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open index file for reading: %w", err)
	}
	defer file.Close()

	r := bufio.NewReader(file)
	for {
		key, off, err := record.ReadIndex(r)
		if err != nil {
			if record.IsEndOfData(err) {
				return nil
			}
			return fmt.Errorf("failed to read index record: %w", err)
		}
		if !fn(key, off) {
			return nil
		}
	}
}
