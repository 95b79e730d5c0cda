package persistence

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"lsmkv/pkg/encoding/record"
	"lsmkv/pkg/iterator"
	"lsmkv/pkg/types"
)

// DataFile is the append-only entry log of a segment.
type DataFile struct {
	path   string
	file   *os.File
	writer *bufio.Writer
	offset uint64
}

// CreateDataFile creates a new, empty data file.
func CreateDataFile(path string) (*DataFile, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to create data file: %w", err)
	}
	return &DataFile{path: path, file: file, writer: bufio.NewWriter(file)}, nil
}

// OpenDataFile reopens an existing data file for appending.
func OpenDataFile(path string) (*DataFile, error) {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open data file: %w", err)
	}
	st, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to stat data file: %w", err)
	}
	return &DataFile{
		path:   path,
		file:   file,
		writer: bufio.NewWriter(file),
		offset: uint64(st.Size()),
	}, nil
}

// Write appends e and advances the write offset.
func (d *DataFile) Write(e types.Entry) error {
	n, err := record.WriteEntry(d.writer, e)
	d.offset += uint64(n)
	return err
}

// Offset is where the next entry will be written.
func (d *DataFile) Offset() uint64 {
	return d.offset
}

func (d *DataFile) buffered() bool {
	return d.writer.Buffered() > 0
}

func (d *DataFile) flushBuffer() error {
	if err := d.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush data file: %w", err)
	}
	return nil
}

// Flush pushes buffered entries to disk and syncs the file.
func (d *DataFile) Flush() error {
	if err := d.flushBuffer(); err != nil {
		return err
	}
	if err := d.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync data file: %w", err)
	}
	return nil
}

func (d *DataFile) Close() error {
	if err := d.flushBuffer(); err != nil {
		return err
	}
	if err := d.file.Close(); err != nil {
		return fmt.Errorf("failed to close data file: %w", err)
	}
	return nil
}

func (d *DataFile) Path() string {
	return d.path
}

// Iterator reads flushed entries starting at offset.
func (d *DataFile) Iterator(offset uint64) (iterator.Iterator, error) {
	return readEntries(d.path, offset)
}

func readEntries(path string, offset uint64) (iterator.Iterator, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open data file for reading: %w", err)
	}
	if offset > 0 {
		if _, err := file.Seek(int64(offset), io.SeekStart); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("failed to seek data file: %w", err)
		}
	}
	return iterator.NewEntryReader(file), nil
}
