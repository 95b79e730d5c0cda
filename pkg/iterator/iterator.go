package iterator

import (
	"bufio"
	"io"

	"lsmkv/pkg/encoding/record"
	"lsmkv/pkg/types"
)

// Iterator walks a finite sequence of entries once.
//
//	for it.Next() {
//		e := it.Entry()
//	}
//	if err := it.Err(); err != nil { ... }
type Iterator interface {
	// Next advances to the next entry and reports whether there is one.
	Next() bool
	// Entry returns the current entry.
	Entry() types.Entry
	// Err returns the error that stopped iteration early, if any.
	Err() error
	// Close releases resources.
	Close() error
}

type sliceIterator struct {
	entries []types.Entry
	pos     int
}

// FromSlice iterates entries in slice order.
func FromSlice(entries []types.Entry) Iterator {
	return &sliceIterator{entries: entries, pos: -1}
}

func (it *sliceIterator) Next() bool {
	if it.pos+1 >= len(it.entries) {
		it.pos = len(it.entries)
		return false
	}
	it.pos++
	return true
}

func (it *sliceIterator) Entry() types.Entry {
	return it.entries[it.pos]
}

func (it *sliceIterator) Err() error   { return nil }
func (it *sliceIterator) Close() error { return nil }

// EntryReader decodes entries from a stream of encoded records. A truncated
// or undecodable tail ends iteration without an error.
type EntryReader struct {
	src    io.Closer
	reader *bufio.Reader
	cur    types.Entry
	err    error
	done   bool
}

func NewEntryReader(rc io.ReadCloser) *EntryReader {
	return &EntryReader{
		src:    rc,
		reader: bufio.NewReader(rc),
	}
}

func (it *EntryReader) Next() bool {
	if it.done {
		return false
	}

	e, err := record.ReadEntry(it.reader)
	if err != nil {
		it.done = true
		if !record.IsEndOfData(err) {
			it.err = err
		}
		return false
	}

	it.cur = e
	return true
}

func (it *EntryReader) Entry() types.Entry {
	return it.cur
}

func (it *EntryReader) Err() error {
	return it.err
}

func (it *EntryReader) Close() error {
	it.done = true
	return it.src.Close()
}

// Collect drains it into a slice and closes it.
func Collect(it Iterator) ([]types.Entry, error) {
	defer it.Close()

	var out []types.Entry
	for it.Next() {
		out = append(out, it.Entry())
	}
	return out, it.Err()
}
