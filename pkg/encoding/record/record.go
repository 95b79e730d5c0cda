// Package record encodes the two on-disk record kinds. All integers are
// fixed width little endian.
//
//	entry: [key_len:8][tombstone:1]{live: [value_len:8]}[key]{live: [value]}[timestamp:16]
//	index: [key_len:8][key][offset:8]
//
// WAL files and segment data files share the entry encoding.
package record

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"lsmkv/pkg/types"
)

const (
	lenSize       = 8
	tombstoneSize = 1
	offsetSize    = 8

	// MaxFieldSize bounds a key or value length. Larger fields are refused
	// on write and read back as damage.
	MaxFieldSize = 1 << 30
)

var (
	// ErrCorrupt marks a record that cannot be decoded.
	ErrCorrupt = errors.New("corrupt record")
	// ErrTooLarge marks a field longer than MaxFieldSize. Nothing is written.
	ErrTooLarge = errors.New("record field too large")
)

// EntrySize is the encoded size of e.
func EntrySize(e types.Entry) int {
	n := lenSize + len(e.Key) + tombstoneSize + types.TimestampSize
	if v, ok := e.Value(); ok {
		n += lenSize + len(v)
	}
	return n
}

// WriteEntry encodes e to w and returns the number of bytes written.
func WriteEntry(w io.Writer, e types.Entry) (int, error) {
	value, live := e.Value()
	if err := checkLen("key", e.Key); err != nil {
		return 0, err
	}
	if err := checkLen("value", value); err != nil {
		return 0, err
	}

	var hdr [lenSize + tombstoneSize + lenSize]byte
	binary.LittleEndian.PutUint64(hdr[:lenSize], uint64(len(e.Key)))

	hdrLen := lenSize + tombstoneSize
	if live {
		binary.LittleEndian.PutUint64(hdr[hdrLen:], uint64(len(value)))
		hdrLen += lenSize
	} else {
		hdr[lenSize] = 1
	}

	var ts [types.TimestampSize]byte
	e.Timestamp.PutBytes(ts[:])

	written := 0
	for _, chunk := range [][]byte{hdr[:hdrLen], e.Key, value, ts[:]} {
		n, err := w.Write(chunk)
		written += n
		if err != nil {
			return written, fmt.Errorf("failed to write entry: %w", err)
		}
	}

	return written, nil
}

// ReadEntry decodes one entry. It returns io.EOF when r is exhausted at a
// record boundary, io.ErrUnexpectedEOF on a truncated record and ErrCorrupt
// on an impossible length.
func ReadEntry(r io.Reader) (types.Entry, error) {
	var hdr [lenSize + tombstoneSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return types.Entry{}, err
	}

	keyLen, err := fieldLen(hdr[:lenSize])
	if err != nil {
		return types.Entry{}, err
	}
	deleted := hdr[lenSize] != 0

	var valueLen uint64
	if !deleted {
		var vl [lenSize]byte
		if err := readFull(r, vl[:]); err != nil {
			return types.Entry{}, err
		}
		if valueLen, err = fieldLen(vl[:]); err != nil {
			return types.Entry{}, err
		}
	}

	key := make([]byte, keyLen)
	if err := readFull(r, key); err != nil {
		return types.Entry{}, err
	}

	var value []byte
	if !deleted {
		value = make([]byte, valueLen)
		if err := readFull(r, value); err != nil {
			return types.Entry{}, err
		}
	}

	var ts [types.TimestampSize]byte
	if err := readFull(r, ts[:]); err != nil {
		return types.Entry{}, err
	}

	if deleted {
		return types.Tombstone(key, types.TimestampFromBytes(ts[:])), nil
	}
	return types.Put(key, value, types.TimestampFromBytes(ts[:])), nil
}

// IndexSize is the encoded size of an index record for key.
func IndexSize(key []byte) int {
	return lenSize + len(key) + offsetSize
}

// WriteIndex encodes one sparse index record.
func WriteIndex(w io.Writer, key []byte, offset uint64) (int, error) {
	if err := checkLen("key", key); err != nil {
		return 0, err
	}

	var kl [lenSize]byte
	binary.LittleEndian.PutUint64(kl[:], uint64(len(key)))
	var off [offsetSize]byte
	binary.LittleEndian.PutUint64(off[:], offset)

	written := 0
	for _, chunk := range [][]byte{kl[:], key, off[:]} {
		n, err := w.Write(chunk)
		written += n
		if err != nil {
			return written, fmt.Errorf("failed to write index record: %w", err)
		}
	}

	return written, nil
}

// ReadIndex decodes one index record with the same error contract as ReadEntry.
func ReadIndex(r io.Reader) ([]byte, uint64, error) {
	var kl [lenSize]byte
	if _, err := io.ReadFull(r, kl[:]); err != nil {
		return nil, 0, err
	}
	keyLen, err := fieldLen(kl[:])
	if err != nil {
		return nil, 0, err
	}

	key := make([]byte, keyLen)
	if err := readFull(r, key); err != nil {
		return nil, 0, err
	}

	var off [offsetSize]byte
	if err := readFull(r, off[:]); err != nil {
		return nil, 0, err
	}

	return key, binary.LittleEndian.Uint64(off[:]), nil
}

// IsEndOfData reports whether err only means no further complete record
// can be read.
func IsEndOfData(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, ErrCorrupt)
}

func checkLen(field string, b []byte) error {
	if len(b) > MaxFieldSize {
		return fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, field, len(b))
	}
	return nil
}

func fieldLen(b []byte) (uint64, error) {
	n := binary.LittleEndian.Uint64(b)
	if n > MaxFieldSize {
		return 0, fmt.Errorf("%w: field length %d", ErrCorrupt, n)
	}
	return n, nil
}

// readFull reads inside a record, where a clean EOF is still a truncation.
func readFull(r io.Reader, b []byte) error {
	if _, err := io.ReadFull(r, b); err != nil {
		if errors.Is(err, io.EOF) {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	return nil
}
