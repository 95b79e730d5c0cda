package types

import (
	"bytes"

	"lukechampine.com/uint128"
)

// Key is an immutable byte slice type alias used for clarity.
type Key = []byte

// Value is an immutable byte slice type alias used for clarity.
type Value = []byte

// TimestampSize is the encoded width of a Timestamp.
const TimestampSize = 16

// Timestamp orders writes to the same key. Callers usually pass wall-clock
// microseconds; the engine only compares them.
type Timestamp struct {
	uint128.Uint128
}

// TimestampFromMicros lifts a 64-bit microsecond value into a Timestamp.
func TimestampFromMicros(us uint64) Timestamp {
	return Timestamp{uint128.From64(us)}
}

// TimestampFromBytes decodes 16 little-endian bytes.
func TimestampFromBytes(b []byte) Timestamp {
	return Timestamp{uint128.FromBytes(b)}
}

func (t Timestamp) Compare(o Timestamp) int {
	return t.Cmp(o.Uint128)
}

// Entry is a versioned key: either a live value or a tombstone.
// Build one with Put or Tombstone.
type Entry struct {
	Key       Key
	Timestamp Timestamp

	value   Value
	deleted bool
}

// Put returns a live entry.
func Put(key Key, value Value, ts Timestamp) Entry {
	if value == nil {
		value = Value{}
	}
	return Entry{Key: key, Timestamp: ts, value: value}
}

// Tombstone returns a deletion marker for key.
func Tombstone(key Key, ts Timestamp) Entry {
	return Entry{Key: key, Timestamp: ts, deleted: true}
}

// Value returns the stored value, false for tombstones.
func (e Entry) Value() (Value, bool) {
	if e.deleted {
		return nil, false
	}
	return e.value, true
}

func (e Entry) Deleted() bool {
	return e.deleted
}

// Equal reports whether both entries carry the same key, version and payload.
func (e Entry) Equal(o Entry) bool {
	return bytes.Equal(e.Key, o.Key) &&
		e.Timestamp == o.Timestamp &&
		e.deleted == o.deleted &&
		bytes.Equal(e.value, o.value)
}
