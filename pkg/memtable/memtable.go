package memtable

import (
	"bytes"

	"github.com/google/btree"

	"lsmkv/pkg/types"
)

const (
	// entryOverhead is the per-entry cost counted on top of key and value:
	// the timestamp and the tombstone flag.
	entryOverhead = types.TimestampSize + 1

	degree = 32
)

// Memtable buffers recent writes in key order. It is not safe for
// concurrent use; the owning store serializes access.
type Memtable struct {
	tree *btree.BTreeG[types.Entry]
	size int
}

func byKey(a, b types.Entry) bool {
	return bytes.Compare(a.Key, b.Key) < 0
}

func New() *Memtable {
	return &Memtable{tree: btree.NewG(degree, byKey)}
}

// Set inserts or overwrites a live value.
func (mt *Memtable) Set(key types.Key, value types.Value, ts types.Timestamp) {
	mt.Apply(types.Put(bytes.Clone(key), bytes.Clone(value), ts))
}

// Delete inserts or overwrites a tombstone.
func (mt *Memtable) Delete(key types.Key, ts types.Timestamp) {
	mt.Apply(types.Tombstone(bytes.Clone(key), ts))
}

// Apply stores e as the current version of its key. The entry is kept as is;
// callers hand over ownership of its buffers.
func (mt *Memtable) Apply(e types.Entry) {
	newValue, _ := e.Value()

	old, replaced := mt.tree.ReplaceOrInsert(e)
	if replaced {
		oldValue, _ := old.Value()
		mt.size += len(newValue) - len(oldValue)
		return
	}
	mt.size += len(e.Key) + len(newValue) + entryOverhead
}

// Get returns the buffered version of key, tombstones included.
func (mt *Memtable) Get(key types.Key) (types.Entry, bool) {
	return mt.tree.Get(types.Entry{Key: key})
}

// Entries returns a snapshot in ascending key order.
func (mt *Memtable) Entries() []types.Entry {
	out := make([]types.Entry, 0, mt.tree.Len())
	mt.tree.Ascend(func(e types.Entry) bool {
		out = append(out, e)
		return true
	})
	return out
}

// EntriesReversed returns a snapshot in descending key order. Popping from
// its tail yields ascending keys, which is the order segments are written in.
func (mt *Memtable) EntriesReversed() []types.Entry {
	out := make([]types.Entry, 0, mt.tree.Len())
	mt.tree.Descend(func(e types.Entry) bool {
		out = append(out, e)
		return true
	})
	return out
}

// Size is the estimated payload in bytes.
func (mt *Memtable) Size() int {
	return mt.size
}

func (mt *Memtable) Len() int {
	return mt.tree.Len()
}
