package persistence

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/zhangyunhao116/skipmap"

	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/layout"
)

type rankedTables = skipmap.FuncMap[uint64, *SSTable]

// Catalog owns the live segments of one directory. Segments are ordered by
// rank, newest first; the manifest persists that order.
type Catalog struct {
	mu       sync.RWMutex
	dir      string
	opts     Options
	manifest *Manifest

	tables *rankedTables
	ranks  map[layout.FileID]uint64
}

// OpenCatalog loads the manifest of dir and opens every live segment.
//
// Without a manifest all segment markers in dir are adopted in id order.
// With one, segment files it does not list are leftovers of an interrupted
// flush or merge and are deleted.
func OpenCatalog(dir string, opts Options) (*Catalog, error) {
	c := &Catalog{
		dir:      dir,
		opts:     opts.withDefaults(),
		manifest: NewManifest(dir),
		tables: skipmap.NewFunc[uint64, *SSTable](func(a, b uint64) bool {
			return a > b
		}),
		ranks: make(map[layout.FileID]uint64),
	}

	existed, err := c.manifest.Load()
	if err != nil {
		return nil, err
	}
	if !existed {
		if err := c.adopt(); err != nil {
			return nil, err
		}
	}

	for _, info := range c.manifest.Segments() {
		t, err := OpenSSTable(dir, info.ID, c.opts)
		if err != nil {
			_ = c.Close()
			return nil, err
		}
		c.tables.Store(info.Rank, t)
		c.ranks[info.ID] = info.Rank
		layout.Reserve(info.ID)
	}

	if err := c.collectGarbage(); err != nil {
		_ = c.Close()
		return nil, err
	}

	slog.Debug("catalog opened", "dir", dir, "segments", len(c.ranks))
	return c, nil
}

func (c *Catalog) adopt() error {
	ids, err := layout.ListSegments(c.dir)
	if err != nil {
		return err
	}

	infos := make([]SegmentInfo, 0, len(ids))
	for _, id := range ids {
		infos = append(infos, SegmentInfo{ID: id, Rank: c.manifest.NextRank()})
	}
	if err := c.manifest.Apply(Edit{Add: infos}); err != nil {
		return err
	}

	if len(ids) > 0 {
		slog.Info("adopted segments without manifest", "dir", c.dir, "segments", len(ids))
	}
	return nil
}

func (c *Catalog) collectGarbage() error {
	ids, err := layout.ListSegmentFiles(c.dir)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, ok := c.ranks[id]; ok {
			continue
		}
		slog.Warn("removing segment missing from manifest", "dir", c.dir, "segment", id)
		if err := removeSegmentFiles(layout.SegmentPaths(c.dir, id)); err != nil {
			return err
		}
	}
	return nil
}

// List returns the live segments, newest first.
func (c *Catalog) List() []*SSTable {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.list()
}

func (c *Catalog) list() []*SSTable {
	out := make([]*SSTable, 0, c.tables.Len())
	c.tables.Range(func(_ uint64, t *SSTable) bool {
		out = append(out, t)
		return true
	})
	return out
}

// IDs returns the ids of the live segments, newest first.
func (c *Catalog) IDs() []layout.FileID {
	tables := c.List()
	ids := make([]layout.FileID, len(tables))
	for i, t := range tables {
		ids[i] = t.ID()
	}
	return ids
}

func (c *Catalog) Len() int {
	return c.tables.Len()
}

func (c *Catalog) Get(id layout.FileID) (*SSTable, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rank, ok := c.ranks[id]
	if !ok {
		return nil, false
	}
	return c.tables.Load(rank)
}

// Snapshot is a referenced view of the catalog. Its segments stay on disk
// until Release, even if they are compacted away meanwhile.
type Snapshot struct {
	Tables []*SSTable
}

func (s Snapshot) Release() {
	for _, t := range s.Tables {
		t.unref()
	}
}

// Acquire returns the live segments, newest first, with a reference held
// on each.
func (c *Catalog) Acquire() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tables := c.list()
	for _, t := range tables {
		t.ref()
	}
	return Snapshot{Tables: tables}
}

// Add publishes a flushed segment as the newest one. A non-zero wal marks
// the WAL the segment was flushed from as fully persisted.
func (c *Catalog) Add(t *SSTable, wal layout.FileID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.ranks[t.ID()]; ok {
		return fmt.Errorf("%w: segment %s already in catalog", dberrors.ErrInvalidArgument, t.ID())
	}

	rank := c.manifest.NextRank()
	edit := Edit{Add: []SegmentInfo{c.info(t, rank)}, WALWatermark: wal}
	if err := c.manifest.Apply(edit); err != nil {
		return err
	}
	c.tables.Store(rank, t)
	c.ranks[t.ID()] = rank

	return nil
}

// Replace swaps inputs for out in one step. The inputs must be the oldest
// live segments; out is read where the newest of them used to be. Input
// files are deleted once their last reader lets go.
func (c *Catalog) Replace(inputs []layout.FileID, out *SSTable) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(inputs) == 0 {
		return fmt.Errorf("%w: no segments to replace", dberrors.ErrInvalidArgument)
	}
	if err := c.checkOldest(inputs); err != nil {
		return err
	}

	var rank uint64
	for _, id := range inputs {
		rank = max(rank, c.ranks[id])
	}

	if err := c.manifest.Apply(Edit{Add: []SegmentInfo{c.info(out, rank)}, Remove: inputs}); err != nil {
		return err
	}

	old := c.detach(inputs)
	c.tables.Store(rank, out)
	c.ranks[out.ID()] = rank
	retire(old)

	return nil
}

// CheckOldest fails unless ids are distinct live segments that together
// form the oldest end of the catalog. Only such a set may be merged with
// tombstones dropped.
func (c *Catalog) CheckOldest(ids ...layout.FileID) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.checkOldest(ids)
}

func (c *Catalog) checkOldest(ids []layout.FileID) error {
	for i, id := range ids {
		if _, ok := c.ranks[id]; !ok {
			return fmt.Errorf("%w: %s", dberrors.ErrUnknownSegment, id)
		}
		if slices.Contains(ids[:i], id) {
			return fmt.Errorf("%w: segment %s listed twice", dberrors.ErrInvalidArgument, id)
		}
	}

	tables := c.list()
	for _, t := range tables[len(tables)-len(ids):] {
		if !slices.Contains(ids, t.ID()) {
			return fmt.Errorf("%w: only the %d oldest segments can be merged, %s is older than one of them",
				dberrors.ErrInvalidArgument, len(ids), t.ID())
		}
	}
	return nil
}

// Remove drops segments from the catalog. Their files are deleted once
// their last reader lets go.
func (c *Catalog) Remove(ids ...layout.FileID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range ids {
		if _, ok := c.ranks[id]; !ok {
			return fmt.Errorf("%w: %s", dberrors.ErrUnknownSegment, id)
		}
	}
	if err := c.manifest.Apply(Edit{Remove: ids}); err != nil {
		return err
	}
	retire(c.detach(ids))

	return nil
}

func (c *Catalog) detach(ids []layout.FileID) []*SSTable {
	out := make([]*SSTable, 0, len(ids))
	for _, id := range ids {
		rank := c.ranks[id]
		if t, ok := c.tables.LoadAndDelete(rank); ok {
			out = append(out, t)
		}
		delete(c.ranks, id)
	}
	return out
}

func retire(tables []*SSTable) {
	for _, t := range tables {
		t.obsolete.Store(true)
		t.unref()
	}
}

func (c *Catalog) info(t *SSTable, rank uint64) SegmentInfo {
	return SegmentInfo{ID: t.ID(), Rank: rank, Entries: t.Len(), Size: t.Size()}
}

// Close closes every live segment without deleting anything.
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	c.tables.Range(func(_ uint64, t *SSTable) bool {
		errs = append(errs, t.Close())
		return true
	})
	return errors.Join(errs...)
}

// WALWatermark is the newest WAL whose entries are all in segments.
func (c *Catalog) WALWatermark() layout.FileID {
	return c.manifest.WALWatermark()
}

// Dir is the directory the catalog manages.
func (c *Catalog) Dir() string {
	return c.dir
}

// Manifest exposes the persisted segment list.
func (c *Catalog) Manifest() []SegmentInfo {
	return c.manifest.Segments()
}
