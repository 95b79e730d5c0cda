// Package layout names the files an engine directory holds. Every file name
// is derived from a FileID, the creation instant of the file in microseconds.
//
//	<id>.wal            write-ahead log
//	<id>.sstable        segment marker
//	<id>.data.sstable   segment data
//	<id>.index.sstable  segment sparse index
//	MANIFEST            live segment catalog
package layout

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"lsmkv/pkg/clock"
)

const (
	WALExt       = ".wal"
	MarkerExt    = ".sstable"
	DataExt      = ".data.sstable"
	IndexExt     = ".index.sstable"
	ManifestName = "MANIFEST"
)

// FileID identifies a WAL or a segment.
type FileID uint64

// NextID returns a fresh id, unique within the process.
func NextID() FileID {
	return FileID(clock.Now())
}

// Reserve makes sure NextID never returns an id at or below id.
func Reserve(id FileID) {
	clock.Observe(uint64(id))
}

func ParseFileID(s string) (FileID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid file id %q: %w", s, err)
	}
	return FileID(v), nil
}

func (id FileID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

func WALPath(dir string, id FileID) string {
	return filepath.Join(dir, id.String()+WALExt)
}

// SegmentFiles holds the paths of one segment.
type SegmentFiles struct {
	Marker string
	Data   string
	Index  string
}

func SegmentPaths(dir string, id FileID) SegmentFiles {
	base := filepath.Join(dir, id.String())
	return SegmentFiles{
		Marker: base + MarkerExt,
		Data:   base + DataExt,
		Index:  base + IndexExt,
	}
}

func (f SegmentFiles) All() []string {
	return []string{f.Marker, f.Data, f.Index}
}

// Kind tells what a file in the directory is.
type Kind int

const (
	KindUnknown Kind = iota
	KindWAL
	KindMarker
	KindData
	KindIndex
)

// Parse classifies a base file name and extracts its id.
func Parse(name string) (FileID, Kind) {
	for _, s := range []struct {
		ext  string
		kind Kind
	}{
		// Longer suffixes first: ".data.sstable" also ends in ".sstable".
		{DataExt, KindData},
		{IndexExt, KindIndex},
		{MarkerExt, KindMarker},
		{WALExt, KindWAL},
	} {
		stem, ok := strings.CutSuffix(name, s.ext)
		if !ok {
			continue
		}
		id, err := ParseFileID(stem)
		if err != nil {
			return 0, KindUnknown
		}
		return id, s.kind
	}
	return 0, KindUnknown
}

// ListWALs returns the ids of all WAL files in dir, oldest first.
func ListWALs(dir string) ([]FileID, error) {
	return list(dir, func(k Kind) bool { return k == KindWAL })
}

// ListSegments returns the ids of all segment markers in dir, oldest first.
func ListSegments(dir string) ([]FileID, error) {
	return list(dir, func(k Kind) bool { return k == KindMarker })
}

// ListSegmentFiles returns every id owning at least one segment file,
// including partially written segments with no marker.
func ListSegmentFiles(dir string) ([]FileID, error) {
	return list(dir, func(k Kind) bool {
		return k == KindMarker || k == KindData || k == KindIndex
	})
}

func list(dir string, match func(Kind) bool) ([]FileID, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	seen := make(map[FileID]struct{})
	ids := make([]FileID, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id, kind := Parse(e.Name())
		if !match(kind) {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	slices.Sort(ids)

	return ids, nil
}
