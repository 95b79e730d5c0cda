package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"lsmkv/pkg/layout"
)

// Manifest records which segments are live and in which order they are read.
type Manifest struct {
	mu       sync.RWMutex
	filePath string
	metadata ManifestData
}

// ManifestData represents the manifest data
type ManifestData struct {
	Version  int    `json:"version"`
	NextRank uint64 `json:"next_rank"`
	// WALWatermark is the newest WAL whose entries all live in segments.
	WALWatermark layout.FileID `json:"wal_watermark"`
	Segments     []SegmentInfo `json:"segments"`
}

// SegmentInfo describes one live segment. Higher ranks are read first.
type SegmentInfo struct {
	ID      layout.FileID `json:"id"`
	Rank    uint64        `json:"rank"`
	Entries int           `json:"entries"`
	Size    int64         `json:"size"`
}

// NewManifest creates a new manifest
func NewManifest(dataDir string) *Manifest {
	return &Manifest{
		filePath: filepath.Join(dataDir, layout.ManifestName),
		metadata: ManifestData{
			Version:  1,
			NextRank: 1,
		},
	}
}

// Load reads the manifest from disk and reports whether it existed.
func (m *Manifest) Load() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read manifest: %w", err)
	}

	var md ManifestData
	if err := json.Unmarshal(data, &md); err != nil {
		return false, fmt.Errorf("failed to parse manifest: %w", err)
	}
	m.metadata = md
	m.sortSegments()

	return true, nil
}

// save replaces the manifest file atomically.
func (m *Manifest) save() error {
	data, err := json.MarshalIndent(m.metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	tmp := m.filePath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to sync manifest: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close manifest: %w", err)
	}
	if err := os.Rename(tmp, m.filePath); err != nil {
		return fmt.Errorf("failed to replace manifest: %w", err)
	}

	return nil
}

// NextRank reserves the rank for a newly flushed segment.
func (m *Manifest) NextRank() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.metadata.NextRank
	m.metadata.NextRank++
	return r
}

// Edit is one atomic change to the manifest.
type Edit struct {
	Add    []SegmentInfo
	Remove []layout.FileID
	// WALWatermark, when set, advances the flushed WAL watermark.
	WALWatermark layout.FileID
}

// Apply commits e in one durable step. The in-memory state is left
// unchanged if the file cannot be written.
func (m *Manifest) Apply(e Edit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.metadata
	prev.Segments = slices.Clone(m.metadata.Segments)

	m.metadata.Segments = slices.DeleteFunc(m.metadata.Segments, func(s SegmentInfo) bool {
		return slices.Contains(e.Remove, s.ID)
	})
	if e.WALWatermark > m.metadata.WALWatermark {
		m.metadata.WALWatermark = e.WALWatermark
	}
	for _, s := range e.Add {
		m.metadata.Segments = append(m.metadata.Segments, s)
		if s.Rank >= m.metadata.NextRank {
			m.metadata.NextRank = s.Rank + 1
		}
	}
	m.sortSegments()

	if err := m.save(); err != nil {
		m.metadata = prev
		return err
	}
	return nil
}

// WALWatermark returns the newest WAL already covered by segments.
func (m *Manifest) WALWatermark() layout.FileID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metadata.WALWatermark
}

// Segments returns the live segments, oldest rank first.
func (m *Manifest) Segments() []SegmentInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.metadata.Segments)
}

func (m *Manifest) sortSegments() {
	slices.SortFunc(m.metadata.Segments, func(a, b SegmentInfo) int {
		switch {
		case a.Rank < b.Rank:
			return -1
		case a.Rank > b.Rank:
			return 1
		}
		return 0
	})
}
