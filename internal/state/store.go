// Package state persists registry snapshots between CLI invocations so that
// status, rename, describe and cancel can act on the last submitted batch.
package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/rescale/rescale-assets/internal/models"
)

// SnapshotVersion is bumped whenever the on-disk layout changes.
const SnapshotVersion = 1

// ErrNoSnapshot is returned by Load when nothing has been saved yet.
var ErrNoSnapshot = errors.New("no saved batch; run upload first")

// Snapshot is the saved state of one batch.
type Snapshot struct {
	Version int                       `msgpack:"version"`
	SavedAt time.Time                 `msgpack:"saved_at"`
	BatchID string                    `msgpack:"batch_id"`
	Kind    models.AssetKind          `msgpack:"kind"`
	Records []models.ValidationRecord `msgpack:"records"`
}

// Store reads and writes a snapshot file.
type Store struct {
	path string
}

// NewStore creates a store backed by path. The file is created on first Save.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the snapshot file location.
func (s *Store) Path() string {
	return s.path
}

// Save writes snap atomically, replacing any previous snapshot.
func (s *Store) Save(snap *Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	snap.Version = SnapshotVersion
	if snap.SavedAt.IsZero() {
		snap.SavedAt = time.Now().UTC()
	}

	data, err := msgpack.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot. It returns ErrNoSnapshot if the file does not exist.
func (s *Store) Load() (*Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var snap Snapshot
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot %s: %w", s.path, err)
	}
	if snap.Version != SnapshotVersion {
		return nil, fmt.Errorf("snapshot %s has version %d, want %d", s.path, snap.Version, SnapshotVersion)
	}
	return &snap, nil
}

// Merge replaces records in snap by id with the ones given, appending any
// that are new.
func (snap *Snapshot) Merge(records []models.ValidationRecord) {
	index := make(map[string]int, len(snap.Records))
	for i, r := range snap.Records {
		index[r.ID] = i
	}
	for _, r := range records {
		if i, ok := index[r.ID]; ok {
			snap.Records[i] = r
			continue
		}
		index[r.ID] = len(snap.Records)
		snap.Records = append(snap.Records, r)
	}
}
