package award

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	// snapshotVersion is bumped when the schema changes so Load can apply
	// migrations in the future.
	snapshotVersion = 1

	snapshotFileName = "facts.json"
	appDirName       = "gerbil-awards"
)

// Snapshot is a flat copy of every fact-store slot, keyed by metric and
// grouped by kind. It is what the external serializer persists and restores;
// fired flags are session state and deliberately not part of it.
type Snapshot struct {
	Version  int                  `json:"version"`
	SavedAt  time.Time            `json:"savedAt"`
	Counters map[MetricID]int     `json:"counters"`
	Timers   map[MetricID]float64 `json:"timers"`
	Labels   map[MetricID]string  `json:"labels"`
}

func newSnapshot() *Snapshot {
	return &Snapshot{
		Version:  snapshotVersion,
		Counters: make(map[MetricID]int),
		Timers:   make(map[MetricID]float64),
		Labels:   make(map[MetricID]string),
	}
}

// initMaps ensures all map fields are non-nil after deserialization.
func (sn *Snapshot) initMaps() {
	if sn.Counters == nil {
		sn.Counters = make(map[MetricID]int)
	}
	if sn.Timers == nil {
		sn.Timers = make(map[MetricID]float64)
	}
	if sn.Labels == nil {
		sn.Labels = make(map[MetricID]string)
	}
}

// snapshotStore captures every slot of s. Caller must hold whatever lock
// protects the store.
func snapshotStore(s *FactStore) *Snapshot {
	snap := newSnapshot()
	for _, id := range metricOrder {
		switch metricInfo[id].kind {
		case KindCounter:
			snap.Counters[id] = s.Count(id)
		case KindTimer:
			snap.Timers[id] = s.Seconds(id)
		case KindLabel:
			snap.Labels[id] = s.Label(id)
		}
	}
	return snap
}

// SnapshotStore handles loading and saving fact snapshots on disk.
type SnapshotStore struct {
	dir string // directory containing facts.json
}

// NewSnapshotStore creates a store that reads and writes snapshots in the
// given directory. The directory is created (with parents) on the first Save
// if it does not exist. Pass an empty string to use the default XDG state
// path.
func NewSnapshotStore(dir string) *SnapshotStore {
	if dir == "" {
		dir = DefaultStateDir()
	}
	return &SnapshotStore{dir: dir}
}

// Path returns the full path to the snapshot file.
func (s *SnapshotStore) Path() string {
	return filepath.Join(s.dir, snapshotFileName)
}

// Load reads the snapshot from disk. If the file does not exist, an empty
// snapshot with initialized maps is returned, so restoring it is a no-op.
func (s *SnapshotStore) Load() (*Snapshot, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return newSnapshot(), nil
		}
		return nil, fmt.Errorf("reading facts: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parsing facts: %w", err)
	}
	snap.initMaps()

	return &snap, nil
}

// Save writes the snapshot to disk using an atomic temp-file-then-rename
// pattern. The directory is created if it does not already exist.
func (s *SnapshotStore) Save(snap *Snapshot) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	snap.Version = snapshotVersion
	snap.SavedAt = time.Now().UTC()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling facts: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(s.dir, ".facts-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.Path()); err != nil {
		return fmt.Errorf("renaming facts file: %w", err)
	}
	committed = true

	return nil
}

// DefaultStateDir returns ~/.local/state/gerbil-awards, respecting
// XDG_STATE_HOME if set.
func DefaultStateDir() string {
	if base := os.Getenv("XDG_STATE_HOME"); base != "" {
		return filepath.Join(base, appDirName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".local", "state", appDirName)
}
