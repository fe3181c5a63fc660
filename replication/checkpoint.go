package replication

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

// Checkpoint is the durable state persisted per (remote, filter) tuple:
// the opaque lastSequence checkpoint, plus an opaque driver-checkpoint
// extension the remote may attach alongside a change-feed response.
type Checkpoint struct {
	LastSequence     RemoteSequenceID `json:"lastSequence"`
	DriverCheckpoint json.RawMessage  `json:"driverCheckpoint,omitempty"`
}

// MergeDriverCheckpoint folds patch into the existing driver-checkpoint
// extension using JSON merge-patch semantics (RFC 7396), so a remote that
// only ever sends a partial update still converges to the right
// cumulative state. A nil or empty patch is a no-op.
func (c *Checkpoint) MergeDriverCheckpoint(patch json.RawMessage) error {
	if len(patch) == 0 {
		return nil
	}
	var base = c.DriverCheckpoint
	if len(base) == 0 {
		base = json.RawMessage("{}")
	}
	var merged, err = jsonpatch.MergePatch(base, patch)
	if err != nil {
		return fmt.Errorf("merging driver checkpoint: %w", err)
	}
	c.DriverCheckpoint = merged
	return nil
}

// CheckpointStore persists and loads a Checkpoint. Writes must be durable
// before returning, since the inserter's notion of "safe to advance"
// depends on the checkpoint actually surviving a crash.
type CheckpointStore interface {
	Load(key string) (Checkpoint, error)
	Save(key string, cp Checkpoint) error
}

// FileCheckpointStore persists one JSON file per key under a directory,
// fsync'd before Save returns.
type FileCheckpointStore struct {
	Dir string
}

// NewFileCheckpointStore returns a FileCheckpointStore rooted at dir,
// creating it if necessary.
func NewFileCheckpointStore(dir string) (*FileCheckpointStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating checkpoint directory: %w", err)
	}
	return &FileCheckpointStore{Dir: dir}, nil
}

func (s *FileCheckpointStore) path(key string) string {
	return filepath.Join(s.Dir, key+".json")
}

// Load returns the zero Checkpoint if key has never been saved.
func (s *FileCheckpointStore) Load(key string) (Checkpoint, error) {
	var data, err = os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return Checkpoint{}, nil
	} else if err != nil {
		return Checkpoint{}, fmt.Errorf("reading checkpoint %q: %w", key, err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("parsing checkpoint %q: %w", key, err)
	}
	return cp, nil
}

// Save writes cp for key, fsync'ing before returning.
func (s *FileCheckpointStore) Save(key string, cp Checkpoint) error {
	var data, err = json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encoding checkpoint %q: %w", key, err)
	}
	var tmp = s.path(key) + ".tmp"
	var f *os.File
	f, err = os.Create(tmp)
	if err != nil {
		return fmt.Errorf("writing checkpoint %q: %w", key, err)
	}
	if _, err = f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("writing checkpoint %q: %w", key, err)
	}
	if err = f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsyncing checkpoint %q: %w", key, err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("closing checkpoint %q: %w", key, err)
	}
	return os.Rename(tmp, s.path(key))
}
