// snapshot.go implements the per-shard snapshot store.
//
// A snapshot file (snapshot_<seq>.bin) is self-describing: a JSON header with
// the schema version, shard id, covered sequence, and a SHA-256 state hash,
// followed by the opaque state blob the shard handed us. A manifest.json in
// the shard directory points at the newest snapshot; it is replaced
// atomically (write .tmp, rename) after the snapshot file itself is durable,
// so the manifest never references a missing or partial snapshot.
package journal

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// SnapshotSchemaVersion is the snapshot file format version.
const SnapshotSchemaVersion = 1

// Manifest describes the newest snapshot for a shard.
type Manifest struct {
	SchemaVersion int       `json:"schema_version"`
	Shard         int       `json:"shard"`
	Seq           uint64    `json:"seq"`
	StateHash     string    `json:"state_hash"`
	File          string    `json:"file"`
	WrittenAt     time.Time `json:"written_at"`
}

type snapshotFile struct {
	Header Manifest        `json:"header"`
	State  json.RawMessage `json:"state"`
}

// SnapshotStore writes and loads snapshots for one shard.
type SnapshotStore struct {
	dir   string
	shard int
}

// NewSnapshotStore creates the shard's snapshot directory if needed.
func NewSnapshotStore(dir string, shard int) (*SnapshotStore, error) {
	d := filepath.Join(dir, fmt.Sprintf("shard_%02d", shard))
	if err := os.MkdirAll(d, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &SnapshotStore{dir: d, shard: shard}, nil
}

// StateHash returns the hex SHA-256 of a state blob. Shards use it to verify
// replay determinism.
func StateHash(state []byte) string {
	sum := sha256.Sum256(state)
	return hex.EncodeToString(sum[:])
}

// Write persists a snapshot covering all events up to seq. The state blob
// must be a deterministic serialization of the shard state.
func (s *SnapshotStore) Write(seq uint64, state []byte) (*Manifest, error) {
	m := Manifest{
		SchemaVersion: SnapshotSchemaVersion,
		Shard:         s.shard,
		Seq:           seq,
		StateHash:     StateHash(state),
		File:          fmt.Sprintf("snapshot_%012d.bin", seq),
		WrittenAt:     time.Now().UTC(),
	}
	blob, err := json.Marshal(snapshotFile{Header: m, State: state})
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}

	path := filepath.Join(s.dir, m.File)
	if err := writeAtomic(path, blob); err != nil {
		return nil, err
	}
	manifest, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := writeAtomic(filepath.Join(s.dir, "manifest.json"), manifest); err != nil {
		return nil, err
	}
	return &m, nil
}

// Latest loads the newest snapshot. Returns (nil, nil, nil) when the shard
// has never snapshotted.
func (s *SnapshotStore) Latest() (*Manifest, []byte, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, "manifest.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	if m.SchemaVersion > SnapshotSchemaVersion {
		return nil, nil, fmt.Errorf("snapshot schema %d newer than supported %d", m.SchemaVersion, SnapshotSchemaVersion)
	}

	blob, err := os.ReadFile(filepath.Join(s.dir, m.File))
	if err != nil {
		return nil, nil, fmt.Errorf("read snapshot %s: %w", m.File, err)
	}
	var sf snapshotFile
	if err := json.Unmarshal(blob, &sf); err != nil {
		return nil, nil, fmt.Errorf("unmarshal snapshot %s: %w", m.File, err)
	}
	if got := StateHash(sf.State); got != m.StateHash {
		return nil, nil, fmt.Errorf("snapshot %s hash mismatch: manifest %s, file %s", m.File, m.StateHash, got)
	}
	return &m, sf.State, nil
}

// writeAtomic writes to a .tmp file then renames over the target so the file
// is never observed in a partial state.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
