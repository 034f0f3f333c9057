package replication

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// StateFile is kept next to a replica's generation files and records which
// master, and which of its generations, the files came from.
const StateFile = "REPLICA"

type ReplicaState struct {
	MasterIdentity string    `json:"masterIdentity"`
	Generation     int64     `json:"generation"`
	ReplicatedAt   time.Time `json:"replicatedAt"`
}

// LoadState reads the state file in dir. A missing file yields nil.
func LoadState(dir string) (*ReplicaState, error) {
	data, err := os.ReadFile(filepath.Join(dir, StateFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading replica state: %w", err)
	}
	var st ReplicaState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parsing replica state: %w", err)
	}
	return &st, nil
}

func saveState(dir string, st ReplicaState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshaling replica state: %w", err)
	}
	tmp := filepath.Join(dir, StateFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing replica state: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, StateFile)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publishing replica state: %w", err)
	}
	return nil
}
