package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/copyleftdev/shieldopt/internal/optimization"
)

const (
	stateFile  = "optimizer.json"
	resultFile = "result.json"
)

// CheckpointStore persists the optimizer state and the last tell result
// in one directory. Files are replaced atomically.
type CheckpointStore struct {
	dir string
}

// NewCheckpointStore creates dir if needed.
func NewCheckpointStore(dir string) (*CheckpointStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &CheckpointStore{dir: dir}, nil
}

// Dir returns the checkpoint directory.
func (s *CheckpointStore) Dir() string { return s.dir }

// StatePath returns the path of the optimizer checkpoint.
func (s *CheckpointStore) StatePath() string { return filepath.Join(s.dir, stateFile) }

// ResultPath returns the path of the last result checkpoint.
func (s *CheckpointStore) ResultPath() string { return filepath.Join(s.dir, resultFile) }

// SaveState writes the optimizer state.
func (s *CheckpointStore) SaveState(state *optimization.State) error {
	return writeJSONAtomic(s.StatePath(), state)
}

// LoadState reads the optimizer state. It returns (nil, nil) when no
// checkpoint exists.
func (s *CheckpointStore) LoadState() (*optimization.State, error) {
	var state optimization.State
	ok, err := readJSON(s.StatePath(), &state)
	if err != nil || !ok {
		return nil, err
	}
	return &state, nil
}

// SaveResult writes the result of the last tell.
func (s *CheckpointStore) SaveResult(res *optimization.OptimizationResult) error {
	return writeJSONAtomic(s.ResultPath(), res)
}

// LoadResult reads the last tell result, or (nil, nil) if none exists.
func (s *CheckpointStore) LoadResult() (*optimization.OptimizationResult, error) {
	var res optimization.OptimizationResult
	ok, err := readJSON(s.ResultPath(), &res)
	if err != nil || !ok {
		return nil, err
	}
	return &res, nil
}

func readJSON(path string, v interface{}) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, optimization.WrapErrorf(optimization.ErrInvalidState, "%s: %v", path, err)
	}
	return true, nil
}

// writeJSONAtomic writes v to a temporary file in the target directory,
// syncs it and renames it over path.
func writeJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
