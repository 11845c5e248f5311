package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/quantlake/lakeaudit/internal/check"
	"github.com/quantlake/lakeaudit/internal/partition"
)

// stateDirName is the directory under the store root holding all quality
// state documents.
const stateDirName = "_quality_state"

// Store persists quality state documents, one JSON file per
// (dataset, symbol). Documents are single-writer by construction (one
// worker per symbol at a time); atomic writes keep readers from ever
// observing a torn file.
type Store struct {
	root string
	now  func() time.Time
}

// NewStore creates a store rooted at dir.
func NewStore(dir string, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{root: dir, now: now}
}

func (s *Store) path(dataset, symbol string) string {
	return filepath.Join(s.root, stateDirName, dataset, symbol, "state.json")
}

// Load reads the quality state for (dataset, symbol). Returns (nil, nil)
// when the symbol has never been checked. Invariant violations surface as
// CorruptStateError.
func (s *Store) Load(dataset, symbol string) (*State, error) {
	path := s.path(dataset, symbol)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read quality state: %w", err)
	}

	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, &CorruptStateError{Path: path, Reason: err.Error()}
	}
	if err := st.validate(path); err != nil {
		return nil, err
	}
	return &st, nil
}

// RecordRun merges a completed run into the persisted state and returns the
// new document. Newly checked dates are set-unioned into the history,
// results replace previous results per check name, and the update stamp
// comes from the store's clock. Each call is an independent commit point.
func (s *Store) RecordRun(dataset, symbol string, newDates []partition.Date, lastTimestamp int64, results []check.Result) (*State, error) {
	prev, err := s.Load(dataset, symbol)
	if err != nil {
		return nil, err
	}
	if prev == nil {
		prev = &State{}
	}

	next := prev.merge(newDates, lastTimestamp, results)
	next.LastUpdatedUTC = s.now().UTC()

	if err := s.save(dataset, symbol, next); err != nil {
		return nil, err
	}
	return next, nil
}

// Reset deletes the persisted state for (dataset, symbol). This is an
// explicit administrative action; the engine never calls it on its own.
func (s *Store) Reset(dataset, symbol string) error {
	err := os.Remove(s.path(dataset, symbol))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reset quality state: %w", err)
	}
	return nil
}

func (s *Store) save(dataset, symbol string, st *State) error {
	path := s.path(dataset, symbol)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create quality state directory: %w", err)
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal quality state: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write quality state temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename quality state file: %w", err)
	}
	return nil
}
