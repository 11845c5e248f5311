// Package state persists the per-(dataset, symbol) quality state: which
// partitions have been validated and the latest result of every check.
package state

import (
	"fmt"
	"time"

	"github.com/quantlake/lakeaudit/internal/check"
	"github.com/quantlake/lakeaudit/internal/partition"
)

// State is one (dataset, symbol) quality document.
type State struct {
	LastProcessedDate partition.Date `json:"last_processed_date"`
	LastUpdatedUTC    time.Time      `json:"last_updated_utc"`

	// PartitionsCheckedInLastRun is the ascending, duplicate-free sequence
	// of every date validated so far. Dates are only appended; removal
	// happens solely through an explicit Reset.
	PartitionsCheckedInLastRun []partition.Date `json:"partitions_checked_in_last_run"`

	CheckResults []check.Result `json:"check_results"`

	// LastProcessedTimestamp is the epoch-millisecond stamp of the last row
	// observed for the symbol.
	LastProcessedTimestamp int64 `json:"last_processed_timestamp"`
}

// CorruptStateError reports a persisted document that violates the state
// invariants. It is surfaced, never auto-repaired.
type CorruptStateError struct {
	Path   string
	Reason string
}

func (e *CorruptStateError) Error() string {
	return fmt.Sprintf("corrupt quality state %s: %s", e.Path, e.Reason)
}

// validate enforces the load-time invariants.
func (s *State) validate(path string) error {
	dates := s.PartitionsCheckedInLastRun
	for i := 1; i < len(dates); i++ {
		if !dates[i-1].Before(dates[i]) {
			return &CorruptStateError{
				Path: path,
				Reason: fmt.Sprintf("partitions_checked_in_last_run not strictly ascending at index %d (%s >= %s)",
					i, dates[i-1], dates[i]),
			}
		}
	}
	if len(dates) > 0 && !s.LastProcessedDate.Equal(dates[len(dates)-1]) {
		return &CorruptStateError{
			Path: path,
			Reason: fmt.Sprintf("last_processed_date %s is not the maximum checked date %s",
				s.LastProcessedDate, dates[len(dates)-1]),
		}
	}
	return nil
}

// merge folds a run's newly checked dates and results into a copy of s.
// Checks absent from results keep their previous result, so partial re-runs
// are supported. The merge is idempotent: applying the same delta twice
// yields the same state.
func (s *State) merge(newDates []partition.Date, lastTS int64, results []check.Result) *State {
	out := &State{LastProcessedTimestamp: s.LastProcessedTimestamp}

	seen := make(map[partition.Date]struct{}, len(s.PartitionsCheckedInLastRun)+len(newDates))
	for _, d := range s.PartitionsCheckedInLastRun {
		seen[d] = struct{}{}
	}
	for _, d := range newDates {
		seen[d] = struct{}{}
	}
	for d := range seen {
		out.PartitionsCheckedInLastRun = append(out.PartitionsCheckedInLastRun, d)
	}
	partition.SortDates(out.PartitionsCheckedInLastRun)
	if n := len(out.PartitionsCheckedInLastRun); n > 0 {
		out.LastProcessedDate = out.PartitionsCheckedInLastRun[n-1]
	}

	replaced := make(map[string]check.Result, len(results))
	for _, res := range results {
		replaced[res.CheckName] = res
	}
	for _, prev := range s.CheckResults {
		if res, ok := replaced[prev.CheckName]; ok {
			out.CheckResults = append(out.CheckResults, res)
			delete(replaced, prev.CheckName)
		} else {
			out.CheckResults = append(out.CheckResults, prev)
		}
	}
	for _, res := range results {
		if _, pending := replaced[res.CheckName]; pending {
			out.CheckResults = append(out.CheckResults, res)
			delete(replaced, res.CheckName)
		}
	}

	if lastTS > out.LastProcessedTimestamp {
		out.LastProcessedTimestamp = lastTS
	}
	return out
}
