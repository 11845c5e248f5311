// Package check implements the quality checks run over lake partitions.
// Every check is a pure function of its input and always produces a Result;
// whether the result is passing is a property of its details, not a separate
// control path.
package check

import (
	"github.com/quantlake/lakeaudit/internal/lake"
	"github.com/quantlake/lakeaudit/internal/partition"
)

// Canonical check names, as persisted in quality state documents.
const (
	NameDateCoverage        = "Date Coverage"
	NameTimestampContinuity = "Timestamp Continuity"
	NameColumnNullness      = "Column Nullness"
)

// Input carries everything a check may consume. Checks never mutate it.
type Input struct {
	// Batch is the partition under examination. Nil for checks that look at
	// the symbol's history rather than one partition.
	Batch *lake.Batch

	// Dates is the full ascending set of partition dates seen for the
	// symbol, including the current run's.
	Dates []partition.Date

	// PermanentAbsence reports whether a date is classified as data that
	// never existed. Such dates are not coverage gaps.
	PermanentAbsence func(partition.Date) bool
}

// Result is the structured outcome of one check run. Summary is derived
// deterministically from Details: identical details yield identical
// summaries.
type Result struct {
	CheckName string `json:"check_name"`
	Summary   string `json:"summary"`
	Details   any    `json:"details"`
}

// Check is the capability every quality check implements.
type Check interface {
	Name() string
	Run(in Input) Result
}
