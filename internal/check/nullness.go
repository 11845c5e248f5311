package check

import (
	"fmt"
	"sort"
)

// NullnessDetails maps every expected column to its null rate.
type NullnessDetails map[string]float64

// ColumnNullnessCheck computes null_count/row_count per expected column. An
// empty batch is vacuously clean: every rate is 0.0.
type ColumnNullnessCheck struct {
	// Threshold above which a column's null rate counts as failing.
	// The default of 0 flags any null at all.
	Threshold float64
}

// Name implements Check.
func (ColumnNullnessCheck) Name() string { return NameColumnNullness }

// Run implements Check.
func (c ColumnNullnessCheck) Run(in Input) Result {
	details := NullnessDetails{}

	if in.Batch != nil {
		for col, nulls := range in.Batch.NullCounts {
			rate := 0.0
			if in.Batch.RowCount > 0 {
				rate = float64(nulls) / float64(in.Batch.RowCount)
			}
			details[col] = rate
		}
	}

	return Result{
		CheckName: c.Name(),
		Summary:   c.summarize(details),
		Details:   details,
	}
}

// Merge folds per-partition null rates into a single result. A column's
// merged rate is its worst rate across partitions.
func (c ColumnNullnessCheck) Merge(parts []NullnessDetails) Result {
	details := NullnessDetails{}
	for _, p := range parts {
		for col, rate := range p {
			if cur, ok := details[col]; !ok || rate > cur {
				details[col] = rate
			}
		}
	}
	return Result{
		CheckName: c.Name(),
		Summary:   c.summarize(details),
		Details:   details,
	}
}

func (c ColumnNullnessCheck) summarize(details NullnessDetails) string {
	var failing []string
	for col, rate := range details {
		if rate > c.Threshold {
			failing = append(failing, col)
		}
	}
	if len(failing) == 0 {
		return "No nulls found in any columns."
	}

	// Deterministic worst column: highest rate, then lexicographic.
	sort.Strings(failing)
	worst := failing[0]
	for _, col := range failing[1:] {
		if details[col] > details[worst] {
			worst = col
		}
	}
	return fmt.Sprintf("Found nulls in %d column(s). Max null rate: %.4f (%s).",
		len(failing), details[worst], worst)
}
