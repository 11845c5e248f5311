package check

import (
	"fmt"

	"github.com/quantlake/lakeaudit/internal/partition"
)

// CoverageDetails is the fixed details schema of the Date Coverage check.
type CoverageDetails struct {
	StartDate    partition.Date   `json:"start_date"`
	EndDate      partition.Date   `json:"end_date"`
	ExpectedDays int              `json:"expected_days"`
	ActualDays   int              `json:"actual_days"`
	MissingDays  int              `json:"missing_days"`
	MissingDates []partition.Date `json:"missing_dates,omitempty"`
}

// DateCoverageCheck verifies that every calendar day between the first and
// last observed partition has data. Days carrying a permanent no-data
// classification are excluded from the expected range: the vendor never
// listed the symbol on those days.
type DateCoverageCheck struct{}

// Name implements Check.
func (DateCoverageCheck) Name() string { return NameDateCoverage }

// Run implements Check. Input.Dates must be the symbol's full history.
func (c DateCoverageCheck) Run(in Input) Result {
	details := CoverageDetails{}

	if len(in.Dates) > 0 {
		dates := append([]partition.Date(nil), in.Dates...)
		partition.SortDates(dates)

		details.StartDate = dates[0]
		details.EndDate = dates[len(dates)-1]

		present := make(map[partition.Date]struct{}, len(dates))
		for _, d := range dates {
			present[d] = struct{}{}
		}
		details.ActualDays = len(present)

		for d := details.StartDate; !d.After(details.EndDate); d = d.Next() {
			if in.PermanentAbsence != nil && in.PermanentAbsence(d) {
				continue
			}
			details.ExpectedDays++
			if _, ok := present[d]; !ok {
				details.MissingDates = append(details.MissingDates, d)
			}
		}
		details.MissingDays = len(details.MissingDates)
	}

	return Result{
		CheckName: c.Name(),
		Summary: fmt.Sprintf("Coverage from %s to %s. Found %d/%d days. Missing: %d days.",
			details.StartDate, details.EndDate,
			details.ActualDays, details.ExpectedDays, details.MissingDays),
		Details: details,
	}
}
