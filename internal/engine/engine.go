// Package engine orchestrates the audit of one source: partition discovery,
// quality checks, state persistence, and retry scheduling for failed
// downloads.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/quantlake/lakeaudit/internal/check"
	"github.com/quantlake/lakeaudit/internal/lake"
	"github.com/quantlake/lakeaudit/internal/logging"
	"github.com/quantlake/lakeaudit/internal/metadata"
	"github.com/quantlake/lakeaudit/internal/metrics"
	"github.com/quantlake/lakeaudit/internal/partition"
	"github.com/quantlake/lakeaudit/internal/registry"
	"github.com/quantlake/lakeaudit/internal/source"
	"github.com/quantlake/lakeaudit/internal/state"
)

// Build identification, overridable at link time.
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

// Options tune the per-symbol audit.
type Options struct {
	// GapThreshold for the continuity check. Zero means the check default.
	GapThreshold time.Duration

	// NullThreshold above which a column's null rate counts as failing.
	NullThreshold float64

	// MaxDownloadAttempts bounds one retry-scheduling download, including
	// the first try. Values below 1 become 3.
	MaxDownloadAttempts int

	// DownloadBackoff is the initial backoff between download attempts.
	// Zero means one second.
	DownloadBackoff time.Duration
}

// Engine runs symbol audits for a single source.
type Engine struct {
	source     string
	reader     lake.Reader
	downloader source.Downloader // nil disables retry scheduling
	registry   *registry.Registry
	states     *state.Store
	catalog    metadata.Writer

	coverage   check.DateCoverageCheck
	continuity check.TimestampContinuityCheck
	nullness   check.ColumnNullnessCheck

	maxAttempts int
	backoff     time.Duration
	log         *slog.Logger
}

// New assembles an engine. downloader may be nil, in which case missing
// partitions are reported but never fetched.
func New(src string, reader lake.Reader, downloader source.Downloader,
	reg *registry.Registry, states *state.Store, catalog metadata.Writer, opts Options) *Engine {

	if catalog == nil {
		catalog = noopCatalog{}
	}
	maxAttempts := opts.MaxDownloadAttempts
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	backoff := opts.DownloadBackoff
	if backoff <= 0 {
		backoff = time.Second
	}

	return &Engine{
		source:      src,
		reader:      reader,
		downloader:  downloader,
		registry:    reg,
		states:      states,
		catalog:     catalog,
		continuity:  check.TimestampContinuityCheck{GapThreshold: opts.GapThreshold},
		nullness:    check.ColumnNullnessCheck{Threshold: opts.NullThreshold},
		maxAttempts: maxAttempts,
		backoff:     backoff,
		log:         logging.Component("engine"),
	}
}

// SymbolReport summarizes one symbol audit run.
type SymbolReport struct {
	Dataset string
	Symbol  string

	PartitionsChecked int
	Results           []check.Result

	MissingDays        int
	DownloadsScheduled int
	DownloadsSucceeded int
	DownloadsFailed    int
}

// AuditSymbol runs the full audit state machine for one (dataset, symbol):
// discover partitions, check the new ones, persist quality state, then
// schedule downloads for anything missing. A corrupt quality state aborts
// the run without writing anything.
func (e *Engine) AuditSymbol(ctx context.Context, dataset, symbol string) (*SymbolReport, error) {
	log := logging.SymbolLogger(logging.CorrelationID(ctx), e.source, dataset, symbol)
	report := &SymbolReport{Dataset: dataset, Symbol: symbol}

	// DISCOVER
	discovered, err := e.reader.ListPartitions(ctx, dataset, symbol)
	if err != nil {
		return nil, fmt.Errorf("discover partitions: %w", err)
	}

	prior, err := e.states.Load(dataset, symbol)
	if err != nil {
		// Corrupt state is surfaced untouched; a write here could destroy
		// the evidence needed to repair it.
		return nil, err
	}
	var knownDates []partition.Date
	if prior != nil {
		knownDates = prior.PartitionsCheckedInLastRun
	}

	newDates := partition.DiffDates(discovered, knownDates)
	log.Info("discovered partitions", "total", len(discovered), "new", len(newDates))

	// CHECK
	checked, contParts, nullParts, lastTS := e.checkPartitions(ctx, log, dataset, symbol, newDates)
	report.PartitionsChecked = len(checked)

	allDates := append(append([]partition.Date(nil), knownDates...), checked...)
	coverage := e.coverage.Run(check.Input{
		Dates: allDates,
		PermanentAbsence: func(d partition.Date) bool {
			return e.registry.IsPermanentAbsence(partition.Key{
				Source: e.source, Dataset: dataset, Symbol: symbol, Date: d,
			})
		},
	})

	results := []check.Result{coverage}
	if len(checked) > 0 {
		results = append(results,
			e.continuity.Merge(contParts),
			e.nullness.Merge(nullParts),
		)
	}

	// PERSIST
	persisted, err := e.states.RecordRun(dataset, symbol, checked, lastTS, results)
	if err != nil {
		return nil, fmt.Errorf("persist quality state: %w", err)
	}
	report.Results = persisted.CheckResults
	e.recordOutcomes(ctx, log, dataset, symbol, results, persisted.LastUpdatedUTC)

	cov, _ := coverage.Details.(check.CoverageDetails)
	report.MissingDays = cov.MissingDays
	e.observeChecks(dataset, symbol, len(checked), results)

	// RETRY_SCHEDULE
	if e.downloader != nil && len(cov.MissingDates) > 0 {
		landed := e.scheduleDownloads(ctx, log, dataset, symbol, cov.MissingDates, report)
		if len(landed) > 0 {
			e.persistRecovered(ctx, log, dataset, symbol, allDates, landed, contParts, nullParts, report)
		}
	}

	log.Info("symbol audit done",
		"partitions_checked", report.PartitionsChecked,
		"missing_days", report.MissingDays,
		"downloads_succeeded", report.DownloadsSucceeded,
		"downloads_failed", report.DownloadsFailed,
	)
	return report, nil
}

// checkPartitions reads each date's batch and collects per-partition check
// details. Read failures are folded into the failure registry and the date
// is left unchecked; the audit carries on with the rest.
func (e *Engine) checkPartitions(ctx context.Context, log *slog.Logger, dataset, symbol string,
	dates []partition.Date) (checked []partition.Date, contParts []check.ContinuityDetails, nullParts []check.NullnessDetails, lastTS int64) {

	for _, d := range dates {
		key := partition.Key{Source: e.source, Dataset: dataset, Symbol: symbol, Date: d}

		batch, err := e.reader.ReadBatch(ctx, key)
		if err != nil {
			if ctx.Err() != nil {
				return checked, contParts, nullParts, lastTS
			}
			log.Warn("partition read failed", "date", d.String(), "error", err)
			e.recordFailure(ctx, key, readReason(err), err)
			continue
		}

		cont := e.continuity.Run(check.Input{Batch: batch})
		null := e.nullness.Run(check.Input{Batch: batch})
		contParts = append(contParts, cont.Details.(check.ContinuityDetails))
		nullParts = append(nullParts, null.Details.(check.NullnessDetails))

		if n := len(batch.Timestamps); n > 0 {
			if ms := batch.Timestamps[n-1] / 1000; ms > lastTS {
				lastTS = ms
			}
		}
		checked = append(checked, d)
	}
	return checked, contParts, nullParts, lastTS
}

// readReason maps a lake read error onto a registry failure reason.
func readReason(err error) registry.Reason {
	switch {
	case errors.Is(err, lake.ErrNotFound):
		return registry.ReasonNoData
	case errors.Is(err, lake.ErrSchemaMismatch):
		return registry.ReasonSchemaMismatch
	default:
		return registry.ReasonNetworkError
	}
}

// scheduleDownloads attempts to fetch missing partitions that are not
// permanently failed. It returns the dates that actually landed in the lake
// after a re-discovery.
func (e *Engine) scheduleDownloads(ctx context.Context, log *slog.Logger, dataset, symbol string,
	missing []partition.Date, report *SymbolReport) []partition.Date {

	var recovered []partition.Date
	for _, d := range missing {
		key := partition.Key{Source: e.source, Dataset: dataset, Symbol: symbol, Date: d}
		if rec, ok := e.registry.Lookup(key); ok && rec.Permanent {
			continue
		}

		report.DownloadsScheduled++
		if m := metrics.Get(); m != nil {
			m.IncDownloadsScheduled(e.labels(dataset, symbol))
		}

		rows, err := e.fetchWithRetry(ctx, key)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("download failed", "date", d.String(), "error", err)
			e.recordFailure(ctx, key, source.ReasonFor(err), err)
			report.DownloadsFailed++
			continue
		}

		log.Info("download succeeded", "date", d.String(), "rows", rows)
		if err := e.registry.RecordSuccess(key); err != nil {
			log.Warn("failed to clear registry record", "date", d.String(), "error", err)
		}
		if m := metrics.Get(); m != nil {
			m.IncDownloadsSucceeded(e.labels(dataset, symbol))
		}
		report.DownloadsSucceeded++
		recovered = append(recovered, d)
	}

	if len(recovered) == 0 {
		return nil
	}

	// Re-discover: only partitions the lake can actually serve count as
	// recovered for state purposes.
	present, err := e.reader.ListPartitions(ctx, dataset, symbol)
	if err != nil {
		log.Warn("re-discovery after downloads failed", "error", err)
		return nil
	}
	presentSet := make(map[partition.Date]struct{}, len(present))
	for _, d := range present {
		presentSet[d] = struct{}{}
	}
	var landed []partition.Date
	for _, d := range recovered {
		if _, ok := presentSet[d]; ok {
			landed = append(landed, d)
		}
	}
	return landed
}

// persistRecovered checks partitions that landed via retry scheduling and
// folds them into the quality state, recomputing coverage over the grown
// history.
func (e *Engine) persistRecovered(ctx context.Context, log *slog.Logger, dataset, symbol string,
	priorDates, landed []partition.Date,
	contParts []check.ContinuityDetails, nullParts []check.NullnessDetails, report *SymbolReport) {

	checked, recCont, recNull, lastTS := e.checkPartitions(ctx, log, dataset, symbol, landed)
	if len(checked) == 0 {
		return
	}
	contParts = append(contParts, recCont...)
	nullParts = append(nullParts, recNull...)

	allDates := append(append([]partition.Date(nil), priorDates...), checked...)
	coverage := e.coverage.Run(check.Input{
		Dates: allDates,
		PermanentAbsence: func(d partition.Date) bool {
			return e.registry.IsPermanentAbsence(partition.Key{
				Source: e.source, Dataset: dataset, Symbol: symbol, Date: d,
			})
		},
	})
	results := []check.Result{
		coverage,
		e.continuity.Merge(contParts),
		e.nullness.Merge(nullParts),
	}

	persisted, err := e.states.RecordRun(dataset, symbol, checked, lastTS, results)
	if err != nil {
		log.Warn("persist after downloads failed", "error", err)
		return
	}
	report.PartitionsChecked += len(checked)
	report.Results = persisted.CheckResults
	if cov, ok := coverage.Details.(check.CoverageDetails); ok {
		report.MissingDays = cov.MissingDays
	}
	e.recordOutcomes(ctx, log, dataset, symbol, results, persisted.LastUpdatedUTC)
	e.observeChecks(dataset, symbol, len(checked), results)
}

// fetchWithRetry wraps one download in bounded exponential backoff. Only
// transient failures are retried: a vendor that reports no data will keep
// reporting no data.
func (e *Engine) fetchWithRetry(ctx context.Context, key partition.Key) (int64, error) {
	var rows int64
	err := retry.Do(
		func() error {
			var err error
			rows, err = e.downloader.Fetch(ctx, key)
			return err
		},
		retry.Attempts(uint(e.maxAttempts)),
		retry.Delay(e.backoff),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			switch source.ReasonFor(err) {
			case registry.ReasonNetworkError, registry.ReasonTimeout:
				return true
			default:
				return false
			}
		}),
		retry.OnRetry(func(_ uint, _ error) {
			if m := metrics.Get(); m != nil {
				m.IncRetryAttempts(e.labels(key.Dataset, key.Symbol))
			}
		}),
	)
	return rows, err
}

// recordFailure writes a failure to the registry and mirrors it into the
// audit catalog. Catalog errors are logged, never fatal.
func (e *Engine) recordFailure(ctx context.Context, key partition.Key, reason registry.Reason, cause error) {
	rec, err := e.registry.RecordFailure(key, reason, cause.Error())
	if err != nil {
		e.log.Error("failed to record failure", "key", key.String(), "error", err)
		return
	}
	if m := metrics.Get(); m != nil {
		l := e.labels(key.Dataset, key.Symbol)
		l.Reason = string(reason)
		m.IncFailuresRecorded(l)
	}
	if err := e.catalog.RecordFailureEvent(ctx, metadata.FailureEvent{
		Source:       key.Source,
		Dataset:      key.Dataset,
		Symbol:       key.Symbol,
		Date:         key.Date.String(),
		Reason:       string(rec.Reason),
		RetryCount:   rec.RetryCount,
		Permanent:    rec.Permanent,
		ErrorMessage: rec.ErrorMsg,
		RecordedAt:   rec.Timestamp,
	}); err != nil {
		e.log.Warn("failed to catalog failure event", "key", key.String(), "error", err)
	}
}

// recordOutcomes mirrors the run's check results into the audit catalog.
func (e *Engine) recordOutcomes(ctx context.Context, log *slog.Logger, dataset, symbol string,
	results []check.Result, runAt time.Time) {

	for _, res := range results {
		if err := e.catalog.RecordCheckOutcome(ctx, metadata.CheckOutcome{
			Source:    e.source,
			Dataset:   dataset,
			Symbol:    symbol,
			CheckName: res.CheckName,
			Summary:   res.Summary,
			Details:   res.Details,
			RunAt:     runAt,
		}); err != nil {
			log.Warn("failed to catalog check outcome", "check", res.CheckName, "error", err)
		}
	}
}

// observeChecks updates the per-symbol gauges from the run's results.
func (e *Engine) observeChecks(dataset, symbol string, checkedCount int, results []check.Result) {
	m := metrics.Get()
	if m == nil {
		return
	}
	l := e.labels(dataset, symbol)
	m.AddPartitionsChecked(l, float64(checkedCount))
	for _, res := range results {
		switch d := res.Details.(type) {
		case check.CoverageDetails:
			m.SetMissingDays(l, float64(d.MissingDays))
		case check.ContinuityDetails:
			m.SetContinuityGaps(l, float64(d.GapCount))
		}
	}
}

func (e *Engine) labels(dataset, symbol string) metrics.Labels {
	return metrics.Labels{Source: e.source, Dataset: dataset, Symbol: symbol}
}

type noopCatalog struct{}

func (noopCatalog) RecordCheckOutcome(_ context.Context, _ metadata.CheckOutcome) error { return nil }
func (noopCatalog) RecordFailureEvent(_ context.Context, _ metadata.FailureEvent) error { return nil }
func (noopCatalog) Close() error                                                        { return nil }
