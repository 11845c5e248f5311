package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quantlake/lakeaudit/internal/logging"
	"github.com/quantlake/lakeaudit/internal/metrics"
)

// Pool fans symbol audits out over a fixed worker set. Symbols are
// independent of each other; a failed symbol is reported and the run
// carries on.
type Pool struct {
	engine    *Engine
	workers   int
	queueSize int
	log       *slog.Logger

	workQueue  chan symbolTask
	resultChan chan symbolOutcome
	wg         sync.WaitGroup
}

type symbolTask struct {
	Dataset string
	Symbol  string
}

type symbolOutcome struct {
	Task   symbolTask
	Report *SymbolReport
	Err    error
}

// RunReport aggregates one pool run.
type RunReport struct {
	SymbolsProcessed   int
	SymbolsFailed      int
	PartitionsChecked  int
	DownloadsSucceeded int
	DownloadsFailed    int

	// Failures maps "dataset/symbol" to the error that aborted its audit.
	Failures map[string]error
}

// NewPool creates a worker pool over an engine.
func NewPool(e *Engine, workers, queueSize int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = workers * 2
	}

	return &Pool{
		engine:     e,
		workers:    workers,
		queueSize:  queueSize,
		log:        logging.Component("pool"),
		workQueue:  make(chan symbolTask, queueSize),
		resultChan: make(chan symbolOutcome, queueSize),
	}
}

// Run audits every symbol of a dataset using the pool.
func (p *Pool) Run(ctx context.Context, dataset string, symbols []string) (*RunReport, error) {
	if len(symbols) == 0 {
		return &RunReport{Failures: map[string]error{}}, nil
	}

	p.log.Info("starting audit run", "dataset", dataset, "symbols", len(symbols), "workers", p.workers)

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.workerLoop(ctx, i)
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- p.dispatcherLoop(ctx, dataset, symbols)
	}()

	go func() {
		p.wg.Wait()
		close(p.resultChan)
	}()

	report := p.collect(ctx, len(symbols))

	select {
	case err := <-errChan:
		if err != nil {
			return report, err
		}
	default:
	}
	return report, nil
}

// dispatcherLoop sends symbol tasks to workers.
func (p *Pool) dispatcherLoop(ctx context.Context, dataset string, symbols []string) error {
	defer close(p.workQueue)

	for _, sym := range symbols {
		task := symbolTask{Dataset: dataset, Symbol: sym}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case p.workQueue <- task:
			if m := metrics.Get(); m != nil {
				m.SetWorkerQueueDepth(float64(len(p.workQueue)))
			}
		}
	}

	return nil
}

// workerLoop audits symbols until the queue drains.
func (p *Pool) workerLoop(ctx context.Context, workerID int) {
	defer p.wg.Done()

	for task := range p.workQueue {
		select {
		case <-ctx.Done():
			return
		default:
		}

		p.resultChan <- p.processTask(ctx, workerID, task)
	}
}

// processTask runs one symbol audit with its own correlation ID.
func (p *Pool) processTask(ctx context.Context, workerID int, task symbolTask) symbolOutcome {
	correlationID := logging.GenerateCorrelationID()
	ctx = logging.WithCorrelationID(ctx, correlationID)
	log := logging.WorkerLogger(workerID).With(
		"correlation_id", correlationID,
		"dataset", task.Dataset,
		"symbol", task.Symbol,
	)

	log.Info("auditing symbol")
	if m := metrics.Get(); m != nil {
		m.SetInFlightSymbols(float64(p.workers - len(p.workQueue)))
	}

	startTime := time.Now()
	report, err := p.engine.AuditSymbol(ctx, task.Dataset, task.Symbol)
	elapsed := time.Since(startTime)

	if err != nil {
		log.Error("symbol audit failed", "error", err, "duration_ms", elapsed.Milliseconds())
		return symbolOutcome{Task: task, Err: err}
	}

	log.Info("symbol audit complete", "duration_ms", elapsed.Milliseconds())
	if m := metrics.Get(); m != nil {
		m.ObserveSymbolAuditDuration(metrics.Labels{
			Source:  p.engine.source,
			Dataset: task.Dataset,
		}, elapsed.Seconds())
	}

	return symbolOutcome{Task: task, Report: report}
}

// collect drains outcomes into a run report.
func (p *Pool) collect(ctx context.Context, total int) *RunReport {
	report := &RunReport{Failures: map[string]error{}}

	for received := 0; received < total; received++ {
		select {
		case <-ctx.Done():
			return report

		case outcome, ok := <-p.resultChan:
			if !ok {
				return report
			}

			l := metrics.Labels{Source: p.engine.source, Dataset: outcome.Task.Dataset}
			if outcome.Err != nil {
				report.SymbolsFailed++
				report.Failures[outcome.Task.Dataset+"/"+outcome.Task.Symbol] = outcome.Err
				if m := metrics.Get(); m != nil {
					m.IncSymbolsFailed(l)
				}
				continue
			}

			report.SymbolsProcessed++
			report.PartitionsChecked += outcome.Report.PartitionsChecked
			report.DownloadsSucceeded += outcome.Report.DownloadsSucceeded
			report.DownloadsFailed += outcome.Report.DownloadsFailed
			if m := metrics.Get(); m != nil {
				m.IncSymbolsProcessed(l)
			}

			p.log.Info("run progress",
				"done", received+1,
				"total", total,
				"failed", report.SymbolsFailed,
			)
		}
	}

	return report
}

// String renders a one-line run summary for logs.
func (r *RunReport) String() string {
	return fmt.Sprintf("processed=%d failed=%d partitions_checked=%d downloads_ok=%d downloads_failed=%d",
		r.SymbolsProcessed, r.SymbolsFailed, r.PartitionsChecked,
		r.DownloadsSucceeded, r.DownloadsFailed)
}
