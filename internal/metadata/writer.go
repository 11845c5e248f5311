// Package metadata persists audit outcomes to an optional Postgres catalog.
package metadata

import (
	"context"
	"time"
)

type CatalogConfig struct {
	PostgresDSN string
	Namespace   string
}

// CheckOutcome is one check result for one symbol run.
type CheckOutcome struct {
	Source    string
	Dataset   string
	Symbol    string
	CheckName string
	Summary   string
	Details   any
	RunAt     time.Time
}

// FailureEvent is one failure recorded against a partition.
type FailureEvent struct {
	Source       string
	Dataset      string
	Symbol       string
	Date         string
	Reason       string
	RetryCount   int
	Permanent    bool
	ErrorMessage string
	RecordedAt   time.Time
}

// Writer records audit outcomes in a catalog.
type Writer interface {
	RecordCheckOutcome(ctx context.Context, rec CheckOutcome) error
	RecordFailureEvent(ctx context.Context, rec FailureEvent) error
	Close() error
}

// NewWriter returns a catalog writer. With no DSN configured the catalog is
// disabled and a no-op writer is returned.
func NewWriter(cfg CatalogConfig) (Writer, error) {
	if cfg.PostgresDSN == "" {
		return noopWriter{}, nil
	}
	return NewPostgresWriter(cfg)
}

type noopWriter struct{}

func (noopWriter) RecordCheckOutcome(_ context.Context, _ CheckOutcome) error { return nil }
func (noopWriter) RecordFailureEvent(_ context.Context, _ FailureEvent) error { return nil }
func (noopWriter) Close() error                                               { return nil }
