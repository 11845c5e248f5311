// Package source defines the download collaborator the audit engine
// schedules retries against, plus decoding of raw vendor payloads.
package source

import (
	"context"
	"errors"

	"github.com/quantlake/lakeaudit/internal/lake"
	"github.com/quantlake/lakeaudit/internal/partition"
	"github.com/quantlake/lakeaudit/internal/registry"
)

// ErrNoData means the vendor has no listing for the requested partition.
var ErrNoData = errors.New("no data available")

// ErrEmptyData means the payload was below the dataset's minimum viable size.
var ErrEmptyData = errors.New("downloaded data is too small")

// Downloader fetches one partition of raw data. On success it reports the
// number of rows obtained; on failure the returned error carries the cause.
type Downloader interface {
	Fetch(ctx context.Context, key partition.Key) (rowCount int64, err error)
}

// RawFetcher obtains the raw, possibly compressed, vendor payload for a
// partition. Concrete fetchers (HTTP vendors, local drops) live in the
// ingestion front-end.
type RawFetcher interface {
	FetchRaw(ctx context.Context, key partition.Key) ([]byte, error)
}

// ReasonFor folds a collaborator error into a failure-registry reason.
func ReasonFor(err error) registry.Reason {
	switch {
	case errors.Is(err, ErrNoData):
		return registry.ReasonNoData
	case errors.Is(err, ErrEmptyData):
		return registry.ReasonEmptyData
	case errors.Is(err, lake.ErrSchemaMismatch):
		return registry.ReasonSchemaMismatch
	case errors.Is(err, context.DeadlineExceeded):
		return registry.ReasonTimeout
	default:
		return registry.ReasonNetworkError
	}
}
