// Package lake reads partitioned parquet market data and exposes it as
// columnar batches keyed by (source, dataset, symbol, date).
package lake

import (
	"context"
	"errors"
	"fmt"

	"github.com/quantlake/lakeaudit/internal/dataset"
	"github.com/quantlake/lakeaudit/internal/partition"
)

// ErrNotFound is returned when a partition has no data files.
var ErrNotFound = errors.New("partition not found")

// ErrSchemaMismatch is returned when a partition's column set differs from
// the dataset's expected schema. It is always surfaced, never dropped.
var ErrSchemaMismatch = errors.New("schema mismatch")

// Batch is the columnar summary of one partition, sufficient for the quality
// checks: row count, per-column null counts and the ascending event
// timestamps (microseconds since epoch).
type Batch struct {
	Key        partition.Key
	RowCount   int64
	Columns    []string
	NullCounts map[string]int64
	Timestamps []int64
}

// Reader lists and reads partitions for a (dataset, symbol) pair.
type Reader interface {
	// ListPartitions returns the dates that physically have data files,
	// sorted ascending.
	ListPartitions(ctx context.Context, dataset, symbol string) ([]partition.Date, error)

	// ReadBatch scans the partition's parquet files into a Batch.
	// Returns ErrNotFound when no files exist for the key.
	ReadBatch(ctx context.Context, key partition.Key) (*Batch, error)

	Close() error
}

// Config selects and configures the lake backend.
type Config struct {
	Backend string // "local" | "gcs" | "s3"

	LocalDir string

	GCSBucket string

	S3Bucket   string
	S3Endpoint string
	S3Region   string

	Prefix string
}

// NewReader constructs a lake reader based on configuration.
func NewReader(cfg Config, source string, catalog *dataset.Catalog) (Reader, error) {
	switch cfg.Backend {
	case "local":
		if cfg.LocalDir == "" {
			return nil, fmt.Errorf("LocalDir required for local backend")
		}
		return NewLocalReader(cfg.LocalDir, source, catalog)
	case "gcs":
		if cfg.GCSBucket == "" {
			return nil, fmt.Errorf("GCSBucket required for gcs backend")
		}
		return NewBucketReader(fmt.Sprintf("gs://%s", cfg.GCSBucket), cfg.Prefix, source, catalog)
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("S3Bucket required for s3 backend")
		}
		url := fmt.Sprintf("s3://%s?region=%s", cfg.S3Bucket, cfg.S3Region)
		if cfg.S3Endpoint != "" {
			url += fmt.Sprintf("&endpoint=%s&s3ForcePathStyle=true", cfg.S3Endpoint)
		}
		return NewBucketReader(url, cfg.Prefix, source, catalog)
	default:
		return nil, fmt.Errorf("unknown lake backend: %s", cfg.Backend)
	}
}
