package lake

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/quantlake/lakeaudit/internal/dataset"
	"github.com/quantlake/lakeaudit/internal/partition"
)

// LocalReader reads lake partitions from the local filesystem.
// Layout: <root>/<source>/<dataset>/<symbol>/date=YYYY-MM-DD/*.parquet
type LocalReader struct {
	root    string
	source  string
	catalog *dataset.Catalog
	log     *slog.Logger
}

// NewLocalReader creates a local filesystem lake reader.
func NewLocalReader(root, source string, catalog *dataset.Catalog) (*LocalReader, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("invalid lake path %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("lake path %s is not a directory", root)
	}

	return &LocalReader{
		root:    root,
		source:  source,
		catalog: catalog,
		log:     slog.With("component", "lake", "backend", "local"),
	}, nil
}

func (r *LocalReader) symbolDir(ds, symbol string) string {
	return filepath.Join(r.root, r.source, ds, symbol)
}

func (r *LocalReader) partitionDir(key partition.Key) string {
	return filepath.Join(r.symbolDir(key.Dataset, key.Symbol), "date="+key.Date.String())
}

// ListPartitions implements Reader. A symbol directory that does not exist
// yet simply has no partitions.
func (r *LocalReader) ListPartitions(ctx context.Context, ds, symbol string) ([]partition.Date, error) {
	entries, err := os.ReadDir(r.symbolDir(ds, symbol))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list partitions %s/%s: %w", ds, symbol, err)
	}

	var dates []partition.Date
	for _, entry := range entries {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "date=") {
			continue
		}
		date, err := partition.ParseDate(strings.TrimPrefix(entry.Name(), "date="))
		if err != nil {
			r.log.Warn("skipping unparseable partition directory",
				"dataset", ds, "symbol", symbol, "dir", entry.Name())
			continue
		}

		files, err := r.parquetFiles(filepath.Join(r.symbolDir(ds, symbol), entry.Name()))
		if err != nil {
			return nil, err
		}
		if len(files) == 0 {
			continue
		}
		dates = append(dates, date)
	}

	partition.SortDates(dates)
	return dates, nil
}

// ReadBatch implements Reader.
func (r *LocalReader) ReadBatch(ctx context.Context, key partition.Key) (*Batch, error) {
	cfg, err := r.catalog.Get(key.Dataset)
	if err != nil {
		return nil, err
	}

	dir := r.partitionDir(key)
	files, err := r.parquetFiles(dir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	var scans []*fileStats
	for _, path := range files {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		stats, err := r.scanFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", path, err)
		}
		scans = append(scans, stats)
	}

	batch := &Batch{Key: key}
	mergeStats(batch, scans, cfg)

	r.log.Debug("read batch",
		"partition", key.String(),
		"files", len(files),
		"rows", batch.RowCount,
	)
	return batch, nil
}

func (r *LocalReader) scanFile(path string, cfg dataset.Config) (*fileStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return scanParquet(f, info.Size(), cfg)
}

func (r *LocalReader) parquetFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read partition dir %s: %w", dir, err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".parquet" {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	return files, nil
}

// Close implements Reader.
func (r *LocalReader) Close() error { return nil }
