package lake

import (
	"fmt"
	"io"
	"sort"

	"github.com/parquet-go/parquet-go"

	"github.com/quantlake/lakeaudit/internal/dataset"
)

// fileStats is the columnar summary of a single parquet file.
type fileStats struct {
	rows       int64
	nullCounts map[string]int64
	timestamps []int64
}

// scanParquet walks a parquet file's column chunks without materializing
// rows: null counts come from page headers, and only the event-time column
// has its values read.
func scanParquet(ra io.ReaderAt, size int64, cfg dataset.Config) (*fileStats, error) {
	f, err := parquet.OpenFile(ra, size)
	if err != nil {
		return nil, fmt.Errorf("open parquet: %w", err)
	}

	fields := f.Schema().Fields()
	names := make([]string, len(fields))
	present := make(map[string]int, len(fields))
	for i, field := range fields {
		names[i] = field.Name()
		present[field.Name()] = i
	}

	for _, want := range cfg.Columns {
		if _, ok := present[want]; !ok {
			return nil, fmt.Errorf("%w: dataset %s expects column %q, file has %v",
				ErrSchemaMismatch, cfg.Name, want, names)
		}
	}
	tsIdx, ok := present[cfg.TimestampColumn]
	if !ok {
		return nil, fmt.Errorf("%w: missing timestamp column %q", ErrSchemaMismatch, cfg.TimestampColumn)
	}

	stats := &fileStats{nullCounts: make(map[string]int64, len(names))}

	for _, rg := range f.RowGroups() {
		stats.rows += rg.NumRows()

		chunks := rg.ColumnChunks()
		if len(chunks) != len(names) {
			return nil, fmt.Errorf("%w: nested schemas are not supported (%d chunks, %d fields)",
				ErrSchemaMismatch, len(chunks), len(names))
		}

		for i, chunk := range chunks {
			if i == tsIdx {
				ts, err := readInt64Column(chunk)
				if err != nil {
					return nil, fmt.Errorf("read %s column: %w", cfg.TimestampColumn, err)
				}
				stats.timestamps = append(stats.timestamps, ts...)
				continue
			}
			nulls, err := countNulls(chunk)
			if err != nil {
				return nil, fmt.Errorf("count nulls in %s: %w", names[i], err)
			}
			stats.nullCounts[names[i]] += nulls
		}
	}

	return stats, nil
}

// countNulls sums per-page null counts from the page headers.
func countNulls(chunk parquet.ColumnChunk) (int64, error) {
	pages := chunk.Pages()
	defer pages.Close()

	var nulls int64
	for {
		page, err := pages.ReadPage()
		if err == io.EOF {
			return nulls, nil
		}
		if err != nil {
			return 0, err
		}
		nulls += page.NumNulls()
	}
}

// readInt64Column reads every non-null value of an int64 column.
func readInt64Column(chunk parquet.ColumnChunk) ([]int64, error) {
	pages := chunk.Pages()
	defer pages.Close()

	var out []int64
	buf := make([]parquet.Value, 1024)
	for {
		page, err := pages.ReadPage()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}

		values := page.Values()
		for {
			n, err := values.ReadValues(buf)
			for _, v := range buf[:n] {
				if !v.IsNull() {
					out = append(out, v.Int64())
				}
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, err
			}
		}
	}
}

// mergeStats folds per-file scans into one partition batch. Timestamps are
// re-sorted: a partition may be split over several files.
func mergeStats(batch *Batch, scans []*fileStats, cfg dataset.Config) {
	batch.Columns = append([]string(nil), cfg.Columns...)
	batch.NullCounts = make(map[string]int64, len(cfg.Columns))
	for _, col := range cfg.Columns {
		if col == cfg.TimestampColumn {
			continue
		}
		batch.NullCounts[col] = 0
	}

	for _, s := range scans {
		batch.RowCount += s.rows
		for col, n := range s.nullCounts {
			if _, tracked := batch.NullCounts[col]; tracked {
				batch.NullCounts[col] += n
			}
		}
		batch.Timestamps = append(batch.Timestamps, s.timestamps...)
	}

	sort.Slice(batch.Timestamps, func(i, j int) bool {
		return batch.Timestamps[i] < batch.Timestamps[j]
	})
}
