package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/quantlake/lakeaudit/internal/check"
	"github.com/quantlake/lakeaudit/internal/lake"
	"github.com/quantlake/lakeaudit/internal/partition"
	"github.com/quantlake/lakeaudit/internal/registry"
	"github.com/quantlake/lakeaudit/internal/source"
	"github.com/quantlake/lakeaudit/internal/state"
)

func day(t *testing.T, s string) partition.Date {
	t.Helper()
	d, err := partition.ParseDate(s)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func key(t *testing.T, date string) partition.Key {
	t.Helper()
	return partition.Key{Source: "binance", Dataset: "trades", Symbol: "BTCUSDT", Date: day(t, date)}
}

// fakeReader serves partitions from memory. Adding partitions after
// construction simulates ingestion landing new data.
type fakeReader struct {
	mu      sync.Mutex
	dates   map[string][]partition.Date
	batches map[string]*lake.Batch
	readErr map[string]error
}

func newFakeReader() *fakeReader {
	return &fakeReader{
		dates:   map[string][]partition.Date{},
		batches: map[string]*lake.Batch{},
		readErr: map[string]error{},
	}
}

func (f *fakeReader) add(k partition.Key, batch *lake.Batch) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sk := k.Dataset + "/" + k.Symbol
	f.dates[sk] = append(f.dates[sk], k.Date)
	partition.SortDates(f.dates[sk])
	f.batches[k.String()] = batch
}

func (f *fakeReader) ListPartitions(_ context.Context, dataset, symbol string) ([]partition.Date, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]partition.Date(nil), f.dates[dataset+"/"+symbol]...), nil
}

func (f *fakeReader) ReadBatch(_ context.Context, k partition.Key) (*lake.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.readErr[k.String()]; ok {
		return nil, err
	}
	b, ok := f.batches[k.String()]
	if !ok {
		return nil, lake.ErrNotFound
	}
	return b, nil
}

func (f *fakeReader) Close() error { return nil }

// fakeDownloader runs a callback per fetch so tests can fail some dates and
// land others in the reader.
type fakeDownloader struct {
	mu      sync.Mutex
	fetched []partition.Key
	fetch   func(k partition.Key) (int64, error)
}

func (f *fakeDownloader) Fetch(_ context.Context, k partition.Key) (int64, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, k)
	f.mu.Unlock()
	return f.fetch(k)
}

func (f *fakeDownloader) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fetched)
}

func cleanBatch(k partition.Key, timestamps []int64) *lake.Batch {
	return &lake.Batch{
		Key:        k,
		RowCount:   int64(len(timestamps)),
		Columns:    []string{"timestamp", "price", "amount"},
		NullCounts: map[string]int64{"price": 0, "amount": 0},
		Timestamps: timestamps,
	}
}

type harness struct {
	engine *Engine
	reg    *registry.Registry
	states *state.Store
	dir    string
}

func newHarness(t *testing.T, reader lake.Reader, dl source.Downloader) harness {
	t.Helper()
	dir := t.TempDir()
	now := func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }

	reg, err := registry.Open(dir, "binance", registry.DefaultPolicy(), now)
	if err != nil {
		t.Fatal(err)
	}
	states := state.NewStore(dir, now)

	e := New("binance", reader, dl, reg, states, nil, Options{
		MaxDownloadAttempts: 2,
		DownloadBackoff:     time.Millisecond,
	})
	return harness{engine: e, reg: reg, states: states, dir: dir}
}

// poisonState overwrites a persisted quality state with descending dates,
// which fails validation on the next load.
func poisonState(t *testing.T, dir, dataset, symbol string) {
	t.Helper()
	path := filepath.Join(dir, "_quality_state", dataset, symbol, "state.json")
	doc := `{
  "last_processed_date": "2024-01-01",
  "last_updated_utc": "2024-03-01T12:00:00Z",
  "partitions_checked_in_last_run": ["2024-01-02", "2024-01-01"],
  "check_results": [],
  "last_processed_timestamp": 0
}`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestAuditSymbolHappyPath(t *testing.T) {
	reader := newFakeReader()
	reader.add(key(t, "2024-01-01"), cleanBatch(key(t, "2024-01-01"), []int64{0, 1_000_000, 2_000_000}))
	reader.add(key(t, "2024-01-02"), cleanBatch(key(t, "2024-01-02"), []int64{0, 500_000}))

	h := newHarness(t, reader, nil)

	report, err := h.engine.AuditSymbol(context.Background(), "trades", "BTCUSDT")
	if err != nil {
		t.Fatalf("AuditSymbol: %v", err)
	}
	if report.PartitionsChecked != 2 {
		t.Errorf("PartitionsChecked = %d, want 2", report.PartitionsChecked)
	}
	if report.MissingDays != 0 {
		t.Errorf("MissingDays = %d, want 0", report.MissingDays)
	}

	st, err := h.states.Load("trades", "BTCUSDT")
	if err != nil {
		t.Fatal(err)
	}
	if st == nil {
		t.Fatal("state was not persisted")
	}
	if len(st.PartitionsCheckedInLastRun) != 2 {
		t.Errorf("checked dates = %d, want 2", len(st.PartitionsCheckedInLastRun))
	}
	if !st.LastProcessedDate.Equal(day(t, "2024-01-02")) {
		t.Errorf("LastProcessedDate = %s, want 2024-01-02", st.LastProcessedDate)
	}
	if st.LastProcessedTimestamp != 2000 {
		t.Errorf("LastProcessedTimestamp = %d, want 2000 (ms)", st.LastProcessedTimestamp)
	}
	if len(st.CheckResults) != 3 {
		t.Fatalf("CheckResults = %d, want 3", len(st.CheckResults))
	}
	names := map[string]bool{}
	for _, r := range st.CheckResults {
		names[r.CheckName] = true
	}
	for _, want := range []string{check.NameDateCoverage, check.NameTimestampContinuity, check.NameColumnNullness} {
		if !names[want] {
			t.Errorf("missing persisted result for %q", want)
		}
	}
}

func TestAuditSymbolSecondRunOnlyChecksNewPartitions(t *testing.T) {
	reader := newFakeReader()
	reader.add(key(t, "2024-01-01"), cleanBatch(key(t, "2024-01-01"), []int64{0, 1_000_000}))

	h := newHarness(t, reader, nil)
	if _, err := h.engine.AuditSymbol(context.Background(), "trades", "BTCUSDT"); err != nil {
		t.Fatal(err)
	}

	reader.add(key(t, "2024-01-02"), cleanBatch(key(t, "2024-01-02"), []int64{0}))
	report, err := h.engine.AuditSymbol(context.Background(), "trades", "BTCUSDT")
	if err != nil {
		t.Fatal(err)
	}
	if report.PartitionsChecked != 1 {
		t.Errorf("second run checked %d partitions, want 1", report.PartitionsChecked)
	}
}

func TestAuditSymbolSchedulesDownloadForMissingDay(t *testing.T) {
	reader := newFakeReader()
	reader.add(key(t, "2024-01-01"), cleanBatch(key(t, "2024-01-01"), []int64{0}))
	reader.add(key(t, "2024-01-03"), cleanBatch(key(t, "2024-01-03"), []int64{0}))

	dl := &fakeDownloader{fetch: func(k partition.Key) (int64, error) {
		// Simulate ingestion landing the partition.
		reader.add(k, cleanBatch(k, []int64{0, 250_000}))
		return 2, nil
	}}
	h := newHarness(t, reader, dl)

	report, err := h.engine.AuditSymbol(context.Background(), "trades", "BTCUSDT")
	if err != nil {
		t.Fatal(err)
	}
	if report.DownloadsScheduled != 1 || report.DownloadsSucceeded != 1 {
		t.Errorf("downloads scheduled=%d succeeded=%d, want 1/1",
			report.DownloadsScheduled, report.DownloadsSucceeded)
	}
	if report.MissingDays != 0 {
		t.Errorf("MissingDays after recovery = %d, want 0", report.MissingDays)
	}
	if report.PartitionsChecked != 3 {
		t.Errorf("PartitionsChecked = %d, want 3", report.PartitionsChecked)
	}

	st, err := h.states.Load("trades", "BTCUSDT")
	if err != nil {
		t.Fatal(err)
	}
	if len(st.PartitionsCheckedInLastRun) != 3 {
		t.Errorf("state has %d dates, want 3", len(st.PartitionsCheckedInLastRun))
	}
	if _, ok := h.reg.Lookup(key(t, "2024-01-02")); ok {
		t.Error("registry should hold no record for the recovered partition")
	}
}

func TestAuditSymbolPermanentNoDataIsNotRescheduled(t *testing.T) {
	reader := newFakeReader()
	reader.add(key(t, "2024-01-01"), cleanBatch(key(t, "2024-01-01"), []int64{0}))
	reader.add(key(t, "2024-01-03"), cleanBatch(key(t, "2024-01-03"), []int64{0}))

	dl := &fakeDownloader{fetch: func(partition.Key) (int64, error) {
		return 0, source.ErrNoData
	}}
	h := newHarness(t, reader, dl)

	report, err := h.engine.AuditSymbol(context.Background(), "trades", "BTCUSDT")
	if err != nil {
		t.Fatal(err)
	}
	if report.DownloadsFailed != 1 {
		t.Errorf("DownloadsFailed = %d, want 1", report.DownloadsFailed)
	}
	rec, ok := h.reg.Lookup(key(t, "2024-01-02"))
	if !ok || !rec.Permanent || rec.Reason != registry.ReasonNoData {
		t.Fatalf("registry record = %+v ok=%v, want permanent no_data", rec, ok)
	}
	firstCalls := dl.calls()

	// Second run: the day is permanently absent, so it is neither a
	// coverage gap nor a download candidate.
	report, err = h.engine.AuditSymbol(context.Background(), "trades", "BTCUSDT")
	if err != nil {
		t.Fatal(err)
	}
	if report.MissingDays != 0 {
		t.Errorf("MissingDays = %d, want 0 (day is permanently absent)", report.MissingDays)
	}
	if report.DownloadsScheduled != 0 {
		t.Errorf("DownloadsScheduled = %d, want 0", report.DownloadsScheduled)
	}
	if dl.calls() != firstCalls {
		t.Errorf("downloader was called again for a permanent failure")
	}
}

func TestAuditSymbolTransientDownloadFailureStaysEligible(t *testing.T) {
	reader := newFakeReader()
	reader.add(key(t, "2024-01-01"), cleanBatch(key(t, "2024-01-01"), []int64{0}))
	reader.add(key(t, "2024-01-03"), cleanBatch(key(t, "2024-01-03"), []int64{0}))

	dl := &fakeDownloader{fetch: func(partition.Key) (int64, error) {
		return 0, errors.New("connection reset by peer")
	}}
	h := newHarness(t, reader, dl)

	if _, err := h.engine.AuditSymbol(context.Background(), "trades", "BTCUSDT"); err != nil {
		t.Fatal(err)
	}

	missing := key(t, "2024-01-02")
	rec, ok := h.reg.Lookup(missing)
	if !ok {
		t.Fatal("expected a registry record for the failed download")
	}
	if rec.Permanent {
		t.Error("network failures must never become permanent")
	}
	if rec.Reason != registry.ReasonNetworkError {
		t.Errorf("reason = %s, want network_error", rec.Reason)
	}
	if !h.reg.IsRetryEligible(missing) {
		t.Error("transient failure should stay retry-eligible")
	}
	// Bounded attempts inside one run: first try plus one retry.
	if dl.calls() != 2 {
		t.Errorf("downloader calls = %d, want 2", dl.calls())
	}
}

func TestAuditSymbolSchemaMismatchRecordsFailure(t *testing.T) {
	reader := newFakeReader()
	reader.add(key(t, "2024-01-01"), cleanBatch(key(t, "2024-01-01"), []int64{0}))
	reader.add(key(t, "2024-01-02"), cleanBatch(key(t, "2024-01-02"), []int64{0}))
	reader.readErr[key(t, "2024-01-02").String()] = lake.ErrSchemaMismatch

	h := newHarness(t, reader, nil)

	report, err := h.engine.AuditSymbol(context.Background(), "trades", "BTCUSDT")
	if err != nil {
		t.Fatal(err)
	}
	if report.PartitionsChecked != 1 {
		t.Errorf("PartitionsChecked = %d, want 1", report.PartitionsChecked)
	}

	rec, ok := h.reg.Lookup(key(t, "2024-01-02"))
	if !ok || rec.Reason != registry.ReasonSchemaMismatch {
		t.Fatalf("registry record = %+v ok=%v, want schema_mismatch", rec, ok)
	}
	if rec.Permanent {
		t.Error("schema mismatch must not be auto-classified permanent")
	}

	st, err := h.states.Load("trades", "BTCUSDT")
	if err != nil {
		t.Fatal(err)
	}
	for _, d := range st.PartitionsCheckedInLastRun {
		if d.Equal(day(t, "2024-01-02")) {
			t.Error("mismatched partition must not be marked checked")
		}
	}
}

func TestAuditSymbolCorruptStateAborts(t *testing.T) {
	reader := newFakeReader()
	reader.add(key(t, "2024-01-01"), cleanBatch(key(t, "2024-01-01"), []int64{0}))

	h := newHarness(t, reader, nil)

	if _, err := h.engine.AuditSymbol(context.Background(), "trades", "BTCUSDT"); err != nil {
		t.Fatal(err)
	}
	poisonState(t, h.dir, "trades", "BTCUSDT")
	before, err := os.ReadFile(filepath.Join(h.dir, "_quality_state", "trades", "BTCUSDT", "state.json"))
	if err != nil {
		t.Fatal(err)
	}

	_, err = h.engine.AuditSymbol(context.Background(), "trades", "BTCUSDT")
	var corrupt *state.CorruptStateError
	if !errors.As(err, &corrupt) {
		t.Fatalf("err = %v, want CorruptStateError", err)
	}

	// The corrupt document must be left exactly as found.
	after, err := os.ReadFile(filepath.Join(h.dir, "_quality_state", "trades", "BTCUSDT", "state.json"))
	if err != nil {
		t.Fatal(err)
	}
	if string(before) != string(after) {
		t.Error("corrupt state file was modified")
	}
}

func TestEngineWithoutDownloaderReportsMissingOnly(t *testing.T) {
	reader := newFakeReader()
	reader.add(key(t, "2024-01-01"), cleanBatch(key(t, "2024-01-01"), []int64{0}))
	reader.add(key(t, "2024-01-05"), cleanBatch(key(t, "2024-01-05"), []int64{0}))

	h := newHarness(t, reader, nil)

	report, err := h.engine.AuditSymbol(context.Background(), "trades", "BTCUSDT")
	if err != nil {
		t.Fatal(err)
	}
	if report.MissingDays != 3 {
		t.Errorf("MissingDays = %d, want 3", report.MissingDays)
	}
	if report.DownloadsScheduled != 0 {
		t.Errorf("DownloadsScheduled = %d, want 0 without a downloader", report.DownloadsScheduled)
	}
}

func TestPoolRunAuditsAllSymbols(t *testing.T) {
	reader := newFakeReader()
	symbols := []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "XRPUSDT"}
	for _, sym := range symbols {
		k := partition.Key{Source: "binance", Dataset: "trades", Symbol: sym, Date: day(t, "2024-01-01")}
		reader.add(k, cleanBatch(k, []int64{0, 1_000}))
	}

	h := newHarness(t, reader, nil)
	pool := NewPool(h.engine, 2, 4)

	report, err := pool.Run(context.Background(), "trades", symbols)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.SymbolsProcessed != len(symbols) {
		t.Errorf("SymbolsProcessed = %d, want %d", report.SymbolsProcessed, len(symbols))
	}
	if report.SymbolsFailed != 0 {
		t.Errorf("SymbolsFailed = %d, want 0", report.SymbolsFailed)
	}
	for _, sym := range symbols {
		st, err := h.states.Load("trades", sym)
		if err != nil {
			t.Fatal(err)
		}
		if st == nil {
			t.Errorf("no state persisted for %s", sym)
		}
	}
}

func TestPoolRunIsolatesSymbolFailures(t *testing.T) {
	reader := newFakeReader()
	good := partition.Key{Source: "binance", Dataset: "trades", Symbol: "BTCUSDT", Date: day(t, "2024-01-01")}
	reader.add(good, cleanBatch(good, []int64{0}))
	bad := partition.Key{Source: "binance", Dataset: "trades", Symbol: "ETHUSDT", Date: day(t, "2024-01-01")}
	reader.add(bad, cleanBatch(bad, []int64{0}))

	h := newHarness(t, reader, nil)

	// First pass so ETHUSDT has a state file to poison.
	if _, err := h.engine.AuditSymbol(context.Background(), "trades", "ETHUSDT"); err != nil {
		t.Fatal(err)
	}
	poisonState(t, h.dir, "trades", "ETHUSDT")

	pool := NewPool(h.engine, 2, 4)
	report, err := pool.Run(context.Background(), "trades", []string{"BTCUSDT", "ETHUSDT"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.SymbolsProcessed != 1 || report.SymbolsFailed != 1 {
		t.Errorf("processed=%d failed=%d, want 1/1", report.SymbolsProcessed, report.SymbolsFailed)
	}
	failure, ok := report.Failures["trades/ETHUSDT"]
	if !ok {
		t.Fatal("missing failure entry for trades/ETHUSDT")
	}
	if !strings.Contains(failure.Error(), "corrupt quality state") {
		t.Errorf("failure = %v, want corrupt state error", failure)
	}
}
