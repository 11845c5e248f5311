// Package registry tracks failed partition downloads for a single source.
// The full per-source mapping lives in one JSON document; every mutation is
// re-persisted with an atomic temp-file-then-rename write.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/quantlake/lakeaudit/internal/partition"
)

// Record describes the failure history of one partition key.
type Record struct {
	Reason     Reason    `json:"reason"`
	Timestamp  time.Time `json:"timestamp"`
	RetryCount int       `json:"retry_count"`
	Permanent  bool      `json:"permanent"`
	ErrorMsg   string    `json:"error_msg"`
}

// CorruptError is returned when a persisted registry document fails shape
// validation on load. It is never repaired in place.
type CorruptError struct {
	Path   string
	Reason string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupt failure registry %s: %s", e.Path, e.Reason)
}

// document is the persisted shape: source → dataset → symbol → date → record.
type document map[string]map[string]map[string]map[partition.Date]Record

// Registry owns the failure records of one source. All access funnels
// through a single mutex: one document is shared by every symbol of the
// source, so concurrent workers must not interleave read-modify-write.
type Registry struct {
	source string
	path   string
	policy Policy
	now    func() time.Time

	mu   sync.Mutex
	data document
}

// Open loads (or initializes) the registry document for a source.
func Open(dir, source string, policy Policy, now func() time.Time) (*Registry, error) {
	if now == nil {
		now = time.Now
	}
	r := &Registry{
		source: source,
		path:   filepath.Join(dir, fmt.Sprintf("%s_failed_downloads.json", source)),
		policy: policy,
		now:    now,
		data:   document{source: {}},
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) load() error {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read failure registry: %w", err)
	}

	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return &CorruptError{Path: r.path, Reason: err.Error()}
	}

	// The document must be rooted at this registry's source name.
	if _, ok := doc[r.source]; !ok {
		return &CorruptError{Path: r.path, Reason: fmt.Sprintf("missing top-level source key %q", r.source)}
	}
	for _, symbols := range doc[r.source] {
		for _, dates := range symbols {
			for date, rec := range dates {
				if rec.RetryCount < 1 {
					return &CorruptError{
						Path:   r.path,
						Reason: fmt.Sprintf("record %s has retry_count %d", date, rec.RetryCount),
					}
				}
				if rec.Reason == "" {
					return &CorruptError{
						Path:   r.path,
						Reason: fmt.Sprintf("record %s has empty reason", date),
					}
				}
			}
		}
	}

	r.data = doc
	return nil
}

// RecordFailure registers a failed attempt for key and returns the resulting
// record. First failure creates a record with retry_count=1; later failures
// increment the count, refresh timestamp and error message, and re-evaluate
// permanence. A record that is already permanent is returned unchanged.
func (r *Registry) RecordFailure(key partition.Key, reason Reason, errMsg string) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.lookupLocked(key)
	if ok && existing.Permanent {
		return existing, nil
	}

	rec := Record{
		Reason:     reason,
		Timestamp:  r.now().UTC(),
		RetryCount: 1,
		ErrorMsg:   errMsg,
	}
	if ok {
		rec.RetryCount = existing.RetryCount + 1
	}
	rec.Permanent = r.policy.Classify(reason, rec.RetryCount)

	r.setLocked(key, rec)
	if err := r.saveLocked(); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// RecordSuccess clears any failure history for key. Failure is
// address-based: a later success supersedes everything recorded before it.
func (r *Registry) RecordSuccess(key partition.Key) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	symbols, ok := r.data[r.source][key.Dataset]
	if !ok {
		return nil
	}
	dates, ok := symbols[key.Symbol]
	if !ok {
		return nil
	}
	if _, ok := dates[key.Date]; !ok {
		return nil
	}

	delete(dates, key.Date)
	if len(dates) == 0 {
		delete(symbols, key.Symbol)
	}
	if len(symbols) == 0 {
		delete(r.data[r.source], key.Dataset)
	}
	return r.saveLocked()
}

// Lookup returns the record for key, if any.
func (r *Registry) Lookup(key partition.Key) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookupLocked(key)
}

// IsRetryEligible reports whether a retry may be scheduled for key.
// A key with no record has never failed; eligibility for such keys is the
// caller's default, so this returns false for them too.
func (r *Registry) IsRetryEligible(key partition.Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.lookupLocked(key)
	if !ok {
		return false
	}
	return !rec.Permanent
}

// IsPermanentAbsence reports whether key has been classified as data that
// never existed (permanent no_data). Such dates do not count as coverage
// gaps.
func (r *Registry) IsPermanentAbsence(key partition.Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.lookupLocked(key)
	return ok && rec.Permanent && rec.Reason == ReasonNoData
}

// Snapshot returns a deep copy of all records for a dataset/symbol pair,
// keyed by date.
func (r *Registry) Snapshot(dataset, symbol string) map[partition.Date]Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[partition.Date]Record)
	if symbols, ok := r.data[r.source][dataset]; ok {
		for date, rec := range symbols[symbol] {
			out[date] = rec
		}
	}
	return out
}

func (r *Registry) lookupLocked(key partition.Key) (Record, bool) {
	symbols, ok := r.data[r.source][key.Dataset]
	if !ok {
		return Record{}, false
	}
	dates, ok := symbols[key.Symbol]
	if !ok {
		return Record{}, false
	}
	rec, ok := dates[key.Date]
	return rec, ok
}

func (r *Registry) setLocked(key partition.Key, rec Record) {
	datasets := r.data[r.source]
	if datasets == nil {
		datasets = map[string]map[string]map[partition.Date]Record{}
		r.data[r.source] = datasets
	}
	symbols := datasets[key.Dataset]
	if symbols == nil {
		symbols = map[string]map[partition.Date]Record{}
		datasets[key.Dataset] = symbols
	}
	dates := symbols[key.Symbol]
	if dates == nil {
		dates = map[partition.Date]Record{}
		symbols[key.Symbol] = dates
	}
	dates[key.Date] = rec
}

// saveLocked writes the whole document atomically. A crash never leaves a
// half-written registry: readers see either the old file or the new one.
func (r *Registry) saveLocked() error {
	data, err := json.MarshalIndent(r.data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal failure registry: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return fmt.Errorf("create registry directory: %w", err)
	}

	tempPath := r.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write registry temp file: %w", err)
	}
	if err := os.Rename(tempPath, r.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename registry file: %w", err)
	}
	return nil
}
