package registry

// Reason enumerates the causes a partition download can fail for.
type Reason string

const (
	// ReasonNoData means the vendor has no listing for that day (404).
	ReasonNoData Reason = "no_data"
	// ReasonEmptyData means the payload was smaller than the minimum viable
	// size for the dataset.
	ReasonEmptyData Reason = "empty_data"
	// ReasonNetworkError covers transport failures.
	ReasonNetworkError Reason = "network_error"
	// ReasonTimeout covers deadline expiry while fetching.
	ReasonTimeout Reason = "timeout"
	// ReasonSchemaMismatch means the downloaded column set or types differ
	// from the dataset's expected schema.
	ReasonSchemaMismatch Reason = "schema_mismatch"
)

// Policy decides when a failure reason becomes permanent. A ceiling of N
// promotes the record to permanent once retry_count reaches N; a ceiling of
// 0 means the reason is never auto-promoted.
type Policy struct {
	Ceilings map[Reason]int
}

// DefaultPolicy matches the registries produced upstream: genuinely absent
// data is permanent on the first attempt, undersized payloads after a few
// re-downloads, and infrastructure failures stay retry-eligible
// indefinitely. Schema mismatches need operator action, so they are never
// promoted either.
func DefaultPolicy() Policy {
	return Policy{Ceilings: map[Reason]int{
		ReasonNoData:    1,
		ReasonEmptyData: 3,
	}}
}

// Classify reports whether a record with the given reason and retry count is
// permanent. Pure: same inputs always give the same answer.
func (p Policy) Classify(reason Reason, retryCount int) bool {
	ceiling, ok := p.Ceilings[reason]
	if !ok || ceiling <= 0 {
		return false
	}
	return retryCount >= ceiling
}
