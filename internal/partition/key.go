// Package partition defines the canonical identity of a unit of lake data:
// one (source, dataset, symbol, date) partition.
package partition

import (
	"fmt"
	"sort"
	"time"
)

// DateLayout is the wire format for partition dates.
const DateLayout = "2006-01-02"

// Date is a single UTC calendar day.
type Date struct {
	t time.Time
}

// NewDate builds a Date from year, month and day.
func NewDate(year int, month time.Month, day int) Date {
	return Date{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf truncates an instant to its UTC calendar day.
func DateOf(t time.Time) Date {
	u := t.UTC()
	return NewDate(u.Year(), u.Month(), u.Day())
}

// ParseDate parses an ISO-8601 calendar day.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return Date{t: t}, nil
}

func (d Date) String() string    { return d.t.Format(DateLayout) }
func (d Date) Time() time.Time   { return d.t }
func (d Date) IsZero() bool      { return d.t.IsZero() }
func (d Date) Next() Date        { return Date{t: d.t.AddDate(0, 0, 1)} }
func (d Date) Before(o Date) bool { return d.t.Before(o.t) }
func (d Date) After(o Date) bool  { return d.t.After(o.t) }
func (d Date) Equal(o Date) bool  { return d.t.Equal(o.t) }

// DaysUntil returns the inclusive day count from d to end.
// Returns 0 when end precedes d.
func (d Date) DaysUntil(end Date) int {
	if end.Before(d) {
		return 0
	}
	return int(end.t.Sub(d.t)/(24*time.Hour)) + 1
}

// MarshalText implements encoding.TextMarshaler, so Date works as a JSON
// value and as a JSON map key.
func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Date) UnmarshalText(b []byte) error {
	parsed, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Key identifies one partition of lake data. Equality is structural; the
// zero value is not a valid key.
type Key struct {
	Source  string
	Dataset string
	Symbol  string
	Date    Date
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.Source, k.Dataset, k.Symbol, k.Date)
}

// Compare imposes the total ordering source, dataset, symbol, date.
func (k Key) Compare(o Key) int {
	if k.Source != o.Source {
		if k.Source < o.Source {
			return -1
		}
		return 1
	}
	if k.Dataset != o.Dataset {
		if k.Dataset < o.Dataset {
			return -1
		}
		return 1
	}
	if k.Symbol != o.Symbol {
		if k.Symbol < o.Symbol {
			return -1
		}
		return 1
	}
	if k.Date.Before(o.Date) {
		return -1
	}
	if k.Date.After(o.Date) {
		return 1
	}
	return 0
}

// Less reports whether k orders before o.
func (k Key) Less(o Key) bool { return k.Compare(o) < 0 }

// SortKeys orders keys in place by the canonical ordering.
func SortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
}

// SortDates orders dates in place, ascending.
func SortDates(dates []Date) {
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
}

// DiffDates returns the dates in present that are absent from known,
// sorted ascending. Used to find partitions not yet examined.
func DiffDates(present, known []Date) []Date {
	seen := make(map[Date]struct{}, len(known))
	for _, d := range known {
		seen[d] = struct{}{}
	}
	var out []Date
	for _, d := range present {
		if _, ok := seen[d]; !ok {
			out = append(out, d)
		}
	}
	SortDates(out)
	return out
}
