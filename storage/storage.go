package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ErrDatastoreUnavailable reports a transient failure to open or read the
// datastore. The cycle that hit it is skipped; nothing is retried in place.
var ErrDatastoreUnavailable = errors.New("datastore unavailable")

// Reader 表示快照读取接口
type Reader interface {
	// Read returns the latest rows per device for every known query.
	Read(ctx context.Context) (*Snapshot, error)
}

// Sources supplies the queries a reader runs each cycle.
type Sources interface {
	Queries() []Query
}

// Snapshot is the result of one read.
type Snapshot struct {
	Devices []DeviceRow
	Rows    []RawRow
}

// DeviceRow is one row of the device table.
type DeviceRow struct {
	RowID        int64
	Name         string
	Alias        string
	Manufacturer string
	Model        string
	Identifier   string
}

// RawRow is one source record tagged with the kind of the query that produced it.
type RawRow struct {
	Kind      string
	DeviceRef int64
	Timestamp time.Time
	// Columns holds values keyed by upper-case column name. []byte values
	// are converted to string.
	Columns map[string]interface{}
}

// TimeUnit is the resolution of a table's timestamp column.
type TimeUnit int

const (
	// AutoUnit treats values above 1e12 as milliseconds.
	AutoUnit TimeUnit = iota
	Seconds
	Milliseconds
)

// ParseTimeUnit parses "s", "ms" or "auto".
func ParseTimeUnit(s string) (TimeUnit, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return AutoUnit, nil
	case "s", "seconds":
		return Seconds, nil
	case "ms", "milliseconds":
		return Milliseconds, nil
	default:
		return AutoUnit, fmt.Errorf("unknown time unit %q", s)
	}
}

// Time converts a raw timestamp to time.Time.
func (u TimeUnit) Time(raw int64) time.Time {
	switch {
	case u == Milliseconds, u == AutoUnit && raw > 1e12:
		return time.UnixMilli(raw)
	default:
		return time.Unix(raw, 0)
	}
}

// Raw converts t to the unit's raw representation. AutoUnit uses seconds.
func (u TimeUnit) Raw(t time.Time) int64 {
	if u == Milliseconds {
		return t.UnixMilli()
	}
	return t.Unix()
}

// Query describes what to read from one table.
type Query struct {
	Kind            string
	Table           string
	DeviceColumn    string
	TimestampColumn string
	Unit            TimeUnit
	// Aggregate switches the query from "latest row per device" to windowed sums.
	Aggregate *Aggregate
}

// Aggregate sums a column per device over several windows ending now.
type Aggregate struct {
	SumColumn string
	Windows   []Window
}

// Window names an output column and computes its start from the current time.
type Window struct {
	Column string
	Start  func(now time.Time) time.Time
}

var (
	// Day starts at local midnight.
	Day = Window{Column: "DAY", Start: startOfDay}
	// Week starts on Monday at local midnight.
	Week = Window{Column: "WEEK", Start: func(now time.Time) time.Time {
		offset := (int(now.Weekday()) + 6) % 7
		return startOfDay(now).AddDate(0, 0, -offset)
	}}
	// Month starts on the first day of the month.
	Month = Window{Column: "MONTH", Start: func(now time.Time) time.Time {
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	}}
)

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate rejects identifiers that cannot be interpolated into SQL safely.
func (q Query) Validate() error {
	idents := []string{q.Table, q.DeviceColumn, q.TimestampColumn}
	if q.Aggregate != nil {
		idents = append(idents, q.Aggregate.SumColumn)
	}
	for _, ident := range idents {
		if !identifierPattern.MatchString(ident) {
			return fmt.Errorf("query %s: invalid identifier %q", q.Kind, ident)
		}
	}
	return nil
}
