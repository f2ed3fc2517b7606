// Package record defines the log record exchanged between producers and the
// dogd daemon, and its wire encoding.
package record

import (
	"errors"
	"fmt"
	"time"
)

// Priority is the severity class of a record. The zero value is not a valid
// priority; decoding never produces it.
type Priority uint8

const (
	_ Priority = iota
	Critical
	Error
	Info
	Debug
)

var (
	// ErrUnknownPriority is returned when a priority name is not one of
	// Critical, Error, Info or Debug.
	ErrUnknownPriority = errors.New("record: unknown priority")
	// ErrMissingField is returned when an encoded record lacks a required key.
	ErrMissingField = errors.New("record: missing field")
	// ErrInvalidTimestamp is returned for a nanosecond component >= 1e9.
	ErrInvalidTimestamp = errors.New("record: invalid timestamp")
)

var priorityNames = [...]string{
	Critical: "Critical",
	Error:    "Error",
	Info:     "Info",
	Debug:    "Debug",
}

// Priorities lists every valid priority in enumeration order.
func Priorities() []Priority {
	return []Priority{Critical, Error, Info, Debug}
}

// Valid reports whether p is a member of the closed priority set.
func (p Priority) Valid() bool {
	return p >= Critical && p <= Debug
}

func (p Priority) String() string {
	if !p.Valid() {
		return fmt.Sprintf("Priority(%d)", uint8(p))
	}
	return priorityNames[p]
}

// ParsePriority maps a wire name to a Priority. Matching is exact.
func ParsePriority(name string) (Priority, error) {
	for _, p := range Priorities() {
		if priorityNames[p] == name {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownPriority, name)
}

// MarshalText implements encoding.TextMarshaler.
func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPriority, uint8(p))
	}
	return []byte(priorityNames[p]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Timestamp is a wall-clock instant expressed as a duration since the Unix
// epoch, split the way it travels on the wire.
type Timestamp struct {
	Secs  uint64 `toml:"secs"`
	Nanos uint32 `toml:"nanos"`
}

// TimestampOf converts t to a Timestamp. Instants before the epoch clamp to
// zero.
func TimestampOf(t time.Time) Timestamp {
	if t.Before(time.Unix(0, 0)) {
		return Timestamp{}
	}
	return Timestamp{
		Secs:  uint64(t.Unix()),
		Nanos: uint32(t.Nanosecond()),
	}
}

// Time returns the instant as a time.Time in UTC.
func (ts Timestamp) Time() time.Time {
	return time.Unix(int64(ts.Secs), int64(ts.Nanos)).UTC()
}

// Duration returns the offset from the epoch.
func (ts Timestamp) Duration() time.Duration {
	return time.Duration(ts.Secs)*time.Second + time.Duration(ts.Nanos)
}

// Record is one structured log entry. Records are values: once built they are
// passed by copy and never mutated.
type Record struct {
	Line     string
	ProgName string
	Priority Priority
	Time     Timestamp
}

// New builds a record stamped with the current time.
func New(line, progName string, priority Priority) Record {
	return Record{
		Line:     line,
		ProgName: progName,
		Priority: priority,
		Time:     TimestampOf(time.Now()),
	}
}
