package record

import (
	"bytes"
	"fmt"

	"github.com/pelletier/go-toml/v2"
)

// wireRecord is the decode shape. Pointers distinguish an absent key from an
// empty value; every key is required.
type wireRecord struct {
	Line     *string    `toml:"line"`
	ProgName *string    `toml:"prog_name"`
	Priority *string    `toml:"priority"`
	Time     *Timestamp `toml:"time"`
}

// wireRecordOut is the encode shape. Field order is the order keys appear in
// the document, with the time table last.
type wireRecordOut struct {
	Line     string    `toml:"line"`
	ProgName string    `toml:"prog_name"`
	Priority Priority  `toml:"priority"`
	Time     Timestamp `toml:"time"`
}

// Encode serializes r as a self-delimited TOML document:
//
//	line = "boot ok"
//	prog_name = "svc"
//	priority = "Info"
//
//	[time]
//	secs = 1700000000
//	nanos = 0
func Encode(r Record) ([]byte, error) {
	if !r.Priority.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPriority, uint8(r.Priority))
	}
	data, err := toml.Marshal(wireRecordOut{
		Line:     r.Line,
		ProgName: r.ProgName,
		Priority: r.Priority,
		Time:     r.Time,
	})
	if err != nil {
		return nil, fmt.Errorf("record: encode: %w", err)
	}
	return data, nil
}

// Decode parses one encoded record. It fails on malformed TOML, a missing
// key, an unknown priority or an out-of-range nanosecond field; no partially
// filled record is ever returned.
func Decode(data []byte) (Record, error) {
	var w wireRecord
	if err := toml.NewDecoder(bytes.NewReader(data)).Decode(&w); err != nil {
		return Record{}, fmt.Errorf("record: decode: %w", err)
	}

	switch {
	case w.Line == nil:
		return Record{}, fmt.Errorf("%w: line", ErrMissingField)
	case w.ProgName == nil:
		return Record{}, fmt.Errorf("%w: prog_name", ErrMissingField)
	case w.Priority == nil:
		return Record{}, fmt.Errorf("%w: priority", ErrMissingField)
	case w.Time == nil:
		return Record{}, fmt.Errorf("%w: time", ErrMissingField)
	}
	priority, err := ParsePriority(*w.Priority)
	if err != nil {
		return Record{}, err
	}
	if w.Time.Nanos >= 1e9 {
		return Record{}, fmt.Errorf("%w: nanos %d", ErrInvalidTimestamp, w.Time.Nanos)
	}

	return Record{
		Line:     *w.Line,
		ProgName: *w.ProgName,
		Priority: priority,
		Time:     *w.Time,
	}, nil
}
