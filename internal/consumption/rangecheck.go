package consumption

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// TimestampLayout is the canonical request timestamp: UTC with milliseconds.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

var (
	// ErrInvalidRange is returned for unparseable or inverted date ranges.
	ErrInvalidRange = errors.New("invalid date range")
	// ErrNoData is returned when storage holds nothing for a server in the range.
	ErrNoData = errors.New("no data for server in range")
)

var strictTimestamp = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{3}Z$`)

// lenient layouts accepted for the single normalization attempt.
var isoLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// Range is a validated [Start, End) query range in UTC.
type Range struct {
	Start time.Time
	End   time.Time
}

func (r Range) String() string {
	return r.Start.Format(TimestampLayout) + "/" + r.End.Format(TimestampLayout)
}

// ValidateRange checks both bounds against TimestampLayout. A bound that does
// not match is parsed once as ISO 8601 (naive values as UTC), re-rendered in
// the canonical layout and checked again.
func ValidateRange(start, end string) (Range, error) {
	s, err := normalizeTimestamp(start)
	if err != nil {
		return Range{}, err
	}
	e, err := normalizeTimestamp(end)
	if err != nil {
		return Range{}, err
	}
	if e.Before(s) {
		return Range{}, fmt.Errorf("%w: end %s before start %s", ErrInvalidRange, end, start)
	}
	return Range{Start: s, End: e}, nil
}

func normalizeTimestamp(raw string) (time.Time, error) {
	if !strictTimestamp.MatchString(raw) {
		parsed, ok := parseISO(raw)
		if !ok {
			return time.Time{}, fmt.Errorf("%w: unparseable timestamp %q", ErrInvalidRange, raw)
		}
		raw = parsed.UTC().Format(TimestampLayout)
		if !strictTimestamp.MatchString(raw) {
			return time.Time{}, fmt.Errorf("%w: timestamp %q out of range", ErrInvalidRange, raw)
		}
	}
	t, err := time.Parse(TimestampLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidRange, err)
	}
	return t.UTC(), nil
}

func parseISO(raw string) (time.Time, bool) {
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
