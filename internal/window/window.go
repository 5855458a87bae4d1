package window

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"vmenergy/internal/clock"
)

const (
	// Layout is the minute-precision format accepted for raw window bounds.
	Layout = "2006-01-02 15:04"
	// PastTolerance is how far in the past a start may lie before the window is replaced.
	PastTolerance = 2 * time.Minute
	// DefaultAlign aligns default windows to full hours.
	DefaultAlign = "0 * * * *"
)

// Substitution reasons reported on a normalized window.
const (
	ReasonUnparseable = "unparseable bounds"
	ReasonInverted    = "start after end"
	ReasonStale       = "start too far in the past"
)

// Window is a sampling window [Start, End). PeriodLength is the length of the
// sub-windows a campaign samples; a freshly normalized window is a single period.
type Window struct {
	Start        time.Time
	End          time.Time
	PeriodLength time.Duration
	// Substituted is set when the requested bounds were replaced by the default window.
	Substituted bool
	Reason      string
}

// Duration is End - Start.
func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// Minutes is the duration rounded down to whole minutes.
func (w Window) Minutes() int {
	return int(w.Duration() / time.Minute)
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.Format(Layout), w.End.Format(Layout))
}

// Normalizer validates requested windows and produces the default window when
// a request is unusable. Default windows run from the next aligned boundary to
// the boundary after it.
type Normalizer struct {
	schedule  cron.Schedule
	tolerance time.Duration
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NewNormalizer builds a Normalizer aligned to the given cron spec.
func NewNormalizer(align string) (*Normalizer, error) {
	if align == "" {
		align = DefaultAlign
	}
	schedule, err := parser.Parse(align)
	if err != nil {
		return nil, fmt.Errorf("invalid alignment schedule %q: %w", align, err)
	}
	return &Normalizer{schedule: schedule, tolerance: PastTolerance}, nil
}

// ValidateAlign reports whether align is a parseable cron spec.
func ValidateAlign(align string) error {
	_, err := NewNormalizer(align)
	return err
}

var hourly, _ = NewNormalizer(DefaultAlign)

// Normalize validates raw bounds against the hourly default, interpreting
// them in now's location.
func Normalize(rawStart, rawEnd string, now time.Time) Window {
	return hourly.Normalize(rawStart, rawEnd, now)
}

// Normalize parses rawStart and rawEnd in Layout. The default window is returned,
// flagged as substituted, when either fails to parse, start is after end, or
// start lies more than PastTolerance before now.
func (n *Normalizer) Normalize(rawStart, rawEnd string, now time.Time) Window {
	loc := now.Location()
	start, errStart := time.ParseInLocation(Layout, rawStart, loc)
	end, errEnd := time.ParseInLocation(Layout, rawEnd, loc)
	if errStart != nil || errEnd != nil {
		return n.substitute(now, ReasonUnparseable)
	}
	return n.check(start, end, now)
}

// FromTimes applies the same validation to already computed bounds, truncated
// to the minute.
func (n *Normalizer) FromTimes(start, end, now time.Time) Window {
	return n.check(start.Truncate(time.Minute), end.Truncate(time.Minute), now)
}

func (n *Normalizer) check(start, end, now time.Time) Window {
	if start.After(end) {
		return n.substitute(now, ReasonInverted)
	}
	if start.Before(now.Add(-n.tolerance)) {
		return n.substitute(now, ReasonStale)
	}
	return Window{Start: start, End: end, PeriodLength: end.Sub(start)}
}

// Default is the window from the next boundary after now to the one after that.
func (n *Normalizer) Default(now time.Time) Window {
	start := n.schedule.Next(now)
	end := n.schedule.Next(start)
	return Window{Start: start, End: end, PeriodLength: end.Sub(start)}
}

// NextBoundary is the first aligned boundary strictly after t.
func (n *Normalizer) NextBoundary(t time.Time) time.Time {
	return n.schedule.Next(t)
}

func (n *Normalizer) substitute(now time.Time, reason string) Window {
	w := n.Default(now)
	w.Substituted = true
	w.Reason = reason
	return w
}

// EffectivePeriod is the period length Split will use for a window of the given
// duration: the desired length, shortened to half the window (whole minutes,
// at least one) when it does not fit.
func EffectivePeriod(duration time.Duration, desiredMinutes int) time.Duration {
	if desiredMinutes < 1 {
		desiredMinutes = 1
	}
	period := time.Duration(desiredMinutes) * time.Minute
	if period > duration {
		half := int(duration/time.Minute) / 2
		if half < 1 {
			half = 1
		}
		period = time.Duration(half) * time.Minute
	}
	return period
}

// Split tiles w into consecutive periods of the effective period length. A
// non-zero remainder becomes a final shorter period. Periods are contiguous,
// non-overlapping, and cover [Start, End) exactly. A zero-length window has no periods.
func Split(w Window, desiredMinutes int) []Window {
	duration := w.Duration()
	if duration <= 0 {
		return nil
	}
	period := EffectivePeriod(duration, desiredMinutes)

	periods := make([]Window, 0, int(duration/period)+1)
	cursor := w.Start
	for !cursor.Add(period).After(w.End) {
		next := cursor.Add(period)
		periods = append(periods, Window{Start: cursor, End: next, PeriodLength: period})
		cursor = next
	}
	if cursor.Before(w.End) {
		periods = append(periods, Window{Start: cursor, End: w.End, PeriodLength: w.End.Sub(cursor)})
	}
	return periods
}

// WaitUntil blocks until t, returning immediately when t is not in the future.
func WaitUntil(ctx context.Context, c clock.Clock, t time.Time) error {
	d := t.Sub(c.Now())
	if d <= 0 {
		return ctx.Err()
	}
	return c.Sleep(ctx, d)
}
