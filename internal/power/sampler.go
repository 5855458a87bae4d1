package power

import (
	"context"
	"math"
	"time"

	"vmenergy/internal/clock"
	"vmenergy/internal/device"
	"vmenergy/internal/logging"
	"vmenergy/internal/window"
)

// DefaultMargin is shaved off each inter-reading pause to absorb the time the
// reading itself takes.
const DefaultMargin = 10 * time.Millisecond

// Sample is the energy consumed during one sampling period.
type Sample struct {
	Timestamp       time.Time
	EnergyWh        float64
	IntervalMinutes int
	Readings        int
	FailedReadings  int
}

// Energy is the result of sampling over a duration.
type Energy struct {
	Wh             float64
	Readings       int
	FailedReadings int
}

// Run is the outcome of sampling a whole window.
type Run struct {
	Samples        []Sample
	TotalWh        float64
	FailedReadings int
}

// Observer is notified of every reading attempt.
type Observer interface {
	ObserveReading(ok bool)
}

// Sampler turns instantaneous power readings into energy per period.
type Sampler struct {
	device   device.Device
	clock    clock.Clock
	logger   *logging.Logger
	observer Observer
	margin   time.Duration
}

// Option configures a Sampler.
type Option func(*Sampler)

// WithObserver reports reading outcomes to o.
func WithObserver(o Observer) Option {
	return func(s *Sampler) { s.observer = o }
}

// WithMargin overrides DefaultMargin.
func WithMargin(d time.Duration) Option {
	return func(s *Sampler) { s.margin = d }
}

// NewSampler creates a sampler reading from dev.
func NewSampler(dev device.Device, c clock.Clock, logger *logging.Logger, opts ...Option) *Sampler {
	if c == nil {
		c = clock.RealClock{}
	}
	s := &Sampler{device: dev, clock: c, logger: logger, margin: DefaultMargin}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SampleInstant takes one reading in watts. A failed reading returns an
// error wrapping device.ErrUnavailable and is safe to skip.
func (s *Sampler) SampleInstant(ctx context.Context) (float64, error) {
	watts, err := s.device.ReadInstantPower(ctx)
	if s.observer != nil {
		s.observer.ObserveReading(err == nil)
	}
	if err != nil {
		s.logger.Warn("power.reading.failed", "Power reading skipped", map[string]interface{}{
			"error": err.Error(),
		})
		return 0, err
	}
	return watts, nil
}

// SampleOverMinutes samples for duration, taking samplesPerMinute readings
// each minute. Each minute contributes its average wattage / 60 Wh; a trailing
// partial minute takes proportionally fewer readings and contributes its
// average scaled by the fraction. Minutes without a successful reading
// contribute nothing. Only cancellation is returned as an error.
func (s *Sampler) SampleOverMinutes(ctx context.Context, duration time.Duration, samplesPerMinute int) (Energy, error) {
	if samplesPerMinute < 1 {
		samplesPerMinute = 1
	}
	if samplesPerMinute > 60 {
		samplesPerMinute = 60
	}
	gap := time.Minute/time.Duration(samplesPerMinute) - s.margin
	if gap < 0 {
		gap = 0
	}

	var total Energy
	whole := int(duration / time.Minute)
	for m := 0; m < whole; m++ {
		e, err := s.sampleMinute(ctx, samplesPerMinute, gap, 1.0)
		total.add(e)
		if err != nil {
			return total, err
		}
	}

	if frac := duration - time.Duration(whole)*time.Minute; frac > 0 {
		fraction := frac.Minutes()
		readings := int(math.Ceil(fraction * float64(samplesPerMinute)))
		e, err := s.sampleMinute(ctx, readings, gap, fraction)
		total.add(e)
		if err != nil {
			return total, err
		}
	}

	return total, nil
}

func (s *Sampler) sampleMinute(ctx context.Context, readings int, gap time.Duration, fraction float64) (Energy, error) {
	var (
		e   Energy
		sum float64
	)
	for i := 0; i < readings; i++ {
		watts, err := s.SampleInstant(ctx)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return e, ctxErr
		}
		if err != nil {
			e.FailedReadings++
		} else {
			sum += watts
			e.Readings++
		}
		if err := s.clock.Sleep(ctx, gap); err != nil {
			return e, err
		}
	}
	if e.Readings > 0 {
		e.Wh = sum / float64(e.Readings) * fraction / 60.0
	}
	return e, nil
}

func (e *Energy) add(other Energy) {
	e.Wh += other.Wh
	e.Readings += other.Readings
	e.FailedReadings += other.FailedReadings
}

// SampleAcrossPeriods splits w into periods of periodMinutes (see window.Split)
// and samples each one in turn, waiting for each period's start.
func (s *Sampler) SampleAcrossPeriods(ctx context.Context, w window.Window, periodMinutes, samplesPerMinute int) (Run, error) {
	var run Run
	for _, p := range window.Split(w, periodMinutes) {
		if err := window.WaitUntil(ctx, s.clock, p.Start); err != nil {
			return run, err
		}

		e, err := s.SampleOverMinutes(ctx, p.Duration(), samplesPerMinute)
		sample := Sample{
			Timestamp:       p.Start.UTC(),
			EnergyWh:        e.Wh,
			IntervalMinutes: int(math.Round(p.Duration().Minutes())),
			Readings:        e.Readings,
			FailedReadings:  e.FailedReadings,
		}
		if err != nil {
			return run, err
		}

		run.Samples = append(run.Samples, sample)
		run.TotalWh += sample.EnergyWh
		run.FailedReadings += sample.FailedReadings

		s.logger.Debug("power.period.sampled", "Sampled power period", map[string]interface{}{
			"start":     sample.Timestamp.Format(time.RFC3339),
			"minutes":   sample.IntervalMinutes,
			"energy_wh": sample.EnergyWh,
			"failed":    sample.FailedReadings,
		})
	}
	return run, nil
}
