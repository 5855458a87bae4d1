package cpuusage

import (
	"context"
	"math"
	"time"

	"vmenergy/internal/clock"
	"vmenergy/internal/hypervisor"
	"vmenergy/internal/logging"
	"vmenergy/internal/window"
)

// Snapshot is the cumulative CPU time of each VM at one instant.
type Snapshot struct {
	Taken    time.Time
	Counters map[string]uint64
}

// Point is one VM's CPU percentage over an interval starting at Start.
type Point struct {
	Start   time.Time
	Minutes int
	Percent float64
}

// Series maps a VM name to its points in time order.
type Series map[string][]Point

// Differ turns successive CPU-time snapshots into utilisation percentages.
type Differ struct {
	hv      hypervisor.Hypervisor
	clock   clock.Clock
	logger  *logging.Logger
	tracked map[string]bool
}

// NewDiffer creates a Differ. When tracked is non-empty only those VMs are reported.
func NewDiffer(hv hypervisor.Hypervisor, c clock.Clock, logger *logging.Logger, tracked []string) *Differ {
	if c == nil {
		c = clock.RealClock{}
	}
	d := &Differ{hv: hv, clock: c, logger: logger}
	if len(tracked) > 0 {
		d.tracked = make(map[string]bool, len(tracked))
		for _, vm := range tracked {
			d.tracked[vm] = true
		}
	}
	return d
}

// SnapshotAll reads the CPU-time counter of every running VM.
func (d *Differ) SnapshotAll(ctx context.Context) (Snapshot, error) {
	counters, err := d.hv.CPUTimeCounters(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	if d.tracked != nil {
		for vm := range counters {
			if !d.tracked[vm] {
				delete(counters, vm)
			}
		}
	}
	return Snapshot{Taken: d.clock.Now(), Counters: counters}, nil
}

// PercentageDelta computes (b - a) / interval * 100 for every VM present in
// both snapshots. Counters are nanoseconds; a VM with several busy vCPUs can
// exceed 100. A non-positive interval yields no values.
func PercentageDelta(a, b map[string]uint64, interval time.Duration) map[string]float64 {
	out := make(map[string]float64, len(b))
	if interval <= 0 {
		return out
	}
	for vm, after := range b {
		before, ok := a[vm]
		if !ok {
			continue
		}
		delta := float64(int64(after - before))
		out[vm] = delta / float64(interval.Nanoseconds()) * 100
	}
	return out
}

// Delta is PercentageDelta with counter resets reported. Negative values are
// passed through unchanged.
func (d *Differ) Delta(a, b Snapshot, interval time.Duration) map[string]float64 {
	out := PercentageDelta(a.Counters, b.Counters, interval)
	for vm, pct := range out {
		if pct < 0 {
			d.logger.Warn("cpu.counter.reset", "CPU time went backwards, VM likely restarted", map[string]interface{}{
				"vm":      vm,
				"percent": pct,
			})
		}
	}
	return out
}

// SampleSeries snapshots at the start of w and at the end of each period of
// intervalMinutes, emitting one point per VM per period. A failed snapshot is
// skipped; the next successful one then covers the longer span.
func (d *Differ) SampleSeries(ctx context.Context, w window.Window, intervalMinutes int) (Series, error) {
	series := make(Series)
	periods := window.Split(w, intervalMinutes)
	if len(periods) == 0 {
		return series, nil
	}

	if err := window.WaitUntil(ctx, d.clock, w.Start); err != nil {
		return series, err
	}

	var (
		base      *Snapshot
		baseStart = w.Start
	)
	if snap, err := d.SnapshotAll(ctx); err == nil {
		base = &snap
	} else {
		d.logSnapshotFailure(err)
	}

	for _, p := range periods {
		if err := window.WaitUntil(ctx, d.clock, p.End); err != nil {
			return series, err
		}

		snap, err := d.SnapshotAll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return series, ctx.Err()
			}
			d.logSnapshotFailure(err)
			continue
		}

		if base != nil {
			span := p.End.Sub(baseStart)
			for vm, pct := range d.Delta(*base, snap, span) {
				series[vm] = append(series[vm], Point{
					Start:   baseStart.UTC(),
					Minutes: int(math.Round(span.Minutes())),
					Percent: pct,
				})
			}
		}
		base = &snap
		baseStart = p.End
	}

	return series, nil
}

func (d *Differ) logSnapshotFailure(err error) {
	d.logger.Warn("cpu.snapshot.failed", "CPU snapshot skipped", map[string]interface{}{
		"error": err.Error(),
	})
}
