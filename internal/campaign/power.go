package campaign

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vmenergy/internal/logging"
	"vmenergy/internal/power"
	"vmenergy/internal/tsdb"
	"vmenergy/internal/window"
)

// EnergyRecorder publishes per-period energy.
type EnergyRecorder interface {
	ObservePeriodEnergy(serverIP string, intervalMinutes int, wh float64)
}

// PowerTask samples the metered outlet and stores energy per period.
type PowerTask struct {
	Sampler          *power.Sampler
	Client           *tsdb.Client
	ServerIP         string
	PeriodMinutes    int
	SamplesPerMinute int
	Recorder         EnergyRecorder
	Logger           *logging.Logger
}

func (t *PowerTask) Name() string { return "power" }

func (t *PowerTask) Sample(ctx context.Context, w window.Window) (power.Run, error) {
	return t.Sampler.SampleAcrossPeriods(ctx, w, t.PeriodMinutes, t.SamplesPerMinute)
}

// Persist writes every period; failed writes are collected and reported together.
func (t *PowerTask) Persist(ctx context.Context, w window.Window, run power.Run) (Outcome, error) {
	var (
		outcome Outcome
		errs    []error
	)
	for _, s := range run.Samples {
		err := t.Client.Write(ctx, map[string]string{tsdb.TagIP: t.ServerIP}, s.EnergyWh, s.Timestamp, s.IntervalMinutes)
		if err != nil {
			outcome.Failed++
			errs = append(errs, fmt.Errorf("period %s: %w", s.Timestamp.Format(time.RFC3339), err))
			continue
		}
		outcome.Written++
		if t.Recorder != nil {
			t.Recorder.ObservePeriodEnergy(t.ServerIP, s.IntervalMinutes, s.EnergyWh)
		}
	}

	t.Logger.Info("power.window.sampled", "Energy sampled", map[string]interface{}{
		"window":          w.String(),
		"total_wh":        run.TotalWh,
		"periods":         len(run.Samples),
		"failed_readings": run.FailedReadings,
	})
	return outcome, errors.Join(errs...)
}
