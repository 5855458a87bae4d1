// Package campaign drives repeated sampling windows: compute the next window,
// wait for it, sample, persist, advance.
package campaign

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"vmenergy/internal/clock"
	"vmenergy/internal/logging"
	"vmenergy/internal/window"
)

// Outcome is what persisting one window produced.
type Outcome struct {
	Written int
	Failed  int
}

// Task samples one window and persists the result.
type Task[B any] interface {
	Name() string
	// Sample blocks for the duration of w. It only fails on cancellation.
	Sample(ctx context.Context, w window.Window) (B, error)
	// Persist stores the batch. An error is logged and the campaign continues.
	Persist(ctx context.Context, w window.Window, batch B) (Outcome, error)
}

// Recorder receives campaign-level instrumentation.
type Recorder interface {
	ObserveIteration(campaign string, ok bool, windowEnd float64)
	ObserveSubstitution(campaign, reason string)
}

// Options configure a Runner.
type Options struct {
	Iterations int
	// Horizon is the minimum lead time between now and a window's end.
	Horizon    time.Duration
	Normalizer *window.Normalizer
	Clock      clock.Clock
	State      *StateManager
	Recorder   Recorder
	Logger     *logging.Logger
}

// Summary reports a finished run.
type Summary struct {
	RunID      string
	Iterations int
	Succeeded  int
	Failed     int
	LastWindow window.Window
}

// Runner executes a Task over consecutive windows.
type Runner[B any] struct {
	task Task[B]
	opts Options
}

// NewRunner applies defaults: one iteration, 20 minute horizon, hourly alignment.
func NewRunner[B any](task Task[B], opts Options) (*Runner[B], error) {
	if opts.Iterations < 1 {
		opts.Iterations = 1
	}
	if opts.Horizon <= 0 {
		opts.Horizon = 20 * time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Normalizer == nil {
		n, err := window.NewNormalizer(window.DefaultAlign)
		if err != nil {
			return nil, err
		}
		opts.Normalizer = n
	}
	return &Runner[B]{task: task, opts: opts}, nil
}

// Name is the task's campaign name.
func (r *Runner[B]) Name() string { return r.task.Name() }

// Run executes the configured iterations. A cancelled context ends the run
// early with ctx.Err() and the summary so far.
func (r *Runner[B]) Run(ctx context.Context) (Summary, error) {
	name := r.task.Name()
	summary := Summary{RunID: uuid.NewString()}
	logger := r.opts.Logger

	start := r.initialStart()
	logger.Info("campaign.started", "Campaign started", map[string]interface{}{
		"campaign":   name,
		"run_id":     summary.RunID,
		"iterations": r.opts.Iterations,
		"start":      start.Format(time.RFC3339),
	})

	for i := 1; i <= r.opts.Iterations; i++ {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		now := r.opts.Clock.Now()
		end := r.opts.Normalizer.NextBoundary(later(now, start).Add(r.opts.Horizon))
		w := r.opts.Normalizer.FromTimes(start, end, now)
		if w.Substituted {
			logger.Warn("campaign.window.substituted", "Requested window replaced by default", map[string]interface{}{
				"campaign": name,
				"reason":   w.Reason,
				"window":   w.String(),
			})
			if r.opts.Recorder != nil {
				r.opts.Recorder.ObserveSubstitution(name, w.Reason)
			}
		}

		if err := window.WaitUntil(ctx, r.opts.Clock, w.Start); err != nil {
			return summary, err
		}

		batch, err := r.task.Sample(ctx, w)
		if err != nil {
			return summary, err
		}

		outcome, err := r.task.Persist(ctx, w, batch)
		summary.Iterations++
		summary.LastWindow = w
		ok := err == nil
		if ok {
			summary.Succeeded++
			r.saveState(name, summary.RunID, i, w, outcome)
			logger.Info("campaign.iteration.completed", "Window sampled and stored", map[string]interface{}{
				"campaign":  name,
				"iteration": i,
				"window":    w.String(),
				"written":   outcome.Written,
			})
		} else {
			summary.Failed++
			logger.Warn("campaign.iteration.failed", "Failed to store window, continuing", map[string]interface{}{
				"campaign":  name,
				"iteration": i,
				"window":    w.String(),
				"written":   outcome.Written,
				"failed":    outcome.Failed,
				"error":     err.Error(),
			})
		}
		if r.opts.Recorder != nil {
			r.opts.Recorder.ObserveIteration(name, ok, float64(w.End.Unix()))
		}

		start = later(r.opts.Clock.Now(), w.End)
	}

	logger.Info("campaign.finished", "Campaign finished", map[string]interface{}{
		"campaign":  name,
		"run_id":    summary.RunID,
		"succeeded": summary.Succeeded,
		"failed":    summary.Failed,
	})
	return summary, nil
}

// initialStart is one minute from now, or the end of the last completed
// window when that is later.
func (r *Runner[B]) initialStart() time.Time {
	start := r.opts.Clock.Now().Add(time.Minute)
	if r.opts.State == nil {
		return start
	}

	st, err := r.opts.State.Load()
	if err != nil {
		if !errors.Is(err, ErrNoState) {
			r.opts.Logger.Warn("campaign.state.unreadable", "Ignoring unreadable campaign state", map[string]interface{}{
				"error": err.Error(),
			})
		}
		return start
	}
	return later(start, st.LastWindowEnd)
}

func (r *Runner[B]) saveState(name, runID string, iteration int, w window.Window, outcome Outcome) {
	if r.opts.State == nil {
		return
	}
	err := r.opts.State.Save(State{
		Campaign:        name,
		RunID:           runID,
		Iteration:       iteration,
		LastWindowStart: w.Start,
		LastWindowEnd:   w.End,
		Written:         outcome.Written,
		Failed:          outcome.Failed,
		UpdatedAt:       r.opts.Clock.Now(),
	})
	if err != nil {
		r.opts.Logger.Warn("campaign.state.save_failed", "Failed to save campaign state", map[string]interface{}{
			"campaign": name,
			"error":    err.Error(),
		})
	}
}

func later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
