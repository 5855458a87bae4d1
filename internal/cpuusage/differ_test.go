package cpuusage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"vmenergy/internal/clock"
	"vmenergy/internal/logging"
	"vmenergy/internal/window"
)

type scriptedHypervisor struct {
	snapshots []map[string]uint64
	calls     int
}

func (h *scriptedHypervisor) ListRunningVMs(context.Context) ([]string, error) {
	return []string{"web-01", "db-01"}, nil
}

func (h *scriptedHypervisor) IPAddress(context.Context, string) (string, error) {
	return "10.0.0.1", nil
}

func (h *scriptedHypervisor) CPUTimeCounters(context.Context) (map[string]uint64, error) {
	i := h.calls
	h.calls++
	if i >= len(h.snapshots) || h.snapshots[i] == nil {
		return nil, errors.New("virsh unavailable")
	}
	out := make(map[string]uint64, len(h.snapshots[i]))
	for k, v := range h.snapshots[i] {
		out[k] = v
	}
	return out, nil
}

func TestPercentageDelta(t *testing.T) {
	tests := []struct {
		name     string
		a, b     map[string]uint64
		interval time.Duration
		want     map[string]float64
	}{
		{
			name:     "unchanged counter is idle",
			a:        map[string]uint64{"vm1": 5e9},
			b:        map[string]uint64{"vm1": 5e9},
			interval: time.Minute,
			want:     map[string]float64{"vm1": 0},
		},
		{
			name:     "one busy second per second is 100 percent",
			a:        map[string]uint64{"vm1": 0},
			b:        map[string]uint64{"vm1": 60e9},
			interval: time.Minute,
			want:     map[string]float64{"vm1": 100},
		},
		{
			name:     "two busy vCPUs exceed 100",
			a:        map[string]uint64{"vm1": 0},
			b:        map[string]uint64{"vm1": 120e9},
			interval: time.Minute,
			want:     map[string]float64{"vm1": 200},
		},
		{
			name:     "vm missing from first snapshot is skipped",
			a:        map[string]uint64{"vm1": 0},
			b:        map[string]uint64{"vm1": 30e9, "vm2": 10e9},
			interval: time.Minute,
			want:     map[string]float64{"vm1": 50},
		},
		{
			name:     "counter reset goes negative",
			a:        map[string]uint64{"vm1": 60e9},
			b:        map[string]uint64{"vm1": 30e9},
			interval: time.Minute,
			want:     map[string]float64{"vm1": -50},
		},
		{
			name:     "zero interval yields nothing",
			a:        map[string]uint64{"vm1": 0},
			b:        map[string]uint64{"vm1": 1},
			interval: 0,
			want:     map[string]float64{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PercentageDelta(tt.a, tt.b, tt.interval)
			if len(got) != len(tt.want) {
				t.Fatalf("PercentageDelta() = %v, want %v", got, tt.want)
			}
			for vm, want := range tt.want {
				if got[vm] != want {
					t.Errorf("%s = %v, want %v", vm, got[vm], want)
				}
			}
		})
	}
}

func TestPercentageDelta_ShortIntervals(t *testing.T) {
	idle := PercentageDelta(map[string]uint64{"A": 1000}, map[string]uint64{"A": 1000}, 10*time.Second)
	assert.Equal(t, map[string]float64{"A": 0}, idle)

	busy := PercentageDelta(map[string]uint64{"A": 1000}, map[string]uint64{"A": 1e9}, time.Second)
	assert.Len(t, busy, 1)
	assert.InDelta(t, 99.9999, busy["A"], 1e-6)
}

func TestSnapshotAll_TrackedFilter(t *testing.T) {
	hv := &scriptedHypervisor{snapshots: []map[string]uint64{{"web-01": 1, "db-01": 2, "scratch": 3}}}
	d := NewDiffer(hv, clock.NewMockClock(time.Unix(0, 0)), logging.NewLogger(logging.LevelError), []string{"web-01", "db-01"})

	snap, err := d.SnapshotAll(context.Background())
	if err != nil {
		t.Fatalf("SnapshotAll() error = %v", err)
	}
	if len(snap.Counters) != 2 {
		t.Errorf("counters = %v, want only tracked VMs", snap.Counters)
	}
	if _, ok := snap.Counters["scratch"]; ok {
		t.Error("untracked VM reported")
	}
}

func TestSampleSeries(t *testing.T) {
	start := time.Date(2024, 7, 22, 13, 0, 0, 0, time.UTC)
	hv := &scriptedHypervisor{snapshots: []map[string]uint64{
		{"web-01": 0, "db-01": 0},
		{"web-01": 300e9, "db-01": 60e9},  // 10 min: 50%, 10%
		nil,                               // failed snapshot
		{"web-01": 600e9, "db-01": 180e9}, // 20 min: 25%, 10%
	}}
	c := clock.NewMockClock(start.Add(-time.Minute))
	d := NewDiffer(hv, c, logging.NewLogger(logging.LevelError), nil)

	series, err := d.SampleSeries(context.Background(), window.Window{Start: start, End: start.Add(30 * time.Minute)}, 10)
	if err != nil {
		t.Fatalf("SampleSeries() error = %v", err)
	}

	web := series["web-01"]
	if len(web) != 2 {
		t.Fatalf("web-01 points = %v, want 2", web)
	}
	if web[0].Percent != 50 || web[0].Minutes != 10 || !web[0].Start.Equal(start) {
		t.Errorf("first point = %+v", web[0])
	}
	if web[1].Percent != 25 || web[1].Minutes != 20 || !web[1].Start.Equal(start.Add(10*time.Minute)) {
		t.Errorf("second point = %+v", web[1])
	}
	if db := series["db-01"]; len(db) != 2 || db[1].Percent != 10 {
		t.Errorf("db-01 points = %v", db)
	}
	if !c.Now().Equal(start.Add(30 * time.Minute)) {
		t.Errorf("clock at %s, want window end", c.Now())
	}
}

func TestSampleSeries_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Date(2024, 7, 22, 13, 0, 0, 0, time.UTC)
	d := NewDiffer(&scriptedHypervisor{}, clock.NewMockClock(start.Add(-time.Minute)), logging.NewLogger(logging.LevelError), nil)

	if _, err := d.SampleSeries(ctx, window.Window{Start: start, End: start.Add(time.Hour)}, 10); !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}
