package campaign

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vmenergy/internal/clock"
	"vmenergy/internal/consumption"
	"vmenergy/internal/cpuusage"
	"vmenergy/internal/hypervisor"
	"vmenergy/internal/logging"
	"vmenergy/internal/power"
	"vmenergy/internal/tsdb"
	"vmenergy/internal/window"
)

type constantDevice struct{ watts float64 }

func (d constantDevice) ReadInstantPower(context.Context) (float64, error) { return d.watts, nil }
func (d constantDevice) Close() error                                      { return nil }

type fakeHypervisor struct {
	counters []map[string]uint64
	calls    int
	ips      map[string]string
}

func (h *fakeHypervisor) ListRunningVMs(context.Context) ([]string, error) {
	names := make([]string, 0, len(h.ips))
	for vm := range h.ips {
		names = append(names, vm)
	}
	return names, nil
}

func (h *fakeHypervisor) IPAddress(_ context.Context, vm string) (string, error) {
	ip := h.ips[vm]
	if ip == "" {
		return hypervisor.NoIP, errors.New("no lease")
	}
	return ip, nil
}

func (h *fakeHypervisor) CPUTimeCounters(context.Context) (map[string]uint64, error) {
	i := h.calls
	if i >= len(h.counters) {
		i = len(h.counters) - 1
	}
	h.calls++
	out := map[string]uint64{}
	for k, v := range h.counters[i] {
		out[k] = v
	}
	return out, nil
}

type failingStore struct{ *tsdb.MemoryStore }

func (failingStore) WritePoint(context.Context, string, tsdb.Point) error {
	return errors.New("bucket not found")
}

type energyRecorder struct{ last float64 }

func (r *energyRecorder) ObservePeriodEnergy(_ string, _ int, wh float64) { r.last = wh }

func quietLogger() *logging.Logger { return logging.NewLogger(logging.LevelError) }

func TestPowerCampaign_EndToEnd(t *testing.T) {
	c := clock.NewMockClock(halfPast)
	store := tsdb.NewMemoryStore()
	client := tsdb.NewClient(store, tsdb.PowerSchema{}, quietLogger())
	rec := &energyRecorder{}

	task := &PowerTask{
		Sampler:          power.NewSampler(constantDevice{watts: 120}, c, quietLogger()),
		Client:           client,
		ServerIP:         "10.0.0.5",
		PeriodMinutes:    10,
		SamplesPerMinute: 2,
		Recorder:         rec,
		Logger:           quietLogger(),
	}
	runner, err := NewRunner[power.Run](task, Options{
		Iterations: 2,
		Horizon:    20 * time.Minute,
		Clock:      c,
		State:      NewStateManager(filepath.Join(t.TempDir(), "power_campaign.json"), quietLogger()),
		Logger:     quietLogger(),
	})
	require.NoError(t, err)

	summary, err := runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Succeeded)

	points, err := client.Dump(context.Background())
	require.NoError(t, err)
	// [12:31,13:00) in 10+10+9 minutes, then [13:00,14:00) in six periods
	require.Len(t, points, 9)
	assert.Equal(t, "9_measure", points[2].Measurement)
	assert.Equal(t, 18.0, points[2].Fields[tsdb.FieldConsumption])
	assert.Equal(t, "10.0.0.5", points[0].Tags[tsdb.TagIP])
	assert.Equal(t, 20.0, rec.last)

	groups, err := client.Range(context.Background(),
		time.Date(2024, 7, 22, 13, 0, 0, 0, time.UTC),
		time.Date(2024, 7, 22, 14, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, 120.0, groups[0].Sum)
}

func TestPowerTask_PersistFailure(t *testing.T) {
	c := clock.NewMockClock(halfPast)
	task := &PowerTask{
		Sampler:  power.NewSampler(constantDevice{watts: 60}, c, quietLogger()),
		Client:   tsdb.NewClient(failingStore{tsdb.NewMemoryStore()}, tsdb.PowerSchema{}, quietLogger()),
		ServerIP: "10.0.0.5",
		Logger:   quietLogger(),
	}

	run := power.Run{Samples: []power.Sample{
		{Timestamp: halfPast, EnergyWh: 1, IntervalMinutes: 10},
		{Timestamp: halfPast.Add(10 * time.Minute), EnergyWh: 1, IntervalMinutes: 10},
	}}
	outcome, err := task.Persist(context.Background(), windowAt(halfPast), run)
	assert.Error(t, err)
	assert.Equal(t, Outcome{Failed: 2}, outcome)
}

func TestCPUTask_TagsAndMissingIP(t *testing.T) {
	c := clock.NewMockClock(halfPast)
	hv := &fakeHypervisor{
		counters: []map[string]uint64{
			{"web": 0, "batch": 0},
			{"web": 300e9, "batch": 600e9},
		},
		ips: map[string]string{"web": "192.168.1.2", "batch": ""},
	}
	store := tsdb.NewMemoryStore()
	task := &CPUTask{
		Differ:          cpuusage.NewDiffer(hv, c, quietLogger(), nil),
		Hypervisor:      hv,
		Client:          tsdb.NewClient(store, tsdb.CPUSchema{}, quietLogger()),
		ServerIP:        "10.0.0.5",
		IntervalMinutes: 30,
		Logger:          quietLogger(),
	}

	w := windowAt(halfPast.Add(time.Minute))
	batch, err := task.Sample(context.Background(), w)
	require.NoError(t, err)

	outcome, err := task.Persist(context.Background(), w, batch)
	require.NoError(t, err)
	assert.Equal(t, 2, outcome.Written)

	points, err := store.ReadAll(context.Background(), tsdb.DefaultCPUBucket)
	require.NoError(t, err)
	require.Len(t, points, 2)

	byVM := map[string]tsdb.Point{}
	for _, p := range points {
		byVM[p.Tags[tsdb.TagVMName]] = p
	}
	assert.Equal(t, hypervisor.NoIP, byVM["batch"].Tags[tsdb.TagVMIP])
	assert.Equal(t, 33.33, round2(byVM["batch"].Fields[tsdb.FieldCPU]))
	assert.Equal(t, "192.168.1.2", byVM["web"].Tags[tsdb.TagVMIP])
	assert.Equal(t, "10.0.0.5", byVM["web"].Tags[tsdb.TagServerIP])
	assert.Equal(t, "30_measure", byVM["web"].Measurement)
}

func TestCPUTask_MergedPointKeepsItsWeight(t *testing.T) {
	noon := time.Date(2024, 7, 22, 12, 0, 0, 0, time.UTC)
	store := tsdb.NewMemoryStore()
	client := tsdb.NewClient(store, tsdb.CPUSchema{}, quietLogger())
	task := &CPUTask{Client: client, ServerIP: "10.0.0.5", IntervalMinutes: 60, Logger: quietLogger()}

	// the 14:00 snapshot failed, so the second point covers 13:00 to 14:20
	batch := CPUBatch{
		Series: cpuusage.Series{"web": {
			{Start: noon, Minutes: 60, Percent: 50},
			{Start: noon.Add(time.Hour), Minutes: 80, Percent: 10},
		}},
		IPs: map[string]string{"web": "192.168.1.2"},
	}
	outcome, err := task.Persist(context.Background(), window.Window{Start: noon, End: noon.Add(140 * time.Minute)}, batch)
	require.NoError(t, err)
	assert.Equal(t, 3, outcome.Written)

	points, err := client.Dump(context.Background())
	require.NoError(t, err)
	measurements := map[string]int{}
	for _, p := range points {
		measurements[p.Measurement]++
	}
	assert.Equal(t, map[string]int{"60_measure": 2, "20_measure": 1}, measurements)

	svc := consumption.NewService(nil, client, 0, quietLogger(), nil)
	defer svc.Close()
	shares, err := svc.ServerCPUShares(context.Background(), "10.0.0.5",
		consumption.Range{Start: noon, End: noon.Add(3 * time.Hour)})
	require.NoError(t, err)
	share, ok := shares.Lookup("web", "192.168.1.2")
	require.True(t, ok)
	assert.InDelta(t, 27.143, share, 0.001)
}

func TestSplitPoint(t *testing.T) {
	start := time.Date(2024, 7, 22, 13, 0, 0, 0, time.UTC)

	got := splitPoint(cpuusage.Point{Start: start, Minutes: 130, Percent: 12}, 60)
	want := []cpuusage.Point{
		{Start: start, Minutes: 60, Percent: 12},
		{Start: start.Add(time.Hour), Minutes: 60, Percent: 12},
		{Start: start.Add(2 * time.Hour), Minutes: 10, Percent: 12},
	}
	assert.Equal(t, want, got)

	short := cpuusage.Point{Start: start, Minutes: 60, Percent: 12}
	assert.Equal(t, []cpuusage.Point{short}, splitPoint(short, 60))
}

func windowAt(start time.Time) window.Window {
	return window.Window{Start: start, End: start.Add(30 * time.Minute), PeriodLength: 30 * time.Minute}
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}
