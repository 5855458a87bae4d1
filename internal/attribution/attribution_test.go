package attribution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vmenergy/internal/consumption"
	"vmenergy/internal/logging"
	"vmenergy/internal/tsdb"
)

func TestAttribute(t *testing.T) {
	r := Attribute("10.0.0.5", 100, map[string]float64{"vm1": 50, "vm2": 25})
	assert.Equal(t, map[string]float64{"vm1": 50.0, "vm2": 25.0}, r.PerVM)
	assert.Equal(t, 100.0, r.Total)
	assert.LessOrEqual(t, r.Sum(), r.Total)

	empty := Attribute("10.0.0.5", 73, map[string]float64{})
	assert.Empty(t, empty.PerVM)
	assert.Equal(t, 73.0, empty.Total)
}

func TestServerIPFromKey(t *testing.T) {
	tests := []struct {
		key     string
		want    string
		wantErr bool
	}{
		{"srvA_20.20.20.20", "20.20.20.20", false},
		{"rack_1_10.0.0.1", "10.0.0.1", false},
		{"noseparator", "", true},
		{"trailing_", "", true},
	}
	for _, tt := range tests {
		got, err := ServerIPFromKey(tt.key)
		if tt.wantErr {
			assert.Error(t, err, tt.key)
			continue
		}
		require.NoError(t, err, tt.key)
		assert.Equal(t, tt.want, got)
	}
}

type fakeSource struct {
	energy map[string]float64
	shares map[string]consumption.Shares
	err    error
}

func (f fakeSource) ServerEnergy(_ context.Context, ip string, _ consumption.Range) (float64, error) {
	if f.err != nil {
		return 0, f.err
	}
	v, ok := f.energy[ip]
	if !ok {
		return 0, consumption.ErrNoData
	}
	return v, nil
}

func (f fakeSource) ServerCPUShares(_ context.Context, ip string, _ consumption.Range) (consumption.Shares, error) {
	s, ok := f.shares[ip]
	if !ok {
		return consumption.Shares{}, consumption.ErrNoData
	}
	return s, nil
}

const (
	hourStart = "2024-07-22T12:00:00.000Z"
	hourEnd   = "2024-07-22T13:00:00.000Z"
)

func quietLogger() *logging.Logger { return logging.NewLogger(logging.LevelError) }

func TestEngine_Aggregate(t *testing.T) {
	src := fakeSource{
		energy: map[string]float64{"1.1.1.1": 40, "2.2.2.2": 10},
		shares: map[string]consumption.Shares{
			"2.2.2.2": {
				ByIP:   map[string]float64{"1.2.3.4": 60, "1.2.3.5": 30},
				ByName: map[string]float64{"vmA": 60, "vmB": 30},
			},
		},
	}
	engine := NewEngine(src, quietLogger())

	tests := []struct {
		name      string
		resources map[string][]VM
		want      float64
	}{
		{
			name: "whole server plus one attributed VM",
			resources: map[string][]VM{
				"s1_1.1.1.1": {},
				"s2_2.2.2.2": {{Name: "vmA", IP: "1.2.3.4"}},
			},
			want: 46.0,
		},
		{
			name:      "unrequested VMs are excluded",
			resources: map[string][]VM{"s2_2.2.2.2": {{Name: "vmB", IP: "1.2.3.5"}}},
			want:      3.0,
		},
		{
			name:      "VM without CPU data contributes nothing",
			resources: map[string][]VM{"s2_2.2.2.2": {{Name: "late", IP: "9.9.9.9"}}},
			want:      0,
		},
		{
			name:      "server without CPU data reports whole server",
			resources: map[string][]VM{"s1_1.1.1.1": {{Name: "vmX", IP: "5.5.5.5"}}},
			want:      40,
		},
		{
			name:      "unknown server contributes nothing",
			resources: map[string][]VM{"s3_3.3.3.3": {}},
			want:      0,
		},
		{
			name:      "malformed key is skipped",
			resources: map[string][]VM{"broken": {}, "s1_1.1.1.1": {}},
			want:      40,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := engine.Aggregate(context.Background(), tt.resources, hourStart, hourEnd)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEngine_AggregateRounds(t *testing.T) {
	src := fakeSource{
		energy: map[string]float64{"2.2.2.2": 10},
		shares: map[string]consumption.Shares{"2.2.2.2": {ByIP: map[string]float64{"1.2.3.4": 33.33333}}},
	}
	got, err := NewEngine(src, quietLogger()).Aggregate(context.Background(),
		map[string][]VM{"s_2.2.2.2": {{Name: "vm", IP: "1.2.3.4"}}}, hourStart, hourEnd)
	require.NoError(t, err)
	assert.Equal(t, 3.333, got)
}

func TestEngine_AggregateErrors(t *testing.T) {
	_, err := NewEngine(fakeSource{}, quietLogger()).Aggregate(context.Background(), nil, "garbage", hourEnd)
	assert.ErrorIs(t, err, consumption.ErrInvalidRange)

	boom := errors.New("storage down")
	_, err = NewEngine(fakeSource{err: boom}, quietLogger()).Aggregate(context.Background(),
		map[string][]VM{"s_1.1.1.1": {}}, hourStart, hourEnd)
	assert.ErrorIs(t, err, boom)
}

func TestEngine_AggregateOverStoredSeries(t *testing.T) {
	ctx := context.Background()
	logger := quietLogger()
	store := tsdb.NewMemoryStore(tsdb.DefaultPowerBucket, tsdb.DefaultCPUBucket)
	power := tsdb.NewClient(store, tsdb.PowerSchema{}, logger)
	cpu := tsdb.NewClient(store, tsdb.CPUSchema{}, logger)

	noon := time.Date(2024, 7, 22, 12, 0, 0, 0, time.UTC)
	require.NoError(t, power.Write(ctx, map[string]string{tsdb.TagIP: "20.20.20.20"}, 200, noon, 60))
	require.NoError(t, cpu.Write(ctx, map[string]string{
		tsdb.TagServerIP: "20.20.20.20",
		tsdb.TagVMIP:     "10.10.10.10",
		tsdb.TagVMName:   "vm1",
	}, 85, noon, 60))

	svc := consumption.NewService(power, cpu, time.Minute, logger, nil)
	defer svc.Close()

	got, err := NewEngine(svc, logger).Aggregate(ctx,
		map[string][]VM{"srvA_20.20.20.20": {{Name: "vm1", IP: "10.10.10.10"}}},
		"2024-07-22T12:00:00Z", "2024-07-22T13:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, 170.0, got)
}
