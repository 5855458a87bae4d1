package consumption

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vmenergy/internal/hypervisor"
	"vmenergy/internal/logging"
	"vmenergy/internal/tsdb"
)

func TestValidateRange(t *testing.T) {
	tests := []struct {
		name       string
		start, end string
		wantStart  string
		wantErr    bool
	}{
		{"strict timestamps", "2024-07-22T12:00:00.000Z", "2024-07-22T13:00:00.000Z", "2024-07-22T12:00:00.000Z", false},
		{"seconds without millis normalized", "2024-07-22T12:00:00Z", "2024-07-22T13:00:00Z", "2024-07-22T12:00:00.000Z", false},
		{"offset converted to UTC", "2024-07-22T14:00:00+02:00", "2024-07-22T13:00:00Z", "2024-07-22T12:00:00.000Z", false},
		{"naive value taken as UTC", "2024-07-22T12:00", "2024-07-22T13:00", "2024-07-22T12:00:00.000Z", false},
		{"empty range allowed", "2024-07-22T12:00:00.000Z", "2024-07-22T12:00:00.000Z", "2024-07-22T12:00:00.000Z", false},
		{"garbage start", "yesterday", "2024-07-22T13:00:00Z", "", true},
		{"garbage end", "2024-07-22T12:00:00Z", "", "", true},
		{"inverted", "2024-07-22T13:00:00Z", "2024-07-22T12:00:00Z", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := ValidateRange(tt.start, tt.end)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidRange)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantStart, r.Start.Format(TimestampLayout))
		})
	}
}

type countingStore struct {
	*tsdb.MemoryStore
	queries int
}

func (c *countingStore) QueryRange(ctx context.Context, q tsdb.Query) ([]tsdb.Group, error) {
	c.queries++
	return c.MemoryStore.QueryRange(ctx, q)
}

var noon = time.Date(2024, 7, 22, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store *countingStore
	power *tsdb.Client
	cpu   *tsdb.Client
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	logger := logging.NewLogger(logging.LevelError)
	store := &countingStore{MemoryStore: tsdb.NewMemoryStore(tsdb.DefaultPowerBucket, tsdb.DefaultCPUBucket)}
	return fixture{
		store: store,
		power: tsdb.NewClient(store, tsdb.PowerSchema{}, logger),
		cpu:   tsdb.NewClient(store, tsdb.CPUSchema{}, logger),
	}
}

func (f fixture) energy(t *testing.T, ip string, wh float64, at time.Time, interval int) {
	t.Helper()
	require.NoError(t, f.power.Write(context.Background(), map[string]string{tsdb.TagIP: ip}, wh, at, interval))
}

func (f fixture) cpuSample(t *testing.T, server, vm, ip string, pct float64, at time.Time, interval int) {
	t.Helper()
	tags := map[string]string{tsdb.TagServerIP: server, tsdb.TagVMName: vm, tsdb.TagVMIP: ip}
	require.NoError(t, f.cpu.Write(context.Background(), tags, pct, at, interval))
}

func hour() Range { return Range{Start: noon, End: noon.Add(time.Hour)} }

func TestService_ServerEnergy(t *testing.T) {
	f := newFixture(t)
	f.energy(t, "10.0.0.5", 20, noon, 10)
	f.energy(t, "10.0.0.5", 30, noon.Add(10*time.Minute), 10)
	f.energy(t, "10.0.0.5", 50, noon.Add(20*time.Minute), 40)
	f.energy(t, "10.0.0.6", 99, noon, 60)

	svc := NewService(f.power, f.cpu, 0, logging.NewLogger(logging.LevelError), nil)
	defer svc.Close()

	total, err := svc.ServerEnergy(context.Background(), "10.0.0.5", hour())
	require.NoError(t, err)
	assert.Equal(t, 100.0, total)

	_, err = svc.ServerEnergy(context.Background(), "10.0.0.7", hour())
	assert.ErrorIs(t, err, ErrNoData)
}

func TestService_ServerCPUShares_TimeWeighted(t *testing.T) {
	f := newFixture(t)
	// web: 40% for 10 minutes, 70% for 10 minutes, 100% for 40 minutes
	f.cpuSample(t, "10.0.0.5", "web", "192.168.1.2", 40, noon, 10)
	f.cpuSample(t, "10.0.0.5", "web", "192.168.1.2", 70, noon.Add(10*time.Minute), 10)
	f.cpuSample(t, "10.0.0.5", "web", "192.168.1.2", 100, noon.Add(20*time.Minute), 40)
	f.cpuSample(t, "10.0.0.5", "orphan", hypervisor.NoIP, 30, noon, 60)
	f.cpuSample(t, "10.0.0.6", "other", "192.168.2.2", 90, noon, 60)

	svc := NewService(f.power, f.cpu, 0, logging.NewLogger(logging.LevelError), nil)
	defer svc.Close()

	shares, err := svc.ServerCPUShares(context.Background(), "10.0.0.5", hour())
	require.NoError(t, err)

	web, ok := shares.Lookup("web", "192.168.1.2")
	require.True(t, ok)
	assert.InDelta(t, 85.0, web, 1e-9)

	orphan, ok := shares.Lookup("orphan", hypervisor.NoIP)
	require.True(t, ok)
	assert.Equal(t, 30.0, orphan)

	_, ok = shares.Lookup("other", "192.168.2.2")
	assert.False(t, ok, "VM of another server must not be visible")

	_, err = svc.ServerCPUShares(context.Background(), "10.0.0.9", hour())
	assert.ErrorIs(t, err, ErrNoData)
}

type cacheCounter struct{ hits, misses int }

func (c *cacheCounter) ObserveCacheLookup(hit bool) {
	if hit {
		c.hits++
	} else {
		c.misses++
	}
}

func TestService_CachesRangeQueries(t *testing.T) {
	f := newFixture(t)
	f.energy(t, "10.0.0.5", 20, noon, 60)
	f.energy(t, "10.0.0.6", 10, noon, 60)

	counter := &cacheCounter{}
	svc := NewService(f.power, f.cpu, time.Minute, logging.NewLogger(logging.LevelError), counter)
	defer svc.Close()

	for _, ip := range []string{"10.0.0.5", "10.0.0.6", "10.0.0.5"} {
		_, err := svc.ServerEnergy(context.Background(), ip, hour())
		require.NoError(t, err)
	}

	assert.Equal(t, 1, f.store.queries)
	assert.Equal(t, 2, counter.hits)
	assert.Equal(t, 1, counter.misses)
}
