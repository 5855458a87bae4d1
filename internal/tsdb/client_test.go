package tsdb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vmenergy/internal/clock"
	"vmenergy/internal/logging"
	"vmenergy/internal/retry"
)

var t0 = time.Date(2024, 7, 22, 12, 0, 0, 0, time.UTC)

func testLogger() *logging.Logger { return logging.NewLogger(logging.LevelError) }

type recordingObserver struct{ points []Point }

func (o *recordingObserver) Observe(_ context.Context, _ string, p Point) {
	o.points = append(o.points, p)
}

type flakyStore struct {
	*MemoryStore
	failures int
}

func (s *flakyStore) WritePoint(ctx context.Context, bucket string, p Point) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("connection refused")
	}
	return s.MemoryStore.WritePoint(ctx, bucket, p)
}

func TestClient_PowerRoundTrip(t *testing.T) {
	store := NewMemoryStore(DefaultPowerBucket)
	obs := &recordingObserver{}
	c := NewClient(store, PowerSchema{}, testLogger(), WithObserver(obs))
	ctx := context.Background()

	require.NoError(t, c.Write(ctx, map[string]string{TagIP: "10.0.0.5"}, 12.5, t0, 10))
	require.NoError(t, c.Write(ctx, map[string]string{TagIP: "10.0.0.5"}, 7.5, t0.Add(10*time.Minute), 10))
	require.NoError(t, c.Write(ctx, map[string]string{TagIP: "10.0.0.6"}, 3, t0.Add(10*time.Minute), 10))
	// outside range
	require.NoError(t, c.Write(ctx, map[string]string{TagIP: "10.0.0.5"}, 100, t0.Add(time.Hour), 10))

	groups, err := c.Range(ctx, t0, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, groups, 2)

	byIP := map[string]Group{}
	for _, g := range groups {
		byIP[g.Tags[TagIP]] = g
	}
	assert.Equal(t, 20.0, byIP["10.0.0.5"].Sum)
	assert.Equal(t, 2, byIP["10.0.0.5"].Count)
	assert.Equal(t, "10_measure", byIP["10.0.0.5"].Measurement)
	assert.Equal(t, 3.0, byIP["10.0.0.6"].Sum)

	assert.Len(t, obs.points, 4)
}

func TestClient_CPUGroupsByAllTags(t *testing.T) {
	store := NewMemoryStore()
	c := NewClient(store, CPUSchema{}, testLogger())
	ctx := context.Background()

	tags := func(vm, ip string) map[string]string {
		return map[string]string{TagServerIP: "10.0.0.5", TagVMName: vm, TagVMIP: ip}
	}
	require.NoError(t, c.Write(ctx, tags("web", "192.168.1.2"), 40, t0, 10))
	require.NoError(t, c.Write(ctx, tags("web", "192.168.1.2"), 60, t0.Add(10*time.Minute), 10))
	require.NoError(t, c.Write(ctx, tags("db", "192.168.1.3"), 15, t0, 30))

	groups, err := c.Range(ctx, t0, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, groups, 2)

	for _, g := range groups {
		switch g.Tags[TagVMName] {
		case "web":
			assert.Equal(t, 100.0, g.Sum)
			assert.Equal(t, "10_measure", g.Measurement)
		case "db":
			assert.Equal(t, 15.0, g.Sum)
			assert.Equal(t, "30_measure", g.Measurement)
		default:
			t.Errorf("unexpected group %+v", g)
		}
	}
}

func TestClient_MissingTag(t *testing.T) {
	c := NewClient(NewMemoryStore(), CPUSchema{}, testLogger())
	err := c.Write(context.Background(), map[string]string{TagServerIP: "10.0.0.5"}, 1, t0, 10)
	assert.ErrorIs(t, err, ErrMissingTag)
}

func TestClient_IntervalPolicy(t *testing.T) {
	tests := []struct {
		name     string
		schema   Schema
		tags     map[string]string
		interval int
		want     string
	}{
		{"power in range", PowerSchema{}, map[string]string{TagIP: "a"}, 60, "60_measure"},
		{"power above range", PowerSchema{}, map[string]string{TagIP: "a"}, 75, "0_measure"},
		{"cpu negative", CPUSchema{}, map[string]string{TagServerIP: "a", TagVMIP: "b", TagVMName: "c"}, -3, "10_measure"},
		{"cpu zero kept", CPUSchema{}, map[string]string{TagServerIP: "a", TagVMIP: "b", TagVMName: "c"}, 0, "0_measure"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMemoryStore()
			c := NewClient(store, tt.schema, testLogger())
			require.NoError(t, c.Write(context.Background(), tt.tags, 1, t0, tt.interval))

			points, err := c.Dump(context.Background())
			require.NoError(t, err)
			require.Len(t, points, 1)
			assert.Equal(t, tt.want, points[0].Measurement)
		})
	}
}

func TestClient_WriteRetries(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), failures: 2}
	policy := retry.Policy{Attempts: 3, Delay: time.Second, Clock: clock.NewMockClock(t0)}
	c := NewClient(store, PowerSchema{}, testLogger(), WithRetry(policy))

	require.NoError(t, c.Write(context.Background(), map[string]string{TagIP: "a"}, 1, t0, 10))

	store.failures = 5
	assert.Error(t, c.Write(context.Background(), map[string]string{TagIP: "a"}, 1, t0, 10))
}

func TestClient_Purge(t *testing.T) {
	store := NewMemoryStore()
	c := NewClient(store, PowerSchema{}, testLogger())
	ctx := context.Background()

	require.NoError(t, c.Write(ctx, map[string]string{TagIP: "a"}, 1, t0, 10))
	require.NoError(t, c.Write(ctx, map[string]string{TagIP: "a"}, 2, t0, 60))
	require.NoError(t, c.Write(ctx, map[string]string{TagIP: "a"}, 3, t0.Add(2*time.Hour), 10))

	require.NoError(t, c.Purge(ctx, t0, t0.Add(time.Hour), 10))
	points, err := c.Dump(ctx)
	require.NoError(t, err)
	assert.Len(t, points, 2)

	require.NoError(t, c.Purge(ctx, time.Time{}, time.Time{}, -1))
	points, err = c.Dump(ctx)
	require.NoError(t, err)
	assert.Empty(t, points)
}

func TestMemoryStore_UnknownBucket(t *testing.T) {
	_, err := NewMemoryStore().QueryRange(context.Background(), Query{Bucket: "nope"})
	assert.ErrorIs(t, err, ErrUnknownBucket)
}

func TestParseMeasurement(t *testing.T) {
	minutes, err := ParseMeasurement(MeasurementName(15))
	require.NoError(t, err)
	assert.Equal(t, 15, minutes)

	_, err = ParseMeasurement("cpu")
	assert.Error(t, err)
	_, err = ParseMeasurement("x_measure")
	assert.Error(t, err)
}
