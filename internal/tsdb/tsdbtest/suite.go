// Package tsdbtest holds the behaviour every tsdb.Store backend must share.
package tsdbtest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vmenergy/internal/tsdb"
)

var base = time.Date(2024, 7, 22, 12, 0, 0, 0, time.UTC)

func point(measurement, ip string, value float64, at time.Time) tsdb.Point {
	return tsdb.Point{
		Measurement: measurement,
		Tags:        map[string]string{tsdb.TagIP: ip},
		Fields:      map[string]float64{tsdb.FieldConsumption: value},
		Time:        at,
	}
}

// RunStoreSuite exercises newStore against the Store contract.
func RunStoreSuite(t *testing.T, newStore func(t *testing.T) tsdb.Store) {
	t.Run("round trip", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		want := point("10_measure", "10.0.0.5", 12.25, base)
		require.NoError(t, s.WritePoint(ctx, "energy", want))

		got, err := s.ReadAll(ctx, "energy")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, want.Measurement, got[0].Measurement)
		assert.Equal(t, want.Tags, got[0].Tags)
		assert.Equal(t, want.Fields, got[0].Fields)
		assert.True(t, want.Time.Equal(got[0].Time), "time %s != %s", got[0].Time, want.Time)
	})

	t.Run("range query sums per measurement and tag", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		require.NoError(t, s.WritePoint(ctx, "energy", point("10_measure", "a", 1, base)))
		require.NoError(t, s.WritePoint(ctx, "energy", point("10_measure", "a", 2, base.Add(10*time.Minute))))
		require.NoError(t, s.WritePoint(ctx, "energy", point("60_measure", "a", 4, base)))
		require.NoError(t, s.WritePoint(ctx, "energy", point("10_measure", "b", 8, base)))
		// stop is exclusive
		require.NoError(t, s.WritePoint(ctx, "energy", point("10_measure", "a", 16, base.Add(time.Hour))))

		groups, err := s.QueryRange(ctx, tsdb.Query{
			Bucket:  "energy",
			Field:   tsdb.FieldConsumption,
			Start:   base,
			Stop:    base.Add(time.Hour),
			GroupBy: []string{tsdb.TagIP},
		})
		require.NoError(t, err)

		sums := map[string]float64{}
		counts := map[string]int{}
		for _, g := range groups {
			key := g.Measurement + "/" + g.Tags[tsdb.TagIP]
			sums[key] = g.Sum
			counts[key] = g.Count
		}
		assert.Equal(t, map[string]float64{"10_measure/a": 3, "60_measure/a": 4, "10_measure/b": 8}, sums)
		assert.Equal(t, 2, counts["10_measure/a"])
	})

	t.Run("delete by range and measurement", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		require.NoError(t, s.WritePoint(ctx, "energy", point("10_measure", "a", 1, base)))
		require.NoError(t, s.WritePoint(ctx, "energy", point("60_measure", "a", 2, base)))
		require.NoError(t, s.WritePoint(ctx, "energy", point("10_measure", "a", 3, base.Add(2*time.Hour))))

		require.NoError(t, s.Delete(ctx, "energy", base, base.Add(time.Hour), "10_measure"))
		got, err := s.ReadAll(ctx, "energy")
		require.NoError(t, err)
		assert.Len(t, got, 2)

		require.NoError(t, s.Delete(ctx, "energy", time.Time{}, time.Time{}, ""))
		got, err = s.ReadAll(ctx, "energy")
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("buckets are isolated", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		require.NoError(t, s.WritePoint(ctx, "energy", point("10_measure", "a", 1, base)))
		require.NoError(t, s.WritePoint(ctx, "other", point("10_measure", "a", 1, base)))

		got, err := s.ReadAll(ctx, "energy")
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})
}
