package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vmenergy/internal/logging"
	"vmenergy/internal/tsdb"
	"vmenergy/internal/tsdb/tsdbtest"
)

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(path, logging.NewLogger(logging.LevelError))
	require.NoError(t, err)
	return s
}

func TestStore_Contract(t *testing.T) {
	tsdbtest.RunStoreSuite(t, func(t *testing.T) tsdb.Store {
		return openTestStore(t, filepath.Join(t.TempDir(), "series.db"))
	})
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "series.db")
	ctx := context.Background()
	at := time.Date(2024, 7, 22, 12, 0, 0, 0, time.UTC)

	s := openTestStore(t, path)
	require.NoError(t, s.WritePoint(ctx, "energy", tsdb.Point{
		Measurement: "60_measure",
		Tags:        map[string]string{tsdb.TagIP: "10.0.0.5"},
		Fields:      map[string]float64{tsdb.FieldConsumption: 200},
		Time:        at,
	}))
	require.NoError(t, s.Close())

	s = openTestStore(t, path)
	defer s.Close()
	points, err := s.ReadAll(ctx, "energy")
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, 200.0, points[0].Fields[tsdb.FieldConsumption])
}
