package influx

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/query"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vmenergy/internal/logging"
	"vmenergy/internal/tsdb"
)

func TestRangeFlux(t *testing.T) {
	q := tsdb.Query{
		Bucket:  "cpu_percentages",
		Field:   tsdb.FieldCPU,
		Start:   time.Date(2024, 7, 22, 12, 0, 0, 0, time.UTC),
		Stop:    time.Date(2024, 7, 22, 13, 0, 0, 0, time.UTC),
		GroupBy: []string{tsdb.TagServerIP, tsdb.TagVMIP, tsdb.TagVMName},
	}

	flux := RangeFlux(q)
	assert.Contains(t, flux, `from(bucket: "cpu_percentages")`)
	assert.Contains(t, flux, `range(start: 2024-07-22T12:00:00Z, stop: 2024-07-22T13:00:00Z)`)
	assert.Contains(t, flux, `r._field == "cpu_utilisation"`)
	assert.Contains(t, flux, `group(columns: ["_measurement", "server_ip", "vm_ip", "vm_name"])`)
	assert.Contains(t, flux, `reduce(`)
}

func TestRangeFlux_OpenBounds(t *testing.T) {
	flux := RangeFlux(tsdb.Query{Bucket: "energy_consumptions", Field: tsdb.FieldConsumption})
	assert.Contains(t, flux, "start: 1970-01-01T00:00:00Z")
	assert.Contains(t, flux, "stop: 2100-01-01T00:00:00Z")
}

func TestGroupFromValues(t *testing.T) {
	g, err := groupFromValues(map[string]interface{}{
		"_measurement": "60_measure",
		"ip":           "10.0.0.5",
		"sum":          200.0,
		"count":        int64(1),
	}, []string{tsdb.TagIP})
	require.NoError(t, err)
	assert.Equal(t, tsdb.Group{Measurement: "60_measure", Tags: map[string]string{"ip": "10.0.0.5"}, Sum: 200, Count: 1}, g)

	_, err = groupFromValues(map[string]interface{}{"sum": "x", "count": int64(1)}, nil)
	assert.Error(t, err)
}

func TestPointFromRecord(t *testing.T) {
	at := time.Date(2024, 7, 22, 12, 0, 0, 0, time.UTC)
	rec := query.NewFluxRecord(0, map[string]interface{}{
		"result":       "_result",
		"table":        int64(0),
		"_start":       at,
		"_stop":        at,
		"_time":        at,
		"_measurement": "10_measure",
		"_field":       "consumption",
		"_value":       12.5,
		"ip":           "10.0.0.5",
	})

	p := pointFromRecord(rec)
	assert.Equal(t, "10_measure", p.Measurement)
	assert.Equal(t, map[string]string{"ip": "10.0.0.5"}, p.Tags)
	assert.Equal(t, map[string]float64{"consumption": 12.5}, p.Fields)
	assert.True(t, p.Time.Equal(at))
}

func TestStore_WritePointLineProtocol(t *testing.T) {
	var (
		mu    sync.Mutex
		lines []string
		path  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		path = r.URL.Path + "?" + r.URL.RawQuery
		lines = append(lines, strings.TrimSpace(string(body)))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := influxdb2.NewClient(srv.URL, "token")
	s := New(client, "lab", logging.NewLogger(logging.LevelError))
	defer s.Close()

	err := s.WritePoint(context.Background(), "energy_consumptions", tsdb.Point{
		Measurement: "10_measure",
		Tags:        map[string]string{"ip": "10.0.0.5"},
		Fields:      map[string]float64{"consumption": 12.5},
		Time:        time.Unix(1721649600, 0),
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, lines, 1)
	assert.Equal(t, "10_measure,ip=10.0.0.5 consumption=12.5 1721649600000000000", lines[0])
	assert.Contains(t, path, "/api/v2/write")
	assert.Contains(t, path, "bucket=energy_consumptions")
}
