// Package influx stores time series in InfluxDB 2.x buckets.
package influx

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/query"

	"vmenergy/internal/logging"
	"vmenergy/internal/tsdb"
)

var (
	epoch   = time.Unix(0, 0).UTC()
	horizon = time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC)
)

// Store implements tsdb.Store against an InfluxDB organisation.
type Store struct {
	client influxdb2.Client
	org    string
	logger *logging.Logger
}

// Open connects and pings the server. Failure to reach it is fatal for callers.
func Open(ctx context.Context, url, token, org string, logger *logging.Logger) (*Store, error) {
	client := influxdb2.NewClientWithOptions(url, token, influxdb2.DefaultOptions().SetHTTPRequestTimeout(10))
	ok, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach InfluxDB at %s: %w", url, err)
	}
	if !ok {
		client.Close()
		return nil, fmt.Errorf("InfluxDB at %s is not ready", url)
	}
	logger.Info("tsdb.influx.connected", "Connected to InfluxDB", map[string]interface{}{
		"url": url,
		"org": org,
	})
	return &Store{client: client, org: org, logger: logger}, nil
}

// New wraps an existing client without pinging it.
func New(client influxdb2.Client, org string, logger *logging.Logger) *Store {
	return &Store{client: client, org: org, logger: logger}
}

func (s *Store) WritePoint(ctx context.Context, bucket string, p tsdb.Point) error {
	fields := make(map[string]interface{}, len(p.Fields))
	for k, v := range p.Fields {
		fields[k] = v
	}
	point := influxdb2.NewPoint(p.Measurement, p.Tags, fields, p.Time.UTC())
	if err := s.client.WriteAPIBlocking(s.org, bucket).WritePoint(ctx, point); err != nil {
		return fmt.Errorf("failed to write to %s: %w", bucket, err)
	}
	return nil
}

func (s *Store) QueryRange(ctx context.Context, q tsdb.Query) ([]tsdb.Group, error) {
	result, err := s.client.QueryAPI(s.org).Query(ctx, RangeFlux(q))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", q.Bucket, err)
	}
	defer result.Close()

	var groups []tsdb.Group
	for result.Next() {
		g, err := groupFromValues(result.Record().Values(), q.GroupBy)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s results: %w", q.Bucket, err)
	}
	return groups, nil
}

func (s *Store) Delete(ctx context.Context, bucket string, start, stop time.Time, measurement string) error {
	if start.IsZero() {
		start = epoch
	}
	if stop.IsZero() {
		stop = horizon
	}
	predicate := ""
	if measurement != "" {
		predicate = fmt.Sprintf(`_measurement=%q`, measurement)
	}
	if err := s.client.DeleteAPI().DeleteWithName(ctx, s.org, bucket, start.UTC(), stop.UTC(), predicate); err != nil {
		return fmt.Errorf("failed to delete from %s: %w", bucket, err)
	}
	return nil
}

func (s *Store) ReadAll(ctx context.Context, bucket string) ([]tsdb.Point, error) {
	flux := fmt.Sprintf(`from(bucket: %q)
  |> range(start: %s)
  |> group()
  |> sort(columns: ["_time"])`, bucket, epoch.Format(time.RFC3339))

	result, err := s.client.QueryAPI(s.org).Query(ctx, flux)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", bucket, err)
	}
	defer result.Close()

	var points []tsdb.Point
	for result.Next() {
		points = append(points, pointFromRecord(result.Record()))
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s results: %w", bucket, err)
	}
	return points, nil
}

func (s *Store) Close() error {
	s.client.Close()
	return nil
}

// RangeFlux builds the query behind QueryRange: filter to the field, group by
// measurement plus tags, then reduce to sum and count.
func RangeFlux(q tsdb.Query) string {
	start, stop := q.Start, q.Stop
	if start.IsZero() {
		start = epoch
	}
	if stop.IsZero() {
		stop = horizon
	}

	columns := make([]string, 0, len(q.GroupBy)+1)
	columns = append(columns, strconv.Quote("_measurement"))
	for _, k := range q.GroupBy {
		columns = append(columns, strconv.Quote(k))
	}

	return fmt.Sprintf(`from(bucket: %q)
  |> range(start: %s, stop: %s)
  |> filter(fn: (r) => r._field == %q)
  |> group(columns: [%s])
  |> reduce(identity: {sum: 0.0, count: 0}, fn: (r, accumulator) => ({sum: accumulator.sum + r._value, count: accumulator.count + 1}))`,
		q.Bucket,
		start.UTC().Format(time.RFC3339Nano),
		stop.UTC().Format(time.RFC3339Nano),
		q.Field,
		strings.Join(columns, ", "))
}

func groupFromValues(values map[string]interface{}, groupBy []string) (tsdb.Group, error) {
	g := tsdb.Group{Tags: make(map[string]string, len(groupBy))}

	measurement, _ := values["_measurement"].(string)
	g.Measurement = measurement
	for _, k := range groupBy {
		v, _ := values[k].(string)
		g.Tags[k] = v
	}

	switch sum := values["sum"].(type) {
	case float64:
		g.Sum = sum
	case int64:
		g.Sum = float64(sum)
	default:
		return g, fmt.Errorf("unexpected sum column %T", values["sum"])
	}
	switch count := values["count"].(type) {
	case int64:
		g.Count = int(count)
	case float64:
		g.Count = int(count)
	default:
		return g, fmt.Errorf("unexpected count column %T", values["count"])
	}
	return g, nil
}

func pointFromRecord(rec *query.FluxRecord) tsdb.Point {
	p := tsdb.Point{
		Measurement: rec.Measurement(),
		Tags:        map[string]string{},
		Fields:      map[string]float64{},
		Time:        rec.Time().UTC(),
	}
	if v, ok := rec.Value().(float64); ok {
		p.Fields[rec.Field()] = v
	}

	keys := make([]string, 0, len(rec.Values()))
	for k := range rec.Values() {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.HasPrefix(k, "_") || k == "result" || k == "table" {
			continue
		}
		if v, ok := rec.Values()[k].(string); ok {
			p.Tags[k] = v
		}
	}
	return p
}
