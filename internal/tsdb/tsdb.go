// Package tsdb stores power and CPU samples as tagged time series and answers
// summed range queries over them. Backends implement Store; Client applies a
// measurement Schema on top.
package tsdb

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
)

var (
	// ErrUnknownBucket is returned when a bucket was never configured.
	ErrUnknownBucket = errors.New("unknown bucket")
	// ErrMissingTag is returned when a point lacks a tag its schema requires.
	ErrMissingTag = errors.New("missing required tag")
)

// Point is one stored sample.
type Point struct {
	Measurement string             `json:"measurement"`
	Tags        map[string]string  `json:"tags"`
	Fields      map[string]float64 `json:"fields"`
	Time        time.Time          `json:"time"`
}

// Query selects points in [Start, Stop) of one field and groups them by
// measurement plus GroupBy tags.
type Query struct {
	Bucket  string
	Field   string
	Start   time.Time
	Stop    time.Time
	GroupBy []string
}

// Group is the sum and count of a field over one group.
type Group struct {
	Measurement string
	Tags        map[string]string
	Sum         float64
	Count       int
}

// Store is a time-series backend.
type Store interface {
	WritePoint(ctx context.Context, bucket string, p Point) error
	QueryRange(ctx context.Context, q Query) ([]Group, error)
	// Delete removes points in [start, stop); an empty measurement matches all.
	Delete(ctx context.Context, bucket string, start, stop time.Time, measurement string) error
	// ReadAll returns every point in the bucket in write order.
	ReadAll(ctx context.Context, bucket string) ([]Point, error)
	Close() error
}

// Aggregate groups points the way QueryRange does. Backends without native
// grouping share it.
func Aggregate(points []Point, q Query) []Group {
	groups := make(map[string]*Group)
	var order []string

	for _, p := range points {
		if !InRange(p.Time, q.Start, q.Stop) {
			continue
		}
		value, ok := p.Fields[q.Field]
		if !ok {
			continue
		}

		tags := make(map[string]string, len(q.GroupBy))
		for _, k := range q.GroupBy {
			tags[k] = p.Tags[k]
		}
		key := groupKey(p.Measurement, tags, q.GroupBy)

		g, ok := groups[key]
		if !ok {
			g = &Group{Measurement: p.Measurement, Tags: tags}
			groups[key] = g
			order = append(order, key)
		}
		g.Sum += value
		g.Count++
	}

	sort.Strings(order)
	out := make([]Group, 0, len(order))
	for _, key := range order {
		out = append(out, *groups[key])
	}
	return out
}

// InRange reports whether t lies in [start, stop). A zero bound is open.
func InRange(t, start, stop time.Time) bool {
	if !start.IsZero() && t.Before(start) {
		return false
	}
	if !stop.IsZero() && !t.Before(stop) {
		return false
	}
	return true
}

func groupKey(measurement string, tags map[string]string, keys []string) string {
	var b strings.Builder
	b.WriteString(measurement)
	for _, k := range keys {
		b.WriteByte(0)
		b.WriteString(tags[k])
	}
	return b.String()
}
