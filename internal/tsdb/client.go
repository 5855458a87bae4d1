package tsdb

import (
	"context"
	"fmt"
	"time"

	"vmenergy/internal/logging"
	"vmenergy/internal/retry"
)

// Observer sees every point after it is stored.
type Observer interface {
	Observe(ctx context.Context, bucket string, p Point)
}

// WriteRecorder counts write outcomes per bucket.
type WriteRecorder interface {
	ObserveWrite(bucket string, ok bool)
}

// Client writes and queries one bucket according to its Schema.
type Client struct {
	store     Store
	schema    Schema
	logger    *logging.Logger
	retry     retry.Policy
	observers []Observer
	recorder  WriteRecorder
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithRetry retries failed writes under p.
func WithRetry(p retry.Policy) ClientOption {
	return func(c *Client) { c.retry = p }
}

// WithObserver registers an observer for stored points.
func WithObserver(o Observer) ClientOption {
	return func(c *Client) { c.observers = append(c.observers, o) }
}

// WithWriteRecorder reports write outcomes to r.
func WithWriteRecorder(r WriteRecorder) ClientOption {
	return func(c *Client) { c.recorder = r }
}

// NewClient binds store to schema.
func NewClient(store Store, schema Schema, logger *logging.Logger, opts ...ClientOption) *Client {
	c := &Client{store: store, schema: schema, logger: logger, retry: retry.Policy{Attempts: 1}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Schema returns the client's schema.
func (c *Client) Schema() Schema { return c.schema }

// Write stores value at the given time under the measurement for
// intervalMinutes. Every schema tag must be present. Out-of-range intervals
// are replaced per the schema and logged.
func (c *Client) Write(ctx context.Context, tags map[string]string, value float64, at time.Time, intervalMinutes int) error {
	for _, k := range c.schema.TagKeys() {
		if _, ok := tags[k]; !ok {
			return fmt.Errorf("%w: %s", ErrMissingTag, k)
		}
	}

	interval, ok := c.schema.Interval(intervalMinutes)
	if !ok {
		c.logger.Warn("tsdb.interval.replaced", "Interval out of range, stored with fallback", map[string]interface{}{
			"bucket":    c.schema.Bucket(),
			"requested": intervalMinutes,
			"stored":    interval,
		})
	}

	p := Point{
		Measurement: MeasurementName(interval),
		Tags:        tags,
		Fields:      map[string]float64{c.schema.Field(): value},
		Time:        at.UTC(),
	}

	bucket := c.schema.Bucket()
	err := c.retry.Do(ctx, "write "+bucket, func(ctx context.Context) error {
		return c.store.WritePoint(ctx, bucket, p)
	})
	if c.recorder != nil {
		c.recorder.ObserveWrite(bucket, err == nil)
	}
	if err != nil {
		return fmt.Errorf("failed to write point to %s: %w", bucket, err)
	}

	for _, o := range c.observers {
		o.Observe(ctx, bucket, p)
	}
	return nil
}

// Range sums the schema field over [start, stop) grouped by measurement and
// the schema tags.
func (c *Client) Range(ctx context.Context, start, stop time.Time) ([]Group, error) {
	groups, err := c.store.QueryRange(ctx, Query{
		Bucket:  c.schema.Bucket(),
		Field:   c.schema.Field(),
		Start:   start.UTC(),
		Stop:    stop.UTC(),
		GroupBy: c.schema.TagKeys(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", c.schema.Bucket(), err)
	}
	return groups, nil
}

// Purge deletes points in [start, stop). A negative interval matches every measurement.
func (c *Client) Purge(ctx context.Context, start, stop time.Time, intervalMinutes int) error {
	measurement := ""
	if intervalMinutes >= 0 {
		measurement = MeasurementName(intervalMinutes)
	}
	if err := c.store.Delete(ctx, c.schema.Bucket(), start.UTC(), stop.UTC(), measurement); err != nil {
		return fmt.Errorf("failed to purge %s: %w", c.schema.Bucket(), err)
	}
	c.logger.Info("tsdb.purged", "Deleted points", map[string]interface{}{
		"bucket":      c.schema.Bucket(),
		"start":       start.UTC().Format(time.RFC3339),
		"stop":        stop.UTC().Format(time.RFC3339),
		"measurement": measurement,
	})
	return nil
}

// Dump returns every stored point of the bucket.
func (c *Client) Dump(ctx context.Context) ([]Point, error) {
	return c.store.ReadAll(ctx, c.schema.Bucket())
}
