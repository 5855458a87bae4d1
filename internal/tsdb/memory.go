package tsdb

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps points in memory. Buckets are created on first write.
type MemoryStore struct {
	mu      sync.RWMutex
	buckets map[string][]Point
}

// NewMemoryStore creates an empty store with the given buckets.
func NewMemoryStore(buckets ...string) *MemoryStore {
	s := &MemoryStore{buckets: make(map[string][]Point)}
	for _, b := range buckets {
		s.buckets[b] = nil
	}
	return s
}

func (s *MemoryStore) WritePoint(_ context.Context, bucket string, p Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets[bucket] = append(s.buckets[bucket], clonePoint(p))
	return nil
}

func (s *MemoryStore) QueryRange(_ context.Context, q Query) ([]Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	points, ok := s.buckets[q.Bucket]
	if !ok {
		return nil, ErrUnknownBucket
	}
	return Aggregate(points, q), nil
}

func (s *MemoryStore) Delete(_ context.Context, bucket string, start, stop time.Time, measurement string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	points, ok := s.buckets[bucket]
	if !ok {
		return ErrUnknownBucket
	}
	s.buckets[bucket] = Retain(points, start, stop, measurement)
	return nil
}

func (s *MemoryStore) ReadAll(_ context.Context, bucket string) ([]Point, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	points, ok := s.buckets[bucket]
	if !ok {
		return nil, ErrUnknownBucket
	}
	out := make([]Point, len(points))
	for i, p := range points {
		out[i] = clonePoint(p)
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

// Retain returns the points a Delete over [start, stop) leaves behind.
func Retain(points []Point, start, stop time.Time, measurement string) []Point {
	kept := points[:0:0]
	for _, p := range points {
		if InRange(p.Time, start, stop) && (measurement == "" || p.Measurement == measurement) {
			continue
		}
		kept = append(kept, p)
	}
	return kept
}

func clonePoint(p Point) Point {
	out := Point{Measurement: p.Measurement, Time: p.Time}
	out.Tags = make(map[string]string, len(p.Tags))
	for k, v := range p.Tags {
		out.Tags[k] = v
	}
	out.Fields = make(map[string]float64, len(p.Fields))
	for k, v := range p.Fields {
		out.Fields[k] = v
	}
	return out
}
