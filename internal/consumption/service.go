// Package consumption answers per-server energy and per-VM CPU share queries
// over stored time series.
package consumption

import (
	"context"
	"fmt"
	"time"

	"github.com/karlseguin/ccache"

	"vmenergy/internal/hypervisor"
	"vmenergy/internal/logging"
	"vmenergy/internal/tsdb"
)

// CacheRecorder counts cache lookups.
type CacheRecorder interface {
	ObserveCacheLookup(hit bool)
}

// Shares are a server's VM CPU percentages over a range, addressable by VM IP
// or, for VMs without a known address, by name.
type Shares struct {
	ByIP   map[string]float64
	ByName map[string]float64
}

// Lookup finds a VM by IP, falling back to its name.
func (s Shares) Lookup(name, ip string) (float64, bool) {
	if ip != "" && ip != hypervisor.NoIP {
		if v, ok := s.ByIP[ip]; ok {
			return v, true
		}
	}
	v, ok := s.ByName[name]
	return v, ok
}

// Service queries the power and CPU buckets. Range results are cached for ttl
// so an aggregation over many servers issues one query per bucket.
type Service struct {
	power    *tsdb.Client
	cpu      *tsdb.Client
	cache    *ccache.Cache
	ttl      time.Duration
	logger   *logging.Logger
	recorder CacheRecorder
}

// NewService creates a Service. A non-positive ttl disables caching.
func NewService(power, cpu *tsdb.Client, ttl time.Duration, logger *logging.Logger, recorder CacheRecorder) *Service {
	return &Service{
		power:    power,
		cpu:      cpu,
		cache:    ccache.New(ccache.Configure().MaxSize(1000).ItemsToPrune(100)),
		ttl:      ttl,
		logger:   logger,
		recorder: recorder,
	}
}

// Close stops the cache's background worker.
func (s *Service) Close() {
	s.cache.Stop()
}

func (s *Service) groups(ctx context.Context, client *tsdb.Client, r Range) ([]tsdb.Group, error) {
	cacheKey := client.Schema().Bucket() + ":" + r.String()
	if s.ttl > 0 {
		cacheItem := s.cache.Get(cacheKey)
		hit := cacheItem != nil && !cacheItem.Expired()
		if s.recorder != nil {
			s.recorder.ObserveCacheLookup(hit)
		}
		if hit {
			return cacheItem.Value().([]tsdb.Group), nil
		}
	}

	groups, err := client.Range(ctx, r.Start, r.End)
	if err != nil {
		return nil, err
	}
	if s.ttl > 0 {
		s.cache.Set(cacheKey, groups, s.ttl)
	}
	return groups, nil
}

// ServerEnergy sums every stored energy value of serverIP in r, across
// sampling intervals. ErrNoData is returned when nothing is stored.
func (s *Service) ServerEnergy(ctx context.Context, serverIP string, r Range) (float64, error) {
	groups, err := s.groups(ctx, s.power, r)
	if err != nil {
		return 0, err
	}

	var (
		total float64
		found bool
	)
	for _, g := range groups {
		if g.Tags[tsdb.TagIP] != serverIP {
			continue
		}
		total += g.Sum
		found = true
	}
	if !found {
		return 0, fmt.Errorf("%w: energy for %s in %s", ErrNoData, serverIP, r)
	}
	return total, nil
}

// ServerCPUShares returns each VM's CPU percentage on serverIP over r: the
// mean of its samples weighted by their interval length. ErrNoData is
// returned when the server has no CPU samples.
func (s *Service) ServerCPUShares(ctx context.Context, serverIP string, r Range) (Shares, error) {
	groups, err := s.groups(ctx, s.cpu, r)
	if err != nil {
		return Shares{}, err
	}

	type acc struct{ weighted, weight float64 }
	byIP := map[string]*acc{}
	byName := map[string]*acc{}
	add := func(m map[string]*acc, key string, weighted, weight float64) {
		a, ok := m[key]
		if !ok {
			a = &acc{}
			m[key] = a
		}
		a.weighted += weighted
		a.weight += weight
	}

	for _, g := range groups {
		if g.Tags[tsdb.TagServerIP] != serverIP || g.Count == 0 {
			continue
		}
		interval, err := tsdb.ParseMeasurement(g.Measurement)
		if err != nil || interval <= 0 {
			interval = 1
		}
		weighted := g.Sum * float64(interval)
		weight := float64(g.Count * interval)

		if ip := g.Tags[tsdb.TagVMIP]; ip != "" && ip != hypervisor.NoIP {
			add(byIP, ip, weighted, weight)
		}
		add(byName, g.Tags[tsdb.TagVMName], weighted, weight)
	}

	if len(byName) == 0 {
		return Shares{}, fmt.Errorf("%w: cpu for %s in %s", ErrNoData, serverIP, r)
	}

	shares := Shares{ByIP: make(map[string]float64, len(byIP)), ByName: make(map[string]float64, len(byName))}
	for k, a := range byIP {
		shares.ByIP[k] = a.weighted / a.weight
	}
	for k, a := range byName {
		shares.ByName[k] = a.weighted / a.weight
	}
	return shares, nil
}
