package device

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultRAPLPath is the package-0 energy counter.
const DefaultRAPLPath = "/sys/class/powercap/intel-rapl/intel-rapl:0/energy_uj"

// RAPL derives package power from the energy_uj counter. Each reading is the
// average power since the previous reading.
type RAPL struct {
	mu       sync.Mutex
	path     string
	now      func() time.Time
	lastUJ   uint64
	lastTime time.Time
}

// NewRAPL checks that the counter is readable and primes the first sample.
func NewRAPL(path string, now func() time.Time) (*RAPL, error) {
	if path == "" {
		path = DefaultRAPLPath
	}
	if now == nil {
		now = time.Now
	}
	r := &RAPL{path: path, now: now}

	uj, err := r.readCounter()
	if err != nil {
		return nil, err
	}
	r.lastUJ = uj
	r.lastTime = now()
	return r, nil
}

// ReadInstantPower returns watts averaged since the last call. A counter
// wrap re-primes and reports ErrUnavailable.
func (r *RAPL) ReadInstantPower(_ context.Context) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	uj, err := r.readCounter()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	now := r.now()

	if uj < r.lastUJ {
		r.lastUJ = uj
		r.lastTime = now
		return 0, fmt.Errorf("%w: energy counter wrapped", ErrUnavailable)
	}

	elapsed := now.Sub(r.lastTime)
	if elapsed <= 0 {
		return 0, fmt.Errorf("%w: no time elapsed since previous reading", ErrUnavailable)
	}

	watts := float64(uj-r.lastUJ) / 1_000_000.0 / elapsed.Seconds()
	r.lastUJ = uj
	r.lastTime = now
	return watts, nil
}

// Close is a no-op.
func (r *RAPL) Close() error { return nil }

func (r *RAPL) readCounter() (uint64, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return 0, fmt.Errorf("failed to read RAPL: %w", err)
	}
	uj, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse RAPL value: %w", err)
	}
	return uj, nil
}
