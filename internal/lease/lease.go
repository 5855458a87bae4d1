// Package lease keeps a single sampling agent per state directory. Two agents
// metering the same server would write every period twice.
package lease

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"vmenergy/internal/clock"
	"vmenergy/internal/fsutil"
	"vmenergy/internal/logging"
)

const (
	// FileName is the lease file inside the state directory
	FileName = "agent_lease.json"

	// DefaultTimeout is how long an unrenewed lease stays valid
	DefaultTimeout = 5 * time.Minute
)

// ErrHeld is returned when another live holder owns the lease.
var ErrHeld = errors.New("lease held by another agent")

// Info is the persisted lease.
type Info struct {
	Holder    string    `json:"holder"`
	ServerIP  string    `json:"server_ip"`
	SinceTS   time.Time `json:"since_ts"`
	RenewedTS time.Time `json:"renewed_ts"`
}

// Manager manages the lease file
type Manager struct {
	stateDir string
	timeout  time.Duration
	clock    clock.Clock
	logger   *logging.Logger
}

// NewManager creates a lease manager with DefaultTimeout.
func NewManager(stateDir string, c clock.Clock, logger *logging.Logger) *Manager {
	if c == nil {
		c = clock.RealClock{}
	}
	return &Manager{stateDir: stateDir, timeout: DefaultTimeout, clock: c, logger: logger}
}

// DefaultHolder identifies this process as host:pid.
func DefaultHolder() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

func (m *Manager) path() string {
	return filepath.Join(m.stateDir, FileName)
}

func (m *Manager) stale(info *Info) bool {
	return m.clock.Since(info.RenewedTS) > m.timeout
}

// Acquire takes the lease for holder. A stale lease is taken over; a live
// lease of another holder fails with ErrHeld.
func (m *Manager) Acquire(holder, serverIP string) (*Handle, error) {
	if holder == "" {
		return nil, fmt.Errorf("empty lease holder")
	}

	existing, err := m.load()
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read existing lease: %w", err)
	}

	now := m.clock.Now().UTC()
	since := now
	if existing != nil {
		switch {
		case existing.Holder == holder:
			since = existing.SinceTS
		case m.stale(existing):
			m.logger.Warn("lease.stale_taken", "Taking over stale agent lease", map[string]interface{}{
				"previous_holder": existing.Holder,
				"age_seconds":     m.clock.Since(existing.RenewedTS).Seconds(),
			})
		default:
			return nil, fmt.Errorf("%w: %s (renewed %s ago)", ErrHeld, existing.Holder,
				m.clock.Since(existing.RenewedTS).Round(time.Second))
		}
	}

	info := &Info{Holder: holder, ServerIP: serverIP, SinceTS: since, RenewedTS: now}
	if err := m.save(info); err != nil {
		return nil, err
	}

	m.logger.Info("lease.acquired", "Agent lease acquired", map[string]interface{}{
		"holder":    holder,
		"server_ip": serverIP,
	})
	return &Handle{manager: m, holder: holder}, nil
}

func (m *Manager) renew(holder string) error {
	existing, err := m.load()
	if err != nil {
		return fmt.Errorf("failed to read lease: %w", err)
	}
	if existing.Holder != holder {
		return fmt.Errorf("%w: %s", ErrHeld, existing.Holder)
	}
	existing.RenewedTS = m.clock.Now().UTC()
	return m.save(existing)
}

func (m *Manager) release(holder string) error {
	existing, err := m.load()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read lease: %w", err)
	}
	if existing.Holder != holder {
		return fmt.Errorf("cannot release lease held by %s", existing.Holder)
	}
	if err := os.Remove(m.path()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lease file: %w", err)
	}
	m.logger.Info("lease.released", "Agent lease released", map[string]interface{}{
		"holder": holder,
	})
	return nil
}

// ForceUnlock removes the lease regardless of holder and returns what it
// removed, nil when there was none.
func (m *Manager) ForceUnlock() (*Info, error) {
	existing, err := m.load()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read lease: %w", err)
	}
	if err := os.Remove(m.path()); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove lease file: %w", err)
	}
	m.logger.Warn("lease.stolen", "Agent lease forcibly removed", map[string]interface{}{
		"previous_holder": existing.Holder,
		"age_seconds":     m.clock.Since(existing.RenewedTS).Seconds(),
	})
	return existing, nil
}

// Status returns the current lease and whether it is live. A missing lease
// is (nil, false, nil).
func (m *Manager) Status() (*Info, bool, error) {
	info, err := m.load()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read lease: %w", err)
	}
	return info, !m.stale(info), nil
}

func (m *Manager) load() (*Info, error) {
	data, err := os.ReadFile(m.path())
	if err != nil {
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to unmarshal lease: %w", err)
	}
	return &info, nil
}

func (m *Manager) save(info *Info) error {
	return fsutil.WriteJSON(m.path(), info, m.logger)
}

// Handle is a held lease.
type Handle struct {
	manager *Manager
	holder  string
}

// Holder returns the holder name.
func (h *Handle) Holder() string { return h.holder }

// Renew extends the lease.
func (h *Handle) Renew() error { return h.manager.renew(h.holder) }

// Release gives the lease up.
func (h *Handle) Release() error { return h.manager.release(h.holder) }
