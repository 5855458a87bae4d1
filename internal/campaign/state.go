package campaign

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"vmenergy/internal/fsutil"
	"vmenergy/internal/logging"
)

// ErrNoState is returned by Load when no campaign has completed a window yet.
var ErrNoState = errors.New("no campaign state")

// State is what a campaign remembers between runs: the end of the last
// completed window seeds the next run.
type State struct {
	Campaign        string    `json:"campaign"`
	RunID           string    `json:"run_id"`
	Iteration       int       `json:"iteration"`
	LastWindowStart time.Time `json:"last_window_start"`
	LastWindowEnd   time.Time `json:"last_window_end"`
	Written         int       `json:"written"`
	Failed          int       `json:"failed"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// StateManager persists State as JSON.
type StateManager struct {
	filePath string
	logger   *logging.Logger
}

// NewStateManager stores state at filePath.
func NewStateManager(filePath string, logger *logging.Logger) *StateManager {
	return &StateManager{
		filePath: filePath,
		logger:   logger,
	}
}

// StatePath is <dir>/<campaign>_campaign.json.
func StatePath(dir, campaign string) string {
	return filepath.Join(dir, campaign+"_campaign.json")
}

// Save writes the state atomically.
func (sm *StateManager) Save(state State) error {
	if err := fsutil.WriteJSON(sm.filePath, state, sm.logger); err != nil {
		return fmt.Errorf("save campaign state: %w", err)
	}
	sm.logger.Debug("campaign.state.saved", "Campaign state saved", map[string]interface{}{
		"path":      sm.filePath,
		"iteration": state.Iteration,
	})
	return nil
}

// Load reads the state, returning ErrNoState when the file does not exist.
func (sm *StateManager) Load() (State, error) {
	var state State
	found, err := fsutil.ReadJSON(sm.filePath, &state)
	if err != nil {
		return State{}, fmt.Errorf("load campaign state: %w", err)
	}
	if !found {
		return State{}, ErrNoState
	}
	return state, nil
}

// Delete removes the state file
func (sm *StateManager) Delete() error {
	if err := os.Remove(sm.filePath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to delete state file: %w", err)
	}
	return nil
}
