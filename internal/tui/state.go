package tui

import (
	"fmt"
	"path/filepath"
	"time"

	"vmenergy/internal/fsutil"
	"vmenergy/internal/logging"
)

// UIStateFileName lives in the state directory next to the campaign files.
const UIStateFileName = "ui_state.json"

// UIStateManager remembers the last query so the next session starts from it.
type UIStateManager struct {
	path   string
	logger *logging.Logger
}

func NewUIStateManager(stateDir string, logger *logging.Logger) *UIStateManager {
	return &UIStateManager{path: filepath.Join(stateDir, UIStateFileName), logger: logger}
}

// Load returns the saved query. Without a file the form opens on the
// server list.
func (m *UIStateManager) Load() (*UIState, error) {
	state := &UIState{}
	found, err := fsutil.ReadJSON(m.path, state)
	if err != nil {
		return nil, fmt.Errorf("load ui state: %w", err)
	}
	if !found {
		return &UIState{CurrentScreen: ScreenServers, Updated: time.Now().UTC()}, nil
	}
	return state, nil
}

func (m *UIStateManager) Save(state *UIState) error {
	state.Updated = time.Now().UTC()
	if err := fsutil.WriteJSON(m.path, state, m.logger); err != nil {
		return fmt.Errorf("save ui state: %w", err)
	}
	m.logger.Debug("tui.state.saved", "UI state saved", map[string]interface{}{
		"screen":  state.CurrentScreen,
		"servers": len(state.Servers),
	})
	return nil
}
