// Package tui is an interactive energy query form: pick servers, pick VMs,
// enter a date range, read the attributed energy.
package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"vmenergy/internal/attribution"
	"vmenergy/internal/consumption"
	"vmenergy/internal/inventory"
	"vmenergy/internal/logging"
	"vmenergy/internal/window"
)

const down = "down"

// Model represents the TUI application state
type Model struct {
	ctx          context.Context
	backend      Backend
	logger       *logging.Logger
	stateManager *UIStateManager
	now          func() time.Time

	screen   Screen
	previous Screen
	quitting bool
	loading  bool

	servers         []inventory.Server
	selectedServers map[string]bool
	selectedVMs     map[string]bool
	cursor          int

	start      string
	end        string
	editingEnd bool

	result    float64
	hasResult bool
	lastError string
}

type serversMsg struct {
	servers []inventory.Server
	err     error
}

type energyMsg struct {
	wh  float64
	err error
}

// NewModel restores the last query from stateDir. The default range is the
// previous full hour.
func NewModel(ctx context.Context, backend Backend, stateDir string, logger *logging.Logger) Model {
	m := Model{
		ctx:             ctx,
		backend:         backend,
		logger:          logger,
		stateManager:    NewUIStateManager(stateDir, logger),
		now:             time.Now,
		screen:          ScreenServers,
		selectedServers: map[string]bool{},
		selectedVMs:     map[string]bool{},
	}

	hour := m.now().UTC().Truncate(time.Hour)
	m.start = hour.Add(-time.Hour).Format(window.Layout)
	m.end = hour.Format(window.Layout)

	if state, err := m.stateManager.Load(); err == nil {
		for _, k := range state.Servers {
			m.selectedServers[k] = true
		}
		for _, k := range state.VMs {
			m.selectedVMs[k] = true
		}
		if state.Start != "" && state.End != "" {
			m.start, m.end = state.Start, state.End
		}
		m.lastError = state.LastError
	}
	return m
}

// Run starts the interactive program.
func Run(m Model) error {
	_, err := tea.NewProgram(m).Run()
	return err
}

// Init loads the server inventory
func (m Model) Init() tea.Cmd {
	return m.loadServers()
}

func (m Model) loadServers() tea.Cmd {
	backend, ctx := m.backend, m.ctx
	return func() tea.Msg {
		servers, err := backend.Servers(ctx)
		return serversMsg{servers: servers, err: err}
	}
}

func (m Model) queryEnergy(resources map[string][]attribution.VM, start, end string) tea.Cmd {
	backend, ctx := m.backend, m.ctx
	return func() tea.Msg {
		wh, err := backend.Energy(ctx, resources, start, end)
		return energyMsg{wh: wh, err: err}
	}
}

// Update handles messages and updates the model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case serversMsg:
		return m.applyServers(msg), nil
	case energyMsg:
		return m.applyEnergy(msg), nil
	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m Model) applyServers(msg serversMsg) Model {
	if msg.err != nil {
		m.lastError = "Failed to load servers: " + msg.err.Error()
		m.logger.Warn("tui.servers.failed", "Failed to load servers", map[string]interface{}{
			"error": msg.err.Error(),
		})
		return m
	}
	m.servers = msg.servers
	known := map[string]bool{}
	for _, s := range m.servers {
		known[s.Key()] = true
	}
	for k := range m.selectedServers {
		if !known[k] {
			delete(m.selectedServers, k)
		}
	}
	m.cursor = 0
	return m
}

func (m Model) applyEnergy(msg energyMsg) Model {
	m.loading = false
	m.screen = ScreenResult
	if msg.err != nil {
		m.hasResult = false
		m.lastError = "Query failed: " + msg.err.Error()
	} else {
		m.result = msg.wh
		m.hasResult = true
		m.lastError = ""
	}
	m.saveState()
	return m
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()

	if key == "ctrl+c" || (key == "q" && m.screen != ScreenRange) {
		m.quitting = true
		m.saveState()
		return m, tea.Quit
	}
	if m.loading {
		return m, nil
	}

	if m.screen == ScreenHelp {
		if key == "esc" || key == "?" {
			m.screen = m.previous
		}
		return m, nil
	}
	if key == "?" && m.screen != ScreenRange {
		m.previous = m.screen
		m.screen = ScreenHelp
		return m, nil
	}

	switch m.screen {
	case ScreenServers:
		return m.handleServersKey(key)
	case ScreenVMs:
		return m.handleVMsKey(key), nil
	case ScreenRange:
		return m.handleRangeKey(msg)
	case ScreenResult:
		return m.handleResultKey(key), nil
	}
	return m, nil
}

func (m Model) moveCursor(key string, n int) Model {
	if n == 0 {
		return m
	}
	switch key {
	case "up", "k":
		m.cursor = (m.cursor - 1 + n) % n
	case down, "j":
		m.cursor = (m.cursor + 1) % n
	}
	return m
}

func (m Model) handleServersKey(key string) (tea.Model, tea.Cmd) {
	switch key {
	case "up", "k", down, "j":
		return m.moveCursor(key, len(m.servers)), nil
	case " ", "x":
		if m.cursor < len(m.servers) {
			k := m.servers[m.cursor].Key()
			m.selectedServers[k] = !m.selectedServers[k]
			if !m.selectedServers[k] {
				delete(m.selectedServers, k)
			}
		}
		return m, nil
	case "a":
		all := len(m.selectedServers) == len(m.servers)
		m.selectedServers = map[string]bool{}
		if !all {
			for _, s := range m.servers {
				m.selectedServers[s.Key()] = true
			}
		}
		return m, nil
	case "r":
		return m, m.loadServers()
	case "enter":
		if len(m.selectedServers) == 0 {
			m.lastError = "Select at least one server"
			return m, nil
		}
		m.lastError = ""
		m.screen = ScreenVMs
		m.cursor = 0
		return m, nil
	}
	return m, nil
}

type vmRow struct {
	server string
	vm     inventory.VM
}

func vmKey(server, vm string) string { return server + "/" + vm }

// vmRows lists the VMs of the selected servers in inventory order.
func (m Model) vmRows() []vmRow {
	var rows []vmRow
	for _, s := range m.servers {
		if !m.selectedServers[s.Key()] {
			continue
		}
		for _, vm := range s.VMs {
			rows = append(rows, vmRow{server: s.Key(), vm: vm})
		}
	}
	return rows
}

func (m Model) handleVMsKey(key string) Model {
	rows := m.vmRows()
	switch key {
	case "up", "k", down, "j":
		return m.moveCursor(key, len(rows))
	case " ", "x":
		if m.cursor < len(rows) {
			k := vmKey(rows[m.cursor].server, rows[m.cursor].vm.Name)
			if m.selectedVMs[k] {
				delete(m.selectedVMs, k)
			} else {
				m.selectedVMs[k] = true
			}
		}
	case "esc":
		m.screen = ScreenServers
		m.cursor = 0
	case "enter":
		m.screen = ScreenRange
		m.editingEnd = false
	}
	return m
}

func (m Model) handleRangeKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	field := &m.start
	if m.editingEnd {
		field = &m.end
	}

	switch msg.Type {
	case tea.KeyEsc:
		m.screen = ScreenVMs
		m.cursor = 0
		return m, nil
	case tea.KeyTab, tea.KeyShiftTab, tea.KeyUp, tea.KeyDown:
		m.editingEnd = !m.editingEnd
		return m, nil
	case tea.KeyBackspace:
		if len(*field) > 0 {
			*field = (*field)[:len(*field)-1]
		}
		return m, nil
	case tea.KeySpace:
		*field += " "
		return m, nil
	case tea.KeyRunes:
		for _, r := range msg.Runes {
			if strings.ContainsRune("0123456789-: TZ.+", r) {
				*field += string(r)
			}
		}
		return m, nil
	case tea.KeyEnter:
		r, err := consumption.ValidateRange(m.start, m.end)
		if err != nil {
			m.lastError = err.Error()
			return m, nil
		}
		m.lastError = ""
		m.loading = true
		return m, m.queryEnergy(m.resources(), r.Start.Format(consumption.TimestampLayout), r.End.Format(consumption.TimestampLayout))
	}
	return m, nil
}

func (m Model) handleResultKey(key string) Model {
	switch key {
	case "r":
		m.screen = ScreenServers
		m.cursor = 0
		m.hasResult = false
	case "esc", "enter":
		m.screen = ScreenRange
	}
	return m
}

// resources builds the query: each selected server with its selected VMs;
// a server without selected VMs is queried whole.
func (m Model) resources() map[string][]attribution.VM {
	out := map[string][]attribution.VM{}
	for _, s := range m.servers {
		if !m.selectedServers[s.Key()] {
			continue
		}
		vms := []attribution.VM{}
		for _, vm := range s.VMs {
			if m.selectedVMs[vmKey(s.Key(), vm.Name)] {
				vms = append(vms, attribution.VM{Name: vm.Name, IP: vm.IP})
			}
		}
		out[s.Key()] = vms
	}
	return out
}

func (m Model) saveState() {
	state := &UIState{
		CurrentScreen: m.screen,
		Servers:       sortedKeys(m.selectedServers),
		VMs:           sortedKeys(m.selectedVMs),
		Start:         m.start,
		End:           m.end,
		LastError:     m.lastError,
	}
	if err := m.stateManager.Save(state); err != nil {
		m.logger.Warn("tui.state.save_failed", "Failed to save UI state", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k, ok := range set {
		if ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// View renders the current screen
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	switch m.screen {
	case ScreenVMs:
		return m.renderVMs()
	case ScreenRange:
		return m.renderRange()
	case ScreenResult:
		return m.renderResult()
	case ScreenHelp:
		return m.renderHelp()
	default:
		return m.renderServers()
	}
}

func formatWh(wh float64) string {
	if wh >= 1000 {
		return fmt.Sprintf("%.3f kWh", wh/1000)
	}
	return fmt.Sprintf("%.3f Wh", wh)
}
