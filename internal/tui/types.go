package tui

import (
	"context"
	"time"

	"vmenergy/internal/attribution"
	"vmenergy/internal/inventory"
)

// Screen is one step of the query form
type Screen string

const (
	// ScreenServers selects servers
	ScreenServers Screen = "servers"
	// ScreenVMs selects VMs of the chosen servers
	ScreenVMs Screen = "vms"
	// ScreenRange edits the date range
	ScreenRange Screen = "range"
	// ScreenResult shows the computed energy
	ScreenResult Screen = "result"
	// ScreenHelp shows key bindings
	ScreenHelp Screen = "help"
)

// Backend answers the form's queries, either in-process or over HTTP.
type Backend interface {
	Servers(ctx context.Context) ([]inventory.Server, error)
	Energy(ctx context.Context, resources map[string][]attribution.VM, start, end string) (float64, error)
}

// UIState is the persisted form: the last query and any error.
type UIState struct {
	CurrentScreen Screen    `json:"screen"`
	Servers       []string  `json:"servers"`
	VMs           []string  `json:"vms"`
	Start         string    `json:"start"`
	End           string    `json:"end"`
	LastError     string    `json:"last_error"`
	Updated       time.Time `json:"updated"`
}
