// Package attribution divides a server's measured energy across its VMs by
// CPU share.
package attribution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"vmenergy/internal/consumption"
	"vmenergy/internal/logging"
)

// Result is one server's energy split per VM. It is never persisted.
type Result struct {
	ServerIP string
	PerVM    map[string]float64
	Total    float64
	// Missing lists requested VMs without CPU data; they contribute 0.
	Missing []string
}

// Sum adds the attributed energy of every VM in PerVM.
func (r Result) Sum() float64 {
	var s float64
	for _, v := range r.PerVM {
		s += v
	}
	return s
}

// Attribute computes perVM[vm] = totalWh * percent / 100. Empty shares yield
// an empty PerVM; the caller reports the server total undivided.
func Attribute(serverIP string, totalWh float64, shares map[string]float64) Result {
	r := Result{ServerIP: serverIP, PerVM: make(map[string]float64, len(shares)), Total: totalWh}
	for vm, pct := range shares {
		r.PerVM[vm] = totalWh * pct / 100
	}
	return r
}

// VM identifies a requested VM as the query surface sends it.
type VM struct {
	Name string
	IP   string
}

// Source is the storage-backed query side the engine reads from.
type Source interface {
	ServerEnergy(ctx context.Context, serverIP string, r consumption.Range) (float64, error)
	ServerCPUShares(ctx context.Context, serverIP string, r consumption.Range) (consumption.Shares, error)
}

// Engine aggregates attributed energy over many servers.
type Engine struct {
	source Source
	logger *logging.Logger
}

// NewEngine creates an Engine over source.
func NewEngine(source Source, logger *logging.Logger) *Engine {
	return &Engine{source: source, logger: logger}
}

// ServerIPFromKey extracts the IP from a "name_ip" server key. The name may
// itself contain underscores.
func ServerIPFromKey(key string) (string, error) {
	i := strings.LastIndex(key, "_")
	if i < 0 || i == len(key)-1 {
		return "", fmt.Errorf("server key %q is not name_ip", key)
	}
	return key[i+1:], nil
}

// Aggregate returns the energy in Wh, rounded to 3 decimals, consumed over
// [start, end) by the requested VMs of every server. A server with an empty
// VM list contributes its whole measured energy. Servers without data
// contribute 0. Storage failures abort the aggregation.
func (e *Engine) Aggregate(ctx context.Context, resources map[string][]VM, start, end string) (float64, error) {
	r, err := consumption.ValidateRange(start, end)
	if err != nil {
		return 0, err
	}

	keys := make([]string, 0, len(resources))
	for k := range resources {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var total float64
	for _, key := range keys {
		serverIP, err := ServerIPFromKey(key)
		if err != nil {
			e.logger.Warn("attribution.server.skipped", "Skipping malformed server key", map[string]interface{}{
				"server": key,
				"error":  err.Error(),
			})
			continue
		}

		energy, err := e.serverEnergy(ctx, serverIP, resources[key], r)
		if err != nil {
			return 0, err
		}
		total += energy
	}
	return Round(total, 3), nil
}

func (e *Engine) serverEnergy(ctx context.Context, serverIP string, vms []VM, r consumption.Range) (float64, error) {
	serverWh, err := e.source.ServerEnergy(ctx, serverIP, r)
	if errors.Is(err, consumption.ErrNoData) {
		e.logger.Info("attribution.server.nodata", "No energy stored for server", map[string]interface{}{
			"server_ip": serverIP,
			"range":     r.String(),
		})
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(vms) == 0 {
		return serverWh, nil
	}

	shares, err := e.source.ServerCPUShares(ctx, serverIP, r)
	if errors.Is(err, consumption.ErrNoData) {
		e.logger.Info("attribution.cpu.nodata", "No CPU shares for server, reporting whole server", map[string]interface{}{
			"server_ip": serverIP,
			"range":     r.String(),
		})
		return serverWh, nil
	}
	if err != nil {
		return 0, err
	}

	requested := make(map[string]float64, len(vms))
	var missing []string
	for _, vm := range vms {
		pct, ok := shares.Lookup(vm.Name, vm.IP)
		if !ok {
			missing = append(missing, vm.Name)
			continue
		}
		requested[vm.Name+"@"+vm.IP] = pct
	}

	result := Attribute(serverIP, serverWh, requested)
	result.Missing = missing
	if len(missing) > 0 {
		e.logger.Warn("attribution.vm.missing", "Requested VMs have no CPU data", map[string]interface{}{
			"server_ip": serverIP,
			"vms":       strings.Join(missing, ","),
		})
	}
	return result.Sum(), nil
}

// Round rounds v half away from zero to the given number of decimals.
func Round(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}
