package campaign

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"vmenergy/internal/cpuusage"
	"vmenergy/internal/hypervisor"
	"vmenergy/internal/logging"
	"vmenergy/internal/tsdb"
	"vmenergy/internal/window"
)

// CPUBatch is a sampled series plus the VM addresses resolved before sampling.
type CPUBatch struct {
	Series cpuusage.Series
	IPs    map[string]string
}

// CPUTask samples per-VM CPU utilisation and stores it per interval.
type CPUTask struct {
	Differ          *cpuusage.Differ
	Hypervisor      hypervisor.Hypervisor
	Client          *tsdb.Client
	ServerIP        string
	IntervalMinutes int
	Logger          *logging.Logger
}

func (t *CPUTask) Name() string { return "cpu" }

func (t *CPUTask) Sample(ctx context.Context, w window.Window) (CPUBatch, error) {
	ips := t.resolveIPs(ctx)
	if err := ctx.Err(); err != nil {
		return CPUBatch{}, err
	}
	series, err := t.Differ.SampleSeries(ctx, w, t.IntervalMinutes)
	return CPUBatch{Series: series, IPs: ips}, err
}

// resolveIPs maps every running VM to its address. Lookup failures map to
// hypervisor.NoIP.
func (t *CPUTask) resolveIPs(ctx context.Context) map[string]string {
	ips := make(map[string]string)
	vms, err := t.Hypervisor.ListRunningVMs(ctx)
	if err != nil {
		t.Logger.Warn("cpu.vms.list_failed", "Failed to list VMs, addresses unresolved", map[string]interface{}{
			"error": err.Error(),
		})
		return ips
	}
	for _, vm := range vms {
		ip, err := t.Hypervisor.IPAddress(ctx, vm)
		if err != nil {
			t.Logger.Warn("cpu.vm.ip_failed", "Failed to resolve VM address", map[string]interface{}{
				"vm":    vm,
				"error": err.Error(),
			})
			ip = hypervisor.NoIP
		}
		ips[vm] = ip
	}
	return ips
}

func (t *CPUTask) Persist(ctx context.Context, w window.Window, batch CPUBatch) (Outcome, error) {
	var (
		outcome Outcome
		errs    []error
	)

	vms := make([]string, 0, len(batch.Series))
	for vm := range batch.Series {
		vms = append(vms, vm)
	}
	sort.Strings(vms)

	for _, vm := range vms {
		ip, ok := batch.IPs[vm]
		if !ok {
			ip = hypervisor.NoIP
		}
		tags := map[string]string{
			tsdb.TagServerIP: t.ServerIP,
			tsdb.TagVMIP:     ip,
			tsdb.TagVMName:   vm,
		}
		for _, merged := range batch.Series[vm] {
			for _, p := range splitPoint(merged, tsdb.MaxIntervalMinutes) {
				if err := t.Client.Write(ctx, tags, p.Percent, p.Start, p.Minutes); err != nil {
					outcome.Failed++
					errs = append(errs, fmt.Errorf("%s: %w", vm, err))
					continue
				}
				outcome.Written++
			}
		}
	}

	t.Logger.Info("cpu.window.sampled", "CPU utilisation sampled", map[string]interface{}{
		"window": w.String(),
		"vms":    len(vms),
		"points": outcome.Written,
	})
	return outcome, errors.Join(errs...)
}

// splitPoint cuts a point spanning more than maxMinutes into consecutive
// points of at most maxMinutes with the same percentage. A point that covers
// a skipped snapshot can run past the longest storable interval.
func splitPoint(p cpuusage.Point, maxMinutes int) []cpuusage.Point {
	if maxMinutes <= 0 || p.Minutes <= maxMinutes {
		return []cpuusage.Point{p}
	}
	out := make([]cpuusage.Point, 0, p.Minutes/maxMinutes+1)
	start, remaining := p.Start, p.Minutes
	for remaining > 0 {
		n := min(remaining, maxMinutes)
		out = append(out, cpuusage.Point{Start: start, Minutes: n, Percent: p.Percent})
		start = start.Add(time.Duration(n) * time.Minute)
		remaining -= n
	}
	return out
}
