//go:build cuda

package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// powerReader is the subset of nvml.Device used here, for mocking.
type powerReader interface {
	GetPowerUsage() (uint32, nvml.Return)
}

// NVML reports a GPU board's power draw. Useful when the accelerator
// dominates the server's consumption and no plug is installed.
type NVML struct {
	mu     sync.Mutex
	device powerReader
}

// NewNVML initialises NVML and binds the GPU at index.
func NewNVML(index int) (*NVML, error) {
	if ret := nvml.Init(); ret != nvml.SUCCESS {
		return nil, fmt.Errorf("NVML init failed: %s", nvml.ErrorString(ret))
	}
	dev, ret := nvml.DeviceGetHandleByIndex(index)
	if ret != nvml.SUCCESS {
		_ = nvml.Shutdown()
		return nil, fmt.Errorf("failed to get GPU %d: %s", index, nvml.ErrorString(ret))
	}
	return &NVML{device: dev}, nil
}

// ReadInstantPower converts the milliwatt reading to watts.
func (n *NVML) ReadInstantPower(_ context.Context) (float64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	mw, ret := n.device.GetPowerUsage()
	if ret != nvml.SUCCESS {
		return 0, fmt.Errorf("%w: %s", ErrUnavailable, nvml.ErrorString(ret))
	}
	return float64(mw) / 1000.0, nil
}

// Close shuts NVML down.
func (n *NVML) Close() error {
	if ret := nvml.Shutdown(); ret != nvml.SUCCESS {
		return fmt.Errorf("NVML shutdown failed: %s", nvml.ErrorString(ret))
	}
	return nil
}
