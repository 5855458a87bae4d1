package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vmenergy/internal/logging"
)

// Kinds of power sources.
const (
	KindHTTP = "http"
	KindRAPL = "rapl"
	KindNVML = "nvml"
)

// ErrUnavailable is returned when a reading cannot be taken. Callers skip or
// retry the reading; it never aborts a campaign.
var ErrUnavailable = errors.New("power reading unavailable")

// Device reports the instantaneous power draw of the metered server in watts.
type Device interface {
	ReadInstantPower(ctx context.Context) (float64, error)
	Close() error
}

// Options describes how to reach a power source.
type Options struct {
	Kind    string
	Address string
	// PowerPath and PowerField locate the wattage in the HTTP plug's JSON status.
	PowerPath  string
	PowerField string
	Username   string
	Password   string
	Timeout    time.Duration
	RAPLPath   string
	GPUIndex   int
}

// Connect builds the configured device and probes it once. A failed probe is
// logged and the device is still returned; later readings may succeed.
func Connect(ctx context.Context, opts Options, logger *logging.Logger) (Device, error) {
	var (
		dev Device
		err error
	)

	switch opts.Kind {
	case "", KindHTTP:
		dev, err = NewHTTPPlug(opts)
	case KindRAPL:
		dev, err = NewRAPL(opts.RAPLPath, nil)
	case KindNVML:
		dev, err = NewNVML(opts.GPUIndex)
	default:
		return nil, fmt.Errorf("unknown device kind %q", opts.Kind)
	}
	if err != nil {
		return nil, err
	}

	if watts, probeErr := dev.ReadInstantPower(ctx); probeErr != nil {
		logger.Warn("device.probe.failed", "Power device did not answer the initial probe", map[string]interface{}{
			"kind":  opts.Kind,
			"error": probeErr.Error(),
		})
	} else {
		logger.Info("device.connected", "Power device connected", map[string]interface{}{
			"kind":  opts.Kind,
			"watts": watts,
		})
	}
	return dev, nil
}
