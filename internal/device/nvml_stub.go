//go:build !cuda

package device

import (
	"context"
	"errors"
)

var errNoCUDA = errors.New("NVML support not compiled in; rebuild with -tags cuda")

// NVML is unavailable in builds without the cuda tag.
type NVML struct{}

// NewNVML always fails without the cuda tag.
func NewNVML(int) (*NVML, error) {
	return nil, errNoCUDA
}

func (*NVML) ReadInstantPower(context.Context) (float64, error) {
	return 0, errNoCUDA
}

func (*NVML) Close() error { return nil }
