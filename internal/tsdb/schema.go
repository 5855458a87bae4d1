package tsdb

import (
	"fmt"
	"strconv"
	"strings"
)

// Tag and field names shared with existing InfluxDB buckets.
const (
	TagIP       = "ip"
	TagServerIP = "server_ip"
	TagVMIP     = "vm_ip"
	TagVMName   = "vm_name"

	FieldConsumption = "consumption"
	FieldCPU         = "cpu_utilisation"

	DefaultPowerBucket = "energy_consumptions"
	DefaultCPUBucket   = "cpu_percentages"

	measurementSuffix = "_measure"
)

// MaxIntervalMinutes bounds the interval encoded in a measurement name.
const MaxIntervalMinutes = 60

// Schema describes how one kind of sample is stored.
type Schema interface {
	Bucket() string
	Field() string
	// TagKeys are the required tags, also used for grouping.
	TagKeys() []string
	// Interval maps a requested interval to the stored one; ok is false when
	// the request was out of range and replaced.
	Interval(minutes int) (stored int, ok bool)
}

// PowerSchema stores energy in Wh per server, tagged by server IP.
// Out-of-range intervals are stored as 0.
type PowerSchema struct {
	BucketName string
}

func (s PowerSchema) Bucket() string {
	if s.BucketName == "" {
		return DefaultPowerBucket
	}
	return s.BucketName
}

func (PowerSchema) Field() string     { return FieldConsumption }
func (PowerSchema) TagKeys() []string { return []string{TagIP} }

func (PowerSchema) Interval(minutes int) (int, bool) {
	if minutes < 0 || minutes > MaxIntervalMinutes {
		return 0, false
	}
	return minutes, true
}

// CPUSchema stores CPU percentages per VM. Out-of-range intervals are stored as 10.
type CPUSchema struct {
	BucketName string
}

func (s CPUSchema) Bucket() string {
	if s.BucketName == "" {
		return DefaultCPUBucket
	}
	return s.BucketName
}

func (CPUSchema) Field() string     { return FieldCPU }
func (CPUSchema) TagKeys() []string { return []string{TagServerIP, TagVMIP, TagVMName} }

func (CPUSchema) Interval(minutes int) (int, bool) {
	if minutes < 0 || minutes > MaxIntervalMinutes {
		return 10, false
	}
	return minutes, true
}

// MeasurementName encodes the sampling interval, e.g. "10_measure".
func MeasurementName(intervalMinutes int) string {
	return strconv.Itoa(intervalMinutes) + measurementSuffix
}

// ParseMeasurement recovers the interval from a measurement name.
func ParseMeasurement(name string) (int, error) {
	if !strings.HasSuffix(name, measurementSuffix) {
		return 0, fmt.Errorf("measurement %q has no interval suffix", name)
	}
	minutes, err := strconv.Atoi(strings.TrimSuffix(name, measurementSuffix))
	if err != nil {
		return 0, fmt.Errorf("measurement %q: %w", name, err)
	}
	return minutes, nil
}
