package config

import (
	"vmenergy/internal/fsutil"
	"vmenergy/internal/tsdb"
	"vmenergy/internal/window"
)

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		StateDir: fsutil.DefaultStateDir,
		Device: DeviceConfig{
			Kind:           BackendHTTP,
			TimeoutSeconds: 5,
			RAPLPath:       "/sys/class/powercap/intel-rapl:0/energy_uj",
		},
		Storage: StorageConfig{
			Backend:     BackendInflux,
			URL:         "http://localhost:8086",
			TokenSecret: "influx_token",
			PowerBucket: tsdb.DefaultPowerBucket,
			CPUBucket:   tsdb.DefaultCPUBucket,
			Path:        "/var/lib/vmenergy/series.db",
		},
		Power: PowerConfig{
			PeriodMinutes:    10,
			SamplesPerMinute: 6,
			Iterations:       1,
			HorizonMinutes:   20,
		},
		CPU: CPUConfig{
			Enabled:         true,
			IntervalMinutes: 10,
			Iterations:      1,
		},
		Hypervisor: HypervisorConfig{
			Binary:  "virsh",
			Connect: "qemu:///system",
		},
		Schedule: ScheduleConfig{
			Align: window.DefaultAlign,
		},
		Retry: RetryConfig{
			Attempts:        3,
			DelaySeconds:    2,
			MaxDelaySeconds: 30,
		},
		API: APIConfig{
			Address:         ":5000",
			InventoryFile:   "/etc/vmenergy/server_vms.params",
			AllowedOrigins:  []string{"*"},
			CacheTTLSeconds: 30,
		},
		Agent: AgentConfig{
			StatusAddress: "127.0.0.1:9105",
		},
		Publish: PublishConfig{
			Topic: "vmenergy.samples",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
