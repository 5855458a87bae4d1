package config

import "time"

// Config represents the complete vmenergy configuration
type Config struct {
	// ServerIP identifies the metered server in stored series.
	ServerIP   string           `yaml:"server_ip"`
	StateDir   string           `yaml:"state_dir"`
	Device     DeviceConfig     `yaml:"device"`
	Storage    StorageConfig    `yaml:"storage"`
	Power      PowerConfig      `yaml:"power"`
	CPU        CPUConfig        `yaml:"cpu"`
	Hypervisor HypervisorConfig `yaml:"hypervisor"`
	Schedule   ScheduleConfig   `yaml:"schedule"`
	Retry      RetryConfig      `yaml:"retry"`
	API        APIConfig        `yaml:"api"`
	Agent      AgentConfig      `yaml:"agent"`
	Publish    PublishConfig    `yaml:"publish"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// DeviceConfig describes the power source
type DeviceConfig struct {
	Kind           string `yaml:"kind"`
	Address        string `yaml:"address"`
	PowerPath      string `yaml:"power_path"`
	PowerField     string `yaml:"power_field"`
	Username       string `yaml:"username"`
	PasswordSecret string `yaml:"password_secret"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	RAPLPath       string `yaml:"rapl_path"`
	GPUIndex       int    `yaml:"gpu_index"`

	// Password is only ever set from the environment or the secret store.
	Password string `yaml:"-"`
}

// Timeout returns the per-request device timeout
func (d DeviceConfig) Timeout() time.Duration {
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// StorageConfig selects and addresses the time-series backend
type StorageConfig struct {
	Backend     string `yaml:"backend"`
	URL         string `yaml:"url"`
	Org         string `yaml:"org"`
	TokenSecret string `yaml:"token_secret"`
	PowerBucket string `yaml:"power_bucket"`
	CPUBucket   string `yaml:"cpu_bucket"`
	// Path is the sqlite file or the jsonl directory.
	Path string `yaml:"path"`

	Token string `yaml:"-"`
}

// PowerConfig configures the power campaign
type PowerConfig struct {
	PeriodMinutes    int `yaml:"period_minutes"`
	SamplesPerMinute int `yaml:"samples_per_minute"`
	Iterations       int `yaml:"iterations"`
	HorizonMinutes   int `yaml:"horizon_minutes"`
}

// Horizon is the minimum look-ahead for the next campaign window
func (p PowerConfig) Horizon() time.Duration {
	return time.Duration(p.HorizonMinutes) * time.Minute
}

// CPUConfig configures the CPU campaign
type CPUConfig struct {
	Enabled         bool     `yaml:"enabled"`
	IntervalMinutes int      `yaml:"interval_minutes"`
	Iterations      int      `yaml:"iterations"`
	VMs             []string `yaml:"vms"`
}

// HypervisorConfig locates the virsh binary
type HypervisorConfig struct {
	Binary  string `yaml:"binary"`
	Connect string `yaml:"connect"`
}

// ScheduleConfig aligns default windows
type ScheduleConfig struct {
	Align string `yaml:"align"`
}

// RetryConfig bounds collaborator retries
type RetryConfig struct {
	Attempts        int `yaml:"attempts"`
	DelaySeconds    int `yaml:"delay_seconds"`
	MaxDelaySeconds int `yaml:"max_delay_seconds"`
}

// Delay returns the initial backoff
func (r RetryConfig) Delay() time.Duration {
	return time.Duration(r.DelaySeconds) * time.Second
}

// MaxDelay returns the backoff cap
func (r RetryConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelaySeconds) * time.Second
}

// APIConfig configures the HTTP query surface
type APIConfig struct {
	Address         string   `yaml:"address"`
	InventoryFile   string   `yaml:"inventory_file"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	CacheTTLSeconds int      `yaml:"cache_ttl_seconds"`
}

// CacheTTL returns how long range query results are cached
func (a APIConfig) CacheTTL() time.Duration {
	return time.Duration(a.CacheTTLSeconds) * time.Second
}

// AgentConfig configures the background sampling service
type AgentConfig struct {
	// StatusAddress serves /healthz, /status and /metrics; empty disables it.
	StatusAddress string `yaml:"status_address"`
}

// PublishConfig configures Kafka fan-out of written samples
type PublishConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Path    string
	Message string
}

func (e ValidationError) Error() string {
	return e.Path + ": " + e.Message
}
