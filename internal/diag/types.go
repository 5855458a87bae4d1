package diag

import "time"

// Manifest represents the diagnostic package manifest
type Manifest struct {
	Timestamp string         `json:"timestamp"`
	Host      string         `json:"host"`
	Version   string         `json:"vmenergy_version"`
	Files     []ManifestFile `json:"files"`
}

// ManifestFile represents a file in the diagnostic package
type ManifestFile struct {
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
	SHA256    string `json:"sha256"`
}

// Config configures diagnostic collection
type Config struct {
	// ConfigYAML is the effective configuration, already free of credentials.
	ConfigYAML    []byte
	InventoryFile string
	// StateDir contributes its top-level JSON files: campaign state, lease, UI state.
	StateDir      string
	LogFile       string
	OutputPath    string
	IncludeLogs   bool
	IncludeConfig bool
	Version       string
}

// NewConfig creates a default diagnostic config
func NewConfig(version string) *Config {
	return &Config{
		OutputPath:    generateOutputPath(),
		IncludeLogs:   true,
		IncludeConfig: true,
		Version:       version,
	}
}

func generateOutputPath() string {
	timestamp := time.Now().UTC().Format("20060102-150405")
	return "vmenergy-diag-" + timestamp + ".zip"
}
