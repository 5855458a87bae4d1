package configdir

import (
	"os"
	"path/filepath"
)

const defaultConfigDir = "/etc/vmenergy"

// EnvVar overrides the system configuration directory.
const EnvVar = "VMENERGY_CONFIG_DIR"

// ConfigDir resolves the configuration directory respecting overrides
func ConfigDir() string {
	if env := os.Getenv(EnvVar); env != "" {
		if abs, err := filepath.Abs(env); err == nil {
			return abs
		}
		return env
	}
	return defaultConfigDir
}

// SystemConfigPath is the config.yaml inside ConfigDir.
func SystemConfigPath() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// UserConfigPath is ~/.vmenergy/config.yaml, or empty when no home directory is known.
func UserConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ""
	}
	return filepath.Join(home, ".vmenergy", "config.yaml")
}
