package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"vmenergy/internal/configdir"
)

// Environment overrides, applied after every file.
const (
	EnvServerIP       = "VMENERGY_SERVER_IP"
	EnvStorageURL     = "VMENERGY_STORAGE_URL"
	EnvStorageToken   = "VMENERGY_STORAGE_TOKEN"
	EnvDeviceAddress  = "VMENERGY_DEVICE_ADDRESS"
	EnvDevicePassword = "VMENERGY_DEVICE_PASSWORD"
	EnvLogLevel       = "VMENERGY_LOG_LEVEL"
)

// dotEnvFile is read from the working directory when present.
const dotEnvFile = ".env"

// Load loads and merges configuration from system and user files
// Priority: defaults < system config < user config < environment
func Load() (Config, error) {
	cfg := DefaultConfig()

	if err := mergeConfigFile(&cfg, configdir.SystemConfigPath()); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return cfg, fmt.Errorf("failed to load system config: %w", err)
		}
	}

	if userPath := configdir.UserConfigPath(); userPath != "" {
		if err := mergeConfigFile(&cfg, userPath); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return cfg, fmt.Errorf("failed to load user config: %w", err)
			}
		}
	}

	return finish(cfg)
}

// LoadFrom loads configuration from a specific file path
func LoadFrom(path string) (Config, error) {
	cfg := DefaultConfig()
	if err := mergeConfigFile(&cfg, path); err != nil {
		return cfg, fmt.Errorf("failed to load config from %s: %w", path, err)
	}
	return finish(cfg)
}

func finish(cfg Config) (Config, error) {
	if err := loadDotEnv(dotEnvFile); err != nil {
		return cfg, err
	}
	applyEnv(&cfg, os.LookupEnv)

	if validationErrors := cfg.Validate(); len(validationErrors) > 0 {
		return cfg, fmt.Errorf("config.validation.error: %v", formatValidationErrors(validationErrors))
	}
	return cfg, nil
}

// loadDotEnv exports variables from path without replacing ones already set.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set(EnvServerIP, &cfg.ServerIP)
	set(EnvStorageURL, &cfg.Storage.URL)
	set(EnvStorageToken, &cfg.Storage.Token)
	set(EnvDeviceAddress, &cfg.Device.Address)
	set(EnvDevicePassword, &cfg.Device.Password)
	set(EnvLogLevel, &cfg.Logging.Level)
}

// mergeConfigFile decodes a YAML file onto cfg. Keys absent from the file
// keep their current value; lists are replaced as a whole.
func mergeConfigFile(cfg *Config, path string) error {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path is constructed from trusted sources
	if err != nil {
		return err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

// formatValidationErrors formats validation errors for display
func formatValidationErrors(errors []ValidationError) string {
	if len(errors) == 0 {
		return ""
	}
	if len(errors) == 1 {
		return errors[0].Error()
	}
	result := fmt.Sprintf("%d validation errors:\n", len(errors))
	for _, err := range errors {
		result += "  - " + err.Error() + "\n"
	}
	return result
}

// Marshal renders cfg as YAML. Credentials are never included.
func Marshal(cfg Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}
