package diag

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"vmenergy/internal/logging"
)

// Collector gathers diagnostic artifacts
type Collector struct {
	config   *Config
	redactor *Redactor
	logger   *logging.Logger
}

// NewCollector creates a new diagnostic collector
func NewCollector(config *Config, logger *logging.Logger) *Collector {
	return &Collector{
		config:   config,
		redactor: NewRedactor(),
		logger:   logger,
	}
}

// CollectLogs gathers the log file and its rotated siblings, redacted.
func (c *Collector) CollectLogs() (map[string][]byte, error) {
	if !c.config.IncludeLogs || c.config.LogFile == "" {
		return nil, nil
	}

	files := make(map[string][]byte)
	matches, err := filepath.Glob(c.config.LogFile + "*")
	if err != nil {
		return files, fmt.Errorf("failed to list log files: %w", err)
	}
	if len(matches) == 0 {
		c.logger.Warn("diag.collect.logs.missing", "Log file not found", map[string]interface{}{
			"path": c.config.LogFile,
		})
		return files, nil
	}

	for _, path := range matches {
		content, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			c.logger.Warn("diag.collect.logs.read_error", "Failed to read log file", map[string]interface{}{
				"path":  path,
				"error": err.Error(),
			})
			continue
		}
		files["logs/"+filepath.Base(path)] = []byte(c.redactor.Redact(string(content)))
	}

	c.logger.Info("diag.collect.logs.complete", "Log collection complete", map[string]interface{}{
		"file_count": len(files),
	})
	return files, nil
}

// CollectConfig adds the effective configuration and the inventory file.
func (c *Collector) CollectConfig() (map[string][]byte, error) {
	if !c.config.IncludeConfig {
		return nil, nil
	}

	files := make(map[string][]byte)
	if len(c.config.ConfigYAML) > 0 {
		files["config/config.yaml"] = []byte(c.redactor.Redact(string(c.config.ConfigYAML)))
	}

	if c.config.InventoryFile != "" {
		content, err := os.ReadFile(filepath.Clean(c.config.InventoryFile))
		switch {
		case err == nil:
			files["config/"+filepath.Base(c.config.InventoryFile)] = content
		case os.IsNotExist(err):
			c.logger.Warn("diag.collect.inventory.missing", "Inventory file not found", map[string]interface{}{
				"path": c.config.InventoryFile,
			})
		default:
			return files, fmt.Errorf("failed to read inventory: %w", err)
		}
	}

	c.logger.Info("diag.collect.config.complete", "Config collection complete", map[string]interface{}{
		"file_count": len(files),
	})
	return files, nil
}

// CollectState gathers the JSON state files at the top of the state
// directory. The secret store lives in a subdirectory and is never read.
func (c *Collector) CollectState() (map[string][]byte, error) {
	files := make(map[string][]byte)
	if c.config.StateDir == "" {
		return files, nil
	}

	entries, err := os.ReadDir(c.config.StateDir)
	if err != nil {
		if os.IsNotExist(err) {
			c.logger.Warn("diag.collect.state.missing", "State directory not found", map[string]interface{}{
				"path": c.config.StateDir,
			})
			return files, nil
		}
		return files, fmt.Errorf("failed to read state directory: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		content, err := os.ReadFile(filepath.Join(c.config.StateDir, e.Name()))
		if err != nil {
			c.logger.Warn("diag.collect.state.read_error", "Failed to read state file", map[string]interface{}{
				"file":  e.Name(),
				"error": err.Error(),
			})
			continue
		}
		files["state/"+e.Name()] = content
	}
	return files, nil
}

// CollectSystemInfo gathers system and version information
func (c *Collector) CollectSystemInfo() (map[string][]byte, error) {
	files := make(map[string][]byte)

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	sysInfo := map[string]interface{}{
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
		"host":             hostname,
		"vmenergy_version": c.config.Version,
		"pid":              os.Getpid(),
	}

	sysInfoJSON, err := json.MarshalIndent(sysInfo, "", "  ")
	if err != nil {
		return files, fmt.Errorf("failed to marshal system info: %w", err)
	}
	files["system_info.json"] = sysInfoJSON
	return files, nil
}

// CalculateSHA256 computes SHA256 hash of data
func CalculateSHA256(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
