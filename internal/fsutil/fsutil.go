package fsutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"vmenergy/internal/logging"
)

const (
	// DefaultStateDir holds campaign state and the JSONL time-series files
	DefaultStateDir = "/var/lib/vmenergy"
	// DefaultStatePermissions applies to directories created under the state dir
	DefaultStatePermissions = 0o750
	// DefaultFilePermissions applies to state, lease and secret files
	DefaultFilePermissions = 0o600
)

// GetStateDir returns VMENERGY_STATE_DIR when set, otherwise defaultDir.
func GetStateDir(defaultDir string) string {
	env := os.Getenv("VMENERGY_STATE_DIR")
	if env == "" {
		return defaultDir
	}
	abs, err := filepath.Abs(env)
	if err != nil {
		return env
	}
	return abs
}

// EnsureStateDirectory creates path and its parents.
func EnsureStateDirectory(path string) error {
	if err := os.MkdirAll(path, DefaultStatePermissions); err != nil {
		return fmt.Errorf("create state directory %s: %w", path, err)
	}
	return nil
}

// AtomicWriteFile replaces path with data. The bytes go to a unique temp
// file in the same directory, are synced, and then renamed over path.
func AtomicWriteFile(path string, data []byte, perm os.FileMode, logger *logging.Logger) error {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}

	tmp, err := os.CreateTemp(dir, "."+base+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", base, err)
	}
	tmpPath := tmp.Name()

	committed := false
	defer func() {
		if committed {
			return
		}
		if rmErr := os.Remove(tmpPath); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			logger.Warn("fsutil.cleanup.failed", "Failed to remove temp file", map[string]interface{}{
				"path":  tmpPath,
				"error": rmErr.Error(),
			})
		}
	}()

	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replace %s: %w", base, err)
	}
	committed = true
	return nil
}

// WriteJSON stores v as indented JSON at path, creating the parent directory.
func WriteJSON(path string, v interface{}, logger *logging.Logger) error {
	if err := EnsureStateDirectory(filepath.Dir(path)); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return AtomicWriteFile(path, data, DefaultFilePermissions, logger)
}

// ReadJSON decodes path into v. found is false when the file does not exist.
func ReadJSON(path string, v interface{}) (found bool, err error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return true, nil
}

// CloseWithError closes a resource and logs any error. Intended for defer.
func CloseWithError(closer func() error, logger *logging.Logger, resource string) {
	if err := closer(); err != nil {
		logger.Warn("fsutil.close.failed", fmt.Sprintf("Failed to close %s", resource), map[string]interface{}{
			"error": err.Error(),
		})
	}
}
