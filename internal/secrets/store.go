// Package secrets keeps device and storage credentials encrypted at rest.
package secrets

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"vmenergy/internal/fsutil"
	"vmenergy/internal/logging"
)

// ErrNotFound is returned for an unknown credential name.
var ErrNotFound = errors.New("secret not found")

const indexFile = "secrets_index.json"

var validName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// Store holds named credentials sealed with a key derived from a local
// passphrase file.
type Store struct {
	config StoreConfig
	key    *[KeySize]byte
	logger *logging.Logger
	now    func() time.Time
}

// NewStore opens the store, creating its directory and passphrase on first use.
func NewStore(config StoreConfig, logger *logging.Logger) (*Store, error) {
	if err := os.MkdirAll(config.Dir, fsutil.DefaultStatePermissions); err != nil {
		return nil, fmt.Errorf("failed to create secrets directory: %w", err)
	}

	passphrase, err := loadOrGeneratePassphrase(config.PassphraseFile, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load passphrase: %w", err)
	}

	key := DeriveKey(passphrase)
	return &Store{config: config, key: &key, logger: logger, now: time.Now}, nil
}

func (s *Store) path(name string) (string, error) {
	if !validName.MatchString(name) {
		return "", fmt.Errorf("invalid secret name %q", name)
	}
	return filepath.Join(s.config.Dir, name+".enc"), nil
}

// Set seals value under name, replacing any previous value.
func (s *Store) Set(name string, value []byte) error {
	path, err := s.path(name)
	if err != nil {
		return err
	}

	sealed, err := Seal(value, s.key)
	if err != nil {
		return fmt.Errorf("encryption failed: %w", err)
	}
	if err := fsutil.AtomicWriteFile(path, sealed, fsutil.DefaultFilePermissions, s.logger); err != nil {
		return fmt.Errorf("failed to write secret: %w", err)
	}

	if err := s.touchIndex(name); err != nil {
		s.logger.Warn("secrets.index.update_failed", "Failed to update secrets index", map[string]interface{}{
			"name":  name,
			"error": err.Error(),
		})
	}

	s.logger.Info("secrets.stored", "Secret stored", map[string]interface{}{
		"name": name,
	})
	return nil
}

// Get opens the value stored under name.
func (s *Store) Get(name string) ([]byte, error) {
	path, err := s.path(name)
	if err != nil {
		return nil, err
	}

	sealed, err := os.ReadFile(path) // #nosec G304 -- name is validated and joined to the store dir
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("failed to read secret: %w", err)
	}

	if err := checkPermissions(path); err != nil {
		s.logger.Warn("secrets.permissions.warning", "Secret file permissions should be 600", map[string]interface{}{
			"path":  path,
			"error": err.Error(),
		})
	}

	value, err := Open(sealed, s.key)
	if err != nil {
		return nil, fmt.Errorf("secret %s: %w", name, err)
	}
	return value, nil
}

// Delete removes a stored credential.
func (s *Store) Delete(name string) error {
	path, err := s.path(name)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return fmt.Errorf("failed to delete secret: %w", err)
	}

	if err := s.dropFromIndex(name); err != nil {
		s.logger.Warn("secrets.index.remove_failed", "Failed to remove from secrets index", map[string]interface{}{
			"name":  name,
			"error": err.Error(),
		})
	}

	s.logger.Info("secrets.deleted", "Secret deleted", map[string]interface{}{
		"name": name,
	})
	return nil
}

// List returns the index entries sorted by name.
func (s *Store) List() ([]Entry, error) {
	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	sort.Slice(index.Entries, func(i, j int) bool { return index.Entries[i].Name < index.Entries[j].Name })
	return index.Entries, nil
}

// Resolve returns override when it is non-empty, otherwise the stored
// credential name. An empty name with no override resolves to "".
func (s *Store) Resolve(name, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	if name == "" {
		return "", nil
	}
	value, err := s.Get(name)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(value)), nil
}

func checkPermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if perm := info.Mode().Perm(); perm != fsutil.DefaultFilePermissions {
		return fmt.Errorf("file has permissions %o, expected %o", perm, fsutil.DefaultFilePermissions)
	}
	return nil
}

func (s *Store) touchIndex(name string) error {
	index, err := s.loadIndex()
	if err != nil {
		index = &Index{}
	}

	now := s.now().UTC()
	for i := range index.Entries {
		if index.Entries[i].Name == name {
			index.Entries[i].UpdatedAt = now
			return s.saveIndex(index)
		}
	}
	index.Entries = append(index.Entries, Entry{Name: name, UpdatedAt: now})
	return s.saveIndex(index)
}

func (s *Store) dropFromIndex(name string) error {
	index, err := s.loadIndex()
	if err != nil {
		return err
	}

	kept := index.Entries[:0]
	for _, e := range index.Entries {
		if e.Name != name {
			kept = append(kept, e)
		}
	}
	index.Entries = kept
	return s.saveIndex(index)
}

func (s *Store) loadIndex() (*Index, error) {
	data, err := os.ReadFile(filepath.Join(s.config.Dir, indexFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Index{Entries: []Entry{}}, nil
		}
		return nil, fmt.Errorf("failed to read index: %w", err)
	}

	var index Index
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("failed to parse index: %w", err)
	}
	return &index, nil
}

func (s *Store) saveIndex(index *Index) error {
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal index: %w", err)
	}
	return fsutil.AtomicWriteFile(filepath.Join(s.config.Dir, indexFile), data, fsutil.DefaultFilePermissions, s.logger)
}

func loadOrGeneratePassphrase(path string, logger *logging.Logger) (string, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is from config
	if err == nil {
		return strings.TrimSpace(string(data)), nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("failed to read passphrase file: %w", err)
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate passphrase: %w", err)
	}
	passphrase := hex.EncodeToString(raw)

	if err := fsutil.EnsureStateDirectory(filepath.Dir(path)); err != nil {
		return "", err
	}
	if err := fsutil.AtomicWriteFile(path, []byte(passphrase), fsutil.DefaultFilePermissions, logger); err != nil {
		return "", fmt.Errorf("failed to write passphrase: %w", err)
	}

	logger.Info("secrets.passphrase.generated", "Generated new secrets passphrase", map[string]interface{}{
		"path": path,
	})
	return passphrase, nil
}
