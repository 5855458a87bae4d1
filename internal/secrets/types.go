package secrets

import (
	"path/filepath"
	"time"
)

// Index lists stored credentials without their values.
type Index struct {
	Entries []Entry `json:"entries"`
}

// Entry is one credential's metadata.
type Entry struct {
	Name      string    `json:"name"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StoreConfig locates the encrypted files and the passphrase.
type StoreConfig struct {
	Dir            string
	PassphraseFile string
}

// DefaultStoreConfig keeps credentials under stateDir.
func DefaultStoreConfig(stateDir string) StoreConfig {
	return StoreConfig{
		Dir:            filepath.Join(stateDir, "secrets"),
		PassphraseFile: filepath.Join(stateDir, ".passphrase"),
	}
}
