package secrets

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"vmenergy/internal/logging"
)

func newTestStore(t *testing.T) (*Store, StoreConfig) {
	t.Helper()
	cfg := DefaultStoreConfig(t.TempDir())
	store, err := NewStore(cfg, logging.NewLogger(logging.LevelError))
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return store, cfg
}

func TestNewStore_CreatesLayout(t *testing.T) {
	_, cfg := newTestStore(t)

	if info, err := os.Stat(cfg.Dir); err != nil || !info.IsDir() {
		t.Fatalf("secrets dir not created: %v", err)
	}
	info, err := os.Stat(cfg.PassphraseFile)
	if err != nil {
		t.Fatalf("passphrase not created: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("passphrase permissions = %o, want 600", info.Mode().Perm())
	}
}

func TestStore_SetGet(t *testing.T) {
	store, cfg := newTestStore(t)

	if err := store.Set("influx_token", []byte("tok-123")); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, err := store.Get("influx_token")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != "tok-123" {
		t.Errorf("Get() = %q, want tok-123", got)
	}

	info, err := os.Stat(filepath.Join(cfg.Dir, "influx_token.enc"))
	if err != nil {
		t.Fatalf("secret file missing: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("secret permissions = %o, want 600", info.Mode().Perm())
	}

	if err := store.Set("influx_token", []byte("tok-456")); err != nil {
		t.Fatalf("Set() overwrite error = %v", err)
	}
	got, _ = store.Get("influx_token")
	if string(got) != "tok-456" {
		t.Errorf("Get() after overwrite = %q, want tok-456", got)
	}
}

func TestStore_NotFoundAndDelete(t *testing.T) {
	store, _ := newTestStore(t)

	if _, err := store.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
	if err := store.Delete("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete(missing) error = %v, want ErrNotFound", err)
	}

	if err := store.Set("plug_password", []byte("pw")); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete("plug_password"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Get("plug_password"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}
	entries, _ := store.List()
	if len(entries) != 0 {
		t.Errorf("List() after delete = %v, want empty", entries)
	}
}

func TestStore_RejectsUnsafeNames(t *testing.T) {
	store, _ := newTestStore(t)
	for _, name := range []string{"", "../escape", "a/b", ".hidden"} {
		if err := store.Set(name, []byte("x")); err == nil {
			t.Errorf("Set(%q) should fail", name)
		}
	}
}

func TestStore_ListSortedWithTimestamps(t *testing.T) {
	store, _ := newTestStore(t)
	fixed := time.Date(2024, 7, 22, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return fixed }

	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := store.Set(name, []byte(name)); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := store.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	want := []string{"alpha", "mid", "zeta"}
	if len(entries) != len(want) {
		t.Fatalf("List() = %v, want %v", entries, want)
	}
	for i, e := range entries {
		if e.Name != want[i] {
			t.Errorf("entry %d = %s, want %s", i, e.Name, want[i])
		}
		if !e.UpdatedAt.Equal(fixed) {
			t.Errorf("entry %s UpdatedAt = %v, want %v", e.Name, e.UpdatedAt, fixed)
		}
	}
}

func TestStore_PersistentPassphrase(t *testing.T) {
	cfg := DefaultStoreConfig(t.TempDir())
	logger := logging.NewLogger(logging.LevelError)

	first, err := NewStore(cfg, logger)
	if err != nil {
		t.Fatal(err)
	}
	if err := first.Set("token", []byte("persisted")); err != nil {
		t.Fatal(err)
	}

	second, err := NewStore(cfg, logger)
	if err != nil {
		t.Fatal(err)
	}
	got, err := second.Get("token")
	if err != nil {
		t.Fatalf("Get() from reopened store error = %v", err)
	}
	if string(got) != "persisted" {
		t.Errorf("Get() = %q, want persisted", got)
	}
}

func TestStore_Resolve(t *testing.T) {
	store, _ := newTestStore(t)
	if err := store.Set("influx_token", []byte("stored-token\n")); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		secret   string
		override string
		want     string
		wantErr  bool
	}{
		{"override wins", "influx_token", "env-token", "env-token", false},
		{"stored value trimmed", "influx_token", "", "stored-token", false},
		{"nothing configured", "", "", "", false},
		{"missing secret", "nope", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.Resolve(tt.secret, tt.override)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Resolve() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Resolve() = %q, want %q", got, tt.want)
			}
		})
	}
}
