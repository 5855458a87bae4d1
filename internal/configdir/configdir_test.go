package configdir

import (
	"path/filepath"
	"testing"
)

func TestConfigDir_Default(t *testing.T) {
	t.Setenv(EnvVar, "")
	if got := ConfigDir(); got != defaultConfigDir {
		t.Errorf("ConfigDir() = %s, want %s", got, defaultConfigDir)
	}
}

func TestConfigDir_Override(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvVar, dir)

	if got := ConfigDir(); got != dir {
		t.Errorf("ConfigDir() = %s, want %s", got, dir)
	}
	if got := SystemConfigPath(); got != filepath.Join(dir, "config.yaml") {
		t.Errorf("SystemConfigPath() = %s", got)
	}
}

func TestUserConfigPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	want := filepath.Join(home, ".vmenergy", "config.yaml")
	if got := UserConfigPath(); got != want {
		t.Errorf("UserConfigPath() = %s, want %s", got, want)
	}
}
