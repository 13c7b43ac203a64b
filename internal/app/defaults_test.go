package app

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGetDefaults(t *testing.T) {
	t.Run("environment overrides", func(t *testing.T) {
		t.Setenv("CTSYNC_CONFIG_PATH", "/etc/ctsync/site.toml")
		t.Setenv("CTSYNC_HOME", "/var/lib/ctsync")

		got, err := GetDefaults()
		if err != nil {
			t.Fatalf("GetDefaults() error = %v", err)
		}
		want := map[string]string{
			"config_path": "/etc/ctsync/site.toml",
			"base_dir":    "/var/lib/ctsync",
			"log_dir":     "/var/lib/ctsync/log",
		}
		for k, v := range want {
			if got[k] != v {
				t.Errorf("%s = %q, want %q", k, got[k], v)
			}
		}
	})

	t.Run("home directory fallback", func(t *testing.T) {
		t.Setenv("CTSYNC_CONFIG_PATH", "")
		t.Setenv("CTSYNC_HOME", "")

		got, err := GetDefaults()
		if err != nil {
			t.Fatalf("GetDefaults() error = %v", err)
		}
		home, _ := os.UserHomeDir()
		base := filepath.Join(home, ".local", "share", "ctsync")

		if want := filepath.Join(home, ".config", "ctsync.toml"); got["config_path"] != want {
			t.Errorf("config_path = %q, want %q", got["config_path"], want)
		}
		if got["base_dir"] != base {
			t.Errorf("base_dir = %q, want %q", got["base_dir"], base)
		}
		if want := filepath.Join(base, "log"); got["log_dir"] != want {
			t.Errorf("log_dir = %q, want %q", got["log_dir"], want)
		}
	})
}
