package app

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGetDefaults(t *testing.T) {
	t.Run("uses env vars when set", func(t *testing.T) {
		t.Setenv("BSYNC_CONFIG_PATH", "/custom/config.toml")
		t.Setenv("BSYNC_HOME", "/custom/bsync")

		defaults, err := GetDefaults()
		if err != nil {
			t.Fatalf("GetDefaults() error = %v", err)
		}

		if defaults["config_path"] != "/custom/config.toml" {
			t.Errorf("config_path = %q, want %q", defaults["config_path"], "/custom/config.toml")
		}
		if defaults["base_dir"] != "/custom/bsync" {
			t.Errorf("base_dir = %q, want %q", defaults["base_dir"], "/custom/bsync")
		}
		if defaults["log_dir"] != "/custom/bsync/log" {
			t.Errorf("log_dir = %q, want %q", defaults["log_dir"], "/custom/bsync/log")
		}
	})

	t.Run("falls back to home dir defaults", func(t *testing.T) {
		t.Setenv("BSYNC_CONFIG_PATH", "")
		t.Setenv("BSYNC_HOME", "")

		defaults, err := GetDefaults()
		if err != nil {
			t.Fatalf("GetDefaults() error = %v", err)
		}

		homeDir, _ := os.UserHomeDir()

		wantConfig := filepath.Join(homeDir, ".config", "bsync.toml")
		if defaults["config_path"] != wantConfig {
			t.Errorf("config_path = %q, want %q", defaults["config_path"], wantConfig)
		}

		wantBase := filepath.Join(homeDir, ".local", "share", "bsync")
		if defaults["base_dir"] != wantBase {
			t.Errorf("base_dir = %q, want %q", defaults["base_dir"], wantBase)
		}
	})
}

func TestLoadEnvFiles(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	content := "BSYNC_TEST_FROM_FILE=file\nBSYNC_TEST_PRESET=file\n"
	if err := os.WriteFile(envPath, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("BSYNC_TEST_PRESET", "env")
	t.Setenv("BSYNC_TEST_FROM_FILE", "")
	os.Unsetenv("BSYNC_TEST_FROM_FILE")

	if err := LoadEnvFiles(filepath.Join(dir, "missing.env"), envPath); err != nil {
		t.Fatalf("LoadEnvFiles() error = %v", err)
	}

	if got := os.Getenv("BSYNC_TEST_FROM_FILE"); got != "file" {
		t.Errorf("BSYNC_TEST_FROM_FILE = %q, want %q", got, "file")
	}
	if got := os.Getenv("BSYNC_TEST_PRESET"); got != "env" {
		t.Errorf("BSYNC_TEST_PRESET = %q, want the environment to win", got)
	}
}
