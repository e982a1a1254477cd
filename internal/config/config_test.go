package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFromEnv_ReadsFilesAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CLAUDE_CONFIG_DIR", dir)
	t.Setenv("AGENTS_API_TOKEN", "")

	if err := os.WriteFile(filepath.Join(dir, urlFileName), []byte("https://ingest.example.com\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, tokenFileName), []byte("file-token\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.APIURL != "https://ingest.example.com" {
		t.Errorf("APIURL = %q", cfg.APIURL)
	}
	if cfg.APIToken != "file-token" {
		t.Errorf("APIToken = %q", cfg.APIToken)
	}

	t.Setenv("AGENTS_API_TOKEN", "env-token")
	cfg, err = FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.APIToken != "env-token" {
		t.Errorf("env var should override file token, got %q", cfg.APIToken)
	}
}

func TestFromEnv_MissingFilesUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CLAUDE_CONFIG_DIR", dir)
	t.Setenv("AGENTS_API_TOKEN", "")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.APIURL != DefaultAPIURL {
		t.Errorf("APIURL = %q, want default", cfg.APIURL)
	}
	if cfg.APIToken != "" {
		t.Errorf("APIToken = %q, want empty", cfg.APIToken)
	}
}

func TestApplyOverrides(t *testing.T) {
	cfg := Default()
	cfg = cfg.ApplyOverrides("https://override.example.com", "tok", "/tmp/x.db", 7)
	if cfg.APIURL != "https://override.example.com" || cfg.APIToken != "tok" || cfg.DBPath != "/tmp/x.db" || cfg.Workers != 7 {
		t.Errorf("unexpected config after overrides: %+v", cfg)
	}

	cfg2 := Default()
	cfg2 = cfg2.ApplyOverrides("", "", "", 0)
	if cfg2 != Default() {
		t.Errorf("zero-value overrides should not change defaults")
	}
}

func TestHasValidConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CLAUDE_CONFIG_DIR", dir)
	t.Setenv("AGENTS_API_TOKEN", "")

	if HasValidConfig() {
		t.Error("expected invalid config with no files present")
	}

	if err := WriteLoginFiles("https://ingest.example.com", "tok"); err != nil {
		t.Fatal(err)
	}
	if !HasValidConfig() {
		t.Error("expected valid config after WriteLoginFiles")
	}
}
