package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// ClaudeDir resolves the directory that holds the device token, ingest
// URL, and local status files: $CLAUDE_CONFIG_DIR if set, else
// $HOME/.claude.
func ClaudeDir() (string, error) {
	if dir := os.Getenv("CLAUDE_CONFIG_DIR"); dir != "" {
		return dir, nil
	}
	home := os.Getenv("HOME")
	if home == "" {
		return "", fmt.Errorf("HOME not set and CLAUDE_CONFIG_DIR not set")
	}
	return filepath.Join(home, ".claude"), nil
}

// EnsureClaudeDir creates the Claude config directory if it does not exist.
func EnsureClaudeDir() (string, error) {
	dir, err := ClaudeDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", dir, err)
	}
	return dir, nil
}

// DefaultDBPath returns the default SQLite database path,
// $CLAUDE_CONFIG_DIR/longhouse-shipper.db.
func DefaultDBPath() (string, error) {
	dir, err := ClaudeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "longhouse-shipper.db"), nil
}
