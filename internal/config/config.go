// Package config loads shipper configuration from the well-known
// Claude config directory and environment variables, the same files
// the Python and Rust shippers before it used.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

const (
	urlFileName   = "longhouse-url"
	tokenFileName = "longhouse-device-token"
	tokenEnvVar   = "AGENTS_API_TOKEN"

	DefaultAPIURL             = "http://localhost:8080"
	DefaultMaxBatchBytes      = 5 * 1024 * 1024
	DefaultTimeout            = 60 * time.Second
	DefaultMaxRetries429      = 3
	DefaultBaseBackoffSeconds = 1.0

	DefaultFallbackScanSeconds = 60
	DefaultSpoolReplaySeconds  = 15
	DefaultFlushInterval       = 2 * time.Second
	MinFallbackScanSeconds     = 10
	MinSpoolReplaySeconds      = 5
)

// Config holds everything the shipper needs to talk to the ingest
// endpoint and bound its local resource usage.
type Config struct {
	APIURL             string
	APIToken           string
	DBPath             string
	Workers            int
	MaxBatchBytes      int64
	Timeout            time.Duration
	MaxRetries429      int
	BaseBackoffSeconds float64

	FallbackScanSeconds int
	SpoolReplaySeconds  int
	FlushInterval       time.Duration
	CompressionAlgo     string
}

// Default returns a Config populated with the shipper's built-in
// defaults, before any file or env var has been applied.
func Default() Config {
	return Config{
		APIURL:             DefaultAPIURL,
		Workers:            DefaultWorkers(),
		MaxBatchBytes:      DefaultMaxBatchBytes,
		Timeout:            DefaultTimeout,
		MaxRetries429:      DefaultMaxRetries429,
		BaseBackoffSeconds: DefaultBaseBackoffSeconds,

		FallbackScanSeconds: DefaultFallbackScanSeconds,
		SpoolReplaySeconds:  DefaultSpoolReplaySeconds,
		FlushInterval:       DefaultFlushInterval,
		CompressionAlgo:     "gzip",
	}
}

// FallbackScanInterval clamps FallbackScanSeconds to its spec minimum.
func (c Config) FallbackScanInterval() time.Duration {
	secs := c.FallbackScanSeconds
	if secs < MinFallbackScanSeconds {
		secs = MinFallbackScanSeconds
	}
	return time.Duration(secs) * time.Second
}

// SpoolReplayInterval clamps SpoolReplaySeconds to its spec minimum.
func (c Config) SpoolReplayInterval() time.Duration {
	secs := c.SpoolReplaySeconds
	if secs < MinSpoolReplaySeconds {
		secs = MinSpoolReplaySeconds
	}
	return time.Duration(secs) * time.Second
}

// DefaultWorkers returns the default parallelism for bulk scan/ship
// operations: one worker per logical CPU.
func DefaultWorkers() int {
	return runtime.NumCPU()
}

// FromEnv loads a Config from the default file locations plus
// environment variable overrides.
func FromEnv() (Config, error) {
	cfg := Default()

	dir, err := ClaudeDir()
	if err != nil {
		return cfg, err
	}

	if url, err := readTrimmedFile(filepath.Join(dir, urlFileName)); err != nil {
		return cfg, err
	} else if url != "" {
		cfg.APIURL = url
	}

	if token, err := readTrimmedFile(filepath.Join(dir, tokenFileName)); err != nil {
		return cfg, err
	} else if token != "" {
		cfg.APIToken = token
	}

	if token := os.Getenv(tokenEnvVar); token != "" {
		cfg.APIToken = token
	}

	return cfg, nil
}

// ReadAPIURL reads just the configured ingest URL, for fast validity
// checks before starting the daemon.
func ReadAPIURL() (string, error) {
	dir, err := ClaudeDir()
	if err != nil {
		return "", err
	}
	return readTrimmedFile(filepath.Join(dir, urlFileName))
}

// HasValidConfig reports whether both a URL and a token are available,
// either from files or the AGENTS_API_TOKEN env var.
func HasValidConfig() bool {
	url, err := ReadAPIURL()
	if err != nil || url == "" {
		return false
	}
	cfg, err := FromEnv()
	if err != nil {
		return false
	}
	return cfg.APIToken != ""
}

// WriteLoginFiles persists the URL and token to the well-known files,
// creating the Claude config directory if needed. Used by the `login`
// CLI subcommand.
func WriteLoginFiles(url, token string) error {
	dir, err := EnsureClaudeDir()
	if err != nil {
		return err
	}
	if url != "" {
		if err := os.WriteFile(filepath.Join(dir, urlFileName), []byte(url+"\n"), 0o600); err != nil {
			return fmt.Errorf("writing %s: %w", urlFileName, err)
		}
	}
	if token != "" {
		if err := os.WriteFile(filepath.Join(dir, tokenFileName), []byte(token+"\n"), 0o600); err != nil {
			return fmt.Errorf("writing %s: %w", tokenFileName, err)
		}
	}
	return nil
}

// ApplyOverrides layers non-zero CLI flag values over the config,
// mirroring the original shipper's with_overrides.
func (c Config) ApplyOverrides(url, token, dbPath string, workers int) Config {
	if url != "" {
		c.APIURL = url
	}
	if token != "" {
		c.APIToken = token
	}
	if dbPath != "" {
		c.DBPath = dbPath
	}
	if workers > 0 {
		c.Workers = workers
	}
	return c
}

// ResolvedDBPath returns the configured DB path, or the default
// location under the Claude config directory.
func (c Config) ResolvedDBPath() (string, error) {
	if c.DBPath != "" {
		return c.DBPath, nil
	}
	return DefaultDBPath()
}

func readTrimmedFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}
