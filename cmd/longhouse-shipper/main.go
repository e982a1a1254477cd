// Command longhouse-shipper harvests AI coding-assistant session
// transcripts from well-known directories and ships them to a remote
// ingest endpoint.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cipher982/longhouse-shipper/internal/buildinfo"
	"github.com/cipher982/longhouse-shipper/internal/config"
	"github.com/cipher982/longhouse-shipper/internal/daemon"
	"github.com/cipher982/longhouse-shipper/internal/delivery"
	"github.com/cipher982/longhouse-shipper/internal/logger"
	"github.com/cipher982/longhouse-shipper/internal/payload"
	"github.com/cipher982/longhouse-shipper/internal/provider"
	"github.com/cipher982/longhouse-shipper/internal/state"
	"github.com/cipher982/longhouse-shipper/internal/transport"
)

func main() {
	var urlFlag, tokenFlag, dbFlag, logLevelFlag, logDirFlag string
	var workersFlag int

	root := &cobra.Command{
		Use:   "longhouse-shipper",
		Short: "Ships AI coding-assistant session transcripts to Longhouse",
	}
	root.PersistentFlags().StringVar(&urlFlag, "url", "", "override the configured ingest API URL")
	root.PersistentFlags().StringVar(&tokenFlag, "token", "", "override the configured API token")
	root.PersistentFlags().StringVar(&dbFlag, "db", "", "override the state database path")
	root.PersistentFlags().IntVar(&workersFlag, "workers", 0, "override bulk scan worker count")
	root.PersistentFlags().StringVar(&logLevelFlag, "log-level", "info", "log level: debug|info|warn|error")
	root.PersistentFlags().StringVar(&logDirFlag, "log-dir", "", "directory for the connect daemon's date-stamped log file (empty = stderr only)")

	root.AddCommand(
		connectCmd(&urlFlag, &tokenFlag, &dbFlag, &workersFlag, &logLevelFlag, &logDirFlag),
		shipCmd(&urlFlag, &tokenFlag, &dbFlag, &workersFlag, &logLevelFlag, &logDirFlag),
		healthCmd(&urlFlag, &tokenFlag, &logLevelFlag),
		loginCmd(),
		versionCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(url, token, dbPath string, workers int) (config.Config, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return cfg, err
	}
	return cfg.ApplyOverrides(url, token, dbPath, workers), nil
}

// requireAPIURL fails fast with a clear message before any of the
// heavier config/store/network setup runs, using config.ReadAPIURL
// directly when no --url override was given so a missing login file
// is reported without a wasted FromEnv/ApplyOverrides round-trip.
func requireAPIURL(urlOverride string) error {
	if urlOverride != "" {
		return nil
	}
	url, err := config.ReadAPIURL()
	if err != nil {
		return fmt.Errorf("reading configured ingest URL: %w", err)
	}
	if url == "" {
		return fmt.Errorf("no ingest URL configured — run 'longhouse-shipper login --url <url>' first")
	}
	return nil
}

func connectCmd(url, token, dbPath *string, workers *int, logLevel, logDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "connect",
		Short: "Run the shipper daemon: watch, scan, replay, and ship continuously",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := logger.InitDaemon(*logLevel, *logDir); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			if err := requireAPIURL(*url); err != nil {
				return err
			}
			cfg, err := loadConfig(*url, *token, *dbPath, *workers)
			if err != nil {
				return err
			}
			client := transport.NewClient(cfg)
			logger.Info("starting longhouse-shipper", "version", buildinfo.Version, "ingest_url", client.IngestURL())
			return daemon.Run(cfg)
		},
	}
}

func shipCmd(url, token, dbPath *string, workers *int, logLevel, logDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "ship",
		Short: "Run one full scan and spool replay, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := logger.Init(*logLevel, ""); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			if err := requireAPIURL(*url); err != nil {
				return err
			}
			cfg, err := loadConfig(*url, *token, *dbPath, *workers)
			if err != nil {
				return err
			}

			dbFile, err := cfg.ResolvedDBPath()
			if err != nil {
				return err
			}
			store, err := state.Open(dbFile)
			if err != nil {
				return fmt.Errorf("open state store: %w", err)
			}
			defer store.Close()

			fs := state.NewFileState(store)
			spool := state.NewSpool(store)
			client := transport.NewClient(cfg)
			logger.Info("shipping to", "ingest_url", client.IngestURL(), "workers", cfg.Workers)

			algo := payload.AlgoGzip
			if cfg.CompressionAlgo == string(payload.AlgoZstd) {
				algo = payload.AlgoZstd
			}

			providers := provider.KnownProviders()
			if len(providers) == 0 {
				fmt.Println("no known provider directories found on this host")
				return nil
			}

			ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout*4)
			defer cancel()

			if _, err := delivery.RunStartupRecovery(fs, spool); err != nil {
				return fmt.Errorf("startup recovery: %w", err)
			}

			filesShipped, eventsShipped, err := delivery.BulkFullScan(ctx, providers, fs, spool, client, algo, cfg.MaxBatchBytes, cfg.Workers)
			if err != nil {
				return fmt.Errorf("full scan: %w", err)
			}
			shipped, failed, err := delivery.ReplaySpoolBatch(ctx, spool, fs, client, algo, 500)
			if err != nil {
				return fmt.Errorf("spool replay: %w", err)
			}

			fmt.Printf("scanned: %d files shipped, %d events\n", filesShipped, eventsShipped)
			fmt.Printf("replayed: %d shipped, %d failed\n", shipped, failed)
			return nil
		},
	}
}

func healthCmd(url, token *string, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check reachability of the configured ingest API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAPIURL(*url); err != nil {
				return err
			}
			cfg, err := loadConfig(*url, *token, "", 0)
			if err != nil {
				return err
			}
			client := transport.NewClient(cfg)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			ok, err := client.HealthCheck(ctx)
			if err != nil {
				return fmt.Errorf("health check: %w", err)
			}
			if !ok {
				fmt.Println("unreachable")
				os.Exit(1)
			}
			fmt.Println("ok")
			return nil
		},
	}
}

func loginCmd() *cobra.Command {
	var urlFlag, tokenFlag string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Persist the ingest API URL and token to the Claude config directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			if urlFlag == "" && tokenFlag == "" {
				return fmt.Errorf("provide at least one of --url or --token")
			}
			if err := config.WriteLoginFiles(urlFlag, tokenFlag); err != nil {
				return err
			}
			if config.HasValidConfig() {
				fmt.Println("saved — shipper is fully configured")
			} else {
				fmt.Println("saved (partial) — set both --url and --token (or AGENTS_API_TOKEN) before running 'connect'")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&urlFlag, "url", "", "ingest API base URL")
	cmd.Flags().StringVar(&tokenFlag, "token", "", "API token")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the shipper version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(buildinfo.Version)
			return nil
		},
	}
}
