// Package daemon runs the long-running shipper event loop: a
// single-threaded cooperative scheduler that fuses a filesystem
// watcher with periodic fallback scans, spool replay, pruning,
// heartbeating, and a presence-outbox drain, all gated by an
// offline/online state machine.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cipher982/longhouse-shipper/internal/config"
	"github.com/cipher982/longhouse-shipper/internal/delivery"
	"github.com/cipher982/longhouse-shipper/internal/errtracker"
	"github.com/cipher982/longhouse-shipper/internal/heartbeat"
	"github.com/cipher982/longhouse-shipper/internal/logger"
	"github.com/cipher982/longhouse-shipper/internal/outbox"
	"github.com/cipher982/longhouse-shipper/internal/payload"
	"github.com/cipher982/longhouse-shipper/internal/provider"
	"github.com/cipher982/longhouse-shipper/internal/state"
	"github.com/cipher982/longhouse-shipper/internal/transport"
	"github.com/cipher982/longhouse-shipper/internal/watch"
)

const (
	outboxDrainInterval  = time.Second
	heartbeatInterval    = 5 * time.Minute
	pruneInterval        = 24 * time.Hour
	healthCheckInterval  = 60 * time.Second
	pruneStaleDays       = 30
	spoolReplayBatchSize = 100
)

// Daemon owns the store, transport client, and offline/online state
// machine shared across every branch of the event loop.
type Daemon struct {
	cfg       config.Config
	store     *state.Store
	fs        *state.FileState
	spool     *state.Spool
	client    *transport.Client
	tracker   *errtracker.Tracker
	providers []provider.Config
	algo      payload.Algo
	claudeDir string
	outboxDir string

	isOffline    bool
	offlineSince time.Time
	lastShipAt   string
}

// Run opens the state store, performs startup recovery, and runs the
// event loop until SIGINT/SIGTERM or an unrecoverable error. Returns
// nil immediately if no known provider directories exist on this host.
func Run(cfg config.Config) error {
	dbPath, err := cfg.ResolvedDBPath()
	if err != nil {
		return fmt.Errorf("resolve db path: %w", err)
	}
	store, err := state.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer store.Close()

	fs := state.NewFileState(store)
	spool := state.NewSpool(store)

	recovered, err := delivery.RunStartupRecovery(fs, spool)
	if err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}
	if recovered > 0 {
		logger.Info("startup recovery requeued unacked gaps", "count", recovered)
	}

	providers := provider.KnownProviders()
	if len(providers) == 0 {
		logger.Warn("no known provider directories found on this host, nothing to watch")
		return nil
	}
	for _, p := range providers {
		logger.Info("discovered provider", "name", p.Name, "root", p.Root)
	}

	claudeDir, err := config.ClaudeDir()
	if err != nil {
		claudeDir = os.TempDir()
	}

	algo := payload.AlgoGzip
	if cfg.CompressionAlgo == string(payload.AlgoZstd) {
		algo = payload.AlgoZstd
	}

	d := &Daemon{
		cfg:       cfg,
		store:     store,
		fs:        fs,
		spool:     spool,
		client:    transport.NewClient(cfg),
		tracker:   errtracker.New(),
		providers: providers,
		algo:      algo,
		claudeDir: claudeDir,
		outboxDir: filepath.Join(claudeDir, "outbox"),
	}

	return d.run()
}

func (d *Daemon) run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("running initial full scan")
	filesShipped, eventsShipped, err := delivery.FullScan(ctx, d.providers, d.fs, d.spool, d.client, d.algo, d.cfg.MaxBatchBytes)
	if err != nil {
		logger.Error("initial full scan failed", "error", err)
	} else {
		logger.Info("initial full scan complete", "files", filesShipped, "events", eventsShipped)
	}

	if shipped, failed, err := delivery.ReplaySpoolBatch(ctx, d.spool, d.fs, d.client, d.algo, spoolReplayBatchSize); err != nil {
		logger.Error("initial spool replay failed", "error", err)
	} else if shipped > 0 || failed > 0 {
		logger.Info("initial spool replay complete", "shipped", shipped, "failed", failed)
	}

	w, err := watch.New(d.providers)
	if err != nil {
		return fmt.Errorf("start filesystem watcher: %w", err)
	}
	defer w.Close()

	batches := make(chan []string)
	go func() {
		for {
			batch := w.NextBatch(d.cfg.FlushInterval)
			if batch == nil {
				close(batches)
				return
			}
			select {
			case batches <- batch:
			case <-ctx.Done():
				return
			}
		}
	}()

	fallbackScan := time.NewTicker(d.cfg.FallbackScanInterval())
	defer fallbackScan.Stop()
	spoolReplay := time.NewTicker(d.cfg.SpoolReplayInterval())
	defer spoolReplay.Stop()
	healthProbe := time.NewTicker(healthCheckInterval)
	defer healthProbe.Stop()
	prune := time.NewTicker(pruneInterval)
	defer prune.Stop()
	hb := time.NewTicker(heartbeatInterval)
	defer hb.Stop()
	outboxDrain := time.NewTicker(outboxDrainInterval)
	defer outboxDrain.Stop()

	logger.Info("daemon started")

	for {
		// Shutdown is biased: checked first on every iteration so a
		// pending signal always wins over other ready timers.
		select {
		case <-ctx.Done():
			logger.Info("shutdown signal received, exiting")
			return nil
		default:
		}

		select {
		case <-ctx.Done():
			logger.Info("shutdown signal received, exiting")
			return nil

		case <-healthProbe.C:
			if d.isOffline {
				d.runHealthCheck(ctx)
			}

		case batch, ok := <-batches:
			if !ok {
				return nil
			}
			if !d.isOffline {
				d.shipBatch(ctx, batch)
			}

		case <-fallbackScan.C:
			if !d.isOffline {
				d.runFallbackScan(ctx)
			}

		case <-spoolReplay.C:
			if !d.isOffline {
				d.runSpoolReplay(ctx)
			}

		case <-prune.C:
			d.runPrune()

		case <-hb.C:
			d.runHeartbeat(ctx)

		case <-outboxDrain.C:
			sent, kept := outbox.Drain(ctx, d.outboxDir, d.client)
			if sent > 0 || kept > 0 {
				logger.Debug("outbox drain", "sent", sent, "kept", kept)
			}
		}
	}
}

// shipBatch prepares and ships each path in a watcher batch, resolving
// its provider by directory membership. A connect error anywhere in
// the batch flips the daemon offline.
func (d *Daemon) shipBatch(ctx context.Context, paths []string) {
	var connectErr bool
	filesShipped, eventsShipped := 0, 0

	for _, path := range paths {
		providerName, ok := provider.ProviderForPath(path, d.providers)
		if !ok {
			continue
		}
		items, err := delivery.PrepareFile(path, providerName, d.algo, d.fs, d.cfg.MaxBatchBytes)
		if err != nil {
			if d.tracker.RecordError() {
				logger.Warn("error preparing watched file", "path", path, "error", err)
			}
			continue
		}

		fileShipped := false
		for _, item := range items {
			events, outcome, err := delivery.ShipAndRecord(ctx, item, d.client, d.fs, d.spool)
			if err != nil {
				if d.tracker.RecordError() {
					logger.Error("error shipping watched file", "path", path, "error", err)
				}
				break
			}
			if outcome == transport.OutcomeConnectError {
				connectErr = true
				break
			}
			if events > 0 {
				fileShipped = true
				eventsShipped += events
			}
		}
		if fileShipped {
			if count, ok := d.tracker.RecordSuccess(); ok {
				logger.Info("ship recovered after failures", "total_failures", count)
			}
			filesShipped++
			d.lastShipAt = time.Now().UTC().Format(time.RFC3339)
		}
	}

	if filesShipped > 0 {
		logger.Debug("shipped watcher batch", "files", filesShipped, "events", eventsShipped)
	}
	if connectErr {
		d.markOffline()
	}
}

func (d *Daemon) runFallbackScan(ctx context.Context) {
	filesShipped, eventsShipped, err := delivery.FullScan(ctx, d.providers, d.fs, d.spool, d.client, d.algo, d.cfg.MaxBatchBytes)
	if err != nil {
		if d.tracker.RecordError() {
			logger.Warn("fallback scan error", "error", err)
		}
		return
	}
	if filesShipped > 0 {
		logger.Info("fallback scan shipped files", "files", filesShipped, "events", eventsShipped)
		d.lastShipAt = time.Now().UTC().Format(time.RFC3339)
	}
}

func (d *Daemon) runSpoolReplay(ctx context.Context) {
	shipped, failed, err := delivery.ReplaySpoolBatch(ctx, d.spool, d.fs, d.client, d.algo, spoolReplayBatchSize)
	if err != nil {
		if d.tracker.RecordError() {
			logger.Warn("spool replay error", "error", err)
		}
		return
	}
	if shipped > 0 || failed > 0 {
		logger.Info("spool replay complete", "shipped", shipped, "failed", failed)
	}
	if shipped > 0 {
		d.lastShipAt = time.Now().UTC().Format(time.RFC3339)
	}
}

func (d *Daemon) runPrune() {
	n, err := d.fs.PruneStale(pruneStaleDays)
	if err != nil {
		logger.Warn("prune file_state failed", "error", err)
	} else if n > 0 {
		logger.Info("pruned stale tracked files", "count", n)
	}

	cleaned, err := d.spool.Cleanup()
	if err != nil {
		logger.Warn("prune spool failed", "error", err)
	} else if cleaned > 0 {
		logger.Info("pruned old spool entries", "count", cleaned)
	}
}

func (d *Daemon) runHeartbeat(ctx context.Context) {
	hbPayload := heartbeat.Build(heartbeat.Stats{
		Spool:      d.spool,
		Tracker:    d.tracker,
		IsOffline:  d.isOffline,
		LastShipAt: d.lastShipAt,
	}, d.claudeDir)

	heartbeat.WriteStatusFile(hbPayload, d.claudeDir)

	if d.isOffline {
		return
	}
	if err := heartbeat.Send(ctx, d.client, hbPayload); err != nil {
		logger.Warn("heartbeat post failed", "error", err)
	}
}

func (d *Daemon) runHealthCheck(ctx context.Context) {
	ok, err := d.client.HealthCheck(ctx)
	if err != nil || !ok {
		return
	}
	d.markOnline()
}

func (d *Daemon) markOffline() {
	if d.isOffline {
		return
	}
	d.isOffline = true
	d.offlineSince = time.Now()
	logger.Warn("ingest endpoint unreachable, entering offline mode")
}

func (d *Daemon) markOnline() {
	if !d.isOffline {
		return
	}
	duration := time.Since(d.offlineSince)
	d.isOffline = false
	d.offlineSince = time.Time{}
	logger.Info("ingest endpoint reachable again, resuming", "offline_duration", duration.String())
}
