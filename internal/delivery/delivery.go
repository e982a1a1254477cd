// Package delivery wires together parsing, compression, the HTTP
// client, and local state into the core ship-a-file operations shared
// by the one-shot ship command and the daemon's event loop.
package delivery

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/cipher982/longhouse-shipper/internal/logger"
	"github.com/cipher982/longhouse-shipper/internal/parser"
	"github.com/cipher982/longhouse-shipper/internal/payload"
	"github.com/cipher982/longhouse-shipper/internal/provider"
	"github.com/cipher982/longhouse-shipper/internal/state"
	"github.com/cipher982/longhouse-shipper/internal/transport"
)

// Item is a parsed and compressed file ready to ship.
type Item struct {
	Path       string
	Provider   string
	Offset     uint64
	NewOffset  uint64
	EventCount int
	SessionID  string
	Compressed []byte
}

// planOffset resolves the byte offset a file should be re-parsed from,
// handling truncation resets. It touches the state store and so must
// only run on the single sequential path, never from worker-pool
// goroutines. skip is true when there is nothing new to read.
func planOffset(path string, fs *state.FileState) (offset, fileSize uint64, skip bool, err error) {
	currentOffset, err := fs.GetOffset(path)
	if err != nil {
		return 0, 0, false, err
	}

	info, err := os.Stat(path)
	if err != nil {
		logger.Warn("cannot stat file", "path", path, "error", err)
		return 0, 0, true, nil
	}
	fileSize = uint64(info.Size())

	switch {
	case fileSize < currentOffset:
		logger.Warn("file truncated, resetting", "path", path, "was", currentOffset, "now", fileSize)
		if err := fs.ResetOffsets(path); err != nil {
			return 0, 0, false, err
		}
		return 0, fileSize, false, nil
	case fileSize == currentOffset:
		return 0, fileSize, true, nil
	default:
		return currentOffset, fileSize, false, nil
	}
}

// buildItemsFromResult splits a parse result into one Item per batch
// under maxBatchBytes, threading each batch's cursor range off the
// SourceOffset of the first event in the following batch. Pure: it
// touches neither the state store nor the network, so it's safe to
// call concurrently from a worker pool.
func buildItemsFromResult(path, providerName string, offset, fileSize uint64, result parser.ParseResult, algo payload.Algo, maxBatchBytes int64) ([]*Item, error) {
	if len(result.Events) == 0 {
		return nil, nil
	}

	groups := payload.SplitEvents(result.Events, maxBatchBytes)
	items := make([]*Item, 0, len(groups))
	cursor := offset

	for i, group := range groups {
		newOffset := fileSize
		if i < len(groups)-1 {
			newOffset = groups[i+1][0].SourceOffset
		}

		p := payload.BuildPayload(result.Metadata.SessionID, group, result.Metadata, path, providerName)
		compressed, err := payload.BuildAndCompress(p, algo)
		if err != nil {
			return nil, fmt.Errorf("compress %s: %w", path, err)
		}

		items = append(items, &Item{
			Path:       path,
			Provider:   providerName,
			Offset:     cursor,
			NewOffset:  newOffset,
			EventCount: len(group),
			SessionID:  result.Metadata.SessionID,
			Compressed: compressed.Compressed,
		})
		cursor = newOffset
	}

	return items, nil
}

// PrepareFile parses and compresses a single file from its last acked
// offset, splitting it into multiple Items if it exceeds
// maxBatchBytes. Returns nil if the file has no new content, can't be
// read, or parses to zero events.
func PrepareFile(path, providerName string, algo payload.Algo, fs *state.FileState, maxBatchBytes int64) ([]*Item, error) {
	offset, fileSize, skip, err := planOffset(path, fs)
	if err != nil {
		return nil, err
	}
	if skip {
		return nil, nil
	}

	result, err := parser.ParseSessionFile(path, offset)
	if err != nil {
		logger.Warn("skip file", "path", path, "error", err)
		return nil, nil
	}

	return buildItemsFromResult(path, providerName, offset, fileSize, result, algo, maxBatchBytes)
}

// PrepareAt parses and compresses a file starting at a caller-supplied
// offset, without touching the state store. It's the CPU-bound half
// of file preparation, safe to run from a worker pool: the bulk ship
// path resolves offsets sequentially first (PlanBulkOffsets), then
// fans PrepareAt out across goroutines, and ships the results
// sequentially through the single I/O path.
func PrepareAt(path, providerName string, offset uint64, algo payload.Algo, maxBatchBytes int64) ([]*Item, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, nil
	}
	fileSize := uint64(info.Size())
	if fileSize <= offset {
		return nil, nil
	}

	result, err := parser.ParseSessionFile(path, offset)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return buildItemsFromResult(path, providerName, offset, fileSize, result, algo, maxBatchBytes)
}

// ShipAndRecord ships a prepared item and updates local state
// according to the outcome: success advances both cursors, transient
// failure queues the gap in the spool, and a client error skips the
// range to avoid infinite re-processing. Returns the number of events
// shipped (0 on any non-success path) and the transport outcome so
// callers can drive an offline/online state machine.
func ShipAndRecord(ctx context.Context, item *Item, client *transport.Client, fs *state.FileState, spool *state.Spool) (int, transport.Outcome, error) {
	result := client.Ship(ctx, item.Compressed)

	switch result.Outcome {
	case transport.OutcomeOK:
		if err := fs.SetOffset(item.Path, item.NewOffset, item.SessionID, item.SessionID, item.Provider); err != nil {
			return 0, result.Outcome, err
		}
		logger.Debug("shipped file", "path", item.Path, "events", item.EventCount, "bytes", item.NewOffset-item.Offset)
		return item.EventCount, result.Outcome, nil

	case transport.OutcomeRateLimited, transport.OutcomeServerError, transport.OutcomeConnectError:
		// queued_offset advances only once the range is in the spool. A
		// full spool leaves both cursors where they were: the next
		// PrepareFile call re-reads from acked_offset, so no data is
		// lost and the spool stays bounded.
		queued, err := spool.Enqueue(item.Provider, item.Path, item.Offset, item.NewOffset, item.SessionID)
		if err != nil {
			return 0, result.Outcome, err
		}
		if !queued {
			logger.Warn("spool full, leaving cursors unchanged", "path", item.Path, "outcome", outcomeLabel(result.Outcome))
			return 0, result.Outcome, nil
		}
		if err := fs.SetQueuedOffset(item.Path, item.NewOffset, item.Provider, item.SessionID, item.SessionID); err != nil {
			return 0, result.Outcome, err
		}
		logger.Warn("spooled file for retry", "path", item.Path, "outcome", outcomeLabel(result.Outcome), "message", result.Message)
		return 0, result.Outcome, nil

	case transport.OutcomeClientError:
		logger.Error("client error shipping file, skipping", "path", item.Path, "status", result.StatusCode, "message", truncate(result.Message, 200))
		if err := fs.SetOffset(item.Path, item.NewOffset, item.SessionID, item.SessionID, item.Provider); err != nil {
			return 0, result.Outcome, err
		}
		return 0, result.Outcome, nil
	}

	return 0, result.Outcome, fmt.Errorf("unhandled ship outcome %v", result.Outcome)
}

// RunStartupRecovery finds files where queued_offset > acked_offset
// and re-enqueues their gaps into the spool. Returns the number of
// files recovered.
func RunStartupRecovery(fs *state.FileState, spool *state.Spool) (int, error) {
	unacked, err := fs.GetUnackedFiles()
	if err != nil {
		return 0, err
	}

	for _, f := range unacked {
		logger.Info("recovering gap", "path", f.Path, "acked", f.AckedOffset, "queued", f.QueuedOffset)
		if _, err := spool.Enqueue(f.Provider, f.Path, f.AckedOffset, f.QueuedOffset, f.SessionID); err != nil {
			return 0, err
		}
	}
	return len(unacked), nil
}

// ReplaySpoolBatch re-parses and re-ships up to limit pending spool
// entries. Returns (shipped, failed).
func ReplaySpoolBatch(ctx context.Context, spool *state.Spool, fs *state.FileState, client *transport.Client, algo payload.Algo, limit int) (int, int, error) {
	pending, err := spool.DequeueBatch(limit)
	if err != nil {
		return 0, 0, err
	}

	shipped, failed := 0, 0

	for _, entry := range pending {
		if _, err := os.Stat(entry.FilePath); os.IsNotExist(err) {
			logger.Warn("spool file missing", "path", entry.FilePath)
			spool.MarkFailedWithMax(entry.ID, "file missing", 0)
			failed++
			continue
		}

		result, err := parser.ParseSessionFile(entry.FilePath, entry.StartOffset)
		if err != nil {
			spool.MarkFailed(entry.ID, err.Error())
			failed++
			continue
		}

		if len(result.Events) == 0 {
			spool.MarkShipped(entry.ID)
			fs.SetAckedOffset(entry.FilePath, entry.EndOffset)
			shipped++
			continue
		}

		p := payload.BuildPayload(result.Metadata.SessionID, result.Events, result.Metadata, entry.FilePath, entry.Provider)
		compressed, err := payload.BuildAndCompress(p, algo)
		if err != nil {
			spool.MarkFailed(entry.ID, err.Error())
			failed++
			continue
		}

		shipResult := client.Ship(ctx, compressed.Compressed)
		switch shipResult.Outcome {
		case transport.OutcomeOK:
			spool.MarkShipped(entry.ID)
			fs.SetAckedOffset(entry.FilePath, entry.EndOffset)
			shipped++
		case transport.OutcomeConnectError:
			// Leave untouched — retried next cycle without incrementing
			// backoff. This skips the trailing spool.Cleanup() call
			// below; harmless, since the next replay cycle runs
			// Cleanup() regardless of whether this one reached it.
			return shipped, failed, nil
		case transport.OutcomeRateLimited, transport.OutcomeServerError:
			spool.MarkFailed(entry.ID, "server error during replay")
			failed++
		case transport.OutcomeClientError:
			spool.MarkFailedWithMax(entry.ID, fmt.Sprintf("client error %d", shipResult.StatusCode), 0)
			failed++
		}
	}

	cleaned, err := spool.Cleanup()
	if err != nil {
		return shipped, failed, err
	}
	if cleaned > 0 {
		logger.Info("cleaned old spool entries", "count", cleaned)
	}

	return shipped, failed, nil
}

// FullScan discovers all provider files and ships any with new
// content, sequentially. Returns (files_shipped, events_shipped). This
// is the path the daemon uses for its initial scan and periodic
// fallback scan, where a single goroutine is plenty since most files
// have nothing new to offer.
func FullScan(ctx context.Context, providers []provider.Config, fs *state.FileState, spool *state.Spool, client *transport.Client, algo payload.Algo, maxBatchBytes int64) (int, int, error) {
	allFiles, err := provider.DiscoverAll(providers)
	if err != nil {
		return 0, 0, err
	}

	filesShipped, eventsShipped := 0, 0

	for _, f := range allFiles {
		items, err := PrepareFile(f.Path, f.Provider, algo, fs, maxBatchBytes)
		if err != nil {
			logger.Warn("error preparing file", "path", f.Path, "error", err)
			continue
		}
		shipped, events, outcome, err := shipItems(ctx, items, client, fs, spool)
		if err != nil {
			return filesShipped, eventsShipped, err
		}
		eventsShipped += events
		if shipped {
			filesShipped++
			if filesShipped%100 == 0 {
				logger.Info("full scan progress", "files", filesShipped, "events", eventsShipped)
			}
		}
		if outcome == transport.OutcomeConnectError {
			return filesShipped, eventsShipped, nil
		}
	}

	return filesShipped, eventsShipped, nil
}

// shipItems ships every item produced for one file, in order, and
// reports whether any events were shipped. It stops at the first
// connect error, leaving remaining items for the next scan — their
// cursor ranges start from wherever the state store's offset actually
// landed, so nothing is skipped.
func shipItems(ctx context.Context, items []*Item, client *transport.Client, fs *state.FileState, spool *state.Spool) (shipped bool, eventsShipped int, outcome transport.Outcome, err error) {
	for _, item := range items {
		events, o, err := ShipAndRecord(ctx, item, client, fs, spool)
		if err != nil {
			return shipped, eventsShipped, o, err
		}
		if events > 0 {
			eventsShipped += events
			shipped = true
		}
		if o == transport.OutcomeConnectError {
			return shipped, eventsShipped, o, nil
		}
	}
	return shipped, eventsShipped, transport.OutcomeOK, nil
}

// filePlan is a file resolved to a starting offset, ready for
// parallel parse+compress.
type filePlan struct {
	path     string
	provider string
	offset   uint64
}

// PlanBulkOffsets discovers provider files and resolves each one's
// starting offset against the state store, sequentially. This is the
// only part of the bulk ship pathway that touches the store, so it
// runs before the worker pool rather than inside it.
func PlanBulkOffsets(providers []provider.Config, fs *state.FileState) ([]filePlan, error) {
	allFiles, err := provider.DiscoverAll(providers)
	if err != nil {
		return nil, err
	}

	plans := make([]filePlan, 0, len(allFiles))
	for _, f := range allFiles {
		offset, _, skip, err := planOffset(f.Path, fs)
		if err != nil {
			return nil, err
		}
		if skip {
			continue
		}
		plans = append(plans, filePlan{path: f.Path, provider: f.Provider, offset: offset})
	}
	return plans, nil
}

// BulkFullScan is the one-shot `ship` command's bulk pathway: offsets
// are resolved sequentially, then a bounded worker pool parses and
// compresses every planned file concurrently (CPU-bound work, no
// store access), and the resulting items are shipped one at a time
// through the single I/O path. Returns (files_shipped, events_shipped).
func BulkFullScan(ctx context.Context, providers []provider.Config, fs *state.FileState, spool *state.Spool, client *transport.Client, algo payload.Algo, maxBatchBytes int64, workers int) (int, int, error) {
	plans, err := PlanBulkOffsets(providers, fs)
	if err != nil {
		return 0, 0, err
	}
	if len(plans) == 0 {
		return 0, 0, nil
	}
	if workers < 1 {
		workers = 1
	}

	type prepared struct {
		items []*Item
		err   error
	}
	results := make([]prepared, len(plans))

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				plan := plans[idx]
				items, err := PrepareAt(plan.path, plan.provider, plan.offset, algo, maxBatchBytes)
				results[idx] = prepared{items: items, err: err}
			}
		}()
	}
	for idx := range plans {
		jobs <- idx
	}
	close(jobs)
	wg.Wait()

	filesShipped, eventsShipped := 0, 0
	for _, r := range results {
		if r.err != nil {
			logger.Warn("error preparing file", "error", r.err)
			continue
		}
		shipped, events, outcome, err := shipItems(ctx, r.items, client, fs, spool)
		if err != nil {
			return filesShipped, eventsShipped, err
		}
		eventsShipped += events
		if shipped {
			filesShipped++
		}
		if outcome == transport.OutcomeConnectError {
			return filesShipped, eventsShipped, nil
		}
	}

	return filesShipped, eventsShipped, nil
}

func outcomeLabel(o transport.Outcome) string {
	switch o {
	case transport.OutcomeRateLimited:
		return "rate_limited"
	case transport.OutcomeServerError:
		return "server_error"
	case transport.OutcomeConnectError:
		return "connect_error"
	default:
		return "unknown"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
