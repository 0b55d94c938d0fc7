package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	offlineatlas "github.com/wolfeidau/offline-atlas"
	"github.com/wolfeidau/offline-atlas/telemetry"
	"github.com/wolfeidau/offline-atlas/tile"
)

// SweeperConfig configures background maintenance.
type SweeperConfig struct {
	// Interval is how often to run a sweep. Default is 1 hour.
	Interval time.Duration

	// StartupDelay is the wait before the first sweep, so a freshly
	// started app is not competing with its own downloads. Default is
	// 1 minute.
	StartupDelay time.Duration

	// Logger for sweep events.
	Logger *slog.Logger
}

// SweepResult contains the results of a maintenance sweep.
type SweepResult struct {
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
	CacheRemoved int           `json:"cache_removed"`
	OrphanBlobs  int           `json:"orphan_blobs"`
	Errors       int           `json:"errors"`
}

// Sweeper runs periodic maintenance over an engine: expired cache
// entries are removed, and tile blobs no longer referenced by any tile
// record are deleted. Orphans appear when a tile deletion removes the
// metadata but the blob delete fails.
type Sweeper struct {
	engine *Engine
	config SweeperConfig
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	running bool
	stopped bool
	lastRun *SweepResult
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewSweeper creates a maintenance sweeper for the engine.
func NewSweeper(e *Engine, cfg SweeperConfig) *Sweeper {
	if cfg.Interval == 0 {
		cfg.Interval = 1 * time.Hour
	}
	if cfg.StartupDelay == 0 {
		cfg.StartupDelay = 1 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Sweeper{
		engine: e,
		config: cfg,
		logger: cfg.Logger,
		now:    time.Now,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins background sweeps. Calling Start more than once, or
// after Stop, is a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running || s.stopped {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.run(ctx)
}

// Stop stops background sweeps and waits for any in-flight sweep to
// finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh
}

// LastRun returns the result of the most recent sweep, or nil if none
// has completed yet.
func (s *Sweeper) LastRun() *SweepResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.doneCh)

	delay := time.NewTimer(s.config.StartupDelay)
	defer delay.Stop()

	select {
	case <-ctx.Done():
		return
	case <-s.stopCh:
		return
	case <-delay.C:
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single maintenance sweep.
func (s *Sweeper) RunOnce(ctx context.Context) *SweepResult {
	start := s.now()
	result := &SweepResult{StartedAt: start}

	removed, err := s.engine.Cache.Cleanup(ctx)
	if err != nil {
		s.logger.Warn("cache cleanup failed", "error", err)
		result.Errors++
	}
	result.CacheRemoved = removed

	orphans, errs := s.sweepOrphanBlobs(ctx)
	result.OrphanBlobs = orphans
	result.Errors += errs

	result.Duration = s.now().Sub(start)

	if result.CacheRemoved > 0 || result.OrphanBlobs > 0 || result.Errors > 0 {
		s.logger.Info("maintenance sweep complete",
			"cache_removed", result.CacheRemoved,
			"orphan_blobs", result.OrphanBlobs,
			"errors", result.Errors,
			"duration", result.Duration,
		)
	} else {
		s.logger.Debug("maintenance sweep complete, nothing to do")
	}

	s.mu.Lock()
	s.lastRun = result
	s.mu.Unlock()

	return result
}

// sweepOrphanBlobs deletes tile blobs that no tile record references.
// Skipped entirely when the store is degraded, since an unreadable tile
// collection would make every blob look orphaned.
func (s *Sweeper) sweepOrphanBlobs(ctx context.Context) (deleted, errors int) {
	if s.engine.Store.Degraded() {
		s.logger.Debug("store degraded, skipping orphan sweep")
		return 0, 0
	}

	rows, err := s.engine.Store.GetAll(ctx, tile.Collection)
	if err != nil {
		s.logger.Warn("listing tile records failed", "error", err)
		return 0, 1
	}

	referenced := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		var meta tile.Metadata
		if err := json.Unmarshal(row, &meta); err != nil {
			s.logger.Warn("skipping unreadable tile record", "error", err)
			errors++
			continue
		}
		referenced[offlineatlas.BlobStorageKey(offlineatlas.HashString(meta.URL))] = struct{}{}
	}

	keys, err := s.engine.Blobs.List(ctx, "blobs")
	if err != nil {
		s.logger.Warn("listing blobs failed", "error", err)
		return 0, errors + 1
	}

	for _, key := range keys {
		if _, ok := referenced[key]; ok {
			continue
		}
		if err := s.engine.Blobs.Delete(ctx, key); err != nil {
			s.logger.Warn("deleting orphan blob failed", "key", key, "error", err)
			errors++
			continue
		}
		deleted++
	}

	if deleted > 0 {
		telemetry.RecordBlobSweep(ctx, deleted)
	}

	return deleted, errors
}
