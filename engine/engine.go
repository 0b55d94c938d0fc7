// Package engine wires the offline atlas components over one shared
// local store: tile downloads, dataset synchronization, the TTL cache
// and storage introspection.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/wolfeidau/offline-atlas/backend"
	"github.com/wolfeidau/offline-atlas/dataset"
	"github.com/wolfeidau/offline-atlas/store/localdb"
	"github.com/wolfeidau/offline-atlas/store/ttlcache"
	"github.com/wolfeidau/offline-atlas/telemetry"
	"github.com/wolfeidau/offline-atlas/tile"
)

// dbFileName is the local store file under the data directory.
const dbFileName = "atlas.db"

// Config configures the engine. Dir is required; everything else has a
// working default.
type Config struct {
	// Dir is the data directory holding the store, blobs and manifests.
	Dir string

	// Logger is used by every component. Defaults to slog.Default().
	Logger *slog.Logger

	// HTTPClient is shared by the tile and dataset clients. Defaults to
	// an instrumented client with a 30 second timeout.
	HTTPClient *http.Client

	// TileSourceURL is the tile-source descriptor endpoint.
	TileSourceURL string

	// OverpassEndpoint is the POI index used for fuel stations.
	OverpassEndpoint string

	// SpotsEndpoint is the hitchhiking spot service.
	SpotsEndpoint string

	// QuotaBytes is the host-provided storage quota. Zero means the
	// quota is unknown and Usage reports it as such.
	QuotaBytes int64

	// Concurrency bounds the tile worker pool. Zero keeps the default.
	Concurrency int

	// MinZoom and MaxZoom bound the tile zoom range. Both zero keeps the
	// defaults.
	MinZoom int
	MaxZoom int

	// Cooldown is the wait between dataset sub-region requests. Zero
	// keeps the default.
	Cooldown time.Duration
}

// Engine holds the wired components. The local store handle is shared
// and may be degraded; all components tolerate that.
type Engine struct {
	Store    *localdb.DB
	Cache    *ttlcache.Cache
	Blobs    *backend.Filesystem
	Tiles    *tile.Downloader
	Stations *dataset.Synchronizer
	Spots    *dataset.Synchronizer

	logger *slog.Logger
	quota  int64
}

// Schema lists every collection the engine needs in the local store.
func Schema() []localdb.Collection {
	return []localdb.Collection{
		tile.Schema(),
		dataset.KindSpots.Schema(),
		dataset.KindStations.Schema(),
		{Name: ttlcache.Collection},
	}
}

// New creates an engine rooted at cfg.Dir. A failed store open degrades
// to an online-only engine instead of failing: every store read returns
// empty results and writes report non-fatal errors.
func New(cfg Config) (*Engine, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("engine: data directory is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{
			Transport: telemetry.NewInstrumentedTransport(nil, ""),
			Timeout:   30 * time.Second,
		}
	}

	blobs, err := backend.NewFilesystem(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("engine: creating blob backend: %w", err)
	}

	db, err := localdb.Open(filepath.Join(cfg.Dir, dbFileName), Schema(), localdb.WithLogger(logger))
	if err != nil {
		logger.Warn("local store unavailable, continuing online-only", "error", err)
	}

	cache, err := ttlcache.New(db, ttlcache.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("engine: creating cache: %w", err)
	}

	source := tile.NewSource(cfg.TileSourceURL,
		tile.WithSourceHTTPClient(client),
		tile.WithSourceLogger(logger),
	)

	tileOpts := []tile.Option{
		tile.WithLogger(logger),
		tile.WithHTTPClient(client),
	}
	if cfg.Concurrency > 0 {
		tileOpts = append(tileOpts, tile.WithConcurrency(cfg.Concurrency))
	}
	if cfg.MinZoom != 0 || cfg.MaxZoom != 0 {
		tileOpts = append(tileOpts, tile.WithZoomRange(cfg.MinZoom, cfg.MaxZoom))
	}

	syncOpts := []dataset.Option{dataset.WithLogger(logger)}
	if cfg.Cooldown > 0 {
		syncOpts = append(syncOpts, dataset.WithCooldown(cfg.Cooldown))
	}

	return &Engine{
		Store: db,
		Cache: cache,
		Blobs: blobs,
		Tiles: tile.NewDownloader(db, blobs, source, tileOpts...),
		Stations: dataset.NewSynchronizer(dataset.KindStations, db, cache, blobs,
			dataset.NewOverpassClient(cfg.OverpassEndpoint, dataset.WithHTTPClient(client)),
			syncOpts...),
		Spots: dataset.NewSynchronizer(dataset.KindSpots, db, cache, blobs,
			dataset.NewSpotsClient(cfg.SpotsEndpoint, dataset.WithHTTPClient(client)),
			syncOpts...),
		logger: logger,
		quota:  cfg.QuotaBytes,
	}, nil
}

// Usage reports storage consumption. When the quota is not known it is
// reported as unknown rather than an error; a degraded store reports
// zero counts.
type Usage struct {
	UsedBytes  int64
	QuotaBytes int64
	QuotaKnown bool
	Degraded   bool

	Tiles        int
	Spots        int
	Stations     int
	CacheEntries int
}

// Usage inspects the store and blob directory.
func (e *Engine) Usage(ctx context.Context) (Usage, error) {
	u := Usage{
		QuotaBytes: e.quota,
		QuotaKnown: e.quota > 0,
		Degraded:   e.Store.Degraded(),
	}

	blobBytes, err := e.Blobs.TotalSize(ctx)
	if err != nil {
		return u, fmt.Errorf("engine: sizing blob directory: %w", err)
	}
	u.UsedBytes = blobBytes

	// The db file and manifests live inside the data directory, so
	// TotalSize already covers them alongside the tile blobs.
	if !u.Degraded {
		if u.Tiles, err = e.Store.Count(ctx, tile.Collection); err != nil {
			return u, err
		}
		if u.Spots, err = e.Store.Count(ctx, dataset.KindSpots.Collection()); err != nil {
			return u, err
		}
		if u.Stations, err = e.Store.Count(ctx, dataset.KindStations.Collection()); err != nil {
			return u, err
		}
		if u.CacheEntries, err = e.Store.Count(ctx, ttlcache.Collection); err != nil {
			return u, err
		}
	}

	return u, nil
}

// Cleanup removes expired cache entries, returning how many were
// deleted.
func (e *Engine) Cleanup(ctx context.Context) (int, error) {
	return e.Cache.Cleanup(ctx)
}

// Close releases the cache and the store.
func (e *Engine) Close() error {
	e.Cache.Close()
	return e.Store.Close()
}
