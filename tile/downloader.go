package tile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	offlineatlas "github.com/wolfeidau/offline-atlas"
	"github.com/wolfeidau/offline-atlas/backend"
	"github.com/wolfeidau/offline-atlas/geo"
	"github.com/wolfeidau/offline-atlas/store/localdb"
	"github.com/wolfeidau/offline-atlas/telemetry"
)

const (
	// Collection is the local store collection holding tile metadata.
	Collection = "tiles"

	// IndexCountry and IndexZoom are the secondary indexes on the tiles
	// collection.
	IndexCountry = "country"
	IndexZoom    = "zoom"

	// DefaultConcurrency bounds the number of in-flight tile fetches.
	DefaultConcurrency = 6

	// DefaultMinZoom and DefaultMaxZoom bound the downloaded zoom range.
	DefaultMinZoom = 0
	DefaultMaxZoom = 10

	// averageTileBytes is the assumed tile size for UX estimates only.
	averageTileBytes = 50 * 1024

	// maxTileBytes caps a single tile response body.
	maxTileBytes = 8 << 20
)

// Schema describes the tiles collection for store initialisation.
func Schema() localdb.Collection {
	return localdb.Collection{
		Name:    Collection,
		Indexes: []string{IndexCountry, IndexZoom},
	}
}

// MetadataVersion is written into every tile record so a future schema
// change can migrate old documents explicitly.
const MetadataVersion = 1

// Metadata is the per-tile record kept in the local store. It is created
// only after the corresponding blob write succeeds and deleted together
// with the blob.
type Metadata struct {
	Version  int    `json:"v"`
	Key      string `json:"key"`
	Country  string `json:"country"`
	Zoom     int    `json:"zoom"`
	URL      string `json:"url"`
	ByteSize int64  `json:"byteSize"`
}

// Result reports the outcome of one download run. On cancellation the
// counts are partial and no error is returned.
type Result struct {
	Downloaded int
	Skipped    int
	Failed     int
	TotalBytes int64
}

// Estimate is a pre-download size estimate for UX display, not fetch
// planning.
type Estimate struct {
	TileCount   int
	EstimatedMB float64
}

// ProgressFunc receives the aggregate completion percentage after every
// tile outcome.
type ProgressFunc func(percent int)

// Downloader fetches country tile sets through a bounded worker pool.
type Downloader struct {
	db          *localdb.DB
	blobs       backend.Backend
	source      *Source
	client      *http.Client
	logger      *slog.Logger
	concurrency int
	minZoom     int
	maxZoom     int
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithLogger sets the logger for the downloader.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Downloader) {
		d.logger = logger
	}
}

// WithHTTPClient sets the HTTP client used for tile fetches.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Downloader) {
		d.client = client
	}
}

// WithConcurrency sets the worker pool size.
func WithConcurrency(n int) Option {
	return func(d *Downloader) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

// WithZoomRange sets the inclusive zoom range for downloads.
func WithZoomRange(minZoom, maxZoom int) Option {
	return func(d *Downloader) {
		d.minZoom = minZoom
		d.maxZoom = maxZoom
	}
}

// NewDownloader creates a downloader over the given store, blob backend
// and tile source.
func NewDownloader(db *localdb.DB, blobs backend.Backend, source *Source, opts ...Option) *Downloader {
	d := &Downloader{
		db:          db,
		blobs:       blobs,
		source:      source,
		client:      http.DefaultClient,
		logger:      slog.Default(),
		concurrency: DefaultConcurrency,
		minZoom:     DefaultMinZoom,
		maxZoom:     DefaultMaxZoom,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DownloadCountry downloads every tile covering the buffered country
// bounds for the configured zoom range. Already cached tiles are counted
// as skipped, individual fetch failures as failed; neither aborts the
// run. Cancellation stops the remaining tiles and returns partial counts
// without an error.
func (d *Downloader) DownloadCountry(ctx context.Context, code string, onProgress ProgressFunc) (Result, error) {
	code = strings.ToUpper(code)

	bounds, ok := geo.BufferedCountryBounds(code, geo.DefaultBufferDeg)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", geo.ErrUnknownCountry, code)
	}

	template, err := d.source.Resolve(ctx)
	if err != nil {
		return Result{}, err
	}

	return d.downloadBounds(ctx, code, bounds, template, onProgress)
}

func (d *Downloader) downloadBounds(ctx context.Context, code string, bounds geo.Bounds, template string, onProgress ProgressFunc) (Result, error) {
	var tiles []geo.Tile
	for zoom := d.minZoom; zoom <= d.maxZoom; zoom++ {
		tiles = append(tiles, geo.TilesForBounds(bounds, zoom)...)
	}
	total := len(tiles)

	run := uuid.NewString()
	logger := d.logger.With("run", run, "country", code)
	logger.Info("tile download starting", "tiles", total, "zoom_min", d.minZoom, "zoom_max", d.maxZoom)

	start := time.Now()
	ctx = telemetry.WithSourceContext(ctx, telemetry.SourceTiles)

	var (
		mu        sync.Mutex
		res       Result
		completed int
		batch     []localdb.Item
	)

	record := func(outcome string, bytes int64, item *localdb.Item) {
		mu.Lock()
		defer mu.Unlock()

		switch outcome {
		case "downloaded":
			res.Downloaded++
			res.TotalBytes += bytes
		case "skipped":
			res.Skipped++
		case "failed":
			res.Failed++
		}
		if item != nil {
			batch = append(batch, *item)
		}

		completed++
		if onProgress != nil && total > 0 {
			onProgress(completed * 100 / total)
		}

		telemetry.RecordTileOutcome(ctx, code, outcome, bytes)
	}

	g := new(errgroup.Group)
	g.SetLimit(d.concurrency)

	for _, tl := range tiles {
		if ctx.Err() != nil {
			break
		}

		g.Go(func() error {
			// Remaining tiles are simply not processed on cancellation.
			if ctx.Err() != nil {
				return nil
			}

			url := TileURL(template, tl.Zoom, tl.X, tl.Y)
			blobKey := offlineatlas.BlobStorageKey(offlineatlas.HashString(url))

			exists, err := d.blobs.Exists(ctx, blobKey)
			if err == nil && exists {
				record("skipped", 0, nil)
				return nil
			}

			data, err := d.fetchTile(ctx, url)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.Debug("tile fetch failed", "url", url, "error", err)
				record("failed", 0, nil)
				return nil
			}

			if err := d.blobs.Write(ctx, blobKey, bytes.NewReader(data)); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.Warn("tile blob write failed", "key", blobKey, "error", err)
				record("failed", 0, nil)
				return nil
			}

			item, err := metadataItem(code, tl, url, int64(len(data)))
			if err != nil {
				record("failed", 0, nil)
				return nil
			}
			record("downloaded", int64(len(data)), &item)
			return nil
		})
	}

	_ = g.Wait()

	// The metadata batch is flushed after every worker has returned, even
	// when the run was cancelled, so already downloaded tiles stay usable.
	if len(batch) > 0 {
		if err := d.db.PutAll(context.WithoutCancel(ctx), Collection, batch); err != nil {
			telemetry.RecordStoreWriteFailure(ctx, Collection)
			logger.Error("tile metadata flush failed", "records", len(batch), "error", err)
			return res, fmt.Errorf("flushing tile metadata: %w", err)
		}
	}

	telemetry.RecordTileRun(ctx, code, time.Since(start))
	logger.Info("tile download complete",
		"downloaded", res.Downloaded,
		"skipped", res.Skipped,
		"failed", res.Failed,
		"bytes", res.TotalBytes,
		"duration", time.Since(start),
	)

	return res, nil
}

func (d *Downloader) fetchTile(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("tile fetch returned status %d", resp.StatusCode)
	}

	return io.ReadAll(io.LimitReader(resp.Body, maxTileBytes))
}

func metadataItem(code string, tl geo.Tile, url string, size int64) (localdb.Item, error) {
	key := MetadataKey(code, tl)

	data, err := json.Marshal(Metadata{
		Version:  MetadataVersion,
		Key:      key,
		Country:  code,
		Zoom:     tl.Zoom,
		URL:      url,
		ByteSize: size,
	})
	if err != nil {
		return localdb.Item{}, err
	}

	return localdb.Item{
		Key: key,
		Indexes: map[string]string{
			IndexCountry: code,
			IndexZoom:    strconv.Itoa(tl.Zoom),
		},
		Data: data,
	}, nil
}

// MetadataKey is the primary key for a tile's metadata record.
func MetadataKey(code string, tl geo.Tile) string {
	return fmt.Sprintf("%s_%d_%d_%d", code, tl.Zoom, tl.X, tl.Y)
}

// DeleteCountry removes every tile blob and metadata record for the
// country. Failures on individual tiles are tolerated and do not stop
// the loop; the returned count covers fully deleted tiles.
func (d *Downloader) DeleteCountry(ctx context.Context, code string) (int, error) {
	code = strings.ToUpper(code)

	records, err := d.db.GetByIndex(ctx, Collection, IndexCountry, code)
	if err != nil {
		return 0, fmt.Errorf("listing tiles for %s: %w", code, err)
	}

	deleted := 0
	for _, data := range records {
		var meta Metadata
		if err := json.Unmarshal(data, &meta); err != nil {
			d.logger.Warn("skipping unreadable tile metadata", "country", code, "error", err)
			continue
		}

		blobKey := offlineatlas.BlobStorageKey(offlineatlas.HashString(meta.URL))
		if err := d.blobs.Delete(ctx, blobKey); err != nil {
			d.logger.Warn("tile blob delete failed", "key", blobKey, "error", err)
			continue
		}
		if err := d.db.Delete(ctx, Collection, meta.Key); err != nil && !errors.Is(err, localdb.ErrNotFound) {
			d.logger.Warn("tile metadata delete failed", "key", meta.Key, "error", err)
			continue
		}

		deleted++
	}

	d.logger.Info("country tiles deleted", "country", code, "deleted", deleted)

	return deleted, nil
}

// EstimateCountrySize estimates the tile count and download size for a
// country across the full zoom range starting at zero.
func (d *Downloader) EstimateCountrySize(code string) (Estimate, error) {
	bounds, ok := geo.BufferedCountryBounds(strings.ToUpper(code), geo.DefaultBufferDeg)
	if !ok {
		return Estimate{}, fmt.Errorf("%w: %s", geo.ErrUnknownCountry, code)
	}

	count := geo.EstimateTileCount(bounds, d.maxZoom)

	return Estimate{
		TileCount:   count,
		EstimatedMB: float64(count) * averageTileBytes / (1 << 20),
	}, nil
}
