package dataset

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/wolfeidau/offline-atlas/backend"
	"github.com/wolfeidau/offline-atlas/geo"
	"github.com/wolfeidau/offline-atlas/store/localdb"
	"github.com/wolfeidau/offline-atlas/store/ttlcache"
	"github.com/wolfeidau/offline-atlas/telemetry"
	"golang.org/x/sync/singleflight"
)

const (
	// SplitAreaKm2 is the bounding-box area above which a country is
	// partitioned into sub-regions before querying upstream.
	SplitAreaKm2 = 200_000

	// DefaultCooldown is the wait between sub-region requests.
	DefaultCooldown = 5 * time.Second

	// minSplitStep is the smallest sub-region grid step in degrees.
	minSplitStep = 5.0
)

// ProgressFunc receives the aggregate completion percentage after every
// completed sub-region.
type ProgressFunc func(percent int)

// Synchronizer downloads a country's dataset sub-region by sub-region,
// strictly sequentially, and persists the deduplicated result.
type Synchronizer struct {
	kind     Kind
	db       *localdb.DB
	cache    *ttlcache.Cache
	files    backend.Backend
	fetcher  Fetcher
	cooldown time.Duration
	logger   *slog.Logger
	now      func() time.Time
	group    singleflight.Group
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithLogger sets the logger for the synchronizer.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Synchronizer) {
		s.logger = logger
	}
}

// WithCooldown sets the wait between sub-region requests. Zero disables
// the wait, which is only sensible in tests.
func WithCooldown(d time.Duration) Option {
	return func(s *Synchronizer) {
		s.cooldown = d
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Synchronizer) {
		s.now = now
	}
}

// NewSynchronizer creates a synchronizer for one dataset kind.
func NewSynchronizer(kind Kind, db *localdb.DB, cache *ttlcache.Cache, files backend.Backend, fetcher Fetcher, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		kind:     kind,
		db:       db,
		cache:    cache,
		files:    files,
		fetcher:  fetcher,
		cooldown: DefaultCooldown,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CountryKey is the TTL cache key for a whole-country dataset.
func CountryKey(kind Kind, code string) string {
	return fmt.Sprintf("dataset:%s:%s", kind, strings.ToUpper(code))
}

func (s *Synchronizer) manifestKey() string {
	return fmt.Sprintf("manifests/%s.json", s.kind)
}

// DownloadCountry fetches the country's dataset, splitting countries
// whose bounding box exceeds SplitAreaKm2 into a sub-region grid queried
// sequentially with a cooldown in between. Failed sub-regions are
// skipped, results are deduplicated by id (first occurrence kept) and
// persisted. Cancellation stops the remaining sub-regions and persists
// the partial result without an error.
func (s *Synchronizer) DownloadCountry(ctx context.Context, code string, onProgress ProgressFunc) ([]Record, error) {
	code = strings.ToUpper(code)

	bounds, ok := geo.CountryBounds(code)
	if !ok {
		return nil, fmt.Errorf("%w: %s", geo.ErrUnknownCountry, code)
	}

	regions := splitRegions(bounds)
	logger := s.logger.With("kind", s.kind, "country", code)
	logger.Info("dataset download starting", "regions", len(regions), "area_km2", int(bounds.AreaKm2()))

	seen := make(map[int64]struct{})
	var records []Record

	for i, region := range regions {
		if i > 0 {
			if err := s.wait(ctx); err != nil {
				logger.Info("dataset download canceled", "regions_done", i, "records", len(records))
				break
			}
		}
		if ctx.Err() != nil {
			logger.Info("dataset download canceled", "regions_done", i, "records", len(records))
			break
		}

		fetched, err := s.fetcher.FetchBounds(ctx, region)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("dataset download canceled", "regions_done", i, "records", len(records))
				break
			}
			// A failing sub-region leaves a coverage gap, it does not
			// abort the download.
			logger.Warn("sub-region fetch failed", "region", i, "error", err)
			telemetry.RecordDatasetFetch(ctx, string(s.kind), "failed", 0)
			continue
		}

		accepted := 0
		for _, rec := range fetched {
			if _, dup := seen[rec.ID]; dup {
				continue
			}
			seen[rec.ID] = struct{}{}
			rec.Version = RecordVersion
			rec.Country = code
			records = append(records, rec)
			accepted++
		}
		telemetry.RecordDatasetFetch(ctx, string(s.kind), "success", accepted)

		if onProgress != nil {
			onProgress((i + 1) * 100 / len(regions))
		}
	}

	s.persist(context.WithoutCancel(ctx), code, records)

	logger.Info("dataset download complete", "records", len(records))

	return records, nil
}

// wait sleeps for the cooldown or returns early when the context is
// canceled.
func (s *Synchronizer) wait(ctx context.Context) error {
	if s.cooldown <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(s.cooldown)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// persist writes the records to the kind's collection, refreshes the
// whole-country cache entry and upserts the manifest. Storage failures
// after a successful fetch are logged, not retried; the next explicit
// download call refetches.
func (s *Synchronizer) persist(ctx context.Context, code string, records []Record) {
	if len(records) > 0 {
		items := make([]localdb.Item, 0, len(records))
		for _, rec := range records {
			data, err := json.Marshal(rec)
			if err != nil {
				continue
			}
			items = append(items, localdb.Item{
				Key:     strconv.FormatInt(rec.ID, 10),
				Indexes: map[string]string{IndexCountry: code},
				Data:    data,
			})
		}
		if err := s.db.PutAll(ctx, s.kind.Collection(), items); err != nil {
			telemetry.RecordStoreWriteFailure(ctx, s.kind.Collection())
			s.logger.Warn("dataset record write failed", "kind", s.kind, "country", code, "error", err)
		}
	}

	payload, err := json.Marshal(records)
	if err == nil {
		if err := s.cache.Set(ctx, CountryKey(s.kind, code), payload, ttlcache.TTLCountryDataset); err != nil {
			s.logger.Warn("dataset cache write failed", "kind", s.kind, "country", code, "error", err)
		}
	}

	if err := s.upsertManifest(ctx, Manifest{
		Code:         code,
		Count:        len(records),
		DownloadedAt: s.now(),
	}); err != nil {
		s.logger.Warn("manifest update failed", "kind", s.kind, "country", code, "error", err)
	}
}

// Offline returns the persisted dataset for a downloaded country.
// Returns ErrNotDownloaded when the country has no manifest entry.
func (s *Synchronizer) Offline(ctx context.Context, code string) ([]Record, error) {
	code = strings.ToUpper(code)

	manifests, err := s.loadManifests(ctx)
	if err != nil {
		return nil, err
	}
	if _, ok := findManifest(manifests, code); !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotDownloaded, code)
	}

	rows, err := s.db.GetByIndex(ctx, s.kind.Collection(), IndexCountry, code)
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(rows))
	for _, data := range rows {
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}

	return records, nil
}

// Delete removes the country's records, cache entry and manifest entry,
// returning how many records were deleted. Partial failures are
// tolerated.
func (s *Synchronizer) Delete(ctx context.Context, code string) (int, error) {
	code = strings.ToUpper(code)

	rows, err := s.db.GetByIndex(ctx, s.kind.Collection(), IndexCountry, code)
	if err != nil {
		return 0, err
	}

	keys := make([]string, 0, len(rows))
	for _, data := range rows {
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		keys = append(keys, strconv.FormatInt(rec.ID, 10))
	}

	deleted, err := s.db.DeleteAll(ctx, s.kind.Collection(), keys)
	if err != nil {
		s.logger.Warn("dataset record delete failed", "kind", s.kind, "country", code, "error", err)
	}

	if err := s.cache.Delete(ctx, CountryKey(s.kind, code)); err != nil {
		s.logger.Warn("dataset cache delete failed", "kind", s.kind, "country", code, "error", err)
	}

	manifests, err := s.loadManifests(ctx)
	if err == nil {
		kept := manifests[:0]
		for _, m := range manifests {
			if m.Code != code {
				kept = append(kept, m)
			}
		}
		if err := s.saveManifests(ctx, kept); err != nil {
			s.logger.Warn("manifest update failed", "kind", s.kind, "country", code, "error", err)
		}
	}

	s.logger.Info("dataset deleted", "kind", s.kind, "country", code, "deleted", deleted)

	return deleted, nil
}

// Downloaded lists the manifest entries for this kind.
func (s *Synchronizer) Downloaded(ctx context.Context) ([]Manifest, error) {
	return s.loadManifests(ctx)
}

// Viewport returns the records inside a viewport, served from the TTL
// cache when a near-identical viewport was fetched within the last week.
func (s *Synchronizer) Viewport(ctx context.Context, b geo.Bounds) ([]Record, error) {
	return s.cached(ctx, fmt.Sprintf("viewport:%s", s.kind), b, ttlcache.TTLViewportStations)
}

// NearRoute returns the records along a route segment's bounding box,
// cached briefly since route queries shift constantly.
func (s *Synchronizer) NearRoute(ctx context.Context, b geo.Bounds) ([]Record, error) {
	return s.cached(ctx, fmt.Sprintf("route:%s", s.kind), b, ttlcache.TTLRoutePOI)
}

func (s *Synchronizer) cached(ctx context.Context, prefix string, b geo.Bounds, ttl time.Duration) ([]Record, error) {
	key := ttlcache.BoundsKey(prefix, b)

	if payload, err := s.cache.Get(ctx, key); err == nil {
		var records []Record
		if err := json.Unmarshal(payload, &records); err == nil {
			return records, nil
		}
	}

	// Concurrent misses for the same bounds are collapsed into one upstream
	// fetch. DoChan lets each caller honor its own deadline while the fetch
	// itself runs on a detached context, so one caller timing out does not
	// cancel the result for the others.
	ch := s.group.DoChan(key, func() (any, error) {
		records, err := s.fetcher.FetchBounds(context.WithoutCancel(ctx), b)
		if err != nil {
			s.group.Forget(key)
			return nil, err
		}

		if payload, err := json.Marshal(records); err == nil {
			if err := s.cache.Set(context.WithoutCancel(ctx), key, payload, ttl); err != nil {
				s.logger.Warn("viewport cache write failed", "key", key, "error", err)
			}
		}
		return records, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]Record), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Synchronizer) loadManifests(ctx context.Context) ([]Manifest, error) {
	r, err := s.files.Read(ctx, s.manifestKey())
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var manifests []Manifest
	if err := json.Unmarshal(data, &manifests); err != nil {
		return nil, fmt.Errorf("decoding manifest list: %w", err)
	}
	return manifests, nil
}

func (s *Synchronizer) saveManifests(ctx context.Context, manifests []Manifest) error {
	data, err := json.Marshal(manifests)
	if err != nil {
		return err
	}
	return s.files.Write(ctx, s.manifestKey(), bytes.NewReader(data))
}

func (s *Synchronizer) upsertManifest(ctx context.Context, entry Manifest) error {
	manifests, err := s.loadManifests(ctx)
	if err != nil {
		return err
	}

	if i, ok := findManifest(manifests, entry.Code); ok {
		manifests[i] = entry
	} else {
		manifests = append(manifests, entry)
	}

	return s.saveManifests(ctx, manifests)
}

func findManifest(manifests []Manifest, code string) (int, bool) {
	for i, m := range manifests {
		if m.Code == code {
			return i, true
		}
	}
	return 0, false
}

// splitRegions partitions an oversized bounding box into a sub-region
// grid with a row/col step of max(5°, range/4). Small countries come
// back as a single region.
func splitRegions(b geo.Bounds) []geo.Bounds {
	if b.AreaKm2() <= SplitAreaKm2 {
		return []geo.Bounds{b}
	}

	latStep := max(minSplitStep, (b.North-b.South)/4)
	lngStep := max(minSplitStep, (b.East-b.West)/4)

	return b.Split(latStep, lngStep)
}
