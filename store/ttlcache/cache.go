// Package ttlcache provides a TTL cache layer over one collection of the
// persistent local store. Entries past their expiry are treated as absent
// and lazily deleted on read; a periodic sweep is optional and only reclaims
// space.
package ttlcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wolfeidau/offline-atlas/store/localdb"
	"github.com/wolfeidau/offline-atlas/telemetry"
)

// Collection is the local store collection backing the cache.
const Collection = "cache"

// TTLs observed at the engine's call sites.
const (
	// TTLRoutePOI caches POI queries along a planned route.
	TTLRoutePOI = 5 * time.Minute

	// TTLViewportStations caches viewport and route fuel-station queries.
	TTLViewportStations = 7 * 24 * time.Hour

	// TTLCountryDataset caches whole-country dataset downloads.
	TTLCountryDataset = 30 * 24 * time.Hour
)

// ErrNotFound is returned when a key is absent or its entry has expired.
var ErrNotFound = errors.New("ttlcache: not found")

// entry is the persisted representation of a cache record.
type entry struct {
	Key       string    `json:"key"`
	Payload   []byte    `json:"payload"`
	Encoding  string    `json:"encoding,omitempty"`
	RawSize   int64     `json:"raw_size,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Cache is a TTL cache over the local store's cache collection.
type Cache struct {
	db     *localdb.DB
	codec  *codec
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger for the cache.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates a cache over the given store.
func New(db *localdb.DB, opts ...Option) (*Cache, error) {
	codec, err := newCodec()
	if err != nil {
		return nil, fmt.Errorf("creating cache codec: %w", err)
	}

	c := &Cache{
		db:     db,
		codec:  codec,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Close releases codec resources. The underlying store is owned by the
// caller and stays open.
func (c *Cache) Close() {
	c.codec.Close()
}

// Get returns the cached value for the key. A missing entry and an expired
// entry are both reported as ErrNotFound; an expired entry is deleted before
// returning. A degraded store surfaces localdb.ErrUnavailable so callers can
// log the difference.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := c.db.Get(ctx, Collection, key)
	if err != nil {
		if errors.Is(err, localdb.ErrNotFound) {
			telemetry.RecordCacheLookup(ctx, "miss")
			return nil, ErrNotFound
		}
		return nil, err
	}

	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		c.logger.Warn("dropping unreadable cache entry", "key", key, "error", err)
		_ = c.db.Delete(ctx, Collection, key)
		telemetry.RecordCacheLookup(ctx, "miss")
		return nil, ErrNotFound
	}

	if !e.ExpiresAt.After(c.now()) {
		if err := c.db.Delete(ctx, Collection, key); err != nil {
			c.logger.Warn("failed to delete expired cache entry", "key", key, "error", err)
		}
		telemetry.RecordCacheLookup(ctx, "expired")
		return nil, ErrNotFound
	}

	telemetry.RecordCacheLookup(ctx, "hit")
	return c.codec.decode(e.Payload, e.Encoding)
}

// Set stores a value under the key with the given time-to-live.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	payload, encoding := c.codec.encode(value)

	data, err := json.Marshal(entry{
		Key:       key,
		Payload:   payload,
		Encoding:  encoding,
		RawSize:   int64(len(value)),
		ExpiresAt: c.now().Add(ttl),
	})
	if err != nil {
		return fmt.Errorf("marshaling cache entry: %w", err)
	}

	return c.db.Put(ctx, Collection, localdb.Item{Key: key, Data: data})
}

// Delete removes an entry regardless of expiry.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.db.Delete(ctx, Collection, key)
}

// Cleanup scans the collection and deletes every expired entry, returning
// how many were removed. Safe to run concurrently with reads and writes.
func (c *Cache) Cleanup(ctx context.Context) (int, error) {
	start := time.Now()

	records, err := c.db.GetAll(ctx, Collection)
	if err != nil {
		return 0, err
	}

	now := c.now()
	var expired []string
	for _, data := range records {
		var e entry
		if err := json.Unmarshal(data, &e); err != nil {
			continue
		}
		if !e.ExpiresAt.After(now) {
			expired = append(expired, e.Key)
		}
	}
	if len(expired) == 0 {
		telemetry.RecordCacheCleanup(ctx, 0, time.Since(start))
		return 0, nil
	}

	removed, err := c.db.DeleteAll(ctx, Collection, expired)
	if removed > 0 {
		c.logger.Debug("cache cleanup complete", "removed", removed)
	}
	telemetry.RecordCacheCleanup(ctx, removed, time.Since(start))
	return removed, err
}
