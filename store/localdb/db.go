// Package localdb provides the persistent local store of the offline engine,
// backed by bbolt. Records live in named collections with non-unique
// secondary indexes declared at open time. A store whose underlying file
// cannot be opened degrades instead of failing: reads return empty results
// and writes report ErrUnavailable, so the rest of the app keeps working
// online-only.
package localdb

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("localdb: not found")

	// ErrUnavailable is returned when the storage engine is unavailable.
	// Callers treat it as "offline data unavailable", never as fatal.
	ErrUnavailable = errors.New("localdb: storage unavailable")
)

// Collection declares a named partition of the store with its secondary
// indexes. The schema is fixed for the process lifetime.
type Collection struct {
	Name    string
	Indexes []string
}

// Item is a single record plus the index values it should be findable by.
// Data is an opaque JSON document owned by the caller.
type Item struct {
	Key     string
	Indexes map[string]string
	Data    []byte
}

// DB is a multi-collection persistent store. A single handle is opened once
// per process and shared by all components.
type DB struct {
	db     *bbolt.DB
	path   string
	schema map[string]Collection
	logger *slog.Logger
	noSync bool
}

// Option configures a DB instance.
type Option func(*DB)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(d *DB) {
		d.logger = logger
	}
}

// WithNoSync disables fsync per transaction.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) Option {
	return func(d *DB) {
		d.noSync = noSync
	}
}

// Open opens the store at the given path and creates any missing buckets for
// the declared collections.
//
// On engine failure Open returns a non-nil degraded handle together with the
// error: every read on it yields empty results and every write reports
// ErrUnavailable. Callers may log the error and keep the handle.
func Open(path string, schema []Collection, opts ...Option) (*DB, error) {
	d := &DB{
		path:   path,
		schema: make(map[string]Collection, len(schema)),
		logger: slog.Default(),
	}
	for _, col := range schema {
		d.schema[col.Name] = col
	}
	for _, opt := range opts {
		opt(d)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  d.noSync,
	})
	if err != nil {
		d.logger.Warn("local store unavailable, offline data disabled", "path", path, "error", err)
		return d, fmt.Errorf("opening local store: %w", errors.Join(ErrUnavailable, err))
	}
	d.db = db

	if err := d.createBuckets(schema); err != nil {
		_ = db.Close()
		d.db = nil
		d.logger.Warn("local store unusable, offline data disabled", "path", path, "error", err)
		return d, fmt.Errorf("preparing local store: %w", errors.Join(ErrUnavailable, err))
	}

	d.logger.Debug("opened local store", "path", path, "collections", len(schema))
	return d, nil
}

func (d *DB) createBuckets(schema []Collection) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		for _, col := range schema {
			names := [][]byte{dataBucketName(col.Name), reverseBucketName(col.Name)}
			for _, index := range col.Indexes {
				names = append(names, indexBucketName(col.Name, index))
			}
			for _, name := range names {
				if _, err := tx.CreateBucketIfNotExists(name); err != nil {
					return fmt.Errorf("creating bucket %s: %w", name, err)
				}
			}
		}
		return nil
	})
}

// Degraded reports whether the storage engine is unavailable.
func (d *DB) Degraded() bool {
	return d.db == nil
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// Close closes the store and releases resources.
func (d *DB) Close() error {
	if d.db == nil {
		return nil
	}
	d.logger.Debug("closing local store")
	return d.db.Close()
}

// collection resolves a collection declared in the schema.
func (d *DB) collection(name string) (Collection, error) {
	col, ok := d.schema[name]
	if !ok {
		return Collection{}, fmt.Errorf("localdb: unknown collection %q", name)
	}
	return col, nil
}
