package localdb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"go.etcd.io/bbolt"
)

// Get retrieves a record by primary key.
func (d *DB) Get(_ context.Context, collection, key string) ([]byte, error) {
	if d.db == nil {
		return nil, ErrUnavailable
	}
	if _, err := d.collection(collection); err != nil {
		return nil, err
	}

	var data []byte
	err := d.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(dataBucketName(collection))
		if bucket == nil {
			return ErrNotFound
		}
		val := bucket.Get([]byte(key))
		if val == nil {
			return ErrNotFound
		}
		data = bytes.Clone(val)
		return nil
	})
	return data, err
}

// GetAll returns every record in a collection, unordered.
func (d *DB) GetAll(_ context.Context, collection string) ([][]byte, error) {
	if d.db == nil {
		return nil, ErrUnavailable
	}
	if _, err := d.collection(collection); err != nil {
		return nil, err
	}

	var records [][]byte
	err := d.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(dataBucketName(collection))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, v []byte) error {
			records = append(records, bytes.Clone(v))
			return nil
		})
	})
	return records, err
}

// GetByIndex returns every record whose index matches the given value.
// Secondary indexes are non-unique: many records may share a value.
func (d *DB) GetByIndex(_ context.Context, collection, index, value string) ([][]byte, error) {
	if d.db == nil {
		return nil, ErrUnavailable
	}
	col, err := d.collection(collection)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(col.Indexes, index) {
		return nil, fmt.Errorf("localdb: collection %q has no index %q", collection, index)
	}

	var records [][]byte
	err = d.db.View(func(tx *bbolt.Tx) error {
		idxBucket := tx.Bucket(indexBucketName(collection, index))
		dataBucket := tx.Bucket(dataBucketName(collection))
		if idxBucket == nil || dataBucket == nil {
			return nil
		}

		prefix := indexPrefix(value)
		cursor := idxBucket.Cursor()
		for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
			if data := dataBucket.Get(v); data != nil {
				records = append(records, bytes.Clone(data))
			}
		}
		return nil
	})
	return records, err
}

// Put inserts or overwrites a record by primary key, updating its secondary
// index entries.
func (d *DB) Put(_ context.Context, collection string, item Item) error {
	if d.db == nil {
		return ErrUnavailable
	}
	col, err := d.collection(collection)
	if err != nil {
		return err
	}

	return d.db.Update(func(tx *bbolt.Tx) error {
		return d.putItem(tx, col, item)
	})
}

// PutAll writes a batch of records in a single transaction. The batch is
// atomic: if any individual write fails, none are committed.
func (d *DB) PutAll(_ context.Context, collection string, items []Item) error {
	if d.db == nil {
		return ErrUnavailable
	}
	col, err := d.collection(collection)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	return d.db.Update(func(tx *bbolt.Tx) error {
		for _, item := range items {
			if err := d.putItem(tx, col, item); err != nil {
				return fmt.Errorf("writing %q: %w", item.Key, err)
			}
		}
		return nil
	})
}

func (d *DB) putItem(tx *bbolt.Tx, col Collection, item Item) error {
	if item.Key == "" {
		return fmt.Errorf("localdb: empty key for collection %q", col.Name)
	}

	dataBucket := tx.Bucket(dataBucketName(col.Name))
	if dataBucket == nil {
		return fmt.Errorf("localdb: missing bucket for collection %q", col.Name)
	}

	if err := d.reindexItem(tx, col, item.Key, item.Indexes); err != nil {
		return err
	}

	return dataBucket.Put([]byte(item.Key), item.Data)
}

// reindexItem removes the item's old forward index entries and writes the
// new ones, keeping the reverse bucket in sync.
func (d *DB) reindexItem(tx *bbolt.Tx, col Collection, key string, indexes map[string]string) error {
	if len(col.Indexes) == 0 {
		return nil
	}

	reverseBucket := tx.Bucket(reverseBucketName(col.Name))
	if reverseBucket == nil {
		return nil
	}

	// Drop stale forward entries from the previous write, if any.
	if old := reverseBucket.Get([]byte(key)); old != nil {
		var oldValues map[string]string
		if err := json.Unmarshal(old, &oldValues); err == nil {
			for index, value := range oldValues {
				if idxBucket := tx.Bucket(indexBucketName(col.Name, index)); idxBucket != nil {
					if err := idxBucket.Delete(makeIndexKey(value, key)); err != nil {
						return fmt.Errorf("deleting old index entry: %w", err)
					}
				}
			}
		}
	}

	stored := make(map[string]string, len(col.Indexes))
	for _, index := range col.Indexes {
		value, ok := indexes[index]
		if !ok || value == "" {
			continue
		}
		idxBucket := tx.Bucket(indexBucketName(col.Name, index))
		if idxBucket == nil {
			continue
		}
		if err := idxBucket.Put(makeIndexKey(value, key), []byte(key)); err != nil {
			return fmt.Errorf("putting index entry: %w", err)
		}
		stored[index] = value
	}

	if len(stored) == 0 {
		return reverseBucket.Delete([]byte(key))
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshaling index values: %w", err)
	}
	return reverseBucket.Put([]byte(key), data)
}

// Delete removes a record and its index entries. Missing keys are a no-op.
func (d *DB) Delete(_ context.Context, collection, key string) error {
	if d.db == nil {
		return ErrUnavailable
	}
	col, err := d.collection(collection)
	if err != nil {
		return err
	}

	return d.db.Update(func(tx *bbolt.Tx) error {
		return d.deleteItem(tx, col, key)
	})
}

// DeleteAll removes a set of records in a single transaction, best effort
// per key. It returns how many keys were removed.
func (d *DB) DeleteAll(_ context.Context, collection string, keys []string) (int, error) {
	if d.db == nil {
		return 0, ErrUnavailable
	}
	col, err := d.collection(collection)
	if err != nil {
		return 0, err
	}

	deleted := 0
	err = d.db.Update(func(tx *bbolt.Tx) error {
		for _, key := range keys {
			if err := d.deleteItem(tx, col, key); err != nil {
				d.logger.Warn("failed to delete record", "collection", collection, "key", key, "error", err)
				continue
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

func (d *DB) deleteItem(tx *bbolt.Tx, col Collection, key string) error {
	dataBucket := tx.Bucket(dataBucketName(col.Name))
	if dataBucket == nil {
		return nil
	}

	if reverseBucket := tx.Bucket(reverseBucketName(col.Name)); reverseBucket != nil {
		if old := reverseBucket.Get([]byte(key)); old != nil {
			var oldValues map[string]string
			if err := json.Unmarshal(old, &oldValues); err == nil {
				for index, value := range oldValues {
					if idxBucket := tx.Bucket(indexBucketName(col.Name, index)); idxBucket != nil {
						if err := idxBucket.Delete(makeIndexKey(value, key)); err != nil {
							return fmt.Errorf("deleting index entry: %w", err)
						}
					}
				}
			}
			if err := reverseBucket.Delete([]byte(key)); err != nil {
				return fmt.Errorf("deleting reverse entry: %w", err)
			}
		}
	}

	return dataBucket.Delete([]byte(key))
}

// Clear removes every record in a collection.
func (d *DB) Clear(_ context.Context, collection string) error {
	if d.db == nil {
		return ErrUnavailable
	}
	col, err := d.collection(collection)
	if err != nil {
		return err
	}

	return d.db.Update(func(tx *bbolt.Tx) error {
		names := [][]byte{dataBucketName(col.Name), reverseBucketName(col.Name)}
		for _, index := range col.Indexes {
			names = append(names, indexBucketName(col.Name, index))
		}
		for _, name := range names {
			if tx.Bucket(name) == nil {
				continue
			}
			if err := tx.DeleteBucket(name); err != nil {
				return fmt.Errorf("dropping bucket %s: %w", name, err)
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return fmt.Errorf("recreating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Count returns the number of records in a collection. A degraded store
// reports zero without an error so callers can render "nothing offline".
func (d *DB) Count(_ context.Context, collection string) (int, error) {
	if d.db == nil {
		return 0, nil
	}
	if _, err := d.collection(collection); err != nil {
		return 0, err
	}

	var count int
	err := d.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(dataBucketName(collection))
		if bucket == nil {
			return nil
		}
		count = bucket.Stats().KeyN
		return nil
	})
	return count, err
}
