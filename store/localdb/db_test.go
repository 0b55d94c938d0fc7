package localdb

import (
	"context"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSchema = []Collection{
	{Name: "spots", Indexes: []string{"country"}},
	{Name: "tiles", Indexes: []string{"country", "zoom"}},
	{Name: "cache"},
}

func newTestDB(t *testing.T, opts ...Option) *DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(dbPath, testSchema, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestDB_GetPut(t *testing.T) {
	ctx := context.Background()

	t.Run("Put and Get round-trip", func(t *testing.T) {
		db := newTestDB(t)

		item := Item{Key: "s1", Indexes: map[string]string{"country": "DE"}, Data: []byte(`{"id":1}`)}
		require.NoError(t, db.Put(ctx, "spots", item))

		got, err := db.Get(ctx, "spots", "s1")
		require.NoError(t, err)
		assert.Equal(t, item.Data, got)
	})

	t.Run("Get returns ErrNotFound for missing key", func(t *testing.T) {
		db := newTestDB(t)

		_, err := db.Get(ctx, "spots", "missing")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Put overwrites by primary key", func(t *testing.T) {
		db := newTestDB(t)

		require.NoError(t, db.Put(ctx, "spots", Item{Key: "s1", Data: []byte("one")}))
		require.NoError(t, db.Put(ctx, "spots", Item{Key: "s1", Data: []byte("two")}))

		got, err := db.Get(ctx, "spots", "s1")
		require.NoError(t, err)
		assert.Equal(t, []byte("two"), got)

		count, err := db.Count(ctx, "spots")
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("unknown collection is rejected", func(t *testing.T) {
		db := newTestDB(t)

		err := db.Put(ctx, "nope", Item{Key: "k"})
		require.Error(t, err)
		_, err = db.Get(ctx, "nope", "k")
		require.Error(t, err)
	})

	t.Run("empty key is rejected", func(t *testing.T) {
		db := newTestDB(t)
		require.Error(t, db.Put(ctx, "spots", Item{Data: []byte("x")}))
	})
}

func TestDB_GetAll(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	for i := range 5 {
		key := "s" + strconv.Itoa(i)
		require.NoError(t, db.Put(ctx, "spots", Item{Key: key, Data: []byte(key)}))
	}

	records, err := db.GetAll(ctx, "spots")
	require.NoError(t, err)
	assert.Len(t, records, 5)
}

func TestDB_GetByIndex(t *testing.T) {
	ctx := context.Background()

	t.Run("non-unique index returns all matches", func(t *testing.T) {
		db := newTestDB(t)

		require.NoError(t, db.Put(ctx, "tiles", Item{Key: "t1", Indexes: map[string]string{"country": "DE", "zoom": "7"}, Data: []byte("t1")}))
		require.NoError(t, db.Put(ctx, "tiles", Item{Key: "t2", Indexes: map[string]string{"country": "DE", "zoom": "8"}, Data: []byte("t2")}))
		require.NoError(t, db.Put(ctx, "tiles", Item{Key: "t3", Indexes: map[string]string{"country": "FR", "zoom": "7"}, Data: []byte("t3")}))

		records, err := db.GetByIndex(ctx, "tiles", "country", "DE")
		require.NoError(t, err)
		assert.ElementsMatch(t, [][]byte{[]byte("t1"), []byte("t2")}, records)

		records, err = db.GetByIndex(ctx, "tiles", "zoom", "7")
		require.NoError(t, err)
		assert.ElementsMatch(t, [][]byte{[]byte("t1"), []byte("t3")}, records)
	})

	t.Run("no matches yields empty result", func(t *testing.T) {
		db := newTestDB(t)

		records, err := db.GetByIndex(ctx, "tiles", "country", "PL")
		require.NoError(t, err)
		assert.Empty(t, records)
	})

	t.Run("undeclared index is rejected", func(t *testing.T) {
		db := newTestDB(t)

		_, err := db.GetByIndex(ctx, "tiles", "rating", "5")
		require.Error(t, err)
	})

	t.Run("overwrite moves the index entry", func(t *testing.T) {
		db := newTestDB(t)

		require.NoError(t, db.Put(ctx, "spots", Item{Key: "s1", Indexes: map[string]string{"country": "DE"}, Data: []byte("v1")}))
		require.NoError(t, db.Put(ctx, "spots", Item{Key: "s1", Indexes: map[string]string{"country": "FR"}, Data: []byte("v2")}))

		records, err := db.GetByIndex(ctx, "spots", "country", "DE")
		require.NoError(t, err)
		assert.Empty(t, records)

		records, err = db.GetByIndex(ctx, "spots", "country", "FR")
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, []byte("v2"), records[0])
	})

	t.Run("value sharing a prefix with another value does not leak", func(t *testing.T) {
		db := newTestDB(t)

		require.NoError(t, db.Put(ctx, "tiles", Item{Key: "t1", Indexes: map[string]string{"zoom": "1"}, Data: []byte("z1")}))
		require.NoError(t, db.Put(ctx, "tiles", Item{Key: "t2", Indexes: map[string]string{"zoom": "10"}, Data: []byte("z10")}))

		records, err := db.GetByIndex(ctx, "tiles", "zoom", "1")
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, []byte("z1"), records[0])
	})
}

func TestDB_PutAll(t *testing.T) {
	ctx := context.Background()

	t.Run("commits the whole batch", func(t *testing.T) {
		db := newTestDB(t)

		items := make([]Item, 100)
		for i := range items {
			items[i] = Item{
				Key:     "t" + strconv.Itoa(i),
				Indexes: map[string]string{"country": "DE"},
				Data:    []byte(strconv.Itoa(i)),
			}
		}
		require.NoError(t, db.PutAll(ctx, "tiles", items))

		count, err := db.Count(ctx, "tiles")
		require.NoError(t, err)
		assert.Equal(t, 100, count)
	})

	t.Run("atomic: an invalid item aborts the whole batch", func(t *testing.T) {
		db := newTestDB(t)

		items := []Item{
			{Key: "good-1", Data: []byte("1")},
			{Key: "", Data: []byte("bad")}, // empty key fails inside the tx
			{Key: "good-2", Data: []byte("2")},
		}
		require.Error(t, db.PutAll(ctx, "tiles", items))

		// A concurrent observer never sees a partial batch.
		records, err := db.GetAll(ctx, "tiles")
		require.NoError(t, err)
		assert.Empty(t, records)
	})

	t.Run("empty batch is a no-op", func(t *testing.T) {
		db := newTestDB(t)
		require.NoError(t, db.PutAll(ctx, "tiles", nil))
	})
}

func TestDB_Delete(t *testing.T) {
	ctx := context.Background()

	t.Run("removes record and index entries", func(t *testing.T) {
		db := newTestDB(t)

		require.NoError(t, db.Put(ctx, "spots", Item{Key: "s1", Indexes: map[string]string{"country": "DE"}, Data: []byte("x")}))
		require.NoError(t, db.Delete(ctx, "spots", "s1"))

		_, err := db.Get(ctx, "spots", "s1")
		require.ErrorIs(t, err, ErrNotFound)

		records, err := db.GetByIndex(ctx, "spots", "country", "DE")
		require.NoError(t, err)
		assert.Empty(t, records)
	})

	t.Run("missing key is a no-op", func(t *testing.T) {
		db := newTestDB(t)
		require.NoError(t, db.Delete(ctx, "spots", "missing"))
	})
}

func TestDB_DeleteAll(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	for i := range 10 {
		key := "t" + strconv.Itoa(i)
		require.NoError(t, db.Put(ctx, "tiles", Item{Key: key, Indexes: map[string]string{"country": "DE"}, Data: []byte(key)}))
	}

	deleted, err := db.DeleteAll(ctx, "tiles", []string{"t0", "t1", "t2", "missing"})
	require.NoError(t, err)
	assert.Equal(t, 4, deleted) // missing keys count as deleted no-ops

	count, err := db.Count(ctx, "tiles")
	require.NoError(t, err)
	assert.Equal(t, 7, count)
}

func TestDB_Clear(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	require.NoError(t, db.Put(ctx, "tiles", Item{Key: "t1", Indexes: map[string]string{"country": "DE"}, Data: []byte("x")}))
	require.NoError(t, db.Clear(ctx, "tiles"))

	count, err := db.Count(ctx, "tiles")
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	records, err := db.GetByIndex(ctx, "tiles", "country", "DE")
	require.NoError(t, err)
	assert.Empty(t, records)

	// The collection is still usable after a clear.
	require.NoError(t, db.Put(ctx, "tiles", Item{Key: "t2", Data: []byte("y")}))
}

func TestDB_Degraded(t *testing.T) {
	ctx := context.Background()

	// Opening inside a directory that does not exist simulates an
	// unavailable storage engine.
	dbPath := filepath.Join(t.TempDir(), "missing", "nested", "test.db")
	db, err := Open(dbPath, testSchema)
	require.Error(t, err)
	require.NotNil(t, db)
	assert.True(t, db.Degraded())

	t.Run("reads degrade to empty results", func(t *testing.T) {
		_, err := db.Get(ctx, "spots", "s1")
		assert.ErrorIs(t, err, ErrUnavailable)

		records, err := db.GetAll(ctx, "spots")
		assert.ErrorIs(t, err, ErrUnavailable)
		assert.Empty(t, records)

		records, err = db.GetByIndex(ctx, "tiles", "country", "DE")
		assert.ErrorIs(t, err, ErrUnavailable)
		assert.Empty(t, records)

		count, err := db.Count(ctx, "spots")
		require.NoError(t, err)
		assert.Equal(t, 0, count)
	})

	t.Run("writes report failure without panicking", func(t *testing.T) {
		assert.ErrorIs(t, db.Put(ctx, "spots", Item{Key: "s1"}), ErrUnavailable)
		assert.ErrorIs(t, db.PutAll(ctx, "spots", []Item{{Key: "s1"}}), ErrUnavailable)
		assert.ErrorIs(t, db.Delete(ctx, "spots", "s1"), ErrUnavailable)
		assert.ErrorIs(t, db.Clear(ctx, "spots"), ErrUnavailable)

		_, err := db.DeleteAll(ctx, "spots", []string{"s1"})
		assert.ErrorIs(t, err, ErrUnavailable)
	})

	t.Run("close is a no-op", func(t *testing.T) {
		require.NoError(t, db.Close())
	})
}

func TestDB_OpenIsIdempotentPerPath(t *testing.T) {
	// A handle stays usable across many operations; reopening after close
	// sees the same data.
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := Open(dbPath, testSchema)
	require.NoError(t, err)
	require.NoError(t, db.Put(ctx, "spots", Item{Key: "s1", Data: []byte("x")}))
	require.NoError(t, db.Close())

	db, err = Open(dbPath, testSchema)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	got, err := db.Get(ctx, "spots", "s1")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), got)
}
