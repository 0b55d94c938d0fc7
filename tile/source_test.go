package tile

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSource_Resolve(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"tiles":["https://tiles.example.com/{z}/{x}/{y}.png","https://backup.example.com/{z}/{x}/{y}.png"]}`))
	}))
	defer srv.Close()

	source := NewSource(srv.URL)

	template, err := source.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://tiles.example.com/{z}/{x}/{y}.png", template)

	// Resolved once per process; the second call is served from memory.
	_, err = source.Resolve(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, hits.Load())
}

func TestSource_ResolveFailureNotCached(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"tiles":["https://tiles.example.com/{z}/{x}/{y}.png"]}`))
	}))
	defer srv.Close()

	source := NewSource(srv.URL)

	_, err := source.Resolve(context.Background())
	require.ErrorIs(t, err, ErrNoTileSource)

	// A failed resolution is retried on the next call.
	template, err := source.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://tiles.example.com/{z}/{x}/{y}.png", template)
	assert.EqualValues(t, 2, hits.Load())
}

func TestSource_ResolveEmptyDescriptor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"tiles":[]}`))
	}))
	defer srv.Close()

	source := NewSource(srv.URL)

	_, err := source.Resolve(context.Background())
	require.ErrorIs(t, err, ErrNoTileSource)
}

func TestSource_ResolveBadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	source := NewSource(srv.URL)

	_, err := source.Resolve(context.Background())
	require.ErrorIs(t, err, ErrNoTileSource)
}

func TestTileURL(t *testing.T) {
	got := TileURL("https://tiles.example.com/{z}/{x}/{y}.png", 8, 130, 88)
	assert.Equal(t, "https://tiles.example.com/8/130/88.png", got)
}
