package dataset

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/offline-atlas/geo"
)

func TestOverpassClient_FetchBounds(t *testing.T) {
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		query = r.PostFormValue("data")
		_, _ = w.Write([]byte(`{"elements":[
			{"type":"node","id":1,"lat":48.2,"lon":11.6,"tags":{"amenity":"fuel","name":"Total"}},
			{"type":"way","id":2,"center":{"lat":48.3,"lon":11.7},"tags":{"amenity":"fuel"}},
			{"type":"node","id":3,"tags":{"amenity":"fuel"}}
		]}`))
	}))
	defer srv.Close()

	client := NewOverpassClient(srv.URL)

	records, err := client.FetchBounds(context.Background(), geo.Bounds{South: 48, West: 11, North: 49, East: 12})
	require.NoError(t, err)

	assert.Contains(t, query, `node["amenity"="fuel"]`)
	assert.Contains(t, query, "48.000000,11.000000,49.000000,12.000000")

	// Element 3 has no coordinates and is discarded; the way uses its
	// centroid.
	require.Len(t, records, 2)
	assert.Equal(t, int64(1), records[0].ID)
	assert.Equal(t, 48.2, records[0].Lat)
	assert.Equal(t, "Total", records[0].Tags["name"])
	assert.Equal(t, int64(2), records[1].ID)
	assert.Equal(t, 48.3, records[1].Lat)
}

func TestOverpassClient_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewOverpassClient(srv.URL)

	_, err := client.FetchBounds(context.Background(), geo.Bounds{South: 48, West: 11, North: 49, East: 12})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 429")
}

func TestStationsQuery(t *testing.T) {
	q := StationsQuery(geo.Bounds{South: -1.5, West: 2, North: 3, East: 4})

	assert.Contains(t, q, "[out:json]")
	assert.Contains(t, q, `node["amenity"="fuel"](-1.500000,2.000000,3.000000,4.000000);`)
	assert.Contains(t, q, `way["amenity"="fuel"]`)
}

func TestSpotsClient_FetchBounds(t *testing.T) {
	var req spotsRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_, _ = w.Write([]byte(`[
			{"id":10,"lat":50.1,"lon":8.6,"country":"DE","rating":4.2,"last_activity":"2026-05-01"},
			{"id":11,"country":"DE"}
		]`))
	}))
	defer srv.Close()

	client := NewSpotsClient(srv.URL)

	records, err := client.FetchBounds(context.Background(), geo.Bounds{South: 50, West: 8, North: 51, East: 9})
	require.NoError(t, err)

	assert.Equal(t, 50.0, req.South)
	assert.Equal(t, 9.0, req.East)

	// The coordinate-less spot is discarded.
	require.Len(t, records, 1)
	assert.Equal(t, int64(10), records[0].ID)
	assert.Equal(t, "DE", records[0].Country)
	assert.Equal(t, 4.2, records[0].Rating)
	assert.Equal(t, "2026-05-01", records[0].LastActivity)
}

func TestSpotsClient_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewSpotsClient(srv.URL)

	_, err := client.FetchBounds(context.Background(), geo.Bounds{South: 50, West: 8, North: 51, East: 9})
	require.Error(t, err)
}
