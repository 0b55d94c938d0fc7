package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTileX(t *testing.T) {
	t.Run("world edges at zoom 0", func(t *testing.T) {
		assert.Equal(t, 0, TileX(-180, 0))
		assert.Equal(t, 0, TileX(179.9, 0))
	})

	t.Run("greenwich splits the world at zoom 1", func(t *testing.T) {
		assert.Equal(t, 0, TileX(-0.1, 1))
		assert.Equal(t, 1, TileX(0.1, 1))
	})

	t.Run("clamped to valid range", func(t *testing.T) {
		assert.Equal(t, 3, TileX(180, 2))
		assert.Equal(t, 0, TileX(-200, 2))
	})
}

func TestTileY(t *testing.T) {
	t.Run("north maps to smaller Y", func(t *testing.T) {
		north := TileY(60, 5)
		south := TileY(-60, 5)
		assert.Less(t, north, south)
	})

	t.Run("equator is mid-range", func(t *testing.T) {
		assert.Equal(t, 1, TileY(-0.1, 1))
		assert.Equal(t, 0, TileY(0.1, 1))
	})

	t.Run("poles are clamped to the mercator limit", func(t *testing.T) {
		assert.Equal(t, 0, TileY(90, 4))
		assert.Equal(t, 15, TileY(-90, 4))
	})
}

func TestTilesForBounds(t *testing.T) {
	// Scenario from the Paris basin: the result must be a full rectangle
	// whose column count matches the projected X range.
	b := Bounds{South: 48.1, West: 1.4, North: 49.2, East: 3.5}
	tiles := TilesForBounds(b, 8)

	cols := TileX(3.5, 8) - TileX(1.4, 8) + 1
	rows := TileY(48.1, 8) - TileY(49.2, 8) + 1
	require.Equal(t, cols*rows, len(tiles))

	seen := make(map[Tile]bool, len(tiles))
	for _, tile := range tiles {
		assert.Equal(t, 8, tile.Zoom)
		assert.GreaterOrEqual(t, tile.X, TileX(1.4, 8))
		assert.LessOrEqual(t, tile.X, TileX(3.5, 8))
		assert.GreaterOrEqual(t, tile.Y, TileY(49.2, 8))
		assert.LessOrEqual(t, tile.Y, TileY(48.1, 8))
		assert.False(t, seen[tile], "duplicate tile %v", tile)
		seen[tile] = true
	}
}

func TestTilesForBounds_BoundaryIncluded(t *testing.T) {
	// A degenerate box on a tile edge must still produce at least one tile.
	b := Bounds{South: 50, West: 8, North: 50, East: 8}
	tiles := TilesForBounds(b, 10)
	require.Len(t, tiles, 1)
	assert.Equal(t, TileX(8, 10), tiles[0].X)
	assert.Equal(t, TileY(50, 10), tiles[0].Y)
}

func TestEstimateTileCount(t *testing.T) {
	b := Bounds{South: 48.1, West: 1.4, North: 49.2, East: 3.5}

	want := 0
	for zoom := 0; zoom <= 9; zoom++ {
		want += len(TilesForBounds(b, zoom))
	}
	assert.Equal(t, want, EstimateTileCount(b, 9))
}

func TestBoundsBuffer(t *testing.T) {
	b := Bounds{South: 47.3, West: 5.9, North: 55.1, East: 15.0}
	buffered := b.Buffer(0.5)

	assert.InDelta(t, 46.8, buffered.South, 1e-9)
	assert.InDelta(t, 5.4, buffered.West, 1e-9)
	assert.InDelta(t, 55.6, buffered.North, 1e-9)
	assert.InDelta(t, 15.5, buffered.East, 1e-9)

	t.Run("clamped at world edges", func(t *testing.T) {
		edge := Bounds{South: -89.9, West: -179.9, North: 89.9, East: 179.9}.Buffer(1)
		assert.Equal(t, Bounds{South: -90, West: -180, North: 90, East: 180}, edge)
	})
}

func TestBoundsAreaKm2(t *testing.T) {
	// Germany is roughly 357k km2 of land; its bounding box is larger but
	// must land in the same order of magnitude.
	de, ok := CountryBounds("DE")
	require.True(t, ok)
	area := de.AreaKm2()
	assert.Greater(t, area, 300_000.0)
	assert.Less(t, area, 800_000.0)

	// Luxembourg must be far below any split threshold.
	lu, ok := CountryBounds("LU")
	require.True(t, ok)
	assert.Less(t, lu.AreaKm2(), 10_000.0)
}

func TestBoundsSplit(t *testing.T) {
	b := Bounds{South: 40, West: 10, North: 52, East: 34}

	t.Run("grid covers the original bounds", func(t *testing.T) {
		regions := b.Split(5, 5)
		require.Len(t, regions, 3*5)

		for _, r := range regions {
			assert.GreaterOrEqual(t, r.South, b.South)
			assert.LessOrEqual(t, r.North, b.North)
			assert.GreaterOrEqual(t, r.West, b.West)
			assert.LessOrEqual(t, r.East, b.East)
			assert.Less(t, r.South, r.North)
			assert.Less(t, r.West, r.East)
		}

		last := regions[len(regions)-1]
		assert.Equal(t, b.North, last.North)
		assert.Equal(t, b.East, last.East)
	})

	t.Run("step larger than bounds yields one region", func(t *testing.T) {
		regions := b.Split(90, 360)
		require.Len(t, regions, 1)
		assert.Equal(t, b, regions[0])
	})

	t.Run("non-positive step yields the bounds unchanged", func(t *testing.T) {
		assert.Equal(t, []Bounds{b}, b.Split(0, 5))
	})
}

func TestCountryBounds(t *testing.T) {
	t.Run("known country", func(t *testing.T) {
		b, ok := CountryBounds("fr")
		require.True(t, ok)
		assert.Less(t, b.South, b.North)
		assert.Less(t, b.West, b.East)
	})

	t.Run("unknown country", func(t *testing.T) {
		_, ok := CountryBounds("ZZ")
		assert.False(t, ok)
	})

	t.Run("buffered variant expands every edge", func(t *testing.T) {
		plain, _ := CountryBounds("PL")
		buffered, ok := BufferedCountryBounds("PL", DefaultBufferDeg)
		require.True(t, ok)
		assert.Less(t, buffered.South, plain.South)
		assert.Less(t, buffered.West, plain.West)
		assert.Greater(t, buffered.North, plain.North)
		assert.Greater(t, buffered.East, plain.East)
	})
}

func TestCountries(t *testing.T) {
	codes := Countries()
	require.NotEmpty(t, codes)
	assert.IsNonDecreasing(t, codes)
	for _, code := range codes {
		_, ok := CountryBounds(code)
		assert.True(t, ok)
	}
}
