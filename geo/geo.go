// Package geo provides the pure geographic math of the offline engine:
// bounding boxes, Web Mercator slippy-tile projection, tile enumeration for
// download planning, and the static per-country bounding box table.
package geo

import (
	"errors"
	"math"
)

// MaxMercatorLat is the latitude limit of the Web Mercator projection.
// Latitudes beyond it are clamped before projecting to tile space.
const MaxMercatorLat = 85.0511

// ErrUnknownCountry is returned when a country code has no bounding box.
var ErrUnknownCountry = errors.New("geo: unknown country code")

// Bounds is a rectangle in degrees of latitude/longitude.
type Bounds struct {
	South float64 `json:"south"`
	West  float64 `json:"west"`
	North float64 `json:"north"`
	East  float64 `json:"east"`
}

// Buffer returns a copy of the bounds with every edge expanded by the given
// margin in degrees, clamped to valid coordinate ranges. A buffered box keeps
// spots and tiles near a border from being hard-clipped.
func (b Bounds) Buffer(deg float64) Bounds {
	return Bounds{
		South: math.Max(b.South-deg, -90),
		West:  math.Max(b.West-deg, -180),
		North: math.Min(b.North+deg, 90),
		East:  math.Min(b.East+deg, 180),
	}
}

const (
	kmPerDegreeLat = 110.574
	kmPerDegreeLng = 111.320
)

// AreaKm2 returns the approximate area of the bounds in square kilometres,
// using the cosine of the mid latitude to correct the longitudinal extent.
func (b Bounds) AreaKm2() float64 {
	midLat := (b.South + b.North) / 2
	height := (b.North - b.South) * kmPerDegreeLat
	width := (b.East - b.West) * kmPerDegreeLng * math.Cos(midLat*math.Pi/180)
	return math.Abs(height * width)
}

// Split partitions the bounds into a grid of sub-regions no larger than the
// given steps in degrees. The final row and column are clipped to the
// original bounds, so the union of the result covers exactly b.
func (b Bounds) Split(latStep, lngStep float64) []Bounds {
	if latStep <= 0 || lngStep <= 0 {
		return []Bounds{b}
	}

	var regions []Bounds
	for south := b.South; south < b.North; south += latStep {
		north := math.Min(south+latStep, b.North)
		for west := b.West; west < b.East; west += lngStep {
			east := math.Min(west+lngStep, b.East)
			regions = append(regions, Bounds{South: south, West: west, North: north, East: east})
		}
	}
	if len(regions) == 0 {
		return []Bounds{b}
	}
	return regions
}

// Tile addresses a map tile under the standard slippy-map scheme.
type Tile struct {
	Zoom int
	X    int
	Y    int
}

// TileX converts a longitude to a tile column at the given zoom level,
// floor-rounded per the slippy-map convention.
func TileX(lng float64, zoom int) int {
	n := 1 << zoom
	x := int(math.Floor((lng + 180) / 360 * float64(n)))
	return clampTile(x, n)
}

// TileY converts a latitude to a tile row at the given zoom level. North
// maps to the smaller Y.
func TileY(lat float64, zoom int) int {
	lat = math.Max(math.Min(lat, MaxMercatorLat), -MaxMercatorLat)
	n := 1 << zoom
	latRad := lat * math.Pi / 180
	y := int(math.Floor((1 - math.Log(math.Tan(latRad)+1/math.Cos(latRad))/math.Pi) / 2 * float64(n)))
	return clampTile(y, n)
}

func clampTile(v, n int) int {
	if v < 0 {
		return 0
	}
	if v >= n {
		return n - 1
	}
	return v
}

// TilesForBounds returns every tile whose rectangle intersects the bounds at
// the given zoom level, boundary tiles included. The result is a full
// rectangle in tile space.
func TilesForBounds(b Bounds, zoom int) []Tile {
	minX := TileX(b.West, zoom)
	maxX := TileX(b.East, zoom)
	minY := TileY(b.North, zoom)
	maxY := TileY(b.South, zoom)

	tiles := make([]Tile, 0, (maxX-minX+1)*(maxY-minY+1))
	for x := minX; x <= maxX; x++ {
		for y := minY; y <= maxY; y++ {
			tiles = append(tiles, Tile{Zoom: zoom, X: x, Y: y})
		}
	}
	return tiles
}

// EstimateTileCount returns the total number of tiles covering the bounds for
// every zoom level from 0 through maxZoom. It is used for size estimates
// shown to the user, not for fetch planning.
func EstimateTileCount(b Bounds, maxZoom int) int {
	total := 0
	for zoom := 0; zoom <= maxZoom; zoom++ {
		xRange := TileX(b.East, zoom) - TileX(b.West, zoom)
		yRange := TileY(b.South, zoom) - TileY(b.North, zoom)
		total += (xRange + 1) * (yRange + 1)
	}
	return total
}
