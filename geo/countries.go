package geo

import (
	"sort"
	"strings"
)

// DefaultBufferDeg is the margin applied to country bounds before tile and
// dataset downloads so border spots are not clipped.
const DefaultBufferDeg = 0.5

// countryBounds holds hand-curated bounding boxes per ISO 3166-1 alpha-2
// code. Boxes are deliberately generous; precision does not matter because
// callers buffer them anyway.
var countryBounds = map[string]Bounds{
	"AL": {South: 39.6, West: 19.3, North: 42.7, East: 21.1},
	"AT": {South: 46.4, West: 9.5, North: 49.0, East: 17.2},
	"AU": {South: -43.6, West: 113.3, North: -10.7, East: 153.6},
	"BA": {South: 42.6, West: 15.7, North: 45.3, East: 19.6},
	"BE": {South: 49.5, West: 2.5, North: 51.5, East: 6.4},
	"BG": {South: 41.2, West: 22.4, North: 44.2, East: 28.6},
	"CA": {South: 41.7, West: -141.0, North: 83.1, East: -52.6},
	"CH": {South: 45.8, West: 6.0, North: 47.8, East: 10.5},
	"CZ": {South: 48.6, West: 12.1, North: 51.1, East: 18.9},
	"DE": {South: 47.3, West: 5.9, North: 55.1, East: 15.0},
	"DK": {South: 54.6, West: 8.1, North: 57.8, East: 12.7},
	"EE": {South: 57.5, West: 21.8, North: 59.7, East: 28.2},
	"ES": {South: 36.0, West: -9.3, North: 43.8, East: 3.3},
	"FI": {South: 59.8, West: 20.6, North: 70.1, East: 31.6},
	"FR": {South: 41.3, West: -5.1, North: 51.1, East: 9.6},
	"GB": {South: 49.9, West: -8.6, North: 58.7, East: 1.8},
	"GE": {South: 41.1, West: 39.9, North: 43.6, East: 46.6},
	"GR": {South: 34.8, West: 19.4, North: 41.7, East: 28.2},
	"HR": {South: 42.4, West: 13.5, North: 46.6, East: 19.4},
	"HU": {South: 45.7, West: 16.1, North: 48.6, East: 22.9},
	"IE": {South: 51.4, West: -10.5, North: 55.4, East: -6.0},
	"IT": {South: 36.6, West: 6.6, North: 47.1, East: 18.5},
	"LT": {South: 53.9, West: 21.0, North: 56.5, East: 26.8},
	"LU": {South: 49.4, West: 5.7, North: 50.2, East: 6.5},
	"LV": {South: 55.7, West: 21.0, North: 58.1, East: 28.2},
	"MA": {South: 27.7, West: -13.2, North: 35.9, East: -1.0},
	"MD": {South: 45.5, West: 26.6, North: 48.5, East: 30.1},
	"ME": {South: 41.9, West: 18.4, North: 43.6, East: 20.4},
	"MK": {South: 40.9, West: 20.5, North: 42.4, East: 23.0},
	"MX": {South: 14.5, West: -118.4, North: 32.7, East: -86.7},
	"NL": {South: 50.8, West: 3.4, North: 53.5, East: 7.2},
	"NO": {South: 58.0, West: 4.6, North: 71.2, East: 31.1},
	"NZ": {South: -47.3, West: 166.4, North: -34.4, East: 178.6},
	"PL": {South: 49.0, West: 14.1, North: 54.8, East: 24.1},
	"PT": {South: 37.0, West: -9.5, North: 42.2, East: -6.2},
	"RO": {South: 43.6, West: 20.3, North: 48.3, East: 29.7},
	"RS": {South: 42.2, West: 18.8, North: 46.2, East: 23.0},
	"SE": {South: 55.3, West: 11.1, North: 69.1, East: 24.2},
	"SI": {South: 45.4, West: 13.4, North: 46.9, East: 16.6},
	"SK": {South: 47.7, West: 16.8, North: 49.6, East: 22.6},
	"TR": {South: 35.8, West: 26.0, North: 42.1, East: 44.8},
	"UA": {South: 44.4, West: 22.1, North: 52.4, East: 40.2},
	"US": {South: 24.5, West: -125.0, North: 49.4, East: -66.9},
}

// CountryBounds returns the bounding box for an ISO country code.
func CountryBounds(code string) (Bounds, bool) {
	b, ok := countryBounds[strings.ToUpper(code)]
	return b, ok
}

// BufferedCountryBounds returns the country bounds expanded by the given
// margin in degrees on every edge.
func BufferedCountryBounds(code string, margin float64) (Bounds, bool) {
	b, ok := CountryBounds(code)
	if !ok {
		return Bounds{}, false
	}
	return b.Buffer(margin), true
}

// Countries returns the supported ISO country codes in sorted order.
func Countries() []string {
	codes := make([]string, 0, len(countryBounds))
	for code := range countryBounds {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}
