package ttlcache

import (
	"fmt"

	"github.com/wolfeidau/offline-atlas/geo"
)

// BoundsKey derives a cache key from a bounding box by rounding each corner
// to a tenth of a degree. Near-identical viewports therefore share one cache
// entry, trading positional precision for hit rate.
func BoundsKey(prefix string, b geo.Bounds) string {
	return fmt.Sprintf("%s:%.1f,%.1f,%.1f,%.1f", prefix, b.South, b.West, b.North, b.East)
}
