// Package telemetry provides metrics instruments and upstream source tagging.
package telemetry

import (
	"context"
)

type contextKey string

const (
	// sourceKey is the context key for propagating the upstream source name
	// into background goroutines and transports.
	sourceKey contextKey = "source"
)

// Upstream source names used as metric attributes.
const (
	SourceTiles      = "tiles"
	SourceTileSource = "tilesource"
	SourceOverpass   = "overpass"
	SourceSpots      = "spots"
)

// SourceFromContext retrieves the upstream source name from a context.
// Returns "unknown" when none was set.
func SourceFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(sourceKey).(string); ok && s != "" {
		return s
	}
	return "unknown"
}

// WithSourceContext returns a context with the upstream source name stored.
// Use this to label requests issued through a shared transport.
func WithSourceContext(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, sourceKey, source)
}
