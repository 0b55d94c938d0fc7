// Package tile downloads map tiles for whole countries into a
// content-addressable blob cache, with per-tile metadata kept in the
// local store for bulk deletion and usage reporting.
package tile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/wolfeidau/offline-atlas/telemetry"
)

// ErrNoTileSource is returned when the tile-source descriptor cannot be
// fetched or names no URL templates. Callers must not attempt downloads.
var ErrNoTileSource = errors.New("tile: no tile source available")

// maxDescriptorBytes caps the descriptor response body.
const maxDescriptorBytes = 1 << 20

// sourceDescriptor is the subset of the tile-source descriptor we consume.
// The first template in the list is used.
type sourceDescriptor struct {
	Tiles []string `json:"tiles"`
}

// Source resolves a tile URL template from a remote descriptor once per
// process and caches it in memory. Failed resolutions are not cached, so
// a later call retries.
type Source struct {
	url    string
	client *http.Client
	logger *slog.Logger

	mu       sync.Mutex
	template string
}

// SourceOption configures a Source.
type SourceOption func(*Source)

// WithSourceHTTPClient sets the HTTP client used for the descriptor fetch.
func WithSourceHTTPClient(client *http.Client) SourceOption {
	return func(s *Source) {
		s.client = client
	}
}

// WithSourceLogger sets the logger for the source.
func WithSourceLogger(logger *slog.Logger) SourceOption {
	return func(s *Source) {
		s.logger = logger
	}
}

// NewSource creates a source for the given descriptor URL.
func NewSource(url string, opts ...SourceOption) *Source {
	s := &Source{
		url:    url,
		client: http.DefaultClient,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Resolve returns the tile URL template, fetching the descriptor on first
// use. Subsequent calls are free.
func (s *Source) Resolve(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.template != "" {
		return s.template, nil
	}

	ctx = telemetry.WithSourceContext(ctx, telemetry.SourceTileSource)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return "", fmt.Errorf("building tile source request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", errors.Join(ErrNoTileSource, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: descriptor returned status %d", ErrNoTileSource, resp.StatusCode)
	}

	var desc sourceDescriptor
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDescriptorBytes)).Decode(&desc); err != nil {
		return "", errors.Join(ErrNoTileSource, err)
	}
	if len(desc.Tiles) == 0 {
		return "", fmt.Errorf("%w: descriptor lists no templates", ErrNoTileSource)
	}

	s.template = desc.Tiles[0]
	s.logger.Debug("resolved tile url template", "template", s.template)

	return s.template, nil
}

// TileURL substitutes a tile coordinate into a URL template containing
// {z}, {x} and {y} placeholders.
func TileURL(template string, z, x, y int) string {
	r := strings.NewReplacer(
		"{z}", strconv.Itoa(z),
		"{x}", strconv.Itoa(x),
		"{y}", strconv.Itoa(y),
	)
	return r.Replace(template)
}
