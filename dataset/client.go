package dataset

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/wolfeidau/offline-atlas/geo"
	"github.com/wolfeidau/offline-atlas/telemetry"
)

// maxResponseBytes caps a single dataset response body.
const maxResponseBytes = 64 << 20

// Fetcher fetches every record inside a bounding box from an upstream
// service.
type Fetcher interface {
	FetchBounds(ctx context.Context, b geo.Bounds) ([]Record, error)
}

// OverpassClient queries an Overpass-compatible POI index for fuel
// stations.
type OverpassClient struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// ClientOption configures the upstream dataset clients.
type ClientOption func(*clientConfig)

type clientConfig struct {
	client *http.Client
	logger *slog.Logger
}

// WithHTTPClient sets the HTTP client used for dataset fetches.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *clientConfig) {
		c.client = client
	}
}

// WithClientLogger sets the logger for a dataset client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

func applyClientOptions(opts []ClientOption) clientConfig {
	cfg := clientConfig{
		client: http.DefaultClient,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// NewOverpassClient creates a client for the given Overpass endpoint.
func NewOverpassClient(endpoint string, opts ...ClientOption) *OverpassClient {
	cfg := applyClientOptions(opts)
	return &OverpassClient{
		endpoint: endpoint,
		client:   cfg.client,
		logger:   cfg.logger,
	}
}

// StationsQuery builds the Overpass query for fuel stations inside the
// bounding box.
func StationsQuery(b geo.Bounds) string {
	bbox := fmt.Sprintf("%f,%f,%f,%f", b.South, b.West, b.North, b.East)

	var sb strings.Builder
	sb.WriteString("[out:json][timeout:25];(")
	sb.WriteString(fmt.Sprintf(`node["amenity"="fuel"](%s);`, bbox))
	sb.WriteString(fmt.Sprintf(`way["amenity"="fuel"](%s);`, bbox))
	sb.WriteString(");out center;")
	return sb.String()
}

// overpassElement mirrors the subset of the Overpass response we
// consume. Coordinates are pointers so elements without them can be
// discarded; way elements carry their centroid under "center".
type overpassElement struct {
	ID     int64             `json:"id"`
	Lat    *float64          `json:"lat"`
	Lon    *float64          `json:"lon"`
	Center *overpassCenter   `json:"center"`
	Tags   map[string]string `json:"tags"`
}

type overpassCenter struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type overpassResponse struct {
	Elements []overpassElement `json:"elements"`
}

// FetchBounds issues one Overpass query for the bounding box. Elements
// missing coordinates are discarded.
func (c *OverpassClient) FetchBounds(ctx context.Context, b geo.Bounds) ([]Record, error) {
	ctx = telemetry.WithSourceContext(ctx, telemetry.SourceOverpass)

	form := url.Values{"data": []string{StationsQuery(b)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("building overpass request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("overpass fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("overpass fetch returned status %d", resp.StatusCode)
	}

	var parsed overpassResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding overpass response: %w", err)
	}

	records := make([]Record, 0, len(parsed.Elements))
	for _, el := range parsed.Elements {
		lat, lon := el.Lat, el.Lon
		if lat == nil && el.Center != nil {
			lat, lon = &el.Center.Lat, &el.Center.Lon
		}
		if lat == nil || lon == nil {
			continue
		}
		records = append(records, Record{
			ID:   el.ID,
			Lat:  *lat,
			Lon:  *lon,
			Tags: el.Tags,
		})
	}

	return records, nil
}

// SpotsClient queries the spot service for hitchhiking spots.
type SpotsClient struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// NewSpotsClient creates a client for the given spot service endpoint.
func NewSpotsClient(endpoint string, opts ...ClientOption) *SpotsClient {
	cfg := applyClientOptions(opts)
	return &SpotsClient{
		endpoint: endpoint,
		client:   cfg.client,
		logger:   cfg.logger,
	}
}

// spotsRequest is the JSON body of a spot bounding-box query.
type spotsRequest struct {
	South float64 `json:"south"`
	West  float64 `json:"west"`
	North float64 `json:"north"`
	East  float64 `json:"east"`
}

// spotElement mirrors one element of the spot service response.
type spotElement struct {
	ID           int64    `json:"id"`
	Lat          *float64 `json:"lat"`
	Lon          *float64 `json:"lon"`
	Country      string   `json:"country"`
	Rating       float64  `json:"rating"`
	LastActivity string   `json:"last_activity"`
}

// FetchBounds issues one spot query for the bounding box. Elements
// missing coordinates are discarded.
func (c *SpotsClient) FetchBounds(ctx context.Context, b geo.Bounds) ([]Record, error) {
	ctx = telemetry.WithSourceContext(ctx, telemetry.SourceSpots)

	body, err := json.Marshal(spotsRequest{
		South: b.South,
		West:  b.West,
		North: b.North,
		East:  b.East,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling spots request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building spots request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("spots fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("spots fetch returned status %d", resp.StatusCode)
	}

	var elements []spotElement
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&elements); err != nil {
		return nil, fmt.Errorf("decoding spots response: %w", err)
	}

	records := make([]Record, 0, len(elements))
	for _, el := range elements {
		if el.Lat == nil || el.Lon == nil {
			continue
		}
		records = append(records, Record{
			ID:           el.ID,
			Lat:          *el.Lat,
			Lon:          *el.Lon,
			Country:      el.Country,
			Rating:       el.Rating,
			LastActivity: el.LastActivity,
		})
	}

	return records, nil
}
