// Command offline-atlas downloads map tiles and point datasets for whole
// countries into a local store so a map app keeps working offline.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/offline-atlas/dataset"
	"github.com/wolfeidau/offline-atlas/engine"
	"github.com/wolfeidau/offline-atlas/telemetry"
)

var version = "dev"

type cli struct {
	Dir           string           `help:"Data directory for the store, tiles and manifests." default:"./atlas-data" type:"path"`
	TileSource    string           `help:"Tile-source descriptor URL." default:"https://tiles.example.com/source.json"`
	Overpass      string           `help:"Overpass API endpoint for fuel stations." default:"https://overpass-api.de/api/interpreter"`
	SpotsEndpoint string           `help:"Spot service endpoint." default:"https://spots.example.com/query"`
	Quota         int64            `help:"Storage quota in bytes reported by stats. Zero means unknown."`
	Concurrency   int              `help:"Tile download worker pool size." default:"6"`
	MaxZoom       int              `help:"Maximum tile zoom level." default:"10"`
	Cooldown      time.Duration    `help:"Wait between dataset sub-region requests." default:"5s"`
	LogLevel      string           `help:"Log level." enum:"debug,info,warn,error" default:"info"`
	LogFormat     string           `help:"Log format." enum:"text,json" default:"text"`
	MetricsListen string           `help:"Serve Prometheus metrics on this address (e.g. :9090)."`
	OTLPEndpoint  string           `help:"OTLP gRPC endpoint for metrics export."`
	Version       kong.VersionFlag `help:"Print version and exit."`

	Tiles    tilesCmd    `cmd:"" help:"Manage offline tile sets."`
	Stations stationsCmd `cmd:"" help:"Manage offline fuel station datasets."`
	Spots    spotsCmd    `cmd:"" help:"Manage offline spot datasets."`
	Stats    statsCmd    `cmd:"" help:"Show storage usage."`
	Cleanup  cleanupCmd  `cmd:"" help:"Remove expired cache entries."`
}

// appCtx carries the wired engine into command Run methods.
type appCtx struct {
	ctx    context.Context
	engine *engine.Engine
	logger *slog.Logger
}

type tilesCmd struct {
	Download tilesDownloadCmd `cmd:"" help:"Download a country's tiles."`
	Delete   tilesDeleteCmd   `cmd:"" help:"Delete a country's tiles."`
	Estimate tilesEstimateCmd `cmd:"" help:"Estimate a country's tile download size."`
}

type tilesDownloadCmd struct {
	Country string `arg:"" help:"ISO country code."`
}

func (c *tilesDownloadCmd) Run(app *appCtx) error {
	res, err := app.engine.Tiles.DownloadCountry(app.ctx, c.Country, printProgress)
	if err != nil {
		return err
	}
	fmt.Printf("\ndownloaded %d, skipped %d, failed %d (%.1f MB)\n",
		res.Downloaded, res.Skipped, res.Failed, float64(res.TotalBytes)/(1<<20))
	if app.ctx.Err() != nil {
		fmt.Println("stopped early, already downloaded tiles are kept")
	}
	return nil
}

type tilesDeleteCmd struct {
	Country string `arg:"" help:"ISO country code."`
}

func (c *tilesDeleteCmd) Run(app *appCtx) error {
	deleted, err := app.engine.Tiles.DeleteCountry(app.ctx, c.Country)
	if err != nil {
		return err
	}
	fmt.Printf("deleted %d tiles\n", deleted)
	return nil
}

type tilesEstimateCmd struct {
	Country string `arg:"" help:"ISO country code."`
}

func (c *tilesEstimateCmd) Run(app *appCtx) error {
	est, err := app.engine.Tiles.EstimateCountrySize(c.Country)
	if err != nil {
		return err
	}
	fmt.Printf("%d tiles, about %.1f MB\n", est.TileCount, est.EstimatedMB)
	return nil
}

type stationsCmd struct {
	Download stationsDownloadCmd `cmd:"" help:"Download a country's fuel stations."`
	Delete   stationsDeleteCmd   `cmd:"" help:"Delete a country's fuel stations."`
	List     stationsListCmd     `cmd:"" help:"List downloaded station countries."`
}

type spotsCmd struct {
	Download spotsDownloadCmd `cmd:"" help:"Download a country's spots."`
	Delete   spotsDeleteCmd   `cmd:"" help:"Delete a country's spots."`
	List     spotsListCmd     `cmd:"" help:"List downloaded spot countries."`
}

type (
	stationsDownloadCmd struct {
		Country string `arg:"" help:"ISO country code."`
	}
	stationsDeleteCmd struct {
		Country string `arg:"" help:"ISO country code."`
	}
	stationsListCmd struct{}

	spotsDownloadCmd struct {
		Country string `arg:"" help:"ISO country code."`
	}
	spotsDeleteCmd struct {
		Country string `arg:"" help:"ISO country code."`
	}
	spotsListCmd struct{}
)

func (c *stationsDownloadCmd) Run(app *appCtx) error {
	return runDatasetDownload(app, app.engine.Stations, c.Country)
}

func (c *stationsDeleteCmd) Run(app *appCtx) error {
	return runDatasetDelete(app, app.engine.Stations, c.Country)
}

func (c *stationsListCmd) Run(app *appCtx) error {
	return runDatasetList(app, app.engine.Stations)
}

func (c *spotsDownloadCmd) Run(app *appCtx) error {
	return runDatasetDownload(app, app.engine.Spots, c.Country)
}

func (c *spotsDeleteCmd) Run(app *appCtx) error {
	return runDatasetDelete(app, app.engine.Spots, c.Country)
}

func (c *spotsListCmd) Run(app *appCtx) error {
	return runDatasetList(app, app.engine.Spots)
}

func runDatasetDownload(app *appCtx, sync *dataset.Synchronizer, country string) error {
	records, err := sync.DownloadCountry(app.ctx, country, printProgress)
	if err != nil {
		return err
	}
	fmt.Printf("\nstored %d records\n", len(records))
	if app.ctx.Err() != nil {
		fmt.Println("stopped early, partial dataset kept")
	}
	return nil
}

func runDatasetDelete(app *appCtx, sync *dataset.Synchronizer, country string) error {
	deleted, err := sync.Delete(app.ctx, country)
	if err != nil {
		return err
	}
	fmt.Printf("deleted %d records\n", deleted)
	return nil
}

func runDatasetList(app *appCtx, sync *dataset.Synchronizer) error {
	manifests, err := sync.Downloaded(app.ctx)
	if err != nil {
		return err
	}
	if len(manifests) == 0 {
		fmt.Println("nothing downloaded")
		return nil
	}
	for _, m := range manifests {
		fmt.Printf("%s  %6d records  %s\n", m.Code, m.Count, m.DownloadedAt.Format(time.DateOnly))
	}
	return nil
}

type statsCmd struct{}

func (c *statsCmd) Run(app *appCtx) error {
	u, err := app.engine.Usage(app.ctx)
	if err != nil {
		return err
	}

	fmt.Printf("used: %.1f MB\n", float64(u.UsedBytes)/(1<<20))
	if u.QuotaKnown {
		fmt.Printf("quota: %.1f MB\n", float64(u.QuotaBytes)/(1<<20))
	} else {
		fmt.Println("quota: unknown")
	}
	if u.Degraded {
		fmt.Println("store: unavailable (online-only)")
		return nil
	}
	fmt.Printf("tiles: %d\nstations: %d\nspots: %d\ncache entries: %d\n",
		u.Tiles, u.Stations, u.Spots, u.CacheEntries)
	return nil
}

type cleanupCmd struct{}

func (c *cleanupCmd) Run(app *appCtx) error {
	sw := engine.NewSweeper(app.engine, engine.SweeperConfig{Logger: app.logger})
	result := sw.RunOnce(app.ctx)
	fmt.Printf("removed %d expired entries, deleted %d orphan blobs\n",
		result.CacheRemoved, result.OrphanBlobs)
	if result.Errors > 0 {
		return fmt.Errorf("cleanup finished with %d errors", result.Errors)
	}
	return nil
}

func printProgress(percent int) {
	fmt.Printf("\r%3d%%", percent)
}

func buildLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: lvl})
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}

func main() {
	var flags cli
	kctx := kong.Parse(&flags,
		kong.Name("offline-atlas"),
		kong.Description("Offline map data sync for the road."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	logger, err := buildLogger(flags.LogLevel, flags.LogFormat)
	kctx.FatalIfErrorf(err)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "offline-atlas",
		ServiceVersion:   version,
		OTLPEndpoint:     flags.OTLPEndpoint,
		EnablePrometheus: flags.MetricsListen != "",
	})
	kctx.FatalIfErrorf(err)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdown(shutdownCtx)
	}()

	if flags.MetricsListen != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", telemetry.PrometheusHandler())
			if err := http.ListenAndServe(flags.MetricsListen, mux); err != nil {
				logger.Warn("metrics listener stopped", "error", err)
			}
		}()
	}

	eng, err := engine.New(engine.Config{
		Dir:              flags.Dir,
		Logger:           logger,
		TileSourceURL:    flags.TileSource,
		OverpassEndpoint: flags.Overpass,
		SpotsEndpoint:    flags.SpotsEndpoint,
		QuotaBytes:       flags.Quota,
		Concurrency:      flags.Concurrency,
		MaxZoom:          flags.MaxZoom,
		Cooldown:         flags.Cooldown,
	})
	kctx.FatalIfErrorf(err)
	defer func() { _ = eng.Close() }()

	app := &appCtx{ctx: ctx, engine: eng, logger: logger}
	kctx.FatalIfErrorf(kctx.Run(app))
}
