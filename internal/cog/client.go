// Package cog is the client for the Cloud-Optimized GeoTIFF tiling service.
//
// Given the URL of a raster it fetches tile metadata and band statistics and
// assembles a TileDescriptor whose TileURL is a z/x/y template with the
// rescale, colormap and band parameters filled in.
package cog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/joeblew999/plat-dashboard/internal/config"
	"github.com/joeblew999/plat-dashboard/internal/logging"
	"github.com/joeblew999/plat-dashboard/internal/metrics"
	"github.com/joeblew999/plat-dashboard/internal/upstream"
)

// DefaultStatsTimeout bounds the statistics request.
const DefaultStatsTimeout = 10 * time.Second

// TileInfo is the subset of the tilejson document the dashboard uses.
type TileInfo struct {
	Bounds  []float64 `json:"bounds"` // west, south, east, north
	Center  []float64 `json:"center"`
	MinZoom int       `json:"minzoom"`
	MaxZoom int       `json:"maxzoom"`
}

// BandStats holds the statistics of one band.
type BandStats struct {
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	Std    float64 `json:"std"`
	Median float64 `json:"median"`
	Count  float64 `json:"count"`
}

// Statistics maps band names ("b1", "b2", ...) to their statistics.
type Statistics map[string]BandStats

// Bands returns the band keys in index order.
func (s Statistics) Bands() []string {
	var bands []string
	for k := range s {
		if strings.HasPrefix(k, "b") {
			bands = append(bands, k)
		}
	}
	sort.Slice(bands, func(i, j int) bool {
		ni, ei := strconv.Atoi(bands[i][1:])
		nj, ej := strconv.Atoi(bands[j][1:])
		if ei == nil && ej == nil {
			return ni < nj
		}
		return bands[i] < bands[j]
	})
	return bands
}

// TileDescriptor is everything a map needs to show a raster.
type TileDescriptor struct {
	TileURL    string        `json:"tileUrl" doc:"z/x/y tile URL template"`
	BandMinMax [2]float64    `json:"bandMinMaxValues" doc:"Min and max of the first band, [0,1] without statistics"`
	Bounds     [2][2]float64 `json:"bounds" doc:"South-west and north-east corners as [lat,lng]"`
	MinZoom    int           `json:"minZoom"`
	MaxZoom    int           `json:"maxZoom"`
	Center     []float64     `json:"center,omitempty"`
}

// Request carries the rendering options for Describe.
type Request struct {
	Colormap   string   // enables the false-colour path
	Rescale    string   // "min,max"; defaults to the first band's range
	Bidx       string   // band indexes; defaults to "1,2,3" for 3+ bands
	NoData     *float64 // true-colour nodata value, 255 when nil
	ReturnMask bool
}

// Client talks to the tiling service.
type Client struct {
	base         string
	http         *upstream.Client
	stats        *upstream.Client
	StatsTimeout time.Duration
	log          zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithStatsClient sets the client used for statistics requests.
func WithStatsClient(sc *upstream.Client) Option {
	return func(c *Client) { c.stats = sc }
}

// New creates a client for the tiling service at base. Statistics go
// through their own breaker: they are cut short by StatsTimeout and those
// cancellations must not open the breaker that guards tile metadata.
func New(base string, hc *upstream.Client, opts ...Option) *Client {
	c := &Client{
		base:         base,
		http:         hc,
		StatsTimeout: DefaultStatsTimeout,
		log:          logging.Component("cog"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.stats == nil {
		c.stats = upstream.New(hc.Service()+"-stats", 0)
	}
	return c
}

// TileInfo fetches the tilejson document for a raster.
func (c *Client) TileInfo(ctx context.Context, rasterURL string) (*TileInfo, error) {
	u := config.Join(c.base, "/cog/tilejson.json") +
		"?tileMatrixSetId=WebMercatorQuad&tile_scale=1&url=" + EncodeURIComponent(rasterURL) +
		"&return_mask=true&nodata=255"
	var info TileInfo
	if err := c.http.GetJSON(ctx, u, &info); err != nil {
		return nil, fmt.Errorf("tile info: %w", err)
	}
	if len(info.Bounds) != 4 {
		return nil, fmt.Errorf("tile info: expected 4 bounds, got %d", len(info.Bounds))
	}
	return &info, nil
}

// Statistics fetches per-band statistics for a raster. Entries that are not
// band objects are skipped.
func (c *Client) Statistics(ctx context.Context, rasterURL string) (Statistics, error) {
	u := config.Join(c.base, "/cog/statistics") + "?url=" + EncodeURIComponent(rasterURL)
	var raw map[string]json.RawMessage
	if err := c.stats.GetJSON(ctx, u, &raw); err != nil {
		return nil, fmt.Errorf("tile statistics: %w", err)
	}
	stats := make(Statistics, len(raw))
	for k, v := range raw {
		var b BandStats
		if err := json.Unmarshal(v, &b); err != nil {
			continue
		}
		stats[k] = b
	}
	return stats, nil
}

// Describe fetches metadata and statistics concurrently and assembles the
// descriptor. Statistics are optional: on error or after StatsTimeout the
// tile URL carries only the source url. Metadata is required.
func (c *Client) Describe(ctx context.Context, rasterURL string, req Request) (*TileDescriptor, error) {
	if rasterURL == "" {
		return nil, errors.New("describe: empty raster url")
	}

	var (
		info  *TileInfo
		stats Statistics
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		info, err = c.TileInfo(gctx, rasterURL)
		return err
	})
	g.Go(func() error {
		sctx, cancel := context.WithTimeout(gctx, c.StatsTimeout)
		defer cancel()
		s, err := c.Statistics(sctx, rasterURL)
		if err != nil {
			if errors.Is(sctx.Err(), context.DeadlineExceeded) {
				metrics.TileStatsTimeouts.Inc()
				c.log.Warn().Dur("timeout", c.StatsTimeout).Str("url", rasterURL).Msg("tile statistics timed out, using default rendering")
			} else {
				c.log.Warn().Err(err).Str("url", rasterURL).Msg("tile statistics failed, using default rendering")
			}
			return nil
		}
		stats = s
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	d := &TileDescriptor{
		TileURL:    c.tileURL(rasterURL, stats, req),
		BandMinMax: BandMinMax(stats),
		Bounds: [2][2]float64{
			{info.Bounds[1], info.Bounds[0]},
			{info.Bounds[3], info.Bounds[2]},
		},
		MinZoom: info.MinZoom,
		MaxZoom: info.MaxZoom,
		Center:  info.Center,
	}
	return d, nil
}

// BandMinMax returns [min,max] of the first band, or [0,1].
func BandMinMax(stats Statistics) [2]float64 {
	bands := stats.Bands()
	if len(bands) == 0 {
		return [2]float64{0, 1}
	}
	b := stats[bands[0]]
	return [2]float64{b.Min, b.Max}
}

func (c *Client) tileURL(rasterURL string, stats Statistics, req Request) string {
	return BuildTileURL(c.base, TileParams(rasterURL, stats, req))
}

// TileParams derives tile query parameters. A nil stats means statistics
// were unavailable and only the source url is kept.
func TileParams(rasterURL string, stats Statistics, req Request) Params {
	if stats == nil {
		return Params{URL: rasterURL}
	}
	bands := stats.Bands()
	mm := BandMinMax(stats)

	unscale := false
	p := Params{
		URL:        rasterURL,
		Rescale:    req.Rescale,
		Colormap:   req.Colormap,
		Bidx:       req.Bidx,
		Resampling: "nearest",
		Reproject:  "nearest",
		Unscale:    &unscale,
		ReturnMask: req.ReturnMask,
	}
	if p.Rescale == "" {
		p.Rescale = FormatNumber(mm[0]) + "," + FormatNumber(mm[1])
	}
	if p.Bidx == "" && len(bands) >= 3 {
		p.Bidx = "1,2,3"
	}
	if req.Colormap != "" {
		p.ReturnMask = true
	} else {
		nodata := "255"
		if req.NoData != nil {
			nodata = FormatNumber(*req.NoData)
		}
		p.NoData = &nodata
	}
	return p
}
