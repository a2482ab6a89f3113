package mapview

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"strconv"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/paulmach/orb/maptile"
	"golang.org/x/sync/errgroup"
)

const fetchConcurrency = 6

// tileCache holds decoded images by URL. Failed fetches are remembered as
// nil so a snapshot skips them instead of retrying.
type tileCache struct {
	fetch Fetcher

	mu     sync.Mutex
	images map[string]image.Image
}

func newTileCache(f Fetcher) *tileCache {
	return &tileCache{fetch: f, images: make(map[string]image.Image)}
}

func (c *tileCache) reset() {
	c.mu.Lock()
	c.images = make(map[string]image.Image)
	c.mu.Unlock()
}

func (c *tileCache) lookup(url string) (image.Image, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	img, ok := c.images[url]
	return img, ok
}

// get returns the image at url, fetching it on first use. The error is
// only reported to the caller that fetched.
func (c *tileCache) get(ctx context.Context, url string) (image.Image, error) {
	if img, ok := c.lookup(url); ok {
		return img, nil
	}
	data, _, err := c.fetch.GetBytes(ctx, url)
	var img image.Image
	if err == nil {
		img, err = imaging.Decode(bytes.NewReader(data))
		if err != nil {
			err = fmt.Errorf("decode %s: %w", url, err)
		}
	}
	if err != nil && ctx.Err() != nil {
		// Cancelled fetches are not failures of the tile.
		return nil, err
	}
	c.mu.Lock()
	c.images[url] = img
	c.mu.Unlock()
	return img, err
}

// all fetches urls concurrently and returns how many failed.
func (c *tileCache) all(ctx context.Context, urls []string) int {
	var (
		mu     sync.Mutex
		failed int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for _, u := range urls {
		g.Go(func() error {
			if _, err := c.get(gctx, u); err != nil {
				mu.Lock()
				failed++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return failed
}

// TileURL fills a {z}/{x}/{y} template for t.
func TileURL(template string, t maptile.Tile) string {
	return strings.NewReplacer(
		"{z}", strconv.Itoa(int(t.Z)),
		"{x}", strconv.Itoa(int(t.X)),
		"{y}", strconv.Itoa(int(t.Y)),
		"{s}", "a",
	).Replace(template)
}

type tileRef struct {
	tile maptile.Tile
	url  string
}

func urlsOf(refs []tileRef) []string {
	urls := make([]string, len(refs))
	for i, r := range refs {
		urls[i] = r.url
	}
	return urls
}

func (m *Map) overlayTiles(o *Overlay, v Viewport) []tileRef {
	if o.Tile == nil || o.Tile.TileURL == "" {
		return nil
	}
	if o.Tile.MaxZoom > 0 && v.Zoom > o.Tile.MaxZoom+4 {
		return nil
	}
	b := LatLngBound(o.Tile.Bounds)
	within := &b
	if b.IsZero() {
		within = nil
	}
	var refs []tileRef
	for _, t := range v.Tiles(within) {
		refs = append(refs, tileRef{tile: t, url: TileURL(o.Tile.TileURL, t)})
	}
	return refs
}

func (m *Map) baseTiles(v Viewport) []tileRef {
	if m.opts.BaseTileURL == "" {
		return nil
	}
	var refs []tileRef
	for _, t := range v.Tiles(nil) {
		refs = append(refs, tileRef{tile: t, url: TileURL(m.opts.BaseTileURL, t)})
	}
	return refs
}

// Load fetches what the named overlay needs to be drawn in the current
// view. Individual tile failures are logged, not returned.
func (m *Map) Load(ctx context.Context, name string) error {
	o, ok := m.Overlay(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOverlay, name)
	}
	v := m.Viewport()
	switch o.Kind {
	case KindRaster:
		urls := urlsOf(m.overlayTiles(&o, v))
		if failed := m.tiles.all(ctx, urls); failed > 0 {
			m.log.Warn().Str("layer", name).Int("failed", failed).Int("tiles", len(urls)).Msg("some tiles failed to load")
		}
	case KindImage:
		if o.ImageURL != "" {
			if _, err := m.tiles.get(ctx, o.ImageURL); err != nil {
				return err
			}
		}
	}
	return ctx.Err()
}
