// Package mapview is the server-side map of a dashboard session: a viewport,
// a base layer and the overlays of the selected bundle. It keeps overlays
// and the layer registry in step, loads tiles when a layer is shown and
// renders JPEG snapshots for reports.
package mapview

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/rs/zerolog"

	"github.com/joeblew999/plat-dashboard/internal/cog"
	"github.com/joeblew999/plat-dashboard/internal/logging"
	"github.com/joeblew999/plat-dashboard/internal/registry"
)

// Kind is the rendering kind of an overlay.
type Kind string

const (
	KindRaster   Kind = "raster"
	KindVector   Kind = "vector"
	KindMarker   Kind = "marker"
	KindImage    Kind = "image"
	KindPolyline Kind = "polyline"
)

// ErrUnknownOverlay is returned for names that are not mounted.
var ErrUnknownOverlay = errors.New("unknown overlay")

// Style is the path style of vector, marker and polyline overlays.
type Style struct {
	Color       string  `json:"color,omitempty"`
	FillColor   string  `json:"fillColor,omitempty"`
	Weight      float64 `json:"weight,omitempty"`
	Opacity     float64 `json:"opacity,omitempty"`
	FillOpacity float64 `json:"fillOpacity,omitempty"`
}

// Field is one labelled value of a popup.
type Field struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Popup is the content shown when a feature is clicked.
type Popup struct {
	Title    string  `json:"title,omitempty"`
	Fields   []Field `json:"fields,omitempty"`
	ImageURL string  `json:"imageUrl,omitempty"`
	Email    bool    `json:"email,omitempty" doc:"Offer the send-by-email action"`
}

// Overlay is one thing drawn over the base layer.
type Overlay struct {
	Name         string                     `json:"name"`
	Kind         Kind                       `json:"kind" enum:"raster,vector,marker,image,polyline"`
	Tile         *cog.TileDescriptor        `json:"tile,omitempty"`
	Features     *geojson.FeatureCollection `json:"features,omitempty"`
	Style        Style                      `json:"style"`
	FillColors   []string                   `json:"fillColors,omitempty" doc:"Per-feature fill colours, aligned with features"`
	Popups       []Popup                    `json:"popups,omitempty" doc:"Per-feature popups, aligned with features"`
	ImageURL     string                     `json:"imageUrl,omitempty"`
	ImageBounds  *[2][2]float64             `json:"imageBounds,omitempty" doc:"South-west and north-east corners as [lat,lng]"`
	Registered   bool                       `json:"registered" doc:"Listed in the layer control"`
	Clustered    bool                       `json:"clustered,omitempty"`
	SkipSnapshot bool                       `json:"skipSnapshot,omitempty"`
}

// Bound returns the geographic extent of the overlay.
func (o *Overlay) Bound() (orb.Bound, bool) {
	switch {
	case o.Tile != nil:
		return LatLngBound(o.Tile.Bounds), true
	case o.ImageBounds != nil:
		return LatLngBound(*o.ImageBounds), true
	case o.Features != nil && len(o.Features.Features) > 0:
		b := o.Features.Features[0].Geometry.Bound()
		for _, f := range o.Features.Features[1:] {
			b = b.Union(f.Geometry.Bound())
		}
		return b, true
	}
	return orb.Bound{}, false
}

// LatLngBound converts [[south, west], [north, east]] to an orb.Bound.
func LatLngBound(b [2][2]float64) orb.Bound {
	return orb.Bound{
		Min: orb.Point{b[0][1], b[0][0]},
		Max: orb.Point{b[1][1], b[1][0]},
	}
}

// Fetcher retrieves tile and image bytes.
type Fetcher interface {
	GetBytes(ctx context.Context, url string) ([]byte, string, error)
}

// Options configure a Map.
type Options struct {
	BaseTileURL string
	MinZoom     int
	MaxZoom     int
	Center      orb.Point
	Width       int
	Height      int
}

// Map is safe for concurrent use.
type Map struct {
	reg     *registry.Registry
	fetch   Fetcher
	opts    Options
	log     zerolog.Logger
	tiles   *tileCache
	unwatch func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	view     Viewport
	overlays []*Overlay
	loadGen  map[string]int
}

// New creates a map bound to reg. Activating a layer in reg starts loading
// the matching overlay; the layer is marked ready once it has loaded.
func New(reg *registry.Registry, fetch Fetcher, opts Options) *Map {
	if opts.Width <= 0 {
		opts.Width = 1024
	}
	if opts.Height <= 0 {
		opts.Height = 768
	}
	if opts.MaxZoom <= 0 {
		opts.MaxZoom = 18
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Map{
		reg:     reg,
		fetch:   fetch,
		opts:    opts,
		log:     logging.Component("mapview"),
		tiles:   newTileCache(fetch),
		ctx:     ctx,
		cancel:  cancel,
		loadGen: make(map[string]int),
		view: Viewport{
			Center: opts.Center,
			Zoom:   clampZoom(opts.MinZoom, opts.MinZoom, opts.MaxZoom),
			Width:  opts.Width,
			Height: opts.Height,
		},
	}
	m.unwatch = reg.Watch(m.onChange)
	return m
}

// Close stops background loads and detaches from the registry.
func (m *Map) Close() {
	m.unwatch()
	m.cancel()
	m.wg.Wait()
}

// Options returns the construction options.
func (m *Map) Options() Options { return m.opts }

func (m *Map) onChange(c registry.Change) {
	if c.Action != "activated" {
		return
	}
	m.mu.Lock()
	m.loadGen[c.Layer]++
	gen := m.loadGen[c.Layer]
	o := m.find(c.Layer)
	m.mu.Unlock()

	if o == nil || (o.Kind != KindRaster && o.Kind != KindImage) {
		m.reg.MarkReady(c.Layer)
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.Load(m.ctx, c.Layer); err != nil {
			m.log.Warn().Err(err).Str("layer", c.Layer).Msg("layer load failed")
		}
		m.mu.RLock()
		current := m.loadGen[c.Layer] == gen
		m.mu.RUnlock()
		if e, ok := m.reg.Get(c.Layer); current && ok && e.IsActive {
			m.reg.MarkReady(c.Layer)
		}
	}()
}

func (m *Map) find(name string) *Overlay {
	for _, o := range m.overlays {
		if o.Name == name {
			return o
		}
	}
	return nil
}

// Mount replaces the overlays and registers the ones listed in the layer
// control, in order.
func (m *Map) Mount(overlays []Overlay) {
	m.mu.Lock()
	m.overlays = m.overlays[:0]
	for i := range overlays {
		o := overlays[i]
		m.overlays = append(m.overlays, &o)
	}
	m.mu.Unlock()
	for _, o := range overlays {
		if o.Registered {
			m.reg.Register(o.Name)
		}
	}
}

// Unmount drops every overlay and its registry entry.
func (m *Map) Unmount() {
	m.mu.Lock()
	old := m.overlays
	m.overlays = nil
	m.loadGen = make(map[string]int)
	m.mu.Unlock()
	for _, o := range old {
		if o.Registered {
			m.reg.Remove(o.Name)
		}
	}
	m.tiles.reset()
}

// AddOverlay mounts one more overlay, replacing one with the same name.
func (m *Map) AddOverlay(o Overlay) {
	m.mu.Lock()
	if existing := m.find(o.Name); existing != nil {
		*existing = o
	} else {
		m.overlays = append(m.overlays, &o)
	}
	m.mu.Unlock()
	if o.Registered {
		m.reg.Register(o.Name)
	}
}

// RemoveOverlay unmounts the named overlay.
func (m *Map) RemoveOverlay(name string) error {
	m.mu.Lock()
	idx := -1
	for i, o := range m.overlays {
		if o.Name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownOverlay, name)
	}
	m.overlays = append(m.overlays[:idx], m.overlays[idx+1:]...)
	m.mu.Unlock()
	m.reg.Remove(name)
	return nil
}

// Overlay returns a copy of the named overlay.
func (m *Map) Overlay(name string) (Overlay, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if o := m.find(name); o != nil {
		return *o, true
	}
	return Overlay{}, false
}

// Overlays returns copies of every mounted overlay in mount order.
func (m *Map) Overlays() []Overlay {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Overlay, len(m.overlays))
	for i, o := range m.overlays {
		out[i] = *o
	}
	return out
}

// Viewport returns the current view.
func (m *Map) Viewport() Viewport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view
}

// SetView centres the map on center at zoom, clamped to the zoom range.
func (m *Map) SetView(center orb.Point, zoom int) {
	m.mu.Lock()
	m.view.Center = center
	m.view.Zoom = clampZoom(zoom, m.opts.MinZoom, m.opts.MaxZoom)
	m.mu.Unlock()
}

// FlyTo centres the map on center at the maximum zoom.
func (m *Map) FlyTo(center orb.Point) {
	m.SetView(center, m.opts.MaxZoom)
}

// FitBounds shows b at the largest zoom that contains it.
func (m *Map) FitBounds(b orb.Bound) {
	m.mu.Lock()
	m.view.Center = b.Center()
	m.view.Zoom = FitZoom(b, m.view.Width, m.view.Height, m.opts.MinZoom, m.opts.MaxZoom)
	m.mu.Unlock()
}

// Bounds returns the geographic extent of the viewport.
func (m *Map) Bounds() (orb.Bound, bool) {
	v := m.Viewport()
	if v.Width <= 0 || v.Height <= 0 {
		return orb.Bound{}, false
	}
	return v.Bound(), true
}

// Coordinates is the corner pair printed on reports.
type Coordinates struct {
	UpperLeft  string `json:"upperLeft"`
	LowerRight string `json:"lowerRight"`
}

// Coordinates formats the north-west and south-east corners of the view.
func (m *Map) Coordinates() (Coordinates, bool) {
	b, ok := m.Bounds()
	if !ok {
		return Coordinates{}, false
	}
	return Coordinates{
		UpperLeft:  FormatCoordinates(b.Max.Lat(), b.Min.Lon()),
		LowerRight: FormatCoordinates(b.Min.Lat(), b.Max.Lon()),
	}, true
}

// FormatCoordinates renders a position as "12.3456° N, 1.2345° W".
func FormatCoordinates(lat, lng float64) string {
	ns, ew := "N", "E"
	if lat < 0 {
		ns = "S"
	}
	if lng < 0 {
		ew = "W"
	}
	return fmt.Sprintf("%.4f° %s, %.4f° %s", math.Abs(lat), ns, math.Abs(lng), ew)
}

func clampZoom(z, lo, hi int) int {
	if z < lo {
		return lo
	}
	if hi > 0 && z > hi {
		return hi
	}
	return z
}

// Substitute swaps the unregistered overlays for subs and returns a function
// restoring the previous ones. Reports use it to draw a curated subset.
func (m *Map) Substitute(subs []Overlay) (restore func()) {
	m.mu.Lock()
	prev := make([]*Overlay, len(m.overlays))
	copy(prev, m.overlays)
	kept := make([]*Overlay, 0, len(m.overlays)+len(subs))
	for _, o := range m.overlays {
		if o.Registered {
			kept = append(kept, o)
		}
	}
	for i := range subs {
		o := subs[i]
		o.Registered = false
		kept = append(kept, &o)
	}
	m.overlays = kept
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		m.overlays = prev
		m.mu.Unlock()
	}
}
