// Package bundles holds the per-bundle view logic: which artifacts a bundle
// needs, how they become map overlays, which layer combinations a report
// snapshots and what data the report content is prepared from.
package bundles

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/joeblew999/plat-dashboard/internal/catalog"
	"github.com/joeblew999/plat-dashboard/internal/cog"
	"github.com/joeblew999/plat-dashboard/internal/dip"
	"github.com/joeblew999/plat-dashboard/internal/imageproc"
	"github.com/joeblew999/plat-dashboard/internal/livestock"
	"github.com/joeblew999/plat-dashboard/internal/logging"
	"github.com/joeblew999/plat-dashboard/internal/mapview"
)

// RenderState says what a bundle view currently shows.
type RenderState string

const (
	StateRaster RenderState = "raster"
	StateVector RenderState = "vector"
	StateNone   RenderState = "none"
)

// Colours shared by marker bundles.
const (
	markerColor   = "#7e22ce"
	polylineColor = "#60a5fa"
)

// Describer builds tile descriptors for rasters.
type Describer interface {
	Describe(ctx context.Context, rasterURL string, req cog.Request) (*cog.TileDescriptor, error)
}

// ImageLoader turns image URLs into embeddable data URIs.
type ImageLoader interface {
	WithRetry(ctx context.Context, url string) (*imageproc.Result, error)
}

// Env is everything a module needs to load and prepare a bundle.
type Env struct {
	Selection catalog.Selection
	Cache     *dip.Cache
	COG       Describer
	Images    ImageLoader
	Livestock *livestock.Source
	APIURL    string
	Params    Params
}

// HealthIndex holds the colouring thresholds of one vegetation index.
// Values at or below Dead are dead, at or below Stressed are stressed,
// everything above is healthy.
type HealthIndex struct {
	Dead          float64 `json:"deadThreshold"`
	Stressed      float64 `json:"stressedThreshold"`
	DeadColor     string  `json:"deadColor"`
	StressedColor string  `json:"stressedColor"`
	HealthyColor  string  `json:"healthyColor"`
}

// Params are the user-adjustable settings of a session.
type Params struct {
	Health        map[string]HealthIndex `json:"health"`
	CropThreshold string                 `json:"cropThreshold,omitempty" doc:"Rescale range for the GCC and water stress layers, \"min,max\""`
}

// Vegetation indexes of the health bundle.
const (
	NGRDI = "NGRDI"
	VARI  = "VARI"
)

// DefaultParams returns the initial session parameters.
func DefaultParams() Params {
	return Params{Health: map[string]HealthIndex{
		NGRDI: {Dead: 0, Stressed: 0.01, DeadColor: "#FE265C", StressedColor: "#FDB457", HealthyColor: "#A7FF44"},
		VARI:  {Dead: 0, Stressed: 0.02, DeadColor: "#FE265C", StressedColor: "#FDB457", HealthyColor: "#A7FF44"},
	}}
}

// Clone returns a deep copy.
func (p Params) Clone() Params {
	out := Params{CropThreshold: p.CropThreshold, Health: make(map[string]HealthIndex, len(p.Health))}
	for k, v := range p.Health {
		out.Health[k] = v
	}
	return out
}

// Artifacts are the loaded data of one selection, keyed by role.
type Artifacts struct {
	Selection catalog.Selection              `json:"selection"`
	Items     map[string]*dip.Artifact       `json:"-"`
	Tiles     map[string]*cog.TileDescriptor `json:"tiles,omitempty"`
	Features  *geojson.FeatureCollection     `json:"-"`
	Errors    map[string]string              `json:"errors,omitempty" doc:"Failed artifacts by role"`
}

func newArtifacts(sel catalog.Selection) *Artifacts {
	return &Artifacts{
		Selection: sel,
		Items:     make(map[string]*dip.Artifact),
		Tiles:     make(map[string]*cog.TileDescriptor),
		Errors:    make(map[string]string),
	}
}

// GeoJSON returns the feature collection stored under role.
func (a *Artifacts) GeoJSON(role string) *geojson.FeatureCollection {
	if it := a.Items[role]; it != nil {
		return it.GeoJSON
	}
	return nil
}

// JSON returns the raw document stored under role.
func (a *Artifacts) JSON(role string) json.RawMessage {
	if it := a.Items[role]; it != nil {
		return it.JSON
	}
	return nil
}

// Reference returns the raster URL stored under role.
func (a *Artifacts) Reference(role string) string {
	if it := a.Items[role]; it != nil {
		return it.Reference
	}
	return ""
}

// Focus is where the map moves once a bundle has loaded.
type Focus struct {
	Bounds *orb.Bound `json:"bounds,omitempty"`
	FlyTo  *orb.Point `json:"flyTo,omitempty"`
}

// Prepared is the report data of one bundle.
type Prepared interface {
	Bundle() catalog.BundleID
}

// Framer is implemented by prepared data that refits the map before the
// snapshots are taken.
type Framer interface {
	Frame() *orb.Bound
}

// Module is the behaviour of one bundle.
type Module interface {
	ID() catalog.BundleID
	// RequiresVariant reports whether the user picks a dataset first.
	RequiresVariant() bool
	Fetch(ctx context.Context, env *Env) (*Artifacts, error)
	Overlays(env *Env, a *Artifacts) []mapview.Overlay
	State(a *Artifacts) RenderState
	Focus(a *Artifacts) Focus
	LayersToEnable() [][]string
	// Prepare returns nil when there is nothing to report.
	Prepare(ctx context.Context, env *Env, a *Artifacts) (Prepared, error)
}

// ReportOverlayer is implemented by modules that draw a different set of
// markers while a report is being captured.
type ReportOverlayer interface {
	ReportOverlays(p Prepared) []mapview.Overlay
}

// ErrUnknownModule is returned by Lookup for ids without a module.
var ErrUnknownModule = errors.New("no module for bundle")

var modules = map[catalog.BundleID]Module{
	catalog.AutomaticVinesDetection:     vines{},
	catalog.CropGrowth:                  cropGrowth{},
	catalog.HealthStatusOfVegetation:    health{},
	catalog.Livestock:                   livestockModule{},
	catalog.CowLameness:                 cowLameness{},
	catalog.SoilZoning:                  soilZoning{},
	catalog.AnimalBehavior:              animalBehavior{},
	catalog.QuantificationOfLogs:        logs{},
	catalog.ForestryResilienceAnalytics: forestry{},
	catalog.TimberStackInventory:        timber{},
}

// Lookup returns the module for id.
func Lookup(id catalog.BundleID) (Module, error) {
	m, ok := modules[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModule, id)
	}
	return m, nil
}

// base provides the defaults shared by most modules.
type base struct{}

func (base) RequiresVariant() bool      { return false }
func (base) LayersToEnable() [][]string { return nil }
func (base) Focus(*Artifacts) Focus     { return Focus{} }

func (base) Prepare(context.Context, *Env, *Artifacts) (Prepared, error) { return nil, nil }

// need is one artifact to load. A non-nil tile request makes a tif
// artifact go through the tiling service as well.
type need struct {
	role string
	name string
	typ  catalog.ArtifactType
	tile *cog.Request
}

func logger() zerolog.Logger { return logging.Component("bundles") }

// load fetches every need concurrently. Failures are recorded per role and
// never abort the other loads.
func load(ctx context.Context, env *Env, sel catalog.Selection, needs []need) *Artifacts {
	a := newArtifacts(sel)
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, n := range needs {
		g.Go(func() error {
			item, err := env.Cache.Artifact(gctx, n.name, n.typ)
			if err != nil {
				record(&mu, a, n.role, err)
				return nil
			}
			var tile *cog.TileDescriptor
			if n.tile != nil && item.Reference != "" {
				tile, err = env.COG.Describe(gctx, item.Reference, *n.tile)
				if err != nil {
					mu.Lock()
					a.Items[n.role] = item
					mu.Unlock()
					record(&mu, a, n.role, err)
					return nil
				}
			}
			mu.Lock()
			a.Items[n.role] = item
			if tile != nil {
				a.Tiles[n.role] = tile
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return a
}

func record(mu *sync.Mutex, a *Artifacts, role string, err error) {
	l := logger()
	l.Warn().Err(err).Str("role", role).Str("bundle", string(a.Selection.Bundle)).Msg("artifact load failed")
	mu.Lock()
	a.Errors[role] = err.Error()
	mu.Unlock()
}

// rasterState is the state of bundles whose main view is a raster.
func rasterState(a *Artifacts, role string) RenderState {
	if a.Tiles[role] != nil {
		return StateRaster
	}
	return StateNone
}

// vectorState is the state of bundles whose main view is vector data.
func vectorState(fc *geojson.FeatureCollection) RenderState {
	if fc != nil && len(fc.Features) > 0 {
		return StateVector
	}
	return StateNone
}

func tileFocus(t *cog.TileDescriptor) Focus {
	if t == nil {
		return Focus{}
	}
	b := mapview.LatLngBound(t.Bounds)
	return Focus{Bounds: &b}
}

func rasterOverlay(name string, t *cog.TileDescriptor) mapview.Overlay {
	return mapview.Overlay{Name: name, Kind: mapview.KindRaster, Tile: t, Registered: true}
}

func vectorOverlay(name string, fc *geojson.FeatureCollection) mapview.Overlay {
	o := mapview.Overlay{Name: name, Kind: mapview.KindVector, Features: fc, Registered: true}
	for _, f := range fc.Features {
		o.Popups = append(o.Popups, mapview.PopupFor(f))
	}
	return o
}

// pointTrail returns the markers and connecting line of point features.
func pointTrail(name string, fc *geojson.FeatureCollection, popups []mapview.Popup, clustered bool) []mapview.Overlay {
	line := make(orb.LineString, 0, len(fc.Features))
	for _, f := range fc.Features {
		if p, ok := f.Geometry.(orb.Point); ok {
			line = append(line, p)
		}
	}
	trail := geojson.NewFeatureCollection()
	if len(line) > 1 {
		trail.Append(geojson.NewFeature(line))
	}
	return []mapview.Overlay{
		{
			Name:      name,
			Kind:      mapview.KindMarker,
			Features:  fc,
			Popups:    popups,
			Style:     mapview.Style{Color: markerColor, FillColor: markerColor, FillOpacity: 1},
			Clustered: clustered,
		},
		{
			Name:     name + " trail",
			Kind:     mapview.KindPolyline,
			Features: trail,
			Style:    mapview.Style{Color: polylineColor, Weight: 3, Opacity: 1},
		},
	}
}

// featuresFocus fits the map to the features of fc.
func featuresFocus(fc *geojson.FeatureCollection) Focus {
	if fc == nil || len(fc.Features) == 0 {
		return Focus{}
	}
	b := fc.Features[0].Geometry.Bound()
	for _, f := range fc.Features[1:] {
		b = b.Union(f.Geometry.Bound())
	}
	return Focus{Bounds: &b}
}

// processImages loads urls concurrently, substituting the placeholder for
// failures. failed reports which entries fell back.
func processImages(ctx context.Context, env *Env, urls []string) (images []*imageproc.Result, failed []bool) {
	images = make([]*imageproc.Result, len(urls))
	failed = make([]bool, len(urls))
	var g errgroup.Group
	for i, u := range urls {
		g.Go(func() error {
			res, err := env.Images.WithRetry(ctx, u)
			if err != nil {
				l := logger()
				l.Error().Err(err).Str("url", u).Msg("image processing failed")
				images[i] = imageproc.Placeholder()
				failed[i] = true
				return nil
			}
			images[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return images, failed
}
