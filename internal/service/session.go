package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/rs/zerolog"

	"github.com/joeblew999/plat-dashboard/internal/bundles"
	"github.com/joeblew999/plat-dashboard/internal/catalog"
	"github.com/joeblew999/plat-dashboard/internal/config"
	"github.com/joeblew999/plat-dashboard/internal/dip"
	"github.com/joeblew999/plat-dashboard/internal/livestock"
	"github.com/joeblew999/plat-dashboard/internal/logging"
	"github.com/joeblew999/plat-dashboard/internal/mapview"
	"github.com/joeblew999/plat-dashboard/internal/registry"
)

var (
	// ErrInvalidSelection is returned for unknown bundles or variants.
	ErrInvalidSelection = errors.New("invalid selection")
	// ErrNothingSelected is returned by operations that need a loaded bundle.
	ErrNothingSelected = errors.New("no bundle loaded")
	// ErrInvalidParams is returned for thresholds outside the slider range.
	ErrInvalidParams = errors.New("invalid parameters")
)

// Backends are the upstream clients shared by every session.
type Backends struct {
	Settings  *config.Settings
	DIP       *dip.Client
	COG       bundles.Describer
	Images    bundles.ImageLoader
	Livestock livestock.Fetcher
	Tiles     mapview.Fetcher
}

// Session is one dashboard: a bundle selection, its layers and the map
// they are drawn on. Sessions are independent of each other.
type Session struct {
	ID       string
	Created  time.Time
	Bus      *EventBus
	Registry *registry.Registry
	Map      *mapview.Map

	backends Backends
	cache    *dip.Cache
	live     *livestock.Source
	log      zerolog.Logger
	unwatch  func()
	liveWG   sync.WaitGroup

	mu        sync.Mutex
	sel       catalog.Selection
	params    bundles.Params
	module    bundles.Module
	artifacts *bundles.Artifacts
	liveGen   int
	stopLive  func()
}

func newSession(id string, created time.Time, b Backends) *Session {
	s := &Session{
		ID:       id,
		Created:  created,
		Bus:      NewEventBus(),
		Registry: registry.New(),
		backends: b,
		cache:    dip.NewCache(b.DIP),
		params:   bundles.DefaultParams(),
		log:      logging.Component("session").With().Str("session", id).Logger(),
	}
	m := b.Settings.Map
	s.Map = mapview.New(s.Registry, b.Tiles, mapview.Options{
		BaseTileURL: m.BaseTileURL,
		MinZoom:     m.MinZoom,
		MaxZoom:     m.MaxZoom,
		Center:      orb.Point{m.CenterLng, m.CenterLat},
		Width:       m.Width,
		Height:      m.Height,
	})
	s.live = &livestock.Source{
		Poller: livestock.NewPoller(b.Livestock, b.Settings.Upstream.PollInterval),
		Live:   b.Livestock,
		Static: s.staticLivestock,
	}
	s.unwatch = s.Registry.Watch(func(c registry.Change) {
		s.Bus.Publish(Event{Resource: "layers", Action: c.Action, ID: c.Layer})
	})
	return s
}

func (s *Session) staticLivestock(ctx context.Context) (*geojson.FeatureCollection, error) {
	a, err := s.cache.Artifact(ctx, string(catalog.Livestock), catalog.GeoJSON)
	if err != nil {
		return nil, err
	}
	return a.GeoJSON, nil
}

// Close stops polling and background loads.
func (s *Session) Close() {
	s.mu.Lock()
	s.liveGen++
	if s.stopLive != nil {
		s.stopLive()
		s.stopLive = nil
	}
	s.mu.Unlock()
	s.live.Poller.Stop()
	s.liveWG.Wait()
	s.unwatch()
	s.Map.Close()
}

// Selection returns the current selection.
func (s *Session) Selection() catalog.Selection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sel
}

// Params returns a copy of the session parameters.
func (s *Session) Params() bundles.Params {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params.Clone()
}

func (s *Session) envLocked() *bundles.Env {
	return &bundles.Env{
		Selection: s.sel,
		Cache:     s.cache,
		COG:       s.backends.COG,
		Images:    s.backends.Images,
		Livestock: s.live,
		APIURL:    s.backends.Settings.Upstream.APIURL,
		Params:    s.params.Clone(),
	}
}

// Current returns what a report is generated from.
func (s *Session) Current() (bundles.Module, *bundles.Env, *bundles.Artifacts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.module == nil || s.artifacts == nil {
		return nil, nil, nil, ErrNothingSelected
	}
	return s.module, s.envLocked(), s.artifacts, nil
}

// Select switches the session to sel. The registry, the overlays and the
// artifact cache are reset; bundles that need a dataset wait for a variant
// before anything is fetched.
func (s *Session) Select(ctx context.Context, sel catalog.Selection) error {
	if !catalog.Valid(sel.Bundle) || !sel.Variant.Valid() {
		return fmt.Errorf("%w: %s/%s", ErrInvalidSelection, sel.Bundle, sel.Variant)
	}
	m, err := bundles.Lookup(sel.Bundle)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSelection, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.unfollowLocked()
	if sel.Bundle != catalog.Livestock || sel.Variant != catalog.PilotDataset {
		s.live.Poller.Stop()
	}
	s.Map.Unmount()
	s.Registry.Clear()
	s.cache.Reset()
	s.sel = sel
	s.module = m
	s.artifacts = nil

	if m.RequiresVariant() && sel.Variant == "" {
		s.log.Debug().Str("bundle", string(sel.Bundle)).Msg("waiting for dataset variant")
		s.Bus.Publish(Event{Resource: "selection", Action: "pending", ID: string(sel.Bundle)})
		return nil
	}
	if err := s.loadLocked(ctx, true); err != nil {
		return err
	}
	if sel.Bundle == catalog.Livestock && sel.Variant == catalog.PilotDataset {
		s.followLocked()
	}
	return nil
}

// loadLocked fetches the current selection and mounts its overlays. focus
// moves the map to the bundle's extent.
func (s *Session) loadLocked(ctx context.Context, focus bool) error {
	env := s.envLocked()
	a, err := s.module.Fetch(ctx, env)
	if err != nil {
		return fmt.Errorf("load %s: %w", s.sel.Bundle, err)
	}
	s.artifacts = a
	s.Map.Mount(s.module.Overlays(env, a))
	if focus {
		f := s.module.Focus(a)
		switch {
		case f.Bounds != nil:
			s.Map.FitBounds(*f.Bounds)
		case f.FlyTo != nil:
			s.Map.FlyTo(*f.FlyTo)
		}
	}
	for role, msg := range a.Errors {
		s.log.Warn().Str("role", role).Str("error", msg).Msg("artifact unavailable")
	}
	s.log.Info().
		Str("bundle", string(s.sel.Bundle)).
		Str("variant", string(s.sel.Variant)).
		Str("state", string(s.module.State(a))).
		Msg("bundle loaded")
	s.Bus.Publish(Event{Resource: "selection", Action: "loaded", ID: string(s.sel.Bundle)})
	return nil
}

// followLocked remounts the herd markers on every live update.
func (s *Session) followLocked() {
	ch, cancel := s.live.Poller.Subscribe()
	s.liveGen++
	gen := s.liveGen
	s.stopLive = cancel
	s.liveWG.Add(1)
	go func() {
		defer s.liveWG.Done()
		for fc := range ch {
			s.mu.Lock()
			if s.liveGen != gen || s.artifacts == nil {
				s.mu.Unlock()
				continue
			}
			a := *s.artifacts
			a.Features = fc
			s.artifacts = &a
			s.Map.Mount(s.module.Overlays(s.envLocked(), s.artifacts))
			s.mu.Unlock()
			s.Bus.Publish(Event{Resource: "view", Action: "updated", ID: string(catalog.Livestock)})
		}
	}()
}

func (s *Session) unfollowLocked() {
	s.liveGen++
	if s.stopLive != nil {
		s.stopLive()
		s.stopLive = nil
	}
}

// SetParams replaces the session parameters and redraws the current bundle
// with them. Layer visibility and the viewport are kept.
func (s *Session) SetParams(ctx context.Context, p bundles.Params) error {
	for name, h := range p.Health {
		for _, v := range []float64{h.Dead, h.Stressed} {
			if v < bundles.IndexMin || v > bundles.IndexMax {
				return fmt.Errorf("%w: %s threshold %v outside [%v, %v]", ErrInvalidParams, name, v, bundles.IndexMin, bundles.IndexMax)
			}
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	merged := s.params.Clone()
	for name, h := range p.Health {
		merged.Health[name] = h
	}
	merged.CropThreshold = p.CropThreshold
	s.params = merged
	s.Bus.Publish(Event{Resource: "params", Action: "updated", ID: s.ID})
	if s.artifacts == nil {
		return nil
	}
	return s.loadLocked(ctx, false)
}

// SetViewport moves the map.
func (s *Session) SetViewport(center orb.Point, zoom int) mapview.Viewport {
	s.Map.SetView(center, zoom)
	s.Bus.Publish(Event{Resource: "view", Action: "moved", ID: s.ID})
	return s.Map.Viewport()
}

// SetOverlay mounts or unmounts one of the current bundle's overlays.
func (s *Session) SetOverlay(name string, present bool) error {
	if !present {
		return s.Map.RemoveOverlay(name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.artifacts == nil {
		return ErrNothingSelected
	}
	for _, o := range s.module.Overlays(s.envLocked(), s.artifacts) {
		if o.Name == name {
			s.Map.AddOverlay(o)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", mapview.ErrUnknownOverlay, name)
}

// View is the render state of a session.
type View struct {
	SessionID       string                `json:"sessionId"`
	Selection       catalog.Selection     `json:"selection"`
	State           bundles.RenderState   `json:"state" enum:"raster,vector,none"`
	AwaitingVariant bool                  `json:"awaitingVariant,omitempty" doc:"The bundle needs a dataset variant before it loads"`
	Overlays        []OverlayInfo         `json:"overlays"`
	Layers          []registry.Entry      `json:"layers"`
	Viewport        mapview.Viewport      `json:"viewport"`
	Coordinates     *mapview.Coordinates  `json:"coordinates,omitempty"`
	Errors          map[string]string     `json:"errors,omitempty" doc:"Artifacts that failed to load, by role"`
	Focus           bundles.Focus         `json:"focus"`
	Tiles           map[string]TileSource `json:"tiles,omitempty"`
}

// OverlayInfo summarises a mounted overlay.
type OverlayInfo struct {
	Name       string       `json:"name"`
	Kind       mapview.Kind `json:"kind"`
	Registered bool         `json:"registered" doc:"Listed in the layer control"`
	Features   int          `json:"features,omitempty"`
	TileURL    string       `json:"tileUrl,omitempty"`
	ImageURL   string       `json:"imageUrl,omitempty"`
}

// TileSource is the tile template and value range of one raster role.
type TileSource struct {
	TileURL    string     `json:"tileUrl"`
	BandMinMax [2]float64 `json:"bandMinMax"`
}

// View returns the current render state.
func (s *Session) View() View {
	s.mu.Lock()
	v := View{
		SessionID: s.ID,
		Selection: s.sel,
		State:     bundles.StateNone,
	}
	if s.module != nil && s.artifacts == nil && s.module.RequiresVariant() && s.sel.Variant == "" {
		v.AwaitingVariant = true
	}
	if s.module != nil && s.artifacts != nil {
		v.State = s.module.State(s.artifacts)
		v.Focus = s.module.Focus(s.artifacts)
		v.Errors = s.artifacts.Errors
		for role, t := range s.artifacts.Tiles {
			if v.Tiles == nil {
				v.Tiles = make(map[string]TileSource)
			}
			v.Tiles[role] = TileSource{TileURL: t.TileURL, BandMinMax: t.BandMinMax}
		}
	}
	s.mu.Unlock()

	for _, o := range s.Map.Overlays() {
		info := OverlayInfo{Name: o.Name, Kind: o.Kind, Registered: o.Registered, ImageURL: o.ImageURL}
		if o.Features != nil {
			info.Features = len(o.Features.Features)
		}
		if o.Tile != nil {
			info.TileURL = o.Tile.TileURL
		}
		v.Overlays = append(v.Overlays, info)
	}
	v.Layers = s.Registry.Entries()
	v.Viewport = s.Map.Viewport()
	if c, ok := s.Map.Coordinates(); ok {
		v.Coordinates = &c
	}
	return v
}
