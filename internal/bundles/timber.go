package bundles

import (
	"context"

	"github.com/joeblew999/plat-dashboard/internal/catalog"
	"github.com/joeblew999/plat-dashboard/internal/cog"
	"github.com/joeblew999/plat-dashboard/internal/mapview"
)

const (
	timberBefore  = "1. 'Before' Layer"
	timberAfter   = "2. 'After' Layer"
	timberGeoJSON = "3. GeoJSON"
)

type timber struct{ base }

func (timber) ID() catalog.BundleID { return catalog.TimberStackInventory }

func (timber) Fetch(ctx context.Context, env *Env) (*Artifacts, error) {
	name := string(catalog.TimberStackInventory)
	return load(ctx, env, env.Selection, []need{
		{role: "before", name: name + "_before", typ: catalog.TIF, tile: &cog.Request{Colormap: "inferno"}},
		{role: "after", name: name + "_after", typ: catalog.TIF, tile: &cog.Request{Colormap: "inferno"}},
		{role: "geojson", name: name, typ: catalog.GeoJSON},
	}), nil
}

func (timber) Overlays(_ *Env, a *Artifacts) []mapview.Overlay {
	var out []mapview.Overlay
	if t := a.Tiles["before"]; t != nil {
		out = append(out, rasterOverlay(timberBefore, t))
	}
	if t := a.Tiles["after"]; t != nil {
		out = append(out, rasterOverlay(timberAfter, t))
	}
	if fc := a.GeoJSON("geojson"); fc != nil {
		out = append(out, vectorOverlay(timberGeoJSON, fc))
	}
	return out
}

func (timber) State(a *Artifacts) RenderState {
	if a.Tiles["before"] != nil || a.Tiles["after"] != nil {
		return StateRaster
	}
	return vectorState(a.GeoJSON("geojson"))
}

func (timber) Focus(a *Artifacts) Focus {
	if t := a.Tiles["before"]; t != nil {
		return tileFocus(t)
	}
	return tileFocus(a.Tiles["after"])
}
