package bundles

import (
	"context"

	"github.com/joeblew999/plat-dashboard/internal/catalog"
	"github.com/joeblew999/plat-dashboard/internal/cog"
	"github.com/joeblew999/plat-dashboard/internal/config"
	"github.com/joeblew999/plat-dashboard/internal/mapview"
)

const (
	soilGeoJSON = "1. GeoJSON"
	soilRaster  = "2. Raster Layer (output)"
	soilImage   = "3. Raster Layer (output) - LQ image"
)

type soilZoning struct{ base }

func (soilZoning) ID() catalog.BundleID { return catalog.SoilZoning }

func (soilZoning) Fetch(ctx context.Context, env *Env) (*Artifacts, error) {
	name := string(catalog.SoilZoning)
	return load(ctx, env, env.Selection, []need{
		{role: "geojson", name: name, typ: catalog.GeoJSON},
		{role: "tif", name: name, typ: catalog.TIF, tile: &cog.Request{}},
	}), nil
}

func (soilZoning) Overlays(env *Env, a *Artifacts) []mapview.Overlay {
	var out []mapview.Overlay
	if fc := a.GeoJSON("geojson"); fc != nil {
		out = append(out, vectorOverlay(soilGeoJSON, fc))
	}
	if t := a.Tiles["tif"]; t != nil {
		bounds := t.Bounds
		out = append(out,
			rasterOverlay(soilRaster, t),
			mapview.Overlay{
				Name:        soilImage,
				Kind:        mapview.KindImage,
				ImageURL:    config.Join(env.APIURL, "v1/image/soil_zoning/soil_zoning_output") + "?format=webp",
				ImageBounds: &bounds,
				Registered:  true,
			},
		)
	}
	return out
}

func (soilZoning) State(a *Artifacts) RenderState {
	if s := rasterState(a, "tif"); s == StateRaster {
		return s
	}
	return vectorState(a.GeoJSON("geojson"))
}

func (soilZoning) Focus(a *Artifacts) Focus { return tileFocus(a.Tiles["tif"]) }
