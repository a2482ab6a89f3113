package bundles

import (
	"context"

	"github.com/paulmach/orb"

	"github.com/joeblew999/plat-dashboard/internal/catalog"
	"github.com/joeblew999/plat-dashboard/internal/cog"
	"github.com/joeblew999/plat-dashboard/internal/mapview"
)

const (
	vinesRaster  = "1. Raster Layer"
	vinesGeoJSON = "2. GeoJSON"
)

type vines struct{ base }

// VinesReport is the report data of automatic vines detection.
type VinesReport struct {
	OverviewValue int    `json:"overviewValue" doc:"Number of detected vines"`
	ImageSrc      string `json:"imageSrc"`
	bounds        *orb.Bound
}

func (VinesReport) Bundle() catalog.BundleID { return catalog.AutomaticVinesDetection }

// Frame is the extent the map is fitted to before snapshots.
func (r *VinesReport) Frame() *orb.Bound { return r.bounds }

func (vines) ID() catalog.BundleID  { return catalog.AutomaticVinesDetection }
func (vines) RequiresVariant() bool { return true }

func (vines) Fetch(ctx context.Context, env *Env) (*Artifacts, error) {
	name := env.Selection.FileName()
	return load(ctx, env, env.Selection, []need{
		{role: "geojson", name: name, typ: catalog.GeoJSON},
		{role: "tif", name: name, typ: catalog.TIF, tile: &cog.Request{}},
	}), nil
}

func (vines) Overlays(_ *Env, a *Artifacts) []mapview.Overlay {
	var out []mapview.Overlay
	if t := a.Tiles["tif"]; t != nil {
		out = append(out, rasterOverlay(vinesRaster, t))
	}
	if fc := a.GeoJSON("geojson"); fc != nil {
		out = append(out, vectorOverlay(vinesGeoJSON, fc))
	}
	return out
}

func (vines) State(a *Artifacts) RenderState { return rasterState(a, "tif") }
func (vines) Focus(a *Artifacts) Focus       { return tileFocus(a.Tiles["tif"]) }

func (vines) LayersToEnable() [][]string {
	return [][]string{{vinesRaster, vinesGeoJSON}}
}

func (vines) Prepare(_ context.Context, _ *Env, a *Artifacts) (Prepared, error) {
	fc := a.GeoJSON("geojson")
	ref := a.Reference("tif")
	if fc == nil || len(fc.Features) == 0 || ref == "" {
		return nil, nil
	}
	return &VinesReport{
		OverviewValue: len(fc.Features),
		ImageSrc:      ref,
		bounds:        tileFocus(a.Tiles["tif"]).Bounds,
	}, nil
}
