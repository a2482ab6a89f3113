package bundles

import (
	"context"

	"github.com/joeblew999/plat-dashboard/internal/catalog"
	"github.com/joeblew999/plat-dashboard/internal/cog"
	"github.com/joeblew999/plat-dashboard/internal/mapview"
)

const (
	cropRaster           = "1. Raster Layer"
	cropGCC              = "2. GCC Layer"
	cropWaterStress      = "3. Water Stress Layer"
	cropAlarms           = "4. Alarms"
	cropAlarmsPercentile = "5. Alarms Percentile"

	histogramBin = 0.1
)

var alarmStyle = mapview.Style{Color: "#ff0000", FillColor: "#ff0000", Weight: 2, Opacity: 1, FillOpacity: 0.5}

type cropGrowth struct{ base }

// CropGrowthReport is the report data of crop growth monitoring.
type CropGrowthReport struct {
	All       Stats      `json:"all" doc:"GCC statistics over every vine"`
	Alarm     Stats      `json:"alarm" doc:"GCC statistics over vines with alarms"`
	Histogram []Bin      `json:"histogram"`
	Threshold [2]float64 `json:"threshold"`
}

func (CropGrowthReport) Bundle() catalog.BundleID { return catalog.CropGrowth }

func (cropGrowth) ID() catalog.BundleID { return catalog.CropGrowth }

func (cropGrowth) Fetch(ctx context.Context, env *Env) (*Artifacts, error) {
	name := string(catalog.CropGrowth)
	a := load(ctx, env, env.Selection, []need{
		{role: "tif", name: name, typ: catalog.TIF, tile: &cog.Request{}},
		{role: "gcc", name: name + "_gcc", typ: catalog.TIF, tile: &cog.Request{Colormap: "greens", Rescale: env.Params.CropThreshold}},
		{role: "alarms", name: name + "_alarms", typ: catalog.GeoJSON},
		{role: "alarms_percentile", name: name + "_alarms_percentile", typ: catalog.GeoJSON},
	})

	// The water stress layer shares the GCC range unless a threshold is set.
	rescale := env.Params.CropThreshold
	if rescale == "" {
		if t := a.Tiles["gcc"]; t != nil {
			rescale = cog.FormatNumber(t.BandMinMax[0]) + "," + cog.FormatNumber(t.BandMinMax[1])
		}
	}
	ws := load(ctx, env, env.Selection, []need{
		{role: "water_stress", name: name + "_water_stress", typ: catalog.TIF, tile: &cog.Request{Colormap: "blues", Rescale: rescale}},
	})
	for k, v := range ws.Items {
		a.Items[k] = v
	}
	for k, v := range ws.Tiles {
		a.Tiles[k] = v
	}
	for k, v := range ws.Errors {
		a.Errors[k] = v
	}
	return a, nil
}

func alarmOverlay(v *mapview.Overlay) mapview.Overlay {
	o := *v
	o.Style = alarmStyle
	for i := range o.Popups {
		o.Popups[i].Email = true
	}
	return o
}

func (cropGrowth) Overlays(_ *Env, a *Artifacts) []mapview.Overlay {
	var out []mapview.Overlay
	if t := a.Tiles["tif"]; t != nil {
		out = append(out, rasterOverlay(cropRaster, t))
	}
	if t := a.Tiles["gcc"]; t != nil {
		out = append(out, rasterOverlay(cropGCC, t))
	}
	if t := a.Tiles["water_stress"]; t != nil {
		out = append(out, rasterOverlay(cropWaterStress, t))
	}
	if fc := a.GeoJSON("alarms"); fc != nil {
		v := vectorOverlay(cropAlarms, filterFeatures(fc, "dgk", 1))
		out = append(out, alarmOverlay(&v))
	}
	if fc := a.GeoJSON("alarms_percentile"); fc != nil {
		v := vectorOverlay(cropAlarmsPercentile, filterFeatures(fc, "dgp", 1))
		out = append(out, alarmOverlay(&v))
	}
	return out
}

func (cropGrowth) State(a *Artifacts) RenderState { return rasterState(a, "tif") }
func (cropGrowth) Focus(a *Artifacts) Focus       { return tileFocus(a.Tiles["tif"]) }

func (cropGrowth) LayersToEnable() [][]string {
	return [][]string{
		{cropRaster, cropGCC},
		{cropRaster, cropGCC, cropAlarms},
	}
}

func (cropGrowth) Prepare(_ context.Context, _ *Env, a *Artifacts) (Prepared, error) {
	fc := a.GeoJSON("alarms_percentile")
	if a.Reference("gcc") == "" || fc == nil {
		return nil, nil
	}
	var all, alarm []float64
	for _, f := range fc.Features {
		gcc, ok := floatLike(f, "gcc")
		if !ok {
			continue
		}
		all = append(all, gcc)
		if dgp, ok := floatLike(f, "dgp"); ok && dgp == 1 {
			alarm = append(alarm, gcc)
		}
	}
	r := &CropGrowthReport{
		All:       Summarise(all),
		Alarm:     Summarise(alarm),
		Histogram: Histogram(all, histogramBin),
		Threshold: [2]float64{0, 1},
	}
	if t := a.Tiles["gcc"]; t != nil {
		r.Threshold = t.BandMinMax
	}
	return r, nil
}
