package bundles

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/joeblew999/plat-dashboard/internal/catalog"
	"github.com/joeblew999/plat-dashboard/internal/cog"
	"github.com/joeblew999/plat-dashboard/internal/mapview"
)

const (
	healthRaster = "1. Raster Layer"
	healthNGRDI  = "2. GeoJSON (NGRDI)"
	healthVARI   = "3. GeoJSON (VARI)"

	// Slider range of the index thresholds.
	IndexMin  = -1.0
	IndexMax  = 1.0
	IndexStep = 0.01
)

type health struct{ base }

// Slice is one pie chart segment.
type Slice struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// IndexBreakdown is the tree health split of one vegetation index.
type IndexBreakdown struct {
	Index             string  `json:"index"`
	StressedThreshold float64 `json:"stressedThreshold"`
	DeadThreshold     float64 `json:"deadThreshold"`
	Healthy           int     `json:"healthy"`
	Stressed          int     `json:"stressed"`
	Dead              int     `json:"dead"`
	Pie               []Slice `json:"pieChartData"`
}

// HealthReport is the report data of vegetation health status.
type HealthReport struct {
	TotalInspectedArea string           `json:"totalInspectedArea" doc:"Hectares, two decimals"`
	CanopyCover        string           `json:"canopyCover"`
	DetectedTrees      string           `json:"detectedTrees"`
	Indices            []IndexBreakdown `json:"indexProps"`
	bounds             *orb.Bound
}

func (HealthReport) Bundle() catalog.BundleID { return catalog.HealthStatusOfVegetation }

// Frame is the extent the map is fitted to before snapshots.
func (r *HealthReport) Frame() *orb.Bound { return r.bounds }

type healthStats struct {
	TreesDetected float64 `json:"trees_detected"`
	TotalArea     float64 `json:"total_area"`
	TreeAreaP     any     `json:"tree_area_p"`
}

func (health) ID() catalog.BundleID  { return catalog.HealthStatusOfVegetation }
func (health) RequiresVariant() bool { return true }

func (health) Fetch(ctx context.Context, env *Env) (*Artifacts, error) {
	name := env.Selection.FileName()
	noData := 0.0
	return load(ctx, env, env.Selection, []need{
		{role: "geojson", name: name, typ: catalog.GeoJSON},
		{role: "tif", name: name, typ: catalog.TIF, tile: &cog.Request{Bidx: "1,2,3", NoData: &noData, ReturnMask: true}},
		{role: "json", name: name, typ: catalog.JSON},
	}), nil
}

// Classify returns "dead", "stressed" or "healthy" for an index value.
func (h HealthIndex) Classify(v float64) string {
	switch {
	case v <= h.Dead:
		return "dead"
	case v <= h.Stressed:
		return "stressed"
	}
	return "healthy"
}

func (h HealthIndex) color(v float64) string {
	switch h.Classify(v) {
	case "dead":
		return h.DeadColor
	case "stressed":
		return h.StressedColor
	}
	return h.HealthyColor
}

func indexOverlay(name, index string, fc *geojson.FeatureCollection, p HealthIndex) mapview.Overlay {
	o := vectorOverlay(name, fc)
	o.Style = mapview.Style{Weight: 1, Opacity: 1, FillOpacity: 0.8}
	o.FillColors = make([]string, len(fc.Features))
	for i, f := range fc.Features {
		if v, ok := toFloat(f.Properties[index]); ok {
			o.FillColors[i] = p.color(v)
		}
	}
	return o
}

func (health) Overlays(env *Env, a *Artifacts) []mapview.Overlay {
	var out []mapview.Overlay
	if t := a.Tiles["tif"]; t != nil {
		out = append(out, rasterOverlay(healthRaster, t))
	}
	if fc := a.GeoJSON("geojson"); fc != nil {
		out = append(out,
			indexOverlay(healthNGRDI, NGRDI, fc, env.Params.Health[NGRDI]),
			indexOverlay(healthVARI, VARI, fc, env.Params.Health[VARI]),
		)
	}
	return out
}

func (health) State(a *Artifacts) RenderState { return rasterState(a, "tif") }
func (health) Focus(a *Artifacts) Focus       { return tileFocus(a.Tiles["tif"]) }

func (health) LayersToEnable() [][]string {
	return [][]string{{healthRaster, healthNGRDI}, {healthRaster, healthVARI}}
}

func (health) Prepare(_ context.Context, env *Env, a *Artifacts) (Prepared, error) {
	fc := a.GeoJSON("geojson")
	raw := a.JSON("json")
	if fc == nil || len(raw) == 0 {
		return nil, nil
	}
	var st healthStats
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("health statistics: %w", err)
	}

	r := &HealthReport{
		TotalInspectedArea: fmt.Sprintf("%.2f", st.TotalArea/10000),
		CanopyCover:        str(st.TreeAreaP),
		DetectedTrees:      cog.FormatNumber(st.TreesDetected),
		bounds:             tileFocus(a.Tiles["tif"]).Bounds,
	}
	ratio := func(n int) float64 {
		if st.TreesDetected == 0 {
			return 0
		}
		return round2(float64(n)/st.TreesDetected) * 100
	}
	for _, index := range []string{NGRDI, VARI} {
		p := env.Params.Health[index]
		b := IndexBreakdown{Index: index, StressedThreshold: p.Stressed, DeadThreshold: p.Dead}
		for _, f := range fc.Features {
			v, ok := toFloat(f.Properties[index])
			if !ok {
				continue
			}
			switch p.Classify(v) {
			case "dead":
				b.Dead++
			case "stressed":
				b.Stressed++
			default:
				b.Healthy++
			}
		}
		b.Pie = []Slice{
			{Name: "Healthy", Value: ratio(b.Healthy)},
			{Name: "Stressed", Value: ratio(b.Stressed)},
			{Name: "Dead", Value: ratio(b.Dead)},
		}
		r.Indices = append(r.Indices, b)
	}
	return r, nil
}
