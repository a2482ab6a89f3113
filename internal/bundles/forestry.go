package bundles

import (
	"context"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/joeblew999/plat-dashboard/internal/catalog"
	"github.com/joeblew999/plat-dashboard/internal/config"
	"github.com/joeblew999/plat-dashboard/internal/mapview"
)

const forestryImage = "Raster Layer (output) - low quality image (faster)"

// ForestBounds is the extent of the forestry output image as
// [[south, west], [north, east]].
var ForestBounds = [2][2]float64{{50.094949, 14.553209}, {50.099087, 14.562161}}

// ForestLocation is the marker shown with the forestry image.
var ForestLocation = orb.Point{-4.736278, 40.649194}

type forestry struct{ base }

func (forestry) ID() catalog.BundleID { return catalog.ForestryResilienceAnalytics }

// Fetch needs nothing from bundle storage: the output is a fixed image.
func (forestry) Fetch(_ context.Context, env *Env) (*Artifacts, error) {
	return newArtifacts(env.Selection), nil
}

func (forestry) Overlays(env *Env, _ *Artifacts) []mapview.Overlay {
	bounds := ForestBounds
	marker := geojson.NewFeatureCollection()
	marker.Append(geojson.NewFeature(ForestLocation))
	return []mapview.Overlay{
		{
			Name:        forestryImage,
			Kind:        mapview.KindImage,
			ImageURL:    config.Join(env.APIURL, "v1/image/forestry_resilience_analytics/forestry_resilience_analytics_input.png"),
			ImageBounds: &bounds,
			Registered:  true,
		},
		{
			Name:     "Forest",
			Kind:     mapview.KindMarker,
			Features: marker,
			Style:    mapview.Style{Color: markerColor, FillColor: markerColor, FillOpacity: 1},
		},
	}
}

func (forestry) State(*Artifacts) RenderState { return StateRaster }

func (forestry) Focus(*Artifacts) Focus {
	b := mapview.LatLngBound(ForestBounds)
	c := b.Center()
	return Focus{FlyTo: &c}
}
