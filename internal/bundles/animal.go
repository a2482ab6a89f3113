package bundles

import (
	"context"
	"strings"

	"github.com/paulmach/orb/geojson"

	"github.com/joeblew999/plat-dashboard/internal/catalog"
	"github.com/joeblew999/plat-dashboard/internal/config"
	"github.com/joeblew999/plat-dashboard/internal/mapview"
)

const animalMarkers = "Animals"

type animalBehavior struct{ base }

func (animalBehavior) ID() catalog.BundleID { return catalog.AnimalBehavior }

func (animalBehavior) Fetch(ctx context.Context, env *Env) (*Artifacts, error) {
	return load(ctx, env, env.Selection, []need{
		{role: "geojson", name: string(catalog.AnimalBehavior), typ: catalog.GeoJSON},
	}), nil
}

func animalPopup(env *Env, f *geojson.Feature) mapview.Popup {
	name := strings.TrimSuffix(str(f.Properties["image_name"]), ".jpg")
	desc := str(f.Properties["description"])
	if desc == "" {
		desc = "No description available"
	}
	return mapview.Popup{
		ImageURL: config.Join(env.APIURL, "v1/image/"+string(catalog.AnimalBehavior)+"/"+name),
		Fields:   []mapview.Field{{Label: "Description", Value: desc}},
	}
}

func (animalBehavior) Overlays(env *Env, a *Artifacts) []mapview.Overlay {
	fc := a.GeoJSON("geojson")
	if fc == nil || len(fc.Features) == 0 {
		return nil
	}
	popups := make([]mapview.Popup, len(fc.Features))
	for i, f := range fc.Features {
		popups[i] = animalPopup(env, f)
	}
	return pointTrail(animalMarkers, fc, popups, true)
}

func (animalBehavior) State(a *Artifacts) RenderState { return vectorState(a.GeoJSON("geojson")) }
func (animalBehavior) Focus(a *Artifacts) Focus       { return featuresFocus(a.GeoJSON("geojson")) }
func (animalBehavior) LayersToEnable() [][]string     { return [][]string{{}} }
