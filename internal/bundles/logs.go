package bundles

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/joeblew999/plat-dashboard/internal/catalog"
	"github.com/joeblew999/plat-dashboard/internal/config"
	"github.com/joeblew999/plat-dashboard/internal/mapview"
)

const logsMarkers = "Windthrow"

var imageNumber = regexp.MustCompile(`_(\d+)\.JPG$`)

type logs struct{ base }

// LogsStats are the summary figures of the log analysis.
type LogsStats struct {
	ImagesTotal    any `json:"images_total"`
	ImagesDetected any `json:"images_detected"`
	LogCount       any `json:"log_count"`
	LengthMin      any `json:"length_min"`
	LengthMax      any `json:"length_max"`
	LengthAverage  any `json:"length_average"`
	Arguments      any `json:"arguments"`
	GSD            any `json:"gsd"`
	Conf           any `json:"conf"`
	OutputCRS      any `json:"output_crs"`
	TopFrac        any `json:"top_frac"`
}

// LogImage is one analysed picture.
type LogImage struct {
	ImageSrc    string `json:"imageSrc"`
	ImageName   string `json:"imageName"`
	Coordinates string `json:"coordinates" doc:"\"lat, lng\" with seven decimals, \"-\" when unknown"`
}

// LogsReport is the report data of log quantification.
type LogsReport struct {
	Stats  LogsStats  `json:"stats"`
	Images []LogImage `json:"images"`
}

func (LogsReport) Bundle() catalog.BundleID { return catalog.QuantificationOfLogs }

func (logs) ID() catalog.BundleID { return catalog.QuantificationOfLogs }

func (logs) Fetch(ctx context.Context, env *Env) (*Artifacts, error) {
	name := string(catalog.QuantificationOfLogs)
	return load(ctx, env, env.Selection, []need{
		{role: "geojson", name: name, typ: catalog.GeoJSON},
		{role: "json", name: name, typ: catalog.JSON},
	}), nil
}

func logImageURL(env *Env, name string) string {
	return config.Join(env.APIURL, "v1/image/"+string(catalog.QuantificationOfLogs)+"/"+name)
}

// UniqueImages keeps the first feature of every numbered picture and strips
// the extension from its image name. Features without a number are dropped.
func UniqueImages(fc *geojson.FeatureCollection) *geojson.FeatureCollection {
	out := geojson.NewFeatureCollection()
	if fc == nil {
		return out
	}
	seen := make(map[string]bool)
	for _, f := range fc.Features {
		name := str(f.Properties["image_name"])
		m := imageNumber.FindStringSubmatch(name)
		if m == nil || seen[m[1]] {
			continue
		}
		seen[m[1]] = true
		c := geojson.NewFeature(f.Geometry)
		for k, v := range f.Properties {
			c.Properties[k] = v
		}
		c.Properties["image_name"] = strings.TrimSuffix(name, ".JPG")
		out.Append(c)
	}
	return out
}

func (logs) Overlays(env *Env, a *Artifacts) []mapview.Overlay {
	fc := UniqueImages(a.GeoJSON("geojson"))
	if len(fc.Features) == 0 {
		return nil
	}
	popups := make([]mapview.Popup, len(fc.Features))
	for i, f := range fc.Features {
		popups[i] = mapview.Popup{
			ImageURL: logImageURL(env, str(f.Properties["image_name"])),
			Fields:   []mapview.Field{{Label: "Log Length", Value: str(f.Properties["length"])}},
		}
	}
	return pointTrail(logsMarkers, fc, popups, true)
}

func (logs) State(a *Artifacts) RenderState { return vectorState(a.GeoJSON("geojson")) }

func (logs) Focus(a *Artifacts) Focus {
	return featuresFocus(UniqueImages(a.GeoJSON("geojson")))
}

func (logs) LayersToEnable() [][]string { return [][]string{{}} }

func (logs) Prepare(ctx context.Context, env *Env, a *Artifacts) (Prepared, error) {
	fc := a.GeoJSON("geojson")
	if fc == nil || len(fc.Features) == 0 {
		return nil, nil
	}
	r := &LogsReport{}
	if raw := a.JSON("json"); len(raw) > 0 {
		if err := json.Unmarshal(raw, &r.Stats); err != nil {
			return nil, fmt.Errorf("log statistics: %w", err)
		}
	}

	var names []string
	positions := make(map[string]orb.Point)
	for _, f := range fc.Features {
		name := str(f.Properties["image_name"])
		if _, ok := positions[name]; ok {
			continue
		}
		names = append(names, name)
		if p, ok := f.Geometry.(orb.Point); ok {
			positions[name] = p
		} else {
			positions[name] = orb.Point{}
		}
	}

	urls := make([]string, len(names))
	for i, n := range names {
		urls[i] = logImageURL(env, n)
	}
	images, failed := processImages(ctx, env, urls)
	for i, n := range names {
		img := LogImage{ImageSrc: images[i].DataURI, ImageName: n, Coordinates: "-"}
		if p := positions[n]; !failed[i] && !p.Equal(orb.Point{}) {
			img.Coordinates = fmt.Sprintf("%.7f, %.7f", p.Lat(), p.Lon())
		}
		r.Images = append(r.Images, img)
	}
	return r, nil
}
