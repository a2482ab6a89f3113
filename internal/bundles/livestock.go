package bundles

import (
	"context"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/joeblew999/plat-dashboard/internal/catalog"
	"github.com/joeblew999/plat-dashboard/internal/config"
	"github.com/joeblew999/plat-dashboard/internal/mapview"
)

const (
	livestockMarkers = "Herd"

	// maxReportFrames is the largest herd trail reported frame by frame.
	maxReportFrames = 35
)

type livestockModule struct{ base }

// Frame is one reported position of the herd.
type Frame struct {
	ImageSrc        string     `json:"imageSrc"`
	FrameNumber     string     `json:"frameNumber"`
	Coordinates     [2]float64 `json:"coordinates" doc:"[lng, lat]"`
	Appearance      string     `json:"appearance"`
	DetectedAnimals string     `json:"detectedAnimals"`
	Message         string     `json:"message"`
}

// LivestockReport is the report data of livestock monitoring.
type LivestockReport struct {
	Frames []Frame `json:"reportData"`
}

func (LivestockReport) Bundle() catalog.BundleID { return catalog.Livestock }

func (livestockModule) ID() catalog.BundleID  { return catalog.Livestock }
func (livestockModule) RequiresVariant() bool { return true }

func (livestockModule) Fetch(ctx context.Context, env *Env) (*Artifacts, error) {
	a := newArtifacts(env.Selection)
	fc, err := env.Livestock.Resolve(ctx, env.Selection.Variant)
	if err != nil {
		l := logger()
		l.Warn().Err(err).Msg("livestock positions unavailable")
		a.Errors["geojson"] = err.Error()
		return a, nil
	}
	a.Features = fc
	return a, nil
}

// frameImageURL is the popup picture of a position.
func frameImageURL(env *Env, props geojson.Properties, format string) string {
	if env.Selection.Variant != catalog.DefaultDataset && env.Selection.Variant != "" {
		return str(props["image_url"])
	}
	u := config.Join(env.APIURL, "v1/image") + "?frame=" + str(props["frame_number"])
	if format != "" {
		u += "&format=" + format
	}
	return u
}

func livestockPopup(env *Env, f *geojson.Feature) mapview.Popup {
	deviation := "No"
	if b, _ := f.Properties["deviation_from_herd"].(bool); b {
		deviation = "Yes"
	}
	message := str(f.Properties["message"])
	if message == "" {
		message = "No message available"
	}
	return mapview.Popup{
		ImageURL: frameImageURL(env, f.Properties, ""),
		Fields: []mapview.Field{
			{Label: "Deviation from Herd", Value: deviation},
			{Label: "Message", Value: message},
			{Label: "Number of animals", Value: str(f.Properties["counter"])},
			{Label: "Frame no", Value: str(f.Properties["frame_number"])},
			{Label: "Timestamp", Value: str(f.Properties["timestamp"])},
		},
	}
}

func (livestockModule) Overlays(env *Env, a *Artifacts) []mapview.Overlay {
	if a.Features == nil || len(a.Features.Features) == 0 {
		return nil
	}
	popups := make([]mapview.Popup, len(a.Features.Features))
	for i, f := range a.Features.Features {
		popups[i] = livestockPopup(env, f)
	}
	return pointTrail(livestockMarkers, a.Features, popups, true)
}

func (livestockModule) State(a *Artifacts) RenderState { return vectorState(a.Features) }
func (livestockModule) Focus(a *Artifacts) Focus       { return featuresFocus(a.Features) }
func (livestockModule) LayersToEnable() [][]string     { return [][]string{{}} }

// curateFrames picks the positions to report: all of them for short
// trails, otherwise the first, every one with a message (the middle one
// when none has) and the last.
func curateFrames(features []*geojson.Feature) []*geojson.Feature {
	if len(features) <= maxReportFrames {
		return features
	}
	var important []*geojson.Feature
	for _, f := range features {
		if str(f.Properties["message"]) != "" {
			important = append(important, f)
		}
	}
	if len(important) == 0 {
		important = []*geojson.Feature{features[len(features)/2]}
	}
	out := make([]*geojson.Feature, 0, len(important)+2)
	out = append(out, features[0])
	out = append(out, important...)
	return append(out, features[len(features)-1])
}

func (livestockModule) Prepare(ctx context.Context, env *Env, a *Artifacts) (Prepared, error) {
	if a.Features == nil || len(a.Features.Features) == 0 {
		return nil, nil
	}
	curated := curateFrames(a.Features.Features)
	urls := make([]string, len(curated))
	for i, f := range curated {
		urls[i] = frameImageURL(env, f.Properties, "webp")
	}
	images, failed := processImages(ctx, env, urls)

	r := &LivestockReport{Frames: make([]Frame, len(curated))}
	for i, f := range curated {
		fr := Frame{
			ImageSrc:        images[i].DataURI,
			FrameNumber:     str(f.Properties["frame_number"]),
			Appearance:      str(f.Properties["appearance"]),
			DetectedAnimals: str(f.Properties["counter"]),
			Message:         str(f.Properties["message"]),
		}
		if p, ok := f.Geometry.(orb.Point); ok {
			fr.Coordinates = [2]float64{p.Lon(), p.Lat()}
		}
		if failed[i] {
			fr.Message += " (Image processing failed)"
		}
		r.Frames[i] = fr
	}
	return r, nil
}

// ReportOverlays shows only the reported frames and the line through them.
func (livestockModule) ReportOverlays(p Prepared) []mapview.Overlay {
	r, ok := p.(*LivestockReport)
	if !ok {
		return nil
	}
	fc := geojson.NewFeatureCollection()
	for _, f := range r.Frames {
		fc.Append(geojson.NewFeature(orb.Point{f.Coordinates[0], f.Coordinates[1]}))
	}
	return pointTrail(livestockMarkers, fc, nil, false)
}
