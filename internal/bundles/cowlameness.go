package bundles

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/joeblew999/plat-dashboard/internal/catalog"
	"github.com/joeblew999/plat-dashboard/internal/mapview"
)

const (
	cowMarker = "Ranch"

	noLameCows    = "No cows in the observed population exhibit signs of lameness."
	someLameCows  = "Detected cows with lameness:"
	unhealthyGait = "unhealthy"
)

// Ranch positions per dataset.
var (
	RanchDefault = orb.Point{-4.736278, 40.649194}
	RanchPilot   = orb.Point{-4.845961975577776, 40.58627514095032}
)

type cowLameness struct{ base }

// GaitEntry is one analysed animal.
type GaitEntry struct {
	ID          any     `json:"id"`
	GaitStatus  string  `json:"gait_status"`
	Probability float64 `json:"probability"`
	FrameNumber any     `json:"frame_number"`
}

// LameAnimal is one report entry of the lameness report.
type LameAnimal struct {
	AnimalID string  `json:"animalId"`
	ImageSrc string  `json:"imageSrc"`
	Pie      []Slice `json:"pieChartData"`
}

// CowLamenessReport is the report data of lameness detection.
type CowLamenessReport struct {
	OverviewValue string       `json:"overviewValue"`
	Images        []LameAnimal `json:"images"`
}

func (CowLamenessReport) Bundle() catalog.BundleID { return catalog.CowLameness }

// ParseGait reads either a list of entries or a single entry.
func ParseGait(raw json.RawMessage) ([]GaitEntry, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}
	if raw[0] == '[' {
		var list []GaitEntry
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("gait entries: %w", err)
		}
		return list, nil
	}
	var one GaitEntry
	if err := json.Unmarshal(raw, &one); err != nil {
		return nil, fmt.Errorf("gait entry: %w", err)
	}
	return []GaitEntry{one}, nil
}

// Lame keeps the unhealthy entries.
func Lame(entries []GaitEntry) []GaitEntry {
	var out []GaitEntry
	for _, e := range entries {
		if e.GaitStatus == unhealthyGait {
			out = append(out, e)
		}
	}
	return out
}

func (cowLameness) ID() catalog.BundleID  { return catalog.CowLameness }
func (cowLameness) RequiresVariant() bool { return true }

func (cowLameness) Fetch(ctx context.Context, env *Env) (*Artifacts, error) {
	a := load(ctx, env, env.Selection, []need{
		{role: "json", name: env.Selection.FileName(), typ: catalog.JSON},
	})
	entries, err := ParseGait(a.JSON("json"))
	if err != nil {
		a.Errors["json"] = err.Error()
		return a, nil
	}
	// Only the first lame animal has a picture.
	if lame := Lame(entries); len(lame) > 0 {
		img := load(ctx, env, env.Selection, []need{
			{role: "image", name: "cow_" + str(lame[0].ID), typ: catalog.TIF},
		})
		for k, v := range img.Items {
			a.Items[k] = v
		}
		for k, v := range img.Errors {
			a.Errors[k] = v
		}
	}
	return a, nil
}

func ranch(v catalog.Variant) orb.Point {
	if v == catalog.PilotDataset {
		return RanchPilot
	}
	return RanchDefault
}

func (cowLameness) Overlays(env *Env, a *Artifacts) []mapview.Overlay {
	if a.Items["json"] == nil {
		return nil
	}
	entries, _ := ParseGait(a.JSON("json"))
	popup := mapview.Popup{Title: "Lameness Detection In Cows", ImageURL: a.Reference("image")}
	if lame := Lame(entries); len(lame) > 0 {
		popup.Fields = []mapview.Field{
			{Label: "Cow id", Value: str(lame[0].ID)},
			{Label: "Lameness Probability", Value: str(lame[0].Probability)},
		}
	}
	fc := geojson.NewFeatureCollection()
	fc.Append(geojson.NewFeature(ranch(env.Selection.Variant)))
	return []mapview.Overlay{{
		Name:     cowMarker,
		Kind:     mapview.KindMarker,
		Features: fc,
		Popups:   []mapview.Popup{popup},
		Style:    mapview.Style{Color: markerColor, FillColor: markerColor, FillOpacity: 1},
	}}
}

func (cowLameness) State(a *Artifacts) RenderState {
	if a.Items["json"] != nil {
		return StateVector
	}
	return StateNone
}

func (cowLameness) Focus(a *Artifacts) Focus {
	p := ranch(a.Selection.Variant)
	return Focus{FlyTo: &p}
}

func (cowLameness) LayersToEnable() [][]string { return [][]string{{}} }

func (cowLameness) Prepare(ctx context.Context, env *Env, a *Artifacts) (Prepared, error) {
	if a.Items["json"] == nil {
		return nil, nil
	}
	entries, err := ParseGait(a.JSON("json"))
	if err != nil {
		return nil, err
	}
	lame := Lame(entries)
	r := &CowLamenessReport{OverviewValue: noLameCows}
	if len(lame) == 0 {
		return r, nil
	}
	r.OverviewValue = someLameCows

	urls := make([]string, len(lame))
	for i := range lame {
		urls[i] = a.Reference("image")
	}
	images, failed := processImages(ctx, env, urls)
	for i, e := range lame {
		entry := LameAnimal{
			AnimalID: "Animal ID: " + str(e.ID),
			ImageSrc: images[i].DataURI,
			Pie: []Slice{
				{Name: "Lame", Value: e.Probability * 100},
				{Name: "Healthy", Value: 100 - e.Probability*100},
			},
		}
		if failed[i] {
			entry.Pie = []Slice{{Name: "Lame"}, {Name: "Healthy"}}
		}
		r.Images = append(r.Images, entry)
	}
	return r, nil
}
