// Package catalog enumerates the analytics bundles, their dataset variants
// and the artifact types the bundle storage serves.
package catalog

import (
	"errors"
	"fmt"
)

// BundleID identifies one analytics product.
type BundleID string

const (
	AutomaticVinesDetection     BundleID = "automatic_vines_detection"
	CropGrowth                  BundleID = "crop_growth"
	HealthStatusOfVegetation    BundleID = "health_status_of_vegetation_vi"
	Livestock                   BundleID = "livestock"
	CowLameness                 BundleID = "cow_lameness"
	SoilZoning                  BundleID = "soil_zoning"
	AnimalBehavior              BundleID = "animal_behavior"
	QuantificationOfLogs        BundleID = "quantification_of_logs"
	ForestryResilienceAnalytics BundleID = "forestry_resilience_analytics"
	TimberStackInventory        BundleID = "timber_stack_inventory"
)

// ErrUnknownBundle is returned when an id is not one of the ten bundles.
var ErrUnknownBundle = errors.New("unknown bundle")

// ArtifactType is a file kind served by the bundle storage.
type ArtifactType string

const (
	GeoJSON   ArtifactType = "geojson"
	JSON      ArtifactType = "json"
	TIF       ArtifactType = "tif"
	Shapefile ArtifactType = "shp"
	WebP      ArtifactType = "webp"
	Zip       ArtifactType = "zip"
)

// Bundle describes one product.
type Bundle struct {
	ID             BundleID     `json:"id" doc:"Bundle identifier"`
	Literal        string       `json:"name" doc:"Display name"`
	ReportFileName string       `json:"reportFileName" doc:"PDF download file name"`
	Primary        ArtifactType `json:"primaryArtifact" doc:"Artifact type fetched on selection"`
}

var bundles = []Bundle{
	{AutomaticVinesDetection, "Automatic Vines Detection (AiDEAS)", "automatic_vines_detection_report", GeoJSON},
	{CropGrowth, "Crop Growth and Development Monitoring (UCLM)", "crop_growth_and_development_monitoring", TIF},
	{HealthStatusOfVegetation, "Health Status of Vegetation (LAMMC)", "health_status_of_vegetation_report", GeoJSON},
	{Livestock, "Livestock Mngmt and Monitoring (AiDEAS)", "livestock_management_and_monitoring_report", GeoJSON},
	{CowLameness, "Lameness Detection in Cows (AiDEAS)", "lameness_detection_in_cows_report", JSON},
	{SoilZoning, "Soil Zoning (UCLM)", "soil_zoning_report", GeoJSON},
	{AnimalBehavior, "Animal Behavior (MadrIAno)", "animal_behavior_report", GeoJSON},
	{QuantificationOfLogs, "Quantification Of Logs (THRUST)", "quantification_of_logs_report", GeoJSON},
	{ForestryResilienceAnalytics, "Forestry Resilience Analytics (SAFRA)", "forestry_resilience_analytics_report", GeoJSON},
	{TimberStackInventory, "Timber Stack Inventory (TILO)", "timber_stack_inventory_report", GeoJSON},
}

var byID = func() map[BundleID]Bundle {
	m := make(map[BundleID]Bundle, len(bundles))
	for _, b := range bundles {
		m[b.ID] = b
	}
	return m
}()

// All returns every bundle in display order.
func All() []Bundle {
	out := make([]Bundle, len(bundles))
	copy(out, bundles)
	return out
}

// Lookup returns the bundle for id.
func Lookup(id BundleID) (Bundle, error) {
	b, ok := byID[id]
	if !ok {
		return Bundle{}, fmt.Errorf("%w: %q", ErrUnknownBundle, id)
	}
	return b, nil
}

// Valid reports whether id names a known bundle.
func Valid(id BundleID) bool {
	_, ok := byID[id]
	return ok
}

// Variant selects which dataset of a bundle is shown.
type Variant string

const (
	DefaultDataset    Variant = "defaultDataset"
	PilotDataset      Variant = "pilotDataset"
	PilotZone1Dataset Variant = "pilotZone1Dataset"
	PilotZone2Dataset Variant = "pilotZone2Dataset"
	PilotZone3Dataset Variant = "pilotZone3Dataset"
	PilotZone4Dataset Variant = "pilotZone4Dataset"
)

var suffixes = map[Variant]string{
	DefaultDataset:    "",
	PilotDataset:      "_pilot",
	PilotZone1Dataset: "_pilot_zone1",
	PilotZone2Dataset: "_pilot_zone2",
	PilotZone3Dataset: "_pilot_zone3",
	PilotZone4Dataset: "_pilot_zone4",
}

// Variants lists every dataset variant.
func Variants() []Variant {
	return []Variant{DefaultDataset, PilotDataset, PilotZone1Dataset, PilotZone2Dataset, PilotZone3Dataset, PilotZone4Dataset}
}

// Suffix returns the artifact file suffix for v. Unknown variants map to "".
func (v Variant) Suffix() string {
	return suffixes[v]
}

// Valid reports whether v is a known variant. The empty variant is valid
// and means "not chosen yet".
func (v Variant) Valid() bool {
	if v == "" {
		return true
	}
	_, ok := suffixes[v]
	return ok
}

// IsZone reports whether v is one of the pilot zones.
func (v Variant) IsZone() bool {
	switch v {
	case PilotZone1Dataset, PilotZone2Dataset, PilotZone3Dataset, PilotZone4Dataset:
		return true
	}
	return false
}

// Selection is the bundle and dataset currently shown in a session.
type Selection struct {
	Bundle  BundleID `json:"bundleId" doc:"Selected bundle"`
	Variant Variant  `json:"datasetVariant,omitempty" doc:"Selected dataset variant"`
}

// FileName returns the artifact base name for the selection, e.g.
// "automatic_vines_detection_pilot".
func (s Selection) FileName() string {
	return string(s.Bundle) + s.Variant.Suffix()
}
