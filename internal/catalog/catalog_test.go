package catalog

import (
	"errors"
	"testing"
)

func TestCatalogHasTenBundles(t *testing.T) {
	all := All()
	if len(all) != 10 {
		t.Fatalf("len(All()) = %d, want 10", len(all))
	}
	seen := map[BundleID]bool{}
	for _, b := range all {
		if seen[b.ID] {
			t.Errorf("duplicate bundle %s", b.ID)
		}
		seen[b.ID] = true
		if b.Literal == "" || b.ReportFileName == "" {
			t.Errorf("bundle %s missing literal or file name", b.ID)
		}
	}
}

func TestPrimaryArtifact(t *testing.T) {
	tests := map[BundleID]ArtifactType{
		CowLameness: JSON,
		CropGrowth:  TIF,
		Livestock:   GeoJSON,
		SoilZoning:  GeoJSON,
	}
	for id, want := range tests {
		b, err := Lookup(id)
		if err != nil {
			t.Fatalf("Lookup(%s): %v", id, err)
		}
		if b.Primary != want {
			t.Errorf("%s primary = %s, want %s", id, b.Primary, want)
		}
	}
}

func TestLookupUnknown(t *testing.T) {
	if _, err := Lookup("nope"); !errors.Is(err, ErrUnknownBundle) {
		t.Fatalf("err = %v", err)
	}
}

func TestSelectionFileName(t *testing.T) {
	tests := []struct {
		sel  Selection
		want string
	}{
		{Selection{AutomaticVinesDetection, DefaultDataset}, "automatic_vines_detection"},
		{Selection{AutomaticVinesDetection, PilotDataset}, "automatic_vines_detection_pilot"},
		{Selection{HealthStatusOfVegetation, PilotZone3Dataset}, "health_status_of_vegetation_vi_pilot_zone3"},
		{Selection{Livestock, ""}, "livestock"},
	}
	for _, tt := range tests {
		if got := tt.sel.FileName(); got != tt.want {
			t.Errorf("FileName(%v) = %q, want %q", tt.sel, got, tt.want)
		}
	}
}
