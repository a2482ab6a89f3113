package bundles

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/joeblew999/plat-dashboard/internal/catalog"
	"github.com/joeblew999/plat-dashboard/internal/cog"
	"github.com/joeblew999/plat-dashboard/internal/dip"
	"github.com/joeblew999/plat-dashboard/internal/imageproc"
	"github.com/joeblew999/plat-dashboard/internal/mapview"
	"github.com/joeblew999/plat-dashboard/internal/upstream"
)

type fakeCOG struct {
	mu       sync.Mutex
	requests map[string]cog.Request
}

func (f *fakeCOG) Describe(_ context.Context, url string, req cog.Request) (*cog.TileDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.requests == nil {
		f.requests = make(map[string]cog.Request)
	}
	f.requests[url] = req
	return &cog.TileDescriptor{
		TileURL:    "http://cog/{z}/{x}/{y}?url=" + url,
		BandMinMax: [2]float64{0.2, 0.6},
		Bounds:     [2][2]float64{{40, -5}, {41, -4}},
	}, nil
}

type fakeImages struct {
	fail map[string]bool
	mu   sync.Mutex
	urls []string
}

func (f *fakeImages) WithRetry(_ context.Context, url string) (*imageproc.Result, error) {
	f.mu.Lock()
	f.urls = append(f.urls, url)
	f.mu.Unlock()
	if f.fail[url] {
		return nil, imageproc.ErrExhausted
	}
	return &imageproc.Result{DataURI: "data:image/jpeg;base64,ok", Width: 10, Height: 10}, nil
}

// newDIP serves files keyed by "<endpoint>:<file_name>".
func newDIP(t *testing.T, listing []string, files map[string]string) *dip.Cache {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/bundles" {
			_ = json.NewEncoder(w).Encode(listing)
			return
		}
		key := strings.TrimPrefix(r.URL.Path, "/v1/") + ":" + r.URL.Query().Get("file_name")
		body, ok := files[key]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	hc := upstream.New("dip", 5*time.Second, upstream.WithHTTPClient(srv.Client()))
	return dip.NewCache(dip.New(srv.URL, hc))
}

func points(props ...map[string]any) string {
	fc := geojson.NewFeatureCollection()
	for i, p := range props {
		f := geojson.NewFeature(orb.Point{float64(i), float64(i)})
		for k, v := range p {
			f.Properties[k] = v
		}
		fc.Append(f)
	}
	data, _ := json.Marshal(fc)
	return string(data)
}

func TestLookupCoversCatalog(t *testing.T) {
	for _, b := range catalog.All() {
		m, err := Lookup(b.ID)
		if err != nil {
			t.Fatalf("Lookup(%s): %v", b.ID, err)
		}
		if m.ID() != b.ID {
			t.Errorf("module for %s reports %s", b.ID, m.ID())
		}
	}
	if _, err := Lookup("nope"); !errors.Is(err, ErrUnknownModule) {
		t.Fatalf("err = %v", err)
	}
}

func TestSummariseAndHistogram(t *testing.T) {
	s := Summarise([]float64{1, 2, 3, 4})
	if s.Mean != 2.5 || s.Min != 1 || s.Max != 4 || math.Abs(s.Std-math.Sqrt(1.25)) > 1e-12 {
		t.Fatalf("Summarise = %+v", s)
	}
	if z := Summarise(nil); z != (Stats{}) {
		t.Fatalf("empty = %+v", z)
	}
	bins := Histogram([]float64{0.15, 0.25, 0.12}, 0.1)
	want := []Bin{{"0.10-0.20", 2}, {"0.20-0.30", 1}}
	if len(bins) != len(want) {
		t.Fatalf("bins = %+v", bins)
	}
	for i := range want {
		if bins[i] != want[i] {
			t.Errorf("bin %d = %+v, want %+v", i, bins[i], want[i])
		}
	}
}

func trail(n int, messages ...int) []*geojson.Feature {
	withMsg := make(map[int]bool)
	for _, m := range messages {
		withMsg[m] = true
	}
	out := make([]*geojson.Feature, n)
	for i := range out {
		f := geojson.NewFeature(orb.Point{float64(i), 0})
		f.Properties["frame_number"] = float64(i)
		if withMsg[i] {
			f.Properties["message"] = "alert"
		}
		out[i] = f
	}
	return out
}

func frameNumbers(fs []*geojson.Feature) []int {
	out := make([]int, len(fs))
	for i, f := range fs {
		out[i] = int(f.Properties["frame_number"].(float64))
	}
	return out
}

func TestCurateFrames(t *testing.T) {
	tests := []struct {
		name string
		in   []*geojson.Feature
		want []int
	}{
		{"short trail", trail(3, 1), []int{0, 1, 2}},
		{"message frames", trail(40, 5, 20), []int{0, 5, 20, 39}},
		{"middle fallback", trail(40), []int{0, 20, 39}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := frameNumbers(curateFrames(tt.in))
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestVinesLoadAndPrepare(t *testing.T) {
	cache := newDIP(t, []string{"automatic_vines_detection_pilot.geojson"}, map[string]string{
		"geojson:automatic_vines_detection_pilot": points(nil, nil),
		"geotiff:automatic_vines_detection_pilot": `"http://files/vines.tif"`,
	})
	env := &Env{
		Selection: catalog.Selection{Bundle: catalog.AutomaticVinesDetection, Variant: catalog.PilotDataset},
		Cache:     cache,
		COG:       &fakeCOG{},
		Params:    DefaultParams(),
	}
	m, _ := Lookup(catalog.AutomaticVinesDetection)
	ctx := context.Background()
	a, err := m.Fetch(ctx, env)
	if err != nil {
		t.Fatal(err)
	}
	if len(a.Errors) != 0 {
		t.Fatalf("errors = %v", a.Errors)
	}
	if m.State(a) != StateRaster {
		t.Fatalf("state = %s", m.State(a))
	}
	ovs := m.Overlays(env, a)
	if len(ovs) != 2 || ovs[0].Name != "1. Raster Layer" || ovs[1].Name != "2. GeoJSON" {
		t.Fatalf("overlays = %+v", ovs)
	}
	p, err := m.Prepare(ctx, env, a)
	if err != nil {
		t.Fatal(err)
	}
	r := p.(*VinesReport)
	if r.OverviewValue != 2 || r.ImageSrc != "http://files/vines.tif" || r.Frame() == nil {
		t.Fatalf("report = %+v", r)
	}
}

func TestVinesNoFeaturesNoReport(t *testing.T) {
	cache := newDIP(t, nil, map[string]string{
		"geojson:automatic_vines_detection": points(),
		"geotiff:automatic_vines_detection": `"http://files/vines.tif"`,
	})
	env := &Env{
		Selection: catalog.Selection{Bundle: catalog.AutomaticVinesDetection, Variant: catalog.DefaultDataset},
		Cache:     cache,
		COG:       &fakeCOG{},
	}
	m, _ := Lookup(catalog.AutomaticVinesDetection)
	a, _ := m.Fetch(context.Background(), env)
	if p, err := m.Prepare(context.Background(), env, a); p != nil || err != nil {
		t.Fatalf("Prepare = %v, %v", p, err)
	}
}

func TestFailedArtifactIsRecorded(t *testing.T) {
	cache := newDIP(t, nil, map[string]string{
		"geojson:timber_stack_inventory": points(nil),
	})
	env := &Env{
		Selection: catalog.Selection{Bundle: catalog.TimberStackInventory},
		Cache:     cache,
		COG:       &fakeCOG{},
	}
	m, _ := Lookup(catalog.TimberStackInventory)
	a, err := m.Fetch(context.Background(), env)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := a.Errors["before"]; !ok {
		t.Fatalf("errors = %v", a.Errors)
	}
	if m.State(a) != StateVector {
		t.Fatalf("state = %s", m.State(a))
	}
	if ovs := m.Overlays(env, a); len(ovs) != 1 || ovs[0].Name != "3. GeoJSON" {
		t.Fatalf("overlays = %+v", ovs)
	}
}

func TestCropGrowthPrepare(t *testing.T) {
	cache := newDIP(t, nil, map[string]string{
		"geotiff:crop_growth":              `"http://files/cg.tif"`,
		"geotiff:crop_growth_gcc":          `"http://files/gcc.tif"`,
		"geotiff:crop_growth_water_stress": `"http://files/ws.tif"`,
		"geojson:crop_growth_alarms": points(
			map[string]any{"240814_dgk": 1},
			map[string]any{"240814_dgk": 0},
		),
		"geojson:crop_growth_alarms_percentile": points(
			map[string]any{"240814_gcc": 0.15, "240814_dgp": 1},
			map[string]any{"240814_gcc": 0.25, "240814_dgp": 0},
			map[string]any{"240814_gcc": 0.35, "240814_dgp": 1},
		),
	})
	fc := &fakeCOG{}
	env := &Env{
		Selection: catalog.Selection{Bundle: catalog.CropGrowth},
		Cache:     cache,
		COG:       fc,
		Params:    DefaultParams(),
	}
	m, _ := Lookup(catalog.CropGrowth)
	ctx := context.Background()
	a, _ := m.Fetch(ctx, env)
	if len(a.Errors) != 0 {
		t.Fatalf("errors = %v", a.Errors)
	}
	if got := fc.requests["http://files/ws.tif"]; got.Colormap != "blues" || got.Rescale != "0.2,0.6" {
		t.Fatalf("water stress request = %+v", got)
	}

	ovs := m.Overlays(env, a)
	if len(ovs) != 5 {
		t.Fatalf("overlays = %d", len(ovs))
	}
	if n := len(ovs[3].Features.Features); n != 1 || ovs[3].Style.FillOpacity != 0.5 || !ovs[3].Popups[0].Email {
		t.Fatalf("alarms overlay = %+v", ovs[3])
	}

	p, err := m.Prepare(ctx, env, a)
	if err != nil {
		t.Fatal(err)
	}
	r := p.(*CropGrowthReport)
	if math.Abs(r.All.Mean-0.25) > 1e-12 || r.Alarm.Min != 0.15 || r.Alarm.Max != 0.35 {
		t.Fatalf("stats = %+v / %+v", r.All, r.Alarm)
	}
	if len(r.Histogram) != 3 || r.Threshold != [2]float64{0.2, 0.6} {
		t.Fatalf("report = %+v", r)
	}
}

func TestHealthColoursAndPrepare(t *testing.T) {
	cache := newDIP(t, nil, map[string]string{
		"geojson:health_status_of_vegetation_vi_pilot_zone2": points(
			map[string]any{"NGRDI": -0.1, "VARI": 0.0},
			map[string]any{"NGRDI": 0.005, "VARI": 0.01},
			map[string]any{"NGRDI": 0.5, "VARI": 0.03},
		),
		"geotiff:health_status_of_vegetation_vi_pilot_zone2": `"http://files/h.tif"`,
		"json:health_status_of_vegetation_vi_pilot_zone2":    `{"trees_detected":3,"total_area":25000,"tree_area_p":42.5}`,
	})
	fc := &fakeCOG{}
	env := &Env{
		Selection: catalog.Selection{Bundle: catalog.HealthStatusOfVegetation, Variant: catalog.PilotZone2Dataset},
		Cache:     cache,
		COG:       fc,
		Params:    DefaultParams(),
	}
	m, _ := Lookup(catalog.HealthStatusOfVegetation)
	ctx := context.Background()
	a, _ := m.Fetch(ctx, env)
	if len(a.Errors) != 0 {
		t.Fatalf("errors = %v", a.Errors)
	}
	req := fc.requests["http://files/h.tif"]
	if req.Bidx != "1,2,3" || req.NoData == nil || *req.NoData != 0 || !req.ReturnMask {
		t.Fatalf("raster request = %+v", req)
	}

	ovs := m.Overlays(env, a)
	var ngrdi mapview.Overlay
	for _, o := range ovs {
		if o.Name == "2. GeoJSON (NGRDI)" {
			ngrdi = o
		}
	}
	want := []string{"#FE265C", "#FDB457", "#A7FF44"}
	if fmt.Sprint(ngrdi.FillColors) != fmt.Sprint(want) {
		t.Fatalf("NGRDI colours = %v", ngrdi.FillColors)
	}

	p, err := m.Prepare(ctx, env, a)
	if err != nil {
		t.Fatal(err)
	}
	r := p.(*HealthReport)
	if r.TotalInspectedArea != "2.50" || r.CanopyCover != "42.5" || r.DetectedTrees != "3" {
		t.Fatalf("overview = %+v", r)
	}
	if len(r.Indices) != 2 {
		t.Fatalf("indices = %+v", r.Indices)
	}
	vari := r.Indices[1]
	if vari.Index != VARI || vari.Dead != 1 || vari.Stressed != 1 || vari.Healthy != 1 {
		t.Fatalf("VARI = %+v", vari)
	}
	if math.Abs(vari.Pie[0].Value-33) > 1e-9 {
		t.Fatalf("pie = %+v", vari.Pie)
	}
}

func TestCowLamenessPrepare(t *testing.T) {
	cache := newDIP(t, nil, map[string]string{
		"json:cow_lameness": `[{"id":"7","gait_status":"unhealthy","probability":0.8},{"id":"8","gait_status":"healthy","probability":0.1}]`,
		"geotiff:cow_7":     `"http://files/cow_7.png"`,
	})
	images := &fakeImages{}
	env := &Env{
		Selection: catalog.Selection{Bundle: catalog.CowLameness, Variant: catalog.DefaultDataset},
		Cache:     cache,
		Images:    images,
	}
	m, _ := Lookup(catalog.CowLameness)
	ctx := context.Background()
	a, _ := m.Fetch(ctx, env)
	if a.Reference("image") != "http://files/cow_7.png" {
		t.Fatalf("image = %q errors = %v", a.Reference("image"), a.Errors)
	}
	if f := m.Focus(a); f.FlyTo == nil || *f.FlyTo != RanchDefault {
		t.Fatalf("focus = %+v", f)
	}
	p, err := m.Prepare(ctx, env, a)
	if err != nil {
		t.Fatal(err)
	}
	r := p.(*CowLamenessReport)
	if r.OverviewValue != "Detected cows with lameness:" || len(r.Images) != 1 {
		t.Fatalf("report = %+v", r)
	}
	if r.Images[0].AnimalID != "Animal ID: 7" || math.Abs(r.Images[0].Pie[0].Value-80) > 1e-9 {
		t.Fatalf("entry = %+v", r.Images[0])
	}

	images.fail = map[string]bool{"http://files/cow_7.png": true}
	p, _ = m.Prepare(ctx, env, a)
	entry := p.(*CowLamenessReport).Images[0]
	if entry.ImageSrc != imageproc.Placeholder().DataURI || entry.Pie[0].Value != 0 || entry.Pie[1].Value != 0 {
		t.Fatalf("fallback entry = %+v", entry)
	}
}

func TestParseGaitSingleObject(t *testing.T) {
	entries, err := ParseGait(json.RawMessage(`{"id":3,"gait_status":"healthy","probability":0.2}`))
	if err != nil || len(entries) != 1 {
		t.Fatalf("ParseGait = %v, %v", entries, err)
	}
	if len(Lame(entries)) != 0 {
		t.Fatal("healthy cow reported lame")
	}
}

func TestUniqueImages(t *testing.T) {
	var fc geojson.FeatureCollection
	_ = json.Unmarshal([]byte(points(
		map[string]any{"image_name": "a_001.JPG"},
		map[string]any{"image_name": "b_001.JPG"},
		map[string]any{"image_name": "c_002.JPG"},
		map[string]any{"image_name": "d.png"},
	)), &fc)
	got := UniqueImages(&fc)
	if len(got.Features) != 2 {
		t.Fatalf("features = %d", len(got.Features))
	}
	if got.Features[0].Properties["image_name"] != "a_001" || got.Features[1].Properties["image_name"] != "c_002" {
		t.Fatalf("names = %v, %v", got.Features[0].Properties, got.Features[1].Properties)
	}
	if fc.Features[0].Properties["image_name"] != "a_001.JPG" {
		t.Fatal("input was modified")
	}
}

func TestLogsPrepare(t *testing.T) {
	cache := newDIP(t, nil, map[string]string{
		"geojson:quantification_of_logs": points(
			map[string]any{"image_name": "img_001.JPG", "length": 3.2},
			map[string]any{"image_name": "img_001.JPG", "length": 4.1},
			map[string]any{"image_name": "img_002.JPG", "length": 2.0},
		),
		"json:quantification_of_logs": `{"images_total":10,"images_detected":2,"log_count":3,"length_min":2.0,"length_max":4.1,"length_average":3.1}`,
	})
	images := &fakeImages{fail: map[string]bool{"http://api/v1/image/quantification_of_logs/img_002.JPG": true}}
	env := &Env{
		Selection: catalog.Selection{Bundle: catalog.QuantificationOfLogs},
		Cache:     cache,
		Images:    images,
		APIURL:    "http://api",
	}
	m, _ := Lookup(catalog.QuantificationOfLogs)
	ctx := context.Background()
	a, _ := m.Fetch(ctx, env)
	ovs := m.Overlays(env, a)
	if len(ovs) != 2 || len(ovs[0].Features.Features) != 2 {
		t.Fatalf("overlays = %+v", ovs)
	}
	if ovs[0].Popups[0].ImageURL != "http://api/v1/image/quantification_of_logs/img_001" {
		t.Fatalf("popup image = %q", ovs[0].Popups[0].ImageURL)
	}
	p, err := m.Prepare(ctx, env, a)
	if err != nil {
		t.Fatal(err)
	}
	r := p.(*LogsReport)
	if len(r.Images) != 2 || r.Stats.LogCount != float64(3) {
		t.Fatalf("report = %+v", r)
	}
	if r.Images[0].Coordinates != "0.0000000, 0.0000000" && r.Images[0].Coordinates != "-" {
		t.Fatalf("coordinates = %q", r.Images[0].Coordinates)
	}
	if r.Images[1].Coordinates != "-" {
		t.Fatalf("failed image coordinates = %q", r.Images[1].Coordinates)
	}
}

func TestSoilZoningHasNoReport(t *testing.T) {
	m, _ := Lookup(catalog.SoilZoning)
	if m.LayersToEnable() != nil {
		t.Fatal("soil zoning should not define report layers")
	}
	p, err := m.Prepare(context.Background(), &Env{}, newArtifacts(catalog.Selection{Bundle: catalog.SoilZoning}))
	if p != nil || err != nil {
		t.Fatalf("Prepare = %v, %v", p, err)
	}
}
