package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/joeblew999/plat-dashboard/internal/bundles"
	"github.com/joeblew999/plat-dashboard/internal/catalog"
	"github.com/joeblew999/plat-dashboard/internal/cog"
	"github.com/joeblew999/plat-dashboard/internal/config"
	"github.com/joeblew999/plat-dashboard/internal/dip"
	"github.com/joeblew999/plat-dashboard/internal/upstream"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

const vinesGeoJSON = `{"type":"FeatureCollection","features":[
{"type":"Feature","geometry":{"type":"Point","coordinates":[-4.70,40.60]},"properties":{"id":1}},
{"type":"Feature","geometry":{"type":"Point","coordinates":[-4.71,40.61]},"properties":{"id":2}}]}`

const herdGeoJSON = `{"type":"FeatureCollection","features":[
{"type":"Feature","geometry":{"type":"Point","coordinates":[-4.70,40.60]},"properties":{"frame_number":1}},
{"type":"Feature","geometry":{"type":"Point","coordinates":[-4.71,40.61]},"properties":{"frame_number":2}}]}`

type stubCOG struct{}

func (stubCOG) Describe(_ context.Context, url string, _ cog.Request) (*cog.TileDescriptor, error) {
	return &cog.TileDescriptor{
		TileURL:    "http://cog/{z}/{x}/{y}?url=" + url,
		BandMinMax: [2]float64{0, 1},
		Bounds:     [2][2]float64{{40.5, -4.8}, {40.7, -4.6}},
	}, nil
}

type noTiles struct{}

func (noTiles) GetBytes(context.Context, string) ([]byte, string, error) {
	return nil, "", errors.New("offline")
}

func newStore(t *testing.T) *Store {
	t.Helper()
	files := map[string]string{
		"/v1/geojson?automatic_vines_detection_pilot": vinesGeoJSON,
		"/v1/geotiff?automatic_vines_detection_pilot": `"http://files/vines.tif"`,
		"/v1/geojson?livestock":                       herdGeoJSON,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/bundles" {
			_ = json.NewEncoder(w).Encode([]string{})
			return
		}
		body, ok := files[r.URL.Path+"?"+r.URL.Query().Get("file_name")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	hc := upstream.New("dip", 5*time.Second, upstream.WithHTTPClient(srv.Client()))
	st := NewStore(Backends{
		Settings: config.Defaults(),
		DIP:      dip.New(srv.URL, hc),
		COG:      stubCOG{},
		Tiles:    noTiles{},
	})
	t.Cleanup(st.Close)
	return st
}

func TestStoreLifecycle(t *testing.T) {
	st := newStore(t)
	s := st.Create()
	if got, err := st.Get(s.ID); err != nil || got != s {
		t.Fatalf("Get = %v, %v", got, err)
	}
	if l := st.List(); len(l) != 1 || l[0].ID != s.ID {
		t.Fatalf("List = %+v", l)
	}
	if err := st.Delete(s.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Get(s.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v", err)
	}
	if err := st.Delete(s.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("second delete err = %v", err)
	}
}

func TestSelectWaitsForVariant(t *testing.T) {
	s := newStore(t).Create()
	ctx := context.Background()

	if err := s.Select(ctx, catalog.Selection{Bundle: catalog.AutomaticVinesDetection}); err != nil {
		t.Fatal(err)
	}
	v := s.View()
	if !v.AwaitingVariant || v.State != bundles.StateNone || len(v.Layers) != 0 {
		t.Fatalf("view = %+v", v)
	}
	if _, _, _, err := s.Current(); !errors.Is(err, ErrNothingSelected) {
		t.Fatalf("Current err = %v", err)
	}
}

func TestSelectLoadsAndRegistersLayers(t *testing.T) {
	s := newStore(t).Create()
	ctx := context.Background()
	events := s.Bus.Subscribe()
	defer s.Bus.Unsubscribe(events)

	sel := catalog.Selection{Bundle: catalog.AutomaticVinesDetection, Variant: catalog.PilotDataset}
	if err := s.Select(ctx, sel); err != nil {
		t.Fatal(err)
	}
	v := s.View()
	if v.State != bundles.StateRaster || v.AwaitingVariant {
		t.Fatalf("state = %s awaiting = %v errors = %v", v.State, v.AwaitingVariant, v.Errors)
	}
	if len(v.Layers) != 2 {
		t.Fatalf("layers = %+v", v.Layers)
	}
	for _, e := range v.Layers {
		if e.IsActive {
			t.Errorf("layer %s active after load", e.LayerName)
		}
	}
	if v.Coordinates == nil || !strings.Contains(v.Coordinates.UpperLeft, "N") {
		t.Fatalf("coordinates = %+v", v.Coordinates)
	}

	var loaded bool
	for !loaded {
		select {
		case e := <-events:
			loaded = e.Resource == "selection" && e.Action == "loaded"
		case <-time.After(time.Second):
			t.Fatal("no selection event")
		}
	}

	if _, err := s.Registry.ToggleAndWait(ctx, "2. GeoJSON"); err != nil {
		t.Fatal(err)
	}
	if e, _ := s.Registry.Get("2. GeoJSON"); !e.IsActive {
		t.Fatal("toggle did not activate the layer")
	}
}

func TestReselectResetsRegistry(t *testing.T) {
	s := newStore(t).Create()
	ctx := context.Background()
	if err := s.Select(ctx, catalog.Selection{Bundle: catalog.AutomaticVinesDetection, Variant: catalog.PilotDataset}); err != nil {
		t.Fatal(err)
	}
	if err := s.Select(ctx, catalog.Selection{Bundle: catalog.Livestock, Variant: catalog.DefaultDataset}); err != nil {
		t.Fatal(err)
	}
	v := s.View()
	if len(v.Layers) != 0 {
		t.Fatalf("layers = %+v", v.Layers)
	}
	if v.State != bundles.StateVector {
		t.Fatalf("state = %s errors = %v", v.State, v.Errors)
	}
	if len(v.Overlays) != 2 || v.Overlays[0].Features != 2 {
		t.Fatalf("overlays = %+v", v.Overlays)
	}
}

func TestSelectRejectsUnknown(t *testing.T) {
	s := newStore(t).Create()
	err := s.Select(context.Background(), catalog.Selection{Bundle: "nope"})
	if !errors.Is(err, ErrInvalidSelection) {
		t.Fatalf("err = %v", err)
	}
	err = s.Select(context.Background(), catalog.Selection{Bundle: catalog.Livestock, Variant: "weekly"})
	if !errors.Is(err, ErrInvalidSelection) {
		t.Fatalf("err = %v", err)
	}
}

func TestSetParams(t *testing.T) {
	s := newStore(t).Create()
	p := bundles.DefaultParams()
	h := p.Health[bundles.NGRDI]
	h.Stressed = 1.5
	p.Health[bundles.NGRDI] = h
	if err := s.SetParams(context.Background(), p); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("err = %v", err)
	}

	h.Stressed = 0.3
	p.Health[bundles.NGRDI] = h
	if err := s.SetParams(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	if got := s.Params().Health[bundles.NGRDI].Stressed; got != 0.3 {
		t.Fatalf("stressed = %v", got)
	}
	if got := s.Params().Health[bundles.VARI].Stressed; got != 0.02 {
		t.Fatalf("VARI changed: %v", got)
	}
}

func TestEventBusUnsubscribeTwice(t *testing.T) {
	b := NewEventBus()
	ch := b.Subscribe()
	b.Publish(Event{Resource: "layers", Action: "registered", ID: "x"})
	if e := <-ch; e.ID != "x" {
		t.Fatalf("event = %+v", e)
	}
	b.Unsubscribe(ch)
	b.Unsubscribe(ch)
	if b.Subscribers() != 0 {
		t.Fatal("subscriber left behind")
	}
}
