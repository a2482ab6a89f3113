package cog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/joeblew999/plat-dashboard/internal/upstream"
)

const tileJSON = `{"bounds":[-4.74,40.64,-4.73,40.65],"center":[-4.735,40.645,16],"minzoom":14,"maxzoom":22}`

func TestBuildTileURLDeterministic(t *testing.T) {
	nodata := "255"
	unscale := false
	p := Params{
		URL:        "https://files.example/a b.tif?sig=x&y=1",
		Rescale:    "0.1,0.9",
		Colormap:   "greens",
		Bidx:       "1, 2,3",
		Resampling: "nearest",
		Reproject:  "nearest",
		Unscale:    &unscale,
		NoData:     &nodata,
		ReturnMask: true,
	}
	first := BuildTileURL("http://cog.example/", p)
	for i := 0; i < 20; i++ {
		if got := BuildTileURL("http://cog.example/", p); got != first {
			t.Fatalf("iteration %d: %q != %q", i, got, first)
		}
	}
	want := "http://cog.example/cog/tiles/WebMercatorQuad/{z}/{x}/{y}@1x?" +
		"url=https%3A%2F%2Ffiles.example%2Fa%20b.tif%3Fsig%3Dx%26y%3D1" +
		"&return_mask=true&nodata=255&rescale=0.1,0.9&colormap_name=greens" +
		"&resampling=nearest&unscale=false&reproject=nearest&bidx=1&bidx=2&bidx=3"
	if first != want {
		t.Errorf("BuildTileURL =\n%s\nwant\n%s", first, want)
	}
}

func TestEncodeURIComponent(t *testing.T) {
	if got := EncodeURIComponent("a b!'()*~-_."); got != "a%20b!'()*~-_." {
		t.Errorf("EncodeURIComponent = %q", got)
	}
}

func TestTileParams(t *testing.T) {
	threeBands := Statistics{
		"b1": {Min: 2, Max: 200},
		"b2": {Min: 0, Max: 255},
		"b3": {Min: 0, Max: 255},
	}
	oneBand := Statistics{"b1": {Min: 0.05, Max: 0.8}}
	zero := 0.0

	tests := []struct {
		name  string
		stats Statistics
		req   Request
		check func(t *testing.T, q string)
	}{
		{
			name:  "no statistics keeps only url",
			stats: nil,
			check: func(t *testing.T, q string) {
				if strings.Contains(q, "&") || strings.Contains(q, "rescale") {
					t.Errorf("query = %q", q)
				}
			},
		},
		{
			name:  "true colour uses nodata 255 and three bands",
			stats: threeBands,
			check: func(t *testing.T, q string) {
				for _, want := range []string{"nodata=255", "rescale=2,200", "bidx=1&bidx=2&bidx=3"} {
					if !strings.Contains(q, want) {
						t.Errorf("query %q missing %q", q, want)
					}
				}
				if strings.Contains(q, "return_mask") {
					t.Errorf("unexpected return_mask in %q", q)
				}
			},
		},
		{
			name:  "colormap forces mask and drops nodata",
			stats: oneBand,
			req:   Request{Colormap: "greens", Rescale: "0.2,0.4"},
			check: func(t *testing.T, q string) {
				if !strings.Contains(q, "return_mask=true") || strings.Contains(q, "nodata") {
					t.Errorf("query = %q", q)
				}
				if !strings.Contains(q, "rescale=0.2,0.4") || strings.Contains(q, "bidx") {
					t.Errorf("query = %q", q)
				}
			},
		},
		{
			name:  "explicit nodata",
			stats: threeBands,
			req:   Request{Bidx: "1,2,3", NoData: &zero, ReturnMask: true},
			check: func(t *testing.T, q string) {
				if !strings.Contains(q, "return_mask=true&nodata=0") {
					t.Errorf("query = %q", q)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := BuildTileURL("http://cog/", TileParams("http://f/x.tif", tt.stats, tt.req))
			q := u[strings.Index(u, "?")+1:]
			tt.check(t, q)
		})
	}
}

func TestBandMinMaxDefault(t *testing.T) {
	if got := BandMinMax(Statistics{}); got != [2]float64{0, 1} {
		t.Errorf("BandMinMax = %v", got)
	}
	stats := Statistics{"b10": {Min: 9, Max: 10}, "b2": {Min: 3, Max: 4}}
	if got := BandMinMax(stats); got != [2]float64{3, 4} {
		t.Errorf("BandMinMax = %v, want first band b2", got)
	}
}

func TestDescribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/cog/tilejson.json":
			if r.URL.Query().Get("tileMatrixSetId") != "WebMercatorQuad" {
				t.Errorf("tilejson query = %s", r.URL.RawQuery)
			}
			w.Write([]byte(tileJSON))
		case "/cog/statistics":
			w.Write([]byte(`{"b1":{"min":0.1,"max":0.7,"histogram":[[1,2],[3,4]]}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL+"/", upstream.New("cog-describe", time.Second))
	d, err := c.Describe(context.Background(), "http://f/x.tif", Request{})
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if d.BandMinMax != [2]float64{0.1, 0.7} {
		t.Errorf("BandMinMax = %v", d.BandMinMax)
	}
	if d.Bounds[0] != [2]float64{40.64, -4.74} || d.Bounds[1] != [2]float64{40.65, -4.73} {
		t.Errorf("Bounds = %v", d.Bounds)
	}
	if d.MinZoom != 14 || d.MaxZoom != 22 {
		t.Errorf("zoom = %d..%d", d.MinZoom, d.MaxZoom)
	}
	if !strings.Contains(d.TileURL, "rescale=0.1,0.7") {
		t.Errorf("TileURL = %s", d.TileURL)
	}
}

func TestDescribeStatisticsTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/cog/tilejson.json":
			w.Write([]byte(tileJSON))
		case "/cog/statistics":
			<-r.Context().Done()
		}
	}))
	defer srv.Close()

	c := New(srv.URL, upstream.New("cog-timeout", 0))
	c.StatsTimeout = 50 * time.Millisecond

	start := time.Now()
	d, err := c.Describe(context.Background(), "http://f/x.tif", Request{Colormap: "blues"})
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("Describe blocked for %v", time.Since(start))
	}
	if strings.Contains(d.TileURL, "rescale") {
		t.Errorf("TileURL %q should not carry rescale", d.TileURL)
	}
	if !strings.HasSuffix(d.TileURL, "?url=http%3A%2F%2Ff%2Fx.tif") {
		t.Errorf("TileURL = %q", d.TileURL)
	}
	if d.BandMinMax != [2]float64{0, 1} {
		t.Errorf("BandMinMax = %v", d.BandMinMax)
	}
}

func TestDescribeStatisticsTimeoutsKeepMetadataAvailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/cog/tilejson.json":
			w.Write([]byte(tileJSON))
		case "/cog/statistics":
			<-r.Context().Done()
		}
	}))
	defer srv.Close()

	c := New(srv.URL, upstream.New("cog-hung-stats", time.Second))
	c.StatsTimeout = 50 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Describe(context.Background(), "http://f/x.tif", Request{}); err != nil {
				t.Errorf("Describe: %v", err)
			}
		}()
	}
	wg.Wait()

	d, err := c.Describe(context.Background(), "http://f/x.tif", Request{})
	if err != nil {
		t.Fatalf("Describe after stats timeouts: %v", err)
	}
	if strings.Contains(d.TileURL, "rescale") {
		t.Errorf("TileURL = %q", d.TileURL)
	}
	if d.BandMinMax != [2]float64{0, 1} {
		t.Errorf("BandMinMax = %v", d.BandMinMax)
	}
}

func TestDescribeMetadataFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, upstream.New("cog-fail", time.Second))
	if _, err := c.Describe(context.Background(), "http://f/x.tif", Request{}); err == nil {
		t.Fatal("expected error when tile metadata is unavailable")
	}
}

func TestPreviewURL(t *testing.T) {
	got := PreviewURL("http://cog/", "https://files/a b.tif", 650, 350)
	want := "http://cog/cog/preview?format=png&url=https%3A%2F%2Ffiles%2Fa%20b.tif&width=650&height=350&return_mask=true"
	if got != want {
		t.Fatalf("PreviewURL = %q\nwant %q", got, want)
	}
}
