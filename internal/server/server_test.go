package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeblew999/plat-dashboard/internal/dip"
	"github.com/joeblew999/plat-dashboard/internal/upstream"
)

func TestStaticHerdFetchesOnce(t *testing.T) {
	var listings, artifacts int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/bundles", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&listings, 1)
		w.Write([]byte(`["livestock.geojson"]`))
	})
	mux.HandleFunc("/v1/geojson", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&artifacts, 1)
		w.Write([]byte(`{"type":"FeatureCollection","features":[{"type":"Feature","geometry":{"type":"Point","coordinates":[23.7,37.9]},"properties":{"id":"cow-1"}}]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	static := staticHerd(dip.NewCache(dip.New(srv.URL, upstream.New("dip-herd", time.Second))))
	for i := 0; i < 3; i++ {
		fc, err := static(context.Background())
		if err != nil {
			t.Fatalf("load %d: %v", i, err)
		}
		if len(fc.Features) != 1 {
			t.Fatalf("features = %d", len(fc.Features))
		}
	}
	if n := atomic.LoadInt32(&listings); n != 1 {
		t.Errorf("listing requests = %d, want 1", n)
	}
	if n := atomic.LoadInt32(&artifacts); n != 1 {
		t.Errorf("geojson requests = %d, want 1", n)
	}
}
