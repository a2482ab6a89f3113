package livestock

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"go.uber.org/goleak"

	"github.com/joeblew999/plat-dashboard/internal/catalog"
	"github.com/joeblew999/plat-dashboard/internal/upstream"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

func feature(ts string) *geojson.Feature {
	f := geojson.NewFeature(orb.Point{-4.73, 40.64})
	f.Properties["timestamp"] = ts
	return f
}

func collection(ts ...string) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, t := range ts {
		fc.Append(feature(t))
	}
	return fc
}

func TestOrderByTimestamp(t *testing.T) {
	fc := collection("09:15:00", "10:02:30", "09:15:59", "23:00:00", "00:00:01")
	got := OrderByTimestamp(fc)
	want := []string{"23:00:00", "10:02:30", "09:15:59", "09:15:00", "00:00:01"}
	for i, f := range got.Features {
		if f.Properties["timestamp"] != want[i] {
			t.Fatalf("position %d = %v, want %s", i, f.Properties["timestamp"], want[i])
		}
	}
	if fc.Features[0].Properties["timestamp"] != "09:15:00" {
		t.Error("input collection was reordered")
	}
}

func TestClientRealTime(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/geojson" {
			http.NotFound(w, r)
			return
		}
		data, _ := collection("10:00:00").MarshalJSON()
		w.Write(data)
	}))
	defer srv.Close()

	c := New(srv.URL+"/", upstream.New("livestock-test", time.Second))
	fc, err := c.RealTime(context.Background())
	if err != nil {
		t.Fatalf("RealTime: %v", err)
	}
	if len(fc.Features) != 1 {
		t.Fatalf("features = %d", len(fc.Features))
	}
}

type fakeFetcher struct {
	calls atomic.Int32
	err   error
}

func (f *fakeFetcher) RealTime(ctx context.Context) (*geojson.FeatureCollection, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return collection("08:00:00", "12:00:00"), nil
}

func TestPollerLifecycle(t *testing.T) {
	f := &fakeFetcher{}
	p := NewPoller(f, 10*time.Millisecond)
	updates, cancel := p.Subscribe()
	defer cancel()

	p.Start(context.Background())
	p.Start(context.Background())
	if !p.Polling() {
		t.Fatal("expected poller to be running")
	}

	select {
	case fc := <-updates:
		if fc.Features[0].Properties["timestamp"] != "12:00:00" {
			t.Errorf("update not ordered newest first")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no update received")
	}

	p.Stop()
	p.Stop()
	if p.Polling() {
		t.Fatal("expected poller to be stopped")
	}
	n := f.calls.Load()
	time.Sleep(30 * time.Millisecond)
	if f.calls.Load() != n {
		t.Error("poller kept fetching after Stop")
	}
	if fc, err := p.Latest(); fc == nil || err != nil {
		t.Errorf("Latest = %v, %v", fc, err)
	}
}

func TestPollerRecordsError(t *testing.T) {
	f := &fakeFetcher{err: errors.New("down")}
	p := NewPoller(f, time.Hour)
	p.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for f.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	p.Stop()
	if _, err := p.Latest(); err == nil {
		t.Error("expected last error to be recorded")
	}
}

func TestSourceResolve(t *testing.T) {
	live := &fakeFetcher{}
	static := collection("01:00:00")
	s := &Source{
		Poller: NewPoller(live, time.Hour),
		Live:   live,
		Static: func(ctx context.Context) (*geojson.FeatureCollection, error) { return static, nil },
	}

	fc, err := s.Resolve(context.Background(), catalog.PilotDataset)
	if err != nil {
		t.Fatalf("Resolve pilot: %v", err)
	}
	if len(fc.Features) != 2 || !s.Poller.Polling() {
		t.Fatalf("pilot: features=%d polling=%v", len(fc.Features), s.Poller.Polling())
	}

	fc, err = s.Resolve(context.Background(), catalog.DefaultDataset)
	if err != nil {
		t.Fatalf("Resolve default: %v", err)
	}
	if fc != static {
		t.Error("default dataset should return the stored artifact unchanged")
	}
	if s.Poller.Polling() {
		t.Error("default dataset should stop polling")
	}
}
