package chat

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/joeblew999/plat-dashboard/internal/upstream"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestRateLimiterAllowsUpToLimit(t *testing.T) {
	l := NewRateLimiter(3, time.Hour)
	for i := 0; i < 3; i++ {
		if n, ok := l.Allow("t1"); !ok || n != i {
			t.Fatalf("message %d: count %d ok %v", i, n, ok)
		}
	}
	if n, ok := l.Allow("t1"); ok || n != 3 {
		t.Fatalf("fourth message: count %d ok %v", n, ok)
	}
	if _, ok := l.Allow("t2"); !ok {
		t.Fatal("other thread limited")
	}
	if l.Count("t1") != 3 || l.Count("nope") != 0 {
		t.Fatalf("counts = %d, %d", l.Count("t1"), l.Count("nope"))
	}
}

func TestRateLimiterSweep(t *testing.T) {
	c := &clock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	l := NewRateLimiter(0, 0)
	l.SetClock(c.now)

	l.Allow("old")
	c.advance(40 * time.Minute)
	l.Allow("recent")
	c.advance(30 * time.Minute)

	if n := l.Sweep(); n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	if l.Count("old") != 0 || l.Count("recent") != 1 {
		t.Fatalf("old=%d recent=%d", l.Count("old"), l.Count("recent"))
	}
}

func newRelay(t *testing.T, agent http.HandlerFunc) *Relay {
	t.Helper()
	return newRelayWith(t, agent, NewRateLimiter(2, time.Hour))
}

func newRelayWith(t *testing.T, agent http.HandlerFunc, limiter *RateLimiter) *Relay {
	t.Helper()
	srv := httptest.NewServer(agent)
	t.Cleanup(srv.Close)
	return NewRelay(srv.URL+"/", "secret", limiter,
		upstream.New("assistant", 0, upstream.WithHTTPClient(srv.Client()), upstream.WithAnsweredErrorsHealthy()))
}

func post(rl *Relay, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	rl.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/create-run", strings.NewReader(body)))
	return rec
}

func errorOf(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("body %q: %v", rec.Body.String(), err)
	}
	return m
}

func TestRelayStreamsContent(t *testing.T) {
	var got agentRequest
	rl := newRelay(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/agent/stream" || r.Header.Get("X-API-Key") != "secret" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		io.WriteString(w, "event: token\n")
		io.WriteString(w, "data: {\"content\":\"Hello\"}\n")
		io.WriteString(w, "data: not json\n")
		io.WriteString(w, "data: {\"type\":\"end\"}\n")
		io.WriteString(w, "data: {\"content\":\" world\"}\n")
	})

	rec := post(rl, `{"thread_id":"t1","message":"  hi  "}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-cache, no-transform" {
		t.Errorf("cache control = %q", cc)
	}
	want := "data: {\"content\":\"Hello\"}\n\ndata: {\"content\":\" world\"}\n\n"
	if rec.Body.String() != want {
		t.Errorf("body = %q, want %q", rec.Body.String(), want)
	}
	if got.Message != "hi" || got.ThreadID != "t1" || !got.StreamTokens {
		t.Errorf("agent request = %+v", got)
	}
}

func TestRelayRejectsMissingFields(t *testing.T) {
	rl := newRelay(t, func(w http.ResponseWriter, r *http.Request) {})
	rec := post(rl, `{"thread_id":"t1"}`)
	if rec.Code != http.StatusBadRequest || errorOf(t, rec)["error"] != msgRequired {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body)
	}
}

func TestRelayLimitsThread(t *testing.T) {
	rl := newRelay(t, func(w http.ResponseWriter, r *http.Request) {})
	for i := 0; i < 2; i++ {
		if rec := post(rl, `{"thread_id":"t1","message":"m"}`); rec.Code != http.StatusOK {
			t.Fatalf("message %d: status %d", i, rec.Code)
		}
	}
	rec := post(rl, `{"thread_id":"t1","message":"m"}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	m := errorOf(t, rec)
	if m["error"] != msgLimited || m["messageCount"] != float64(2) {
		t.Fatalf("body = %v", m)
	}
}

func TestRelayPassesUpstreamStatus(t *testing.T) {
	rl := newRelay(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, "bad key")
	})
	rec := post(rl, `{"thread_id":"t1","message":"m"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	if e := errorOf(t, rec)["error"]; e != "Run initiation failed: bad key" {
		t.Fatalf("error = %v", e)
	}
}

func TestRelayDefaultLimit(t *testing.T) {
	rl := newRelayWith(t, func(w http.ResponseWriter, r *http.Request) {}, NewRateLimiter(0, 0))
	for i := 0; i < DefaultLimit; i++ {
		if rec := post(rl, `{"thread_id":"t1","message":"m"}`); rec.Code != http.StatusOK {
			t.Fatalf("message %d: status %d", i+1, rec.Code)
		}
	}
	rec := post(rl, `{"thread_id":"t1","message":"m"}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("message %d: status = %d", DefaultLimit+1, rec.Code)
	}
	if m := errorOf(t, rec); m["messageCount"] != float64(10) {
		t.Fatalf("body = %v", m)
	}
	if rec := post(rl, `{"thread_id":"t2","message":"m"}`); rec.Code != http.StatusOK {
		t.Errorf("other thread: status %d", rec.Code)
	}
}

func TestRelayRepeatedServerErrors(t *testing.T) {
	rl := newRelayWith(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		io.WriteString(w, "agent down")
	}, NewRateLimiter(100, time.Hour))
	for i := 0; i < 8; i++ {
		rec := post(rl, `{"thread_id":"t1","message":"m"}`)
		if rec.Code != http.StatusBadGateway {
			t.Fatalf("attempt %d: status = %d body %s", i+1, rec.Code, rec.Body)
		}
		if e := errorOf(t, rec)["error"]; e != "Run initiation failed: agent down" {
			t.Fatalf("attempt %d: error = %v", i+1, e)
		}
	}
}

func TestRelayInvalidBody(t *testing.T) {
	rl := newRelay(t, func(w http.ResponseWriter, r *http.Request) {})
	rec := post(rl, `{`)
	if rec.Code != http.StatusInternalServerError || errorOf(t, rec)["error"] != msgSSEFailed {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body)
	}
}

func TestRelayFeatureFlag(t *testing.T) {
	rl := newRelay(t, func(w http.ResponseWriter, r *http.Request) {})
	rl.FeatureFlag = "something-else"
	if rec := post(rl, `{"thread_id":"t1","message":"m"}`); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	rl.FeatureFlag = FeatureName
	if rec := post(rl, `{"thread_id":"t1","message":"m"}`); rec.Code != http.StatusOK {
		t.Fatalf("enabled status = %d", rec.Code)
	}
}
