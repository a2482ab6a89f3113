package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestGetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"name":"crop_growth"}`))
	}))
	defer srv.Close()

	c := New("test-json", time.Second)
	var out struct {
		Name string `json:"name"`
	}
	if err := c.GetJSON(context.Background(), srv.URL, &out); err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if out.Name != "crop_growth" {
		t.Errorf("name = %q", out.Name)
	}
}

func TestGetStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "missing", http.StatusNotFound)
	}))
	defer srv.Close()

	c := New("test-status", time.Second)
	_, err := c.Get(context.Background(), srv.URL)
	if !IsStatus(err, http.StatusNotFound) {
		t.Fatalf("err = %v, want 404 StatusError", err)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New("test-breaker", time.Second)
	for i := 0; i < 5; i++ {
		if _, err := c.Get(context.Background(), srv.URL); err == nil {
			t.Fatal("expected error")
		}
	}
	_, err := c.Get(context.Background(), srv.URL)
	if err == nil || !strings.Contains(err.Error(), "circuit breaker is open") {
		t.Fatalf("err = %v, want open breaker", err)
	}
	if calls != 5 {
		t.Errorf("upstream calls = %d, want 5", calls)
	}
}

func TestAnsweredErrorsKeepBreakerClosed(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New("test-answered", time.Second, WithAnsweredErrorsHealthy())
	for i := 0; i < 8; i++ {
		if _, err := c.Get(context.Background(), srv.URL); !IsStatus(err, http.StatusInternalServerError) {
			t.Fatalf("call %d: err = %v, want 500 status error", i+1, err)
		}
	}
	if calls != 8 {
		t.Errorf("upstream calls = %d, want 8", calls)
	}
}
