package imageproc

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeblew999/plat-dashboard/internal/upstream"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 0x80
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func newProcessor(srv *httptest.Server, retries int) *Processor {
	hc := upstream.New("images", 5*time.Second, upstream.WithHTTPClient(srv.Client()))
	return New(hc, retries, time.Millisecond)
}

func TestToBase64FitsInsideBox(t *testing.T) {
	body := pngBytes(t, 1000, 400)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	res, err := newProcessor(srv, 1).ToBase64(context.Background(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if res.Width != 500 || res.Height != 200 {
		t.Fatalf("size = %dx%d, want 500x200", res.Width, res.Height)
	}
	if !strings.HasPrefix(res.DataURI, "data:image/jpeg;base64,") {
		t.Fatalf("data uri = %.40q", res.DataURI)
	}
}

func TestSmallImagesAreNotEnlarged(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 40, 30))
	res, err := Encode(img)
	if err != nil {
		t.Fatal(err)
	}
	if res.Width != 40 || res.Height != 30 {
		t.Fatalf("size = %dx%d, want 40x30", res.Width, res.Height)
	}
}

func TestWithRetryRecovers(t *testing.T) {
	body := pngBytes(t, 10, 10)
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			http.Error(w, "not yet", http.StatusNotFound)
			return
		}
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	res, err := newProcessor(srv, 3).WithRetry(context.Background(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if res.Width != 10 || atomic.LoadInt32(&hits) != 3 {
		t.Fatalf("width = %d hits = %d", res.Width, hits)
	}
}

func TestWithRetryExhausted(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		_, _ = w.Write([]byte("not an image"))
	}))
	defer srv.Close()

	_, err := newProcessor(srv, 3).WithRetry(context.Background(), srv.URL)
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("err = %v", err)
	}
	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
}

func TestPlaceholderIsStable(t *testing.T) {
	a, b := Placeholder(), Placeholder()
	if a != b || a.Width != 320 || a.Height != 200 {
		t.Fatalf("placeholder = %+v", a)
	}
}
