// Package imageproxy serves remote images from the dashboard's origin.
package imageproxy

import (
	"context"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/joeblew999/plat-dashboard/internal/logging"
)

// Fetcher downloads a URL.
type Fetcher interface {
	GetBytes(ctx context.Context, url string) ([]byte, string, error)
}

// Handler answers GET /api/image-proxy?url=.
type Handler struct {
	fetch Fetcher
	log   zerolog.Logger
}

func New(f Fetcher) *Handler {
	return &Handler{fetch: f, log: logging.Component("imageproxy")}
}

func fail(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	url := r.URL.Query().Get("url")
	if url == "" {
		fail(w, http.StatusBadRequest, "Missing URL")
		return
	}
	data, ct, err := h.fetch.GetBytes(r.Context(), url)
	if err != nil {
		h.log.Error().Err(err).Str("url", url).Msg("error fetching image")
		fail(w, http.StatusInternalServerError, "Failed to fetch image.")
		return
	}
	if ct == "" {
		ct = http.DetectContentType(data)
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		_, _ = w.Write(data)
	}
}
