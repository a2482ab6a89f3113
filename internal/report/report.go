// Package report renders the PDF report of the bundle a session has
// loaded. Map snapshots are captured layer set by layer set, then the
// bundle template lays them out with the prepared report data.
package report

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/joeblew999/plat-dashboard/internal/bundles"
	"github.com/joeblew999/plat-dashboard/internal/catalog"
	"github.com/joeblew999/plat-dashboard/internal/db"
	"github.com/joeblew999/plat-dashboard/internal/logging"
	"github.com/joeblew999/plat-dashboard/internal/metrics"
	"github.com/joeblew999/plat-dashboard/internal/registry"
	"github.com/joeblew999/plat-dashboard/internal/service"
)

var (
	// ErrBusy is returned while another report of the same session runs.
	ErrBusy = errors.New("a report is already being generated")
	// ErrNoData is returned when the loaded bundle has nothing to report.
	ErrNoData = errors.New("no report data")
	// ErrNoTemplate is returned for bundles without a report layout.
	ErrNoTemplate = errors.New("no report template for bundle")
)

// Recorder keeps the outcome of every generation attempt.
type Recorder interface {
	Record(ctx context.Context, r db.ReportRecord) error
}

// Result is a generated report.
type Result struct {
	ID        string
	FileName  string
	PDF       []byte
	Snapshots int
}

// Generator builds reports. One report per session runs at a time.
type Generator struct {
	images       bundles.ImageLoader
	cogURL       string
	history      Recorder
	readyTimeout time.Duration
	now          func() time.Time
	log          zerolog.Logger

	mu   sync.Mutex
	busy map[string]bool
}

// New returns a generator. history may be nil.
func New(images bundles.ImageLoader, cogURL string, history Recorder, readyTimeout time.Duration) *Generator {
	if readyTimeout <= 0 {
		readyTimeout = registry.DefaultReadyTimeout
	}
	return &Generator{
		images:       images,
		cogURL:       cogURL,
		history:      history,
		readyTimeout: readyTimeout,
		now:          time.Now,
		log:          logging.Component("report"),
		busy:         make(map[string]bool),
	}
}

// SetClock replaces the clock used for the header and file records.
func (g *Generator) SetClock(now func() time.Time) { g.now = now }

func (g *Generator) acquire(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.busy[id] {
		return false
	}
	g.busy[id] = true
	return true
}

func (g *Generator) release(id string) {
	g.mu.Lock()
	delete(g.busy, id)
	g.mu.Unlock()
}

// Busy reports whether a report of session id is in progress.
func (g *Generator) Busy(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.busy[id]
}

func progress(s *service.Session, detail string) {
	s.Bus.Publish(service.Event{Resource: "report", Action: "progress", ID: s.ID, Detail: detail})
}

// Generate renders the report of what s currently shows.
func (g *Generator) Generate(ctx context.Context, s *service.Session) (*Result, error) {
	if !g.acquire(s.ID) {
		return nil, ErrBusy
	}
	defer g.release(s.ID)

	progress(s, "started")
	sel := s.Selection()
	rec := db.ReportRecord{
		SessionID: s.ID,
		Bundle:    string(sel.Bundle),
		Variant:   string(sel.Variant),
		CreatedAt: g.now(),
	}
	res, err := g.generate(ctx, s)
	switch {
	case err == nil:
		rec.ID, rec.FileName, rec.Snapshots, rec.Bytes = res.ID, res.FileName, res.Snapshots, int64(len(res.PDF))
		rec.Outcome = "ok"
		progress(s, "done")
	case errors.Is(err, ErrNoData):
		rec.Outcome = "no_data"
		progress(s, "no data")
	case errors.Is(err, ErrNoTemplate):
		rec.Outcome = "no_template"
		progress(s, "no template")
	default:
		rec.Outcome = "error"
		rec.Error = err.Error()
		progress(s, "failed")
	}
	metrics.ReportsGenerated.WithLabelValues(rec.Bundle, rec.Outcome).Inc()
	g.record(ctx, rec)
	return res, err
}

func (g *Generator) record(ctx context.Context, rec db.ReportRecord) {
	if g.history == nil {
		return
	}
	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}
	if err := g.history.Record(ctx, rec); err != nil {
		g.log.Warn().Err(err).Str("bundle", rec.Bundle).Msg("report history not recorded")
	}
}

func (g *Generator) generate(ctx context.Context, s *service.Session) (*Result, error) {
	mod, env, artifacts, err := s.Current()
	if errors.Is(err, service.ErrNothingSelected) {
		return nil, ErrNoData
	}
	if err != nil {
		return nil, err
	}
	bundle, err := catalog.Lookup(mod.ID())
	if err != nil {
		return nil, err
	}
	log := g.log.With().Str("session", s.ID).Str("bundle", string(bundle.ID)).Logger()

	prepared, err := mod.Prepare(ctx, env, artifacts)
	if err != nil {
		return nil, fmt.Errorf("prepare %s report: %w", bundle.ID, err)
	}
	if prepared == nil {
		return nil, ErrNoData
	}
	tmpl, ok := templates[bundle.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoTemplate, bundle.ID)
	}

	if f, ok := prepared.(bundles.Framer); ok {
		if b := f.Frame(); b != nil {
			s.Map.FitBounds(*b)
		}
	}
	coords, _ := s.Map.Coordinates()

	if ro, ok := mod.(bundles.ReportOverlayer); ok {
		if subs := ro.ReportOverlays(prepared); len(subs) > 0 {
			restore := s.Map.Substitute(subs)
			defer restore()
		}
	}

	progress(s, "capturing map")
	snaps := g.capture(ctx, s, mod.LayersToEnable(), log)

	progress(s, "rendering")
	doc := newDocument(Header{
		BundleName:  bundle.Literal,
		Created:     g.now(),
		Coordinates: coords,
	})
	rc := &renderContext{ctx: ctx, doc: doc, snapshots: snaps, images: g.images, cogURL: g.cogURL, log: log}
	if err := tmpl(rc, prepared); err != nil {
		return nil, fmt.Errorf("render %s report: %w", bundle.ID, err)
	}
	pdf, err := doc.bytes()
	if err != nil {
		return nil, err
	}

	taken := 0
	for _, img := range snaps {
		if img != nil {
			taken++
		}
	}
	log.Info().Int("snapshots", taken).Int("bytes", len(pdf)).Msg("report generated")
	return &Result{
		ID:        ulid.Make().String(),
		FileName:  bundle.ReportFileName + ".pdf",
		PDF:       pdf,
		Snapshots: taken,
	}, nil
}

// capture takes one snapshot per layer set. A failed set leaves a nil
// entry so templates keep their positions. The layers active beforehand
// are switched back on afterwards.
func (g *Generator) capture(ctx context.Context, s *service.Session, sets [][]string, log zerolog.Logger) [][]byte {
	if len(sets) == 0 {
		return nil
	}
	before := s.Registry.Active()
	defer func() {
		s.Registry.ResetAll()
		for _, name := range before {
			s.Registry.SetActive(name, true)
		}
	}()

	snaps := make([][]byte, len(sets))
	for i, set := range sets {
		if _, err := s.Registry.ResetAllAndWait(ctx); err != nil {
			log.Warn().Err(err).Msg("layer reset failed")
			continue
		}
		enabled := make([]string, 0, len(set))
		for _, name := range set {
			if _, err := s.Registry.ToggleAndWait(ctx, name); err != nil {
				log.Warn().Err(err).Str("layer", name).Msg("layer not enabled")
				continue
			}
			enabled = append(enabled, name)
		}
		if n, all := s.Registry.Await(ctx, enabled, g.readyTimeout); !all {
			metrics.LayerReadyTimeouts.Inc()
			log.Warn().Int("ready", n).Strs("layers", enabled).Msg("layers not ready, capturing anyway")
		}
		img, err := s.Map.Snapshot(ctx)
		if err != nil {
			log.Error().Err(err).Int("set", i).Msg("snapshot failed")
			continue
		}
		snaps[i] = img
	}
	return snaps
}
