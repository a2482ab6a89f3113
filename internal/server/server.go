package server

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"
	"github.com/goccy/go-json"
	"github.com/paulmach/orb/geojson"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/joeblew999/plat-dashboard/internal/api"
	"github.com/joeblew999/plat-dashboard/internal/api/live"
	"github.com/joeblew999/plat-dashboard/internal/catalog"
	"github.com/joeblew999/plat-dashboard/internal/chat"
	"github.com/joeblew999/plat-dashboard/internal/cog"
	"github.com/joeblew999/plat-dashboard/internal/config"
	"github.com/joeblew999/plat-dashboard/internal/db"
	"github.com/joeblew999/plat-dashboard/internal/dip"
	"github.com/joeblew999/plat-dashboard/internal/humastar"
	"github.com/joeblew999/plat-dashboard/internal/imageproc"
	"github.com/joeblew999/plat-dashboard/internal/imageproxy"
	"github.com/joeblew999/plat-dashboard/internal/livestock"
	"github.com/joeblew999/plat-dashboard/internal/logging"
	"github.com/joeblew999/plat-dashboard/internal/mail"
	"github.com/joeblew999/plat-dashboard/internal/metrics"
	"github.com/joeblew999/plat-dashboard/internal/report"
	"github.com/joeblew999/plat-dashboard/internal/service"
	"github.com/joeblew999/plat-dashboard/internal/upstream"
)

// Config holds the server configuration.
type Config struct {
	Host     string
	Port     string
	DataDir  string // holds duckdb/dashboard.duckdb
	WebDir   string // optional static UI
	Settings *config.Settings
}

// Server is the dashboard HTTP server.
type Server struct {
	config   Config
	mux      *http.ServeMux
	humaAPI  huma.API
	links    *humastar.Links
	db       *sql.DB
	sessions *service.Store
	herd     *livestock.Source
	limiter  *chat.RateLimiter
	log      zerolog.Logger

	cancel context.CancelFunc
	group  *errgroup.Group
}

// staticHerd loads the livestock bundle's stored positions. The listing and
// artifact are fetched once and served from cache afterwards.
func staticHerd(cache *dip.Cache) func(context.Context) (*geojson.FeatureCollection, error) {
	return func(ctx context.Context) (*geojson.FeatureCollection, error) {
		a, err := cache.Artifact(ctx, string(catalog.Livestock), catalog.GeoJSON)
		if err != nil {
			return nil, err
		}
		return a.GeoJSON, nil
	}
}

// New wires the upstream clients, sessions and routes.
func New(cfg Config) *Server {
	if cfg.Settings == nil {
		cfg.Settings = config.Defaults()
	}
	st := cfg.Settings
	u := st.Upstream
	mux := http.NewServeMux()

	// Create Huma API with humago (pure stdlib) adapter
	humaConfig := huma.DefaultConfig("plat-dashboard API", api.Version)
	humaConfig.Info.Description = "Geospatial dashboard backend: bundle sessions, map layers, PDF reports and live herd positions."
	humaConfig.Servers = []*huma.Server{
		{URL: fmt.Sprintf("http://%s:%s", cfg.Host, cfg.Port), Description: "Local server"},
	}
	// Disable $schema property in responses (cleaner JSON)
	humaConfig.CreateHooks = []func(huma.Config) huma.Config{}

	s := &Server{
		config: cfg,
		mux:    mux,
		log:    logging.Component("server"),
	}
	humaConfig.Transformers = append(humaConfig.Transformers, humastar.LinkTransformer(func() *humastar.Links { return s.links }))
	s.humaAPI = humago.New(mux, humaConfig)
	s.humaAPI.UseMiddleware(observe)

	dipClient := dip.New(u.DIPURL, upstream.New("dip", u.Timeout))
	cogClient := cog.New(u.COGURL, upstream.New("cog", u.Timeout), cog.WithStatsClient(upstream.New("cog-stats", u.Timeout)))
	cogClient.StatsTimeout = u.StatsTimeout
	herdClient := livestock.New(u.LivestockURL, upstream.New("livestock", u.Timeout))
	imagesHC := upstream.New("images", u.Timeout)
	images := imageproc.New(imagesHC, st.Report.ImageRetries, st.Report.RetryStep)

	s.sessions = service.NewStore(service.Backends{
		Settings:  st,
		DIP:       dipClient,
		COG:       cogClient,
		Images:    images,
		Livestock: herdClient,
		Tiles:     upstream.New("tiles", u.Timeout),
	})
	s.herd = &livestock.Source{
		Poller: livestock.NewPoller(herdClient, u.PollInterval),
		Live:   herdClient,
		Static: staticHerd(dip.NewCache(dipClient)),
	}

	// Initialize DuckDB connection
	var history *db.History
	conn, err := db.Get(db.Config{DataDir: cfg.DataDir, DBName: "dashboard"})
	if err != nil {
		s.log.Warn().Err(err).Msg("report history disabled")
	} else {
		s.db = conn
		history = db.NewHistory(conn)
	}
	var recorder report.Recorder
	if history != nil {
		recorder = history
	}

	var mailer *mail.Mailer
	if sender, err := mail.NewSender(st.Mail); err == nil {
		if mailer, err = mail.New(st.Mail, sender); err != nil {
			s.log.Warn().Err(err).Msg("feature email disabled")
		}
	} else {
		s.log.Info().Err(err).Msg("feature email disabled")
	}

	deps := api.Deps{
		Settings:  st,
		Sessions:  s.sessions,
		Reports:   report.New(images, u.COGURL, recorder, st.Report.ReadyTimeout),
		History:   history,
		DB:        s.db,
		Bundles:   dipClient,
		COG:       cogClient,
		Livestock: s.herd,
		Mailer:    mailer,
	}
	huma.AutoRegister(s.humaAPI, api.NewAPIHandler(deps))
	huma.AutoRegister(s.humaAPI, live.NewHandler(s.sessions))
	s.links = humastar.AutoLinks(s.humaAPI, "events", "download")

	s.limiter = chat.NewRateLimiter(st.Assistant.Limit, chat.DefaultWindow)
	relay := chat.NewRelay(st.Assistant.URL, st.Assistant.APIKey, s.limiter, upstream.New("assistant", 0, upstream.WithAnsweredErrorsHealthy()))
	relay.FeatureFlag = st.App.FeatureFlag

	// Plain handlers answer with fixed JSON shapes the UI already parses.
	mux.Handle("/api/create-run", relay)
	mux.Handle("/api/image-proxy", imageproxy.New(imagesHC))
	mux.Handle("GET /metrics", promhttp.Handler())
	if cfg.WebDir != "" {
		staticDir := filepath.Join(cfg.WebDir, "static")
		mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.Dir(staticDir))))
	}
	mux.HandleFunc("/", s.handleRoot)

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.limiter.Run(gctx)
		return nil
	})
	s.cancel, s.group = cancel, g
	return s
}

// observe logs and times every API operation.
func observe(ctx huma.Context, next func(huma.Context)) {
	start := time.Now()
	next(ctx)
	op := "unknown"
	if o := ctx.Operation(); o != nil {
		op = o.OperationID
	}
	status := ctx.Status()
	metrics.HTTPRequestDuration.WithLabelValues(op, strconv.Itoa(status)).Observe(time.Since(start).Seconds())
	logging.Debug().
		Str("method", ctx.Method()).
		Str("path", ctx.URL().Path).
		Int("status", status).
		Dur("took", time.Since(start)).
		Msg("request")
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// OpenAPI returns the generated API description.
func (s *Server) OpenAPI() *huma.OpenAPI {
	return s.humaAPI.OpenAPI()
}

// Sessions returns the session store.
func (s *Server) Sessions() *service.Store { return s.sessions }

// Close stops background work, closes every session and the database.
func (s *Server) Close() error {
	s.cancel()
	_ = s.group.Wait()
	s.herd.Poller.Stop()
	s.sessions.Close()
	return db.Close()
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	for _, link := range s.links.For(humastar.EntryPoint) {
		w.Header().Add("Link", link)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"service": "plat-dashboard",
		"status":  "running",
	})
}
