// Package livestock polls the real-time livestock tracking API and chooses
// between live and stored herd positions for the selected dataset.
package livestock

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/paulmach/orb/geojson"
	"github.com/rs/zerolog"

	"github.com/joeblew999/plat-dashboard/internal/catalog"
	"github.com/joeblew999/plat-dashboard/internal/config"
	"github.com/joeblew999/plat-dashboard/internal/logging"
	"github.com/joeblew999/plat-dashboard/internal/metrics"
	"github.com/joeblew999/plat-dashboard/internal/upstream"
)

// DefaultInterval is the polling period.
const DefaultInterval = 10 * time.Second

// Fetcher returns the current herd positions.
type Fetcher interface {
	RealTime(ctx context.Context) (*geojson.FeatureCollection, error)
}

// Client talks to the real-time livestock API.
type Client struct {
	base string
	http *upstream.Client
}

// New creates a client for the API rooted at base.
func New(base string, hc *upstream.Client) *Client {
	return &Client{base: base, http: hc}
}

// RealTime fetches the latest positions as a FeatureCollection.
func (c *Client) RealTime(ctx context.Context) (*geojson.FeatureCollection, error) {
	data, _, err := c.http.GetBytes(ctx, config.Join(c.base, "api/geojson"))
	if err != nil {
		return nil, fmt.Errorf("livestock real time: %w", err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("livestock real time: %w", err)
	}
	return fc, nil
}

// OrderByTimestamp returns a copy of fc with features sorted by their
// "HH:MM:SS" timestamp property, newest first.
func OrderByTimestamp(fc *geojson.FeatureCollection) *geojson.FeatureCollection {
	out := geojson.NewFeatureCollection()
	if fc == nil {
		return out
	}
	out.Features = append(out.Features, fc.Features...)
	sort.SliceStable(out.Features, func(i, j int) bool {
		a := clock(out.Features[i])
		b := clock(out.Features[j])
		for k := range a {
			if a[k] != b[k] {
				return a[k] > b[k]
			}
		}
		return false
	})
	return out
}

func clock(f *geojson.Feature) [3]int {
	var c [3]int
	ts, _ := f.Properties["timestamp"].(string)
	for i, part := range strings.SplitN(ts, ":", 3) {
		c[i], _ = strconv.Atoi(strings.TrimSpace(part))
	}
	return c
}

// Poller fetches positions on a fixed interval while started. Each
// successful fetch is ordered newest first and fanned out to subscribers.
type Poller struct {
	fetcher  Fetcher
	interval time.Duration
	log      zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	latest  *geojson.FeatureCollection
	lastErr error
	subs    map[chan *geojson.FeatureCollection]struct{}
}

// NewPoller creates a stopped poller. A non-positive interval means
// DefaultInterval.
func NewPoller(f Fetcher, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{
		fetcher:  f,
		interval: interval,
		log:      logging.Component("livestock"),
		subs:     make(map[chan *geojson.FeatureCollection]struct{}),
	}
}

// Start begins polling until Stop is called or ctx ends. Starting a running
// poller is a no-op.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(ctx, p.done)
	p.log.Debug().Dur("interval", p.interval).Msg("polling started")
}

// Stop halts polling and waits for the loop to exit. The last result is
// kept.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	p.log.Debug().Msg("polling stopped")
}

// Polling reports whether the poller is running.
func (p *Poller) Polling() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

// Latest returns the most recent result and the error of the last attempt.
func (p *Poller) Latest() (*geojson.FeatureCollection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest, p.lastErr
}

// Subscribe returns a channel receiving every new result and a function
// that cancels the subscription.
func (p *Poller) Subscribe() (<-chan *geojson.FeatureCollection, func()) {
	ch := make(chan *geojson.FeatureCollection, 1)
	p.mu.Lock()
	p.subs[ch] = struct{}{}
	p.mu.Unlock()
	return ch, func() {
		p.mu.Lock()
		if _, ok := p.subs[ch]; ok {
			delete(p.subs, ch)
			close(ch)
		}
		p.mu.Unlock()
	}
}

func (p *Poller) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

// poll fetches once and records the outcome.
func (p *Poller) poll(ctx context.Context) {
	fc, err := p.fetcher.RealTime(ctx)
	if ctx.Err() != nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		metrics.LivestockPolls.WithLabelValues("error").Inc()
		p.lastErr = err
		p.log.Warn().Err(err).Msg("livestock poll failed")
		return
	}
	metrics.LivestockPolls.WithLabelValues("ok").Inc()
	p.latest = OrderByTimestamp(fc)
	p.lastErr = nil
	for ch := range p.subs {
		select {
		case ch <- p.latest:
		default:
		}
	}
}

// StaticFunc returns the stored positions for the default dataset.
type StaticFunc func(ctx context.Context) (*geojson.FeatureCollection, error)

// Source picks the data shown for the livestock bundle: live positions for
// the pilot dataset, the stored artifact otherwise. The two are never
// merged.
type Source struct {
	Poller *Poller
	Static StaticFunc
	Live   Fetcher
}

// Resolve starts or stops polling according to variant and returns the
// data to display. ctx bounds the poller when it is started.
func (s *Source) Resolve(ctx context.Context, variant catalog.Variant) (*geojson.FeatureCollection, error) {
	if variant == catalog.PilotDataset {
		s.Poller.Start(context.WithoutCancel(ctx))
		if fc, _ := s.Poller.Latest(); fc != nil {
			return fc, nil
		}
		fc, err := s.Live.RealTime(ctx)
		if err != nil {
			return nil, err
		}
		return OrderByTimestamp(fc), nil
	}
	s.Poller.Stop()
	return s.Static(ctx)
}
