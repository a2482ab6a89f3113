// Package imageproc turns remote images into small JPEG data URIs for
// embedding in reports.
package imageproc

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/chai2010/webp" // registers the webp decoder for frame images
	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"

	"github.com/joeblew999/plat-dashboard/internal/logging"
	"github.com/joeblew999/plat-dashboard/internal/metrics"
	"github.com/joeblew999/plat-dashboard/internal/upstream"
)

const (
	MaxWidth  = 500
	MaxHeight = 500
	Quality   = 70

	DefaultRetries = 3
	DefaultStep    = time.Second
)

// ErrExhausted is returned when every attempt failed.
var ErrExhausted = errors.New("image processing failed after all retries")

// Result is an encoded image.
type Result struct {
	DataURI string `json:"dataUri"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
}

// Processor fetches and shrinks images.
type Processor struct {
	http    *upstream.Client
	Retries int
	Step    time.Duration
	log     zerolog.Logger
}

// New creates a processor. Zero retries or step fall back to the defaults.
func New(hc *upstream.Client, retries int, step time.Duration) *Processor {
	if retries <= 0 {
		retries = DefaultRetries
	}
	if step <= 0 {
		step = DefaultStep
	}
	return &Processor{http: hc, Retries: retries, Step: step, log: logging.Component("imageproc")}
}

// ToBase64 fetches url, fits the image inside 500x500 without enlarging it
// and re-encodes it as a JPEG data URI.
func (p *Processor) ToBase64(ctx context.Context, url string) (*Result, error) {
	data, _, err := p.http.GetBytes(ctx, url)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty image body from %s", url)
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", url, err)
	}
	return Encode(img)
}

// Encode shrinks img and encodes it as a JPEG data URI.
func Encode(img image.Image) (*Result, error) {
	fitted := imaging.Fit(img, MaxWidth, MaxHeight, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, fitted, imaging.JPEG, imaging.JPEGQuality(Quality)); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	b := fitted.Bounds()
	return &Result{
		DataURI: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()),
		Width:   b.Dx(),
		Height:  b.Dy(),
	}, nil
}

// linearBackOff waits step, 2*step, 3*step, ... between attempts.
type linearBackOff struct {
	step time.Duration
	n    int
}

func (l *linearBackOff) NextBackOff() time.Duration {
	l.n++
	return l.step * time.Duration(l.n)
}

func (l *linearBackOff) Reset() { l.n = 0 }

// WithRetry runs ToBase64 up to Retries times with a linear delay between
// attempts. After the last failure it returns ErrExhausted wrapping the
// final error.
func (p *Processor) WithRetry(ctx context.Context, url string) (*Result, error) {
	attempt := 0
	b := backoff.WithContext(
		backoff.WithMaxRetries(&linearBackOff{step: p.Step}, uint64(p.Retries-1)),
		ctx,
	)
	res, err := backoff.RetryWithData(func() (*Result, error) {
		attempt++
		r, err := p.ToBase64(ctx, url)
		if err != nil {
			p.log.Warn().Err(err).Int("attempt", attempt).Str("url", url).Msg("image processing attempt failed")
			return nil, err
		}
		return r, nil
	}, b)
	if err != nil {
		metrics.ImageRetries.WithLabelValues("exhausted").Inc()
		return nil, fmt.Errorf("%w: %s: %v", ErrExhausted, url, err)
	}
	if attempt > 1 {
		metrics.ImageRetries.WithLabelValues("recovered").Inc()
	}
	return res, nil
}

var (
	placeholderOnce sync.Once
	placeholder     *Result
)

// Placeholder is the image used when a picture could not be loaded.
func Placeholder() *Result {
	placeholderOnce.Do(func() {
		img := imaging.New(320, 200, color.NRGBA{R: 0xE5, G: 0xE0, B: 0xEA, A: 0xFF})
		r, err := Encode(img)
		if err != nil {
			r = &Result{}
		}
		placeholder = r
	})
	return placeholder
}
