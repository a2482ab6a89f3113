package mapview

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/paulmach/orb"
	"golang.org/x/image/vector"

	"github.com/joeblew999/plat-dashboard/internal/metrics"
)

// Background is the canvas colour under the base layer.
var Background = color.NRGBA{R: 0xB4, G: 0x97, B: 0xC5, A: 0xFF}

// SnapshotQuality is the JPEG quality of snapshots.
const SnapshotQuality = 80

const (
	markerRadius = 6
	defaultColor = "#3388ff"
)

// Snapshot renders the base layer and every visible overlay into a JPEG.
// Registered overlays are drawn in registry order, oldest at the bottom,
// followed by the unregistered ones. Tiles and images that failed to load
// are left out.
func (m *Map) Snapshot(ctx context.Context) ([]byte, error) {
	start := time.Now()
	defer func() { metrics.SnapshotDuration.Observe(time.Since(start).Seconds()) }()

	v := m.Viewport()
	canvas := imaging.New(v.Width, v.Height, Background)

	m.drawTiles(ctx, canvas, v, m.baseTiles(v))

	for _, o := range m.visible() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m.drawOverlay(ctx, canvas, v, &o)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, canvas, imaging.JPEG, imaging.JPEGQuality(SnapshotQuality)); err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

// visible lists the overlays to draw, bottom first.
func (m *Map) visible() []Overlay {
	entries := m.reg.Entries()
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Overlay
	for i := len(entries) - 1; i >= 0; i-- {
		if !entries[i].IsActive {
			continue
		}
		if o := m.find(entries[i].LayerName); o != nil && o.Registered && !o.SkipSnapshot {
			out = append(out, *o)
		}
	}
	for _, o := range m.overlays {
		if !o.Registered && !o.SkipSnapshot {
			out = append(out, *o)
		}
	}
	return out
}

func (m *Map) drawOverlay(ctx context.Context, canvas *image.NRGBA, v Viewport, o *Overlay) {
	switch o.Kind {
	case KindRaster:
		m.drawTiles(ctx, canvas, v, m.overlayTiles(o, v))
	case KindImage:
		if o.ImageURL == "" || o.ImageBounds == nil {
			return
		}
		img, err := m.tiles.get(ctx, o.ImageURL)
		if err != nil || img == nil {
			return
		}
		b := LatLngBound(*o.ImageBounds)
		x0, y0 := v.Pixel(orb.Point{b.Min.Lon(), b.Max.Lat()})
		x1, y1 := v.Pixel(orb.Point{b.Max.Lon(), b.Min.Lat()})
		w, h := int(math.Round(x1-x0)), int(math.Round(y1-y0))
		if w <= 0 || h <= 0 || w > 8*v.Width || h > 8*v.Height {
			return
		}
		scaled := imaging.Resize(img, w, h, imaging.Linear)
		at := image.Pt(int(math.Round(x0)), int(math.Round(y0)))
		draw.Draw(canvas, scaled.Bounds().Add(at), scaled, image.Point{}, draw.Over)
	case KindVector, KindMarker, KindPolyline:
		if o.Features == nil {
			return
		}
		for i, f := range o.Features.Features {
			style := o.Style
			if i < len(o.FillColors) && o.FillColors[i] != "" {
				style.FillColor = o.FillColors[i]
			}
			drawGeometry(canvas, v, f.Geometry, style)
		}
	}
}

func (m *Map) drawTiles(ctx context.Context, canvas *image.NRGBA, v Viewport, refs []tileRef) {
	if len(refs) == 0 {
		return
	}
	m.tiles.all(ctx, urlsOf(refs))
	for _, r := range refs {
		img, ok := m.tiles.lookup(r.url)
		if !ok || img == nil {
			continue
		}
		x, y := v.TileOffset(r.tile)
		src := img.Bounds()
		draw.Draw(canvas, src.Sub(src.Min).Add(image.Pt(x, y)), img, src.Min, draw.Over)
	}
}

func drawGeometry(canvas *image.NRGBA, v Viewport, g orb.Geometry, s Style) {
	switch g := g.(type) {
	case orb.Point:
		fillRings(canvas, [][][2]float64{circle(v, g)}, s.FillColor, fillAlpha(s))
	case orb.MultiPoint:
		for _, p := range g {
			drawGeometry(canvas, v, p, s)
		}
	case orb.LineString:
		strokePath(canvas, v, g, s)
	case orb.MultiLineString:
		for _, l := range g {
			strokePath(canvas, v, l, s)
		}
	case orb.Polygon:
		fillRings(canvas, pixelRings(v, g), s.FillColor, fillAlpha(s))
		for _, r := range g {
			strokePath(canvas, v, orb.LineString(r), s)
		}
	case orb.MultiPolygon:
		for _, p := range g {
			drawGeometry(canvas, v, p, s)
		}
	case orb.Collection:
		for _, c := range g {
			drawGeometry(canvas, v, c, s)
		}
	}
}

func fillAlpha(s Style) float64 {
	if s.FillOpacity > 0 {
		return s.FillOpacity
	}
	return 0.2
}

// circle approximates a marker in pixel space around p.
func circle(v Viewport, p orb.Point) [][2]float64 {
	cx, cy := v.Pixel(p)
	ring := make([][2]float64, 0, 13)
	for i := 0; i <= 12; i++ {
		a := float64(i) * 2 * math.Pi / 12
		ring = append(ring, [2]float64{cx + markerRadius*math.Cos(a), cy + markerRadius*math.Sin(a)})
	}
	return ring
}

func pixelRings(v Viewport, p orb.Polygon) [][][2]float64 {
	rings := make([][][2]float64, len(p))
	for i, ring := range p {
		rings[i] = make([][2]float64, len(ring))
		for j, pt := range ring {
			x, y := v.Pixel(pt)
			rings[i][j] = [2]float64{x, y}
		}
	}
	return rings
}

func fillRings(canvas *image.NRGBA, rings [][][2]float64, hex string, alpha float64) {
	c, ok := ParseColor(hex, alpha)
	if !ok {
		c, _ = ParseColor(defaultColor, alpha)
	}
	b := canvas.Bounds()
	r := vector.NewRasterizer(b.Dx(), b.Dy())
	r.DrawOp = draw.Over
	for _, ring := range rings {
		if len(ring) < 3 {
			continue
		}
		r.MoveTo(float32(ring[0][0]), float32(ring[0][1]))
		for _, pt := range ring[1:] {
			r.LineTo(float32(pt[0]), float32(pt[1]))
		}
		r.ClosePath()
	}
	r.Draw(canvas, b, image.NewUniform(c), image.Point{})
}

func strokePath(canvas *image.NRGBA, v Viewport, l orb.LineString, s Style) {
	if len(l) < 2 {
		return
	}
	opacity := s.Opacity
	if opacity <= 0 {
		opacity = 1
	}
	c, ok := ParseColor(s.Color, opacity)
	if !ok {
		c, _ = ParseColor(defaultColor, opacity)
	}
	half := s.Weight / 2
	if half <= 0 {
		half = 1.5
	}
	b := canvas.Bounds()
	r := vector.NewRasterizer(b.Dx(), b.Dy())
	r.DrawOp = draw.Over
	for i := 1; i < len(l); i++ {
		ax, ay := v.Pixel(l[i-1])
		bx, by := v.Pixel(l[i])
		dx, dy := bx-ax, by-ay
		n := math.Hypot(dx, dy)
		if n == 0 {
			continue
		}
		px, py := -dy/n*half, dx/n*half
		r.MoveTo(float32(ax+px), float32(ay+py))
		r.LineTo(float32(bx+px), float32(by+py))
		r.LineTo(float32(bx-px), float32(by-py))
		r.LineTo(float32(ax-px), float32(ay-py))
		r.ClosePath()
	}
	r.Draw(canvas, b, image.NewUniform(c), image.Point{})
}

// ParseColor reads "#rgb" or "#rrggbb" with the given opacity.
func ParseColor(hex string, alpha float64) (color.NRGBA, bool) {
	hex = strings.TrimPrefix(strings.TrimSpace(hex), "#")
	if len(hex) == 3 {
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
	}
	if len(hex) != 6 {
		return color.NRGBA{}, false
	}
	n, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.NRGBA{}, false
	}
	a := math.Max(0, math.Min(1, alpha))
	return color.NRGBA{R: uint8(n >> 16), G: uint8(n >> 8), B: uint8(n), A: uint8(math.Round(a * 255))}, true
}
