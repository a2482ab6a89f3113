package mapview

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// TileSize is the edge of a web mercator tile in pixels.
const TileSize = 256

const maxLat = 85.0511287798066

// Viewport is what the map currently shows.
type Viewport struct {
	Center orb.Point `json:"center" doc:"[lng, lat]"`
	Zoom   int       `json:"zoom"`
	Width  int       `json:"width"`
	Height int       `json:"height"`
}

// project returns world pixel coordinates of p at zoom z.
func project(p orb.Point, z int) (float64, float64) {
	scale := TileSize * math.Exp2(float64(z))
	lat := math.Max(-maxLat, math.Min(maxLat, p.Lat()))
	s := math.Sin(lat * math.Pi / 180)
	x := (p.Lon() + 180) / 360 * scale
	y := (0.5 - math.Log((1+s)/(1-s))/(4*math.Pi)) * scale
	return x, y
}

func unproject(x, y float64, z int) orb.Point {
	scale := TileSize * math.Exp2(float64(z))
	lon := x/scale*360 - 180
	n := math.Pi - 2*math.Pi*y/scale
	lat := 180 / math.Pi * math.Atan(math.Sinh(n))
	return orb.Point{lon, lat}
}

// origin is the world pixel of the top-left corner of the view.
func (v Viewport) origin() (float64, float64) {
	cx, cy := project(v.Center, v.Zoom)
	return cx - float64(v.Width)/2, cy - float64(v.Height)/2
}

// Pixel returns the position of p relative to the top-left of the view.
func (v Viewport) Pixel(p orb.Point) (float64, float64) {
	ox, oy := v.origin()
	x, y := project(p, v.Zoom)
	return x - ox, y - oy
}

// Bound returns the geographic extent of the view.
func (v Viewport) Bound() orb.Bound {
	ox, oy := v.origin()
	nw := unproject(ox, oy, v.Zoom)
	se := unproject(ox+float64(v.Width), oy+float64(v.Height), v.Zoom)
	return orb.Bound{
		Min: orb.Point{nw.Lon(), se.Lat()},
		Max: orb.Point{se.Lon(), nw.Lat()},
	}
}

// Tiles returns the tiles covering the view, optionally restricted to
// those intersecting within.
func (v Viewport) Tiles(within *orb.Bound) []maptile.Tile {
	ox, oy := v.origin()
	n := int(math.Exp2(float64(v.Zoom)))
	minX := clampTile(int(math.Floor(ox/TileSize)), n)
	maxX := clampTile(int(math.Floor((ox+float64(v.Width)-1)/TileSize)), n)
	minY := clampTile(int(math.Floor(oy/TileSize)), n)
	maxY := clampTile(int(math.Floor((oy+float64(v.Height)-1)/TileSize)), n)

	var tiles []maptile.Tile
	for x := minX; x <= maxX; x++ {
		for y := minY; y <= maxY; y++ {
			t := maptile.New(uint32(x), uint32(y), maptile.Zoom(v.Zoom))
			if within != nil && !t.Bound().Intersects(*within) {
				continue
			}
			tiles = append(tiles, t)
		}
	}
	return tiles
}

// TileOffset is the pixel position of t's top-left corner in the view.
func (v Viewport) TileOffset(t maptile.Tile) (int, int) {
	ox, oy := v.origin()
	return int(math.Round(float64(t.X)*TileSize - ox)), int(math.Round(float64(t.Y)*TileSize - oy))
}

func clampTile(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

// FitZoom is the largest zoom in [minZoom, maxZoom] at which b fits in a
// width x height view.
func FitZoom(b orb.Bound, width, height, minZoom, maxZoom int) int {
	for z := maxZoom; z > minZoom; z-- {
		x0, y0 := project(orb.Point{b.Min.Lon(), b.Max.Lat()}, z)
		x1, y1 := project(orb.Point{b.Max.Lon(), b.Min.Lat()}, z)
		if x1-x0 <= float64(width) && y1-y0 <= float64(height) {
			return z
		}
	}
	return minZoom
}
