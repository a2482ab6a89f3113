// Package vectortile cuts overlay features into Mapbox vector tiles and
// bundles them into PMTiles archives for offline use.
package vectortile

import (
	"fmt"
	"io"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/simplify"

	"github.com/joeblew999/plat-dashboard/internal/pmtiles"
)

// MaxZoom bounds archive exports; deeper tiles are served on demand only.
const MaxZoom = 16

// ContentType is the media type of a single encoded tile.
const ContentType = "application/vnd.mapbox-vector-tile"

// Tile encodes the features of fc intersecting t as one gzipped MVT layer.
// It returns nil when nothing is left after clipping.
func Tile(fc *geojson.FeatureCollection, t maptile.Tile, layer string) ([]byte, error) {
	if fc == nil {
		return nil, nil
	}
	bound := t.Bound()
	clipped := geojson.NewFeatureCollection()
	for _, f := range fc.Features {
		if f == nil || f.Geometry == nil || !intersects(f.Geometry, bound) {
			continue
		}
		// Clip and ProjectToTile rewrite coordinates in place.
		c := geojson.NewFeature(orb.Clone(f.Geometry))
		for k, v := range f.Properties {
			c.Properties[k] = v
		}
		clipped.Append(c)
	}
	if len(clipped.Features) == 0 {
		return nil, nil
	}

	l := mvt.NewLayer(layer, clipped)
	if eps := epsilon(t.Z); eps > 0 {
		l.Simplify(simplify.DouglasPeucker(eps))
	}
	l.Clip(bound)
	l.ProjectToTile(t)
	l.RemoveEmpty(0.5, 0.5)
	if len(l.Features) == 0 {
		return nil, nil
	}
	data, err := mvt.MarshalGzipped(mvt.Layers{l})
	if err != nil {
		return nil, fmt.Errorf("encode tile %d/%d/%d: %w", t.Z, t.X, t.Y, err)
	}
	return data, nil
}

// Archive writes every non-empty tile of fc from minZoom to maxZoom as a
// PMTiles v3 archive. It returns the number of tiles written.
func Archive(w io.Writer, fc *geojson.FeatureCollection, layer string, minZoom, maxZoom int) (int, error) {
	minZoom = max(minZoom, 0)
	maxZoom = min(maxZoom, MaxZoom)
	if fc == nil || minZoom > maxZoom {
		return 0, pmtiles.ErrEmpty
	}
	var bound orb.Bound
	found := false
	for _, f := range fc.Features {
		switch {
		case f == nil || f.Geometry == nil:
		case !found:
			bound, found = f.Geometry.Bound(), true
		default:
			bound = bound.Union(f.Geometry.Bound())
		}
	}
	if !found {
		return 0, pmtiles.ErrEmpty
	}

	a := pmtiles.NewArchive(pmtiles.Mvt, pmtiles.Gzip)
	a.Bounds = bound
	a.Metadata = map[string]any{
		"name":   layer,
		"format": "pbf",
		"vector_layers": []map[string]any{
			{"id": layer, "minzoom": minZoom, "maxzoom": maxZoom},
		},
	}
	for z := minZoom; z <= maxZoom; z++ {
		for _, t := range covering(bound, maptile.Zoom(z)) {
			data, err := Tile(fc, t, layer)
			if err != nil {
				return 0, err
			}
			if data != nil {
				a.Add(t, data)
			}
		}
	}
	if _, err := a.WriteTo(w); err != nil {
		return 0, err
	}
	return a.Len(), nil
}

// covering returns the tiles at zoom z overlapping b.
func covering(b orb.Bound, z maptile.Zoom) []maptile.Tile {
	lo := maptile.At(orb.Point{b.Min.Lon(), b.Max.Lat()}, z)
	hi := maptile.At(orb.Point{b.Max.Lon(), b.Min.Lat()}, z)
	var out []maptile.Tile
	for x := lo.X; x <= hi.X; x++ {
		for y := lo.Y; y <= hi.Y; y++ {
			out = append(out, maptile.New(x, y, z))
		}
	}
	return out
}

// epsilon is the Douglas-Peucker tolerance in degrees at zoom z. Field
// polygons are a few metres wide, so low zooms stay conservative.
func epsilon(z maptile.Zoom) float64 {
	switch {
	case z >= 14:
		return 0
	case z >= 10:
		return 0.00001
	case z >= 6:
		return 0.0001
	default:
		return 0.0005
	}
}

func intersects(g orb.Geometry, b orb.Bound) bool {
	if !g.Bound().Intersects(b) {
		return false
	}
	switch g := g.(type) {
	case orb.Point:
		return b.Contains(g)
	case orb.MultiPoint:
		for _, p := range g {
			if b.Contains(p) {
				return true
			}
		}
		return false
	case orb.Polygon:
		for _, ring := range g {
			for _, p := range ring {
				if b.Contains(p) {
					return true
				}
			}
		}
		for _, p := range []orb.Point{b.Min, b.Max, b.LeftTop(), b.RightBottom(), b.Center()} {
			if planar.PolygonContains(g, p) {
				return true
			}
		}
		return false
	case orb.MultiPolygon:
		for _, p := range g {
			if intersects(p, b) {
				return true
			}
		}
		return false
	default:
		// Lines and collections: the bound check is close enough, Clip
		// drops what falls outside.
		return true
	}
}
