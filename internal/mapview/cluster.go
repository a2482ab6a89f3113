package mapview

import (
	"fmt"
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// ClusterRadius is the grid cell size in pixels used for marker clusters.
const ClusterRadius = 80

// ClusterRef points at one feature inside a cluster.
type ClusterRef struct {
	Position orb.Point `json:"position" doc:"[lng, lat]"`
	Index    int       `json:"index" doc:"Feature index in the overlay"`
}

// Cluster is a group of nearby markers at one zoom level.
type Cluster struct {
	Index   int          `json:"index"`
	Center  orb.Point    `json:"center" doc:"[lng, lat]"`
	Count   int          `json:"count"`
	Members []ClusterRef `json:"members"`
}

// ClusterPoints groups points falling into the same radius-sized grid cell
// at zoom. Clusters keep the order of their first member.
func ClusterPoints(points []orb.Point, zoom int, radius float64) []Cluster {
	if radius <= 0 {
		radius = ClusterRadius
	}
	type cell struct{ x, y int }
	byCell := make(map[cell]int)
	var out []Cluster
	for i, p := range points {
		x, y := project(p, zoom)
		c := cell{int(math.Floor(x / radius)), int(math.Floor(y / radius))}
		idx, ok := byCell[c]
		if !ok {
			idx = len(out)
			byCell[c] = idx
			out = append(out, Cluster{Index: idx})
		}
		out[idx].Members = append(out[idx].Members, ClusterRef{Position: p, Index: i})
	}
	for i := range out {
		var sx, sy float64
		for _, m := range out[i].Members {
			sx += m.Position.Lon()
			sy += m.Position.Lat()
		}
		n := float64(len(out[i].Members))
		out[i].Count = len(out[i].Members)
		out[i].Center = orb.Point{sx / n, sy / n}
	}
	return out
}

// Points returns the point positions of a feature collection, skipping
// features that are not points.
func Points(fc *geojson.FeatureCollection) []orb.Point {
	if fc == nil {
		return nil
	}
	pts := make([]orb.Point, 0, len(fc.Features))
	for _, f := range fc.Features {
		if p, ok := f.Geometry.(orb.Point); ok {
			pts = append(pts, p)
		}
	}
	return pts
}

// Clusters groups the markers of the first clustered overlay at zoom.
func (m *Map) Clusters(zoom int) []Cluster {
	for _, o := range m.Overlays() {
		if o.Clustered && o.Kind == KindMarker {
			return ClusterPoints(Points(o.Features), zoom, ClusterRadius)
		}
	}
	return nil
}

// Expand returns the members of cluster index at zoom.
func (m *Map) Expand(zoom, index int) ([]ClusterRef, error) {
	cs := m.Clusters(zoom)
	if index < 0 || index >= len(cs) {
		return nil, fmt.Errorf("no cluster %d at zoom %d", index, zoom)
	}
	return cs[index].Members, nil
}

// PopupFor builds a popup listing every property of f by key.
func PopupFor(f *geojson.Feature) Popup {
	keys := make([]string, 0, len(f.Properties))
	for k := range f.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	p := Popup{Fields: make([]Field, 0, len(keys))}
	for _, k := range keys {
		p.Fields = append(p.Fields, Field{Label: k, Value: fmt.Sprint(f.Properties[k])})
	}
	return p
}
