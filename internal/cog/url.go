package cog

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/joeblew999/plat-dashboard/internal/config"
)

// TilePath is the templated tile endpoint relative to the tiling service.
const TilePath = "cog/tiles/WebMercatorQuad/{z}/{x}/{y}@1x"

// Params are the query parameters of a tile URL. Zero values are omitted,
// except Unscale which is written whenever it is non-nil.
type Params struct {
	URL        string
	ReturnMask bool
	NoData     *string
	Rescale    string
	Colormap   string
	Resampling string
	Unscale    *bool
	Reproject  string
	Bidx       string // comma separated band indexes
}

// BuildTileURL renders the tile template URL for p. The output depends only
// on its inputs, parameter order is fixed.
func BuildTileURL(base string, p Params) string {
	var q []string
	if p.URL != "" {
		q = append(q, "url="+EncodeURIComponent(p.URL))
	}
	if p.ReturnMask {
		q = append(q, "return_mask=true")
	}
	if p.NoData != nil {
		q = append(q, "nodata="+*p.NoData)
	}
	if p.Rescale != "" {
		q = append(q, "rescale="+p.Rescale)
	}
	if p.Colormap != "" {
		q = append(q, "colormap_name="+p.Colormap)
	}
	if p.Resampling != "" {
		q = append(q, "resampling="+p.Resampling)
	}
	if p.Unscale != nil {
		q = append(q, "unscale="+strconv.FormatBool(*p.Unscale))
	}
	if p.Reproject != "" {
		q = append(q, "reproject="+p.Reproject)
	}
	if p.Bidx != "" {
		for _, b := range strings.Split(p.Bidx, ",") {
			q = append(q, "bidx="+strings.TrimSpace(b))
		}
	}
	return config.Join(base, TilePath) + "?" + strings.Join(q, "&")
}

// EncodeURIComponent escapes s the way browsers do for a URI component:
// everything except A-Z a-z 0-9 - _ . ! ~ * ' ( ) is percent-encoded.
func EncodeURIComponent(s string) string {
	e := url.QueryEscape(s)
	e = strings.ReplaceAll(e, "+", "%20")
	for _, r := range []struct{ from, to string }{
		{"%21", "!"}, {"%27", "'"}, {"%28", "("}, {"%29", ")"}, {"%2A", "*"},
	} {
		e = strings.ReplaceAll(e, r.from, r.to)
	}
	return e
}

// FormatNumber prints v the way a JavaScript template literal would for
// ordinary magnitudes.
func FormatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// PreviewPath is the static preview endpoint of the tiling service.
const PreviewPath = "cog/preview"

// PreviewURL renders a PNG preview request of rasterURL at width x height
// with the nodata mask applied.
func PreviewURL(base, rasterURL string, width, height int) string {
	return config.Join(base, PreviewPath) + "?format=png&url=" + EncodeURIComponent(rasterURL) +
		"&width=" + strconv.Itoa(width) + "&height=" + strconv.Itoa(height) + "&return_mask=true"
}
