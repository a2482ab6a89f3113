package api

import (
	"context"

	"github.com/danielgtaylor/huma/v2"
	"github.com/paulmach/orb/geojson"

	"github.com/joeblew999/plat-dashboard/internal/catalog"
	"github.com/joeblew999/plat-dashboard/internal/cog"
)

type DescribeInput struct {
	URL      string `query:"url" required:"true" doc:"Raster reference" example:"https://files.example.com/crop_growth.tif"`
	Colormap string `query:"colormap" doc:"Colour map name; enables the false-colour path" example:"rdylgn"`
	Rescale  string `query:"rescale" doc:"\"min,max\"; defaults to the first band's range"`
	Bidx     string `query:"bidx" doc:"Band indexes, comma separated"`
}

type PreviewInput struct {
	URL    string `query:"url" required:"true" doc:"Raster reference"`
	Width  int    `query:"width" minimum:"1" maximum:"4096" default:"650"`
	Height int    `query:"height" minimum:"1" maximum:"4096" default:"350"`
}

type PreviewBody struct {
	URL string `json:"url" doc:"Static preview image URL"`
}

type LivestockInput struct {
	Variant catalog.Variant `query:"variant" doc:"pilotDataset for live positions, anything else for the stored ones"`
}

// RegisterTiles registers raster and livestock data routes.
func (h *APIHandler) RegisterTiles(api huma.API) {
	huma.Get(api, "/api/v1/tiles/describe", h.DescribeTiles, huma.OperationTags("tiles"))
	huma.Get(api, "/api/v1/tiles/preview", h.PreviewTiles, huma.OperationTags("tiles"))
	huma.Get(api, "/api/v1/livestock", h.GetLivestock, huma.OperationTags("livestock"))
}

func (h *APIHandler) DescribeTiles(ctx context.Context, input *DescribeInput) (*struct{ Body cog.TileDescriptor }, error) {
	if h.deps.COG == nil {
		return nil, huma.Error503ServiceUnavailable("tiling service not configured")
	}
	td, err := h.deps.COG.Describe(ctx, input.URL, cog.Request{
		Colormap: input.Colormap,
		Rescale:  input.Rescale,
		Bidx:     input.Bidx,
	})
	if err != nil {
		return nil, httpError(err)
	}
	return &struct{ Body cog.TileDescriptor }{Body: *td}, nil
}

func (h *APIHandler) PreviewTiles(ctx context.Context, input *PreviewInput) (*struct{ Body PreviewBody }, error) {
	base := h.deps.Settings.Upstream.COGURL
	if base == "" {
		return nil, huma.Error503ServiceUnavailable("tiling service not configured")
	}
	return &struct{ Body PreviewBody }{Body: PreviewBody{URL: cog.PreviewURL(base, input.URL, input.Width, input.Height)}}, nil
}

func (h *APIHandler) GetLivestock(ctx context.Context, input *LivestockInput) (*struct{ Body *geojson.FeatureCollection }, error) {
	if h.deps.Livestock == nil {
		return nil, huma.Error503ServiceUnavailable("livestock source not configured")
	}
	if !input.Variant.Valid() {
		return nil, huma.Error422UnprocessableEntity("unknown dataset variant " + string(input.Variant))
	}
	fc, err := h.deps.Livestock.Resolve(ctx, input.Variant)
	if err != nil {
		return nil, httpError(err)
	}
	if fc == nil {
		fc = geojson.NewFeatureCollection()
	}
	return &struct{ Body *geojson.FeatureCollection }{Body: fc}, nil
}
