package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/danielgtaylor/huma/v2"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"

	"github.com/joeblew999/plat-dashboard/internal/mapview"
	"github.com/joeblew999/plat-dashboard/internal/pmtiles"
	"github.com/joeblew999/plat-dashboard/internal/vectortile"
)

type OverlayTileInput struct {
	LayerInput
	Z uint32 `path:"z" maximum:"22"`
	X uint32 `path:"x"`
	Y uint32 `path:"y"`
}

type OverlayArchiveInput struct {
	LayerInput
	MinZoom int `query:"minzoom" default:"0" minimum:"0" maximum:"16"`
	MaxZoom int `query:"maxzoom" default:"14" minimum:"0" maximum:"16"`
}

type BinaryOutput struct {
	ContentType        string `header:"Content-Type"`
	ContentEncoding    string `header:"Content-Encoding"`
	ContentDisposition string `header:"Content-Disposition"`
	Body               []byte
}

// RegisterOverlayTiles serves vector overlays as Mapbox vector tiles and as
// a downloadable PMTiles archive.
func (h *APIHandler) RegisterOverlayTiles(api huma.API) {
	tags := huma.OperationTags("download", "layers")
	huma.Get(api, "/api/v1/sessions/{id}/overlays/{name}/tiles/{z}/{x}/{y}", h.GetOverlayTile, tags)
	huma.Get(api, "/api/v1/sessions/{id}/overlays/{name}/pmtiles", h.GetOverlayArchive, tags)
}

func (h *APIHandler) overlayFeatures(in *LayerInput) (*geojson.FeatureCollection, error) {
	s, err := h.session(in.ID)
	if err != nil {
		return nil, err
	}
	o, ok := s.Map.Overlay(in.Name)
	if !ok {
		return nil, httpError(fmt.Errorf("%w: %s", mapview.ErrUnknownOverlay, in.Name))
	}
	if o.Features == nil {
		return nil, huma.Error422UnprocessableEntity(fmt.Sprintf("overlay %s has no vector features", in.Name))
	}
	return o.Features, nil
}

func (h *APIHandler) GetOverlayTile(ctx context.Context, input *OverlayTileInput) (*BinaryOutput, error) {
	fc, err := h.overlayFeatures(&input.LayerInput)
	if err != nil {
		return nil, err
	}
	if n := uint32(1) << input.Z; input.X >= n || input.Y >= n {
		return nil, huma.Error404NotFound(fmt.Sprintf("tile %d/%d/%d out of range", input.Z, input.X, input.Y))
	}
	data, err := vectortile.Tile(fc, maptile.New(input.X, input.Y, maptile.Zoom(input.Z)), input.Name)
	if err != nil {
		return nil, huma.Error500InternalServerError("encode tile", err)
	}
	out := &BinaryOutput{ContentType: vectortile.ContentType, Body: data}
	if data != nil {
		out.ContentEncoding = "gzip"
	}
	return out, nil
}

func (h *APIHandler) GetOverlayArchive(ctx context.Context, input *OverlayArchiveInput) (*BinaryOutput, error) {
	if input.MinZoom > input.MaxZoom {
		return nil, huma.Error422UnprocessableEntity("minzoom is greater than maxzoom")
	}
	fc, err := h.overlayFeatures(&input.LayerInput)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := vectortile.Archive(&buf, fc, input.Name, input.MinZoom, input.MaxZoom); err != nil {
		if errors.Is(err, pmtiles.ErrEmpty) {
			return nil, huma.Error404NotFound(fmt.Sprintf("overlay %s has no tiles", input.Name))
		}
		return nil, huma.Error500InternalServerError("build archive", err)
	}
	return &BinaryOutput{
		ContentType:        "application/vnd.pmtiles",
		ContentDisposition: fmt.Sprintf("attachment; filename=%q", input.Name+".pmtiles"),
		Body:               buf.Bytes(),
	}, nil
}
