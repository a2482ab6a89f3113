package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/paulmach/orb"

	"github.com/joeblew999/plat-dashboard/internal/bundles"
	"github.com/joeblew999/plat-dashboard/internal/catalog"
	"github.com/joeblew999/plat-dashboard/internal/humastar"
	"github.com/joeblew999/plat-dashboard/internal/mapview"
	"github.com/joeblew999/plat-dashboard/internal/registry"
	"github.com/joeblew999/plat-dashboard/internal/service"
)

const sessionPath = "/api/v1/sessions/%s"

var sessionActions = []humastar.ActionDef{
	{Rel: "select", Pattern: sessionPath + "/selection", Method: http.MethodPut, Title: "Select a bundle"},
	{Rel: "events", Pattern: sessionPath + "/events", Method: http.MethodGet, Title: "Live updates"},
	{Rel: "delete", Pattern: sessionPath, Method: http.MethodDelete, Title: "Close session"},
}

var reportAction = humastar.ActionDef{Rel: "report", Pattern: sessionPath + "/report", Method: http.MethodPost, Title: "Generate PDF report"}

// Types

type SessionInput struct {
	ID string `path:"id" doc:"Session ID" example:"3f0c9a4e-8f6b-4c1e-9d53-6d1f2e7a1b10"`
}

type LayerInput struct {
	SessionInput
	Name string `path:"name" doc:"Layer name" example:"2. GeoJSON"`
}

// ViewBody is the render state of a session plus the actions it allows.
type ViewBody struct {
	service.View
}

func (v ViewBody) Actions() []humastar.Action {
	defs := sessionActions
	if v.State != bundles.StateNone {
		defs = append(defs[:len(defs):len(defs)], reportAction)
	}
	return humastar.ActionsFor(v.SessionID, defs...)
}

type ViewOutput struct {
	Body ViewBody
}

type SessionsOutput struct {
	Body humastar.PageBody[service.Info]
}

type LayersOutput struct {
	Body []registry.Entry
}

type ActiveBody struct {
	Active bool `json:"active" doc:"Show or hide the layer"`
}

type PresentBody struct {
	Present bool `json:"present" doc:"Mount or unmount the overlay"`
}

type ViewportBody struct {
	Center orb.Point `json:"center" doc:"[lng, lat]"`
	Zoom   int       `json:"zoom" minimum:"0" maximum:"22"`
}

type ParamsBody struct {
	Health        map[string]bundles.HealthIndex `json:"health,omitempty" doc:"Thresholds per vegetation index; omitted indexes keep their values"`
	CropThreshold string                         `json:"cropThreshold,omitempty" doc:"Rescale range \"min,max\" for the crop growth rasters"`
}

type ClustersInput struct {
	SessionInput
	Zoom int `query:"zoom" minimum:"0" maximum:"22" doc:"Zoom level; defaults to the current one"`
}

type ClusterInput struct {
	ClustersInput
	Index int `path:"index" minimum:"0"`
}

type SnapshotOutput struct {
	ContentType string `header:"Content-Type"`
	Body        []byte
}

// RegisterSessions registers session, layer and map routes.
func (h *APIHandler) RegisterSessions(api huma.API) {
	tags := huma.OperationTags("sessions")
	huma.Post(api, "/api/v1/sessions", h.CreateSession, tags, status(http.StatusCreated))
	huma.Get(api, "/api/v1/sessions", h.ListSessions, tags)
	huma.Get(api, "/api/v1/sessions/{id}", h.GetSession, tags)
	huma.Delete(api, "/api/v1/sessions/{id}", h.DeleteSession, tags, status(http.StatusNoContent))
	huma.Put(api, "/api/v1/sessions/{id}/selection", h.PutSelection, tags)
	huma.Get(api, "/api/v1/sessions/{id}/params", h.GetParams, tags)
	huma.Put(api, "/api/v1/sessions/{id}/params", h.PutParams, tags)
	huma.Put(api, "/api/v1/sessions/{id}/viewport", h.PutViewport, tags)
	huma.Get(api, "/api/v1/sessions/{id}/snapshot", h.GetSnapshot, huma.OperationTags("download", "sessions"))
	huma.Get(api, "/api/v1/sessions/{id}/clusters", h.GetClusters, tags)
	huma.Get(api, "/api/v1/sessions/{id}/clusters/{index}", h.GetCluster, tags)

	tags = huma.OperationTags("layers")
	huma.Get(api, "/api/v1/sessions/{id}/layers", h.GetLayers, tags)
	huma.Put(api, "/api/v1/sessions/{id}/layers/{name}", h.PutLayer, tags)
	huma.Post(api, "/api/v1/sessions/{id}/layers/{name}/toggle", h.ToggleLayer, tags)
	huma.Post(api, "/api/v1/sessions/{id}/layers/{name}/ready", h.MarkLayerReady, tags, status(http.StatusNoContent))
	huma.Post(api, "/api/v1/sessions/{id}/layers/reset", h.ResetLayers, tags)
	huma.Get(api, "/api/v1/sessions/{id}/overlays/{name}", h.GetOverlay, tags)
	huma.Put(api, "/api/v1/sessions/{id}/overlays/{name}", h.PutOverlay, tags)
}

func status(code int) func(*huma.Operation) {
	return func(o *huma.Operation) { o.DefaultStatus = code }
}

func (h *APIHandler) session(id string) (*service.Session, error) {
	if h.deps.Sessions == nil {
		return nil, huma.Error503ServiceUnavailable("sessions not available")
	}
	s, err := h.deps.Sessions.Get(id)
	if err != nil {
		return nil, httpError(err)
	}
	return s, nil
}

func (h *APIHandler) layer(in *LayerInput) (*service.Session, error) {
	s, err := h.session(in.ID)
	if err != nil {
		return nil, err
	}
	if _, ok := s.Registry.Get(in.Name); !ok {
		return nil, httpError(fmt.Errorf("%w: %s", registry.ErrUnknownLayer, in.Name))
	}
	return s, nil
}

func viewOf(s *service.Session) *ViewOutput {
	return &ViewOutput{Body: ViewBody{s.View()}}
}

// Handlers

func (h *APIHandler) CreateSession(ctx context.Context, input *struct{}) (*ViewOutput, error) {
	if h.deps.Sessions == nil {
		return nil, huma.Error503ServiceUnavailable("sessions not available")
	}
	return viewOf(h.deps.Sessions.Create()), nil
}

func (h *APIHandler) ListSessions(ctx context.Context, input *humastar.PageInput) (*SessionsOutput, error) {
	if h.deps.Sessions == nil {
		return &SessionsOutput{Body: humastar.Page([]service.Info{}, *input)}, nil
	}
	return &SessionsOutput{Body: humastar.Page(h.deps.Sessions.List(), *input)}, nil
}

func (h *APIHandler) GetSession(ctx context.Context, input *SessionInput) (*ViewOutput, error) {
	s, err := h.session(input.ID)
	if err != nil {
		return nil, err
	}
	return viewOf(s), nil
}

func (h *APIHandler) DeleteSession(ctx context.Context, input *SessionInput) (*struct{}, error) {
	if h.deps.Sessions == nil {
		return nil, huma.Error503ServiceUnavailable("sessions not available")
	}
	if err := h.deps.Sessions.Delete(input.ID); err != nil {
		return nil, httpError(err)
	}
	return &struct{}{}, nil
}

func (h *APIHandler) PutSelection(ctx context.Context, input *struct {
	SessionInput
	Body catalog.Selection
}) (*ViewOutput, error) {
	s, err := h.session(input.ID)
	if err != nil {
		return nil, err
	}
	if err := s.Select(ctx, input.Body); err != nil {
		return nil, httpError(err)
	}
	return viewOf(s), nil
}

func (h *APIHandler) GetParams(ctx context.Context, input *SessionInput) (*struct{ Body bundles.Params }, error) {
	s, err := h.session(input.ID)
	if err != nil {
		return nil, err
	}
	return &struct{ Body bundles.Params }{Body: s.Params()}, nil
}

func (h *APIHandler) PutParams(ctx context.Context, input *struct {
	SessionInput
	Body ParamsBody
}) (*ViewOutput, error) {
	s, err := h.session(input.ID)
	if err != nil {
		return nil, err
	}
	p := bundles.Params{Health: input.Body.Health, CropThreshold: input.Body.CropThreshold}
	if err := s.SetParams(ctx, p); err != nil {
		return nil, httpError(err)
	}
	return viewOf(s), nil
}

func (h *APIHandler) PutViewport(ctx context.Context, input *struct {
	SessionInput
	Body ViewportBody
}) (*struct{ Body mapview.Viewport }, error) {
	s, err := h.session(input.ID)
	if err != nil {
		return nil, err
	}
	c := input.Body.Center
	if c.Lat() < -90 || c.Lat() > 90 || c.Lon() < -180 || c.Lon() > 180 {
		return nil, huma.Error422UnprocessableEntity(fmt.Sprintf("center %v is not a [lng, lat] pair", c))
	}
	return &struct{ Body mapview.Viewport }{Body: s.SetViewport(c, input.Body.Zoom)}, nil
}

func (h *APIHandler) GetSnapshot(ctx context.Context, input *SessionInput) (*SnapshotOutput, error) {
	s, err := h.session(input.ID)
	if err != nil {
		return nil, err
	}
	img, err := s.Map.Snapshot(ctx)
	if err != nil {
		return nil, httpError(err)
	}
	return &SnapshotOutput{ContentType: "image/jpeg", Body: img}, nil
}

func (h *APIHandler) clusters(input *ClustersInput) ([]mapview.Cluster, *service.Session, error) {
	s, err := h.session(input.ID)
	if err != nil {
		return nil, nil, err
	}
	zoom := input.Zoom
	if zoom == 0 {
		zoom = s.Map.Viewport().Zoom
	}
	return s.Map.Clusters(zoom), s, nil
}

func (h *APIHandler) GetClusters(ctx context.Context, input *ClustersInput) (*struct{ Body []mapview.Cluster }, error) {
	cs, _, err := h.clusters(input)
	if err != nil {
		return nil, err
	}
	if cs == nil {
		cs = []mapview.Cluster{}
	}
	return &struct{ Body []mapview.Cluster }{Body: cs}, nil
}

func (h *APIHandler) GetCluster(ctx context.Context, input *ClusterInput) (*struct{ Body mapview.Cluster }, error) {
	cs, _, err := h.clusters(&input.ClustersInput)
	if err != nil {
		return nil, err
	}
	if input.Index >= len(cs) {
		return nil, huma.Error404NotFound(fmt.Sprintf("no cluster %d", input.Index))
	}
	return &struct{ Body mapview.Cluster }{Body: cs[input.Index]}, nil
}

func (h *APIHandler) GetLayers(ctx context.Context, input *SessionInput) (*LayersOutput, error) {
	s, err := h.session(input.ID)
	if err != nil {
		return nil, err
	}
	return &LayersOutput{Body: s.Registry.Entries()}, nil
}

func (h *APIHandler) PutLayer(ctx context.Context, input *struct {
	LayerInput
	Body ActiveBody
}) (*LayersOutput, error) {
	s, err := h.layer(&input.LayerInput)
	if err != nil {
		return nil, err
	}
	s.Registry.SetActive(input.Name, input.Body.Active)
	return &LayersOutput{Body: s.Registry.Entries()}, nil
}

func (h *APIHandler) ToggleLayer(ctx context.Context, input *LayerInput) (*LayersOutput, error) {
	s, err := h.session(input.ID)
	if err != nil {
		return nil, err
	}
	entries, err := s.Registry.ToggleAndWait(ctx, input.Name)
	if err != nil {
		return nil, httpError(err)
	}
	return &LayersOutput{Body: entries}, nil
}

func (h *APIHandler) MarkLayerReady(ctx context.Context, input *LayerInput) (*struct{}, error) {
	s, err := h.layer(input)
	if err != nil {
		return nil, err
	}
	s.Registry.MarkReady(input.Name)
	return &struct{}{}, nil
}

func (h *APIHandler) ResetLayers(ctx context.Context, input *SessionInput) (*LayersOutput, error) {
	s, err := h.session(input.ID)
	if err != nil {
		return nil, err
	}
	entries, err := s.Registry.ResetAllAndWait(ctx)
	if err != nil {
		return nil, httpError(err)
	}
	return &LayersOutput{Body: entries}, nil
}

func (h *APIHandler) GetOverlay(ctx context.Context, input *LayerInput) (*struct{ Body mapview.Overlay }, error) {
	s, err := h.session(input.ID)
	if err != nil {
		return nil, err
	}
	o, ok := s.Map.Overlay(input.Name)
	if !ok {
		return nil, httpError(fmt.Errorf("%w: %s", mapview.ErrUnknownOverlay, input.Name))
	}
	return &struct{ Body mapview.Overlay }{Body: o}, nil
}

func (h *APIHandler) PutOverlay(ctx context.Context, input *struct {
	LayerInput
	Body PresentBody
}) (*ViewOutput, error) {
	s, err := h.session(input.ID)
	if err != nil {
		return nil, err
	}
	if err := s.SetOverlay(input.Name, input.Body.Present); err != nil {
		return nil, httpError(err)
	}
	return viewOf(s), nil
}
