// Package api defines the Huma API routes and handlers.
package api

import (
	"context"
	"database/sql"
	"errors"

	"github.com/danielgtaylor/huma/v2"
	"github.com/sony/gobreaker/v2"

	"github.com/joeblew999/plat-dashboard/internal/bundles"
	"github.com/joeblew999/plat-dashboard/internal/catalog"
	"github.com/joeblew999/plat-dashboard/internal/cog"
	"github.com/joeblew999/plat-dashboard/internal/config"
	"github.com/joeblew999/plat-dashboard/internal/db"
	"github.com/joeblew999/plat-dashboard/internal/livestock"
	"github.com/joeblew999/plat-dashboard/internal/mail"
	"github.com/joeblew999/plat-dashboard/internal/mapview"
	"github.com/joeblew999/plat-dashboard/internal/registry"
	"github.com/joeblew999/plat-dashboard/internal/report"
	"github.com/joeblew999/plat-dashboard/internal/service"
	"github.com/joeblew999/plat-dashboard/internal/upstream"
)

// Version is reported by /health and /api/v1/info.
const Version = "1.0.0"

// Lister returns the names of the stored bundle files.
type Lister interface {
	ListBundles(ctx context.Context) ([]string, error)
}

// Describer turns a raster reference into a tile descriptor.
type Describer interface {
	Describe(ctx context.Context, rasterURL string, req cog.Request) (*cog.TileDescriptor, error)
}

// Deps holds the dependencies of the API handlers. Optional parts may be
// nil; their routes then answer 503.
type Deps struct {
	Settings  *config.Settings
	Sessions  *service.Store
	Reports   *report.Generator
	History   *db.History
	DB        *sql.DB
	Bundles   Lister
	COG       Describer
	Livestock *livestock.Source
	Mailer    *mail.Mailer
}

// APIHandler holds all REST API handlers. Methods named Register* are
// auto-discovered by huma.AutoRegister.
type APIHandler struct {
	deps Deps
}

func NewAPIHandler(deps Deps) *APIHandler {
	if deps.Settings == nil {
		deps.Settings = config.Defaults()
	}
	return &APIHandler{deps: deps}
}

// Types

type MessageBody struct {
	Message string `json:"message" doc:"Result message"`
}

type HealthBody struct {
	Status   string `json:"status" doc:"Health status" example:"ok"`
	Version  string `json:"version" doc:"API version" example:"1.0.0"`
	Sessions int    `json:"sessions" doc:"Open sessions"`
}

type BundleBody struct {
	catalog.Bundle
	RequiresVariant bool `json:"requiresVariant" doc:"A dataset variant must be picked before data loads"`
}

type CatalogBody struct {
	Bundles  []BundleBody      `json:"bundles"`
	Variants []catalog.Variant `json:"variants"`
}

// RegisterHealth registers health check routes.
func (h *APIHandler) RegisterHealth(api huma.API) {
	huma.Get(api, "/health", h.GetHealth, huma.OperationTags("health"))
}

// RegisterCatalog registers bundle catalog routes.
func (h *APIHandler) RegisterCatalog(api huma.API) {
	huma.Get(api, "/api/v1/bundles", h.GetBundles, huma.OperationTags("bundles"))
	huma.Get(api, "/api/v1/bundles/listing", h.GetListing, huma.OperationTags("bundles"))
}

// Handlers

func (h *APIHandler) GetHealth(ctx context.Context, input *struct{}) (*struct{ Body HealthBody }, error) {
	n := 0
	if h.deps.Sessions != nil {
		n = len(h.deps.Sessions.List())
	}
	return &struct{ Body HealthBody }{Body: HealthBody{Status: "ok", Version: Version, Sessions: n}}, nil
}

func (h *APIHandler) GetBundles(ctx context.Context, input *struct{}) (*struct{ Body CatalogBody }, error) {
	out := CatalogBody{Variants: catalog.Variants()}
	for _, b := range catalog.All() {
		body := BundleBody{Bundle: b}
		if m, err := bundles.Lookup(b.ID); err == nil {
			body.RequiresVariant = m.RequiresVariant()
		}
		out.Bundles = append(out.Bundles, body)
	}
	return &struct{ Body CatalogBody }{Body: out}, nil
}

func (h *APIHandler) GetListing(ctx context.Context, input *struct{}) (*struct{ Body []string }, error) {
	if h.deps.Bundles == nil {
		return nil, huma.Error503ServiceUnavailable("bundle storage not configured")
	}
	names, err := h.deps.Bundles.ListBundles(ctx)
	if err != nil {
		return nil, httpError(err)
	}
	if names == nil {
		names = []string{}
	}
	return &struct{ Body []string }{Body: names}, nil
}

// httpError maps domain errors onto Huma status errors.
func httpError(err error) error {
	var se *upstream.StatusError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, service.ErrSessionNotFound),
		errors.Is(err, registry.ErrUnknownLayer),
		errors.Is(err, mapview.ErrUnknownOverlay),
		errors.Is(err, report.ErrNoData),
		errors.Is(err, report.ErrNoTemplate):
		return huma.Error404NotFound(err.Error())
	case errors.Is(err, report.ErrBusy),
		errors.Is(err, service.ErrNothingSelected):
		return huma.Error409Conflict(err.Error())
	case errors.Is(err, service.ErrInvalidSelection),
		errors.Is(err, service.ErrInvalidParams),
		errors.Is(err, mail.ErrNoRecipient),
		errors.Is(err, mail.ErrNoGeometry):
		return huma.Error422UnprocessableEntity(err.Error())
	case errors.Is(err, mail.ErrNotConfigured),
		errors.Is(err, gobreaker.ErrOpenState),
		errors.Is(err, gobreaker.ErrTooManyRequests):
		return huma.Error503ServiceUnavailable(err.Error())
	case errors.As(err, &se):
		return huma.Error502BadGateway(err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return huma.Error504GatewayTimeout(err.Error())
	default:
		return huma.Error500InternalServerError(err.Error())
	}
}
