package api

import (
	"context"

	"github.com/danielgtaylor/huma/v2"
)

type InfoBody struct {
	Name     string            `json:"name" doc:"Service name"`
	Version  string            `json:"version" doc:"Service version"`
	DB       bool              `json:"db" doc:"Whether report history is stored"`
	Upstream map[string]string `json:"upstream" doc:"Configured backend base URLs"`
	Features []string          `json:"features" doc:"Available features"`
}

// RegisterInfo registers the service description route.
func (h *APIHandler) RegisterInfo(api huma.API) {
	huma.Get(api, "/api/v1/info", h.GetInfo, huma.OperationTags("health"))
}

func (h *APIHandler) GetInfo(ctx context.Context, input *struct{}) (*struct{ Body InfoBody }, error) {
	u := h.deps.Settings.Upstream
	features := []string{"sessions", "reports"}
	if h.deps.COG != nil {
		features = append(features, "tiles")
	}
	if h.deps.Livestock != nil {
		features = append(features, "livestock")
	}
	if h.deps.Mailer != nil {
		features = append(features, "email")
	}
	if h.deps.Settings.Assistant.URL != "" {
		features = append(features, "assistant")
	}
	if h.deps.DB != nil {
		features = append(features, "duckdb")
	}
	return &struct{ Body InfoBody }{Body: InfoBody{
		Name:    "plat-dashboard",
		Version: Version,
		DB:      h.deps.DB != nil,
		Upstream: map[string]string{
			"dip":       u.DIPURL,
			"cog":       u.COGURL,
			"livestock": u.LivestockURL,
			"api":       u.APIURL,
		},
		Features: features,
	}}, nil
}
