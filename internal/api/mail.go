package api

import (
	"context"
	"fmt"

	"github.com/danielgtaylor/huma/v2"
	"github.com/goccy/go-json"
	"github.com/paulmach/orb/geojson"
)

type FeatureEmailBody struct {
	To      string         `json:"to" format:"email" doc:"Recipient address"`
	Subject string         `json:"subject" minLength:"1" doc:"Subject, prefixed with the deployment tag"`
	Feature map[string]any `json:"feature" doc:"GeoJSON Feature"`
}

type FeaturesEmailBody struct {
	To       string           `json:"to" format:"email" doc:"Recipient address"`
	Subject  string           `json:"subject" minLength:"1"`
	Features []map[string]any `json:"features" minItems:"1" doc:"GeoJSON Features; only polygons are listed"`
}

type SentBody struct {
	Message   string `json:"message"`
	Locations int    `json:"locations" doc:"Locations listed in the email"`
}

// RegisterMail registers the feature email routes.
func (h *APIHandler) RegisterMail(api huma.API) {
	huma.Post(api, "/api/v1/email/feature", h.EmailFeature, huma.OperationTags("email"))
	huma.Post(api, "/api/v1/email/features", h.EmailFeatures, huma.OperationTags("email"))
}

// toFeature re-reads a decoded JSON object as a GeoJSON feature.
func toFeature(raw map[string]any) (*geojson.Feature, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	f, err := geojson.UnmarshalFeature(data)
	if err != nil {
		return nil, huma.Error422UnprocessableEntity("feature is not valid GeoJSON: " + err.Error())
	}
	return f, nil
}

func (h *APIHandler) EmailFeature(ctx context.Context, input *struct{ Body FeatureEmailBody }) (*struct{ Body SentBody }, error) {
	if h.deps.Mailer == nil {
		return nil, huma.Error503ServiceUnavailable("email not configured")
	}
	f, err := toFeature(input.Body.Feature)
	if err != nil {
		return nil, err
	}
	if err := h.deps.Mailer.SendFeature(ctx, input.Body.To, input.Body.Subject, f); err != nil {
		return nil, httpError(err)
	}
	return &struct{ Body SentBody }{Body: SentBody{Message: "Email sent", Locations: 1}}, nil
}

func (h *APIHandler) EmailFeatures(ctx context.Context, input *struct{ Body FeaturesEmailBody }) (*struct{ Body SentBody }, error) {
	if h.deps.Mailer == nil {
		return nil, huma.Error503ServiceUnavailable("email not configured")
	}
	fs := make([]*geojson.Feature, 0, len(input.Body.Features))
	for i, raw := range input.Body.Features {
		f, err := toFeature(raw)
		if err != nil {
			return nil, huma.Error422UnprocessableEntity(fmt.Sprintf("features[%d]: %v", i, err))
		}
		fs = append(fs, f)
	}
	n, err := h.deps.Mailer.SendFeatures(ctx, input.Body.To, input.Body.Subject, fs)
	if err != nil {
		return nil, httpError(err)
	}
	return &struct{ Body SentBody }{Body: SentBody{Message: "Email sent", Locations: n}}, nil
}
