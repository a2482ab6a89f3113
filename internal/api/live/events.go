// Package live streams session changes to the Datastar UI and applies the
// signals it posts back.
package live

import (
	"context"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/paulmach/orb"
	"github.com/rs/zerolog"

	"github.com/joeblew999/plat-dashboard/internal/catalog"
	"github.com/joeblew999/plat-dashboard/internal/humastar"
	"github.com/joeblew999/plat-dashboard/internal/logging"
	"github.com/joeblew999/plat-dashboard/internal/service"
)

// KeepAlive is how often an idle stream sends a heartbeat signal.
const KeepAlive = 25 * time.Second

// Handler serves the Datastar routes of a session.
type Handler struct {
	sessions *service.Store
	log      zerolog.Logger
}

func NewHandler(sessions *service.Store) *Handler {
	return &Handler{sessions: sessions, log: logging.Component("live")}
}

type SessionInput struct {
	ID string `path:"id" doc:"Session ID"`
}

type SignalsInput struct {
	SessionInput
	humastar.SignalsInput
}

// RegisterEvents registers the SSE routes. They are tagged "events" so
// hypermedia link generation skips them.
func (h *Handler) RegisterEvents(api huma.API) {
	huma.Get(api, "/api/v1/sessions/{id}/events", h.Events, huma.OperationTags("events"))
	huma.Post(api, "/api/v1/sessions/{id}/signals", h.Signals, huma.OperationTags("events"))
}

// signals is the view of s the UI binds to.
func signals(s *service.Session) map[string]any {
	v := s.View()
	out := map[string]any{
		"sessionId":       v.SessionID,
		"bundleId":        string(v.Selection.Bundle),
		"datasetVariant":  string(v.Selection.Variant),
		"state":           string(v.State),
		"awaitingVariant": v.AwaitingVariant,
		"layers":          v.Layers,
		"zoom":            v.Viewport.Zoom,
		"lat":             v.Viewport.Center.Lat(),
		"lng":             v.Viewport.Center.Lon(),
		"error":           "",
	}
	if v.Coordinates != nil {
		out["upperLeft"] = v.Coordinates.UpperLeft
		out["lowerRight"] = v.Coordinates.LowerRight
	}
	return out
}

// Events streams the session state: once on connect, then after every
// change until the client leaves or the session is deleted.
func (h *Handler) Events(ctx context.Context, input *SessionInput) (*huma.StreamResponse, error) {
	s, err := h.sessions.Get(input.ID)
	if err != nil {
		return nil, huma.Error404NotFound(err.Error())
	}
	return humastar.Stream(func(sse humastar.SSE) {
		ch := s.Bus.Subscribe()
		defer s.Bus.Unsubscribe(ch)
		global := service.DefaultBus.Subscribe()
		defer service.DefaultBus.Unsubscribe(global)

		if err := sse.Signals(signals(s)); err != nil {
			return
		}
		tick := time.NewTicker(KeepAlive)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				if err := sse.Signals(map[string]any{"heartbeat": time.Now().Unix()}); err != nil {
					return
				}
			case ev := <-global:
				if ev.Resource == "sessions" && ev.Action == "deleted" && ev.ID == s.ID {
					_ = sse.Error("session closed")
					return
				}
			case ev, ok := <-ch:
				if !ok {
					return
				}
				var err error
				if ev.Resource == "report" {
					err = sse.Signals(map[string]any{"reportProgress": ev.Detail})
				} else {
					err = sse.Signals(signals(s))
				}
				if err == nil {
					err = sse.Event("session-changed", map[string]any{
						"resource": ev.Resource,
						"action":   ev.Action,
						"id":       ev.ID,
					})
				}
				if err != nil {
					h.log.Debug().Err(err).Str("session", s.ID).Msg("stream closed")
					return
				}
			}
		}
	}), nil
}

// Signals applies what the UI posted: a bundle or dataset pick, a layer
// toggle or a map move. It answers with the resulting state.
func (h *Handler) Signals(ctx context.Context, input *SignalsInput) (*huma.StreamResponse, error) {
	s, err := h.sessions.Get(input.ID)
	if err != nil {
		return nil, huma.Error404NotFound(err.Error())
	}
	sig, err := input.Parse()
	if err != nil {
		return nil, err
	}
	applyErr := apply(ctx, s, sig)
	return humastar.Stream(func(sse humastar.SSE) {
		if applyErr != nil {
			_ = sse.Error(applyErr.Error())
			return
		}
		_ = sse.Signals(signals(s))
	}), nil
}

func apply(ctx context.Context, s *service.Session, sig humastar.Signals) error {
	if sig.Has("bundleId") || sig.Has("datasetVariant") {
		sel := s.Selection()
		if b := sig.String("bundleId"); b != "" {
			sel.Bundle = catalog.BundleID(b)
		}
		if sig.Has("datasetVariant") {
			sel.Variant = catalog.Variant(sig.String("datasetVariant"))
		}
		if sel != s.Selection() {
			if err := s.Select(ctx, sel); err != nil {
				return err
			}
		}
	}
	if name := sig.String("toggle"); name != "" {
		if _, err := s.Registry.ToggleAndWait(ctx, name); err != nil {
			return err
		}
	}
	if sig.Has("zoom") {
		v := s.Map.Viewport()
		center := v.Center
		if sig.Has("lat") && sig.Has("lng") {
			center = orb.Point{sig.Float("lng"), sig.Float("lat")}
		}
		s.SetViewport(center, sig.Int("zoom"))
	}
	return nil
}
