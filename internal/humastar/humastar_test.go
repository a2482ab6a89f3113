package humastar

import (
	"context"
	"net/http"
	"slices"
	"testing"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/humatest"
)

func TestPage(t *testing.T) {
	all := []int{1, 2, 3, 4, 5}
	p := Page(all, PageInput{Offset: 2, Limit: 2})
	if p.Total != 5 || p.Offset != 2 || !slices.Equal(p.Data, []int{3, 4}) {
		t.Errorf("page = %+v", p)
	}
	p = Page(all, PageInput{Offset: 9, Limit: 2})
	if p.Offset != 5 || p.Data == nil || len(p.Data) != 0 {
		t.Errorf("past the end = %+v", p)
	}
	if p := Page([]int(nil), PageInput{}); p.Limit != 50 || p.Data == nil {
		t.Errorf("empty = %+v", p)
	}
}

func TestPaginationLinks(t *testing.T) {
	p := PageBody[int]{Total: 25, Offset: 10, Limit: 10}
	got := p.PaginationLinks("/api/v1/reports")
	want := []string{
		`</api/v1/reports?offset=0&limit=10>; rel="first"`,
		`</api/v1/reports?offset=0&limit=10>; rel="prev"`,
		`</api/v1/reports?offset=20&limit=10>; rel="next"`,
		`</api/v1/reports?offset=20&limit=10>; rel="last"`,
	}
	if !slices.Equal(got, want) {
		t.Errorf("links =\n%v\nwant\n%v", got, want)
	}
	if got := (PageBody[int]{Total: 0, Limit: 10}).PaginationLinks("/x"); len(got) != 2 {
		t.Errorf("empty page links = %v", got)
	}
}

func TestActionsFor(t *testing.T) {
	actions := ActionsFor("abc",
		ActionDef{Rel: "report", Pattern: "/api/v1/sessions/%s/report", Method: http.MethodPost, Title: "Generate PDF report"},
		ActionDef{Rel: "events", Pattern: "/api/v1/sessions/%s/events"},
	)
	if len(actions) != 2 {
		t.Fatalf("actions = %+v", actions)
	}
	if got := actions[0].LinkHeader(); got != `</api/v1/sessions/abc/report>; rel="report"; method="POST"; title="Generate PDF report"` {
		t.Errorf("link = %s", got)
	}
	if got := actions[1].LinkHeader(); got != `</api/v1/sessions/abc/events>; rel="events"` {
		t.Errorf("link = %s", got)
	}
}

func TestSignals(t *testing.T) {
	s, err := ParseSignals([]byte(`{"bundleId":"vines","zoom":14,"lat":40.5,"toggle":""}`))
	if err != nil {
		t.Fatal(err)
	}
	if s.String("bundleId") != "vines" || s.Int("zoom") != 14 || s.Float("lat") != 40.5 {
		t.Errorf("signals = %v", s)
	}
	if !s.Has("toggle") || s.Has("lng") || s.String("zoom") != "" {
		t.Errorf("has/type checks failed: %v", s)
	}
	in := SignalsInput{RawBody: []byte("{")}
	if _, err := in.Parse(); err == nil {
		t.Error("invalid body accepted")
	}
}

type widget struct {
	ID string `json:"id"`
}

func (w widget) Actions() []Action {
	return ActionsFor(w.ID, ActionDef{Rel: "delete", Pattern: "/widgets/%s", Method: http.MethodDelete})
}

func TestLinks(t *testing.T) {
	var links *Links
	cfg := huma.DefaultConfig("widgets", "1.0.0")
	cfg.Transformers = append(cfg.Transformers, LinkTransformer(func() *Links { return links }))
	_, api := humatest.New(t, cfg)

	type empty struct{}
	huma.Get(api, "/health", func(ctx context.Context, _ *empty) (*struct{ Body string }, error) {
		return &struct{ Body string }{Body: "ok"}, nil
	})
	huma.Get(api, "/widgets", func(ctx context.Context, in *PageInput) (*struct{ Body PageBody[widget] }, error) {
		return &struct{ Body PageBody[widget] }{Body: Page([]widget{{"a"}, {"b"}}, *in)}, nil
	})
	huma.Post(api, "/widgets", func(ctx context.Context, _ *empty) (*struct{ Body widget }, error) {
		return &struct{ Body widget }{Body: widget{"c"}}, nil
	})
	huma.Get(api, "/widgets/{id}", func(ctx context.Context, in *struct {
		ID string `path:"id"`
	}) (*struct{ Body widget }, error) {
		return &struct{ Body widget }{Body: widget{in.ID}}, nil
	})
	huma.Put(api, "/widgets/{id}", func(ctx context.Context, in *struct {
		ID string `path:"id"`
	}) (*struct{ Body widget }, error) {
		return &struct{ Body widget }{Body: widget{in.ID}}, nil
	})
	huma.Get(api, "/widgets/{id}/events", func(ctx context.Context, _ *struct {
		ID string `path:"id"`
	}) (*struct{ Body string }, error) {
		return &struct{ Body string }{}, nil
	}, huma.OperationTags("events"))
	links = AutoLinks(api, "events")

	if got := links.For(EntryPoint); !slices.Contains(got, `</widgets>; rel="widgets"`) || !slices.Contains(got, `</openapi.json>; rel="service-desc"`) {
		t.Errorf("entry links = %v", got)
	}
	item := links.For("/widgets/{id}")
	for _, want := range []string{`</widgets>; rel="collection"`, `</widgets>; rel="up"`, `</widgets/{id}>; rel="edit"`} {
		if !slices.Contains(item, want) {
			t.Errorf("item links lack %s: %v", want, item)
		}
	}
	if got := links.For("/widgets/{id}/events"); got != nil {
		t.Errorf("skipped path has links: %v", got)
	}

	resp := api.Get("/widgets/a")
	header := resp.Header().Values("Link")
	for _, want := range []string{`</widgets/a>; rel="self"`, `</widgets/a>; rel="delete"; method="DELETE"`} {
		if !slices.Contains(header, want) {
			t.Errorf("Link header lacks %s: %v", want, header)
		}
	}

	resp = api.Get("/widgets?limit=1")
	if header := resp.Header().Values("Link"); !slices.Contains(header, `</widgets?offset=1&limit=1>; rel="next"`) {
		t.Errorf("pagination links = %v", header)
	}
}

func TestLinksNil(t *testing.T) {
	var l *Links
	if l.For("/x") != nil {
		t.Error("nil links returned values")
	}
}
