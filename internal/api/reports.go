package api

import (
	"context"
	"fmt"

	"github.com/danielgtaylor/huma/v2"

	"github.com/joeblew999/plat-dashboard/internal/db"
	"github.com/joeblew999/plat-dashboard/internal/humastar"
)

type ReportOutput struct {
	ContentType        string `header:"Content-Type"`
	ContentDisposition string `header:"Content-Disposition"`
	ReportID           string `header:"X-Report-Id"`
	Body               []byte
}

type HistoryInput struct {
	humastar.PageInput
	Bundle string `query:"bundle" doc:"Only reports of this bundle"`
}

type HistoryOutput struct {
	Body humastar.PageBody[db.ReportRecord]
}

// RegisterReports registers report generation and history routes.
func (h *APIHandler) RegisterReports(api huma.API) {
	huma.Post(api, "/api/v1/sessions/{id}/report", h.CreateReport,
		huma.OperationTags("download", "reports"),
		func(o *huma.Operation) {
			o.Summary = "Generate the PDF report of what the session shows"
		},
	)
	huma.Get(api, "/api/v1/reports", h.ListReports, huma.OperationTags("reports"))
}

func (h *APIHandler) CreateReport(ctx context.Context, input *SessionInput) (*ReportOutput, error) {
	if h.deps.Reports == nil {
		return nil, huma.Error503ServiceUnavailable("reports not available")
	}
	s, err := h.session(input.ID)
	if err != nil {
		return nil, err
	}
	res, err := h.deps.Reports.Generate(ctx, s)
	if err != nil {
		return nil, httpError(err)
	}
	return &ReportOutput{
		ContentType:        "application/pdf",
		ContentDisposition: fmt.Sprintf("attachment; filename=%q", res.FileName),
		ReportID:           res.ID,
		Body:               res.PDF,
	}, nil
}

func (h *APIHandler) ListReports(ctx context.Context, input *HistoryInput) (*HistoryOutput, error) {
	if h.deps.History == nil {
		return nil, huma.Error503ServiceUnavailable("Database not available")
	}
	// History has no offset; read through the requested page.
	records, err := h.deps.History.List(ctx, input.Bundle, input.Offset+input.Limit)
	if err != nil {
		return nil, huma.Error500InternalServerError("Failed to list reports", err)
	}
	page := humastar.Page(records, input.PageInput)
	page.Total = max(page.Total, page.Offset+len(page.Data))
	return &HistoryOutput{Body: page}, nil
}
