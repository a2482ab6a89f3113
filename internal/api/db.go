package api

import (
	"context"
	"database/sql"
	"strings"

	"github.com/danielgtaylor/huma/v2"
)

// readOnly lists the statement keywords the query endpoint accepts.
var readOnly = []string{"SELECT", "WITH", "SHOW", "DESCRIBE", "SUMMARIZE", "EXPLAIN"}

type TablesBody struct {
	Tables []string `json:"tables" doc:"List of table names"`
}

type QueryInput struct {
	Body struct {
		Query string `json:"query" minLength:"1" doc:"Read-only SQL query" example:"SELECT bundle, count(*) FROM report_history GROUP BY bundle"`
	}
}

type QueryBody struct {
	Columns []string         `json:"columns" doc:"Column names"`
	Rows    []map[string]any `json:"rows" doc:"Query results"`
	Count   int              `json:"count" doc:"Number of rows returned"`
}

// RegisterDatabase registers the DuckDB inspection routes.
func (h *APIHandler) RegisterDatabase(api huma.API) {
	huma.Get(api, "/api/v1/tables", h.ListTables, huma.OperationTags("database"))
	huma.Post(api, "/api/v1/query", h.Query, huma.OperationTags("database"))
}

// ListTables returns all DuckDB tables.
func (h *APIHandler) ListTables(ctx context.Context, input *struct{}) (*struct{ Body TablesBody }, error) {
	if h.deps.DB == nil {
		return nil, huma.Error503ServiceUnavailable("Database not available")
	}
	rows, err := h.deps.DB.QueryContext(ctx, "SHOW TABLES")
	if err != nil {
		return nil, huma.Error500InternalServerError("Failed to list tables", err)
	}
	defer rows.Close()

	tables := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err == nil {
			tables = append(tables, name)
		}
	}
	return &struct{ Body TablesBody }{Body: TablesBody{Tables: tables}}, nil
}

// Query runs a read-only statement against DuckDB.
func (h *APIHandler) Query(ctx context.Context, input *QueryInput) (*struct{ Body QueryBody }, error) {
	if h.deps.DB == nil {
		return nil, huma.Error503ServiceUnavailable("Database not available")
	}
	q := strings.TrimSpace(input.Body.Query)
	if !isReadOnly(q) {
		return nil, huma.Error400BadRequest("Only read-only statements are allowed")
	}
	rows, err := h.deps.DB.QueryContext(ctx, q)
	if err != nil {
		return nil, huma.Error400BadRequest("Query failed: " + err.Error())
	}
	defer rows.Close()

	body, err := scanRows(rows)
	if err != nil {
		return nil, huma.Error500InternalServerError("Failed to read rows", err)
	}
	return &struct{ Body QueryBody }{Body: body}, nil
}

func isReadOnly(q string) bool {
	fields := strings.Fields(q)
	if len(fields) == 0 || strings.Contains(strings.TrimSuffix(q, ";"), ";") {
		return false
	}
	for _, kw := range readOnly {
		if strings.EqualFold(fields[0], kw) {
			return true
		}
	}
	return false
}

func scanRows(rows *sql.Rows) (QueryBody, error) {
	columns, err := rows.Columns()
	if err != nil {
		return QueryBody{}, err
	}
	out := QueryBody{Columns: columns, Rows: []map[string]any{}}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return QueryBody{}, err
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		out.Rows = append(out.Rows, row)
	}
	out.Count = len(out.Rows)
	return out, rows.Err()
}
