package models

// QueryResult is a bounded sample of a query's rows. RowCount is the number
// of rows in the sample; the full count travels separately.
type QueryResult struct {
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	RowCount  int      `json:"row_count"`
	Truncated bool     `json:"truncated,omitempty"`
}

// ChartConfig describes how a result should be drawn. Rendering is left to
// the presentation layer; the client only carries it.
type ChartConfig struct {
	ChartType        string   `json:"chart_type"` // bar, horizontal_bar, line, area, pie, scatter, kpi, table
	Title            string   `json:"title"`
	XColumn          string   `json:"x_column,omitempty"`
	YColumn          string   `json:"y_column,omitempty"`
	ColorColumn      string   `json:"color_column,omitempty"`
	ValueColumn      string   `json:"value_column,omitempty"`
	SortBy           string   `json:"sort_by,omitempty"`
	SortOrder        string   `json:"sort_order,omitempty"`
	Format           string   `json:"format,omitempty"`
	HighlightColumns []string `json:"highlight_columns,omitempty"`
}
