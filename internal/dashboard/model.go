package dashboard

import (
	"time"

	"github.com/zulandar/datamind/internal/models"
)

// Widget types.
const (
	TypeChart = "chart"
	TypeTable = "table"
	TypeKPI   = "kpi"
	TypeText  = "text"
)

// Position is a widget's place on the grid, in grid units.
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Widget is one tile of a dashboard. A failed refresh sets LastError and
// keeps Result, so the last good data stays on screen.
type Widget struct {
	ID                     string              `json:"id"`
	Title                  string              `json:"title"`
	WidgetType             string              `json:"widget_type"`
	ChartConfig            *models.ChartConfig `json:"chart_config,omitempty"`
	Position               Position            `json:"position"`
	DataSourceID           string              `json:"data_source_id,omitempty"`
	Query                  string              `json:"query,omitempty"`
	RefreshIntervalSeconds int                 `json:"refresh_interval_seconds,omitempty"`
	Result                 *models.QueryResult `json:"result_preview,omitempty"`
	LastError              string              `json:"last_error,omitempty"`
	LastRefreshedAt        *time.Time          `json:"last_refreshed_at,omitempty"`
}

// RefreshInterval is the auto-refresh period; zero means manual only.
func (w Widget) RefreshInterval() time.Duration {
	if w.RefreshIntervalSeconds <= 0 {
		return 0
	}
	return time.Duration(w.RefreshIntervalSeconds) * time.Second
}

// LayoutItem is one entry of a dashboard's persisted layout.
type LayoutItem struct {
	WidgetID string   `json:"widget_id"`
	Position Position `json:"position"`
}

// Dashboard is a dashboard with its widgets.
type Dashboard struct {
	ID           string       `json:"id"`
	Title        string       `json:"title"`
	Description  string       `json:"description,omitempty"`
	IsShared     bool         `json:"is_shared"`
	LayoutConfig []LayoutItem `json:"layout_config"`
	Widgets      []Widget     `json:"widgets"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    *time.Time   `json:"updated_at,omitempty"`
}

// Summary is a dashboard as listed, without widgets.
type Summary struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	IsShared    bool      `json:"is_shared"`
	WidgetCount int       `json:"widget_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// Layout returns the current layout of widgets, in widget order.
func Layout(widgets []Widget) []LayoutItem {
	out := make([]LayoutItem, 0, len(widgets))
	for _, w := range widgets {
		out = append(out, LayoutItem{WidgetID: w.ID, Position: w.Position})
	}
	return out
}
