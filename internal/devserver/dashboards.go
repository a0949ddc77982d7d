package devserver

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/zulandar/datamind/internal/chat"
	"github.com/zulandar/datamind/internal/dashboard"
	"github.com/zulandar/datamind/internal/models"
)

// Widgets whose query contains this marker fail on refresh.
const failingQuery = "FAIL"

type dashboardRecord struct {
	d        dashboard.Dashboard
	refreshN int
}

func (r *dashboardRecord) widget(id string) *dashboard.Widget {
	for i := range r.d.Widgets {
		if r.d.Widgets[i].ID == id {
			return &r.d.Widgets[i]
		}
	}
	return nil
}

// seed installs the demo dashboards and alert events.
func (s *Server) seed() {
	now := time.Now().UTC()
	sales := dashboard.Dashboard{
		ID:          uuid.NewString(),
		Title:       "Sales overview",
		Description: "Revenue and pipeline at a glance",
		CreatedAt:   now,
		Widgets: []dashboard.Widget{
			{
				ID: uuid.NewString(), Title: "Revenue today", WidgetType: dashboard.TypeKPI,
				Position: dashboard.Position{X: 0, Y: 0, W: 4, H: 2}, DataSourceID: "ds-warehouse",
				Query:                  "SELECT SUM(amount) AS revenue FROM sales WHERE day = CURRENT_DATE",
				RefreshIntervalSeconds: 30,
			},
			{
				ID: uuid.NewString(), Title: "Revenue by region", WidgetType: dashboard.TypeChart,
				ChartConfig: &models.ChartConfig{ChartType: "bar", Title: "Revenue by region", XColumn: "region", YColumn: "revenue"},
				Position:    dashboard.Position{X: 4, Y: 0, W: 8, H: 4}, DataSourceID: "ds-warehouse",
				Query:                  "SELECT region, SUM(amount) AS revenue FROM sales GROUP BY region",
				RefreshIntervalSeconds: 300,
			},
			{
				ID: uuid.NewString(), Title: "Open deals", WidgetType: dashboard.TypeTable,
				Position: dashboard.Position{X: 0, Y: 2, W: 4, H: 4}, DataSourceID: "ds-crm",
				Query: "SELECT name, stage, amount FROM deals WHERE closed = false",
			},
		},
	}
	ops := dashboard.Dashboard{
		ID:        uuid.NewString(),
		Title:     "Data freshness",
		CreatedAt: now,
		Widgets: []dashboard.Widget{
			{
				ID: uuid.NewString(), Title: "Stale tables", WidgetType: dashboard.TypeTable,
				Position: dashboard.Position{X: 0, Y: 0, W: 12, H: 3}, DataSourceID: "ds-warehouse",
				Query: "SELECT table_name FROM freshness WHERE lag_hours > 24 -- " + failingQuery,
			},
		},
	}
	for _, d := range []dashboard.Dashboard{sales, ops} {
		d.LayoutConfig = dashboard.Layout(d.Widgets)
		s.dashboards[d.ID] = &dashboardRecord{d: d}
		s.dashOrder = append(s.dashOrder, d.ID)
	}

	v := 18.0
	signups := newEvent("Daily signups", "Signups dropped below 20", &v, now.Add(-2*time.Hour))
	load := newEvent("Warehouse load", "Nightly load finished late", nil, now.Add(-30*time.Minute))
	s.events = append(s.events, &signups, &load)

	synced := now.Add(-6 * time.Hour)
	s.sources = []chat.DataSource{
		{ID: "ds-warehouse", Name: "Warehouse", Type: "postgresql", Host: "warehouse.internal", Port: 5432, DatabaseName: "analytics", IsActive: true, LastSyncedAt: &synced},
		{ID: "ds-crm", Name: "CRM", Type: "mysql", Host: "crm.internal", Port: 3306, DatabaseName: "crm", IsActive: true},
	}
}

// lookup returns the dashboard record; callers hold s.mu.
func (s *Server) lookup(c *gin.Context) *dashboardRecord {
	rec, ok := s.dashboards[c.Param("id")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Dashboard not found"})
		return nil
	}
	return rec
}

func (s *Server) handleDashboardList(c *gin.Context) {
	s.mu.Lock()
	out := make([]dashboard.Summary, 0, len(s.dashOrder))
	for _, id := range s.dashOrder {
		d := s.dashboards[id].d
		out = append(out, dashboard.Summary{
			ID:          d.ID,
			Title:       d.Title,
			Description: d.Description,
			IsShared:    d.IsShared,
			WidgetCount: len(d.Widgets),
			CreatedAt:   d.CreatedAt,
		})
	}
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"dashboards": out})
}

func (s *Server) handleDashboardGet(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec := s.lookup(c); rec != nil {
		c.JSON(http.StatusOK, rec.d)
	}
}

// handleDashboardPatch applies a partial update: is_shared and/or
// layout_config.
func (s *Server) handleDashboardPatch(c *gin.Context) {
	var body struct {
		IsShared     *bool                  `json:"is_shared"`
		LayoutConfig []dashboard.LayoutItem `json:"layout_config"`
		Title        *string                `json:"title"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.lookup(c)
	if rec == nil {
		return
	}
	if body.IsShared != nil {
		rec.d.IsShared = *body.IsShared
		s.counts["share"]++
	}
	if body.LayoutConfig != nil {
		rec.d.LayoutConfig = body.LayoutConfig
		s.counts["layout_save"]++
	}
	if body.Title != nil {
		rec.d.Title = *body.Title
	}
	now := time.Now().UTC()
	rec.d.UpdatedAt = &now
	c.JSON(http.StatusOK, rec.d)
}

func (s *Server) handleWidgetPatch(c *gin.Context) {
	var body struct {
		Position               *dashboard.Position `json:"position"`
		RefreshIntervalSeconds *int                `json:"refresh_interval_seconds"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.lookup(c)
	if rec == nil {
		return
	}
	w := rec.widget(c.Param("wid"))
	if w == nil {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Widget not found"})
		return
	}
	if body.Position != nil {
		w.Position = *body.Position
		s.counts["position_save"]++
	}
	if body.RefreshIntervalSeconds != nil {
		w.RefreshIntervalSeconds = *body.RefreshIntervalSeconds
	}
	c.JSON(http.StatusOK, w)
}

// handleWidgetRefresh re-runs a widget query. A failing query answers 200
// with last_error set and the previous result left in place.
func (s *Server) handleWidgetRefresh(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.lookup(c)
	if rec == nil {
		return
	}
	w := rec.widget(c.Param("wid"))
	if w == nil {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Widget not found"})
		return
	}
	s.counts["widget_refresh"]++
	rec.refreshN++

	if strings.Contains(w.Query, failingQuery) {
		w.LastError = "relation \"freshness\" does not exist"
		c.JSON(http.StatusOK, w)
		return
	}
	now := time.Now().UTC()
	w.Result = sampleResult(w.WidgetType, rec.refreshN)
	w.LastError = ""
	w.LastRefreshedAt = &now
	c.JSON(http.StatusOK, w)
}

// sampleResult varies with n so successive refreshes are distinguishable.
func sampleResult(widgetType string, n int) *models.QueryResult {
	if widgetType == dashboard.TypeKPI {
		return &models.QueryResult{
			Columns:  []string{"revenue"},
			Rows:     [][]any{{40000 + 125*n}},
			RowCount: 1,
		}
	}
	return &models.QueryResult{
		Columns: []string{"label", "value"},
		Rows: [][]any{
			{"EMEA", 1200000 + n},
			{"NA", 950000 + n},
			{"APAC", 610000 + n},
		},
		RowCount: 3,
	}
}
