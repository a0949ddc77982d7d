package dashboard

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// Caller issues authenticated request/response calls.
type Caller interface {
	Do(ctx context.Context, method, endpoint string, in, out any) error
}

// API is the dashboard endpoint set.
type API struct {
	c Caller
}

// NewAPI creates an API over c.
func NewAPI(c Caller) (*API, error) {
	if c == nil {
		return nil, fmt.Errorf("dashboard: caller is required")
	}
	return &API{c: c}, nil
}

func dashboardPath(id string) string {
	return "/dashboards/" + url.PathEscape(id)
}

func widgetPath(dashboardID, widgetID string) string {
	return dashboardPath(dashboardID) + "/widgets/" + url.PathEscape(widgetID)
}

// List returns the dashboards visible to the signed-in user.
func (a *API) List(ctx context.Context) ([]Summary, error) {
	var env struct {
		Dashboards []Summary `json:"dashboards"`
	}
	if err := a.c.Do(ctx, http.MethodGet, "/dashboards", nil, &env); err != nil {
		return nil, fmt.Errorf("dashboard: list: %w", err)
	}
	return env.Dashboards, nil
}

// Get returns one dashboard with its widgets.
func (a *API) Get(ctx context.Context, id string) (*Dashboard, error) {
	var d Dashboard
	if err := a.c.Do(ctx, http.MethodGet, dashboardPath(id), nil, &d); err != nil {
		return nil, fmt.Errorf("dashboard: get %s: %w", id, err)
	}
	return &d, nil
}

// SetShared toggles whether the dashboard is visible to the organization.
func (a *API) SetShared(ctx context.Context, id string, shared bool) error {
	body := map[string]bool{"is_shared": shared}
	if err := a.c.Do(ctx, http.MethodPatch, dashboardPath(id), body, nil); err != nil {
		return fmt.Errorf("dashboard: share %s: %w", id, err)
	}
	return nil
}

// SaveLayout persists the whole layout in one call.
func (a *API) SaveLayout(ctx context.Context, id string, layout []LayoutItem) error {
	body := map[string][]LayoutItem{"layout_config": layout}
	if err := a.c.Do(ctx, http.MethodPatch, dashboardPath(id), body, nil); err != nil {
		return fmt.Errorf("dashboard: save layout %s: %w", id, err)
	}
	return nil
}

// SaveWidgetPosition persists one widget's geometry.
func (a *API) SaveWidgetPosition(ctx context.Context, dashboardID, widgetID string, pos Position) error {
	body := map[string]Position{"position": pos}
	if err := a.c.Do(ctx, http.MethodPatch, widgetPath(dashboardID, widgetID), body, nil); err != nil {
		return fmt.Errorf("dashboard: save position %s: %w", widgetID, err)
	}
	return nil
}

// RefreshWidget re-runs the widget's query. The returned widget carries the
// new result, or LastError when the query failed server-side.
func (a *API) RefreshWidget(ctx context.Context, dashboardID, widgetID string) (*Widget, error) {
	var w Widget
	if err := a.c.Do(ctx, http.MethodPost, widgetPath(dashboardID, widgetID)+"/refresh", nil, &w); err != nil {
		return nil, fmt.Errorf("dashboard: refresh %s: %w", widgetID, err)
	}
	return &w, nil
}
