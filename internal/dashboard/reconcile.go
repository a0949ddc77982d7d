package dashboard

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// LayoutSaver persists layout edits.
type LayoutSaver interface {
	SaveLayout(ctx context.Context, dashboardID string, layout []LayoutItem) error
	SaveWidgetPosition(ctx context.Context, dashboardID, widgetID string, pos Position) error
}

// Reconciler persists grid edits made while editing. Each pass writes the
// whole layout once and then only the widgets whose geometry differs from
// what the server last accepted.
//
// Passes are best-effort: a failure partway through leaves earlier writes in
// place and is logged, not rolled back.
type Reconciler struct {
	dashboardID string
	api         LayoutSaver
	widgets     *WidgetSet

	mu      sync.Mutex
	editing bool
	running bool
	pending []LayoutItem
}

// ReconcilerOpts holds parameters for creating a Reconciler.
type ReconcilerOpts struct {
	DashboardID string
	API         LayoutSaver
	Widgets     *WidgetSet
}

// NewReconciler creates a Reconciler. Editing starts off.
func NewReconciler(opts ReconcilerOpts) (*Reconciler, error) {
	if opts.DashboardID == "" {
		return nil, fmt.Errorf("dashboard: dashboard id is required")
	}
	if opts.API == nil {
		return nil, fmt.Errorf("dashboard: layout saver is required")
	}
	if opts.Widgets == nil {
		return nil, fmt.Errorf("dashboard: widget set is required")
	}
	return &Reconciler{
		dashboardID: opts.DashboardID,
		api:         opts.API,
		widgets:     opts.Widgets,
	}, nil
}

// SetEditing turns editing mode on or off. Turning it off drops any layout
// still waiting for a pass.
func (r *Reconciler) SetEditing(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.editing = on
	if !on {
		r.pending = nil
	}
}

// Editing reports whether layout changes are accepted.
func (r *Reconciler) Editing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.editing
}

// Apply proposes a full layout. It returns false when not editing. An empty
// layout proposes nothing and leaves any waiting proposal in place.
//
// If no pass is running, Apply runs passes on the calling goroutine until no
// proposal is left and returns the first pass error. Otherwise the proposal
// replaces any earlier one still waiting and Apply returns at once; the
// running caller picks it up when its current pass ends.
func (r *Reconciler) Apply(ctx context.Context, layout []LayoutItem) (bool, error) {
	r.mu.Lock()
	if !r.editing {
		r.mu.Unlock()
		return false, nil
	}
	if len(layout) == 0 {
		r.mu.Unlock()
		return true, nil
	}
	r.pending = append([]LayoutItem(nil), layout...)
	if r.running {
		r.mu.Unlock()
		return true, nil
	}
	r.running = true
	r.mu.Unlock()

	var first error
	for {
		r.mu.Lock()
		next := r.pending
		r.pending = nil
		if next == nil {
			r.running = false
			r.mu.Unlock()
			return true, first
		}
		r.mu.Unlock()

		if err := r.pass(ctx, next); err != nil {
			log.Printf("dashboard: layout pass for %s: %v", r.dashboardID, err)
			if first == nil {
				first = err
			}
		}
	}
}

// Changed returns the items whose position differs from the last position
// the server accepted. Items for unknown widgets are skipped.
func (r *Reconciler) Changed(layout []LayoutItem) []LayoutItem {
	var out []LayoutItem
	for _, item := range layout {
		w, ok := r.widgets.Widget(item.WidgetID)
		if !ok {
			continue
		}
		if w.Position != item.Position {
			out = append(out, item)
		}
	}
	return out
}

func (r *Reconciler) pass(ctx context.Context, layout []LayoutItem) error {
	if err := r.api.SaveLayout(ctx, r.dashboardID, layout); err != nil {
		return err
	}
	// Sequential on purpose: every write lands on the same dashboard record.
	for _, item := range r.Changed(layout) {
		if err := r.api.SaveWidgetPosition(ctx, r.dashboardID, item.WidgetID, item.Position); err != nil {
			return err
		}
		r.widgets.setPosition(item.WidgetID, item.Position)
	}
	return nil
}
