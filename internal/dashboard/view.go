package dashboard

import (
	"context"
	"fmt"
	"sync"
)

// View is a mounted dashboard: its widgets, their timers and layout editing.
// Widget live state exists only while the View is mounted.
type View struct {
	Dashboard  Dashboard
	Widgets    *WidgetSet
	Scheduler  *Scheduler
	Reconciler *Reconciler

	api       *API
	closeOnce sync.Once
}

// MountOpts holds parameters for mounting a dashboard.
type MountOpts struct {
	API         *API
	DashboardID string
	Timers      Timers // defaults to NewCronTimers()
}

// Mount fetches the dashboard and arms timers for every widget with an
// interval.
func Mount(ctx context.Context, opts MountOpts) (*View, error) {
	if opts.API == nil {
		return nil, fmt.Errorf("dashboard: api is required")
	}
	d, err := opts.API.Get(ctx, opts.DashboardID)
	if err != nil {
		return nil, err
	}
	timers := opts.Timers
	if timers == nil {
		timers = NewCronTimers()
	}

	widgets := NewWidgetSet(d.Widgets)
	sched, err := NewScheduler(SchedulerOpts{
		DashboardID: d.ID,
		API:         opts.API,
		Widgets:     widgets,
		Timers:      timers,
	})
	if err != nil {
		timers.Stop()
		return nil, err
	}
	rec, err := NewReconciler(ReconcilerOpts{DashboardID: d.ID, API: opts.API, Widgets: widgets})
	if err != nil {
		sched.Stop()
		return nil, err
	}
	if err := sched.Sync(); err != nil {
		sched.Stop()
		return nil, fmt.Errorf("dashboard: mount %s: %w", d.ID, err)
	}
	return &View{
		Dashboard:  *d,
		Widgets:    widgets,
		Scheduler:  sched,
		Reconciler: rec,
		api:        opts.API,
	}, nil
}

// RefreshAll refreshes every live widget one after another and returns how
// many were applied.
func (v *View) RefreshAll(ctx context.Context) (int, error) {
	applied := 0
	for _, w := range v.Widgets.Widgets() {
		outcome, err := v.Scheduler.Refresh(ctx, w.ID)
		if ctx.Err() != nil {
			return applied, ctx.Err()
		}
		if err != nil && outcome != RefreshFailed {
			return applied, err
		}
		if outcome == RefreshApplied {
			applied++
		}
	}
	return applied, nil
}

// Move proposes a new position for one widget and reconciles the resulting
// layout. Editing must be on.
func (v *View) Move(ctx context.Context, widgetID string, pos Position) (bool, error) {
	layout := Layout(v.Widgets.Widgets())
	found := false
	for i := range layout {
		if layout[i].WidgetID == widgetID {
			layout[i].Position = pos
			found = true
		}
	}
	if !found {
		return false, fmt.Errorf("dashboard: move: no widget %s", widgetID)
	}
	return v.Reconciler.Apply(ctx, layout)
}

// SetShared toggles sharing of the mounted dashboard.
func (v *View) SetShared(ctx context.Context, shared bool) error {
	if err := v.api.SetShared(ctx, v.Dashboard.ID, shared); err != nil {
		return err
	}
	v.Dashboard.IsShared = shared
	return nil
}

// Close unmounts the view, disarming every timer. Safe to call repeatedly.
func (v *View) Close() {
	v.closeOnce.Do(func() {
		v.Reconciler.SetEditing(false)
		v.Scheduler.Stop()
	})
}
