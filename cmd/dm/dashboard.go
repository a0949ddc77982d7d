package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/datamind/internal/app"
	"github.com/zulandar/datamind/internal/dashboard"
	"github.com/zulandar/datamind/internal/session"
)

func newDashboardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "dashboard",
		Aliases: []string{"dash"},
		Short:   "List, watch and edit dashboards",
	}

	cmd.AddCommand(newDashboardListCmd())
	cmd.AddCommand(newDashboardWatchCmd())
	cmd.AddCommand(newDashboardRefreshCmd())
	cmd.AddCommand(newDashboardMoveCmd())
	cmd.AddCommand(newDashboardShareCmd())
	return cmd
}

func newDashboardListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dashboards",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDashboardList(cmd, configPath)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runDashboardList(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()
	a, err := openApp(cmd, configPath)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := requireSignedIn(a); err != nil {
		return err
	}

	api, err := a.Dashboards()
	if err != nil {
		return err
	}
	list, err := api.List(context.Background())
	if err != nil {
		return fmt.Errorf("list dashboards: %w", err)
	}
	if len(list) == 0 {
		fmt.Fprintln(out, "No dashboards")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tWIDGETS\tSHARED")
	for _, d := range list {
		shared := "no"
		if d.IsShared {
			shared = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", d.ID, d.Title, d.WidgetCount, shared)
	}
	return w.Flush()
}

// dashboardID picks the explicit id or the remembered one.
func dashboardID(a *app.App, args []string) (string, error) {
	if len(args) > 0 && args[0] != "" {
		return args[0], nil
	}
	id, _ := a.Session().Store().Pref(session.KeyDashboard)
	if id == "" {
		return "", fmt.Errorf("no dashboard given and none remembered; see `dm dashboard list`")
	}
	return id, nil
}

func newDashboardWatchCmd() *cobra.Command {
	var (
		configPath string
		once       bool
	)

	cmd := &cobra.Command{
		Use:   "watch [dashboard-id]",
		Short: "Show a dashboard and follow its auto-refreshing widgets",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDashboardWatch(cmd, configPath, args, once)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVar(&once, "once", false, "refresh every widget once, print and exit")
	return cmd
}

func runDashboardWatch(cmd *cobra.Command, configPath string, args []string, once bool) error {
	out := cmd.OutOrStdout()
	a, err := openApp(cmd, configPath)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := requireSignedIn(a); err != nil {
		return err
	}
	id, err := dashboardID(a, args)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	v, err := a.MountDashboard(ctx, id, nil)
	if err != nil {
		return err
	}
	defer v.Close()

	fmt.Fprintf(out, "%s\n\n", v.Dashboard.Title)
	if once {
		if _, err := v.RefreshAll(ctx); err != nil {
			fmt.Fprintf(out, "some widgets failed to refresh: %v\n\n", err)
		}
		now := time.Now()
		for _, w := range v.Widgets.Widgets() {
			printWidget(out, w, now)
			fmt.Fprintln(out)
		}
		return nil
	}

	var mu sync.Mutex
	v.Widgets.OnChange(func(w dashboard.Widget) {
		mu.Lock()
		defer mu.Unlock()
		printWidget(out, w, time.Now())
		fmt.Fprintln(out)
	})
	now := time.Now()
	mu.Lock()
	for _, w := range v.Widgets.Widgets() {
		printWidget(out, w, now)
		fmt.Fprintln(out)
	}
	mu.Unlock()

	fmt.Fprintln(out, "Watching for refreshes. Press Ctrl+C to stop.")
	<-ctx.Done()
	return nil
}

func newDashboardRefreshCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "refresh <dashboard-id> <widget-id>",
		Short: "Refresh one widget now",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDashboardRefresh(cmd, configPath, args[0], args[1])
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runDashboardRefresh(cmd *cobra.Command, configPath, dashID, widgetID string) error {
	out := cmd.OutOrStdout()
	return withDashboard(cmd, configPath, dashID, func(ctx context.Context, v *dashboard.View) error {
		outcome, err := v.Scheduler.Refresh(ctx, widgetID)
		if err != nil && outcome != dashboard.RefreshFailed {
			return err
		}
		fmt.Fprintf(out, "Refresh %s\n", outcome)
		if w, ok := v.Widgets.Widget(widgetID); ok {
			printWidget(out, w, time.Now())
		}
		return nil
	})
}

func newDashboardMoveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "move <dashboard-id> <widget-id> <x,y,w,h>",
		Short: "Move or resize a widget",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			pos, err := parsePosition(args[2])
			if err != nil {
				return err
			}
			return runDashboardMove(cmd, configPath, args[0], args[1], pos)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runDashboardMove(cmd *cobra.Command, configPath, dashID, widgetID string, pos dashboard.Position) error {
	out := cmd.OutOrStdout()
	return withDashboard(cmd, configPath, dashID, func(ctx context.Context, v *dashboard.View) error {
		w, ok := v.Widgets.Widget(widgetID)
		if !ok {
			return fmt.Errorf("dashboard %s has no widget %s", dashID, widgetID)
		}
		if w.Position == pos {
			fmt.Fprintf(out, "%s already at %s\n", w.Title, formatPosition(pos))
			return nil
		}
		v.Reconciler.SetEditing(true)
		defer v.Reconciler.SetEditing(false)
		if _, err := v.Move(ctx, widgetID, pos); err != nil {
			return fmt.Errorf("move widget: %w", err)
		}
		fmt.Fprintf(out, "Moved %s from %s to %s\n", w.Title, formatPosition(w.Position), formatPosition(pos))
		return nil
	})
}

func newDashboardShareCmd() *cobra.Command {
	var (
		configPath string
		off        bool
	)

	cmd := &cobra.Command{
		Use:   "share <dashboard-id>",
		Short: "Share a dashboard with the organization",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDashboardShare(cmd, configPath, args[0], !off)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVar(&off, "off", false, "stop sharing")
	return cmd
}

func runDashboardShare(cmd *cobra.Command, configPath, dashID string, shared bool) error {
	out := cmd.OutOrStdout()
	return withDashboard(cmd, configPath, dashID, func(ctx context.Context, v *dashboard.View) error {
		if err := v.SetShared(ctx, shared); err != nil {
			return fmt.Errorf("share dashboard: %w", err)
		}
		printShared(out, v.Dashboard.Title, shared)
		return nil
	})
}

func printShared(out io.Writer, title string, shared bool) {
	if shared {
		fmt.Fprintf(out, "%s is now shared\n", title)
		return
	}
	fmt.Fprintf(out, "%s is now private\n", title)
}

// withDashboard mounts a dashboard for a one-off operation.
func withDashboard(cmd *cobra.Command, configPath, id string, fn func(context.Context, *dashboard.View) error) error {
	a, err := openApp(cmd, configPath)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := requireSignedIn(a); err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()
	v, err := a.MountDashboard(ctx, id, nil)
	if err != nil {
		return err
	}
	defer v.Close()
	return fn(ctx, v)
}
