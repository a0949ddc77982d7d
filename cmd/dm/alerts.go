package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/datamind/internal/notify"
)

func newAlertsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Read and acknowledge alert notifications",
	}

	cmd.AddCommand(newAlertsListCmd())
	cmd.AddCommand(newAlertsAckCmd())
	cmd.AddCommand(newAlertsWatchCmd())
	return cmd
}

func newAlertsListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List unread notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAlertsList(cmd, configPath)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runAlertsList(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()
	a, err := openApp(cmd, configPath)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := requireSignedIn(a); err != nil {
		return err
	}

	p, err := a.Notifications()
	if err != nil {
		return err
	}
	if err := p.Poll(context.Background()); err != nil {
		return fmt.Errorf("poll notifications: %w", err)
	}
	printEvents(out, p.Unread(), time.Now())
	return nil
}

func printEvents(out io.Writer, events []notify.Event, now time.Time) {
	if len(events) == 0 {
		fmt.Fprintln(out, "No unread notifications")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tALERT\tVALUE\tMESSAGE\tWHEN")
	for _, ev := range events {
		value := ev.Value()
		if value == "" {
			value = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", ev.ID, ev.AlertName, value, ev.Message, formatAgo(ev.CreatedAt, now))
	}
	w.Flush()
}

func newAlertsAckCmd() *cobra.Command {
	var (
		configPath string
		all        bool
	)

	cmd := &cobra.Command{
		Use:   "ack [event-id...]",
		Short: "Mark notifications as read",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return fmt.Errorf("give event ids or --all")
			}
			return runAlertsAck(cmd, configPath, args, all)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVarP(&all, "all", "a", false, "mark every notification as read")
	return cmd
}

func runAlertsAck(cmd *cobra.Command, configPath string, ids []string, all bool) error {
	out := cmd.OutOrStdout()
	a, err := openApp(cmd, configPath)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := requireSignedIn(a); err != nil {
		return err
	}

	p, err := a.Notifications()
	if err != nil {
		return err
	}
	if all {
		p.AcknowledgeAll()
	} else {
		for _, id := range ids {
			p.Acknowledge(id)
		}
	}
	p.Wait()

	if all {
		fmt.Fprintln(out, "Marked all notifications as read")
	} else {
		fmt.Fprintf(out, "Marked %d notification(s) as read\n", len(ids))
	}
	return nil
}

func newAlertsWatchCmd() *cobra.Command {
	var (
		configPath string
		command    string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Poll for notifications until interrupted",
		Long:  "Polls for unread notifications and prints new ones. With --command (or notifications.command in the config), runs a shell command for each new notification.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAlertsWatch(cmd, configPath, command)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&command, "command", "", "shell command run per new notification, e.g. 'notify-send DataMind \"$DM_MESSAGE\"'")
	return cmd
}

func runAlertsWatch(cmd *cobra.Command, configPath, command string) error {
	out := cmd.OutOrStdout()
	a, err := openApp(cmd, configPath)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := requireSignedIn(a); err != nil {
		return err
	}
	if command != "" {
		a.Config().Notifications.Command = command
	}

	p, err := a.Notifications()
	if err != nil {
		return err
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]bool)
	)
	p.OnChange(func(events []notify.Event) {
		mu.Lock()
		defer mu.Unlock()
		var fresh []notify.Event
		for _, ev := range events {
			if !seen[ev.ID] {
				seen[ev.ID] = true
				fresh = append(fresh, ev)
			}
		}
		if len(fresh) > 0 {
			printEvents(out, fresh, time.Now())
		}
		fmt.Fprintf(out, "%d unread\n", len(events))
	})

	ctx, cancel := signalContext(cmd)
	defer cancel()
	fmt.Fprintf(out, "Polling every %s. Press Ctrl+C to stop.\n", a.Config().Notifications.PollInterval())
	if err := a.WatchNotifications(ctx, p); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
