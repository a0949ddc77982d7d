package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/datamind/internal/chat"
	"github.com/zulandar/datamind/internal/session"
)

func newSourcesCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:     "sources",
		Aliases: []string{"src"},
		Short:   "List the data sources you can ask about",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSourcesList(cmd, configPath)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.AddCommand(newSourcesUseCmd())
	return cmd
}

func runSourcesList(cmd *cobra.Command, configPath string) error {
	a, err := openApp(cmd, configPath)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := requireSignedIn(a); err != nil {
		return err
	}

	list, err := a.DataSources(context.Background())
	if err != nil {
		return err
	}
	selected, _ := a.Session().Store().Pref(session.KeyDataSource)
	printDataSources(cmd.OutOrStdout(), list, selected)
	return nil
}

func newSourcesUseCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "use <id|name>",
		Short: "Select the data source for new questions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSourcesUse(cmd, configPath, args[0])
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runSourcesUse(cmd *cobra.Command, configPath, ref string) error {
	a, err := openApp(cmd, configPath)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := requireSignedIn(a); err != nil {
		return err
	}

	ds, err := a.SelectDataSource(context.Background(), ref)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Data source: %s (%s)\n", ds.Name, ds.ID)
	return nil
}

// printDataSources writes one row per source, starring the selected one.
func printDataSources(out io.Writer, list []chat.DataSource, selected string) {
	if len(list) == 0 {
		fmt.Fprintln(out, "No data sources")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "\tID\tNAME\tTYPE\tDATABASE\tACTIVE")
	for _, ds := range list {
		mark := ""
		if ds.ID == selected {
			mark = "*"
		}
		active := "no"
		if ds.IsActive {
			active = "yes"
		}
		db := ds.DatabaseName
		if db == "" {
			db = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", mark, ds.ID, ds.Name, ds.Type, db, active)
	}
	w.Flush()
}
