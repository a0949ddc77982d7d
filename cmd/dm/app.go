package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/datamind/internal/app"
	"github.com/zulandar/datamind/internal/config"
)

const defaultConfigPath = "datamind.yaml"

func addConfigFlag(cmd *cobra.Command, configPath *string) {
	cmd.Flags().StringVarP(configPath, "config", "c", defaultConfigPath, "path to DataMind config file")
}

// openApp loads the config (defaults when the file is absent) and builds
// the client application.
func openApp(cmd *cobra.Command, configPath string) (*app.App, error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	a, err := app.New(app.Opts{Config: cfg})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// requireSignedIn fails early when no session is stored locally.
func requireSignedIn(a *app.App) error {
	if !a.Session().Authenticated() {
		return fmt.Errorf("not signed in; run `dm login` first")
	}
	return nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}
