package main

import (
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/datamind/internal/config"
	"github.com/zulandar/datamind/internal/devserver"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the in-memory development API",
		Long:  "Starts a local DataMind API with demo data, cookie sessions and the live chat channel, for trying the client without a backend.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (default from config)")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return err
	}
	if port == 0 {
		port = cfg.Server.Port
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	return devserver.Start(ctx, devserver.StartOpts{
		Port:        port,
		Out:         cmd.OutOrStdout(),
		Secret:      cfg.Server.JWTSecret,
		AccessTTL:   time.Duration(cfg.Server.AccessTTLSec) * time.Second,
		RefreshTTL:  time.Duration(cfg.Server.RefreshTTLSec) * time.Second,
		StreamDelay: 40 * time.Millisecond,
	})
}
