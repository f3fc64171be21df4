package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/breadboard/internal/board"
	"github.com/michaelbrown/breadboard/internal/build"
	"github.com/michaelbrown/breadboard/internal/config"
	"github.com/michaelbrown/breadboard/internal/server"
	"github.com/michaelbrown/breadboard/internal/storage/sqlite"
)

var portFlag int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the breadboard server",
	Long: `Start the breadboard HTTP server with the compile API and the
WebSocket simulation sessions.

At startup the container runtime is probed; without a working runtime
and sandbox image, execution degrades to bare host processes.

Examples:
  breadboard serve
  breadboard serve --port 9090`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Open storage
	store, err := sqlite.Open(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	// Board profile
	profile := board.DefaultProfile()
	if cfg.Board.ProfilePath != "" {
		profile, err = board.LoadProfile(cfg.Board.ProfilePath)
		if err != nil {
			return fmt.Errorf("loading board profile: %w", err)
		}
	}

	// Probe sandbox capability once; the result is read-only afterwards.
	probe := build.DetectMode(context.Background(), cfg)
	builder := build.NewBuilder(cfg, probe)

	// Determine port
	port := cfg.Server.Port
	if portFlag > 0 {
		port = portFlag
	}

	srv := server.New(cfg, store, builder, probe, profile)

	// Graceful shutdown on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		srv.Shutdown(context.Background())
	}()

	return srv.Start(port)
}
