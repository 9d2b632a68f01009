package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/kilnworks/kiln/bus"
	"github.com/kilnworks/kiln/config"
	"github.com/kilnworks/kiln/errors"
	"github.com/kilnworks/kiln/logger"
	"github.com/kilnworks/kiln/server"
	"github.com/kilnworks/kiln/store"
)

// ServeCmd starts the ingress API and socket hub.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ingress API and socket hub",
	Long: `Start the kiln ingress: the HTTP API that accepts compile and deploy
submissions, serves job reads, and fans job logs and status transitions
out to WebSocket subscribers.

The ingress needs the Redis broker and the job store; workers run as
separate processes (see 'kiln work').

Examples:
  kiln serve                 # Listen on the configured port
  kiln serve --port 9000     # Override the listen port`,
	RunE: runServe,
}

func init() {
	ServeCmd.Flags().Int("port", 0, "Listen port (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Server.Port = &port
	}

	database, err := openStore(cfg.Store.URI)
	if err != nil {
		return err
	}
	defer database.Close()

	rdb, err := dialBroker(cfg.Broker)
	if err != nil {
		return err
	}
	defer rdb.Close()

	networks, err := config.LoadNetworks(cfg.Deploy.NetworksFile, logger.Logger)
	if err != nil {
		return errors.Wrap(err, "failed to load network profiles")
	}
	if cfg.Deploy.NetworksFile != "" {
		if err := networks.Watch(); err != nil {
			logger.Logger.Warnw("Network profile watch unavailable", logger.FieldError, err)
		}
		defer networks.Close()
	}

	srv := server.New(cfg.Server, store.New(database), rdb, bus.New(rdb, logger.Logger), networks, logger.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start(ctx)
	}()

	pterm.Info.Printf("Kiln ingress listening on :%d\n", cfg.Server.ListenPort())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return errors.Wrap(err, "server stopped unexpectedly")
	case <-sigChan:
		pterm.Info.Println("Shutting down gracefully (press Ctrl+C again to force)...")
		cancel()

		select {
		case err := <-errChan:
			if err != nil {
				return errors.Wrap(err, "shutdown error")
			}
			pterm.Success.Println("Server stopped cleanly")
			return nil
		case <-sigChan:
			pterm.Warning.Println("Force shutdown - exiting immediately")
			os.Exit(1)
			return nil // unreachable
		}
	}
}
