package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/kilnworks/kiln/build"
	"github.com/kilnworks/kiln/bus"
	"github.com/kilnworks/kiln/config"
	"github.com/kilnworks/kiln/deploy"
	"github.com/kilnworks/kiln/errors"
	"github.com/kilnworks/kiln/logger"
	"github.com/kilnworks/kiln/queue"
	"github.com/kilnworks/kiln/store"
	"github.com/kilnworks/kiln/worker"
)

// WorkCmd starts a worker instance consuming one job queue.
var WorkCmd = &cobra.Command{
	Use:   "work",
	Short: "Start a worker instance",
	Long: `Start a worker that consumes jobs from the broker and executes them.

A worker instance serves exactly one queue. Compile workers run the build
toolchain (native cargo, container fallback); deploy workers drive the
network CLI. Run as many instances of each as the host can carry.

Shutdown is graceful: in-flight jobs finish (or are handed back to the
queue for redelivery) before the process exits.

Examples:
  kiln work                          # Type and concurrency from config
  kiln work --type compile           # Consume the compile queue
  kiln work --type deploy            # Consume the deploy queue
  kiln work --type compile -c 4      # Four concurrent compile jobs`,
	RunE: runWork,
}

func init() {
	WorkCmd.Flags().String("type", "", "Worker type: compile or deploy (overrides config)")
	WorkCmd.Flags().IntP("concurrency", "c", 0, "Concurrent job cap (overrides config)")
}

func runWork(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	if t, _ := cmd.Flags().GetString("type"); t != "" {
		cfg.Worker.Type = t
	}
	if cfg.Worker.Type != queue.QueueCompile && cfg.Worker.Type != queue.QueueDeploy {
		return errors.Newf("unknown worker type %q (want compile or deploy)", cfg.Worker.Type)
	}
	if c, _ := cmd.Flags().GetInt("concurrency"); c > 0 {
		if cfg.Worker.Type == queue.QueueDeploy {
			cfg.Worker.DeployConcurrency = c
		} else {
			cfg.Worker.CompileConcurrency = c
		}
	}

	database, err := openStore(cfg.Store.URI)
	if err != nil {
		return err
	}
	defer database.Close()
	st := store.New(database)

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

	// Both handlers register; the queue selects which one actually runs.
	reg := worker.NewRegistry()
	reg.Register(worker.NewCompileHandler(build.NewRunner(cfg.Build, logger.Logger)))
	reg.Register(worker.NewDeployHandler(deploy.NewRunner(cfg.Deploy, networks, logger.Logger)))

	q := queue.New(rdb, cfg.Worker.Type, logger.Logger)
	pool := worker.NewPool(q, st, bus.New(rdb, logger.Logger), reg, rdb, cfg.Worker, logger.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		pool.Run(ctx)
	}()

	pterm.Info.Printf("Worker %s consuming %s queue (concurrency %d)\n",
		pool.WorkerID(), cfg.Worker.Type, cfg.Worker.Concurrency())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	pterm.Info.Println("Draining in-flight jobs (press Ctrl+C again to force)...")
	cancel()

	select {
	case <-done:
		pterm.Success.Println("Worker stopped cleanly")
		return nil
	case <-sigChan:
		pterm.Warning.Println("Force shutdown - exiting immediately")
		os.Exit(1)
		return nil // unreachable
	}
}
