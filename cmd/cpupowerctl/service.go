package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codeberg.org/mutker/cpupowerctl/internal/config"
	"codeberg.org/mutker/cpupowerctl/internal/engine"
	"codeberg.org/mutker/cpupowerctl/internal/errors"
	"codeberg.org/mutker/cpupowerctl/internal/logger"
	"codeberg.org/mutker/cpupowerctl/internal/metrics"
	"codeberg.org/mutker/cpupowerctl/internal/pid"
	"codeberg.org/mutker/cpupowerctl/internal/runstate"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Run the auto-tune daemon",
	Long: `Run the decision loop until SIGINT or SIGTERM.

The configuration file is watched; threshold and profile changes apply
between ticks. With restore_on_exit the state captured at startup is written
back on shutdown.`,
	Args: cobra.NoArgs,
	RunE: runService,
}

func init() {
	flags := serviceCmd.Flags()
	flags.Bool("autotune", true, "let the engine switch profiles")
	flags.Duration("interval", 2*time.Second, "base poll interval")
	flags.Duration("cooldown", 30*time.Second, "minimum time between automatic transitions")
	flags.String("ac", "", "profile to use on AC power")
	flags.String("battery", "", "profile to use on battery")
	flags.Bool("restore", true, "restore the startup state on exit")
	flags.Bool("sensors", true, "fall back to hwmon sensors when no thermal zone is readable")
	flags.Bool("metrics", false, "record tick and transition history")
	flags.String("metrics-db", "", "metrics database path")
	flags.String("lock-file", "", "write lock file shared with the CLI")
	flags.String("pid-file", "", "PID file")
	flags.String("state-file", "", "file the engine state is published to for status queries")

	rootCmd.AddCommand(serviceCmd)
}

func runService(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	go handleSignals(ctx, cancel)

	if err := pid.Write(cfg.PIDFile); err != nil {
		return err
	}
	defer func() {
		if err := pid.Remove(cfg.PIDFile); err != nil {
			logger.Warn().Err(err).Msg("Failed to remove PID file")
		}
	}()

	rt, err := newApp(ctx, cfg)
	if err != nil {
		return errors.New().Wrap(errors.ErrInitFailed, err)
	}
	defer rt.Close()

	stopMetrics, err := startMetrics(ctx, rt, cfg)
	if err != nil {
		return err
	}
	defer stopMetrics()

	defer startPublisher(ctx, rt, cfg.StateFile)()

	if cfg.File != "" {
		watch(ctx, loader, rt)
	}

	logger.Info().
		Str("config", cfg.File).
		Int("cores", len(rt.engine.Topology().Cores)).
		Msg("Service started")

	runErr := rt.engine.Run(ctx)

	if rt.engine.Config().RestoreOnExit {
		restoreCtx, restoreCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer restoreCancel()
		if _, err := rt.engine.Restore(restoreCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to restore startup state")
		}
	}

	logger.Info().Msg("Exiting...")

	if runErr != nil {
		return errors.New().Wrap(errors.ErrMainLoop, runErr)
	}
	return nil
}

func handleSignals(ctx context.Context, cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	select {
	case <-sigs:
		logger.Info().Msg("Received termination signal.")
		cancel()
	case <-ctx.Done():
	}
}

func watch(ctx context.Context, w config.Watcher, rt *app) {
	if err := w.Watch(ctx, func(c *config.Config) { reload(ctx, rt, c) }); err != nil {
		logger.Warn().Err(err).Msg("Configuration changes will not be picked up")
	}
}

// reload applies a changed configuration file to the running engine.
func reload(ctx context.Context, rt *app, c *config.Config) {
	rt.engine.UpdateConfig(engine.FromConfig(c))

	users, err := c.UserProfiles()
	if err != nil {
		logger.Warn().Err(err).Msg("Ignoring invalid user profiles")
		return
	}
	if err := rt.engine.ReloadProfiles(ctx, users); err != nil {
		logger.Warn().Err(err).Msg("Failed to reload profiles")
	}
}

// startPublisher keeps the state file current for CLI status queries. The
// returned function waits for the publisher and removes the file.
func startPublisher(ctx context.Context, rt *app, path string) func() {
	pubCtx, cancel := context.WithCancel(ctx)
	publisher := runstate.NewPublisher(path, rt.events, runstate.FromEngine(rt.engine), logger.Get("runstate"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		publisher.Run(pubCtx)
	}()

	return func() {
		cancel()
		<-done
		if err := runstate.Remove(path); err != nil {
			logger.Warn().Err(err).Msg("Failed to remove state file")
		}
	}
}

func metricsConfig(c *config.Config) metrics.Config {
	return metrics.Config{
		Enabled:       c.Metrics.Enabled,
		DBPath:        c.Metrics.DBPath,
		BatchSize:     c.Metrics.BatchSize,
		BatchTimeout:  c.Metrics.BatchTimeout,
		Retention:     c.Metrics.Retention,
		PruneSchedule: c.Metrics.PruneSchedule,
	}
}

// startMetrics wires the recorder and pruner when metrics are enabled. The
// returned function stops both and closes the database.
func startMetrics(ctx context.Context, rt *app, c *config.Config) (func(), error) {
	mcfg := metricsConfig(c)
	log := logger.Get("metrics")

	collector, err := metrics.NewService(mcfg, log)
	if err != nil {
		return nil, err
	}
	if !mcfg.Enabled {
		return func() {}, nil
	}

	pruner, err := metrics.NewPruner(collector, mcfg, log)
	if err != nil {
		collector.Close()
		return nil, err
	}

	recorder := metrics.NewRecorder(collector, rt.events, log)
	done := make(chan struct{})
	go func() {
		defer close(done)
		recorder.Run(ctx)
	}()
	pruner.Start()

	return func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		pruner.Stop(stopCtx)
		<-done
		if err := collector.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close metrics")
		}
	}, nil
}
