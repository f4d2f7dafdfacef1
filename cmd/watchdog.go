package main

import (
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/payee-cli/internal/config"
	"github.com/sells-group/payee-cli/internal/metrics"
	"github.com/sells-group/payee-cli/internal/watchdog"
)

var watchdogOnce bool

var watchdogCmd = &cobra.Command{
	Use:   "watchdog",
	Short: "Force stuck rows and batches to a terminal state",
	Long:  "Runs the stale-row, stalled-batch and orphan-record sweeps on a fixed interval, or once with --once.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("watchdog"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		w := watchdog.New(st, watchdogConfig(), metrics.New(prometheus.NewRegistry()))
		if !watchdogOnce {
			w.Run(ctx)
			return nil
		}

		rep, err := w.Sweep(ctx)
		zap.L().Info("watchdog sweep complete",
			zap.Int("stale_rows", rep.StaleRows),
			zap.Int("forced_batches", rep.ForcedBatches),
			zap.Int("forced_modules", rep.ForcedModules),
			zap.Int("failed_batches", rep.FailedBatches),
			zap.Int("purged_records", rep.PurgedRecords),
		)
		return err
	},
}

func init() {
	watchdogCmd.Flags().BoolVar(&watchdogOnce, "once", false, "run a single sweep and exit")
	rootCmd.AddCommand(watchdogCmd)
}

func watchdogConfig() watchdog.Config {
	return watchdog.Config{
		Interval:         config.Secs(cfg.Watchdog.IntervalSecs),
		HeartbeatTimeout: config.Secs(cfg.Watchdog.HeartbeatTimeoutSecs),
		ProgressTimeout:  config.Secs(cfg.Watchdog.ProgressTimeoutSecs),
	}
}
