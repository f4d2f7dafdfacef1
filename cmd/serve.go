package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/payee-cli/internal/server"
	"github.com/sells-group/payee-cli/internal/watchdog"
)

var (
	servePort     int
	serveWatchdog bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API for submitting and inspecting batches",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort > 0 {
			cfg.Server.Port = servePort
		}

		env, err := initPipeline(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		if serveWatchdog {
			w := watchdog.New(env.Store, watchdogConfig(), env.Metrics)
			go w.Run(ctx)
		}

		opts, err := moduleOptions(nil)
		if err != nil {
			return err
		}
		srv := server.New(env.Store, env.Runner, env.Metrics, server.Config{
			Port:           cfg.Server.Port,
			AllowedOrigins: cfg.Server.AllowedOrigins,
			Modules:        opts,
		})

		err = srv.ListenAndServe(ctx)

		running := env.Runner.Running()
		for _, id := range running {
			_ = env.Runner.Cancel(id)
		}
		if len(running) > 0 {
			zap.L().Info("waiting for in-flight batches to acknowledge cancellation", zap.Strings("batch_ids", running))
		}
		env.Runner.Wait()
		return err
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "HTTP server port (overrides server.port)")
	serveCmd.Flags().BoolVar(&serveWatchdog, "watchdog", true, "run the watchdog sweep loop in-process")
	rootCmd.AddCommand(serveCmd)
}
