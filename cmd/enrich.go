package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var enrichDisable []string

var enrichCmd = &cobra.Command{
	Use:   "enrich <batch-id>",
	Short: "Re-run enrichment modules over an existing batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		opts, err := moduleOptions(enrichDisable)
		if err != nil {
			return err
		}

		env, err := initPipeline(ctx, "enrich")
		if err != nil {
			return err
		}
		defer env.Close()

		b, err := env.Runner.Enrich(ctx, args[0], opts)
		if b == nil {
			return eris.Wrap(err, "enrich batch")
		}
		return printBatch(cmd, env, b, err)
	},
}

func init() {
	enrichCmd.Flags().StringSliceVar(&enrichDisable, "disable", nil, "enrichment modules to skip")
	rootCmd.AddCommand(enrichCmd)
}
