package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/payee-cli/internal/ingest"
	"github.com/sells-group/payee-cli/internal/model"
	"github.com/sells-group/payee-cli/internal/pipeline"
)

var (
	runColumn  string
	runSheet   int
	runDisable []string
)

var runCmd = &cobra.Command{
	Use:   "run <file>",
	Short: "Classify and enrich every payee in a CSV, TSV or XLSX file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		opts, err := moduleOptions(runDisable)
		if err != nil {
			return err
		}

		env, err := initPipeline(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		b, err := env.Runner.Run(ctx, pipeline.Job{
			Path:    args[0],
			Ingest:  ingest.Options{Column: runColumn, SheetIndex: runSheet},
			Modules: opts,
		})
		if b == nil {
			return eris.Wrap(err, "pipeline run")
		}
		return printBatch(cmd, env, b, err)
	},
}

func init() {
	runCmd.Flags().StringVar(&runColumn, "column", "", "name column header (detected when empty)")
	runCmd.Flags().IntVar(&runSheet, "sheet", 0, "worksheet index for xlsx input")
	runCmd.Flags().StringSliceVar(&runDisable, "disable", nil, "enrichment modules to skip (matching, address_validation, card_network, predictive)")
	rootCmd.AddCommand(runCmd)
}

// printBatch logs the outcome of a run and prints the batch with its stats
// as JSON. runErr is returned after printing so a cancelled or failed batch
// still reports its partial progress.
func printBatch(cmd *cobra.Command, env *pipelineEnv, b *model.Batch, runErr error) error {
	stats, err := env.Store.BatchStats(cmd.Context(), b.ID)
	if err != nil {
		zap.L().Warn("batch stats unavailable", zap.String("batch_id", b.ID), zap.Error(err))
	}

	zap.L().Info("batch finished",
		zap.String("batch_id", b.ID),
		zap.String("status", string(b.Status)),
		zap.Int("processed", b.ProcessedRecords),
		zap.Int("total", b.TotalRecords),
	)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(struct {
		Batch *model.Batch      `json:"batch"`
		Stats *model.BatchStats `json:"stats,omitempty"`
	}{b, stats}); err != nil {
		return err
	}
	return runErr
}
