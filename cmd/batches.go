package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/payee-cli/internal/model"
	"github.com/sells-group/payee-cli/internal/store"
)

var batchesCmd = &cobra.Command{
	Use:   "batches",
	Short: "Inspect and delete batches",
	Long:  "Commands for listing, viewing, and deleting file-processing batches.",
}

// -- batches list --

var batchesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List batches",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		batches, err := st.ListBatches(ctx, store.BatchFilter{
			Status: model.BatchStatus(status),
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "batches list")
		}

		if len(batches) == 0 {
			fmt.Fprintln(os.Stderr, "No batches found.")
			return nil
		}

		formatBatchList(os.Stdout, batches)
		return nil
	},
}

// -- batches show --

var batchesShowCmd = &cobra.Command{
	Use:   "show <batch-id>",
	Short: "Show a batch with its aggregate record stats",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		b, err := st.GetBatch(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "batches show")
		}
		stats, err := st.BatchStats(ctx, b.ID)
		if err != nil {
			return eris.Wrap(err, "batches stats")
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				Batch *model.Batch      `json:"batch"`
				Stats *model.BatchStats `json:"stats"`
			}{b, stats})
		}
		formatBatchDetail(os.Stdout, b, stats)
		return nil
	},
}

// -- batches delete --

var batchesDeleteCmd = &cobra.Command{
	Use:   "delete <batch-id>",
	Short: "Delete a batch; its records are purged by the next watchdog sweep",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.DeleteBatch(ctx, args[0]); err != nil {
			return eris.Wrap(err, "batches delete")
		}
		zap.L().Info("batch deleted", zap.String("batch_id", args[0]))
		return nil
	},
}

// -- batches prune --

var batchesPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete batches created before a retention window",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		olderThan, _ := cmd.Flags().GetDuration("older-than")
		if olderThan <= 0 {
			return eris.New("--older-than must be positive")
		}

		n, err := st.DeleteBatchesBefore(ctx, time.Now().Add(-olderThan))
		if err != nil {
			return eris.Wrap(err, "batches prune")
		}
		zap.L().Info("batches pruned", zap.Int("deleted", n), zap.Duration("older_than", olderThan))
		return nil
	},
}

func init() {
	batchesListCmd.Flags().String("status", "", "filter by batch status (pending, processing, enriching, completed, failed, cancelled)")
	batchesListCmd.Flags().Int("limit", 50, "max number of batches to display")

	batchesShowCmd.Flags().Bool("json", false, "print the batch and stats as JSON")

	batchesPruneCmd.Flags().Duration("older-than", 30*24*time.Hour, "delete batches created before now minus this window")

	batchesCmd.AddCommand(batchesListCmd)
	batchesCmd.AddCommand(batchesShowCmd)
	batchesCmd.AddCommand(batchesDeleteCmd)
	batchesCmd.AddCommand(batchesPruneCmd)
	rootCmd.AddCommand(batchesCmd)
}

// openStore opens and migrates the store for the read-only inspection commands.
func openStore(cmd *cobra.Command) (store.Store, error) {
	if err := cfg.Validate("inspect"); err != nil {
		return nil, err
	}
	st, err := initStore(cmd.Context())
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(cmd.Context()); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// formatBatchList writes a tabular list of batches to w.
func formatBatchList(out io.Writer, batches []model.Batch) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tFILE\tSTATUS\tPROGRESS\tCREATED")
	_, _ = fmt.Fprintln(w, "--\t----\t------\t--------\t-------")

	for _, b := range batches {
		name := b.FileName
		if len(name) > 30 {
			name = name[:27] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d (%.0f%%)\t%s\n",
			truncateID(b.ID),
			name,
			b.Status,
			b.ProcessedRecords,
			b.TotalRecords,
			b.Progress(),
			b.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// formatBatchDetail writes one batch, its modules and its aggregate stats to w.
func formatBatchDetail(out io.Writer, b *model.Batch, s *model.BatchStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Batch:\t%s\n", b.ID)
	_, _ = fmt.Fprintf(w, "File:\t%s\n", b.FileName)
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", b.Status)
	_, _ = fmt.Fprintf(w, "Progress:\t%d/%d (%.1f%%)\n", b.ProcessedRecords, b.TotalRecords, b.Progress())
	if b.ErrorMessage != "" {
		_, _ = fmt.Fprintf(w, "Error:\t%s\n", b.ErrorMessage)
	}

	if len(b.Modules) > 0 {
		_, _ = fmt.Fprintln(w, "\nMODULE\tSTATUS\tPROCESSED\tSUCCEEDED\tFAILED")
		for _, name := range model.AllModules {
			ms, ok := b.Modules[name]
			if !ok {
				continue
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\n", name, ms.Status, ms.Processed, ms.Succeeded, ms.Failed)
		}
	}

	if s != nil {
		_, _ = fmt.Fprintf(w, "\nRecords:\t%d\n", s.Records)
		cats := make([]string, 0, len(s.ByCategory))
		for c := range s.ByCategory {
			cats = append(cats, string(c))
		}
		sort.Strings(cats)
		for _, c := range cats {
			_, _ = fmt.Fprintf(w, "  %s:\t%d\n", c, s.ByCategory[model.Category(c)])
		}
		_, _ = fmt.Fprintf(w, "Avg confidence:\t%.3f\n", s.AvgConfidence)
		_, _ = fmt.Fprintf(w, "Needs review:\t%d\n", s.NeedsReview)
		_, _ = fmt.Fprintf(w, "Excluded:\t%d\n", s.Excluded)
		_, _ = fmt.Fprintf(w, "Matched:\t%d (%.1f%%)\n", s.Matched, s.MatchRate()*100)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
