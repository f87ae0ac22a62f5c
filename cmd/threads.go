package main

import (
	"github.com/spf13/cobra"

	"github.com/catalogops/enrich-cli/internal/model"
	"github.com/catalogops/enrich-cli/internal/store"
)

var (
	threadsStatus string
	threadsBatch  string
	threadsSKU    string
	threadsLimit  int
)

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "List enrichment threads",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		threads, err := st.ListThreads(ctx, store.ThreadFilter{
			Status:  model.ThreadStatus(threadsStatus),
			BatchID: threadsBatch,
			SKUID:   threadsSKU,
			Limit:   threadsLimit,
		})
		if err != nil {
			return err
		}

		return printJSON(threads)
	},
}

var threadShowCmd = &cobra.Command{
	Use:   "thread <thread-id>",
	Short: "Show one thread's full state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		thread, err := st.GetThread(ctx, args[0])
		if err != nil {
			return err
		}

		return printJSON(thread)
	},
}

func init() {
	threadsCmd.Flags().StringVar(&threadsStatus, "status", "", "filter by status (in_progress, needs_human_review, done, rejected_duplicate, dead_letter)")
	threadsCmd.Flags().StringVar(&threadsBatch, "batch", "", "filter by batch id")
	threadsCmd.Flags().StringVar(&threadsSKU, "sku", "", "filter by SKU id")
	threadsCmd.Flags().IntVar(&threadsLimit, "limit", 50, "maximum threads to return")
	rootCmd.AddCommand(threadsCmd)
	rootCmd.AddCommand(threadShowCmd)
}
