package main

import (
	"github.com/spf13/cobra"
)

var auditCmd = &cobra.Command{
	Use:   "audit <thread-id>",
	Short: "Print a thread's audit trail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		trail, err := st.AuditTrail(ctx, args[0])
		if err != nil {
			return err
		}

		return printJSON(trail)
	},
}

func init() {
	rootCmd.AddCommand(auditCmd)
}
