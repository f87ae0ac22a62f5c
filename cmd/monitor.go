package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/catalogops/enrich-cli/internal/monitoring"
)

var monitorSend bool

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Collect pipeline metrics and evaluate alert thresholds",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		snap, err := env.collector.Collect(ctx)
		if err != nil {
			return err
		}

		alerts := env.alerter.Evaluate(snap)
		if monitorSend && len(alerts) > 0 {
			sent := env.alerter.SendAlerts(ctx, alerts)
			zap.L().Info("alerts dispatched", zap.Int("sent", sent), zap.Int("total", len(alerts)))
		}

		return printJSON(struct {
			Metrics *monitoring.MetricsSnapshot `json:"metrics"`
			Alerts  []monitoring.Alert          `json:"alerts,omitempty"`
		}{snap, alerts})
	},
}

func init() {
	monitorCmd.Flags().BoolVar(&monitorSend, "send", false, "deliver triggered alerts to the configured webhook")
	rootCmd.AddCommand(monitorCmd)
}
