package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/catalogops/enrich-cli/internal/model"
)

var (
	runSKUID       string
	runName        string
	runDescription string
	runCategory    string
	runPrice       float64
	runCurrency    string
	runAttrs       map[string]string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Enrich a single SKU through the full pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		attrs := make(map[string]any, len(runAttrs))
		for k, v := range runAttrs {
			attrs[k] = v
		}

		envelope := model.BatchEnvelope{
			Source: "cli",
			Skus: []model.RawSku{{
				SKUID:       runSKUID,
				Name:        runName,
				Description: runDescription,
				Category:    runCategory,
				Price:       runPrice,
				Currency:    runCurrency,
				Attributes:  attrs,
			}},
		}

		zap.L().Info("running single SKU", zap.String("sku_id", runSKUID))

		result, err := env.supervisor.RunBatch(ctx, envelope)
		if err != nil {
			return err
		}

		return printJSON(result)
	},
}

func init() {
	runCmd.Flags().StringVar(&runSKUID, "sku", "", "SKU identifier (required)")
	runCmd.Flags().StringVar(&runName, "name", "", "product name")
	runCmd.Flags().StringVar(&runDescription, "description", "", "product description")
	runCmd.Flags().StringVar(&runCategory, "category", "", "product category")
	runCmd.Flags().Float64Var(&runPrice, "price", 0, "unit price")
	runCmd.Flags().StringVar(&runCurrency, "currency", "", "price currency code")
	runCmd.Flags().StringToStringVar(&runAttrs, "attr", nil, "raw attribute key=value (repeatable)")
	_ = runCmd.MarkFlagRequired("sku")
	rootCmd.AddCommand(runCmd)
}
