package main

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/catalogops/enrich-cli/internal/model"
)

var batchFile string

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Enrich a batch of SKUs from an envelope file",
	Long:  "Reads a batch envelope (JSON or YAML, chosen by file extension), runs every SKU to settlement, and prints the batch result.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		envelope, err := loadEnvelope(batchFile)
		if err != nil {
			return err
		}

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		zap.L().Info("running batch",
			zap.String("file", batchFile),
			zap.Int("skus", len(envelope.Skus)))

		result, err := env.supervisor.RunBatch(ctx, envelope)
		if err != nil {
			return err
		}

		return printJSON(result)
	},
}

func loadEnvelope(path string) (model.BatchEnvelope, error) {
	var envelope model.BatchEnvelope

	data, err := os.ReadFile(path)
	if err != nil {
		return envelope, eris.Wrap(err, "read envelope file")
	}

	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		err = yaml.Unmarshal(data, &envelope)
	} else {
		err = json.Unmarshal(data, &envelope)
	}
	if err != nil {
		return envelope, eris.Wrap(err, "parse envelope file")
	}

	if len(envelope.Skus) == 0 {
		return envelope, eris.New("envelope contains no skus")
	}

	return envelope, nil
}

func init() {
	batchCmd.Flags().StringVarP(&batchFile, "file", "f", "", "path to batch envelope file (required)")
	_ = batchCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(batchCmd)
}
