package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/catalogops/enrich-cli/internal/model"
)

var (
	resumeThreadID    string
	resumeDecision    string
	resumeConfidence  float64
	resumeReviewer    string
	resumeNote        string
	resumePayloadFile string
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Apply a review decision to a held thread",
	Long:  "Applies an approve, reject, or override decision to a thread in needs_human_review and drives it to settlement.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		sig := model.ResumeSignal{
			ThreadID: resumeThreadID,
			Decision: model.ReviewDecision(resumeDecision),
			Reviewer: resumeReviewer,
			Note:     resumeNote,
		}

		switch sig.Decision {
		case model.DecisionApprove, model.DecisionReject, model.DecisionOverride:
		default:
			return eris.Errorf("unknown decision %q", resumeDecision)
		}

		if cmd.Flags().Changed("confidence") {
			sig.Confidence = &resumeConfidence
		}

		if resumePayloadFile != "" {
			data, err := os.ReadFile(resumePayloadFile)
			if err != nil {
				return eris.Wrap(err, "read edited payload")
			}
			if err := json.Unmarshal(data, &sig.EditedPayload); err != nil {
				return eris.Wrap(err, "parse edited payload")
			}
		}

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		zap.L().Info("resuming thread",
			zap.String("thread_id", sig.ThreadID),
			zap.String("decision", string(sig.Decision)),
			zap.String("reviewer", sig.Reviewer))

		thread, err := env.supervisor.Resume(ctx, sig)
		if err != nil {
			return err
		}

		return printJSON(thread)
	},
}

func init() {
	resumeCmd.Flags().StringVar(&resumeThreadID, "thread", "", "thread identifier (required)")
	resumeCmd.Flags().StringVar(&resumeDecision, "decision", "", "approve, reject, or override (required)")
	resumeCmd.Flags().Float64Var(&resumeConfidence, "confidence", 0, "confidence recorded for the escalated stage (required for override)")
	resumeCmd.Flags().StringVar(&resumeReviewer, "reviewer", "", "reviewer identifier")
	resumeCmd.Flags().StringVar(&resumeNote, "note", "", "free-form review note")
	resumeCmd.Flags().StringVar(&resumePayloadFile, "payload-file", "", "JSON file with payload section edits")
	_ = resumeCmd.MarkFlagRequired("thread")
	_ = resumeCmd.MarkFlagRequired("decision")
	rootCmd.AddCommand(resumeCmd)
}
