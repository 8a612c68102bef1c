package cli

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/hupe1980/geocomply/core"
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Apply a human decision to a run awaiting review",
	Long: `Apply a human decision to a run parked at awaiting_human and print the
resumed stream as NDJSON.

Actions:
  approve          accept the run's decision and finalize it
  reject           finalize the run as rejected
  request-changes  replan the run with the reviewer's reason as guidance

Use --history to list the decisions already recorded for a feature.`,
	Args: cobra.NoArgs,
	RunE: runReview,
}

var (
	reviewFeatureID string
	reviewAction    string
	reviewReason    string
	reviewReviewer  string
	reviewHistory   bool
)

func init() {
	reviewCmd.Flags().StringVar(&reviewFeatureID, "feature-id", "", "feature id of the parked run")
	reviewCmd.Flags().StringVarP(&reviewAction, "action", "a", "", "approve, reject or request-changes")
	reviewCmd.Flags().StringVarP(&reviewReason, "reason", "r", "", "reason recorded with the decision")
	reviewCmd.Flags().StringVar(&reviewReviewer, "reviewer", os.Getenv("USER"), "reviewer name recorded with the decision")
	reviewCmd.Flags().BoolVar(&reviewHistory, "history", false, "list recorded decisions instead of applying one")
	_ = reviewCmd.MarkFlagRequired("feature-id")
	rootCmd.AddCommand(reviewCmd)
}

func runReview(cmd *cobra.Command, _ []string) error {
	if !reviewHistory && reviewAction == "" {
		return errors.New("--action is required")
	}

	_, svc, err := openService()
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx := cmd.Context()
	if reviewHistory {
		records, err := svc.Reviews(ctx, reviewFeatureID)
		if err != nil {
			return err
		}
		return printJSON(cmd, records)
	}

	action, err := core.ParseHumanAction(reviewAction)
	if err != nil {
		return err
	}
	events, err := svc.Resume(ctx, core.HumanDecision{
		FeatureID: reviewFeatureID,
		Action:    action,
		Reason:    reviewReason,
		Reviewer:  reviewReviewer,
	})
	if err != nil {
		return err
	}
	return printEvents(cmd, events)
}
