package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/hupe1980/geocomply/core"
	"github.com/hupe1980/geocomply/stream"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Analyze features and print the event stream as NDJSON",
	Long: `Analyze one feature given by --name and --description, or every feature
in a JSON file given by --file ("-" reads stdin). The file holds a single
feature object or an array of them:

  [{"name": "Curfew Banner", "description": "Shows a banner to minors after 10pm"}]

Status and final records are written to stdout, one JSON object per line.
Runs that park for human review end with an awaiting_human record; resume
them with "geocomply review". Reviews across invocations need the sqlite
store driver.`,
	Args: cobra.NoArgs,
	RunE: runAnalyze,
}

var (
	analyzeName        string
	analyzeDescription string
	analyzeFile        string
)

func init() {
	analyzeCmd.Flags().StringVarP(&analyzeName, "name", "n", "", "feature name")
	analyzeCmd.Flags().StringVarP(&analyzeDescription, "description", "d", "", "feature description")
	analyzeCmd.Flags().StringVarP(&analyzeFile, "file", "f", "", "JSON file with one feature or an array of features")
	analyzeCmd.MarkFlagsMutuallyExclusive("name", "file")
	analyzeCmd.MarkFlagsMutuallyExclusive("description", "file")
	rootCmd.AddCommand(analyzeCmd)
}

func runAnalyze(cmd *cobra.Command, _ []string) error {
	inputs, err := analyzeInputs(cmd.InOrStdin())
	if err != nil {
		return err
	}

	_, svc, err := openService()
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx := cmd.Context()
	var events <-chan core.StreamEvent
	if len(inputs) == 1 {
		_, events, err = svc.Submit(ctx, inputs[0])
	} else {
		_, events, err = svc.SubmitBatch(ctx, inputs)
	}
	if err != nil {
		return err
	}

	return printEvents(cmd, events)
}

func analyzeInputs(stdin io.Reader) ([]core.FeatureInput, error) {
	if analyzeFile == "" {
		if analyzeName == "" {
			return nil, errors.New("either --name or --file is required")
		}
		return []core.FeatureInput{{Name: analyzeName, Description: analyzeDescription}}, nil
	}

	var (
		raw []byte
		err error
	)
	if analyzeFile == "-" {
		raw, err = io.ReadAll(stdin)
	} else {
		raw, err = os.ReadFile(analyzeFile)
	}
	if err != nil {
		return nil, fmt.Errorf("read features: %w", err)
	}

	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '{' {
		var in core.FeatureInput
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, fmt.Errorf("decode features: %w", err)
		}
		return []core.FeatureInput{in}, nil
	}
	var inputs []core.FeatureInput
	if err := json.Unmarshal(raw, &inputs); err != nil {
		return nil, fmt.Errorf("decode features: %w", err)
	}
	if len(inputs) == 0 {
		return nil, errors.New("no features to analyze")
	}
	return inputs, nil
}

// printEvents copies a run stream to stdout as NDJSON and fails when any
// run ended with an error record.
func printEvents(cmd *cobra.Command, events <-chan core.StreamEvent) error {
	failed := 0
	w := stream.NewWriter(cmd.OutOrStdout())
	for ev := range events {
		if err := w.Write(ev); err != nil {
			return err
		}
		if ev.Event == core.EventError {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d run(s) failed", failed)
	}
	return nil
}
