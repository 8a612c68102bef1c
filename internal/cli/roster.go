package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var rosterCmd = &cobra.Command{
	Use:   "roster",
	Short: "List the stage processors and their operability",
	RunE:  runRoster,
}

var rosterJSON bool // Output as JSON

func init() {
	rosterCmd.Flags().BoolVar(&rosterJSON, "json", false, "Output the roster as JSON")
	rootCmd.AddCommand(rosterCmd)
}

func runRoster(cmd *cobra.Command, _ []string) error {
	_, svc, err := openService()
	if err != nil {
		return err
	}
	defer svc.Close()

	roster := svc.Roster()
	if rosterJSON {
		return printJSON(cmd, roster)
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTAGE\tMODEL\tCRITICAL\tSTATUS\tCALLS\tFAILURES")
	for _, st := range roster {
		model := st.Model
		if model == "" {
			model = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%d\t%d\n",
			st.Name, st.Stage, model, st.Critical, st.Operability, st.Calls, st.Failures)
	}
	return tw.Flush()
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
