package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hupe1980/geocomply/agent"
)

var jargonCmd = &cobra.Command{
	Use:   "jargon [term]",
	Short: "List the normalization glossary or look up one term",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runJargon,
}

var jargonJSON bool

func init() {
	jargonCmd.Flags().BoolVar(&jargonJSON, "json", false, "Output as JSON")
	rootCmd.AddCommand(jargonCmd)
}

func runJargon(cmd *cobra.Command, args []string) error {
	_, svc, err := openService()
	if err != nil {
		return err
	}
	defer svc.Close()

	terms := svc.JargonTerms()
	if len(args) == 1 {
		t, err := svc.JargonTerm(args[0])
		if err != nil {
			return err
		}
		terms = []agent.Term{t}
	}
	if jargonJSON {
		return printJSON(cmd, terms)
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TERM\tEXPANSION\tTAGS")
	for _, t := range terms {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", t.Term, t.Expansion, strings.Join(t.Tags, ","))
	}
	return tw.Flush()
}
