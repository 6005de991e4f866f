package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/catalog"
	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/domain"
)

func newAttacksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attacks",
		Short: "Browse the attack catalog",
	}
	cmd.AddCommand(newAttacksListCmd(), newAttacksShowCmd())
	return cmd
}

func newAttacksListCmd() *cobra.Command {
	var tactic, severity, query string
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List attack techniques",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cat, err := catalog.Builtin()
			if err != nil {
				return err
			}

			attacks := cat.Query(tactic, severity, query)

			if jsonOut {
				return writeJSON(cmd.OutOrStdout(), attacks)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TTP ID\tNAME\tTACTIC\tSEVERITY\tDAMAGE")
			for _, a := range attacks {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", a.TTPID, a.Name, a.Tactic, a.Severity, a.ExpectedDamage)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\n%d technique(s)\n", len(attacks))
			return nil
		},
	}

	cmd.Flags().StringVar(&tactic, "tactic", "", "Filter by tactic (case-insensitive)")
	cmd.Flags().StringVar(&severity, "severity", "", "Filter by severity (LOW, MEDIUM, HIGH, CRITICAL)")
	cmd.Flags().StringVarP(&query, "query", "q", "", "Search name and description")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func newAttacksShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <ttp_id>",
		Short: "Show one attack technique with its payloads",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := catalog.Builtin()
			if err != nil {
				return err
			}
			tech, err := cat.Lookup(strings.ToUpper(args[0]))
			if err != nil {
				return err
			}
			printTechnique(cmd.OutOrStdout(), tech)
			return nil
		},
	}
}

func printTechnique(w io.Writer, t domain.AttackTechnique) {
	fmt.Fprintf(w, "%s - %s\n", t.TTPID, t.Name)
	fmt.Fprintf(w, "Tactic:     %s\n", t.Tactic)
	fmt.Fprintf(w, "Severity:   %s\n", t.Severity)
	fmt.Fprintf(w, "Damage:     %d\n", t.ExpectedDamage)
	fmt.Fprintf(w, "Detection:  %s\n", t.DetectionDifficulty)
	fmt.Fprintf(w, "\n%s\n", t.Description)

	fmt.Fprintln(w, "\nPayloads:")
	for _, p := range t.PayloadVariants {
		fmt.Fprintf(w, "  [%s] %s\n", p.Name, p.Command)
	}
	if len(t.ValidationChecks) > 0 {
		fmt.Fprintln(w, "\nValidation checks:")
		for _, c := range t.ValidationChecks {
			fmt.Fprintf(w, "  %s\n", c)
		}
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
