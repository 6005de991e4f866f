package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/adapter/jsonreport"
	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/adapter/sqlitestore"
	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/domain"
	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/usecase"
)

func newResultsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "results",
		Short: "Inspect stored test results",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List result files in the results directory",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ids, err := jsonreport.New(opts.cfg.Results.Dir).List()
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}

	var asJSON bool
	show := &cobra.Command{
		Use:   "show <test_id>",
		Short: "Show one stored result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repos := usecase.ResultRepos{jsonreport.New(opts.cfg.Results.Dir)}
			if p := opts.cfg.Results.SQLitePath; p != "" {
				store, err := sqlitestore.Open(p)
				if err != nil {
					return err
				}
				defer store.Close()
				repos = append(repos, store)
			}

			res, err := repos.Load(args[0])
			if errors.Is(err, domain.ErrResultNotFound) {
				return fmt.Errorf("result %s not found", args[0])
			}
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			printResult(cmd.OutOrStdout(), res, opts.cfg.Orchestrator.Roles)
			return nil
		},
	}
	show.Flags().BoolVar(&asJSON, "json", false, "Print the full result document")

	var limit int
	recent := &cobra.Command{
		Use:   "recent",
		Short: "List the latest runs from the history database",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p := opts.cfg.Results.SQLitePath
			if p == "" {
				return errors.New("results.sqlite_path is not configured")
			}
			store, err := sqlitestore.Open(p)
			if err != nil {
				return err
			}
			defer store.Close()

			rows, err := store.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TEST ID\tNAME\tSTATUS\tWINNER\tSTARTED\tDURATION")
			for _, r := range rows {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%.0fs\n",
					r.TestID, r.TestName, r.Status, r.Winner, r.StartTime.Format("2006-01-02 15:04"), r.DurationSeconds)
			}
			return w.Flush()
		},
	}
	recent.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of rows")

	cmd.AddCommand(list, show, recent)
	return cmd
}
