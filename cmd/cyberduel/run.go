package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/domain"
	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/events"
	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/usecase"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	var jobPath string
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one test job locally and print its event stream",
		Example: `  cyberduel run --job job.json
  cyberduel run --job job.yaml --json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			job, err := readJob(jobPath)
			if err != nil {
				return err
			}
			if err := job.Validate(opts.cfg.Orchestrator.Limits); err != nil {
				return err
			}

			a, err := newApp(opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := runJob(cmd.Context(), a.orchestrator, job, a.mirror(), cmd.OutOrStdout(), jsonOut)
			if res != nil && !jsonOut {
				printResult(cmd.OutOrStdout(), res, a.cfg.Orchestrator.Roles)
			}
			if err != nil {
				return err
			}
			if res != nil && res.Status != usecase.StatusCompleted {
				return fmt.Errorf("test %s %s", res.TestID, res.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&jobPath, "job", "j", "", "Path to the job file (JSON or YAML)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print events as JSON lines")
	_ = cmd.MarkFlagRequired("job")
	return cmd
}

// readJob decodes a job file. YAML jobs go through their JSON form so both
// formats get the same required-field checks.
func readJob(path string) (domain.TestJob, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.TestJob{}, fmt.Errorf("read job: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return domain.TestJob{}, fmt.Errorf("parse job %s: %w", path, err)
		}
		if data, err = json.Marshal(doc); err != nil {
			return domain.TestJob{}, fmt.Errorf("parse job %s: %w", path, err)
		}
	}
	return domain.DecodeJob(data)
}

type jobRunner interface {
	Execute(ctx context.Context, job domain.TestJob, sink domain.EventSink) (*domain.TestResult, error)
}

// runJob executes job while printing every event to out. Interrupting the
// context stops the run.
func runJob(ctx context.Context, r jobRunner, job domain.TestJob, mirror func(string) domain.EventSink, out io.Writer, jsonOut bool) (*domain.TestResult, error) {
	stream := events.NewStream()
	var sink domain.EventSink = stream
	if mirror != nil {
		if m := mirror(job.TestID); m != nil {
			sink = events.Tee{m, stream}
		}
	}

	type outcome struct {
		res *domain.TestResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := r.Execute(ctx, job, sink)
		done <- outcome{res, err}
	}()

	enc := json.NewEncoder(out)
	for {
		ev, err := stream.Next(context.Background())
		if errors.Is(err, events.ErrStreamEnded) {
			break
		}
		if err != nil {
			return nil, err
		}
		if jsonOut {
			_ = enc.Encode(ev)
			continue
		}
		fmt.Fprintf(out, "%s [%-7s] %s\n", ev.Timestamp.Format("15:04:05"), ev.Level, ev.Message)
	}

	o := <-done
	return o.res, o.err
}

func printResult(w io.Writer, res *domain.TestResult, roles []domain.RoleBinding) {
	fmt.Fprintf(w, "\n=== %s (%s) ===\n", res.TestName, res.TestID)
	fmt.Fprintf(w, "Status:   %s\n", res.Status)
	fmt.Fprintf(w, "Duration: %.1fs\n", res.DurationSeconds)
	fmt.Fprintf(w, "Attacks:  %d\n", len(res.Attacks))
	for _, b := range roles {
		s, ok := res.FinalScore[b.Role]
		if !ok {
			continue
		}
		fmt.Fprintf(w, "  %-6s HP %3d  damage %3d  defense %3d  total %3d\n",
			b.Role.DisplayName(), s.HPRemaining, s.DamageTaken, s.DefensePoints, s.TotalScore)
	}
	if res.Winner.Label != "" {
		fmt.Fprintf(w, "Winner:   %s\n", res.Winner.Label)
	}
	for _, e := range res.Errors {
		fmt.Fprintf(w, "Error:    %s\n", e)
	}
}
