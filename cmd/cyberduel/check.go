package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/adapter/terraform"
	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/provisioning"
)

type checkReport struct {
	w        io.Writer
	failures int
}

func (r *checkReport) ok(format string, args ...any) {
	fmt.Fprintf(r.w, "[OK]   "+format+"\n", args...)
}

func (r *checkReport) warn(format string, args ...any) {
	fmt.Fprintf(r.w, "[WARN] "+format+"\n", args...)
}

func (r *checkReport) fail(format string, args ...any) {
	r.failures++
	fmt.Fprintf(r.w, "[FAIL] "+format+"\n", args...)
}

func newCheckCmd(opts *rootOptions) *cobra.Command {
	var provider, template string
	var initWorkspace bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check the local environment before serving tests",
		Long: `Check verifies the configuration, the working directories and the
terraform installation. With --provider and --template it also resolves the
infrastructure workspace, and with --init runs terraform init and validate
in it.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := opts.cfg
			r := &checkReport{w: cmd.OutOrStdout()}

			r.ok("configuration valid")
			for _, f := range opts.envFiles {
				if _, err := os.Stat(f); err == nil {
					r.ok("env file %s loaded", f)
				} else {
					r.warn("env file %s not found", f)
				}
			}

			if cfg.Results.Dir != "" {
				if err := os.MkdirAll(cfg.Results.Dir, 0o755); err != nil {
					r.fail("results directory %s: %v", cfg.Results.Dir, err)
				} else {
					r.ok("results directory %s", cfg.Results.Dir)
				}
			}
			if cfg.Logging.File != "" {
				dir := filepath.Dir(cfg.Logging.File)
				if err := os.MkdirAll(dir, 0o755); err != nil {
					r.fail("log directory %s: %v", dir, err)
				} else {
					r.ok("log file %s", cfg.Logging.File)
				}
			}

			workdir := "."
			if provider != "" && template != "" {
				wd, err := provisioning.ResolveWorkdir(cfg.Terraform, provider, template)
				if err != nil {
					r.fail("%v", err)
				} else {
					r.ok("workspace %s", wd)
					workdir = wd
				}
			} else if _, err := os.Stat(cfg.Terraform.BaseDir); err != nil {
				r.warn("terraform base dir %s not found", cfg.Terraform.BaseDir)
			}

			path, err := terraform.FindExecutable()
			if err != nil {
				r.fail("%v", err)
				return r.result()
			}
			backend, err := terraform.NewBackend(path)
			if err != nil {
				r.fail("%v", err)
				return r.result()
			}
			ctx := cmd.Context()
			if v, err := backend.Version(ctx, workdir); err != nil {
				r.fail("terraform version: %v", err)
			} else {
				r.ok("terraform %s at %s", v, path)
			}

			if initWorkspace && workdir != "." {
				if err := backend.Init(ctx, workdir); err != nil {
					r.fail("%v", err)
				} else if err := backend.Validate(ctx, workdir); err != nil {
					r.fail("%v", err)
				} else {
					r.ok("workspace initialised and valid")
				}
			}
			return r.result()
		},
	}

	cmd.Flags().StringVar(&provider, "provider", "", "Cloud provider of the workspace to check")
	cmd.Flags().StringVar(&template, "template", "", "OS template of the workspace to check")
	cmd.Flags().BoolVar(&initWorkspace, "init", false, "Run terraform init and validate in the workspace")
	return cmd
}

func (r *checkReport) result() error {
	if r.failures > 0 {
		return fmt.Errorf("%d check(s) failed", r.failures)
	}
	return nil
}
