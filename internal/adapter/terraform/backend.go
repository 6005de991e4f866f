package terraform

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"

	"github.com/hashicorp/terraform-exec/tfexec"
	log "github.com/sirupsen/logrus"
)

// workspace is the slice of terraform a Backend drives.
type workspace interface {
	Init(ctx context.Context) error
	Validate(ctx context.Context) error
	Apply(ctx context.Context, vars []string) error
	Destroy(ctx context.Context, vars []string) error
	Output(ctx context.Context) (map[string]json.RawMessage, error)
	Version(ctx context.Context) (string, error)
}

// Backend runs the terraform binary in a workspace directory. It satisfies
// domain.IaCBackend and provisioning.Initializer.
type Backend struct {
	Log *log.Entry

	execPath string
	open     func(workdir, execPath string, logger *log.Entry) (workspace, error)
}

// FindExecutable locates terraform on PATH.
func FindExecutable() (string, error) {
	p, err := exec.LookPath("terraform")
	if err != nil {
		return "", fmt.Errorf("terraform not found in PATH: %w", err)
	}
	return p, nil
}

// NewBackend creates a backend for the terraform binary at execPath. An
// empty execPath is looked up on PATH.
func NewBackend(execPath string) (*Backend, error) {
	if execPath == "" {
		p, err := FindExecutable()
		if err != nil {
			return nil, err
		}
		execPath = p
	}
	return &Backend{
		Log:      log.WithField("component", "terraform"),
		execPath: execPath,
		open:     openWorkspace,
	}, nil
}

func (b *Backend) ExecPath() string { return b.execPath }

func (b *Backend) Apply(ctx context.Context, workdir string, vars map[string]string) error {
	ws, err := b.open(workdir, b.execPath, b.Log)
	if err != nil {
		return err
	}
	b.Log.WithField("workdir", workdir).Debug("terraform apply")
	if err := ws.Apply(ctx, varArgs(vars)); err != nil {
		return fmt.Errorf("terraform apply: %w", err)
	}
	return nil
}

func (b *Backend) Destroy(ctx context.Context, workdir string, vars map[string]string) error {
	ws, err := b.open(workdir, b.execPath, b.Log)
	if err != nil {
		return err
	}
	b.Log.WithField("workdir", workdir).Debug("terraform destroy")
	if err := ws.Destroy(ctx, varArgs(vars)); err != nil {
		return fmt.Errorf("terraform destroy: %w", err)
	}
	return nil
}

// Outputs returns every output value decoded from its JSON form.
func (b *Backend) Outputs(ctx context.Context, workdir string) (map[string]any, error) {
	ws, err := b.open(workdir, b.execPath, b.Log)
	if err != nil {
		return nil, err
	}
	raw, err := ws.Output(ctx)
	if err != nil {
		return nil, fmt.Errorf("terraform output: %w", err)
	}

	out := make(map[string]any, len(raw))
	for k, v := range raw {
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return nil, fmt.Errorf("terraform output %s: %w", k, err)
		}
		out[k] = val
	}
	return out, nil
}

func (b *Backend) Init(ctx context.Context, workdir string) error {
	ws, err := b.open(workdir, b.execPath, b.Log)
	if err != nil {
		return err
	}
	if err := ws.Init(ctx); err != nil {
		return fmt.Errorf("terraform init: %w", err)
	}
	return nil
}

func (b *Backend) Validate(ctx context.Context, workdir string) error {
	ws, err := b.open(workdir, b.execPath, b.Log)
	if err != nil {
		return err
	}
	return ws.Validate(ctx)
}

// Version reports the terraform version as seen from workdir.
func (b *Backend) Version(ctx context.Context, workdir string) (string, error) {
	ws, err := b.open(workdir, b.execPath, b.Log)
	if err != nil {
		return "", err
	}
	return ws.Version(ctx)
}

// varArgs renders vars as -var k=v arguments in key order.
func varArgs(vars map[string]string) []string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+vars[k])
	}
	return out
}

type tfWorkspace struct {
	tf *tfexec.Terraform
}

func openWorkspace(workdir, execPath string, logger *log.Entry) (workspace, error) {
	tf, err := tfexec.NewTerraform(workdir, execPath)
	if err != nil {
		return nil, fmt.Errorf("open terraform workspace %s: %w", workdir, err)
	}
	if logger != nil {
		tf.SetLogger(logger)
	}
	return tfWorkspace{tf: tf}, nil
}

func (w tfWorkspace) Init(ctx context.Context) error {
	return w.tf.Init(ctx, tfexec.Upgrade(false))
}

func (w tfWorkspace) Validate(ctx context.Context) error {
	res, err := w.tf.Validate(ctx)
	if err != nil {
		return fmt.Errorf("terraform validate: %w", err)
	}
	if !res.Valid {
		return fmt.Errorf("terraform validate: %d errors, %d warnings", res.ErrorCount, res.WarningCount)
	}
	return nil
}

func (w tfWorkspace) Apply(ctx context.Context, vars []string) error {
	opts := make([]tfexec.ApplyOption, 0, len(vars))
	for _, v := range vars {
		opts = append(opts, tfexec.Var(v))
	}
	return w.tf.Apply(ctx, opts...)
}

func (w tfWorkspace) Destroy(ctx context.Context, vars []string) error {
	opts := make([]tfexec.DestroyOption, 0, len(vars))
	for _, v := range vars {
		opts = append(opts, tfexec.Var(v))
	}
	return w.tf.Destroy(ctx, opts...)
}

func (w tfWorkspace) Output(ctx context.Context) (map[string]json.RawMessage, error) {
	meta, err := w.tf.Output(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(meta))
	for k, m := range meta {
		out[k] = m.Value
	}
	return out, nil
}

func (w tfWorkspace) Version(ctx context.Context) (string, error) {
	v, _, err := w.tf.Version(ctx, true)
	if err != nil {
		return "", fmt.Errorf("terraform version: %w", err)
	}
	return v.String(), nil
}
