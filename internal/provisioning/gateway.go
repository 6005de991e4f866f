package provisioning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/domain"
)

// Config describes where IaC workspaces live and how long each step may run.
type Config struct {
	// BaseDir holds one workspace per <provider>/<os_template>.
	// Default: ./iac
	BaseDir string `yaml:"base_dir"`
	// LegacyDir is used when the per-template workspace does not exist.
	// Default: ./infra_cyberduel
	LegacyDir string `yaml:"legacy_dir"`

	ApplyTimeout   time.Duration `yaml:"apply_timeout"`
	DestroyTimeout time.Duration `yaml:"destroy_timeout"`
	OutputTimeout  time.Duration `yaml:"output_timeout"`
	InitTimeout    time.Duration `yaml:"init_timeout"`
	// Cooldown separates destroy from apply during a reset.
	Cooldown time.Duration `yaml:"cooldown"`

	// OutputKeyPattern selects the outputs that carry machine addresses.
	OutputKeyPattern string `yaml:"output_key_pattern"`
}

func DefaultConfig() Config {
	return Config{
		BaseDir:          "./iac",
		LegacyDir:        "./infra_cyberduel",
		ApplyTimeout:     600 * time.Second,
		DestroyTimeout:   300 * time.Second,
		OutputTimeout:    30 * time.Second,
		InitTimeout:      120 * time.Second,
		Cooldown:         5 * time.Second,
		OutputKeyPattern: "ip_competidor",
	}
}

// Initializer is implemented by backends that can prepare a workspace.
type Initializer interface {
	Init(ctx context.Context, workdir string) error
	Validate(ctx context.Context, workdir string) error
}

// Gateway drives the IaC backend for one test run and one workspace.
type Gateway struct {
	Log *log.Entry

	backend domain.IaCBackend
	cfg     Config
	sink    domain.EventSink
	clock   domain.Clock
	workdir string
	vars    map[string]string
}

type Option func(*Gateway)

func WithClock(c domain.Clock) Option {
	return func(g *Gateway) { g.clock = c }
}

func WithLogger(l *log.Entry) Option {
	return func(g *Gateway) { g.Log = l }
}

// NewGateway resolves the workspace for job. A missing workspace is a
// ProvisioningError.
func NewGateway(backend domain.IaCBackend, cfg Config, job domain.TestJob, sink domain.EventSink, opts ...Option) (*Gateway, error) {
	dir, err := ResolveWorkdir(cfg, job.CloudProvider, job.OSTemplate)
	if err != nil {
		return nil, err
	}
	g := &Gateway{
		backend: backend,
		cfg:     cfg,
		sink:    sink,
		clock:   domain.SystemClock{},
		workdir: dir,
		vars:    BuildVars(job.VMConfig),
		Log:     log.WithField("workdir", dir),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.emit(domain.LevelInfo, "infrastructure workspace: "+dir, map[string]any{"workdir": dir})
	return g, nil
}

func (g *Gateway) Workdir() string { return g.workdir }

// Vars returns a copy of the backend variables.
func (g *Gateway) Vars() map[string]string {
	out := make(map[string]string, len(g.vars))
	for k, v := range g.vars {
		out[k] = v
	}
	return out
}

// ResolveWorkdir picks <base>/<provider>/<template>, falling back to the
// legacy directory.
func ResolveWorkdir(cfg Config, provider, template string) (string, error) {
	primary := filepath.Join(cfg.BaseDir, provider, template)
	if isDir(primary) {
		return primary, nil
	}
	if cfg.LegacyDir != "" && isDir(cfg.LegacyDir) {
		return cfg.LegacyDir, nil
	}
	return "", domain.New(domain.KindProvisioning, "infrastructure workspace not found: "+primary).
		WithContext("workdir", primary)
}

// BuildVars maps a VM configuration to backend variables. Zero values take
// the same defaults the workspaces were written against.
func BuildVars(vm domain.VMConfig) map[string]string {
	return map[string]string{
		"vm_cpu":         strconv.Itoa(orInt(vm.CPU, 2)),
		"vm_ram":         strconv.Itoa(orInt(vm.RAMMB, 4096)),
		"vm_switch":      orString(vm.SwitchName, "Default Switch"),
		"base_vhdx_path": orString(vm.BaseImagePath, `C:\HyperV-Disks\VM-BASE.vhdx`),
		"admin_user":     orString(vm.AdminUser, "adm"),
		"admin_password": orString(vm.AdminPassword, "adm123"),
	}
}

// ResetEnvironment destroys whatever exists, waits the cooldown, then
// applies. Only the apply outcome is returned.
func (g *Gateway) ResetEnvironment(ctx context.Context) error {
	g.emit(domain.LevelInfo, "starting destroy", nil)
	if err := g.Destroy(ctx); err != nil {
		g.Log.WithError(err).Warn("destroy failed, continuing with apply")
	}

	if err := g.clock.Sleep(ctx, g.cfg.Cooldown); err != nil {
		return domain.Wrap(domain.KindProvisioning, "reset interrupted", err)
	}

	g.emit(domain.LevelInfo, "starting apply", nil)
	return g.Apply(ctx)
}

// Apply creates the machines. Any failure, timeout included, is fatal.
func (g *Gateway) Apply(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx, g.cfg.ApplyTimeout)
	defer cancel()

	g.emit(domain.LevelDebug, "apply variables: "+strings.Join(sortedKeys(g.vars), ", "), nil)

	start := g.clock.Now()
	err := g.backend.Apply(ctx, g.workdir, g.vars)
	elapsed := g.clock.Now().Sub(start)

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		msg := fmt.Sprintf("apply exceeded timeout of %s", g.cfg.ApplyTimeout)
		g.emit(domain.LevelError, msg, nil)
		return domain.Wrap(domain.KindProvisioning, msg, context.DeadlineExceeded)
	}
	if err != nil {
		g.emit(domain.LevelError, "apply failed", map[string]any{"error": truncate(err.Error(), 1000)})
		return domain.Wrap(domain.KindProvisioning, "apply failed", err)
	}

	g.emit(domain.LevelSuccess, fmt.Sprintf("apply finished in %.2fs", elapsed.Seconds()), nil)
	return nil
}

// Destroy tears the machines down. Failures come back as
// ProvisioningWarning errors and never abort a run.
func (g *Gateway) Destroy(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx, g.cfg.DestroyTimeout)
	defer cancel()

	start := g.clock.Now()
	err := g.backend.Destroy(ctx, g.workdir, g.vars)
	elapsed := g.clock.Now().Sub(start)

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		msg := fmt.Sprintf("destroy exceeded timeout of %s", g.cfg.DestroyTimeout)
		g.emit(domain.LevelError, msg, nil)
		return domain.Wrap(domain.KindProvisioningWarning, msg, context.DeadlineExceeded)
	}
	if err != nil {
		g.emit(domain.LevelWarning, "destroy finished with warnings", map[string]any{"error": truncate(err.Error(), 500)})
		return domain.Wrap(domain.KindProvisioningWarning, "destroy failed", err)
	}

	g.emit(domain.LevelSuccess, fmt.Sprintf("destroy finished in %.2fs", elapsed.Seconds()), nil)
	return nil
}

// ReadOutputs returns the address outputs keyed by output name. No
// matching key is a ProvisioningError.
func (g *Gateway) ReadOutputs(ctx context.Context) (map[string]string, error) {
	ctx, cancel := withTimeout(ctx, g.cfg.OutputTimeout)
	defer cancel()

	g.emit(domain.LevelInfo, "reading infrastructure outputs", nil)
	raw, err := g.backend.Outputs(ctx, g.workdir)
	if err != nil {
		g.emit(domain.LevelError, "could not read outputs", map[string]any{"error": err.Error()})
		return nil, domain.Wrap(domain.KindProvisioning, "read outputs", err)
	}

	addrs := make(map[string]string)
	for key, value := range raw {
		if !strings.Contains(key, g.cfg.OutputKeyPattern) {
			continue
		}
		addrs[key] = stringify(value)
		g.emit(domain.LevelDebug, fmt.Sprintf("captured %s: %s", key, addrs[key]), nil)
	}

	if len(addrs) == 0 {
		g.emit(domain.LevelError, "no machine address found in outputs", map[string]any{"pattern": g.cfg.OutputKeyPattern})
		return nil, domain.New(domain.KindProvisioning, "no output matches "+g.cfg.OutputKeyPattern).
			WithContext("outputs", sortedKeys(raw))
	}
	return addrs, nil
}

// Init prepares the workspace when the backend supports it.
func (g *Gateway) Init(ctx context.Context) error {
	in, ok := g.backend.(Initializer)
	if !ok {
		return nil
	}

	ctx, cancel := withTimeout(ctx, g.cfg.InitTimeout)
	defer cancel()

	g.emit(domain.LevelInfo, "initialising infrastructure workspace", nil)
	if err := in.Init(ctx, g.workdir); err != nil {
		g.emit(domain.LevelError, "init failed", map[string]any{"error": err.Error()})
		return domain.Wrap(domain.KindProvisioning, "init failed", err)
	}
	if err := in.Validate(ctx, g.workdir); err != nil {
		g.emit(domain.LevelError, "workspace validation failed", map[string]any{"error": err.Error()})
		return domain.Wrap(domain.KindProvisioning, "validate failed", err)
	}
	g.emit(domain.LevelSuccess, "workspace valid", nil)
	return nil
}

func (g *Gateway) emit(level domain.Level, msg string, data map[string]any) {
	if g.sink != nil {
		g.sink.Emit(level, msg, data)
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.RawMessage:
		var s string
		if json.Unmarshal(t, &s) == nil {
			return s
		}
		return string(t)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func isDir(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.IsDir()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func orInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func orString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
