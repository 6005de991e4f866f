package provisioning

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/domain"
)

type fakeBackend struct {
	mu         sync.Mutex
	calls      []string
	applyErr   error
	destroyErr error
	outputs    map[string]any
	outputsErr error
	blockApply bool
	appliedVar map[string]string
}

func (f *fakeBackend) record(op string) {
	f.mu.Lock()
	f.calls = append(f.calls, op)
	f.mu.Unlock()
}

func (f *fakeBackend) Apply(ctx context.Context, _ string, vars map[string]string) error {
	f.record("apply")
	f.appliedVar = vars
	if f.blockApply {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.applyErr
}

func (f *fakeBackend) Destroy(context.Context, string, map[string]string) error {
	f.record("destroy")
	return f.destroyErr
}

func (f *fakeBackend) Outputs(context.Context, string) (map[string]any, error) {
	f.record("outputs")
	return f.outputs, f.outputsErr
}

type noWaitClock struct {
	mu    sync.Mutex
	slept []time.Duration
}

func (c *noWaitClock) Now() time.Time { return time.Now() }

func (c *noWaitClock) Sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	c.slept = append(c.slept, d)
	c.mu.Unlock()
	return nil
}

type levelSink struct {
	mu     sync.Mutex
	levels []domain.Level
}

func (s *levelSink) Emit(l domain.Level, _ string, _ map[string]any) {
	s.mu.Lock()
	s.levels = append(s.levels, l)
	s.mu.Unlock()
}

func (s *levelSink) Finish() {}

func (s *levelSink) has(l domain.Level) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, x := range s.levels {
		if x == l {
			return true
		}
	}
	return false
}

func testJob() domain.TestJob {
	return domain.TestJob{
		TestID:        "t-1",
		CloudProvider: "hyperv",
		OSTemplate:    "windows-11-pro",
		VMConfig: domain.VMConfig{
			CPU:           4,
			RAMMB:         8192,
			SwitchName:    "Lab",
			BaseImagePath: `D:\base.vhdx`,
			AdminUser:     "admin",
			AdminPassword: "pw",
		},
	}
}

func newTestGateway(t *testing.T, backend *fakeBackend, sink domain.EventSink, clock *noWaitClock) *Gateway {
	t.Helper()
	base := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(base, "hyperv", "windows-11-pro"), 0o755))

	cfg := DefaultConfig()
	cfg.BaseDir = base
	cfg.LegacyDir = ""

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	g, err := NewGateway(backend, cfg, testJob(), sink, WithClock(clock), WithLogger(logrus.NewEntry(logger)))
	require.NoError(t, err)
	return g
}

func TestResolveWorkdir(t *testing.T) {
	base := t.TempDir()
	legacy := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(base, "azure", "windows-10-pro"), 0o755))

	cfg := Config{BaseDir: base, LegacyDir: legacy}

	dir, err := ResolveWorkdir(cfg, "azure", "windows-10-pro")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "azure", "windows-10-pro"), dir)

	dir, err = ResolveWorkdir(cfg, "aws", "windows-10-pro")
	require.NoError(t, err)
	assert.Equal(t, legacy, dir)

	_, err = ResolveWorkdir(Config{BaseDir: base, LegacyDir: filepath.Join(legacy, "missing")}, "gcp", "x")
	assert.True(t, domain.IsKind(err, domain.KindProvisioning))
}

func TestBuildVars(t *testing.T) {
	vars := BuildVars(testJob().VMConfig)
	assert.Equal(t, map[string]string{
		"vm_cpu":         "4",
		"vm_ram":         "8192",
		"vm_switch":      "Lab",
		"base_vhdx_path": `D:\base.vhdx`,
		"admin_user":     "admin",
		"admin_password": "pw",
	}, vars)

	defaults := BuildVars(domain.VMConfig{})
	assert.Equal(t, "2", defaults["vm_cpu"])
	assert.Equal(t, "4096", defaults["vm_ram"])
	assert.Equal(t, "Default Switch", defaults["vm_switch"])
}

func TestResetEnvironmentToleratesDestroyFailure(t *testing.T) {
	backend := &fakeBackend{destroyErr: errors.New("exit status 1")}
	sink := &levelSink{}
	clock := &noWaitClock{}
	g := newTestGateway(t, backend, sink, clock)

	require.NoError(t, g.ResetEnvironment(context.Background()))
	assert.Equal(t, []string{"destroy", "apply"}, backend.calls)
	assert.Equal(t, []time.Duration{5 * time.Second}, clock.slept)
	assert.True(t, sink.has(domain.LevelWarning))
	assert.Equal(t, "8192", backend.appliedVar["vm_ram"])
}

func TestResetEnvironmentApplyFailureIsFatal(t *testing.T) {
	backend := &fakeBackend{applyErr: errors.New("quota exceeded")}
	g := newTestGateway(t, backend, &levelSink{}, &noWaitClock{})

	err := g.ResetEnvironment(context.Background())
	require.Error(t, err)
	assert.Equal(t, domain.KindProvisioning, domain.KindOf(err))
	assert.True(t, domain.KindOf(err).Fatal())
}

func TestApplyTimeoutIsFatal(t *testing.T) {
	backend := &fakeBackend{blockApply: true}
	g := newTestGateway(t, backend, &levelSink{}, &noWaitClock{})
	g.cfg.ApplyTimeout = 10 * time.Millisecond

	err := g.Apply(context.Background())
	require.Error(t, err)
	assert.Equal(t, domain.KindProvisioning, domain.KindOf(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDestroyFailureIsWarning(t *testing.T) {
	backend := &fakeBackend{destroyErr: errors.New("locked")}
	g := newTestGateway(t, backend, &levelSink{}, &noWaitClock{})

	err := g.Destroy(context.Background())
	require.Error(t, err)
	assert.Equal(t, domain.KindProvisioningWarning, domain.KindOf(err))
	assert.False(t, domain.KindOf(err).Fatal())
}

func TestReadOutputs(t *testing.T) {
	backend := &fakeBackend{outputs: map[string]any{
		"ip_competidor_a": "10.0.0.10",
		"ip_competidor_b": "10.0.0.11",
		"vm_names":        []any{"a", "b"},
	}}
	g := newTestGateway(t, backend, &levelSink{}, &noWaitClock{})

	addrs, err := g.ReadOutputs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"ip_competidor_a": "10.0.0.10",
		"ip_competidor_b": "10.0.0.11",
	}, addrs)
}

func TestReadOutputsWithoutMatchesFails(t *testing.T) {
	tests := []struct {
		name    string
		outputs map[string]any
		err     error
	}{
		{"empty", map[string]any{}, nil},
		{"unrelated keys", map[string]any{"subnet": "10.0.0.0/24"}, nil},
		{"backend error", nil, errors.New("no state")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGateway(t, &fakeBackend{outputs: tt.outputs, outputsErr: tt.err}, &levelSink{}, &noWaitClock{})
			addrs, err := g.ReadOutputs(context.Background())
			require.Error(t, err)
			assert.Nil(t, addrs)
			assert.Equal(t, domain.KindProvisioning, domain.KindOf(err))
		})
	}
}

func TestInitSkippedWithoutInitializer(t *testing.T) {
	g := newTestGateway(t, &fakeBackend{}, &levelSink{}, &noWaitClock{})
	assert.NoError(t, g.Init(context.Background()))
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "10.0.0.1", stringify("10.0.0.1"))
	assert.Equal(t, "10.0.0.2", stringify(json.RawMessage(`"10.0.0.2"`)))
	assert.Equal(t, `["a","b"]`, stringify([]any{"a", "b"}))
	assert.Equal(t, "", stringify(nil))
}
