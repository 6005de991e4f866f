package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeEnv(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLoad_Defaults(t *testing.T) {
	l := NewLoader(t.TempDir())
	l.lookup = fakeEnv(nil)

	cfg, err := l.Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:5000", cfg.Server.Addr())
	assert.Equal(t, 100, cfg.Server.RateLimit.Requests)
	assert.Equal(t, time.Hour, cfg.Server.RateLimit.Per)
	assert.Equal(t, 15*time.Minute, cfg.Server.DrainTimeout)
	assert.Equal(t, 600*time.Second, cfg.Terraform.ApplyTimeout)
	assert.Equal(t, 300*time.Second, cfg.Terraform.DestroyTimeout)
	assert.Equal(t, 5985, cfg.WinRM.Port)
	assert.Equal(t, "ntlm", cfg.WinRM.Transport)
	assert.Equal(t, 3, cfg.WinRM.MaxRetries)
	assert.Equal(t, 5*time.Second, cfg.WinRM.RetryDelay)
	assert.Equal(t, 2*time.Second, cfg.Orchestrator.TechniquePause)
	assert.Len(t, cfg.Orchestrator.Roles, 2)
	assert.False(t, cfg.MQTT.Enabled())
}

func TestLoad_FileWithExpansion(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "cyberduel.yaml", `
server:
  port: 8080
  api_key: ${SECRET_KEY}
terraform:
  base_dir: /srv/iac
  apply_timeout: 15m
winrm:
  port: 5986
  https: true
  max_retries: 5
  retry_delay: 1s
  collect_system_info: true
orchestrator:
  technique_pause: 0s
  destroy_after_run: true
  init_workspace: true
  run_validation_checks: true
mqtt:
  broker: tcp://broker:1883
`)
	l := NewLoader(dir)
	l.lookup = fakeEnv(map[string]string{"SECRET_KEY": "s3cret"})

	cfg, err := l.Load("cyberduel.yaml")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, "s3cret", cfg.Server.APIKey)
	assert.Equal(t, "/srv/iac", cfg.Terraform.BaseDir)
	assert.Equal(t, 15*time.Minute, cfg.Terraform.ApplyTimeout)
	assert.Equal(t, 300*time.Second, cfg.Terraform.DestroyTimeout, "unset fields keep defaults")
	assert.Equal(t, 5986, cfg.WinRM.Port)
	assert.True(t, cfg.WinRM.HTTPS)
	assert.Equal(t, 5, cfg.WinRM.MaxRetries)
	assert.Equal(t, time.Second, cfg.WinRM.RetryDelay)
	assert.Equal(t, 300*time.Second, cfg.WinRM.CommandTimeout)
	assert.Zero(t, cfg.Orchestrator.TechniquePause)
	assert.True(t, cfg.Orchestrator.DestroyAfterRun)
	assert.True(t, cfg.Orchestrator.InitWorkspace)
	assert.True(t, cfg.Orchestrator.RunValidationChecks)
	assert.True(t, cfg.WinRM.CollectSystemInfo)
	assert.True(t, cfg.MQTT.Enabled())
}

func TestLoad_EnvOverrides(t *testing.T) {
	l := NewLoader(t.TempDir())
	l.lookup = fakeEnv(map[string]string{
		"CYBERDUEL_PORT":              "9000",
		"CYBERDUEL_LOG_LEVEL":         "debug",
		"CYBERDUEL_WINRM_INSECURE":    "true",
		"CYBERDUEL_APPLY_TIMEOUT":     "900",
		"CYBERDUEL_WINRM_RETRY_DELAY": "250ms",
	})

	cfg, err := l.Load("")
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.WinRM.Insecure)
	assert.Equal(t, 900*time.Second, cfg.Terraform.ApplyTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.WinRM.RetryDelay)
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "unknown.yaml", "bogus_section: 1\n")
	writeFile(t, dir, "invalid.yaml", "winrm:\n  transport: kerberos\n  max_retries: 0\n")

	tests := []struct {
		name string
		path string
		env  map[string]string
		typ  string
	}{
		{"missing file", "nope.yaml", nil, "config"},
		{"unknown field", "unknown.yaml", nil, "config"},
		{"validation", "invalid.yaml", nil, "config"},
		{"bad int", "", map[string]string{"CYBERDUEL_PORT": "http"}, "env"},
		{"bad bool", "", map[string]string{"CYBERDUEL_GRPC_ENABLED": "maybe"}, "env"},
		{"bad duration", "", map[string]string{"CYBERDUEL_WINRM_TIMEOUT": "soon"}, "env"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLoader(dir)
			l.lookup = fakeEnv(tt.env)

			_, err := l.Load(tt.path)
			require.Error(t, err)

			var le LoaderError
			require.True(t, errors.As(err, &le))
			assert.Equal(t, tt.typ, le.Type)
		})
	}
}

func TestValidate_CollectsProblems(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = 0
	cfg.Orchestrator.Roles = cfg.Orchestrator.Roles[:1]
	cfg.Orchestrator.Limits.MinCPU = 32
	cfg.Terraform.ApplyTimeout = 0
	cfg.Server.DrainTimeout = -time.Second

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"server.port", "roles", "min_cpu", "apply_timeout", "drain_timeout"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ".env", "CYBERDUEL_TEST_DOTENV=from-file\n")
	t.Setenv("CYBERDUEL_TEST_DOTENV_KEEP", "process")

	l := NewLoader(dir)
	require.NoError(t, l.LoadDotEnv(".env", "missing.env"))
	t.Cleanup(func() { os.Unsetenv("CYBERDUEL_TEST_DOTENV") })

	assert.Equal(t, "from-file", os.Getenv("CYBERDUEL_TEST_DOTENV"))
	assert.Equal(t, "process", os.Getenv("CYBERDUEL_TEST_DOTENV_KEEP"))
}
