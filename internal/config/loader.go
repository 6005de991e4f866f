package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "CYBERDUEL_"

// Loader provides functionality to load and validate configuration files
type Loader struct {
	basePath string
	lookup   func(string) (string, bool)
}

// NewLoader creates a new configuration loader with the specified base path
func NewLoader(basePath string) *Loader {
	if basePath == "" {
		basePath = "."
	}
	return &Loader{
		basePath: basePath,
		lookup:   os.LookupEnv,
	}
}

// LoadDotEnv loads .env files into the process environment. Variables that
// are already set win. Missing files are ignored.
func (l *Loader) LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		full := l.resolvePath(p)
		if _, err := os.Stat(full); os.IsNotExist(err) {
			continue
		}
		if err := godotenv.Load(full); err != nil {
			return NewConfigLoadError(full, "failed to load env file", err)
		}
	}
	return nil
}

// Load reads the configuration from path, applies defaults for everything
// the file leaves out, then environment overrides, then validates.
// An empty path yields the defaults plus overrides.
func (l *Loader) Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		fullPath := l.resolvePath(path)

		data, err := l.readFile(fullPath)
		if err != nil {
			return nil, NewConfigLoadError(fullPath, "failed to read config file", err)
		}

		// Expand environment variables
		data = l.expandEnvVars(data)

		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, NewConfigLoadError(fullPath, "failed to parse config file", err)
		}
	}

	if err := l.applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, NewConfigLoadError(path, "validation failed", err)
	}

	return &cfg, nil
}

// applyEnvOverrides copies CYBERDUEL_* variables over the loaded values
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	strs := map[string]*string{
		"HOST":              &cfg.Server.Host,
		"API_KEY":           &cfg.Server.APIKey,
		"GRPC_ADDRESS":      &cfg.GRPC.Address,
		"TERRAFORM_DIR":     &cfg.Terraform.BaseDir,
		"WINRM_TRANSPORT":   &cfg.WinRM.Transport,
		"LOG_LEVEL":         &cfg.Logging.Level,
		"LOG_FILE":          &cfg.Logging.File,
		"RESULTS_DIR":       &cfg.Results.Dir,
		"SQLITE_PATH":       &cfg.Results.SQLitePath,
		"MQTT_BROKER":       &cfg.MQTT.Broker,
		"MQTT_TOPIC_PREFIX": &cfg.MQTT.TopicPrefix,
	}
	for key, dst := range strs {
		if v, ok := l.lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"PORT":              &cfg.Server.Port,
		"RATE_LIMIT":        &cfg.Server.RateLimit.Requests,
		"WINRM_PORT":        &cfg.WinRM.Port,
		"WINRM_MAX_RETRIES": &cfg.WinRM.MaxRetries,
	}
	for key, dst := range ints {
		v, ok := l.lookup(EnvPrefix + key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return NewEnvError(EnvPrefix+key, "not an integer", err)
		}
		*dst = n
	}

	bools := map[string]*bool{
		"GRPC_ENABLED":      &cfg.GRPC.Enabled,
		"WINRM_HTTPS":       &cfg.WinRM.HTTPS,
		"WINRM_INSECURE":    &cfg.WinRM.Insecure,
		"DESTROY_AFTER_RUN": &cfg.Orchestrator.DestroyAfterRun,
	}
	for key, dst := range bools {
		v, ok := l.lookup(EnvPrefix + key)
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return NewEnvError(EnvPrefix+key, "not a boolean", err)
		}
		*dst = b
	}

	durations := map[string]*time.Duration{
		"APPLY_TIMEOUT":     &cfg.Terraform.ApplyTimeout,
		"DESTROY_TIMEOUT":   &cfg.Terraform.DestroyTimeout,
		"WINRM_TIMEOUT":     &cfg.WinRM.CommandTimeout,
		"WINRM_RETRY_DELAY": &cfg.WinRM.RetryDelay,
		"TEST_MAX_DURATION": &cfg.Server.TestMaxDuration,
		"DRAIN_TIMEOUT":     &cfg.Server.DrainTimeout,
	}
	for key, dst := range durations {
		v, ok := l.lookup(EnvPrefix + key)
		if !ok {
			continue
		}
		d, err := parseDuration(v)
		if err != nil {
			return NewEnvError(EnvPrefix+key, "not a duration", err)
		}
		*dst = d
	}

	return nil
}

// parseDuration accepts Go durations and bare seconds
func parseDuration(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(v)
}

// resolvePath resolves a path relative to the loader's base path
func (l *Loader) resolvePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(l.basePath, path)
}

// readFile reads a file and returns its contents
func (l *Loader) readFile(path string) ([]byte, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("file does not exist: %s", path)
	}

	return os.ReadFile(path)
}

// expandEnvVars expands environment variables in the configuration data
func (l *Loader) expandEnvVars(data []byte) []byte {
	return []byte(os.Expand(string(data), func(key string) string {
		v, _ := l.lookup(key)
		return v
	}))
}

// LoaderError represents a configuration loading error
type LoaderError struct {
	Type    string
	Path    string
	Message string
	Cause   error
}

func (e LoaderError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s error for %s: %s (caused by: %v)", e.Type, e.Path, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s error for %s: %s", e.Type, e.Path, e.Message)
}

func (e LoaderError) Unwrap() error {
	return e.Cause
}

func NewConfigLoadError(path, message string, cause error) error {
	return LoaderError{
		Type:    "config",
		Path:    path,
		Message: message,
		Cause:   cause,
	}
}

func NewEnvError(key, message string, cause error) error {
	return LoaderError{
		Type:    "env",
		Path:    key,
		Message: message,
		Cause:   cause,
	}
}
