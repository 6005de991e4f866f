package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/domain"
	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/provisioning"
	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/remote"
	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/usecase"
)

// Config is the complete service configuration
type Config struct {
	Server       ServerConfig               `yaml:"server"`
	GRPC         GRPCConfig                 `yaml:"grpc"`
	Terraform    provisioning.Config        `yaml:"terraform"`
	WinRM        WinRMConfig                `yaml:"winrm"`
	Orchestrator usecase.OrchestratorConfig `yaml:"orchestrator"`
	Readiness    ReadinessConfig            `yaml:"readiness"`
	Logging      LoggingConfig              `yaml:"logging"`
	Results      ResultsConfig              `yaml:"results"`
	MQTT         MQTTConfig                 `yaml:"mqtt"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// APIKey enables the X-API-Key check when set
	APIKey    string          `yaml:"api_key"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	// TestMaxDuration bounds a single run started through the API
	TestMaxDuration time.Duration `yaml:"test_max_duration"`
	// DrainTimeout bounds how long shutdown waits for runs still in flight
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// Addr returns host:port
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type RateLimitConfig struct {
	Requests int           `yaml:"requests"`
	Per      time.Duration `yaml:"per"`
}

type GRPCConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// WinRMConfig holds the session settings plus the executor retry policy
type WinRMConfig struct {
	Port      int    `yaml:"port"`
	Transport string `yaml:"transport"`
	HTTPS     bool   `yaml:"https"`
	Insecure  bool   `yaml:"insecure"`

	remote.Config `yaml:",inline"`

	CollectSystemInfo bool `yaml:"collect_system_info"`
}

type ReadinessConfig struct {
	// PortScan probes the WinRM port with nmap
	PortScan       bool `yaml:"port_scan"`
	ConnectionTest bool `yaml:"connection_test"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type ResultsConfig struct {
	Dir string `yaml:"dir"`
	// SQLitePath enables the history database
	SQLitePath string `yaml:"sqlite_path"`
}

type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

func (m MQTTConfig) Enabled() bool { return m.Broker != "" }

// Default returns the configuration used when no file is given
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            5000,
			RateLimit:       RateLimitConfig{Requests: 100, Per: time.Hour},
			TestMaxDuration: time.Hour,
			DrainTimeout:    15 * time.Minute,
		},
		GRPC:      GRPCConfig{Address: ":50051"},
		Terraform: provisioning.DefaultConfig(),
		WinRM: WinRMConfig{
			Port:      5985,
			Transport: "ntlm",
			Config:    remote.DefaultConfig(),
		},
		Orchestrator: usecase.DefaultOrchestratorConfig(),
		Readiness:    ReadinessConfig{ConnectionTest: true},
		Logging:      LoggingConfig{Level: "info", File: "cyberduel.log"},
		Results:      ResultsConfig{Dir: "results"},
		MQTT:         MQTTConfig{ClientID: "cyberduel", TopicPrefix: "cyberduel"},
	}
}

var transports = []string{"ntlm", "basic"}

// Validate checks the configuration and reports every problem found
func (c Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		add("server.port %d out of range", c.Server.Port)
	}
	if c.Server.RateLimit.Requests < 0 {
		add("server.rate_limit.requests must not be negative")
	}
	if c.Server.RateLimit.Requests > 0 && c.Server.RateLimit.Per <= 0 {
		add("server.rate_limit.per must be positive")
	}
	if c.Server.DrainTimeout < 0 {
		add("server.drain_timeout must not be negative")
	}

	t := c.Terraform
	for name, d := range map[string]time.Duration{
		"apply_timeout":   t.ApplyTimeout,
		"destroy_timeout": t.DestroyTimeout,
		"output_timeout":  t.OutputTimeout,
		"init_timeout":    t.InitTimeout,
	} {
		if d <= 0 {
			add("terraform.%s must be positive", name)
		}
	}
	if t.Cooldown < 0 {
		add("terraform.cooldown must not be negative")
	}
	if t.BaseDir == "" {
		add("terraform.base_dir is required")
	}

	w := c.WinRM
	if w.Port <= 0 || w.Port > 65535 {
		add("winrm.port %d out of range", w.Port)
	}
	if !contains(transports, strings.ToLower(w.Transport)) {
		add("winrm.transport %q not supported", w.Transport)
	}
	if w.MaxRetries < 1 {
		add("winrm.max_retries must be at least 1")
	}
	if w.RetryDelay < 0 {
		add("winrm.retry_delay must not be negative")
	}
	if w.CommandTimeout <= 0 {
		add("winrm.command_timeout must be positive")
	}

	o := c.Orchestrator
	if len(o.Roles) != domain.RosterSize {
		add("orchestrator.roles must name exactly %d roles, got %d", domain.RosterSize, len(o.Roles))
	}
	if o.TechniquePause < 0 {
		add("orchestrator.technique_pause must not be negative")
	}
	l := o.Limits
	if l.MinCPU > l.MaxCPU {
		add("orchestrator.limits: min_cpu %d greater than max_cpu %d", l.MinCPU, l.MaxCPU)
	}
	if l.MinRAMMB > l.MaxRAMMB {
		add("orchestrator.limits: min_ram_mb %d greater than max_ram_mb %d", l.MinRAMMB, l.MaxRAMMB)
	}
	if len(l.Providers) == 0 {
		add("orchestrator.limits.providers is empty")
	}
	if len(l.OSTemplates) == 0 {
		add("orchestrator.limits.os_templates is empty")
	}

	if c.GRPC.Enabled && c.GRPC.Address == "" {
		add("grpc.address is required when grpc is enabled")
	}
	if c.MQTT.QoS > 2 {
		add("mqtt.qos must be 0, 1 or 2")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
