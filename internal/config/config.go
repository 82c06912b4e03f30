package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/BadgerOps/resurrect/internal/policy"
	"github.com/BadgerOps/resurrect/internal/safety"
	"github.com/BadgerOps/resurrect/internal/tier"
)

// Config is the top-level configuration
type Config struct {
	Server       ServerConfig              `yaml:"server"`
	Orchestrator OrchestratorConfig        `yaml:"orchestrator"`
	Policy       PolicyConfig              `yaml:"policy"`
	Tiers        tier.Rates                `yaml:"tiers,omitempty"`
	Provider     string                    `yaml:"provider"`
	Providers    map[string]ProviderConfig `yaml:"providers"`
	Notify       NotifyConfig              `yaml:"notify"`
}

// ServerConfig holds server settings
type ServerConfig struct {
	Listen  string `yaml:"listen"`
	DataDir string `yaml:"data_dir"`
	DBPath  string `yaml:"db_path"`
}

// OrchestratorConfig tunes request execution.
type OrchestratorConfig struct {
	PollInterval         time.Duration `yaml:"poll_interval"`
	ScanInterval         time.Duration `yaml:"scan_interval"`
	OverrunFactor        float64       `yaml:"overrun_factor"`
	RetryAttempts        int           `yaml:"retry_attempts"`
	RetryInitialInterval time.Duration `yaml:"retry_initial_interval"`
	RetryMaxInterval     time.Duration `yaml:"retry_max_interval"`
	IssueWorkers         int           `yaml:"issue_workers"`
	NotifyTimeout        time.Duration `yaml:"notify_timeout"`
	OrphanTimeout        time.Duration `yaml:"orphan_timeout"`
}

// PolicyConfig holds the approval thresholds. The size threshold is a human
// readable size such as "500GiB".
type PolicyConfig struct {
	FinanceCostThreshold float64 `yaml:"finance_cost_threshold"`
	FinanceSizeThreshold string  `yaml:"finance_size_threshold"`
}

// NotifyConfig selects the notification channels.
type NotifyConfig struct {
	Log         bool              `yaml:"log"`
	CloudEvents CloudEventsConfig `yaml:"cloudevents"`
	SMTP        SMTPConfig        `yaml:"smtp"`
}

// CloudEventsConfig points at an HTTP CloudEvents sink.
type CloudEventsConfig struct {
	Sink   string `yaml:"sink"`
	Source string `yaml:"source"`
}

// SMTPConfig is the relay used for completion emails.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	From     string `yaml:"from"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// ProviderConfig is the raw YAML config for a provider
type ProviderConfig map[string]interface{}

// SimulatedProviderConfig is the typed config for the simulated provider
type SimulatedProviderConfig struct {
	Enabled   bool    `yaml:"enabled"`
	Inventory string  `yaml:"inventory"`
	TimeScale float64 `yaml:"time_scale"`
}

// S3ProviderConfig is the typed config for the S3 Glacier provider
type S3ProviderConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:  "0.0.0.0:8080",
			DataDir: "/var/lib/resurrect",
			DBPath:  "",
		},
		Orchestrator: OrchestratorConfig{
			PollInterval:         15 * time.Minute,
			ScanInterval:         time.Minute,
			OverrunFactor:        3,
			RetryAttempts:        3,
			RetryInitialInterval: 2 * time.Second,
			RetryMaxInterval:     30 * time.Second,
			IssueWorkers:         8,
			NotifyTimeout:        30 * time.Second,
			OrphanTimeout:        time.Hour,
		},
		Policy: PolicyConfig{
			FinanceCostThreshold: policy.DefaultFinanceCostThreshold,
			FinanceSizeThreshold: "500GiB",
		},
		Provider:  "simulated",
		Providers: make(map[string]ProviderConfig),
		Notify: NotifyConfig{
			Log: true,
			SMTP: SMTPConfig{
				Port: 25,
			},
		},
	}
}

// Load reads a config file from the given path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects settings the orchestrator cannot run with. All problems
// are reported together.
func (c *Config) Validate() error {
	var errs []error
	o := c.Orchestrator

	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"orchestrator.poll_interval", o.PollInterval},
		{"orchestrator.scan_interval", o.ScanInterval},
		{"orchestrator.retry_initial_interval", o.RetryInitialInterval},
		{"orchestrator.notify_timeout", o.NotifyTimeout},
		{"orchestrator.orphan_timeout", o.OrphanTimeout},
	} {
		if d.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", d.name))
		}
	}
	if o.RetryMaxInterval < o.RetryInitialInterval {
		errs = append(errs, errors.New("orchestrator.retry_max_interval must not be below retry_initial_interval"))
	}
	if o.OverrunFactor < 1 {
		errs = append(errs, fmt.Errorf("orchestrator.overrun_factor must be at least 1, got %g", o.OverrunFactor))
	}
	if o.RetryAttempts < 1 {
		errs = append(errs, errors.New("orchestrator.retry_attempts must be at least 1"))
	}
	if o.IssueWorkers < 1 {
		errs = append(errs, errors.New("orchestrator.issue_workers must be at least 1"))
	}

	if c.Policy.FinanceCostThreshold < 0 {
		errs = append(errs, errors.New("policy.finance_cost_threshold must not be negative"))
	}
	if _, err := c.ApprovalPolicy(); err != nil {
		errs = append(errs, err)
	}

	for t, tr := range c.Tiers {
		if !t.Valid() {
			errs = append(errs, fmt.Errorf("tiers: unknown storage tier %q", t))
			continue
		}
		if tr.MonthlyCostPerGB < 0 {
			errs = append(errs, fmt.Errorf("tiers.%s.monthly_cost_per_gb must not be negative", t))
		}
		for sp, r := range tr.Restore {
			if !sp.Valid() {
				errs = append(errs, fmt.Errorf("tiers.%s: unknown restoration tier %q", t, sp))
			}
			if r.CostPerGB < 0 || r.Minutes < 0 {
				errs = append(errs, fmt.Errorf("tiers.%s.%s: cost and minutes must not be negative", t, sp))
			}
		}
	}

	if c.Provider == "" {
		errs = append(errs, errors.New("provider must name a configured provider"))
	}
	if sink := c.Notify.CloudEvents.Sink; sink != "" {
		if _, err := safety.ParseEndpoint(sink); err != nil {
			errs = append(errs, fmt.Errorf("notify.cloudevents.sink: %w", err))
		}
	}
	if c.Notify.SMTP.Host != "" && c.Notify.SMTP.From == "" {
		errs = append(errs, errors.New("notify.smtp.from is required when a host is set"))
	}

	return errors.Join(errs...)
}

// ApprovalPolicy returns the approval thresholds as a policy.
func (c *Config) ApprovalPolicy() (policy.Policy, error) {
	p := policy.Policy{
		FinanceCostThreshold: c.Policy.FinanceCostThreshold,
		FinanceSizeThreshold: policy.DefaultFinanceSizeThreshold,
	}
	if s := strings.TrimSpace(c.Policy.FinanceSizeThreshold); s != "" {
		size, err := humanize.ParseBytes(s)
		if err != nil {
			return policy.Policy{}, fmt.Errorf("policy.finance_size_threshold: %w", err)
		}
		p.FinanceSizeThreshold = int64(size)
	}
	return p, nil
}

// Model returns the default tier tables with the configured overrides applied.
func (c *Config) Model() tier.Model {
	if len(c.Tiers) == 0 {
		return tier.DefaultModel()
	}
	return tier.DefaultModel().WithOverrides(c.Tiers)
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"resurrect.yaml",
		"/etc/resurrect/resurrect.yaml",
	}

	// Add user config path
	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(home, ".config", "resurrect", "resurrect.yaml"),
		)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

// ProviderEnabled checks if a provider is enabled in the config
func (c *Config) ProviderEnabled(name string) bool {
	pc, ok := c.Providers[name]
	if !ok {
		return false
	}
	enabled, ok := pc["enabled"]
	if !ok {
		return false
	}
	b, ok := enabled.(bool)
	return ok && b
}

// DBPath returns the configured database path, defaulting to the data directory.
func (c *Config) DBPath() string {
	if c.Server.DBPath != "" {
		return c.Server.DBPath
	}
	return filepath.Join(c.Server.DataDir, "resurrect.db")
}

// ParseProviderConfig unmarshals a provider's raw config into a typed struct
func ParseProviderConfig[T any](raw ProviderConfig) (*T, error) {
	// Re-marshal to YAML then unmarshal to typed struct
	data, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("marshaling provider config: %w", err)
	}
	var typed T
	if err := yaml.Unmarshal(data, &typed); err != nil {
		return nil, fmt.Errorf("parsing provider config: %w", err)
	}
	return &typed, nil
}
