package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the appliance configuration loaded from /var/lib/msp/config.yaml.
type Config struct {
	SiteID      string `yaml:"site_id"`
	APIKey      string `yaml:"api_key"`
	APIEndpoint string `yaml:"api_endpoint"`

	PollIntervalSecs int `yaml:"poll_interval"`

	EnableDriftDetection bool `yaml:"enable_drift_detection"`
	EnableAutoHealing    bool `yaml:"enable_auto_healing"`
	EnableEvidenceUpload bool `yaml:"enable_evidence_upload"`
	HealingDryRun        bool `yaml:"healing_dry_run"`

	// L2 planner. Mode local|api|hybrid; the api key falls back to
	// ANTHROPIC_API_KEY from the environment.
	PlannerMode          string  `yaml:"planner_mode"`
	AnthropicAPIKey      string  `yaml:"anthropic_api_key"`
	PlannerModel         string  `yaml:"planner_model"`
	LocalModelEndpoint   string  `yaml:"local_model_endpoint"`
	L2DailyBudgetUSD     float64 `yaml:"l2_daily_budget_usd"`
	L2MaxCallsPerHour    int     `yaml:"l2_max_calls_per_hour"`
	L2MaxConcurrentCalls int     `yaml:"l2_max_concurrent_calls"`

	StateDir string `yaml:"state_dir"`
	LogLevel string `yaml:"log_level"`

	// Workstation scanning via the domain controller.
	WorkstationScanEnabled bool    `yaml:"workstation_scan_enabled"`
	AutoDeployAgents       bool    `yaml:"auto_deploy_agents"`
	DomainController       *string `yaml:"domain_controller,omitempty"`
	DCUsername             *string `yaml:"dc_username,omitempty"`
	DCPassword             *string `yaml:"dc_password,omitempty"`

	GRPCPort    int    `yaml:"grpc_port"`
	SensorPort  int    `yaml:"sensor_port"`
	MetricsPort int    `yaml:"metrics_port"`
	CADir       string `yaml:"ca_dir"`

	NTPServers []string `yaml:"ntp_servers,omitempty"`

	OTSEnabled   bool     `yaml:"ots_enabled"`
	OTSCalendars []string `yaml:"ots_calendars,omitempty"`

	SlackWebhookURL string   `yaml:"slack_webhook_url,omitempty"`
	PagerDutyKey    string   `yaml:"pagerduty_key,omitempty"`
	EmailTo         []string `yaml:"email_to,omitempty"`

	LearningAutoPromote bool `yaml:"learning_auto_promote"`

	EvidenceHeartbeatSecs int `yaml:"evidence_heartbeat_secs"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		APIEndpoint:           "https://api.osiriscare.net",
		PollIntervalSecs:      60,
		EnableDriftDetection:  true,
		EnableAutoHealing:     true,
		EnableEvidenceUpload:  true,
		PlannerMode:           "api",
		LocalModelEndpoint:    "http://127.0.0.1:11434",
		L2DailyBudgetUSD:      5.0,
		L2MaxCallsPerHour:     20,
		L2MaxConcurrentCalls:  2,
		StateDir:              "/var/lib/msp",
		LogLevel:              "info",
		GRPCPort:              50051,
		SensorPort:            8443,
		MetricsPort:           9464,
		EvidenceHeartbeatSecs: 3600,
	}
}

// LoadConfig reads the YAML config and applies environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if v := os.Getenv("HEALING_DRY_RUN"); v != "" {
		cfg.HealingDryRun = !isFalsy(v)
	}
	if v := os.Getenv("STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && cfg.AnthropicAPIKey == "" {
		cfg.AnthropicAPIKey = v
	}
	if v := os.Getenv("LLM_DAILY_BUDGET_USD"); v != "" {
		if usd, err := strconv.ParseFloat(v, 64); err == nil && usd >= 0 {
			cfg.L2DailyBudgetUSD = usd
		}
	}

	if cfg.SiteID == "" {
		return nil, fmt.Errorf("config missing site_id")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("config missing api_key")
	}

	if cfg.PollIntervalSecs < 10 {
		cfg.PollIntervalSecs = 10
	}
	if cfg.PollIntervalSecs > 3600 {
		cfg.PollIntervalSecs = 3600
	}
	if cfg.CADir == "" {
		cfg.CADir = filepath.Join(cfg.StateDir, "ca")
	}

	return cfg, nil
}

func isFalsy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "0", "false", "no", "off":
		return true
	}
	return false
}

// EvidenceDir is where generated evidence bundles are written.
func (c *Config) EvidenceDir() string { return filepath.Join(c.StateDir, "evidence") }

// QueueDBPath is the sqlite file backing the outbound sync queue.
func (c *Config) QueueDBPath() string { return filepath.Join(c.StateDir, "sync_queue.db") }

// IncidentDBPath is the sqlite file backing the incident store.
func (c *Config) IncidentDBPath() string { return filepath.Join(c.StateDir, "incidents.db") }

// ChainDBPath is the bbolt file backing the evidence hash chain.
func (c *Config) ChainDBPath() string { return filepath.Join(c.StateDir, "evidence_chain.db") }

// RulesDir holds L1 rule files: custom/ and promoted/ YAML plus synced JSON.
func (c *Config) RulesDir() string { return filepath.Join(c.StateDir, "rules") }

// SigningKeyPath is the Ed25519 evidence signing key.
func (c *Config) SigningKeyPath() string { return filepath.Join(c.StateDir, "signing_key") }

// OTSDir holds OpenTimestamps proofs.
func (c *Config) OTSDir() string { return filepath.Join(c.StateDir, "ots") }

// AgentDir holds the Windows agent binary served to sensors.
func (c *Config) AgentDir() string { return filepath.Join(c.StateDir, "agent") }
