package daemon

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, "site_id: site-001\napi_key: key-123\n")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.APIEndpoint != "https://api.osiriscare.net" {
		t.Errorf("api_endpoint = %s", cfg.APIEndpoint)
	}
	if cfg.PollIntervalSecs != 60 {
		t.Errorf("poll_interval = %d", cfg.PollIntervalSecs)
	}
	if !cfg.EnableAutoHealing || !cfg.EnableDriftDetection {
		t.Error("healing and drift detection should default on")
	}
	if cfg.GRPCPort != 50051 || cfg.SensorPort != 8443 || cfg.MetricsPort != 9464 {
		t.Errorf("ports = %d/%d/%d", cfg.GRPCPort, cfg.SensorPort, cfg.MetricsPort)
	}
	if cfg.CADir != "/var/lib/msp/ca" {
		t.Errorf("ca_dir = %s", cfg.CADir)
	}
}

func TestLoadConfigMissingRequired(t *testing.T) {
	if _, err := LoadConfig(writeConfig(t, "api_key: k\n")); err == nil {
		t.Error("expected error for missing site_id")
	}
	if _, err := LoadConfig(writeConfig(t, "site_id: s\n")); err == nil {
		t.Error("expected error for missing api_key")
	}
}

func TestLoadConfigClampsPollInterval(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "site_id: s\napi_key: k\npoll_interval: 2\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.PollIntervalSecs != 10 {
		t.Errorf("poll_interval = %d, want clamp to 10", cfg.PollIntervalSecs)
	}

	cfg, err = LoadConfig(writeConfig(t, "site_id: s\napi_key: k\npoll_interval: 90000\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.PollIntervalSecs != 3600 {
		t.Errorf("poll_interval = %d, want clamp to 3600", cfg.PollIntervalSecs)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("HEALING_DRY_RUN", "1")
	t.Setenv("STATE_DIR", "/tmp/msp-test")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LLM_DAILY_BUDGET_USD", "2.5")

	cfg, err := LoadConfig(writeConfig(t, "site_id: s\napi_key: k\nstate_dir: /var/lib/msp\n"))
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.HealingDryRun {
		t.Error("HEALING_DRY_RUN=1 should enable dry run")
	}
	if cfg.StateDir != "/tmp/msp-test" {
		t.Errorf("state_dir = %s", cfg.StateDir)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log_level = %s", cfg.LogLevel)
	}
	if cfg.L2DailyBudgetUSD != 2.5 {
		t.Errorf("l2_daily_budget_usd = %v", cfg.L2DailyBudgetUSD)
	}
}

func TestLoadConfigDryRunFalsy(t *testing.T) {
	t.Setenv("HEALING_DRY_RUN", "false")
	cfg, err := LoadConfig(writeConfig(t, "site_id: s\napi_key: k\nhealing_dry_run: true\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HealingDryRun {
		t.Error("HEALING_DRY_RUN=false should override the file")
	}
}

func TestConfigPathHelpers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StateDir = "/var/lib/msp"

	want := map[string]string{
		cfg.EvidenceDir():    "/var/lib/msp/evidence",
		cfg.QueueDBPath():    "/var/lib/msp/sync_queue.db",
		cfg.IncidentDBPath(): "/var/lib/msp/incidents.db",
		cfg.ChainDBPath():    "/var/lib/msp/evidence_chain.db",
		cfg.RulesDir():       "/var/lib/msp/rules",
		cfg.SigningKeyPath(): "/var/lib/msp/signing_key",
		cfg.AgentDir():       "/var/lib/msp/agent",
	}
	for got, expected := range want {
		if got != expected {
			t.Errorf("path helper = %s, want %s", got, expected)
		}
	}
}
