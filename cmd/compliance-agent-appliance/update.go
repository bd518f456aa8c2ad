package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/osiriscare/compliance-appliance/internal/daemon"
)

// updateState is maintained by the partition update applier. This CLI only
// reads it and triggers the applier's systemd units.
type updateState struct {
	CurrentVersion string `json:"current_version"`
	TargetVersion  string `json:"target_version,omitempty"`
	ActiveSlot     string `json:"active_slot"`
	Status         string `json:"status"`
	LastError      string `json:"last_error,omitempty"`
	UpdatedAt      string `json:"updated_at"`
}

func updateStatePath(stateDir string) string {
	return filepath.Join(stateDir, "update", "state.json")
}

// runUpdateAgent implements the update_agent subcommand:
// --check, --status, --rollback, --health.
func runUpdateAgent(args []string, configPath string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: update_agent --check|--status|--rollback|--health")
	}

	stateDir := "/var/lib/msp"
	metricsPort := 9464
	if cfg, err := daemon.LoadConfig(configPath); err == nil {
		stateDir = cfg.StateDir
		metricsPort = cfg.MetricsPort
	}

	switch args[0] {
	case "--status":
		st, err := readUpdateState(stateDir)
		if err != nil {
			fmt.Println("no update state recorded")
			return nil
		}
		out, _ := json.MarshalIndent(st, "", "  ")
		fmt.Println(string(out))
		return nil

	case "--check":
		if err := exec.Command("systemctl", "start", "msp-update-check.service").Run(); err != nil {
			return fmt.Errorf("trigger update check: %w", err)
		}
		fmt.Println("update check triggered")
		return nil

	case "--rollback":
		st, err := readUpdateState(stateDir)
		if err != nil {
			return fmt.Errorf("no update state, nothing to roll back")
		}
		fmt.Printf("rolling back from slot %s\n", st.ActiveSlot)
		if err := exec.Command("systemctl", "start", "msp-update-rollback.service").Run(); err != nil {
			return fmt.Errorf("trigger rollback: %w", err)
		}
		return nil

	case "--health":
		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/metrics", metricsPort))
		if err != nil {
			fmt.Fprintln(os.Stderr, "daemon not responding")
			return err
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("daemon metrics returned HTTP %d", resp.StatusCode)
		}
		fmt.Println("ok")
		return nil
	}

	return fmt.Errorf("unknown flag %q", args[0])
}

func readUpdateState(stateDir string) (*updateState, error) {
	data, err := os.ReadFile(updateStatePath(stateDir))
	if err != nil {
		return nil, err
	}
	var st updateState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	return &st, nil
}
