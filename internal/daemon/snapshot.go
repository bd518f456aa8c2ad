package daemon

// snapshot.go takes the lightweight host-state snapshots the healer attaches
// to execution telemetry as state_before/state_after. It reuses the drift
// scanner's collection scripts, so a snapshot never sees state the scanner
// could not.

import (
	"context"
	"encoding/json"
	"log"
	"os/exec"
	"strings"
	"time"

	"github.com/osiriscare/compliance-appliance/internal/sshexec"
	"github.com/osiriscare/compliance-appliance/internal/winrm"
)

const snapshotTimeoutSecs = 20

// captureState collects one host's current compliance state.
// Best effort: unknown or unreachable hosts yield nil and the telemetry
// simply carries no state diff.
func (ds *driftScanner) captureState(hostID, incidentType string) map[string]interface{} {
	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeoutSecs*time.Second)
	defer cancel()

	if t := ds.findWindowsTarget(hostID); t != nil {
		res := ds.win.Execute(ctx, t, windowsScanScript, "STATE-SNAPSHOT", "detect", snapshotTimeoutSecs, 0, 15.0, nil)
		if !res.Success {
			return nil
		}
		stdout, _ := res.Output["std_out"].(string)
		var state windowsScanState
		if err := json.Unmarshal([]byte(strings.TrimSpace(stdout)), &state); err != nil {
			log.Printf("[driftscan] snapshot parse %s: %v", hostID, err)
			return nil
		}
		return windowsSnapshot(state)
	}

	if ds.isSelf(hostID) {
		cmd := exec.CommandContext(ctx, "sh", "-c", linuxScanScript)
		output, err := cmd.CombinedOutput()
		if err != nil {
			return nil
		}
		return linuxSnapshot(parseLinuxFindings(string(output), hostID))
	}

	if t := ds.findLinuxTarget(hostID); t != nil {
		res := ds.ssh.Execute(ctx, t, linuxScanScript, "STATE-SNAPSHOT", "detect", snapshotTimeoutSecs, 0, 5.0, false, nil)
		if !res.Success {
			return nil
		}
		stdout, _ := res.Output["std_out"].(string)
		return linuxSnapshot(parseLinuxFindings(stdout, hostID))
	}

	return nil
}

// windowsSnapshot flattens a scan into the snapshot shape the healer diffs:
// a services map plus the firewall, encryption, AV, and audit facts.
func windowsSnapshot(state windowsScanState) map[string]interface{} {
	fwEnabled := len(state.Firewall) > 0
	for _, enabled := range state.Firewall {
		if strings.EqualFold(enabled, "false") {
			fwEnabled = false
		}
	}
	return map[string]interface{}{
		"services": map[string]interface{}{
			"WinDefend": state.Defender,
			"wuauserv":  state.WindowsUpdate,
			"EventLog":  state.EventLog,
		},
		"firewall_enabled": fwEnabled,
		"encryption":       map[string]interface{}{"C:": state.BitLocker},
		"av_running":       state.Defender == "Running",
		"audit_logging":    state.EventLog == "Running",
	}
}

// linuxSnapshot keys each check's observed value, with the firewall and
// audit booleans lifted to the top level like the Windows shape.
func linuxSnapshot(findings []driftFinding) map[string]interface{} {
	if len(findings) == 0 {
		return nil
	}
	checks := map[string]interface{}{}
	snap := map[string]interface{}{"checks": checks}
	for _, f := range findings {
		checks[f.CheckType] = f.Actual
		switch f.CheckType {
		case "firewall_drift":
			snap["firewall_enabled"] = f.Passed
		case "audit_logging":
			snap["audit_logging"] = f.Passed
		}
	}
	return snap
}

func (ds *driftScanner) isSelf(hostID string) bool {
	if hostID == "localhost" || hostID == "127.0.0.1" {
		return true
	}
	return hostMatches(hostID, ds.daemon.selfHostname())
}

func (ds *driftScanner) findWindowsTarget(hostID string) *winrm.Target {
	ds.mu.Lock()
	targets := ds.winTargets
	ds.mu.Unlock()
	for _, t := range targets {
		if hostMatches(t.Hostname, hostID) {
			return t
		}
	}
	return nil
}

func (ds *driftScanner) findLinuxTarget(hostID string) *sshexec.Target {
	ds.daemon.stateMu.RLock()
	targets := ds.daemon.linuxTargets
	ds.daemon.stateMu.RUnlock()
	for _, t := range targets {
		if hostMatches(t.Hostname, hostID) {
			return t
		}
	}
	return nil
}

// hostMatches compares hostnames case-insensitively, tolerating one side
// being fully qualified.
func hostMatches(a, b string) bool {
	if strings.EqualFold(a, b) {
		return true
	}
	return strings.EqualFold(firstLabel(a), firstLabel(b))
}

func firstLabel(h string) string {
	if i := strings.IndexByte(h, '.'); i > 0 {
		return h[:i]
	}
	return h
}
