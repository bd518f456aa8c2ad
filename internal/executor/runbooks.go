package executor

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
)

// Runbook is a named, versioned remediation procedure. Scripts are bash for
// linux platforms and PowerShell for windows.
type Runbook struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Platform        string   `json:"platform"`
	DetectScript    string   `json:"detect_script"`
	RemediateScript string   `json:"remediate_script"`
	VerifyScript    string   `json:"verify_script"`
	HIPAAControls   []string `json:"hipaa_controls"`
	Severity        string   `json:"severity"`
	TimeoutSeconds  int      `json:"timeout_seconds"`
}

// legacyRunbookIDs maps the old AUTO-<CHECK_TYPE> action names onto canonical
// runbook IDs. Carried for deployments that still emit the legacy names; new
// deployments emit canonical IDs only.
var legacyRunbookIDs = map[string]string{
	"AUTO-FIREWALL":   "RB-WIN-SEC-001",
	"AUTO-DEFENDER":   "RB-WIN-SEC-006",
	"AUTO-AV":         "RB-WIN-SEC-006",
	"AUTO-SCREENLOCK": "RB-WIN-SL-001",
	"AUTO-PATCHING":   "RB-WIN-PATCH-001",
	"AUTO-BACKUP":     "RB-LIN-BCK-001",
	"AUTO-LOGGING":    "RB-LIN-LOG-001",
	"AUTO-DISK":       "RB-LIN-DSK-001",
	"AUTO-CERT":       "RB-LIN-CRT-001",
}

// CanonicalRunbookID resolves legacy AUTO-* names, passing canonical IDs
// through unchanged.
func CanonicalRunbookID(id string) string {
	if mapped, ok := legacyRunbookIDs[strings.ToUpper(id)]; ok {
		return mapped
	}
	return id
}

// runbookFastChecks maps runbooks onto the agent fast-check types. When a
// connected Go agent can heal, these runbooks are delivered as a HealCommand
// on heartbeat instead of opening a WinRM session.
var runbookFastChecks = map[string]string{
	"RB-WIN-SEC-001": "firewall",
	"RB-WIN-SEC-006": "defender",
	"RB-WIN-SL-001":  "screenlock",
}

// builtinRunbooks seeds the registry. Sites receive additional runbooks from
// the control plane; those land in <state_dir>/runbooks.json and override
// builtins on ID collision.
func builtinRunbooks() map[string]*Runbook {
	books := []*Runbook{
		{
			ID: "RB-WIN-SEC-001", Name: "Restore Windows firewall baseline", Platform: "windows",
			DetectScript:    `(Get-NetFirewallProfile | Where-Object {$_.Enabled -eq $false} | Measure-Object).Count`,
			RemediateScript: `Set-NetFirewallProfile -Profile Domain,Public,Private -Enabled True`,
			VerifyScript:    `if ((Get-NetFirewallProfile | Where-Object {$_.Enabled -eq $false} | Measure-Object).Count -eq 0) { exit 0 } else { exit 1 }`,
			HIPAAControls:   []string{"164.312(a)(1)"}, Severity: "high", TimeoutSeconds: 60,
		},
		{
			ID: "RB-WIN-SEC-006", Name: "Restart Windows Defender", Platform: "windows",
			DetectScript:    `(Get-Service WinDefend).Status`,
			RemediateScript: `Start-Service WinDefend; Set-Service WinDefend -StartupType Automatic`,
			VerifyScript:    `if ((Get-Service WinDefend).Status -eq 'Running') { exit 0 } else { exit 1 }`,
			HIPAAControls:   []string{"164.308(a)(5)(ii)(B)"}, Severity: "high", TimeoutSeconds: 90,
		},
		{
			ID: "RB-WIN-SL-001", Name: "Configure screen lock policy", Platform: "windows",
			RemediateScript: `reg add "HKLM\SOFTWARE\Policies\Microsoft\Windows\Control Panel\Desktop" /v ScreenSaveTimeOut /t REG_SZ /d 900 /f; reg add "HKLM\SOFTWARE\Policies\Microsoft\Windows\Control Panel\Desktop" /v ScreenSaverIsSecure /t REG_SZ /d 1 /f`,
			VerifyScript:    `$t = (Get-ItemProperty "HKLM:\SOFTWARE\Policies\Microsoft\Windows\Control Panel\Desktop" -EA SilentlyContinue).ScreenSaveTimeOut; if ([int]$t -le 900 -and [int]$t -gt 0) { exit 0 } else { exit 1 }`,
			HIPAAControls:   []string{"164.312(a)(2)(iii)"}, Severity: "medium", TimeoutSeconds: 60,
		},
		{
			ID: "RB-WIN-PATCH-001", Name: "Trigger Windows update scan", Platform: "windows",
			RemediateScript: `Start-Process -FilePath "UsoClient.exe" -ArgumentList "StartScan" -NoNewWindow -Wait`,
			HIPAAControls:   []string{"164.308(a)(5)(ii)(B)"}, Severity: "medium", TimeoutSeconds: 300,
		},
		{
			ID: "RB-LIN-BCK-001", Name: "Re-run failed backup job", Platform: "linux",
			DetectScript:    `systemctl is-failed backup.service || true`,
			RemediateScript: `systemctl reset-failed backup.service 2>/dev/null; systemctl start backup.service`,
			VerifyScript:    `systemctl is-active backup.service`,
			HIPAAControls:   []string{"164.308(a)(7)(ii)(A)"}, Severity: "high", TimeoutSeconds: 600,
		},
		{
			ID: "RB-LIN-LOG-001", Name: "Restart logging services", Platform: "linux",
			RemediateScript: `systemctl restart rsyslog 2>/dev/null || systemctl restart systemd-journald`,
			VerifyScript:    `systemctl is-active rsyslog systemd-journald | grep -q active`,
			HIPAAControls:   []string{"164.312(b)"}, Severity: "high", TimeoutSeconds: 60,
		},
		{
			ID: "RB-LIN-DSK-001", Name: "Clean up disk space", Platform: "linux",
			RemediateScript: `journalctl --vacuum-size=200M; nix-collect-garbage --delete-older-than 14d 2>/dev/null; rm -f /var/cache/msp/*.tmp`,
			VerifyScript:    `usage=$(df --output=pcent / | tail -1 | tr -dc '0-9'); [ "$usage" -lt 90 ]`,
			HIPAAControls:   []string{"164.310(d)(2)(iv)"}, Severity: "medium", TimeoutSeconds: 300,
		},
		{
			ID: "RB-LIN-CRT-001", Name: "Renew TLS certificate", Platform: "linux",
			RemediateScript: `systemctl start acme-renew.service 2>/dev/null || certbot renew --non-interactive`,
			VerifyScript:    `true`,
			HIPAAControls:   []string{"164.312(e)(1)"}, Severity: "medium", TimeoutSeconds: 300,
		},
		{
			ID: "RB-NIX-BASE-001", Name: "Revert appliance to baseline generation", Platform: "linux",
			RemediateScript: `generation=$(cat /var/lib/msp/baseline-generation 2>/dev/null); if [ -n "$generation" ]; then /run/current-system/sw/bin/nix-env --switch-generation "$generation" -p /nix/var/nix/profiles/system && /nix/var/nix/profiles/system/bin/switch-to-configuration switch; fi`,
			VerifyScript:    `true`,
			HIPAAControls:   []string{"164.312(c)(1)"}, Severity: "high", TimeoutSeconds: 600,
		},
	}

	registry := make(map[string]*Runbook, len(books))
	for _, rb := range books {
		registry[rb.ID] = rb
	}
	return registry
}

// LoadRunbooks merges runbooks from a JSON file (keyed by runbook ID) over
// the builtin registry. Missing file is not an error; the builtins stand.
func (e *Executor) LoadRunbooks(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read runbooks: %w", err)
	}

	var loaded map[string]*Runbook
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("parse runbooks %s: %w", path, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, rb := range loaded {
		if rb.ID == "" {
			rb.ID = id
		}
		e.runbooks[id] = rb
	}
	log.Printf("[executor] merged %d runbooks from %s (%d total)", len(loaded), path, len(e.runbooks))
	return nil
}

// RunbookCount returns the number of registered runbooks.
func (e *Executor) RunbookCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.runbooks)
}

func (e *Executor) getRunbook(id string) *Runbook {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.runbooks[id]
}
