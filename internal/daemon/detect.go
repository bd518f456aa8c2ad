package daemon

// detect.go runs the pull-mode drift scanners: one PowerShell pass per
// Windows target over WinRM, one shell pass for the appliance itself and
// each Linux target over SSH. Findings feed the healer and the evidence
// pipeline through Daemon.reportFinding.

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/osiriscare/compliance-appliance/internal/evidence"
	"github.com/osiriscare/compliance-appliance/internal/sshexec"
	"github.com/osiriscare/compliance-appliance/internal/winrm"
)

const (
	driftScanInterval = 5 * time.Minute
	scanTimeoutSecs   = 60
)

// driftFinding is a single drift condition found on a target.
type driftFinding struct {
	Hostname     string
	CheckType    string
	Passed       bool
	Expected     string
	Actual       string
	HIPAAControl string
	Severity     string
	Details      map[string]interface{}
}

type driftScanner struct {
	daemon *Daemon
	win    *winrm.Executor
	ssh    *sshexec.Executor

	mu         sync.Mutex
	lastScan   time.Time
	winTargets []*winrm.Target
	running    int32
}

func newDriftScanner(d *Daemon) *driftScanner {
	return &driftScanner{
		daemon: d,
		win:    winrm.NewExecutor(),
		ssh:    sshexec.NewExecutor(),
	}
}

func (ds *driftScanner) setWindowsTargets(targets []*winrm.Target) {
	ds.mu.Lock()
	ds.winTargets = targets
	ds.mu.Unlock()
}

// forceNext makes the next runScanIfNeeded call scan immediately.
func (ds *driftScanner) forceNext() {
	ds.mu.Lock()
	ds.lastScan = time.Time{}
	ds.mu.Unlock()
}

// runScanIfNeeded scans when the interval has elapsed. At most one scan
// runs at a time; overlapping callers return immediately.
func (ds *driftScanner) runScanIfNeeded(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&ds.running, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&ds.running, 0)

	ds.mu.Lock()
	due := ds.lastScan.IsZero() || time.Since(ds.lastScan) >= driftScanInterval
	if due {
		ds.lastScan = time.Now()
	}
	ds.mu.Unlock()
	if !due {
		return
	}

	ds.scan(ctx)
}

// ForceScan runs a full scan immediately and returns a summary. Used by
// the run_drift order.
func (ds *driftScanner) ForceScan(ctx context.Context) map[string]interface{} {
	findings, hosts := ds.scan(ctx)
	return map[string]interface{}{
		"scanned_hosts": hosts,
		"findings":      findings,
	}
}

func (ds *driftScanner) scan(ctx context.Context) (findingCount, hostCount int) {
	start := time.Now()

	selfFindings := ds.scanLinuxSelf(ctx)
	ds.report(ctx, selfFindings)
	findingCount += failCount(selfFindings)
	hostCount++

	ds.daemon.stateMu.RLock()
	linuxTargets := ds.daemon.linuxTargets
	ds.daemon.stateMu.RUnlock()
	for _, t := range linuxTargets {
		fs := ds.scanLinuxRemote(ctx, t)
		ds.report(ctx, fs)
		findingCount += failCount(fs)
		hostCount++
	}

	ds.mu.Lock()
	winTargets := ds.winTargets
	ds.mu.Unlock()
	for _, t := range winTargets {
		fs := ds.scanWindowsTarget(ctx, t)
		ds.report(ctx, fs)
		findingCount += failCount(fs)
		hostCount++
	}

	log.Printf("[driftscan] cycle done: hosts=%d findings=%d in %.1fs",
		hostCount, findingCount, time.Since(start).Seconds())
	return findingCount, hostCount
}

func failCount(findings []driftFinding) int {
	n := 0
	for _, f := range findings {
		if !f.Passed {
			n++
		}
	}
	return n
}

func (ds *driftScanner) report(ctx context.Context, findings []driftFinding) {
	for _, f := range findings {
		ds.daemon.reportFinding(ctx, f)
	}
}

// windowsScanScript collects every Windows control in one WinRM call and
// prints compact JSON.
const windowsScanScript = `
$ErrorActionPreference = 'SilentlyContinue'
$r = @{}

$fw = @{}
Get-NetFirewallProfile | ForEach-Object { $fw[$_.Name] = $_.Enabled.ToString() }
$r.Firewall = $fw

$wd = Get-Service WinDefend -EA SilentlyContinue
$r.Defender = if ($wd) { $wd.Status.ToString() } else { "NotFound" }

$wu = Get-Service wuauserv -EA SilentlyContinue
$r.WindowsUpdate = if ($wu) { $wu.Status.ToString() } else { "NotFound" }

$el = Get-Service EventLog -EA SilentlyContinue
$r.EventLog = if ($el) { $el.Status.ToString() } else { "NotFound" }

$r.BitLocker = "NotAvailable"
try {
    $bl = Get-BitLockerVolume -MountPoint "C:" -EA Stop
    $r.BitLocker = $bl.ProtectionStatus.ToString()
} catch {}

$r.ScreenLock = "NotConfigured"
try {
    $sl = Get-ItemProperty -Path "HKLM:\SOFTWARE\Microsoft\Windows\CurrentVersion\Policies\System" -Name "InactivityTimeoutSecs" -EA Stop
    $r.ScreenLock = $sl.InactivityTimeoutSecs.ToString()
} catch {}

$r.SMB1 = "Unknown"
try {
    $smb = Get-SmbServerConfiguration -EA Stop
    $r.SMB1 = if ($smb.EnableSMB1Protocol) { "Enabled" } else { "Disabled" }
} catch {}

$r.RDPNLA = "NotConfigured"
try {
    $rdp = Get-ItemProperty -Path "HKLM:\SYSTEM\CurrentControlSet\Control\Terminal Server\WinStations\RDP-Tcp" -Name "UserAuthentication" -EA Stop
    $r.RDPNLA = if ($rdp.UserAuthentication -eq 1) { "Enabled" } else { "Disabled" }
} catch {}

$r.GuestAccount = "NotFound"
try {
    $g = Get-LocalUser -Name "Guest" -EA Stop
    $r.GuestAccount = if ($g.Enabled) { "Enabled" } else { "Disabled" }
} catch {}

$r | ConvertTo-Json -Compress
`

// windowsScanState is the parsed scan script output.
type windowsScanState struct {
	Firewall      map[string]string `json:"Firewall"`
	Defender      string            `json:"Defender"`
	WindowsUpdate string            `json:"WindowsUpdate"`
	EventLog      string            `json:"EventLog"`
	BitLocker     string            `json:"BitLocker"`
	ScreenLock    string            `json:"ScreenLock"`
	SMB1          string            `json:"SMB1"`
	RDPNLA        string            `json:"RDPNLA"`
	GuestAccount  string            `json:"GuestAccount"`
}

func (ds *driftScanner) scanWindowsTarget(ctx context.Context, t *winrm.Target) []driftFinding {
	res := ds.win.Execute(ctx, t, windowsScanScript, "DRIFT-SCAN", "detect", scanTimeoutSecs, 0, 15.0, nil)
	if !res.Success {
		log.Printf("[driftscan] %s unreachable: %s", t.Hostname, res.Error)
		return nil
	}
	stdout, _ := res.Output["std_out"].(string)
	if strings.TrimSpace(stdout) == "" {
		return nil
	}

	var state windowsScanState
	if err := json.Unmarshal([]byte(stdout), &state); err != nil {
		log.Printf("[driftscan] parse %s: %v", t.Hostname, err)
		return nil
	}
	return evaluateWindows(state, t.Hostname)
}

// evaluateWindows turns raw scan state into findings. Pass results are
// emitted too so the evidence chain records continued compliance.
func evaluateWindows(state windowsScanState, hostname string) []driftFinding {
	var out []driftFinding
	add := func(check string, passed bool, expected, actual, control, severity string, details map[string]interface{}) {
		out = append(out, driftFinding{
			Hostname:     hostname,
			CheckType:    check,
			Passed:       passed,
			Expected:     expected,
			Actual:       actual,
			HIPAAControl: control,
			Severity:     severity,
			Details:      details,
		})
	}

	fwOK := true
	for profile, enabled := range state.Firewall {
		if strings.EqualFold(enabled, "false") {
			fwOK = false
			add("firewall_drift", false, "True", "False", "164.312(a)(1)", "high",
				map[string]interface{}{"profile": profile})
		}
	}
	if fwOK && len(state.Firewall) > 0 {
		add("firewall_drift", true, "True", "True", "164.312(a)(1)", "high", nil)
	}

	if state.Defender == "Running" {
		add("av_stopped", true, "Running", state.Defender, "164.308(a)(5)(ii)(B)", "high", nil)
	} else if state.Defender != "" && state.Defender != "NotFound" {
		add("av_stopped", false, "Running", state.Defender, "164.308(a)(5)(ii)(B)", "high", nil)
	}

	if state.WindowsUpdate == "Stopped" {
		add("patch_drift", false, "Running", "Stopped", "164.308(a)(5)(ii)(A)", "medium", nil)
	}

	if state.EventLog == "Stopped" {
		add("audit_logging", false, "Running", "Stopped", "164.312(b)", "critical", nil)
	} else if state.EventLog == "Running" {
		add("audit_logging", true, "Running", "Running", "164.312(b)", "critical", nil)
	}

	switch state.BitLocker {
	case "On", "1":
		add("encryption_drift", true, "On", state.BitLocker, "164.312(a)(2)(iv)", "high", nil)
	case "Off", "0":
		add("encryption_drift", false, "On", state.BitLocker, "164.312(a)(2)(iv)", "high", nil)
	}

	if secs, err := strconv.Atoi(state.ScreenLock); err == nil && secs > 0 && secs <= 900 {
		add("screen_lock_drift", true, "<=900", state.ScreenLock, "164.312(a)(2)(iii)", "medium", nil)
	} else {
		add("screen_lock_drift", false, "<=900", state.ScreenLock, "164.312(a)(2)(iii)", "medium", nil)
	}

	if state.SMB1 == "Enabled" {
		add("smb1_enabled", false, "Disabled", "Enabled", "164.312(e)(1)", "high", nil)
	}
	if state.RDPNLA == "Disabled" {
		add("rdp_nla_disabled", false, "Enabled", "Disabled", "164.312(a)(1)", "high", nil)
	}
	if state.GuestAccount == "Enabled" {
		add("guest_account_enabled", false, "Disabled", "Enabled", "164.312(a)(1)", "high", nil)
	}

	return out
}

// linuxScanScript checks the appliance and remote Linux hosts in one shell
// pass. Each line is CHECK|passed|expected|actual so parsing needs no
// interpreter on the target.
const linuxScanScript = `#!/bin/sh
emit() { printf '%s|%s|%s|%s\n' "$1" "$2" "$3" "$4"; }

# Firewall: at least one active ruleset
fw=0
if command -v nft >/dev/null 2>&1; then fw=$(nft list ruleset 2>/dev/null | grep -c "rule"); fi
if [ "${fw:-0}" -eq 0 ] && command -v iptables >/dev/null 2>&1; then
    fw=$(iptables -S 2>/dev/null | grep -c -v "^-P")
fi
if [ "${fw:-0}" -gt 0 ]; then emit firewall_drift pass rules "$fw"; else emit firewall_drift fail rules 0; fi

# SSH hardening
if [ -f /etc/ssh/sshd_config ]; then
    root_login=$(awk 'tolower($1)=="permitrootlogin"{print $2; exit}' /etc/ssh/sshd_config)
    pass_auth=$(awk 'tolower($1)=="passwordauthentication"{print $2; exit}' /etc/ssh/sshd_config)
    [ -z "$root_login" ] && root_login=prohibit-password
    [ -z "$pass_auth" ] && pass_auth=yes
    if [ "$root_login" = "yes" ]; then emit ssh_root_login fail no "$root_login"; else emit ssh_root_login pass no "$root_login"; fi
    if [ "$pass_auth" = "yes" ]; then emit ssh_password_auth fail no yes; else emit ssh_password_auth pass no "$pass_auth"; fi
fi

# Audit logging: auditd or persistent journald
if systemctl is-active auditd >/dev/null 2>&1; then
    emit audit_logging pass active auditd
elif [ -d /var/log/journal ]; then
    emit audit_logging pass active journald_persistent
else
    emit audit_logging fail active journald_volatile
fi

# Clock sync
synced=$(timedatectl show --property=NTPSynchronized --value 2>/dev/null)
if [ "$synced" = "yes" ]; then emit ntp_sync pass yes yes; else emit ntp_sync fail yes "${synced:-unknown}"; fi

# Failed units
failed=$(systemctl --failed --no-legend --no-pager 2>/dev/null | awk '{print $1}' | paste -sd, -)
if [ -n "$failed" ]; then emit failed_services fail none "$failed"; else emit failed_services pass none none; fi

# Disk pressure: any real mount over 90%
worst=0
for pct in $(df -P 2>/dev/null | awk 'NR>1 && $1 ~ /^\// {gsub("%","",$5); print $5}'); do
    [ "$pct" -gt "$worst" ] 2>/dev/null && worst=$pct
done
if [ "$worst" -gt 90 ]; then emit disk_pressure fail "<=90" "$worst"; else emit disk_pressure pass "<=90" "$worst"; fi

# Auto updates
if systemctl is-active nixos-upgrade.timer >/dev/null 2>&1 || systemctl is-active unattended-upgrades.timer >/dev/null 2>&1; then
    emit auto_update pass enabled enabled
else
    emit auto_update fail enabled none
fi

# Certificate expiry within 30 days
for cert in /var/lib/msp/ca/ca.crt /var/lib/msp/ca/server.crt; do
    [ -f "$cert" ] || continue
    if openssl x509 -checkend 2592000 -noout -in "$cert" >/dev/null 2>&1; then
        emit cert_expiry pass ">30d" ok
    else
        emit cert_expiry fail ">30d" "$cert"
    fi
done
`

// linuxCheckMeta maps check names to HIPAA controls and severities.
var linuxCheckMeta = map[string]struct {
	control  string
	severity string
}{
	"firewall_drift":    {"164.312(a)(1)", "high"},
	"ssh_root_login":    {"164.312(a)(1)", "high"},
	"ssh_password_auth": {"164.312(d)", "medium"},
	"audit_logging":     {"164.312(b)", "critical"},
	"ntp_sync":          {"164.312(b)", "medium"},
	"failed_services":   {"164.308(a)(1)(ii)(D)", "medium"},
	"disk_pressure":     {"164.308(a)(7)(ii)(A)", "medium"},
	"auto_update":       {"164.308(a)(5)(ii)(A)", "medium"},
	"cert_expiry":       {"164.312(e)(1)", "high"},
}

func (ds *driftScanner) scanLinuxSelf(ctx context.Context) []driftFinding {
	cctx, cancel := context.WithTimeout(ctx, scanTimeoutSecs*time.Second)
	defer cancel()

	cmd := exec.CommandContext(cctx, "sh", "-c", linuxScanScript)
	output, err := cmd.CombinedOutput()
	if err != nil {
		log.Printf("[driftscan] self scan: %v", err)
		return nil
	}
	return parseLinuxFindings(string(output), ds.daemon.selfHostname())
}

func (ds *driftScanner) scanLinuxRemote(ctx context.Context, t *sshexec.Target) []driftFinding {
	res := ds.ssh.Execute(ctx, t, linuxScanScript, "DRIFT-SCAN", "detect", scanTimeoutSecs, 0, 5.0, false, nil)
	if !res.Success {
		log.Printf("[driftscan] %s unreachable: %s", t.Hostname, res.Error)
		return nil
	}
	stdout, _ := res.Output["std_out"].(string)
	return parseLinuxFindings(stdout, t.Hostname)
}

// parseLinuxFindings decodes the CHECK|passed|expected|actual lines.
func parseLinuxFindings(output, hostname string) []driftFinding {
	var out []driftFinding
	for _, line := range strings.Split(output, "\n") {
		parts := strings.SplitN(strings.TrimSpace(line), "|", 4)
		if len(parts) != 4 {
			continue
		}
		check := parts[0]
		meta, known := linuxCheckMeta[check]
		if !known {
			continue
		}
		out = append(out, driftFinding{
			Hostname:     hostname,
			CheckType:    check,
			Passed:       parts[1] == "pass",
			Expected:     parts[2],
			Actual:       parts[3],
			HIPAAControl: meta.control,
			Severity:     meta.severity,
			Details:      map[string]interface{}{"platform": "linux"},
		})
	}
	return out
}

func (d *Daemon) selfHostname() string {
	if h := getHostname(); h != "unknown" {
		return h
	}
	return fmt.Sprintf("%s-appliance", d.config.SiteID)
}

func evidenceResult(f driftFinding, status string) evidence.CheckResult {
	return evidence.CheckResult{
		CheckType:    f.CheckType,
		Hostname:     f.Hostname,
		Status:       status,
		Expected:     f.Expected,
		Actual:       f.Actual,
		HIPAAControl: f.HIPAAControl,
		Severity:     f.Severity,
		Details:      f.Details,
	}
}

// reportFinding routes one scanner finding into evidence and healing.
func (d *Daemon) reportFinding(ctx context.Context, f driftFinding) {
	status := "fail"
	if f.Passed {
		status = "pass"
	}
	d.recordEvidence(evidenceResult(f, status))
	if f.Passed {
		return
	}

	raw := map[string]interface{}{
		"expected": f.Expected,
		"actual":   f.Actual,
		"source":   "driftscan",
	}
	for k, v := range f.Details {
		raw[k] = v
	}
	d.heal(ctx, f.Hostname, f.CheckType, f.Severity, raw)
}
