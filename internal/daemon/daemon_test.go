package daemon

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/osiriscare/compliance-appliance/internal/executor"
	"github.com/osiriscare/compliance-appliance/internal/grpcserver"
	"github.com/osiriscare/compliance-appliance/internal/healing"
	"github.com/osiriscare/compliance-appliance/internal/ntpcheck"
	"github.com/osiriscare/compliance-appliance/internal/orders"
	"github.com/osiriscare/compliance-appliance/internal/store"
	"github.com/osiriscare/compliance-appliance/internal/syncqueue"
)

// testDaemon builds a daemon with just the parts the pure-logic paths
// touch. No listeners, no databases.
func testDaemon(t *testing.T) *Daemon {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SiteID = "site-001"
	cfg.APIKey = "test-key"
	cfg.StateDir = t.TempDir()

	d := &Daemon{config: cfg, version: Version}
	d.agentReg = grpcserver.NewAgentRegistry()
	d.exec = executor.New(executor.Config{SiteID: cfg.SiteID, SelfHostname: "appliance"}, d.agentReg)
	d.engine = healing.NewEngine(cfg.RulesDir(), nil)
	d.orders = orders.NewProcessor(cfg.StateDir, nil)
	d.scanner = newDriftScanner(d)
	return d
}

func TestParseLinuxFindings(t *testing.T) {
	output := strings.Join([]string{
		"firewall_drift|pass|rules|42",
		"ssh_root_login|fail|no|yes",
		"audit_logging|pass|active|auditd",
		"bogus_check|fail|x|y",
		"malformed line without pipes",
		"",
	}, "\n")

	findings := parseLinuxFindings(output, "db01")
	if len(findings) != 3 {
		t.Fatalf("findings = %d, want 3 (unknown and malformed dropped)", len(findings))
	}

	byCheck := map[string]driftFinding{}
	for _, f := range findings {
		byCheck[f.CheckType] = f
	}

	fw := byCheck["firewall_drift"]
	if !fw.Passed || fw.Actual != "42" || fw.Hostname != "db01" {
		t.Errorf("firewall finding = %+v", fw)
	}
	ssh := byCheck["ssh_root_login"]
	if ssh.Passed || ssh.Severity != "high" || ssh.HIPAAControl != "164.312(a)(1)" {
		t.Errorf("ssh finding = %+v", ssh)
	}
}

func TestEvaluateWindowsFindsDrift(t *testing.T) {
	state := windowsScanState{
		Firewall:     map[string]string{"Domain": "True", "Public": "False"},
		Defender:     "Stopped",
		EventLog:     "Running",
		BitLocker:    "Off",
		ScreenLock:   "NotConfigured",
		SMB1:         "Enabled",
		RDPNLA:       "Disabled",
		GuestAccount: "Enabled",
	}

	findings := evaluateWindows(state, "dc01")
	failed := map[string]bool{}
	passed := map[string]bool{}
	for _, f := range findings {
		if f.Passed {
			passed[f.CheckType] = true
		} else {
			failed[f.CheckType] = true
		}
	}

	for _, want := range []string{
		"firewall_drift", "av_stopped", "encryption_drift",
		"screen_lock_drift", "smb1_enabled", "rdp_nla_disabled",
		"guest_account_enabled",
	} {
		if !failed[want] {
			t.Errorf("missing failed finding %s", want)
		}
	}
	if !passed["audit_logging"] {
		t.Error("running EventLog should emit a pass finding")
	}
}

func TestEvaluateWindowsAllCompliant(t *testing.T) {
	state := windowsScanState{
		Firewall:     map[string]string{"Domain": "True", "Private": "True", "Public": "True"},
		Defender:     "Running",
		EventLog:     "Running",
		BitLocker:    "On",
		ScreenLock:   "600",
		SMB1:         "Disabled",
		RDPNLA:       "Enabled",
		GuestAccount: "Disabled",
	}

	for _, f := range evaluateWindows(state, "dc01") {
		if !f.Passed {
			t.Errorf("unexpected drift on compliant host: %+v", f)
		}
	}
}

func TestDecodeOrders(t *testing.T) {
	raw := []map[string]interface{}{
		{"order_id": "ord-1", "order_type": "force_checkin"},
		{"order_id": "ord-2", "order_type": "healing", "parameters": map[string]interface{}{"runbook_id": "RB-WIN-SEC-001"}},
	}

	list := decodeOrders(raw)
	if len(list) != 2 {
		t.Fatalf("orders = %d", len(list))
	}
	if list[0].OrderID != "ord-1" || list[0].OrderType != "force_checkin" {
		t.Errorf("order[0] = %+v", list[0])
	}
	if id, _ := list[1].Parameters["runbook_id"].(string); id != "RB-WIN-SEC-001" {
		t.Errorf("order[1] params = %+v", list[1].Parameters)
	}
}

func TestApplyTargetsPromotesDomainAdminCreds(t *testing.T) {
	d := testDaemon(t)

	d.applyTargets(&CheckinResponse{
		WindowsTargets: []map[string]interface{}{
			{"hostname": "ws01", "username": `CORP\helpdesk`, "password": "p1"},
			{"hostname": "dc01", "username": `CORP\admin`, "password": "p2", "role": "domain_admin"},
			{"username": "incomplete"},
		},
		LinuxTargets: []map[string]interface{}{
			{"hostname": "db01", "username": "root", "password": "secret"},
		},
	})

	if d.config.DomainController == nil || *d.config.DomainController != "dc01" {
		t.Fatal("domain_admin target should set the domain controller")
	}
	if d.config.DCUsername == nil || *d.config.DCUsername != `CORP\admin` {
		t.Errorf("dc_username = %v", d.config.DCUsername)
	}

	d.stateMu.RLock()
	defer d.stateMu.RUnlock()
	if len(d.linuxTargets) != 1 || d.linuxTargets[0].Hostname != "db01" {
		t.Errorf("linux targets = %+v", d.linuxTargets)
	}
	if d.linuxTargets[0].Password == nil || *d.linuxTargets[0].Password != "secret" {
		t.Error("linux password not carried")
	}
}

func TestStateRoundTrip(t *testing.T) {
	d := testDaemon(t)
	d.stateMu.Lock()
	d.applianceID = "app-42"
	d.l2Mode = "manual"
	d.subscriptionStatus = "active"
	d.stateMu.Unlock()
	d.applyTargets(&CheckinResponse{
		LinuxTargets: []map[string]interface{}{
			{"hostname": "db01", "username": "root"},
		},
	})

	d.saveState()

	st, err := loadState(d.config.StateDir)
	if err != nil {
		t.Fatal(err)
	}
	if st == nil {
		t.Fatal("no state file written")
	}
	if st.ApplianceID != "app-42" || st.L2Mode != "manual" || st.SubscriptionStatus != "active" {
		t.Errorf("state = %+v", st)
	}
	if len(st.LinuxTargets) != 1 || st.LinuxTargets[0].Hostname != "db01" {
		t.Errorf("linux targets = %+v", st.LinuxTargets)
	}
}

func TestLoadStateFirstBoot(t *testing.T) {
	st, err := loadState(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if st != nil {
		t.Errorf("expected nil state on first boot, got %+v", st)
	}
}

func TestHealingAllowedSubscriptionGate(t *testing.T) {
	d := testDaemon(t)

	cases := map[string]bool{
		"":          true,
		"active":    true,
		"trialing":  true,
		"past_due":  false,
		"cancelled": false,
	}
	for sub, want := range cases {
		d.stateMu.Lock()
		d.subscriptionStatus = sub
		d.stateMu.Unlock()
		if got := d.healingAllowed(); got != want {
			t.Errorf("healingAllowed(%q) = %v, want %v", sub, got, want)
		}
	}

	d.config.EnableAutoHealing = false
	d.stateMu.Lock()
	d.subscriptionStatus = "active"
	d.stateMu.Unlock()
	if d.healingAllowed() {
		t.Error("disabled healing must gate regardless of subscription")
	}
}

func TestNewDaemonUsesNTPPolicyDefaults(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SiteID = "site-001"
	cfg.APIKey = "test-key"
	cfg.StateDir = t.TempDir()
	cfg.CADir = filepath.Join(cfg.StateDir, "ca")
	cfg.OTSEnabled = false

	d, err := New(cfg, Version)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		d.generator.Close()
		d.queue.Close()
		d.db.Close()
	})

	want := ntpcheck.New(cfg.NTPServers, 0, 0, 0)
	if !reflect.DeepEqual(d.ntp, want) {
		t.Error("NTP verifier policy diverges from the package defaults")
	}
}

func TestSyncPatternStatsPushesBatch(t *testing.T) {
	var mu sync.Mutex
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/agent/sync/pattern-stats" {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		json.Unmarshal(body, &got)
		mu.Unlock()
	}))
	defer srv.Close()

	d := testDaemon(t)
	db, err := store.Open(filepath.Join(t.TempDir(), "incidents.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	d.db = db

	queue, err := syncqueue.Open(syncqueue.Config{
		SiteID:  d.config.SiteID,
		BaseURL: srv.URL,
		APIKey:  "test-key",
		DBPath:  filepath.Join(t.TempDir(), "queue.db"),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { queue.Close() })
	d.queue = queue

	inc, err := db.CreateIncident("site-001", "ws01", "av_stopped", "high",
		map[string]interface{}{"actual": "Stopped"})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.ResolveIncident(inc.ID, store.LevelL1, "restart_av_service", "BUILTIN-AV-001", store.OutcomeSuccess, 1500); err != nil {
		t.Fatal(err)
	}

	d.syncPatternStats(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if got == nil {
		t.Fatal("no pattern_sync request reached the control plane")
	}
	if got["site_id"] != "site-001" {
		t.Errorf("site_id = %v", got["site_id"])
	}
	patterns, _ := got["patterns"].([]interface{})
	if len(patterns) != 1 {
		t.Fatalf("patterns = %d, want 1", len(patterns))
	}
	p := patterns[0].(map[string]interface{})
	if p["pattern_signature"] != inc.PatternSignature {
		t.Errorf("pattern_signature = %v, want %s", p["pattern_signature"], inc.PatternSignature)
	}
	if p["success_rate"] != 1.0 || p["recommended_action"] != "restart_av_service" {
		t.Errorf("pattern payload = %v", p)
	}
}

func TestWindowsSnapshotShape(t *testing.T) {
	snap := windowsSnapshot(windowsScanState{
		Firewall:  map[string]string{"Domain": "True", "Public": "False"},
		Defender:  "Stopped",
		EventLog:  "Running",
		BitLocker: "On",
	})

	if snap["firewall_enabled"] != false {
		t.Error("one disabled profile should report firewall_enabled=false")
	}
	if snap["av_running"] != false || snap["audit_logging"] != true {
		t.Errorf("snapshot booleans wrong: %v", snap)
	}
	services := snap["services"].(map[string]interface{})
	if services["WinDefend"] != "Stopped" {
		t.Errorf("services = %v", services)
	}
	enc := snap["encryption"].(map[string]interface{})
	if enc["C:"] != "On" {
		t.Errorf("encryption = %v", enc)
	}
}

func TestLinuxSnapshotShape(t *testing.T) {
	output := strings.Join([]string{
		"firewall_drift|pass|rules|42",
		"audit_logging|fail|active|journald_volatile",
		"disk_pressure|pass|<=90|31",
	}, "\n")

	snap := linuxSnapshot(parseLinuxFindings(output, "db01"))
	if snap["firewall_enabled"] != true || snap["audit_logging"] != false {
		t.Errorf("snapshot booleans wrong: %v", snap)
	}
	checks := snap["checks"].(map[string]interface{})
	if checks["disk_pressure"] != "31" {
		t.Errorf("checks = %v", checks)
	}

	if linuxSnapshot(nil) != nil {
		t.Error("no findings must yield a nil snapshot")
	}
}

func TestCaptureStateUnknownHost(t *testing.T) {
	d := testDaemon(t)
	if snap := d.scanner.captureState("no-such-host", "av_stopped"); snap != nil {
		t.Errorf("unknown host should yield nil snapshot, got %v", snap)
	}
}

func TestHostMatches(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"WS01", "ws01", true},
		{"ws01.corp.example.com", "ws01", true},
		{"ws01", "ws02", false},
		{"db01.corp.example.com", "DB01.CORP.EXAMPLE.COM", true},
	}
	for _, c := range cases {
		if got := hostMatches(c.a, c.b); got != c.want {
			t.Errorf("hostMatches(%q, %q) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestForceNextResetsScanClock(t *testing.T) {
	d := testDaemon(t)
	d.scanner.mu.Lock()
	d.scanner.lastScan = time.Now()
	d.scanner.mu.Unlock()

	d.scanner.forceNext()
	d.scanner.mu.Lock()
	defer d.scanner.mu.Unlock()
	if !d.scanner.lastScan.IsZero() {
		t.Error("forceNext should zero the scan clock")
	}
}
