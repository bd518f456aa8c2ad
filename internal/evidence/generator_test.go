package evidence

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/osiriscare/compliance-appliance/internal/crypto"
	"github.com/osiriscare/compliance-appliance/internal/ntpcheck"
)

func testGenerator(t *testing.T, signer *crypto.Signer, heartbeat time.Duration) *Generator {
	t.Helper()
	dir := t.TempDir()
	g, err := NewGenerator(Config{
		SiteID:            "site-001",
		EvidenceDir:       filepath.Join(dir, "evidence"),
		ChainDBPath:       filepath.Join(dir, "evidence_chain.db"),
		HeartbeatInterval: heartbeat,
	}, signer)
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	t.Cleanup(func() { g.Close() })
	return g
}

func testSigner(t *testing.T) *crypto.Signer {
	t.Helper()
	s, err := crypto.NewSigner(filepath.Join(t.TempDir(), "agent.key"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func check(status string) CheckResult {
	return CheckResult{
		CheckType:    "linux_ntp_sync",
		Hostname:     "h1",
		Status:       status,
		HIPAAControl: "164.312(b)",
	}
}

func TestDedupeStateChangesOnly(t *testing.T) {
	g := testGenerator(t, nil, 24*time.Hour)

	// First observation always submits.
	b, err := g.Process([]CheckResult{check("pass")})
	if err != nil || b == nil {
		t.Fatalf("first observation must submit: %v %v", b, err)
	}

	// Nine identical passes inside the heartbeat window are suppressed.
	for i := 0; i < 9; i++ {
		b, err := g.Process([]CheckResult{check("pass")})
		if err != nil {
			t.Fatal(err)
		}
		if b != nil {
			t.Fatalf("duplicate pass %d submitted", i)
		}
	}

	// State change submits, as does the flip back.
	if b, _ := g.Process([]CheckResult{check("fail")}); b == nil {
		t.Fatal("state change not submitted")
	}
	if b, _ := g.Process([]CheckResult{check("pass")}); b == nil {
		t.Fatal("state change back to pass not submitted")
	}
}

func TestHeartbeatForcesResubmission(t *testing.T) {
	g := testGenerator(t, nil, 20*time.Millisecond)

	if b, _ := g.Process([]CheckResult{check("pass")}); b == nil {
		t.Fatal("first submission missing")
	}
	if b, _ := g.Process([]CheckResult{check("pass")}); b != nil {
		t.Fatal("heartbeat submitted early")
	}

	time.Sleep(30 * time.Millisecond)
	if b, _ := g.Process([]CheckResult{check("pass")}); b == nil {
		t.Fatal("heartbeat resubmission missing")
	}
}

func TestSignedDataVerifies(t *testing.T) {
	signer := testSigner(t)
	g := testGenerator(t, signer, time.Hour)

	b, err := g.Process([]CheckResult{{
		CheckType: "nixos_generation", Hostname: "appliance", Status: "pass",
	}})
	if err != nil || b == nil {
		t.Fatalf("process: %v", err)
	}

	if b.SignedData == "" || b.AgentSignature == "" {
		t.Fatal("bundle not signed")
	}
	// Canonical serialization sorts keys, so checked_at leads.
	if !strings.HasPrefix(b.SignedData, `{"checked_at"`) {
		t.Fatalf("signed_data not canonical: %.60s", b.SignedData)
	}

	var payload struct {
		SiteID  string                   `json:"site_id"`
		Checks  []map[string]interface{} `json:"checks"`
		Summary map[string]interface{}   `json:"summary"`
	}
	if err := json.Unmarshal([]byte(b.SignedData), &payload); err != nil {
		t.Fatal(err)
	}
	if payload.SiteID != "site-001" || len(payload.Checks) != 1 {
		t.Fatalf("unexpected signed payload: %+v", payload)
	}
	if payload.Summary["total_checks"].(float64) != 1 || payload.Summary["compliant"].(float64) != 1 {
		t.Fatalf("unexpected summary: %v", payload.Summary)
	}

	v := crypto.NewVerifier(signer.PublicKeyHex())
	if err := v.VerifyPayload(b.SignedData, b.AgentSignature); err != nil {
		t.Fatalf("signature does not verify: %v", err)
	}
}

func TestUnsignedWithoutSigner(t *testing.T) {
	g := testGenerator(t, nil, time.Hour)

	b, err := g.Process([]CheckResult{check("pass")})
	if err != nil || b == nil {
		t.Fatal(err)
	}
	if b.SignedData != "" || b.AgentSignature != "" {
		t.Fatal("unsigned bundle carries signature fields")
	}
	if _, ok := b.Payload()["agent_signature"]; ok {
		t.Fatal("payload must omit signature when unsigned")
	}
}

func TestChainLinksBundles(t *testing.T) {
	g := testGenerator(t, nil, time.Hour)

	first, err := g.Process([]CheckResult{check("pass")})
	if err != nil || first == nil {
		t.Fatal(err)
	}
	if _, ok := first.Checks[0]["previous_bundle_hash"]; ok {
		t.Fatal("first bundle must not have a previous hash")
	}

	second, err := g.Process([]CheckResult{check("fail")})
	if err != nil || second == nil {
		t.Fatal(err)
	}
	prev, _ := second.Checks[0]["previous_bundle_hash"].(string)
	if prev != first.BundleHash {
		t.Fatalf("chain broken: prev=%s want %s", prev, first.BundleHash)
	}
}

func TestPersistedBundleLayout(t *testing.T) {
	signer := testSigner(t)
	g := testGenerator(t, signer, time.Hour)

	b, err := g.Process([]CheckResult{check("fail")})
	if err != nil || b == nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	dir := filepath.Join(g.cfg.EvidenceDir,
		now.Format("2006"), now.Format("01"), now.Format("02"), b.BundleID)

	data, err := os.ReadFile(filepath.Join(dir, "bundle.json"))
	if err != nil {
		t.Fatalf("bundle.json missing: %v", err)
	}
	var onDisk Bundle
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatal(err)
	}
	if onDisk.BundleHash != b.BundleHash {
		t.Fatal("persisted bundle hash mismatch")
	}

	sig, err := os.ReadFile(filepath.Join(dir, "bundle.sig"))
	if err != nil {
		t.Fatalf("bundle.sig missing: %v", err)
	}
	if string(sig) != b.AgentSignature {
		t.Fatal("persisted signature mismatch")
	}
}

func TestNTPAnnotationAndOTSHook(t *testing.T) {
	g := testGenerator(t, nil, time.Hour)
	g.SetNTPAnnotator(func() *ntpcheck.Verification {
		return &ntpcheck.Verification{Passed: true, ServersOK: 3}
	})
	var otsID, otsHash string
	g.SetOTSHook(func(bundleID, bundleHash string) { otsID, otsHash = bundleID, bundleHash })

	b, err := g.Process([]CheckResult{check("pass")})
	if err != nil || b == nil {
		t.Fatal(err)
	}
	if b.NTP == nil || !b.NTP.Passed {
		t.Fatal("NTP annotation missing")
	}
	if otsID != b.BundleID || otsHash != b.BundleHash {
		t.Fatalf("OTS hook not invoked correctly: %s %s", otsID, otsHash)
	}
	if _, ok := b.Payload()["ntp_verification"]; !ok {
		t.Fatal("payload missing NTP annotation")
	}
}

func TestMultipleChecksOneBundle(t *testing.T) {
	g := testGenerator(t, nil, time.Hour)

	b, err := g.Process([]CheckResult{
		{CheckType: "firewall_status", Hostname: "ws1", Status: "pass"},
		{CheckType: "firewall_status", Hostname: "ws2", Status: "fail", Expected: "enabled", Actual: "disabled"},
		{CheckType: "av_status", Hostname: "ws1", Status: "pass"},
	})
	if err != nil || b == nil {
		t.Fatal(err)
	}
	if len(b.Checks) != 3 {
		t.Fatalf("checks = %d, want 3", len(b.Checks))
	}
	if b.Summary["compliant"] != 2 || b.Summary["non_compliant"] != 1 {
		t.Fatalf("summary wrong: %v", b.Summary)
	}

	// Per-host dedupe: ws1 firewall suppressed, ws2 fail state change only.
	b2, err := g.Process([]CheckResult{
		{CheckType: "firewall_status", Hostname: "ws1", Status: "pass"},
		{CheckType: "firewall_status", Hostname: "ws2", Status: "pass"},
	})
	if err != nil || b2 == nil {
		t.Fatal(err)
	}
	if len(b2.Checks) != 1 || b2.Checks[0]["hostname"] != "ws2" {
		t.Fatalf("dedupe not per host: %v", b2.Checks)
	}
}
