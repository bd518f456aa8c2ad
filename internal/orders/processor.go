// Package orders executes pending orders delivered in checkin responses.
//
// Order flow:
//  1. Orders arrive signed by the control plane's Ed25519 server key.
//  2. Each order is verified (signature, expiry, host scope), dispatched
//     to its handler by order_type, and completed with a result.
//
// Until the server key is learned from the first checkin, orders run
// unverified; once the key is set, unsigned orders are rejected.
package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/osiriscare/compliance-appliance/internal/crypto"
	"github.com/osiriscare/compliance-appliance/internal/healing"
)

// Order is one pending order from the control plane.
type Order struct {
	OrderID       string                 `json:"order_id"`
	OrderType     string                 `json:"order_type"`
	Parameters    map[string]interface{} `json:"parameters"`
	SignedPayload string                 `json:"signed_payload,omitempty"`
	Signature     string                 `json:"signature,omitempty"`
}

// OrderResult is the outcome of processing an order.
type OrderResult struct {
	OrderID string                 `json:"order_id"`
	Success bool                   `json:"success"`
	Result  map[string]interface{} `json:"result,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// HandlerFunc is the signature for order handlers.
type HandlerFunc func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error)

// CompletionCallback reports an order's result back to the control plane.
type CompletionCallback func(ctx context.Context, orderID string, success bool, result map[string]interface{}, errMsg string) error

// Processor dispatches and executes orders.
type Processor struct {
	handlers   map[string]HandlerFunc
	onComplete CompletionCallback
	stateDir   string

	mu          sync.RWMutex
	verifier    *crypto.Verifier
	applianceID string
}

// NewProcessor creates a processor with the built-in handlers registered.
func NewProcessor(stateDir string, onComplete CompletionCallback) *Processor {
	p := &Processor{
		handlers:   make(map[string]HandlerFunc),
		onComplete: onComplete,
		stateDir:   stateDir,
	}

	p.handlers["force_checkin"] = p.handleForceCheckin
	p.handlers["run_drift"] = p.handleRunDrift
	p.handlers["sync_rules"] = p.handleSyncRules
	p.handlers["restart_agent"] = p.handleRestartAgent
	p.handlers["nixos_rebuild"] = p.handleNixOSRebuild
	p.handlers["update_agent"] = p.handleUpdateAgent
	p.handlers["update_iso"] = p.handleUpdateISO
	p.handlers["view_logs"] = p.handleViewLogs
	p.handlers["diagnostic"] = p.handleDiagnostic
	p.handlers["deploy_sensor"] = p.handleDeploySensor
	p.handlers["remove_sensor"] = p.handleRemoveSensor
	p.handlers["deploy_linux_sensor"] = p.handleDeployLinuxSensor
	p.handlers["remove_linux_sensor"] = p.handleRemoveLinuxSensor
	p.handlers["sensor_status"] = p.handleSensorStatus
	p.handlers["sync_promoted_rule"] = p.handleSyncPromotedRule
	p.handlers["healing"] = p.handleHealing
	p.handlers["update_credentials"] = p.handleUpdateCredentials

	return p
}

// RegisterHandler adds or replaces a handler for an order type. Subsystems
// (healer, drift checker, sensor registry) inject their real handlers here.
func (p *Processor) RegisterHandler(orderType string, handler HandlerFunc) {
	p.handlers[orderType] = handler
}

// SetServerPublicKey installs the Ed25519 verification key learned at
// checkin. From this point on, unsigned orders are rejected.
func (p *Processor) SetServerPublicKey(hexKey string) error {
	v := crypto.NewVerifier(hexKey)
	p.mu.Lock()
	p.verifier = v
	p.mu.Unlock()
	return nil
}

// SetApplianceID records this appliance's identity for host-scoped orders.
func (p *Processor) SetApplianceID(id string) {
	p.mu.Lock()
	p.applianceID = id
	p.mu.Unlock()
}

// HandlerCount returns the number of registered handlers.
func (p *Processor) HandlerCount() int {
	return len(p.handlers)
}

// Process handles a single order: authorize, dispatch, report completion.
func (p *Processor) Process(ctx context.Context, order *Order) *OrderResult {
	if order.OrderID == "" || order.OrderType == "" {
		log.Printf("[orders] Skipping order with missing id or type")
		return nil
	}

	log.Printf("[orders] Processing order %s: %s", order.OrderID, order.OrderType)

	if err := p.authorize(order); err != nil {
		errMsg := err.Error()
		log.Printf("[orders] Order %s rejected: %s", order.OrderID, errMsg)
		p.complete(ctx, order.OrderID, false, nil, errMsg)
		return &OrderResult{OrderID: order.OrderID, Success: false, Error: errMsg}
	}

	handler, ok := p.handlers[order.OrderType]
	if !ok {
		errMsg := fmt.Sprintf("unknown order type: %s", order.OrderType)
		log.Printf("[orders] %s for order %s", errMsg, order.OrderID)
		p.complete(ctx, order.OrderID, false, nil, errMsg)
		return &OrderResult{OrderID: order.OrderID, Success: false, Error: errMsg}
	}

	params := order.Parameters
	if params == nil {
		params = map[string]interface{}{}
	}

	result, err := handler(ctx, params)
	if err != nil {
		log.Printf("[orders] Order %s failed: %v", order.OrderID, err)
		p.complete(ctx, order.OrderID, false, nil, err.Error())
		return &OrderResult{OrderID: order.OrderID, Success: false, Error: err.Error()}
	}

	log.Printf("[orders] Order %s completed successfully", order.OrderID)
	p.complete(ctx, order.OrderID, true, result, "")
	return &OrderResult{OrderID: order.OrderID, Success: true, Result: result}
}

// ProcessAll handles a batch of orders sequentially.
func (p *Processor) ProcessAll(ctx context.Context, orders []Order) []*OrderResult {
	var results []*OrderResult
	for i := range orders {
		select {
		case <-ctx.Done():
			return results
		default:
		}
		if r := p.Process(ctx, &orders[i]); r != nil {
			results = append(results, r)
		}
	}
	return results
}

// signedOrderPayload is the server-signed envelope carried alongside the
// outer order fields.
type signedOrderPayload struct {
	OrderID           string `json:"order_id"`
	OrderType         string `json:"order_type"`
	Nonce             string `json:"nonce"`
	CreatedAt         string `json:"created_at"`
	ExpiresAt         string `json:"expires_at"`
	TargetApplianceID string `json:"target_appliance_id,omitempty"`
}

// authorize enforces the signature, expiry, and host-scope checks. Before
// the server key is known every order passes; after, every order must
// carry a valid signature.
func (p *Processor) authorize(order *Order) error {
	p.mu.RLock()
	verifier := p.verifier
	applianceID := p.applianceID
	p.mu.RUnlock()

	if verifier == nil {
		return nil
	}
	if order.SignedPayload == "" || order.Signature == "" {
		return fmt.Errorf("SECURITY: unsigned order rejected (server key is known)")
	}
	if err := verifier.VerifyPayload(order.SignedPayload, order.Signature); err != nil {
		return fmt.Errorf("SECURITY: order signature invalid: %w", err)
	}

	var payload signedOrderPayload
	if err := json.Unmarshal([]byte(order.SignedPayload), &payload); err != nil {
		return fmt.Errorf("SECURITY: signed payload unparseable: %w", err)
	}
	if payload.OrderID != order.OrderID || payload.OrderType != order.OrderType {
		return fmt.Errorf("SECURITY: signed payload does not match order %s/%s", order.OrderID, order.OrderType)
	}

	if payload.ExpiresAt != "" {
		expires, err := time.Parse(time.RFC3339, payload.ExpiresAt)
		if err != nil {
			return fmt.Errorf("SECURITY: bad expires_at %q: %w", payload.ExpiresAt, err)
		}
		if time.Now().UTC().After(expires) {
			return fmt.Errorf("SECURITY: order expired at %s", payload.ExpiresAt)
		}
	}

	// Host scoping: a targeted order only runs on its appliance. Before
	// the first checkin assigns us an identity we cannot enforce this.
	if payload.TargetApplianceID != "" && applianceID != "" && payload.TargetApplianceID != applianceID {
		return fmt.Errorf("order targeted at %s, this appliance is %s", payload.TargetApplianceID, applianceID)
	}

	return nil
}

// CompletePendingRebuild checks for deferred rebuild completion on startup.
func (p *Processor) CompletePendingRebuild(ctx context.Context) {
	pendingFile := filepath.Join(p.stateDir, ".pending-rebuild-order")
	data, err := os.ReadFile(pendingFile)
	if err != nil {
		return // No pending rebuild
	}

	orderID := strings.TrimSpace(string(data))
	if orderID == "" {
		return
	}

	log.Printf("[orders] Completing deferred rebuild order %s", orderID)

	// The daemon came back up and is checking in, so the rebuild took.
	result := map[string]interface{}{
		"status":                  "rebuild_complete",
		"completed_after_restart": true,
		"message":                 "System successfully restarted after rebuild",
	}
	p.complete(ctx, orderID, true, result, "")

	// Write .rebuild-verified; the NixOS watchdog timer reads this to
	// know it is safe to persist the rebuild with `nixos-rebuild switch`.
	// If the file does not appear within 10 minutes, the watchdog rolls back.
	verifiedPath := filepath.Join(p.stateDir, ".rebuild-verified")
	os.WriteFile(verifiedPath, []byte(time.Now().UTC().Format(time.RFC3339)), 0o644)
	log.Printf("[orders] Wrote %s, watchdog will persist rebuild", verifiedPath)

	os.Remove(pendingFile)
	os.Remove(filepath.Join(p.stateDir, ".rebuild-in-progress"))
}

func (p *Processor) complete(ctx context.Context, orderID string, success bool, result map[string]interface{}, errMsg string) {
	if p.onComplete == nil {
		return
	}
	if err := p.onComplete(ctx, orderID, success, result, errMsg); err != nil {
		log.Printf("[orders] Failed to report completion for %s: %v", orderID, err)
	}
}

// --- Built-in handlers ---

func (p *Processor) handleForceCheckin(_ context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
	// Actual checkin is handled by the daemon's phone-home client
	return map[string]interface{}{"status": "checkin_triggered"}, nil
}

func (p *Processor) handleRunDrift(_ context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
	// Actual drift detection is handled by the daemon's detection cycle
	return map[string]interface{}{"status": "drift_scan_triggered"}, nil
}

func (p *Processor) handleSyncRules(_ context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
	// Rules sync is handled by the daemon's sync client
	return map[string]interface{}{"status": "sync_triggered"}, nil
}

func (p *Processor) handleRestartAgent(_ context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
	log.Printf("[orders] Scheduling agent restart in 5 seconds")

	go func() {
		time.Sleep(5 * time.Second)
		cmd := exec.Command("systemctl", "restart", "compliance-appliance")
		if err := cmd.Run(); err != nil {
			log.Printf("[orders] Restart failed: %v", err)
		}
	}()

	return map[string]interface{}{"status": "restart_scheduled"}, nil
}

const defaultFlakeRef = "github:osiriscare/appliance-flake#compliance-appliance-disk"

// validateFlakeRef pins rebuilds to the official flake repository.
func validateFlakeRef(ref string) error {
	if ref == "" {
		return nil // default applies
	}
	if !strings.HasPrefix(ref, "github:osiriscare/appliance-flake#") {
		return fmt.Errorf("flake_ref %q not in the official repository", ref)
	}
	if strings.Contains(ref, "..") {
		return fmt.Errorf("flake_ref %q contains a path traversal", ref)
	}
	return nil
}

// allowedDownloadHosts are the only origins update artifacts may come from.
var allowedDownloadHosts = map[string]bool{
	"github.com":                    true,
	"objects.githubusercontent.com": true,
	"updates.osiriscare.net":        true,
}

func validateDownloadURL(raw, field string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s unparseable: %w", field, err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("%s must use https", field)
	}
	if !allowedDownloadHosts[u.Hostname()] {
		return fmt.Errorf("%s host %q not in allow-list", field, u.Hostname())
	}
	return nil
}

func (p *Processor) handleNixOSRebuild(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	flakeRef, _ := params["flake_ref"].(string)
	if err := validateFlakeRef(flakeRef); err != nil {
		return nil, fmt.Errorf("SECURITY: %w", err)
	}
	if flakeRef == "" {
		flakeRef = defaultFlakeRef
	}

	// Read current system for rollback
	currentSystem, _ := os.Readlink("/run/current-system")

	markerData := map[string]interface{}{
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
		"previous_system": currentSystem,
		"flake_ref":       flakeRef,
	}
	markerJSON, _ := json.Marshal(markerData)
	markerPath := filepath.Join(p.stateDir, ".rebuild-in-progress")
	if err := os.WriteFile(markerPath, markerJSON, 0o644); err != nil {
		return nil, fmt.Errorf("write rebuild marker: %w", err)
	}

	// Persist order_id so the post-restart daemon can complete the order
	if orderID, _ := params["_order_id"].(string); orderID != "" {
		pendingPath := filepath.Join(p.stateDir, ".pending-rebuild-order")
		os.WriteFile(pendingPath, []byte(orderID), 0o644)
	}

	log.Printf("[orders] Two-phase rebuild: nixos-rebuild test --flake %s --refresh", flakeRef)

	// Run nixos-rebuild test via systemd-run to escape the daemon's
	// ProtectSystem=strict sandbox.
	cmd := exec.CommandContext(ctx, "systemd-run",
		"--unit=appliance-rebuild", "--wait", "--pipe", "--collect",
		"--property=TimeoutStartSec=600",
		"/run/current-system/sw/bin/nixos-rebuild", "test", "--flake", flakeRef, "--refresh")

	output, err := cmd.CombinedOutput()
	if err != nil {
		os.Remove(markerPath)
		outStr := string(output)
		if len(outStr) > 500 {
			outStr = outStr[len(outStr)-500:]
		}
		log.Printf("[orders] nixos-rebuild test failed (exit %v)", err)
		return nil, fmt.Errorf("nixos-rebuild test failed: %v\n%s", err, outStr)
	}

	log.Printf("[orders] nixos-rebuild test succeeded, scheduling daemon restart in 10s")

	// The daemon comes back up and calls CompletePendingRebuild()
	go func() {
		time.Sleep(10 * time.Second)
		exec.Command("systemctl", "restart", "compliance-appliance").Run()
	}()

	return map[string]interface{}{
		"status":          "test_activated",
		"previous_system": currentSystem,
		"message":         "NixOS rebuild test activated. Watchdog will persist after successful checkin or rollback after 10min.",
	}, nil
}

func (p *Processor) handleUpdateAgent(_ context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	packageURL, _ := params["package_url"].(string)
	version, _ := params["version"].(string)

	if err := validateDownloadURL(packageURL, "package_url"); err != nil {
		return nil, fmt.Errorf("SECURITY: %w", err)
	}
	if version == "" {
		version = "unknown"
	}

	return map[string]interface{}{
		"status":  "update_received",
		"version": version,
		"message": "Agent update will be applied",
	}, nil
}

func (p *Processor) handleUpdateISO(_ context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	version, _ := params["version"].(string)
	isoURL, _ := params["iso_url"].(string)

	if version == "" {
		return nil, fmt.Errorf("version is required")
	}
	if err := validateDownloadURL(isoURL, "iso_url"); err != nil {
		return nil, fmt.Errorf("SECURITY: %w", err)
	}

	return map[string]interface{}{
		"status":  "update_received",
		"version": version,
		"message": "ISO update will be applied during maintenance window",
	}, nil
}

func (p *Processor) handleViewLogs(_ context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	lines := 50
	if l, ok := params["lines"].(float64); ok && l > 0 {
		lines = int(l)
		if lines > 500 {
			lines = 500
		}
	}

	cmd := exec.Command("journalctl", "-u", "compliance-appliance", "--no-pager", "-n", fmt.Sprintf("%d", lines))
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("journalctl: %w", err)
	}

	return map[string]interface{}{
		"logs":  string(output),
		"lines": lines,
	}, nil
}

// allowedDiagnostics defines the whitelisted diagnostic commands.
var allowedDiagnostics = map[string][]string{
	"agent_status":    {"systemctl", "status", "compliance-appliance"},
	"agent_logs":      {"journalctl", "-u", "compliance-appliance", "--no-pager", "-n", "100"},
	"system_logs":     {"journalctl", "--no-pager", "-n", "100"},
	"disk_usage":      {"df", "-h"},
	"memory":          {"free", "-h"},
	"uptime":          {"uptime"},
	"network":         {"ip", "addr", "show"},
	"dns":             {"cat", "/etc/resolv.conf"},
	"time_sync":       {"timedatectl", "status"},
	"nix_generations": {"nix-env", "--list-generations", "-p", "/nix/var/nix/profiles/system"},
	"current_system":  {"readlink", "/run/current-system"},
	"services":        {"systemctl", "list-units", "--type=service", "--state=running", "--no-pager"},
	"firewall":        {"nft", "list", "ruleset"},
	"evidence_queue":  {"ls", "-la", "/var/lib/msp/evidence/"},
	"rebuild_status":  {"cat", "/var/lib/msp/.rebuild-in-progress"},
}

func (p *Processor) handleDiagnostic(_ context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	command, _ := params["command"].(string)
	if command == "" {
		return nil, fmt.Errorf("command is required")
	}

	args, ok := allowedDiagnostics[command]
	if !ok {
		return nil, fmt.Errorf("command %q not in whitelist", command)
	}

	cmd := exec.Command(args[0], args[1:]...)
	output, err := cmd.CombinedOutput()

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	outStr := string(output)
	if len(outStr) > 2000 {
		outStr = outStr[:2000] + "\n... (truncated)"
	}

	return map[string]interface{}{
		"command":   command,
		"exit_code": exitCode,
		"output":    outStr,
	}, nil
}

func requireHostname(params map[string]interface{}) (string, error) {
	hostname, _ := params["hostname"].(string)
	if hostname == "" {
		return "", fmt.Errorf("hostname is required")
	}
	return hostname, nil
}

func (p *Processor) handleDeploySensor(_ context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	hostname, err := requireHostname(params)
	if err != nil {
		return nil, err
	}
	// Sensor deployment is handled by the WinRM executor with the deploy script
	return map[string]interface{}{"status": "deploy_triggered", "hostname": hostname}, nil
}

func (p *Processor) handleRemoveSensor(_ context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	hostname, err := requireHostname(params)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "remove_triggered", "hostname": hostname}, nil
}

func (p *Processor) handleDeployLinuxSensor(_ context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	hostname, err := requireHostname(params)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "deploy_triggered", "hostname": hostname}, nil
}

func (p *Processor) handleRemoveLinuxSensor(_ context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	hostname, err := requireHostname(params)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "remove_triggered", "hostname": hostname}, nil
}

func (p *Processor) handleSensorStatus(_ context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
	// Real status is injected by the daemon from the sensor registry
	return map[string]interface{}{
		"status":               "collected",
		"total_active_sensors": 0,
	}, nil
}

const maxPromotedRuleBytes = 8 * 1024

// validatePromotedRuleYAML rejects malformed or dangerous rule payloads
// before they can reach the L1 engine's rules directory.
func validatePromotedRuleYAML(ruleID, ruleYAML string) error {
	if len(ruleYAML) > maxPromotedRuleBytes {
		return fmt.Errorf("SECURITY: rule YAML exceeds %d bytes", maxPromotedRuleBytes)
	}

	var rule map[string]interface{}
	if err := yaml.Unmarshal([]byte(ruleYAML), &rule); err != nil {
		return fmt.Errorf("rule YAML unparseable: %w", err)
	}

	if id, _ := rule["id"].(string); id != ruleID {
		return fmt.Errorf("rule id %q does not match order rule_id %q", rule["id"], ruleID)
	}

	action, _ := rule["action"].(string)
	if !healing.ActionAllowed(action) {
		return fmt.Errorf("SECURITY: action %q not in allow-list", action)
	}

	conds, _ := rule["conditions"].([]interface{})
	if len(conds) == 0 {
		return fmt.Errorf("rule has no conditions")
	}

	return nil
}

func (p *Processor) handleSyncPromotedRule(_ context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	ruleID, _ := params["rule_id"].(string)
	ruleYAML, _ := params["rule_yaml"].(string)

	if ruleID == "" || ruleYAML == "" {
		return nil, fmt.Errorf("rule_id and rule_yaml are required")
	}
	if err := validatePromotedRuleYAML(ruleID, ruleYAML); err != nil {
		return nil, err
	}

	promotedDir := filepath.Join(p.stateDir, "rules", "promoted")
	if err := os.MkdirAll(promotedDir, 0o755); err != nil {
		return nil, fmt.Errorf("create promoted rules dir: %w", err)
	}

	rulePath := filepath.Join(promotedDir, ruleID+".yaml")
	if _, err := os.Stat(rulePath); err == nil {
		return map[string]interface{}{
			"status":  "already_exists",
			"rule_id": ruleID,
		}, nil
	}

	if err := os.WriteFile(rulePath, []byte(ruleYAML), 0o644); err != nil {
		return nil, fmt.Errorf("write promoted rule: %w", err)
	}

	return map[string]interface{}{
		"status":  "deployed",
		"rule_id": ruleID,
	}, nil
}

// handleHealing is a stub; the daemon registers the real handler that
// routes through the runbook executor. Leaving the stub in place makes a
// mis-wired daemon loudly visible instead of silently acking heal orders.
func (p *Processor) handleHealing(_ context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	runbookID, _ := params["runbook_id"].(string)
	if runbookID == "" {
		return nil, fmt.Errorf("runbook_id is required")
	}
	return nil, fmt.Errorf("healing handler not wired for runbook %s", runbookID)
}

func (p *Processor) handleUpdateCredentials(_ context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
	// Credential refresh is handled by the daemon's phone-home client
	return map[string]interface{}{"status": "credential_refresh_triggered"}, nil
}
