// Package executor routes healing actions to the machinery that can carry
// them out: local shell for the appliance itself, SSH for Linux targets,
// WinRM for Windows targets, and the gRPC heartbeat fast path when a
// connected Go agent can handle the fix. It also owns the runbook registry
// and the legacy AUTO-* action translation.
package executor

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/osiriscare/compliance-appliance/internal/healing"
	"github.com/osiriscare/compliance-appliance/internal/sshexec"
	"github.com/osiriscare/compliance-appliance/internal/winrm"
	pb "github.com/osiriscare/compliance-appliance/proto"
)

// Config holds executor configuration.
type Config struct {
	SiteID       string
	SelfHostname string
	DryRun       bool
}

// AgentGateway is the slice of the agent registry the fast path needs.
type AgentGateway interface {
	CanFastHeal(hostname string) bool
	QueueHealCommand(hostname string, cmd *pb.HealCommand) bool
}

// Executor dispatches actions. Safe for concurrent use.
type Executor struct {
	cfg    Config
	ssh    *sshexec.Executor
	win    *winrm.Executor
	agents AgentGateway // nil when the gRPC server is disabled

	mu           sync.RWMutex
	runbooks     map[string]*Runbook
	winTargets   []*winrm.Target
	linuxTargets []*sshexec.Target
}

// New creates an executor with the builtin runbook registry.
func New(cfg Config, agents AgentGateway) *Executor {
	return &Executor{
		cfg:      cfg,
		ssh:      sshexec.NewExecutor(),
		win:      winrm.NewExecutor(),
		agents:   agents,
		runbooks: builtinRunbooks(),
	}
}

// ActionExecutor adapts Dispatch to the callback the rule engine and the
// LLM planner expect.
func (e *Executor) ActionExecutor(ctx context.Context) healing.ActionExecutor {
	return func(action string, params map[string]interface{}, siteID, hostID string) (map[string]interface{}, error) {
		return e.Dispatch(ctx, action, params, siteID, hostID)
	}
}

// actionRunbooks binds canonical allow-list actions to runbooks.
var actionRunbooks = map[string]string{
	"update_to_baseline_generation": "RB-NIX-BASE-001",
	"restart_av_service":            "RB-WIN-SEC-006",
	"run_backup_job":                "RB-LIN-BCK-001",
	"restart_logging_services":      "RB-LIN-LOG-001",
	"restore_firewall_baseline":     "RB-WIN-SEC-001",
	"renew_certificate":             "RB-LIN-CRT-001",
	"cleanup_disk_space":            "RB-LIN-DSK-001",
}

// localActionScripts are appliance-local fixes that need no runbook.
var localActionScripts = map[string]string{
	"clear_cache": `rm -rf /var/cache/msp/* 2>/dev/null; sync`,
	"rotate_logs": `journalctl --vacuum-size=200M 2>/dev/null; logrotate --force /etc/logrotate.conf 2>/dev/null || true`,
}

// Dispatch routes one action. Unknown actions are refused.
func (e *Executor) Dispatch(ctx context.Context, action string, params map[string]interface{}, siteID, hostID string) (map[string]interface{}, error) {
	if e.cfg.DryRun {
		log.Printf("[executor] DRY RUN: %s on %s (site %s)", action, hostID, siteID)
		return map[string]interface{}{"success": true, "dry_run": true, "action": action}, nil
	}

	switch {
	case action == "escalate":
		reason, _ := params["reason"].(string)
		if reason == "" {
			reason = "action is escalate"
		}
		log.Printf("[executor] escalating: host=%s reason=%s", hostID, reason)
		return map[string]interface{}{"escalated": true, "reason": reason}, nil

	case strings.HasPrefix(action, "run_runbook:"):
		id := CanonicalRunbookID(strings.TrimPrefix(action, "run_runbook:"))
		return e.runRunbook(ctx, id, params, hostID)

	case strings.HasPrefix(strings.ToUpper(action), "AUTO-"):
		id := CanonicalRunbookID(action)
		if strings.HasPrefix(id, "AUTO-") {
			return nil, fmt.Errorf("unknown legacy action %q", action)
		}
		log.Printf("[executor] legacy action %s translated to %s", action, id)
		return e.runRunbook(ctx, id, params, hostID)

	case action == "restart_service":
		service := strParam(params, "service", "service_name")
		if service == "" {
			return nil, fmt.Errorf("restart_service requires a service param")
		}
		return e.runLocal(ctx, fmt.Sprintf("systemctl restart %q", service), 60)

	case action == "run_command":
		command := strParam(params, "command")
		if command == "" {
			return nil, fmt.Errorf("run_command requires a command param")
		}
		return e.runLocal(ctx, command, intParam(params, "timeout", 120))

	default:
		if script, ok := localActionScripts[action]; ok {
			return e.runLocal(ctx, script, 120)
		}
		if id, ok := actionRunbooks[action]; ok {
			return e.runRunbook(ctx, id, params, hostID)
		}
		return nil, fmt.Errorf("unknown action: %s", action)
	}
}

// runRunbook executes a runbook's phases on the resolved target.
func (e *Executor) runRunbook(ctx context.Context, runbookID string, params map[string]interface{}, hostID string) (map[string]interface{}, error) {
	rb := e.getRunbook(runbookID)
	if rb == nil {
		return nil, fmt.Errorf("unknown runbook: %s (registry has %d entries)", runbookID, e.RunbookCount())
	}

	phases := phaseList(params)

	switch rb.Platform {
	case "windows":
		return e.runWindowsRunbook(ctx, rb, phases, hostID)
	case "linux", "":
		return e.runLinuxRunbook(ctx, rb, phases, hostID)
	default:
		return nil, fmt.Errorf("runbook %s has unknown platform %q", rb.ID, rb.Platform)
	}
}

func (e *Executor) runWindowsRunbook(ctx context.Context, rb *Runbook, phases []string, hostID string) (map[string]interface{}, error) {
	// Fast path: a connected Go agent that can heal gets the command on its
	// next heartbeat instead of a WinRM session from here.
	if checkType, ok := runbookFastChecks[rb.ID]; ok && e.agents != nil && e.agents.CanFastHeal(hostID) {
		cmd := &pb.HealCommand{
			CommandId:      uuid.NewString(),
			CheckType:      checkType,
			Action:         "remediate",
			Params:         map[string]string{},
			TimeoutSeconds: int64(rb.TimeoutSeconds),
			RunbookId:      rb.ID,
		}
		if e.agents.QueueHealCommand(hostID, cmd) {
			log.Printf("[executor] %s queued to agent on %s (command %s)", rb.ID, hostID, cmd.CommandId)
			return map[string]interface{}{
				"success":    true,
				"method":     "grpc_agent",
				"delivery":   "heartbeat",
				"command_id": cmd.CommandId,
				"runbook_id": rb.ID,
			}, nil
		}
	}

	target := e.resolveWindowsTarget(hostID)
	if target == nil {
		return nil, fmt.Errorf("no Windows credentials for host %s", hostID)
	}

	results := map[string]interface{}{}
	for _, phase := range phases {
		script := rb.phaseScript(phase)
		if script == "" {
			continue
		}
		log.Printf("[executor] windows %s phase=%s on %s", rb.ID, phase, target.Hostname)
		r := e.win.Execute(ctx, target, script, rb.ID, phase, rb.TimeoutSeconds, 1, 15.0, rb.HIPAAControls)
		if !r.Success {
			return map[string]interface{}{
				"success": false, "method": "winrm", "phase": phase, "error": r.Error,
			}, fmt.Errorf("%s phase %s failed: %s", rb.ID, phase, r.Error)
		}
		results[phase] = r.Output
	}

	results["success"] = true
	results["method"] = "winrm"
	results["runbook_id"] = rb.ID
	return results, nil
}

func (e *Executor) runLinuxRunbook(ctx context.Context, rb *Runbook, phases []string, hostID string) (map[string]interface{}, error) {
	if e.isSelfHost(hostID) {
		results := map[string]interface{}{}
		for _, phase := range phases {
			script := rb.phaseScript(phase)
			if script == "" {
				continue
			}
			log.Printf("[executor] local %s phase=%s", rb.ID, phase)
			out, err := e.runLocal(ctx, script, rb.TimeoutSeconds)
			if err != nil {
				out["phase"] = phase
				return out, fmt.Errorf("%s phase %s failed: %w", rb.ID, phase, err)
			}
			results[phase] = out["output"]
		}
		results["success"] = true
		results["method"] = "local"
		results["runbook_id"] = rb.ID
		return results, nil
	}

	target := e.resolveLinuxTarget(hostID)
	if target == nil {
		return nil, fmt.Errorf("no SSH credentials for host %s", hostID)
	}

	results := map[string]interface{}{}
	for _, phase := range phases {
		script := rb.phaseScript(phase)
		if script == "" {
			continue
		}
		log.Printf("[executor] linux %s phase=%s on %s", rb.ID, phase, target.Hostname)
		r := e.ssh.Execute(ctx, target, script, rb.ID, phase, rb.TimeoutSeconds, 1, 5.0, true, rb.HIPAAControls)
		if !r.Success {
			return map[string]interface{}{
				"success": false, "method": "ssh", "phase": phase, "error": r.Error,
			}, fmt.Errorf("%s phase %s failed: %s", rb.ID, phase, r.Error)
		}
		results[phase] = r.Output
	}

	results["success"] = true
	results["method"] = "ssh"
	results["runbook_id"] = rb.ID
	return results, nil
}

// runLocal executes a script on the appliance itself via bash.
func (e *Executor) runLocal(ctx context.Context, script string, timeoutSecs int) (map[string]interface{}, error) {
	if timeoutSecs <= 0 {
		timeoutSecs = 120
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSecs)*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "bash", "-c", script)
	output, err := cmd.CombinedOutput()
	outStr := string(output)
	if len(outStr) > 2000 {
		outStr = outStr[len(outStr)-2000:]
	}

	if err != nil {
		return map[string]interface{}{
			"success": false, "method": "local", "output": outStr, "error": fmt.Sprintf("%v", err),
		}, fmt.Errorf("local execution: %w", err)
	}
	return map[string]interface{}{"success": true, "method": "local", "output": outStr}, nil
}

// isSelfHost reports whether hostID refers to this appliance.
func (e *Executor) isSelfHost(hostID string) bool {
	if hostID == "localhost" || hostID == "127.0.0.1" {
		return true
	}
	if e.cfg.SelfHostname != "" && strings.EqualFold(hostID, e.cfg.SelfHostname) {
		return true
	}
	return e.cfg.SiteID != "" && strings.EqualFold(hostID, e.cfg.SiteID+"-appliance")
}

// CloseAll tears down cached remote sessions.
func (e *Executor) CloseAll() {
	e.ssh.CloseAll()
}

func (rb *Runbook) phaseScript(phase string) string {
	switch phase {
	case "detect":
		return rb.DetectScript
	case "remediate":
		return rb.RemediateScript
	case "verify":
		return rb.VerifyScript
	}
	return ""
}

func phaseList(params map[string]interface{}) []string {
	raw, _ := params["phases"].([]interface{})
	if len(raw) == 0 {
		return []string{"remediate", "verify"}
	}
	phases := make([]string, 0, len(raw))
	for _, p := range raw {
		if s, ok := p.(string); ok {
			phases = append(phases, s)
		}
	}
	if len(phases) == 0 {
		return []string{"remediate", "verify"}
	}
	return phases
}

func strParam(params map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := params[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func intParam(params map[string]interface{}, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return def
}
