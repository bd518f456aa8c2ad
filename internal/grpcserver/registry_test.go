package grpcserver

import (
	"testing"
	"time"

	pb "github.com/osiriscare/compliance-appliance/proto"
)

func newTestState(id, hostname string, tier pb.CapabilityTier) *AgentState {
	now := time.Now().UTC()
	return &AgentState{
		AgentID:       id,
		Hostname:      hostname,
		Tier:          tier,
		ConnectedAt:   now,
		LastHeartbeat: now,
	}
}

func TestRegisterAndLookup(t *testing.T) {
	r := NewAgentRegistry()
	r.Register(newTestState("go-WS01-abc", "WS01", pb.CapabilityTier_HEAL_BASIC))

	if r.ConnectedCount() != 1 {
		t.Fatalf("expected 1 agent, got %d", r.ConnectedCount())
	}

	got := r.GetAgent("go-WS01-abc")
	if got == nil {
		t.Fatal("GetAgent returned nil")
	}
	if got.Hostname != "WS01" {
		t.Fatalf("expected hostname WS01, got %s", got.Hostname)
	}
}

func TestHostnameLookupCaseInsensitive(t *testing.T) {
	r := NewAgentRegistry()
	r.Register(newTestState("go-WS01-abc", "NVWS01", pb.CapabilityTier_HEAL_BASIC))

	tests := []struct {
		hostname string
		want     bool
	}{
		{"NVWS01", true},
		{"nvws01", true},
		{"NvWs01", true},
		{"NVWS02", false},
	}

	for _, tt := range tests {
		if got := r.HasAgentForHost(tt.hostname); got != tt.want {
			t.Errorf("HasAgentForHost(%q) = %v, want %v", tt.hostname, got, tt.want)
		}

		agent := r.GetAgentByHostname(tt.hostname)
		if tt.want && agent == nil {
			t.Errorf("GetAgentByHostname(%q) returned nil, expected agent", tt.hostname)
		}
		if !tt.want && agent != nil {
			t.Errorf("GetAgentByHostname(%q) returned agent, expected nil", tt.hostname)
		}
	}
}

func TestUnregister(t *testing.T) {
	r := NewAgentRegistry()
	r.Register(newTestState("go-WS01-abc", "WS01", pb.CapabilityTier_HEAL_BASIC))
	r.Register(newTestState("go-WS02-def", "WS02", pb.CapabilityTier_HEAL_BASIC))

	r.Unregister("go-WS01-abc")

	if r.ConnectedCount() != 1 {
		t.Fatalf("expected 1 agent after unregister, got %d", r.ConnectedCount())
	}
	if r.GetAgent("go-WS01-abc") != nil {
		t.Fatal("agent should be nil after unregister")
	}
	if !r.HasAgentForHost("WS02") {
		t.Fatal("WS02 should still be registered")
	}
	if r.HasAgentForHost("WS01") {
		t.Fatal("WS01 hostname should be removed from index")
	}
}

func TestCanFastHeal(t *testing.T) {
	r := NewAgentRegistry()
	r.Register(newTestState("go-WS01-abc", "WS01", pb.CapabilityTier_HEAL_BASIC))
	r.Register(newTestState("go-WS02-def", "WS02", pb.CapabilityTier_MONITOR_ONLY))

	if !r.CanFastHeal("ws01") {
		t.Fatal("HEAL_BASIC agent should be fast-healable")
	}
	if r.CanFastHeal("WS02") {
		t.Fatal("MONITOR_ONLY agent must not be fast-healable")
	}
	if r.CanFastHeal("WS99") {
		t.Fatal("disconnected host must not be fast-healable")
	}
}

func TestQueueHealCommand(t *testing.T) {
	r := NewAgentRegistry()
	r.Register(newTestState("go-WS01-abc", "WS01", pb.CapabilityTier_HEAL_BASIC))

	cmd := &pb.HealCommand{
		CommandId: "heal-001",
		CheckType: "firewall",
		Action:    "enable",
		RunbookId: "RB-FW-001",
	}

	if !r.QueueHealCommand("WS01", cmd) {
		t.Fatal("QueueHealCommand returned false for registered agent")
	}
	if r.QueueHealCommand("WS99", cmd) {
		t.Fatal("QueueHealCommand returned true for unknown agent")
	}

	cmds := r.PopPendingCommands("go-WS01-abc")
	if len(cmds) != 1 {
		t.Fatalf("expected 1 pending command, got %d", len(cmds))
	}
	if cmds[0].CommandId != "heal-001" || cmds[0].RunbookId != "RB-FW-001" {
		t.Fatalf("unexpected command: %+v", cmds[0])
	}

	if cmds = r.PopPendingCommands("go-WS01-abc"); len(cmds) != 0 {
		t.Fatalf("expected 0 pending commands after pop, got %d", len(cmds))
	}
}

func TestConfigVersionSignaling(t *testing.T) {
	r := NewAgentRegistry()
	r.Register(newTestState("go-WS01-abc", "WS01", pb.CapabilityTier_HEAL_BASIC))

	if r.markConfigSeen("go-WS01-abc") {
		t.Fatal("fresh registration should already be at current config version")
	}

	r.BumpConfigVersion()

	if !r.markConfigSeen("go-WS01-abc") {
		t.Fatal("expected config_changed after bump")
	}
	if r.markConfigSeen("go-WS01-abc") {
		t.Fatal("second heartbeat should not see config_changed again")
	}
	if r.markConfigSeen("go-unknown") {
		t.Fatal("unknown agent should not report config change")
	}
}

func TestAllAgents(t *testing.T) {
	r := NewAgentRegistry()
	r.Register(newTestState("go-WS01-abc", "WS01", pb.CapabilityTier_HEAL_BASIC))
	r.Register(newTestState("go-WS02-def", "WS02", pb.CapabilityTier_HEAL_BASIC))
	r.Register(newTestState("go-WS03-ghi", "WS03", pb.CapabilityTier_HEAL_BASIC))

	if all := r.AllAgents(); len(all) != 3 {
		t.Fatalf("expected 3 agents, got %d", len(all))
	}
}

func TestToLower(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"HELLO", "hello"},
		{"Hello", "hello"},
		{"hello", "hello"},
		{"NVWS01", "nvws01"},
		{"", ""},
		{"123ABC", "123abc"},
	}
	for _, tt := range tests {
		if got := toLower(tt.in); got != tt.want {
			t.Errorf("toLower(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
