// Package grpcserver is the intake for workstation Go agents: registration
// with optional mTLS enrollment, a bidi drift stream, heartbeats that double
// as the delivery vehicle for queued heal commands, and RMM inventory.
package grpcserver

import (
	"sync"
	"time"

	pb "github.com/osiriscare/compliance-appliance/proto"
)

// AgentState tracks one connected Go agent.
type AgentState struct {
	AgentID       string
	Hostname      string
	hostnameLower string
	Tier          pb.CapabilityTier
	ConnectedAt   time.Time
	LastHeartbeat time.Time
	DriftCount    int64
	RMMAgents     []*pb.RMMAgent
	pendingCmds   []*pb.HealCommand
	seenConfig    int
}

// AgentRegistry tracks connected agents and their pending command queues.
type AgentRegistry struct {
	mu            sync.RWMutex
	agents        map[string]*AgentState // agent_id -> state
	hostnameIndex map[string]string      // hostname_lower -> agent_id
	configVersion int
}

// NewAgentRegistry creates an empty registry.
func NewAgentRegistry() *AgentRegistry {
	return &AgentRegistry{
		agents:        make(map[string]*AgentState),
		hostnameIndex: make(map[string]string),
		configVersion: 1,
	}
}

// Register adds or replaces an agent in the registry.
func (r *AgentRegistry) Register(state *AgentState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state.hostnameLower = toLower(state.Hostname)
	state.seenConfig = r.configVersion
	r.agents[state.AgentID] = state
	r.hostnameIndex[state.hostnameLower] = state.AgentID
}

// Unregister removes an agent.
func (r *AgentRegistry) Unregister(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if agent, ok := r.agents[agentID]; ok {
		delete(r.hostnameIndex, agent.hostnameLower)
		delete(r.agents, agentID)
	}
}

// GetAgent returns agent state by ID, nil when unknown.
func (r *AgentRegistry) GetAgent(agentID string) *AgentState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.agents[agentID]
}

// GetAgentByHostname returns agent state by hostname, case-insensitive.
func (r *AgentRegistry) GetAgentByHostname(hostname string) *AgentState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agentID, ok := r.hostnameIndex[toLower(hostname)]
	if !ok {
		return nil
	}
	return r.agents[agentID]
}

// HasAgentForHost reports whether a Go agent is connected for a hostname.
func (r *AgentRegistry) HasAgentForHost(hostname string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.hostnameIndex[toLower(hostname)]
	return ok
}

// CanFastHeal reports whether the host has a connected agent whose tier
// permits executing heal commands. MONITOR_ONLY agents only observe, so the
// remote-shell path must be used for them.
func (r *AgentRegistry) CanFastHeal(hostname string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agentID, ok := r.hostnameIndex[toLower(hostname)]
	if !ok {
		return false
	}
	agent, ok := r.agents[agentID]
	return ok && agent.Tier != pb.CapabilityTier_MONITOR_ONLY
}

// ConnectedCount returns the number of connected agents.
func (r *AgentRegistry) ConnectedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.agents)
}

// QueueHealCommand queues a command for delivery on the host's next
// heartbeat. Returns false when no agent is connected for the hostname.
func (r *AgentRegistry) QueueHealCommand(hostname string, cmd *pb.HealCommand) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	agentID, ok := r.hostnameIndex[toLower(hostname)]
	if !ok {
		return false
	}
	agent, ok := r.agents[agentID]
	if !ok {
		return false
	}
	agent.pendingCmds = append(agent.pendingCmds, cmd)
	return true
}

// PopPendingCommands returns and clears pending commands for an agent.
func (r *AgentRegistry) PopPendingCommands(agentID string) []*pb.HealCommand {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok || len(agent.pendingCmds) == 0 {
		return nil
	}
	cmds := agent.pendingCmds
	agent.pendingCmds = nil
	return cmds
}

// BumpConfigVersion marks agent configuration stale; each agent sees
// config_changed=true on its next heartbeat.
func (r *AgentRegistry) BumpConfigVersion() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.configVersion++
}

// markConfigSeen records that an agent observed the current config version
// and reports whether it had changed since the agent's last heartbeat.
func (r *AgentRegistry) markConfigSeen(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return false
	}
	changed := agent.seenConfig < r.configVersion
	agent.seenConfig = r.configVersion
	return changed
}

// AllAgents returns a snapshot of all agent states.
func (r *AgentRegistry) AllAgents() []*AgentState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agents := make([]*AgentState, 0, len(r.agents))
	for _, agent := range r.agents {
		agents = append(agents, agent)
	}
	return agents
}

// toLower avoids importing strings for one ASCII hostname fold.
func toLower(s string) string {
	b := make([]byte, len(s))
	for i := range s {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		b[i] = c
	}
	return string(b)
}
