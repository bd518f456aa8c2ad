// Package proto holds the wire types for the appliance <-> Go agent service.
//
// The bindings are maintained by hand in the legacy struct-tag form rather
// than generated: the protobuf runtime derives descriptors from the field
// tags, so the build needs no protoc. Keep compliance.proto in sync when
// touching fields here.
package proto

import "fmt"

// CapabilityTier gates how much an agent is allowed to heal on its own.
type CapabilityTier int32

const (
	CapabilityTier_MONITOR_ONLY CapabilityTier = 0
	CapabilityTier_HEAL_BASIC   CapabilityTier = 1
	CapabilityTier_HEAL_FULL    CapabilityTier = 2
)

var capabilityTierName = map[CapabilityTier]string{
	CapabilityTier_MONITOR_ONLY: "MONITOR_ONLY",
	CapabilityTier_HEAL_BASIC:   "HEAL_BASIC",
	CapabilityTier_HEAL_FULL:    "HEAL_FULL",
}

func (t CapabilityTier) String() string {
	if name, ok := capabilityTierName[t]; ok {
		return name
	}
	return fmt.Sprintf("CapabilityTier(%d)", int32(t))
}

type RegisterRequest struct {
	Hostname          string   `protobuf:"bytes,1,opt,name=hostname,proto3" json:"hostname,omitempty"`
	OsVersion         string   `protobuf:"bytes,2,opt,name=os_version,json=osVersion,proto3" json:"os_version,omitempty"`
	AgentVersion      string   `protobuf:"bytes,3,opt,name=agent_version,json=agentVersion,proto3" json:"agent_version,omitempty"`
	InstalledSoftware []string `protobuf:"bytes,4,rep,name=installed_software,json=installedSoftware,proto3" json:"installed_software,omitempty"`
	MacAddress        string   `protobuf:"bytes,5,opt,name=mac_address,json=macAddress,proto3" json:"mac_address,omitempty"`
	NeedsCertificates bool     `protobuf:"varint,6,opt,name=needs_certificates,json=needsCertificates,proto3" json:"needs_certificates,omitempty"`
}

func (m *RegisterRequest) Reset()         { *m = RegisterRequest{} }
func (m *RegisterRequest) String() string { return fmt.Sprintf("%+v", *m) }
func (*RegisterRequest) ProtoMessage()    {}

type RegisterResponse struct {
	AgentId              string            `protobuf:"bytes,1,opt,name=agent_id,json=agentId,proto3" json:"agent_id,omitempty"`
	CheckIntervalSeconds int32             `protobuf:"varint,2,opt,name=check_interval_seconds,json=checkIntervalSeconds,proto3" json:"check_interval_seconds,omitempty"`
	EnabledChecks        []string          `protobuf:"bytes,3,rep,name=enabled_checks,json=enabledChecks,proto3" json:"enabled_checks,omitempty"`
	CapabilityTier       CapabilityTier    `protobuf:"varint,4,opt,name=capability_tier,json=capabilityTier,proto3,enum=compliance.CapabilityTier" json:"capability_tier,omitempty"`
	CheckConfig          map[string]string `protobuf:"bytes,5,rep,name=check_config,json=checkConfig,proto3" json:"check_config,omitempty" protobuf_key:"bytes,1,opt,name=key,proto3" protobuf_val:"bytes,2,opt,name=value,proto3"`
	CaCertPem            []byte            `protobuf:"bytes,6,opt,name=ca_cert_pem,json=caCertPem,proto3" json:"ca_cert_pem,omitempty"`
	AgentCertPem         []byte            `protobuf:"bytes,7,opt,name=agent_cert_pem,json=agentCertPem,proto3" json:"agent_cert_pem,omitempty"`
	AgentKeyPem          []byte            `protobuf:"bytes,8,opt,name=agent_key_pem,json=agentKeyPem,proto3" json:"agent_key_pem,omitempty"`
}

func (m *RegisterResponse) Reset()         { *m = RegisterResponse{} }
func (m *RegisterResponse) String() string { return fmt.Sprintf("%+v", *m) }
func (*RegisterResponse) ProtoMessage()    {}

type DriftEvent struct {
	AgentId      string            `protobuf:"bytes,1,opt,name=agent_id,json=agentId,proto3" json:"agent_id,omitempty"`
	Hostname     string            `protobuf:"bytes,2,opt,name=hostname,proto3" json:"hostname,omitempty"`
	CheckType    string            `protobuf:"bytes,3,opt,name=check_type,json=checkType,proto3" json:"check_type,omitempty"`
	Passed       bool              `protobuf:"varint,4,opt,name=passed,proto3" json:"passed,omitempty"`
	Expected     string            `protobuf:"bytes,5,opt,name=expected,proto3" json:"expected,omitempty"`
	Actual       string            `protobuf:"bytes,6,opt,name=actual,proto3" json:"actual,omitempty"`
	HipaaControl string            `protobuf:"bytes,7,opt,name=hipaa_control,json=hipaaControl,proto3" json:"hipaa_control,omitempty"`
	Timestamp    int64             `protobuf:"varint,8,opt,name=timestamp,proto3" json:"timestamp,omitempty"`
	Metadata     map[string]string `protobuf:"bytes,9,rep,name=metadata,proto3" json:"metadata,omitempty" protobuf_key:"bytes,1,opt,name=key,proto3" protobuf_val:"bytes,2,opt,name=value,proto3"`
}

func (m *DriftEvent) Reset()         { *m = DriftEvent{} }
func (m *DriftEvent) String() string { return fmt.Sprintf("%+v", *m) }
func (*DriftEvent) ProtoMessage()    {}

type DriftAck struct {
	EventId     string       `protobuf:"bytes,1,opt,name=event_id,json=eventId,proto3" json:"event_id,omitempty"`
	Received    bool         `protobuf:"varint,2,opt,name=received,proto3" json:"received,omitempty"`
	HealCommand *HealCommand `protobuf:"bytes,3,opt,name=heal_command,json=healCommand,proto3" json:"heal_command,omitempty"`
}

func (m *DriftAck) Reset()         { *m = DriftAck{} }
func (m *DriftAck) String() string { return fmt.Sprintf("%+v", *m) }
func (*DriftAck) ProtoMessage()    {}

type HealCommand struct {
	CommandId      string            `protobuf:"bytes,1,opt,name=command_id,json=commandId,proto3" json:"command_id,omitempty"`
	CheckType      string            `protobuf:"bytes,2,opt,name=check_type,json=checkType,proto3" json:"check_type,omitempty"`
	Action         string            `protobuf:"bytes,3,opt,name=action,proto3" json:"action,omitempty"`
	Params         map[string]string `protobuf:"bytes,4,rep,name=params,proto3" json:"params,omitempty" protobuf_key:"bytes,1,opt,name=key,proto3" protobuf_val:"bytes,2,opt,name=value,proto3"`
	TimeoutSeconds int64             `protobuf:"varint,5,opt,name=timeout_seconds,json=timeoutSeconds,proto3" json:"timeout_seconds,omitempty"`
	RunbookId      string            `protobuf:"bytes,6,opt,name=runbook_id,json=runbookId,proto3" json:"runbook_id,omitempty"`
}

func (m *HealCommand) Reset()         { *m = HealCommand{} }
func (m *HealCommand) String() string { return fmt.Sprintf("%+v", *m) }
func (*HealCommand) ProtoMessage()    {}

type HealingResult struct {
	AgentId    string            `protobuf:"bytes,1,opt,name=agent_id,json=agentId,proto3" json:"agent_id,omitempty"`
	Hostname   string            `protobuf:"bytes,2,opt,name=hostname,proto3" json:"hostname,omitempty"`
	CheckType  string            `protobuf:"bytes,3,opt,name=check_type,json=checkType,proto3" json:"check_type,omitempty"`
	CommandId  string            `protobuf:"bytes,4,opt,name=command_id,json=commandId,proto3" json:"command_id,omitempty"`
	Success    bool              `protobuf:"varint,5,opt,name=success,proto3" json:"success,omitempty"`
	Message    string            `protobuf:"bytes,6,opt,name=message,proto3" json:"message,omitempty"`
	Timestamp  int64             `protobuf:"varint,7,opt,name=timestamp,proto3" json:"timestamp,omitempty"`
	DurationMs int64             `protobuf:"varint,8,opt,name=duration_ms,json=durationMs,proto3" json:"duration_ms,omitempty"`
	Artifacts  map[string]string `protobuf:"bytes,9,rep,name=artifacts,proto3" json:"artifacts,omitempty" protobuf_key:"bytes,1,opt,name=key,proto3" protobuf_val:"bytes,2,opt,name=value,proto3"`
}

func (m *HealingResult) Reset()         { *m = HealingResult{} }
func (m *HealingResult) String() string { return fmt.Sprintf("%+v", *m) }
func (*HealingResult) ProtoMessage()    {}

type HealingAck struct {
	EventId  string `protobuf:"bytes,1,opt,name=event_id,json=eventId,proto3" json:"event_id,omitempty"`
	Received bool   `protobuf:"varint,2,opt,name=received,proto3" json:"received,omitempty"`
}

func (m *HealingAck) Reset()         { *m = HealingAck{} }
func (m *HealingAck) String() string { return fmt.Sprintf("%+v", *m) }
func (*HealingAck) ProtoMessage()    {}

type HeartbeatRequest struct {
	AgentId   string `protobuf:"bytes,1,opt,name=agent_id,json=agentId,proto3" json:"agent_id,omitempty"`
	Timestamp int64  `protobuf:"varint,2,opt,name=timestamp,proto3" json:"timestamp,omitempty"`
}

func (m *HeartbeatRequest) Reset()         { *m = HeartbeatRequest{} }
func (m *HeartbeatRequest) String() string { return fmt.Sprintf("%+v", *m) }
func (*HeartbeatRequest) ProtoMessage()    {}

type HeartbeatResponse struct {
	Acknowledged    bool           `protobuf:"varint,1,opt,name=acknowledged,proto3" json:"acknowledged,omitempty"`
	ConfigChanged   bool           `protobuf:"varint,2,opt,name=config_changed,json=configChanged,proto3" json:"config_changed,omitempty"`
	PendingCommands []*HealCommand `protobuf:"bytes,3,rep,name=pending_commands,json=pendingCommands,proto3" json:"pending_commands,omitempty"`
}

func (m *HeartbeatResponse) Reset()         { *m = HeartbeatResponse{} }
func (m *HeartbeatResponse) String() string { return fmt.Sprintf("%+v", *m) }
func (*HeartbeatResponse) ProtoMessage()    {}

type RMMAgent struct {
	Name        string `protobuf:"bytes,1,opt,name=name,proto3" json:"name,omitempty"`
	Version     string `protobuf:"bytes,2,opt,name=version,proto3" json:"version,omitempty"`
	Running     bool   `protobuf:"varint,3,opt,name=running,proto3" json:"running,omitempty"`
	ServiceName string `protobuf:"bytes,4,opt,name=service_name,json=serviceName,proto3" json:"service_name,omitempty"`
}

func (m *RMMAgent) Reset()         { *m = RMMAgent{} }
func (m *RMMAgent) String() string { return fmt.Sprintf("%+v", *m) }
func (*RMMAgent) ProtoMessage()    {}

type RMMStatusReport struct {
	AgentId        string      `protobuf:"bytes,1,opt,name=agent_id,json=agentId,proto3" json:"agent_id,omitempty"`
	Hostname       string      `protobuf:"bytes,2,opt,name=hostname,proto3" json:"hostname,omitempty"`
	DetectedAgents []*RMMAgent `protobuf:"bytes,3,rep,name=detected_agents,json=detectedAgents,proto3" json:"detected_agents,omitempty"`
	Timestamp      int64       `protobuf:"varint,4,opt,name=timestamp,proto3" json:"timestamp,omitempty"`
}

func (m *RMMStatusReport) Reset()         { *m = RMMStatusReport{} }
func (m *RMMStatusReport) String() string { return fmt.Sprintf("%+v", *m) }
func (*RMMStatusReport) ProtoMessage()    {}

type RMMAck struct {
	Received bool `protobuf:"varint,1,opt,name=received,proto3" json:"received,omitempty"`
}

func (m *RMMAck) Reset()         { *m = RMMAck{} }
func (m *RMMAck) String() string { return fmt.Sprintf("%+v", *m) }
func (*RMMAck) ProtoMessage()    {}
