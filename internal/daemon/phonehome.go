package daemon

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"
)

// PhoneHomeClient handles checkin with the control plane.
type PhoneHomeClient struct {
	config *Config
	client *http.Client
}

// NewPhoneHomeClient creates a checkin client.
func NewPhoneHomeClient(cfg *Config) *PhoneHomeClient {
	return &PhoneHomeClient{
		config: cfg,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
				MaxIdleConns:        5,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
}

// CheckinRequest is the payload sent to the control plane.
type CheckinRequest struct {
	SiteID              string   `json:"site_id"`
	Hostname            string   `json:"hostname"`
	MACAddress          string   `json:"mac_address"`
	IPAddresses         []string `json:"ip_addresses"`
	UptimeSeconds       int      `json:"uptime_seconds"`
	AgentVersion        string   `json:"agent_version"`
	NixOSVersion        string   `json:"nixos_version"`
	HasLocalCredentials bool     `json:"has_local_credentials"`
	AgentPublicKey      string   `json:"agent_public_key,omitempty"`
	ConnectedAgents     int      `json:"connected_agents"`
	ActiveSensors       int      `json:"active_sensors"`
	QueueDepth          int      `json:"queue_depth"`
}

// CheckinResponse is what the control plane returns.
type CheckinResponse struct {
	Status               string                   `json:"status"`
	ApplianceID          string                   `json:"appliance_id"`
	ServerTime           string                   `json:"server_time"`
	ServerPublicKey      string                   `json:"server_public_key"`
	PendingOrders        []map[string]interface{} `json:"pending_orders"`
	WindowsTargets       []map[string]interface{} `json:"windows_targets"`
	LinuxTargets         []map[string]interface{} `json:"linux_targets"`
	L2Mode               string                   `json:"l2_mode"`
	SubscriptionStatus   string                   `json:"subscription_status"`
	TriggerEnumeration   bool                     `json:"trigger_enumeration"`
	TriggerImmediateScan bool                     `json:"trigger_immediate_scan"`
}

// Checkin sends one phone-home request.
func (c *PhoneHomeClient) Checkin(ctx context.Context, req CheckinRequest) (*CheckinResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal checkin: %w", err)
	}

	url := strings.TrimRight(c.config.APIEndpoint, "/") + "/api/appliances/checkin"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	httpReq.Header.Set("User-Agent", "OsirisCare-Appliance/Go")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("checkin request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("checkin returned %d: %s", resp.StatusCode, string(respBody))
	}

	var result CheckinResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return &result, nil
}

// CompleteOrder reports an order result back to the control plane.
func (c *PhoneHomeClient) CompleteOrder(ctx context.Context, orderID string, success bool, result map[string]interface{}) error {
	body, err := json.Marshal(map[string]interface{}{
		"success": success,
		"result":  result,
	})
	if err != nil {
		return fmt.Errorf("marshal completion: %w", err)
	}

	url := fmt.Sprintf("%s/api/orders/%s/complete", strings.TrimRight(c.config.APIEndpoint, "/"), orderID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("complete order: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("complete order returned %d: %s", resp.StatusCode, string(b))
	}
	return nil
}

// SystemInfo gathers host facts for the checkin request.
func SystemInfo(cfg *Config, version string) CheckinRequest {
	return CheckinRequest{
		SiteID:        cfg.SiteID,
		Hostname:      getHostname(),
		MACAddress:    getMACAddress(),
		IPAddresses:   getIPAddresses(),
		UptimeSeconds: getUptimeSeconds(),
		AgentVersion:  version,
		NixOSVersion:  getNixOSVersion(),
	}
}

func getHostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

func getMACAddress() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		mac := iface.HardwareAddr.String()
		if mac == "" || strings.HasPrefix(mac, "00:00:00") {
			continue
		}
		return mac
	}
	return ""
}

func getIPAddresses() []string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	var ips []string
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() && ipNet.IP.To4() != nil {
			ips = append(ips, ipNet.IP.String())
		}
	}
	return ips
}

func getUptimeSeconds() int {
	data, err := os.ReadFile("/proc/uptime")
	if err != nil {
		return 0
	}
	parts := strings.Fields(string(data))
	if len(parts) == 0 {
		return 0
	}
	var seconds float64
	fmt.Sscanf(parts[0], "%f", &seconds)
	return int(seconds)
}

func getNixOSVersion() string {
	data, err := os.ReadFile("/etc/os-release")
	if err != nil {
		return "unknown"
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "VERSION_ID=") {
			return strings.Trim(strings.TrimPrefix(line, "VERSION_ID="), "\"")
		}
	}
	return "unknown"
}
