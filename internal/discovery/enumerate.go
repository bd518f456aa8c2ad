package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"strings"
	"time"
)

// ADComputer is a computer object pulled from the directory.
type ADComputer struct {
	Hostname           string  `json:"hostname"`
	FQDN               string  `json:"fqdn"`
	IPAddress          *string `json:"ip_address,omitempty"`
	OSName             string  `json:"os_name"`
	OSVersion          string  `json:"os_version"`
	OUPath             string  `json:"ou_path"`
	IsServer           bool    `json:"is_server"`
	IsWorkstation      bool    `json:"is_workstation"`
	IsDomainController bool    `json:"is_domain_controller"`
}

// ScriptExecutor runs a PowerShell script on a remote host. The WinRM
// executor satisfies this.
type ScriptExecutor interface {
	RunScript(ctx context.Context, hostname, script, username, password string, timeout int) (string, error)
}

// ADEnumerator lists computer objects from a domain controller.
type ADEnumerator struct {
	dc       string
	username string
	password string
	domain   string
	executor ScriptExecutor
}

func NewADEnumerator(dc, username, password, domain string, executor ScriptExecutor) *ADEnumerator {
	return &ADEnumerator{dc: dc, username: username, password: password, domain: domain, executor: executor}
}

// adEnumScript pulls enabled computer objects only. Disabled objects are
// stale machine accounts and not deployment targets.
const adEnumScript = `
Import-Module ActiveDirectory -ErrorAction SilentlyContinue
Get-ADComputer -Filter 'Enabled -eq $true' -Properties DNSHostName, IPv4Address, OperatingSystem, OperatingSystemVersion, DistinguishedName, PrimaryGroupID |
    Select-Object Name, DNSHostName, IPv4Address, OperatingSystem, OperatingSystemVersion, DistinguishedName, PrimaryGroupID |
    ConvertTo-Json -Compress
`

// EnumerateAll queries the DC and splits the results into servers and
// workstations. Domain controllers count as servers.
func (e *ADEnumerator) EnumerateAll(ctx context.Context) ([]ADComputer, []ADComputer, error) {
	if e.executor == nil {
		return nil, nil, fmt.Errorf("no script executor configured")
	}

	output, err := e.executor.RunScript(ctx, e.dc, adEnumScript, e.username, e.password, 120)
	if err != nil {
		return nil, nil, fmt.Errorf("AD enumeration: %w", err)
	}

	computers, err := parseADOutput(output)
	if err != nil {
		return nil, nil, fmt.Errorf("parse AD output: %w", err)
	}

	var servers, workstations []ADComputer
	for _, c := range computers {
		switch {
		case c.IsServer || c.IsDomainController:
			servers = append(servers, c)
		case c.IsWorkstation:
			workstations = append(workstations, c)
		}
	}
	log.Printf("[discovery] enumerated %d computers from %s: %d servers, %d workstations",
		len(computers), e.dc, len(servers), len(workstations))
	return servers, workstations, nil
}

// ResolveMissingIPs fills IPAddress via DNS for objects AD returned without
// an IPv4Address.
func (e *ADEnumerator) ResolveMissingIPs(ctx context.Context, computers []ADComputer) {
	for i := range computers {
		if computers[i].IPAddress != nil && *computers[i].IPAddress != "" {
			continue
		}
		fqdn := computers[i].FQDN
		if fqdn == "" {
			fqdn = computers[i].Hostname
		}
		ips, err := net.DefaultResolver.LookupHost(ctx, fqdn)
		if err != nil {
			continue
		}
		for _, ip := range ips {
			if net.ParseIP(ip).To4() != nil {
				addr := ip
				computers[i].IPAddress = &addr
				break
			}
		}
	}
}

// TestConnectivity checks whether a host answers on the given TCP port.
func TestConnectivity(ctx context.Context, target *ADComputer, port int) bool {
	host := target.Hostname
	if target.IPAddress != nil && *target.IPAddress != "" {
		host = *target.IPAddress
	} else if target.FQDN != "" {
		host = target.FQDN
	}
	if host == "" {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// adComputerRaw matches the Get-ADComputer JSON shape.
type adComputerRaw struct {
	Name                   string  `json:"Name"`
	DNSHostName            string  `json:"DNSHostName"`
	IPv4Address            *string `json:"IPv4Address"`
	OperatingSystem        string  `json:"OperatingSystem"`
	OperatingSystemVersion string  `json:"OperatingSystemVersion"`
	DistinguishedName      string  `json:"DistinguishedName"`
	PrimaryGroupID         int     `json:"PrimaryGroupID"`
}

// parseADOutput decodes ConvertTo-Json output, which is a bare object when
// the directory holds exactly one computer.
func parseADOutput(output string) ([]ADComputer, error) {
	output = strings.TrimSpace(output)
	if output == "" {
		return nil, nil
	}

	var raw []adComputerRaw
	if err := json.Unmarshal([]byte(output), &raw); err != nil {
		var single adComputerRaw
		if err := json.Unmarshal([]byte(output), &single); err != nil {
			return nil, fmt.Errorf("unexpected AD JSON")
		}
		raw = []adComputerRaw{single}
	}

	computers := make([]ADComputer, 0, len(raw))
	for _, r := range raw {
		c := ADComputer{
			Hostname:  r.Name,
			FQDN:      r.DNSHostName,
			OSName:    r.OperatingSystem,
			OSVersion: r.OperatingSystemVersion,
			OUPath:    r.DistinguishedName,
		}
		if r.IPv4Address != nil && *r.IPv4Address != "" {
			c.IPAddress = r.IPv4Address
		}
		c.IsServer = strings.Contains(strings.ToLower(r.OperatingSystem), "server")
		c.IsWorkstation = !c.IsServer && isWorkstationOS(r.OperatingSystem)
		c.IsDomainController = r.PrimaryGroupID == 516
		computers = append(computers, c)
	}
	return computers, nil
}

func isWorkstationOS(os string) bool {
	lower := strings.ToLower(os)
	for _, marker := range []string{"windows 10", "windows 11", "professional", "enterprise"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
