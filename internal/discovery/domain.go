// Package discovery finds the local Active Directory domain and enumerates
// its computer objects. Domain detection tries DNS SRV records, resolv.conf
// hints, DHCP leases, and an LDAP rootDSE probe, in that order, so a freshly
// racked appliance can locate the domain with zero manual configuration.
package discovery

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// Domain describes a discovered AD domain.
type Domain struct {
	Name              string   `json:"domain_name"`
	NetBIOSName       string   `json:"netbios_name"`
	DomainControllers []string `json:"domain_controllers"`
	DNSServers        []string `json:"dns_servers"`
	Method            string   `json:"discovery_method"`
	DiscoveredAt      string   `json:"discovered_at"`
}

// Finder probes the local network for an AD domain.
type Finder struct {
	candidates []string // extra hosts to try for the LDAP probe
}

func NewFinder(candidates []string) *Finder {
	return &Finder{candidates: candidates}
}

// Discover runs the detection methods in order and returns the first hit,
// or nil when nothing on the network looks like a domain.
func (f *Finder) Discover(ctx context.Context, timeout time.Duration) *Domain {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	methods := []struct {
		name string
		fn   func(context.Context) *Domain
	}{
		{"dns_srv", f.viaDNSSRV},
		{"resolv_conf", f.viaResolvConf},
		{"dhcp", f.viaDHCPLeases},
		{"ldap_rootdse", f.viaLDAPProbe},
	}
	for _, m := range methods {
		if d := m.fn(ctx); d != nil {
			d.Method = m.name
			d.DiscoveredAt = time.Now().UTC().Format(time.RFC3339)
			log.Printf("[discovery] domain %s found via %s", d.Name, m.name)
			return d
		}
	}
	log.Printf("[discovery] no AD domain found, manual configuration required")
	return nil
}

// viaDNSSRV resolves _ldap._tcp.dc._msdcs.<domain> for each search domain.
func (f *Finder) viaDNSSRV(ctx context.Context) *Domain {
	for _, domain := range resolvConfSearchDomains() {
		query := fmt.Sprintf("_ldap._tcp.dc._msdcs.%s", domain)
		out, err := exec.CommandContext(ctx, "dig", "+short", "SRV", query).Output()
		if err != nil {
			continue
		}

		var dcs []string
		for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
			fields := strings.Fields(line)
			if len(fields) >= 4 {
				if dc := strings.TrimSuffix(fields[3], "."); dc != "" {
					dcs = append(dcs, dc)
				}
			}
		}
		if len(dcs) > 0 {
			return &Domain{
				Name:              domain,
				NetBIOSName:       netbiosName(domain),
				DomainControllers: dcs,
				DNSServers:        resolvConfNameservers(),
			}
		}
	}
	return nil
}

// viaResolvConf validates each search domain against the configured
// nameservers; an unvalidated but plausible domain is still returned.
func (f *Finder) viaResolvConf(ctx context.Context) *Domain {
	servers := resolvConfNameservers()
	for _, domain := range resolvConfSearchDomains() {
		for _, server := range servers {
			if dn := ldapRootDSE(ctx, server); dn != "" {
				if name := dnToDomain(dn); name != "" {
					return &Domain{
						Name:              name,
						NetBIOSName:       netbiosName(name),
						DomainControllers: []string{server},
						DNSServers:        servers,
					}
				}
			}
		}
		if strings.Contains(domain, ".") && !strings.HasSuffix(domain, ".in-addr.arpa") {
			return &Domain{
				Name:        domain,
				NetBIOSName: netbiosName(domain),
				DNSServers:  servers,
			}
		}
	}
	return nil
}

// viaDHCPLeases reads systemd-networkd lease files for a DOMAINNAME option.
func (f *Finder) viaDHCPLeases(ctx context.Context) *Domain {
	const leaseDir = "/run/systemd/netif/leases"
	entries, err := os.ReadDir(leaseDir)
	if err != nil {
		return nil
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(leaseDir + "/" + entry.Name())
		if err != nil {
			continue
		}
		for _, line := range strings.Split(string(data), "\n") {
			if !strings.HasPrefix(line, "DOMAINNAME=") {
				continue
			}
			domain := strings.Trim(strings.TrimPrefix(line, "DOMAINNAME="), "\"' \t")
			if domain != "" && strings.Contains(domain, ".") {
				return &Domain{
					Name:        domain,
					NetBIOSName: netbiosName(domain),
					DNSServers:  resolvConfNameservers(),
				}
			}
		}
	}
	return nil
}

// viaLDAPProbe asks configured candidates and the nameservers for their
// rootDSE defaultNamingContext.
func (f *Finder) viaLDAPProbe(ctx context.Context) *Domain {
	candidates := append(append([]string{}, f.candidates...), resolvConfNameservers()...)
	for _, host := range candidates {
		dn := ldapRootDSE(ctx, host)
		if dn == "" {
			continue
		}
		name := dnToDomain(dn)
		if name == "" {
			continue
		}
		return &Domain{
			Name:              name,
			NetBIOSName:       netbiosName(name),
			DomainControllers: []string{host},
			DNSServers:        resolvConfNameservers(),
		}
	}
	return nil
}

// ldapRootDSE sends a minimal anonymous LDAP search for defaultNamingContext.
// The request is hand-encoded BER so no LDAP client dependency is needed for
// a single fixed query.
func ldapRootDSE(ctx context.Context, host string) string {
	dialer := net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, "389"))
	if err != nil {
		return ""
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := conn.Write(rootDSERequest()); err != nil {
		return ""
	}
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil || n == 0 {
		return ""
	}
	return namingContextFromResponse(buf[:n])
}

// rootDSERequest builds the LDAP SearchRequest: baseObject "", scope base,
// filter (objectClass=*), attributes [defaultNamingContext].
func rootDSERequest() []byte {
	filter := append([]byte{0x87, 0x0b}, []byte("objectClass")...)

	var body []byte
	body = append(body, berOctetString("")...) // baseObject
	body = append(body, berEnum(0)...)         // scope: baseObject
	body = append(body, berEnum(0)...)         // derefAliases: never
	body = append(body, berInteger(1)...)      // sizeLimit
	body = append(body, berInteger(5)...)      // timeLimit
	body = append(body, berBool(false)...)     // typesOnly
	body = append(body, filter...)
	body = append(body, berSequence(berOctetString("defaultNamingContext"))...)

	var msg []byte
	msg = append(msg, berInteger(1)...) // messageID
	msg = append(msg, berTagged(0x63, body)...)
	return berSequence(msg)
}

var dnPattern = regexp.MustCompile(`DC=[A-Za-z0-9_-]+(?:,DC=[A-Za-z0-9_-]+)*`)

// namingContextFromResponse pulls the defaultNamingContext value out of the
// raw LDAP reply. The octet string following the attribute name is the
// value; a DC= regex is the fallback for responses that do not parse.
func namingContextFromResponse(data []byte) string {
	const marker = "defaultNamingContext"
	idx := strings.Index(string(data), marker)
	if idx >= 0 {
		rest := data[idx+len(marker):]
		for i := 0; i < len(rest)-2; i++ {
			if rest[i] == 0x04 {
				length := int(rest[i+1])
				if length > 0 && i+2+length <= len(rest) {
					return string(rest[i+2 : i+2+length])
				}
			}
		}
	}
	if match := dnPattern.Find(data); match != nil {
		return string(match)
	}
	return ""
}

func berSequence(data []byte) []byte { return berTagged(0x30, data) }

func berTagged(tag byte, data []byte) []byte {
	out := []byte{tag}
	out = append(out, berLength(len(data))...)
	return append(out, data...)
}

func berLength(l int) []byte {
	switch {
	case l < 128:
		return []byte{byte(l)}
	case l < 256:
		return []byte{0x81, byte(l)}
	default:
		return []byte{0x82, byte(l >> 8), byte(l)}
	}
}

func berInteger(v int) []byte {
	var data []byte
	switch {
	case v == 0:
		data = []byte{0}
	case v < 128:
		data = []byte{byte(v)}
	case v < 32768:
		data = []byte{byte(v >> 8), byte(v)}
	default:
		data = []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	}
	return append([]byte{0x02, byte(len(data))}, data...)
}

func berOctetString(v string) []byte {
	out := []byte{0x04}
	out = append(out, berLength(len(v))...)
	return append(out, []byte(v)...)
}

func berEnum(v int) []byte { return []byte{0x0a, 0x01, byte(v)} }

func berBool(v bool) []byte {
	if v {
		return []byte{0x01, 0x01, 0xff}
	}
	return []byte{0x01, 0x01, 0x00}
}

// dnToDomain converts "DC=northvalley,DC=local" to "northvalley.local".
func dnToDomain(dn string) string {
	var parts []string
	for _, component := range strings.Split(dn, ",") {
		component = strings.TrimSpace(component)
		if strings.HasPrefix(strings.ToUpper(component), "DC=") {
			parts = append(parts, component[3:])
		}
	}
	return strings.Join(parts, ".")
}

func netbiosName(domain string) string {
	if i := strings.IndexByte(domain, '.'); i > 0 {
		return strings.ToUpper(domain[:i])
	}
	return strings.ToUpper(domain)
}

func resolvConfSearchDomains() []string {
	data, err := os.ReadFile("/etc/resolv.conf")
	if err != nil {
		return nil
	}
	var domains []string
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "search":
			domains = append(domains, fields[1:]...)
		case "domain":
			domains = append(domains, fields[1])
		}
	}
	return domains
}

func resolvConfNameservers() []string {
	data, err := os.ReadFile("/etc/resolv.conf")
	if err != nil {
		return nil
	}
	var servers []string
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) >= 2 && fields[0] == "nameserver" {
			servers = append(servers, fields[1])
		}
	}
	return servers
}
