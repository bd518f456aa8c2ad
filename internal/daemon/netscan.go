package daemon

import (
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	netScanInterval = 15 * time.Minute
	portDialTimeout = 500 * time.Millisecond
)

// expectedPorts are the listeners the appliance legitimately runs.
var expectedPorts = map[int]string{
	22:    "sshd",
	8090:  "agent-file-server",
	8443:  "sensor-ingress",
	9464:  "metrics",
	50051: "grpc",
}

// probePorts is the sweep list for unexpected local services.
var probePorts = []int{
	21, 23, 25, 53, 80, 110, 135, 139, 443, 445,
	993, 995, 1433, 1521, 3306, 3389, 5432, 5900,
	6379, 8080, 9200, 27017,
}

// netScanner checks network-level drift: unexpected listeners on the
// appliance and reachability of managed hosts.
type netScanner struct {
	daemon *Daemon

	mu       sync.Mutex
	lastScan time.Time
	running  int32
}

func newNetScanner(d *Daemon) *netScanner {
	return &netScanner{daemon: d}
}

func (ns *netScanner) runNetScanIfNeeded(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&ns.running, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&ns.running, 0)

	ns.mu.Lock()
	due := ns.lastScan.IsZero() || time.Since(ns.lastScan) >= netScanInterval
	if due {
		ns.lastScan = time.Now()
	}
	ns.mu.Unlock()
	if !due {
		return
	}

	hostname := ns.daemon.selfHostname()
	var findings []driftFinding
	findings = append(findings, ns.checkListeningPorts(hostname)...)
	findings = append(findings, ns.checkHostReachability(ctx, hostname)...)

	for _, f := range findings {
		ns.daemon.reportFinding(ctx, f)
	}
	log.Printf("[netscan] cycle done: findings=%d", failCount(findings))
}

// checkListeningPorts sweeps localhost for services that should not exist
// on a compliance appliance.
func (ns *netScanner) checkListeningPorts(hostname string) []driftFinding {
	var open []string
	for _, port := range probePorts {
		if _, ok := expectedPorts[port]; ok {
			continue
		}
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), portDialTimeout)
		if err == nil {
			conn.Close()
			open = append(open, fmt.Sprintf("%d", port))
		}
	}

	f := driftFinding{
		Hostname:     hostname,
		CheckType:    "net_unexpected_ports",
		Passed:       len(open) == 0,
		Expected:     "none",
		Actual:       "none",
		HIPAAControl: "164.312(e)(1)",
		Severity:     "high",
	}
	if len(open) > 0 {
		f.Actual = strings.Join(open, ", ")
		f.Details = map[string]interface{}{"ports": strings.Join(open, ",")}
	}
	return []driftFinding{f}
}

// checkHostReachability verifies managed hosts answer on their management
// port. A silent host means drift went invisible, which is its own finding.
func (ns *netScanner) checkHostReachability(ctx context.Context, applianceHostname string) []driftFinding {
	type probe struct {
		hostname string
		addr     string
	}
	var probes []probe

	ns.daemon.stateMu.RLock()
	for _, t := range ns.daemon.linuxTargets {
		host := t.Hostname
		if t.IPAddress != "" {
			host = t.IPAddress
		}
		port := t.Port
		if port == 0 {
			port = 22
		}
		probes = append(probes, probe{t.Hostname, fmt.Sprintf("%s:%d", host, port)})
	}
	ns.daemon.stateMu.RUnlock()

	var unreachable []string
	for _, p := range probes {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		d := net.Dialer{Timeout: 3 * time.Second}
		conn, err := d.DialContext(ctx, "tcp", p.addr)
		if err != nil {
			unreachable = append(unreachable, p.hostname)
			continue
		}
		conn.Close()
	}

	if len(probes) == 0 {
		return nil
	}
	f := driftFinding{
		Hostname:     applianceHostname,
		CheckType:    "net_host_unreachable",
		Passed:       len(unreachable) == 0,
		Expected:     "all reachable",
		Actual:       "all reachable",
		HIPAAControl: "164.308(a)(1)(ii)(D)",
		Severity:     "medium",
	}
	if len(unreachable) > 0 {
		f.Actual = strings.Join(unreachable, ", ")
		f.Details = map[string]interface{}{"hosts": strings.Join(unreachable, ",")}
	}
	return []driftFinding{f}
}
