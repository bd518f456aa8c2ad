package executor

import (
	"strings"

	"github.com/osiriscare/compliance-appliance/internal/sshexec"
	"github.com/osiriscare/compliance-appliance/internal/winrm"
)

// SetWindowsTargets replaces the Windows target list. Called after each
// checkin when the control plane refreshes credentials.
func (e *Executor) SetWindowsTargets(targets []*winrm.Target) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.winTargets = targets
}

// SetLinuxTargets replaces the Linux target list.
func (e *Executor) SetLinuxTargets(targets []*sshexec.Target) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.linuxTargets = targets
}

// resolveWindowsTarget finds the target for a host ID: exact hostname match,
// then short-name match, then IP match, then first-available fallback.
func (e *Executor) resolveWindowsTarget(hostID string) *winrm.Target {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if len(e.winTargets) == 0 {
		return nil
	}
	for _, t := range e.winTargets {
		if strings.EqualFold(t.Hostname, hostID) {
			return t
		}
	}
	for _, t := range e.winTargets {
		if strings.EqualFold(shortName(t.Hostname), shortName(hostID)) {
			return t
		}
	}
	for _, t := range e.winTargets {
		if t.IPAddress != "" && t.IPAddress == hostID {
			return t
		}
	}
	return e.winTargets[0]
}

// resolveLinuxTarget mirrors resolveWindowsTarget for SSH targets.
func (e *Executor) resolveLinuxTarget(hostID string) *sshexec.Target {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if len(e.linuxTargets) == 0 {
		return nil
	}
	for _, t := range e.linuxTargets {
		if strings.EqualFold(t.Hostname, hostID) {
			return t
		}
	}
	for _, t := range e.linuxTargets {
		if strings.EqualFold(shortName(t.Hostname), shortName(hostID)) {
			return t
		}
	}
	for _, t := range e.linuxTargets {
		if t.IPAddress != "" && t.IPAddress == hostID {
			return t
		}
	}
	return e.linuxTargets[0]
}

// shortName strips the domain suffix from a FQDN.
func shortName(hostname string) string {
	if i := strings.IndexByte(hostname, '.'); i > 0 {
		return hostname[:i]
	}
	return hostname
}
