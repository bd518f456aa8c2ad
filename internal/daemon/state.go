package daemon

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/osiriscare/compliance-appliance/internal/sshexec"
)

const stateFileName = "daemon_state.json"

// PersistedState holds daemon state that survives restarts. Windows
// credentials are deliberately not persisted; they come back on the next
// checkin.
type PersistedState struct {
	ApplianceID        string            `json:"appliance_id,omitempty"`
	LinuxTargets       []*sshexec.Target `json:"linux_targets,omitempty"`
	L2Mode             string            `json:"l2_mode,omitempty"`
	SubscriptionStatus string            `json:"subscription_status,omitempty"`
	ServerPublicKey    string            `json:"server_public_key,omitempty"`
	SavedAt            time.Time         `json:"saved_at"`
}

func (d *Daemon) statePath() string {
	return filepath.Join(d.config.StateDir, stateFileName)
}

// saveState persists critical in-memory state with an atomic write.
func (d *Daemon) saveState() {
	d.stateMu.RLock()
	state := PersistedState{
		ApplianceID:        d.applianceID,
		LinuxTargets:       d.linuxTargets,
		L2Mode:             d.l2Mode,
		SubscriptionStatus: d.subscriptionStatus,
		ServerPublicKey:    d.serverPublicKey,
		SavedAt:            time.Now(),
	}
	d.stateMu.RUnlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		log.Printf("[daemon] marshal state: %v", err)
		return
	}

	path := d.statePath()
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		log.Printf("[daemon] write state file: %v", err)
		return
	}
	if err := os.Rename(tmpPath, path); err != nil {
		log.Printf("[daemon] rename state file: %v", err)
	}
}

// loadState restores persisted state. Returns nil on first boot.
func loadState(stateDir string) (*PersistedState, error) {
	data, err := os.ReadFile(filepath.Join(stateDir, stateFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var state PersistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse state file: %w", err)
	}
	return &state, nil
}
