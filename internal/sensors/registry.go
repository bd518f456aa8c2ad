// Package sensors is the HTTP ingress for push-mode drift sensors.
// Windows sensors post under /api/sensor/*, Linux sensors under /sensor/*.
// Events flow onto a channel the daemon drains into the healing tiers and
// the evidence pipeline.
package sensors

import (
	"sync"
	"time"
)

// SensorState tracks one registered sensor.
type SensorState struct {
	SensorID     string `json:"sensor_id"`
	Hostname     string `json:"hostname"`
	Platform     string `json:"platform"` // windows or linux
	Version      string `json:"version,omitempty"`
	RegisteredAt string `json:"registered_at"`
	LastSeen     string `json:"last_seen"`
	EventCount   int64  `json:"event_count"`
}

// Registry tracks connected sensors. Reads dominate, so lookups take the
// read lock and only registration and heartbeats serialize.
type Registry struct {
	mu      sync.RWMutex
	sensors map[string]*SensorState // hostname -> state
}

// NewRegistry creates an empty sensor registry.
func NewRegistry() *Registry {
	return &Registry{sensors: make(map[string]*SensorState)}
}

// Register adds or refreshes a sensor. Re-registration from the same
// hostname replaces the entry but keeps the event count.
func (r *Registry) Register(st *SensorState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.sensors[st.Hostname]; ok {
		st.EventCount = prev.EventCount
	}
	r.sensors[st.Hostname] = st
}

// Touch updates last-seen for a hostname and optionally bumps the event
// count. Unknown hostnames are ignored; sensors must register first.
func (r *Registry) Touch(hostname string, countEvent bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.sensors[hostname]
	if !ok {
		return false
	}
	st.LastSeen = time.Now().UTC().Format(time.RFC3339)
	if countEvent {
		st.EventCount++
	}
	return true
}

// Get returns the state for a hostname, or nil.
func (r *Registry) Get(hostname string) *SensorState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sensors[hostname]
}

// List returns a snapshot of all sensors.
func (r *Registry) List() []*SensorState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*SensorState, 0, len(r.sensors))
	for _, st := range r.sensors {
		copied := *st
		out = append(out, &copied)
	}
	return out
}

// ActiveCount reports sensors seen within the window.
func (r *Registry) ActiveCount(window time.Duration) int {
	cutoff := time.Now().UTC().Add(-window)
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, st := range r.sensors {
		seen, err := time.Parse(time.RFC3339, st.LastSeen)
		if err == nil && seen.After(cutoff) {
			n++
		}
	}
	return n
}
