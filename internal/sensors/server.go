package sensors

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// DriftEvent is one pushed check result from a sensor.
type DriftEvent struct {
	Hostname     string                 `json:"hostname"`
	Platform     string                 `json:"platform"`
	CheckType    string                 `json:"check_type"`
	Passed       bool                   `json:"passed"`
	Expected     string                 `json:"expected,omitempty"`
	Actual       string                 `json:"actual,omitempty"`
	HIPAAControl string                 `json:"hipaa_control,omitempty"`
	Severity     string                 `json:"severity,omitempty"`
	Details      map[string]interface{} `json:"details,omitempty"`
}

// Config holds ingress configuration.
type Config struct {
	Port   int
	SiteID string

	// CheckIntervalSeconds is handed to sensors at registration.
	CheckIntervalSeconds int
}

// Server is the sensor HTTP ingress.
type Server struct {
	cfg      Config
	registry *Registry
	http     *http.Server

	// Events carries pushed drift; the daemon loop drains it.
	Events chan DriftEvent
}

// checkTypeMap maps Windows sensor check names to the incident types the
// healing rules match on. Linux sensors already send incident types.
var checkTypeMap = map[string]string{
	"defender":   "av_stopped",
	"firewall":   "firewall_drift",
	"bitlocker":  "encryption_drift",
	"patches":    "patch_drift",
	"screenlock": "screen_lock_drift",
}

// NewServer creates the ingress bound to the given registry.
func NewServer(cfg Config, registry *Registry) *Server {
	if cfg.CheckIntervalSeconds <= 0 {
		cfg.CheckIntervalSeconds = 300
	}
	return &Server{
		cfg:      cfg,
		registry: registry,
		Events:   make(chan DriftEvent, 256),
	}
}

// Router builds the ingress routes. Split out so tests can drive the
// handlers through httptest without binding a port.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	// Windows sensors
	r.HandleFunc("/api/sensor/register", s.handleRegister("windows")).Methods("POST")
	r.HandleFunc("/api/sensor/drift", s.handleDrift("windows")).Methods("POST")
	r.HandleFunc("/api/sensor/heartbeat", s.handleHeartbeat).Methods("POST")
	r.HandleFunc("/api/sensor/status", s.handleStatus).Methods("GET")

	// Linux sensors
	r.HandleFunc("/sensor/register", s.handleRegister("linux")).Methods("POST")
	r.HandleFunc("/sensor/drift", s.handleDrift("linux")).Methods("POST")
	r.HandleFunc("/sensor/heartbeat", s.handleHeartbeat).Methods("POST")

	return r
}

// Serve starts the ingress and blocks until Shutdown.
func (s *Server) Serve() error {
	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	log.Printf("[sensors] ingress listening on :%d", s.cfg.Port)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the ingress gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

type registerRequest struct {
	Hostname string `json:"hostname"`
	Version  string `json:"version"`
}

func (s *Server) handleRegister(platform string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req registerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Hostname == "" {
			http.Error(w, "hostname is required", http.StatusBadRequest)
			return
		}

		now := time.Now().UTC().Format(time.RFC3339)
		st := &SensorState{
			SensorID:     fmt.Sprintf("%s-%s", platform, req.Hostname),
			Hostname:     req.Hostname,
			Platform:     platform,
			Version:      req.Version,
			RegisteredAt: now,
			LastSeen:     now,
		}
		s.registry.Register(st)
		log.Printf("[sensors] registered %s sensor on %s (v%s)", platform, req.Hostname, req.Version)

		json.NewEncoder(w).Encode(map[string]interface{}{
			"sensor_id":              st.SensorID,
			"site_id":                s.cfg.SiteID,
			"check_interval_seconds": s.cfg.CheckIntervalSeconds,
		})
	}
}

func (s *Server) handleDrift(platform string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var ev DriftEvent
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			http.Error(w, "bad drift event", http.StatusBadRequest)
			return
		}
		if ev.Hostname == "" || ev.CheckType == "" {
			http.Error(w, "hostname and check_type are required", http.StatusBadRequest)
			return
		}
		if !s.registry.Touch(ev.Hostname, true) {
			http.Error(w, "sensor not registered", http.StatusForbidden)
			return
		}

		ev.Platform = platform
		if platform == "windows" {
			if mapped, ok := checkTypeMap[ev.CheckType]; ok {
				ev.CheckType = mapped
			}
		}

		accepted := true
		select {
		case s.Events <- ev:
		default:
			accepted = false
			log.Printf("[sensors] WARNING: event channel full, dropping drift from %s/%s",
				ev.Hostname, ev.CheckType)
		}

		json.NewEncoder(w).Encode(map[string]interface{}{
			"received": accepted,
		})
	}
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Hostname == "" {
		http.Error(w, "hostname is required", http.StatusBadRequest)
		return
	}
	if !s.registry.Touch(req.Hostname, false) {
		http.Error(w, "sensor not registered", http.StatusForbidden)
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{"acknowledged": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	sensors := s.registry.List()
	json.NewEncoder(w).Encode(map[string]interface{}{
		"site_id":              s.cfg.SiteID,
		"total_sensors":        len(sensors),
		"total_active_sensors": s.registry.ActiveCount(15 * time.Minute),
		"sensors":              sensors,
	})
}
