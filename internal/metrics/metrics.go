// Package metrics exposes appliance health on a local /metrics endpoint.
package metrics

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the appliance.
type Metrics struct {
	registry *prometheus.Registry

	// Healing metrics
	HealsTotal   *prometheus.CounterVec
	HealDuration *prometheus.HistogramVec

	// Incident metrics
	IncidentsTotal *prometheus.CounterVec

	// Learning metrics
	PromotionsTotal prometheus.Counter
	RollbacksTotal  prometheus.Counter

	// Evidence metrics
	BundlesTotal *prometheus.CounterVec

	// Sync metrics
	QueueDepth        prometheus.Gauge
	QueueReplaysTotal *prometheus.CounterVec

	// Intake metrics
	ConnectedAgents prometheus.Gauge
	ActiveSensors   prometheus.Gauge

	// L2 planner metrics
	PlannerCalls    *prometheus.CounterVec
	PlannerSpendUSD prometheus.Counter

	server *http.Server
}

// New creates and registers all appliance metrics on a private registry,
// so tests can construct as many instances as they like.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		HealsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "appliance_heals_total",
				Help: "Healing attempts by resolution level and outcome",
			},
			[]string{"level", "outcome"},
		),

		HealDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "appliance_heal_duration_seconds",
				Help:    "Duration of healing attempts",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"level"},
		),

		IncidentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "appliance_incidents_total",
				Help: "Incidents created by type and severity",
			},
			[]string{"incident_type", "severity"},
		),

		PromotionsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "appliance_rule_promotions_total",
				Help: "Patterns promoted to L1 rules",
			},
		),

		RollbacksTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "appliance_rule_rollbacks_total",
				Help: "Promoted rules rolled back for failing in the field",
			},
		),

		BundlesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "appliance_evidence_bundles_total",
				Help: "Evidence bundles generated",
			},
			[]string{"signed"},
		),

		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "appliance_sync_queue_depth",
				Help: "Items awaiting replay in the outbound queue",
			},
		),

		QueueReplaysTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "appliance_sync_replays_total",
				Help: "Queue drain outcomes",
			},
			[]string{"result"}, // sent, failed
		),

		ConnectedAgents: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "appliance_connected_agents",
				Help: "Go agents currently registered over gRPC",
			},
		),

		ActiveSensors: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "appliance_active_sensors",
				Help: "HTTP sensors seen in the last 15 minutes",
			},
		),

		PlannerCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "appliance_planner_calls_total",
				Help: "L2 planner invocations by mode",
			},
			[]string{"mode"},
		),

		PlannerSpendUSD: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "appliance_planner_spend_usd_total",
				Help: "Cumulative L2 API spend in USD",
			},
		),
	}
}

// RecordHeal records one healing attempt.
func (m *Metrics) RecordHeal(level, outcome string, duration time.Duration) {
	m.HealsTotal.WithLabelValues(level, outcome).Inc()
	m.HealDuration.WithLabelValues(level).Observe(duration.Seconds())
}

// RecordIncident records incident creation.
func (m *Metrics) RecordIncident(incidentType, severity string) {
	m.IncidentsTotal.WithLabelValues(incidentType, severity).Inc()
}

// RecordBundle records an evidence bundle.
func (m *Metrics) RecordBundle(signed bool) {
	label := "false"
	if signed {
		label = "true"
	}
	m.BundlesTotal.WithLabelValues(label).Inc()
}

// RecordDrain records one queue drain pass.
func (m *Metrics) RecordDrain(sent, failed int) {
	m.QueueReplaysTotal.WithLabelValues("sent").Add(float64(sent))
	m.QueueReplaysTotal.WithLabelValues("failed").Add(float64(failed))
}

// Handler returns the /metrics handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on the given port and blocks until Shutdown.
func (m *Metrics) Serve(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	m.server = &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	log.Printf("[metrics] listening on 127.0.0.1:%d", port)
	err := m.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the metrics endpoint gracefully.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
