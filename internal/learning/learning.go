// Package learning closes the flywheel: patterns the LLM tier has resolved
// reliably become deterministic L1 rules, and promoted rules that start
// failing in the field are rolled back automatically.
package learning

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/osiriscare/compliance-appliance/internal/store"
)

// Config controls the promotion cycle.
type Config struct {
	SiteID   string
	RulesDir string // promoted rules land in <RulesDir>/promoted

	AutoPromote bool
	Interval    time.Duration // cycle period, default 24h
	SampleLimit int           // incidents sampled per pattern, default 20

	RollbackMinIncidents int     // default 3
	RollbackFailureRate  float64 // default 0.2
}

// DefaultConfig returns production settings.
func DefaultConfig(siteID, rulesDir string) Config {
	return Config{
		SiteID:               siteID,
		RulesDir:             rulesDir,
		Interval:             24 * time.Hour,
		SampleLimit:          20,
		RollbackMinIncidents: 3,
		RollbackFailureRate:  0.2,
	}
}

// PromotionCandidate is a pattern proposed for promotion to L1.
type PromotionCandidate struct {
	PatternSignature  string                 `json:"pattern_signature"`
	IncidentType      string                 `json:"incident_type"`
	RecommendedAction string                 `json:"recommended_action"`
	Params            map[string]interface{} `json:"params"`
	Confidence        float64                `json:"confidence"`
	SampleCount       int                    `json:"sample_count"`
	Reason            string                 `json:"reason"`
	Stats             *store.PatternStats    `json:"stats"`
}

// ReloadFunc triggers an L1 rule reload after the promoted set changes.
type ReloadFunc func()

// ReportFunc forwards candidates to the control plane when auto-promotion is
// off: the human approves there and the rule comes back via sync.
type ReportFunc func(*PromotionCandidate)

// System runs the promotion and rollback cycles.
type System struct {
	cfg    Config
	db     *store.Store
	reload ReloadFunc
	report ReportFunc
}

// New creates the learning system. reload and report may be nil.
func New(cfg Config, db *store.Store, reload ReloadFunc, report ReportFunc) *System {
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	if cfg.SampleLimit <= 0 {
		cfg.SampleLimit = 20
	}
	if cfg.RollbackMinIncidents <= 0 {
		cfg.RollbackMinIncidents = 3
	}
	if cfg.RollbackFailureRate <= 0 {
		cfg.RollbackFailureRate = 0.2
	}
	return &System{cfg: cfg, db: db, reload: reload, report: report}
}

// Run drives the periodic cycle until ctx is cancelled.
func (s *System) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunCycle()
		}
	}
}

// RunCycle evaluates promotion candidates and monitors promoted rules once.
func (s *System) RunCycle() {
	promoted := s.EvaluateCandidates()
	rolledBack := s.MonitorPromotedRules()
	if promoted > 0 || rolledBack > 0 {
		log.Printf("[learning] cycle: %d promoted, %d rolled back", promoted, rolledBack)
	}
}

// EvaluateCandidates builds candidates from eligible patterns and either
// deploys them (auto-promote) or reports them for approval. Returns the
// number of rules deployed locally.
func (s *System) EvaluateCandidates() int {
	stats, err := s.db.GetPromotionCandidates()
	if err != nil {
		log.Printf("[learning] load candidates: %v", err)
		return 0
	}

	deployed := 0
	for _, ps := range stats {
		cand, err := s.buildCandidate(ps)
		if err != nil {
			log.Printf("[learning] candidate %s: %v", ps.PatternSignature, err)
			continue
		}
		if cand == nil {
			continue
		}

		if !s.cfg.AutoPromote {
			log.Printf("[learning] candidate %s (%s, confidence %.2f) awaiting approval",
				cand.PatternSignature, cand.RecommendedAction, cand.Confidence)
			if s.report != nil {
				s.report(cand)
			}
			continue
		}

		if err := s.Promote(cand); err != nil {
			log.Printf("[learning] promote %s: %v", cand.PatternSignature, err)
			continue
		}
		deployed++
	}

	if deployed > 0 && s.reload != nil {
		s.reload()
	}
	return deployed
}

// buildCandidate turns one eligible pattern into a candidate, nil when the
// pattern has no usable action.
func (s *System) buildCandidate(ps *store.PatternStats) (*PromotionCandidate, error) {
	if ps.RecommendedAction == "" || ps.RecommendedAction == "escalate" {
		return nil, nil
	}

	pctx, err := s.db.GetPatternContext(ps.PatternSignature, s.cfg.SampleLimit)
	if err != nil {
		return nil, fmt.Errorf("pattern context: %w", err)
	}
	if pctx == nil || len(pctx.RecentIncidents) == 0 {
		return nil, nil
	}

	confidence := promotionConfidence(ps, pctx)
	params := extractParams(ps.RecommendedAction, pctx.RecentIncidents)

	return &PromotionCandidate{
		PatternSignature:  ps.PatternSignature,
		IncidentType:      ps.IncidentType,
		RecommendedAction: ps.RecommendedAction,
		Params:            params,
		Confidence:        confidence,
		SampleCount:       len(pctx.RecentIncidents),
		Reason: fmt.Sprintf("%d occurrences, %.0f%% success, %d L2 resolutions, avg %dms",
			ps.TotalOccurrences, ps.SuccessRate()*100, ps.L2Resolutions, ps.AvgResolutionTimeMs()),
		Stats: ps,
	}, nil
}

// promotionConfidence scores a candidate. Frequency and action consistency
// raise it, staleness lowers it.
func promotionConfidence(ps *store.PatternStats, pctx *store.PatternContext) float64 {
	consistency := 0.0
	if len(pctx.SuccessfulActions) > 0 {
		var total int64
		for _, af := range pctx.SuccessfulActions {
			total += af.Count
		}
		if total > 0 {
			consistency = float64(pctx.SuccessfulActions[0].Count) / float64(total)
		}
	}

	daysIdle := 0.0
	if t, err := time.Parse(time.RFC3339, ps.LastSeen); err == nil {
		daysIdle = time.Since(t).Hours() / 24
	}

	c := ps.SuccessRate() +
		math.Min(float64(ps.TotalOccurrences)/50, 0.1) +
		consistency*0.1 -
		math.Min(daysIdle/30, 0.2)
	return math.Max(0, math.Min(1, c))
}

// commonParamKeys are extracted for every action.
var commonParamKeys = []string{"service_name", "target_path", "timeout", "host_id", "check_type", "severity"}

// actionParamKeys extends the common set per action.
var actionParamKeys = map[string][]string{
	"restart_service":          {"service"},
	"run_command":              {"command"},
	"restart_av_service":       {"service"},
	"run_backup_job":           {"job_name"},
	"renew_certificate":        {"domain", "cert_path"},
	"cleanup_disk_space":       {"min_free_percent"},
	"restart_logging_services": {"service"},
}

// extractParams collects values that appear in a majority of the sampled
// incidents. The majority rule keeps one-off values out of the generated
// rule.
func extractParams(action string, incidents []*store.Incident) map[string]interface{} {
	keys := append([]string{}, commonParamKeys...)
	keys = append(keys, actionParamKeys[action]...)

	n := len(incidents)
	if n == 0 {
		return map[string]interface{}{}
	}
	majority := (n + 1) / 2

	params := map[string]interface{}{}
	for _, key := range keys {
		counts := map[string]int{}
		values := map[string]interface{}{}
		for _, inc := range incidents {
			v, ok := incidentField(inc, key)
			if !ok {
				continue
			}
			// Lists and maps hash by their printed form.
			h := fmt.Sprintf("%v", v)
			counts[h]++
			values[h] = v
		}
		for h, c := range counts {
			if c >= majority {
				params[key] = values[h]
				break
			}
		}
	}
	return params
}

func incidentField(inc *store.Incident, key string) (interface{}, bool) {
	if key == "severity" {
		return inc.Severity, true
	}
	v, ok := inc.RawData[key]
	return v, ok
}
