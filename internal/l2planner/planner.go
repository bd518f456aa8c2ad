// Package l2planner is the L2 tier: an LLM decides how to remediate
// incidents L1's deterministic rules could not match. Three modes:
//
//   - local: HTTP to a local model endpoint (nothing leaves the site)
//   - api: the Anthropic API
//   - hybrid: local first; API only when the local answer is not usable
//
// Every outbound field is PHI-scrubbed before leaving the appliance, every
// decision passes guardrails before execution, and an LLM budget governor
// bounds spend.
package l2planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/osiriscare/compliance-appliance/internal/scrub"
	"github.com/osiriscare/compliance-appliance/internal/store"
)

// Modes.
const (
	ModeLocal  = "local"
	ModeAPI    = "api"
	ModeHybrid = "hybrid"
)

// Config holds planner configuration.
type Config struct {
	Mode string // local | api | hybrid

	// local mode
	LocalEndpoint string // e.g. http://127.0.0.1:11434
	LocalModel    string

	// api mode
	APIKey    string
	Model     string
	MaxTokens int64

	// hybrid thresholds
	LocalConfidenceFloor float64 // use local decision at or above this (default 0.7)
	APIFallbackFloor     float64 // below this, escalate instead of spending API budget (default 0.3)

	ContextLimit int // incidents of history per prompt
	Budget       BudgetConfig
}

// DefaultConfig returns a config with sane defaults.
func DefaultConfig() Config {
	return Config{
		Mode:                 ModeAPI,
		LocalEndpoint:        "http://127.0.0.1:11434",
		LocalModel:           "qwen2.5:7b",
		Model:                "claude-haiku-4-5",
		MaxTokens:            1024,
		LocalConfidenceFloor: 0.7,
		APIFallbackFloor:     0.3,
		ContextLimit:         5,
		Budget:               DefaultBudgetConfig(),
	}
}

// ContextStore is the slice of the incident store the planner reads.
type ContextStore interface {
	GetPatternContext(sig string, limit int) (*store.PatternContext, error)
	GetSimilarIncidents(incidentType, siteID string, limit int) ([]*store.Incident, error)
}

// Planner decides remediations for incidents L1 could not handle.
type Planner struct {
	cfg       Config
	db        ContextStore
	scrubber  *scrub.Scrubber
	guardrail *Guardrails
	budget    *BudgetTracker
	anthropic anthropic.Client
	local     *http.Client
}

// NewPlanner creates a planner. db may be nil (no history context).
func NewPlanner(cfg Config, db ContextStore) *Planner {
	def := DefaultConfig()
	if cfg.Mode == "" {
		cfg.Mode = def.Mode
	}
	if cfg.LocalEndpoint == "" {
		cfg.LocalEndpoint = def.LocalEndpoint
	}
	if cfg.LocalModel == "" {
		cfg.LocalModel = def.LocalModel
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.LocalConfidenceFloor == 0 {
		cfg.LocalConfidenceFloor = def.LocalConfidenceFloor
	}
	if cfg.APIFallbackFloor == 0 {
		cfg.APIFallbackFloor = def.APIFallbackFloor
	}
	if cfg.ContextLimit == 0 {
		cfg.ContextLimit = def.ContextLimit
	}

	return &Planner{
		cfg: cfg,
		db:  db,
		// IPs and hostnames stay: the model needs network topology, and
		// they are infrastructure identifiers, not PHI.
		scrubber:  scrub.New(),
		guardrail: NewGuardrails(0),
		budget:    NewBudgetTracker(cfg.Budget),
		anthropic: anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		local:     &http.Client{Timeout: 60 * time.Second},
	}
}

// Plan produces a guardrailed decision for the incident. It never returns
// an error for "model said escalate": that is a valid decision. Errors mean
// the planner itself could not run.
func (p *Planner) Plan(ctx context.Context, inc *store.Incident) (*Decision, error) {
	if err := p.budget.CheckBudget(); err != nil {
		log.Printf("[l2planner] budget short-circuit: %v", err)
		d := escalateDecision("L2 budget exhausted: " + err.Error())
		d.IncidentID = fmt.Sprintf("%d", inc.ID)
		return d, nil
	}

	release, ok := p.budget.TryAcquire()
	if !ok {
		d := escalateDecision("L2 concurrency limit reached")
		d.IncidentID = fmt.Sprintf("%d", inc.ID)
		return d, nil
	}
	defer release()

	pctx, similar := p.gatherContext(inc)
	prompt := buildPrompt(p.scrubIncident(inc), pctx, similar)

	var d *Decision
	var err error
	start := time.Now()

	switch p.cfg.Mode {
	case ModeLocal:
		d, err = p.callLocal(ctx, prompt)
	case ModeAPI:
		d, err = p.callAPI(ctx, prompt)
	case ModeHybrid:
		d, err = p.planHybrid(ctx, prompt)
	default:
		return nil, fmt.Errorf("unknown L2 mode %q", p.cfg.Mode)
	}
	if err != nil {
		return nil, err
	}

	d.IncidentID = fmt.Sprintf("%d", inc.ID)
	d.LatencyMs = time.Since(start).Milliseconds()

	p.guardrail.Apply(d)

	log.Printf("[l2planner] incident %d: mode=%s action=%s confidence=%.2f approval=%v escalate=%v",
		inc.ID, d.Mode, d.Action, d.Confidence, d.RequiresApproval, d.Escalate)
	return d, nil
}

// planHybrid tries local first and spends API budget only when the local
// decision is unusable but not hopeless.
func (p *Planner) planHybrid(ctx context.Context, prompt string) (*Decision, error) {
	local, err := p.callLocal(ctx, prompt)
	if err != nil {
		log.Printf("[l2planner] local endpoint failed, falling back to API: %v", err)
		return p.callAPI(ctx, prompt)
	}

	if local.Confidence >= p.cfg.LocalConfidenceFloor && !local.Escalate {
		return local, nil
	}
	if local.Confidence < p.cfg.APIFallbackFloor {
		// Local has essentially no idea. The API rarely disagrees enough
		// to justify the spend; hand it to a human instead.
		d := escalateDecision(fmt.Sprintf(
			"local confidence %.2f below API fallback floor %.2f: %s",
			local.Confidence, p.cfg.APIFallbackFloor, local.Reasoning))
		d.Mode = ModeLocal
		return d, nil
	}
	return p.callAPI(ctx, prompt)
}

// callAPI asks the Anthropic API and accounts cost.
func (p *Planner) callAPI(ctx context.Context, prompt string) (*Decision, error) {
	msg, err := p.anthropic.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(p.cfg.Model),
		MaxTokens: p.cfg.MaxTokens,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic call: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	cost := p.budget.RecordCost(msg.Usage.InputTokens, msg.Usage.OutputTokens)

	d := parseDecision(text)
	d.Mode = ModeAPI
	d.InputTokens = msg.Usage.InputTokens
	d.OutputTokens = msg.Usage.OutputTokens
	d.CostUSD = cost
	return d, nil
}

// localGenerateRequest / Response follow the Ollama generate API.
type localGenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	System string `json:"system"`
	Stream bool   `json:"stream"`
}

type localGenerateResponse struct {
	Response string `json:"response"`
}

// callLocal asks the local model endpoint. Free, so no budget accounting.
func (p *Planner) callLocal(ctx context.Context, prompt string) (*Decision, error) {
	body, err := json.Marshal(localGenerateRequest{
		Model:  p.cfg.LocalModel,
		Prompt: prompt,
		System: systemPrompt,
		Stream: false,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal local request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.cfg.LocalEndpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.local.Do(req)
	if err != nil {
		return nil, fmt.Errorf("local model: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("local model returned %d: %s", resp.StatusCode, truncate(string(b), 200))
	}

	var lr localGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return nil, fmt.Errorf("decode local response: %w", err)
	}

	d := parseDecision(lr.Response)
	d.Mode = ModeLocal
	return d, nil
}

// gatherContext pulls pattern history from the store; failures degrade to
// an empty context rather than blocking the plan.
func (p *Planner) gatherContext(inc *store.Incident) (*store.PatternContext, []*store.Incident) {
	if p.db == nil {
		return nil, nil
	}
	pctx, err := p.db.GetPatternContext(inc.PatternSignature, p.cfg.ContextLimit)
	if err != nil {
		log.Printf("[l2planner] pattern context: %v", err)
	}
	similar, err := p.db.GetSimilarIncidents(inc.IncidentType, inc.SiteID, p.cfg.ContextLimit)
	if err != nil {
		log.Printf("[l2planner] similar incidents: %v", err)
	}
	return pctx, similar
}

// scrubIncident returns a copy of the incident with PHI stripped from every
// outbound field. Applied in all modes; even the local endpoint should not
// see patient identifiers.
func (p *Planner) scrubIncident(inc *store.Incident) *store.Incident {
	out := *inc
	out.RawData = p.scrubber.Map(inc.RawData)
	return &out
}

// Stats returns current budget statistics.
func (p *Planner) Stats() BudgetStats {
	return p.budget.Stats()
}
