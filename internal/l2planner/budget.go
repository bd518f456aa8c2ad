package l2planner

import (
	"fmt"
	"sync"
	"time"
)

// Default API pricing (per million tokens). Overridable from config so a
// model change does not require a binary update.
const (
	DefaultInputPricePerMTok  = 0.80
	DefaultOutputPricePerMTok = 4.00
)

// BudgetTracker enforces spending and rate limits for L2 LLM calls.
// The daily counter resets on the UTC day boundary; the hourly counter is a
// sliding one-hour window.
type BudgetTracker struct {
	mu sync.Mutex

	dailyBudgetUSD     float64
	maxCallsPerHour    int
	maxConcurrentCalls int
	inputPricePerMTok  float64
	outputPricePerMTok float64

	dailySpendUSD float64
	dailyDate     string // YYYY-MM-DD, UTC
	callTimes     []time.Time

	sem chan struct{}
}

// BudgetConfig holds budget configuration.
type BudgetConfig struct {
	DailyBudgetUSD     float64
	MaxCallsPerHour    int
	MaxConcurrentCalls int
	InputPricePerMTok  float64
	OutputPricePerMTok float64
}

// DefaultBudgetConfig returns sane defaults.
func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{
		DailyBudgetUSD:     10.00,
		MaxCallsPerHour:    60,
		MaxConcurrentCalls: 3,
		InputPricePerMTok:  DefaultInputPricePerMTok,
		OutputPricePerMTok: DefaultOutputPricePerMTok,
	}
}

// NewBudgetTracker creates a new budget tracker.
func NewBudgetTracker(cfg BudgetConfig) *BudgetTracker {
	if cfg.DailyBudgetUSD <= 0 {
		cfg.DailyBudgetUSD = 10.00
	}
	if cfg.MaxCallsPerHour <= 0 {
		cfg.MaxCallsPerHour = 60
	}
	if cfg.MaxConcurrentCalls <= 0 {
		cfg.MaxConcurrentCalls = 3
	}
	if cfg.InputPricePerMTok <= 0 {
		cfg.InputPricePerMTok = DefaultInputPricePerMTok
	}
	if cfg.OutputPricePerMTok <= 0 {
		cfg.OutputPricePerMTok = DefaultOutputPricePerMTok
	}

	return &BudgetTracker{
		dailyBudgetUSD:     cfg.DailyBudgetUSD,
		maxCallsPerHour:    cfg.MaxCallsPerHour,
		maxConcurrentCalls: cfg.MaxConcurrentCalls,
		inputPricePerMTok:  cfg.InputPricePerMTok,
		outputPricePerMTok: cfg.OutputPricePerMTok,
		dailyDate:          time.Now().UTC().Format("2006-01-02"),
		sem:                make(chan struct{}, cfg.MaxConcurrentCalls),
	}
}

// CheckBudget returns nil if a call is within budget, or an error explaining
// why not. Callers short-circuit to escalation on error.
func (b *BudgetTracker) CheckBudget() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rollWindows()

	if b.dailySpendUSD >= b.dailyBudgetUSD {
		return fmt.Errorf("daily budget exhausted: $%.4f of $%.2f spent", b.dailySpendUSD, b.dailyBudgetUSD)
	}
	if len(b.callTimes) >= b.maxCallsPerHour {
		return fmt.Errorf("hourly rate limit: %d of %d calls used", len(b.callTimes), b.maxCallsPerHour)
	}
	return nil
}

// TryAcquire tries to acquire a concurrency slot without blocking.
// Returns a release function and true if acquired.
func (b *BudgetTracker) TryAcquire() (func(), bool) {
	select {
	case b.sem <- struct{}{}:
		return func() { <-b.sem }, true
	default:
		return nil, false
	}
}

// RecordCost records the cost of a completed API call and appends to the
// sliding hourly window. Returns the computed cost.
func (b *BudgetTracker) RecordCost(inputTokens, outputTokens int64) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rollWindows()
	cost := float64(inputTokens)/1_000_000*b.inputPricePerMTok +
		float64(outputTokens)/1_000_000*b.outputPricePerMTok
	b.dailySpendUSD += cost
	b.callTimes = append(b.callTimes, time.Now().UTC())
	return cost
}

// BudgetStats holds budget state for reporting.
type BudgetStats struct {
	DailySpendUSD   float64 `json:"daily_spend_usd"`
	DailyBudgetUSD  float64 `json:"daily_budget_usd"`
	DailyRemaining  float64 `json:"daily_remaining_usd"`
	HourlyCalls     int     `json:"hourly_calls"`
	MaxCallsPerHour int     `json:"max_calls_per_hour"`
}

// Stats returns current budget statistics.
func (b *BudgetTracker) Stats() BudgetStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rollWindows()
	return BudgetStats{
		DailySpendUSD:   b.dailySpendUSD,
		DailyBudgetUSD:  b.dailyBudgetUSD,
		DailyRemaining:  b.dailyBudgetUSD - b.dailySpendUSD,
		HourlyCalls:     len(b.callTimes),
		MaxCallsPerHour: b.maxCallsPerHour,
	}
}

// rollWindows drops expired entries from the sliding hour window and resets
// the daily spend on UTC day change. Must be called with mu held.
func (b *BudgetTracker) rollWindows() {
	now := time.Now().UTC()

	today := now.Format("2006-01-02")
	if today != b.dailyDate {
		b.dailySpendUSD = 0
		b.dailyDate = today
	}

	cutoff := now.Add(-time.Hour)
	for len(b.callTimes) > 0 && b.callTimes[0].Before(cutoff) {
		b.callTimes = b.callTimes[1:]
	}
}
