// Package ntpcheck verifies the appliance clock against multiple external
// NTP servers so evidence timestamps can be trusted. HIPAA auditors want
// proof that the clock producing audit timestamps was not drifting or
// tampered with. Verification annotates evidence; it never blocks it.
package ntpcheck

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/beevik/ntp"
)

// Defaults for the decision rule.
const (
	DefaultMinServers  = 3
	DefaultMaxOffsetMs = 5000
	DefaultMaxSkewMs   = 5000
	queryTimeout       = 5 * time.Second
)

// DefaultServers are used when the config lists none.
var DefaultServers = []string{
	"time.nist.gov",
	"time.cloudflare.com",
	"pool.ntp.org",
	"time.google.com",
}

// ServerResult is one server's response.
type ServerResult struct {
	Server   string  `json:"server"`
	OffsetMs float64 `json:"offset_ms"`
	RTTMs    float64 `json:"rtt_ms"`
	Error    string  `json:"error,omitempty"`
}

// Verification is the summary attached to evidence bundles.
type Verification struct {
	Passed         bool           `json:"passed"`
	CheckedAt      string         `json:"checked_at"`
	ServersQueried int            `json:"servers_queried"`
	ServersOK      int            `json:"servers_ok"`
	MedianOffsetMs float64        `json:"median_offset_ms"`
	SkewMs         float64        `json:"skew_ms"`
	Results        []ServerResult `json:"results"`
	FailureReason  string         `json:"failure_reason,omitempty"`
}

// Verifier queries NTP servers concurrently and applies the offset policy.
type Verifier struct {
	servers     []string
	minServers  int
	maxOffsetMs float64
	maxSkewMs   float64
}

// New creates a verifier. Zero values fall back to defaults.
func New(servers []string, minServers int, maxOffsetMs, maxSkewMs float64) *Verifier {
	if len(servers) == 0 {
		servers = DefaultServers
	}
	if minServers <= 0 {
		minServers = DefaultMinServers
	}
	if minServers > len(servers) {
		minServers = len(servers)
	}
	if maxOffsetMs <= 0 {
		maxOffsetMs = DefaultMaxOffsetMs
	}
	if maxSkewMs <= 0 {
		maxSkewMs = DefaultMaxSkewMs
	}
	return &Verifier{servers: servers, minServers: minServers, maxOffsetMs: maxOffsetMs, maxSkewMs: maxSkewMs}
}

// Verify queries all servers concurrently and evaluates the policy:
// at least minServers responded, |median offset| within bounds, and the
// spread between fastest and slowest clock within bounds.
func (v *Verifier) Verify(ctx context.Context) *Verification {
	results := make([]ServerResult, len(v.servers))

	var wg sync.WaitGroup
	for i, server := range v.servers {
		wg.Add(1)
		go func(i int, server string) {
			defer wg.Done()
			results[i] = querySingle(ctx, server)
		}(i, server)
	}
	wg.Wait()

	return v.evaluate(results)
}

// evaluate applies the decision rule to a set of server results.
func (v *Verifier) evaluate(results []ServerResult) *Verification {
	out := &Verification{
		CheckedAt:      time.Now().UTC().Format(time.RFC3339),
		ServersQueried: len(results),
		Results:        results,
	}

	var offsets []float64
	for _, r := range results {
		if r.Error == "" {
			offsets = append(offsets, r.OffsetMs)
		}
	}
	out.ServersOK = len(offsets)

	if len(offsets) < v.minServers {
		out.FailureReason = fmt.Sprintf("only %d of %d servers responded (need %d)",
			len(offsets), len(results), v.minServers)
		log.Printf("[ntpcheck] verification failed: %s", out.FailureReason)
		return out
	}

	sort.Float64s(offsets)
	out.MedianOffsetMs = median(offsets)
	out.SkewMs = offsets[len(offsets)-1] - offsets[0]

	if math.Abs(out.MedianOffsetMs) > v.maxOffsetMs {
		out.FailureReason = fmt.Sprintf("median offset %.0fms exceeds %.0fms", out.MedianOffsetMs, v.maxOffsetMs)
		log.Printf("[ntpcheck] verification failed: %s", out.FailureReason)
		return out
	}
	if out.SkewMs > v.maxSkewMs {
		out.FailureReason = fmt.Sprintf("server skew %.0fms exceeds %.0fms", out.SkewMs, v.maxSkewMs)
		log.Printf("[ntpcheck] verification failed: %s", out.FailureReason)
		return out
	}

	out.Passed = true
	return out
}

func querySingle(ctx context.Context, server string) ServerResult {
	res := ServerResult{Server: server}

	type reply struct {
		resp *ntp.Response
		err  error
	}
	ch := make(chan reply, 1)
	go func() {
		resp, err := ntp.QueryWithOptions(server, ntp.QueryOptions{Timeout: queryTimeout})
		ch <- reply{resp, err}
	}()

	select {
	case <-ctx.Done():
		res.Error = ctx.Err().Error()
	case r := <-ch:
		if r.err != nil {
			res.Error = r.err.Error()
			return res
		}
		res.OffsetMs = float64(r.resp.ClockOffset) / float64(time.Millisecond)
		res.RTTMs = float64(r.resp.RTT) / float64(time.Millisecond)
	}
	return res
}

func median(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
