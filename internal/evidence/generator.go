// Package evidence builds signed, tamper-evident evidence bundles from
// drift check outcomes. Every submitted bundle is hash-chained per
// host+check through a local bbolt registry, deduplicated against the last
// observed state, signed over a canonical byte sequence the control plane
// can verify, and persisted under a date-partitioned directory tree.
package evidence

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/osiriscare/compliance-appliance/internal/crypto"
	"github.com/osiriscare/compliance-appliance/internal/ntpcheck"
)

var chainBucket = []byte("chain")

// Config controls bundle generation.
type Config struct {
	SiteID      string
	EvidenceDir string
	ChainDBPath string // bbolt file, e.g. <state_dir>/evidence_chain.db

	// HeartbeatInterval forces a submission for an unchanged check after
	// this long, so auditors can distinguish "still compliant" from "not
	// observed". Default 3600s.
	HeartbeatInterval time.Duration
}

// CheckResult is one drift check outcome entering the pipeline.
type CheckResult struct {
	CheckType    string                 `json:"check_type"`
	Hostname     string                 `json:"hostname"`
	Status       string                 `json:"status"` // pass or fail
	Expected     string                 `json:"expected,omitempty"`
	Actual       string                 `json:"actual,omitempty"`
	HIPAAControl string                 `json:"hipaa_control,omitempty"`
	Severity     string                 `json:"severity,omitempty"`
	Details      map[string]interface{} `json:"details,omitempty"`
}

// Bundle is one generated evidence bundle, ready for submission.
type Bundle struct {
	BundleID       string                   `json:"bundle_id"`
	SiteID         string                   `json:"site_id"`
	CheckedAt      string                   `json:"checked_at"`
	Checks         []map[string]interface{} `json:"checks"`
	Summary        map[string]interface{}   `json:"summary"`
	BundleHash     string                   `json:"bundle_hash"`
	NTP            *ntpcheck.Verification   `json:"ntp_verification,omitempty"`
	SignedData     string                   `json:"signed_data,omitempty"`
	AgentSignature string                   `json:"agent_signature,omitempty"`
	AgentPublicKey string                   `json:"agent_public_key,omitempty"`
}

// Payload is the submission body the control plane verifies. SignedData
// carries the exact bytes the signature covers.
func (b *Bundle) Payload() map[string]interface{} {
	p := map[string]interface{}{
		"bundle_id":   b.BundleID,
		"site_id":     b.SiteID,
		"checked_at":  b.CheckedAt,
		"checks":      b.Checks,
		"summary":     b.Summary,
		"bundle_hash": b.BundleHash,
	}
	if b.SignedData != "" {
		p["signed_data"] = b.SignedData
		p["agent_signature"] = b.AgentSignature
		p["agent_public_key"] = b.AgentPublicKey
	}
	if b.NTP != nil {
		p["ntp_verification"] = b.NTP
	}
	return p
}

type dedupeState struct {
	lastResult string
	lastSubmit time.Time
}

// Generator turns check results into bundles.
type Generator struct {
	cfg    Config
	signer *crypto.Signer // nil degrades to unsigned bundles
	chain  *bolt.DB

	ntp func() *ntpcheck.Verification      // annotation provider, optional
	ots func(bundleID, bundleHash string)  // timestamping hook, optional

	mu     sync.Mutex
	dedupe map[string]dedupeState // "host|check_type" -> last state
}

// NewGenerator opens the chain registry and returns a generator.
func NewGenerator(cfg Config, signer *crypto.Signer) (*Generator, error) {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = time.Hour
	}
	if err := os.MkdirAll(filepath.Dir(cfg.ChainDBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create chain dir: %w", err)
	}
	db, err := bolt.Open(cfg.ChainDBPath, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open chain registry: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(chainBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("init chain bucket: %w", err)
	}
	return &Generator{
		cfg:    cfg,
		signer: signer,
		chain:  db,
		dedupe: make(map[string]dedupeState),
	}, nil
}

// SetNTPAnnotator installs the clock verification provider.
func (g *Generator) SetNTPAnnotator(fn func() *ntpcheck.Verification) { g.ntp = fn }

// SetOTSHook installs the OpenTimestamps submission hook.
func (g *Generator) SetOTSHook(fn func(bundleID, bundleHash string)) { g.ots = fn }

// Close closes the chain registry.
func (g *Generator) Close() error { return g.chain.Close() }

// Process filters the results through the dedupe gate, builds one bundle
// from the survivors, signs it, persists it, and advances the hash chain.
// Returns nil when every result was deduplicated away.
func (g *Generator) Process(results []CheckResult) (*Bundle, error) {
	now := time.Now().UTC()

	var surviving []CheckResult
	g.mu.Lock()
	for _, r := range results {
		if g.shouldSubmitLocked(dedupeKey(r), r.Status, now) {
			surviving = append(surviving, r)
		}
	}
	g.mu.Unlock()

	if len(surviving) == 0 {
		return nil, nil
	}

	bundle, err := g.buildBundle(surviving, now)
	if err != nil {
		return nil, err
	}

	if err := g.persist(bundle, now); err != nil {
		return nil, err
	}
	if err := g.advanceChain(surviving, bundle.BundleHash); err != nil {
		log.Printf("[evidence] chain update failed: %v", err)
	}

	// Only after the bundle is out the door does the dedupe state advance;
	// a build failure must not swallow the next observation.
	g.mu.Lock()
	for _, r := range surviving {
		g.dedupe[dedupeKey(r)] = dedupeState{lastResult: r.Status, lastSubmit: now}
	}
	g.mu.Unlock()

	if g.ots != nil {
		g.ots(bundle.BundleID, bundle.BundleHash)
	}

	log.Printf("[evidence] bundle %s: %d checks (%v compliant)",
		bundle.BundleID, len(bundle.Checks), bundle.Summary["compliant"])
	return bundle, nil
}

// shouldSubmitLocked implements the dedupe gate: first observation, state
// change, or heartbeat elapsed.
func (g *Generator) shouldSubmitLocked(key, status string, now time.Time) bool {
	st, seen := g.dedupe[key]
	if !seen {
		return true
	}
	if status != st.lastResult {
		return true
	}
	return now.Sub(st.lastSubmit) >= g.cfg.HeartbeatInterval
}

func dedupeKey(r CheckResult) string {
	return r.Hostname + "|" + r.CheckType
}

func (g *Generator) buildBundle(results []CheckResult, now time.Time) (*Bundle, error) {
	checks := make([]map[string]interface{}, 0, len(results))
	compliant, nonCompliant := 0, 0

	for _, r := range results {
		check := map[string]interface{}{
			"check":    r.CheckType,
			"hostname": r.Hostname,
			"status":   r.Status,
		}
		if r.Status == "pass" {
			compliant++
		} else {
			nonCompliant++
			if r.Expected != "" {
				check["expected"] = r.Expected
			}
			if r.Actual != "" {
				check["actual"] = r.Actual
			}
		}
		if r.HIPAAControl != "" {
			check["hipaa_control"] = r.HIPAAControl
		}
		if prev := g.previousHash(dedupeKey(r)); prev != "" {
			check["previous_bundle_hash"] = prev
		}
		for k, v := range r.Details {
			check[k] = v
		}
		checks = append(checks, check)
	}

	summary := map[string]interface{}{
		"total_checks":  compliant + nonCompliant,
		"compliant":     compliant,
		"non_compliant": nonCompliant,
	}

	evidenceData := map[string]interface{}{
		"site_id":    g.cfg.SiteID,
		"checked_at": now.Format(time.RFC3339),
		"checks":     checks,
		"summary":    summary,
	}

	hash, err := crypto.HashCanonical(evidenceData)
	if err != nil {
		return nil, fmt.Errorf("hash bundle: %w", err)
	}

	bundle := &Bundle{
		BundleID:   uuid.NewString(),
		SiteID:     g.cfg.SiteID,
		CheckedAt:  now.Format(time.RFC3339),
		Checks:     checks,
		Summary:    summary,
		BundleHash: hash,
	}

	if g.ntp != nil {
		bundle.NTP = g.ntp()
	}

	// A signing failure degrades to an unsigned submission rather than
	// dropping evidence on the floor.
	if g.signer != nil {
		signedBytes, err := crypto.CanonicalJSON(evidenceData)
		if err != nil {
			log.Printf("[evidence] canonical serialization failed, submitting unsigned: %v", err)
		} else {
			bundle.SignedData = string(signedBytes)
			bundle.AgentSignature = g.signer.Sign(signedBytes)
			bundle.AgentPublicKey = g.signer.PublicKeyHex()
		}
	}

	return bundle, nil
}

// persist writes bundle.json (and bundle.sig when signed) under the
// date-partitioned evidence tree.
func (g *Generator) persist(b *Bundle, now time.Time) error {
	dir := filepath.Join(g.cfg.EvidenceDir,
		fmt.Sprintf("%04d", now.Year()),
		fmt.Sprintf("%02d", now.Month()),
		fmt.Sprintf("%02d", now.Day()),
		b.BundleID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create bundle dir: %w", err)
	}

	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal bundle: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bundle.json"), data, 0o644); err != nil {
		return fmt.Errorf("write bundle: %w", err)
	}

	if b.AgentSignature != "" {
		if err := os.WriteFile(filepath.Join(dir, "bundle.sig"), []byte(b.AgentSignature), 0o644); err != nil {
			return fmt.Errorf("write signature: %w", err)
		}
	}
	return nil
}

func (g *Generator) previousHash(key string) string {
	var prev string
	g.chain.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(chainBucket).Get([]byte(key)); v != nil {
			prev = string(v)
		}
		return nil
	})
	return prev
}

func (g *Generator) advanceChain(results []CheckResult, bundleHash string) error {
	return g.chain.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(chainBucket)
		for _, r := range results {
			if err := b.Put([]byte(dedupeKey(r)), []byte(bundleHash)); err != nil {
				return err
			}
		}
		return nil
	})
}
