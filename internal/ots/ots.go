// Package ots anchors evidence bundle hashes in Bitcoin via public
// OpenTimestamps calendars. The anchor proves an evidence bundle existed at
// a point in time independent of the appliance or the control plane, which
// closes the "operator backdated the audit trail" argument.
//
// Proof lifecycle: pending (calendar accepted the digest) -> anchored (the
// upgraded proof carries a Bitcoin attestation) -> verified, or failed.
// Attestation parsing is marker detection plus block height extraction;
// full merkle path verification is left to external OTS tooling.
package ots

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// Proof statuses.
const (
	StatusPending  = "pending"
	StatusAnchored = "anchored"
	StatusVerified = "verified"
	StatusFailed   = "failed"
)

// DefaultCalendars are the public OpenTimestamps aggregation servers.
var DefaultCalendars = []string{
	"https://a.pool.opentimestamps.org",
	"https://b.pool.opentimestamps.org",
	"https://finney.calendar.eternitywall.com",
}

// bitcoinAttestationTag marks a Bitcoin block header attestation inside an
// OTS proof (OpenTimestamps format constant).
var bitcoinAttestationTag = []byte{0x05, 0x88, 0x96, 0x0d, 0x73, 0xd7, 0x19, 0x01}

const maxFailedAttempts = 5

// Proof is the persisted state of one anchoring attempt.
type Proof struct {
	BundleID           string `json:"bundle_id"`
	BundleHash         string `json:"bundle_hash"`
	ProofData          string `json:"proof_data"` // base64 OTS binary
	CalendarURL        string `json:"calendar_url"`
	SubmittedAt        string `json:"submitted_at"`
	Status             string `json:"status"`
	UpgradeAttempts    int    `json:"upgrade_attempts"`
	LastError          string `json:"last_error,omitempty"`
	BitcoinBlockHeight int64  `json:"bitcoin_block_height,omitempty"`
	BitcoinAnchoredAt  string `json:"bitcoin_anchored_at,omitempty"`
}

// Client submits evidence hashes to calendars and tracks proofs on disk
// under <dir>/<bundle_id>.ots.json.
type Client struct {
	calendars []string
	dir       string
	http      *http.Client
}

// New creates a client storing proofs under dir.
func New(calendars []string, dir string) (*Client, error) {
	if len(calendars) == 0 {
		calendars = DefaultCalendars
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create ots dir: %w", err)
	}
	return &Client{
		calendars: calendars,
		dir:       dir,
		http:      &http.Client{Timeout: 15 * time.Second},
	}, nil
}

// SubmitHash sends the bundle hash digest to the calendars, first success
// wins. The returned proof is persisted in pending state.
func (c *Client) SubmitHash(ctx context.Context, bundleID, bundleHashHex string) (*Proof, error) {
	digest, err := hex.DecodeString(bundleHashHex)
	if err != nil {
		return nil, fmt.Errorf("decode bundle hash: %w", err)
	}
	if len(digest) != sha256.Size {
		return nil, fmt.Errorf("bundle hash must be SHA-256, got %d bytes", len(digest))
	}

	var lastErr error
	for _, cal := range c.calendars {
		proofBytes, err := c.postDigest(ctx, cal, digest)
		if err != nil {
			lastErr = err
			log.Printf("[ots] calendar %s rejected digest: %v", cal, err)
			continue
		}

		proof := &Proof{
			BundleID:    bundleID,
			BundleHash:  bundleHashHex,
			ProofData:   base64.StdEncoding.EncodeToString(proofBytes),
			CalendarURL: cal,
			SubmittedAt: time.Now().UTC().Format(time.RFC3339),
			Status:      StatusPending,
		}
		if err := c.save(proof); err != nil {
			return nil, err
		}
		log.Printf("[ots] submitted bundle %s to %s", bundleID, cal)
		return proof, nil
	}
	return nil, fmt.Errorf("all calendars failed: %w", lastErr)
}

// UpgradePending re-queries the calendar for every pending proof. Calendars
// aggregate digests into a Bitcoin transaction on their own schedule, so a
// proof typically anchors within hours of submission.
func (c *Client) UpgradePending(ctx context.Context) (upgraded int, err error) {
	proofs, err := c.List()
	if err != nil {
		return 0, err
	}
	for _, p := range proofs {
		if p.Status != StatusPending {
			continue
		}
		if err := c.upgrade(ctx, p); err != nil {
			p.UpgradeAttempts++
			p.LastError = err.Error()
			if p.UpgradeAttempts >= maxFailedAttempts {
				p.Status = StatusFailed
				log.Printf("[ots] proof %s failed after %d upgrade attempts: %v", p.BundleID, p.UpgradeAttempts, err)
			}
			if saveErr := c.save(p); saveErr != nil {
				return upgraded, saveErr
			}
			continue
		}
		if p.Status == StatusAnchored {
			upgraded++
		}
		if err := c.save(p); err != nil {
			return upgraded, err
		}
	}
	return upgraded, nil
}

// Verify checks an anchored proof's attestation structure and promotes it to
// verified. Merkle path verification against a Bitcoin node is out of scope;
// the proof file can be fed to standard OTS tooling for that.
func (c *Client) Verify(bundleID string) (*Proof, error) {
	p, err := c.Load(bundleID)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusAnchored {
		return p, fmt.Errorf("proof %s is %s, not anchored", bundleID, p.Status)
	}
	raw, err := base64.StdEncoding.DecodeString(p.ProofData)
	if err != nil {
		return nil, fmt.Errorf("decode proof data: %w", err)
	}
	height, ok := extractBitcoinAttestation(raw)
	if !ok {
		p.Status = StatusFailed
		p.LastError = "anchored proof lost its bitcoin attestation"
		_ = c.save(p)
		return p, fmt.Errorf("no bitcoin attestation in proof %s", bundleID)
	}
	p.BitcoinBlockHeight = height
	p.Status = StatusVerified
	if err := c.save(p); err != nil {
		return nil, err
	}
	return p, nil
}

func (c *Client) upgrade(ctx context.Context, p *Proof) error {
	url := p.CalendarURL + "/timestamp/" + p.BundleHash
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.opentimestamps.v1")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("query calendar: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// Not aggregated into a block yet. Stay pending without counting
		// this as a failure.
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("calendar returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read proof: %w", err)
	}

	height, ok := extractBitcoinAttestation(body)
	if !ok {
		return nil // upgraded proof still has no bitcoin attestation
	}

	p.ProofData = base64.StdEncoding.EncodeToString(body)
	p.Status = StatusAnchored
	p.BitcoinBlockHeight = height
	p.BitcoinAnchoredAt = time.Now().UTC().Format(time.RFC3339)
	p.LastError = ""
	log.Printf("[ots] bundle %s anchored in bitcoin block %d", p.BundleID, height)
	return nil
}

func (c *Client) postDigest(ctx context.Context, calendar string, digest []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, calendar+"/digest", bytes.NewReader(digest))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/vnd.opentimestamps.v1")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post digest: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("calendar returned %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

// Load reads the proof file for bundleID.
func (c *Client) Load(bundleID string) (*Proof, error) {
	data, err := os.ReadFile(c.proofPath(bundleID))
	if err != nil {
		return nil, fmt.Errorf("read proof: %w", err)
	}
	var p Proof
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode proof %s: %w", bundleID, err)
	}
	return &p, nil
}

// List returns all tracked proofs.
func (c *Client) List() ([]*Proof, error) {
	entries, err := filepath.Glob(filepath.Join(c.dir, "*.ots.json"))
	if err != nil {
		return nil, err
	}
	var out []*Proof
	for _, path := range entries {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var p Proof
		if err := json.Unmarshal(data, &p); err != nil {
			log.Printf("[ots] skipping unreadable proof file %s: %v", path, err)
			continue
		}
		out = append(out, &p)
	}
	return out, nil
}

func (c *Client) save(p *Proof) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal proof: %w", err)
	}
	if err := os.WriteFile(c.proofPath(p.BundleID), data, 0644); err != nil {
		return fmt.Errorf("write proof: %w", err)
	}
	return nil
}

func (c *Client) proofPath(bundleID string) string {
	return filepath.Join(c.dir, bundleID+".ots.json")
}

// extractBitcoinAttestation scans a binary OTS proof for the Bitcoin
// attestation tag and decodes the block height varint that follows the
// attestation's length prefix.
func extractBitcoinAttestation(proof []byte) (int64, bool) {
	idx := bytes.Index(proof, bitcoinAttestationTag)
	if idx < 0 {
		return 0, false
	}
	rest := proof[idx+len(bitcoinAttestationTag):]

	// Attestation payload: varint length, then varint block height.
	_, n := readVarint(rest)
	if n == 0 {
		return 0, false
	}
	height, n2 := readVarint(rest[n:])
	if n2 == 0 {
		return 0, false
	}
	return int64(height), true
}

// readVarint decodes the OTS unsigned varint (little-endian base-128).
func readVarint(b []byte) (uint64, int) {
	var v uint64
	var shift uint
	for i := 0; i < len(b) && i < 10; i++ {
		v |= uint64(b[i]&0x7f) << shift
		if b[i]&0x80 == 0 {
			return v, i + 1
		}
		shift += 7
	}
	return 0, 0
}
