// Package syncqueue is the durable outbound path to the control plane.
// Every submission is attempted online first; failures land in a SQLite
// queue that a periodic drain replays with exponential backoff until the
// item succeeds or permanently fails after ten retries.
package syncqueue

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Outbound operations.
const (
	OpPatternSync     = "pattern_sync"
	OpExecutionReport = "execution_report"
	OpEvidenceSubmit  = "evidence_submit"
)

const (
	defaultDrainBatch = 10
	defaultMaxRetries = 10
	maxBackoffMinutes = 60
)

// permanentPrefix marks terminally failed items; operators re-inject by hand.
const permanentPrefix = "PERMANENTLY_FAILED: "

// Config for the sync client.
type Config struct {
	SiteID  string
	BaseURL string
	APIKey  string
	DBPath  string

	DrainBatch int
	MaxRetries int
}

// Item is one queued submission.
type Item struct {
	ID          int64  `json:"id"`
	Operation   string `json:"operation"`
	Payload     string `json:"payload"`
	CreatedAt   string `json:"created_at"`
	RetryCount  int    `json:"retry_count"`
	NextRetryAt string `json:"next_retry_at,omitempty"`
	LastError   string `json:"last_error,omitempty"`
	CompletedAt string `json:"completed_at,omitempty"`
}

// Client submits to the control plane with a durable fallback queue.
type Client struct {
	cfg  Config
	db   *sql.DB
	http *http.Client
	mu   sync.Mutex // single queue writer

	reload func() // L1 reload after a promoted-rules deploy
}

// Open opens (and migrates) the queue database.
func Open(cfg Config) (*Client, error) {
	if cfg.DrainBatch <= 0 {
		cfg.DrainBatch = defaultDrainBatch
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	db, err := sql.Open("sqlite", cfg.DBPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS outbound_queue (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			operation     TEXT NOT NULL,
			payload       TEXT NOT NULL,
			created_at    TEXT NOT NULL,
			retry_count   INTEGER NOT NULL DEFAULT 0,
			next_retry_at TEXT,
			last_error    TEXT,
			completed_at  TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_queue_ready
			ON outbound_queue(completed_at, next_retry_at, created_at);
		CREATE TABLE IF NOT EXISTS sync_state (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate queue db: %w", err)
	}

	return &Client{
		cfg:  cfg,
		db:   db,
		http: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// SetReloadFunc installs the L1 reload hook for the promoted-rules pull.
func (c *Client) SetReloadFunc(fn func()) { c.reload = fn }

// Close closes the queue database.
func (c *Client) Close() error { return c.db.Close() }

// Submit tries the control plane directly and enqueues on any failure.
func (c *Client) Submit(ctx context.Context, operation string, payload map[string]interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	if err := c.send(ctx, operation, body); err != nil {
		log.Printf("[sync] %s failed, queueing: %v", operation, err)
		return c.enqueue(operation, string(body))
	}
	return nil
}

// ReportExecution submits per-heal telemetry, fire and forget.
func (c *Client) ReportExecution(payload map[string]interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.Submit(ctx, OpExecutionReport, payload); err != nil {
		log.Printf("[sync] execution report: %v", err)
	}
}

// SubmitEvidence submits one evidence bundle payload.
func (c *Client) SubmitEvidence(ctx context.Context, payload map[string]interface{}) error {
	return c.Submit(ctx, OpEvidenceSubmit, payload)
}

// SyncPatternStats pushes the pattern stats batch.
func (c *Client) SyncPatternStats(ctx context.Context, stats []map[string]interface{}) error {
	return c.Submit(ctx, OpPatternSync, map[string]interface{}{
		"site_id":  c.cfg.SiteID,
		"patterns": stats,
	})
}

func (c *Client) enqueue(operation, payload string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.db.Exec(`INSERT INTO outbound_queue (operation, payload, created_at) VALUES (?, ?, ?)`,
		operation, payload, nowUTC())
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", operation, err)
	}
	return nil
}

// Drain replays up to DrainBatch oldest ready items in order. Returns how
// many were sent and how many failed this pass.
func (c *Client) Drain(ctx context.Context) (sent, failed int) {
	now := nowUTC()
	rows, err := c.db.Query(`SELECT id, operation, payload, retry_count FROM outbound_queue
		WHERE completed_at IS NULL AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY created_at ASC, id ASC LIMIT ?`, now, c.cfg.DrainBatch)
	if err != nil {
		log.Printf("[sync] drain query: %v", err)
		return 0, 0
	}

	type pending struct {
		id         int64
		operation  string
		payload    string
		retryCount int
	}
	var items []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.operation, &p.payload, &p.retryCount); err != nil {
			rows.Close()
			log.Printf("[sync] drain scan: %v", err)
			return 0, 0
		}
		items = append(items, p)
	}
	rows.Close()

	for _, p := range items {
		if ctx.Err() != nil {
			break
		}
		if err := c.send(ctx, p.operation, []byte(p.payload)); err != nil {
			c.recordFailure(p.id, p.retryCount, err)
			failed++
			continue
		}
		c.markCompleted(p.id, "")
		sent++
	}

	if sent > 0 || failed > 0 {
		log.Printf("[sync] drained: %d sent, %d failed", sent, failed)
	}
	return sent, failed
}

func (c *Client) recordFailure(id int64, retryCount int, sendErr error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	newCount := retryCount + 1
	if newCount >= c.cfg.MaxRetries {
		_, err := c.db.Exec(`UPDATE outbound_queue SET retry_count = ?, last_error = ?, completed_at = ? WHERE id = ?`,
			newCount, permanentPrefix+sendErr.Error(), nowUTC(), id)
		if err != nil {
			log.Printf("[sync] mark permanent failure: %v", err)
		} else {
			log.Printf("[sync] item %d permanently failed after %d retries", id, newCount)
		}
		return
	}

	next := time.Now().UTC().Add(time.Duration(backoffMinutes(newCount)) * time.Minute)
	_, err := c.db.Exec(`UPDATE outbound_queue SET retry_count = ?, last_error = ?, next_retry_at = ? WHERE id = ?`,
		newCount, sendErr.Error(), next.Format(time.RFC3339), id)
	if err != nil {
		log.Printf("[sync] record retry: %v", err)
	}
}

func (c *Client) markCompleted(id int64, lastError string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.db.Exec(`UPDATE outbound_queue SET completed_at = ?, last_error = NULLIF(?, '') WHERE id = ?`,
		nowUTC(), lastError, id)
	if err != nil {
		log.Printf("[sync] mark completed: %v", err)
	}
}

// backoffMinutes is min(2^k, 60).
func backoffMinutes(k int) int {
	if k >= 6 {
		return maxBackoffMinutes
	}
	m := 1 << k
	if m > maxBackoffMinutes {
		return maxBackoffMinutes
	}
	return m
}

// PendingCount returns the number of items awaiting replay.
func (c *Client) PendingCount() (int, error) {
	var n int
	err := c.db.QueryRow(`SELECT COUNT(*) FROM outbound_queue WHERE completed_at IS NULL`).Scan(&n)
	return n, err
}

// PermanentFailures lists terminally failed items for operator review.
func (c *Client) PermanentFailures() ([]*Item, error) {
	rows, err := c.db.Query(`SELECT id, operation, payload, created_at, retry_count,
		COALESCE(next_retry_at, ''), COALESCE(last_error, ''), COALESCE(completed_at, '')
		FROM outbound_queue WHERE last_error LIKE ? ORDER BY id ASC`, permanentPrefix+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Item
	for rows.Next() {
		it := &Item{}
		if err := rows.Scan(&it.ID, &it.Operation, &it.Payload, &it.CreatedAt,
			&it.RetryCount, &it.NextRetryAt, &it.LastError, &it.CompletedAt); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// send routes one operation to its control plane endpoint.
func (c *Client) send(ctx context.Context, operation string, body []byte) error {
	var url string
	switch operation {
	case OpPatternSync:
		url = c.cfg.BaseURL + "/api/agent/sync/pattern-stats"
	case OpExecutionReport:
		url = c.cfg.BaseURL + "/api/agent/executions"
	case OpEvidenceSubmit:
		url = c.cfg.BaseURL + "/api/evidence/sites/" + c.cfg.SiteID + "/submit"
	default:
		return fmt.Errorf("unknown operation %q", operation)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("X-Site-ID", c.cfg.SiteID)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned %d: %s", operation, resp.StatusCode, string(respBody))
	}
	return nil
}

func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339)
}
