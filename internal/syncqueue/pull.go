package syncqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
)

const promotedRulesCursor = "promoted_rules_since"

// syncedRulesFile lands in the rules directory where the L1 engine picks
// up *.json bundles on its next reload.
const syncedRulesFile = "synced_rules.json"

// promotedRulesResponse is the control plane's pull payload. The rules and
// signature are written through to disk untouched so the L1 engine can
// verify the server signature itself.
type promotedRulesResponse struct {
	Rules           []json.RawMessage `json:"rules"`
	Signature       string            `json:"signature,omitempty"`
	ServerPublicKey string            `json:"server_public_key,omitempty"`
	SyncedAt        string            `json:"synced_at,omitempty"`
}

// PullPromotedRules fetches centrally approved rules newer than the last
// successful pull, deploys them into rulesDir, and triggers an L1 reload.
// Returns the number of rules deployed (0 when nothing changed).
func (c *Client) PullPromotedRules(ctx context.Context, rulesDir string) (int, error) {
	since, err := c.syncStateGet(promotedRulesCursor)
	if err != nil {
		return 0, fmt.Errorf("read pull cursor: %w", err)
	}

	q := url.Values{"site_id": {c.cfg.SiteID}}
	if since != "" {
		q.Set("since", since)
	}
	reqURL := c.cfg.BaseURL + "/api/agent/sync/promoted-rules?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return 0, fmt.Errorf("build pull request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("X-Site-ID", c.cfg.SiteID)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("pull promoted rules: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return 0, nil
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("pull returned %d: %s", resp.StatusCode, string(respBody))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return 0, fmt.Errorf("read pull response: %w", err)
	}

	var parsed promotedRulesResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return 0, fmt.Errorf("decode pull response: %w", err)
	}
	if len(parsed.Rules) == 0 {
		// The cursor still advances so an empty catalog is not refetched.
		if parsed.SyncedAt != "" {
			if err := c.syncStateSet(promotedRulesCursor, parsed.SyncedAt); err != nil {
				return 0, err
			}
		}
		return 0, nil
	}

	if err := writeFileAtomic(filepath.Join(rulesDir, syncedRulesFile), body); err != nil {
		return 0, fmt.Errorf("deploy synced rules: %w", err)
	}

	cursor := parsed.SyncedAt
	if cursor == "" {
		cursor = nowUTC()
	}
	if err := c.syncStateSet(promotedRulesCursor, cursor); err != nil {
		return len(parsed.Rules), err
	}

	if c.reload != nil {
		c.reload()
	}
	return len(parsed.Rules), nil
}

func (c *Client) syncStateGet(key string) (string, error) {
	var value string
	err := c.db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

func (c *Client) syncStateSet(key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.db.Exec(`INSERT INTO sync_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("write sync state %s: %w", key, err)
	}
	return nil
}

// writeFileAtomic avoids the L1 reloader reading a half-written bundle.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
