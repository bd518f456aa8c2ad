package daemon

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// agentVersionCache serves the deployed Windows agent's version and digest
// so running agents can self-update. The hash is recomputed only when the
// binary's mtime changes.
type agentVersionCache struct {
	mu       sync.Mutex
	agentDir string
	info     *AgentVersionInfo
	mtime    int64
}

// AgentVersionInfo describes the agent binary available for download.
type AgentVersionInfo struct {
	Version     string `json:"version"`
	SHA256      string `json:"sha256"`
	SizeBytes   int64  `json:"size_bytes"`
	DownloadURL string `json:"download_url"`
}

func newAgentVersionCache(agentDir string) *agentVersionCache {
	return &agentVersionCache{agentDir: agentDir}
}

func (c *agentVersionCache) get() (*AgentVersionInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	path := filepath.Join(c.agentDir, agentBinaryName)
	st, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("agent binary: %w", err)
	}
	if c.info != nil && st.ModTime().Unix() == c.mtime {
		return c.info, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return nil, err
	}

	c.info = &AgentVersionInfo{
		Version:     readVersionFile(c.agentDir),
		SHA256:      hex.EncodeToString(h.Sum(nil)),
		SizeBytes:   size,
		DownloadURL: "/agent/" + agentBinaryName,
	}
	c.mtime = st.ModTime().Unix()
	return c.info, nil
}

// readVersionFile reads agent.version next to the binary, if present.
func readVersionFile(agentDir string) string {
	data, err := os.ReadFile(filepath.Join(agentDir, "agent.version"))
	if err != nil {
		return "unknown"
	}
	return strings.TrimSpace(string(data))
}

func (d *Daemon) handleAgentVersion(cache *agentVersionCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, err := cache.get()
		if err != nil {
			http.Error(w, "no agent binary available", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(info)
	}
}
