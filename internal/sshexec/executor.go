// Package sshexec runs remediation scripts on Linux targets over SSH.
// It caches connections with LRU eviction, detects the target distro,
// verifies host keys trust-on-first-use, and retries transient failures
// with a linear backoff. Auth failures are never retried.
package sshexec

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// Target describes a Linux machine remediation scripts run on.
type Target struct {
	Hostname       string  `json:"hostname"`
	Port           int     `json:"port"`
	Username       string  `json:"username"`
	Password       *string `json:"password,omitempty"`
	PrivateKey     *string `json:"private_key,omitempty"`      // PEM content
	PrivateKeyPath *string `json:"private_key_path,omitempty"` // path to key file
	SudoPassword   *string `json:"sudo_password,omitempty"`
	Distro         string  `json:"distro,omitempty"` // detected at runtime
	IPAddress      string  `json:"ip_address,omitempty"`
	ConnectTimeout int     `json:"connect_timeout"`
	CommandTimeout int     `json:"command_timeout"`
}

// Result is the outcome of one runbook phase on one target.
type Result struct {
	Success       bool                   `json:"success"`
	RunbookID     string                 `json:"runbook_id"`
	Target        string                 `json:"target"`
	Phase         string                 `json:"phase"`
	Method        string                 `json:"method"`
	Output        map[string]interface{} `json:"output"`
	DurationSecs  float64                `json:"duration_seconds"`
	Error         string                 `json:"error,omitempty"`
	Timestamp     string                 `json:"timestamp"`
	OutputHash    string                 `json:"output_hash"`
	RetryCount    int                    `json:"retry_count"`
	HIPAAControls []string               `json:"hipaa_controls,omitempty"`
	Distro        string                 `json:"distro"`
	ExitCode      int                    `json:"exit_code"`
}

// Map flattens the result into the shape the healing tiers consume.
func (r *Result) Map() map[string]interface{} {
	m := map[string]interface{}{
		"success":          r.Success,
		"method":           r.Method,
		"runbook_id":       r.RunbookID,
		"target":           r.Target,
		"phase":            r.Phase,
		"output":           r.Output,
		"duration_seconds": r.DurationSecs,
		"exit_code":        r.ExitCode,
	}
	if r.Error != "" {
		m["error"] = r.Error
	}
	return m
}

type cachedConn struct {
	client    *ssh.Client
	createdAt time.Time
}

type distroEntry struct {
	distro   string
	cachedAt time.Time
}

const (
	methodTag      = "ssh"
	connMaxAge     = 300 * time.Second
	defaultTimeout = 60 // seconds
	maxCachedConns = 50 // LRU eviction threshold
	distroTTL      = 24 * time.Hour
)

// knownHostsPath is where TOFU-persisted host keys live.
const knownHostsPath = "/var/lib/msp/ssh_known_hosts"

// Executor manages SSH connections and script execution.
type Executor struct {
	conns       map[string]*cachedConn
	connOrder   []string // LRU order, oldest first
	distroCache map[string]*distroEntry
	hostKeys    map[string]ssh.PublicKey
	mu          sync.Mutex
}

// NewExecutor creates an SSH executor and loads persisted host keys.
func NewExecutor() *Executor {
	e := &Executor{
		conns:       make(map[string]*cachedConn),
		distroCache: make(map[string]*distroEntry),
		hostKeys:    make(map[string]ssh.PublicKey),
	}
	e.loadKnownHosts()
	return e
}

// Execute runs a bash script on a Linux target with retries. The context
// bounds the whole attempt sequence including backoff sleeps.
func (e *Executor) Execute(ctx context.Context, target *Target, script, runbookID, phase string, timeout, retries int, retryDelay float64, useSudo bool, hipaaControls []string) *Result {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if retryDelay <= 0 {
		retryDelay = 5.0
	}

	start := time.Now().UTC()
	var lastErr string
	retryCount := 0

	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(retryDelay*float64(attempt)) * time.Second
			log.Printf("[ssh] retry %d/%d for %s after %.0fs", attempt, retries, target.Hostname, delay.Seconds())

			select {
			case <-ctx.Done():
				return e.failResult(target, runbookID, phase, "context cancelled", start, retryCount, hipaaControls)
			case <-time.After(delay):
			}
			retryCount++
		}

		output, exitCode, err := e.executeOnce(ctx, target, script, timeout, useSudo)
		if err != nil {
			lastErr = err.Error()
			log.Printf("[ssh] execution failed on %s: %v", target.Hostname, err)

			e.InvalidateConnection(target.Hostname)
			if isAuthError(err) {
				// Credentials will not get better on retry.
				break
			}
			continue
		}

		return &Result{
			Success:       exitCode == 0,
			RunbookID:     runbookID,
			Target:        target.Hostname,
			Phase:         phase,
			Method:        methodTag,
			Output:        output,
			DurationSecs:  time.Since(start).Seconds(),
			Timestamp:     start.Format(time.RFC3339),
			OutputHash:    hashOutput(output),
			RetryCount:    retryCount,
			HIPAAControls: hipaaControls,
			Distro:        target.Distro,
			ExitCode:      exitCode,
		}
	}

	return e.failResult(target, runbookID, phase, lastErr, start, retryCount, hipaaControls)
}

// executeOnce runs one script attempt. The script travels base64-encoded to
// sidestep shell quoting.
func (e *Executor) executeOnce(ctx context.Context, target *Target, script string, timeout int, useSudo bool) (map[string]interface{}, int, error) {
	client, err := e.getConnection(target)
	if err != nil {
		return nil, -1, fmt.Errorf("get connection: %w", err)
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, -1, fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	encoded := base64.StdEncoding.EncodeToString([]byte(script))

	var cmd string
	switch {
	case useSudo && target.Username != "root" && target.SudoPassword != nil && *target.SudoPassword != "":
		cmd = fmt.Sprintf(`echo '%s' | sudo -S bash -c "$(echo %s | base64 -d)"`, *target.SudoPassword, encoded)
	case useSudo && target.Username != "root":
		cmd = fmt.Sprintf(`sudo bash -c "$(echo %s | base64 -d)"`, encoded)
	default:
		cmd = fmt.Sprintf(`bash -c "$(echo %s | base64 -d)"`, encoded)
	}

	var stdout, stderr strings.Builder
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	select {
	case <-ctx.Done():
		return nil, -1, fmt.Errorf("context cancelled")
	case <-time.After(time.Duration(timeout) * time.Second):
		return nil, -1, fmt.Errorf("execution timed out after %ds", timeout)
	case err := <-done:
		exitCode := 0
		if err != nil {
			exitErr, ok := err.(*ssh.ExitError)
			if !ok {
				return nil, -1, fmt.Errorf("run: %w", err)
			}
			exitCode = exitErr.ExitStatus()
		}
		return buildOutput(stdout.String(), stderr.String(), exitCode), exitCode, nil
	}
}

func buildOutput(stdout, stderr string, exitCode int) map[string]interface{} {
	stdout = strings.TrimSpace(stdout)
	output := map[string]interface{}{
		"stdout":    stdout,
		"stderr":    strings.TrimSpace(stderr),
		"exit_code": exitCode,
		"success":   exitCode == 0,
	}
	if stdout != "" {
		var parsed interface{}
		if json.Unmarshal([]byte(stdout), &parsed) == nil {
			output["parsed"] = parsed
		}
	}
	return output
}

// DetectDistro identifies the target distro, cached for 24h per host.
func (e *Executor) DetectDistro(ctx context.Context, target *Target) (string, error) {
	e.mu.Lock()
	if entry, ok := e.distroCache[target.Hostname]; ok && time.Since(entry.cachedAt) < distroTTL {
		e.mu.Unlock()
		return entry.distro, nil
	}
	e.mu.Unlock()

	script := `if [ -f /etc/os-release ]; then . /etc/os-release; echo "$ID"; elif [ -f /etc/redhat-release ]; then echo "rhel"; elif [ -f /etc/debian_version ]; then echo "debian"; else echo "unknown"; fi`

	output, exitCode, err := e.executeOnce(ctx, target, script, 10, false)
	if err != nil || exitCode != 0 {
		return "unknown", err
	}

	distro := strings.TrimSpace(output["stdout"].(string))
	if distro == "" {
		distro = "unknown"
	}

	e.mu.Lock()
	e.distroCache[target.Hostname] = &distroEntry{distro: distro, cachedAt: time.Now()}
	e.mu.Unlock()

	return distro, nil
}

// getConnection returns a cached connection when still healthy, otherwise
// dials a new one, evicting the oldest cached connection at capacity.
func (e *Executor) getConnection(target *Target) (*ssh.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cached, ok := e.conns[target.Hostname]; ok {
		if time.Since(cached.createdAt) < connMaxAge {
			// Opening a throwaway session doubles as a liveness probe.
			if _, err := cached.client.NewSession(); err == nil {
				e.lruTouch(target.Hostname)
				return cached.client, nil
			}
			log.Printf("[ssh] stale connection to %s, reconnecting", target.Hostname)
		}
		cached.client.Close()
		delete(e.conns, target.Hostname)
		e.lruRemove(target.Hostname)
	}

	config, err := e.buildSSHConfig(target)
	if err != nil {
		return nil, err
	}

	port := target.Port
	if port == 0 {
		port = 22
	}
	connectTimeout := time.Duration(target.ConnectTimeout) * time.Second
	if connectTimeout == 0 {
		connectTimeout = 30 * time.Second
	}

	addr := net.JoinHostPort(target.Hostname, fmt.Sprintf("%d", port))
	conn, err := net.DialTimeout("tcp", addr, connectTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("SSH handshake %s: %w", addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	if len(e.conns) >= maxCachedConns && len(e.connOrder) > 0 {
		evictHost := e.connOrder[0]
		e.connOrder = e.connOrder[1:]
		if old, ok := e.conns[evictHost]; ok {
			old.client.Close()
			delete(e.conns, evictHost)
			log.Printf("[ssh] LRU evicted connection for %s (cache full at %d)", evictHost, maxCachedConns)
		}
	}

	e.conns[target.Hostname] = &cachedConn{client: client, createdAt: time.Now()}
	e.lruTouch(target.Hostname)

	log.Printf("[ssh] new connection to %s:%d as %s", target.Hostname, port, target.Username)
	return client, nil
}

// lruTouch moves a hostname to the back of the LRU order. Caller holds e.mu.
func (e *Executor) lruTouch(hostname string) {
	e.lruRemove(hostname)
	e.connOrder = append(e.connOrder, hostname)
}

// lruRemove drops a hostname from the LRU order. Caller holds e.mu.
func (e *Executor) lruRemove(hostname string) {
	for i, h := range e.connOrder {
		if h == hostname {
			e.connOrder = append(e.connOrder[:i], e.connOrder[i+1:]...)
			return
		}
	}
}

// InvalidateConnection drops a cached connection for a host.
func (e *Executor) InvalidateConnection(hostname string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cached, ok := e.conns[hostname]; ok {
		cached.client.Close()
		delete(e.conns, hostname)
		e.lruRemove(hostname)
	}
	log.Printf("[ssh] invalidated connection for %s", hostname)
}

// ConnectionCount returns the number of cached connections.
func (e *Executor) ConnectionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.conns)
}

// CloseAll closes every cached connection.
func (e *Executor) CloseAll() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for host, cached := range e.conns {
		cached.client.Close()
		delete(e.conns, host)
	}
	e.connOrder = nil
}

func (e *Executor) buildSSHConfig(target *Target) (*ssh.ClientConfig, error) {
	username := target.Username
	if username == "" {
		username = "root"
	}

	config := &ssh.ClientConfig{
		User:            username,
		HostKeyCallback: e.tofuHostKeyCallback,
		Timeout:         30 * time.Second,
	}

	switch {
	case target.PrivateKey != nil && *target.PrivateKey != "":
		signer, err := ssh.ParsePrivateKey([]byte(*target.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		config.Auth = []ssh.AuthMethod{ssh.PublicKeys(signer)}
	case target.PrivateKeyPath != nil && *target.PrivateKeyPath != "":
		keyBytes, err := os.ReadFile(*target.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key %s: %w", *target.PrivateKeyPath, err)
		}
		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("parse private key %s: %w", *target.PrivateKeyPath, err)
		}
		config.Auth = []ssh.AuthMethod{ssh.PublicKeys(signer)}
	case target.Password != nil && *target.Password != "":
		config.Auth = []ssh.AuthMethod{ssh.Password(*target.Password)}
	default:
		return nil, fmt.Errorf("no auth method for %s (need key or password)", target.Hostname)
	}

	return config, nil
}

// tofuHostKeyCallback implements trust on first use: new host keys are
// accepted and persisted, changed keys are rejected as a possible MITM.
func (e *Executor) tofuHostKeyCallback(hostname string, remote net.Addr, key ssh.PublicKey) error {
	host, _, err := net.SplitHostPort(hostname)
	if err != nil {
		host = hostname
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	existing, known := e.hostKeys[host]
	if !known {
		e.hostKeys[host] = key
		log.Printf("[ssh] TOFU: accepted new host key for %s (%s)", host, key.Type())
		e.saveKnownHosts()
		return nil
	}

	if string(existing.Marshal()) == string(key.Marshal()) {
		return nil
	}

	log.Printf("[ssh] SECURITY: host key CHANGED for %s (was %s, now %s)", host, existing.Type(), key.Type())
	return fmt.Errorf("host key mismatch for %s: expected %s, got %s (remove from %s to accept new key)",
		host, ssh.FingerprintSHA256(existing), ssh.FingerprintSHA256(key), knownHostsPath)
}

// loadKnownHosts reads persisted host keys. One line per host:
// "hostname key-type base64-key".
func (e *Executor) loadKnownHosts() {
	f, err := os.Open(knownHostsPath)
	if err != nil {
		return // first run
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	loaded := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, " ", 3)
		if len(parts) != 3 {
			continue
		}
		host := parts[0]
		keyBytes, err := base64.StdEncoding.DecodeString(parts[2])
		if err != nil {
			log.Printf("[ssh] TOFU: bad base64 for %s in known_hosts, skipping", host)
			continue
		}
		pubKey, err := ssh.ParsePublicKey(keyBytes)
		if err != nil {
			log.Printf("[ssh] TOFU: bad key for %s in known_hosts, skipping", host)
			continue
		}
		e.hostKeys[host] = pubKey
		loaded++
	}
	if loaded > 0 {
		log.Printf("[ssh] TOFU: loaded %d known host keys from %s", loaded, knownHostsPath)
	}
}

func (e *Executor) saveKnownHosts() {
	dir := filepath.Dir(knownHostsPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Printf("[ssh] TOFU: cannot create dir %s: %v", dir, err)
		return
	}

	var buf strings.Builder
	buf.WriteString("# SSH known hosts (TOFU, managed by the appliance)\n")
	for host, key := range e.hostKeys {
		buf.WriteString(fmt.Sprintf("%s %s %s\n", host, key.Type(), base64.StdEncoding.EncodeToString(key.Marshal())))
	}

	if err := os.WriteFile(knownHostsPath, []byte(buf.String()), 0o600); err != nil {
		log.Printf("[ssh] TOFU: failed to save known_hosts: %v", err)
	}
}

func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "no supported methods remain")
}

func hashOutput(output map[string]interface{}) string {
	data, _ := json.Marshal(output)
	hash := sha256.Sum256(data)
	return fmt.Sprintf("%x", hash)[:16]
}

func (e *Executor) failResult(target *Target, runbookID, phase, errMsg string, start time.Time, retryCount int, hipaaControls []string) *Result {
	return &Result{
		Success:       false,
		RunbookID:     runbookID,
		Target:        target.Hostname,
		Phase:         phase,
		Method:        methodTag,
		Output:        map[string]interface{}{"success": false, "stdout": "", "stderr": errMsg, "exit_code": -1},
		DurationSecs:  time.Since(start).Seconds(),
		Error:         errMsg,
		Timestamp:     start.Format(time.RFC3339),
		RetryCount:    retryCount,
		HIPAAControls: hipaaControls,
		Distro:        target.Distro,
		ExitCode:      -1,
	}
}
