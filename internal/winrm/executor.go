// Package winrm runs remediation scripts on Windows targets over WinRM.
// It caches sessions, works around the cmd.exe 8191 character limit by
// chunking long scripts into a temp file, authenticates with NTLM, and
// retries transient failures with a linear backoff.
package winrm

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	gowinrm "github.com/masterzen/winrm"
)

// Target describes a Windows machine remediation scripts run on.
type Target struct {
	Hostname  string `json:"hostname"`
	Port      int    `json:"port"`
	Username  string `json:"username"` // DOMAIN\user
	Password  string `json:"password"`
	UseSSL    bool   `json:"use_ssl"`
	VerifySSL bool   `json:"verify_ssl"`
	IPAddress string `json:"ip_address,omitempty"`
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

type cachedSession struct {
	client    *gowinrm.Client
	createdAt time.Time
}

const (
	methodTag         = "winrm"
	sessionMaxAge     = 300 * time.Second
	inlineScriptLimit = 2000 // chars before switching to temp file mode
	chunkSize         = 6000 // base64 chunk size safe for cmd.exe echo
	defaultTimeout    = 300  // seconds
)

// Executor manages WinRM sessions and script execution.
type Executor struct {
	sessions map[string]*cachedSession
	mu       sync.Mutex
}

// NewExecutor creates a WinRM executor.
func NewExecutor() *Executor {
	return &Executor{sessions: make(map[string]*cachedSession)}
}

// Execute runs a PowerShell script on a Windows target with retries. The
// context bounds the whole attempt sequence including backoff sleeps.
func (e *Executor) Execute(ctx context.Context, target *Target, script, runbookID, phase string, timeout, retries int, retryDelay float64, hipaaControls []string) *Result {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if retryDelay <= 0 {
		retryDelay = 30.0
	}

	start := time.Now().UTC()
	var lastErr string
	retryCount := 0

	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(retryDelay*float64(attempt)) * time.Second
			log.Printf("[winrm] retry %d/%d for %s after %.0fs", attempt, retries, target.Hostname, delay.Seconds())

			select {
			case <-ctx.Done():
				return e.failResult(target, runbookID, phase, "context cancelled", start, retryCount, hipaaControls)
			case <-time.After(delay):
			}
			retryCount++
		}

		output, exitCode, err := e.executeOnce(ctx, target, script, timeout)
		if err != nil {
			lastErr = err.Error()
			log.Printf("[winrm] execution failed on %s: %v", target.Hostname, err)
			e.InvalidateSession(target.Hostname)
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
			ExitCode:      exitCode,
		}
	}

	return e.failResult(target, runbookID, phase, lastErr, start, retryCount, hipaaControls)
}

// executeOnce runs one attempt, choosing inline or temp file mode by length.
func (e *Executor) executeOnce(ctx context.Context, target *Target, script string, timeout int) (map[string]interface{}, int, error) {
	client, err := e.getSession(target)
	if err != nil {
		return nil, -1, fmt.Errorf("get session: %w", err)
	}

	var stdout, stderr string
	var exitCode int
	if len(script) > inlineScriptLimit {
		stdout, stderr, exitCode, err = e.executeViaTempFile(ctx, client, script, timeout)
	} else {
		stdout, stderr, exitCode, err = e.executeInline(ctx, client, script, timeout)
	}
	if err != nil {
		return nil, -1, err
	}

	output := map[string]interface{}{
		"status_code": exitCode,
		"std_out":     stdout,
		"std_err":     stderr,
		"success":     exitCode == 0,
	}
	if stdout != "" {
		var parsed interface{}
		if json.Unmarshal([]byte(stdout), &parsed) == nil {
			output["parsed"] = parsed
		}
	}
	return output, exitCode, nil
}

// executeInline runs a short script via PowerShell's -EncodedCommand.
func (e *Executor) executeInline(ctx context.Context, client *gowinrm.Client, script string, timeout int) (string, string, int, error) {
	shell, err := client.CreateShell()
	if err != nil {
		return "", "", -1, fmt.Errorf("create shell: %w", err)
	}
	defer shell.Close()

	cmd, err := shell.Execute("powershell.exe", "-NoProfile", "-NonInteractive", "-EncodedCommand", encodePowerShell(script))
	if err != nil {
		return "", "", -1, fmt.Errorf("execute: %w", err)
	}
	defer cmd.Close()

	return waitCommand(ctx, cmd, timeout)
}

// executeViaTempFile sidesteps the cmd.exe 8191 character limit: the script
// travels as chunked base64 echo commands into a temp file, gets decoded to
// a .ps1, runs, and both temp files are removed.
func (e *Executor) executeViaTempFile(ctx context.Context, client *gowinrm.Client, script string, timeout int) (string, string, int, error) {
	scriptHash := fmt.Sprintf("%x", sha256.Sum256([]byte(script)))[:8]
	tempB64 := fmt.Sprintf(`C:\Windows\Temp\msp_%s.b64`, scriptHash)
	tempPS1 := fmt.Sprintf(`C:\Windows\Temp\msp_%s.ps1`, scriptHash)

	chunks := splitString(base64.StdEncoding.EncodeToString([]byte(script)), chunkSize)

	shell, err := client.CreateShell()
	if err != nil {
		return "", "", -1, fmt.Errorf("create shell: %w", err)
	}
	defer shell.Close()

	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return "", "", -1, fmt.Errorf("context cancelled writing chunk %d", i)
		}
		op := ">"
		if i > 0 {
			op = ">>"
		}
		cmd, err := shell.Execute("cmd.exe", "/c", fmt.Sprintf(`echo %s%s"%s"`, chunk, op, tempB64))
		if err != nil {
			return "", "", -1, fmt.Errorf("write chunk %d: %w", i, err)
		}
		cmd.Wait()
		code := cmd.ExitCode()
		cmd.Close()
		if code != 0 {
			return "", "", -1, fmt.Errorf("write chunk %d failed: exit %d", i, code)
		}
	}

	decodeAndRun := fmt.Sprintf(
		`$r=(Get-Content '%s' -Raw) -replace '\s',''; `+
			`$b=[Convert]::FromBase64String($r); `+
			`[IO.File]::WriteAllText('%s',[Text.Encoding]::UTF8.GetString($b)); `+
			`Remove-Item '%s' -Force -EA SilentlyContinue; `+
			`try { & '%s' } finally { Remove-Item '%s' -Force -EA SilentlyContinue }`,
		tempB64, tempPS1, tempB64, tempPS1, tempPS1,
	)

	cmd, err := shell.Execute("powershell.exe", "-NoProfile", "-NonInteractive", "-EncodedCommand", encodePowerShell(decodeAndRun))
	if err != nil {
		return "", "", -1, fmt.Errorf("execute temp file: %w", err)
	}
	defer cmd.Close()

	return waitCommand(ctx, cmd, timeout)
}

// waitCommand drains a running command's output, bounded by the context and
// the per-script timeout.
func waitCommand(ctx context.Context, cmd *gowinrm.Command, timeout int) (string, string, int, error) {
	var stdoutBuf, stderrBuf bytes.Buffer
	go io.Copy(&stdoutBuf, cmd.Stdout)
	go io.Copy(&stderrBuf, cmd.Stderr)

	done := make(chan struct{})
	go func() {
		cmd.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return "", "", -1, fmt.Errorf("context cancelled")
	case <-time.After(time.Duration(timeout) * time.Second):
		return "", "", -1, fmt.Errorf("execution timed out after %ds", timeout)
	case <-done:
	}

	return strings.TrimSpace(stdoutBuf.String()), strings.TrimSpace(stderrBuf.String()), cmd.ExitCode(), nil
}

// getSession returns a cached or new WinRM session for a target.
func (e *Executor) getSession(target *Target) (*gowinrm.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cached, ok := e.sessions[target.Hostname]; ok {
		if time.Since(cached.createdAt) < sessionMaxAge {
			return cached.client, nil
		}
		log.Printf("[winrm] session expired for %s, refreshing", target.Hostname)
	}

	port := target.Port
	if port == 0 {
		if target.UseSSL {
			port = 5986
		} else {
			port = 5985
		}
	}

	endpoint := gowinrm.NewEndpoint(target.Hostname, port, target.UseSSL, !target.VerifySSL, nil, nil, nil, 120*time.Second)

	// NTLM: domain environments rarely enable Basic auth.
	params := gowinrm.NewParameters("PT120S", "en-US", 153600)
	params.TransportDecorator = func() gowinrm.Transporter { return &gowinrm.ClientNTLM{} }

	client, err := gowinrm.NewClientWithParameters(endpoint, target.Username, target.Password, params)
	if err != nil {
		return nil, fmt.Errorf("create WinRM client for %s: %w", target.Hostname, err)
	}

	e.sessions[target.Hostname] = &cachedSession{client: client, createdAt: time.Now()}
	log.Printf("[winrm] new session for %s:%d (ssl=%v)", target.Hostname, port, target.UseSSL)
	return client, nil
}

// InvalidateSession drops a cached session for a host.
func (e *Executor) InvalidateSession(hostname string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.sessions, hostname)
	log.Printf("[winrm] invalidated session for %s", hostname)
}

// SessionCount returns the number of cached sessions.
func (e *Executor) SessionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// encodePowerShell encodes a script for -EncodedCommand (UTF-16LE base64).
func encodePowerShell(script string) string {
	utf16 := make([]byte, len(script)*2)
	for i, c := range []byte(script) {
		utf16[i*2] = c
		utf16[i*2+1] = 0
	}
	return base64.StdEncoding.EncodeToString(utf16)
}

func splitString(s string, size int) []string {
	var chunks []string
	for len(s) > 0 {
		end := size
		if end > len(s) {
			end = len(s)
		}
		chunks = append(chunks, s[:end])
		s = s[end:]
	}
	return chunks
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
		Output:        map[string]interface{}{"success": false, "std_out": "", "std_err": errMsg},
		DurationSecs:  time.Since(start).Seconds(),
		Error:         errMsg,
		Timestamp:     start.Format(time.RFC3339),
		RetryCount:    retryCount,
		HIPAAControls: hipaaControls,
		ExitCode:      -1,
	}
}
