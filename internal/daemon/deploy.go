package daemon

// deploy.go pushes the Windows compliance agent to AD workstations that do
// not run it yet. Discovery comes from the domain controller, transport is
// WinRM with the domain admin credentials from checkin.

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/osiriscare/compliance-appliance/internal/discovery"
	"github.com/osiriscare/compliance-appliance/internal/winrm"
)

const (
	agentBinaryName  = "osiris-agent.exe"
	agentInstallDir  = `C:\OsirisCare`
	agentServiceName = "OsirisCareAgent"

	autoDeployInterval = time.Hour
	deployB64ChunkSize = 400000 // WinRM command size headroom
)

// autoDeployer tracks which workstations carry the agent and installs it
// where missing.
type autoDeployer struct {
	daemon *Daemon
	win    *winrm.Executor

	mu          sync.Mutex
	deployed    map[string]time.Time // hostname -> last confirmed deploy
	lastEnum    time.Time
	agentB64    string
	agentLoaded bool
}

func newAutoDeployer(d *Daemon) *autoDeployer {
	return &autoDeployer{
		daemon:   d,
		win:      winrm.NewExecutor(),
		deployed: make(map[string]time.Time),
	}
}

// forceNext makes the next cycle enumerate immediately.
func (ad *autoDeployer) forceNext() {
	ad.mu.Lock()
	ad.lastEnum = time.Time{}
	ad.mu.Unlock()
}

func (ad *autoDeployer) runAutoDeployIfNeeded(ctx context.Context) {
	cfg := ad.daemon.config
	if cfg.DCUsername == nil || cfg.DCPassword == nil {
		return
	}

	ad.mu.Lock()
	due := ad.lastEnum.IsZero() || time.Since(ad.lastEnum) >= autoDeployInterval
	if due {
		ad.lastEnum = time.Now()
	}
	ad.mu.Unlock()
	if !due {
		return
	}

	// Checkin may hand out domain admin creds without naming the DC.
	if cfg.DomainController == nil || *cfg.DomainController == "" {
		dom := discovery.NewFinder(nil).Discover(ctx, 30*time.Second)
		if dom == nil || len(dom.DomainControllers) == 0 {
			return
		}
		dc := dom.DomainControllers[0]
		cfg.DomainController = &dc
		log.Printf("[autodeploy] using discovered domain controller %s (domain %s)", dc, dom.Name)
	}

	ad.runOnce(ctx)
}

func (ad *autoDeployer) runOnce(ctx context.Context) {
	cfg := ad.daemon.config
	dc, username, password := *cfg.DomainController, *cfg.DCUsername, *cfg.DCPassword

	enum := discovery.NewADEnumerator(dc, username, password, "", &adScriptExec{
		win:      ad.win,
		username: username,
		password: password,
	})

	_, workstations, err := enum.EnumerateAll(ctx)
	if err != nil {
		log.Printf("[autodeploy] AD enumeration failed: %v", err)
		return
	}
	if len(workstations) == 0 {
		return
	}
	enum.ResolveMissingIPs(ctx, workstations)

	var reachable []discovery.ADComputer
	for i := range workstations {
		if discovery.TestConnectivity(ctx, &workstations[i], 5985) {
			reachable = append(reachable, workstations[i])
		}
	}
	log.Printf("[autodeploy] %d/%d workstations reachable via WinRM", len(reachable), len(workstations))

	deployed, skipped, failed := 0, 0, 0
	for _, ws := range reachable {
		if ws.Hostname == "" {
			continue
		}
		ad.mu.Lock()
		recent := !ad.deployed[ws.Hostname].IsZero() && time.Since(ad.deployed[ws.Hostname]) < 24*time.Hour
		ad.mu.Unlock()
		if recent {
			skipped++
			continue
		}

		target := ad.buildTarget(ws)
		installed, running := ad.agentStatus(ctx, target)
		if installed && running {
			ad.markDeployed(ws.Hostname)
			skipped++
			continue
		}

		if err := ad.deploy(ctx, target, ws.Hostname); err != nil {
			log.Printf("[autodeploy] deploy to %s failed: %v", ws.Hostname, err)
			failed++
			continue
		}
		ad.markDeployed(ws.Hostname)
		deployed++
	}
	log.Printf("[autodeploy] cycle done: deployed=%d skipped=%d failed=%d", deployed, skipped, failed)
}

func (ad *autoDeployer) markDeployed(hostname string) {
	ad.mu.Lock()
	ad.deployed[hostname] = time.Now()
	ad.mu.Unlock()
}

func (ad *autoDeployer) buildTarget(ws discovery.ADComputer) *winrm.Target {
	cfg := ad.daemon.config
	hostname := ws.Hostname
	if ws.IPAddress != nil && *ws.IPAddress != "" {
		hostname = *ws.IPAddress
	} else if ws.FQDN != "" {
		hostname = ws.FQDN
	}
	return &winrm.Target{
		Hostname: hostname,
		Port:     5985,
		Username: *cfg.DCUsername,
		Password: *cfg.DCPassword,
	}
}

func (ad *autoDeployer) agentStatus(ctx context.Context, target *winrm.Target) (installed, running bool) {
	script := fmt.Sprintf(`
$svc = Get-Service -Name "%s" -ErrorAction SilentlyContinue
if ($svc) {
    @{ installed = $true; running = ($svc.Status -eq "Running") } | ConvertTo-Json -Compress
} else {
    @{ installed = $false; running = $false } | ConvertTo-Json -Compress
}
`, agentServiceName)

	res := ad.win.Execute(ctx, target, script, "AGENT-CHECK", "autodeploy", 15, 1, 10.0, nil)
	if !res.Success {
		return false, false
	}
	stdout, _ := res.Output["std_out"].(string)
	var status struct {
		Installed bool `json:"installed"`
		Running   bool `json:"running"`
	}
	if err := json.Unmarshal([]byte(stdout), &status); err != nil {
		return false, false
	}
	return status.Installed, status.Running
}

// loadAgentBinary reads and base64-encodes the agent binary once.
func (ad *autoDeployer) loadAgentBinary() (string, error) {
	ad.mu.Lock()
	defer ad.mu.Unlock()
	if ad.agentLoaded {
		return ad.agentB64, nil
	}

	path := filepath.Join(ad.daemon.config.AgentDir(), agentBinaryName)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("agent binary: %w", err)
	}
	log.Printf("[autodeploy] loaded agent binary from %s (%d bytes)", path, len(data))
	ad.agentB64 = base64.StdEncoding.EncodeToString(data)
	ad.agentLoaded = true
	return ad.agentB64, nil
}

// deploy pushes the agent in five steps: mkdir, chunked binary transfer,
// config, service install, verify.
func (ad *autoDeployer) deploy(ctx context.Context, target *winrm.Target, hostname string) error {
	agentB64, err := ad.loadAgentBinary()
	if err != nil {
		return err
	}

	run := func(label, script string, timeout int) error {
		res := ad.win.Execute(ctx, target, script, label, "autodeploy", timeout, 1, 10.0, nil)
		if !res.Success {
			return fmt.Errorf("%s: %s", label, res.Error)
		}
		return nil
	}

	if err := run("AGENT-DEPLOY-MKDIR",
		fmt.Sprintf(`New-Item -ItemType Directory -Force -Path "%s" | Out-Null; "OK"`, agentInstallDir), 30); err != nil {
		return err
	}

	tempB64 := agentInstallDir + `\agent.b64`
	run("AGENT-DEPLOY-CLEAN",
		fmt.Sprintf(`Remove-Item -Path "%s" -Force -ErrorAction SilentlyContinue; "OK"`, tempB64), 10)

	for i := 0; i < len(agentB64); i += deployB64ChunkSize {
		end := i + deployB64ChunkSize
		if end > len(agentB64) {
			end = len(agentB64)
		}
		script := fmt.Sprintf(`Add-Content -Path "%s" -Value "%s" -NoNewline`, tempB64, agentB64[i:end])
		if err := run("AGENT-DEPLOY-CHUNK", script, 60); err != nil {
			return err
		}
	}

	decode := fmt.Sprintf(`
$b64 = Get-Content -Path "%s" -Raw
[IO.File]::WriteAllBytes("%s\%s", [Convert]::FromBase64String($b64))
Remove-Item -Path "%s" -Force
"OK"
`, tempB64, agentInstallDir, agentBinaryName, tempB64)
	if err := run("AGENT-DEPLOY-DECODE", decode, 120); err != nil {
		return err
	}

	configJSON := fmt.Sprintf(`{"appliance_addr": %q, "check_interval": 300}`, ad.daemon.grpcAddr())
	writeConfig := fmt.Sprintf(`
Set-Content -Path "%s\config.json" -Value @'
%s
'@ -Encoding UTF8
"OK"
`, agentInstallDir, configJSON)
	if err := run("AGENT-DEPLOY-CONFIG", writeConfig, 30); err != nil {
		return err
	}

	install := fmt.Sprintf(`
$ErrorActionPreference = 'Stop'
$name = "%s"
$exe = "%s\%s"
$existing = Get-Service -Name $name -ErrorAction SilentlyContinue
if ($existing) {
    Stop-Service -Name $name -Force -ErrorAction SilentlyContinue
    Start-Sleep -Seconds 2
    sc.exe delete $name | Out-Null
    Start-Sleep -Seconds 2
}
New-Service -Name $name -BinaryPathName "$exe --config \"%s\config.json\"" -DisplayName "OsirisCare Compliance Agent" -StartupType Automatic -ErrorAction Stop
Start-Service -Name $name -ErrorAction Stop
sc.exe failure $name reset= 86400 actions= restart/60000/restart/60000/restart/60000 | Out-Null
Start-Sleep -Seconds 3
$svc = Get-Service -Name $name
if ($svc.Status -ne "Running") { throw "service status $($svc.Status)" }
"SUCCESS"
`, agentServiceName, agentInstallDir, agentBinaryName, agentInstallDir)
	if err := run("AGENT-DEPLOY-SVC", install, 90); err != nil {
		return err
	}

	installed, running := ad.agentStatus(ctx, target)
	if !installed || !running {
		return fmt.Errorf("verification failed: installed=%v running=%v", installed, running)
	}
	log.Printf("[autodeploy] agent deployed to %s", hostname)
	return nil
}

// grpcAddr is the address agents use to reach this appliance.
func (d *Daemon) grpcAddr() string {
	ips := getIPAddresses()
	host := "127.0.0.1"
	if len(ips) > 0 {
		host = ips[0]
	}
	return fmt.Sprintf("%s:%d", host, d.config.GRPCPort)
}

// adScriptExec adapts the WinRM executor to discovery.ScriptExecutor.
type adScriptExec struct {
	win      *winrm.Executor
	username string
	password string
}

func (e *adScriptExec) RunScript(ctx context.Context, hostname, script, username, password string, timeout int) (string, error) {
	if username == "" {
		username = e.username
	}
	if password == "" {
		password = e.password
	}
	target := &winrm.Target{
		Hostname: hostname,
		Port:     5985,
		Username: username,
		Password: password,
	}
	res := e.win.Execute(ctx, target, script, "AD-ENUM", "discovery", timeout, 1, float64(timeout), nil)
	if !res.Success {
		return "", fmt.Errorf("%s", res.Error)
	}
	stdout, _ := res.Output["std_out"].(string)
	return stdout, nil
}
