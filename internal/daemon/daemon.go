// Package daemon is the appliance orchestrator. It owns the checkin loop,
// the drift scanners, the three-tier healer, the evidence pipeline, the
// learning flywheel, and every listening surface (gRPC agents, HTTP
// sensors, metrics, agent file server).
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/osiriscare/compliance-appliance/internal/autoheal"
	"github.com/osiriscare/compliance-appliance/internal/ca"
	"github.com/osiriscare/compliance-appliance/internal/crypto"
	"github.com/osiriscare/compliance-appliance/internal/escalation"
	"github.com/osiriscare/compliance-appliance/internal/evidence"
	"github.com/osiriscare/compliance-appliance/internal/executor"
	"github.com/osiriscare/compliance-appliance/internal/grpcserver"
	"github.com/osiriscare/compliance-appliance/internal/healing"
	"github.com/osiriscare/compliance-appliance/internal/l2planner"
	"github.com/osiriscare/compliance-appliance/internal/learning"
	"github.com/osiriscare/compliance-appliance/internal/metrics"
	"github.com/osiriscare/compliance-appliance/internal/ntpcheck"
	"github.com/osiriscare/compliance-appliance/internal/orders"
	"github.com/osiriscare/compliance-appliance/internal/ots"
	"github.com/osiriscare/compliance-appliance/internal/sdnotify"
	"github.com/osiriscare/compliance-appliance/internal/sensors"
	"github.com/osiriscare/compliance-appliance/internal/sshexec"
	"github.com/osiriscare/compliance-appliance/internal/store"
	"github.com/osiriscare/compliance-appliance/internal/syncqueue"
	"github.com/osiriscare/compliance-appliance/internal/winrm"
)

// Version is stamped into checkins and the agent version endpoint.
const Version = "2.0.0"

const (
	maintenanceInterval = time.Hour
	patternSyncInterval = 4 * time.Hour
	watchdogInterval    = 30 * time.Second
	shutdownGrace       = 30 * time.Second
	agentFileServerPort = 8090
)

// Daemon wires the subsystems together and runs the main loop.
type Daemon struct {
	config  *Config
	version string

	phoneHome *PhoneHomeClient
	db        *store.Store
	queue     *syncqueue.Client
	signer    *crypto.Signer
	engine    *healing.Engine
	exec      *executor.Executor
	healer    *autoheal.Healer
	learner   *learning.System
	generator *evidence.Generator
	ntp       *ntpcheck.Verifier
	ots       *ots.Client // nil when disabled
	metrics   *metrics.Metrics
	sensorReg *sensors.Registry
	sensorSrv *sensors.Server
	agentReg  *grpcserver.AgentRegistry
	grpcSrv   *grpcserver.Server
	agentCA   *ca.AgentCA
	orders    *orders.Processor
	scanner   *driftScanner
	netscan   *netScanner
	deployer  *autoDeployer // nil unless auto_deploy_agents

	stateMu            sync.RWMutex
	applianceID        string
	serverPublicKey    string
	l2Mode             string
	subscriptionStatus string
	linuxTargets       []*sshexec.Target

	pendingMu      sync.Mutex
	pendingResults []evidence.CheckResult

	wg sync.WaitGroup
}

// New builds a daemon from config. Subsystems that can degrade (signing,
// OTS, the LLM planner) log and continue; hard dependencies (the incident
// store, the sync queue) fail construction.
func New(cfg *Config, version string) (*Daemon, error) {
	if version == "" {
		version = Version
	}
	d := &Daemon{config: cfg, version: version}

	d.phoneHome = NewPhoneHomeClient(cfg)

	db, err := store.Open(cfg.IncidentDBPath())
	if err != nil {
		return nil, fmt.Errorf("open incident store: %w", err)
	}
	d.db = db

	queue, err := syncqueue.Open(syncqueue.Config{
		SiteID:  cfg.SiteID,
		BaseURL: strings.TrimRight(cfg.APIEndpoint, "/"),
		APIKey:  cfg.APIKey,
		DBPath:  cfg.QueueDBPath(),
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open sync queue: %w", err)
	}
	d.queue = queue

	if signer, err := crypto.NewSigner(cfg.SigningKeyPath()); err != nil {
		log.Printf("[daemon] WARNING: signing disabled: %v", err)
	} else {
		d.signer = signer
	}

	d.agentCA = ca.New(cfg.CADir)
	if err := d.agentCA.EnsureCA(); err != nil {
		log.Printf("[daemon] WARNING: agent CA unavailable: %v", err)
	}

	d.agentReg = grpcserver.NewAgentRegistry()
	d.grpcSrv = grpcserver.NewServer(grpcserver.Config{
		Port:   cfg.GRPCPort,
		SiteID: cfg.SiteID,
	}, d.agentReg, d.agentCA)

	d.exec = executor.New(executor.Config{
		SiteID:       cfg.SiteID,
		SelfHostname: getHostname(),
		DryRun:       cfg.HealingDryRun,
	}, d.agentReg)

	d.engine = healing.NewEngine(cfg.RulesDir(), d.exec.ActionExecutor(context.Background()))
	d.engine.LoadRules()

	var planner autoheal.Planner
	if p := d.buildPlanner(); p != nil {
		planner = &plannerGate{d: d, p: p}
	}

	escalator := escalation.NewHandler(escalation.Config{
		ControlPlaneURL:     strings.TrimRight(cfg.APIEndpoint, "/"),
		ControlPlaneAPIKey:  cfg.APIKey,
		ControlPlaneEnabled: true,
		SlackWebhookURL:     cfg.SlackWebhookURL,
		PagerDutyKey:        cfg.PagerDutyKey,
		EmailTo:             cfg.EmailTo,
	}, db)

	d.healer = autoheal.New(autoheal.DefaultConfig(cfg.SiteID), db, d.engine, planner, escalator,
		d.exec.ActionExecutor(context.Background()))
	d.healer.SetTelemetry(func(payload map[string]interface{}) {
		d.queue.ReportExecution(payload)
	})

	gen, err := evidence.NewGenerator(evidence.Config{
		SiteID:            cfg.SiteID,
		EvidenceDir:       cfg.EvidenceDir(),
		ChainDBPath:       cfg.ChainDBPath(),
		HeartbeatInterval: time.Duration(cfg.EvidenceHeartbeatSecs) * time.Second,
	}, d.signer)
	if err != nil {
		queue.Close()
		db.Close()
		return nil, fmt.Errorf("open evidence generator: %w", err)
	}
	d.generator = gen

	d.ntp = ntpcheck.New(cfg.NTPServers, 0, 0, 0)
	d.generator.SetNTPAnnotator(func() *ntpcheck.Verification {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return d.ntp.Verify(ctx)
	})

	if cfg.OTSEnabled {
		if c, err := ots.New(cfg.OTSCalendars, cfg.OTSDir()); err != nil {
			log.Printf("[daemon] WARNING: OTS disabled: %v", err)
		} else {
			d.ots = c
			d.generator.SetOTSHook(func(bundleID, bundleHash string) {
				go func() {
					ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
					defer cancel()
					if _, err := d.ots.SubmitHash(ctx, bundleID, bundleHash); err != nil {
						log.Printf("[daemon] OTS submit %s: %v", bundleID, err)
					}
				}()
			})
		}
	}

	learnCfg := learning.DefaultConfig(cfg.SiteID, cfg.RulesDir())
	learnCfg.AutoPromote = cfg.LearningAutoPromote
	d.learner = learning.New(learnCfg, db, d.engine.ReloadRules, d.reportCandidate)

	d.metrics = metrics.New()

	d.sensorReg = sensors.NewRegistry()
	d.sensorSrv = sensors.NewServer(sensors.Config{
		Port:                 cfg.SensorPort,
		SiteID:               cfg.SiteID,
		CheckIntervalSeconds: 300,
	}, d.sensorReg)

	d.orders = orders.NewProcessor(cfg.StateDir, d.completeOrder)
	d.registerOrderHandlers()

	d.queue.SetReloadFunc(d.engine.ReloadRules)

	d.scanner = newDriftScanner(d)
	d.healer.SetStateCapture(d.scanner.captureState)
	d.netscan = newNetScanner(d)
	if cfg.AutoDeployAgents {
		d.deployer = newAutoDeployer(d)
	}

	return d, nil
}

// buildPlanner constructs the L2 planner, or nil when no backend is usable.
func (d *Daemon) buildPlanner() *l2planner.Planner {
	cfg := d.config
	mode := cfg.PlannerMode
	if mode == "" {
		mode = l2planner.ModeAPI
	}
	if mode != l2planner.ModeLocal && cfg.AnthropicAPIKey == "" {
		if mode == l2planner.ModeHybrid {
			mode = l2planner.ModeLocal
		} else {
			log.Printf("[daemon] L2 planner disabled: no API key")
			return nil
		}
	}

	pcfg := l2planner.DefaultConfig()
	pcfg.Mode = mode
	pcfg.APIKey = cfg.AnthropicAPIKey
	if cfg.PlannerModel != "" {
		pcfg.Model = cfg.PlannerModel
	}
	if cfg.LocalModelEndpoint != "" {
		pcfg.LocalEndpoint = cfg.LocalModelEndpoint
	}
	if cfg.L2DailyBudgetUSD > 0 {
		pcfg.Budget.DailyBudgetUSD = cfg.L2DailyBudgetUSD
	}
	if cfg.L2MaxCallsPerHour > 0 {
		pcfg.Budget.MaxCallsPerHour = cfg.L2MaxCallsPerHour
	}
	if cfg.L2MaxConcurrentCalls > 0 {
		pcfg.Budget.MaxConcurrentCalls = cfg.L2MaxConcurrentCalls
	}
	return l2planner.NewPlanner(pcfg, d.db)
}

// plannerGate enforces the control plane's l2_mode on every plan call.
// auto passes through, manual and disabled push the incident to L3.
type plannerGate struct {
	d *Daemon
	p *l2planner.Planner
}

func (g *plannerGate) Plan(ctx context.Context, inc *store.Incident) (*l2planner.Decision, error) {
	g.d.stateMu.RLock()
	mode := g.d.l2Mode
	g.d.stateMu.RUnlock()

	switch mode {
	case "", "auto":
	default:
		return nil, fmt.Errorf("l2 planner gated by mode %q", mode)
	}
	g.d.metrics.PlannerCalls.WithLabelValues(g.d.config.PlannerMode).Inc()
	return g.p.Plan(ctx, inc)
}

// Run starts all listeners and loops, blocking until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	log.Printf("[daemon] starting v%s site=%s state=%s", d.version, d.config.SiteID, d.config.StateDir)

	if st, err := loadState(d.config.StateDir); err != nil {
		log.Printf("[daemon] state restore failed: %v", err)
	} else if st != nil {
		d.restoreState(st)
	}

	d.serve(ctx, "grpc", func() error { return d.grpcSrv.Serve() })
	d.serve(ctx, "sensors", func() error { return d.sensorSrv.Serve() })
	d.serve(ctx, "metrics", func() error { return d.metrics.Serve(d.config.MetricsPort) })
	d.serve(ctx, "agent-files", func() error { return d.serveAgentFiles(ctx) })

	d.wg.Add(1)
	go d.intakeLoop(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.learner.Run(ctx)
	}()

	d.wg.Add(1)
	go d.maintenanceLoop(ctx)

	sdnotify.Ready()
	d.wg.Add(1)
	go d.watchdogLoop(ctx)

	ticker := time.NewTicker(time.Duration(d.config.PollIntervalSecs) * time.Second)
	defer ticker.Stop()

	d.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return d.shutdown()
		case <-ticker.C:
			d.runCycle(ctx)
		}
	}
}

// serve runs a blocking listener in a goroutine and stops it on ctx cancel.
func (d *Daemon) serve(ctx context.Context, name string, fn func() error) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := fn(); err != nil {
			log.Printf("[daemon] %s listener: %v", name, err)
		}
	}()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		switch name {
		case "grpc":
			d.grpcSrv.GracefulStop()
		case "sensors":
			d.sensorSrv.Shutdown(stopCtx)
		case "metrics":
			d.metrics.Shutdown(stopCtx)
		}
	}()
}

func (d *Daemon) shutdown() error {
	sdnotify.Stopping()
	log.Printf("[daemon] shutting down")

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		log.Printf("[daemon] WARNING: shutdown grace expired with goroutines still running")
	}

	d.saveState()
	d.exec.CloseAll()
	d.generator.Close()
	d.queue.Close()
	return d.db.Close()
}

// runCycle is one pass of the main loop: checkin, scan, evidence, drain.
func (d *Daemon) runCycle(ctx context.Context) {
	d.checkin(ctx)

	if d.config.EnableDriftDetection {
		d.scanner.runScanIfNeeded(ctx)
		d.netscan.runNetScanIfNeeded(ctx)
		if d.deployer != nil {
			d.deployer.runAutoDeployIfNeeded(ctx)
		}
	}

	d.flushEvidence(ctx)

	sent, failed := d.queue.Drain(ctx)
	d.metrics.RecordDrain(sent, failed)
	if depth, err := d.queue.PendingCount(); err == nil {
		d.metrics.QueueDepth.Set(float64(depth))
	}

	d.metrics.ConnectedAgents.Set(float64(d.agentReg.ConnectedCount()))
	d.metrics.ActiveSensors.Set(float64(d.sensorReg.ActiveCount(15 * time.Minute)))
}

func (d *Daemon) checkin(ctx context.Context) {
	req := SystemInfo(d.config, d.version)
	if d.signer != nil {
		req.AgentPublicKey = d.signer.PublicKeyHex()
	}
	req.HasLocalCredentials = d.config.DCUsername != nil
	req.ConnectedAgents = d.agentReg.ConnectedCount()
	req.ActiveSensors = d.sensorReg.ActiveCount(15 * time.Minute)
	if depth, err := d.queue.PendingCount(); err == nil {
		req.QueueDepth = depth
	}

	cctx, cancel := context.WithTimeout(ctx, 45*time.Second)
	defer cancel()
	resp, err := d.phoneHome.Checkin(cctx, req)
	if err != nil {
		log.Printf("[daemon] checkin failed (offline mode continues): %v", err)
		return
	}
	d.applyCheckin(ctx, resp)
}

func (d *Daemon) applyCheckin(ctx context.Context, resp *CheckinResponse) {
	d.stateMu.Lock()
	if resp.ApplianceID != "" {
		d.applianceID = resp.ApplianceID
	}
	if resp.ServerPublicKey != "" && resp.ServerPublicKey != d.serverPublicKey {
		d.serverPublicKey = resp.ServerPublicKey
	}
	if resp.L2Mode != "" {
		d.l2Mode = resp.L2Mode
	}
	if resp.SubscriptionStatus != "" {
		d.subscriptionStatus = resp.SubscriptionStatus
	}
	serverKey := d.serverPublicKey
	applianceID := d.applianceID
	d.stateMu.Unlock()

	if applianceID != "" {
		d.orders.SetApplianceID(applianceID)
	}
	if serverKey != "" {
		if err := d.orders.SetServerPublicKey(serverKey); err != nil {
			log.Printf("[daemon] bad server public key: %v", err)
		}
		if err := d.engine.SetServerPublicKey(serverKey); err != nil {
			log.Printf("[daemon] bad server public key for rule engine: %v", err)
		}
	}

	d.applyTargets(resp)

	if len(resp.PendingOrders) > 0 {
		list := decodeOrders(resp.PendingOrders)
		log.Printf("[daemon] processing %d pending orders", len(list))
		d.orders.ProcessAll(ctx, list)
	}

	if resp.TriggerImmediateScan {
		d.scanner.forceNext()
	}
	if resp.TriggerEnumeration && d.deployer != nil {
		d.deployer.forceNext()
	}
}

// applyTargets feeds refreshed credentials into the executor and scanners.
func (d *Daemon) applyTargets(resp *CheckinResponse) {
	if len(resp.WindowsTargets) > 0 {
		targets := make([]*winrm.Target, 0, len(resp.WindowsTargets))
		for _, m := range resp.WindowsTargets {
			t := &winrm.Target{Port: 5985}
			t.Hostname, _ = m["hostname"].(string)
			t.Username, _ = m["username"].(string)
			t.Password, _ = m["password"].(string)
			t.IPAddress, _ = m["ip_address"].(string)
			if t.Hostname == "" || t.Username == "" {
				continue
			}
			targets = append(targets, t)
			// Domain admin creds double as the DC scan credentials.
			if role, _ := m["role"].(string); role == "domain_admin" {
				host, user, pass := t.Hostname, t.Username, t.Password
				d.config.DomainController = &host
				d.config.DCUsername = &user
				d.config.DCPassword = &pass
			}
		}
		d.exec.SetWindowsTargets(targets)
		d.scanner.setWindowsTargets(targets)
	}

	if len(resp.LinuxTargets) > 0 {
		targets := make([]*sshexec.Target, 0, len(resp.LinuxTargets))
		for _, m := range resp.LinuxTargets {
			t := &sshexec.Target{Port: 22}
			t.Hostname, _ = m["hostname"].(string)
			t.Username, _ = m["username"].(string)
			t.IPAddress, _ = m["ip_address"].(string)
			if p, _ := m["password"].(string); p != "" {
				t.Password = &p
			}
			if k, _ := m["private_key"].(string); k != "" {
				t.PrivateKey = &k
			}
			if t.Hostname == "" || t.Username == "" {
				continue
			}
			targets = append(targets, t)
		}
		d.exec.SetLinuxTargets(targets)
		d.stateMu.Lock()
		d.linuxTargets = targets
		d.stateMu.Unlock()
	}
}

func decodeOrders(raw []map[string]interface{}) []orders.Order {
	out := make([]orders.Order, 0, len(raw))
	for _, m := range raw {
		data, err := json.Marshal(m)
		if err != nil {
			continue
		}
		var o orders.Order
		if err := json.Unmarshal(data, &o); err != nil {
			log.Printf("[daemon] skipping malformed order: %v", err)
			continue
		}
		out = append(out, o)
	}
	return out
}

func (d *Daemon) restoreState(st *PersistedState) {
	d.stateMu.Lock()
	d.applianceID = st.ApplianceID
	d.linuxTargets = st.LinuxTargets
	d.l2Mode = st.L2Mode
	d.subscriptionStatus = st.SubscriptionStatus
	d.serverPublicKey = st.ServerPublicKey
	d.stateMu.Unlock()

	if st.ApplianceID != "" {
		d.orders.SetApplianceID(st.ApplianceID)
	}
	if st.ServerPublicKey != "" {
		d.orders.SetServerPublicKey(st.ServerPublicKey)
		d.engine.SetServerPublicKey(st.ServerPublicKey)
	}
	if len(st.LinuxTargets) > 0 {
		d.exec.SetLinuxTargets(st.LinuxTargets)
	}
	log.Printf("[daemon] restored state from %s (%d linux targets)",
		st.SavedAt.Format(time.RFC3339), len(st.LinuxTargets))
}

// healingAllowed gates all automatic remediation on subscription status.
func (d *Daemon) healingAllowed() bool {
	if !d.config.EnableAutoHealing {
		return false
	}
	d.stateMu.RLock()
	sub := d.subscriptionStatus
	d.stateMu.RUnlock()
	switch sub {
	case "", "active", "trialing":
		return true
	}
	return false
}

// intakeLoop drains pushed drift from sensors and gRPC agents.
func (d *Daemon) intakeLoop(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.sensorSrv.Events:
			d.handleSensorEvent(ctx, ev)
		case hr := <-d.grpcSrv.HealChan:
			d.handleAgentHeal(ctx, hr)
		}
	}
}

func (d *Daemon) handleSensorEvent(ctx context.Context, ev sensors.DriftEvent) {
	status := "pass"
	if !ev.Passed {
		status = "fail"
	}
	details := map[string]interface{}{"source": "sensor", "platform": ev.Platform}
	for k, v := range ev.Details {
		details[k] = v
	}
	d.recordEvidence(evidence.CheckResult{
		CheckType:    ev.CheckType,
		Hostname:     ev.Hostname,
		Status:       status,
		Expected:     ev.Expected,
		Actual:       ev.Actual,
		HIPAAControl: ev.HIPAAControl,
		Severity:     ev.Severity,
		Details:      details,
	})
	if ev.Passed {
		return
	}

	severity := ev.Severity
	if severity == "" {
		severity = "medium"
	}
	d.heal(ctx, ev.Hostname, ev.CheckType, severity, map[string]interface{}{
		"expected": ev.Expected,
		"actual":   ev.Actual,
		"platform": ev.Platform,
		"source":   "sensor",
	})
}

func (d *Daemon) handleAgentHeal(ctx context.Context, hr grpcserver.HealRequest) {
	raw := map[string]interface{}{
		"expected": hr.Expected,
		"actual":   hr.Actual,
		"platform": "windows",
		"source":   "grpc_agent",
		"agent_id": hr.AgentID,
	}
	for k, v := range hr.Metadata {
		raw[k] = v
	}
	d.recordEvidence(evidence.CheckResult{
		CheckType:    hr.CheckType,
		Hostname:     hr.Hostname,
		Status:       "fail",
		Expected:     hr.Expected,
		Actual:       hr.Actual,
		HIPAAControl: hr.HIPAAControl,
		Severity:     "high",
		Details:      map[string]interface{}{"source": "grpc_agent"},
	})
	d.heal(ctx, hr.Hostname, hr.CheckType, "high", raw)
}

// heal runs one incident through the tier orchestrator and records metrics.
func (d *Daemon) heal(ctx context.Context, hostID, incidentType, severity string, raw map[string]interface{}) {
	d.metrics.RecordIncident(incidentType, severity)

	if !d.healingAllowed() {
		log.Printf("[daemon] healing gated: %s on %s recorded only", incidentType, hostID)
		return
	}

	result, err := d.healer.Heal(ctx, hostID, incidentType, severity, raw)
	if err != nil {
		log.Printf("[daemon] heal %s on %s: %v", incidentType, hostID, err)
		return
	}
	outcome := "failure"
	if result.Success {
		outcome = "success"
	} else if result.Escalated {
		outcome = "escalated"
	}
	d.metrics.RecordHeal(result.ResolutionLevel, outcome, time.Duration(result.DurationMs)*time.Millisecond)

	if result.Success {
		d.recordEvidence(evidence.CheckResult{
			CheckType: incidentType,
			Hostname:  hostID,
			Status:    "pass",
			Severity:  severity,
			Details: map[string]interface{}{
				"healed_by": result.ResolutionLevel,
				"action":    result.ActionTaken,
				"rule_id":   result.RuleID,
			},
		})
	}
}

// recordEvidence buffers one check result for the next evidence flush.
func (d *Daemon) recordEvidence(r evidence.CheckResult) {
	d.pendingMu.Lock()
	d.pendingResults = append(d.pendingResults, r)
	d.pendingMu.Unlock()
}

// flushEvidence bundles buffered results and submits through the queue.
func (d *Daemon) flushEvidence(ctx context.Context) {
	d.pendingMu.Lock()
	results := d.pendingResults
	d.pendingResults = nil
	d.pendingMu.Unlock()
	if len(results) == 0 {
		return
	}

	bundle, err := d.generator.Process(results)
	if err != nil {
		log.Printf("[daemon] evidence generation: %v", err)
		return
	}
	if bundle == nil {
		return
	}
	d.metrics.RecordBundle(bundle.AgentSignature != "")

	if !d.config.EnableEvidenceUpload {
		return
	}
	if err := d.queue.SubmitEvidence(ctx, bundle.Payload()); err != nil {
		log.Printf("[daemon] evidence submit: %v", err)
	}
}

// reportCandidate forwards a promotion candidate to the control plane when
// auto-promotion is off.
func (d *Daemon) reportCandidate(c *learning.PromotionCandidate) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := d.queue.Submit(ctx, syncqueue.OpPatternSync, map[string]interface{}{
		"site_id":   d.config.SiteID,
		"candidate": c,
	})
	if err != nil {
		log.Printf("[daemon] candidate report: %v", err)
	}
}

// completeOrder reports an order outcome to the control plane.
func (d *Daemon) completeOrder(ctx context.Context, orderID string, success bool, result map[string]interface{}, errMsg string) error {
	if errMsg != "" {
		if result == nil {
			result = map[string]interface{}{}
		}
		result["error"] = errMsg
	}
	return d.phoneHome.CompleteOrder(ctx, orderID, success, result)
}

// registerOrderHandlers overrides the processor stubs that need daemon wiring.
func (d *Daemon) registerOrderHandlers() {
	d.orders.RegisterHandler("run_drift", func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
		return d.scanner.ForceScan(ctx), nil
	})

	d.orders.RegisterHandler("sync_rules", func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
		n, err := d.queue.PullPromotedRules(ctx, d.config.RulesDir())
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"synced_rules": n, "rule_count": d.engine.RuleCount()}, nil
	})

	d.orders.RegisterHandler("healing", func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
		runbookID, _ := params["runbook_id"].(string)
		if runbookID == "" {
			return nil, fmt.Errorf("runbook_id is required")
		}
		hostname, _ := params["hostname"].(string)
		if hostname == "" {
			hostname = "localhost"
		}
		return d.exec.Dispatch(ctx, "run_runbook:"+runbookID, params, d.config.SiteID, hostname)
	})

	d.orders.RegisterHandler("sensor_status", func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{
			"total_sensors":  len(d.sensorReg.List()),
			"active_sensors": d.sensorReg.ActiveCount(15 * time.Minute),
			"sensors":        d.sensorReg.List(),
		}, nil
	})

	d.orders.RegisterHandler("force_checkin", func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
		d.checkin(ctx)
		return map[string]interface{}{"checked_in": true}, nil
	})
}

// maintenanceLoop runs hourly housekeeping. Pattern stats ride the same
// ticker on a 4-hour cadence.
func (d *Daemon) maintenanceLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	var lastPatternSync time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if pruned, err := d.db.PruneOldIncidents(90, true); err == nil && pruned > 0 {
				log.Printf("[daemon] pruned %d old incidents", pruned)
			}
			if time.Since(lastPatternSync) >= patternSyncInterval {
				d.syncPatternStats(ctx)
				lastPatternSync = time.Now()
			}
			if d.ots != nil {
				octx, cancel := context.WithTimeout(ctx, 2*time.Minute)
				if upgraded, err := d.ots.UpgradePending(octx); err == nil && upgraded > 0 {
					log.Printf("[daemon] upgraded %d OTS proofs", upgraded)
				}
				cancel()
			}
			pctx, cancel := context.WithTimeout(ctx, time.Minute)
			if n, err := d.queue.PullPromotedRules(pctx, d.config.RulesDir()); err != nil {
				log.Printf("[daemon] promoted rules pull: %v", err)
			} else if n > 0 {
				log.Printf("[daemon] pulled %d promoted rules", n)
			}
			cancel()
			if rolled := d.learner.MonitorPromotedRules(); rolled > 0 {
				d.metrics.RollbacksTotal.Add(float64(rolled))
			}
			d.saveState()
		}
	}
}

// syncPatternStats pushes the learning aggregates to the control plane so
// fleet-wide promotion can see per-site success rates. The lookback covers
// two sync intervals so a failed round is retried with the next batch.
func (d *Daemon) syncPatternStats(ctx context.Context) {
	since := time.Now().UTC().Add(-2 * patternSyncInterval).Format(time.RFC3339)
	stats, err := d.db.ListPatternStats(since)
	if err != nil {
		log.Printf("[daemon] pattern stats read: %v", err)
		return
	}
	if len(stats) == 0 {
		return
	}

	batch := make([]map[string]interface{}, 0, len(stats))
	for _, ps := range stats {
		batch = append(batch, map[string]interface{}{
			"pattern_signature":      ps.PatternSignature,
			"incident_type":          ps.IncidentType,
			"total_occurrences":      ps.TotalOccurrences,
			"l1_resolutions":         ps.L1Resolutions,
			"l2_resolutions":         ps.L2Resolutions,
			"l3_escalations":         ps.L3Escalations,
			"success_rate":           ps.SuccessRate(),
			"avg_resolution_time_ms": ps.AvgResolutionTimeMs(),
			"last_seen":              ps.LastSeen,
			"recommended_action":     ps.RecommendedAction,
			"promotion_eligible":     ps.PromotionEligible,
		})
	}

	sctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	if err := d.queue.SyncPatternStats(sctx, batch); err != nil {
		log.Printf("[daemon] pattern stats sync: %v", err)
		return
	}
	log.Printf("[daemon] pattern stats synced: %d signatures", len(stats))
}

func (d *Daemon) watchdogLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sdnotify.Watchdog()
		}
	}
}

// serveAgentFiles exposes the Windows agent binary for sensor auto-update.
func (d *Daemon) serveAgentFiles(ctx context.Context) error {
	cache := newAgentVersionCache(d.config.AgentDir())

	mux := http.NewServeMux()
	mux.Handle("/agent/", http.StripPrefix("/agent/", http.FileServer(http.Dir(d.config.AgentDir()))))
	mux.HandleFunc("/agent-version", d.handleAgentVersion(cache))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", agentFileServerPort),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
	}
	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(stopCtx)
	}()

	log.Printf("[daemon] agent file server on :%d", agentFileServerPort)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
