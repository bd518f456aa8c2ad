package healing

// builtinRules are the seed rules every appliance ships with. They cover
// the baseline HIPAA drift checks; site-specific and promoted rules layer
// on top via the rules directory.
func builtinRules() []*Rule {
	return []*Rule{
		{
			ID:          "BUILTIN-PATCH-001",
			Name:        "System behind baseline generation",
			Description: "Host is running an older system generation than the site baseline; roll forward.",
			IncidentType: "patch_drift",
			Conditions: []RuleCondition{
				{Field: "baseline_generation", Operator: OpExists, Value: true},
				{Field: "drift_detected", Operator: OpEquals, Value: true},
			},
			Action:          "update_to_baseline_generation",
			HIPAAControls:   []string{"164.308(a)(5)(ii)(B)"},
			Enabled:         true,
			Priority:        20,
			CooldownSeconds: 3600,
			MaxRetries:      1,
			Source:          "builtin",
		},
		{
			ID:          "BUILTIN-AV-001",
			Name:        "AV/EDR service stopped",
			Description: "Endpoint protection service is not running.",
			IncidentType: "av_stopped",
			Action:      "restart_av_service",
			HIPAAControls: []string{"164.308(a)(5)(ii)(B)"},
			SeverityFilter: []string{"medium", "high", "critical"},
			Enabled:         true,
			Priority:        10,
			CooldownSeconds: 600,
			MaxRetries:      2,
			Source:          "builtin",
		},
		{
			ID:          "BUILTIN-BACKUP-001",
			Name:        "Backup overdue or failed",
			Description: "Last backup is older than the recency window or ended in failure; trigger a run.",
			IncidentType: "backup_failure",
			Action:      "run_backup_job",
			HIPAAControls: []string{"164.308(a)(7)(ii)(A)"},
			Enabled:         true,
			Priority:        30,
			CooldownSeconds: 7200,
			MaxRetries:      1,
			Source:          "builtin",
		},
		{
			ID:          "BUILTIN-LOG-001",
			Name:        "Audit logging services down",
			Description: "Audit/log collection services are not running; audit trail is at risk.",
			IncidentType: "logging_stopped",
			Action:      "restart_logging_services",
			HIPAAControls: []string{"164.312(b)"},
			Enabled:         true,
			Priority:        15,
			CooldownSeconds: 600,
			MaxRetries:      2,
			Source:          "builtin",
		},
		{
			ID:          "BUILTIN-FW-001",
			Name:        "Firewall baseline drift",
			Description: "Firewall configuration deviates from the declared baseline.",
			IncidentType: "firewall_drift",
			Action:      "restore_firewall_baseline",
			HIPAAControls: []string{"164.312(a)(1)"},
			Enabled:         true,
			Priority:        10,
			CooldownSeconds: 900,
			MaxRetries:      1,
			Source:          "builtin",
		},
		{
			// Encryption drift is never auto-remediated. Re-encrypting or
			// touching key material unattended risks data loss.
			ID:          "BUILTIN-ENC-001",
			Name:        "Encryption drift always escalates",
			Description: "Disk or volume encryption state deviates from baseline; requires a human.",
			IncidentType: "encryption_drift",
			Action:      "escalate",
			HIPAAControls: []string{"164.312(a)(2)(iv)"},
			Enabled:         true,
			Priority:        1,
			CooldownSeconds: 0,
			MaxRetries:      0,
			Source:          "builtin",
		},
		{
			ID:          "BUILTIN-CERT-001",
			Name:        "Certificate expiring",
			Description: "TLS certificate is inside the renewal window.",
			IncidentType: "cert_expiring",
			Action:      "renew_certificate",
			HIPAAControls: []string{"164.312(e)(1)"},
			Enabled:         true,
			Priority:        40,
			CooldownSeconds: 86400,
			MaxRetries:      1,
			Source:          "builtin",
		},
		{
			ID:          "BUILTIN-DISK-001",
			Name:        "Disk space critical",
			Description: "Filesystem usage above threshold; reclaim space from caches and old logs.",
			IncidentType: "disk_full",
			Conditions: []RuleCondition{
				{Field: "usage_percent", Operator: OpGreaterThan, Value: 90},
			},
			Action:          "cleanup_disk_space",
			HIPAAControls:   []string{"164.308(a)(7)(i)"},
			Enabled:         true,
			Priority:        25,
			CooldownSeconds: 1800,
			MaxRetries:      1,
			Source:          "builtin",
		},
		{
			ID:          "BUILTIN-SVC-001",
			Name:        "Service crash loop",
			Description: "A monitored service keeps exiting; restart it once per cooldown window.",
			IncidentType: "service_down",
			Conditions: []RuleCondition{
				{Field: "service", Operator: OpExists, Value: true},
			},
			Action:          "restart_service",
			HIPAAControls:   []string{"164.312(b)"},
			Enabled:         true,
			Priority:        35,
			CooldownSeconds: 600,
			MaxRetries:      2,
			Source:          "builtin",
		},
	}
}
