package escalation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"path/filepath"
	"strings"
	"testing"

	"github.com/slack-go/slack"

	"github.com/osiriscare/compliance-appliance/internal/store"
)

func TestDerivePriority(t *testing.T) {
	cases := []struct {
		severity, reason, want string
	}{
		{"low", "encryption drift on volume", PriorityCritical},
		{"critical", "anything", PriorityCritical},
		{"low", "security_violation from guardrails", PriorityHigh},
		{"high", "no rule matched", PriorityHigh},
		{"medium", "no rule matched", PriorityMedium},
		{"low", "no rule matched", PriorityLow},
		{"info", "bitlocker suspended", PriorityCritical},
	}
	for _, c := range cases {
		if got := derivePriority(c.severity, c.reason); got != c.want {
			t.Errorf("derivePriority(%q, %q) = %s, want %s", c.severity, c.reason, got, c.want)
		}
	}
}

func testIncidentWithHistory(t *testing.T) (*store.Store, *store.Incident, *store.PatternContext) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "incidents.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	raw := map[string]interface{}{"check_type": "backup", "error": "snapshot stale"}
	var last *store.Incident
	for i := 0; i < 3; i++ {
		prev, _ := s.CreateIncident("site-1", "h1", "backup_failure", "high", raw)
		s.ResolveIncident(prev.ID, store.LevelL2, "run_backup_job", "", store.OutcomeSuccess, 4000)
		last = prev
	}
	inc, _ := s.CreateIncident("site-1", "h1", "backup_failure", "high", raw)
	pctx, err := s.GetPatternContext(last.PatternSignature, 5)
	if err != nil {
		t.Fatal(err)
	}
	return s, inc, pctx
}

func TestBuildDescriptionRichness(t *testing.T) {
	_, inc, pctx := testIncidentWithHistory(t)

	desc := buildDescription(inc, pctx, "L2 requires approval", []string{"run_backup_job (L2, failed)"})

	for _, want := range []string{
		"backup_failure",
		"site-1",
		"h1",
		"L2 requires approval",
		"run_backup_job (L2, failed)",
		"previously worked: run_backup_job",
		"snapshot stale",
	} {
		if !strings.Contains(desc, want) {
			t.Errorf("description missing %q:\n%s", want, desc)
		}
	}
}

func TestEscalateControlPlaneRoute(t *testing.T) {
	db, inc, pctx := testIncidentWithHistory(t)

	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/escalations" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer key-1" {
			t.Errorf("auth = %s", auth)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	h := NewHandler(Config{
		ControlPlaneEnabled: true,
		ControlPlaneURL:     srv.URL,
		ControlPlaneAPIKey:  "key-1",
	}, db)

	ticket := h.Escalate(context.Background(), inc, pctx, "no rule matched", "run_backup_job", nil)
	if ticket.Priority != PriorityHigh {
		t.Fatalf("priority = %s", ticket.Priority)
	}
	if got["site_id"] != "site-1" {
		t.Fatalf("posted payload = %v", got)
	}
}

func TestEscalateFallsBackToChannels(t *testing.T) {
	db, inc, pctx := testIncidentWithHistory(t)

	var slackMsg *slack.WebhookMessage
	var mailedTo []string

	h := NewHandler(Config{
		ControlPlaneEnabled: true,
		ControlPlaneURL:     "http://127.0.0.1:1", // unreachable
		SlackWebhookURL:     "https://hooks.slack.example/T000",
		SMTPHost:            "mail.example",
		SMTPPort:            587,
		EmailFrom:           "appliance@clinic.example",
		EmailTo:             []string{"ops@msp.example"},
	}, db)
	h.sendSlack = func(ctx context.Context, url string, msg *slack.WebhookMessage) error {
		slackMsg = msg
		return nil
	}
	h.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		mailedTo = to
		return nil
	}

	// high severity incident: HIGH -> PagerDuty + Slack (no PD key set)
	h.Escalate(context.Background(), inc, pctx, "no rule matched", "", nil)
	if slackMsg == nil {
		t.Fatal("slack channel not used on fallback")
	}
	if mailedTo != nil {
		t.Fatal("HIGH priority should not email")
	}
}

func TestDispatchChannelsByPriority(t *testing.T) {
	db, _, _ := testIncidentWithHistory(t)

	var slackCalls, mailCalls int
	h := NewHandler(Config{
		SlackWebhookURL: "https://hooks.slack.example/T000",
		SMTPHost:        "mail.example",
		SMTPPort:        25,
		EmailFrom:       "a@b",
		EmailTo:         []string{"ops@example"},
	}, db)
	h.sendSlack = func(ctx context.Context, url string, msg *slack.WebhookMessage) error {
		slackCalls++
		return nil
	}
	h.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		mailCalls++
		return nil
	}

	h.dispatchChannels(context.Background(), &Ticket{Priority: PriorityLow})
	if slackCalls != 0 || mailCalls != 1 {
		t.Fatalf("LOW: slack=%d mail=%d", slackCalls, mailCalls)
	}

	h.dispatchChannels(context.Background(), &Ticket{Priority: PriorityMedium})
	if slackCalls != 1 || mailCalls != 2 {
		t.Fatalf("MEDIUM: slack=%d mail=%d", slackCalls, mailCalls)
	}

	h.dispatchChannels(context.Background(), &Ticket{Priority: PriorityCritical})
	if slackCalls != 2 || mailCalls != 3 {
		t.Fatalf("CRITICAL: slack=%d mail=%d", slackCalls, mailCalls)
	}
}

func TestGenericWebhookReceivesTicket(t *testing.T) {
	db, inc, _ := testIncidentWithHistory(t)

	var got Ticket
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	h := NewHandler(Config{GenericWebhookURL: srv.URL}, db)
	h.sendMail = func(string, smtp.Auth, string, []string, []byte) error { return nil }

	ticket := h.Escalate(context.Background(), inc, nil, "flap_detected_escalation", "", nil)
	if got.TicketID != ticket.TicketID {
		t.Fatalf("webhook got %+v", got)
	}
}

func TestResolveTicketPersistsFeedback(t *testing.T) {
	db, inc, _ := testIncidentWithHistory(t)

	h := NewHandler(Config{}, db)
	err := h.ResolveTicket(inc.ID, "restored from snapshot", "run_backup_job", "NAS credentials had rotated", "oncall")
	if err != nil {
		t.Fatalf("ResolveTicket: %v", err)
	}

	got, _ := db.GetIncident(inc.ID)
	if !strings.Contains(got.HumanFeedback, "NAS credentials") {
		t.Fatalf("feedback not on incident: %q", got.HumanFeedback)
	}
	if got.ResolutionLevel != store.LevelL3 || got.Outcome != store.OutcomeSuccess {
		t.Fatalf("incident not closed as L3: %+v", got)
	}
}
