package escalation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/slack-go/slack"

	"github.com/osiriscare/compliance-appliance/internal/store"
)

// Config holds escalation routing configuration.
type Config struct {
	// Control plane route. When enabled, tickets POST to the control plane
	// and the dashboard handles human routing.
	ControlPlaneURL     string
	ControlPlaneAPIKey  string
	ControlPlaneEnabled bool

	// Local channels, used when the control plane route is disabled or
	// unreachable.
	SlackWebhookURL   string
	PagerDutyKey      string // Events API v2 routing key
	TeamsWebhookURL   string
	GenericWebhookURL string

	SMTPHost  string
	SMTPPort  int
	SMTPUser  string
	SMTPPass  string
	EmailFrom string
	EmailTo   []string
}

// FeedbackStore is the slice of the incident store escalation writes.
type FeedbackStore interface {
	RecordHumanFeedback(incidentID int64, feedback, actionTaken, submittedBy string) error
	ResolveIncident(id int64, level, action, ruleID, outcome string, durationMs int64) error
}

// Handler builds and routes L3 tickets.
type Handler struct {
	cfg  Config
	db   FeedbackStore
	http *http.Client

	// injectable for tests
	sendSlack func(ctx context.Context, url string, msg *slack.WebhookMessage) error
	sendMail  func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewHandler creates an escalation handler.
func NewHandler(cfg Config, db FeedbackStore) *Handler {
	return &Handler{
		cfg:       cfg,
		db:        db,
		http:      &http.Client{Timeout: 15 * time.Second},
		sendSlack: slack.PostWebhookContext,
		sendMail:  smtp.SendMail,
	}
}

// Escalate builds the ticket for an incident and routes it. Routing errors
// are logged per channel; the ticket is returned as long as it was built.
func (h *Handler) Escalate(ctx context.Context, inc *store.Incident, pctx *store.PatternContext, reason, recommended string, attempted []string) *Ticket {
	t := &Ticket{
		TicketID:          uuid.NewString(),
		IncidentID:        inc.ID,
		SiteID:            inc.SiteID,
		HostID:            inc.HostID,
		IncidentType:      inc.IncidentType,
		Severity:          inc.Severity,
		Priority:          derivePriority(inc.Severity, reason),
		Title:             fmt.Sprintf("[%s] %s on %s", derivePriority(inc.Severity, reason), inc.IncidentType, inc.HostID),
		Description:       buildDescription(inc, pctx, reason, attempted),
		RecommendedAction: recommended,
		AttemptedActions:  attempted,
		RawData:           inc.RawData,
		Reason:            reason,
		CreatedAt:         time.Now().UTC().Format(time.RFC3339),
	}

	if h.cfg.ControlPlaneEnabled && h.cfg.ControlPlaneURL != "" {
		if err := h.postControlPlane(ctx, t); err == nil {
			log.Printf("[escalation] ticket %s routed to control plane", t.TicketID)
			return t
		} else {
			log.Printf("[escalation] control plane route failed, using local channels: %v", err)
		}
	}

	h.dispatchChannels(ctx, t)
	return t
}

// ResolveTicket records the human's resolution: the feedback row feeds the
// learning pipeline and the incident is closed as an L3 resolution.
func (h *Handler) ResolveTicket(incidentID int64, resolution, actionTaken, feedback, submittedBy string) error {
	combined := resolution
	if feedback != "" {
		combined = resolution + "\n" + feedback
	}
	if err := h.db.RecordHumanFeedback(incidentID, combined, actionTaken, submittedBy); err != nil {
		return fmt.Errorf("record feedback: %w", err)
	}
	if err := h.db.ResolveIncident(incidentID, store.LevelL3, actionTaken, "", store.OutcomeSuccess, 0); err != nil {
		return fmt.Errorf("resolve incident: %w", err)
	}
	return nil
}

// dispatchChannels fans the ticket out by priority:
//
//	CRITICAL: PagerDuty + Slack + Email
//	HIGH:     PagerDuty + Slack
//	MEDIUM:   Slack + Email
//	LOW:      Email
//
// Teams and the generic webhook, when configured, receive everything.
func (h *Handler) dispatchChannels(ctx context.Context, t *Ticket) {
	var pagerduty, slackCh, email bool
	switch t.Priority {
	case PriorityCritical:
		pagerduty, slackCh, email = true, true, true
	case PriorityHigh:
		pagerduty, slackCh = true, true
	case PriorityMedium:
		slackCh, email = true, true
	default:
		email = true
	}

	if pagerduty && h.cfg.PagerDutyKey != "" {
		if err := h.notifyPagerDuty(ctx, t); err != nil {
			log.Printf("[escalation] pagerduty: %v", err)
		}
	}
	if slackCh && h.cfg.SlackWebhookURL != "" {
		if err := h.notifySlack(ctx, t); err != nil {
			log.Printf("[escalation] slack: %v", err)
		}
	}
	if email && h.cfg.SMTPHost != "" && len(h.cfg.EmailTo) > 0 {
		if err := h.notifyEmail(t); err != nil {
			log.Printf("[escalation] email: %v", err)
		}
	}
	if h.cfg.TeamsWebhookURL != "" {
		if err := h.postJSON(ctx, h.cfg.TeamsWebhookURL, teamsCard(t)); err != nil {
			log.Printf("[escalation] teams: %v", err)
		}
	}
	if h.cfg.GenericWebhookURL != "" {
		if err := h.postJSON(ctx, h.cfg.GenericWebhookURL, t); err != nil {
			log.Printf("[escalation] webhook: %v", err)
		}
	}
}

func (h *Handler) postControlPlane(ctx context.Context, t *Ticket) error {
	payload := map[string]interface{}{
		"site_id":    t.SiteID,
		"escalation": t,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		h.cfg.ControlPlaneURL+"/api/escalations", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.cfg.ControlPlaneAPIKey)

	resp, err := h.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("control plane returned %d", resp.StatusCode)
	}
	return nil
}

func (h *Handler) notifySlack(ctx context.Context, t *Ticket) error {
	color := map[string]string{
		PriorityCritical: "#d00000",
		PriorityHigh:     "#e85d04",
		PriorityMedium:   "#ffba08",
		PriorityLow:      "#8d99ae",
	}[t.Priority]

	msg := &slack.WebhookMessage{
		Text: t.Title,
		Attachments: []slack.Attachment{{
			Color: color,
			Title: t.Title,
			Text:  truncateText(t.Description, 2800),
			Fields: []slack.AttachmentField{
				{Title: "Site", Value: t.SiteID, Short: true},
				{Title: "Host", Value: t.HostID, Short: true},
				{Title: "Priority", Value: t.Priority, Short: true},
				{Title: "Ticket", Value: t.TicketID, Short: true},
			},
		}},
	}
	return h.sendSlack(ctx, h.cfg.SlackWebhookURL, msg)
}

func (h *Handler) notifyPagerDuty(ctx context.Context, t *Ticket) error {
	sev := "warning"
	if t.Priority == PriorityCritical {
		sev = "critical"
	} else if t.Priority == PriorityHigh {
		sev = "error"
	}

	event := map[string]interface{}{
		"routing_key":  h.cfg.PagerDutyKey,
		"event_action": "trigger",
		"dedup_key":    fmt.Sprintf("%s:%s:%s", t.SiteID, t.HostID, t.IncidentType),
		"payload": map[string]interface{}{
			"summary":  t.Title,
			"source":   t.HostID,
			"severity": sev,
			"custom_details": map[string]interface{}{
				"ticket_id":          t.TicketID,
				"incident_type":      t.IncidentType,
				"reason":             t.Reason,
				"recommended_action": t.RecommendedAction,
			},
		},
	}
	return h.postJSON(ctx, "https://events.pagerduty.com/v2/enqueue", event)
}

func (h *Handler) notifyEmail(t *Ticket) error {
	var auth smtp.Auth
	if h.cfg.SMTPUser != "" {
		auth = smtp.PlainAuth("", h.cfg.SMTPUser, h.cfg.SMTPPass, h.cfg.SMTPHost)
	}
	addr := fmt.Sprintf("%s:%d", h.cfg.SMTPHost, h.cfg.SMTPPort)

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s",
		h.cfg.EmailFrom, strings.Join(h.cfg.EmailTo, ", "), t.Title, t.Description)
	return h.sendMail(addr, auth, h.cfg.EmailFrom, h.cfg.EmailTo, []byte(msg))
}

func (h *Handler) postJSON(ctx context.Context, url string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned %d", url, resp.StatusCode)
	}
	return nil
}

func teamsCard(t *Ticket) map[string]interface{} {
	return map[string]interface{}{
		"@type":      "MessageCard",
		"@context":   "http://schema.org/extensions",
		"summary":    t.Title,
		"themeColor": "d00000",
		"title":      t.Title,
		"text":       truncateText(t.Description, 2800),
	}
}

func truncateText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
