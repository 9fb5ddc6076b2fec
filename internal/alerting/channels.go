package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// NotificationChannel delivers alerts to one destination. Implementations
// must respect the context deadline; the dispatcher bounds every delivery
// with a timeout.
type NotificationChannel interface {
	Name() string
	Type() string
	Send(ctx context.Context, alert *Alert) error
}

var channelValidator = validator.New()

// BuildChannel constructs a channel from its configuration. Configuration
// errors (unknown type, missing required settings) are fatal at
// initialization time only.
func BuildChannel(cfg ChannelConfig, logger *zap.Logger) (NotificationChannel, error) {
	if err := channelValidator.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid channel config %q: %w", cfg.Name, err)
	}

	switch cfg.Type {
	case "webhook":
		url := cfg.Settings["url"]
		if url == "" {
			return nil, fmt.Errorf("webhook channel %q requires a url setting", cfg.Name)
		}
		return &WebhookChannel{name: cfg.Name, url: url, method: "POST", logger: logger}, nil
	case "slack":
		url := cfg.Settings["webhook_url"]
		if url == "" {
			return nil, fmt.Errorf("slack channel %q requires a webhook_url setting", cfg.Name)
		}
		return &SlackChannel{
			name:       cfg.Name,
			webhookURL: url,
			channel:    cfg.Settings["channel"],
			username:   defaultString(cfg.Settings["username"], "Casework Bot"),
			logger:     logger,
		}, nil
	case "email":
		to := cfg.Settings["to"]
		if to == "" {
			return nil, fmt.Errorf("email channel %q requires a to setting", cfg.Name)
		}
		return &EmailChannel{
			name:      cfg.Name,
			fromEmail: cfg.Settings["from"],
			toEmails:  []string{to},
			subject:   defaultString(cfg.Settings["subject"], "Compliance Alert"),
			logger:    logger,
		}, nil
	case "log":
		return &LogChannel{name: cfg.Name, logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown channel type %q", cfg.Type)
	}
}

// WebhookChannel posts the alert as JSON to a configured endpoint.
type WebhookChannel struct {
	name   string
	url    string
	method string
	logger *zap.Logger
}

// Name returns the configured channel name.
func (wc *WebhookChannel) Name() string { return wc.name }

// Type returns "webhook".
func (wc *WebhookChannel) Type() string { return "webhook" }

// Send posts the alert payload.
func (wc *WebhookChannel) Send(ctx context.Context, alert *Alert) error {
	payload := map[string]interface{}{
		"id":           alert.ID,
		"type":         alert.Type,
		"severity":     alert.Severity,
		"title":        alert.Title,
		"description":  alert.Description,
		"entity_type":  alert.EntityType,
		"entity_id":    alert.EntityID,
		"jurisdiction": alert.Jurisdiction,
		"triggered_at": alert.TriggeredAt,
		"level":        alert.EscalationLevel,
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "failed to marshal alert payload")
	}

	req, err := http.NewRequestWithContext(ctx, wc.method, wc.url, bytes.NewBuffer(jsonData))
	if err != nil {
		return errors.Wrap(err, "failed to create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to send webhook request")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// SlackChannel sends the alert to a Slack incoming webhook.
type SlackChannel struct {
	name       string
	webhookURL string
	channel    string
	username   string
	logger     *zap.Logger
}

// Name returns the configured channel name.
func (sc *SlackChannel) Name() string { return sc.name }

// Type returns "slack".
func (sc *SlackChannel) Type() string { return "slack" }

// Send posts a formatted message to the Slack webhook.
func (sc *SlackChannel) Send(ctx context.Context, alert *Alert) error {
	payload := map[string]interface{}{
		"channel":  sc.channel,
		"username": sc.username,
		"attachments": []map[string]interface{}{
			{
				"color": severityColor(alert.Severity),
				"title": fmt.Sprintf("Compliance Alert: %s", alert.Type),
				"text":  alert.Description,
				"fields": []map[string]interface{}{
					{"title": "Alert ID", "value": alert.ID.String(), "short": true},
					{"title": "Entity", "value": fmt.Sprintf("%s/%s", alert.EntityType, alert.EntityID), "short": true},
					{"title": "Severity", "value": string(alert.Severity), "short": true},
					{"title": "Level", "value": fmt.Sprintf("%d", alert.EscalationLevel), "short": true},
				},
				"footer": "Casework Alerting",
				"ts":     alert.TriggeredAt.Unix(),
			},
		},
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "failed to marshal Slack payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sc.webhookURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return errors.Wrap(err, "failed to create Slack request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to send Slack webhook")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Slack webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func severityColor(severity Severity) string {
	switch severity {
	case SeverityLow:
		return "good"
	case SeverityMedium:
		return "warning"
	case SeverityHigh:
		return "danger"
	case SeverityCritical:
		return "#FF0000"
	default:
		return "#CCCCCC"
	}
}

// EmailChannel formats the alert for email delivery. SMTP submission is
// handled by the mail relay collaborator; the channel hands the message off
// through the log until one is wired.
type EmailChannel struct {
	name      string
	fromEmail string
	toEmails  []string
	subject   string
	logger    *zap.Logger
}

// Name returns the configured channel name.
func (ec *EmailChannel) Name() string { return ec.name }

// Type returns "email".
func (ec *EmailChannel) Type() string { return "email" }

// Send formats and hands off the alert email.
func (ec *EmailChannel) Send(ctx context.Context, alert *Alert) error {
	body := fmt.Sprintf(`Compliance Alert

Alert ID: %s
Type: %s
Severity: %s
Entity: %s/%s
Title: %s
Description: %s
Triggered: %s
Escalation Level: %d
`, alert.ID, alert.Type, alert.Severity, alert.EntityType, alert.EntityID,
		alert.Title, alert.Description, alert.TriggeredAt.Format(time.RFC3339),
		alert.EscalationLevel)

	ec.logger.Info("Email alert handed off",
		zap.Strings("to", ec.toEmails),
		zap.String("subject", ec.subject),
		zap.String("alert_id", alert.ID.String()),
		zap.Int("body_bytes", len(body)))
	return nil
}

// LogChannel writes the alert to the structured log. Used as the default
// channel in deployments without external notification endpoints.
type LogChannel struct {
	name   string
	logger *zap.Logger
}

// Name returns the configured channel name.
func (lc *LogChannel) Name() string { return lc.name }

// Type returns "log".
func (lc *LogChannel) Type() string { return "log" }

// Send logs the alert.
func (lc *LogChannel) Send(_ context.Context, alert *Alert) error {
	lc.logger.Warn("Compliance alert",
		zap.String("alert_id", alert.ID.String()),
		zap.String("type", alert.Type),
		zap.String("severity", string(alert.Severity)),
		zap.String("entity_type", alert.EntityType),
		zap.String("entity_id", alert.EntityID),
		zap.String("title", alert.Title),
		zap.Int("level", alert.EscalationLevel))
	return nil
}

func defaultString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
