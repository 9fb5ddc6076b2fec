// Package alerting implements multi-channel alert dispatch with filtering,
// duplicate suppression, and tiered escalation.
package alerting

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/finsentry/casework/internal/schedule"
)

// Severity levels for alerts.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Status is the alert lifecycle state. Resolved and false_positive are
// terminal.
type Status string

const (
	StatusOpen          Status = "open"
	StatusAcknowledged  Status = "acknowledged"
	StatusInvestigating Status = "investigating"
	StatusResolved      Status = "resolved"
	StatusFalsePositive Status = "false_positive"
)

// Terminal reports whether the status ends the alert lifecycle.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusFalsePositive
}

// EscalationRecord is an immutable audit entry for an alert escalation
// level transition.
type EscalationRecord struct {
	FromLevel   int       `json:"from_level"`
	ToLevel     int       `json:"to_level"`
	Reason      string    `json:"reason"`
	EscalatedBy string    `json:"escalated_by"`
	EscalatedAt time.Time `json:"escalated_at"`
}

// DeliveryResult records the outcome of one channel delivery attempt.
type DeliveryResult struct {
	Channel     string     `json:"channel"`
	Success     bool       `json:"success"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Alert is a notification about a compliance event requiring human
// attention. Alerts are owned exclusively by the Dispatcher.
type Alert struct {
	ID                uuid.UUID              `json:"id"`
	Type              string                 `json:"type"`
	Severity          Severity               `json:"severity"`
	Title             string                 `json:"title"`
	Description       string                 `json:"description"`
	EntityType        string                 `json:"entity_type"`
	EntityID          string                 `json:"entity_id"`
	Jurisdiction      string                 `json:"jurisdiction,omitempty"`
	TriggeredAt       time.Time              `json:"triggered_at"`
	Status            Status                 `json:"status"`
	EscalationLevel   int                    `json:"escalation_level"`
	EscalationHistory []EscalationRecord     `json:"escalation_history,omitempty"`
	AssignedTo        string                 `json:"assigned_to,omitempty"`
	AcknowledgedBy    string                 `json:"acknowledged_by,omitempty"`
	AcknowledgedAt    *time.Time             `json:"acknowledged_at,omitempty"`
	ResolvedAt        *time.Time             `json:"resolved_at,omitempty"`
	Suppressed        bool                   `json:"suppressed"`
	SuppressedBy      string                 `json:"suppressed_by,omitempty"`
	DeliveryResults   []DeliveryResult       `json:"delivery_results,omitempty"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
}

// Clone returns a deep copy so callers cannot mutate dispatcher state.
func (a *Alert) Clone() *Alert {
	cp := *a
	cp.EscalationHistory = append([]EscalationRecord(nil), a.EscalationHistory...)
	cp.DeliveryResults = append([]DeliveryResult(nil), a.DeliveryResults...)
	if a.AcknowledgedAt != nil {
		t := *a.AcknowledgedAt
		cp.AcknowledgedAt = &t
	}
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		cp.ResolvedAt = &t
	}
	if a.Metadata != nil {
		cp.Metadata = make(map[string]interface{}, len(a.Metadata))
		for k, v := range a.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// ChannelFilter restricts which alerts a channel receives. Empty slices
// match everything; an alert without a jurisdiction passes any jurisdiction
// filter.
type ChannelFilter struct {
	Severities    []Severity `yaml:"severities" json:"severities,omitempty"`
	EntityTypes   []string   `yaml:"entity_types" json:"entity_types,omitempty"`
	Jurisdictions []string   `yaml:"jurisdictions" json:"jurisdictions,omitempty"`
}

// Matches evaluates the filter against an alert.
func (f ChannelFilter) Matches(a *Alert) bool {
	if len(f.Severities) > 0 && !containsSeverity(f.Severities, a.Severity) {
		return false
	}
	if len(f.EntityTypes) > 0 && !containsString(f.EntityTypes, a.EntityType) {
		return false
	}
	if len(f.Jurisdictions) > 0 && a.Jurisdiction != "" &&
		!containsString(f.Jurisdictions, a.Jurisdiction) {
		return false
	}
	return true
}

// ChannelConfig configures one notification channel. Missing required
// settings are a fatal initialization error, never a per-alert one.
type ChannelConfig struct {
	Name     string            `yaml:"name" json:"name" validate:"required"`
	Type     string            `yaml:"type" json:"type" validate:"required,oneof=webhook email slack log"`
	Enabled  bool              `yaml:"enabled" json:"enabled"`
	Filter   ChannelFilter     `yaml:"filter" json:"filter"`
	Settings map[string]string `yaml:"settings" json:"settings,omitempty"`
}

// SuppressionRule withholds delivery of matching alerts. A duplicate rule
// suppresses an alert when an active alert with the same type, entity type
// and entity id was triggered within the window. A maintenance rule
// suppresses everything while active.
type SuppressionRule struct {
	Name       string        `yaml:"name" json:"name" validate:"required"`
	Type       string        `yaml:"type" json:"type" validate:"required,oneof=duplicate maintenance"`
	Window     time.Duration `yaml:"window" json:"window"`
	AlertTypes []string      `yaml:"alert_types" json:"alert_types,omitempty"`
	Active     bool          `yaml:"active" json:"active"`
}

// EscalationPolicy configures tiered escalation for delivered alerts.
type EscalationPolicy struct {
	Enabled bool             `yaml:"enabled" json:"enabled"`
	Levels  []schedule.Level `yaml:"levels" json:"levels"`
}

// Config holds the dispatcher configuration.
type Config struct {
	Channels        []ChannelConfig   `yaml:"channels" json:"channels"`
	Suppression     []SuppressionRule `yaml:"suppression" json:"suppression"`
	Escalation      EscalationPolicy  `yaml:"escalation" json:"escalation"`
	DeliveryTimeout time.Duration     `yaml:"delivery_timeout" json:"delivery_timeout"`
	Retention       time.Duration     `yaml:"retention" json:"retention"`
}

// ApplyDefaults fills zero-valued settings.
func (c *Config) ApplyDefaults() {
	if c.DeliveryTimeout == 0 {
		c.DeliveryTimeout = 10 * time.Second
	}
	if c.Retention == 0 {
		c.Retention = 7 * 24 * time.Hour
	}
}

// Criteria filters alert queries. Zero values match everything; suppressed
// alerts are excluded unless IncludeSuppressed is set.
type Criteria struct {
	Type              string   `json:"type,omitempty" form:"type"`
	Severity          Severity `json:"severity,omitempty" form:"severity"`
	Status            Status   `json:"status,omitempty" form:"status"`
	EntityType        string   `json:"entity_type,omitempty" form:"entity_type"`
	EntityID          string   `json:"entity_id,omitempty" form:"entity_id"`
	IncludeSuppressed bool     `json:"include_suppressed,omitempty" form:"include_suppressed"`
}

// AlertStatistics aggregates dispatcher counters.
type AlertStatistics struct {
	TotalAlerts      int              `json:"total_alerts"`
	ActiveAlerts     int              `json:"active_alerts"`
	SuppressedAlerts int              `json:"suppressed_alerts"`
	BySeverity       map[Severity]int `json:"by_severity"`
	ByStatus         map[Status]int   `json:"by_status"`
	GeneratedAt      time.Time        `json:"generated_at"`
}

// Sentinel errors.
var (
	ErrAlertNotFound     = errors.New("alert not found")
	ErrInvalidTransition = errors.New("invalid alert status transition")
)

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsSeverity(list []Severity, v Severity) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
