package casework

import (
	"fmt"
	"time"
)

// Config holds the case engine's policy settings. The severity mapping and
// priority thresholds default to the standard policy but are deployment
// configuration, not invariants.
type Config struct {
	Policy     PolicyConfig     `yaml:"policy" json:"policy"`
	Escalation EscalationConfig `yaml:"escalation" json:"escalation"`
	SAR        SARConfig        `yaml:"sar" json:"sar"`
	Sweep      SweepConfig      `yaml:"sweep" json:"sweep"`
}

// PolicyConfig maps violation severity to risk score and risk score to
// priority.
type PolicyConfig struct {
	SeverityScores    map[ViolationSeverity]float64 `yaml:"severity_scores" json:"severity_scores"`
	DefaultScore      float64                       `yaml:"default_score" json:"default_score"`
	CriticalThreshold float64                       `yaml:"critical_threshold" json:"critical_threshold"`
	HighThreshold     float64                       `yaml:"high_threshold" json:"high_threshold"`
	MediumThreshold   float64                       `yaml:"medium_threshold" json:"medium_threshold"`
	AutoEscalateScore float64                       `yaml:"auto_escalate_score" json:"auto_escalate_score"`
}

// EscalationConfig controls timeout-driven escalation. TimeoutHours maps the
// target escalation level to the hours-since-flagged threshold that triggers
// it.
type EscalationConfig struct {
	TimeoutHours       map[int]float64 `yaml:"timeout_hours" json:"timeout_hours"`
	CriticalAlertLevel int             `yaml:"critical_alert_level" json:"critical_alert_level"`
}

// SARConfig controls SAR filing behavior. AutoFileThreshold of zero disables
// automatic filing at violation intake.
type SARConfig struct {
	AutoFileThreshold float64 `yaml:"auto_file_threshold" json:"auto_file_threshold"`
	RegulatoryBody    string  `yaml:"regulatory_body" json:"regulatory_body"`
	FollowUpDays      int     `yaml:"follow_up_days" json:"follow_up_days"`
}

// SweepConfig controls the periodic timeout sweep cadence.
type SweepConfig struct {
	Interval time.Duration `yaml:"interval" json:"interval"`
}

// DefaultConfig returns the reference policy.
func DefaultConfig() Config {
	return Config{
		Policy: PolicyConfig{
			SeverityScores: map[ViolationSeverity]float64{
				SeverityCritical: 95,
				SeverityHigh:     80,
				SeverityMedium:   50,
				SeverityLow:      25,
			},
			DefaultScore:      0,
			CriticalThreshold: 90,
			HighThreshold:     70,
			MediumThreshold:   40,
			AutoEscalateScore: 90,
		},
		Escalation: EscalationConfig{
			TimeoutHours: map[int]float64{
				1: 24,
				2: 48,
				3: 72,
			},
			CriticalAlertLevel: 3,
		},
		SAR: SARConfig{
			AutoFileThreshold: 0,
			RegulatoryBody:    "FinCEN",
			FollowUpDays:      90,
		},
		Sweep: SweepConfig{
			Interval: time.Hour,
		},
	}
}

// ApplyDefaults fills any zero-valued field from the reference policy.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()
	if len(c.Policy.SeverityScores) == 0 {
		c.Policy.SeverityScores = defaults.Policy.SeverityScores
	}
	if c.Policy.CriticalThreshold == 0 {
		c.Policy.CriticalThreshold = defaults.Policy.CriticalThreshold
	}
	if c.Policy.HighThreshold == 0 {
		c.Policy.HighThreshold = defaults.Policy.HighThreshold
	}
	if c.Policy.MediumThreshold == 0 {
		c.Policy.MediumThreshold = defaults.Policy.MediumThreshold
	}
	if c.Policy.AutoEscalateScore == 0 {
		c.Policy.AutoEscalateScore = defaults.Policy.AutoEscalateScore
	}
	if len(c.Escalation.TimeoutHours) == 0 {
		c.Escalation.TimeoutHours = defaults.Escalation.TimeoutHours
	}
	if c.Escalation.CriticalAlertLevel == 0 {
		c.Escalation.CriticalAlertLevel = defaults.Escalation.CriticalAlertLevel
	}
	if c.SAR.RegulatoryBody == "" {
		c.SAR.RegulatoryBody = defaults.SAR.RegulatoryBody
	}
	if c.SAR.FollowUpDays == 0 {
		c.SAR.FollowUpDays = defaults.SAR.FollowUpDays
	}
	if c.Sweep.Interval == 0 {
		c.Sweep.Interval = defaults.Sweep.Interval
	}
}

// Validate checks threshold ordering. Called once at startup.
func (c *Config) Validate() error {
	if c.Policy.MediumThreshold >= c.Policy.HighThreshold ||
		c.Policy.HighThreshold >= c.Policy.CriticalThreshold {
		return fmt.Errorf("priority thresholds must be strictly increasing: medium=%v high=%v critical=%v",
			c.Policy.MediumThreshold, c.Policy.HighThreshold, c.Policy.CriticalThreshold)
	}
	for level, hours := range c.Escalation.TimeoutHours {
		if level < 1 || hours <= 0 {
			return fmt.Errorf("invalid escalation timeout: level=%d hours=%v", level, hours)
		}
	}
	return nil
}

// SeverityScore derives the numeric risk score for a violation. An explicit
// score on the violation wins over the severity mapping.
func (c *Config) SeverityScore(v ComplianceViolation) float64 {
	if v.RiskScore != nil {
		return clampScore(*v.RiskScore)
	}
	if score, ok := c.Policy.SeverityScores[v.Severity]; ok {
		return clampScore(score)
	}
	return clampScore(c.Policy.DefaultScore)
}

// PriorityForScore maps a risk score onto a case priority.
func (c *Config) PriorityForScore(score float64) CasePriority {
	switch {
	case score >= c.Policy.CriticalThreshold:
		return PriorityCritical
	case score >= c.Policy.HighThreshold:
		return PriorityHigh
	case score >= c.Policy.MediumThreshold:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

func clampScore(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
