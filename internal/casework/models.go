// Package casework implements the compliance case engine: the authoritative
// case store, the investigation lifecycle state machine, and the SAR filing
// workflow.
package casework

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CasePriority represents the investigation priority of a case.
type CasePriority string

const (
	PriorityLow      CasePriority = "low"
	PriorityMedium   CasePriority = "medium"
	PriorityHigh     CasePriority = "high"
	PriorityCritical CasePriority = "critical"
)

// Raise returns the next priority step up. Critical stays critical.
func (p CasePriority) Raise() CasePriority {
	switch p {
	case PriorityLow:
		return PriorityMedium
	case PriorityMedium:
		return PriorityHigh
	case PriorityHigh, PriorityCritical:
		return PriorityCritical
	default:
		return p
	}
}

// CaseStatus represents the state of an investigation case.
type CaseStatus string

const (
	StatusOpen          CaseStatus = "open"
	StatusInProgress    CaseStatus = "in_progress"
	StatusEscalated     CaseStatus = "escalated"
	StatusPendingReview CaseStatus = "pending_review"
	StatusSARFiled      CaseStatus = "sar_filed"
	StatusResolved      CaseStatus = "resolved"
	StatusClosed        CaseStatus = "closed"
	StatusFalsePositive CaseStatus = "false_positive"
)

// Terminal reports whether the status ends the investigation lifecycle.
func (s CaseStatus) Terminal() bool {
	switch s {
	case StatusResolved, StatusClosed, StatusFalsePositive:
		return true
	}
	return false
}

// CaseType categorizes the investigation, derived from the violation
// category of the first contributing violation.
type CaseType string

const (
	CaseTypeMoneyLaundering    CaseType = "money_laundering"
	CaseTypeSanctionsViolation CaseType = "sanctions_violation"
	CaseTypeUnusualActivity    CaseType = "unusual_activity"
	CaseTypeOther              CaseType = "other"
)

// ViolationSeverity is the qualitative severity attached to a detected
// compliance violation.
type ViolationSeverity string

const (
	SeverityLow      ViolationSeverity = "low"
	SeverityMedium   ViolationSeverity = "medium"
	SeverityHigh     ViolationSeverity = "high"
	SeverityCritical ViolationSeverity = "critical"
)

// ComplianceViolation is the input produced by the upstream compliance
// engine. RiskScore is optional; when absent the engine derives it from
// Severity via policy.
type ComplianceViolation struct {
	ID          string            `json:"id"`
	Category    string            `json:"category"`
	Severity    ViolationSeverity `json:"severity"`
	Description string            `json:"description"`
	RiskScore   *float64          `json:"risk_score,omitempty"`
}

// Transaction is the read-only transaction context for a violation.
type Transaction struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	Jurisdiction string          `json:"jurisdiction"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	Timestamp    time.Time       `json:"timestamp"`
}

// User is the read-only user context for a violation.
type User struct {
	ID           string `json:"id"`
	Jurisdiction string `json:"jurisdiction"`
	AccountType  string `json:"account_type,omitempty"`
}

// EvidenceItem is an append-only evidence record attached to a case.
type EvidenceItem struct {
	ID          uuid.UUID              `json:"id"`
	Type        string                 `json:"type"`
	Description string                 `json:"description"`
	Data        map[string]interface{} `json:"data,omitempty"`
	CollectedBy string                 `json:"collected_by"`
	CollectedAt time.Time              `json:"collected_at"`
}

// InvestigationNote is an append-only, attributable note on a case.
type InvestigationNote struct {
	ID        uuid.UUID `json:"id"`
	Author    string    `json:"author"`
	Note      string    `json:"note"`
	Sensitive bool      `json:"sensitive"`
	CreatedAt time.Time `json:"created_at"`
}

// EscalationRecord is an immutable audit entry for an escalation level
// transition on a case or alert.
type EscalationRecord struct {
	FromLevel   int       `json:"from_level"`
	ToLevel     int       `json:"to_level"`
	Reason      string    `json:"reason"`
	EscalatedBy string    `json:"escalated_by"`
	EscalatedAt time.Time `json:"escalated_at"`
}

// Case is a tracked investigation record for one or more compliance
// violations linked to a transaction.
type Case struct {
	ID                 string              `json:"id"`
	TransactionID      string              `json:"transaction_id"`
	UserID             string              `json:"user_id"`
	Jurisdiction       string              `json:"jurisdiction"`
	CaseType           CaseType            `json:"case_type"`
	Priority           CasePriority        `json:"priority"`
	Status             CaseStatus          `json:"status"`
	RiskScore          float64             `json:"risk_score"`
	Violations         []string            `json:"violations"`
	Evidence           []EvidenceItem      `json:"evidence"`
	InvestigationNotes []InvestigationNote `json:"investigation_notes"`
	AssignedTo         string              `json:"assigned_to,omitempty"`
	EscalationLevel    int                 `json:"escalation_level"`
	EscalationHistory  []EscalationRecord  `json:"escalation_history"`
	SARFiled           bool                `json:"sar_filed"`
	SARNumber          string              `json:"sar_number,omitempty"`
	SARFiledAt         *time.Time          `json:"sar_filed_at,omitempty"`
	FlaggedAt          time.Time           `json:"flagged_at"`
	ResolvedAt         *time.Time          `json:"resolved_at,omitempty"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (c *Case) Clone() *Case {
	cp := *c
	cp.Violations = append([]string(nil), c.Violations...)
	cp.Evidence = append([]EvidenceItem(nil), c.Evidence...)
	cp.InvestigationNotes = append([]InvestigationNote(nil), c.InvestigationNotes...)
	cp.EscalationHistory = append([]EscalationRecord(nil), c.EscalationHistory...)
	if c.SARFiledAt != nil {
		t := *c.SARFiledAt
		cp.SARFiledAt = &t
	}
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// SARFilingStatus tracks a filing through the regulator workflow. The status
// only moves forward.
type SARFilingStatus string

const (
	FilingPending   SARFilingStatus = "pending"
	FilingSubmitted SARFilingStatus = "submitted"
	FilingAccepted  SARFilingStatus = "accepted"
	FilingRejected  SARFilingStatus = "rejected"
)

// SARDocument is a generated filing document. Documents are produced once
// at initiation and immutable thereafter.
type SARDocument struct {
	ID          uuid.UUID `json:"id"`
	Type        string    `json:"type"` // "sar_form" or "narrative"
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	GeneratedAt time.Time `json:"generated_at"`
}

// SARFiling is a Suspicious Activity Report filing record, one-to-one with
// a case while active. A rejected filing may be superseded by a new one.
type SARFiling struct {
	ID               uuid.UUID       `json:"id"`
	CaseID           string          `json:"case_id"`
	SARNumber        string          `json:"sar_number"`
	FilingStatus     SARFilingStatus `json:"filing_status"`
	Documents        []SARDocument   `json:"documents"`
	FiledBy          string          `json:"filed_by"`
	FiledAt          time.Time       `json:"filed_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	FollowUpRequired bool            `json:"follow_up_required"`
	FollowUpDate     *time.Time      `json:"follow_up_date,omitempty"`
}

// SearchCriteria is a conjunctive filter over cases. Zero values match
// everything.
type SearchCriteria struct {
	Status        CaseStatus   `json:"status,omitempty" form:"status"`
	CaseType      CaseType     `json:"case_type,omitempty" form:"case_type"`
	Priority      CasePriority `json:"priority,omitempty" form:"priority"`
	Jurisdiction  string       `json:"jurisdiction,omitempty" form:"jurisdiction"`
	AssignedTo    string       `json:"assigned_to,omitempty" form:"assigned_to"`
	MinRiskScore  *float64     `json:"min_risk_score,omitempty" form:"min_risk_score"`
	MaxRiskScore  *float64     `json:"max_risk_score,omitempty" form:"max_risk_score"`
	FlaggedAfter  *time.Time   `json:"flagged_after,omitempty" form:"flagged_after"`
	FlaggedBefore *time.Time   `json:"flagged_before,omitempty" form:"flagged_before"`
	Text          string       `json:"text,omitempty" form:"text"`
}

// Statistics aggregates case counts and investigation rates.
type Statistics struct {
	TotalCases           int                  `json:"total_cases"`
	CasesByStatus        map[CaseStatus]int   `json:"cases_by_status"`
	CasesByPriority      map[CasePriority]int `json:"cases_by_priority"`
	CasesByType          map[CaseType]int     `json:"cases_by_type"`
	CasesByJurisdiction  map[string]int       `json:"cases_by_jurisdiction"`
	AverageResolutionHrs float64              `json:"average_resolution_hours"`
	EscalationRate       float64              `json:"escalation_rate"`
	SARFilingRate        float64              `json:"sar_filing_rate"`
	FalsePositiveRate    float64              `json:"false_positive_rate"`
	GeneratedAt          time.Time            `json:"generated_at"`
}

// Sentinel errors for the engine's error taxonomy.
var (
	ErrCaseNotFound      = errors.New("case not found")
	ErrDuplicateCase     = errors.New("transaction already has an open case")
	ErrInvalidTransition = errors.New("invalid case status transition")
	ErrFilingExists      = errors.New("an active SAR filing already exists for this case")
	ErrFilingNotFound    = errors.New("SAR filing not found")
)
