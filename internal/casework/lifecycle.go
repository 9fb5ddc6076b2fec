package casework

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/finsentry/casework/internal/alerting"
	"github.com/finsentry/casework/internal/audit"
	"github.com/finsentry/casework/internal/events"
	"github.com/finsentry/casework/internal/metrics"
	"github.com/finsentry/casework/internal/schedule"
)

// Alerter is the slice of the alert dispatcher the case lifecycle needs.
type Alerter interface {
	TriggerAlert(ctx context.Context, alert alerting.Alert) (*alerting.Alert, error)
}

// allowedTransitions is the case status machine. sar_filed is reachable from
// every non-terminal state and does not by itself close the case.
var allowedTransitions = map[CaseStatus][]CaseStatus{
	StatusOpen:          {StatusInProgress, StatusEscalated, StatusPendingReview, StatusSARFiled, StatusResolved, StatusClosed, StatusFalsePositive},
	StatusInProgress:    {StatusEscalated, StatusPendingReview, StatusSARFiled, StatusResolved, StatusClosed, StatusFalsePositive},
	StatusEscalated:     {StatusInProgress, StatusPendingReview, StatusSARFiled, StatusResolved, StatusClosed, StatusFalsePositive},
	StatusPendingReview: {StatusInProgress, StatusEscalated, StatusSARFiled, StatusResolved, StatusClosed, StatusFalsePositive},
	StatusSARFiled:      {StatusInProgress, StatusEscalated, StatusPendingReview, StatusResolved, StatusClosed, StatusFalsePositive},
}

// errMergeTargetClosed signals that the open case found at intake reached a
// terminal status before the merge could land. Intake falls back to opening
// a fresh case; the sentinel never escapes HandleViolation.
var errMergeTargetClosed = errors.New("case closed before merge")

func transitionAllowed(from, to CaseStatus) bool {
	if from == to {
		return false
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CaseService drives the investigation lifecycle: violation intake,
// status transitions, escalation, SAR filing, statistics, and the periodic
// timeout sweep.
type CaseService struct {
	mu     sync.Mutex // serializes intake and filing decisions
	logger *zap.SugaredLogger

	config  Config
	store   *CaseStore
	alerter Alerter
	bus     *events.Bus
	metrics *metrics.Metrics
	trail   audit.Trail
	clock   schedule.Clock

	filings map[string][]*SARFiling // case id -> filings, newest last

	sweepStop chan struct{}
	sweepOnce sync.Once
}

// NewCaseService creates the lifecycle service. The configuration must have
// passed Validate.
func NewCaseService(
	config Config,
	store *CaseStore,
	alerter Alerter,
	bus *events.Bus,
	m *metrics.Metrics,
	trail audit.Trail,
	clock schedule.Clock,
	logger *zap.SugaredLogger,
) *CaseService {
	config.ApplyDefaults()
	return &CaseService{
		logger:    logger,
		config:    config,
		store:     store,
		alerter:   alerter,
		bus:       bus,
		metrics:   m,
		trail:     trail,
		clock:     clock,
		filings:   make(map[string][]*SARFiling),
		sweepStop: make(chan struct{}),
	}
}

// HandleViolation is the intake entry point. A violation for a transaction
// that already has an open case merges into it; otherwise a new case is
// created and auto-escalation is evaluated.
func (s *CaseService) HandleViolation(ctx context.Context, tx Transaction, user User, violation ComplianceViolation) (*Case, error) {
	score := s.config.SeverityScore(violation)

	s.mu.Lock()
	if existing, ok := s.store.OpenCaseForTransaction(tx.ID); ok {
		updated, err := s.mergeViolationLocked(existing.ID, violation, score)
		switch {
		case errors.Is(err, errMergeTargetClosed):
			// A racing status update resolved the case after the open-case
			// check; fall through and open a new one.
		case err != nil:
			s.mu.Unlock()
			return nil, err
		default:
			s.mu.Unlock()

			s.metrics.ViolationsAdded.WithLabelValues(violation.Category, string(violation.Severity)).Inc()
			s.publish(events.TypeViolationAdded, updated, map[string]interface{}{
				"violation_id": violation.ID,
				"category":     violation.Category,
				"severity":     string(violation.Severity),
			})
			s.recordAudit(ctx, "violation_added", updated.ID, "system", map[string]interface{}{
				"violation_id": violation.ID,
				"risk_score":   updated.RiskScore,
			})

			return s.evaluateAutoSAR(ctx, updated)
		}
	}

	newCase := s.buildCase(tx, user, violation, score)
	if err := s.store.Create(newCase); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	s.metrics.CasesCreated.WithLabelValues(string(newCase.CaseType), string(newCase.Priority), newCase.Jurisdiction).Inc()
	s.publish(events.TypeCaseCreated, newCase, map[string]interface{}{
		"violation_id": violation.ID,
	})
	s.recordAudit(ctx, "case_created", newCase.ID, "system", map[string]interface{}{
		"transaction_id": newCase.TransactionID,
		"case_type":      newCase.CaseType,
		"priority":       newCase.Priority,
		"risk_score":     newCase.RiskScore,
	})
	s.logger.Infow("Investigation case created",
		"case_id", newCase.ID,
		"transaction_id", newCase.TransactionID,
		"user_id", newCase.UserID,
		"case_type", newCase.CaseType,
		"priority", newCase.Priority,
		"risk_score", newCase.RiskScore)

	result := newCase.Clone()
	if newCase.Priority == PriorityCritical || newCase.RiskScore >= s.config.Policy.AutoEscalateScore {
		escalated, err := s.escalate(ctx, newCase.ID, "automatic escalation due to critical risk score", "system", "auto")
		if err != nil {
			s.logger.Warnw("Auto-escalation failed", "case_id", newCase.ID, "error", err)
		} else {
			result = escalated
		}
	}

	return s.evaluateAutoSAR(ctx, result)
}

// mergeViolationLocked appends the violation to the existing case and raises
// the risk score to the max of all contributing violations. Caller holds s.mu.
// The terminal re-check inside the mutator closes the window between the
// open-case lookup and this update: status changes take the store lock but
// not s.mu, so the case may have resolved in between.
func (s *CaseService) mergeViolationLocked(caseID string, violation ComplianceViolation, score float64) (*Case, error) {
	updated, err := s.store.Update(caseID, func(c *Case) error {
		if c.Status.Terminal() {
			return errMergeTargetClosed
		}
		c.Violations = append(c.Violations, violation.ID)
		c.Evidence = append(c.Evidence, EvidenceItem{
			ID:          uuid.New(),
			Type:        "violation",
			Description: fmt.Sprintf("%s violation (%s): %s", violation.Category, violation.Severity, violation.Description),
			CollectedBy: "compliance-engine",
			CollectedAt: s.clock.Now(),
		})
		if score > c.RiskScore {
			c.RiskScore = score
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Infow("Violation merged into existing case",
		"case_id", caseID,
		"violation_id", violation.ID,
		"risk_score", updated.RiskScore)
	return updated, nil
}

func (s *CaseService) buildCase(tx Transaction, user User, violation ComplianceViolation, score float64) *Case {
	jurisdiction := tx.Jurisdiction
	if jurisdiction == "" {
		jurisdiction = user.Jurisdiction
	}

	now := s.clock.Now()
	return &Case{
		ID:            s.generateCaseID(jurisdiction),
		TransactionID: tx.ID,
		UserID:        user.ID,
		Jurisdiction:  jurisdiction,
		CaseType:      caseTypeForCategory(violation.Category),
		Priority:      s.config.PriorityForScore(score),
		Status:        StatusOpen,
		RiskScore:     score,
		Violations:    []string{violation.ID},
		Evidence: []EvidenceItem{{
			ID:          uuid.New(),
			Type:        "violation",
			Description: fmt.Sprintf("%s violation (%s): %s", violation.Category, violation.Severity, violation.Description),
			CollectedBy: "compliance-engine",
			CollectedAt: now,
		}},
		EscalationLevel: 0,
		FlaggedAt:       now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func caseTypeForCategory(category string) CaseType {
	switch strings.ToLower(category) {
	case "kyc-aml":
		return CaseTypeMoneyLaundering
	case "sanctions":
		return CaseTypeSanctionsViolation
	case "securities":
		return CaseTypeUnusualActivity
	default:
		return CaseTypeOther
	}
}

// generateCaseID builds a jurisdiction-prefixed id with a time and random
// suffix.
func (s *CaseService) generateCaseID(jurisdiction string) string {
	if jurisdiction == "" {
		jurisdiction = "XX"
	}
	suffix := strings.Split(uuid.NewString(), "-")[0]
	return fmt.Sprintf("%s-CASE-%s-%s",
		strings.ToUpper(jurisdiction),
		s.clock.Now().Format("20060102150405"),
		suffix)
}

// GetCase returns a copy of the case.
func (s *CaseService) GetCase(caseID string) (*Case, error) {
	return s.store.Get(caseID)
}

// SearchCases returns all cases matching the criteria.
func (s *CaseService) SearchCases(criteria SearchCriteria) []*Case {
	return s.store.Search(criteria)
}

// CasesForUser returns all cases linked to a user.
func (s *CaseService) CasesForUser(userID string) []*Case {
	return s.store.CasesForUser(userID)
}

// UpdateCaseStatus applies an explicit status transition. Terminal
// transitions stamp ResolvedAt.
func (s *CaseService) UpdateCaseStatus(ctx context.Context, caseID string, status CaseStatus, actor, note string) (*Case, error) {
	var oldStatus CaseStatus
	updated, err := s.store.Update(caseID, func(c *Case) error {
		oldStatus = c.Status
		if c.Status.Terminal() {
			return fmt.Errorf("%w: case %s is %s", ErrInvalidTransition, caseID, c.Status)
		}
		if !transitionAllowed(c.Status, status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, status)
		}
		c.Status = status
		if status.Terminal() {
			now := s.clock.Now()
			c.ResolvedAt = &now
		}
		if note != "" {
			c.InvestigationNotes = append(c.InvestigationNotes, InvestigationNote{
				ID:        uuid.New(),
				Author:    actor,
				Note:      note,
				CreatedAt: s.clock.Now(),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Infow("Case status updated",
		"case_id", caseID,
		"old_status", oldStatus,
		"new_status", status,
		"actor", actor)
	s.publish(events.TypeCaseStatusUpdated, updated, map[string]interface{}{
		"old_status": string(oldStatus),
		"new_status": string(status),
		"actor":      actor,
	})
	s.recordAudit(ctx, "case_status_updated", caseID, actor, map[string]interface{}{
		"old_status": oldStatus,
		"new_status": status,
	})

	return updated, nil
}

// EscalateCase raises the case one escalation level, records the
// transition, and triggers an alert. Escalating a terminal case is rejected
// with ErrInvalidTransition.
func (s *CaseService) EscalateCase(ctx context.Context, caseID, reason, actor string) (*Case, error) {
	return s.escalate(ctx, caseID, reason, actor, "manual")
}

func (s *CaseService) escalate(ctx context.Context, caseID, reason, actor, trigger string) (*Case, error) {
	updated, err := s.store.Update(caseID, func(c *Case) error {
		if c.Status.Terminal() {
			return fmt.Errorf("%w: case %s is %s", ErrInvalidTransition, caseID, c.Status)
		}
		c.EscalationHistory = append(c.EscalationHistory, EscalationRecord{
			FromLevel:   c.EscalationLevel,
			ToLevel:     c.EscalationLevel + 1,
			Reason:      reason,
			EscalatedBy: actor,
			EscalatedAt: s.clock.Now(),
		})
		c.EscalationLevel++
		c.Status = StatusEscalated
		c.Priority = c.Priority.Raise()
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.CaseEscalations.WithLabelValues(trigger).Inc()
	s.logger.Infow("Case escalated",
		"case_id", caseID,
		"level", updated.EscalationLevel,
		"reason", reason,
		"actor", actor)
	s.publish(events.TypeCaseEscalated, updated, map[string]interface{}{
		"level":  updated.EscalationLevel,
		"reason": reason,
		"actor":  actor,
	})
	s.recordAudit(ctx, "case_escalated", caseID, actor, map[string]interface{}{
		"level":  updated.EscalationLevel,
		"reason": reason,
	})

	severity := alerting.SeverityHigh
	if updated.EscalationLevel >= s.config.Escalation.CriticalAlertLevel {
		severity = alerting.SeverityCritical
	}
	if s.alerter != nil {
		_, alertErr := s.alerter.TriggerAlert(ctx, alerting.Alert{
			Type:         "case-escalation",
			Severity:     severity,
			Title:        fmt.Sprintf("Case %s escalated to level %d", caseID, updated.EscalationLevel),
			Description:  reason,
			EntityType:   "case",
			EntityID:     caseID,
			Jurisdiction: updated.Jurisdiction,
			Metadata: map[string]interface{}{
				"priority":   string(updated.Priority),
				"risk_score": updated.RiskScore,
			},
		})
		if alertErr != nil {
			s.logger.Warnw("Escalation alert failed", "case_id", caseID, "error", alertErr)
		}
	}

	return updated, nil
}

// AssignCase assigns the case to an investigator.
func (s *CaseService) AssignCase(ctx context.Context, caseID, investigator, assignedBy string) (*Case, error) {
	updated, err := s.store.Update(caseID, func(c *Case) error {
		if c.Status.Terminal() {
			return fmt.Errorf("%w: case %s is %s", ErrInvalidTransition, caseID, c.Status)
		}
		c.AssignedTo = investigator
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Infow("Case assigned",
		"case_id", caseID,
		"investigator", investigator,
		"assigned_by", assignedBy)
	s.recordAudit(ctx, "case_assigned", caseID, assignedBy, map[string]interface{}{
		"investigator": investigator,
	})
	return updated, nil
}

// AddNote appends an attributable investigation note.
func (s *CaseService) AddNote(ctx context.Context, caseID, author, note string, sensitive bool) (*Case, error) {
	return s.store.Update(caseID, func(c *Case) error {
		c.InvestigationNotes = append(c.InvestigationNotes, InvestigationNote{
			ID:        uuid.New(),
			Author:    author,
			Note:      note,
			Sensitive: sensitive,
			CreatedAt: s.clock.Now(),
		})
		return nil
	})
}

// AddEvidence appends a typed evidence item.
func (s *CaseService) AddEvidence(ctx context.Context, caseID string, item EvidenceItem) (*Case, error) {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.CollectedAt.IsZero() {
		item.CollectedAt = s.clock.Now()
	}
	updated, err := s.store.Update(caseID, func(c *Case) error {
		c.Evidence = append(c.Evidence, item)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.recordAudit(ctx, "evidence_added", caseID, item.CollectedBy, map[string]interface{}{
		"evidence_type": item.Type,
	})
	return updated, nil
}

// GetCaseStatistics aggregates counts and rates over all cases.
func (s *CaseService) GetCaseStatistics() Statistics {
	cases := s.store.All()

	stats := Statistics{
		CasesByStatus:       make(map[CaseStatus]int),
		CasesByPriority:     make(map[CasePriority]int),
		CasesByType:         make(map[CaseType]int),
		CasesByJurisdiction: make(map[string]int),
		GeneratedAt:         s.clock.Now(),
	}

	var resolutionHours float64
	var resolvedCount, escalatedCount, sarCount, falsePositiveCount int

	for _, c := range cases {
		stats.TotalCases++
		stats.CasesByStatus[c.Status]++
		stats.CasesByPriority[c.Priority]++
		stats.CasesByType[c.CaseType]++
		stats.CasesByJurisdiction[c.Jurisdiction]++

		if c.ResolvedAt != nil {
			resolutionHours += c.ResolvedAt.Sub(c.FlaggedAt).Hours()
			resolvedCount++
		}
		if c.EscalationLevel > 0 {
			escalatedCount++
		}
		if c.SARFiled {
			sarCount++
		}
		if c.Status == StatusFalsePositive {
			falsePositiveCount++
		}
	}

	// Reset before setting so statuses whose count dropped to zero do not
	// linger on the gauge.
	s.metrics.CaseStatus.Reset()
	for status, count := range stats.CasesByStatus {
		s.metrics.CaseStatus.WithLabelValues(string(status)).Set(float64(count))
	}

	if resolvedCount > 0 {
		stats.AverageResolutionHrs = resolutionHours / float64(resolvedCount)
	}
	if stats.TotalCases > 0 {
		total := float64(stats.TotalCases)
		stats.EscalationRate = float64(escalatedCount) / total
		stats.SARFilingRate = float64(sarCount) / total
		stats.FalsePositiveRate = float64(falsePositiveCount) / total
	}

	return stats
}

// StartSweep schedules the periodic timeout sweep on the service clock.
func (s *CaseService) StartSweep() {
	s.scheduleSweep()
	s.logger.Infow("Timeout sweep started", "interval", s.config.Sweep.Interval)
}

func (s *CaseService) scheduleSweep() {
	s.clock.AfterFunc(s.config.Sweep.Interval, func() {
		select {
		case <-s.sweepStop:
			return
		default:
		}
		s.RunSweep(context.Background())
		s.scheduleSweep()
	})
}

// StopSweep stops rescheduling the sweep.
func (s *CaseService) StopSweep() {
	s.sweepOnce.Do(func() { close(s.sweepStop) })
}

// RunSweep auto-escalates every open or in-progress case whose
// hours-since-flagged exceed the timeout configured for the next escalation
// level. Returns the number of cases escalated.
func (s *CaseService) RunSweep(ctx context.Context) int {
	now := s.clock.Now()
	escalated := 0

	for _, status := range []CaseStatus{StatusOpen, StatusInProgress} {
		for _, c := range s.store.Search(SearchCriteria{Status: status}) {
			threshold, ok := s.config.Escalation.TimeoutHours[c.EscalationLevel+1]
			if !ok {
				continue
			}
			if now.Sub(c.FlaggedAt).Hours() <= threshold {
				continue
			}
			if _, err := s.escalate(ctx, c.ID, "automatic escalation due to timeout", "system", "timeout"); err != nil {
				s.logger.Warnw("Sweep escalation failed", "case_id", c.ID, "error", err)
				continue
			}
			escalated++
		}
	}

	if escalated > 0 {
		s.logger.Infow("Timeout sweep escalated cases", "count", escalated)
	}
	return escalated
}

func (s *CaseService) publish(eventType string, c *Case, extra map[string]interface{}) {
	if s.bus == nil {
		return
	}
	payload := map[string]interface{}{
		"case_id":        c.ID,
		"transaction_id": c.TransactionID,
		"user_id":        c.UserID,
		"case_type":      string(c.CaseType),
		"priority":       string(c.Priority),
		"status":         string(c.Status),
		"risk_score":     c.RiskScore,
	}
	for k, v := range extra {
		payload[k] = v
	}
	s.bus.Publish(events.Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: s.clock.Now(),
		Payload:   payload,
	})
}

func (s *CaseService) recordAudit(ctx context.Context, action, caseID, actor string, details map[string]interface{}) {
	if s.trail == nil {
		return
	}
	entry := audit.NewEntry(action, "case", caseID, actor, details)
	if err := s.trail.RecordAction(ctx, entry); err != nil {
		s.logger.Warnw("Failed to record audit action", "action", action, "case_id", caseID, "error", err)
	}
}
