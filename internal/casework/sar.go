package casework

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/finsentry/casework/internal/events"
)

// filingRank orders SAR filing statuses. The workflow advances exactly one
// rank at a time: pending -> submitted -> accepted|rejected, no skipping.
var filingRank = map[SARFilingStatus]int{
	FilingPending:   0,
	FilingSubmitted: 1,
	FilingAccepted:  2,
	FilingRejected:  2,
}

// InitiateSARFiling generates the SAR document set for a case and opens a
// filing record. It fails with ErrFilingExists while a non-rejected filing
// exists, and with ErrInvalidTransition for a terminal case.
func (s *CaseService) InitiateSARFiling(ctx context.Context, caseID, actor string) (*SARFiling, error) {
	s.mu.Lock()
	if active := s.activeFilingLocked(caseID); active != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: filing %s is %s", ErrFilingExists, active.ID, active.FilingStatus)
	}

	c, err := s.store.Get(caseID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if c.Status.Terminal() {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: case %s is %s", ErrInvalidTransition, caseID, c.Status)
	}

	now := s.clock.Now()
	filing := &SARFiling{
		ID:           uuid.New(),
		CaseID:       caseID,
		SARNumber:    s.generateSARNumber(c.Jurisdiction),
		FilingStatus: FilingPending,
		Documents:    s.buildSARDocuments(c),
		FiledBy:      actor,
		FiledAt:      now,
		UpdatedAt:    now,
	}
	s.filings[caseID] = append(s.filings[caseID], filing)
	s.mu.Unlock()

	updated, err := s.store.Update(caseID, func(c *Case) error {
		if c.Status.Terminal() {
			return fmt.Errorf("%w: case %s is %s", ErrInvalidTransition, caseID, c.Status)
		}
		// SAR fields are set once; a re-filing after rejection keeps the
		// original case-level number and timestamp.
		if !c.SARFiled {
			c.SARFiled = true
			c.SARNumber = filing.SARNumber
			filedAt := filing.FiledAt
			c.SARFiledAt = &filedAt
		}
		if transitionAllowed(c.Status, StatusSARFiled) {
			c.Status = StatusSARFiled
		}
		return nil
	})
	if err != nil {
		// The case raced into a terminal state; withdraw the filing record.
		s.mu.Lock()
		s.removeFilingLocked(caseID, filing.ID)
		s.mu.Unlock()
		return nil, err
	}

	s.metrics.SARFilings.WithLabelValues(updated.Jurisdiction).Inc()
	s.logger.Infow("SAR filing initiated",
		"case_id", caseID,
		"sar_number", filing.SARNumber,
		"filed_by", actor)
	s.publish(events.TypeSARFiled, updated, map[string]interface{}{
		"sar_number": filing.SARNumber,
		"filing_id":  filing.ID.String(),
		"filed_by":   actor,
	})
	s.recordAudit(ctx, "sar_filed", caseID, actor, map[string]interface{}{
		"sar_number": filing.SARNumber,
	})

	return cloneFiling(filing), nil
}

// UpdateFilingStatus advances the active filing. The workflow only moves
// forward: pending -> submitted -> accepted|rejected.
func (s *CaseService) UpdateFilingStatus(ctx context.Context, caseID string, status SARFilingStatus, actor string) (*SARFiling, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	filing := s.latestFilingLocked(caseID)
	if filing == nil {
		return nil, fmt.Errorf("%w: case %s", ErrFilingNotFound, caseID)
	}
	if filing.FilingStatus == FilingAccepted || filing.FilingStatus == FilingRejected {
		return nil, fmt.Errorf("%w: filing %s is %s", ErrInvalidTransition, filing.ID, filing.FilingStatus)
	}
	if filingRank[status] != filingRank[filing.FilingStatus]+1 {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, filing.FilingStatus, status)
	}

	filing.FilingStatus = status
	filing.UpdatedAt = s.clock.Now()

	if status == FilingAccepted && s.config.SAR.FollowUpDays > 0 {
		followUp := s.clock.Now().AddDate(0, 0, s.config.SAR.FollowUpDays)
		filing.FollowUpRequired = true
		filing.FollowUpDate = &followUp
	}

	s.logger.Infow("SAR filing status updated",
		"case_id", caseID,
		"filing_id", filing.ID,
		"status", status,
		"actor", actor)
	return cloneFiling(filing), nil
}

// GetFilings returns copies of all filings for a case, oldest first.
func (s *CaseService) GetFilings(caseID string) []*SARFiling {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*SARFiling, 0, len(s.filings[caseID]))
	for _, f := range s.filings[caseID] {
		out = append(out, cloneFiling(f))
	}
	return out
}

// evaluateAutoSAR initiates a filing when the auto-file threshold is
// configured and the case risk score reaches it.
func (s *CaseService) evaluateAutoSAR(ctx context.Context, c *Case) (*Case, error) {
	threshold := s.config.SAR.AutoFileThreshold
	if threshold <= 0 || c.RiskScore < threshold || c.SARFiled {
		return c, nil
	}

	if _, err := s.InitiateSARFiling(ctx, c.ID, "system"); err != nil {
		// A racing filing or terminal transition is not an intake failure.
		s.logger.Warnw("Auto SAR filing skipped", "case_id", c.ID, "error", err)
		return c, nil
	}
	return s.store.Get(c.ID)
}

// buildSARDocuments produces the structured form and the narrative for a
// filing. Documents are immutable after generation.
func (s *CaseService) buildSARDocuments(c *Case) []SARDocument {
	now := s.clock.Now()

	form := SARDocument{
		ID:    uuid.New(),
		Type:  "sar_form",
		Title: fmt.Sprintf("Suspicious Activity Report - %s", c.ID),
		Content: fmt.Sprintf(
			"Regulatory Body: %s\nCase ID: %s\nTransaction ID: %s\nSubject: %s\nJurisdiction: %s\nCase Type: %s\nPriority: %s\nRisk Score: %.0f\nViolations: %s\nFlagged At: %s",
			s.config.SAR.RegulatoryBody,
			c.ID,
			c.TransactionID,
			c.UserID,
			c.Jurisdiction,
			c.CaseType,
			c.Priority,
			c.RiskScore,
			strings.Join(c.Violations, ", "),
			c.FlaggedAt.Format("2006-01-02 15:04:05"),
		),
		GeneratedAt: now,
	}

	narrative := SARDocument{
		ID:          uuid.New(),
		Type:        "narrative",
		Title:       fmt.Sprintf("Narrative - %s", c.ID),
		Content:     s.buildNarrative(c),
		GeneratedAt: now,
	}

	return []SARDocument{form, narrative}
}

// buildNarrative concatenates the case identity, type, priority, risk score
// and the first investigation note when present.
func (s *CaseService) buildNarrative(c *Case) string {
	var b strings.Builder
	fmt.Fprintf(&b,
		"Case %s was flagged for %s with %s priority and a risk score of %.0f. ",
		c.ID, c.CaseType, c.Priority, c.RiskScore)
	fmt.Fprintf(&b,
		"The case aggregates %d violation(s) on transaction %s for subject %s.",
		len(c.Violations), c.TransactionID, c.UserID)
	if len(c.InvestigationNotes) > 0 {
		fmt.Fprintf(&b, " Investigator note: %s", c.InvestigationNotes[0].Note)
	}
	return b.String()
}

func (s *CaseService) generateSARNumber(jurisdiction string) string {
	if jurisdiction == "" {
		jurisdiction = "XX"
	}
	suffix := strings.Split(uuid.NewString(), "-")[0]
	return fmt.Sprintf("SAR-%s-%s-%s",
		strings.ToUpper(jurisdiction),
		s.clock.Now().Format("20060102"),
		strings.ToUpper(suffix))
}

// activeFilingLocked returns the newest filing that is not rejected, if any.
// Caller holds s.mu.
func (s *CaseService) activeFilingLocked(caseID string) *SARFiling {
	for i := len(s.filings[caseID]) - 1; i >= 0; i-- {
		if s.filings[caseID][i].FilingStatus != FilingRejected {
			return s.filings[caseID][i]
		}
	}
	return nil
}

// latestFilingLocked returns the newest filing regardless of status. Caller
// holds s.mu.
func (s *CaseService) latestFilingLocked(caseID string) *SARFiling {
	filings := s.filings[caseID]
	if len(filings) == 0 {
		return nil
	}
	return filings[len(filings)-1]
}

func (s *CaseService) removeFilingLocked(caseID string, filingID uuid.UUID) {
	filings := s.filings[caseID]
	for i, f := range filings {
		if f.ID == filingID {
			s.filings[caseID] = append(filings[:i], filings[i+1:]...)
			return
		}
	}
}

func cloneFiling(f *SARFiling) *SARFiling {
	cp := *f
	cp.Documents = append([]SARDocument(nil), f.Documents...)
	if f.FollowUpDate != nil {
		t := *f.FollowUpDate
		cp.FollowUpDate = &t
	}
	return &cp
}
