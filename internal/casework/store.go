package casework

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CaseStore is the authoritative in-memory registry of investigation cases.
// It owns all case mutation: callers mutate through Update so every change
// to a given case is serialized under the store lock, and the secondary
// indices stay in sync. Cases are never physically deleted; closed cases
// persist for audit.
type CaseStore struct {
	mu     sync.RWMutex
	logger *zap.SugaredLogger

	cases  map[string]*Case
	byTx   map[string]string   // transaction id -> case id
	byUser map[string][]string // user id -> case ids
}

// NewCaseStore creates an empty case store.
func NewCaseStore(logger *zap.SugaredLogger) *CaseStore {
	return &CaseStore{
		logger: logger,
		cases:  make(map[string]*Case),
		byTx:   make(map[string]string),
		byUser: make(map[string][]string),
	}
}

// Create stores a new case and indexes it. It fails with ErrDuplicateCase if
// the transaction already has an open case; the lifecycle routes those to a
// merge instead.
func (s *CaseStore) Create(c *Case) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.cases[c.ID]; exists {
		return fmt.Errorf("case %s already exists", c.ID)
	}
	if existingID, ok := s.byTx[c.TransactionID]; ok {
		if existing := s.cases[existingID]; existing != nil && !existing.Status.Terminal() {
			return fmt.Errorf("%w: transaction %s is tracked by case %s",
				ErrDuplicateCase, c.TransactionID, existingID)
		}
	}

	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	s.cases[c.ID] = c
	s.byTx[c.TransactionID] = c.ID
	s.byUser[c.UserID] = append(s.byUser[c.UserID], c.ID)

	s.logger.Infow("Case stored",
		"case_id", c.ID,
		"transaction_id", c.TransactionID,
		"user_id", c.UserID,
		"case_type", c.CaseType,
		"priority", c.Priority)

	return nil
}

// Get returns a copy of the case with the given id.
func (s *CaseStore) Get(caseID string) (*Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.cases[caseID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCaseNotFound, caseID)
	}
	return c.Clone(), nil
}

// OpenCaseForTransaction returns a copy of the open (non-terminal) case
// tracking the transaction, if one exists.
func (s *CaseStore) OpenCaseForTransaction(txID string) (*Case, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	caseID, ok := s.byTx[txID]
	if !ok {
		return nil, false
	}
	c, ok := s.cases[caseID]
	if !ok || c.Status.Terminal() {
		return nil, false
	}
	return c.Clone(), true
}

// CasesForUser returns copies of all cases linked to the user.
func (s *CaseStore) CasesForUser(userID string) []*Case {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Case
	for _, caseID := range s.byUser[userID] {
		if c, ok := s.cases[caseID]; ok {
			out = append(out, c.Clone())
		}
	}
	return out
}

// Update applies mutate to the stored case under the store lock and bumps
// UpdatedAt. The mutator sees the live case, so it must validate before it
// mutates. A copy of the updated case is returned.
func (s *CaseStore) Update(caseID string, mutate func(*Case) error) (*Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cases[caseID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCaseNotFound, caseID)
	}
	if err := mutate(c); err != nil {
		return nil, err
	}
	c.UpdatedAt = time.Now()
	return c.Clone(), nil
}

// Search returns copies of all cases matching the conjunctive criteria.
func (s *CaseStore) Search(criteria SearchCriteria) []*Case {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Case
	for _, c := range s.cases {
		if matchesCriteria(c, criteria) {
			out = append(out, c.Clone())
		}
	}
	return out
}

// All returns copies of every case.
func (s *CaseStore) All() []*Case {
	return s.Search(SearchCriteria{})
}

// Count returns the number of stored cases.
func (s *CaseStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cases)
}

func matchesCriteria(c *Case, criteria SearchCriteria) bool {
	if criteria.Status != "" && c.Status != criteria.Status {
		return false
	}
	if criteria.CaseType != "" && c.CaseType != criteria.CaseType {
		return false
	}
	if criteria.Priority != "" && c.Priority != criteria.Priority {
		return false
	}
	if criteria.Jurisdiction != "" && c.Jurisdiction != criteria.Jurisdiction {
		return false
	}
	if criteria.AssignedTo != "" && c.AssignedTo != criteria.AssignedTo {
		return false
	}
	if criteria.MinRiskScore != nil && c.RiskScore < *criteria.MinRiskScore {
		return false
	}
	if criteria.MaxRiskScore != nil && c.RiskScore > *criteria.MaxRiskScore {
		return false
	}
	if criteria.FlaggedAfter != nil && c.FlaggedAt.Before(*criteria.FlaggedAfter) {
		return false
	}
	if criteria.FlaggedBefore != nil && c.FlaggedAt.After(*criteria.FlaggedBefore) {
		return false
	}
	if criteria.Text != "" && !matchesText(c, criteria.Text) {
		return false
	}
	return true
}

func matchesText(c *Case, text string) bool {
	needle := strings.ToLower(text)
	if strings.Contains(strings.ToLower(c.ID), needle) ||
		strings.Contains(strings.ToLower(c.TransactionID), needle) ||
		strings.Contains(strings.ToLower(c.UserID), needle) {
		return true
	}
	for _, note := range c.InvestigationNotes {
		if strings.Contains(strings.ToLower(note.Note), needle) {
			return true
		}
	}
	for _, ev := range c.Evidence {
		if strings.Contains(strings.ToLower(ev.Description), needle) {
			return true
		}
	}
	return false
}
