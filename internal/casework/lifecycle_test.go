package casework

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/finsentry/casework/internal/alerting"
	"github.com/finsentry/casework/internal/audit"
	"github.com/finsentry/casework/internal/events"
	"github.com/finsentry/casework/internal/metrics"
	"github.com/finsentry/casework/internal/schedule"
)

// recordingAlerter captures every alert the lifecycle triggers.
type recordingAlerter struct {
	mu     sync.Mutex
	alerts []alerting.Alert
}

func (r *recordingAlerter) TriggerAlert(_ context.Context, alert alerting.Alert) (*alerting.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
	return &alert, nil
}

func (r *recordingAlerter) all() []alerting.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]alerting.Alert(nil), r.alerts...)
}

type serviceFixture struct {
	service   *CaseService
	store     *CaseStore
	alerter   *recordingAlerter
	clock     *schedule.ManualClock
	trail     *audit.MemoryTrail
	metrics   *metrics.Metrics
	published *[]events.Event
}

func newServiceFixture(t *testing.T, mutateConfig func(*Config)) *serviceFixture {
	t.Helper()

	cfg := DefaultConfig()
	if mutateConfig != nil {
		mutateConfig(&cfg)
	}
	require.NoError(t, cfg.Validate())

	logger := zap.NewNop().Sugar()
	clock := schedule.NewManualClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := NewCaseStore(logger)
	alerter := &recordingAlerter{}
	trail := audit.NewMemoryTrail()

	var published []events.Event
	bus := events.NewBus(logger)
	bus.Subscribe(events.SinkFunc(func(e events.Event) { published = append(published, e) }))

	m := metrics.NewForTesting()
	service := NewCaseService(cfg, store, alerter, bus, m, trail, clock, logger)
	return &serviceFixture{
		service:   service,
		store:     store,
		alerter:   alerter,
		clock:     clock,
		trail:     trail,
		metrics:   m,
		published: &published,
	}
}

func sanctionsViolation(id string) ComplianceViolation {
	return ComplianceViolation{
		ID:          id,
		Category:    "sanctions",
		Severity:    SeverityCritical,
		Description: "Counterparty matches OFAC SDN list",
	}
}

func kycViolation(id string, severity ViolationSeverity) ComplianceViolation {
	return ComplianceViolation{
		ID:          id,
		Category:    "kyc-aml",
		Severity:    severity,
		Description: "Transaction volume inconsistent with declared profile",
	}
}

func txContext(id string) (Transaction, User) {
	return Transaction{ID: id, UserID: "u-1", Jurisdiction: "US"}, User{ID: "u-1", Jurisdiction: "US"}
}

func TestHandleViolationCreatesCriticalCase(t *testing.T) {
	f := newServiceFixture(t, nil)
	tx, user := txContext("tx-1")

	c, err := f.service.HandleViolation(context.Background(), tx, user, sanctionsViolation("v-1"))
	require.NoError(t, err)

	assert.Equal(t, CaseTypeSanctionsViolation, c.CaseType)
	assert.Equal(t, PriorityCritical, c.Priority)
	assert.Equal(t, 95.0, c.RiskScore)
	assert.Contains(t, c.ID, "US-CASE-")

	// Critical priority auto-escalates immediately.
	assert.Equal(t, 1, c.EscalationLevel)
	assert.Equal(t, StatusEscalated, c.Status)
	require.Len(t, c.EscalationHistory, 1)
	assert.Equal(t, "system", c.EscalationHistory[0].EscalatedBy)

	alerts := f.alerter.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, "case-escalation", alerts[0].Type)
	assert.Equal(t, alerting.SeverityHigh, alerts[0].Severity)
	assert.Equal(t, c.ID, alerts[0].EntityID)
}

func TestHandleViolationMergesIntoOpenCase(t *testing.T) {
	f := newServiceFixture(t, nil)
	tx, user := txContext("tx-1")

	first, err := f.service.HandleViolation(context.Background(), tx, user, sanctionsViolation("v-1"))
	require.NoError(t, err)

	second, err := f.service.HandleViolation(context.Background(), tx, user, kycViolation("v-2", SeverityLow))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, []string{"v-1", "v-2"}, second.Violations)
	// Risk score is the max of contributing violations, never lowered.
	assert.Equal(t, 95.0, second.RiskScore)
	// The merge preserves the case type derived from the first violation.
	assert.Equal(t, CaseTypeSanctionsViolation, second.CaseType)
	assert.Equal(t, 1, f.store.Count())
}

func TestHandleViolationExplicitRiskScoreWins(t *testing.T) {
	f := newServiceFixture(t, nil)
	tx, user := txContext("tx-1")

	score := 55.0
	v := kycViolation("v-1", SeverityCritical)
	v.RiskScore = &score

	c, err := f.service.HandleViolation(context.Background(), tx, user, v)
	require.NoError(t, err)
	assert.Equal(t, 55.0, c.RiskScore)
	assert.Equal(t, PriorityMedium, c.Priority)
	assert.Equal(t, 0, c.EscalationLevel)
}

func TestMergeGuardsAgainstConcurrentResolution(t *testing.T) {
	f := newServiceFixture(t, nil)
	tx, user := txContext("tx-1")

	c, err := f.service.HandleViolation(context.Background(), tx, user, kycViolation("v-1", SeverityLow))
	require.NoError(t, err)

	// Resolve through the store directly, the way a racing status update
	// landing between the open-case lookup and the merge would.
	_, err = f.store.Update(c.ID, func(c *Case) error {
		c.Status = StatusResolved
		now := f.clock.Now()
		c.ResolvedAt = &now
		return nil
	})
	require.NoError(t, err)

	_, err = f.service.mergeViolationLocked(c.ID, sanctionsViolation("v-2"), 95)
	assert.ErrorIs(t, err, errMergeTargetClosed)

	// The resolved case is untouched: no appended violation, score unchanged.
	got, err := f.service.GetCase(c.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"v-1"}, got.Violations)
	assert.Equal(t, 25.0, got.RiskScore)
	assert.Equal(t, StatusResolved, got.Status)

	// Intake tracks the new violation in a fresh case instead.
	fresh, err := f.service.HandleViolation(context.Background(), tx, user, sanctionsViolation("v-2"))
	require.NoError(t, err)
	assert.NotEqual(t, c.ID, fresh.ID)
	assert.Equal(t, []string{"v-2"}, fresh.Violations)
}

func TestHandleViolationNewCaseAfterResolution(t *testing.T) {
	f := newServiceFixture(t, nil)
	tx, user := txContext("tx-1")

	first, err := f.service.HandleViolation(context.Background(), tx, user, kycViolation("v-1", SeverityMedium))
	require.NoError(t, err)

	_, err = f.service.UpdateCaseStatus(context.Background(), first.ID, StatusResolved, "analyst", "")
	require.NoError(t, err)

	second, err := f.service.HandleViolation(context.Background(), tx, user, kycViolation("v-2", SeverityMedium))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 2, f.store.Count())
}

func TestUpdateCaseStatusTransitions(t *testing.T) {
	f := newServiceFixture(t, nil)
	tx, user := txContext("tx-1")

	c, err := f.service.HandleViolation(context.Background(), tx, user, kycViolation("v-1", SeverityMedium))
	require.NoError(t, err)

	c, err = f.service.UpdateCaseStatus(context.Background(), c.ID, StatusInProgress, "analyst", "picked up")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, c.Status)
	require.Len(t, c.InvestigationNotes, 1)
	assert.Equal(t, "picked up", c.InvestigationNotes[0].Note)

	c, err = f.service.UpdateCaseStatus(context.Background(), c.ID, StatusResolved, "analyst", "")
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, c.Status)
	require.NotNil(t, c.ResolvedAt)

	// Terminal cases reject further transitions.
	_, err = f.service.UpdateCaseStatus(context.Background(), c.ID, StatusOpen, "analyst", "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestUpdateCaseStatusRejectsSameStatus(t *testing.T) {
	f := newServiceFixture(t, nil)
	tx, user := txContext("tx-1")

	c, err := f.service.HandleViolation(context.Background(), tx, user, kycViolation("v-1", SeverityMedium))
	require.NoError(t, err)

	_, err = f.service.UpdateCaseStatus(context.Background(), c.ID, StatusOpen, "analyst", "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestEscalateCaseRaisesLevelAndPriority(t *testing.T) {
	f := newServiceFixture(t, nil)
	tx, user := txContext("tx-1")

	c, err := f.service.HandleViolation(context.Background(), tx, user, kycViolation("v-1", SeverityMedium))
	require.NoError(t, err)
	require.Equal(t, PriorityMedium, c.Priority)

	c, err = f.service.EscalateCase(context.Background(), c.ID, "no analyst response", "supervisor")
	require.NoError(t, err)
	assert.Equal(t, 1, c.EscalationLevel)
	assert.Equal(t, StatusEscalated, c.Status)
	assert.Equal(t, PriorityHigh, c.Priority)

	c, err = f.service.EscalateCase(context.Background(), c.ID, "still unresolved", "supervisor")
	require.NoError(t, err)
	assert.Equal(t, 2, c.EscalationLevel)
	assert.Equal(t, PriorityCritical, c.Priority)
	require.Len(t, c.EscalationHistory, 2)
	assert.Equal(t, 1, c.EscalationHistory[1].FromLevel)
	assert.Equal(t, 2, c.EscalationHistory[1].ToLevel)
}

func TestEscalateCaseCriticalAlertLevel(t *testing.T) {
	f := newServiceFixture(t, func(cfg *Config) {
		cfg.Escalation.CriticalAlertLevel = 2
	})
	tx, user := txContext("tx-1")

	c, err := f.service.HandleViolation(context.Background(), tx, user, kycViolation("v-1", SeverityMedium))
	require.NoError(t, err)

	_, err = f.service.EscalateCase(context.Background(), c.ID, "level one", "supervisor")
	require.NoError(t, err)
	_, err = f.service.EscalateCase(context.Background(), c.ID, "level two", "supervisor")
	require.NoError(t, err)

	alerts := f.alerter.all()
	require.Len(t, alerts, 2)
	assert.Equal(t, alerting.SeverityHigh, alerts[0].Severity)
	assert.Equal(t, alerting.SeverityCritical, alerts[1].Severity)
}

func TestEscalateTerminalCaseRejected(t *testing.T) {
	f := newServiceFixture(t, nil)
	tx, user := txContext("tx-1")

	c, err := f.service.HandleViolation(context.Background(), tx, user, kycViolation("v-1", SeverityMedium))
	require.NoError(t, err)
	_, err = f.service.UpdateCaseStatus(context.Background(), c.ID, StatusClosed, "analyst", "")
	require.NoError(t, err)

	_, err = f.service.EscalateCase(context.Background(), c.ID, "too late", "supervisor")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestAssignAddNoteAddEvidence(t *testing.T) {
	f := newServiceFixture(t, nil)
	tx, user := txContext("tx-1")

	c, err := f.service.HandleViolation(context.Background(), tx, user, kycViolation("v-1", SeverityMedium))
	require.NoError(t, err)

	c, err = f.service.AssignCase(context.Background(), c.ID, "analyst-7", "supervisor")
	require.NoError(t, err)
	assert.Equal(t, "analyst-7", c.AssignedTo)

	c, err = f.service.AddNote(context.Background(), c.ID, "analyst-7", "Subject has prior alerts", true)
	require.NoError(t, err)
	require.Len(t, c.InvestigationNotes, 1)
	assert.True(t, c.InvestigationNotes[0].Sensitive)

	c, err = f.service.AddEvidence(context.Background(), c.ID, EvidenceItem{
		Type:        "document",
		Description: "Bank statement extract",
		CollectedBy: "analyst-7",
	})
	require.NoError(t, err)
	// One violation evidence item from intake plus the manual one.
	require.Len(t, c.Evidence, 2)
	assert.NotZero(t, c.Evidence[1].ID)
	assert.False(t, c.Evidence[1].CollectedAt.IsZero())
}

func TestRunSweepEscalatesTimedOutCases(t *testing.T) {
	f := newServiceFixture(t, nil)
	tx, user := txContext("tx-1")

	c, err := f.service.HandleViolation(context.Background(), tx, user, kycViolation("v-1", SeverityMedium))
	require.NoError(t, err)
	require.Equal(t, 0, c.EscalationLevel)

	// Under the 24h threshold for level 1: nothing happens.
	f.clock.Advance(23 * time.Hour)
	assert.Zero(t, f.service.RunSweep(context.Background()))

	f.clock.Advance(2 * time.Hour)
	assert.Equal(t, 1, f.service.RunSweep(context.Background()))

	got, err := f.service.GetCase(c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.EscalationLevel)
	require.Len(t, got.EscalationHistory, 1)
	assert.Equal(t, "automatic escalation due to timeout", got.EscalationHistory[0].Reason)
	assert.Equal(t, StatusEscalated, got.Status)
}

func TestRunSweepSkipsEscalatedCases(t *testing.T) {
	f := newServiceFixture(t, nil)
	tx, user := txContext("tx-1")

	_, err := f.service.HandleViolation(context.Background(), tx, user, kycViolation("v-1", SeverityMedium))
	require.NoError(t, err)

	f.clock.Advance(25 * time.Hour)
	require.Equal(t, 1, f.service.RunSweep(context.Background()))

	// The case now sits in escalated status; the sweep only scans open and
	// in-progress cases.
	assert.Zero(t, f.service.RunSweep(context.Background()))
}

func TestRunSweepBeyondConfiguredLevels(t *testing.T) {
	f := newServiceFixture(t, nil)
	tx, user := txContext("tx-1")

	c, err := f.service.HandleViolation(context.Background(), tx, user, kycViolation("v-1", SeverityMedium))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = f.service.EscalateCase(context.Background(), c.ID, "manual", "supervisor")
		require.NoError(t, err)
	}
	_, err = f.service.UpdateCaseStatus(context.Background(), c.ID, StatusInProgress, "analyst", "")
	require.NoError(t, err)

	// Level 4 has no configured timeout, so the sweep leaves the case alone.
	f.clock.Advance(1000 * time.Hour)
	assert.Zero(t, f.service.RunSweep(context.Background()))
}

func TestScheduledSweepRunsOnClock(t *testing.T) {
	f := newServiceFixture(t, func(cfg *Config) {
		cfg.Sweep.Interval = time.Hour
	})
	tx, user := txContext("tx-1")

	c, err := f.service.HandleViolation(context.Background(), tx, user, kycViolation("v-1", SeverityMedium))
	require.NoError(t, err)

	f.service.StartSweep()
	defer f.service.StopSweep()

	// 25 hourly ticks push the case past the 24h level-1 threshold.
	for i := 0; i < 25; i++ {
		f.clock.Advance(time.Hour)
	}

	got, err := f.service.GetCase(c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.EscalationLevel)
}

func TestGetCaseStatistics(t *testing.T) {
	f := newServiceFixture(t, nil)

	tx1, user := txContext("tx-1")
	c1, err := f.service.HandleViolation(context.Background(), tx1, user, kycViolation("v-1", SeverityMedium))
	require.NoError(t, err)

	tx2 := Transaction{ID: "tx-2", UserID: "u-2", Jurisdiction: "DE"}
	_, err = f.service.HandleViolation(context.Background(), tx2, User{ID: "u-2", Jurisdiction: "DE"},
		sanctionsViolation("v-2"))
	require.NoError(t, err)

	f.clock.Advance(10 * time.Hour)
	_, err = f.service.UpdateCaseStatus(context.Background(), c1.ID, StatusResolved, "analyst", "")
	require.NoError(t, err)

	stats := f.service.GetCaseStatistics()
	assert.Equal(t, 2, stats.TotalCases)
	assert.Equal(t, 1, stats.CasesByStatus[StatusResolved])
	assert.Equal(t, 1, stats.CasesByStatus[StatusEscalated])
	assert.Equal(t, 1, stats.CasesByJurisdiction["US"])
	assert.Equal(t, 1, stats.CasesByJurisdiction["DE"])
	assert.InDelta(t, 10.0, stats.AverageResolutionHrs, 0.001)
	// Exactly one of two cases escalated.
	assert.InDelta(t, 0.5, stats.EscalationRate, 0.001)
	assert.Zero(t, stats.SARFilingRate)
	assert.Zero(t, stats.FalsePositiveRate)
}

func TestCaseStatusGaugeTracksCurrentCounts(t *testing.T) {
	f := newServiceFixture(t, nil)
	tx, user := txContext("tx-1")

	c, err := f.service.HandleViolation(context.Background(), tx, user, kycViolation("v-1", SeverityMedium))
	require.NoError(t, err)

	f.service.GetCaseStatistics()
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CaseStatus.WithLabelValues("open")))

	_, err = f.service.UpdateCaseStatus(context.Background(), c.ID, StatusResolved, "analyst", "")
	require.NoError(t, err)

	// The open count drops to zero instead of lingering at its old value.
	f.service.GetCaseStatistics()
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.CaseStatus.WithLabelValues("open")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CaseStatus.WithLabelValues("resolved")))
}

func TestLifecyclePublishesEvents(t *testing.T) {
	f := newServiceFixture(t, nil)
	tx, user := txContext("tx-1")

	c, err := f.service.HandleViolation(context.Background(), tx, user, kycViolation("v-1", SeverityMedium))
	require.NoError(t, err)
	_, err = f.service.UpdateCaseStatus(context.Background(), c.ID, StatusResolved, "analyst", "")
	require.NoError(t, err)

	var types []string
	for _, e := range *f.published {
		types = append(types, e.Type)
	}
	assert.Equal(t, []string{events.TypeCaseCreated, events.TypeCaseStatusUpdated}, types)
}

func TestLifecycleRecordsAuditTrail(t *testing.T) {
	f := newServiceFixture(t, nil)
	tx, user := txContext("tx-1")

	c, err := f.service.HandleViolation(context.Background(), tx, user, kycViolation("v-1", SeverityMedium))
	require.NoError(t, err)
	_, err = f.service.EscalateCase(context.Background(), c.ID, "manual", "supervisor")
	require.NoError(t, err)

	var actions []string
	for _, e := range f.trail.Entries() {
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []string{"case_created", "case_escalated"}, actions)
}

func TestCaseTypeForCategory(t *testing.T) {
	assert.Equal(t, CaseTypeMoneyLaundering, caseTypeForCategory("kyc-aml"))
	assert.Equal(t, CaseTypeSanctionsViolation, caseTypeForCategory("SANCTIONS"))
	assert.Equal(t, CaseTypeUnusualActivity, caseTypeForCategory("securities"))
	assert.Equal(t, CaseTypeOther, caseTypeForCategory("market-abuse"))
}

func TestPriorityForScore(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, PriorityCritical, cfg.PriorityForScore(95))
	assert.Equal(t, PriorityCritical, cfg.PriorityForScore(90))
	assert.Equal(t, PriorityHigh, cfg.PriorityForScore(89))
	assert.Equal(t, PriorityMedium, cfg.PriorityForScore(40))
	assert.Equal(t, PriorityLow, cfg.PriorityForScore(39))
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())

	cfg.Policy.HighThreshold = 95
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Escalation.TimeoutHours = map[int]float64{0: 10}
	assert.Error(t, cfg.Validate())
}

func TestSeverityScoreClamped(t *testing.T) {
	cfg := DefaultConfig()

	high := 150.0
	assert.Equal(t, 100.0, cfg.SeverityScore(ComplianceViolation{RiskScore: &high}))

	negative := -5.0
	assert.Equal(t, 0.0, cfg.SeverityScore(ComplianceViolation{RiskScore: &negative}))

	assert.Equal(t, cfg.Policy.DefaultScore, cfg.SeverityScore(ComplianceViolation{Severity: "unknown"}))
}
