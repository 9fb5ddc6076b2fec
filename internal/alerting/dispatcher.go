package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/finsentry/casework/internal/audit"
	"github.com/finsentry/casework/internal/events"
	"github.com/finsentry/casework/internal/metrics"
	"github.com/finsentry/casework/internal/schedule"
)

type registeredChannel struct {
	cfg     ChannelConfig
	channel NotificationChannel
}

// Dispatcher owns the alert registry and performs filtered, suppressed,
// best-effort multi-channel delivery. All alert mutation is serialized under
// the dispatcher lock.
type Dispatcher struct {
	mu     sync.RWMutex
	logger *zap.SugaredLogger

	config   Config
	channels []registeredChannel
	alerts   map[uuid.UUID]*Alert

	clock   schedule.Clock
	chains  *schedule.ChainRunner
	bus     *events.Bus
	metrics *metrics.Metrics
	trail   audit.Trail

	maintenance bool
}

// NewDispatcher builds a dispatcher and its channels. Channel configuration
// errors are fatal here and never surface at alert time.
func NewDispatcher(
	config Config,
	clock schedule.Clock,
	chains *schedule.ChainRunner,
	bus *events.Bus,
	m *metrics.Metrics,
	trail audit.Trail,
	logger *zap.SugaredLogger,
) (*Dispatcher, error) {
	config.ApplyDefaults()

	d := &Dispatcher{
		logger:  logger,
		config:  config,
		alerts:  make(map[uuid.UUID]*Alert),
		clock:   clock,
		chains:  chains,
		bus:     bus,
		metrics: m,
		trail:   trail,
	}

	base := logger.Desugar()
	for _, cfg := range config.Channels {
		ch, err := BuildChannel(cfg, base)
		if err != nil {
			return nil, err
		}
		d.channels = append(d.channels, registeredChannel{cfg: cfg, channel: ch})
	}

	return d, nil
}

// TriggerAlert evaluates suppression, stores the alert, fans delivery out to
// every matching enabled channel, and starts the escalation chain for
// non-low severities. A suppressed alert is a no-op success; callers detect
// it through the returned alert's Suppressed flag.
func (d *Dispatcher) TriggerAlert(ctx context.Context, alert Alert) (*Alert, error) {
	if alert.ID == uuid.Nil {
		alert.ID = uuid.New()
	}
	if alert.TriggeredAt.IsZero() {
		alert.TriggeredAt = d.clock.Now()
	}
	alert.Status = StatusOpen
	alert.EscalationLevel = 0

	d.mu.Lock()
	if rule, suppressed := d.evaluateSuppressionLocked(&alert); suppressed {
		alert.Suppressed = true
		alert.SuppressedBy = rule
		stored := alert.Clone()
		d.alerts[alert.ID] = stored
		d.mu.Unlock()

		d.metrics.AlertsSuppressed.WithLabelValues(alert.Type, rule).Inc()
		d.logger.Infow("Alert suppressed",
			"alert_id", alert.ID,
			"type", alert.Type,
			"entity_id", alert.EntityID,
			"rule", rule)
		return stored.Clone(), nil
	}

	stored := alert.Clone()
	d.alerts[alert.ID] = stored
	// Deliver a snapshot, not the registry alert: the goroutines in deliver
	// run outside the lock and must never see concurrent mutation.
	snapshot := stored.Clone()
	targets := d.matchingChannelsLocked(snapshot)
	d.mu.Unlock()

	d.metrics.AlertsTriggered.WithLabelValues(alert.Type, string(alert.Severity)).Inc()
	d.publish(events.TypeAlertTriggered, snapshot)
	d.recordAudit(ctx, "alert_triggered", snapshot.ID.String(), "system", map[string]interface{}{
		"type":     snapshot.Type,
		"severity": snapshot.Severity,
	})

	results := d.deliver(ctx, snapshot, targets)

	d.mu.Lock()
	result := snapshot
	if live, ok := d.alerts[snapshot.ID]; ok {
		live.DeliveryResults = append(live.DeliveryResults, results...)
		result = live.Clone()
	}
	d.mu.Unlock()

	if d.config.Escalation.Enabled && alert.Severity != SeverityLow && len(d.config.Escalation.Levels) > 0 {
		alertID := snapshot.ID
		d.chains.Start(chainOwner(alertID), d.config.Escalation.Levels, func(level schedule.Level) bool {
			return d.escalate(alertID, level)
		})
	}

	return result, nil
}

// deliver fans out to all target channels in parallel. A failure on one
// channel never blocks the others; errors are captured in the result list.
func (d *Dispatcher) deliver(ctx context.Context, alert *Alert, targets []registeredChannel) []DeliveryResult {
	results := make([]DeliveryResult, len(targets))
	var wg sync.WaitGroup

	for i, target := range targets {
		wg.Add(1)
		go func(i int, target registeredChannel) {
			defer wg.Done()

			sendCtx, cancel := context.WithTimeout(ctx, d.config.DeliveryTimeout)
			defer cancel()

			start := time.Now()
			err := target.channel.Send(sendCtx, alert)
			d.metrics.DeliveryDuration.WithLabelValues(target.cfg.Name).Observe(time.Since(start).Seconds())

			if err != nil {
				d.metrics.DeliveryFailures.WithLabelValues(target.cfg.Name).Inc()
				d.logger.Warnw("Alert delivery failed",
					"alert_id", alert.ID,
					"channel", target.cfg.Name,
					"error", err)
				results[i] = DeliveryResult{Channel: target.cfg.Name, Error: err.Error()}
				return
			}

			deliveredAt := time.Now()
			results[i] = DeliveryResult{Channel: target.cfg.Name, Success: true, DeliveredAt: &deliveredAt}
		}(i, target)
	}

	wg.Wait()
	return results
}

// escalate is the chain callback. The terminal-status check is the backstop
// for cancellation races; resolving an alert cancels the chain first.
func (d *Dispatcher) escalate(alertID uuid.UUID, level schedule.Level) bool {
	d.mu.Lock()
	alert, ok := d.alerts[alertID]
	if !ok || alert.Status.Terminal() || alert.Suppressed {
		d.mu.Unlock()
		return false
	}

	record := EscalationRecord{
		FromLevel:   alert.EscalationLevel,
		ToLevel:     level.Level,
		Reason:      "automatic escalation: alert not resolved within notification window",
		EscalatedBy: "system",
		EscalatedAt: d.clock.Now(),
	}
	alert.EscalationLevel = level.Level
	alert.EscalationHistory = append(alert.EscalationHistory, record)
	snapshot := alert.Clone()
	targets := d.levelChannelsLocked(level, snapshot)
	d.mu.Unlock()

	d.metrics.AlertEscalations.WithLabelValues(snapshot.Type).Inc()
	d.logger.Infow("Alert escalated",
		"alert_id", alertID,
		"level", level.Level,
		"recipients", level.Recipients)
	d.publish(events.TypeAlertEscalated, snapshot)

	results := d.deliver(context.Background(), snapshot, targets)

	d.mu.Lock()
	if live, ok := d.alerts[alertID]; ok {
		live.DeliveryResults = append(live.DeliveryResults, results...)
	}
	d.mu.Unlock()

	return true
}

// UpdateAlertStatus moves an alert through its lifecycle. Terminal statuses
// set ResolvedAt and synchronously cancel any pending escalation chain.
func (d *Dispatcher) UpdateAlertStatus(ctx context.Context, alertID uuid.UUID, status Status, actor string) (*Alert, error) {
	d.mu.Lock()
	alert, ok := d.alerts[alertID]
	if !ok {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlertNotFound, alertID)
	}
	if alert.Status.Terminal() {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: alert %s is %s", ErrInvalidTransition, alertID, alert.Status)
	}

	oldStatus := alert.Status
	alert.Status = status
	switch status {
	case StatusAcknowledged:
		now := d.clock.Now()
		alert.AcknowledgedBy = actor
		alert.AcknowledgedAt = &now
	case StatusResolved, StatusFalsePositive:
		now := d.clock.Now()
		alert.ResolvedAt = &now
	}
	snapshot := alert.Clone()
	d.mu.Unlock()

	if status.Terminal() {
		d.chains.Cancel(chainOwner(alertID))
		d.metrics.AlertsResolved.WithLabelValues(snapshot.Type, string(status)).Inc()
	}

	d.logger.Infow("Alert status updated",
		"alert_id", alertID,
		"old_status", oldStatus,
		"new_status", status,
		"actor", actor)
	d.publish(events.TypeAlertStatusChanged, snapshot)
	d.recordAudit(ctx, "alert_status_changed", alertID.String(), actor, map[string]interface{}{
		"old_status": oldStatus,
		"new_status": status,
	})

	return snapshot, nil
}

// AssignAlert sets the assignee without changing status.
func (d *Dispatcher) AssignAlert(alertID uuid.UUID, assignee string) (*Alert, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	alert, ok := d.alerts[alertID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAlertNotFound, alertID)
	}
	alert.AssignedTo = assignee
	return alert.Clone(), nil
}

// GetAlert returns a copy of the alert.
func (d *Dispatcher) GetAlert(alertID uuid.UUID) (*Alert, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	alert, ok := d.alerts[alertID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAlertNotFound, alertID)
	}
	return alert.Clone(), nil
}

// GetAlerts returns copies of all alerts matching the criteria.
func (d *Dispatcher) GetAlerts(criteria Criteria) []*Alert {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []*Alert
	for _, alert := range d.alerts {
		if alert.Suppressed && !criteria.IncludeSuppressed {
			continue
		}
		if criteria.Type != "" && alert.Type != criteria.Type {
			continue
		}
		if criteria.Severity != "" && alert.Severity != criteria.Severity {
			continue
		}
		if criteria.Status != "" && alert.Status != criteria.Status {
			continue
		}
		if criteria.EntityType != "" && alert.EntityType != criteria.EntityType {
			continue
		}
		if criteria.EntityID != "" && alert.EntityID != criteria.EntityID {
			continue
		}
		out = append(out, alert.Clone())
	}
	return out
}

// Statistics aggregates current alert counts.
func (d *Dispatcher) Statistics() AlertStatistics {
	d.mu.RLock()
	defer d.mu.RUnlock()

	stats := AlertStatistics{
		BySeverity:  make(map[Severity]int),
		ByStatus:    make(map[Status]int),
		GeneratedAt: d.clock.Now(),
	}
	for _, alert := range d.alerts {
		stats.TotalAlerts++
		if alert.Suppressed {
			stats.SuppressedAlerts++
			continue
		}
		stats.BySeverity[alert.Severity]++
		stats.ByStatus[alert.Status]++
		if !alert.Status.Terminal() {
			stats.ActiveAlerts++
		}
	}
	return stats
}

// SetMaintenanceMode toggles global suppression of new alerts.
func (d *Dispatcher) SetMaintenanceMode(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maintenance = enabled
	d.logger.Infow("Maintenance mode changed", "enabled", enabled)
}

// SweepRetention evicts alerts that have been resolved for longer than the
// retention window, cancelling any stray timers. Returns the eviction count.
func (d *Dispatcher) SweepRetention() int {
	cutoff := d.clock.Now().Add(-d.config.Retention)

	d.mu.Lock()
	var evicted []uuid.UUID
	for id, alert := range d.alerts {
		expired := alert.Status.Terminal() && alert.ResolvedAt != nil && alert.ResolvedAt.Before(cutoff)
		// Suppressed alerts never resolve; age them out on trigger time.
		if alert.Suppressed && alert.TriggeredAt.Before(cutoff) {
			expired = true
		}
		if expired {
			delete(d.alerts, id)
			evicted = append(evicted, id)
		}
	}
	d.mu.Unlock()

	for _, id := range evicted {
		d.chains.Cancel(chainOwner(id))
	}
	if len(evicted) > 0 {
		d.logger.Infow("Alert retention sweep completed", "evicted", len(evicted))
	}
	return len(evicted)
}

// evaluateSuppressionLocked checks the incoming alert against all rules.
// Caller holds d.mu.
func (d *Dispatcher) evaluateSuppressionLocked(incoming *Alert) (string, bool) {
	if d.maintenance {
		return "maintenance", true
	}
	for _, rule := range d.config.Suppression {
		switch rule.Type {
		case "maintenance":
			if rule.Active {
				return rule.Name, true
			}
		case "duplicate":
			if len(rule.AlertTypes) > 0 && !containsString(rule.AlertTypes, incoming.Type) {
				continue
			}
			if d.hasActiveDuplicateLocked(incoming, rule.Window) {
				return rule.Name, true
			}
		}
	}
	return "", false
}

// hasActiveDuplicateLocked scans active alerts for one with the same type,
// entity type and entity id inside the window. Linear scan over active
// alerts; the registry is bounded by the retention sweep.
func (d *Dispatcher) hasActiveDuplicateLocked(incoming *Alert, window time.Duration) bool {
	threshold := incoming.TriggeredAt.Add(-window)
	for _, existing := range d.alerts {
		if existing.Suppressed || existing.Status.Terminal() {
			continue
		}
		if existing.Type == incoming.Type &&
			existing.EntityType == incoming.EntityType &&
			existing.EntityID == incoming.EntityID &&
			existing.TriggeredAt.After(threshold) {
			return true
		}
	}
	return false
}

// matchingChannelsLocked returns enabled channels whose filter accepts the
// alert. Caller holds d.mu.
func (d *Dispatcher) matchingChannelsLocked(alert *Alert) []registeredChannel {
	var out []registeredChannel
	for _, rc := range d.channels {
		if !rc.cfg.Enabled {
			continue
		}
		if !rc.cfg.Filter.Matches(alert) {
			continue
		}
		out = append(out, rc)
	}
	return out
}

// levelChannelsLocked selects delivery targets for an escalation level. An
// empty channel list on the level means every channel that matches the
// alert. Caller holds d.mu.
func (d *Dispatcher) levelChannelsLocked(level schedule.Level, alert *Alert) []registeredChannel {
	if len(level.Channels) == 0 {
		return d.matchingChannelsLocked(alert)
	}
	var out []registeredChannel
	for _, rc := range d.channels {
		if rc.cfg.Enabled && containsString(level.Channels, rc.cfg.Name) {
			out = append(out, rc)
		}
	}
	return out
}

func (d *Dispatcher) publish(eventType string, alert *Alert) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(events.Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: d.clock.Now(),
		Payload: map[string]interface{}{
			"alert_id":    alert.ID.String(),
			"alert_type":  alert.Type,
			"severity":    string(alert.Severity),
			"status":      string(alert.Status),
			"entity_type": alert.EntityType,
			"entity_id":   alert.EntityID,
			"level":       alert.EscalationLevel,
		},
	})
}

func (d *Dispatcher) recordAudit(ctx context.Context, action, resourceID, actor string, details map[string]interface{}) {
	if d.trail == nil {
		return
	}
	entry := audit.NewEntry(action, "alert", resourceID, actor, details)
	if err := d.trail.RecordAction(ctx, entry); err != nil {
		d.logger.Warnw("Failed to record audit action", "action", action, "error", err)
	}
}

func chainOwner(alertID uuid.UUID) string {
	return "alert:" + alertID.String()
}
