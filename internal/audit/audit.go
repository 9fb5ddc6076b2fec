// Package audit defines the audit trail collaborator consumed by the case
// and alerting services. Recording is fire-and-forget from the engine's
// perspective: a failed audit write is logged and never rolls back the
// mutation that produced it.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Entry is a single audit trail record.
type Entry struct {
	ID         uuid.UUID              `json:"id"`
	Action     string                 `json:"action"`
	Resource   string                 `json:"resource"`
	ResourceID string                 `json:"resource_id"`
	Actor      string                 `json:"actor"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Trail records engine actions for compliance audit purposes.
type Trail interface {
	RecordAction(ctx context.Context, entry Entry) error
}

// LogTrail writes audit entries to the structured log. It is the default
// Trail when no external audit collaborator is wired.
type LogTrail struct {
	logger *zap.SugaredLogger
}

// NewLogTrail creates a log-backed audit trail.
func NewLogTrail(logger *zap.SugaredLogger) *LogTrail {
	return &LogTrail{logger: logger}
}

// RecordAction logs the entry. It never fails.
func (t *LogTrail) RecordAction(_ context.Context, entry Entry) error {
	t.logger.Infow("Audit action recorded",
		"audit_id", entry.ID,
		"action", entry.Action,
		"resource", entry.Resource,
		"resource_id", entry.ResourceID,
		"actor", entry.Actor,
		"details", entry.Details)
	return nil
}

// MemoryTrail keeps entries in memory. Used in tests and as a staging
// buffer for an external audit collaborator.
type MemoryTrail struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemoryTrail creates an empty in-memory audit trail.
func NewMemoryTrail() *MemoryTrail {
	return &MemoryTrail{}
}

// RecordAction appends the entry. It never fails.
func (t *MemoryTrail) RecordAction(_ context.Context, entry Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, entry)
	return nil
}

// Entries returns a copy of all recorded entries.
func (t *MemoryTrail) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// NewEntry builds an audit entry with a fresh id and the current time.
func NewEntry(action, resource, resourceID, actor string, details map[string]interface{}) Entry {
	return Entry{
		ID:         uuid.New(),
		Action:     action,
		Resource:   resource,
		ResourceID: resourceID,
		Actor:      actor,
		Details:    details,
		Timestamp:  time.Now(),
	}
}
