package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMemoryTrailRecordsEntries(t *testing.T) {
	trail := NewMemoryTrail()

	entry := NewEntry("case_created", "case", "c-1", "system", map[string]interface{}{"risk_score": 80.0})
	require.NoError(t, trail.RecordAction(context.Background(), entry))

	entries := trail.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "case_created", entries[0].Action)
	assert.Equal(t, "c-1", entries[0].ResourceID)
	assert.NotZero(t, entries[0].ID)
	assert.False(t, entries[0].Timestamp.IsZero())
}

func TestMemoryTrailEntriesReturnsCopy(t *testing.T) {
	trail := NewMemoryTrail()
	require.NoError(t, trail.RecordAction(context.Background(), NewEntry("a", "case", "c-1", "x", nil)))

	entries := trail.Entries()
	entries[0].Action = "tampered"
	assert.Equal(t, "a", trail.Entries()[0].Action)
}

func TestLogTrailNeverFails(t *testing.T) {
	trail := NewLogTrail(zap.NewNop().Sugar())
	assert.NoError(t, trail.RecordAction(context.Background(), NewEntry("a", "alert", "1", "system", nil)))
}
