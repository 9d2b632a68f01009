package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditTrail(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.AppendAudit(&AuditEntry{
		JobID:   "job-1",
		UserID:  "u1",
		Action:  "deploy",
		Outcome: AuditOutcomeFailure,
		Detail:  "cargo exited with status 101",
	}))
	require.NoError(t, s.AppendAudit(&AuditEntry{
		JobID:   "job-1",
		UserID:  "u1",
		Action:  "deploy",
		Outcome: AuditOutcomeSuccess,
		Detail:  "contract CABC123",
	}))
	require.NoError(t, s.AppendAudit(&AuditEntry{
		JobID:   "job-2",
		UserID:  "u1",
		Action:  "deploy",
		Outcome: AuditOutcomeSuccess,
	}))

	entries, err := s.ListAuditByJob("job-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, AuditOutcomeFailure, entries[0].Outcome, "insertion order preserved")
	assert.Equal(t, AuditOutcomeSuccess, entries[1].Outcome)
	assert.False(t, entries[0].CreatedAt.IsZero())

	entries, err = s.ListAuditByJob("job-3")
	require.NoError(t, err)
	assert.Empty(t, entries)
}
