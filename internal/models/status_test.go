package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	allowed := map[[2]JobStatus]bool{
		{JobQueued, JobRunning}:    true,
		{JobQueued, JobFailed}:     true,
		{JobRunning, JobSucceeded}: true,
		{JobRunning, JobQueued}:    true,
		{JobRunning, JobFailed}:    true,
	}
	for _, from := range AllJobStatuses {
		for _, to := range AllJobStatuses {
			assert.Equal(t, allowed[[2]JobStatus{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
	assert.False(t, CanTransition("BOGUS", JobQueued))
}

func TestJobStatusPredicates(t *testing.T) {
	assert.True(t, JobQueued.Active())
	assert.True(t, JobRunning.Active())
	assert.False(t, JobSucceeded.Active())
	assert.False(t, JobFailed.Active())

	assert.True(t, JobSucceeded.Terminal())
	assert.True(t, JobFailed.Terminal())
	assert.False(t, JobQueued.Terminal())
	assert.False(t, JobStatus("").Terminal())
}

func TestParseStatuses(t *testing.T) {
	st, err := ParseJobStatus("RUNNING")
	require.NoError(t, err)
	assert.Equal(t, JobRunning, st)

	_, err = ParseJobStatus("running")
	assert.Error(t, err)

	rs, err := ParseRunStatus("COMPLETED")
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, rs)

	_, err = ParseRunStatus("DONE")
	assert.Error(t, err)
}

func TestExplanationText(t *testing.T) {
	assert.Equal(t, "Restock soon.", ExplanationText(" Restock soon. ", ""))
	assert.Equal(t, "Restock soon.\n\nSales data is partial.", ExplanationText("Restock soon.", "Sales data is partial."))
}
