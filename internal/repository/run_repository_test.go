package repository

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transit-sync/internal/domain/vehicle"
)

func testSummary() vehicle.RunSummary {
	start := time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)
	return vehicle.RunSummary{
		RunID:      "5b0e6a0c-8f5a-4a5e-9d55-1f1f4f0a2c11",
		Trigger:    "schedule",
		Source:     "live",
		StartedAt:  start,
		FinishedAt: start.Add(3 * time.Minute),
		Total:      4,
		Outcomes: []vehicle.Outcome{
			{Position: 0, Plate: "AAA1111", Kind: vehicle.OutcomeUpdated, Manifests: 2},
			{Position: 1, Plate: "BBB2222", Kind: vehicle.OutcomeSkippedIncompleteData, Reason: "record has no city and state (missing_coordinates)"},
			{Position: 2, Plate: "CCC3333", Kind: vehicle.OutcomeSkippedNoManifest, Reason: "no authorized manifest"},
			{Position: 3, Plate: "DDD4444", Kind: vehicle.OutcomeFailed, Reason: "element not found"},
		},
	}
}

func TestToRunRowCounts(t *testing.T) {
	row, err := toRunRow(testSummary())
	require.NoError(t, err)

	assert.Equal(t, "completed_with_failures", row.Status)
	assert.Equal(t, 4, row.Total)
	assert.Equal(t, 1, row.Updated)
	assert.Equal(t, 2, row.Skipped)
	assert.Equal(t, 1, row.Failed)
	assert.Nil(t, row.AbortReason)

	back, err := row.summary()
	require.NoError(t, err)
	assert.Equal(t, testSummary(), back)
}

func TestToRunRowAbortReason(t *testing.T) {
	s := testSummary()
	s.Aborted = true
	s.AbortReason = "authentication failed"

	row, err := toRunRow(s)
	require.NoError(t, err)
	require.NotNil(t, row.AbortReason)
	assert.Equal(t, "authentication failed", *row.AbortReason)
	assert.Equal(t, "aborted", row.Status)
}

func TestToOutcomeRows(t *testing.T) {
	rows := toOutcomeRows(testSummary())
	require.Len(t, rows, 4)

	assert.Equal(t, "AAA1111", rows[0].Plate)
	assert.Equal(t, 2, rows[0].Manifests)
	assert.Nil(t, rows[0].Reason)
	require.NotNil(t, rows[3].Reason)
	assert.Equal(t, "element not found", *rows[3].Reason)
	for i, r := range rows {
		assert.Equal(t, testSummary().RunID, r.RunID)
		assert.Equal(t, i, r.Position)
	}
}

func TestRunWithoutSummary(t *testing.T) {
	_, err := Run{ID: "x"}.summary()
	require.Error(t, err)
}
