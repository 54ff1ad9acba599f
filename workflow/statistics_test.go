package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/mmdatafocus/clearance_backend/classify"
	"github.com/mmdatafocus/clearance_backend/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmissionStatistics(t *testing.T) {
	h := newHarness(t)
	withAttempts := func(n int) func(*models.ClearanceDocument) {
		return func(d *models.ClearanceDocument) { d.AttemptCount = n }
	}
	h.addDocument(t, models.DocumentStateAccepted, time.Hour, withAttempts(1))
	h.addDocument(t, models.DocumentStateAccepted, 2*time.Hour, withAttempts(2))
	h.addDocument(t, models.DocumentStateSent, 3*time.Hour, withAttempts(1))
	h.addDocument(t, models.DocumentStateError, 4*time.Hour, errorState(classify.Network, true, 2))
	h.addDocument(t, models.DocumentStateRejected, 5*time.Hour, func(d *models.ClearanceDocument) {
		d.AttemptCount = 2
		d.LastError = models.ErrorInfo{Category: string(classify.Validation), Code: "DOCUMENT_REJECTED"}
	})
	// outside the window
	h.addDocument(t, models.DocumentStateAccepted, 10*24*time.Hour, withAttempts(1))

	stats, err := newTestScheduler(h).SubmissionStatistics(context.Background(), "tenant-1", 0)
	require.NoError(t, err)
	assert.Equal(t, 7, stats.PeriodDays)
	assert.Equal(t, 5, stats.Total)
	assert.Equal(t, 2, stats.ByState[models.DocumentStateAccepted])
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.Errors)
	assert.Equal(t, map[string]int{"network": 1, "validation": 1}, stats.ErrorCategories)
	assert.InDelta(t, 40.0, stats.SuccessRate, 0.001)
	assert.InDelta(t, 1.6, stats.AverageAttempts, 0.001)
	assert.Equal(t, 5, stats.ByCategory[models.DocumentCategoryInvoice])

	empty, err := newTestScheduler(h).SubmissionStatistics(context.Background(), "tenant-2", 30)
	require.NoError(t, err)
	assert.Zero(t, empty.Total)
	assert.Zero(t, empty.SuccessRate)
}

func TestStatusSummary(t *testing.T) {
	h := newHarness(t)
	overdue := h.addDocument(t, models.DocumentStateSent, time.Hour)
	h.addDocument(t, models.DocumentStateSent, time.Minute)
	failed := h.addDocument(t, models.DocumentStateError, 2*time.Hour, errorState(classify.Network, true, 1))
	h.addDocument(t, models.DocumentStateRejected, time.Hour)
	h.addDocument(t, models.DocumentStateAccepted, time.Hour)
	h.addDocument(t, models.DocumentStateDraft, 48*time.Hour)

	s := newTestScheduler(h)
	sum, err := s.StatusSummary(context.Background(), "tenant-1", NewSweeper(h.orch, quietLogger()))
	require.NoError(t, err)

	assert.Equal(t, 6, sum.Total)
	assert.Equal(t, 2, sum.Distribution[models.DocumentStateSent])
	// the overdue Sent document and the Error document past its poll interval
	assert.Equal(t, 2, sum.NeedsPolling)
	assert.Equal(t, 1, sum.NeedsResubmission)
	assert.Equal(t, 2, sum.NeedsAttention)

	reasons := map[string]string{}
	for _, item := range sum.Attention {
		reasons[item.DocumentId] = item.Reason
	}
	assert.Equal(t, map[string]string{overdue.ID: "overdue", failed.ID: "error"}, reasons)
}
