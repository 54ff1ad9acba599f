package reports

import (
	"bytes"
	"testing"
	"time"

	"github.com/mmdatafocus/clearance_backend/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestDocumentStatusReport(t *testing.T) {
	next := time.Date(2026, 5, 4, 15, 2, 0, 0, time.UTC)
	docs := []*models.ClearanceDocument{
		{
			DocumentKey:      "50604052600310112345600100001010000000001112345678",
			SequenceNumber:   "00100001010000000001",
			Category:         models.DocumentCategoryInvoice,
			State:            models.DocumentStateError,
			AttemptCount:     2,
			LastError:        models.ErrorInfo{Code: "NETWORK_ERROR", Message: "connection reset"},
			NextEligibleAt:   &next,
			LastTransitionAt: next.Add(-time.Minute),
		},
		{
			DocumentKey:      "50604052600310112345600100001040000000001112345678",
			SequenceNumber:   "00100001040000000001",
			Category:         models.DocumentCategoryTicket,
			State:            models.DocumentStateAccepted,
			AttemptCount:     1,
			LastTransitionAt: next,
		},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteDocumentStatusReport(&buf, docs))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(documentSheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, documentHeadings, rows[0])
	assert.Equal(t, "Error", rows[1][3])
	assert.Equal(t, "2", rows[1][4])
	assert.Equal(t, "NETWORK_ERROR", rows[1][5])
	assert.Equal(t, "2026-05-04T15:02:00Z", rows[1][7])
	assert.Equal(t, "Accepted", rows[2][3])
}
