package reports

import (
	"fmt"
	"io"
	"time"

	"github.com/mmdatafocus/clearance_backend/models"
	"github.com/xuri/excelize/v2"
)

const documentSheet = "Documents"

var documentHeadings = []string{
	"DocumentKey",
	"SequenceNumber",
	"Category",
	"State",
	"Attempts",
	"LastErrorCode",
	"LastError",
	"NextEligibleAt",
	"LastTransitionAt",
}

func documentCellValues(d *models.ClearanceDocument) []interface{} {
	return []interface{}{
		d.DocumentKey,
		d.SequenceNumber,
		d.Category.Name(),
		string(d.State),
		d.AttemptCount,
		d.LastError.Code,
		d.LastError.Message,
		formatTime(d.NextEligibleAt),
		d.LastTransitionAt.UTC().Format(time.RFC3339),
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// DocumentStatusWorkbook lays out one row per document under a heading row.
func DocumentStatusWorkbook(docs []*models.ClearanceDocument) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", documentSheet); err != nil {
		return nil, err
	}

	col := 'A'
	for _, h := range documentHeadings {
		if err := f.SetCellValue(documentSheet, string(col)+"1", h); err != nil {
			return nil, err
		}
		col++
	}

	rowNo := 2
	for _, d := range docs {
		col := 'A'
		for _, value := range documentCellValues(d) {
			if err := f.SetCellValue(documentSheet, string(col)+fmt.Sprint(rowNo), value); err != nil {
				return nil, err
			}
			col++
		}
		rowNo++
	}
	return f, nil
}

func WriteDocumentStatusReport(w io.Writer, docs []*models.ClearanceDocument) error {
	f, err := DocumentStatusWorkbook(docs)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Write(w)
}
