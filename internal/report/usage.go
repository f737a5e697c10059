// Package report renders subscription usage as an XLSX workbook for school
// operators.
package report

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/book-expert/tutor-tts-service/internal/core"
	"github.com/book-expert/tutor-tts-service/internal/plan"
	"github.com/xuri/excelize/v2"
)

// ContentType is the MIME type of the workbook.
const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

const (
	sheetName  = "Usage"
	dateLayout = "2006-01-02 15:04"
)

var header = []any{
	"student_id",
	"plan",
	"status",
	"characters_used",
	"characters_limit",
	"characters_remaining",
	"usage_percent",
	"started_at",
	"ends_at",
	"blocked",
}

// FileName returns the download name of a workbook generated at now.
func FileName(now time.Time) string {
	return fmt.Sprintf("tts_usage_%s.xlsx", now.UTC().Format("20060102_150405"))
}

// UsageWorkbook writes one row per subscription, ordered by student id, with
// the status each student would see at now.
func UsageWorkbook(subs []core.Subscription, now time.Time) ([]byte, error) {
	file := excelize.NewFile()
	defer func() { _ = file.Close() }()

	defaultSheet := file.GetSheetName(file.GetActiveSheetIndex())

	err := file.SetSheetName(defaultSheet, sheetName)
	if err != nil {
		return nil, fmt.Errorf("failed to name sheet: %w", err)
	}

	err = file.SetSheetRow(sheetName, "A1", &header)
	if err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}

	sorted := append([]core.Subscription(nil), subs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StudentID < sorted[j].StudentID })

	for index, sub := range sorted {
		cell, cellErr := excelize.CoordinatesToCellName(1, index+2)
		if cellErr != nil {
			return nil, fmt.Errorf("failed to address row %d: %w", index+2, cellErr)
		}

		row := usageRow(sub, now)

		err = file.SetSheetRow(sheetName, cell, &row)
		if err != nil {
			return nil, fmt.Errorf("failed to write row for student %s: %w", sub.StudentID, err)
		}
	}

	err = file.SetPanes(sheetName, &excelize.Panes{
		Freeze:      true,
		Split:       false,
		XSplit:      0,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
		Selection:   nil,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to freeze header: %w", err)
	}

	buf := &bytes.Buffer{}

	err = file.Write(buf)
	if err != nil {
		return nil, fmt.Errorf("failed to write workbook: %w", err)
	}

	return buf.Bytes(), nil
}

func usageRow(sub core.Subscription, now time.Time) []any {
	status := plan.Evaluate(sub, now)

	percent := 0.0
	if sub.CharactersLimit > 0 {
		percent = float64(sub.CharactersUsed) * 100 / float64(sub.CharactersLimit)
	}

	return []any{
		sub.StudentID,
		string(status.Plan),
		status.Label(),
		sub.CharactersUsed,
		sub.CharactersLimit,
		sub.Remaining(),
		fmt.Sprintf("%.1f", percent),
		formatTime(sub.StartedAt),
		formatTime(sub.EndsAt),
		sub.Blocked,
	}
}

func formatTime(value *time.Time) string {
	if value == nil {
		return ""
	}

	return value.UTC().Format(dateLayout)
}
