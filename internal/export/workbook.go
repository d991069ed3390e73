// Package export renders an entity's audit timeline as an Excel workbook.
package export

import (
	"fmt"
	"io"
	"iter"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/pitabwire/hireflow/model"
)

// ContentType is the MIME type of the generated workbook.
const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Sheet names.
const (
	SummarySheet = "Summary"
	HistorySheet = "History"
)

var historyHeader = []any{"Date", "Action", "From", "To", "Changes", "Notes", "Performed By", "Performed By ID", "Entry ID"}

// WriteHistoryWorkbook writes a workbook with a summary of ent and one history
// row per timeline entry, oldest first. Iteration errors abort the export.
func WriteHistoryWorkbook(w io.Writer, ent model.Entity, history iter.Seq2[model.TimelineEntry, error]) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SummarySheet); err != nil {
		return fmt.Errorf("rename summary sheet: %w", err)
	}
	if _, err := f.NewSheet(HistorySheet); err != nil {
		return fmt.Errorf("create history sheet: %w", err)
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}

	if err := writeSummary(f, ent, bold); err != nil {
		return err
	}

	if err := f.SetSheetRow(HistorySheet, "A1", &historyHeader); err != nil {
		return fmt.Errorf("write history header: %w", err)
	}
	if err := f.SetRowStyle(HistorySheet, 1, 1, bold); err != nil {
		return fmt.Errorf("style history header: %w", err)
	}

	row := 2
	for entry, err := range history {
		if err != nil {
			return fmt.Errorf("read timeline: %w", err)
		}
		cell, _ := excelize.CoordinatesToCellName(1, row)
		values := []any{
			formatTime(entry.Date),
			entry.Action,
			entry.FromStatus,
			entry.Status,
			formatChanges(entry.Changes),
			entry.Notes,
			entry.PerformedByName,
			entry.PerformedBy,
			entry.ID,
		}
		if err := f.SetSheetRow(HistorySheet, cell, &values); err != nil {
			return fmt.Errorf("write history row %d: %w", row, err)
		}
		row++
	}

	if err := f.SetColWidth(HistorySheet, "A", "A", 24); err != nil {
		return fmt.Errorf("size history columns: %w", err)
	}
	if err := f.SetColWidth(HistorySheet, "E", "F", 40); err != nil {
		return fmt.Errorf("size history columns: %w", err)
	}
	if err := f.AutoFilter(HistorySheet, fmt.Sprintf("A1:I%d", max(row-1, 1)), nil); err != nil {
		return fmt.Errorf("history filter: %w", err)
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func writeSummary(f *excelize.File, ent model.Entity, bold int) error {
	rows := [][]any{
		{"ID", ent.ID},
		{"Type", ent.Type},
		{"Status", ent.Status},
		{"Title", ent.Details.Title},
		{"Reference", ent.Details.Reference},
		{"Contact", ent.Details.ContactName},
		{"Contact Email", ent.Details.ContactEmail},
		{"Score", optional(ent.Score)},
		{"Assignee", optional(ent.Assignee)},
		{"Version", ent.Version},
		{"Created", formatTime(ent.CreatedAt)},
		{"Updated", formatTime(ent.UpdatedAt)},
	}
	for i, r := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(SummarySheet, cell, &r); err != nil {
			return fmt.Errorf("write summary row %d: %w", i+1, err)
		}
	}
	if err := f.SetCellStyle(SummarySheet, "A1", fmt.Sprintf("A%d", len(rows)), bold); err != nil {
		return fmt.Errorf("style summary: %w", err)
	}
	if err := f.SetColWidth(SummarySheet, "A", "B", 24); err != nil {
		return fmt.Errorf("size summary columns: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// formatChanges renders changes as "field: old -> new" lines.
func formatChanges(changes []model.FieldChange) string {
	if len(changes) == 0 {
		return ""
	}
	lines := make([]string, len(changes))
	for i, c := range changes {
		lines[i] = fmt.Sprintf("%s: %s -> %s", c.Field, formatValue(c.OldValue), formatValue(c.NewValue))
	}
	return strings.Join(lines, "\n")
}

func formatValue(v any) string {
	if v == nil {
		return "(none)"
	}
	return fmt.Sprint(v)
}

func optional[T any](v *T) any {
	if v == nil {
		return ""
	}
	return *v
}
