// Package xlsx renders spreadsheets for manual follow-up of stuck documents.
package xlsx

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/kirillkom/expense-pipeline/internal/core/domain"
)

const remediationSheet = "Remediation"

var remediationHeaders = []string{
	"Document ID",
	"Client Group ID",
	"File Name",
	"Stage",
	"Expense Type",
	"Emitter CNPJ/CPF",
	"Recipient CNPJ/CPF",
	"Cedente",
	"Total",
	"Due Date",
	"Stage Since",
	"Created At",
}

type ReportWriter struct{}

func NewReportWriter() *ReportWriter {
	return &ReportWriter{}
}

// WriteRemediation writes one row per document. Unreadable expense JSON leaves the expense columns blank.
func (ReportWriter) WriteRemediation(w io.Writer, rows []domain.Document) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), remediationSheet); err != nil {
		return fmt.Errorf("name sheet: %w", err)
	}

	for i, h := range remediationHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(remediationSheet, cell, h); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}
	if err := styleHeader(f); err != nil {
		return err
	}

	for i, doc := range rows {
		row := i + 2
		write := func(col int, v any) error {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			return f.SetCellValue(remediationSheet, cell, v)
		}

		values := []any{
			doc.ID,
			doc.ClientGroupID,
			doc.FileName,
			string(doc.Stage),
			string(doc.ExpenseType),
			"", "", "", "", "",
			formatTime(stageSince(doc)),
			formatTime(doc.CreatedAt),
		}
		if expense, err := domain.DecodeExpense(doc.ExpenseJSON); err == nil {
			values[5] = expense.EmitterTaxID
			values[6] = expense.RecipientTaxID
			values[7] = expense.Cedente
			values[8] = expense.TotalValue.InexactFloat64()
			values[9] = expense.DueDate
		}
		for col, v := range values {
			if err := write(col+1, v); err != nil {
				return fmt.Errorf("write row %d: %w", row, err)
			}
		}
	}

	_ = f.SetColWidth(remediationSheet, "C", "C", 40)
	_ = f.SetColWidth(remediationSheet, "D", "E", 20)
	_ = f.SetColWidth(remediationSheet, "F", "H", 22)
	_ = f.SetColWidth(remediationSheet, "K", "L", 22)
	if len(rows) > 0 {
		last, _ := excelize.CoordinatesToCellName(len(remediationHeaders), len(rows)+1)
		_ = f.AutoFilter(remediationSheet, "A1:"+last, nil)
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write xlsx: %w", err)
	}
	return nil
}

func styleHeader(f *excelize.File) error {
	style, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}
	last, _ := excelize.CoordinatesToCellName(len(remediationHeaders), 1)
	return f.SetCellStyle(remediationSheet, "A1", last, style)
}

// stageSince is the time of the last history entry for the current stage.
func stageSince(doc domain.Document) time.Time {
	for i := len(doc.History) - 1; i >= 0; i-- {
		if doc.History[i].Stage == doc.Stage {
			return doc.History[i].At
		}
	}
	return time.Time{}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}
