package xlsx

import (
	"bytes"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/kirillkom/expense-pipeline/internal/core/domain"
)

func TestWriteRemediation(t *testing.T) {
	created := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	rows := []domain.Document{
		{
			ID:            10,
			ClientGroupID: 3,
			FileName:      "boleto.pdf",
			Stage:         domain.StageCompanyNotFound,
			ExpenseType:   domain.ExpenseBoleto,
			ExpenseJSON:   `{"valorTotal":"89.90","cedente":"Energia Sul","cnpjCpfDestinatario":"12345678000199"}`,
			CreatedAt:     created,
			History: []domain.StageHistoryEntry{
				{Stage: domain.StageDownloaded, At: created},
				{Stage: domain.StageCompanyNotFound, At: created.Add(time.Hour)},
			},
		},
		{ID: 11, ClientGroupID: 3, FileName: "broken.pdf", Stage: domain.StageError, CreatedAt: created},
	}

	var buf bytes.Buffer
	if err := NewReportWriter().WriteRemediation(&buf, rows); err != nil {
		t.Fatalf("WriteRemediation() error = %v", err)
	}

	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("open generated workbook: %v", err)
	}
	defer f.Close()

	got, err := f.GetRows(remediationSheet)
	if err != nil {
		t.Fatalf("GetRows() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected header and two rows, got %d", len(got))
	}
	if got[0][0] != "Document ID" || got[1][2] != "boleto.pdf" || got[1][3] != "COMPANY_NOT_FOUND" {
		t.Fatalf("unexpected first rows %v", got[:2])
	}
	if got[1][6] != "12345678000199" || got[1][7] != "Energia Sul" || got[1][8] != "89.9" {
		t.Fatalf("unexpected expense columns %v", got[1])
	}
	if got[1][10] != "2026-02-01 10:00:00" {
		t.Fatalf("unexpected stage since %q", got[1][10])
	}
	if got[2][3] != "ERRO" || got[2][5] != "" {
		t.Fatalf("unexpected error row %v", got[2])
	}
	if sheets := f.GetSheetList(); len(sheets) != 1 || sheets[0] != remediationSheet {
		t.Fatalf("unexpected sheets %v", sheets)
	}
}
