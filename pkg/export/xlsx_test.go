package export

import (
	"path/filepath"
	"testing"

	"github.com/xuri/excelize/v2"

	"shelfscan/pkg/domain"
)

func TestWriteXLSXRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "books.xlsx")
	records := []domain.BookRecord{
		{
			Title:      "The Stranger",
			Authors:    "Albert Camus",
			Publisher:  "Gallimard",
			ISBN:       "9782070360022",
			Year:       "1942",
			RawOCRText: "L'Étranger - Albert Camus - Gallimard",
		},
		{
			Title:      "Les Misérables",
			RawOCRText: "Les Misérables - Victor Hugo - Pocket",
		},
	}
	if err := WriteXLSX(path, records); err != nil {
		t.Fatalf("WriteXLSX() error = %v", err)
	}

	f, err := excelize.OpenFile(path)
	if err != nil {
		t.Fatalf("open spreadsheet: %v", err)
	}
	defer f.Close()
	rows, err := f.GetRows(sheetName)
	if err != nil {
		t.Fatalf("read rows: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("row count = %d, want header + 2 records", len(rows))
	}
	if rows[0][0] != "Title" || rows[0][6] != "Raw OCR Text" {
		t.Fatalf("unexpected header row: %v", rows[0])
	}
	if rows[1][0] != "The Stranger" || rows[1][1] != "Albert Camus" {
		t.Fatalf("unexpected first record row: %v", rows[1])
	}
	if rows[2][0] != "Les Misérables" {
		t.Fatalf("unexpected second record row: %v", rows[2])
	}
}

func TestWriteXLSXEmptyRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.xlsx")
	if err := WriteXLSX(path, nil); err != nil {
		t.Fatalf("WriteXLSX() error = %v", err)
	}
	f, err := excelize.OpenFile(path)
	if err != nil {
		t.Fatalf("open spreadsheet: %v", err)
	}
	defer f.Close()
	rows, err := f.GetRows(sheetName)
	if err != nil {
		t.Fatalf("read rows: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("row count = %d, want header only", len(rows))
	}
}
