// Package export writes scan results as spreadsheets.
package export

import (
	"fmt"

	"github.com/xuri/excelize/v2"

	"shelfscan/pkg/domain"
)

const sheetName = "Sheet1"

var columns = []string{"Title", "Author(s)", "Edition", "Publisher", "ISBN", "Year", "Raw OCR Text"}

// WriteXLSX writes one row per record with a header row matching the
// BookRecord fields.
func WriteXLSX(path string, records []domain.BookRecord) error {
	f := excelize.NewFile()
	defer f.Close()

	header := make([]any, len(columns))
	for i, col := range columns {
		header[i] = col
	}
	if err := f.SetSheetRow(sheetName, "A1", &header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for i, record := range records {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return fmt.Errorf("row coordinates: %w", err)
		}
		row := []any{
			record.Title,
			record.Authors,
			record.Edition,
			record.Publisher,
			record.ISBN,
			record.Year,
			record.RawOCRText,
		}
		if err := f.SetSheetRow(sheetName, cell, &row); err != nil {
			return fmt.Errorf("write row %d: %w", i+1, err)
		}
	}
	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save spreadsheet: %w", err)
	}
	return nil
}
