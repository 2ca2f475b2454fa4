package history

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

const exportSheet = "Transcriptions"

var exportHeader = []interface{}{
	"Task ID", "File", "State", "Progress", "Message", "Error",
	"Duration (s)", "Notes", "Frames", "PDF", "MIDI", "Transport",
	"Submitted", "Finished",
}

// ExportXLSX writes records as a spreadsheet, one row per job
func ExportXLSX(w io.Writer, records []*Record) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", exportSheet); err != nil {
		return fmt.Errorf("failed to name sheet: %w", err)
	}

	if err := f.SetSheetRow(exportSheet, "A1", &exportHeader); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for i, r := range records {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		row := []interface{}{
			r.TaskID, r.FileName, string(r.State), r.Progress, r.Message, r.Error,
			r.DurationSeconds, r.TotalNotes, r.TotalFrames, r.HasPDF, r.HasMIDI, r.Transport,
			r.SubmittedAt, r.FinishedAt,
		}
		if err := f.SetSheetRow(exportSheet, cell, &row); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}

	_ = f.SetColWidth(exportSheet, "A", "A", 38) // task id
	_ = f.SetColWidth(exportSheet, "B", "B", 28) // file
	_ = f.SetColWidth(exportSheet, "E", "F", 40) // message, error
	_ = f.SetColWidth(exportSheet, "M", "N", 22) // timestamps

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write spreadsheet: %w", err)
	}
	return nil
}
