package bedmgmt

import (
	"bytes"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

const (
	summarySheet = "Summary"
	unitSheet    = "By Unit"
)

var turnoverHeaders = []string{
	"Unit", "Total Turnovers", "Avg Minutes", "Min Minutes", "Max Minutes",
	"Exceeded Target", "Exceeded %", "Target Minutes",
}

// TurnoverWorkbook renders turnover metrics as an xlsx file with a summary
// sheet and one row per unit.
func TurnoverWorkbook(m *TurnoverMetrics, generatedAt time.Time) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, fmt.Errorf("renaming summary sheet: %w", err)
	}
	if _, err := f.NewSheet(unitSheet); err != nil {
		return nil, fmt.Errorf("creating unit sheet: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
		},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		return nil, fmt.Errorf("creating header style: %w", err)
	}

	info := [][]interface{}{
		{"Bed Turnover Report"},
		{"Period start", m.StartDate.Format(time.RFC3339)},
		{"Period end", m.EndDate.Format(time.RFC3339)},
		{"Generated", generatedAt.UTC().Format(time.RFC3339)},
	}
	for i, row := range info {
		if err := writeRow(f, summarySheet, i+1, row, 0); err != nil {
			return nil, err
		}
	}
	// row 5 left blank
	if err := writeRow(f, summarySheet, 6, headerRow(), headerStyle); err != nil {
		return nil, err
	}
	if err := writeRow(f, summarySheet, 7, turnoverRow("All units", m.Overall), 0); err != nil {
		return nil, err
	}

	if err := writeRow(f, unitSheet, 1, headerRow(), headerStyle); err != nil {
		return nil, err
	}
	for i, u := range m.ByUnit {
		if err := writeRow(f, unitSheet, i+2, turnoverRow(u.UnitName, u.TurnoverStats), 0); err != nil {
			return nil, err
		}
	}
	for _, sheet := range []string{summarySheet, unitSheet} {
		if err := f.SetColWidth(sheet, "A", "A", 24); err != nil {
			return nil, fmt.Errorf("setting column width: %w", err)
		}
		if err := f.SetColWidth(sheet, "B", "H", 16); err != nil {
			return nil, fmt.Errorf("setting column width: %w", err)
		}
	}
	if err := f.SetPanes(unitSheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return nil, fmt.Errorf("freezing header: %w", err)
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("writing workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func headerRow() []interface{} {
	row := make([]interface{}, len(turnoverHeaders))
	for i, h := range turnoverHeaders {
		row[i] = h
	}
	return row
}

func turnoverRow(label string, s TurnoverStats) []interface{} {
	opt := func(v *float64) interface{} {
		if v == nil {
			return ""
		}
		return *v
	}
	return []interface{}{
		label, s.TotalTurnovers, opt(s.AvgTurnoverTime), opt(s.MinTurnoverTime), opt(s.MaxTurnoverTime),
		s.ExceededTargetCount, s.ExceededTargetPercentage, s.TargetMinutes,
	}
}

func writeRow(f *excelize.File, sheet string, row int, values []interface{}, style int) error {
	if len(values) == 0 {
		return nil
	}
	start, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, start, &values); err != nil {
		return fmt.Errorf("writing %s row %d: %w", sheet, row, err)
	}
	if style == 0 {
		return nil
	}
	end, err := excelize.CoordinatesToCellName(len(values), row)
	if err != nil {
		return err
	}
	return f.SetCellStyle(sheet, start, end, style)
}
