package httpapi

import (
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"eva-checkin/internal/domain"
)

// IncidentExportHeader 导出表头
var IncidentExportHeader = []string{
	"Incident ID",
	"Person ID",
	"Source",
	"Reason",
	"Severity",
	"Status",
	"Escalation State",
	"Needs Attention",
	"Created At",
	"Resolved At",
	"Resolution Notes",
}

var incidentColumnWidths = []float64{38, 38, 14, 40, 10, 10, 18, 16, 22, 22, 40}

const incidentSheet = "Incidents"

// GenerateIncidentExport 生成升级事件导出 Excel 文件；items 为空时只有表头
func GenerateIncidentExport(items []domain.EscalationIncident) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(incidentSheet)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	// 删除默认的 Sheet1
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, fmt.Errorf("failed to delete default sheet: %w", err)
	}
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
		Alignment: &excelize.Alignment{
			Horizontal: "center",
			Vertical:   "center",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	for col, header := range IncidentExportHeader {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return nil, fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetCellValue(incidentSheet, cell, header); err != nil {
			return nil, fmt.Errorf("failed to set header cell %s: %w", cell, err)
		}
		if err := f.SetCellStyle(incidentSheet, cell, cell, headerStyle); err != nil {
			return nil, fmt.Errorf("failed to set header style: %w", err)
		}
		name, err := excelize.ColumnNumberToName(col + 1)
		if err != nil {
			return nil, fmt.Errorf("failed to convert column number: %w", err)
		}
		if err := f.SetColWidth(incidentSheet, name, name, incidentColumnWidths[col]); err != nil {
			return nil, fmt.Errorf("failed to set column width: %w", err)
		}
	}

	for i := range items {
		inc := items[i]
		row := []interface{}{
			inc.IncidentID,
			inc.PersonID,
			string(inc.Source),
			inc.Reason,
			inc.SeverityLevel,
			string(inc.Status),
			string(inc.EscalationState),
			yesNo(inc.NeedsManualAttention()),
			formatTime(&inc.CreatedAt),
			formatTime(inc.ResolvedAt),
			derefString(inc.ResolutionNotes),
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetSheetRow(incidentSheet, cell, &row); err != nil {
			return nil, fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to write excel: %w", err)
	}
	return buf.Bytes(), nil
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
