package interfaces

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	alerts "equipwatch/internal/alerts/domain"
)

// ReportHeader describes the scope of an alert history report.
type ReportHeader struct {
	EquipmentID string
	From        time.Time
	To          time.Time
	GeneratedAt time.Time
}

// BuildAlertsPDF renders an equipment's alert history as a PDF.
func BuildAlertsPDF(header ReportHeader, items []alerts.Alert) ([]byte, error) {
	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Alert History Report")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Equipment: %s", header.EquipmentID))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Window: %s to %s", header.From.Format("2006-01-02"), header.To.Format("2006-01-02")))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", header.GeneratedAt.Format(time.RFC3339)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Alerts: %d", len(items)))
	pdf.Ln(8)

	pdf.SetFont("Arial", "B", 9)
	pdf.CellFormat(40, 6, "Rule", "1", 0, "C", false, 0, "")
	pdf.CellFormat(22, 6, "Severity", "1", 0, "C", false, 0, "")
	pdf.CellFormat(26, 6, "Status", "1", 0, "C", false, 0, "")
	pdf.CellFormat(26, 6, "Trigger", "1", 0, "C", false, 0, "")
	pdf.CellFormat(42, 6, "Opened", "1", 0, "C", false, 0, "")
	pdf.CellFormat(42, 6, "Last Seen", "1", 0, "C", false, 0, "")
	pdf.CellFormat(42, 6, "Resolved", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 9)
	for _, item := range items {
		resolved := ""
		if !item.ResolvedAt.IsZero() {
			resolved = item.ResolvedAt.Format(time.RFC3339)
		}
		pdf.CellFormat(40, 6, item.RuleID, "1", 0, "L", false, 0, "")
		pdf.CellFormat(22, 6, item.Severity, "1", 0, "C", false, 0, "")
		pdf.CellFormat(26, 6, item.Status, "1", 0, "C", false, 0, "")
		pdf.CellFormat(26, 6, fmt.Sprintf("%.2f", item.TriggerValue), "1", 0, "R", false, 0, "")
		pdf.CellFormat(42, 6, item.OpenedAt.Format(time.RFC3339), "1", 0, "C", false, 0, "")
		pdf.CellFormat(42, 6, item.LastSeenAt.Format(time.RFC3339), "1", 0, "C", false, 0, "")
		pdf.CellFormat(42, 6, resolved, "1", 0, "C", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildAlertsXLSX renders an equipment's alert history as an XLSX workbook.
func BuildAlertsXLSX(header ReportHeader, items []alerts.Alert) ([]byte, error) {
	f := excelize.NewFile()
	summarySheet := "summary"
	alertsSheet := "alerts"
	f.SetSheetName("Sheet1", summarySheet)
	f.NewSheet(alertsSheet)

	_ = f.SetCellValue(summarySheet, "A1", "Alert History Report")
	_ = f.SetCellValue(summarySheet, "A3", "Equipment")
	_ = f.SetCellValue(summarySheet, "B3", header.EquipmentID)
	_ = f.SetCellValue(summarySheet, "A4", "From")
	_ = f.SetCellValue(summarySheet, "B4", header.From.Format("2006-01-02"))
	_ = f.SetCellValue(summarySheet, "A5", "To")
	_ = f.SetCellValue(summarySheet, "B5", header.To.Format("2006-01-02"))
	_ = f.SetCellValue(summarySheet, "A6", "Generated")
	_ = f.SetCellValue(summarySheet, "B6", header.GeneratedAt.Format(time.RFC3339))
	_ = f.SetCellValue(summarySheet, "A7", "Alerts")
	_ = f.SetCellValue(summarySheet, "B7", len(items))

	columns := []string{"ID", "Rule", "Severity", "Title", "Status", "Trigger Value", "Opened", "Last Seen", "Acked", "Resolved"}
	for i, name := range columns {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(alertsSheet, cell, name)
	}
	for i, item := range items {
		row := i + 2
		values := []any{
			item.ID,
			item.RuleID,
			item.Severity,
			item.Title,
			item.Status,
			item.TriggerValue,
			item.OpenedAt.Format(time.RFC3339),
			item.LastSeenAt.Format(time.RFC3339),
			formatOptionalTime(item.AckedAt),
			formatOptionalTime(item.ResolvedAt),
		}
		for col, value := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			_ = f.SetCellValue(alertsSheet, cell, value)
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func formatOptionalTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
