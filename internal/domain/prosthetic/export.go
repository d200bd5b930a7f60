package prosthetic

import (
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

const (
	summarySheet = "Summary"
	casesSheet   = "Cases"
)

// WriteSummaryXLSX renders a summary and the cases behind it as a workbook
// with a totals sheet and one row per case.
func WriteSummaryXLSX(w io.Writer, s Summary, cases []*Case, f SummaryFilter, loc *time.Location) error {
	x := excelize.NewFile()
	defer x.Close()

	if err := x.SetSheetName("Sheet1", summarySheet); err != nil {
		return err
	}
	if _, err := x.NewSheet(casesSheet); err != nil {
		return err
	}
	bold, err := x.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}

	rows := [][]interface{}{
		{"Period", periodLabel(f)},
		{"Finalized cases", s.Count},
		{"Total cost", money(s.Total)},
		{},
		{"Lab", "Cases", "Total"},
	}
	for _, name := range SortedNames(s.ByLab) {
		b := s.ByLab[name]
		rows = append(rows, []interface{}{name, b.Count, money(b.Total)})
	}
	rows = append(rows, []interface{}{}, []interface{}{"Professional", "Cases", "Total"})
	profHeader := len(rows)
	for _, name := range SortedNames(s.ByProfessional) {
		b := s.ByProfessional[name]
		rows = append(rows, []interface{}{name, b.Count, money(b.Total)})
	}
	for i, row := range rows {
		row := row
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := x.SetSheetRow(summarySheet, cell, &row); err != nil {
			return err
		}
	}
	for _, r := range []int{5, profHeader} {
		if err := x.SetCellStyle(summarySheet, fmt.Sprintf("A%d", r), fmt.Sprintf("C%d", r), bold); err != nil {
			return err
		}
	}

	header := []interface{}{"Code", "Patient", "Lab", "Professional", "Work type", "Finalized", "Cost"}
	if err := x.SetSheetRow(casesSheet, "A1", &header); err != nil {
		return err
	}
	if err := x.SetCellStyle(casesSheet, "A1", "G1", bold); err != nil {
		return err
	}
	for i, c := range cases {
		cost := decimal.Zero
		if c.CostValue != nil {
			cost = *c.CostValue
		}
		finalized := ""
		if c.FinalizedAt != nil {
			finalized = c.FinalizedAt.In(loc).Format("2006-01-02 15:04")
		}
		row := []interface{}{c.Code, c.PatientName, c.LabName, c.ProfessionalName, c.WorkType, finalized, money(cost)}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := x.SetSheetRow(casesSheet, cell, &row); err != nil {
			return err
		}
	}

	return x.Write(w)
}

func money(d decimal.Decimal) float64 {
	f, _ := d.Round(2).Float64()
	return f
}

func periodLabel(f SummaryFilter) string {
	from, to := "open", "open"
	if f.DateFrom != nil {
		from = f.DateFrom.String()
	}
	if f.DateTo != nil {
		to = f.DateTo.String()
	}
	return from + " to " + to
}
