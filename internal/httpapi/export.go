package httpapi

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"

	"github.com/xuri/excelize/v2"

	"salesdash/backend/internal/domain"
)

func exportFilename(dashboard domain.Dashboard, format string) string {
	period := "all"
	if dashboard.Month > 0 {
		period = fmt.Sprintf("month-%02d", dashboard.Month)
	}
	return fmt.Sprintf("dashboard-%s.%s", period, format)
}

func summaryRows(dashboard domain.Dashboard) [][]string {
	month := "all"
	if dashboard.Month > 0 {
		month = strconv.Itoa(dashboard.Month)
	}
	rows := [][]string{
		{"summary", "user_id", dashboard.UserID},
		{"summary", "month", month},
		{"summary", "item_count", strconv.Itoa(dashboard.ItemCount)},
		{"summary", "total_earnings", dashboard.TotalEarnings.StringFixed(2)},
		{"summary", "total_quantity", strconv.Itoa(dashboard.TotalQuantity)},
	}
	if dashboard.MostSoldProduct != nil {
		rows = append(rows, []string{"summary", "most_sold_product", dashboard.MostSoldProduct.ProductName})
	}
	if dashboard.HighestSaleItem != nil {
		rows = append(rows, []string{"summary", "highest_sale_item", dashboard.HighestSaleItem.ProductName})
	}
	for _, name := range dashboard.PerProductQuantity.Keys() {
		qty, _ := dashboard.PerProductQuantity.Get(name)
		rows = append(rows, []string{"product_quantity", name, strconv.Itoa(qty)})
	}
	for _, f := range dashboard.Forecast {
		rows = append(rows, []string{"forecast", f.ProductName, strconv.FormatFloat(f.PredictedQuantity, 'f', -1, 64)})
	}
	return rows
}

// dashboardToCSV renders section,key,value rows. Product names are quoted by
// encoding/csv when needed.
func dashboardToCSV(dashboard domain.Dashboard) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	if err := writer.Write([]string{"section", "key", "value"}); err != nil {
		return nil, err
	}
	rows := summaryRows(dashboard)
	for _, row := range rows {
		for i := range row {
			row[i] = csvCell(row[i])
		}
	}
	if err := writer.WriteAll(rows); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// csvCell keeps spreadsheet apps from evaluating user text as a formula.
// XLSX cells are written as typed strings and need no escaping.
func csvCell(value string) string {
	if value == "" {
		return value
	}
	switch value[0] {
	case '=', '+', '-', '@', '\t', '\r':
		return "'" + value
	}
	return value
}

func dashboardToXLSX(dashboard domain.Dashboard) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	const summarySheet, itemsSheet = "Summary", "Items"
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	if err := f.SetSheetRow(summarySheet, "A1", &[]any{"section", "key", "value"}); err != nil {
		return nil, err
	}
	for i, row := range summaryRows(dashboard) {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		if err := f.SetSheetRow(summarySheet, cell, &[]any{row[0], row[1], row[2]}); err != nil {
			return nil, err
		}
	}

	if _, err := f.NewSheet(itemsSheet); err != nil {
		return nil, err
	}
	header := []any{"sale_id", "line_no", "date", "product_name", "quantity", "unit_price", "total_price"}
	if err := f.SetSheetRow(itemsSheet, "A1", &header); err != nil {
		return nil, err
	}
	for i, item := range dashboard.Items {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		unit, _ := item.UnitPrice.Float64()
		total, _ := item.TotalPrice.Float64()
		row := []any{item.SaleID, item.LineNo, item.Date.String(), item.ProductName, item.Quantity, unit, total}
		if err := f.SetSheetRow(itemsSheet, cell, &row); err != nil {
			return nil, err
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
