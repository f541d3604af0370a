// Package report renders a user's quota history as an XLSX workbook.
package report

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/p-n-ai/pai-quota/internal/quota"
)

// Sheet names, in workbook order.
const (
	SheetExchanges = "Exchanges"
	SheetBundles   = "Bundles"
	SheetUsage     = "Usage"
)

// ContentType is the MIME type of a rendered workbook.
const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Data is everything that goes into one export.
type Data struct {
	UserID      string
	Email       string
	GeneratedAt time.Time
	Status      quota.Status
	Bundles     []quota.Bundle
	Exchanges   []quota.Exchange
}

var (
	exchangeHeader = []any{"ID", "Created At", "Question", "Answer", "Tokens Used"}
	bundleHeader   = []any{"ID", "Tier", "Total Quota", "Remaining Quota", "Created At", "Expires At"}
)

// Write renders d and writes the workbook to w.
func Write(w io.Writer, d Data) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", SheetExchanges); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	for _, name := range []string{SheetBundles, SheetUsage} {
		if _, err := f.NewSheet(name); err != nil {
			return fmt.Errorf("create sheet %s: %w", name, err)
		}
	}

	header, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}

	if err := writeExchanges(f, header, d.Exchanges); err != nil {
		return err
	}
	if err := writeBundles(f, header, d.Bundles); err != nil {
		return err
	}
	if err := writeUsage(f, header, d); err != nil {
		return err
	}

	idx, err := f.GetSheetIndex(SheetExchanges)
	if err != nil {
		return err
	}
	f.SetActiveSheet(idx)

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func writeExchanges(f *excelize.File, header int, exchanges []quota.Exchange) error {
	if err := writeHeader(f, SheetExchanges, header, exchangeHeader); err != nil {
		return err
	}
	for i, ex := range exchanges {
		row := []any{ex.ID, formatTime(ex.CreatedAt), ex.Question, ex.Answer, ex.TokensUsed}
		if err := setRow(f, SheetExchanges, i+2, row); err != nil {
			return err
		}
	}
	if err := f.SetColWidth(SheetExchanges, "C", "D", 60); err != nil {
		return err
	}
	return f.SetColWidth(SheetExchanges, "A", "B", 38)
}

func writeBundles(f *excelize.File, header int, bundles []quota.Bundle) error {
	if err := writeHeader(f, SheetBundles, header, bundleHeader); err != nil {
		return err
	}
	for i, b := range bundles {
		expires := ""
		if b.ExpiresAt != nil {
			expires = formatTime(*b.ExpiresAt)
		}
		row := []any{b.ID, string(b.Tier), b.TotalQuota, b.RemainingQuota, formatTime(b.CreatedAt), expires}
		if err := setRow(f, SheetBundles, i+2, row); err != nil {
			return err
		}
	}
	return f.SetColWidth(SheetBundles, "A", "A", 38)
}

func writeUsage(f *excelize.File, header int, d Data) error {
	rows := [][]any{
		{"User ID", d.UserID},
		{"Email", d.Email},
		{"Period", d.Status.Period},
		{"Free Questions Used", d.Status.FreeUsed},
		{"Free Question Limit", d.Status.FreeLimit},
		{"Free Questions Remaining", d.Status.FreeRemaining},
		{"Active Bundles", len(d.Status.Bundles)},
		{"Generated At", formatTime(d.GeneratedAt)},
	}
	for i, row := range rows {
		if err := setRow(f, SheetUsage, i+1, row); err != nil {
			return err
		}
	}
	if err := f.SetCellStyle(SheetUsage, "A1", fmt.Sprintf("A%d", len(rows)), header); err != nil {
		return err
	}
	return f.SetColWidth(SheetUsage, "A", "B", 38)
}

func writeHeader(f *excelize.File, sheet string, style int, cols []any) error {
	if err := setRow(f, sheet, 1, cols); err != nil {
		return err
	}
	last, err := excelize.CoordinatesToCellName(len(cols), 1)
	if err != nil {
		return err
	}
	return f.SetCellStyle(sheet, "A1", last, style)
}

func setRow(f *excelize.File, sheet string, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("write %s row %d: %w", sheet, row, err)
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
