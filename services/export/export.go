// Package exportsvc writes ledger entries as CSV or XLSX reports.
package exportsvc

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/trezcool/academia/core/ledger"
)

type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"

	sheetName = "Ledger"
)

var ErrUnknownFormat = errors.New("unknown export format (csv or xlsx)")

func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatCSV, "":
		return FormatCSV, nil
	case FormatXLSX:
		return FormatXLSX, nil
	}
	return "", ErrUnknownFormat
}

func (f Format) ContentType() string {
	if f == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv; charset=utf-8"
}

func (f Format) Filename(base string) string {
	return base + "." + string(f)
}

var header = []string{
	"id", "owner_id", "concept", "plan_id", "installment", "payment_type", "status",
	"original_amount", "discount_amount", "amount", "paid_amount", "remaining_amount", "currency",
	"due_date", "payment_date", "created_at",
}

// amount columns, written as numbers in XLSX
const firstAmountCol, lastAmountCol = 7, 11

func row(e ledger.Entry, currency string) []string {
	installment := ""
	if e.PlanID != "" {
		installment = fmt.Sprintf("%d/%d", e.InstallmentNumber, e.TotalInstallments)
	}
	discount := decimal.Zero
	if e.DiscountAmount.Valid {
		discount = e.DiscountAmount.Decimal
	}
	return []string{
		e.ID,
		e.OwnerID,
		e.Concept,
		e.PlanID,
		installment,
		string(e.PaymentType),
		string(e.Status),
		e.OriginalAmount.String(),
		discount.String(),
		e.Amount.String(),
		e.PaidAmount.String(),
		e.RemainingAmount.String(),
		currency,
		formatDate(e.DueDate, "2006-01-02"),
		formatDate(e.PaymentDate, "2006-01-02"),
		e.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
	}
}

func formatDate(t *time.Time, layout string) string {
	if t == nil {
		return ""
	}
	return t.Format(layout)
}

// WriteEntries writes `entries` to `w` in the given format.
func WriteEntries(w io.Writer, format Format, entries []ledger.Entry, currency string) error {
	switch format {
	case FormatCSV:
		return WriteCSV(w, entries, currency)
	case FormatXLSX:
		return WriteXLSX(w, entries, currency)
	}
	return ErrUnknownFormat
}

func WriteCSV(w io.Writer, entries []ledger.Entry, currency string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return errors.Wrap(err, "writing csv header")
	}
	for _, e := range entries {
		if err := cw.Write(row(e, currency)); err != nil {
			return errors.Wrapf(err, "writing entry %s", e.ID)
		}
	}
	cw.Flush()
	return errors.Wrap(cw.Error(), "flushing csv")
}

func WriteXLSX(w io.Writer, entries []ledger.Entry, currency string) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return errors.Wrap(err, "naming sheet")
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return errors.Wrap(err, "creating header style")
	}

	for i, h := range header {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(sheetName, cell, h); err != nil {
			return errors.Wrap(err, "writing header")
		}
	}
	lastHeader, _ := excelize.CoordinatesToCellName(len(header), 1)
	if err := f.SetCellStyle(sheetName, "A1", lastHeader, bold); err != nil {
		return errors.Wrap(err, "styling header")
	}

	for r, e := range entries {
		for c, val := range row(e, currency) {
			cell, _ := excelize.CoordinatesToCellName(c+1, r+2)
			var v interface{} = val
			if c >= firstAmountCol && c <= lastAmountCol {
				if n, err := strconv.ParseFloat(val, 64); err == nil {
					v = n
				}
			}
			if err := f.SetCellValue(sheetName, cell, v); err != nil {
				return errors.Wrapf(err, "writing entry %s", e.ID)
			}
		}
	}
	if err := f.SetPanes(sheetName, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"}); err != nil {
		return errors.Wrap(err, "freezing header")
	}
	return errors.Wrap(f.Write(w), "writing xlsx")
}
