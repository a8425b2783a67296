package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/trezcool/academia/core"
	"github.com/trezcool/academia/core/discount"
	"github.com/trezcool/academia/core/ledger"
	"github.com/trezcool/academia/services/export"
)

var (
	errDiscrepancies   = errors.New("the ledger has discrepancies")
	errXLSXNeedsOutput = errors.New("xlsx exports need an output file (-o)")
)

func (cli *commandLine) markOverdue(asOf string) error {
	date := ledger.NowFunc().UTC()
	if asOf != "" {
		d, err := time.Parse("2006-01-02", asOf)
		if err != nil {
			return core.NewValidationError(err, core.FieldError{Field: "asof", Error: "invalid date, expected YYYY-MM-DD"})
		}
		date = d
	}

	entries, err := cli.ledgerSvc.MarkOverdueAll(context.Background(), date)
	for _, e := range entries {
		fmt.Fprintf(cli.out, "%s\t%s\t%s\n", e.ID, e.OwnerID, e.RemainingAmount)
	}
	if err != nil {
		return errors.Wrap(err, "marking entries overdue")
	}
	fmt.Fprintf(cli.out, "%d entries marked overdue as of %s\n", len(entries), date.Format("2006-01-02"))
	return nil
}

func (cli *commandLine) reconcile(ownerID string) error {
	discrepancies, err := cli.ledgerSvc.Reconcile(context.Background(), ledger.QueryFilter{OwnerID: ownerID})
	if err != nil {
		return errors.Wrap(err, "reconciling ledger")
	}
	if len(discrepancies) == 0 {
		fmt.Fprintln(cli.out, "ledger is consistent")
		return nil
	}
	for _, d := range discrepancies {
		fmt.Fprintf(cli.out, "%s\t%s\n", d.EntryID, d.Problem)
	}
	return errDiscrepancies
}

func (cli *commandLine) setDiscount(minStudents int, pct string) error {
	percentage, err := decimal.NewFromString(pct)
	if err != nil {
		return core.NewValidationError(err, core.FieldError{Field: "pct", Error: "must be a decimal number"})
	}
	rule, err := cli.discountSvc.Update(context.Background(), discount.Rule{MinStudents: minStudents, Percentage: percentage})
	if err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "groups of %d or more students get %s%% off\n", rule.MinStudents, rule.Percentage)
	return nil
}

func (cli *commandLine) export(format, output, ownerID string) (err error) {
	f, err := exportsvc.ParseFormat(format)
	if err != nil {
		return err
	}
	if f == exportsvc.FormatXLSX && output == "" {
		return errXLSXNeedsOutput
	}

	entries, err := cli.ledgerSvc.Query(
		context.Background(),
		ledger.QueryFilter{OwnerID: ownerID},
		[]core.DBOrdering{{Field: "created_at", Ascending: true}},
	)
	if err != nil {
		return errors.Wrap(err, "querying entries")
	}

	var w io.Writer = cli.out
	if output != "" {
		file, err := os.Create(output)
		if err != nil {
			return errors.Wrap(err, "creating output file")
		}
		defer func() {
			if cErr := file.Close(); err == nil {
				err = cErr
			}
		}()
		w = file
	}
	return exportsvc.WriteEntries(w, f, entries, cli.ledgerSvc.Currency())
}
