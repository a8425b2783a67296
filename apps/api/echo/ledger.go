package echoapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/academia/core/discount"
	"github.com/trezcool/academia/core/ledger"
	"github.com/trezcool/academia/services/export"
)

type ledgerApi struct {
	svc       *ledger.Service
	discounts *discount.Service
	validate  *validator.Validate
}

func registerLedgerAPI(
	g *echo.Group,
	jwt echo.MiddlewareFunc,
	svc *ledger.Service,
	discounts *discount.Service,
	validate *validator.Validate,
) {
	api := ledgerApi{
		svc:       svc,
		discounts: discounts,
		validate:  validate,
	}

	lg := g.Group("/ledger", jwt)
	lg.POST("/entries", api.createEntry, adminMiddleware())
	lg.POST("/plans", api.createPlan, adminMiddleware())
	lg.GET("/entries", api.query)
	lg.POST("/overdue-sweep", api.markOverdueAll, adminMiddleware())
	lg.GET("/summary", api.summarize, adminMiddleware())
	lg.GET("/export", api.export, adminMiddleware())

	// detail endpoints
	dg := lg.Group("/entries/:id", entryOwnerOrAdminMiddleware(svc))
	dg.GET("", api.retrieve)
	dg.GET("/transactions", api.transactions)
	dg.POST("/transactions", api.recordTransaction, adminMiddleware())
	dg.POST("/cancel", api.cancel, adminMiddleware())
	dg.POST("/overdue", api.markOverdue, adminMiddleware())
}

// Handlers

func (api *ledgerApi) createEntry(ctx echo.Context) error {
	var data ledger.NewEntry
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewEntry")
	}
	data.Clean()
	if err := api.validate.Struct(&data); err != nil {
		return err
	}

	rule, err := api.discounts.Get(ctx.Request().Context())
	if err != nil {
		return errors.Wrap(err, "getting discount rule")
	}
	entry, err := api.svc.CreateEntry(ctx.Request().Context(), data, rule)
	if err != nil {
		return errors.Wrap(err, "creating entry")
	}
	return ctx.JSON(http.StatusCreated, entry)
}

func (api *ledgerApi) createPlan(ctx echo.Context) error {
	var data ledger.NewInstallmentPlan
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewInstallmentPlan")
	}
	data.Clean()
	if err := api.validate.Struct(&data); err != nil {
		return err
	}

	rule, err := api.discounts.Get(ctx.Request().Context())
	if err != nil {
		return errors.Wrap(err, "getting discount rule")
	}
	entries, err := api.svc.CreateInstallmentPlan(ctx.Request().Context(), data, rule)
	if err != nil {
		return errors.Wrap(err, "creating installment plan")
	}
	return ctx.JSON(http.StatusCreated, entries)
}

// query lists entries; non-admins only see their own.
func (api *ledgerApi) query(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}
	filter, err := bindEntryFilter(ctx)
	if err != nil {
		return err
	}
	if !claims.IsAdmin {
		filter.OwnerID = claims.Subject
	}
	ordering := new(Ordering)
	ordering.Bind(ctx)

	entries, err := api.svc.Query(ctx.Request().Context(), filter, ordering.Orderings)
	if err != nil {
		return errors.Wrap(err, "querying entries")
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	return ctx.JSON(http.StatusOK, entries)
}

func (api *ledgerApi) retrieve(ctx echo.Context) error {
	entry, err := getContextEntry(ctx)
	if err != nil {
		return errors.Wrap(err, "retrieving object from context")
	}
	return ctx.JSON(http.StatusOK, entry)
}

func (api *ledgerApi) transactions(ctx echo.Context) error {
	entry, err := getContextEntry(ctx)
	if err != nil {
		return errors.Wrap(err, "retrieving object from context")
	}
	txns, err := api.svc.Transactions(ctx.Request().Context(), entry.ID)
	if err != nil {
		return errors.Wrap(err, "querying transactions")
	}
	if txns == nil {
		txns = []ledger.Transaction{}
	}
	return ctx.JSON(http.StatusOK, txns)
}

func (api *ledgerApi) recordTransaction(ctx echo.Context) error {
	entry, err := getContextEntry(ctx)
	if err != nil {
		return errors.Wrap(err, "retrieving object from context")
	}
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}

	var data ledger.NewTransaction
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewTransaction")
	}
	data.Clean()
	if err := api.validate.Struct(&data); err != nil {
		return err
	}
	data.RecordedBy = claims.Subject

	entry, txn, err := api.svc.RecordTransaction(ctx.Request().Context(), entry.ID, data)
	if err != nil {
		return errors.Wrap(err, "recording transaction")
	}
	return ctx.JSON(http.StatusCreated, TransactionResponse{Entry: entry, Transaction: txn})
}

func (api *ledgerApi) cancel(ctx echo.Context) error {
	entry, err := getContextEntry(ctx)
	if err != nil {
		return errors.Wrap(err, "retrieving object from context")
	}
	var data CancelRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to CancelRequest")
	}
	if err := api.validate.Struct(&data); err != nil {
		return err
	}

	entry, err = api.svc.Cancel(ctx.Request().Context(), entry.ID, data.Reason)
	if err != nil {
		return errors.Wrap(err, "cancelling entry")
	}
	return ctx.JSON(http.StatusOK, entry)
}

func (api *ledgerApi) markOverdue(ctx echo.Context) error {
	entry, err := getContextEntry(ctx)
	if err != nil {
		return errors.Wrap(err, "retrieving object from context")
	}
	asOf, err := asOfParam(ctx)
	if err != nil {
		return err
	}

	entry, err = api.svc.MarkOverdue(ctx.Request().Context(), entry.ID, asOf)
	if err != nil {
		return errors.Wrap(err, "marking entry overdue")
	}
	return ctx.JSON(http.StatusOK, entry)
}

func (api *ledgerApi) markOverdueAll(ctx echo.Context) error {
	asOf, err := asOfParam(ctx)
	if err != nil {
		return err
	}
	entries, err := api.svc.MarkOverdueAll(ctx.Request().Context(), asOf)
	if err != nil {
		return errors.Wrap(err, "marking entries overdue")
	}
	return ctx.JSON(http.StatusOK, entries)
}

func (api *ledgerApi) summarize(ctx echo.Context) error {
	filter, err := bindEntryFilter(ctx)
	if err != nil {
		return err
	}
	summary, err := api.svc.Summarize(ctx.Request().Context(), filter)
	if err != nil {
		return errors.Wrap(err, "summarizing entries")
	}
	return ctx.JSON(http.StatusOK, summary)
}

func (api *ledgerApi) export(ctx echo.Context) error {
	format, err := exportsvc.ParseFormat(ctx.QueryParam("format"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	filter, err := bindEntryFilter(ctx)
	if err != nil {
		return err
	}
	ordering := new(Ordering)
	ordering.Bind(ctx)

	entries, err := api.svc.Query(ctx.Request().Context(), filter, ordering.Orderings)
	if err != nil {
		return errors.Wrap(err, "querying entries")
	}

	filename := format.Filename("ledger-" + time.Now().UTC().Format("20060102"))
	resp := ctx.Response()
	resp.Header().Set(echo.HeaderContentType, format.ContentType())
	resp.Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", filename))
	resp.WriteHeader(http.StatusOK)
	return errors.Wrap(exportsvc.WriteEntries(resp, format, entries, api.svc.Currency()), "exporting entries")
}

// asOfParam reads the `as_of` date (YYYY-MM-DD); defaults to now.
func asOfParam(ctx echo.Context) (time.Time, error) {
	asOf, err := queryDate(ctx, "as_of")
	if err != nil {
		return time.Time{}, err
	}
	if asOf == nil {
		return ledger.NowFunc().UTC(), nil
	}
	return *asOf, nil
}

type (
	TransactionResponse struct {
		Entry       ledger.Entry       `json:"entry"`
		Transaction ledger.Transaction `json:"transaction"`
	}

	CancelRequest struct {
		Reason string `json:"reason" validate:"omitempty,max=500"`
	}
)
