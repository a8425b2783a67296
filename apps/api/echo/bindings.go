package echoapi

import (
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/academia/core"
	"github.com/trezcool/academia/core/ledger"
)

const (
	orderingParam = "ordering"
	dateLayout    = "2006-01-02"
)

var errInvalidDate = "invalid date, expected YYYY-MM-DD"

type Ordering struct {
	Orderings []core.DBOrdering
}

func (ord *Ordering) Bind(ctx echo.Context) {
	data := ctx.QueryParams()
	if len(data) == 0 {
		return
	}
	val, ok := data[orderingParam]
	if !ok || len(val) == 0 || val[0] == "" {
		return
	}

	for _, field := range strings.Split(val[0], ",") {
		field = strings.TrimSpace(field)
		descending := strings.HasPrefix(field, "-")
		if descending {
			field = field[1:] // drop "-"
		}
		ord.Orderings = append(ord.Orderings, core.DBOrdering{Field: field, Ascending: !descending})
	}
}

// bindEntryFilter reads a ledger.QueryFilter from the query string:
// owner_id, plan_id, search, status (repeatable), payment_type (repeatable), due_from, due_to.
func bindEntryFilter(ctx echo.Context) (ledger.QueryFilter, error) {
	params := ctx.QueryParams()
	filter := ledger.QueryFilter{
		OwnerID: params.Get("owner_id"),
		PlanID:  params.Get("plan_id"),
		Search:  params.Get("search"),
	}

	for _, s := range splitValues(params["status"]) {
		st, err := ledger.ParseStatus(s)
		if err != nil {
			return filter, core.NewValidationError(err, core.FieldError{Field: "status", Error: err.Error()})
		}
		filter.Statuses = append(filter.Statuses, st)
	}
	for _, s := range splitValues(params["payment_type"]) {
		pt, err := ledger.ParsePaymentType(s)
		if err != nil {
			return filter, core.NewValidationError(err, core.FieldError{Field: "payment_type", Error: err.Error()})
		}
		filter.PaymentTypes = append(filter.PaymentTypes, pt)
	}

	var err error
	if filter.DueFrom, err = queryDate(ctx, "due_from"); err != nil {
		return filter, err
	}
	if filter.DueTo, err = queryDate(ctx, "due_to"); err != nil {
		return filter, err
	}

	filter.Clean()
	return filter, nil
}

// queryDate parses the `name` query param as a YYYY-MM-DD date (UTC); nil when absent.
func queryDate(ctx echo.Context, name string) (*time.Time, error) {
	val := strings.TrimSpace(ctx.QueryParam(name))
	if val == "" {
		return nil, nil
	}
	d, err := time.Parse(dateLayout, val)
	if err != nil {
		return nil, core.NewValidationError(errors.Wrap(err, name), core.FieldError{Field: name, Error: errInvalidDate})
	}
	return &d, nil
}

// splitValues accepts both `?status=a&status=b` and `?status=a,b`.
func splitValues(vals []string) []string {
	var out []string
	for _, v := range vals {
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
