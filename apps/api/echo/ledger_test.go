package echoapi_test

import (
	"context"
	"encoding/csv"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	echoapi "github.com/trezcool/academia/apps/api/echo"
	"github.com/trezcool/academia/core/discount"
	"github.com/trezcool/academia/core/ledger"
	"github.com/trezcool/academia/services/email"
	"github.com/trezcool/academia/tests"
)

func newEntryBody(t *testing.T, ownerID, base string, groupSize int, due string) []byte {
	body := map[string]interface{}{
		"owner_id":     ownerID,
		"concept":      "Piano lessons - March",
		"base_amount":  base,
		"group_size":   groupSize,
		"payment_type": "partial",
	}
	if due != "" {
		body["due_date"] = due
	}
	return marchallObj(t, body)
}

func payment(t *testing.T, amount, method string) []byte {
	return marchallObj(t, map[string]interface{}{
		"amount": amount,
		"date":   "2024-03-05T10:00:00Z",
		"method": method,
	})
}

func Test_ledgerApi_createEntry(t *testing.T) {
	f := setup(t)
	bursarToken := getToken(t, f.bursar)

	tests := []httpTest{
		{name: "Auth required", body: newEntryBody(t, f.student.ID, "100000", 0, ""), wantCode: http.StatusUnauthorized, wantData: marchallObj(t, errMissingToken)},
		{
			name: "Admin required", body: newEntryBody(t, f.student.ID, "100000", 0, ""), token: getToken(t, f.student),
			wantCode: http.StatusForbidden, wantData: marchallObj(t, httpErr{Error: "permission denied"}),
		},
		{
			name: "non-positive base", body: newEntryBody(t, f.student.ID, "0", 0, ""), token: bursarToken,
			wantCode: http.StatusBadRequest, wantData: marchallObj(t, map[string]string{"base_amount": "base_amount must be greater than 0"}),
		},
		{
			name: "negative group size", body: newEntryBody(t, f.student.ID, "100000", -1, ""), token: bursarToken,
			wantCode: http.StatusBadRequest,
		},
		{
			name: "unknown owner", body: newEntryBody(t, "nobody", "100000", 0, ""), token: bursarToken,
			wantCode: http.StatusNotFound, wantData: marchallObj(t, httpErr{Error: ledger.ErrOwnerNotFound.Error()}),
		},
		{name: "malformed json", body: []byte(`{"owner_id":`), token: bursarToken, wantCode: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(http.MethodPost, "/v1/ledger/entries", tt.token, tt.body)
			checkCodeAndData(t, tt, rec)
		})
	}

	t.Run("group discount", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/v1/ledger/entries", bursarToken, newEntryBody(t, f.student.ID, "100000", 3, "2024-03-10T00:00:00Z"))
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		var entry ledger.Entry
		decode(t, rec, &entry)
		assert.Equal(t, "100000", entry.OriginalAmount.String())
		assert.Equal(t, "10000", entry.DiscountAmount.Decimal.String())
		assert.Equal(t, "90000", entry.Amount.String())
		assert.Equal(t, "90000", entry.RemainingAmount.String())
		assert.Equal(t, ledger.StatusPending, entry.Status)
		assert.Equal(t, ledger.PaymentPartial, entry.PaymentType)
	})
}

func Test_ledgerApi_paymentLifecycle(t *testing.T) {
	f := setup(t)
	bursarToken := getToken(t, f.bursar)
	entry := testutil.CreateEntry(t, f.ledgerSvc, f.student.ID, "90000", nil)
	path := "/v1/ledger/entries/" + entry.ID

	tests := []httpTest{
		{name: "Admin required", path: path + "/transactions", body: payment(t, "40000", "cash"), token: getToken(t, f.student), wantCode: http.StatusForbidden},
		{name: "other owner", path: path + "/transactions", body: payment(t, "40000", "cash"), token: getToken(t, f.other), wantCode: http.StatusNotFound},
		{name: "unknown entry", path: "/v1/ledger/entries/unknown/transactions", body: payment(t, "40000", "cash"), token: bursarToken, wantCode: http.StatusNotFound},
		{name: "zero amount", path: path + "/transactions", body: payment(t, "0", "cash"), token: bursarToken, wantCode: http.StatusBadRequest},
		{name: "missing method", path: path + "/transactions", body: payment(t, "40000", ""), token: bursarToken, wantCode: http.StatusBadRequest},
		{name: "first payment", path: path + "/transactions", body: payment(t, "40000", "cash"), token: bursarToken, wantCode: http.StatusCreated},
		{
			name: "overpayment", path: path + "/transactions", body: payment(t, "60000", "transfer"), token: bursarToken, wantCode: http.StatusBadRequest,
			wantData: marchallObj(t, map[string]string{"amount": ledger.ErrOverpaymentRejected.Error() + " (remaining: 50000)"}),
		},
		{name: "second payment", path: path + "/transactions", body: payment(t, "50000", "Transfer"), token: bursarToken, wantCode: http.StatusCreated},
		{
			name: "closed", path: path + "/transactions", body: payment(t, "1", "cash"), token: bursarToken, wantCode: http.StatusConflict,
			wantData: marchallObj(t, httpErr{Error: ledger.ErrEntryClosed.Error()}),
		},
		{
			name: "cancel completed", path: path + "/cancel", body: marchallObj(t, echoapi.CancelRequest{Reason: "withdrawn"}), token: bursarToken,
			wantCode: http.StatusConflict, wantData: marchallObj(t, httpErr{Error: ledger.ErrEntryCompleted.Error()}),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(http.MethodPost, tt.path, tt.token, tt.body)
			checkCodeAndData(t, tt, rec)
		})
	}

	rec := f.do(http.MethodGet, path, getToken(t, f.student))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var got ledger.Entry
	decode(t, rec, &got)
	assert.Equal(t, ledger.StatusCompleted, got.Status)
	assert.Equal(t, "90000", got.PaidAmount.String())
	assert.True(t, got.RemainingAmount.IsZero())
	require.NotNil(t, got.PaymentDate)
	assert.Equal(t, "2024-03-05", got.PaymentDate.Format("2006-01-02"))

	rec = f.do(http.MethodGet, path+"/transactions", getToken(t, f.student))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var txns []ledger.Transaction
	decode(t, rec, &txns)
	require.Len(t, txns, 2)
	assert.Equal(t, "transfer", txns[1].Method)
	assert.Equal(t, f.bursar.ID, txns[1].RecordedBy)

	assert.Len(t, emailsvc.SentMessagesTo(f.student.Email), 1, "receipt")
}

func Test_ledgerApi_cancel(t *testing.T) {
	f := setup(t)
	bursarToken := getToken(t, f.bursar)
	entry := testutil.CreateEntry(t, f.ledgerSvc, f.student.ID, "50000", nil)
	path := "/v1/ledger/entries/" + entry.ID + "/cancel"
	body := marchallObj(t, echoapi.CancelRequest{Reason: "  moved abroad "})

	for i := 0; i < 2; i++ { // cancelling twice is a no-op
		rec := f.do(http.MethodPost, path, bursarToken, body)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var got ledger.Entry
		decode(t, rec, &got)
		assert.Equal(t, ledger.StatusCancelled, got.Status)
		assert.Equal(t, "moved abroad", got.CancelReason)
	}

	rec := f.do(http.MethodPost, "/v1/ledger/entries/"+entry.ID+"/transactions", bursarToken, payment(t, "100", "cash"))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func Test_ledgerApi_createPlan(t *testing.T) {
	f := setup(t)
	bursarToken := getToken(t, f.bursar)

	plan := func(total string, n int) []byte {
		return marchallObj(t, map[string]interface{}{
			"owner_id":               f.student.ID,
			"concept":                "Violin course",
			"total_amount":           total,
			"number_of_installments": n,
			"first_due_date":         "2024-01-31T00:00:00Z",
		})
	}

	rec := f.do(http.MethodPost, "/v1/ledger/plans", bursarToken, plan("100000", 3))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var entries []ledger.Entry
	decode(t, rec, &entries)
	require.Len(t, entries, 3)

	wantAmounts := []string{"33334", "33333", "33333"}
	wantDue := []string{"2024-01-31", "2024-02-29", "2024-03-31"}
	for i, e := range entries {
		assert.Equal(t, wantAmounts[i], e.Amount.String())
		assert.Equal(t, wantDue[i], e.DueDate.Format("2006-01-02"))
		assert.Equal(t, i+1, e.InstallmentNumber)
		assert.Equal(t, 3, e.TotalInstallments)
		assert.Equal(t, entries[0].PlanID, e.PlanID)
		assert.Equal(t, ledger.PaymentInstallment, e.PaymentType)
	}

	rec = f.do(http.MethodGet, "/v1/ledger/entries?plan_id="+entries[0].PlanID, bursarToken)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []ledger.Entry
	decode(t, rec, &listed)
	assert.Len(t, listed, 3)

	rec = f.do(http.MethodPost, "/v1/ledger/plans", bursarToken, plan("100000", 1))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func Test_ledgerApi_query(t *testing.T) {
	f := setup(t)
	due := func(d int) *time.Time {
		t := time.Date(2024, 3, d, 0, 0, 0, 0, time.UTC)
		return &t
	}
	mine1 := testutil.CreateEntry(t, f.ledgerSvc, f.student.ID, "1000", due(1))
	mine2 := testutil.CreateEntry(t, f.ledgerSvc, f.student.ID, "2000", due(20))
	theirs := testutil.CreateEntry(t, f.ledgerSvc, f.other.ID, "3000", due(10))
	_, err := f.ledgerSvc.Cancel(context.Background(), mine2.ID, "")
	require.NoError(t, err)

	ids := func(rec []ledger.Entry) []string {
		out := make([]string, 0, len(rec))
		for _, e := range rec {
			out = append(out, e.ID)
		}
		return out
	}

	tests := []struct {
		name    string
		path    string
		token   string
		wantIDs []string
	}{
		{name: "student sees own", path: "/v1/ledger/entries", token: getToken(t, f.student), wantIDs: []string{mine1.ID, mine2.ID}},
		{name: "student cannot widen", path: "/v1/ledger/entries?owner_id=" + f.other.ID, token: getToken(t, f.student), wantIDs: []string{mine1.ID, mine2.ID}},
		{name: "admin sees all", path: "/v1/ledger/entries?ordering=due_date", token: getToken(t, f.bursar), wantIDs: []string{mine1.ID, theirs.ID, mine2.ID}},
		{name: "by owner", path: "/v1/ledger/entries?owner_id=" + f.other.ID, token: getToken(t, f.bursar), wantIDs: []string{theirs.ID}},
		{name: "by status", path: "/v1/ledger/entries?status=cancelled", token: getToken(t, f.bursar), wantIDs: []string{mine2.ID}},
		{name: "by due range", path: "/v1/ledger/entries?due_from=2024-03-05&due_to=2024-03-20&ordering=-due_date", token: getToken(t, f.bursar), wantIDs: []string{mine2.ID, theirs.ID}},
		{name: "search", path: "/v1/ledger/entries?search=TUITION&status=pending,overdue&ordering=due_date", token: getToken(t, f.bursar), wantIDs: []string{mine1.ID, theirs.ID}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(http.MethodGet, tt.path, tt.token)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			var entries []ledger.Entry
			decode(t, rec, &entries)
			if strings.Contains(tt.path, "ordering") {
				assert.Equal(t, tt.wantIDs, ids(entries))
			} else {
				assert.ElementsMatch(t, tt.wantIDs, ids(entries))
			}
		})
	}

	for _, path := range []string{"/v1/ledger/entries?status=lost", "/v1/ledger/entries?due_from=03/05/2024"} {
		rec := f.do(http.MethodGet, path, getToken(t, f.bursar))
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
	}
}

func Test_ledgerApi_overdue(t *testing.T) {
	f := setup(t)
	bursarToken := getToken(t, f.bursar)
	due := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	first := testutil.CreateEntry(t, f.ledgerSvc, f.student.ID, "1000", &due)
	second := testutil.CreateEntry(t, f.ledgerSvc, f.other.ID, "1000", &due)

	tests := []struct {
		asOf string
		want ledger.Status
	}{
		{asOf: "2024-01-10", want: ledger.StatusPending}, // due today
		{asOf: "2024-01-11", want: ledger.StatusOverdue},
		{asOf: "2024-01-12", want: ledger.StatusOverdue}, // idempotent
	}
	for _, tt := range tests {
		t.Run(tt.asOf, func(t *testing.T) {
			rec := f.do(http.MethodPost, fmt.Sprintf("/v1/ledger/entries/%s/overdue?as_of=%s", first.ID, tt.asOf), bursarToken)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			var got ledger.Entry
			decode(t, rec, &got)
			assert.Equal(t, tt.want, got.Status)
		})
	}
	assert.Len(t, emailsvc.SentMessagesTo(f.student.Email), 1, "overdue notice")

	rec := f.do(http.MethodPost, "/v1/ledger/overdue-sweep?as_of=2024-02-01", bursarToken)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var marked []ledger.Entry
	decode(t, rec, &marked)
	require.Len(t, marked, 1)
	assert.Equal(t, second.ID, marked[0].ID)

	rec = f.do(http.MethodPost, "/v1/ledger/overdue-sweep?as_of=tomorrow", bursarToken)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func Test_ledgerApi_summaryAndExport(t *testing.T) {
	f := setup(t)
	bursarToken := getToken(t, f.bursar)
	paid := testutil.CreateEntry(t, f.ledgerSvc, f.student.ID, "1000", nil)
	testutil.CreateEntry(t, f.ledgerSvc, f.other.ID, "2500", nil)
	rec := f.do(http.MethodPost, "/v1/ledger/entries/"+paid.ID+"/transactions", bursarToken, payment(t, "400", "cash"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(http.MethodGet, "/v1/ledger/summary", bursarToken)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var summary ledger.Summary
	decode(t, rec, &summary)
	assert.Equal(t, 2, summary.Count)
	assert.Equal(t, "3500", summary.Amount.String())
	assert.Equal(t, "400", summary.PaidAmount.String())
	assert.Equal(t, "3100", summary.RemainingAmount.String())
	assert.Equal(t, "COP", summary.Currency)

	rec = f.do(http.MethodGet, "/v1/ledger/summary", getToken(t, f.student))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodGet, "/v1/ledger/export?format=csv&owner_id="+f.student.ID, bursarToken)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/csv")
	assert.Contains(t, rec.Header().Get("Content-Disposition"), ".csv")
	records, err := csv.NewReader(rec.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, paid.ID, records[1][0])

	rec = f.do(http.MethodGet, "/v1/ledger/export?format=xlsx", bursarToken)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), ".xlsx")
	assert.NotZero(t, rec.Body.Len())

	rec = f.do(http.MethodGet, "/v1/ledger/export?format=pdf", bursarToken)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func Test_discountApi(t *testing.T) {
	f := setup(t)

	rec := f.do(http.MethodGet, "/v1/discount-rule", getToken(t, f.student))
	require.Equal(t, http.StatusOK, rec.Code)
	var rule discount.Rule
	decode(t, rec, &rule)
	assert.Equal(t, 3, rule.MinStudents)
	assert.Equal(t, "10", rule.Percentage.String())

	update := marchallObj(t, map[string]interface{}{"min_students": 2, "percentage": "15"})
	tests := []httpTest{
		{name: "owner role required", body: update, token: getToken(t, f.bursar), wantCode: http.StatusForbidden},
		{
			name: "invalid percentage", body: marchallObj(t, map[string]interface{}{"min_students": 2, "percentage": "100"}), token: getToken(t, f.owner),
			wantCode: http.StatusBadRequest, wantData: marchallObj(t, map[string]string{"percentage": discount.ErrInvalidPercentage.Error()}),
		},
		{name: "updated", body: update, token: getToken(t, f.owner), wantCode: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(http.MethodPut, "/v1/discount-rule", tt.token, tt.body)
			checkCodeAndData(t, tt, rec)
		})
	}

	// new entries use the saved rule
	rec = f.do(http.MethodPost, "/v1/ledger/entries", getToken(t, f.bursar), newEntryBody(t, f.student.ID, "100000", 2, ""))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var entry ledger.Entry
	decode(t, rec, &entry)
	assert.Equal(t, "85000", entry.Amount.String())
}
