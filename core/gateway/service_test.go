package gateway_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/academia/core"
	"github.com/trezcool/academia/core/gateway"
	"github.com/trezcool/academia/core/ledger"
	"github.com/trezcool/academia/core/user"
	appfs "github.com/trezcool/academia/fs"
	"github.com/trezcool/academia/services/email"
	"github.com/trezcool/academia/storage/database/dummy"
	"github.com/trezcool/academia/tests"
)

var conf = core.NewTestConfig()

func TestMain(m *testing.M) {
	core.ParseEmailTemplates(appfs.FS, appfs.EmailTemplatesDir, conf, testutil.NewLogger(conf))
	os.Exit(m.Run())
}

type outcomeRecorder struct {
	mu       sync.Mutex
	outcomes map[gateway.Outcome]int
}

func (r *outcomeRecorder) WebhookHandled(o gateway.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[o]++
}

type fixture struct {
	db        *dummydb.DB
	ledgerSvc *ledger.Service
	repo      gateway.Repository
	guard     *gateway.MemoryGuard
	svc       *gateway.Service
	metrics   *outcomeRecorder
	owner     user.User
}

func setup(t *testing.T) fixture {
	t.Helper()
	emailsvc.ResetSentMessages()

	db, err := dummydb.Open()
	require.NoError(t, err)
	usrRepo := dummydb.NewUserRepository(db)
	logger := testutil.NewLogger(conf)
	ledgerSvc := ledger.NewService(
		dummydb.NewLedgerRepository(db),
		user.NewService(usrRepo),
		emailsvc.NewConsoleServiceMock(conf, logger),
		nil,
		logger,
		conf,
	)
	repo := dummydb.NewGatewayRepository(db)
	guard := gateway.NewMemoryGuard(time.Minute)
	metrics := &outcomeRecorder{outcomes: make(map[gateway.Outcome]int)}

	return fixture{
		db:        db,
		ledgerSvc: ledgerSvc,
		repo:      repo,
		guard:     guard,
		svc:       gateway.NewService(ledgerSvc, repo, guard, metrics, logger, conf),
		metrics:   metrics,
		owner:     testutil.CreateStudent(t, usrRepo, "Ana Gómez", "ana@example.com"),
	}
}

// checkout creates an entry of `base` and a checkout for it.
func (f fixture) checkout(t *testing.T, base string) (ledger.Entry, gateway.Checkout) {
	t.Helper()
	entry := testutil.CreateEntry(t, f.ledgerSvc, f.owner.ID, base, nil)
	co, err := f.svc.NewCheckout(context.Background(), entry.ID)
	require.NoError(t, err)
	return entry, co
}

type eventTxn struct {
	ID                string `json:"id"`
	AmountInCents     int64  `json:"amount_in_cents"`
	Reference         string `json:"reference"`
	Currency          string `json:"currency"`
	Status            string `json:"status"`
	PaymentMethodType string `json:"payment_method_type"`
	PaymentSourceID   int64  `json:"payment_source_id,omitempty"`
	PaymentMethod     struct {
		Type  string            `json:"type"`
		Extra map[string]string `json:"extra"`
	} `json:"payment_method"`
	CreatedAt   string `json:"created_at"`
	FinalizedAt string `json:"finalized_at,omitempty"`
}

func approved(id string, co gateway.Checkout) eventTxn {
	txn := eventTxn{
		ID:                id,
		AmountInCents:     co.AmountInCents,
		Reference:         co.Reference,
		Currency:          co.Currency,
		Status:            gateway.StatusApproved,
		PaymentMethodType: "CARD",
		PaymentSourceID:   3891,
		CreatedAt:         "2024-04-10T15:04:05.000Z",
		FinalizedAt:       "2024-04-10T15:04:09.000Z",
	}
	txn.PaymentMethod.Type = "CARD"
	txn.PaymentMethod.Extra = map[string]string{"brand": "VISA", "last_four": "4242"}
	return txn
}

// signedEvent builds a "transaction.updated" event signed with `secret`.
func signedEvent(t *testing.T, event string, txn eventTxn, secret string) []byte {
	t.Helper()
	const ts = int64(1712761449)
	raw := fmt.Sprintf("%s%s%d%d%s", txn.ID, txn.Status, txn.AmountInCents, ts, secret)
	sum := sha256.Sum256([]byte(raw))

	payload, err := json.Marshal(map[string]interface{}{
		"event":       event,
		"data":        map[string]interface{}{"transaction": txn},
		"environment": "test",
		"signature": map[string]interface{}{
			"properties": []string{"transaction.id", "transaction.status", "transaction.amount_in_cents"},
			"checksum":   hex.EncodeToString(sum[:]),
		},
		"timestamp": ts,
		"sent_at":   "2024-04-10T15:04:10.000Z",
	})
	require.NoError(t, err)
	return payload
}

func TestIntegritySignature(t *testing.T) {
	got := gateway.IntegritySignature("sk8-438k4-xmxm392-sn2m", 2490000, "COP", "prod_integrity_Z5mMke9x0k8gpErbDqwrJXMqsI6SFli6")
	assert.Equal(t, "37c8407747e595535433ef8f6a811d853cd943046624a0ec04662b17bbf33bf5", got)
}

func TestNewReference(t *testing.T) {
	entryID := "0f8fad5b-d9cb-469f-a165-70867728950e"
	now := time.Date(2024, 4, 10, 15, 4, 5, 0, time.UTC)

	ref := gateway.NewReference(entryID, now)
	assert.True(t, strings.HasPrefix(ref, "ACD-0f8fad5bd9cb-"), ref)
	assert.LessOrEqual(t, len(ref), 32)
	assert.Regexp(t, `^[A-Za-z0-9-]+$`, ref)

	assert.NotEqual(t, ref, gateway.NewReference(entryID, now.Add(time.Nanosecond)))
	assert.Equal(t, ref, gateway.NewReference(entryID, now))
}

func TestAmountInCents(t *testing.T) {
	tests := []struct {
		amount string
		want   int64
	}{
		{amount: "90000", want: 9000000},
		{amount: "1", want: 100},
		{amount: "123.45", want: 12345},
		{amount: "0", want: 0},
	}
	for _, tt := range tests {
		got := gateway.AmountInCents(decimal.RequireFromString(tt.amount))
		assert.Equal(t, tt.want, got, "AmountInCents(%s)", tt.amount)
		assert.True(t, gateway.AmountFromCents(got).Equal(decimal.RequireFromString(tt.amount)))
	}
}

func TestVerifyEvent(t *testing.T) {
	data := `{"transaction":{"id":"1234-1610641025-49201","status":"APPROVED","amount_in_cents":4490000}}`
	valid := gateway.Event{
		Event: gateway.EventTransactionUpdated,
		Data:  json.RawMessage(data),
		Signature: gateway.EventSignature{
			Properties: []string{"transaction.id", "transaction.status", "transaction.amount_in_cents"},
			Checksum:   "5a18ec5e8fdb7df463e9f94774cba8f583ba21bd04a09ceff2ea68a4bc0aefbe",
		},
		Timestamp: 1530291411,
	}
	const secret = "prod_events_OcHnIzeBl5socpwByQ4hA52Em3USQ93Z"

	tests := []struct {
		name    string
		mutate  func(ev *gateway.Event)
		wantErr error
	}{
		{name: "valid", mutate: func(*gateway.Event) {}},
		{name: "upper case checksum", mutate: func(ev *gateway.Event) {
			ev.Signature.Checksum = strings.ToUpper(ev.Signature.Checksum)
		}},
		{name: "tampered amount", mutate: func(ev *gateway.Event) {
			ev.Data = json.RawMessage(strings.Replace(data, "4490000", "4490001", 1))
		}, wantErr: gateway.ErrInvalidChecksum},
		{name: "tampered timestamp", mutate: func(ev *gateway.Event) { ev.Timestamp++ }, wantErr: gateway.ErrInvalidChecksum},
		{name: "missing checksum", mutate: func(ev *gateway.Event) { ev.Signature.Checksum = "" }, wantErr: gateway.ErrInvalidChecksum},
		{name: "no properties", mutate: func(ev *gateway.Event) { ev.Signature.Properties = nil }, wantErr: gateway.ErrInvalidChecksum},
		{name: "reordered properties", mutate: func(ev *gateway.Event) {
			ev.Signature.Properties = []string{"transaction.status", "transaction.id", "transaction.amount_in_cents"}
		}, wantErr: gateway.ErrInvalidChecksum},
		{name: "malformed data", mutate: func(ev *gateway.Event) { ev.Data = json.RawMessage(`[1, 2`) }, wantErr: gateway.ErrInvalidPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := valid
			tt.mutate(&ev)
			err := gateway.VerifyEvent(ev, secret)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}

	assert.ErrorIs(t, gateway.VerifyEvent(valid, "another_secret"), gateway.ErrInvalidChecksum)
}

func TestService_NewCheckout(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	entry, co := f.checkout(t, "90000")
	assert.Equal(t, entry.ID, co.EntryID)
	assert.Equal(t, conf.Gateway.PublicKey, co.PublicKey)
	assert.Equal(t, int64(9000000), co.AmountInCents)
	assert.Equal(t, "COP", co.Currency)
	assert.Equal(t, gateway.IntegritySignature(co.Reference, co.AmountInCents, co.Currency, conf.Gateway.IntegritySecret), co.Signature)

	u, err := url.Parse(co.URL)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(co.URL, conf.Gateway.CheckoutURL))
	q := u.Query()
	assert.Equal(t, co.Reference, q.Get("reference"))
	assert.Equal(t, "9000000", q.Get("amount-in-cents"))
	assert.Equal(t, co.Signature, q.Get("signature:integrity"))
	assert.Equal(t, conf.Gateway.RedirectURL, q.Get("redirect-url"))

	rec, err := f.repo.GetCheckout(ctx, co.Reference)
	require.NoError(t, err)
	assert.Equal(t, entry.ID, rec.EntryID)
	assert.Equal(t, co.AmountInCents, rec.AmountInCents)

	// the checkout charges what is left
	_, _, err = f.ledgerSvc.RecordTransaction(ctx, entry.ID, ledger.NewTransaction{Amount: decimal.NewFromInt(40000), Date: time.Now(), Method: ledger.MethodCash})
	require.NoError(t, err)
	co2, err := f.svc.NewCheckout(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5000000), co2.AmountInCents)
	assert.NotEqual(t, co.Reference, co2.Reference)
}

func TestService_NewCheckout_Errors(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.svc.NewCheckout(ctx, "0f8fad5b-0000-4000-8000-000000000000")
	assert.True(t, core.IsNotFoundError(err), "unknown entry: %v", err)

	cancelled := testutil.CreateEntry(t, f.ledgerSvc, f.owner.ID, "90000", nil)
	_, err = f.ledgerSvc.Cancel(ctx, cancelled.ID, "")
	require.NoError(t, err)
	_, err = f.svc.NewCheckout(ctx, cancelled.ID)
	assert.True(t, core.IsInvalidStateError(err), "cancelled entry: %v", err)
	assert.ErrorIs(t, err, ledger.ErrEntryClosed)

	entry := testutil.CreateEntry(t, f.ledgerSvc, f.owner.ID, "90000", nil)
	f.db.InjectFailure("SaveCheckout", errors.New("connection refused"))
	_, err = f.svc.NewCheckout(ctx, entry.ID)
	assert.True(t, core.IsPersistenceError(err), "storage failure: %v", err)
}

func TestService_HandleEvent_Approved(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	entry, co := f.checkout(t, "90000")
	payload := signedEvent(t, gateway.EventTransactionUpdated, approved("1234-1712761449-49201", co), conf.Gateway.EventsSecret)

	outcome, err := f.svc.HandleEvent(ctx, payload)
	require.NoError(t, err)
	assert.Equal(t, gateway.OutcomeRecorded, outcome)

	stored, err := f.ledgerSvc.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, stored.Status)
	assert.True(t, stored.PaidAmount.Equal(decimal.NewFromInt(90000)))
	require.NotNil(t, stored.PaymentDate)
	assert.Equal(t, time.Date(2024, 4, 10, 15, 4, 9, 0, time.UTC), *stored.PaymentDate)

	txns, err := f.ledgerSvc.Transactions(ctx, entry.ID)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, "1234-1712761449-49201", txns[0].ExternalReference)
	assert.Equal(t, co.Reference, txns[0].Reference)
	assert.Equal(t, ledger.MethodGateway, txns[0].Method)
	assert.Equal(t, ledger.SourceGateway, txns[0].Source())

	details, err := f.svc.GetDetails(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, "1234-1712761449-49201", details.TransactionID)
	assert.Equal(t, "3891", details.CardToken)
	assert.Equal(t, "VISA", details.CardBrand)
	assert.Equal(t, "4242", details.CardLastFour)
	assert.Zero(t, details.FailedAttempts)

	assert.Len(t, emailsvc.SentMessagesTo(f.owner.Email), 1, "receipt")

	// retried delivery
	outcome, err = f.svc.HandleEvent(ctx, payload)
	require.NoError(t, err)
	assert.Equal(t, gateway.OutcomeDuplicate, outcome)

	txns, err = f.ledgerSvc.Transactions(ctx, entry.ID)
	require.NoError(t, err)
	assert.Len(t, txns, 1)
	assert.Equal(t, map[gateway.Outcome]int{gateway.OutcomeRecorded: 1, gateway.OutcomeDuplicate: 1}, f.metrics.outcomes)
}

func TestService_HandleEvent_PartialPayment(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	entry, co := f.checkout(t, "90000")

	txn := approved("1234-1712761449-00001", co)
	txn.AmountInCents = 4000000
	outcome, err := f.svc.HandleEvent(ctx, signedEvent(t, gateway.EventTransactionUpdated, txn, conf.Gateway.EventsSecret))
	require.NoError(t, err)
	assert.Equal(t, gateway.OutcomeRecorded, outcome)

	stored, err := f.ledgerSvc.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, stored.Status)
	assert.True(t, stored.PaidAmount.Equal(decimal.NewFromInt(40000)))
	assert.True(t, stored.RemainingAmount.Equal(decimal.NewFromInt(50000)))
}

func TestService_HandleEvent_Declined(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	entry, co := f.checkout(t, "90000")

	for i, status := range []string{gateway.StatusDeclined, gateway.StatusError} {
		txn := approved(fmt.Sprintf("1234-1712761449-%05d", i), co)
		txn.Status = status
		outcome, err := f.svc.HandleEvent(ctx, signedEvent(t, gateway.EventTransactionUpdated, txn, conf.Gateway.EventsSecret))
		require.NoError(t, err)
		assert.Equal(t, gateway.OutcomeDeclined, outcome)
	}

	details, err := f.svc.GetDetails(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, details.FailedAttempts)
	assert.Equal(t, "VISA", details.CardBrand)

	stored, err := f.ledgerSvc.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.True(t, stored.PaidAmount.IsZero())

	// an approval resets the failures
	_, err = f.svc.HandleEvent(ctx, signedEvent(t, gateway.EventTransactionUpdated, approved("1234-1712761449-00009", co), conf.Gateway.EventsSecret))
	require.NoError(t, err)
	details, err = f.svc.GetDetails(ctx, entry.ID)
	require.NoError(t, err)
	assert.Zero(t, details.FailedAttempts)
}

func TestService_HandleEvent_Outcomes(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(t *testing.T, f fixture, entry ledger.Entry, co gateway.Checkout) []byte
		want    gateway.Outcome
	}{
		{
			name: "other event",
			prepare: func(t *testing.T, f fixture, _ ledger.Entry, co gateway.Checkout) []byte {
				return signedEvent(t, "nequi_token.updated", approved("1234-1", co), conf.Gateway.EventsSecret)
			},
			want: gateway.OutcomeIgnored,
		},
		{
			name: "pending transaction",
			prepare: func(t *testing.T, f fixture, _ ledger.Entry, co gateway.Checkout) []byte {
				txn := approved("1234-1", co)
				txn.Status = gateway.StatusPending
				return signedEvent(t, gateway.EventTransactionUpdated, txn, conf.Gateway.EventsSecret)
			},
			want: gateway.OutcomeIgnored,
		},
		{
			name: "unknown reference",
			prepare: func(t *testing.T, f fixture, _ ledger.Entry, co gateway.Checkout) []byte {
				txn := approved("1234-1", co)
				txn.Reference = "ACD-unknown"
				return signedEvent(t, gateway.EventTransactionUpdated, txn, conf.Gateway.EventsSecret)
			},
			want: gateway.OutcomeIgnored,
		},
		{
			name: "currency mismatch",
			prepare: func(t *testing.T, f fixture, _ ledger.Entry, co gateway.Checkout) []byte {
				txn := approved("1234-1", co)
				txn.Currency = "USD"
				return signedEvent(t, gateway.EventTransactionUpdated, txn, conf.Gateway.EventsSecret)
			},
			want: gateway.OutcomeRejected,
		},
		{
			name: "amount exceeds the remaining balance",
			prepare: func(t *testing.T, f fixture, _ ledger.Entry, co gateway.Checkout) []byte {
				txn := approved("1234-1", co)
				txn.AmountInCents++
				return signedEvent(t, gateway.EventTransactionUpdated, txn, conf.Gateway.EventsSecret)
			},
			want: gateway.OutcomeRejected,
		},
		{
			name: "entry cancelled after checkout",
			prepare: func(t *testing.T, f fixture, entry ledger.Entry, co gateway.Checkout) []byte {
				_, err := f.ledgerSvc.Cancel(context.Background(), entry.ID, "withdrawn")
				require.NoError(t, err)
				return signedEvent(t, gateway.EventTransactionUpdated, approved("1234-1", co), conf.Gateway.EventsSecret)
			},
			want: gateway.OutcomeRejected,
		},
		{
			name: "delivery in flight",
			prepare: func(t *testing.T, f fixture, _ ledger.Entry, co gateway.Checkout) []byte {
				ok, err := f.guard.Acquire(context.Background(), "gateway:txn:1234-1")
				require.NoError(t, err)
				require.True(t, ok)
				return signedEvent(t, gateway.EventTransactionUpdated, approved("1234-1", co), conf.Gateway.EventsSecret)
			},
			want: gateway.OutcomeInFlight,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t)
			entry, co := f.checkout(t, "90000")
			before, err := f.ledgerSvc.Get(context.Background(), entry.ID)
			require.NoError(t, err)

			outcome, err := f.svc.HandleEvent(context.Background(), tt.prepare(t, f, entry, co))
			require.NoError(t, err)
			assert.Equal(t, tt.want, outcome)

			stored, err := f.ledgerSvc.Get(context.Background(), entry.ID)
			require.NoError(t, err)
			assert.True(t, stored.PaidAmount.Equal(before.PaidAmount), "ledger must be untouched")
			assert.Equal(t, 1, f.metrics.outcomes[tt.want])
		})
	}
}

func TestService_HandleEvent_InvalidPayload(t *testing.T) {
	f := setup(t)
	_, co := f.checkout(t, "90000")

	tests := []struct {
		name    string
		payload []byte
		wantErr error
	}{
		{name: "not json", payload: []byte("event=transaction.updated"), wantErr: gateway.ErrInvalidPayload},
		{name: "forged signature", payload: signedEvent(t, gateway.EventTransactionUpdated, approved("1234-1", co), "forged"), wantErr: gateway.ErrInvalidChecksum},
		{name: "unsigned", payload: []byte(`{"event":"transaction.updated","data":{"transaction":{"id":"1"}},"timestamp":1}`), wantErr: gateway.ErrInvalidChecksum},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.HandleEvent(context.Background(), tt.payload)
			require.Error(t, err)
			assert.True(t, core.IsValidationError(err), "unexpected error type: %v", err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
	assert.Empty(t, f.metrics.outcomes)
}

func TestService_HandleEvent_PersistenceFailure(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	entry, co := f.checkout(t, "90000")
	payload := signedEvent(t, gateway.EventTransactionUpdated, approved("1234-1712761449-49201", co), conf.Gateway.EventsSecret)

	f.db.InjectFailure("InsertTransaction", errors.New("connection reset by peer"))
	_, err := f.svc.HandleEvent(ctx, payload)
	require.Error(t, err)
	assert.True(t, core.IsPersistenceError(err), "unexpected error type: %v", err)

	stored, err := f.ledgerSvc.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.True(t, stored.PaidAmount.IsZero())

	// the gateway retries and the guard has been released
	outcome, err := f.svc.HandleEvent(ctx, payload)
	require.NoError(t, err)
	assert.Equal(t, gateway.OutcomeRecorded, outcome)

	f.db.InjectFailure("GetCheckout", errors.New("connection reset by peer"))
	_, err = f.svc.HandleEvent(ctx, payload)
	assert.True(t, core.IsPersistenceError(err))
}

func TestService_HandleEvent_ConcurrentDeliveries(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	entry, co := f.checkout(t, "90000")
	payload := signedEvent(t, gateway.EventTransactionUpdated, approved("1234-1712761449-49201", co), conf.Gateway.EventsSecret)

	const deliveries = 20
	var wg sync.WaitGroup
	wg.Add(deliveries)
	for i := 0; i < deliveries; i++ {
		go func() {
			defer wg.Done()
			outcome, err := f.svc.HandleEvent(ctx, payload)
			if err != nil {
				t.Errorf("HandleEvent() unexpected error: %v", err)
				return
			}
			switch outcome {
			case gateway.OutcomeRecorded, gateway.OutcomeDuplicate, gateway.OutcomeInFlight:
			default:
				t.Errorf("HandleEvent() unexpected outcome: %s", outcome)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.metrics.outcomes[gateway.OutcomeRecorded])
	txns, err := f.ledgerSvc.Transactions(ctx, entry.ID)
	require.NoError(t, err)
	assert.Len(t, txns, 1)
}
