// Package gateway bridges the ledger and the card payment gateway: it hands out signed checkout data
// for the remaining amount of an entry and turns the gateway's transaction events into ledger transactions.
package gateway

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/trezcool/academia/core"
	"github.com/trezcool/academia/core/ledger"
)

var (
	NowFunc = time.Now // mockable

	ErrNotFound         = errors.New("gateway record not found")
	ErrInvalidPayload   = errors.New("invalid event payload")
	ErrInvalidChecksum  = errors.New("invalid event checksum")
	ErrCurrencyMismatch = errors.New("event currency does not match the checkout currency")
	ErrNothingToCharge  = errors.New("entry has no remaining amount to charge")

	cents = decimal.NewFromInt(100)
)

type (
	// Ledger is the part of the ledger the gateway drives.
	Ledger interface {
		Get(ctx context.Context, entryID string) (ledger.Entry, error)
		RecordTransaction(ctx context.Context, entryID string, nt ledger.NewTransaction) (ledger.Entry, ledger.Transaction, error)
		FindTransactionByExternalReference(ctx context.Context, ref string) (ledger.Transaction, error)
	}

	// Repository persists checkout references and per-entry gateway details.
	// Get* methods return ErrNotFound when nothing matches.
	Repository interface {
		SaveCheckout(ctx context.Context, rec CheckoutRecord) error
		GetCheckout(ctx context.Context, reference string) (CheckoutRecord, error)
		GetDetails(ctx context.Context, entryID string) (Details, error)
		// SaveDetails inserts or replaces the details of Details.EntryID.
		SaveDetails(ctx context.Context, d Details) error
	}

	// Guard keeps two deliveries of the same gateway transaction from being handled at the same time.
	Guard interface {
		// Acquire returns false when `key` is already held.
		Acquire(ctx context.Context, key string) (bool, error)
		Release(ctx context.Context, key string) error
	}

	Metrics interface {
		WebhookHandled(outcome Outcome)
	}

	Service struct {
		ledger  Ledger
		repo    Repository
		guard   Guard
		metrics Metrics
		logger  core.Logger
		conf    core.GatewayConfig
	}
)

func NewService(
	ledgerSvc Ledger,
	repo Repository,
	guard Guard,
	metrics Metrics,
	logger core.Logger,
	conf *core.Config,
) *Service {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Service{
		ledger:  ledgerSvc,
		repo:    repo,
		guard:   guard,
		metrics: metrics,
		logger:  logger,
		conf:    conf.Gateway,
	}
}

// IntegritySignature returns hex(sha256(reference + amountInCents + currency + secret)).
func IntegritySignature(reference string, amountInCents int64, currency, secret string) string {
	sum := sha256.Sum256([]byte(reference + strconv.FormatInt(amountInCents, 10) + currency + secret))
	return hex.EncodeToString(sum[:])
}

// NewReference returns a checkout reference for the entry: "ACD-<12 hex digits of the entry id>-<base36 unix nanos>".
// References are at most 32 characters, using only [A-Za-z0-9-].
func NewReference(entryID string, now time.Time) string {
	id := strings.ReplaceAll(entryID, "-", "")
	if len(id) > 12 {
		id = id[:12]
	}
	return fmt.Sprintf("ACD-%s-%s", id, strconv.FormatInt(now.UnixNano(), 36))
}

// AmountInCents converts a ledger amount to integer cents.
func AmountInCents(amount decimal.Decimal) int64 {
	return amount.Mul(cents).Round(0).IntPart()
}

// AmountFromCents converts integer cents back to a ledger amount.
func AmountFromCents(amountInCents int64) decimal.Decimal {
	return decimal.New(amountInCents, -2)
}

// NewCheckout prepares the data the payment widget needs to charge the remaining amount of the entry.
func (svc *Service) NewCheckout(ctx context.Context, entryID string) (Checkout, error) {
	entry, err := svc.ledger.Get(ctx, entryID)
	if err != nil {
		return Checkout{}, err
	}
	if entry.Status.IsClosed() {
		return Checkout{}, core.NewInvalidStateError(ledger.ErrEntryClosed)
	}
	amountInCents := AmountInCents(entry.RemainingAmount)
	if amountInCents <= 0 {
		return Checkout{}, core.NewInvalidStateError(ErrNothingToCharge)
	}

	now := NowFunc().UTC()
	rec := CheckoutRecord{
		Reference:     NewReference(entry.ID, now),
		EntryID:       entry.ID,
		AmountInCents: amountInCents,
		Currency:      svc.conf.Currency,
		CreatedAt:     now,
	}
	if err := svc.repo.SaveCheckout(ctx, rec); err != nil {
		return Checkout{}, core.NewPersistenceError(err)
	}

	co := Checkout{
		EntryID:       entry.ID,
		PublicKey:     svc.conf.PublicKey,
		Reference:     rec.Reference,
		AmountInCents: rec.AmountInCents,
		Currency:      rec.Currency,
		Signature:     IntegritySignature(rec.Reference, rec.AmountInCents, rec.Currency, svc.conf.IntegritySecret),
		RedirectURL:   svc.conf.RedirectURL,
	}
	co.URL = checkoutURL(svc.conf.CheckoutURL, co)
	return co, nil
}

func checkoutURL(base string, co Checkout) string {
	params := url.Values{}
	params.Set("public-key", co.PublicKey)
	params.Set("currency", co.Currency)
	params.Set("amount-in-cents", strconv.FormatInt(co.AmountInCents, 10))
	params.Set("reference", co.Reference)
	params.Set("signature:integrity", co.Signature)
	if co.RedirectURL != "" {
		params.Set("redirect-url", co.RedirectURL)
	}
	return base + "?" + params.Encode()
}

func (svc *Service) GetDetails(ctx context.Context, entryID string) (Details, error) {
	d, err := svc.repo.GetDetails(ctx, entryID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Details{}, core.NewNotFoundError(err)
		}
		return Details{}, core.NewPersistenceError(err)
	}
	return d, nil
}

// VerifyEvent checks the checksum of `ev`:
// sha256(values of ev.Signature.Properties looked up in ev.Data + ev.Timestamp + secret).
func VerifyEvent(ev Event, secret string) error {
	if ev.Signature.Checksum == "" || len(ev.Signature.Properties) == 0 {
		return ErrInvalidChecksum
	}

	dec := json.NewDecoder(bytes.NewReader(ev.Data))
	dec.UseNumber()
	var data map[string]interface{}
	if err := dec.Decode(&data); err != nil {
		return ErrInvalidPayload
	}

	var sb strings.Builder
	for _, prop := range ev.Signature.Properties {
		sb.WriteString(lookupProperty(data, prop))
	}
	sb.WriteString(strconv.FormatInt(ev.Timestamp, 10))
	sb.WriteString(secret)

	sum := sha256.Sum256([]byte(sb.String()))
	expected := hex.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(ev.Signature.Checksum))) != 1 {
		return ErrInvalidChecksum
	}
	return nil
}

// lookupProperty resolves a dotted path ("transaction.amount_in_cents") in `data` and stringifies the value.
func lookupProperty(data map[string]interface{}, path string) string {
	var cur interface{} = data
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return ""
		}
		cur = m[key]
	}
	switch v := cur.(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	}
	return fmt.Sprint(cur)
}

// HandleEvent processes a gateway event.
// Validation and state errors raised by the ledger are acknowledged (OutcomeRejected) and logged so that the
// gateway stops retrying; persistence errors are returned so that it retries.
func (svc *Service) HandleEvent(ctx context.Context, payload []byte) (outcome Outcome, err error) {
	defer func() {
		if err == nil {
			svc.metrics.WebhookHandled(outcome)
		}
	}()

	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return "", core.NewValidationError(ErrInvalidPayload, core.FieldError{Field: "payload", Error: err.Error()})
	}
	if err := VerifyEvent(ev, svc.conf.EventsSecret); err != nil {
		return "", core.NewValidationError(err, core.FieldError{Field: "signature", Error: err.Error()})
	}
	if ev.Event != EventTransactionUpdated {
		return OutcomeIgnored, nil
	}

	var data EventData
	if err := json.Unmarshal(ev.Data, &data); err != nil || data.Transaction.ID == "" || data.Transaction.Reference == "" {
		return "", core.NewValidationError(ErrInvalidPayload, core.FieldError{Field: "data", Error: ErrInvalidPayload.Error()})
	}
	txn := data.Transaction

	checkout, err := svc.repo.GetCheckout(ctx, txn.Reference)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			svc.logger.Warn(fmt.Sprintf("gateway event for unknown reference %q (transaction %s)", txn.Reference, txn.ID))
			return OutcomeIgnored, nil
		}
		return "", core.NewPersistenceError(err)
	}

	key := "gateway:txn:" + txn.ID
	acquired, err := svc.guard.Acquire(ctx, key)
	if err != nil {
		return "", core.NewPersistenceError(err)
	}
	if !acquired {
		return OutcomeInFlight, nil
	}
	defer func() {
		if rErr := svc.guard.Release(ctx, key); rErr != nil {
			svc.logger.Error(fmt.Sprintf("releasing %s: %v", key, rErr), rErr)
		}
	}()

	switch txn.Status {
	case StatusApproved:
		return svc.recordApproved(ctx, checkout, txn)
	case StatusDeclined, StatusError, StatusVoided:
		if err := svc.recordFailure(ctx, checkout, txn); err != nil {
			return "", err
		}
		return OutcomeDeclined, nil
	}
	return OutcomeIgnored, nil
}

func (svc *Service) recordApproved(ctx context.Context, checkout CheckoutRecord, txn EventTransaction) (Outcome, error) {
	// retried deliveries
	_, err := svc.ledger.FindTransactionByExternalReference(ctx, txn.ID)
	switch {
	case err == nil:
		return OutcomeDuplicate, nil
	case !core.IsNotFoundError(err):
		return "", err
	}

	if txn.Currency != checkout.Currency {
		svc.logger.Warn(fmt.Sprintf(
			"gateway transaction %s rejected: %v (%s != %s)", txn.ID, ErrCurrencyMismatch, txn.Currency, checkout.Currency,
		))
		return OutcomeRejected, nil
	}

	date := txn.CreatedAt
	if txn.FinalizedAt != nil {
		date = *txn.FinalizedAt
	}
	if date.IsZero() {
		date = NowFunc()
	}
	nt := ledger.NewTransaction{
		Amount:            AmountFromCents(txn.AmountInCents),
		Date:              date,
		Method:            ledger.MethodGateway,
		Reference:         txn.Reference,
		ExternalReference: txn.ID,
		Notes:             strings.ToLower(txn.PaymentMethodType),
	}
	if _, _, err := svc.ledger.RecordTransaction(ctx, checkout.EntryID, nt); err != nil {
		switch {
		case errors.Is(err, ledger.ErrDuplicateExternalReference):
			return OutcomeDuplicate, nil
		case core.IsValidationError(err), core.IsInvalidStateError(err), core.IsNotFoundError(err):
			svc.logger.Warn(fmt.Sprintf("gateway transaction %s rejected by the ledger: %v", txn.ID, err))
			return OutcomeRejected, nil
		}
		return "", err
	}

	d := svc.details(ctx, checkout, txn)
	d.FailedAttempts = 0
	d.NextChargeDate = nil
	if err := svc.repo.SaveDetails(ctx, d); err != nil {
		// the payment is already in the ledger
		svc.logger.Error(fmt.Sprintf("saving gateway details of entry %s: %v", checkout.EntryID, err), err)
	}
	return OutcomeRecorded, nil
}

func (svc *Service) recordFailure(ctx context.Context, checkout CheckoutRecord, txn EventTransaction) error {
	d := svc.details(ctx, checkout, txn)
	d.FailedAttempts++
	if err := svc.repo.SaveDetails(ctx, d); err != nil {
		return core.NewPersistenceError(err)
	}
	svc.logger.Info(fmt.Sprintf(
		"gateway transaction %s of entry %s %s (failed attempts: %d)", txn.ID, checkout.EntryID, strings.ToLower(txn.Status), d.FailedAttempts,
	))
	return nil
}

// details returns the stored details of the checkout's entry updated with `txn`.
func (svc *Service) details(ctx context.Context, checkout CheckoutRecord, txn EventTransaction) Details {
	d, err := svc.repo.GetDetails(ctx, checkout.EntryID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			svc.logger.Error(fmt.Sprintf("loading gateway details of entry %s: %v", checkout.EntryID, err), err)
		}
		d = Details{EntryID: checkout.EntryID}
	}
	d.Reference = txn.Reference
	d.TransactionID = txn.ID
	if src := txn.PaymentSourceID.String(); src != "" {
		d.CardToken = src
	}
	if txn.PaymentMethod.Extra.Brand != "" {
		d.CardBrand = txn.PaymentMethod.Extra.Brand
	}
	if txn.PaymentMethod.Extra.LastFour != "" {
		d.CardLastFour = txn.PaymentMethod.Extra.LastFour
	}
	d.UpdatedAt = NowFunc().UTC()
	return d
}

type nopMetrics struct{}

func (nopMetrics) WebhookHandled(Outcome) {}
