// Package ledger tracks what each owner owes: ledger entries, the payments applied to them,
// installment plans and the overdue/cancelled lifecycle.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/trezcool/academia/core"
	"github.com/trezcool/academia/core/discount"
	"github.com/trezcool/academia/core/user"
)

var (
	NowFunc = time.Now // mockable

	// validation errors
	ErrNonPositiveBase     = errors.New("base amount must be greater than 0")
	ErrNonPositiveAmount   = errors.New("amount must be greater than 0")
	ErrOverpaymentRejected = errors.New("amount exceeds the remaining balance")
	ErrTooFewInstallments  = errors.New("an installment plan needs at least 2 installments")
	ErrInstallmentTooSmall = errors.New("total amount is too small to be split into that many installments")
	ErrDiscountCoversBase  = errors.New("base amount is too small: the discount leaves nothing to pay")
	ErrAmountPrecision     = errors.New("amount has too many decimal places")
	ErrInvalidPaymentType  = errors.New("invalid payment type")
	ErrMissingDate         = errors.New("transaction date is required")
	ErrMissingMethod       = errors.New("payment method is required")
	ErrMissingConcept      = errors.New("concept is required")
	ErrInvalidInterval     = errors.New("interval between installments must be at least 1 month")
	ErrMissingFirstDueDate = errors.New("first due date is required")

	// state errors
	ErrEntryClosed                = errors.New("entry is closed (completed or cancelled)")
	ErrEntryCompleted             = errors.New("a completed entry cannot be cancelled")
	ErrDuplicateExternalReference = errors.New("a transaction with this external reference already exists")

	// not found errors
	ErrEntryNotFound       = errors.New("ledger entry not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrOwnerNotFound       = errors.New("owner not found")

	hundred = decimal.NewFromInt(100)
)

type (
	// Repository persists entries and transactions.
	// Implementations return ErrEntryNotFound, ErrTransactionNotFound and ErrDuplicateExternalReference
	// (possibly wrapped) so that the Service can classify them.
	Repository interface {
		// InTx runs `fn` atomically: every write made through the given Repository is committed
		// when `fn` returns nil, and rolled back otherwise.
		InTx(ctx context.Context, fn func(repo Repository) error) error

		CreateEntries(ctx context.Context, entries ...Entry) error
		GetEntry(ctx context.Context, id string) (Entry, error)
		// GetEntryForUpdate reads the entry and locks it until the end of the enclosing InTx.
		GetEntryForUpdate(ctx context.Context, id string) (Entry, error)
		UpdateEntry(ctx context.Context, entry Entry) error
		QueryEntries(ctx context.Context, filter QueryFilter, ordering []core.DBOrdering) ([]Entry, error)

		InsertTransaction(ctx context.Context, txn Transaction) error
		QueryTransactions(ctx context.Context, entryID string) ([]Transaction, error)
		GetTransactionByExternalReference(ctx context.Context, ref string) (Transaction, error)
		SumTransactions(ctx context.Context, entryID string) (decimal.Decimal, error)
	}

	// OwnerFinder finds the owner of ledger entries.
	OwnerFinder interface {
		GetByID(ctx context.Context, id string) (user.User, error)
	}

	// Metrics receives ledger events.
	Metrics interface {
		EntriesCreated(pt PaymentType, n int)
		TransactionRecorded(source string, amount decimal.Decimal)
		StatusChanged(from, to Status)
	}

	Service struct {
		repo     Repository
		owners   OwnerFinder
		mailSvc  core.EmailService
		metrics  Metrics
		logger   core.Logger
		places   int32
		currency string
	}
)

func NewService(
	repo Repository,
	owners OwnerFinder,
	mailSvc core.EmailService,
	metrics Metrics,
	logger core.Logger,
	conf *core.Config,
) *Service {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Service{
		repo:     repo,
		owners:   owners,
		mailSvc:  mailSvc,
		metrics:  metrics,
		logger:   logger,
		places:   conf.Ledger.AmountPlaces,
		currency: conf.Ledger.Currency,
	}
}

func (svc *Service) Currency() string { return svc.currency }

// classify maps repository errors onto the error taxonomy.
func (svc *Service) classify(err error) error {
	switch {
	case err == nil:
		return nil
	case core.IsValidationError(err), core.IsInvalidStateError(err), core.IsNotFoundError(err), core.IsPersistenceError(err):
		return err
	case errors.Is(err, ErrEntryNotFound), errors.Is(err, ErrTransactionNotFound):
		return core.NewNotFoundError(err)
	case errors.Is(err, ErrDuplicateExternalReference):
		return core.NewInvalidStateError(err)
	}
	return core.NewPersistenceError(err)
}

func (svc *Service) checkOwner(ctx context.Context, ownerID string) (user.User, error) {
	owner, err := svc.owners.GetByID(ctx, ownerID)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return user.User{}, core.NewNotFoundError(ErrOwnerNotFound)
		}
		return user.User{}, core.NewPersistenceError(err)
	}
	return owner, nil
}

func (svc *Service) checkAmount(field string, amount decimal.Decimal, errNonPositive error) error {
	if !amount.IsPositive() {
		return core.NewValidationError(errNonPositive, core.FieldError{Field: field, Error: errNonPositive.Error()})
	}
	if !hasPlaces(amount, svc.places) {
		return core.NewValidationError(ErrAmountPrecision, core.FieldError{Field: field, Error: ErrAmountPrecision.Error()})
	}
	return nil
}

// discountAmount returns `base` * `pct` / 100 rounded to the configured decimal places.
func (svc *Service) discountAmount(base, pct decimal.Decimal) decimal.Decimal {
	return base.Mul(pct).Div(hundred).Round(svc.places)
}

// CreateEntry creates a pending Entry for `ne.BaseAmount` less the group discount granted by `rule`.
func (svc *Service) CreateEntry(ctx context.Context, ne NewEntry, rule discount.Rule) (Entry, error) {
	ne.Clean()
	if err := svc.checkAmount("base_amount", ne.BaseAmount, ErrNonPositiveBase); err != nil {
		return Entry{}, err
	}
	if ne.Concept == "" {
		return Entry{}, core.NewValidationError(ErrMissingConcept, core.FieldError{Field: "concept", Error: ErrMissingConcept.Error()})
	}
	if !ne.PaymentType.IsValid() {
		return Entry{}, core.NewValidationError(ErrInvalidPaymentType, core.FieldError{Field: "payment_type", Error: ErrInvalidPaymentType.Error()})
	}
	pct, err := discount.Evaluate(ne.GroupSize, rule)
	if err != nil {
		return Entry{}, err
	}
	if _, err := svc.checkOwner(ctx, ne.OwnerID); err != nil {
		return Entry{}, err
	}

	discountAmt := svc.discountAmount(ne.BaseAmount, pct)
	amount := ne.BaseAmount.Sub(discountAmt)
	if !amount.IsPositive() {
		return Entry{}, core.NewValidationError(
			ErrDiscountCoversBase,
			core.FieldError{Field: "base_amount", Error: ErrDiscountCoversBase.Error()},
		)
	}
	now := NowFunc().UTC()
	entry := Entry{
		ID:                 uuid.NewString(),
		OwnerID:            ne.OwnerID,
		Concept:            ne.Concept,
		ProgramID:          ne.ProgramID,
		EnrollmentID:       ne.EnrollmentID,
		OriginalAmount:     ne.BaseAmount,
		DiscountPercentage: decimal.NewNullDecimal(pct),
		DiscountAmount:     decimal.NewNullDecimal(discountAmt),
		Amount:             amount,
		PaidAmount:         decimal.Zero,
		RemainingAmount:    amount,
		PaymentType:        ne.PaymentType,
		Status:             StatusPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if ne.DueDate != nil {
		due := core.Date(*ne.DueDate)
		entry.DueDate = &due
	}

	if err := svc.repo.CreateEntries(ctx, entry); err != nil {
		return Entry{}, svc.classify(err)
	}
	svc.metrics.EntriesCreated(entry.PaymentType, 1)
	return entry, nil
}

// CreateInstallmentPlan splits `np.TotalAmount` into `np.NumberOfInstallments` sibling entries sharing a plan ID.
// Installment i is due `IntervalMonths * (i-1)` months after the first due date.
// All installments are created atomically.
func (svc *Service) CreateInstallmentPlan(ctx context.Context, np NewInstallmentPlan, rule discount.Rule) ([]Entry, error) {
	np.Clean()
	if err := svc.checkAmount("total_amount", np.TotalAmount, ErrNonPositiveBase); err != nil {
		return nil, err
	}
	if np.NumberOfInstallments < 2 {
		return nil, core.NewValidationError(
			ErrTooFewInstallments,
			core.FieldError{Field: "number_of_installments", Error: ErrTooFewInstallments.Error()},
		)
	}
	if np.Concept == "" {
		return nil, core.NewValidationError(ErrMissingConcept, core.FieldError{Field: "concept", Error: ErrMissingConcept.Error()})
	}
	if np.FirstDueDate.IsZero() {
		return nil, core.NewValidationError(ErrMissingFirstDueDate, core.FieldError{Field: "first_due_date", Error: ErrMissingFirstDueDate.Error()})
	}
	if np.IntervalMonths < 1 {
		return nil, core.NewValidationError(ErrInvalidInterval, core.FieldError{Field: "interval_months", Error: ErrInvalidInterval.Error()})
	}
	pct, err := discount.Evaluate(np.GroupSize, rule)
	if err != nil {
		return nil, err
	}
	discountAmt := svc.discountAmount(np.TotalAmount, pct)
	amount := np.TotalAmount.Sub(discountAmt)

	// every installment must be worth at least one unit
	minTotal := decimal.New(int64(np.NumberOfInstallments), -svc.places)
	if amount.LessThan(minTotal) {
		return nil, core.NewValidationError(
			ErrInstallmentTooSmall,
			core.FieldError{Field: "total_amount", Error: ErrInstallmentTooSmall.Error()},
		)
	}
	if _, err := svc.checkOwner(ctx, np.OwnerID); err != nil {
		return nil, err
	}

	originals := splitAmount(np.TotalAmount, np.NumberOfInstallments, svc.places)
	amounts := splitAmount(amount, np.NumberOfInstallments, svc.places)
	planID := uuid.NewString()
	firstDue := core.Date(np.FirstDueDate)
	now := NowFunc().UTC()

	entries := make([]Entry, 0, np.NumberOfInstallments)
	for i := 0; i < np.NumberOfInstallments; i++ {
		due := core.AddMonths(firstDue, i*np.IntervalMonths)
		entries = append(entries, Entry{
			ID:                 uuid.NewString(),
			OwnerID:            np.OwnerID,
			Concept:            fmt.Sprintf("%s (%d/%d)", np.Concept, i+1, np.NumberOfInstallments),
			ProgramID:          np.ProgramID,
			EnrollmentID:       np.EnrollmentID,
			PlanID:             planID,
			InstallmentNumber:  i + 1,
			TotalInstallments:  np.NumberOfInstallments,
			OriginalAmount:     originals[i],
			DiscountPercentage: decimal.NewNullDecimal(pct),
			DiscountAmount:     decimal.NewNullDecimal(originals[i].Sub(amounts[i])),
			Amount:             amounts[i],
			PaidAmount:         decimal.Zero,
			RemainingAmount:    amounts[i],
			PaymentType:        PaymentInstallment,
			Status:             StatusPending,
			DueDate:            &due,
			CreatedAt:          now,
			UpdatedAt:          now,
		})
	}

	err = svc.repo.InTx(ctx, func(repo Repository) error {
		return repo.CreateEntries(ctx, entries...)
	})
	if err != nil {
		return nil, svc.classify(err)
	}
	svc.metrics.EntriesCreated(PaymentInstallment, len(entries))
	return entries, nil
}

// RecordTransaction applies a payment to the entry `entryID`.
// The entry is locked while the Transaction is inserted and its balances updated; both writes
// are committed together or not at all. The entry is completed when its remaining amount reaches 0.
func (svc *Service) RecordTransaction(ctx context.Context, entryID string, nt NewTransaction) (Entry, Transaction, error) {
	nt.Clean()
	if !nt.Amount.IsPositive() {
		return Entry{}, Transaction{}, core.NewValidationError(
			ErrNonPositiveAmount,
			core.FieldError{Field: "amount", Error: ErrNonPositiveAmount.Error()},
		)
	}
	if !hasPlaces(nt.Amount, svc.places) {
		return Entry{}, Transaction{}, core.NewValidationError(
			ErrAmountPrecision,
			core.FieldError{Field: "amount", Error: ErrAmountPrecision.Error()},
		)
	}
	if nt.Date.IsZero() {
		return Entry{}, Transaction{}, core.NewValidationError(ErrMissingDate, core.FieldError{Field: "date", Error: ErrMissingDate.Error()})
	}
	if nt.Method == "" {
		return Entry{}, Transaction{}, core.NewValidationError(ErrMissingMethod, core.FieldError{Field: "method", Error: ErrMissingMethod.Error()})
	}

	var (
		entry      Entry
		txn        Transaction
		prevStatus Status
	)
	err := svc.repo.InTx(ctx, func(repo Repository) error {
		e, err := repo.GetEntryForUpdate(ctx, entryID)
		if err != nil {
			return err
		}
		if e.Status.IsClosed() {
			return core.NewInvalidStateError(ErrEntryClosed)
		}
		if nt.Amount.GreaterThan(e.RemainingAmount) {
			return core.NewValidationError(
				ErrOverpaymentRejected,
				core.FieldError{
					Field: "amount",
					Error: fmt.Sprintf("%s (remaining: %s)", ErrOverpaymentRejected.Error(), e.RemainingAmount),
				},
			)
		}

		now := NowFunc().UTC()
		t := Transaction{
			ID:                uuid.NewString(),
			EntryID:           e.ID,
			Amount:            nt.Amount,
			Date:              nt.Date.UTC(),
			Method:            nt.Method,
			Reference:         nt.Reference,
			ExternalReference: nt.ExternalReference,
			RecordedBy:        nt.RecordedBy,
			Notes:             nt.Notes,
			CreatedAt:         now,
		}
		if err := repo.InsertTransaction(ctx, t); err != nil {
			return err
		}

		prevStatus = e.Status
		e.applyTransaction(t, now)
		if err := repo.UpdateEntry(ctx, e); err != nil {
			return err
		}
		entry, txn = e, t
		return nil
	})
	if err != nil {
		return Entry{}, Transaction{}, svc.classify(err)
	}

	svc.metrics.TransactionRecorded(txn.Source(), txn.Amount)
	if entry.Status != prevStatus {
		svc.metrics.StatusChanged(prevStatus, entry.Status)
	}
	if entry.Status == StatusCompleted {
		svc.sendReceipt(ctx, entry)
	}
	return entry, txn, nil
}

// MarkOverdue moves the entry to overdue when it is pending, has an outstanding balance and its due date
// is before `asOf`. Any other entry is returned unchanged.
func (svc *Service) MarkOverdue(ctx context.Context, entryID string, asOf time.Time) (Entry, error) {
	var (
		entry   Entry
		changed bool
	)
	err := svc.repo.InTx(ctx, func(repo Repository) error {
		e, err := repo.GetEntryForUpdate(ctx, entryID)
		if err != nil {
			return err
		}
		entry = e
		if !e.IsOverdueAt(asOf) {
			return nil
		}
		e.Status = StatusOverdue
		e.UpdatedAt = NowFunc().UTC()
		if err := repo.UpdateEntry(ctx, e); err != nil {
			return err
		}
		entry, changed = e, true
		return nil
	})
	if err != nil {
		return Entry{}, svc.classify(err)
	}
	if changed {
		svc.metrics.StatusChanged(StatusPending, StatusOverdue)
		svc.sendOverdueNotice(ctx, entry)
	}
	return entry, nil
}

// MarkOverdueAll marks every pending entry that is overdue at `asOf` and returns the updated entries.
func (svc *Service) MarkOverdueAll(ctx context.Context, asOf time.Time) ([]Entry, error) {
	dueTo := core.Date(asOf).AddDate(0, 0, -1)
	candidates, err := svc.repo.QueryEntries(
		ctx,
		QueryFilter{Statuses: []Status{StatusPending}, DueTo: &dueTo},
		[]core.DBOrdering{{Field: "due_date", Ascending: true}},
	)
	if err != nil {
		return nil, svc.classify(err)
	}

	marked := make([]Entry, 0)
	for _, c := range candidates {
		entry, err := svc.MarkOverdue(ctx, c.ID, asOf)
		if err != nil {
			return marked, err
		}
		if entry.Status == StatusOverdue {
			marked = append(marked, entry)
		}
	}
	return marked, nil
}

// Cancel cancels a non-completed entry. Cancelling an already cancelled entry is a no-op.
func (svc *Service) Cancel(ctx context.Context, entryID, reason string) (Entry, error) {
	var (
		entry      Entry
		prevStatus Status
	)
	err := svc.repo.InTx(ctx, func(repo Repository) error {
		e, err := repo.GetEntryForUpdate(ctx, entryID)
		if err != nil {
			return err
		}
		prevStatus = e.Status
		entry = e
		switch e.Status {
		case StatusCompleted:
			return core.NewInvalidStateError(ErrEntryCompleted)
		case StatusCancelled:
			return nil
		}

		now := NowFunc().UTC()
		e.Status = StatusCancelled
		e.CancelReason = core.CleanString(reason)
		e.CancelledAt = &now
		e.UpdatedAt = now
		if err := repo.UpdateEntry(ctx, e); err != nil {
			return err
		}
		entry = e
		return nil
	})
	if err != nil {
		return Entry{}, svc.classify(err)
	}
	if prevStatus != entry.Status {
		svc.metrics.StatusChanged(prevStatus, entry.Status)
	}
	return entry, nil
}

func (svc *Service) Get(ctx context.Context, entryID string) (Entry, error) {
	entry, err := svc.repo.GetEntry(ctx, entryID)
	if err != nil {
		return Entry{}, svc.classify(err)
	}
	return entry, nil
}

func (svc *Service) Query(ctx context.Context, filter QueryFilter, ordering []core.DBOrdering) ([]Entry, error) {
	filter.Clean()
	entries, err := svc.repo.QueryEntries(ctx, filter, ordering)
	if err != nil {
		return nil, svc.classify(err)
	}
	return entries, nil
}

// Transactions returns the transactions of the entry in the order they were recorded.
func (svc *Service) Transactions(ctx context.Context, entryID string) ([]Transaction, error) {
	if _, err := svc.Get(ctx, entryID); err != nil {
		return nil, err
	}
	txns, err := svc.repo.QueryTransactions(ctx, entryID)
	if err != nil {
		return nil, svc.classify(err)
	}
	return txns, nil
}

func (svc *Service) FindTransactionByExternalReference(ctx context.Context, ref string) (Transaction, error) {
	txn, err := svc.repo.GetTransactionByExternalReference(ctx, ref)
	if err != nil {
		return Transaction{}, svc.classify(err)
	}
	return txn, nil
}

// Summarize aggregates the amounts of the entries matching `filter`.
func (svc *Service) Summarize(ctx context.Context, filter QueryFilter) (Summary, error) {
	entries, err := svc.Query(ctx, filter, nil)
	if err != nil {
		return Summary{}, err
	}

	sum := Summary{
		CountByStatus:    make(map[Status]int, len(Statuses)),
		OriginalAmount:   decimal.Zero,
		DiscountAmount:   decimal.Zero,
		Amount:           decimal.Zero,
		PaidAmount:       decimal.Zero,
		RemainingAmount:  decimal.Zero,
		OverdueRemaining: decimal.Zero,
		Currency:         svc.currency,
	}
	for _, st := range Statuses {
		sum.CountByStatus[st] = 0
	}
	for _, e := range entries {
		sum.Count++
		sum.CountByStatus[e.Status]++
		sum.OriginalAmount = sum.OriginalAmount.Add(e.OriginalAmount)
		if e.DiscountAmount.Valid {
			sum.DiscountAmount = sum.DiscountAmount.Add(e.DiscountAmount.Decimal)
		}
		sum.Amount = sum.Amount.Add(e.Amount)
		sum.PaidAmount = sum.PaidAmount.Add(e.PaidAmount)
		// cancelled entries are no longer owed
		if e.Status != StatusCancelled {
			sum.RemainingAmount = sum.RemainingAmount.Add(e.RemainingAmount)
		}
		if e.Status == StatusOverdue {
			sum.OverdueRemaining = sum.OverdueRemaining.Add(e.RemainingAmount)
		}
	}
	return sum, nil
}

// Reconcile checks the invariants of the entries matching `filter` against their transactions.
// It never modifies the ledger.
func (svc *Service) Reconcile(ctx context.Context, filter QueryFilter) ([]Discrepancy, error) {
	entries, err := svc.Query(ctx, filter, []core.DBOrdering{{Field: "created_at", Ascending: true}})
	if err != nil {
		return nil, err
	}

	discrepancies := make([]Discrepancy, 0)
	for _, e := range entries {
		if err := e.CheckInvariants(); err != nil {
			discrepancies = append(discrepancies, Discrepancy{EntryID: e.ID, Problem: err.Error()})
			continue
		}
		total, err := svc.repo.SumTransactions(ctx, e.ID)
		if err != nil {
			return nil, svc.classify(err)
		}
		if !total.Equal(e.PaidAmount) {
			discrepancies = append(discrepancies, Discrepancy{
				EntryID: e.ID,
				Problem: fmt.Sprintf("transactions sum to %s but paid amount is %s", total, e.PaidAmount),
			})
		}
	}
	return discrepancies, nil
}

type nopMetrics struct{}

func (nopMetrics) EntriesCreated(PaymentType, int)             {}
func (nopMetrics) TransactionRecorded(string, decimal.Decimal) {}
func (nopMetrics) StatusChanged(Status, Status)                {}
