package sqlxrepos

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/academia/core"
	"github.com/trezcool/academia/core/ledger"
)

const (
	entryColumns = `id, owner_id, concept, program_id, enrollment_id, plan_id, installment_number, total_installments,
	original_amount, discount_percentage, discount_amount, amount, paid_amount, remaining_amount,
	payment_type, status, due_date, payment_date, cancel_reason, cancelled_at, created_at, updated_at`

	transactionColumns = `id, entry_id, amount, transaction_date, method, reference, external_reference,
	recorded_by, notes, created_at`

	externalReferenceConstraint = "ledger_transactions_external_reference_key"
	transactionEntryConstraint  = "ledger_transactions_entry_id_fkey"
)

var entryOrderings = map[string]string{
	"created_at":         "created_at",
	"due_date":           "due_date",
	"amount":             "amount",
	"remaining_amount":   "remaining_amount",
	"status":             "status",
	"concept":            "concept",
	"installment_number": "installment_number",
}

type entryRow struct {
	ID                 string              `db:"id"`
	OwnerID            string              `db:"owner_id"`
	Concept            string              `db:"concept"`
	ProgramID          null.String         `db:"program_id"`
	EnrollmentID       null.String         `db:"enrollment_id"`
	PlanID             null.String         `db:"plan_id"`
	InstallmentNumber  null.Int            `db:"installment_number"`
	TotalInstallments  null.Int            `db:"total_installments"`
	OriginalAmount     decimal.Decimal     `db:"original_amount"`
	DiscountPercentage decimal.NullDecimal `db:"discount_percentage"`
	DiscountAmount     decimal.NullDecimal `db:"discount_amount"`
	Amount             decimal.Decimal     `db:"amount"`
	PaidAmount         decimal.Decimal     `db:"paid_amount"`
	RemainingAmount    decimal.Decimal     `db:"remaining_amount"`
	PaymentType        ledger.PaymentType  `db:"payment_type"`
	Status             ledger.Status       `db:"status"`
	DueDate            null.Time           `db:"due_date"`
	PaymentDate        null.Time           `db:"payment_date"`
	CancelReason       null.String         `db:"cancel_reason"`
	CancelledAt        null.Time           `db:"cancelled_at"`
	CreatedAt          time.Time           `db:"created_at"`
	UpdatedAt          time.Time           `db:"updated_at"`
}

func toEntryRow(e ledger.Entry) entryRow {
	return entryRow{
		ID:                 e.ID,
		OwnerID:            e.OwnerID,
		Concept:            e.Concept,
		ProgramID:          null.NewString(e.ProgramID, e.ProgramID != ""),
		EnrollmentID:       null.NewString(e.EnrollmentID, e.EnrollmentID != ""),
		PlanID:             null.NewString(e.PlanID, e.PlanID != ""),
		InstallmentNumber:  null.NewInt(e.InstallmentNumber, e.PlanID != ""),
		TotalInstallments:  null.NewInt(e.TotalInstallments, e.PlanID != ""),
		OriginalAmount:     e.OriginalAmount,
		DiscountPercentage: e.DiscountPercentage,
		DiscountAmount:     e.DiscountAmount,
		Amount:             e.Amount,
		PaidAmount:         e.PaidAmount,
		RemainingAmount:    e.RemainingAmount,
		PaymentType:        e.PaymentType,
		Status:             e.Status,
		DueDate:            null.TimeFromPtr(e.DueDate),
		PaymentDate:        null.TimeFromPtr(e.PaymentDate),
		CancelReason:       null.NewString(e.CancelReason, e.CancelReason != ""),
		CancelledAt:        null.TimeFromPtr(e.CancelledAt),
		CreatedAt:          e.CreatedAt.UTC(),
		UpdatedAt:          e.UpdatedAt.UTC(),
	}
}

func (r entryRow) toEntry() ledger.Entry {
	return ledger.Entry{
		ID:                 r.ID,
		OwnerID:            r.OwnerID,
		Concept:            r.Concept,
		ProgramID:          r.ProgramID.String,
		EnrollmentID:       r.EnrollmentID.String,
		PlanID:             r.PlanID.String,
		InstallmentNumber:  r.InstallmentNumber.Int,
		TotalInstallments:  r.TotalInstallments.Int,
		OriginalAmount:     r.OriginalAmount,
		DiscountPercentage: r.DiscountPercentage,
		DiscountAmount:     r.DiscountAmount,
		Amount:             r.Amount,
		PaidAmount:         r.PaidAmount,
		RemainingAmount:    r.RemainingAmount,
		PaymentType:        r.PaymentType,
		Status:             r.Status,
		DueDate:            utcPtr(r.DueDate),
		PaymentDate:        utcPtr(r.PaymentDate),
		CancelReason:       r.CancelReason.String,
		CancelledAt:        utcPtr(r.CancelledAt),
		CreatedAt:          r.CreatedAt.UTC(),
		UpdatedAt:          r.UpdatedAt.UTC(),
	}
}

type transactionRow struct {
	ID                string          `db:"id"`
	EntryID           string          `db:"entry_id"`
	Amount            decimal.Decimal `db:"amount"`
	Date              time.Time       `db:"transaction_date"`
	Method            string          `db:"method"`
	Reference         null.String     `db:"reference"`
	ExternalReference null.String     `db:"external_reference"`
	RecordedBy        null.String     `db:"recorded_by"`
	Notes             null.String     `db:"notes"`
	CreatedAt         time.Time       `db:"created_at"`
}

func toTransactionRow(t ledger.Transaction) transactionRow {
	return transactionRow{
		ID:                t.ID,
		EntryID:           t.EntryID,
		Amount:            t.Amount,
		Date:              t.Date.UTC(),
		Method:            t.Method,
		Reference:         null.NewString(t.Reference, t.Reference != ""),
		ExternalReference: null.NewString(t.ExternalReference, t.ExternalReference != ""),
		RecordedBy:        null.NewString(t.RecordedBy, validUUID(t.RecordedBy)),
		Notes:             null.NewString(t.Notes, t.Notes != ""),
		CreatedAt:         t.CreatedAt.UTC(),
	}
}

func (r transactionRow) toTransaction() ledger.Transaction {
	return ledger.Transaction{
		ID:                r.ID,
		EntryID:           r.EntryID,
		Amount:            r.Amount,
		Date:              r.Date.UTC(),
		Method:            r.Method,
		Reference:         r.Reference.String,
		ExternalReference: r.ExternalReference.String,
		RecordedBy:        r.RecordedBy.String,
		Notes:             r.Notes.String,
		CreatedAt:         r.CreatedAt.UTC(),
	}
}

func utcPtr(t null.Time) *time.Time {
	if !t.Valid {
		return nil
	}
	u := t.Time.UTC()
	return &u
}

type ledgerRepository struct {
	db   *sqlx.DB
	exec sqlx.ExtContext // db, or the transaction of InTx
}

var _ ledger.Repository = (*ledgerRepository)(nil) // interface compliance check

func NewLedgerRepository(db *sqlx.DB) ledger.Repository {
	return &ledgerRepository{db: db, exec: db}
}

// InTx runs `fn` in a database transaction. Nested calls join the enclosing transaction.
func (repo *ledgerRepository) InTx(ctx context.Context, fn func(repo ledger.Repository) error) error {
	if _, ok := repo.exec.(*sqlx.Tx); ok {
		return fn(repo)
	}

	tx, err := repo.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	if err := fn(&ledgerRepository{db: repo.db, exec: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Wrapf(err, "rolling back (%v)", rbErr)
		}
		return err
	}
	return errors.Wrap(tx.Commit(), "committing transaction")
}

// trapNoRowsErr maps psql "no rows" err to `notFound`
func (repo *ledgerRepository) trapNoRowsErr(err error, notFound error, msg string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return notFound
	}
	return errors.Wrap(err, msg)
}

func (repo *ledgerRepository) CreateEntries(ctx context.Context, entries ...ledger.Entry) error {
	for _, e := range entries {
		_, err := sqlx.NamedExecContext(ctx, repo.exec, `
			INSERT INTO ledger_entries (`+entryColumns+`)
			VALUES (
				:id, :owner_id, :concept, :program_id, :enrollment_id, :plan_id, :installment_number, :total_installments,
				:original_amount, :discount_percentage, :discount_amount, :amount, :paid_amount, :remaining_amount,
				:payment_type, :status, :due_date, :payment_date, :cancel_reason, :cancelled_at, :created_at, :updated_at
			)`,
			toEntryRow(e),
		)
		if err != nil {
			return errors.Wrapf(err, "inserting entry %s", e.ID)
		}
	}
	return nil
}

func (repo *ledgerRepository) getEntry(ctx context.Context, id, suffix string) (ledger.Entry, error) {
	if !validUUID(id) {
		return ledger.Entry{}, ledger.ErrEntryNotFound
	}
	var row entryRow
	err := sqlx.GetContext(ctx, repo.exec, &row, "SELECT "+entryColumns+" FROM ledger_entries WHERE id = $1"+suffix, id)
	if err != nil {
		return ledger.Entry{}, repo.trapNoRowsErr(err, ledger.ErrEntryNotFound, "finding entry")
	}
	return row.toEntry(), nil
}

func (repo *ledgerRepository) GetEntry(ctx context.Context, id string) (ledger.Entry, error) {
	return repo.getEntry(ctx, id, "")
}

// GetEntryForUpdate locks the row until the end of the enclosing InTx.
func (repo *ledgerRepository) GetEntryForUpdate(ctx context.Context, id string) (ledger.Entry, error) {
	return repo.getEntry(ctx, id, " FOR UPDATE")
}

func (repo *ledgerRepository) UpdateEntry(ctx context.Context, entry ledger.Entry) error {
	res, err := sqlx.NamedExecContext(ctx, repo.exec, `
		UPDATE ledger_entries SET
			concept = :concept,
			original_amount = :original_amount,
			discount_percentage = :discount_percentage,
			discount_amount = :discount_amount,
			amount = :amount,
			paid_amount = :paid_amount,
			remaining_amount = :remaining_amount,
			status = :status,
			due_date = :due_date,
			payment_date = :payment_date,
			cancel_reason = :cancel_reason,
			cancelled_at = :cancelled_at,
			updated_at = :updated_at
		WHERE id = :id`,
		toEntryRow(entry),
	)
	if err != nil {
		return errors.Wrapf(err, "updating entry %s", entry.ID)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ledger.ErrEntryNotFound
	}
	return nil
}

func (repo *ledgerRepository) QueryEntries(ctx context.Context, filter ledger.QueryFilter, ordering []core.DBOrdering) ([]ledger.Entry, error) {
	var w where
	if filter.OwnerID != "" {
		if !validUUID(filter.OwnerID) {
			return []ledger.Entry{}, nil
		}
		w.add("owner_id = ?", filter.OwnerID)
	}
	if filter.PlanID != "" {
		if !validUUID(filter.PlanID) {
			return []ledger.Entry{}, nil
		}
		w.add("plan_id = ?", filter.PlanID)
	}
	if filter.Search != "" {
		w.add("concept ILIKE ?", "%"+filter.Search+"%")
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, st := range filter.Statuses {
			statuses = append(statuses, string(st))
		}
		w.add("status = ANY(?)", pq.StringArray(statuses))
	}
	if len(filter.PaymentTypes) > 0 {
		types := make([]string, 0, len(filter.PaymentTypes))
		for _, pt := range filter.PaymentTypes {
			types = append(types, string(pt))
		}
		w.add("payment_type = ANY(?)", pq.StringArray(types))
	}
	if filter.DueFrom != nil {
		w.add("due_date >= ?", core.Date(*filter.DueFrom))
	}
	if filter.DueTo != nil {
		w.add("due_date <= ?", core.Date(*filter.DueTo))
	}

	q := "SELECT " + entryColumns + " FROM ledger_entries" + w.String() +
		" ORDER BY " + core.OrderBy(
		ordering,
		entryOrderings,
		core.DBOrdering{Field: "created_at", Ascending: true},
		core.DBOrdering{Field: "installment_number", Ascending: true},
	)

	var rows []entryRow
	if err := sqlx.SelectContext(ctx, repo.exec, &rows, q, w.args...); err != nil {
		return nil, errors.Wrap(err, "querying entries")
	}
	entries := make([]ledger.Entry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, r.toEntry())
	}
	return entries, nil
}

func (repo *ledgerRepository) InsertTransaction(ctx context.Context, txn ledger.Transaction) error {
	if !validUUID(txn.EntryID) {
		return ledger.ErrEntryNotFound
	}
	_, err := sqlx.NamedExecContext(ctx, repo.exec, `
		INSERT INTO ledger_transactions (`+transactionColumns+`)
		VALUES (
			:id, :entry_id, :amount, :transaction_date, :method, :reference, :external_reference,
			:recorded_by, :notes, :created_at
		)`,
		toTransactionRow(txn),
	)
	switch {
	case err == nil:
		return nil
	case isViolation(err, uniqueViolation, externalReferenceConstraint):
		return ledger.ErrDuplicateExternalReference
	case isViolation(err, foreignKeyViolation, transactionEntryConstraint):
		return ledger.ErrEntryNotFound
	}
	return errors.Wrap(err, "inserting transaction")
}

func (repo *ledgerRepository) QueryTransactions(ctx context.Context, entryID string) ([]ledger.Transaction, error) {
	if !validUUID(entryID) {
		return []ledger.Transaction{}, nil
	}
	var rows []transactionRow
	err := sqlx.SelectContext(
		ctx, repo.exec, &rows,
		"SELECT "+transactionColumns+" FROM ledger_transactions WHERE entry_id = $1 ORDER BY created_at, id",
		entryID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "querying transactions")
	}
	txns := make([]ledger.Transaction, 0, len(rows))
	for _, r := range rows {
		txns = append(txns, r.toTransaction())
	}
	return txns, nil
}

func (repo *ledgerRepository) GetTransactionByExternalReference(ctx context.Context, ref string) (ledger.Transaction, error) {
	if ref == "" {
		return ledger.Transaction{}, ledger.ErrTransactionNotFound
	}
	var row transactionRow
	err := sqlx.GetContext(
		ctx, repo.exec, &row,
		"SELECT "+transactionColumns+" FROM ledger_transactions WHERE external_reference = $1",
		ref,
	)
	if err != nil {
		return ledger.Transaction{}, repo.trapNoRowsErr(err, ledger.ErrTransactionNotFound, "finding transaction")
	}
	return row.toTransaction(), nil
}

func (repo *ledgerRepository) SumTransactions(ctx context.Context, entryID string) (decimal.Decimal, error) {
	if !validUUID(entryID) {
		return decimal.Zero, nil
	}
	var total decimal.Decimal
	err := sqlx.GetContext(
		ctx, repo.exec, &total,
		"SELECT COALESCE(SUM(amount), 0) FROM ledger_transactions WHERE entry_id = $1",
		entryID,
	)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "summing transactions")
	}
	return total, nil
}
