package ledger

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/trezcool/academia/core"
)

// Status is the lifecycle state of an Entry.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusOverdue   Status = "overdue"
)

var Statuses = []Status{StatusPending, StatusCompleted, StatusCancelled, StatusOverdue}

func ParseStatus(s string) (Status, error) {
	for _, st := range Statuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown status %q", s)
}

func (s Status) IsValid() bool {
	_, err := ParseStatus(string(s))
	return err == nil
}

// IsClosed reports whether the entry no longer accepts payments.
func (s Status) IsClosed() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func (s Status) MarshalText() ([]byte, error) {
	if !s.IsValid() {
		return nil, fmt.Errorf("unknown status %q", string(s))
	}
	return []byte(s), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	st, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

func (s Status) Value() (driver.Value, error) {
	if !s.IsValid() {
		return nil, fmt.Errorf("unknown status %q", string(s))
	}
	return string(s), nil
}

func (s *Status) Scan(src interface{}) error {
	return scanText(src, s.UnmarshalText)
}

// PaymentType is how an Entry is expected to be paid.
type PaymentType string

const (
	PaymentSingle      PaymentType = "single"
	PaymentInstallment PaymentType = "installment"
	PaymentPartial     PaymentType = "partial"
)

var PaymentTypes = []PaymentType{PaymentSingle, PaymentInstallment, PaymentPartial}

func ParsePaymentType(s string) (PaymentType, error) {
	for _, pt := range PaymentTypes {
		if string(pt) == s {
			return pt, nil
		}
	}
	return "", fmt.Errorf("unknown payment type %q", s)
}

func (pt PaymentType) IsValid() bool {
	_, err := ParsePaymentType(string(pt))
	return err == nil
}

func (pt PaymentType) MarshalText() ([]byte, error) {
	if !pt.IsValid() {
		return nil, fmt.Errorf("unknown payment type %q", string(pt))
	}
	return []byte(pt), nil
}

func (pt *PaymentType) UnmarshalText(text []byte) error {
	t, err := ParsePaymentType(string(text))
	if err != nil {
		return err
	}
	*pt = t
	return nil
}

func (pt PaymentType) Value() (driver.Value, error) {
	if !pt.IsValid() {
		return nil, fmt.Errorf("unknown payment type %q", string(pt))
	}
	return string(pt), nil
}

func (pt *PaymentType) Scan(src interface{}) error {
	return scanText(src, pt.UnmarshalText)
}

func scanText(src interface{}, unmarshal func([]byte) error) error {
	switch v := src.(type) {
	case string:
		return unmarshal([]byte(v))
	case []byte:
		return unmarshal(v)
	}
	return fmt.Errorf("cannot scan %T", src)
}

// Entry is a single payment obligation of an owner (tuition, enrollment fee, one installment of a plan).
type Entry struct {
	ID           string `json:"id"`
	OwnerID      string `json:"owner_id"`
	Concept      string `json:"concept"`
	ProgramID    string `json:"program_id,omitempty"`
	EnrollmentID string `json:"enrollment_id,omitempty"`

	// installment plans: siblings share PlanID and are numbered 1..TotalInstallments
	PlanID            string `json:"plan_id,omitempty"`
	InstallmentNumber int    `json:"installment_number,omitempty"`
	TotalInstallments int    `json:"total_installments,omitempty"`

	OriginalAmount     decimal.Decimal     `json:"original_amount"`
	DiscountPercentage decimal.NullDecimal `json:"discount_percentage"`
	DiscountAmount     decimal.NullDecimal `json:"discount_amount"`
	Amount             decimal.Decimal     `json:"amount"`
	PaidAmount         decimal.Decimal     `json:"paid_amount"`
	RemainingAmount    decimal.Decimal     `json:"remaining_amount"`

	PaymentType  PaymentType `json:"payment_type"`
	Status       Status      `json:"status"`
	DueDate      *time.Time  `json:"due_date"`
	PaymentDate  *time.Time  `json:"payment_date"`
	CancelReason string      `json:"cancel_reason,omitempty"`
	CancelledAt  *time.Time  `json:"cancelled_at,omitempty"`
	CreatedAt    time.Time   `json:"created_at"` // UTC
	UpdatedAt    time.Time   `json:"updated_at"` // UTC
}

// IsOverdueAt reports whether a pending entry with an outstanding balance is past its due date at `asOf`.
// Dates are compared by calendar day (UTC): an entry due today is not overdue yet.
func (e Entry) IsOverdueAt(asOf time.Time) bool {
	return e.Status == StatusPending &&
		e.DueDate != nil &&
		core.Date(asOf).After(core.Date(*e.DueDate)) &&
		e.RemainingAmount.IsPositive()
}

func (e *Entry) applyTransaction(txn Transaction, now time.Time) {
	e.PaidAmount = e.PaidAmount.Add(txn.Amount)
	e.RemainingAmount = e.Amount.Sub(e.PaidAmount)
	if e.RemainingAmount.IsZero() {
		e.Status = StatusCompleted
		paidAt := txn.Date
		e.PaymentDate = &paidAt
	}
	e.UpdatedAt = now
}

// CheckInvariants returns an error describing the first broken ledger invariant of the entry, if any.
func (e Entry) CheckInvariants() error {
	switch {
	case !e.Status.IsValid():
		return errors.Errorf("invalid status %q", e.Status)
	case !e.PaymentType.IsValid():
		return errors.Errorf("invalid payment type %q", e.PaymentType)
	case e.PaidAmount.IsNegative():
		return errors.Errorf("paid amount %s is negative", e.PaidAmount)
	case e.PaidAmount.GreaterThan(e.Amount):
		return errors.Errorf("paid amount %s exceeds amount %s", e.PaidAmount, e.Amount)
	case !e.RemainingAmount.Equal(e.Amount.Sub(e.PaidAmount)):
		return errors.Errorf("remaining amount %s != amount %s - paid amount %s", e.RemainingAmount, e.Amount, e.PaidAmount)
	case e.Status == StatusCompleted && !e.RemainingAmount.IsZero():
		return errors.Errorf("completed with remaining amount %s", e.RemainingAmount)
	case e.Status != StatusCompleted && e.Status != StatusCancelled && e.RemainingAmount.IsZero():
		return errors.Errorf("fully paid but %s", e.Status)
	case e.DiscountAmount.Valid && !e.Amount.Equal(e.OriginalAmount.Sub(e.DiscountAmount.Decimal)):
		return errors.Errorf("amount %s != original amount %s - discount %s", e.Amount, e.OriginalAmount, e.DiscountAmount.Decimal)
	case e.PlanID != "" && (e.InstallmentNumber < 1 || e.InstallmentNumber > e.TotalInstallments):
		return errors.Errorf("installment %d out of 1..%d", e.InstallmentNumber, e.TotalInstallments)
	}
	return nil
}

// Transaction is an immutable payment applied to an Entry.
type Transaction struct {
	ID                string          `json:"id"`
	EntryID           string          `json:"entry_id"`
	Amount            decimal.Decimal `json:"amount"`
	Date              time.Time       `json:"date"`
	Method            string          `json:"method"`
	Reference         string          `json:"reference,omitempty"`
	ExternalReference string          `json:"external_reference,omitempty"` // gateway transaction id
	RecordedBy        string          `json:"recorded_by,omitempty"`
	Notes             string          `json:"notes,omitempty"`
	CreatedAt         time.Time       `json:"created_at"` // UTC
}

// Source tells whether the transaction was confirmed by the payment gateway or recorded by staff.
func (t Transaction) Source() string {
	if t.ExternalReference != "" {
		return SourceGateway
	}
	return SourceManual
}

const (
	SourceManual  = "manual"
	SourceGateway = "gateway"

	MethodCash     = "cash"
	MethodTransfer = "transfer"
	MethodCard     = "card"
	MethodGateway  = "gateway"
)

// NewEntry contains information needed to create a new Entry.
type NewEntry struct {
	OwnerID      string          `json:"owner_id" validate:"required"`
	Concept      string          `json:"concept" validate:"required,max=255"`
	ProgramID    string          `json:"program_id" validate:"omitempty,max=64"`
	EnrollmentID string          `json:"enrollment_id" validate:"omitempty,max=64"`
	BaseAmount   decimal.Decimal `json:"base_amount" validate:"gt=0"`
	GroupSize    int             `json:"group_size" validate:"gte=0"`
	PaymentType  PaymentType     `json:"payment_type" validate:"required"`
	DueDate      *time.Time      `json:"due_date"`
}

func (ne *NewEntry) Clean() {
	ne.OwnerID = core.CleanString(ne.OwnerID)
	ne.Concept = core.CleanString(ne.Concept)
	ne.ProgramID = core.CleanString(ne.ProgramID)
	ne.EnrollmentID = core.CleanString(ne.EnrollmentID)
	if ne.PaymentType == "" {
		ne.PaymentType = PaymentSingle
	}
}

// NewInstallmentPlan contains information needed to split a total amount into installment entries.
type NewInstallmentPlan struct {
	OwnerID              string          `json:"owner_id" validate:"required"`
	Concept              string          `json:"concept" validate:"required,max=200"`
	ProgramID            string          `json:"program_id" validate:"omitempty,max=64"`
	EnrollmentID         string          `json:"enrollment_id" validate:"omitempty,max=64"`
	TotalAmount          decimal.Decimal `json:"total_amount" validate:"gt=0"`
	NumberOfInstallments int             `json:"number_of_installments" validate:"gte=2"`
	FirstDueDate         time.Time       `json:"first_due_date" validate:"required"`
	IntervalMonths       int             `json:"interval_months" validate:"gte=0"`
	GroupSize            int             `json:"group_size" validate:"gte=0"`
}

func (np *NewInstallmentPlan) Clean() {
	np.OwnerID = core.CleanString(np.OwnerID)
	np.Concept = core.CleanString(np.Concept)
	np.ProgramID = core.CleanString(np.ProgramID)
	np.EnrollmentID = core.CleanString(np.EnrollmentID)
	if np.IntervalMonths == 0 {
		np.IntervalMonths = 1
	}
}

// NewTransaction contains information needed to record a payment against an Entry.
type NewTransaction struct {
	Amount            decimal.Decimal `json:"amount" validate:"gt=0"`
	Date              time.Time       `json:"date" validate:"required"`
	Method            string          `json:"method" validate:"required,max=32"`
	Reference         string          `json:"reference" validate:"omitempty,max=128"`
	ExternalReference string          `json:"-"`
	RecordedBy        string          `json:"-"`
	Notes             string          `json:"notes" validate:"omitempty,max=1000"`
}

func (nt *NewTransaction) Clean() {
	nt.Method = core.CleanString(nt.Method, true /* lower */)
	nt.Reference = core.CleanString(nt.Reference)
	nt.Notes = core.CleanString(nt.Notes)
}

type QueryFilter struct {
	OwnerID      string
	PlanID       string
	Search       string // case-insensitive match on Concept
	Statuses     []Status
	PaymentTypes []PaymentType
	DueFrom      *time.Time
	DueTo        *time.Time
}

func (qf *QueryFilter) Clean() {
	qf.OwnerID = core.CleanString(qf.OwnerID)
	qf.PlanID = core.CleanString(qf.PlanID)
	qf.Search = core.CleanString(qf.Search)
}

// Match reports whether `e` satisfies every set field of the filter.
func (qf QueryFilter) Match(e Entry) bool {
	if qf.OwnerID != "" && e.OwnerID != qf.OwnerID {
		return false
	}
	if qf.PlanID != "" && e.PlanID != qf.PlanID {
		return false
	}
	if qf.Search != "" && !containsFold(e.Concept, qf.Search) {
		return false
	}
	if len(qf.Statuses) > 0 && !containsStatus(qf.Statuses, e.Status) {
		return false
	}
	if len(qf.PaymentTypes) > 0 && !containsPaymentType(qf.PaymentTypes, e.PaymentType) {
		return false
	}
	if qf.DueFrom != nil && (e.DueDate == nil || core.Date(*e.DueDate).Before(core.Date(*qf.DueFrom))) {
		return false
	}
	if qf.DueTo != nil && (e.DueDate == nil || core.Date(*e.DueDate).After(core.Date(*qf.DueTo))) {
		return false
	}
	return true
}

// Summary aggregates the amounts of a set of entries.
type Summary struct {
	Count            int             `json:"count"`
	CountByStatus    map[Status]int  `json:"count_by_status"`
	OriginalAmount   decimal.Decimal `json:"original_amount"`
	DiscountAmount   decimal.Decimal `json:"discount_amount"`
	Amount           decimal.Decimal `json:"amount"`
	PaidAmount       decimal.Decimal `json:"paid_amount"`
	RemainingAmount  decimal.Decimal `json:"remaining_amount"`
	OverdueRemaining decimal.Decimal `json:"overdue_remaining"`
	Currency         string          `json:"currency"`
}

// Discrepancy is a broken invariant found while reconciling the ledger.
type Discrepancy struct {
	EntryID string `json:"entry_id"`
	Problem string `json:"problem"`
}
