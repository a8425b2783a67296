// Package discount evaluates the group discount applied to new ledger entries.
package discount

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/trezcool/academia/core"
)

var (
	ErrNegativeGroupSize  = errors.New("group size cannot be negative")
	ErrInvalidMinStudents = errors.New("minimum number of students must be at least 1")
	ErrInvalidPercentage  = errors.New("percentage must be between 0 (included) and 100 (excluded)")

	// ErrNotFound is returned by repositories when no rule has been saved yet.
	ErrNotFound = errors.New("discount rule not found")

	hundred = decimal.NewFromInt(100)
)

// Rule is the singleton group discount rule: groups of at least MinStudents get Percentage off.
type Rule struct {
	MinStudents int             `json:"min_students"`
	Percentage  decimal.Decimal `json:"percentage"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func (r Rule) Validate() error {
	if r.MinStudents < 1 {
		return core.NewValidationError(
			ErrInvalidMinStudents,
			core.FieldError{Field: "min_students", Error: ErrInvalidMinStudents.Error()},
		)
	}
	if r.Percentage.IsNegative() || r.Percentage.GreaterThanOrEqual(hundred) {
		return core.NewValidationError(
			ErrInvalidPercentage,
			core.FieldError{Field: "percentage", Error: ErrInvalidPercentage.Error()},
		)
	}
	return nil
}

// Evaluate returns the discount percentage that applies to a group of `groupSize` students.
func Evaluate(groupSize int, rule Rule) (decimal.Decimal, error) {
	if groupSize < 0 {
		return decimal.Zero, core.NewValidationError(
			ErrNegativeGroupSize,
			core.FieldError{Field: "group_size", Error: ErrNegativeGroupSize.Error()},
		)
	}
	if groupSize >= rule.MinStudents {
		return rule.Percentage, nil
	}
	return decimal.Zero, nil
}

type Repository interface {
	GetRule(ctx context.Context) (Rule, error)
	SaveRule(ctx context.Context, rule Rule) (Rule, error)
}

// Service loads and updates the persisted rule.
// When no rule has been saved, the configured default applies.
type Service struct {
	repo        Repository
	defaultRule Rule
}

func NewService(repo Repository, conf *core.Config) *Service {
	return &Service{
		repo: repo,
		defaultRule: Rule{
			MinStudents: conf.Ledger.DiscountMinStudents,
			Percentage:  conf.Ledger.DiscountPercentage,
		},
	}
}

func (svc *Service) Get(ctx context.Context) (Rule, error) {
	rule, err := svc.repo.GetRule(ctx)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return svc.defaultRule, nil
		}
		return Rule{}, core.NewPersistenceError(err)
	}
	return rule, nil
}

func (svc *Service) Update(ctx context.Context, rule Rule) (Rule, error) {
	if err := rule.Validate(); err != nil {
		return Rule{}, err
	}
	rule.UpdatedAt = time.Now().UTC()
	saved, err := svc.repo.SaveRule(ctx, rule)
	if err != nil {
		return Rule{}, core.NewPersistenceError(err)
	}
	return saved, nil
}
