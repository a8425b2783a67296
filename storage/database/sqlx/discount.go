package sqlxrepos

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/trezcool/academia/core/discount"
)

type ruleRow struct {
	MinStudents int             `db:"min_students"`
	Percentage  decimal.Decimal `db:"percentage"`
	UpdatedAt   time.Time       `db:"updated_at"`
}

func (r ruleRow) toRule() discount.Rule {
	return discount.Rule{MinStudents: r.MinStudents, Percentage: r.Percentage, UpdatedAt: r.UpdatedAt.UTC()}
}

type discountRepository struct {
	db *sqlx.DB
}

var _ discount.Repository = (*discountRepository)(nil) // interface compliance check

func NewDiscountRepository(db *sqlx.DB) discount.Repository {
	return &discountRepository{db: db}
}

func (repo *discountRepository) GetRule(ctx context.Context) (discount.Rule, error) {
	var row ruleRow
	err := repo.db.GetContext(ctx, &row, "SELECT min_students, percentage, updated_at FROM discount_rules WHERE id = 1")
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return discount.Rule{}, discount.ErrNotFound
		}
		return discount.Rule{}, errors.Wrap(err, "finding discount rule")
	}
	return row.toRule(), nil
}

func (repo *discountRepository) SaveRule(ctx context.Context, rule discount.Rule) (discount.Rule, error) {
	var row ruleRow
	err := repo.db.GetContext(ctx, &row, `
		INSERT INTO discount_rules (id, min_students, percentage, updated_at)
		VALUES (1, $1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			min_students = EXCLUDED.min_students,
			percentage = EXCLUDED.percentage,
			updated_at = EXCLUDED.updated_at
		RETURNING min_students, percentage, updated_at`,
		rule.MinStudents, rule.Percentage, rule.UpdatedAt.UTC(),
	)
	if err != nil {
		return discount.Rule{}, errors.Wrap(err, "saving discount rule")
	}
	return row.toRule(), nil
}
