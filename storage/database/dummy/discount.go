package dummydb

import (
	"context"

	"github.com/trezcool/academia/core/discount"
)

type discountRepository struct {
	db *DB
}

var _ discount.Repository = (*discountRepository)(nil) // interface compliance check

func NewDiscountRepository(db *DB) discount.Repository {
	return &discountRepository{db: db}
}

func (repo *discountRepository) GetRule(_ context.Context) (discount.Rule, error) {
	if err := repo.db.fail("GetRule"); err != nil {
		return discount.Rule{}, err
	}
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	if repo.db.discountRule == nil {
		return discount.Rule{}, discount.ErrNotFound
	}
	return *repo.db.discountRule, nil
}

func (repo *discountRepository) SaveRule(_ context.Context, rule discount.Rule) (discount.Rule, error) {
	if err := repo.db.fail("SaveRule"); err != nil {
		return discount.Rule{}, err
	}
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	repo.db.discountRule = &rule
	return rule, nil
}
