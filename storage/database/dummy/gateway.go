package dummydb

import (
	"context"

	"github.com/pkg/errors"

	"github.com/trezcool/academia/core/gateway"
)

type gatewayRepository struct {
	db *DB
}

var _ gateway.Repository = (*gatewayRepository)(nil) // interface compliance check

func NewGatewayRepository(db *DB) gateway.Repository {
	return &gatewayRepository{db: db}
}

func (repo *gatewayRepository) SaveCheckout(_ context.Context, rec gateway.CheckoutRecord) error {
	if err := repo.db.fail("SaveCheckout"); err != nil {
		return err
	}
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	if _, ok := repo.db.entries[rec.EntryID]; !ok {
		return errors.Errorf("checkout %s references unknown entry %s", rec.Reference, rec.EntryID)
	}
	if _, ok := repo.db.checkouts[rec.Reference]; ok {
		return errors.Errorf("duplicate checkout reference %s", rec.Reference)
	}
	repo.db.checkouts[rec.Reference] = rec
	return nil
}

func (repo *gatewayRepository) GetCheckout(_ context.Context, reference string) (gateway.CheckoutRecord, error) {
	if err := repo.db.fail("GetCheckout"); err != nil {
		return gateway.CheckoutRecord{}, err
	}
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	if rec, ok := repo.db.checkouts[reference]; ok {
		return rec, nil
	}
	return gateway.CheckoutRecord{}, gateway.ErrNotFound
}

func (repo *gatewayRepository) GetDetails(_ context.Context, entryID string) (gateway.Details, error) {
	if err := repo.db.fail("GetDetails"); err != nil {
		return gateway.Details{}, err
	}
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	if d, ok := repo.db.details[entryID]; ok {
		return d, nil
	}
	return gateway.Details{}, gateway.ErrNotFound
}

func (repo *gatewayRepository) SaveDetails(_ context.Context, d gateway.Details) error {
	if err := repo.db.fail("SaveDetails"); err != nil {
		return err
	}
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	repo.db.details[d.EntryID] = d
	return nil
}
