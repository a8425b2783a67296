package dummydb

import (
	"context"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/trezcool/academia/core"
	"github.com/trezcool/academia/core/ledger"
)

type ledgerRepository struct {
	db   *DB
	inTx bool
}

var _ ledger.Repository = (*ledgerRepository)(nil) // interface compliance check

func NewLedgerRepository(db *DB) ledger.Repository {
	return &ledgerRepository{db: db}
}

// InTx holds the writer lock while `fn` runs and restores the ledger tables if it fails.
func (repo *ledgerRepository) InTx(ctx context.Context, fn func(repo ledger.Repository) error) error {
	if repo.inTx {
		return fn(repo)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	repo.db.txMu.Lock()
	defer repo.db.txMu.Unlock()

	repo.db.mu.RLock()
	snap := repo.db.snapshotLedger()
	repo.db.mu.RUnlock()

	if err := fn(&ledgerRepository{db: repo.db, inTx: true}); err != nil {
		repo.db.mu.Lock()
		repo.db.restoreLedger(snap)
		repo.db.mu.Unlock()
		return err
	}
	return nil
}

// write runs `fn` under the write lock, taking the writer lock as well outside of InTx.
func (repo *ledgerRepository) write(fn func() error) error {
	if !repo.inTx {
		repo.db.txMu.Lock()
		defer repo.db.txMu.Unlock()
	}
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()
	return fn()
}

func (repo *ledgerRepository) CreateEntries(_ context.Context, entries ...ledger.Entry) error {
	if err := repo.db.fail("CreateEntries"); err != nil {
		return err
	}
	return repo.write(func() error {
		for _, e := range entries {
			if _, ok := repo.db.entries[e.ID]; ok {
				return errors.Errorf("duplicate entry id %s", e.ID)
			}
		}
		for _, e := range entries {
			repo.db.entries[e.ID] = e
			repo.db.entryIDs = append(repo.db.entryIDs, e.ID)
		}
		return nil
	})
}

func (repo *ledgerRepository) GetEntry(_ context.Context, id string) (ledger.Entry, error) {
	if err := repo.db.fail("GetEntry"); err != nil {
		return ledger.Entry{}, err
	}
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	if e, ok := repo.db.entries[id]; ok {
		return e, nil
	}
	return ledger.Entry{}, ledger.ErrEntryNotFound
}

// GetEntryForUpdate relies on the writer lock held by InTx.
func (repo *ledgerRepository) GetEntryForUpdate(ctx context.Context, id string) (ledger.Entry, error) {
	if err := repo.db.fail("GetEntryForUpdate"); err != nil {
		return ledger.Entry{}, err
	}
	return repo.GetEntry(ctx, id)
}

func (repo *ledgerRepository) UpdateEntry(_ context.Context, entry ledger.Entry) error {
	if err := repo.db.fail("UpdateEntry"); err != nil {
		return err
	}
	return repo.write(func() error {
		if _, ok := repo.db.entries[entry.ID]; !ok {
			return ledger.ErrEntryNotFound
		}
		repo.db.entries[entry.ID] = entry
		return nil
	})
}

func (repo *ledgerRepository) QueryEntries(_ context.Context, filter ledger.QueryFilter, ordering []core.DBOrdering) ([]ledger.Entry, error) {
	if err := repo.db.fail("QueryEntries"); err != nil {
		return nil, err
	}
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	entries := make([]ledger.Entry, 0)
	for _, id := range repo.db.entryIDs {
		if e := repo.db.entries[id]; filter.Match(e) {
			entries = append(entries, e)
		}
	}
	sortEntries(entries, ordering)
	return entries, nil
}

func (repo *ledgerRepository) InsertTransaction(_ context.Context, txn ledger.Transaction) error {
	if err := repo.db.fail("InsertTransaction"); err != nil {
		return err
	}
	return repo.write(func() error {
		if _, ok := repo.db.entries[txn.EntryID]; !ok {
			return ledger.ErrEntryNotFound
		}
		if txn.ExternalReference != "" {
			for _, t := range repo.db.transactions {
				if t.ExternalReference == txn.ExternalReference {
					return ledger.ErrDuplicateExternalReference
				}
			}
		}
		repo.db.transactions = append(repo.db.transactions, txn)
		return nil
	})
}

func (repo *ledgerRepository) QueryTransactions(_ context.Context, entryID string) ([]ledger.Transaction, error) {
	if err := repo.db.fail("QueryTransactions"); err != nil {
		return nil, err
	}
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	txns := make([]ledger.Transaction, 0)
	for _, t := range repo.db.transactions {
		if t.EntryID == entryID {
			txns = append(txns, t)
		}
	}
	return txns, nil
}

func (repo *ledgerRepository) GetTransactionByExternalReference(_ context.Context, ref string) (ledger.Transaction, error) {
	if err := repo.db.fail("GetTransactionByExternalReference"); err != nil {
		return ledger.Transaction{}, err
	}
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	if ref != "" {
		for _, t := range repo.db.transactions {
			if t.ExternalReference == ref {
				return t, nil
			}
		}
	}
	return ledger.Transaction{}, ledger.ErrTransactionNotFound
}

func (repo *ledgerRepository) SumTransactions(_ context.Context, entryID string) (decimal.Decimal, error) {
	if err := repo.db.fail("SumTransactions"); err != nil {
		return decimal.Zero, err
	}
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	total := decimal.Zero
	for _, t := range repo.db.transactions {
		if t.EntryID == entryID {
			total = total.Add(t.Amount)
		}
	}
	return total, nil
}

// sortEntries applies the known orderings; entries without a due date sort last.
// Defaults to creation order.
func sortEntries(entries []ledger.Entry, ordering []core.DBOrdering) {
	cmps := make([]func(a, b ledger.Entry) int, 0, len(ordering))
	for _, ord := range ordering {
		cmp := entryComparator(ord.Field)
		if cmp == nil {
			continue
		}
		if ord.Ascending {
			cmps = append(cmps, cmp)
		} else {
			cmps = append(cmps, func(a, b ledger.Entry) int { return -cmp(a, b) })
		}
	}
	if len(cmps) == 0 {
		cmps = append(cmps, entryComparator("created_at"), entryComparator("installment_number"))
	}

	sort.SliceStable(entries, func(i, j int) bool {
		for _, cmp := range cmps {
			if c := cmp(entries[i], entries[j]); c != 0 {
				return c < 0
			}
		}
		return false
	})
}

func entryComparator(field string) func(a, b ledger.Entry) int {
	switch field {
	case "created_at":
		return func(a, b ledger.Entry) int { return compareTime(a.CreatedAt.UnixNano(), b.CreatedAt.UnixNano()) }
	case "due_date":
		return func(a, b ledger.Entry) int {
			switch {
			case a.DueDate == nil && b.DueDate == nil:
				return 0
			case a.DueDate == nil:
				return 1
			case b.DueDate == nil:
				return -1
			}
			return compareTime(a.DueDate.UnixNano(), b.DueDate.UnixNano())
		}
	case "amount":
		return func(a, b ledger.Entry) int { return a.Amount.Cmp(b.Amount) }
	case "remaining_amount":
		return func(a, b ledger.Entry) int { return a.RemainingAmount.Cmp(b.RemainingAmount) }
	case "status":
		return func(a, b ledger.Entry) int { return strings.Compare(string(a.Status), string(b.Status)) }
	case "concept":
		return func(a, b ledger.Entry) int { return strings.Compare(strings.ToLower(a.Concept), strings.ToLower(b.Concept)) }
	case "installment_number":
		return func(a, b ledger.Entry) int { return a.InstallmentNumber - b.InstallmentNumber }
	}
	return nil
}

func compareTime(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
