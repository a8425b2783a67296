// Package dummydb is an in-memory implementation of the repositories, used by tests and local runs
// without PostgreSQL.
package dummydb

import (
	"sync"

	"github.com/trezcool/academia/core/discount"
	"github.com/trezcool/academia/core/gateway"
	"github.com/trezcool/academia/core/ledger"
	"github.com/trezcool/academia/core/user"
)

type (
	DB struct {
		// txMu serializes the writers of the ledger tables (the equivalent of row locks)
		txMu sync.Mutex
		mu   sync.RWMutex

		users        map[string]user.User
		entries      map[string]ledger.Entry
		entryIDs     []string // insertion order
		transactions []ledger.Transaction
		discountRule *discount.Rule
		checkouts    map[string]gateway.CheckoutRecord
		details      map[string]gateway.Details

		failMu   sync.Mutex
		failures map[string]error // {repository method: error}
	}

	ledgerSnapshot struct {
		entries      map[string]ledger.Entry
		entryIDs     []string
		transactions []ledger.Transaction
	}
)

func Open() (*DB, error) {
	db := &DB{
		users:     make(map[string]user.User),
		entries:   make(map[string]ledger.Entry),
		checkouts: make(map[string]gateway.CheckoutRecord),
		details:   make(map[string]gateway.Details),
		failures:  make(map[string]error),
	}
	return db, nil
}

// InjectFailure makes the next call to the repository method `op` (e.g. "UpdateEntry") return `err`.
func (db *DB) InjectFailure(op string, err error) {
	db.failMu.Lock()
	defer db.failMu.Unlock()
	db.failures[op] = err
}

func (db *DB) fail(op string) error {
	db.failMu.Lock()
	defer db.failMu.Unlock()

	err, ok := db.failures[op]
	if !ok {
		return nil
	}
	delete(db.failures, op)
	return err
}

// must be called with db.mu held
func (db *DB) snapshotLedger() ledgerSnapshot {
	snap := ledgerSnapshot{
		entries:      make(map[string]ledger.Entry, len(db.entries)),
		entryIDs:     append([]string(nil), db.entryIDs...),
		transactions: append([]ledger.Transaction(nil), db.transactions...),
	}
	for id, e := range db.entries {
		snap.entries[id] = e
	}
	return snap
}

// must be called with db.mu held
func (db *DB) restoreLedger(snap ledgerSnapshot) {
	db.entries = snap.entries
	db.entryIDs = snap.entryIDs
	db.transactions = snap.transactions
}
