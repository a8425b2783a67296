// Package storage picks the repositories matching the configured database engine.
package storage

import (
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/trezcool/academia/core"
	"github.com/trezcool/academia/core/discount"
	"github.com/trezcool/academia/core/gateway"
	"github.com/trezcool/academia/core/ledger"
	"github.com/trezcool/academia/core/user"
	"github.com/trezcool/academia/storage/database"
	dummydb "github.com/trezcool/academia/storage/database/dummy"
	sqlxrepos "github.com/trezcool/academia/storage/database/sqlx"
)

// EngineMemory keeps everything in memory; data is lost on exit.
const EngineMemory = "memory"

type Repositories struct {
	Users     user.Repository
	Ledger    ledger.Repository
	Discounts discount.Repository
	Gateway   gateway.Repository

	// DB is nil with the in-memory engine.
	DB *sqlx.DB
}

func (r Repositories) Close() error {
	if r.DB == nil {
		return nil
	}
	return r.DB.Close()
}

// Open sets up the repositories. With a SQL engine the database is created and migrated first.
func Open(conf *core.Config) (Repositories, error) {
	if conf.Database.Engine == EngineMemory {
		db, err := dummydb.Open()
		if err != nil {
			return Repositories{}, errors.Wrap(err, "opening in-memory database")
		}
		return Repositories{
			Users:     dummydb.NewUserRepository(db),
			Ledger:    dummydb.NewLedgerRepository(db),
			Discounts: dummydb.NewDiscountRepository(db),
			Gateway:   dummydb.NewGatewayRepository(db),
		}, nil
	}

	if err := database.CreateIfNotExist(conf); err != nil {
		return Repositories{}, errors.Wrap(err, "creating database")
	}
	db, err := database.Open(conf)
	if err != nil {
		return Repositories{}, errors.Wrap(err, "opening database")
	}
	if err = database.Migrate(db.DB); err != nil {
		_ = db.Close()
		return Repositories{}, errors.Wrap(err, "migrating database")
	}
	return Repositories{
		Users:     sqlxrepos.NewUserRepository(db),
		Ledger:    sqlxrepos.NewLedgerRepository(db),
		Discounts: sqlxrepos.NewDiscountRepository(db),
		Gateway:   sqlxrepos.NewGatewayRepository(db),
		DB:        db,
	}, nil
}
