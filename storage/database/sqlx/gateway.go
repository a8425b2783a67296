package sqlxrepos

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/academia/core/gateway"
)

type checkoutRow struct {
	Reference     string    `db:"reference"`
	EntryID       string    `db:"entry_id"`
	AmountInCents int64     `db:"amount_in_cents"`
	Currency      string    `db:"currency"`
	CreatedAt     time.Time `db:"created_at"`
}

type detailsRow struct {
	EntryID        string      `db:"entry_id"`
	Reference      string      `db:"reference"`
	TransactionID  null.String `db:"transaction_id"`
	CardToken      null.String `db:"card_token"`
	CardBrand      null.String `db:"card_brand"`
	CardLastFour   null.String `db:"card_last_four"`
	NextChargeDate null.Time   `db:"next_charge_date"`
	FailedAttempts int         `db:"failed_attempts"`
	UpdatedAt      time.Time   `db:"updated_at"`
}

func (r detailsRow) toDetails() gateway.Details {
	return gateway.Details{
		EntryID:        r.EntryID,
		Reference:      r.Reference,
		TransactionID:  r.TransactionID.String,
		CardToken:      r.CardToken.String,
		CardBrand:      r.CardBrand.String,
		CardLastFour:   r.CardLastFour.String,
		NextChargeDate: utcPtr(r.NextChargeDate),
		FailedAttempts: r.FailedAttempts,
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
}

type gatewayRepository struct {
	db *sqlx.DB
}

var _ gateway.Repository = (*gatewayRepository)(nil) // interface compliance check

func NewGatewayRepository(db *sqlx.DB) gateway.Repository {
	return &gatewayRepository{db: db}
}

func (repo *gatewayRepository) SaveCheckout(ctx context.Context, rec gateway.CheckoutRecord) error {
	_, err := repo.db.NamedExecContext(ctx, `
		INSERT INTO gateway_checkouts (reference, entry_id, amount_in_cents, currency, created_at)
		VALUES (:reference, :entry_id, :amount_in_cents, :currency, :created_at)`,
		checkoutRow{
			Reference:     rec.Reference,
			EntryID:       rec.EntryID,
			AmountInCents: rec.AmountInCents,
			Currency:      rec.Currency,
			CreatedAt:     rec.CreatedAt.UTC(),
		},
	)
	return errors.Wrap(err, "inserting checkout")
}

func (repo *gatewayRepository) GetCheckout(ctx context.Context, reference string) (gateway.CheckoutRecord, error) {
	var row checkoutRow
	err := repo.db.GetContext(
		ctx, &row,
		"SELECT reference, entry_id, amount_in_cents, currency, created_at FROM gateway_checkouts WHERE reference = $1",
		reference,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return gateway.CheckoutRecord{}, gateway.ErrNotFound
		}
		return gateway.CheckoutRecord{}, errors.Wrap(err, "finding checkout")
	}
	return gateway.CheckoutRecord{
		Reference:     row.Reference,
		EntryID:       row.EntryID,
		AmountInCents: row.AmountInCents,
		Currency:      row.Currency,
		CreatedAt:     row.CreatedAt.UTC(),
	}, nil
}

func (repo *gatewayRepository) GetDetails(ctx context.Context, entryID string) (gateway.Details, error) {
	if !validUUID(entryID) {
		return gateway.Details{}, gateway.ErrNotFound
	}
	var row detailsRow
	err := repo.db.GetContext(ctx, &row, `
		SELECT entry_id, reference, transaction_id, card_token, card_brand, card_last_four,
			next_charge_date, failed_attempts, updated_at
		FROM gateway_details WHERE entry_id = $1`,
		entryID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return gateway.Details{}, gateway.ErrNotFound
		}
		return gateway.Details{}, errors.Wrap(err, "finding gateway details")
	}
	return row.toDetails(), nil
}

func (repo *gatewayRepository) SaveDetails(ctx context.Context, d gateway.Details) error {
	_, err := repo.db.NamedExecContext(ctx, `
		INSERT INTO gateway_details (
			entry_id, reference, transaction_id, card_token, card_brand, card_last_four,
			next_charge_date, failed_attempts, updated_at
		) VALUES (
			:entry_id, :reference, :transaction_id, :card_token, :card_brand, :card_last_four,
			:next_charge_date, :failed_attempts, :updated_at
		)
		ON CONFLICT (entry_id) DO UPDATE SET
			reference = EXCLUDED.reference,
			transaction_id = EXCLUDED.transaction_id,
			card_token = EXCLUDED.card_token,
			card_brand = EXCLUDED.card_brand,
			card_last_four = EXCLUDED.card_last_four,
			next_charge_date = EXCLUDED.next_charge_date,
			failed_attempts = EXCLUDED.failed_attempts,
			updated_at = EXCLUDED.updated_at`,
		detailsRow{
			EntryID:        d.EntryID,
			Reference:      d.Reference,
			TransactionID:  null.NewString(d.TransactionID, d.TransactionID != ""),
			CardToken:      null.NewString(d.CardToken, d.CardToken != ""),
			CardBrand:      null.NewString(d.CardBrand, d.CardBrand != ""),
			CardLastFour:   null.NewString(d.CardLastFour, d.CardLastFour != ""),
			NextChargeDate: null.TimeFromPtr(d.NextChargeDate),
			FailedAttempts: d.FailedAttempts,
			UpdatedAt:      d.UpdatedAt.UTC(),
		},
	)
	return errors.Wrap(err, "saving gateway details")
}
