package gateway

import (
	"encoding/json"
	"time"
)

// Outcome is the result of handling a gateway event.
type Outcome string

const (
	OutcomeRecorded  Outcome = "recorded"  // a transaction was recorded
	OutcomeDuplicate Outcome = "duplicate" // the gateway transaction had already been recorded
	OutcomeDeclined  Outcome = "declined"  // the payment was declined or failed
	OutcomeIgnored   Outcome = "ignored"   // nothing to do
	OutcomeRejected  Outcome = "rejected"  // the ledger refused the payment
	OutcomeInFlight  Outcome = "in_flight" // the same gateway transaction is being handled elsewhere
)

// Gateway transaction statuses.
const (
	StatusApproved = "APPROVED"
	StatusDeclined = "DECLINED"
	StatusVoided   = "VOIDED"
	StatusError    = "ERROR"
	StatusPending  = "PENDING"

	EventTransactionUpdated = "transaction.updated"
)

// Checkout holds the data the payment widget needs to charge the remaining amount of an entry.
type Checkout struct {
	EntryID       string `json:"entry_id"`
	PublicKey     string `json:"public_key"`
	Reference     string `json:"reference"`
	AmountInCents int64  `json:"amount_in_cents"`
	Currency      string `json:"currency"`
	Signature     string `json:"signature"`
	RedirectURL   string `json:"redirect_url"`
	URL           string `json:"url"`
}

// CheckoutRecord maps a checkout reference back to its entry.
type CheckoutRecord struct {
	Reference     string
	EntryID       string
	AmountInCents int64
	Currency      string
	CreatedAt     time.Time
}

// Details is the gateway state kept per entry. The ledger never reads it.
type Details struct {
	EntryID        string     `json:"entry_id"`
	Reference      string     `json:"reference"`
	TransactionID  string     `json:"transaction_id,omitempty"`
	CardToken      string     `json:"-"`
	CardBrand      string     `json:"card_brand,omitempty"`
	CardLastFour   string     `json:"card_last_four,omitempty"`
	NextChargeDate *time.Time `json:"next_charge_date,omitempty"`
	FailedAttempts int        `json:"failed_attempts"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Event is a notification sent by the gateway.
type Event struct {
	Event       string          `json:"event"`
	Data        json.RawMessage `json:"data"`
	Environment string          `json:"environment"`
	Signature   EventSignature  `json:"signature"`
	Timestamp   int64           `json:"timestamp"`
	SentAt      time.Time       `json:"sent_at"`
}

type EventSignature struct {
	Properties []string `json:"properties"`
	Checksum   string   `json:"checksum"`
}

type EventData struct {
	Transaction EventTransaction `json:"transaction"`
}

type EventTransaction struct {
	ID                string        `json:"id"`
	AmountInCents     int64         `json:"amount_in_cents"`
	Reference         string        `json:"reference"`
	Currency          string        `json:"currency"`
	Status            string        `json:"status"`
	PaymentMethodType string        `json:"payment_method_type"`
	PaymentSourceID   json.Number   `json:"payment_source_id"`
	PaymentMethod     PaymentMethod `json:"payment_method"`
	CreatedAt         time.Time     `json:"created_at"`
	FinalizedAt       *time.Time    `json:"finalized_at"`
}

type PaymentMethod struct {
	Type  string `json:"type"`
	Extra struct {
		Brand    string `json:"brand"`
		LastFour string `json:"last_four"`
	} `json:"extra"`
}
