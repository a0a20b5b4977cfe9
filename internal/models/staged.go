package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// StagedAccount holds the verbatim provider payload for one account, plus
// the scalar fields used for change detection. Rows are appended or updated,
// never deleted.
type StagedAccount struct {
	ID              int64           `json:"id" db:"id"`
	ConnectionID    uuid.UUID       `json:"connectionId" db:"connection_id"`
	NativeID        string          `json:"nativeId" db:"native_id"`
	DisplayName     string          `json:"displayName" db:"display_name"`
	Currency        string          `json:"currency" db:"currency"`
	Balance         decimal.Decimal `json:"balance" db:"balance"`
	Status          string          `json:"status" db:"status"`
	Payload         json.RawMessage `json:"payload,omitempty" db:"payload"`
	FirstSeenAt     time.Time       `json:"firstSeenAt" db:"first_seen_at"`
	LastSeenAt      time.Time       `json:"lastSeenAt" db:"last_seen_at"`
	MarkedRemovedAt *time.Time      `json:"markedRemovedAt,omitempty" db:"marked_removed_at"`
}

// StagedTransaction holds the verbatim provider payload for one transaction.
// DescriptionHash stands in for the full description during change detection.
type StagedTransaction struct {
	ID               int64           `json:"id" db:"id"`
	ConnectionID     uuid.UUID       `json:"connectionId" db:"connection_id"`
	NativeID         string          `json:"nativeId" db:"native_id"`
	AccountNativeID  string          `json:"accountNativeId" db:"account_native_id"`
	Amount           decimal.Decimal `json:"amount" db:"amount"`
	Currency         string          `json:"currency" db:"currency"`
	BookedDate       time.Time       `json:"bookedDate" db:"booked_date"`
	ValueDate        *time.Time      `json:"valueDate,omitempty" db:"value_date"`
	Description      string          `json:"description" db:"description"`
	DescriptionHash  string          `json:"descriptionHash" db:"description_hash"`
	CounterpartyName string          `json:"counterpartyName,omitempty" db:"counterparty_name"`
	Status           string          `json:"status,omitempty" db:"status"`
	Category         string          `json:"category,omitempty" db:"category"`
	Payload          json.RawMessage `json:"payload,omitempty" db:"payload"`
	FirstSeenAt      time.Time       `json:"firstSeenAt" db:"first_seen_at"`
	LastSeenAt       time.Time       `json:"lastSeenAt" db:"last_seen_at"`
	MarkedRemovedAt  *time.Time      `json:"markedRemovedAt,omitempty" db:"marked_removed_at"`
}

// AccountDiff classifies a staged batch of accounts against prior state
type AccountDiff struct {
	Added          []*StagedAccount `json:"added"`
	Modified       []*StagedAccount `json:"modified"`
	Removed        []*StagedAccount `json:"removed"`
	UnchangedCount int              `json:"unchangedCount"`
}

// TransactionDiff classifies a staged batch of transactions against prior state
type TransactionDiff struct {
	Added          []*StagedTransaction `json:"added"`
	Modified       []*StagedTransaction `json:"modified"`
	Removed        []*StagedTransaction `json:"removed"`
	UnchangedCount int                  `json:"unchangedCount"`
}

// Total returns the number of records classified in the diff
func (d *TransactionDiff) Total() int {
	return len(d.Added) + len(d.Modified) + len(d.Removed) + d.UnchangedCount
}
