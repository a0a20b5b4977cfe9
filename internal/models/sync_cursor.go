package models

import (
	"time"

	"github.com/google/uuid"
)

// SyncCursor marks how far a connection's incremental sync has progressed.
// LastSyncedAt is monotonically non-decreasing and only advances after a
// fully successful sync attempt.
type SyncCursor struct {
	ConnectionID         uuid.UUID `json:"connectionId" db:"connection_id"`
	LastSyncedAt         time.Time `json:"lastSyncedAt" db:"last_synced_at"`
	PageToken            *string   `json:"pageToken,omitempty" db:"page_token"`
	AccountsSynced       int64     `json:"accountsSynced" db:"accounts_synced"`
	TransactionsAdded    int64     `json:"transactionsAdded" db:"transactions_added"`
	TransactionsModified int64     `json:"transactionsModified" db:"transactions_modified"`
	TransactionsRemoved  int64     `json:"transactionsRemoved" db:"transactions_removed"`
	UpdatedAt            time.Time `json:"updatedAt" db:"updated_at"`
}
