// Package types provides common type definitions shared across the sync engine.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ProviderName identifies an external banking data provider
type ProviderName string

const (
	// ProviderSaltEdge represents the Salt Edge aggregation API
	ProviderSaltEdge ProviderName = "saltedge"
	// ProviderBunq represents the bunq bank API
	ProviderBunq ProviderName = "bunq"
	// ProviderMock represents the in-memory test provider
	ProviderMock ProviderName = "mock"
)

// ConnectionStatus represents the lifecycle status of a provider connection
type ConnectionStatus string

const (
	// ConnectionPending represents a connection awaiting authorization
	ConnectionPending ConnectionStatus = "pending"
	// ConnectionActive represents a connection with valid credentials
	ConnectionActive ConnectionStatus = "active"
	// ConnectionError represents a connection requiring user reconnection
	ConnectionError ConnectionStatus = "error"
	// ConnectionRevoked represents a soft-deleted connection
	ConnectionRevoked ConnectionStatus = "revoked"
)

// JobStatus represents the status of a sync job
type JobStatus string

const (
	// JobRunning represents a sync attempt currently in progress
	JobRunning JobStatus = "running"
	// JobCompleted represents a fully successful sync attempt
	JobCompleted JobStatus = "completed"
	// JobFailed represents a failed sync attempt
	JobFailed JobStatus = "failed"
	// JobPartial represents a successful sync attempt that produced warnings
	JobPartial JobStatus = "partial"
)

// IsTerminal reports whether the job status is final
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobPartial
}

// SyncTrigger identifies what initiated a sync attempt
type SyncTrigger string

const (
	// TriggerManual represents a user-initiated "sync now"
	TriggerManual SyncTrigger = "manual"
	// TriggerScheduled represents the background auto-sync scheduler
	TriggerScheduled SyncTrigger = "scheduled"
	// TriggerInitial represents the first sync after authorization
	TriggerInitial SyncTrigger = "initial"
)

// TokenSet represents OAuth tokens returned by a provider
type TokenSet struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	TokenType    string    `json:"tokenType"`
	ExpiresAt    time.Time `json:"expiresAt"`
	Scopes       []string  `json:"scopes,omitempty"`
	Subject      string    `json:"subject,omitempty"` // provider-side subject identifier
}

// RawAccount is the shared intermediate representation of a provider account.
// Payload preserves the provider's verbatim response for staging.
type RawAccount struct {
	NativeID    string          `json:"nativeId"`
	DisplayName string          `json:"displayName"`
	Currency    string          `json:"currency"`
	Balance     decimal.Decimal `json:"balance"`
	Status      string          `json:"status"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// RawTransaction is the shared intermediate representation of a provider transaction
type RawTransaction struct {
	NativeID         string          `json:"nativeId"`
	AccountNativeID  string          `json:"accountNativeId"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	BookedDate       time.Time       `json:"bookedDate"`
	ValueDate        *time.Time      `json:"valueDate,omitempty"`
	Description      string          `json:"description"`
	CounterpartyName string          `json:"counterpartyName,omitempty"`
	Status           string          `json:"status,omitempty"`
	Category         string          `json:"category,omitempty"`
	Payload          json.RawMessage `json:"payload,omitempty"`
}

// DescriptionHash returns the matching hash for the transaction description.
// Staged rows store the hash instead of comparing full descriptions.
func (t *RawTransaction) DescriptionHash() string {
	return HashDescription(t.Description)
}

// HashDescription computes the normalized description hash used for change detection
func HashDescription(description string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(description), " "))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// FetchWindow bounds an incremental transaction fetch
type FetchWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Covers reports whether the window's date range fully covers the given booked
// date. Removal of a staged record is only inferred when its booked date is
// covered; a record outside the window is merely unfetched, not removed.
func (w FetchWindow) Covers(bookedDate time.Time) bool {
	if w.Start.IsZero() && w.End.IsZero() {
		return true
	}
	if !w.Start.IsZero() && bookedDate.Before(w.Start) {
		return false
	}
	if !w.End.IsZero() && bookedDate.After(w.End) {
		return false
	}
	return true
}

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
