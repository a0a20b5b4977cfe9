// Package errors defines the sync error taxonomy shared by the provider
// adapters, vault, and orchestrator.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Kind represents the classification of a sync error
type Kind string

const (
	// KindCredentialExpired means the stored credential cannot be refreshed;
	// the connection requires an external reconnect
	KindCredentialExpired Kind = "credential_expired"
	// KindAuth means the provider rejected the access token; one refresh-and-retry is allowed
	KindAuth Kind = "auth"
	// KindRateLimited means the provider throttled the request; retry with backoff
	KindRateLimited Kind = "rate_limited"
	// KindProviderFatal means the provider returned something unusable; abort this attempt
	KindProviderFatal Kind = "provider_fatal"
	// KindStorage represents a database failure
	KindStorage Kind = "storage"
	// KindTimeout means a pipeline stage exceeded its deadline
	KindTimeout Kind = "timeout"
)

// ErrAlreadyInProgress signals that a sync is already running for the
// connection. It is an expected outcome under concurrent triggers, not a
// failure.
var ErrAlreadyInProgress = errors.New("sync already in progress for connection")

// SyncError carries the classified cause of a failed sync operation
type SyncError struct {
	Kind       Kind
	Provider   string
	Message    string
	RetryAfter time.Duration // only set for KindRateLimited
	Cause      error
}

func (e *SyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause
func (e *SyncError) Unwrap() error {
	return e.Cause
}

// NewCredentialExpiredError creates a terminal credential error.
// The connection transitions to error status and needs a reconnect.
func NewCredentialExpiredError(provider string, cause error) *SyncError {
	return &SyncError{
		Kind:     KindCredentialExpired,
		Provider: provider,
		Message:  "credential expired and no refresh token available",
		Cause:    cause,
	}
}

// NewAuthError creates a transient authentication error
func NewAuthError(provider string, cause error) *SyncError {
	return &SyncError{
		Kind:     KindAuth,
		Provider: provider,
		Message:  "provider rejected access token",
		Cause:    cause,
	}
}

// NewRateLimitedError creates a provider rate limit error
func NewRateLimitedError(provider string, retryAfter time.Duration, cause error) *SyncError {
	return &SyncError{
		Kind:       KindRateLimited,
		Provider:   provider,
		Message:    "provider rate limit exceeded",
		RetryAfter: retryAfter,
		Cause:      cause,
	}
}

// NewProviderFatalError creates a non-retryable provider error
func NewProviderFatalError(provider string, message string, cause error) *SyncError {
	return &SyncError{
		Kind:     KindProviderFatal,
		Provider: provider,
		Message:  message,
		Cause:    cause,
	}
}

// NewStorageError creates a database error
func NewStorageError(operation string, cause error) *SyncError {
	return &SyncError{
		Kind:    KindStorage,
		Message: fmt.Sprintf("storage error during %s", operation),
		Cause:   cause,
	}
}

// NewTimeoutError creates a stage deadline error
func NewTimeoutError(stage string, cause error) *SyncError {
	return &SyncError{
		Kind:    KindTimeout,
		Message: fmt.Sprintf("stage %s exceeded its deadline", stage),
		Cause:   cause,
	}
}

// KindOf extracts the Kind from an error chain.
// Returns an empty Kind for unclassified errors.
func KindOf(err error) Kind {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Kind
	}
	return ""
}

// IsCredentialExpired reports whether the error chain contains a terminal credential error
func IsCredentialExpired(err error) bool {
	return KindOf(err) == KindCredentialExpired
}

// IsAuth reports whether the error chain contains a transient auth error
func IsAuth(err error) bool {
	return KindOf(err) == KindAuth
}

// IsRateLimited reports whether the error chain contains a rate limit error
func IsRateLimited(err error) bool {
	return KindOf(err) == KindRateLimited
}

// IsProviderFatal reports whether the error chain contains a fatal provider error
func IsProviderFatal(err error) bool {
	return KindOf(err) == KindProviderFatal
}

// IsRetryable reports whether the orchestrator may retry the failed operation
// within the same sync attempt
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindAuth:
		return true
	default:
		return false
	}
}

// RetryAfterOf returns the provider-supplied backoff hint, if any
func RetryAfterOf(err error) time.Duration {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.RetryAfter
	}
	return 0
}

// FieldConflictWarning records a protected-field conflict detected during
// reconciliation. It is not an error: the job completes as partial and the
// canonical value is left untouched.
type FieldConflictWarning struct {
	NativeID string `json:"nativeId"`
	Field    string `json:"field"`
	Existing string `json:"existing"`
	Incoming string `json:"incoming"`
}

func (w FieldConflictWarning) String() string {
	return fmt.Sprintf("field conflict on %s.%s: canonical=%s provider=%s", w.NativeID, w.Field, w.Existing, w.Incoming)
}
