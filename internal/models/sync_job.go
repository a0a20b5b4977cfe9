package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/provider-sync/internal/types"
)

// SyncJob records one tracked sync attempt for a connection. Many jobs exist
// per connection over time; a row is immutable once its status is terminal.
type SyncJob struct {
	ID           uuid.UUID         `json:"id" db:"id"`
	ConnectionID uuid.UUID         `json:"connectionId" db:"connection_id"`
	TenantID     uuid.UUID         `json:"tenantId" db:"tenant_id"`
	Trigger      types.SyncTrigger `json:"trigger" db:"trigger"`
	Status       types.JobStatus   `json:"status" db:"status"`
	Fetched      int               `json:"fetched" db:"fetched"`
	Processed    int               `json:"processed" db:"processed"`
	Imported     int               `json:"imported" db:"imported"`
	Skipped      int               `json:"skipped" db:"skipped"`
	Failed       int               `json:"failed" db:"failed"`
	ErrorMessage *string           `json:"errorMessage,omitempty" db:"error_message"`
	Warnings     []string          `json:"warnings,omitempty" db:"warnings"`
	StartedAt    time.Time         `json:"startedAt" db:"started_at"`
	CompletedAt  *time.Time        `json:"completedAt,omitempty" db:"completed_at"`
}

// Duration returns the job's wall time, or elapsed time for a running job
func (j *SyncJob) Duration() time.Duration {
	if j.CompletedAt != nil {
		return j.CompletedAt.Sub(j.StartedAt)
	}
	return time.Since(j.StartedAt)
}
