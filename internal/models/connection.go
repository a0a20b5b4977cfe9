package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/provider-sync/internal/types"
)

// Connection represents a tenant's configured link to one provider.
// Connections are never hard-deleted; revocation is a status transition.
type Connection struct {
	ID                  uuid.UUID              `json:"id" db:"id"`
	TenantID            uuid.UUID              `json:"tenantId" db:"tenant_id"`
	Provider            types.ProviderName     `json:"provider" db:"provider"`
	Status              types.ConnectionStatus `json:"status" db:"status"`
	LastSuccessAt       *time.Time             `json:"lastSuccessAt,omitempty" db:"last_success_at"`
	ConsecutiveFailures int                    `json:"consecutiveFailures" db:"consecutive_failures"`
	HealthScore         int                    `json:"healthScore" db:"health_score"`
	CreatedAt           time.Time              `json:"createdAt" db:"created_at"`
	UpdatedAt           time.Time              `json:"updatedAt" db:"updated_at"`
}
