package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/provider-sync/internal/models"
	"github.com/provider-sync/internal/types"
)

// createConnectionRequest is the body for POST /api/connections
type createConnectionRequest struct {
	Provider string `json:"provider"`
}

// handleCreateConnection registers a pending connection for the tenant. The
// connection activates once the OAuth flow completes through the authorize
// endpoint.
func (s *Server) handleCreateConnection(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFromRequest(r)
	if !ok {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "missing or invalid X-Tenant-ID header", nil)
		return
	}

	var req createConnectionRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "invalid request body: "+err.Error(), nil)
		return
	}

	providerName := types.ProviderName(req.Provider)
	if _, err := s.registry.Get(providerName); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "unknown provider: "+req.Provider, map[string]interface{}{
			"supported": s.registry.Names(),
		})
		return
	}

	conn := &models.Connection{
		ID:          uuid.New(),
		TenantID:    tenantID,
		Provider:    providerName,
		Status:      types.ConnectionPending,
		HealthScore: 100,
	}
	if err := s.connections.Create(r.Context(), conn); err != nil {
		respondSyncError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, conn)
}

// handleListConnections returns all connections for the tenant
func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFromRequest(r)
	if !ok {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "missing or invalid X-Tenant-ID header", nil)
		return
	}

	conns, err := s.connections.ListByTenant(r.Context(), tenantID)
	if err != nil {
		respondSyncError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"connections": conns,
		"count":       len(conns),
	})
}

// connectionView is the detail payload: the connection row plus its most
// recent sync job.
type connectionView struct {
	*models.Connection
	LatestJob *models.SyncJob `json:"latestJob,omitempty"`
}

// handleGetConnection returns one connection with health and latest job
func (s *Server) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	tenantID, connectionID, ok := s.scopeFromRequest(w, r)
	if !ok {
		return
	}

	conn, err := s.connections.GetByID(r.Context(), tenantID, connectionID)
	if err != nil {
		respondSyncError(w, err)
		return
	}

	view := connectionView{Connection: conn}
	if job, err := s.jobs.GetLatest(r.Context(), tenantID, connectionID); err == nil {
		view.LatestJob = job
	}

	respondJSON(w, http.StatusOK, view)
}

// handleStagingCounts returns staged record totals for one connection
func (s *Server) handleStagingCounts(w http.ResponseWriter, r *http.Request) {
	tenantID, connectionID, ok := s.scopeFromRequest(w, r)
	if !ok {
		return
	}

	// tenant scoping happens here; staged rows are keyed by connection only
	if _, err := s.connections.GetByID(r.Context(), tenantID, connectionID); err != nil {
		respondSyncError(w, err)
		return
	}

	counts, err := s.staging.Counts(r.Context(), connectionID)
	if err != nil {
		respondSyncError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, counts)
}

// scopeFromRequest extracts the tenant header and the {id} path variable,
// writing the error response itself when either is invalid.
func (s *Server) scopeFromRequest(w http.ResponseWriter, r *http.Request) (tenantID, connectionID uuid.UUID, ok bool) {
	tenantID, ok = tenantFromRequest(r)
	if !ok {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "missing or invalid X-Tenant-ID header", nil)
		return uuid.Nil, uuid.Nil, false
	}

	connectionID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "invalid connection id", nil)
		return uuid.Nil, uuid.Nil, false
	}

	return tenantID, connectionID, true
}
