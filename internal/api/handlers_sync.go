package api

import (
	"net/http"
	"strconv"
	"time"

	syncengine "github.com/provider-sync/internal/sync"
	"github.com/provider-sync/internal/types"
)

// triggerSyncRequest is the optional body for POST /api/connections/{id}/sync.
// An empty body syncs accounts and transactions over the incremental window.
type triggerSyncRequest struct {
	SyncAccounts     *bool      `json:"syncAccounts,omitempty"`
	SyncTransactions *bool      `json:"syncTransactions,omitempty"`
	DateRangeStart   *time.Time `json:"dateRangeStart,omitempty"`
	DateRangeEnd     *time.Time `json:"dateRangeEnd,omitempty"`
}

// handleTriggerSync runs a sync for the connection and returns its summary.
// The sync runs inline; an overlapping trigger gets 409 immediately.
func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	tenantID, connectionID, ok := s.scopeFromRequest(w, r)
	if !ok {
		return
	}

	opts := syncengine.DefaultOptions()
	if r.ContentLength > 0 {
		var req triggerSyncRequest
		if err := parseJSONBody(r, &req); err != nil {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "invalid request body: "+err.Error(), nil)
			return
		}
		if req.SyncAccounts != nil {
			opts.SyncAccounts = *req.SyncAccounts
		}
		if req.SyncTransactions != nil {
			opts.SyncTransactions = *req.SyncTransactions
		}
		if req.DateRangeStart != nil {
			opts.DateRangeStart = *req.DateRangeStart
		}
		if req.DateRangeEnd != nil {
			opts.DateRangeEnd = *req.DateRangeEnd
		}
	}

	summary, err := s.syncer.RunSync(r.Context(), tenantID, connectionID, opts)
	if err != nil {
		respondSyncError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, summary)
}

// authorizeRequest is the body for POST /api/connections/{id}/authorize
type authorizeRequest struct {
	Code string `json:"code"`
}

// handleAuthorize completes the OAuth flow: exchanges the authorization code,
// seeds the credential vault, activates the connection and queues the initial
// sync. The code value is never logged.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	tenantID, connectionID, ok := s.scopeFromRequest(w, r)
	if !ok {
		return
	}

	var req authorizeRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "invalid request body: "+err.Error(), nil)
		return
	}
	if req.Code == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "authorization code is required", nil)
		return
	}

	if err := s.syncer.CompleteAuthorization(r.Context(), tenantID, connectionID, req.Code); err != nil {
		respondSyncError(w, err)
		return
	}

	// initial sync runs in the background; the caller polls the jobs endpoint
	respondJSON(w, http.StatusAccepted, map[string]string{
		"status": string(types.ConnectionActive),
	})
}

// handleListJobs returns recent sync jobs for one connection
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	tenantID, connectionID, ok := s.scopeFromRequest(w, r)
	if !ok {
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 100 {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "limit must be between 1 and 100", nil)
			return
		}
		limit = parsed
	}

	jobs, err := s.jobs.ListByConnection(r.Context(), tenantID, connectionID, limit)
	if err != nil {
		respondSyncError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}
