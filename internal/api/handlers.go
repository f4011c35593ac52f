package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/better-wallet/walletbridge/internal/approval"
	"github.com/better-wallet/walletbridge/internal/crypto"
	"github.com/better-wallet/walletbridge/internal/logger"
	apperrors "github.com/better-wallet/walletbridge/pkg/errors"
	"github.com/better-wallet/walletbridge/pkg/types"
)

// maxApprovalWait caps how long GET /v1/approvals may long-poll
const maxApprovalWait = time.Minute

// HealthResponse is returned by GET /health
type HealthResponse struct {
	Status      string `json:"status"`
	Initialized bool   `json:"initialized"`
	Unlocked    bool   `json:"unlocked"`
}

// UnlockRequest is the body of POST /v1/unlock
type UnlockRequest struct {
	Password string `json:"password"`
}

// DecisionRequest is the body of POST /v1/approvals/{id}
type DecisionRequest struct {
	Approved bool            `json:"approved"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// DecisionResponse acknowledges a verdict
type DecisionResponse struct {
	ID       string `json:"id"`
	Approved bool   `json:"approved"`
}

// ApprovalsResponse lists open prompts, oldest first
type ApprovalsResponse struct {
	Data []approval.Prompt `json:"data"`
}

// PermissionsResponse lists connected origins
type PermissionsResponse struct {
	Data []types.OriginGrant `json:"data"`
}

// RevokeResponse reports whether a grant was removed
type RevokeResponse struct {
	Origin  string `json:"origin"`
	Revoked bool   `json:"revoked"`
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperrors.InvalidParams("invalid request body: " + err.Error())
	}
	return nil
}

// handleUnlock handles POST /v1/unlock
func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	var req UnlockRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	password := []byte(req.Password)
	defer crypto.Wipe(password)

	_, err := s.deps.Vault.Unlock(r.Context(), password)
	s.observeUnlock(err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Sessions.Info())
}

func (s *Server) observeUnlock(err error) {
	if s.deps.Metrics == nil {
		return
	}
	switch {
	case err == nil:
		s.deps.Metrics.ObserveUnlock("ok")
	case errors.Is(err, apperrors.ErrRateLimited):
		s.deps.Metrics.ObserveUnlock("rate_limited")
	default:
		s.deps.Metrics.ObserveUnlock("invalid_password")
	}
}

// handleLock handles POST /v1/lock
func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	s.deps.Sessions.LockWithReason("user")
	logger.Info(r.Context(), "wallet locked by user")
	writeJSON(w, http.StatusOK, s.deps.Sessions.Info())
}

// handleSession handles GET /v1/session
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Sessions.Info())
}

// handleListApprovals handles GET /v1/approvals. With ?wait=<duration> and
// nothing open it blocks until a prompt opens or the wait runs out.
func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	prompts := s.deps.Approvals.List()

	if wait := r.URL.Query().Get("wait"); wait != "" && len(prompts) == 0 {
		d, err := time.ParseDuration(wait)
		if err != nil || d <= 0 || d > maxApprovalWait {
			writeError(w, apperrors.InvalidParams("wait must be a positive duration of at most 1m"))
			return
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		// a signal left over from an earlier close wakes us with nothing open
	poll:
		for len(prompts) == 0 {
			select {
			case <-s.deps.Approvals.Updates():
				prompts = s.deps.Approvals.List()
			case <-timer.C:
				break poll
			case <-r.Context().Done():
				return
			}
		}
	}

	if prompts == nil {
		prompts = []approval.Prompt{}
	}
	writeJSON(w, http.StatusOK, ApprovalsResponse{Data: prompts})
}

// handleGetApproval handles GET /v1/approvals/{id}
func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	p, ok := s.deps.Approvals.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, apperrors.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleDecide handles POST /v1/approvals/{id}. A verdict is user activity,
// so it also pushes the session expiry out.
func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req DecisionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if err := s.deps.Approvals.Decide(id, req.Approved, req.Payload); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Sessions.Extend(); err != nil {
		logger.Debug(r.Context(), "session not extended", "error", err)
	}

	logger.Info(r.Context(), "verdict recorded", "request_id", id, "approved", req.Approved)
	writeJSON(w, http.StatusOK, DecisionResponse{ID: id, Approved: req.Approved})
}

// handleDismiss handles DELETE /v1/approvals/{id}
func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Approvals.Dismiss(chi.URLParam(r, "id")) {
		writeError(w, apperrors.ErrNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListPermissions handles GET /v1/permissions
func (s *Server) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	grants, err := s.deps.Permissions.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if grants == nil {
		grants = []types.OriginGrant{}
	}
	writeJSON(w, http.StatusOK, PermissionsResponse{Data: grants})
}

// handleRevoke handles DELETE /v1/permissions/{origin}. The origin is
// path-escaped by the caller.
func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	origin, err := url.PathUnescape(chi.URLParam(r, "origin"))
	if err != nil {
		writeError(w, apperrors.InvalidParams("origin is not path-escaped"))
		return
	}

	revoked, err := s.deps.Provider.Disconnect(r.Context(), origin)
	if err != nil {
		writeError(w, err)
		return
	}
	if !revoked {
		writeError(w, apperrors.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, RevokeResponse{Origin: origin, Revoked: true})
}
