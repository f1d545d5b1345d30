package api

import (
	"net/http"
	"strings"

	"sigma/cmd/identity"
	"sigma/cmd/internal/auth"
	"sigma/cmd/internal/keys"
	"sigma/cmd/internal/sessions"
)

func (h *Handler) handleCreateIdentity(w http.ResponseWriter, r *http.Request, claims auth.Claims) {
	var req createIdentityRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	count := h.cfg.PrekeyCount
	if req.PrekeyCount > 0 {
		count = min(req.PrekeyCount, keys.MaxPrekeyBatch)
	}

	bundle, err := h.deps.Keys.Onboard(r.Context(), claims.UserID, count)
	if err != nil {
		h.writeDomainError(w, "identity.create", err)
		return
	}
	h.log.Info("api.identity.created", "user_id", claims.UserID, "prekeys", count)
	writeJSON(w, http.StatusCreated, createIdentityResponse{
		Bundle:      bundle,
		Fingerprint: bundle.Identity.Fingerprint(),
	})
}

// handleGetBundle is unauthenticated: bundles are public by construction.
func (h *Handler) handleGetBundle(w http.ResponseWriter, r *http.Request) {
	userID := identity.NormalizeUserID(r.PathValue("userID"))
	if !identity.ValidUserID(userID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid user id")
		return
	}
	bundle, err := h.deps.Keys.ExportPublicBundle(r.Context(), userID)
	if err != nil {
		h.writeDomainError(w, "bundle.get", err)
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

func (h *Handler) handleBuildSession(w http.ResponseWriter, r *http.Request, claims auth.Claims) {
	var req buildSessionRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	userID := identity.NormalizeUserID(req.UserID)
	if !identity.ValidUserID(userID) || userID == claims.UserID {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_id must name another user")
		return
	}

	ctx := r.Context()
	var bundle keys.Bundle
	if req.Bundle != nil {
		bundle = *req.Bundle
		if bundle.UserID == "" {
			bundle.UserID = userID
		}
		if bundle.UserID != userID {
			writeError(w, http.StatusBadRequest, "invalid_request", "bundle belongs to another user")
			return
		}
	} else {
		var err error
		if bundle, err = h.deps.Keys.ExportPublicBundle(ctx, userID); err != nil {
			h.writeDomainError(w, "session.build", err)
			return
		}
	}

	if bundle.DeviceID == 0 {
		bundle.DeviceID = keys.DefaultDeviceID
	}
	addr := sessions.Address{UserID: userID, DeviceID: bundle.DeviceID}
	if err := h.deps.Cipher.BuildSession(ctx, claims.UserID, addr, bundle); err != nil {
		h.writeDomainError(w, "session.build", err)
		return
	}
	writeJSON(w, http.StatusCreated, buildSessionResponse{
		UserID:      addr.UserID,
		DeviceID:    addr.DeviceID,
		Fingerprint: bundle.Identity.Fingerprint(),
	})
}

func (h *Handler) handleAcceptIdentity(w http.ResponseWriter, r *http.Request, claims auth.Claims) {
	var req acceptIdentityRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	userID := identity.NormalizeUserID(req.UserID)
	fp := strings.TrimSpace(req.Fingerprint)
	if !identity.ValidUserID(userID) || fp == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_id and fingerprint are required")
		return
	}

	ctx := r.Context()
	var id keys.IdentityPublic
	if req.Identity != nil {
		id = *req.Identity
	} else {
		hosted, err := h.deps.Keys.Identity(ctx, userID)
		if err != nil {
			h.writeDomainError(w, "identity.accept", err)
			return
		}
		id = hosted.Public()
	}

	if id.Fingerprint() != fp {
		writeJSON(w, http.StatusConflict, errorResponse{Error: apiError{
			Code:        "fingerprint_mismatch",
			Message:     "identity does not match the confirmed fingerprint",
			Fingerprint: id.Fingerprint(),
		}})
		return
	}
	if err := h.deps.Cipher.AcceptIdentity(ctx, claims.UserID, userID, id); err != nil {
		h.writeDomainError(w, "identity.accept", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
