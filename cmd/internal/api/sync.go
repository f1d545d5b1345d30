package api

import (
	"net/http"
	"strings"

	"sigma/cmd/internal/auth"
	"sigma/cmd/internal/syncengine"
)

func (h *Handler) handleConnect(w http.ResponseWriter, r *http.Request, claims auth.Claims) {
	var req connectRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	token := strings.TrimSpace(req.AccessToken)
	if token == "" {
		token = auth.BearerToken(r)
	}

	handle, err := h.deps.Sync.Connect(r.Context(), claims.UserID, syncengine.Credentials{AccessToken: token})
	if err != nil {
		h.writeDomainError(w, "sync.connect", err)
		return
	}
	writeJSON(w, http.StatusAccepted, stateOf(handle))
}

func (h *Handler) handleSyncState(w http.ResponseWriter, _ *http.Request, claims auth.Claims) {
	handle, ok := h.deps.Sync.Handle(claims.UserID)
	if !ok {
		writeJSON(w, http.StatusOK, syncStateResponse{State: syncengine.StateDisconnected.String()})
		return
	}
	writeJSON(w, http.StatusOK, stateOf(handle))
}

// handleDisconnect is idempotent.
func (h *Handler) handleDisconnect(w http.ResponseWriter, r *http.Request, claims auth.Claims) {
	handle, ok := h.deps.Sync.Handle(claims.UserID)
	if ok {
		if err := h.deps.Sync.Disconnect(r.Context(), handle); err != nil {
			h.writeDomainError(w, "sync.disconnect", err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func stateOf(handle *syncengine.Handle) syncStateResponse {
	out := syncStateResponse{State: handle.State().String()}
	if err := handle.Err(); err != nil {
		out.Error = err.Error()
	}
	return out
}
