package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"sigma/cmd/identity"
	"sigma/cmd/internal/auth"
	"sigma/cmd/internal/cryptosession"
	"sigma/cmd/internal/keys"
	"sigma/cmd/internal/rooms"
	"sigma/cmd/internal/sessions"
	"sigma/cmd/internal/syncengine"
)

// errorKind maps a sentinel to its HTTP status and stable code.
type errorKind struct {
	err    error
	status int
	code   string
}

// Order matters: the first match wins.
var errorKinds = []errorKind{
	{auth.ErrInvalidToken, http.StatusUnauthorized, "unauthorized"},
	{syncengine.ErrAuthenticationExpired, http.StatusUnauthorized, "sync_auth_expired"},

	{keys.ErrIdentityExists, http.StatusConflict, "identity_exists"},
	{cryptosession.ErrUntrustedIdentity, http.StatusConflict, "untrusted_identity"},
	{cryptosession.ErrNoSession, http.StatusConflict, "no_session"},
	{syncengine.ErrNotConnected, http.StatusConflict, "not_connected"},

	{keys.ErrPrekeyExhausted, http.StatusGone, "prekeys_exhausted"},

	{cryptosession.ErrInvalidSignature, http.StatusUnprocessableEntity, "invalid_signature"},
	{keys.ErrBadSignature, http.StatusUnprocessableEntity, "invalid_signature"},

	{keys.ErrNotFound, http.StatusNotFound, "not_found"},
	{rooms.ErrNotFound, http.StatusNotFound, "not_found"},
	{sessions.ErrNotFound, http.StatusNotFound, "not_found"},
	{identity.ErrNotFound, http.StatusNotFound, "not_found"},

	{keys.ErrInvalidInput, http.StatusBadRequest, "invalid_request"},
	{cryptosession.ErrInvalidInput, http.StatusBadRequest, "invalid_request"},
	{rooms.ErrInvalidInput, http.StatusBadRequest, "invalid_request"},
	{sessions.ErrInvalidAddress, http.StatusBadRequest, "invalid_request"},
	{syncengine.ErrInvalidInput, http.StatusBadRequest, "invalid_request"},
	{identity.ErrInvalidInput, http.StatusBadRequest, "invalid_request"},

	{syncengine.ErrRemoteRejected, http.StatusBadGateway, "remote_rejected"},
	{syncengine.ErrTransientNetwork, http.StatusServiceUnavailable, "remote_unavailable"},
	{syncengine.ErrClosed, http.StatusServiceUnavailable, "shutting_down"},
	{context.DeadlineExceeded, http.StatusServiceUnavailable, "timeout"},
}

// classify returns the status and code for err; 500 when unknown.
func classify(err error) (int, string) {
	var rl *syncengine.RateLimitError
	if errors.As(err, &rl) {
		return http.StatusTooManyRequests, "rate_limited"
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.status, k.code
		}
	}
	return http.StatusInternalServerError, "server_error"
}

// writeDomainError renders err. Internal errors are logged and never echoed.
func (h *Handler) writeDomainError(w http.ResponseWriter, op string, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("api."+op+".fail", "err", err, "status", status)
	}
	if status == http.StatusInternalServerError {
		writeError(w, status, code, "internal error")
		return
	}

	body := apiError{Code: code, Message: err.Error()}

	var untrusted *cryptosession.UntrustedIdentityError
	if errors.As(err, &untrusted) {
		body.Fingerprint = untrusted.Presented
	}
	var rl *syncengine.RateLimitError
	if errors.As(err, &rl) {
		setRetryAfter(w, rl.RetryAfter)
	}
	writeJSON(w, status, errorResponse{Error: body})
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	setRetryAfter(w, retryAfter)
	writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
}

func setRetryAfter(w http.ResponseWriter, d time.Duration) {
	if d <= 0 {
		return
	}
	secs := int64((d + time.Second - 1) / time.Second)
	w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
}
