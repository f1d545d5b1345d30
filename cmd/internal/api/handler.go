package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"sigma/cmd/identity"
	"sigma/cmd/internal/auth"
	"sigma/cmd/internal/keys"
	"sigma/cmd/internal/rooms"
	"sigma/cmd/internal/sessions"
	"sigma/cmd/internal/syncengine"
)

// KeyService is the subset of keys.Service the API needs.
type KeyService interface {
	Onboard(ctx context.Context, userID string, prekeyCount int) (keys.Bundle, error)
	ExportPublicBundle(ctx context.Context, userID string) (keys.Bundle, error)
	Identity(ctx context.Context, userID string) (keys.Identity, error)
}

// Cipher is the subset of cryptosession.Cipher the API needs.
type Cipher interface {
	BuildSession(ctx context.Context, owner string, addr sessions.Address, bundle keys.Bundle) error
	AcceptIdentity(ctx context.Context, owner, remoteUserID string, id keys.IdentityPublic) error
}

// RoomIndex is the subset of rooms.Directory the API needs.
type RoomIndex interface {
	List(ctx context.Context, owner string, f rooms.Filter) ([]rooms.Room, error)
	MarkRead(ctx context.Context, owner, roomID string) (rooms.Room, error)
	History(ctx context.Context, in rooms.HistoryInput) (rooms.HistoryResult, error)
}

// Syncer is the subset of syncengine.Engine the API needs.
type Syncer interface {
	Connect(ctx context.Context, owner string, creds syncengine.Credentials) (*syncengine.Handle, error)
	Disconnect(ctx context.Context, h *syncengine.Handle) error
	Handle(owner string) (*syncengine.Handle, bool)
	SendMessage(ctx context.Context, owner, roomID, plaintext string) (rooms.Message, error)
	Backfill(ctx context.Context, owner, roomID, from string, limit int) (syncengine.BackfillResult, error)
	CreateRoom(ctx context.Context, owner string, opts syncengine.CreateRoomOptions) (rooms.Room, error)
}

// Deps are the Handler's collaborators. Users may be nil.
type Deps struct {
	Tokens auth.TokenVerifier
	Keys   KeyService
	Cipher Cipher
	Rooms  RoomIndex
	Sync   Syncer
	Users  identity.Resolver
}

// Handler serves the JSON API.
type Handler struct {
	log  *slog.Logger
	cfg  Config
	deps Deps
	now  func() time.Time

	sends *userLimiter
}

// NewHandler validates deps and builds a Handler.
func NewHandler(log *slog.Logger, cfg Config, deps Deps) (*Handler, error) {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if deps.Tokens == nil || deps.Keys == nil || deps.Cipher == nil || deps.Rooms == nil || deps.Sync == nil {
		return nil, errors.New("api: missing dependency")
	}
	cfg = cfg.normalized()
	return &Handler{
		log:   log,
		cfg:   cfg,
		deps:  deps,
		now:   func() time.Time { return time.Now().UTC() },
		sends: newUserLimiter(cfg.SendRate, cfg.SendBurst, cfg.SendIdle),
	}, nil
}

// Register wires the API routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("POST /v1/identity", h.authed(h.handleCreateIdentity))
	mux.HandleFunc("POST /v1/identity/accept", h.authed(h.handleAcceptIdentity))
	mux.HandleFunc("GET /v1/users/{userID}/bundle", h.handleGetBundle)
	mux.HandleFunc("POST /v1/sessions", h.authed(h.handleBuildSession))

	mux.HandleFunc("POST /v1/sync", h.authed(h.handleConnect))
	mux.HandleFunc("GET /v1/sync", h.authed(h.handleSyncState))
	mux.HandleFunc("DELETE /v1/sync", h.authed(h.handleDisconnect))

	mux.HandleFunc("GET /v1/rooms", h.authed(h.handleListRooms))
	mux.HandleFunc("POST /v1/rooms", h.authed(h.handleCreateRoom))
	mux.HandleFunc("POST /v1/rooms/{roomID}/read", h.authed(h.handleMarkRead))
	mux.HandleFunc("GET /v1/rooms/{roomID}/messages", h.authed(h.handleHistory))
	mux.HandleFunc("POST /v1/rooms/{roomID}/messages", h.authed(h.handleSendMessage))
	mux.HandleFunc("POST /v1/rooms/{roomID}/backfill", h.authed(h.handleBackfill))
}

type authedFunc func(w http.ResponseWriter, r *http.Request, claims auth.Claims)

// authed requires a valid bearer token and exposes its claims to next.
func (h *Handler) authed(next authedFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := auth.BearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		claims, err := h.deps.Tokens.Verify(token, h.now())
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		next(w, r.WithContext(auth.WithClaims(r.Context(), claims)), claims)
	}
}
