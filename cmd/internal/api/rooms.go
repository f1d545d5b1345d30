package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"sigma/cmd/identity"
	"sigma/cmd/internal/auth"
	"sigma/cmd/internal/rooms"
	"sigma/cmd/internal/syncengine"
)

func (h *Handler) handleListRooms(w http.ResponseWriter, r *http.Request, claims auth.Claims) {
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	list, err := h.deps.Rooms.List(r.Context(), claims.UserID, f)
	if err != nil {
		h.writeDomainError(w, "rooms.list", err)
		return
	}

	names := h.newNameCache()
	out := listRoomsResponse{Rooms: make([]roomResponse, 0, len(list))}
	for _, room := range list {
		out.Rooms = append(out.Rooms, h.decorateRoom(r.Context(), names, claims.UserID, room))
	}
	writeJSON(w, http.StatusOK, out)
}

const maxInvites = 100

func (h *Handler) handleCreateRoom(w http.ResponseWriter, r *http.Request, claims auth.Claims) {
	var req createRoomRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if !utf8.ValidString(req.Name) || !utf8.ValidString(req.Topic) {
		writeError(w, http.StatusBadRequest, "invalid_request", "name and topic must be UTF-8")
		return
	}
	if len(req.Invite) > maxInvites {
		writeError(w, http.StatusBadRequest, "invalid_request", "too many invitees")
		return
	}

	room, err := h.deps.Sync.CreateRoom(r.Context(), claims.UserID, syncengine.CreateRoomOptions{
		Name:      req.Name,
		Topic:     req.Topic,
		Invite:    req.Invite,
		Direct:    req.Direct,
		Encrypted: req.Encrypted,
	})
	if err != nil {
		h.writeDomainError(w, "rooms.create", err)
		return
	}
	writeJSON(w, http.StatusCreated, h.decorateRoom(r.Context(), h.newNameCache(), claims.UserID, room))
}

func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request, claims auth.Claims) {
	room, err := h.deps.Rooms.MarkRead(r.Context(), claims.UserID, r.PathValue("roomID"))
	if err != nil {
		h.writeDomainError(w, "rooms.read", err)
		return
	}
	writeJSON(w, http.StatusOK, h.decorateRoom(r.Context(), h.newNameCache(), claims.UserID, room))
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request, claims auth.Claims) {
	in := rooms.HistoryInput{Owner: claims.UserID, RoomID: r.PathValue("roomID")}
	q := r.URL.Query()
	if v := strings.TrimSpace(q.Get("before")); v != "" {
		seq, err := strconv.ParseInt(v, 10, 64)
		if err != nil || seq <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "before must be a positive seq")
			return
		}
		in.BeforeSeq = &seq
	}
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	in.Limit = limit

	res, err := h.deps.Rooms.History(r.Context(), in)
	if err != nil {
		h.writeDomainError(w, "rooms.history", err)
		return
	}

	names := h.newNameCache()
	out := historyResponse{Messages: make([]messageResponse, 0, len(res.Messages)), HasMore: res.HasMore}
	for _, m := range res.Messages {
		out.Messages = append(out.Messages, messageResponse{Message: m, SenderName: names.name(r.Context(), m.SenderID)})
	}
	if res.HasMore && len(res.Messages) > 0 {
		before := res.Messages[0].Seq
		out.Before = &before
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request, claims auth.Claims) {
	if ok, wait := h.sends.allow(claims.UserID, h.now()); !ok {
		writeRateLimited(w, wait)
		return
	}

	var req sendMessageRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if strings.TrimSpace(req.Body) == "" || !utf8.ValidString(req.Body) {
		writeError(w, http.StatusBadRequest, "invalid_request", "body must be non-empty UTF-8")
		return
	}
	if len(req.Body) > h.cfg.MaxMessageBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "message_too_large", "message too large")
		return
	}

	msg, err := h.deps.Sync.SendMessage(r.Context(), claims.UserID, r.PathValue("roomID"), req.Body)
	if err != nil {
		h.writeDomainError(w, "rooms.send", err)
		return
	}
	writeJSON(w, http.StatusCreated, messageResponse{Message: msg})
}

func (h *Handler) handleBackfill(w http.ResponseWriter, r *http.Request, claims auth.Claims) {
	var req backfillRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if req.Limit < 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "limit must not be negative")
		return
	}

	res, err := h.deps.Sync.Backfill(r.Context(), claims.UserID, r.PathValue("roomID"), req.From, req.Limit)
	if err != nil {
		h.writeDomainError(w, "rooms.backfill", err)
		return
	}
	writeJSON(w, http.StatusOK, backfillResponse{Fetched: res.Fetched, Applied: res.Applied, End: res.End})
}

// decorateRoom names direct rooms without a name after the other member.
func (h *Handler) decorateRoom(ctx context.Context, names *nameCache, owner string, room rooms.Room) roomResponse {
	out := roomResponse{Room: room, DisplayName: room.Name}
	if out.DisplayName != "" || !room.Direct {
		return out
	}
	for _, m := range room.Members {
		if m.UserID == owner {
			continue
		}
		p := names.profile(ctx, m.UserID)
		out.DisplayName = p.Name()
		if out.AvatarRef == "" {
			out.AvatarRef = p.AvatarRef
		}
		return out
	}
	out.DisplayName = room.ID
	return out
}

// nameCache memoizes profile lookups for one request.
type nameCache struct {
	h     *Handler
	cache map[string]identity.Profile
}

func (h *Handler) newNameCache() *nameCache {
	return &nameCache{h: h, cache: make(map[string]identity.Profile)}
}

func (c *nameCache) profile(ctx context.Context, userID string) identity.Profile {
	if p, ok := c.cache[userID]; ok {
		return p
	}
	p := identity.Profile{UserID: userID}
	if c.h.deps.Users != nil {
		got, err := c.h.deps.Users.ResolveUser(ctx, userID)
		switch {
		case err == nil:
			p = got
		case identity.IsNotFound(err), identity.IsInvalidInput(err):
		default:
			c.h.log.Warn("api.users.resolve.fail", "user_id", userID, "err", err)
		}
	}
	c.cache[userID] = p
	return p
}

func (c *nameCache) name(ctx context.Context, userID string) string {
	if userID == "" {
		return ""
	}
	return c.profile(ctx, userID).Name()
}

func parseFilter(r *http.Request) (rooms.Filter, error) {
	q := r.URL.Query()
	var f rooms.Filter
	var err error
	if f.Direct, err = parseOptionalBool(q, "direct"); err != nil {
		return f, err
	}
	if f.Encrypted, err = parseOptionalBool(q, "encrypted"); err != nil {
		return f, err
	}
	unread, err := parseOptionalBool(q, "unread")
	if err != nil {
		return f, err
	}
	f.UnreadOnly = unread != nil && *unread
	f.Query = strings.TrimSpace(q.Get("q"))
	if f.Limit, err = parseLimit(q.Get("limit")); err != nil {
		return f, err
	}
	return f, nil
}

type queryError string

func (e queryError) Error() string { return string(e) }

func parseOptionalBool(q map[string][]string, key string) (*bool, error) {
	vals := q[key]
	if len(vals) == 0 || strings.TrimSpace(vals[0]) == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(vals[0]))
	if err != nil {
		return nil, queryError(key + " must be a boolean")
	}
	return &b, nil
}

func parseLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, queryError("limit must be a non-negative integer")
	}
	return n, nil
}
