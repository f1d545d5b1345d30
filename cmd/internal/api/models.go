package api

import (
	"sigma/cmd/internal/keys"
	"sigma/cmd/internal/rooms"
)

type createIdentityRequest struct {
	PrekeyCount int `json:"prekey_count,omitempty"`
}

type createIdentityResponse struct {
	Bundle      keys.Bundle `json:"bundle"`
	Fingerprint string      `json:"fingerprint"`
}

type buildSessionRequest struct {
	UserID string `json:"user_id"`
	// Bundle is supplied for peers this server does not host.
	Bundle *keys.Bundle `json:"bundle,omitempty"`
}

type buildSessionResponse struct {
	UserID      string `json:"user_id"`
	DeviceID    uint32 `json:"device_id"`
	Fingerprint string `json:"fingerprint"`
}

type acceptIdentityRequest struct {
	UserID string `json:"user_id"`
	// Fingerprint is what the user confirmed; it must match the identity.
	Fingerprint string `json:"fingerprint"`
	// Identity is supplied for peers this server does not host.
	Identity *keys.IdentityPublic `json:"identity,omitempty"`
}

type connectRequest struct {
	// AccessToken for the remote sync service; defaults to the caller's bearer token.
	AccessToken string `json:"access_token,omitempty"`
}

type syncStateResponse struct {
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

type roomResponse struct {
	rooms.Room
	DisplayName string `json:"display_name"`
}

type listRoomsResponse struct {
	Rooms []roomResponse `json:"rooms"`
}

type createRoomRequest struct {
	Name      string   `json:"name,omitempty"`
	Topic     string   `json:"topic,omitempty"`
	Invite    []string `json:"invite,omitempty"`
	Direct    bool     `json:"direct,omitempty"`
	Encrypted bool     `json:"encrypted,omitempty"`
}

type sendMessageRequest struct {
	Body string `json:"body"`
}

type messageResponse struct {
	rooms.Message
	SenderName string `json:"sender_name,omitempty"`
}

type historyResponse struct {
	Messages []messageResponse `json:"messages"`
	HasMore  bool              `json:"has_more"`
	// Before is the seq to pass for the next, older page.
	Before *int64 `json:"before,omitempty"`
}

type backfillRequest struct {
	From  string `json:"from,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

type backfillResponse struct {
	Fetched int    `json:"fetched"`
	Applied int    `json:"applied"`
	End     string `json:"end,omitempty"`
}
