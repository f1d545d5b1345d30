// Package v1 defines the sigma push protocol v1: the events delivered to a
// connected client over its push channel.
//
// This package is intentionally stable and dependency-light.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeMessage delivers a newly stored room message.
	TypeMessage = "message"
	// TypeRoomUpdated delivers a changed room summary.
	TypeRoomUpdated = "room-updated"
	// TypeSyncStateChanged reports a sync connection state transition.
	TypeSyncStateChanged = "sync-state-changed"
	// TypeSecurityWarning reports a decryption or identity problem.
	TypeSecurityWarning = "security-warning"
)

// AllowedTypes lists every type a valid envelope may carry.
var AllowedTypes = map[string]struct{}{
	TypeMessage:          {},
	TypeRoomUpdated:      {},
	TypeSyncStateChanged: {},
	TypeSecurityWarning:  {},
}

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

// NewEnvelope marshals payload into a ready-to-send envelope.
func NewEnvelope(typ, id string, ts time.Time, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	env := Envelope{V: Version, Type: typ, ID: id, TS: ts.UTC(), Payload: raw}
	return env, env.Validate()
}

// Validate checks the envelope is well formed.
func (e Envelope) Validate() error {
	if e.V != Version {
		return fmt.Errorf("invalid protocol version: got=%q want=%q", e.V, Version)
	}
	if e.Type == "" {
		return errors.New("missing type")
	}
	if _, ok := AllowedTypes[e.Type]; !ok {
		return fmt.Errorf("unsupported type: %s", e.Type)
	}
	if e.ID == "" {
		return errors.New("missing id")
	}
	if e.TS.IsZero() {
		return errors.New("missing ts")
	}
	if len(e.Payload) == 0 {
		return errors.New("missing payload")
	}
	return nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// MessagePayload is the payload of TypeMessage.
type MessagePayload struct {
	RoomID    string    `json:"room_id"`
	EventID   string    `json:"event_id"`
	Seq       int64     `json:"seq"`
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	MsgType   string    `json:"msg_type"`
	Encrypted bool      `json:"encrypted"`
	TS        time.Time `json:"ts"`
}

// RoomUpdatedPayload is the payload of TypeRoomUpdated.
type RoomUpdatedPayload struct {
	RoomID       string    `json:"room_id"`
	Name         string    `json:"name"`
	Topic        string    `json:"topic,omitempty"`
	AvatarRef    string    `json:"avatar_ref,omitempty"`
	MemberCount  int       `json:"member_count"`
	LastActivity time.Time `json:"last_activity"`
	LastMessage  string    `json:"last_message,omitempty"`
	UnreadCount  int       `json:"unread_count"`
	Encrypted    bool      `json:"encrypted"`
	Direct       bool      `json:"direct"`
}

// SyncStatePayload is the payload of TypeSyncStateChanged.
type SyncStatePayload struct {
	State   string `json:"state"`
	Attempt int    `json:"attempt,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Security warning reasons (wire-stable).
const (
	ReasonDecryptFailed     = "decrypt_failed"
	ReasonUntrustedIdentity = "untrusted_identity"
	ReasonOutOfOrder        = "out_of_order"
	ReasonNoSession         = "no_session"
	ReasonNotAddressed      = "not_addressed"
)

// SecurityWarningPayload is the payload of TypeSecurityWarning.
type SecurityWarningPayload struct {
	RoomID       string `json:"room_id"`
	EventID      string `json:"event_id"`
	SenderID     string `json:"sender_id"`
	SenderDevice uint32 `json:"sender_device"`
	Reason       string `json:"reason"`
	Fingerprint  string `json:"fingerprint,omitempty"`
}
