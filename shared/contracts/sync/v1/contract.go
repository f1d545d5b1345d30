// Package v1 defines the sigma sync protocol v1 spoken between the sync engine
// and a remote conversation service over a WebSocket.
//
// Every request frame carries an ID; the matching response echoes it. Frames of
// type "sync" are pushed by the server without an ID.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Version is the protocol version identifier embedded into every frame.
const Version = "v1"

// Frame types (wire-stable).
const (
	// TypeAuth authenticates the stream (client -> server).
	TypeAuth = "auth"
	// TypeAuthOK acknowledges authentication (server -> client).
	TypeAuthOK = "auth_ok"
	// TypeInitialSync requests the initial batch (client -> server).
	TypeInitialSync = "initial_sync"
	// TypeSync carries a batch (server -> client), as a reply or unsolicited.
	TypeSync = "sync"
	// TypeSend submits an event (client -> server).
	TypeSend = "send"
	// TypeSendOK returns the assigned event id (server -> client).
	TypeSendOK = "send_ok"
	// TypeHistory requests older events of one room (client -> server).
	TypeHistory = "history"
	// TypeHistoryChunk returns a window of older events (server -> client).
	TypeHistoryChunk = "history_chunk"
	// TypeCreateRoom creates a room (client -> server).
	TypeCreateRoom = "create_room"
	// TypeRoomCreated returns the new room's RoomSummary (server -> client).
	TypeRoomCreated = "room_created"
	// TypeError reports a failed request (server -> client).
	TypeError = "error"
)

// Error codes (wire-stable).
const (
	CodeAuthExpired = "auth_expired"
	CodeBadRequest  = "bad_request"
	CodeNotFound    = "not_found"
	CodeInternal    = "internal"
)

// Event types (wire-stable).
const (
	EventMessage   = "m.room.message"
	EventEncrypted = "m.room.encrypted"
)

// Frame is the canonical wire wrapper.
type Frame struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewFrame marshals payload into a frame.
func NewFrame(typ, id string, payload any) (Frame, error) {
	f := Frame{V: Version, Type: typ, ID: id}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Frame{}, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		f.Payload = raw
	}
	return f, f.Validate()
}

// Validate checks the frame is well formed.
func (f Frame) Validate() error {
	if f.V != Version {
		return fmt.Errorf("invalid protocol version: got=%q want=%q", f.V, Version)
	}
	if f.Type == "" {
		return errors.New("missing type")
	}
	return nil
}

// Decode unmarshals the payload into v.
func (f Frame) Decode(v any) error {
	if len(f.Payload) == 0 {
		return errors.New("missing payload")
	}
	return json.Unmarshal(f.Payload, v)
}

// AuthPayload is the payload of TypeAuth.
type AuthPayload struct {
	UserID string `json:"user_id"`
	Token  string `json:"token"`
	Since  string `json:"since,omitempty"`
}

// InitialSyncPayload is the payload of TypeInitialSync.
type InitialSyncPayload struct {
	Limit int `json:"limit"`
}

// Member is one device participating in a room.
type Member struct {
	UserID   string `json:"user_id"`
	DeviceID uint32 `json:"device_id"`
}

// RoomSummary describes one room in a batch.
type RoomSummary struct {
	RoomID       string    `json:"room_id"`
	Name         string    `json:"name"`
	Topic        string    `json:"topic,omitempty"`
	AvatarRef    string    `json:"avatar_ref,omitempty"`
	Members      []Member  `json:"members,omitempty"`
	MemberCount  int       `json:"member_count"`
	Encrypted    bool      `json:"encrypted"`
	Direct       bool      `json:"direct"`
	UnreadCount  int       `json:"unread_count"`
	LastActivity time.Time `json:"last_activity"`
}

// Event is one room event. Encrypted events carry one ciphertext per
// recipient device, keyed by "user.device".
type Event struct {
	EventID      string            `json:"event_id"`
	RoomID       string            `json:"room_id"`
	Type         string            `json:"type"`
	Sender       string            `json:"sender"`
	SenderDevice uint32            `json:"sender_device"`
	MsgType      string            `json:"msg_type,omitempty"`
	Body         string            `json:"body,omitempty"`
	Ciphertexts  map[string][]byte `json:"ciphertexts,omitempty"`
	TS           time.Time         `json:"ts"`
}

// Batch is the payload of TypeSync.
type Batch struct {
	Rooms  []RoomSummary `json:"rooms,omitempty"`
	Events []Event       `json:"events,omitempty"`
	Cursor string        `json:"cursor"`
}

// OutgoingEvent is the payload of TypeSend.
type OutgoingEvent struct {
	RoomID      string            `json:"room_id"`
	TxnID       string            `json:"txn_id"`
	Type        string            `json:"type"`
	MsgType     string            `json:"msg_type,omitempty"`
	Body        string            `json:"body,omitempty"`
	Ciphertexts map[string][]byte `json:"ciphertexts,omitempty"`
}

// SendOKPayload is the payload of TypeSendOK.
type SendOKPayload struct {
	EventID string    `json:"event_id"`
	TS      time.Time `json:"ts"`
}

// CreateRoomPayload is the payload of TypeCreateRoom. Invite lists the users
// to invite besides the creator.
type CreateRoomPayload struct {
	TxnID     string   `json:"txn_id"`
	Name      string   `json:"name,omitempty"`
	Topic     string   `json:"topic,omitempty"`
	Invite    []string `json:"invite,omitempty"`
	Direct    bool     `json:"direct"`
	Encrypted bool     `json:"encrypted"`
}

// HistoryPayload is the payload of TypeHistory.
type HistoryPayload struct {
	RoomID string `json:"room_id"`
	From   string `json:"from,omitempty"`
	Limit  int    `json:"limit"`
}

// HistoryChunk is the payload of TypeHistoryChunk. Events are oldest first;
// End is the token for the next, older window ("" when exhausted).
type HistoryChunk struct {
	RoomID string  `json:"room_id"`
	Events []Event `json:"events"`
	End    string  `json:"end,omitempty"`
}

// ErrorPayload is the payload of TypeError.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
