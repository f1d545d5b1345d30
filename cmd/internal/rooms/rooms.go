// Package rooms is the local, queryable mirror of remote conversations: one
// summary row per (owner, room) plus an append-only message log.
package rooms

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a room does not exist for the owner.
	ErrNotFound = errors.New("rooms: not found")

	// ErrInvalidInput is returned for malformed arguments.
	ErrInvalidInput = errors.New("rooms: invalid input")
)

const (
	// MsgTypeText is a plain text message.
	MsgTypeText = "m.text"
	// MsgTypeBadEncrypted marks an event that could not be decrypted.
	MsgTypeBadEncrypted = "m.bad.encrypted"

	// UndecryptablePreview is the preview shown for undecryptable events.
	UndecryptablePreview = "** Unable to decrypt **"

	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
	maxPreviewRunes     = 140
)

// Member is one remote device participating in a room.
type Member struct {
	UserID   string `json:"user_id"`
	DeviceID uint32 `json:"device_id"`
}

// Room is the summary of one conversation as seen by Owner.
type Room struct {
	Owner        string    `json:"-"`
	ID           string    `json:"room_id"`
	Name         string    `json:"name"`
	Topic        string    `json:"topic,omitempty"`
	AvatarRef    string    `json:"avatar_ref,omitempty"`
	MemberCount  int       `json:"member_count"`
	Members      []Member  `json:"members,omitempty"`
	LastActivity time.Time `json:"last_activity"`
	LastMessage  string    `json:"last_message,omitempty"`
	UnreadCount  int       `json:"unread_count"`
	Encrypted    bool      `json:"encrypted"`
	Direct       bool      `json:"direct"`
}

// Message is one stored room event.
type Message struct {
	Owner     string    `json:"-"`
	RoomID    string    `json:"room_id"`
	EventID   string    `json:"event_id"`
	Seq       int64     `json:"seq"`
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	MsgType   string    `json:"msg_type"`
	Encrypted bool      `json:"encrypted"`
	Timestamp time.Time `json:"ts"`
}

// AppendResult reports whether an append stored a new message.
type AppendResult struct {
	Stored     Message
	Duplicated bool
	Room       Room
}

// Filter narrows List. Nil pointers mean "any".
type Filter struct {
	Direct     *bool
	Encrypted  *bool
	UnreadOnly bool
	// Query matches name or topic, case-insensitively.
	Query string
	Limit int
}

// HistoryInput selects a window of the message log.
type HistoryInput struct {
	Owner  string
	RoomID string
	// BeforeSeq returns messages with seq strictly lower. Nil means from the newest.
	BeforeSeq *int64
	Limit     int
}

// HistoryResult is ordered by seq ascending.
type HistoryResult struct {
	Messages []Message
	HasMore  bool
}

// Store persists rooms and messages.
//
// Requirements:
//   - Upsert is idempotent per (owner, room id); last activity never moves backwards;
//     the unread count never decreases through Upsert.
//   - AppendMessage is idempotent per (owner, event id) and allocates a monotonic
//     seq per room without gaps for duplicates.
type Store interface {
	UpsertRoom(ctx context.Context, r Room) (Room, error)
	GetRoom(ctx context.Context, owner, roomID string) (Room, error)
	ListRooms(ctx context.Context, owner string, f Filter) ([]Room, error)
	MarkRead(ctx context.Context, owner, roomID string) (Room, error)
	AppendMessage(ctx context.Context, m Message, incrementUnread bool) (AppendResult, error)
	// MessageByEvent returns ErrNotFound when owner has no message with eventID.
	MessageByEvent(ctx context.Context, owner, eventID string) (Message, error)
	History(ctx context.Context, in HistoryInput) (HistoryResult, error)
}

// Preview truncates content for the room summary.
func Preview(m Message) string {
	if m.MsgType == MsgTypeBadEncrypted {
		return UndecryptablePreview
	}
	r := []rune(m.Content)
	if len(r) <= maxPreviewRunes {
		return m.Content
	}
	return string(r[:maxPreviewRunes-1]) + "…"
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}
