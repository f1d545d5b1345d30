package rooms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Directory validates and logs RoomDirectory operations on top of a Store.
type Directory struct {
	store Store
	log   *slog.Logger
	now   func() time.Time
}

func NewDirectory(store Store, log *slog.Logger) *Directory {
	if log == nil {
		log = slog.Default()
	}
	return &Directory{store: store, log: log, now: func() time.Time { return time.Now().UTC() }}
}

func requireIDs(owner, roomID string) error {
	if strings.TrimSpace(owner) == "" || strings.TrimSpace(roomID) == "" {
		return fmt.Errorf("%w: owner and room id are required", ErrInvalidInput)
	}
	return nil
}

// Upsert creates or refreshes a room summary.
func (d *Directory) Upsert(ctx context.Context, r Room) (Room, error) {
	if err := requireIDs(r.Owner, r.ID); err != nil {
		return Room{}, err
	}
	if r.UnreadCount < 0 {
		return Room{}, fmt.Errorf("%w: negative unread count", ErrInvalidInput)
	}
	if r.LastActivity.IsZero() {
		// Summaries without a timestamp must not bump a known room to the top.
		existing, err := d.store.GetRoom(ctx, r.Owner, r.ID)
		switch {
		case err == nil:
			r.LastActivity = existing.LastActivity
		case errors.Is(err, ErrNotFound):
			r.LastActivity = d.now()
		default:
			return Room{}, err
		}
	}
	if r.MemberCount < len(r.Members) {
		r.MemberCount = len(r.Members)
	}
	return d.store.UpsertRoom(ctx, r)
}

// Get returns one room.
func (d *Directory) Get(ctx context.Context, owner, roomID string) (Room, error) {
	if err := requireIDs(owner, roomID); err != nil {
		return Room{}, err
	}
	return d.store.GetRoom(ctx, owner, roomID)
}

// List returns owner's rooms, most recently active first.
func (d *Directory) List(ctx context.Context, owner string, f Filter) ([]Room, error) {
	if strings.TrimSpace(owner) == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidInput)
	}
	f.Query = strings.TrimSpace(f.Query)
	return d.store.ListRooms(ctx, owner, f)
}

// MarkRead resets the unread counter of one room.
func (d *Directory) MarkRead(ctx context.Context, owner, roomID string) (Room, error) {
	if err := requireIDs(owner, roomID); err != nil {
		return Room{}, err
	}
	r, err := d.store.MarkRead(ctx, owner, roomID)
	if err != nil {
		return Room{}, err
	}
	d.log.Debug("rooms.read", "owner", owner, "room_id", roomID)
	return r, nil
}

// RecordMessage appends m to the log. Duplicates (same owner and event id) are
// reported with Duplicated and leave the room untouched.
func (d *Directory) RecordMessage(ctx context.Context, m Message, incrementUnread bool) (AppendResult, error) {
	if err := requireIDs(m.Owner, m.RoomID); err != nil {
		return AppendResult{}, err
	}
	if strings.TrimSpace(m.EventID) == "" || strings.TrimSpace(m.SenderID) == "" {
		return AppendResult{}, fmt.Errorf("%w: event id and sender are required", ErrInvalidInput)
	}
	if m.MsgType == "" {
		m.MsgType = MsgTypeText
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = d.now()
	}
	res, err := d.store.AppendMessage(ctx, m, incrementUnread)
	if err != nil {
		return AppendResult{}, err
	}
	if res.Duplicated {
		d.log.Debug("rooms.message.duplicate", "owner", m.Owner, "room_id", m.RoomID, "event_id", m.EventID)
	}
	return res, nil
}

// HasEvent reports whether owner already stored eventID.
func (d *Directory) HasEvent(ctx context.Context, owner, eventID string) (bool, error) {
	_, err := d.store.MessageByEvent(ctx, owner, eventID)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}

// History returns a window of a room's message log.
func (d *Directory) History(ctx context.Context, in HistoryInput) (HistoryResult, error) {
	if err := requireIDs(in.Owner, in.RoomID); err != nil {
		return HistoryResult{}, err
	}
	in.Limit = clampLimit(in.Limit)
	return d.store.History(ctx, in)
}
