package rooms

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

const memMaxMessagesPerRoom = 10_000

// MemoryStore is the in-process Store used in tests and when no database is configured.
type MemoryStore struct {
	mu    sync.Mutex
	rooms map[roomKey]*memRoom
	// events indexes every stored message by (owner, event id).
	events map[eventKey]Message
}

type roomKey struct{ owner, room string }
type eventKey struct{ owner, event string }

type memRoom struct {
	room Room
	seq  int64
	msgs []Message // ordered by seq
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:  make(map[roomKey]*memRoom),
		events: make(map[eventKey]Message),
	}
}

// mergeRoom applies an incoming summary onto the stored one.
func mergeRoom(stored, in Room) Room {
	out := in
	if stored.LastActivity.After(in.LastActivity) {
		out.LastActivity = stored.LastActivity
		out.LastMessage = stored.LastMessage
	} else if in.LastMessage == "" {
		out.LastMessage = stored.LastMessage
	}
	out.UnreadCount = max(stored.UnreadCount, in.UnreadCount)
	out.Encrypted = stored.Encrypted || in.Encrypted
	return out
}

func cloneRoom(r Room) Room {
	r.Members = append([]Member(nil), r.Members...)
	return r
}

func (s *MemoryStore) UpsertRoom(ctx context.Context, r Room) (Room, error) {
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := roomKey{r.Owner, r.ID}
	mr, ok := s.rooms[k]
	if !ok {
		mr = &memRoom{room: cloneRoom(r)}
		s.rooms[k] = mr
		return cloneRoom(mr.room), nil
	}
	mr.room = mergeRoom(mr.room, cloneRoom(r))
	return cloneRoom(mr.room), nil
}

func (s *MemoryStore) GetRoom(ctx context.Context, owner, roomID string) (Room, error) {
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	mr, ok := s.rooms[roomKey{owner, roomID}]
	if !ok {
		return Room{}, fmt.Errorf("room %q: %w", roomID, ErrNotFound)
	}
	return cloneRoom(mr.room), nil
}

func (s *MemoryStore) ListRooms(ctx context.Context, owner string, f Filter) ([]Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q := strings.ToLower(f.Query)

	s.mu.Lock()
	var out []Room
	for k, mr := range s.rooms {
		if k.owner != owner {
			continue
		}
		r := mr.room
		if f.Direct != nil && r.Direct != *f.Direct {
			continue
		}
		if f.Encrypted != nil && r.Encrypted != *f.Encrypted {
			continue
		}
		if f.UnreadOnly && r.UnreadCount == 0 {
			continue
		}
		if q != "" && !strings.Contains(strings.ToLower(r.Name), q) && !strings.Contains(strings.ToLower(r.Topic), q) {
			continue
		}
		out = append(out, cloneRoom(r))
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].LastActivity.After(out[j].LastActivity)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) MarkRead(ctx context.Context, owner, roomID string) (Room, error) {
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	mr, ok := s.rooms[roomKey{owner, roomID}]
	if !ok {
		return Room{}, fmt.Errorf("room %q: %w", roomID, ErrNotFound)
	}
	mr.room.UnreadCount = 0
	return cloneRoom(mr.room), nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, m Message, incrementUnread bool) (AppendResult, error) {
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := roomKey{m.Owner, m.RoomID}
	mr, ok := s.rooms[k]
	if !ok {
		mr = &memRoom{room: Room{Owner: m.Owner, ID: m.RoomID, LastActivity: m.Timestamp}}
		s.rooms[k] = mr
	}

	ek := eventKey{m.Owner, m.EventID}
	if existing, ok := s.events[ek]; ok {
		return AppendResult{Stored: existing, Duplicated: true, Room: cloneRoom(mr.room)}, nil
	}

	mr.seq++
	m.Seq = mr.seq
	s.events[ek] = m
	mr.msgs = append(mr.msgs, m)
	if len(mr.msgs) > memMaxMessagesPerRoom {
		mr.msgs = mr.msgs[len(mr.msgs)-memMaxMessagesPerRoom:]
	}

	if !m.Timestamp.Before(mr.room.LastActivity) {
		mr.room.LastActivity = m.Timestamp
		mr.room.LastMessage = Preview(m)
	}
	if incrementUnread {
		mr.room.UnreadCount++
	}
	if m.Encrypted {
		mr.room.Encrypted = true
	}
	return AppendResult{Stored: m, Room: cloneRoom(mr.room)}, nil
}

func (s *MemoryStore) MessageByEvent(ctx context.Context, owner, eventID string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.events[eventKey{owner, eventID}]
	if !ok {
		return Message{}, fmt.Errorf("event %q: %w", eventID, ErrNotFound)
	}
	return m, nil
}

func (s *MemoryStore) History(ctx context.Context, in HistoryInput) (HistoryResult, error) {
	if err := ctx.Err(); err != nil {
		return HistoryResult{}, err
	}
	limit := clampLimit(in.Limit)

	s.mu.Lock()
	var snap []Message
	if mr, ok := s.rooms[roomKey{in.Owner, in.RoomID}]; ok {
		snap = append([]Message(nil), mr.msgs...)
	}
	s.mu.Unlock()

	end := len(snap)
	if in.BeforeSeq != nil {
		before := *in.BeforeSeq
		end = sort.Search(len(snap), func(i int) bool { return snap[i].Seq >= before })
	}
	start := max(end-limit, 0)
	if start == end {
		return HistoryResult{}, nil
	}
	return HistoryResult{Messages: snap[start:end], HasMore: start > 0}, nil
}
