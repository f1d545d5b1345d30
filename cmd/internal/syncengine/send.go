package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"sigma/cmd/identity/ids"
	"sigma/cmd/internal/cryptosession"
	"sigma/cmd/internal/rooms"
	"sigma/cmd/internal/sessions"
	pushv1 "sigma/shared/contracts/push/v1"
	syncv1 "sigma/shared/contracts/sync/v1"
)

const (
	defaultBackfillLimit = 50
	maxBackfillLimit     = 200
)

// SendMessage sends plaintext to roomID as owner and records the own copy.
//
// In encrypted rooms every member device other than the sending one must
// have a session; otherwise ErrNoSession is returned before any ratchet advances.
// An encrypted room whose members are unknown is refused the same way.
func (e *Engine) SendMessage(ctx context.Context, owner, roomID, plaintext string) (rooms.Message, error) {
	if strings.TrimSpace(roomID) == "" || plaintext == "" {
		return rooms.Message{}, fmt.Errorf("%w: room id and body are required", ErrInvalidInput)
	}
	stream, err := e.stream(owner)
	if err != nil {
		return rooms.Message{}, err
	}

	room, err := e.dir.Get(ctx, owner, roomID)
	if err != nil {
		return rooms.Message{}, err
	}

	txnID, err := ids.NewULID(e.now())
	if err != nil {
		return rooms.Message{}, fmt.Errorf("txn id: %w", err)
	}
	out := syncv1.OutgoingEvent{
		RoomID:  roomID,
		TxnID:   txnID,
		Type:    syncv1.EventMessage,
		MsgType: rooms.MsgTypeText,
	}

	if room.Encrypted {
		cts, err := e.encryptForMembers(ctx, owner, room, []byte(plaintext))
		if err != nil {
			return rooms.Message{}, err
		}
		out.Type = syncv1.EventEncrypted
		out.Ciphertexts = cts
	} else {
		out.Body = plaintext
	}

	ack, err := stream.Send(ctx, out)
	if err != nil {
		return rooms.Message{}, fmt.Errorf("send to %s: %w", roomID, err)
	}
	e.m.MessagesSent.Inc()

	ts := ack.TS
	if ts.IsZero() {
		ts = e.now()
	}
	res, err := e.dir.RecordMessage(ctx, rooms.Message{
		Owner:     owner,
		RoomID:    roomID,
		EventID:   ack.EventID,
		SenderID:  owner,
		Content:   plaintext,
		MsgType:   rooms.MsgTypeText,
		Encrypted: room.Encrypted,
		Timestamp: ts,
	}, false)
	if err != nil {
		return rooms.Message{}, fmt.Errorf("record own message: %w", err)
	}
	if !res.Duplicated {
		e.publish(owner, pushv1.TypeMessage, messagePayload(res.Stored))
		e.publish(owner, pushv1.TypeRoomUpdated, roomPayload(res.Room))
	}

	e.log.Info("sync.message.sent", "owner", owner, "room_id", roomID, "event_id", ack.EventID, "encrypted", room.Encrypted)
	return res.Stored, nil
}

func (e *Engine) encryptForMembers(ctx context.Context, owner string, room rooms.Room, plaintext []byte) (map[string][]byte, error) {
	recipients := e.recipients(owner, room)
	// Only a room holding just the sender may go out with no ciphertexts.
	if len(recipients) == 0 && room.MemberCount != 1 {
		return nil, fmt.Errorf("%w: no known recipient devices in %s (%d members)", cryptosession.ErrNoSession, room.ID, room.MemberCount)
	}

	var missing []string
	for _, addr := range recipients {
		ok, err := e.cipher.HasSession(ctx, owner, addr)
		if err != nil {
			return nil, err
		}
		if !ok {
			missing = append(missing, addr.String())
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", cryptosession.ErrNoSession, strings.Join(missing, ", "))
	}

	out := make(map[string][]byte, len(recipients))
	for _, addr := range recipients {
		ct, err := e.cipher.Encrypt(ctx, owner, addr, plaintext)
		if err != nil {
			return nil, fmt.Errorf("encrypt for %s: %w", addr, err)
		}
		raw, err := ct.Marshal()
		if err != nil {
			return nil, fmt.Errorf("encode for %s: %w", addr, err)
		}
		out[addr.String()] = raw
	}
	return out, nil
}

// recipients lists every member device except the sending one, sorted.
func (e *Engine) recipients(owner string, room rooms.Room) []sessions.Address {
	seen := make(map[sessions.Address]struct{}, len(room.Members))
	out := make([]sessions.Address, 0, len(room.Members))
	for _, m := range room.Members {
		addr := sessions.Address{UserID: m.UserID, DeviceID: m.DeviceID}
		if addr.DeviceID == 0 {
			addr.DeviceID = 1
		}
		if addr.UserID == owner && addr.DeviceID == e.cfg.DeviceID {
			continue
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// BackfillResult summarizes one history fetch.
type BackfillResult struct {
	Fetched int
	Applied int
	// End is the token for the next, older window; "" when exhausted.
	End string
}

// Backfill fetches older events of roomID and applies them without touching
// unread counts. Calls are rate limited per owner.
func (e *Engine) Backfill(ctx context.Context, owner, roomID, from string, limit int) (BackfillResult, error) {
	if strings.TrimSpace(roomID) == "" {
		return BackfillResult{}, fmt.Errorf("%w: room id is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = defaultBackfillLimit
	}
	if limit > maxBackfillLimit {
		limit = maxBackfillLimit
	}

	h, ok := e.Handle(owner)
	if !ok {
		return BackfillResult{}, ErrNotConnected
	}
	stream, err := e.stream(owner)
	if err != nil {
		return BackfillResult{}, err
	}

	if err := e.wait(ctx, owner); err != nil {
		return BackfillResult{}, err
	}

	chunk, err := stream.History(ctx, roomID, from, limit)
	if err != nil {
		return BackfillResult{}, fmt.Errorf("history %s: %w", roomID, err)
	}

	res := BackfillResult{Fetched: len(chunk.Events), End: chunk.End}
	for _, ev := range chunk.Events {
		if ev.RoomID == "" {
			ev.RoomID = roomID
		}
		if ev.RoomID != roomID {
			continue
		}
		stored, err := e.applyEvent(ctx, h, ev, false)
		if err != nil {
			return res, err
		}
		if stored {
			res.Applied++
		}
	}
	e.log.Info("sync.backfill", "owner", owner, "room_id", roomID, "fetched", res.Fetched, "applied", res.Applied)
	return res, nil
}

// wait reserves a backfill token, failing fast when the wait would exceed BackfillMaxWait.
func (e *Engine) wait(ctx context.Context, owner string) error {
	r := e.limiter(owner).Reserve()
	if !r.OK() {
		return &RateLimitError{RetryAfter: e.cfg.BackfillMaxWait}
	}
	d := r.Delay()
	if d == 0 {
		return nil
	}
	if d > e.cfg.BackfillMaxWait {
		r.Cancel()
		return &RateLimitError{RetryAfter: d}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}

func (e *Engine) stream(owner string) (Stream, error) {
	h, ok := e.Handle(owner)
	if !ok {
		return nil, ErrNotConnected
	}
	s, ok := h.liveStream()
	if !ok {
		if err := h.Err(); err != nil {
			return nil, errors.Join(ErrNotConnected, err)
		}
		return nil, ErrNotConnected
	}
	return s, nil
}
