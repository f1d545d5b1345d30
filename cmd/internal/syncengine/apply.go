package syncengine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"sigma/cmd/internal/cryptosession"
	"sigma/cmd/internal/keys"
	"sigma/cmd/internal/rooms"
	"sigma/cmd/internal/sessions"
	pushv1 "sigma/shared/contracts/push/v1"
	syncv1 "sigma/shared/contracts/sync/v1"
)

// Warning reports an inbound event that could not be decrypted or whose
// sender identity is not trusted. The event is kept as an m.bad.encrypted record.
type Warning struct {
	RoomID       string
	EventID      string
	SenderID     string
	SenderDevice uint32
	Reason       string
	// Fingerprint of the presented identity, for untrusted identities.
	Fingerprint string
	Err         error
}

// applyBatch applies rooms then events; the cursor only advances once the
// whole batch is in the directory.
func (e *Engine) applyBatch(ctx context.Context, h *Handle, b syncv1.Batch) error {
	for _, rs := range b.Rooms {
		if err := e.applyRoom(ctx, h.owner, rs); err != nil {
			return err
		}
	}
	for _, ev := range b.Events {
		if _, err := e.applyEvent(ctx, h, ev, true); err != nil {
			return err
		}
	}
	e.setCursor(h.owner, b.Cursor)
	return nil
}

func (e *Engine) applyRoom(ctx context.Context, owner string, rs syncv1.RoomSummary) error {
	if strings.TrimSpace(rs.RoomID) == "" {
		e.log.Warn("sync.room.invalid", "owner", owner)
		return nil
	}
	_, err := e.upsertRoom(ctx, owner, rs)
	return err
}

// upsertRoom mirrors rs into the directory and announces it.
func (e *Engine) upsertRoom(ctx context.Context, owner string, rs syncv1.RoomSummary) (rooms.Room, error) {
	members := make([]rooms.Member, 0, len(rs.Members))
	for _, m := range rs.Members {
		members = append(members, rooms.Member{UserID: m.UserID, DeviceID: m.DeviceID})
	}
	unread := rs.UnreadCount
	if unread < 0 {
		unread = 0
	}
	r, err := e.dir.Upsert(ctx, rooms.Room{
		Owner:        owner,
		ID:           rs.RoomID,
		Name:         rs.Name,
		Topic:        rs.Topic,
		AvatarRef:    rs.AvatarRef,
		MemberCount:  rs.MemberCount,
		Members:      members,
		LastActivity: rs.LastActivity,
		UnreadCount:  unread,
		Encrypted:    rs.Encrypted,
		Direct:       rs.Direct,
	})
	if err != nil {
		return rooms.Room{}, fmt.Errorf("upsert room %s: %w", rs.RoomID, err)
	}
	e.publish(owner, pushv1.TypeRoomUpdated, roomPayload(r))
	return r, nil
}

// applyEvent records one inbound event. live events count toward unread;
// backfilled history does not. It reports whether a new record was stored.
//
// A decrypted session is only saved once the record is stored, so a failed
// write leaves the event decryptable on retry.
func (e *Engine) applyEvent(ctx context.Context, h *Handle, ev syncv1.Event, live bool) (bool, error) {
	owner := h.owner
	if strings.TrimSpace(ev.EventID) == "" || strings.TrimSpace(ev.RoomID) == "" || strings.TrimSpace(ev.Sender) == "" {
		e.log.Warn("sync.event.invalid", "owner", owner, "event_id", ev.EventID, "room_id", ev.RoomID)
		return false, nil
	}

	h.applyMu.Lock()
	defer h.applyMu.Unlock()

	seen, err := e.dir.HasEvent(ctx, owner, ev.EventID)
	if err != nil {
		return false, fmt.Errorf("lookup event %s: %w", ev.EventID, err)
	}
	if seen {
		e.m.EventsDuplicate.Inc()
		return false, nil
	}

	encrypted := ev.Type == syncv1.EventEncrypted
	if !encrypted {
		r, err := e.dir.Get(ctx, owner, ev.RoomID)
		switch {
		case err == nil:
			encrypted = r.Encrypted
		case errors.Is(err, rooms.ErrNotFound):
		default:
			return false, fmt.Errorf("load room %s: %w", ev.RoomID, err)
		}
	}

	// Own messages from this device are recorded by SendMessage; the echo
	// carries no ciphertext for the sender.
	if encrypted && ev.Sender == owner && ev.SenderDevice == e.cfg.DeviceID {
		return false, nil
	}

	msg := rooms.Message{
		Owner:     owner,
		RoomID:    ev.RoomID,
		EventID:   ev.EventID,
		SenderID:  ev.Sender,
		MsgType:   ev.MsgType,
		Encrypted: encrypted,
		Timestamp: ev.TS,
	}
	if msg.MsgType == "" {
		msg.MsgType = rooms.MsgTypeText
	}

	var warning *Warning
	var opened *cryptosession.Opened
	if encrypted {
		o, w, err := e.decrypt(ctx, owner, ev)
		switch {
		case err != nil:
			return false, err
		case w != nil:
			warning = w
			msg.MsgType = rooms.MsgTypeBadEncrypted
		default:
			opened = o
			defer opened.Discard()
			msg.Content = string(o.Plaintext)
		}
	} else {
		msg.Content = ev.Body
	}

	res, err := e.dir.RecordMessage(ctx, msg, live && ev.Sender != owner)
	if err != nil {
		return false, fmt.Errorf("record event %s: %w", ev.EventID, err)
	}
	if opened != nil {
		if err := opened.Commit(ctx); err != nil {
			// The plaintext is stored; later messages still decrypt from the
			// previous state.
			e.log.Error("sync.session.commit_failed", "owner", owner, "event_id", ev.EventID, "err", err)
		}
	}
	if res.Duplicated {
		e.m.EventsDuplicate.Inc()
		return false, nil
	}
	e.m.EventsApplied.Inc()

	e.publish(owner, pushv1.TypeMessage, messagePayload(res.Stored))
	e.publish(owner, pushv1.TypeRoomUpdated, roomPayload(res.Room))
	if warning != nil {
		e.securityWarning(h, *warning)
	}
	return true, nil
}

// decrypt opens the event, or returns a warning when it cannot be
// decrypted. A non-nil error aborts the batch.
func (e *Engine) decrypt(ctx context.Context, owner string, ev syncv1.Event) (*cryptosession.Opened, *Warning, error) {
	w := &Warning{
		RoomID:       ev.RoomID,
		EventID:      ev.EventID,
		SenderID:     ev.Sender,
		SenderDevice: ev.SenderDevice,
	}

	self := sessions.Address{UserID: owner, DeviceID: e.cfg.DeviceID}
	raw, ok := ev.Ciphertexts[self.String()]
	if !ok {
		w.Reason = pushv1.ReasonNotAddressed
		w.Err = fmt.Errorf("no ciphertext for %s", self)
		return nil, w, nil
	}

	ct, err := cryptosession.ParseCiphertext(raw)
	if err != nil {
		w.Reason = pushv1.ReasonDecryptFailed
		w.Err = err
		return nil, w, nil
	}

	sender := sessions.Address{UserID: ev.Sender, DeviceID: ev.SenderDevice}
	o, err := e.cipher.Open(ctx, owner, sender, ct)
	if err == nil {
		return o, nil, nil
	}
	if ctx.Err() != nil {
		return nil, nil, ctx.Err()
	}

	var untrusted *cryptosession.UntrustedIdentityError
	switch {
	case errors.As(err, &untrusted):
		w.Reason = pushv1.ReasonUntrustedIdentity
		w.Fingerprint = untrusted.Presented
	case errors.Is(err, cryptosession.ErrUntrustedIdentity):
		w.Reason = pushv1.ReasonUntrustedIdentity
	case errors.Is(err, cryptosession.ErrOutOfOrder):
		w.Reason = pushv1.ReasonOutOfOrder
	case errors.Is(err, cryptosession.ErrNoSession):
		w.Reason = pushv1.ReasonNoSession
	case errors.Is(err, cryptosession.ErrDecryptionFailure),
		errors.Is(err, cryptosession.ErrInvalidInput),
		errors.Is(err, cryptosession.ErrInvalidSignature),
		errors.Is(err, keys.ErrNotFound):
		w.Reason = pushv1.ReasonDecryptFailed
	default:
		// Storage failures are retried with the batch, not recorded.
		return nil, nil, fmt.Errorf("decrypt event %s: %w", ev.EventID, err)
	}
	w.Err = err
	return nil, w, nil
}

func (e *Engine) securityWarning(h *Handle, w Warning) {
	e.m.DecryptFailures.WithLabelValues(w.Reason).Inc()
	e.log.Warn("sync.security_warning",
		"owner", h.owner,
		"room_id", w.RoomID,
		"event_id", w.EventID,
		"sender", sessions.Address{UserID: w.SenderID, DeviceID: w.SenderDevice}.String(),
		"reason", w.Reason,
		"err", w.Err,
	)
	e.publish(h.owner, pushv1.TypeSecurityWarning, pushv1.SecurityWarningPayload{
		RoomID:       w.RoomID,
		EventID:      w.EventID,
		SenderID:     w.SenderID,
		SenderDevice: w.SenderDevice,
		Reason:       w.Reason,
		Fingerprint:  w.Fingerprint,
	})
	if !h.warn(w) {
		e.log.Warn("sync.warning.dropped", "owner", h.owner, "event_id", w.EventID)
	}
}

func messagePayload(m rooms.Message) pushv1.MessagePayload {
	return pushv1.MessagePayload{
		RoomID:    m.RoomID,
		EventID:   m.EventID,
		Seq:       m.Seq,
		SenderID:  m.SenderID,
		Content:   m.Content,
		MsgType:   m.MsgType,
		Encrypted: m.Encrypted,
		TS:        m.Timestamp,
	}
}

func roomPayload(r rooms.Room) pushv1.RoomUpdatedPayload {
	return pushv1.RoomUpdatedPayload{
		RoomID:       r.ID,
		Name:         r.Name,
		Topic:        r.Topic,
		AvatarRef:    r.AvatarRef,
		MemberCount:  r.MemberCount,
		LastActivity: r.LastActivity,
		LastMessage:  r.LastMessage,
		UnreadCount:  r.UnreadCount,
		Encrypted:    r.Encrypted,
		Direct:       r.Direct,
	}
}
