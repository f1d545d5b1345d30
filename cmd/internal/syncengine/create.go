package syncengine

import (
	"context"
	"fmt"
	"strings"

	"sigma/cmd/identity/ids"
	"sigma/cmd/internal/keys"
	"sigma/cmd/internal/rooms"
	syncv1 "sigma/shared/contracts/sync/v1"
)

// CreateRoomOptions describe a room to create on the remote service.
type CreateRoomOptions struct {
	Name   string
	Topic  string
	Invite []string
	// Direct rooms invite exactly one other user.
	Direct    bool
	Encrypted bool
}

// CreateRoom creates a room as owner and mirrors it into the directory.
// Flags and member count the remote leaves out are filled from opts.
func (e *Engine) CreateRoom(ctx context.Context, owner string, opts CreateRoomOptions) (rooms.Room, error) {
	invite, err := normalizeInvite(owner, opts.Invite)
	if err != nil {
		return rooms.Room{}, err
	}
	if opts.Direct && len(invite) != 1 {
		return rooms.Room{}, fmt.Errorf("%w: a direct room invites exactly one user", ErrInvalidInput)
	}
	stream, err := e.stream(owner)
	if err != nil {
		return rooms.Room{}, err
	}

	now := e.now()
	txnID, err := ids.NewULID(now)
	if err != nil {
		return rooms.Room{}, fmt.Errorf("txn id: %w", err)
	}
	rs, err := stream.CreateRoom(ctx, syncv1.CreateRoomPayload{
		TxnID:     txnID,
		Name:      strings.TrimSpace(opts.Name),
		Topic:     strings.TrimSpace(opts.Topic),
		Invite:    invite,
		Direct:    opts.Direct,
		Encrypted: opts.Encrypted,
	})
	if err != nil {
		return rooms.Room{}, fmt.Errorf("create room: %w", err)
	}

	rs.Encrypted = rs.Encrypted || opts.Encrypted
	rs.Direct = rs.Direct || opts.Direct
	if rs.Name == "" {
		rs.Name = strings.TrimSpace(opts.Name)
	}
	if rs.Topic == "" {
		rs.Topic = strings.TrimSpace(opts.Topic)
	}
	if len(rs.Members) == 0 {
		rs.Members = append(rs.Members, syncv1.Member{UserID: owner, DeviceID: e.cfg.DeviceID})
		for _, u := range invite {
			rs.Members = append(rs.Members, syncv1.Member{UserID: u, DeviceID: keys.DefaultDeviceID})
		}
	}
	if rs.MemberCount < len(invite)+1 {
		rs.MemberCount = len(invite) + 1
	}
	if rs.LastActivity.IsZero() {
		rs.LastActivity = now
	}
	rs.UnreadCount = 0

	r, err := e.upsertRoom(ctx, owner, rs)
	if err != nil {
		return rooms.Room{}, err
	}
	e.log.Info("sync.room.created",
		"owner", owner,
		"room_id", r.ID,
		"invited", len(invite),
		"direct", r.Direct,
		"encrypted", r.Encrypted,
	)
	return r, nil
}

// normalizeInvite trims, dedupes and drops the creator, keeping order.
func normalizeInvite(owner string, in []string) ([]string, error) {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, u := range in {
		u = strings.TrimSpace(u)
		if u == "" {
			return nil, fmt.Errorf("%w: empty invitee", ErrInvalidInput)
		}
		if u == owner {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out, nil
}
