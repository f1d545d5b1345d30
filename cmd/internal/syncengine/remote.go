package syncengine

import (
	"context"

	syncv1 "sigma/shared/contracts/sync/v1"
)

// Credentials authenticate a local user against the remote service.
type Credentials struct {
	AccessToken string
}

// OpenRequest describes a stream to open. Since is the cursor of the last
// applied batch ("" for a fresh start).
type OpenRequest struct {
	UserID      string
	Credentials Credentials
	Since       string
}

// Remote opens authenticated streams to the remote conversation service.
//
// Implementations return errors wrapping ErrAuthenticationExpired when the
// credentials are refused and ErrTransientNetwork for failures worth retrying.
type Remote interface {
	Open(ctx context.Context, req OpenRequest) (Stream, error)
}

// Stream is one authenticated session with the remote service.
// Close unblocks every pending call.
type Stream interface {
	InitialSync(ctx context.Context, limit int) (syncv1.Batch, error)
	Next(ctx context.Context) (syncv1.Batch, error)
	Send(ctx context.Context, ev syncv1.OutgoingEvent) (syncv1.SendOKPayload, error)
	History(ctx context.Context, roomID, from string, limit int) (syncv1.HistoryChunk, error)
	CreateRoom(ctx context.Context, req syncv1.CreateRoomPayload) (syncv1.RoomSummary, error)
	Close() error
}
