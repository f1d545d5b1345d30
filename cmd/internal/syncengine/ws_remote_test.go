package syncengine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	syncv1 "sigma/shared/contracts/sync/v1"
)

// remoteServer serves one sync stream per connection with serve.
func remoteServer(t *testing.T, serve func(ctx context.Context, conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer expired" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{Subprotocol}})
		if err != nil {
			return
		}
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()
		serve(r.Context(), conn)
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func readFrame(ctx context.Context, conn *websocket.Conn) (syncv1.Frame, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return syncv1.Frame{}, err
	}
	var f syncv1.Frame
	return f, json.Unmarshal(data, &f)
}

func writeFrame(ctx context.Context, conn *websocket.Conn, typ, id string, payload any) error {
	f, err := syncv1.NewFrame(typ, id, payload)
	if err != nil {
		return err
	}
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// acceptAuth answers the auth frame and returns its payload.
func acceptAuth(ctx context.Context, conn *websocket.Conn) (syncv1.AuthPayload, error) {
	f, err := readFrame(ctx, conn)
	if err != nil {
		return syncv1.AuthPayload{}, err
	}
	var p syncv1.AuthPayload
	if err := f.Decode(&p); err != nil {
		return p, err
	}
	return p, writeFrame(ctx, conn, syncv1.TypeAuthOK, f.ID, struct{}{})
}

func TestWSRemote_Conversation(t *testing.T) {
	t.Parallel()

	auths := make(chan syncv1.AuthPayload, 1)
	url := remoteServer(t, func(ctx context.Context, conn *websocket.Conn) {
		p, err := acceptAuth(ctx, conn)
		if err != nil {
			return
		}
		auths <- p

		for {
			f, err := readFrame(ctx, conn)
			if err != nil {
				return
			}
			switch f.Type {
			case syncv1.TypeInitialSync:
				var in syncv1.InitialSyncPayload
				_ = f.Decode(&in)
				_ = writeFrame(ctx, conn, syncv1.TypeSync, f.ID, syncv1.Batch{
					Rooms:  []syncv1.RoomSummary{{RoomID: "!r", Name: "R", MemberCount: in.Limit}},
					Cursor: "c1",
				})
				// Unsolicited push.
				_ = writeFrame(ctx, conn, syncv1.TypeSync, "", syncv1.Batch{
					Events: []syncv1.Event{{EventID: "$1", RoomID: "!r", Type: syncv1.EventMessage, Sender: "carol", Body: "hi"}},
					Cursor: "c2",
				})
			case syncv1.TypeSend:
				var ev syncv1.OutgoingEvent
				_ = f.Decode(&ev)
				if ev.RoomID == "!missing" {
					_ = writeFrame(ctx, conn, syncv1.TypeError, f.ID, syncv1.ErrorPayload{Code: syncv1.CodeNotFound, Message: "no such room"})
					continue
				}
				_ = writeFrame(ctx, conn, syncv1.TypeSendOK, f.ID, syncv1.SendOKPayload{EventID: "$" + ev.TxnID, TS: t0})
			case syncv1.TypeHistory:
				var in syncv1.HistoryPayload
				_ = f.Decode(&in)
				_ = writeFrame(ctx, conn, syncv1.TypeHistoryChunk, f.ID, syncv1.HistoryChunk{RoomID: in.RoomID, End: in.From + "-older"})
			case syncv1.TypeCreateRoom:
				var in syncv1.CreateRoomPayload
				_ = f.Decode(&in)
				if in.Name == "blank" {
					_ = writeFrame(ctx, conn, syncv1.TypeRoomCreated, f.ID, syncv1.RoomSummary{})
					continue
				}
				_ = writeFrame(ctx, conn, syncv1.TypeRoomCreated, f.ID, syncv1.RoomSummary{
					RoomID:      "!" + in.TxnID,
					Name:        in.Name,
					MemberCount: len(in.Invite) + 1,
					Encrypted:   in.Encrypted,
					Direct:      in.Direct,
				})
			}
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r := NewWSRemote(url, nil, nil)
	s, err := r.Open(ctx, OpenRequest{UserID: "bob", Credentials: Credentials{AccessToken: "good"}, Since: "c0"})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.Equal(t, syncv1.AuthPayload{UserID: "bob", Token: "good", Since: "c0"}, <-auths)

	b, err := s.InitialSync(ctx, 20)
	require.NoError(t, err)
	require.Equal(t, "c1", b.Cursor)
	require.Equal(t, 20, b.Rooms[0].MemberCount)

	b, err = s.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "c2", b.Cursor)
	require.Equal(t, "hi", b.Events[0].Body)

	ack, err := s.Send(ctx, syncv1.OutgoingEvent{RoomID: "!r", TxnID: "tx1", Type: syncv1.EventMessage, Body: "yo"})
	require.NoError(t, err)
	require.Equal(t, "$tx1", ack.EventID)

	_, err = s.Send(ctx, syncv1.OutgoingEvent{RoomID: "!missing", TxnID: "tx2", Type: syncv1.EventMessage, Body: "yo"})
	require.ErrorIs(t, err, ErrRemoteRejected)

	chunk, err := s.History(ctx, "!r", "t5", 10)
	require.NoError(t, err)
	require.Equal(t, "t5-older", chunk.End)

	rs, err := s.CreateRoom(ctx, syncv1.CreateRoomPayload{TxnID: "tx3", Name: "Plans", Invite: []string{"carol"}, Encrypted: true})
	require.NoError(t, err)
	require.Equal(t, syncv1.RoomSummary{RoomID: "!tx3", Name: "Plans", MemberCount: 2, Encrypted: true}, rs)

	_, err = s.CreateRoom(ctx, syncv1.CreateRoomPayload{TxnID: "tx4", Name: "blank"})
	require.ErrorIs(t, err, ErrTransientNetwork)

	require.NoError(t, s.Close())
	_, err = s.Next(ctx)
	require.ErrorIs(t, err, ErrClosed)
}

func TestWSRemote_UnauthorizedDial(t *testing.T) {
	t.Parallel()
	url := remoteServer(t, func(context.Context, *websocket.Conn) {})

	_, err := NewWSRemote(url, nil, nil).Open(context.Background(), OpenRequest{UserID: "bob", Credentials: Credentials{AccessToken: "expired"}})
	require.ErrorIs(t, err, ErrAuthenticationExpired)
}

func TestWSRemote_AuthExpiredFrame(t *testing.T) {
	t.Parallel()
	url := remoteServer(t, func(ctx context.Context, conn *websocket.Conn) {
		f, err := readFrame(ctx, conn)
		if err != nil {
			return
		}
		_ = writeFrame(ctx, conn, syncv1.TypeError, f.ID, syncv1.ErrorPayload{Code: syncv1.CodeAuthExpired, Message: "token expired"})
		_, _, _ = conn.Read(ctx)
	})

	_, err := NewWSRemote(url, nil, nil).Open(context.Background(), OpenRequest{UserID: "bob", Credentials: Credentials{AccessToken: "good"}})
	require.ErrorIs(t, err, ErrAuthenticationExpired)
}

func TestWSRemote_CloseCodes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		code websocket.StatusCode
		want error
	}{
		{"revoked", CloseAuthExpired, ErrAuthenticationExpired},
		{"going away", websocket.StatusGoingAway, ErrTransientNetwork},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			url := remoteServer(t, func(ctx context.Context, conn *websocket.Conn) {
				if _, err := acceptAuth(ctx, conn); err != nil {
					return
				}
				_ = conn.Close(tc.code, "closing")
			})

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			s, err := NewWSRemote(url, nil, nil).Open(ctx, OpenRequest{UserID: "bob"})
			require.NoError(t, err)
			defer func() { _ = s.Close() }()

			_, err = s.Next(ctx)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestWSRemote_DialFailureIsTransient(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewWSRemote(url, nil, nil).Open(context.Background(), OpenRequest{UserID: "bob"})
	require.ErrorIs(t, err, ErrTransientNetwork)
}
