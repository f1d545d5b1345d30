package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sigma/cmd/identity"
	"sigma/cmd/internal/auth"
	"sigma/cmd/internal/cryptosession"
	"sigma/cmd/internal/keys"
	"sigma/cmd/internal/rooms"
	"sigma/cmd/internal/sessions"
	"sigma/cmd/internal/syncengine"
	syncv1 "sigma/shared/contracts/sync/v1"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

// ---- fake remote ----

type fakeStream struct {
	initial syncv1.Batch
	done    chan struct{}
	once    sync.Once

	mu   sync.Mutex
	sent []syncv1.OutgoingEvent
}

func (s *fakeStream) InitialSync(context.Context, int) (syncv1.Batch, error) { return s.initial, nil }

func (s *fakeStream) Next(ctx context.Context) (syncv1.Batch, error) {
	select {
	case <-s.done:
		return syncv1.Batch{}, syncengine.ErrClosed
	case <-ctx.Done():
		return syncv1.Batch{}, ctx.Err()
	}
}

func (s *fakeStream) Send(_ context.Context, ev syncv1.OutgoingEvent) (syncv1.SendOKPayload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, ev)
	return syncv1.SendOKPayload{EventID: "$sent-" + ev.TxnID, TS: t0.Add(time.Hour)}, nil
}

func (s *fakeStream) History(_ context.Context, roomID, from string, _ int) (syncv1.HistoryChunk, error) {
	return syncv1.HistoryChunk{
		RoomID: roomID,
		Events: []syncv1.Event{{EventID: "$old", RoomID: roomID, Type: syncv1.EventMessage, Sender: "bob", Body: "earlier", TS: t0.Add(-time.Hour)}},
		End:    from + "-next",
	}, nil
}

func (s *fakeStream) CreateRoom(_ context.Context, req syncv1.CreateRoomPayload) (syncv1.RoomSummary, error) {
	members := []syncv1.Member{{UserID: "alice", DeviceID: 1}}
	for _, u := range req.Invite {
		members = append(members, syncv1.Member{UserID: u, DeviceID: 1})
	}
	return syncv1.RoomSummary{
		RoomID:       "!created-" + req.TxnID,
		Name:         req.Name,
		Topic:        req.Topic,
		Members:      members,
		MemberCount:  len(members),
		Direct:       req.Direct,
		Encrypted:    req.Encrypted,
		LastActivity: t0.Add(2 * time.Hour),
	}, nil
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *fakeStream) sentEvents() []syncv1.OutgoingEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]syncv1.OutgoingEvent(nil), s.sent...)
}

type fakeRemote struct {
	stream *fakeStream

	mu    sync.Mutex
	token string
}

func (r *fakeRemote) Open(_ context.Context, req syncengine.OpenRequest) (syncengine.Stream, error) {
	r.mu.Lock()
	r.token = req.Credentials.AccessToken
	r.mu.Unlock()
	return r.stream, nil
}

func (r *fakeRemote) lastToken() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.token
}

// ---- fixture ----

type fixture struct {
	tokens *auth.TokenManager
	keys   *keys.Service
	dir    *rooms.Directory
	remote *fakeRemote
	srv    *httptest.Server
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	tokens, err := auth.NewTokenManager(auth.DefaultConfig())
	require.NoError(t, err)

	f := &fixture{
		tokens: tokens,
		keys:   keys.NewService(keys.NewMemoryStore(), log),
		dir:    rooms.NewDirectory(rooms.NewMemoryStore(), log),
		remote: &fakeRemote{stream: &fakeStream{
			done: make(chan struct{}),
			initial: syncv1.Batch{
				Rooms: []syncv1.RoomSummary{{
					RoomID:       "!dm",
					Direct:       true,
					Members:      []syncv1.Member{{UserID: "alice", DeviceID: 1}, {UserID: "bob", DeviceID: 1}},
					MemberCount:  2,
					LastActivity: t0,
				}},
				Events: []syncv1.Event{{EventID: "$1", RoomID: "!dm", Type: syncv1.EventMessage, Sender: "bob", Body: "hello", TS: t0}},
				Cursor: "c1",
			},
		}},
	}
	cipher := cryptosession.NewCipher(f.keys, sessions.NewMemoryStore(), log)

	engine, err := syncengine.New(syncengine.Deps{
		Remote:    f.remote,
		Cipher:    cipher,
		Directory: f.dir,
		Log:       log,
	}, syncengine.Config{})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = engine.Close(ctx)
	})

	h, err := NewHandler(log, cfg, Deps{
		Tokens: tokens,
		Keys:   f.keys,
		Cipher: cipher,
		Rooms:  f.dir,
		Sync:   engine,
		Users:  identity.NewStaticResolver(identity.Profile{UserID: "bob", DisplayName: "Bob", AvatarRef: "mxc://bob"}),
	})
	require.NoError(t, err)

	mux := http.NewServeMux()
	h.Register(mux)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) token(t *testing.T, userID string) string {
	t.Helper()
	tok, _, err := f.tokens.Issue(userID, time.Now().UTC())
	require.NoError(t, err)
	return tok
}

// do sends a request as userID ("" for anonymous) and decodes the JSON reply into out.
func (f *fixture) do(t *testing.T, userID, method, path string, body any, out any) *http.Response {
	t.Helper()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+f.token(t, userID))
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if out != nil && len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, out), string(raw))
	}
	return resp
}

// ---- tests ----

func TestAuthRequired(t *testing.T) {
	t.Parallel()
	f := newFixture(t, DefaultConfig())

	var e errorResponse
	resp := f.do(t, "", http.MethodGet, "/v1/rooms", nil, &e)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "unauthorized", e.Error.Code)

	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/v1/rooms", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer v4.public.garbage")
	resp, err = f.srv.Client().Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestIdentityAndBundle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, DefaultConfig())

	var created createIdentityResponse
	resp := f.do(t, "alice", http.MethodPost, "/v1/identity", nil, &created)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "alice", created.Bundle.UserID)
	require.NotNil(t, created.Bundle.OneTimePrekey)
	require.Equal(t, created.Bundle.Identity.Fingerprint(), created.Fingerprint)

	n, err := f.keys.CountAvailablePrekeys(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, keys.DefaultPrekeyCount, n)

	var e errorResponse
	resp = f.do(t, "alice", http.MethodPost, "/v1/identity", nil, &e)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, "identity_exists", e.Error.Code)

	var bundle keys.Bundle
	resp = f.do(t, "", http.MethodGet, "/v1/users/alice/bundle", nil, &bundle)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, bundle.VerifySignature())
	require.True(t, bundle.Identity.Equal(created.Bundle.Identity))

	resp = f.do(t, "", http.MethodGet, "/v1/users/nobody/bundle", nil, &e)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var small createIdentityResponse
	resp = f.do(t, "carol", http.MethodPost, "/v1/identity", createIdentityRequest{PrekeyCount: 10}, &small)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	n, err = f.keys.CountAvailablePrekeys(context.Background(), "carol")
	require.NoError(t, err)
	require.Equal(t, 10, n)
}

func TestBuildSessionAndTrust(t *testing.T) {
	t.Parallel()
	f := newFixture(t, DefaultConfig())

	for _, u := range []string{"alice", "bob"} {
		resp := f.do(t, u, http.MethodPost, "/v1/identity", nil, nil)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	var built buildSessionResponse
	resp := f.do(t, "alice", http.MethodPost, "/v1/sessions", buildSessionRequest{UserID: "bob"}, &built)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, uint32(1), built.DeviceID)

	// The served prekey is claimed by the build.
	n, err := f.keys.CountAvailablePrekeys(context.Background(), "bob")
	require.NoError(t, err)
	require.Equal(t, keys.DefaultPrekeyCount-1, n)

	var e errorResponse
	resp = f.do(t, "alice", http.MethodPost, "/v1/sessions", buildSessionRequest{UserID: "alice"}, &e)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, "alice", http.MethodPost, "/v1/sessions", buildSessionRequest{UserID: "nobody"}, &e)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	// A bundle for bob signed by some other identity is not trusted.
	other := keys.NewService(keys.NewMemoryStore(), nil)
	forged, err := other.Onboard(context.Background(), "bob", 5)
	require.NoError(t, err)

	resp = f.do(t, "alice", http.MethodPost, "/v1/sessions", buildSessionRequest{UserID: "bob", Bundle: &forged}, &e)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, "untrusted_identity", e.Error.Code)
	require.Equal(t, forged.Identity.Fingerprint(), e.Error.Fingerprint)

	// Tampered signatures are rejected outright.
	tampered := forged
	tampered.SignedPrekey.Signature = bytes.Clone(forged.SignedPrekey.Signature)
	tampered.SignedPrekey.Signature[0] ^= 0xff
	resp = f.do(t, "alice", http.MethodPost, "/v1/sessions", buildSessionRequest{UserID: "bob", Bundle: &tampered}, &e)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	// Accepting needs the fingerprint the user actually confirmed.
	resp = f.do(t, "alice", http.MethodPost, "/v1/identity/accept", acceptIdentityRequest{
		UserID: "bob", Fingerprint: "wrong", Identity: &forged.Identity,
	}, &e)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, "fingerprint_mismatch", e.Error.Code)

	resp = f.do(t, "alice", http.MethodPost, "/v1/identity/accept", acceptIdentityRequest{
		UserID: "bob", Fingerprint: forged.Identity.Fingerprint(), Identity: &forged.Identity,
	}, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestSyncRoomsAndMessages(t *testing.T) {
	t.Parallel()
	f := newFixture(t, DefaultConfig())

	var st syncStateResponse
	resp := f.do(t, "alice", http.MethodGet, "/v1/sync", nil, &st)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "disconnected", st.State)

	resp = f.do(t, "alice", http.MethodPost, "/v1/sync", connectRequest{AccessToken: "remote-token"}, &st)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var list listRoomsResponse
	require.Eventually(t, func() bool {
		list = listRoomsResponse{}
		f.do(t, "alice", http.MethodGet, "/v1/rooms", nil, &list)
		return len(list.Rooms) == 1 && list.Rooms[0].UnreadCount == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, "remote-token", f.remote.lastToken())

	room := list.Rooms[0]
	require.Equal(t, "!dm", room.ID)
	require.Equal(t, "Bob", room.DisplayName)
	require.Equal(t, "mxc://bob", room.AvatarRef)
	require.Equal(t, "hello", room.LastMessage)

	resp = f.do(t, "alice", http.MethodGet, "/v1/sync", nil, &st)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "syncing", st.State)

	var e errorResponse
	resp = f.do(t, "alice", http.MethodGet, "/v1/rooms?direct=maybe", nil, &e)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	list = listRoomsResponse{}
	f.do(t, "alice", http.MethodGet, "/v1/rooms?direct=false", nil, &list)
	require.Empty(t, list.Rooms)

	var hist historyResponse
	resp = f.do(t, "alice", http.MethodGet, "/v1/rooms/!dm/messages", nil, &hist)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, hist.Messages, 1)
	require.Equal(t, "Bob", hist.Messages[0].SenderName)
	require.False(t, hist.HasMore)

	var read roomResponse
	resp = f.do(t, "alice", http.MethodPost, "/v1/rooms/!dm/read", nil, &read)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 0, read.UnreadCount)

	var sent messageResponse
	resp = f.do(t, "alice", http.MethodPost, "/v1/rooms/!dm/messages", sendMessageRequest{Body: "hi bob"}, &sent)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "hi bob", sent.Content)
	require.Equal(t, "alice", sent.SenderID)
	out := f.remote.stream.sentEvents()
	require.Len(t, out, 1)
	require.Equal(t, "hi bob", out[0].Body)

	resp = f.do(t, "alice", http.MethodPost, "/v1/rooms/!dm/messages", sendMessageRequest{Body: "   "}, &e)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var bf backfillResponse
	resp = f.do(t, "alice", http.MethodPost, "/v1/rooms/!dm/backfill", backfillRequest{From: "t1", Limit: 10}, &bf)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, backfillResponse{Fetched: 1, Applied: 1, End: "t1-next"}, bf)

	hist = historyResponse{}
	f.do(t, "alice", http.MethodGet, "/v1/rooms/!dm/messages?limit=2", nil, &hist)
	require.Len(t, hist.Messages, 2)
	require.True(t, hist.HasMore)
	require.NotNil(t, hist.Before)

	hist = historyResponse{}
	resp = f.do(t, "alice", http.MethodGet, "/v1/rooms/!missing/messages", nil, &hist)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, hist.Messages)

	resp = f.do(t, "alice", http.MethodGet, "/v1/rooms/!dm/messages?before=zero", nil, &e)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, "alice", http.MethodDelete, "/v1/sync", nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = f.do(t, "alice", http.MethodDelete, "/v1/sync", nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, "alice", http.MethodPost, "/v1/rooms/!dm/messages", sendMessageRequest{Body: "gone"}, &e)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, "not_connected", e.Error.Code)
}

func TestCreateRoom(t *testing.T) {
	t.Parallel()
	f := newFixture(t, DefaultConfig())

	var e errorResponse
	resp := f.do(t, "alice", http.MethodPost, "/v1/rooms", createRoomRequest{Name: "Plans"}, &e)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, "not_connected", e.Error.Code)

	resp = f.do(t, "alice", http.MethodPost, "/v1/sync", connectRequest{}, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Eventually(t, func() bool {
		var st syncStateResponse
		f.do(t, "alice", http.MethodGet, "/v1/sync", nil, &st)
		return st.State == "syncing"
	}, 2*time.Second, 10*time.Millisecond)

	e = errorResponse{}
	resp = f.do(t, "alice", http.MethodPost, "/v1/rooms", createRoomRequest{Direct: true, Invite: []string{"bob", "carol"}}, &e)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "invalid_request", e.Error.Code)

	var room roomResponse
	resp = f.do(t, "alice", http.MethodPost, "/v1/rooms", createRoomRequest{Invite: []string{"bob"}, Direct: true, Encrypted: true}, &room)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.True(t, strings.HasPrefix(room.ID, "!created-"))
	require.True(t, room.Direct)
	require.True(t, room.Encrypted)
	require.Equal(t, 2, room.MemberCount)
	require.Equal(t, "Bob", room.DisplayName)

	var list listRoomsResponse
	f.do(t, "alice", http.MethodGet, "/v1/rooms?encrypted=true", nil, &list)
	require.Len(t, list.Rooms, 1)
	require.Equal(t, room.ID, list.Rooms[0].ID)
}

func TestSendMessage_RateLimited(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.SendRate = 0.001
	cfg.SendBurst = 1
	f := newFixture(t, cfg)

	var e errorResponse
	resp := f.do(t, "alice", http.MethodPost, "/v1/rooms/!dm/messages", sendMessageRequest{Body: "one"}, &e)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.do(t, "alice", http.MethodPost, "/v1/rooms/!dm/messages", sendMessageRequest{Body: "two"}, &e)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("Retry-After"))

	// Budgets are per user.
	resp = f.do(t, "bob", http.MethodPost, "/v1/rooms/!dm/messages", sendMessageRequest{Body: "three"}, &e)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err    error
		status int
		code   string
	}{
		{keys.ErrPrekeyExhausted, http.StatusGone, "prekeys_exhausted"},
		{cryptosession.OpError{Op: "x", Kind: cryptosession.ErrNoSession}, http.StatusConflict, "no_session"},
		{&cryptosession.UntrustedIdentityError{RemoteUserID: "bob"}, http.StatusConflict, "untrusted_identity"},
		{&syncengine.RateLimitError{RetryAfter: time.Second}, http.StatusTooManyRequests, "rate_limited"},
		{syncengine.ErrTransientNetwork, http.StatusServiceUnavailable, "remote_unavailable"},
		{rooms.ErrInvalidInput, http.StatusBadRequest, "invalid_request"},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError, "server_error"},
	}
	for _, tc := range cases {
		status, code := classify(tc.err)
		require.Equal(t, tc.status, status, tc.err.Error())
		require.Equal(t, tc.code, code, tc.err.Error())
	}
}

func TestUserLimiter_SweepsIdleBuckets(t *testing.T) {
	t.Parallel()

	l := newUserLimiter(1, 1, time.Minute)
	ok, _ := l.allow("a", t0)
	require.True(t, ok)
	ok, wait := l.allow("a", t0)
	require.False(t, ok)
	require.Greater(t, wait, time.Duration(0))

	l.allow("b", t0.Add(30*time.Second))
	require.Equal(t, 2, l.size())

	l.allow("c", t0.Add(2*time.Minute))
	require.Equal(t, 1, l.size())
}

func TestDecodeJSON_RejectsTrailingData(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"body":"a"}{"body":"b"}`))
	var dst sendMessageRequest
	require.Error(t, decodeJSON(httptest.NewRecorder(), r, 1<<10, &dst, false))

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"nope":1}`))
	require.Error(t, decodeJSON(httptest.NewRecorder(), r, 1<<10, &dst, false))

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(``))
	require.NoError(t, decodeJSON(httptest.NewRecorder(), r, 1<<10, &dst, true))
}
