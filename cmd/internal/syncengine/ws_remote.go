package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"sigma/cmd/identity/ids"
	syncv1 "sigma/shared/contracts/sync/v1"

	"github.com/coder/websocket"
)

const (
	// Subprotocol is negotiated on every sync stream.
	Subprotocol = "sigma.sync.v1"

	// CloseAuthExpired is the close code a remote uses to revoke a stream's credentials.
	CloseAuthExpired websocket.StatusCode = 4001

	wsDefaultDialTimeout  = 10 * time.Second
	wsDefaultWriteTimeout = 5 * time.Second
	wsMaxFrameBytes       = 4 << 20
	wsPushQueue           = 64
)

// WSRemote opens sync streams over WebSocket.
type WSRemote struct {
	url          string
	client       *http.Client
	dialTimeout  time.Duration
	writeTimeout time.Duration
	log          *slog.Logger
}

// NewWSRemote returns a remote dialing url (ws:// or wss://).
func NewWSRemote(url string, client *http.Client, log *slog.Logger) *WSRemote {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &WSRemote{
		url:          url,
		client:       client,
		dialTimeout:  wsDefaultDialTimeout,
		writeTimeout: wsDefaultWriteTimeout,
		log:          log,
	}
}

// Open dials, authenticates and returns a live stream.
func (r *WSRemote) Open(ctx context.Context, req OpenRequest) (Stream, error) {
	dialCtx, cancel := context.WithTimeout(ctx, r.dialTimeout)
	defer cancel()

	header := http.Header{}
	if req.Credentials.AccessToken != "" {
		header.Set("Authorization", "Bearer "+req.Credentials.AccessToken)
	}

	conn, resp, err := websocket.Dial(dialCtx, r.url, &websocket.DialOptions{
		HTTPClient:   r.client,
		HTTPHeader:   header,
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: dial: status %d", ErrAuthenticationExpired, resp.StatusCode)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: dial: %v", ErrTransientNetwork, err)
	}
	if sp := conn.Subprotocol(); sp != Subprotocol {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return nil, fmt.Errorf("%w: subprotocol %q", ErrTransientNetwork, sp)
	}
	conn.SetReadLimit(wsMaxFrameBytes)

	s := newWSStream(conn, r.writeTimeout, r.log.With("owner", req.UserID))
	go s.readLoop()

	auth := syncv1.AuthPayload{UserID: req.UserID, Token: req.Credentials.AccessToken, Since: req.Since}
	if err := s.call(ctx, syncv1.TypeAuth, auth, syncv1.TypeAuthOK, nil); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

type wsStream struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	log          *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan syncv1.Frame
	err     error

	pushes    chan syncv1.Batch
	done      chan struct{}
	closeOnce sync.Once
}

func newWSStream(conn *websocket.Conn, writeTimeout time.Duration, log *slog.Logger) *wsStream {
	return &wsStream{
		conn:         conn,
		writeTimeout: writeTimeout,
		log:          log,
		pending:      make(map[string]chan syncv1.Frame),
		pushes:       make(chan syncv1.Batch, wsPushQueue),
		done:         make(chan struct{}),
	}
}

// readLoop routes replies to their callers and queues pushed batches.
func (s *wsStream) readLoop() {
	for {
		mt, data, err := s.conn.Read(context.Background())
		if err != nil {
			s.terminate(classifyStreamErr(err))
			return
		}
		if mt != websocket.MessageText && mt != websocket.MessageBinary {
			continue
		}

		var f syncv1.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.log.Warn("sync.remote.bad_frame", "err", err)
			continue
		}
		if err := f.Validate(); err != nil {
			s.log.Warn("sync.remote.bad_frame", "err", err)
			continue
		}

		if f.ID != "" {
			s.mu.Lock()
			ch, ok := s.pending[f.ID]
			delete(s.pending, f.ID)
			s.mu.Unlock()
			if ok {
				ch <- f
				continue
			}
		}

		switch f.Type {
		case syncv1.TypeSync:
			var b syncv1.Batch
			if err := f.Decode(&b); err != nil {
				s.log.Warn("sync.remote.bad_batch", "err", err)
				continue
			}
			select {
			case s.pushes <- b:
			case <-s.done:
				return
			}
		case syncv1.TypeError:
			var p syncv1.ErrorPayload
			_ = f.Decode(&p)
			if p.Code == syncv1.CodeAuthExpired {
				s.terminate(fmt.Errorf("%w: %s", ErrAuthenticationExpired, p.Message))
				return
			}
			s.log.Warn("sync.remote.error", "code", p.Code, "message", p.Message)
		default:
			s.log.Debug("sync.remote.unexpected", "type", f.Type, "id", f.ID)
		}
	}
}

func classifyStreamErr(err error) error {
	if websocket.CloseStatus(err) == CloseAuthExpired {
		return fmt.Errorf("%w: stream closed by remote", ErrAuthenticationExpired)
	}
	return fmt.Errorf("%w: read: %v", ErrTransientNetwork, err)
}

// terminate records the first terminal error and releases waiters.
func (s *wsStream) terminate(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *wsStream) streamErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		return ErrClosed
	}
	return s.err
}

func (s *wsStream) write(ctx context.Context, f syncv1.Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.Write(wctx, websocket.MessageText, b); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: write: %v", ErrTransientNetwork, err)
	}
	return nil
}

// call sends a request frame and waits for the reply carrying the same id.
func (s *wsStream) call(ctx context.Context, typ string, payload any, want string, out any) error {
	id, err := ids.NewULID(time.Now().UTC())
	if err != nil {
		return err
	}
	f, err := syncv1.NewFrame(typ, id, payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	ch := make(chan syncv1.Frame, 1)
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return s.streamErr()
	}
	s.pending[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	if err := s.write(ctx, f); err != nil {
		return err
	}

	select {
	case reply := <-ch:
		return decodeReply(reply, want, out)
	case <-s.done:
		return s.streamErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func decodeReply(f syncv1.Frame, want string, out any) error {
	if f.Type == syncv1.TypeError {
		var p syncv1.ErrorPayload
		if err := f.Decode(&p); err != nil {
			return fmt.Errorf("%w: undecodable error frame", ErrTransientNetwork)
		}
		switch p.Code {
		case syncv1.CodeAuthExpired:
			return fmt.Errorf("%w: %s", ErrAuthenticationExpired, p.Message)
		case syncv1.CodeBadRequest, syncv1.CodeNotFound:
			return fmt.Errorf("%w: %s: %s", ErrRemoteRejected, p.Code, p.Message)
		default:
			return fmt.Errorf("%w: remote %s: %s", ErrTransientNetwork, p.Code, p.Message)
		}
	}
	if f.Type != want {
		return fmt.Errorf("%w: unexpected reply %q, want %q", ErrTransientNetwork, f.Type, want)
	}
	if out == nil {
		return nil
	}
	if err := f.Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrTransientNetwork, want, err)
	}
	return nil
}

func (s *wsStream) InitialSync(ctx context.Context, limit int) (syncv1.Batch, error) {
	var b syncv1.Batch
	err := s.call(ctx, syncv1.TypeInitialSync, syncv1.InitialSyncPayload{Limit: limit}, syncv1.TypeSync, &b)
	return b, err
}

func (s *wsStream) Next(ctx context.Context) (syncv1.Batch, error) {
	select {
	case b := <-s.pushes:
		return b, nil
	case <-s.done:
		return syncv1.Batch{}, s.streamErr()
	case <-ctx.Done():
		return syncv1.Batch{}, ctx.Err()
	}
}

func (s *wsStream) Send(ctx context.Context, ev syncv1.OutgoingEvent) (syncv1.SendOKPayload, error) {
	var ack syncv1.SendOKPayload
	if err := s.call(ctx, syncv1.TypeSend, ev, syncv1.TypeSendOK, &ack); err != nil {
		return syncv1.SendOKPayload{}, err
	}
	if ack.EventID == "" {
		return syncv1.SendOKPayload{}, fmt.Errorf("%w: send_ok without event id", ErrTransientNetwork)
	}
	return ack, nil
}

func (s *wsStream) History(ctx context.Context, roomID, from string, limit int) (syncv1.HistoryChunk, error) {
	var chunk syncv1.HistoryChunk
	err := s.call(ctx, syncv1.TypeHistory, syncv1.HistoryPayload{RoomID: roomID, From: from, Limit: limit}, syncv1.TypeHistoryChunk, &chunk)
	return chunk, err
}

func (s *wsStream) CreateRoom(ctx context.Context, req syncv1.CreateRoomPayload) (syncv1.RoomSummary, error) {
	var rs syncv1.RoomSummary
	if err := s.call(ctx, syncv1.TypeCreateRoom, req, syncv1.TypeRoomCreated, &rs); err != nil {
		return syncv1.RoomSummary{}, err
	}
	if rs.RoomID == "" {
		return syncv1.RoomSummary{}, fmt.Errorf("%w: room_created without room id", ErrTransientNetwork)
	}
	return rs, nil
}

func (s *wsStream) Close() error {
	s.terminate(ErrClosed)
	_ = s.conn.Close(websocket.StatusNormalClosure, "bye")
	return nil
}
