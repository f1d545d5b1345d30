package realtime

import (
	"context"
	"encoding/json"
	"sync"

	pushv1 "sigma/shared/contracts/push/v1"

	"github.com/coder/websocket"
)

// Transport is one outbound push connection.
type Transport interface {
	// Send writes env, honoring ctx's deadline.
	Send(ctx context.Context, env pushv1.Envelope) error
	// Close ends the connection; it is idempotent.
	Close(reason string) error
	// Closed is closed once the connection has ended for any reason.
	Closed() <-chan struct{}
}

// wsTransport adapts a websocket connection.
type wsTransport struct {
	conn *websocket.Conn

	closed chan struct{}
	once   sync.Once
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{conn: conn, closed: make(chan struct{})}
}

func (t *wsTransport) Send(ctx context.Context, env pushv1.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return t.conn.Write(ctx, websocket.MessageText, b)
}

func (t *wsTransport) Close(reason string) error {
	return t.closeWith(websocket.StatusNormalClosure, reason)
}

func (t *wsTransport) closeWith(code websocket.StatusCode, reason string) error {
	var err error
	t.once.Do(func() {
		close(t.closed)
		err = t.conn.Close(code, reason)
	})
	return err
}

func (t *wsTransport) Closed() <-chan struct{} { return t.closed }
