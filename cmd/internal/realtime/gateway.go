package realtime

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	pushv1 "sigma/shared/contracts/push/v1"
)

// Gateway tracks at most one push connection per user and delivers
// envelopes to it. Publish never blocks: each connection has a bounded queue
// that evicts its oldest entry when full.
type Gateway struct {
	log          *slog.Logger
	m            *Metrics
	queueSize    int
	writeTimeout time.Duration

	mu      sync.RWMutex
	clients map[string]*Client
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithQueueSize sets the per-connection queue length.
func WithQueueSize(n int) GatewayOption {
	return func(g *Gateway) {
		if n > 0 {
			g.queueSize = n
		}
	}
}

// WithWriteTimeout bounds each transport write.
func WithWriteTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) {
		if d > 0 {
			g.writeTimeout = d
		}
	}
}

// NewGateway constructs a Gateway. A nil metrics value records into unregistered collectors.
func NewGateway(log *slog.Logger, m *Metrics, opts ...GatewayOption) *Gateway {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if m == nil {
		m = NewMetrics(nil)
	}
	g := &Gateway{
		log:          log,
		m:            m,
		queueSize:    defaultSendQueueSize,
		writeTimeout: defaultWriteTimeout,
		clients:      make(map[string]*Client),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Register makes t userID's push connection. A previous connection for the
// same user is superseded and closed.
func (g *Gateway) Register(userID string, t Transport) *Client {
	c := newClient(userID, newConnID(time.Now().UTC()), t, g.queueSize)

	g.mu.Lock()
	prev := g.clients[userID]
	g.clients[userID] = c
	g.m.Connections.Set(float64(len(g.clients)))
	g.mu.Unlock()

	if prev != nil {
		prev.Close("superseded")
		g.m.Superseded.Inc()
		g.log.Info("push.superseded", "user_id", userID, "conn_id", prev.ConnID, "by", c.ConnID)
	}

	go g.pump(c)

	g.log.Info("push.register", "user_id", userID, "conn_id", c.ConnID)
	return c
}

// Unregister closes userID's connection, if any.
func (g *Gateway) Unregister(userID string) {
	g.mu.Lock()
	c := g.clients[userID]
	delete(g.clients, userID)
	g.m.Connections.Set(float64(len(g.clients)))
	g.mu.Unlock()

	if c != nil {
		c.Close("unregistered")
		g.log.Info("push.unregister", "user_id", userID, "conn_id", c.ConnID)
	}
}

// UnregisterClient removes c only if it is still the user's current
// connection, then closes it.
func (g *Gateway) UnregisterClient(c *Client) {
	if c == nil {
		return
	}
	g.mu.Lock()
	if cur, ok := g.clients[c.UserID]; ok && cur == c {
		delete(g.clients, c.UserID)
		g.m.Connections.Set(float64(len(g.clients)))
	}
	g.mu.Unlock()
	c.Close("bye")
}

// Connected reports whether userID has a live connection.
func (g *Gateway) Connected(userID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.clients[userID]
	return ok
}

// Publish queues env for userID. It reports false when the user has no live
// connection or env could not be queued.
func (g *Gateway) Publish(userID string, env pushv1.Envelope) bool {
	g.mu.RLock()
	c := g.clients[userID]
	g.mu.RUnlock()

	if c == nil {
		g.m.Published.WithLabelValues(outcomeOffline).Inc()
		return false
	}

	dropped, queued := c.offer(env)
	if dropped > 0 {
		g.m.Dropped.Add(float64(dropped))
		g.log.Warn("push.drop", "user_id", userID, "conn_id", c.ConnID, "dropped", dropped, "type", env.Type)
	}
	if !queued {
		if dropped == 0 {
			g.m.Published.WithLabelValues(outcomeClosed).Inc()
		}
		return false
	}
	g.m.Published.WithLabelValues(outcomeQueued).Inc()
	return true
}

// Close closes every connection.
func (g *Gateway) Close() {
	g.mu.Lock()
	all := g.clients
	g.clients = make(map[string]*Client)
	g.m.Connections.Set(0)
	g.mu.Unlock()

	for _, c := range all {
		c.Close("shutdown")
	}
}

// pump writes c's queue to its transport until either ends.
func (g *Gateway) pump(c *Client) {
	defer g.UnregisterClient(c)

	for {
		select {
		case <-c.Done():
			return
		case <-c.transport.Closed():
			return
		case env := <-c.Send:
			ctx, cancel := context.WithTimeout(context.Background(), g.writeTimeout)
			err := c.transport.Send(ctx, env)
			cancel()
			if err != nil {
				g.m.WriteFailures.Inc()
				g.log.Info("push.write.fail", "user_id", c.UserID, "conn_id", c.ConnID, "err", err)
				return
			}
			g.m.Delivered.Inc()
		}
	}
}
