package realtime

import (
	"sync"

	pushv1 "sigma/shared/contracts/push/v1"
)

// Client is one registered push connection.
//
// Send is never closed, so concurrent publishers cannot panic; done signals
// shutdown instead. Close is idempotent.
type Client struct {
	UserID string
	ConnID string
	Send   chan pushv1.Envelope

	transport Transport
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(userID, connID string, t Transport, queueSize int) *Client {
	if queueSize <= 0 {
		queueSize = defaultSendQueueSize
	}
	return &Client{
		UserID:    userID,
		ConnID:    connID,
		Send:      make(chan pushv1.Envelope, queueSize),
		transport: t,
		done:      make(chan struct{}),
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close stops the client and closes its transport.
func (c *Client) Close(reason string) {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
		if c.transport != nil {
			_ = c.transport.Close(reason)
		}
	})
}

// offer enqueues env without blocking. When the queue is full the oldest
// envelope is evicted. It returns how many envelopes were lost and whether
// env was queued.
func (c *Client) offer(env pushv1.Envelope) (dropped int, queued bool) {
	select {
	case <-c.done:
		return 0, false
	default:
	}

	for attempt := 0; attempt < 2; attempt++ {
		select {
		case c.Send <- env:
			return dropped, true
		default:
		}
		select {
		case <-c.Send:
			dropped++
		default:
		}
	}
	// Lost the race against other publishers; env is the casualty.
	return dropped + 1, false
}
