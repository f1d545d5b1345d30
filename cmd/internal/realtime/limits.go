package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit). Clients only send
	// control-sized frames on the push channel.
	maxFrameBytes = 4 << 10 // 4 KiB

	// Default per-connection queue of undelivered push envelopes.
	defaultSendQueueSize = 256
)

const (
	// Heartbeat defaults (can be overridden by env in ws_gateway.go).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection inbound rate limit.
	rateLimitEvents = 20
	rateLimitWindow = 10 * time.Second

	defaultWriteTimeout = 5 * time.Second
)
