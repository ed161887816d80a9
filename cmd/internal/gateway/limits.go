package gateway

import "time"

// Security/performance limits for identity protocol sessions.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max display name length (runes). Longer names are rejected before storage.
	maxDisplayNameChars = 120

	// Max number of extra public profile fields per save.
	maxProfileFields = 64
)

const (
	// Heartbeat defaults (can be overridden by env in ws_gateway.go).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
