package gateway

import (
	"log/slog"
	"sync"

	v1 "halo/shared/contracts/identity/v1"
)

// Hub tracks live sessions and the two fanout sets the identity protocol
// needs: which sessions are bound to a user (self_update targets) and which
// sessions watch a user (user_update targets).
//
// Concurrency guarantees:
// - Register/Unregister/Bind/Watch are safe under concurrent pushes.
// - PushSelf/PushUser never block (drop under backpressure).
// - Pushes are panic-safe because Client.Send is never closed by the server.
type Hub struct {
	log *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Client            // session_id -> client
	bound    map[string]string             // session_id -> user_id
	users    map[string]map[string]*Client // user_id -> session_id -> client
	watchers map[string]map[string]*Client // watched user_id -> session_id -> client
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log:      log,
		sessions: make(map[string]*Client),
		bound:    make(map[string]string),
		users:    make(map[string]map[string]*Client),
		watchers: make(map[string]map[string]*Client),
	}
}

// Register adds a session to the hub.
func (h *Hub) Register(c *Client) {
	if h == nil || c == nil || c.SessionID == "" {
		return
	}

	h.mu.Lock()
	h.sessions[c.SessionID] = c
	h.mu.Unlock()

	h.log.Info("hub.session.register", "session_id", c.SessionID)
}

// Unregister removes a session and every binding/watch it holds, then signals
// client shutdown. Removal happens before Close so pushers never hold a
// pointer to a client whose goroutines are being torn down.
func (h *Hub) Unregister(sessionID string) {
	if h == nil || sessionID == "" {
		return
	}

	var c *Client

	h.mu.Lock()
	c = h.sessions[sessionID]
	delete(h.sessions, sessionID)

	if userID, ok := h.bound[sessionID]; ok {
		delete(h.bound, sessionID)
		h.dropUserSessionLocked(userID, sessionID)
	}
	for watched, set := range h.watchers {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(h.watchers, watched)
		}
	}
	h.mu.Unlock()

	if c != nil {
		c.Close()
	}

	h.log.Info("hub.session.unregister", "session_id", sessionID)
}

// Bind associates a session with a user. A session is bound to at most one
// user: a second login replaces the first binding.
func (h *Hub) Bind(c *Client, userID string) {
	if h == nil || c == nil || c.SessionID == "" || userID == "" {
		return
	}

	h.mu.Lock()
	if prev, ok := h.bound[c.SessionID]; ok && prev != userID {
		h.dropUserSessionLocked(prev, c.SessionID)
	}
	h.bound[c.SessionID] = userID

	set, ok := h.users[userID]
	if !ok {
		set = make(map[string]*Client)
		h.users[userID] = set
	}
	set[c.SessionID] = c
	h.mu.Unlock()

	h.log.Info("hub.session.bind", "session_id", c.SessionID, "user_id", userID)
}

// UserOf returns the user a session is currently bound to, if any.
func (h *Hub) UserOf(sessionID string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	userID, ok := h.bound[sessionID]
	return userID, ok
}

// UnbindUser removes every session binding for userID and returns how many
// sessions were signed out. Watches survive: a signed-out session keeps
// receiving user_update pushes for users it watches.
func (h *Hub) UnbindUser(userID string) int {
	if h == nil || userID == "" {
		return 0
	}

	h.mu.Lock()
	set := h.users[userID]
	n := len(set)
	for sessionID := range set {
		delete(h.bound, sessionID)
	}
	delete(h.users, userID)
	h.mu.Unlock()

	if n > 0 {
		h.log.Info("hub.user.unbind", "user_id", userID, "sessions", n)
	}
	return n
}

// Watch subscribes a session to a user's public profile. Idempotent per
// session; watches are never removed before the session closes.
func (h *Hub) Watch(c *Client, userID string) {
	if h == nil || c == nil || c.SessionID == "" || userID == "" {
		return
	}

	h.mu.Lock()
	set, ok := h.watchers[userID]
	if !ok {
		set = make(map[string]*Client)
		h.watchers[userID] = set
	}
	set[c.SessionID] = c
	h.mu.Unlock()
}

// PushSelf fans an envelope out to every session bound to userID.
// Non-blocking: full queues and closing clients are skipped.
func (h *Hub) PushSelf(userID string, env v1.Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	h.pushSetLocked(h.users[userID], env, "self")
}

// PushUser fans an envelope out to every session watching userID.
func (h *Hub) PushUser(userID string, env v1.Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	h.pushSetLocked(h.watchers[userID], env, "user")
}

func (h *Hub) pushSetLocked(set map[string]*Client, env v1.Envelope, kind string) {
	for _, m := range set {
		if m == nil {
			continue
		}

		select {
		case <-m.Done():
			// Skip clients that are shutting down.
			continue
		default:
		}

		select {
		case m.Send <- env:
			metricPushesTotal.WithLabelValues(kind).Inc()
		default:
			// Drop rather than block the whole fanout.
			metricPushDroppedTotal.Inc()
		}
	}
}

// dropUserSessionLocked removes one session from a user's binding set.
// Caller must hold h.mu.
func (h *Hub) dropUserSessionLocked(userID, sessionID string) {
	set := h.users[userID]
	delete(set, sessionID)
	if len(set) == 0 {
		delete(h.users, userID)
	}
}
