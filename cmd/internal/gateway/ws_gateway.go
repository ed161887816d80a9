package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"halo/cmd/internal/directory"
	v1 "halo/shared/contracts/identity/v1"

	"github.com/coder/websocket"
)

const (
	wsSubprotocolV1 = "halo.identity.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// WSGateway is the WebSocket entrypoint for the Halo identity daemon.
//
// It enforces origin policy, subprotocol selection, rate limits, heartbeats,
// and routes validated envelopes to the Hub and directory Store.
type WSGateway struct {
	log   *slog.Logger
	hub   *Hub
	store directory.Store

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewWSGateway constructs a gateway with secure defaults.
// When hub/store are nil, it falls back to in-memory implementations for dev.
func NewWSGateway(log *slog.Logger, hub *Hub, store directory.Store) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if hub == nil {
		hub = NewHub(log)
	}
	if store == nil {
		store = directory.NewInMemoryStore()
	}

	g := &WSGateway{log: log, hub: hub, store: store}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	g.devInsecure = envBoolWS("HALO_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("HALO_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("HALO_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// IMPORTANT:
	// websocket.Accept enforces its own origin policy:
	// - same-host is ok
	// - cross-origin requires OriginPatterns (host patterns)
	// We derive these patterns from allowed origins so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("HALO_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("HALO_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envIntWS("HALO_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("HALO_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("HALO_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("HALO_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("HALO_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the identity loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{wsSubprotocolV1},

		// Authorize allowed origin hosts (e.g. localhost) for cross-origin requests.
		OriginPatterns: g.originPatterns,

		// Dev-only escape hatch.
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID := newSessionID()
	client := NewClient(sessionID, g.sendQueueSize)
	g.hub.Register(client)

	metricConnectionsTotal.Inc()
	metricConnectionsActive.Inc()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	// Push safety: hub removal happens before client.Close.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.hub.Unregister(sessionID)
			_ = conn.Close(code, reason)
			cancel()
			metricConnectionsActive.Dec()
		})
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, "", "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.trySendError(ctx, client, env.ID, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, env.ID, "bad_envelope", err.Error())
			continue readLoop
		}

		metricEventsTotal.WithLabelValues(env.Type).Inc()

		switch env.Type {
		case v1.TypeHello:
			if err := g.onHello(ctx, client, env); err != nil {
				g.trySendError(ctx, client, env.ID, "hello_failed", err.Error())
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}

		case v1.TypeLogin:
			if err := g.onLogin(ctx, client, env, now); err != nil {
				g.sendOperationError(ctx, client, env.ID, err)
				continue readLoop
			}

		case v1.TypeLogout:
			if err := g.onLogout(ctx, client, env); err != nil {
				g.sendOperationError(ctx, client, env.ID, err)
				continue readLoop
			}

		case v1.TypeCreateUser:
			if err := g.onCreateUser(ctx, client, env, now); err != nil {
				g.sendOperationError(ctx, client, env.ID, err)
				continue readLoop
			}

		case v1.TypeProfileSave:
			if err := g.onProfileSave(ctx, client, env); err != nil {
				g.sendOperationError(ctx, client, env.ID, err)
				continue readLoop
			}

		case v1.TypeUserWatch:
			if err := g.onUserWatch(ctx, client, env); err != nil {
				g.sendOperationError(ctx, client, env.ID, err)
				continue readLoop
			}

		default:
			g.trySendError(ctx, client, env.ID, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

func (g *WSGateway) onHello(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.HelloPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	ackPayload, _ := json.Marshal(v1.HelloAckPayload{SessionID: client.SessionID})
	ack := newEnvelope(v1.TypeHelloAck, ackPayload, time.Now().UTC())

	if !g.enqueue(ctx, client, ack) {
		return errors.New("backpressure: hello.ack")
	}
	return nil
}

// onLogin authenticates the connection, stamps last_login_at into the
// server-authoritative segment, binds the session to the user, and pushes the
// full identity to every session bound to that user.
func (g *WSGateway) onLogin(ctx context.Context, client *Client, env v1.Envelope, now time.Time) error {
	var p v1.LoginPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return &opError{code: "bad_payload", err: err}
	}

	rec, err := g.store.GetByEmail(ctx, p.Email)
	if err != nil {
		if directory.IsNotFound(err) || directory.IsInvalidInput(err) {
			metricLoginsTotal.WithLabelValues("denied").Inc()
			// Uniform rejection: do not reveal whether the email exists.
			return &opError{code: "bad_credentials", err: directory.ErrBadCredentials}
		}
		metricLoginsTotal.WithLabelValues("error").Inc()
		return &opError{code: "internal", err: err}
	}

	ok, err := directory.VerifyPassword(p.Password, rec.PasswordHash)
	if err != nil {
		metricLoginsTotal.WithLabelValues("error").Inc()
		return &opError{code: "internal", err: err}
	}
	if !ok {
		metricLoginsTotal.WithLabelValues("denied").Inc()
		return &opError{code: "bad_credentials", err: directory.ErrBadCredentials}
	}

	// SetServer overwrites the whole segment, so merge before stamping.
	server := make(map[string]any, len(rec.Server)+1)
	for k, v := range rec.Server {
		server[k] = v
	}
	server["last_login_at"] = now.Format(time.RFC3339)

	rec, err = g.store.SetServer(ctx, rec.ID, server)
	if err != nil {
		metricLoginsTotal.WithLabelValues("error").Inc()
		return &opError{code: "internal", err: err}
	}

	g.hub.Bind(client, rec.ID)
	metricLoginsTotal.WithLabelValues("ok").Inc()

	ackPayload, _ := json.Marshal(v1.LoginAckPayload{ReqID: env.ID, UserID: rec.ID})
	if !g.enqueue(ctx, client, newEnvelope(v1.TypeLoginAck, ackPayload, time.Now().UTC())) {
		return &opError{code: "backpressure", err: errors.New("login.ack dropped")}
	}

	id := identityFromRecord(rec)
	selfPayload, _ := json.Marshal(v1.SelfUpdatePayload{Identity: &id})
	g.hub.PushSelf(rec.ID, newEnvelope(v1.TypeSelfUpdate, selfPayload, time.Now().UTC()))
	return nil
}

// onLogout signs the user out of every bound session. Sessions receive the
// signed-out push before their bindings are dropped; a logout for a user this
// session is not bound to is rejected.
func (g *WSGateway) onLogout(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.LogoutPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return &opError{code: "bad_payload", err: err}
	}

	userID, bound := g.hub.UserOf(client.SessionID)
	if bound && p.UserID != "" && p.UserID != userID {
		return &opError{code: "not_authorized", err: errors.New("logout for a different user")}
	}

	if bound {
		selfPayload, _ := json.Marshal(v1.SelfUpdatePayload{Identity: nil})
		g.hub.PushSelf(userID, newEnvelope(v1.TypeSelfUpdate, selfPayload, time.Now().UTC()))
		g.hub.UnbindUser(userID)
	}

	// Acked even when already signed out; logout is idempotent.
	ackPayload, _ := json.Marshal(v1.LogoutAckPayload{ReqID: env.ID})
	if !g.enqueue(ctx, client, newEnvelope(v1.TypeLogoutAck, ackPayload, time.Now().UTC())) {
		return &opError{code: "backpressure", err: errors.New("logout.ack dropped")}
	}
	return nil
}

func (g *WSGateway) onCreateUser(ctx context.Context, client *Client, env v1.Envelope, now time.Time) error {
	var p v1.CreateUserPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return &opError{code: "bad_payload", err: err}
	}
	if err := checkPublicLimits(p.DisplayName, p.Fields); err != nil {
		return &opError{code: "invalid_input", err: err}
	}

	rec, err := g.store.CreateUser(ctx, directory.CreateUserInput{
		Email:       p.Email,
		Password:    p.Password,
		DisplayName: p.DisplayName,
		Fields:      p.Fields,
		Now:         now,
	})
	if err != nil {
		switch {
		case directory.IsConflict(err):
			return &opError{code: "email_taken", err: err}
		case directory.IsInvalidInput(err):
			return &opError{code: "invalid_input", err: err}
		default:
			return &opError{code: "internal", err: err}
		}
	}

	ackPayload, _ := json.Marshal(v1.CreateUserAckPayload{
		ReqID:    env.ID,
		Identity: identityFromRecord(rec),
	})
	if !g.enqueue(ctx, client, newEnvelope(v1.TypeCreateUserAck, ackPayload, time.Now().UTC())) {
		return &opError{code: "backpressure", err: errors.New("create_user.ack dropped")}
	}
	return nil
}

// onProfileSave overwrites the caller's public segment, then pushes a sparse
// self_update (public only) to the user's sessions and a user_update to every
// watcher.
func (g *WSGateway) onProfileSave(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.ProfileSavePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return &opError{code: "bad_payload", err: err}
	}

	userID, bound := g.hub.UserOf(client.SessionID)
	if !bound {
		return &opError{code: "not_authorized", err: errors.New("login first")}
	}
	if p.UserID != "" && p.UserID != userID {
		return &opError{code: "not_authorized", err: errors.New("save for a different user")}
	}
	if err := checkPublicLimits(p.Profile.DisplayName, p.Profile.Fields); err != nil {
		return &opError{code: "invalid_input", err: err}
	}

	rec, err := g.store.SavePublic(ctx, directory.SavePublicInput{
		UserID:      userID,
		DisplayName: p.Profile.DisplayName,
		Email:       p.Profile.Email,
		Fields:      p.Profile.Fields,
	})
	if err != nil {
		switch {
		case directory.IsConflict(err):
			return &opError{code: "email_taken", err: err}
		case directory.IsNotFound(err):
			return &opError{code: "not_found", err: err}
		default:
			return &opError{code: "internal", err: err}
		}
	}

	ackPayload, _ := json.Marshal(v1.ProfileSaveAckPayload{ReqID: env.ID})
	if !g.enqueue(ctx, client, newEnvelope(v1.TypeProfileSaveAck, ackPayload, time.Now().UTC())) {
		return &opError{code: "backpressure", err: errors.New("profile_save.ack dropped")}
	}

	pub := profileFromRecord(rec)

	// Sparse push: only the public segment changed.
	selfPayload, _ := json.Marshal(v1.SelfUpdatePayload{
		Identity: &v1.Identity{UserID: rec.ID, Public: &pub},
	})
	g.hub.PushSelf(rec.ID, newEnvelope(v1.TypeSelfUpdate, selfPayload, time.Now().UTC()))

	userPayload, _ := json.Marshal(v1.UserUpdatePayload{UserID: rec.ID, Profile: &pub})
	g.hub.PushUser(rec.ID, newEnvelope(v1.TypeUserUpdate, userPayload, time.Now().UTC()))
	return nil
}

// onUserWatch registers the watch, then pushes the current profile when the
// user exists. Watching an unknown user is not an error: the watch stays armed
// and fires if the user appears later.
func (g *WSGateway) onUserWatch(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.UserWatchPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return &opError{code: "bad_payload", err: err}
	}

	userID := strings.TrimSpace(p.UserID)
	if userID == "" {
		return &opError{code: "invalid_input", err: errors.New("missing user_id")}
	}

	g.hub.Watch(client, userID)

	rec, err := g.store.Get(ctx, userID)
	if err != nil {
		if directory.IsNotFound(err) {
			return nil
		}
		return &opError{code: "internal", err: err}
	}

	pub := profileFromRecord(rec)
	userPayload, _ := json.Marshal(v1.UserUpdatePayload{UserID: rec.ID, Profile: &pub})
	_ = g.enqueue(ctx, client, newEnvelope(v1.TypeUserUpdate, userPayload, time.Now().UTC()))
	return nil
}

// ---- record/wire conversion ----

func identityFromRecord(rec directory.Record) v1.Identity {
	pub := profileFromRecord(rec)
	return v1.Identity{
		UserID:  rec.ID,
		Public:  &pub,
		Private: rec.Private,
		Server:  rec.Server,
	}
}

func profileFromRecord(rec directory.Record) v1.Profile {
	return v1.Profile{
		UserID:      rec.ID,
		DisplayName: rec.DisplayName,
		Email:       rec.Email,
		Fields:      rec.PublicFields,
	}
}

func checkPublicLimits(displayName string, fields map[string]any) error {
	if len([]rune(displayName)) > maxDisplayNameChars {
		return fmt.Errorf("display_name too long: max=%d chars", maxDisplayNameChars)
	}
	if len(fields) > maxProfileFields {
		return fmt.Errorf("too many profile fields: max=%d", maxProfileFields)
	}
	return nil
}

// ---- operation errors ----

// opError pairs a wire error code with the underlying cause.
type opError struct {
	code string
	err  error
}

func (e *opError) Error() string { return e.code + ": " + e.err.Error() }
func (e *opError) Unwrap() error { return e.err }

func (g *WSGateway) sendOperationError(ctx context.Context, client *Client, reqID string, err error) {
	var oe *opError
	if errors.As(err, &oe) {
		if oe.code == "internal" {
			g.log.Error("ws.op.fail", "session_id", client.SessionID, "err", oe.err)
			// Internal details never cross the wire.
			g.trySendError(ctx, client, reqID, "internal", "internal error")
			return
		}
		g.trySendError(ctx, client, reqID, oe.code, oe.err.Error())
		return
	}
	g.trySendError(ctx, client, reqID, "internal", "internal error")
}

// ---- send helpers ----

func (g *WSGateway) trySendError(ctx context.Context, client *Client, reqID, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{ReqID: reqID, Code: code, Message: msg})
	env := newEnvelope(v1.TypeError, p, time.Now().UTC())
	_ = g.enqueue(ctx, client, env)
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewRandomHex(10),
		TS:      ts,
		Payload: payload,
	}
}

// newSessionID prefers a ULID for traceable, time-ordered session ids and
// falls back to random hex when the clock source misbehaves.
func newSessionID() string {
	if id, err := directory.NewULID(time.Now().UTC()); err == nil {
		return id
	}
	return NewRandomHex(13)
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not conn.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// We keep this strict: only hosts extracted from allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)

	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
