package remote

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	v1 "halo/shared/contracts/identity/v1"
	"halo/userstate"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"
)

const (
	dialSubprotocol = "halo.identity.v1"

	defaultRequestTimeout = 10 * time.Second
	defaultPingInterval   = 25 * time.Second
	defaultPingTimeout    = 5 * time.Second
	helloTimeout          = 10 * time.Second

	maxFrameBytes = 64 << 10

	selfStreamBuffer = 16
	userStreamBuffer = 16
)

// Sentinel errors surfaced from wire error codes.
var (
	ErrClosed         = errors.New("remote: client closed")
	ErrBadCredentials = errors.New("remote: bad credentials")
	ErrEmailTaken     = errors.New("remote: email already taken")
	ErrNotAuthorized  = errors.New("remote: not authorized")
)

// ServiceError is a wire error that has no dedicated sentinel.
type ServiceError struct {
	Code    string
	Message string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("remote: %s: %s", e.Code, e.Message)
}

// Option configures a Client at dial time.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithOrigin sets the Origin header sent on the upgrade request. The daemon
// enforces an origin allowlist by default.
func WithOrigin(origin string) Option {
	return func(c *Client) { c.origin = origin }
}

// WithHTTPClient sets the HTTP client used for the upgrade request.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRequestTimeout caps how long each request waits for its ack.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

// Client is a websocket identity client. It implements userstate.Service.
type Client struct {
	log        *slog.Logger
	origin     string
	httpClient *http.Client

	requestTimeout time.Duration

	conn      *websocket.Conn
	sessionID string

	ctx    context.Context
	cancel context.CancelFunc
	grp    *errgroup.Group

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan v1.Envelope
	selfCh  chan userstate.SelfEvent
	userChs map[string]map[int]chan userstate.UserEvent
	nextSub int
	closed  bool
}

var _ userstate.Service = (*Client)(nil)

// Dial connects to a daemon websocket endpoint (ws:// or wss://), performs
// the hello handshake, and starts the read and heartbeat loops.
func Dial(ctx context.Context, wsURL string, opts ...Option) (*Client, error) {
	c := &Client{
		log:            slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})),
		requestTimeout: defaultRequestTimeout,
		pending:        make(map[string]chan v1.Envelope),
		selfCh:         make(chan userstate.SelfEvent, selfStreamBuffer),
		userChs:        make(map[string]map[int]chan userstate.UserEvent),
	}
	for _, o := range opts {
		o(c)
	}

	dialOpts := &websocket.DialOptions{
		Subprotocols: []string{dialSubprotocol},
		HTTPClient:   c.httpClient,
	}
	if c.origin != "" {
		dialOpts.HTTPHeader = http.Header{"Origin": []string{c.origin}}
	}

	conn, _, err := websocket.Dial(ctx, wsURL, dialOpts)
	if err != nil {
		return nil, fmt.Errorf("remote: dial %s: %w", wsURL, err)
	}
	conn.SetReadLimit(maxFrameBytes)
	c.conn = conn

	if err := c.handshake(ctx); err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "handshake failed")
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	grp, grpCtx := errgroup.WithContext(runCtx)
	c.ctx = grpCtx
	c.cancel = cancel
	c.grp = grp

	grp.Go(c.readLoop)
	grp.Go(c.pingLoop)

	return c, nil
}

// SessionID returns the server-assigned session id from the hello handshake.
func (c *Client) SessionID() string { return c.sessionID }

// Close tears the connection down and waits for the client goroutines.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	_ = c.conn.Close(websocket.StatusNormalClosure, "bye")
	if err := c.grp.Wait(); err != nil && !isShutdownErr(err) {
		return err
	}
	return nil
}

// ---- userstate.Service ----

// Login authenticates the connection; the resulting identity arrives as a
// self_update push, not in the ack.
func (c *Client) Login(ctx context.Context, creds userstate.Credentials) error {
	_, err := c.roundTrip(ctx, v1.TypeLogin, v1.LoginPayload{
		Email:    creds.Email,
		Password: creds.Password,
	})
	return err
}

// Logout signs the user out everywhere; a nil-identity self_update follows.
func (c *Client) Logout(ctx context.Context, userID string) error {
	_, err := c.roundTrip(ctx, v1.TypeLogout, v1.LogoutPayload{UserID: userID})
	return err
}

// CreateUser registers a user and returns the created identity.
func (c *Client) CreateUser(ctx context.Context, in userstate.NewUser) (*userstate.Identity, error) {
	resp, err := c.roundTrip(ctx, v1.TypeCreateUser, v1.CreateUserPayload{
		Email:       in.Email,
		Password:    in.Password,
		DisplayName: in.DisplayName,
		Fields:      in.Fields,
	})
	if err != nil {
		return nil, err
	}

	var ack v1.CreateUserAckPayload
	if err := json.Unmarshal(resp.Payload, &ack); err != nil {
		return nil, fmt.Errorf("remote: create_user ack: %w", err)
	}
	return identityFromWire(&ack.Identity), nil
}

// SaveProfile persists the public profile. The profile's own ID is dropped;
// the daemon trusts only the connection's login binding.
func (c *Client) SaveProfile(ctx context.Context, userID string, profile userstate.Profile) error {
	_, err := c.roundTrip(ctx, v1.TypeProfileSave, v1.ProfileSavePayload{
		UserID: userID,
		Profile: v1.Profile{
			DisplayName: profile.DisplayName,
			Email:       profile.Email,
			Fields:      profile.Fields,
		},
	})
	return err
}

// WatchSelf returns the singleton current-user stream. Every call returns the
// same channel; it stays open for the life of the client.
func (c *Client) WatchSelf(ctx context.Context) (<-chan userstate.SelfEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	return c.selfCh, nil
}

// WatchUser subscribes to a user's public profile pushes. The subscription is
// removed when ctx is canceled.
func (c *Client) WatchUser(ctx context.Context, userID string) (<-chan userstate.UserEvent, error) {
	ch := make(chan userstate.UserEvent, userStreamBuffer)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	subs, ok := c.userChs[userID]
	if !ok {
		subs = make(map[int]chan userstate.UserEvent)
		c.userChs[userID] = subs
	}
	id := c.nextSub
	c.nextSub++
	subs[id] = ch
	c.mu.Unlock()

	// user_watch has no ack; the daemon answers with an immediate user_update
	// when the user exists.
	env := c.newEnvelope(v1.TypeUserWatch, mustMarshal(v1.UserWatchPayload{UserID: userID}))
	if err := c.write(ctx, env); err != nil {
		c.dropUserSub(userID, id)
		return nil, err
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-c.ctx.Done():
		}
		c.dropUserSub(userID, id)
	}()

	return ch, nil
}

// ---- handshake ----

func (c *Client) handshake(ctx context.Context) error {
	hctx, cancel := context.WithTimeout(ctx, helloTimeout)
	defer cancel()

	hello := c.newEnvelope(v1.TypeHello, mustMarshal(v1.HelloPayload{}))
	if err := c.write(hctx, hello); err != nil {
		return fmt.Errorf("remote: hello: %w", err)
	}

	env, err := c.read(hctx)
	if err != nil {
		return fmt.Errorf("remote: hello ack: %w", err)
	}
	switch env.Type {
	case v1.TypeHelloAck:
		var ack v1.HelloAckPayload
		if err := json.Unmarshal(env.Payload, &ack); err != nil {
			return fmt.Errorf("remote: hello ack payload: %w", err)
		}
		c.sessionID = ack.SessionID
		return nil
	case v1.TypeError:
		return wireError(env)
	default:
		return fmt.Errorf("remote: unexpected handshake reply: %s", env.Type)
	}
}

// ---- request/response correlation ----

func (c *Client) roundTrip(ctx context.Context, typ string, payload any) (v1.Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return v1.Envelope{}, err
	}
	env := c.newEnvelope(typ, b)

	respCh := make(chan v1.Envelope, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return v1.Envelope{}, ErrClosed
	}
	c.pending[env.ID] = respCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, env.ID)
		c.mu.Unlock()
	}()

	if err := c.write(ctx, env); err != nil {
		return v1.Envelope{}, err
	}

	timer := time.NewTimer(c.requestTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return v1.Envelope{}, ctx.Err()
	case <-c.ctx.Done():
		return v1.Envelope{}, ErrClosed
	case <-timer.C:
		return v1.Envelope{}, fmt.Errorf("remote: %s: ack timeout after %s", typ, c.requestTimeout)
	case resp := <-respCh:
		if resp.Type == v1.TypeError {
			return v1.Envelope{}, wireError(resp)
		}
		return resp, nil
	}
}

// ---- loops ----

func (c *Client) readLoop() error {
	for {
		env, err := c.read(c.ctx)
		if err != nil {
			c.failPending()
			if !isShutdownErr(err) {
				c.log.Info("remote.read.fail", "err", err)
				c.emitSelf(userstate.SelfEvent{Err: err})
				return err
			}
			return nil
		}

		switch env.Type {
		case v1.TypeSelfUpdate:
			var p v1.SelfUpdatePayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				c.log.Info("remote.self_update.bad_payload", "err", err)
				continue
			}
			c.emitSelf(userstate.SelfEvent{Identity: identityFromWire(p.Identity)})

		case v1.TypeUserUpdate:
			var p v1.UserUpdatePayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				c.log.Info("remote.user_update.bad_payload", "err", err)
				continue
			}
			c.emitUser(userstate.UserEvent{UserID: p.UserID, Profile: profileFromWire(p.UserID, p.Profile)})

		case v1.TypeLoginAck, v1.TypeLogoutAck, v1.TypeCreateUserAck, v1.TypeProfileSaveAck:
			c.deliverAck(env, reqIDOf(env))

		case v1.TypeError:
			var p v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			if p.ReqID != "" {
				c.deliverAck(env, p.ReqID)
				continue
			}
			c.log.Info("remote.server.error", "code", p.Code, "message", p.Message)

		default:
			c.log.Info("remote.unexpected_type", "type", env.Type)
		}
	}
}

func (c *Client) pingLoop() error {
	t := time.NewTicker(defaultPingInterval)
	defer t.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return nil
		case <-t.C:
			pctx, cancel := context.WithTimeout(c.ctx, defaultPingTimeout)
			err := c.conn.Ping(pctx)
			cancel()
			if err != nil {
				if isShutdownErr(err) {
					return nil
				}
				return fmt.Errorf("remote: ping: %w", err)
			}
		}
	}
}

// ---- push fanout ----

func (c *Client) emitSelf(ev userstate.SelfEvent) {
	select {
	case c.selfCh <- ev:
	case <-c.ctx.Done():
	}
}

func (c *Client) emitUser(ev userstate.UserEvent) {
	c.mu.Lock()
	subs := make([]chan userstate.UserEvent, 0, len(c.userChs[ev.UserID]))
	for _, ch := range c.userChs[ev.UserID] {
		subs = append(subs, ch)
	}
	c.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Client) deliverAck(env v1.Envelope, reqID string) {
	if reqID == "" {
		c.log.Info("remote.ack.uncorrelated", "type", env.Type)
		return
	}

	c.mu.Lock()
	ch := c.pending[reqID]
	c.mu.Unlock()

	if ch == nil {
		c.log.Info("remote.ack.unknown_req", "type", env.Type, "req_id", reqID)
		return
	}
	select {
	case ch <- env:
	default:
	}
}

// failPending unblocks round-trips waiting on a dead connection. The waiters
// observe c.ctx.Done once the errgroup cancels; clearing the map here just
// keeps late acks from racing a retried request id.
func (c *Client) failPending() {
	c.mu.Lock()
	c.pending = make(map[string]chan v1.Envelope)
	c.mu.Unlock()
}

func (c *Client) dropUserSub(userID string, id int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	subs := c.userChs[userID]
	delete(subs, id)
	if len(subs) == 0 {
		delete(c.userChs, userID)
	}
}

// ---- envelope IO ----

func (c *Client) newEnvelope(typ string, payload json.RawMessage) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      newRequestID(),
		TS:      time.Now().UTC(),
		Payload: payload,
	}
}

func (c *Client) write(ctx context.Context, env v1.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, b)
}

func (c *Client) read(ctx context.Context) (v1.Envelope, error) {
	mt, data, err := c.conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("remote: unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	if err := env.Validate(); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

// ---- conversions & helpers ----

func identityFromWire(in *v1.Identity) *userstate.Identity {
	if in == nil {
		return nil
	}
	return &userstate.Identity{
		UserID:  in.UserID,
		Public:  profileFromWire(in.UserID, in.Public),
		Private: in.Private,
		Server:  in.Server,
	}
}

func profileFromWire(userID string, in *v1.Profile) *userstate.Profile {
	if in == nil {
		return nil
	}
	id := in.UserID
	if id == "" {
		id = userID
	}
	return &userstate.Profile{
		ID:          id,
		DisplayName: in.DisplayName,
		Email:       in.Email,
		Fields:      in.Fields,
	}
}

// reqIDOf extracts the req_id field shared by every ack payload.
func reqIDOf(env v1.Envelope) string {
	var p struct {
		ReqID string `json:"req_id"`
	}
	_ = json.Unmarshal(env.Payload, &p)
	return p.ReqID
}

func wireError(env v1.Envelope) error {
	var p v1.ErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("remote: malformed error payload: %w", err)
	}

	switch p.Code {
	case "bad_credentials":
		return fmt.Errorf("%w: %s", ErrBadCredentials, p.Message)
	case "email_taken":
		return fmt.Errorf("%w: %s", ErrEmailTaken, p.Message)
	case "not_authorized":
		return fmt.Errorf("%w: %s", ErrNotAuthorized, p.Message)
	case "invalid_input":
		return fmt.Errorf("%w: %s", userstate.ErrInvalidInput, p.Message)
	default:
		return &ServiceError{Code: p.Code, Message: p.Message}
	}
}

func newRequestID() string {
	b := make([]byte, 10)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	return hex.EncodeToString(b)
}

func isShutdownErr(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	status := websocket.CloseStatus(err)
	return status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
