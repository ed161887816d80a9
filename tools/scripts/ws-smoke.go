// Package main provides a CI-friendly WebSocket smoke test for the Halo identity daemon.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello/ack session establishment
//   - create_user -> ack with the partitioned identity
//   - login -> ack + full self_update (with last_login_at stamped)
//   - user_watch from a second client -> immediate user_update
//   - profile_save -> ack, sparse self_update, and watcher user_update
//   - logout -> ack + nil-identity self_update
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "halo/shared/contracts/identity/v1"

	"github.com/coder/websocket"
)

const (
	defaultSubprotocol = "halo.identity.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name      string
	conn      *websocket.Conn
	sessionID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL    = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin   = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		email    = flag.String("email", "", "Email to register (default: generated unique address)")
		password = flag.String("password", "smoke-test-pw", "Password to register and log in with")
		timeout  = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose  = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	addr := *email
	if addr == "" {
		addr = fmt.Sprintf("smoke-%d@example.com", time.Now().UnixNano())
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.sessionID, b.sessionID, *origin)
	}

	userID := mustCreateUser(root, a, addr, *password, "Smoke Tester", *timeout)
	if *verbose {
		fmt.Printf("created: user_id=%s email=%s\n", userID, addr)
	}

	mustLogin(root, a, addr, *password, userID, *timeout)
	mustSelfUpdateFull(root, a, userID, *timeout)

	mustWatch(root, b, userID, *timeout)
	mustUserUpdate(root, b, userID, "Smoke Tester", *timeout)

	mustProfileSave(root, a, userID, "Smoke Tester v2", *timeout)
	mustSelfUpdatePublicOnly(root, a, userID, "Smoke Tester v2", *timeout)
	mustUserUpdate(root, b, userID, "Smoke Tester v2", *timeout)

	mustLogout(root, a, userID, *timeout)

	fmt.Printf("OK: A=%s B=%s user_id=%s email=%s\n", a.sessionID, b.sessionID, userID, addr)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, defaultSubprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	hello := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHello,
		ID:      fmt.Sprintf("%s-hello", name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.HelloPayload{}),
	}
	mustWriteWithTimeout(parent, c.conn, hello, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, nil)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello.ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello.ack missing session_id (%s)", name)
	}
	c.sessionID = p.SessionID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustCreateUser(parent context.Context, c *smokeClient, email, password, displayName string, stepTimeout time.Duration) string {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeCreateUser,
		ID:   fmt.Sprintf("%s-create", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.CreateUserPayload{
			Email:       email,
			Password:    password,
			DisplayName: displayName,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeCreateUserAck, stepTimeout, nil)

	var p v1.CreateUserAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal create_user.ack payload (%s): %v", c.name, err)
	}
	if p.ReqID != env.ID {
		fatalf("create_user.ack req_id mismatch (%s): got=%q want=%q", c.name, p.ReqID, env.ID)
	}
	if strings.TrimSpace(p.Identity.UserID) == "" {
		fatalf("create_user.ack missing user_id (%s)", c.name)
	}
	if p.Identity.Public == nil || p.Identity.Public.DisplayName != displayName {
		fatalf("create_user.ack public segment mismatch (%s): %+v", c.name, p.Identity.Public)
	}
	return p.Identity.UserID
}

func mustLogin(parent context.Context, c *smokeClient, email, password, userID string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeLogin,
		ID:      fmt.Sprintf("%s-login", c.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.LoginPayload{Email: email, Password: password}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeLoginAck, stepTimeout, nil)

	var p v1.LoginAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal login.ack payload (%s): %v", c.name, err)
	}
	if p.ReqID != env.ID {
		fatalf("login.ack req_id mismatch (%s): got=%q want=%q", c.name, p.ReqID, env.ID)
	}
	if p.UserID != userID {
		fatalf("login.ack user_id mismatch (%s): got=%q want=%q", c.name, p.UserID, userID)
	}
}

func mustSelfUpdateFull(parent context.Context, c *smokeClient, userID string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeSelfUpdate, stepTimeout, nil)

	var p v1.SelfUpdatePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal self_update payload (%s): %v", c.name, err)
	}
	if p.Identity == nil || p.Identity.UserID != userID {
		fatalf("self_update identity mismatch (%s): %+v", c.name, p.Identity)
	}
	if p.Identity.Server == nil || p.Identity.Server["last_login_at"] == nil {
		fatalf("self_update missing last_login_at (%s): %+v", c.name, p.Identity.Server)
	}
	if p.Identity.Private == nil {
		fatalf("self_update missing private segment (%s)", c.name)
	}
}

func mustWatch(parent context.Context, c *smokeClient, userID string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeUserWatch,
		ID:      fmt.Sprintf("%s-watch", c.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.UserWatchPayload{UserID: userID}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)
}

func mustUserUpdate(parent context.Context, c *smokeClient, userID, wantDisplayName string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeUserUpdate, stepTimeout, nil)

	var p v1.UserUpdatePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal user_update payload (%s): %v", c.name, err)
	}
	if p.UserID != userID {
		fatalf("user_update user_id mismatch (%s): got=%q want=%q", c.name, p.UserID, userID)
	}
	if p.Profile == nil || p.Profile.DisplayName != wantDisplayName {
		fatalf("user_update profile mismatch (%s): %+v", c.name, p.Profile)
	}
}

func mustProfileSave(parent context.Context, c *smokeClient, userID, displayName string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeProfileSave,
		ID:   fmt.Sprintf("%s-save", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.ProfileSavePayload{
			UserID:  userID,
			Profile: v1.Profile{DisplayName: displayName},
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeProfileSaveAck, stepTimeout, nil)

	var p v1.ProfileSaveAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal profile_save.ack payload (%s): %v", c.name, err)
	}
	if p.ReqID != env.ID {
		fatalf("profile_save.ack req_id mismatch (%s): got=%q want=%q", c.name, p.ReqID, env.ID)
	}
}

func mustSelfUpdatePublicOnly(parent context.Context, c *smokeClient, userID, wantDisplayName string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeSelfUpdate, stepTimeout, nil)

	var p v1.SelfUpdatePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal self_update payload (%s): %v", c.name, err)
	}
	if p.Identity == nil || p.Identity.UserID != userID {
		fatalf("sparse self_update identity mismatch (%s): %+v", c.name, p.Identity)
	}
	if p.Identity.Public == nil || p.Identity.Public.DisplayName != wantDisplayName {
		fatalf("sparse self_update public mismatch (%s): %+v", c.name, p.Identity.Public)
	}
	if p.Identity.Private != nil {
		fatalf("sparse self_update leaked private segment (%s)", c.name)
	}
}

func mustLogout(parent context.Context, c *smokeClient, userID string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeLogout,
		ID:      fmt.Sprintf("%s-logout", c.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.LogoutPayload{UserID: userID}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	// The signed-out push is enqueued before the ack on the same session queue.
	push := c.mustReadUntilType(parent, v1.TypeSelfUpdate, stepTimeout, nil)

	var sp v1.SelfUpdatePayload
	if err := json.Unmarshal(push.Payload, &sp); err != nil {
		fatalf("unmarshal self_update payload (%s): %v", c.name, err)
	}
	if sp.Identity != nil {
		fatalf("expected signed-out self_update, got identity (%s): %+v", c.name, sp.Identity)
	}

	ack := c.mustReadUntilType(parent, v1.TypeLogoutAck, stepTimeout, nil)

	var p v1.LogoutAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal logout.ack payload (%s): %v", c.name, err)
	}
	if p.ReqID != env.ID {
		fatalf("logout.ack req_id mismatch (%s): got=%q want=%q", c.name, p.ReqID, env.ID)
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
