// Package v1 defines the Halo Identity Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the daemon and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeLogin authenticates the connection as a user (client -> server).
	TypeLogin = "login"
	// TypeLoginAck acknowledges a successful login (server -> client).
	TypeLoginAck = "login_ack"

	// TypeLogout signs the user out of every bound session (client -> server).
	TypeLogout = "logout"
	// TypeLogoutAck acknowledges a logout request (server -> client).
	TypeLogoutAck = "logout_ack"

	// TypeCreateUser registers a new user (client -> server).
	TypeCreateUser = "create_user"
	// TypeCreateUserAck returns the created identity (server -> client).
	TypeCreateUserAck = "create_user_ack"

	// TypeProfileSave persists the caller's public profile (client -> server).
	TypeProfileSave = "profile_save"
	// TypeProfileSaveAck acknowledges a save request (server -> client).
	TypeProfileSaveAck = "profile_save_ack"

	// TypeUserWatch subscribes to another user's public profile (client -> server).
	TypeUserWatch = "user_watch"

	// TypeSelfUpdate pushes the connection owner's identity; a null identity
	// signals "signed out" (server -> client).
	TypeSelfUpdate = "self_update"
	// TypeUserUpdate pushes a watched user's public profile (server -> client).
	TypeUserUpdate = "user_update"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeLogin,
		TypeLoginAck,
		TypeLogout,
		TypeLogoutAck,
		TypeCreateUser,
		TypeCreateUserAck,
		TypeProfileSave,
		TypeProfileSaveAck,
		TypeUserWatch,
		TypeSelfUpdate,
		TypeUserUpdate,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- shared shapes ----

// Profile is a user's public record as seen by every other user.
type Profile struct {
	UserID      string         `json:"user_id,omitempty"`
	DisplayName string         `json:"display_name,omitempty"`
	Email       string         `json:"email,omitempty"`
	Fields      map[string]any `json:"fields,omitempty"`
}

// Identity is the privacy-partitioned identity record for one user.
//
// Segments are sparse: an absent segment means "unchanged", never "cleared".
type Identity struct {
	UserID  string         `json:"user_id"`
	Public  *Profile       `json:"public,omitempty"`
	Private map[string]any `json:"private,omitempty"`
	Server  map[string]any `json:"server,omitempty"`
}

// ---- payloads ----

// HelloPayload is sent by the client to initiate a session.
type HelloPayload struct{}

// HelloAckPayload carries the server-assigned session id.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
}

// LoginPayload authenticates the connection.
type LoginPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginAckPayload acknowledges a login request. The identity itself arrives
// through a self_update push so every session of the user converges the same way.
type LoginAckPayload struct {
	ReqID  string `json:"req_id"`
	UserID string `json:"user_id"`
}

// LogoutPayload requests sign-out for a user.
type LogoutPayload struct {
	UserID string `json:"user_id"`
}

// LogoutAckPayload acknowledges a logout request.
type LogoutAckPayload struct {
	ReqID string `json:"req_id"`
}

// CreateUserPayload registers a new user.
type CreateUserPayload struct {
	Email       string         `json:"email"`
	Password    string         `json:"password"`
	DisplayName string         `json:"display_name,omitempty"`
	Fields      map[string]any `json:"fields,omitempty"`
}

// CreateUserAckPayload returns the created identity record.
type CreateUserAckPayload struct {
	ReqID    string   `json:"req_id"`
	Identity Identity `json:"identity"`
}

// ProfileSavePayload persists the caller's public profile. The connection must
// be logged in as UserID.
type ProfileSavePayload struct {
	UserID  string  `json:"user_id"`
	Profile Profile `json:"profile"`
}

// ProfileSaveAckPayload acknowledges a save request.
type ProfileSaveAckPayload struct {
	ReqID string `json:"req_id"`
}

// UserWatchPayload subscribes the connection to a user's public profile.
// There is no ack: the current profile (when present) is pushed immediately as
// a user_update, and later changes keep flowing on the same subscription.
type UserWatchPayload struct {
	UserID string `json:"user_id"`
}

// SelfUpdatePayload pushes the connection owner's identity state.
// A nil Identity means the user is signed out.
type SelfUpdatePayload struct {
	Identity *Identity `json:"identity"`
}

// UserUpdatePayload pushes a watched user's public profile.
type UserUpdatePayload struct {
	UserID  string   `json:"user_id"`
	Profile *Profile `json:"profile"`
}

// ErrorPayload is a generic error response payload. ReqID is set when the
// error answers a specific request envelope.
type ErrorPayload struct {
	ReqID   string `json:"req_id,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
