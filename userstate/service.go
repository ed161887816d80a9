package userstate

import "context"

// Identity is one user's privacy-partitioned record as delivered by the
// remote service.
//
// Segments are sparse: a nil segment means "unchanged", never "cleared".
// UserID is always authoritative and is applied last.
type Identity struct {
	UserID  string
	Public  *Profile
	Private map[string]any
	Server  map[string]any
}

// Credentials authenticates a user against the remote service.
type Credentials struct {
	Email    string
	Password string
}

// NewUser describes a registration request.
type NewUser struct {
	Email       string
	Password    string
	DisplayName string
	Fields      map[string]any
}

// SelfEvent is one event on the current-user stream.
//
// Exactly one of the fields is meaningful per event:
//   - Err set: transient service failure, existing state must be kept.
//   - Identity nil (and Err nil): the user signed out.
//   - Identity set: a sparse identity update to apply.
type SelfEvent struct {
	Identity *Identity
	Err      error
}

// UserEvent is one event on a per-user watch stream.
type UserEvent struct {
	UserID  string
	Profile *Profile
	Err     error
}

// Service is the remote identity service boundary.
//
// Implementations own transport, retries, and persistence. All methods are
// safe for concurrent use. Watch channels stay open for the lifetime of the
// passed context; events arrive in service delivery order.
type Service interface {
	// Login authenticates as the given user. State updates arrive through the
	// self stream, not the return value.
	Login(ctx context.Context, creds Credentials) error

	// Logout signs the user out everywhere. The self stream reports the
	// sign-out with a nil-identity event.
	Logout(ctx context.Context, userID string) error

	// CreateUser registers a new user and returns its partitioned identity.
	CreateUser(ctx context.Context, in NewUser) (*Identity, error)

	// SaveProfile persists the public profile for userID. The profile's own
	// ID field is ignored by implementations.
	SaveProfile(ctx context.Context, userID string, profile Profile) error

	// WatchSelf opens the singleton current-user stream.
	WatchSelf(ctx context.Context) (<-chan SelfEvent, error)

	// WatchUser opens a push stream for one user's public profile.
	WatchUser(ctx context.Context, userID string) (<-chan UserEvent, error)
}
