package directory

import (
	"context"
	"time"
)

// Record is one user's canonical server-side identity, partitioned the same
// way the wire contract partitions it: public (visible to everyone), private
// (visible to the user), and server (written only by the service).
//
// IMPORTANT: PasswordHash is the PHC-encoded Argon2id hash; the plain
// password is never stored.
type Record struct {
	ID           string
	Email        string
	EmailNorm    string
	PasswordHash string

	DisplayName  string
	PublicFields map[string]any

	Private map[string]any
	Server  map[string]any

	CreatedAt time.Time
}

// CreateUserInput describes a user registration request.
type CreateUserInput struct {
	Email       string
	Password    string
	DisplayName string
	Fields      map[string]any
	Now         time.Time
}

// SavePublicInput overwrites a user's public segment.
// An empty Email keeps the stored one (email stays unique across users).
type SavePublicInput struct {
	UserID      string
	DisplayName string
	Email       string
	Fields      map[string]any
}

// Store is the identity persistence boundary.
type Store interface {
	// CreateUser registers a user. Returns ConflictError on a duplicate email
	// and ErrInvalidInput on missing email/password or a policy-violating
	// password.
	CreateUser(ctx context.Context, in CreateUserInput) (Record, error)

	// Get returns the record for userID or NotFoundError.
	Get(ctx context.Context, userID string) (Record, error)

	// GetByEmail returns the record for a (normalized) email or NotFoundError.
	GetByEmail(ctx context.Context, email string) (Record, error)

	// SavePublic overwrites the public segment and returns the updated record.
	SavePublic(ctx context.Context, in SavePublicInput) (Record, error)

	// SetServer overwrites the server-authoritative segment.
	SetServer(ctx context.Context, userID string, server map[string]any) (Record, error)

	Close() error
}
