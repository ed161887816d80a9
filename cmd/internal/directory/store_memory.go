package directory

import (
	"context"
	"maps"
	"strings"
	"sync"
	"time"
)

// InMemoryStore is a dev-only fallback when no database is configured.
// It mirrors the Postgres store's semantics: unique normalized email,
// partitioned segments, overwrite-on-save.
type InMemoryStore struct {
	mu      sync.Mutex
	byID    map[string]Record
	byEmail map[string]string // email_norm -> user id
}

// NewInMemoryStore constructs an in-memory Store implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		byID:    make(map[string]Record),
		byEmail: make(map[string]string),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// CreateUser registers a user with a fresh ULID id and a hashed password.
func (s *InMemoryStore) CreateUser(ctx context.Context, in CreateUserInput) (Record, error) {
	const op = "directory.CreateUser"

	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	email := strings.TrimSpace(in.Email)
	if email == "" || in.Password == "" {
		return Record{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "email and password required"}
	}

	hash, err := HashPassword(in.Password, Argon2idParams{})
	if err != nil {
		return Record{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: err.Error()}
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := NewULID(now)
	if err != nil {
		return Record{}, err
	}

	norm := NormalizeEmail(email)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byEmail[norm]; exists {
		return Record{}, ConflictError{Op: op, Field: "email"}
	}

	rec := Record{
		ID:           id,
		Email:        email,
		EmailNorm:    norm,
		PasswordHash: hash,
		DisplayName:  strings.TrimSpace(in.DisplayName),
		PublicFields: maps.Clone(in.Fields),
		Private: map[string]any{
			"email": email,
		},
		Server: map[string]any{
			"created_at": now.Format(time.RFC3339),
			"roles":      []any{"user"},
		},
		CreatedAt: now,
	}

	s.byID[id] = cloneRecord(rec)
	s.byEmail[norm] = id
	return rec, nil
}

// Get returns the record for userID.
func (s *InMemoryStore) Get(ctx context.Context, userID string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[userID]
	if !ok {
		return Record{}, NotFoundError{Op: "directory.Get", Resource: "user"}
	}
	return cloneRecord(rec), nil
}

// GetByEmail returns the record for a normalized email.
func (s *InMemoryStore) GetByEmail(ctx context.Context, email string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byEmail[NormalizeEmail(email)]
	if !ok {
		return Record{}, NotFoundError{Op: "directory.GetByEmail", Resource: "user"}
	}
	return cloneRecord(s.byID[id]), nil
}

// SavePublic overwrites the public segment of a user record.
func (s *InMemoryStore) SavePublic(ctx context.Context, in SavePublicInput) (Record, error) {
	const op = "directory.SavePublic"

	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	if in.UserID == "" {
		return Record{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "missing user id"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[in.UserID]
	if !ok {
		return Record{}, NotFoundError{Op: op, Resource: "user"}
	}

	if email := strings.TrimSpace(in.Email); email != "" {
		norm := NormalizeEmail(email)
		if owner, exists := s.byEmail[norm]; exists && owner != in.UserID {
			return Record{}, ConflictError{Op: op, Field: "email"}
		}
		delete(s.byEmail, rec.EmailNorm)
		rec.Email = email
		rec.EmailNorm = norm
		s.byEmail[norm] = in.UserID
	}

	rec.DisplayName = strings.TrimSpace(in.DisplayName)
	rec.PublicFields = maps.Clone(in.Fields)

	s.byID[in.UserID] = cloneRecord(rec)
	return rec, nil
}

// SetServer overwrites the server-authoritative segment.
func (s *InMemoryStore) SetServer(ctx context.Context, userID string, server map[string]any) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[userID]
	if !ok {
		return Record{}, NotFoundError{Op: "directory.SetServer", Resource: "user"}
	}

	rec.Server = maps.Clone(server)
	s.byID[userID] = cloneRecord(rec)
	return rec, nil
}

func cloneRecord(r Record) Record {
	r.PublicFields = maps.Clone(r.PublicFields)
	r.Private = maps.Clone(r.Private)
	r.Server = maps.Clone(r.Server)
	return r
}
