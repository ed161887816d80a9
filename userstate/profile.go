package userstate

import (
	"context"
	"errors"
	"maps"
)

// Profile is a user's public record, visible to every other user.
//
// ID always equals the cache key the profile is stored under; DisplayName
// falls back to Email when the service supplies none. Fields carries any
// additional public attributes the service pushes.
type Profile struct {
	ID          string
	DisplayName string
	Email       string
	Fields      map[string]any
}

// clone returns a deep-enough copy: Fields is cloned one level.
func (p Profile) clone() Profile {
	cp := p
	cp.Fields = maps.Clone(p.Fields)
	return cp
}

// Handle pairs a cached public profile with a bound save capability.
//
// The view layer may edit Profile freely and call Save to persist it; the
// user id stays bound to the handle, so callers never re-thread it and cannot
// retarget the save at another user.
type Handle struct {
	// Profile is a private copy; mutating it never touches the cache.
	Profile Profile

	userID string
	store  *Store
}

// Save pushes the handle's public profile back to the remote service and
// write-through-updates the local cache entry. The id field is stripped
// before delegation; the bound user id is authoritative.
func (h *Handle) Save(ctx context.Context) error {
	if h == nil || h.store == nil || h.userID == "" {
		return errors.New("userstate: save on unbound handle")
	}
	return h.store.saveProfile(ctx, h.userID, h.Profile)
}

// stampProfile enforces the cache invariants on a profile before storage:
// the id always equals the cache key, and the display name falls back to the
// email when the service supplied none.
func stampProfile(userID string, p Profile) Profile {
	p.ID = userID
	if p.DisplayName == "" {
		p.DisplayName = p.Email
	}
	return p
}
