package userstate

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"strings"
	"sync"
)

// Store is the process-wide reactive identity state container.
//
// It owns the current user id, the public profile cache, and the private and
// server-authoritative segments of the signed-in user, and it is the only
// writer of all of them. View layers read through Snapshot, GetUser and
// SearchLocal and mutate only through Login, Logout, CreateUser and
// Handle.Save.
//
// Every write is serialized through one mutex, which is what keeps the
// login/logout edge detection exact under concurrent use. Self-stream events
// are consumed by a single goroutine in delivery order.
type Store struct {
	log   *slog.Logger
	svc   Service
	hooks *hookRegistry

	mu sync.Mutex
	// ctx bounds the lifetime of every subscription; set by Start, nil
	// until then. Guarded by mu.
	ctx     context.Context
	userID  string
	cache   *profileCache
	watches *watchSet
	private map[string]any
	server  map[string]any
}

// Snapshot is the derived, read-only composite of the signed-in user's state.
//
// It is recomputed from the constituent fields on demand and never mutated
// independently; maps are clones, so holding a Snapshot is always safe.
type Snapshot struct {
	// UserID is empty when no user is signed in.
	UserID  string
	Profile *Profile
	Private map[string]any
	Server  map[string]any
}

// SignedIn reports whether the snapshot belongs to an established user.
func (s Snapshot) SignedIn() bool { return s.UserID != "" }

// New constructs a Store bound to the given remote service.
// When log is nil, a JSON logger on stdout is used.
func New(log *slog.Logger, svc Service) *Store {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Store{
		log:     log,
		svc:     svc,
		hooks:   newHookRegistry(log),
		watches: newWatchSet(),
	}
	s.cache = newProfileCache(s.ensureWatch)
	return s
}

// Start opens the singleton current-user subscription and begins applying its
// events. It must be called once; ctx bounds the lifetime of this and every
// per-user subscription.
func (s *Store) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	ch, err := s.svc.WatchSelf(ctx)
	if err != nil {
		return fmt.Errorf("userstate: watch self: %w", err)
	}

	go func() {
		for ev := range ch {
			s.handleSelf(ev)
		}
	}()
	return nil
}

// OnLogin registers a hook fired once per "no user -> user established"
// transition. The hook receives the composite snapshot after the establishing
// update has been fully applied.
func (s *Store) OnLogin(fn func(Snapshot)) { s.hooks.onLogin(fn) }

// OnLogout registers a hook fired once per "user -> no user" transition.
// The hook receives the composite snapshot from just before clearing.
func (s *Store) OnLogout(fn func(Snapshot)) { s.hooks.onLogout(fn) }

// Snapshot recomputes the composite view from the current fields.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	snap := Snapshot{
		UserID:  s.userID,
		Private: maps.Clone(s.private),
		Server:  maps.Clone(s.server),
	}
	if s.userID != "" {
		if p, ok := s.cache.peek(s.userID); ok {
			cp := p.clone()
			snap.Profile = &cp
		}
	}
	return snap
}

// GetUser returns the cached public profile for userID wrapped in a save
// handle. On a miss it returns immediately with ok=false after arranging a
// subscription for that user; callers observe the profile on a later call
// once the service has delivered it.
func (s *Store) GetUser(userID string) (Handle, bool) {
	s.mu.Lock()
	p, ok := s.cache.lookup(userID)
	s.mu.Unlock()

	if !ok {
		return Handle{}, false
	}
	return Handle{Profile: p.clone(), userID: userID, store: s}, true
}

// Login delegates authentication to the remote service. The resulting state
// change arrives through the self stream.
func (s *Store) Login(ctx context.Context, creds Credentials) error {
	return s.svc.Login(ctx, creds)
}

// Logout signs the current user out. Without a signed-in user it is a no-op.
func (s *Store) Logout(ctx context.Context) error {
	s.mu.Lock()
	userID := s.userID
	s.mu.Unlock()

	if userID == "" {
		return nil
	}
	return s.svc.Logout(ctx, userID)
}

// CreateUser validates the registration fields locally and delegates to the
// remote service. This is the only purely local validation in the store:
// both an email and a password must be non-empty, otherwise the call fails
// synchronously with ErrInvalidInput and no state is mutated.
func (s *Store) CreateUser(ctx context.Context, in NewUser) error {
	if strings.TrimSpace(in.Email) == "" {
		return fmt.Errorf("userstate: create user: %w: email required", ErrInvalidInput)
	}
	if in.Password == "" {
		return fmt.Errorf("userstate: create user: %w: password required", ErrInvalidInput)
	}

	ident, err := s.svc.CreateUser(ctx, in)
	if err != nil {
		return err
	}
	if ident != nil {
		s.apply(*ident)
	}
	return nil
}

// SearchLocal scans the cached profiles for a case-insensitive substring
// match of query in the named string field. Field names follow the wire
// contract: "id", "display_name", "email", or any key of a profile's extra
// fields. Non-string field values are skipped without error. Matches are
// returned in no particular order.
func (s *Store) SearchLocal(field, query string) []Profile {
	needle := strings.ToLower(query)

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Profile
	s.cache.all(func(p Profile) bool {
		v, ok := profileField(p, field)
		if ok && strings.Contains(strings.ToLower(v), needle) {
			out = append(out, p.clone())
		}
		return true
	})
	return out
}

func profileField(p Profile, field string) (string, bool) {
	switch field {
	case "id":
		return p.ID, true
	case "display_name":
		return p.DisplayName, true
	case "email":
		return p.Email, true
	default:
		if v, ok := p.Fields[field]; ok {
			if s, ok := v.(string); ok {
				return s, true
			}
		}
		return "", false
	}
}

// saveProfile pushes the public profile for userID to the remote service and
// write-through-updates the cache on success. The profile's own id field is
// stripped before delegation; the bound user id is authoritative.
func (s *Store) saveProfile(ctx context.Context, userID string, p Profile) error {
	p.ID = ""
	if err := s.svc.SaveProfile(ctx, userID, p); err != nil {
		return err
	}

	s.mu.Lock()
	s.cache.set(userID, &p)
	s.mu.Unlock()
	return nil
}

// handleSelf merges one current-user event into the store.
func (s *Store) handleSelf(ev SelfEvent) {
	if ev.Err != nil {
		// Transient service failure: report it, keep existing state.
		// Staleness beats data loss.
		s.log.Warn("userstate.self.event_err", "err", ev.Err)
		return
	}
	if ev.Identity == nil {
		s.clearSelf()
		return
	}
	s.apply(*ev.Identity)
}

// apply routes one sparse identity payload into its storage locations:
// the public segment into the cache, the private and server segments into
// their single instances, and the user id as the authoritative pointer, set
// unconditionally last. Absent segments stay untouched.
//
// When the update establishes a previously-absent public profile for the
// user, the login edge fires after the payload is fully applied so hooks
// observe populated composite state.
func (s *Store) apply(in Identity) {
	if in.UserID == "" {
		s.log.Warn("userstate.apply.missing_user_id")
		return
	}

	s.mu.Lock()
	_, had := s.cache.peek(in.UserID)

	if in.Public != nil {
		s.cache.set(in.UserID, in.Public)
	}
	if in.Private != nil {
		s.private = maps.Clone(in.Private)
	}
	if in.Server != nil {
		s.server = maps.Clone(in.Server)
	}
	s.userID = in.UserID

	establishing := !had && in.Public != nil
	var snap Snapshot
	if establishing {
		snap = s.snapshotLocked()
	}
	s.mu.Unlock()

	if establishing {
		s.hooks.fireLogin(snap)
	}
}

// clearSelf handles a "signed out" event: if a user was established, the
// logout edge fires first so hooks observe the still-populated state, then
// the user id and both segments are cleared. The profile cache keeps its
// entries.
func (s *Store) clearSelf() {
	s.mu.Lock()
	if s.userID == "" {
		s.mu.Unlock()
		return
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.hooks.fireLogout(snap)

	s.mu.Lock()
	// Guard against an interleaved re-establish while hooks were running.
	if s.userID == snap.UserID {
		s.userID = ""
		s.private = nil
		s.server = nil
	}
	s.mu.Unlock()
}
