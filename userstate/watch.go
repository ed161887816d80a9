package userstate

import "context"

// watchSet deduplicates per-user subscription requests.
//
// A watch is started at most once per user id for the process lifetime and is
// never cancelled: profiles may keep updating over time. Not safe for
// concurrent use; the owning Store serializes access.
type watchSet struct {
	watched map[string]struct{}
}

func newWatchSet() *watchSet {
	return &watchSet{watched: make(map[string]struct{})}
}

// claim marks userID as watched and reports whether the caller should start
// the subscription. Repeated claims for the same id are no-ops.
func (w *watchSet) claim(userID string) bool {
	if userID == "" {
		return false
	}
	if _, ok := w.watched[userID]; ok {
		return false
	}
	w.watched[userID] = struct{}{}
	return true
}

// ensureWatch starts a per-user subscription unless one already exists.
// Callers must hold s.mu.
func (s *Store) ensureWatch(userID string) {
	if s.ctx == nil {
		// Lookups before Start cannot subscribe yet; the id stays unclaimed
		// so the first miss after Start arms the watch.
		s.log.Warn("userstate.watch.before_start", "user_id", userID)
		return
	}
	if !s.watches.claim(userID) {
		return
	}
	// The subscription dial happens off the caller's goroutine: lookups must
	// return immediately with absent data rather than await the fetch.
	go s.runUserWatch(s.ctx, userID)
}

// runUserWatch opens the watch stream for one user and applies its events.
func (s *Store) runUserWatch(ctx context.Context, userID string) {
	ch, err := s.svc.WatchUser(ctx, userID)
	if err != nil {
		// No retry policy here; worst case is a missing cache entry.
		s.log.Warn("userstate.watch.open_fail", "user_id", userID, "err", err)
		return
	}

	for ev := range ch {
		s.handleUser(ev)
	}
}

// handleUser merges one per-user event into the cache.
func (s *Store) handleUser(ev UserEvent) {
	if ev.Err != nil {
		s.log.Warn("userstate.watch.event_err", "user_id", ev.UserID, "err", ev.Err)
		return
	}
	if ev.Profile == nil {
		// The user does not exist yet; the subscription stays open.
		return
	}

	s.mu.Lock()
	s.cache.set(ev.UserID, ev.Profile)
	s.mu.Unlock()
}
