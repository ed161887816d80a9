package userstate

// profileCache maps user ids to public profiles.
//
// The cache never fetches: on a miss it signals the watch multiplexer through
// onMiss and reports absence immediately. Entries persist for the process
// lifetime (no eviction); writes always overwrite.
//
// Not safe for concurrent use; the owning Store serializes access.
type profileCache struct {
	profiles map[string]Profile

	// onMiss is invoked once per lookup miss with the missing user id.
	onMiss func(userID string)
}

func newProfileCache(onMiss func(userID string)) *profileCache {
	if onMiss == nil {
		onMiss = func(string) {}
	}
	return &profileCache{
		profiles: make(map[string]Profile),
		onMiss:   onMiss,
	}
}

// lookup returns the cached profile for userID. A miss signals onMiss so a
// subscription can be started, and returns absence without blocking.
func (c *profileCache) lookup(userID string) (Profile, bool) {
	p, ok := c.profiles[userID]
	if !ok {
		c.onMiss(userID)
		return Profile{}, false
	}
	return p, true
}

// peek reports the cached profile without triggering a fetch signal.
func (c *profileCache) peek(userID string) (Profile, bool) {
	p, ok := c.profiles[userID]
	return p, ok
}

// set stores a stamped copy of profile under userID. A nil profile is a
// silent no-op, matching sparse service pushes.
func (c *profileCache) set(userID string, profile *Profile) {
	if userID == "" || profile == nil {
		return
	}
	c.profiles[userID] = stampProfile(userID, profile.clone())
}

// all iterates the cached profiles in no particular order.
func (c *profileCache) all(fn func(Profile) bool) {
	for _, p := range c.profiles {
		if !fn(p) {
			return
		}
	}
}
