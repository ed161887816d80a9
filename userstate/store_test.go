package userstate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeService is an in-memory Service double that records calls and lets
// tests feed watch streams by hand.
type fakeService struct {
	mu          sync.Mutex
	loginCalls  []Credentials
	logoutCalls []string
	createCalls []NewUser
	saveCalls   []savedProfile
	watchCalls  map[string]int

	createResult *Identity
	createErr    error
	loginErr     error
	saveErr      error

	selfCh  chan SelfEvent
	userChs map[string]chan UserEvent
}

type savedProfile struct {
	userID  string
	profile Profile
}

func newFakeService() *fakeService {
	return &fakeService{
		watchCalls: make(map[string]int),
		selfCh:     make(chan SelfEvent, 16),
		userChs:    make(map[string]chan UserEvent),
	}
}

func (f *fakeService) Login(_ context.Context, creds Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loginCalls = append(f.loginCalls, creds)
	return f.loginErr
}

func (f *fakeService) Logout(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logoutCalls = append(f.logoutCalls, userID)
	return nil
}

func (f *fakeService) CreateUser(_ context.Context, in NewUser) (*Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls = append(f.createCalls, in)
	return f.createResult, f.createErr
}

func (f *fakeService) SaveProfile(_ context.Context, userID string, profile Profile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saveCalls = append(f.saveCalls, savedProfile{userID: userID, profile: profile})
	return f.saveErr
}

func (f *fakeService) WatchSelf(context.Context) (<-chan SelfEvent, error) {
	return f.selfCh, nil
}

func (f *fakeService) WatchUser(_ context.Context, userID string) (<-chan UserEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watchCalls[userID]++
	ch, ok := f.userChs[userID]
	if !ok {
		ch = make(chan UserEvent, 16)
		f.userChs[userID] = ch
	}
	return ch, nil
}

func (f *fakeService) watchCount(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.watchCalls[userID]
}

func (f *fakeService) userCh(userID string) chan UserEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.userChs[userID]
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within deadline")
}

func newTestStore(t *testing.T) (*Store, *fakeService) {
	t.Helper()
	svc := newFakeService()
	s := New(nil, svc)
	s.ctx = context.Background()
	return s, svc
}

func identityAlice(extra map[string]any) *Identity {
	return &Identity{
		UserID: "u-alice",
		Public: &Profile{DisplayName: "Alice", Email: "alice@example.com", Fields: extra},
		Private: map[string]any{
			"theme": "dark",
		},
		Server: map[string]any{
			"roles": []string{"user"},
		},
	}
}

func TestSelfStreamEdgeTransitions(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)

	var loginFires, logoutFires int
	var loginSnap, logoutSnap Snapshot
	s.OnLogin(func(snap Snapshot) {
		loginFires++
		loginSnap = snap
	})
	s.OnLogout(func(snap Snapshot) {
		logoutFires++
		logoutSnap = snap
	})

	// A leading "signed out" event with no established user is a no-op.
	s.handleSelf(SelfEvent{})
	if loginFires != 0 || logoutFires != 0 {
		t.Fatalf("no edge expected on initial nil event: login=%d logout=%d", loginFires, logoutFires)
	}

	// Establishing update: login fires exactly once, after the apply.
	s.handleSelf(SelfEvent{Identity: identityAlice(nil)})
	if loginFires != 1 {
		t.Fatalf("login fires = %d, want 1", loginFires)
	}
	if !loginSnap.SignedIn() || loginSnap.UserID != "u-alice" {
		t.Fatalf("login snapshot user id = %q", loginSnap.UserID)
	}
	if loginSnap.Profile == nil || loginSnap.Profile.DisplayName != "Alice" {
		t.Fatalf("login snapshot profile not populated: %+v", loginSnap.Profile)
	}
	if loginSnap.Private["theme"] != "dark" {
		t.Fatalf("login snapshot missing private segment")
	}
	if loginSnap.Server == nil {
		t.Fatalf("login snapshot missing server segment")
	}

	// A repeat update for the same user is not a new edge.
	s.handleSelf(SelfEvent{Identity: &Identity{
		UserID: "u-alice",
		Public: &Profile{DisplayName: "Alice B.", Email: "alice@example.com"},
	}})
	if loginFires != 1 {
		t.Fatalf("login re-fired on non-establishing update: fires=%d", loginFires)
	}
	if got := s.Snapshot(); got.Profile == nil || got.Profile.DisplayName != "Alice B." {
		t.Fatalf("update not applied: %+v", got.Profile)
	}

	// Signed-out event: logout fires once with the pre-clear snapshot.
	s.handleSelf(SelfEvent{})
	if logoutFires != 1 {
		t.Fatalf("logout fires = %d, want 1", logoutFires)
	}
	if logoutSnap.UserID != "u-alice" || logoutSnap.Profile == nil {
		t.Fatalf("logout snapshot should capture pre-clear state: %+v", logoutSnap)
	}

	after := s.Snapshot()
	if after.SignedIn() || after.Private != nil || after.Server != nil {
		t.Fatalf("state not cleared after sign-out: %+v", after)
	}

	// A second signed-out event without an established user is not an edge.
	s.handleSelf(SelfEvent{})
	if logoutFires != 1 {
		t.Fatalf("logout re-fired without transition: fires=%d", logoutFires)
	}
}

func TestSnapshotTracksLatestPayloadID(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)

	s.handleSelf(SelfEvent{Identity: identityAlice(nil)})
	s.handleSelf(SelfEvent{Identity: &Identity{
		UserID: "u-bob",
		Public: &Profile{DisplayName: "Bob", Email: "bob@example.com"},
	}})
	if got := s.Snapshot().UserID; got != "u-bob" {
		t.Fatalf("snapshot user id = %q, want u-bob", got)
	}

	s.handleSelf(SelfEvent{})
	if got := s.Snapshot().UserID; got != "" {
		t.Fatalf("snapshot user id after sign-out = %q, want empty", got)
	}
}

func TestSelfStreamErrorKeepsState(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	s.handleSelf(SelfEvent{Identity: identityAlice(nil)})

	s.handleSelf(SelfEvent{Err: errors.New("transport down"), Identity: nil})

	snap := s.Snapshot()
	if snap.UserID != "u-alice" || snap.Profile == nil || snap.Private == nil {
		t.Fatalf("transient error must not clear state: %+v", snap)
	}
}

func TestSparseUpdateLeavesOtherSegments(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	s.handleSelf(SelfEvent{Identity: identityAlice(nil)})

	s.handleSelf(SelfEvent{Identity: &Identity{
		UserID: "u-alice",
		Server: map[string]any{"flag": true},
	}})

	snap := s.Snapshot()
	if snap.Profile == nil || snap.Profile.DisplayName != "Alice" {
		t.Fatalf("public segment lost on sparse update: %+v", snap.Profile)
	}
	if snap.Private["theme"] != "dark" {
		t.Fatalf("private segment lost on sparse update: %+v", snap.Private)
	}
	if snap.Server["flag"] != true {
		t.Fatalf("server segment not overwritten: %+v", snap.Server)
	}
}

func TestGetUserLazyWatchAndDedup(t *testing.T) {
	t.Parallel()

	s, svc := newTestStore(t)

	if _, ok := s.GetUser("u-carol"); ok {
		t.Fatalf("expected absent profile on first lookup")
	}
	if _, ok := s.GetUser("u-carol"); ok {
		t.Fatalf("expected absent profile on second lookup")
	}

	waitFor(t, func() bool { return svc.watchCount("u-carol") > 0 })
	if got := svc.watchCount("u-carol"); got != 1 {
		t.Fatalf("watch requests = %d, want 1 (dedup by id)", got)
	}

	svc.userCh("u-carol") <- UserEvent{
		UserID:  "u-carol",
		Profile: &Profile{Email: "carol@example.com"},
	}

	waitFor(t, func() bool {
		_, ok := s.GetUser("u-carol")
		return ok
	})

	h, ok := s.GetUser("u-carol")
	if !ok {
		t.Fatalf("profile should be cached after delivery")
	}
	if h.Profile.ID != "u-carol" {
		t.Fatalf("cached profile id = %q, want the requested id", h.Profile.ID)
	}
	if h.Profile.DisplayName != "carol@example.com" {
		t.Fatalf("display name should fall back to email, got %q", h.Profile.DisplayName)
	}
}

func TestWatchEventErrorIsIgnored(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)

	s.handleUser(UserEvent{UserID: "u-x", Err: errors.New("boom")})
	s.handleUser(UserEvent{UserID: "u-x"}) // nil profile: user does not exist yet

	s.mu.Lock()
	_, ok := s.cache.peek("u-x")
	s.mu.Unlock()
	if ok {
		t.Fatalf("no profile should be cached from error or nil events")
	}
}

func TestCreateUserValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   NewUser
	}{
		{name: "missing email", in: NewUser{Email: "", Password: "x"}},
		{name: "blank email", in: NewUser{Email: "   ", Password: "x"}},
		{name: "missing password", in: NewUser{Email: "a@b.com", Password: ""}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			s, svc := newTestStore(t)
			err := s.CreateUser(context.Background(), tc.in)
			if !IsInvalidInput(err) {
				t.Fatalf("err = %v, want ErrInvalidInput", err)
			}
			if len(svc.createCalls) != 0 {
				t.Fatalf("invalid input must not reach the service")
			}
			if snap := s.Snapshot(); snap.SignedIn() {
				t.Fatalf("no state mutation expected, got %+v", snap)
			}
		})
	}
}

func TestCreateUserDelegatesAndApplies(t *testing.T) {
	t.Parallel()

	s, svc := newTestStore(t)
	svc.createResult = identityAlice(nil)

	var loginFires int
	s.OnLogin(func(Snapshot) { loginFires++ })

	if err := s.CreateUser(context.Background(), NewUser{Email: "alice@example.com", Password: "secret"}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if len(svc.createCalls) != 1 {
		t.Fatalf("create calls = %d, want 1", len(svc.createCalls))
	}
	if loginFires != 1 {
		t.Fatalf("login edge fires = %d, want 1", loginFires)
	}
	if got := s.Snapshot().UserID; got != "u-alice" {
		t.Fatalf("snapshot user id = %q, want u-alice", got)
	}
}

func TestLogoutIsNoopWhenSignedOut(t *testing.T) {
	t.Parallel()

	s, svc := newTestStore(t)
	if err := s.Logout(context.Background()); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if len(svc.logoutCalls) != 0 {
		t.Fatalf("logout must not reach the service without a signed-in user")
	}

	s.handleSelf(SelfEvent{Identity: identityAlice(nil)})
	if err := s.Logout(context.Background()); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if len(svc.logoutCalls) != 1 || svc.logoutCalls[0] != "u-alice" {
		t.Fatalf("logout calls = %v", svc.logoutCalls)
	}
}

func TestHandleSaveStripsIDAndWritesThrough(t *testing.T) {
	t.Parallel()

	s, svc := newTestStore(t)
	s.handleSelf(SelfEvent{Identity: identityAlice(nil)})

	h, ok := s.GetUser("u-alice")
	if !ok {
		t.Fatalf("own profile should be cached")
	}

	h.Profile.DisplayName = "Alice Cooper"
	if err := h.Save(context.Background()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if len(svc.saveCalls) != 1 {
		t.Fatalf("save calls = %d, want 1", len(svc.saveCalls))
	}
	call := svc.saveCalls[0]
	if call.userID != "u-alice" {
		t.Fatalf("save bound to %q, want u-alice", call.userID)
	}
	if call.profile.ID != "" {
		t.Fatalf("id must be stripped from the pushed profile, got %q", call.profile.ID)
	}
	if call.profile.DisplayName != "Alice Cooper" {
		t.Fatalf("pushed display name = %q", call.profile.DisplayName)
	}

	got, ok := s.GetUser("u-alice")
	if !ok || got.Profile.DisplayName != "Alice Cooper" {
		t.Fatalf("cache not updated by save: %+v", got.Profile)
	}
	if got.Profile.ID != "u-alice" {
		t.Fatalf("cache entry must be re-stamped with its key, got %q", got.Profile.ID)
	}
}

func TestSaveOnUnboundHandle(t *testing.T) {
	t.Parallel()

	var h Handle
	if err := h.Save(context.Background()); err == nil {
		t.Fatalf("expected error from unbound handle")
	}
}

func TestSearchLocal(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	s.handleUser(UserEvent{UserID: "u-1", Profile: &Profile{DisplayName: "Anna", Email: "anna@example.com"}})
	s.handleUser(UserEvent{UserID: "u-2", Profile: &Profile{DisplayName: "Bob", Email: "bob@example.com"}})
	s.handleUser(UserEvent{UserID: "u-3", Profile: &Profile{
		DisplayName: "Cleo",
		Email:       "cleo@example.com",
		Fields:      map[string]any{"city": "Annapolis", "age": 42},
	}})

	got := s.SearchLocal("display_name", "ann")
	if len(got) != 1 || got[0].DisplayName != "Anna" {
		t.Fatalf("display_name search = %+v, want only Anna", got)
	}

	got = s.SearchLocal("email", "EXAMPLE.COM")
	if len(got) != 3 {
		t.Fatalf("email search matched %d profiles, want 3", len(got))
	}

	got = s.SearchLocal("city", "anna")
	if len(got) != 1 || got[0].DisplayName != "Cleo" {
		t.Fatalf("extra-field search = %+v, want only Cleo", got)
	}

	// Non-string field values are skipped without error.
	if got = s.SearchLocal("age", "42"); len(got) != 0 {
		t.Fatalf("non-string field must not match, got %+v", got)
	}

	if got = s.SearchLocal("display_name", "zz"); len(got) != 0 {
		t.Fatalf("no match expected, got %+v", got)
	}
}

func TestStartConsumesSelfStream(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	s := New(nil, svc)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	svc.selfCh <- SelfEvent{Identity: identityAlice(nil)}
	waitFor(t, func() bool { return s.Snapshot().SignedIn() })

	svc.selfCh <- SelfEvent{}
	waitFor(t, func() bool { return !s.Snapshot().SignedIn() })
}

func TestGetUserBeforeStartDoesNotSubscribe(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	s := New(nil, svc)

	if _, ok := s.GetUser("u-early"); ok {
		t.Fatalf("expected absent profile before Start")
	}

	// Give a wrongly-spawned watch goroutine time to show up.
	time.Sleep(20 * time.Millisecond)
	if got := svc.watchCount("u-early"); got != 0 {
		t.Fatalf("watch requests before Start = %d, want 0", got)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// The id stayed unclaimed, so the first miss after Start arms the watch.
	if _, ok := s.GetUser("u-early"); ok {
		t.Fatalf("expected absent profile on first post-Start lookup")
	}
	waitFor(t, func() bool { return svc.watchCount("u-early") == 1 })
}
