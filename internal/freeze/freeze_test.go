package freeze

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// TestMain verifies the coordinator never leaves goroutines behind.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("testing.(*M).Run.func1"),
		goleak.IgnoreTopFunction("testing.tRunner"),
	)
}

type fakeStore struct {
	name       string
	mu         sync.Mutex
	frozen     bool
	freezes    int
	releases   int
	connects   int
	closes     int
	connectErr error
	freezeErr  error
}

func (s *fakeStore) Name() string { return s.name }

func (s *fakeStore) Connect(context.Context) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects++
	if s.connectErr != nil {
		return nil, s.connectErr
	}
	return &fakeHandle{store: s}, nil
}

func (s *fakeStore) counts() (freezes, releases, connects, closes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.freezes, s.releases, s.connects, s.closes
}

type fakeHandle struct{ store *fakeStore }

func (h *fakeHandle) Freeze(_ context.Context, frozen bool) error {
	s := h.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.freezeErr != nil {
		return s.freezeErr
	}
	s.frozen = frozen
	if frozen {
		s.freezes++
	} else {
		s.releases++
	}
	return nil
}

func (h *fakeHandle) Close() error {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	h.store.closes++
	return nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []StateChanged
}

func (r *recordingSink) Publish(_ context.Context, e StateChanged) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingSink) all() []StateChanged {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StateChanged(nil), r.events...)
}

func newTestCoordinator(stores ...*fakeStore) (*Coordinator, *recordingSink) {
	providers := make([]Provider, len(stores))
	for i, s := range stores {
		providers[i] = s
	}
	sink := &recordingSink{}
	return NewCoordinator(providers, Options{Sink: sink}), sink
}

func TestRequestFreeze_Idempotent(t *testing.T) {
	component := &fakeStore{name: "component"}
	config := &fakeStore{name: "config"}
	c, sink := newTestCoordinator(component, config)
	ctx := context.Background()

	first, err := c.RequestFreeze(ctx, NewRequest(UserInitiated, "admin"))
	require.NoError(t, err)
	second, err := c.RequestFreeze(ctx, NewRequest(UserInitiated, "admin"))
	require.NoError(t, err)

	assert.Equal(t, first, second, "re-adding returns the existing entry")
	assert.True(t, c.IsFrozen())
	assert.Len(t, c.Requests(), 1)

	for _, s := range []*fakeStore{component, config} {
		freezes, releases, connects, closes := s.counts()
		assert.Equal(t, 1, freezes, s.name)
		assert.Equal(t, 0, releases, s.name)
		assert.Equal(t, 1, connects, s.name)
		assert.Equal(t, 1, closes, s.name)
	}

	events := sink.all()
	require.Len(t, events, 1)
	assert.True(t, events[0].Frozen)

	removed, err := c.Release(ctx, Request{InitiatorType: UserInitiated, Initiator: "admin"})
	require.NoError(t, err)
	assert.True(t, removed)
	assert.False(t, c.IsFrozen())

	for _, s := range []*fakeStore{component, config} {
		freezes, releases, _, _ := s.counts()
		assert.Equal(t, 1, freezes, s.name)
		assert.Equal(t, 1, releases, s.name)
		assert.False(t, s.frozen)
	}

	events = sink.all()
	require.Len(t, events, 2)
	assert.False(t, events[1].Frozen)
	assert.Empty(t, events[1].Requests)
}

func TestRequestFreeze_OneFanOutPerTransition(t *testing.T) {
	store := &fakeStore{name: "component"}
	c, sink := newTestCoordinator(store)
	ctx := context.Background()

	_, err := c.RequestFreeze(ctx, NewRequest(UserInitiated, "alice"))
	require.NoError(t, err)
	_, err = c.RequestFreeze(ctx, NewRequest(SystemInitiated, "backup"))
	require.NoError(t, err)
	_, err = c.RequestFreeze(ctx, NewRequest(UserInitiated, "bob"))
	require.NoError(t, err)

	freezes, _, _, _ := store.counts()
	assert.Equal(t, 1, freezes)
	assert.Len(t, c.Requests(), 3)

	removed, err := c.Release(ctx, Request{InitiatorType: UserInitiated, Initiator: "alice"})
	require.NoError(t, err)
	assert.True(t, removed)
	assert.True(t, c.IsFrozen(), "other requests keep the node frozen")

	_, releases, _, _ := store.counts()
	assert.Equal(t, 0, releases)
	assert.Len(t, sink.all(), 1)
}

func TestRequestFreeze_StructuralIdentity(t *testing.T) {
	c, _ := newTestCoordinator(&fakeStore{name: "s"})
	ctx := context.Background()

	_, err := c.RequestFreeze(ctx, NewRequest(UserInitiated, "same"))
	require.NoError(t, err)
	_, err = c.RequestFreeze(ctx, NewRequest(SystemInitiated, "same"))
	require.NoError(t, err)

	assert.Len(t, c.Requests(), 2, "initiator type is part of identity")
}

func TestRequestFreeze_InvalidInitiatorType(t *testing.T) {
	c, _ := newTestCoordinator()
	_, err := c.RequestFreeze(context.Background(), Request{InitiatorType: "ROBOT", Initiator: "x"})
	assert.Error(t, err)
	assert.False(t, c.IsFrozen())
}

func TestRelease_Unknown(t *testing.T) {
	store := &fakeStore{name: "s"}
	c, sink := newTestCoordinator(store)

	removed, err := c.Release(context.Background(), NewRequest(UserInitiated, "nobody"))
	require.NoError(t, err)
	assert.False(t, removed)

	_, _, connects, _ := store.counts()
	assert.Equal(t, 0, connects)
	assert.Empty(t, sink.all())
}

func TestReleaseAllRequests(t *testing.T) {
	store := &fakeStore{name: "s"}
	c, sink := newTestCoordinator(store)
	ctx := context.Background()

	removed, err := c.ReleaseAllRequests(ctx)
	require.NoError(t, err)
	assert.NotNil(t, removed)
	assert.Empty(t, removed)
	_, _, connects, _ := store.counts()
	assert.Equal(t, 0, connects, "nothing frozen, no store I/O")

	_, err = c.RequestFreeze(ctx, NewRequest(UserInitiated, "a"))
	require.NoError(t, err)
	_, err = c.RequestFreeze(ctx, NewRequest(UserInitiated, "b"))
	require.NoError(t, err)

	removed, err = c.ReleaseAllRequests(ctx)
	require.NoError(t, err)
	require.Len(t, removed, 2)
	assert.Equal(t, "a", removed[0].Initiator)
	assert.Equal(t, "b", removed[1].Initiator)
	assert.False(t, c.IsFrozen())

	freezes, releases, _, _ := store.counts()
	assert.Equal(t, 1, freezes)
	assert.Equal(t, 1, releases)

	events := sink.all()
	require.Len(t, events, 2)
	assert.True(t, events[0].Frozen)
	assert.False(t, events[1].Frozen)
}

func TestCheckUnfrozen(t *testing.T) {
	c, _ := newTestCoordinator()
	ctx := context.Background()

	assert.NoError(t, c.CheckUnfrozen(""))

	_, err := c.RequestFreeze(ctx, NewRequest(UserInitiated, "admin"))
	require.NoError(t, err)

	err = c.CheckUnfrozen("")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDatabaseFrozen))
	assert.Equal(t, DefaultFrozenMessage, err.Error())

	err = c.CheckUnfrozen("cannot upload while frozen")
	var frozenErr *FrozenError
	require.True(t, errors.As(err, &frozenErr))
	assert.Equal(t, "cannot upload while frozen", frozenErr.Message)
}

func TestRequestFreeze_StoreFailureLeavesRequestActive(t *testing.T) {
	good := &fakeStore{name: "good"}
	bad := &fakeStore{name: "bad", freezeErr: errors.New("disk on fire")}
	after := &fakeStore{name: "after"}
	c, sink := newTestCoordinator(good, bad, after)
	ctx := context.Background()

	_, err := c.RequestFreeze(ctx, NewRequest(UserInitiated, "admin"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")
	assert.Contains(t, err.Error(), "disk on fire")

	assert.True(t, c.IsFrozen(), "request is logically active despite the failure")
	assert.Empty(t, sink.all(), "no notification after a failed fan-out")

	freezes, _, _, _ := good.counts()
	assert.Equal(t, 1, freezes)
	_, _, connects, closes := bad.counts()
	assert.Equal(t, 1, connects)
	assert.Equal(t, 1, closes, "handle is closed even when freeze fails")
	_, _, connects, _ = after.counts()
	assert.Equal(t, 0, connects, "fan-out stops at the first failure")
}

func TestRequestFreeze_ConnectFailure(t *testing.T) {
	bad := &fakeStore{name: "bad", connectErr: errors.New("refused")}
	c, _ := newTestCoordinator(bad)

	_, err := c.RequestFreeze(context.Background(), NewRequest(SystemInitiated, "task"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect bad")
	assert.True(t, c.IsFrozen())
}

func TestConcurrentRequests(t *testing.T) {
	store := &fakeStore{name: "s"}
	c, sink := newTestCoordinator(store)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.RequestFreeze(ctx, NewRequest(UserInitiated, fmt.Sprintf("user-%d", i%5)))
			assert.NoError(t, err)
			assert.True(t, c.IsFrozen(), "read-your-writes after RequestFreeze")
		}(i)
	}
	wg.Wait()

	assert.Len(t, c.Requests(), 5)
	freezes, _, _, _ := store.counts()
	assert.Equal(t, 1, freezes)

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.Release(ctx, Request{InitiatorType: UserInitiated, Initiator: fmt.Sprintf("user-%d", i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.False(t, c.IsFrozen())
	_, releases, _, _ := store.counts()
	assert.Equal(t, 1, releases)
	assert.Len(t, sink.all(), 2)
}

func TestRequests_OrderedByCreation(t *testing.T) {
	c, _ := newTestCoordinator()
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	_, err := c.RequestFreeze(ctx, Request{InitiatorType: UserInitiated, Initiator: "late", CreatedAt: base.Add(time.Hour)})
	require.NoError(t, err)
	_, err = c.RequestFreeze(ctx, Request{InitiatorType: UserInitiated, Initiator: "early", CreatedAt: base})
	require.NoError(t, err)

	reqs := c.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "early", reqs[0].Initiator)
	assert.Equal(t, "late", reqs[1].Initiator)
}

func TestRestore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "freeze-state.json")
	ctx := context.Background()

	first := NewCoordinator(nil, Options{StatePath: path})
	_, err := first.RequestFreeze(ctx, NewRequest(SystemInitiated, "backup"))
	require.NoError(t, err)
	_, err = first.RequestFreeze(ctx, NewRequest(UserInitiated, "admin"))
	require.NoError(t, err)

	_, err = os.Stat(path)
	require.NoError(t, err, "state file written while frozen")

	store := &fakeStore{name: "component"}
	sink := &recordingSink{}
	restarted := NewCoordinator([]Provider{store}, Options{StatePath: path, Sink: sink})
	require.NoError(t, restarted.Restore(ctx))

	assert.True(t, restarted.IsFrozen())
	assert.Len(t, restarted.Requests(), 2)
	freezes, _, _, _ := store.counts()
	assert.Equal(t, 1, freezes)
	require.Len(t, sink.all(), 1)
	assert.True(t, sink.all()[0].Frozen)

	removed, err := restarted.ReleaseAllRequests(ctx)
	require.NoError(t, err)
	assert.Len(t, removed, 2)

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "state file removed once unfrozen")

	again := NewCoordinator(nil, Options{StatePath: path})
	require.NoError(t, again.Restore(ctx))
	assert.False(t, again.IsFrozen())
}

func TestRestore_CorruptState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "freeze-state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	c := NewCoordinator(nil, Options{StatePath: path})
	err := c.Restore(context.Background())
	assert.Error(t, err)
	assert.False(t, c.IsFrozen())
}

func TestStateFileFailureStillFansOut(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	store := &fakeStore{name: "component"}
	sink := &recordingSink{}
	c := NewCoordinator([]Provider{store}, Options{
		Sink:      sink,
		StatePath: filepath.Join(blocker, "state", "freeze-state.json"),
	})
	ctx := context.Background()

	_, err := c.RequestFreeze(ctx, NewRequest(UserInitiated, "alice"))
	require.Error(t, err)
	assert.True(t, c.IsFrozen())
	store.mu.Lock()
	assert.True(t, store.frozen, "store frozen although the state file could not be written")
	store.mu.Unlock()
	require.Len(t, sink.all(), 1)
	assert.True(t, sink.all()[0].Frozen)

	// A second request joins the existing freeze without another fan-out.
	_, err = c.RequestFreeze(ctx, NewRequest(UserInitiated, "bob"))
	require.Error(t, err)
	freezes, _, _, _ := store.counts()
	assert.Equal(t, 1, freezes)
	assert.Len(t, sink.all(), 1)

	removed, err := c.ReleaseAllRequests(ctx)
	require.Error(t, err)
	assert.Len(t, removed, 2)
	assert.False(t, c.IsFrozen())
	_, releases, _, _ := store.counts()
	assert.Equal(t, 1, releases)
	require.Len(t, sink.all(), 2)
	assert.False(t, sink.all()[1].Frozen)
}

func TestRelease_StateFileFailureStillReleases(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	store := &fakeStore{name: "component"}
	c := NewCoordinator([]Provider{store}, Options{StatePath: filepath.Join(blocker, "freeze-state.json")})
	ctx := context.Background()

	req := NewRequest(SystemInitiated, "backup")
	_, err := c.RequestFreeze(ctx, req)
	require.Error(t, err)

	removed, err := c.Release(ctx, req)
	require.Error(t, err)
	assert.True(t, removed)
	assert.False(t, c.IsFrozen())
	store.mu.Lock()
	assert.False(t, store.frozen)
	store.mu.Unlock()
}
