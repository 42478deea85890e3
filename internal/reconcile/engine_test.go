package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/prefsync/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore はテスト用のインメモリStore。
type memStore struct {
	mu     sync.Mutex
	prefs  model.Preferences
	getErr error
	setErr error
	sets   atomic.Int32
	gets   atomic.Int32

	// onGet はGet呼び出し時のフック。
	onGet func(ctx context.Context) error
}

func (s *memStore) Get(ctx context.Context) (model.Preferences, error) {
	s.gets.Add(1)
	if s.onGet != nil {
		if err := s.onGet(ctx); err != nil {
			return nil, err
		}
	}
	if s.getErr != nil {
		return nil, s.getErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prefs == nil {
		return nil, nil
	}
	return s.prefs.Clone(), nil
}

func (s *memStore) Set(_ context.Context, prefs model.Preferences) error {
	if s.setErr != nil {
		return s.setErr
	}
	s.sets.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs = prefs.Clone()
	return nil
}

func (s *memStore) snapshot() model.Preferences {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prefs.Clone()
}

var _ Store = (*memStore)(nil)

var testDefaults = model.Preferences{"textSize": 1.0, "contrast": "default", "lineSpace": 1.0}

func newTestEngine(anon, authed *memStore) *Engine {
	return NewEngine(Stores{Anonymous: anon, Authenticated: authed}, NewModel(testDefaults), testDefaults, nil)
}

func TestOnAuthTransition_Login_AnonymousWinsAndPersistsOnce(t *testing.T) {
	anon := &memStore{prefs: model.Preferences{"textSize": 1.5}}
	authed := &memStore{prefs: model.Preferences{"textSize": 1.2, "contrast": "bw"}}
	e := newTestEngine(anon, authed)

	changes, unsubscribe := e.Model().Subscribe()
	defer unsubscribe()

	change, err := e.OnAuthTransition(context.Background(), true)
	require.NoError(t, err)

	want := model.Preferences{"textSize": 1.5, "contrast": "bw"}
	assert.Equal(t, want, change.Preferences)
	assert.Equal(t, CauseLogin, change.Cause)
	assert.Equal(t, want, authed.snapshot(), "merged set should be persisted to the authenticated store")
	assert.Equal(t, int32(1), authed.sets.Load())
	assert.Zero(t, anon.sets.Load())

	// 購読者は統合結果を1回だけ受け取る
	got := <-changes
	assert.Equal(t, uint64(1), got.Version)
	assert.Equal(t, want, got.Preferences)
	select {
	case extra := <-changes:
		t.Fatalf("unexpected second change: %+v", extra)
	default:
	}
}

func TestOnAuthTransition_Login_ReadsStoresConcurrently(t *testing.T) {
	var started sync.WaitGroup
	started.Add(2)
	barrier := func(ctx context.Context) error {
		started.Done()
		done := make(chan struct{})
		go func() { started.Wait(); close(done) }()
		select {
		case <-done:
			return nil
		case <-time.After(time.Second):
			return errors.New("stores were not read concurrently")
		}
	}

	anon := &memStore{prefs: model.Preferences{"a": 1.0}, onGet: barrier}
	authed := &memStore{prefs: model.Preferences{"b": 2.0}, onGet: barrier}
	e := newTestEngine(anon, authed)

	change, err := e.OnAuthTransition(context.Background(), true)
	require.NoError(t, err)

	// 並行読み出しでも結果は逐次実行と同じ
	assert.Equal(t, DeepMerge(model.Preferences{"b": 2.0}, model.Preferences{"a": 1.0}), change.Preferences)
}

func TestOnAuthTransition_Login_ReadFailureLeavesModelUnchanged(t *testing.T) {
	anon := &memStore{prefs: model.Preferences{"textSize": 1.5}}
	authed := &memStore{getErr: errors.New("connection refused")}
	e := newTestEngine(anon, authed)

	_, err := e.OnAuthTransition(context.Background(), true)

	var storeErr *model.StoreUnavailableError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, "authenticated", storeErr.Store)

	prefs, version := e.Model().Snapshot()
	assert.Zero(t, version)
	assert.Equal(t, testDefaults, prefs)
	assert.Zero(t, authed.sets.Load())
}

func TestOnAuthTransition_Login_WriteFailureLeavesModelUnchanged(t *testing.T) {
	anon := &memStore{prefs: model.Preferences{"textSize": 1.5}}
	authed := &memStore{setErr: errors.New("timeout")}
	e := newTestEngine(anon, authed)

	_, err := e.OnAuthTransition(context.Background(), true)

	var storeErr *model.StoreUnavailableError
	require.ErrorAs(t, err, &storeErr)
	_, version := e.Model().Snapshot()
	assert.Zero(t, version)
}

func TestOnAuthTransition_Login_UnauthorizedPassesThrough(t *testing.T) {
	anon := &memStore{}
	authed := &memStore{getErr: model.ErrUnauthorized}
	e := newTestEngine(anon, authed)

	_, err := e.OnAuthTransition(context.Background(), true)
	assert.ErrorIs(t, err, model.ErrUnauthorized)
}

func TestOnAuthTransition_Logout_DefaultsOverlaidWithAnonymous(t *testing.T) {
	anon := &memStore{prefs: model.Preferences{"contrast": "yb"}}
	authed := &memStore{prefs: model.Preferences{"textSize": 2.0}}
	e := newTestEngine(anon, authed)

	change, err := e.OnAuthTransition(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, model.Preferences{"textSize": 1.0, "contrast": "yb", "lineSpace": 1.0}, change.Preferences)
	assert.Zero(t, authed.gets.Load(), "logout must not read the authenticated store")
	assert.Zero(t, authed.sets.Load())
}

func TestReset_Unauthenticated_KeepsAnonymousOverrides(t *testing.T) {
	anon := &memStore{prefs: model.Preferences{"lineSpace": 1.6}}
	e := newTestEngine(anon, &memStore{})

	change, err := e.Reset(context.Background())
	require.NoError(t, err)

	assert.Equal(t, model.Preferences{"textSize": 1.0, "contrast": "default", "lineSpace": 1.6}, change.Preferences)
}

func TestReset_Authenticated_IsPureResetPersistedOnce(t *testing.T) {
	anon := &memStore{prefs: model.Preferences{"lineSpace": 1.6}}
	authed := &memStore{prefs: model.Preferences{"textSize": 2.0, "custom": true}}
	e := newTestEngine(anon, authed)
	ctx := WithAuthState(context.Background(), true)

	change, err := e.Reset(ctx)
	require.NoError(t, err)

	assert.Equal(t, testDefaults, change.Preferences)
	assert.Equal(t, testDefaults, authed.snapshot())
	assert.Equal(t, int32(1), authed.sets.Load())
	assert.Zero(t, anon.gets.Load(), "anonymous overrides must not leak into a logged-in reset")
}

func TestReset_Authenticated_WriteFailureLeavesModelUnchanged(t *testing.T) {
	e := newTestEngine(&memStore{}, &memStore{setErr: errors.New("down")})

	_, err := e.Reset(WithAuthState(context.Background(), true))

	var storeErr *model.StoreUnavailableError
	require.ErrorAs(t, err, &storeErr)
	_, version := e.Model().Snapshot()
	assert.Zero(t, version)
}

func TestReadWrite_RoutedByAuthState(t *testing.T) {
	anon := &memStore{}
	authed := &memStore{}
	e := newTestEngine(anon, authed)

	loggedIn := WithAuthState(context.Background(), true)
	_, err := e.Write(loggedIn, model.Preferences{"textSize": 2.0})
	require.NoError(t, err)
	_, err = e.Write(context.Background(), model.Preferences{"textSize": 1.1})
	require.NoError(t, err)

	got, err := e.Read(loggedIn)
	require.NoError(t, err)
	assert.Equal(t, model.Preferences{"textSize": 2.0}, got)

	got, err = e.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.Preferences{"textSize": 1.1}, got)

	prefs, version := e.Model().Snapshot()
	assert.Equal(t, uint64(2), version)
	assert.Equal(t, model.Preferences{"textSize": 1.1}, prefs)
}

func TestRead_EmptyStoreReturnsEmptySet(t *testing.T) {
	e := newTestEngine(&memStore{}, &memStore{})

	got, err := e.Read(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestWrite_FailureLeavesModelUnchanged(t *testing.T) {
	e := newTestEngine(&memStore{setErr: errors.New("cookie too large")}, &memStore{})

	_, err := e.Write(context.Background(), model.Preferences{"a": 1.0})

	var storeErr *model.StoreUnavailableError
	require.ErrorAs(t, err, &storeErr)
	_, version := e.Model().Snapshot()
	assert.Zero(t, version)
}

func TestAuthState_DefaultsToLoggedOut(t *testing.T) {
	assert.False(t, IsLoggedIn(context.Background()))
	assert.True(t, IsLoggedIn(WithAuthState(context.Background(), true)))
	assert.False(t, IsLoggedIn(WithAuthState(context.Background(), false)))
}
