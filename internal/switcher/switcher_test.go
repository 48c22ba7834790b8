package switcher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sbswitch/sbswitch/internal/credential"
	sberrors "github.com/sbswitch/sbswitch/internal/errors"
	"github.com/sbswitch/sbswitch/internal/host"
	"github.com/sbswitch/sbswitch/internal/host/hosttest"
	"github.com/sbswitch/sbswitch/internal/lifecycle"
	"github.com/sbswitch/sbswitch/internal/models"
	"github.com/sbswitch/sbswitch/internal/refresh"
	"github.com/sbswitch/sbswitch/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	now  = time.Unix(1_700_000_000, 0)
	page = host.PageHandle{ID: "page-1", URL: "https://supabase.com/dashboard"}
)

type countingRefresher struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *countingRefresher) Refresh(ctx context.Context, projectID, refreshToken string) (models.CredentialPayload, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return models.CredentialPayload{
		"access_token":  json.RawMessage(`"new-access"`),
		"refresh_token": json.RawMessage(`"new-refresh"`),
		"expires_in":    json.RawMessage(`3600`),
	}, nil
}

func (c *countingRefresher) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type statusRecorder struct {
	statuses []string
}

func (r *statusRecorder) RecordSwitch(status string) {
	r.statuses = append(r.statuses, status)
}

func sessionExpiringAt(id string, expiresAt int64) models.SessionRecord {
	payload, _ := json.Marshal(map[string]interface{}{
		"access_token":  "old-access",
		"refresh_token": "old-refresh",
		"expires_at":    expiresAt,
		"user":          map[string]string{"email": id + "@example.com"},
	})
	return models.SessionRecord{
		ID:   id,
		Name: id,
		Tokens: models.NewCredentialSet(
			models.CredentialEntry{Key: "sb-proj-auth-token", Value: string(payload)},
			models.CredentialEntry{Key: "supabase.dashboard.theme", Value: "dark"},
		),
	}
}

type fixture struct {
	store     *store.Store
	refresher *countingRefresher
	host      *hosttest.Fake
	observer  *statusRecorder
	switcher  *Switcher
}

func newFixture(t *testing.T, records ...models.SessionRecord) *fixture {
	t.Helper()
	f := &fixture{
		store:     store.New(store.NewMemoryBackend()),
		refresher: &countingRefresher{},
		host:      hosttest.New(page),
		observer:  &statusRecorder{},
	}
	require.NoError(t, f.store.SaveAll(context.Background(), records))
	manager := lifecycle.NewManager(credential.NewCodec("sb", "auth-token"), f.refresher,
		lifecycle.WithClock(func() time.Time { return now }))
	f.switcher = New(f.store, manager, f.host, WithObserver(f.observer))
	return f
}

func TestSwitchRefreshesExpiredTokenBeforeInjecting(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, sessionExpiringAt("session_1", now.Unix()-10))

	callsAtInject := -1
	f.host.OnInject = func(host.PageHandle, models.CredentialSet) {
		callsAtInject = f.refresher.count()
	}

	result, err := f.switcher.SwitchTo(ctx, "session_1", page)
	require.NoError(t, err)
	assert.Equal(t, 1, f.refresher.count(), "exactly one refresh")
	assert.Equal(t, 1, callsAtInject, "refresh happens before injection")
	assert.True(t, result.Refreshed)
	assert.Empty(t, result.RefreshError)

	require.Equal(t, 1, f.host.InjectionCount())
	injected := f.host.Injections[0].Set
	raw, _ := injected.Get("sb-proj-auth-token")
	payload, ok := credential.Decode(raw)
	require.True(t, ok)
	assert.Equal(t, "new-refresh", payload.RefreshToken())
	theme, _ := injected.Get("supabase.dashboard.theme")
	assert.Equal(t, "dark", theme, "other keys are injected verbatim")

	snap, err := f.store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "session_1", snap.ActiveSessionID)
	stored, _ := snap.Sessions.FindByID("session_1")
	assert.True(t, stored.Tokens.Equal(injected), "refreshed record was persisted")
	assert.Equal(t, []string{StatusSuccess}, f.observer.statuses)
}

func TestSwitchSkipsRefreshForFreshToken(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, sessionExpiringAt("session_1", now.Unix()+3600))

	result, err := f.switcher.SwitchTo(ctx, "session_1", page)
	require.NoError(t, err)
	assert.Zero(t, f.refresher.count())
	assert.False(t, result.Refreshed)
	assert.Equal(t, 1, f.host.InjectionCount())
}

func TestSwitchProceedsOnTransientFailure(t *testing.T) {
	ctx := context.Background()
	original := sessionExpiringAt("session_1", now.Unix()-10)
	f := newFixture(t, original)
	f.refresher.err = &refresh.HTTPError{Status: 503, Body: "unavailable"}

	result, err := f.switcher.SwitchTo(ctx, "session_1", page)
	require.NoError(t, err)
	assert.False(t, result.Refreshed)
	assert.NotEmpty(t, result.RefreshError)
	require.Equal(t, 1, f.host.InjectionCount())
	assert.True(t, f.host.Injections[0].Set.Equal(original.Tokens), "stale credentials are injected unchanged")

	snap, err := f.store.Load(ctx)
	require.NoError(t, err)
	stored, _ := snap.Sessions.FindByID("session_1")
	assert.False(t, stored.Expired)
	assert.Equal(t, "session_1", snap.ActiveSessionID)
}

func TestSwitchSurfacesAuthRejection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, sessionExpiringAt("session_1", now.Unix()-10))
	f.refresher.err = &refresh.HTTPError{Status: 400, Body: `{"error":"invalid_grant"}`}

	_, err := f.switcher.SwitchTo(ctx, "session_1", page)
	var expired *sberrors.ErrSessionExpired
	require.ErrorAs(t, err, &expired)
	assert.Equal(t, "session_1", expired.ID)
	assert.Zero(t, f.host.InjectionCount(), "nothing is injected")

	snap, err := f.store.Load(ctx)
	require.NoError(t, err)
	stored, _ := snap.Sessions.FindByID("session_1")
	assert.True(t, stored.Expired, "expired flag is persisted")
	assert.Empty(t, snap.ActiveSessionID)
	assert.Equal(t, []string{StatusExpired}, f.observer.statuses)
}

func TestSwitchClearsExpiredFlagOnSuccess(t *testing.T) {
	ctx := context.Background()
	record := sessionExpiringAt("session_1", now.Unix()-10)
	record.Expired = true
	f := newFixture(t, record)

	result, err := f.switcher.SwitchTo(ctx, "session_1", page)
	require.NoError(t, err)
	assert.True(t, result.Refreshed)
	assert.False(t, result.Session.Expired)

	snap, err := f.store.Load(ctx)
	require.NoError(t, err)
	stored, _ := snap.Sessions.FindByID("session_1")
	assert.False(t, stored.Expired)
}

func TestSwitchUnknownSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, sessionExpiringAt("session_1", now.Unix()+3600))

	_, err := f.switcher.SwitchTo(ctx, "session_missing", page)
	assert.True(t, sberrors.IsPrecondition(err))
	assert.Zero(t, f.refresher.count())
	assert.Zero(t, f.host.InjectionCount())
	assert.Equal(t, []string{StatusNotFound}, f.observer.statuses)
}

func TestSwitchInjectFailureLeavesActiveUnchanged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, sessionExpiringAt("session_1", now.Unix()+3600))
	f.host.InjectErr = errors.New("page closed")

	_, err := f.switcher.SwitchTo(ctx, "session_1", page)
	require.Error(t, err)
	snap, err := f.store.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.ActiveSessionID)
	assert.Equal(t, []string{StatusFailed}, f.observer.statuses)
}

// rotatingRefresher spends each refresh token once, like the provider.
// Calls for tokens in hold wait until the channel is closed.
type rotatingRefresher struct {
	mu      sync.Mutex
	spent   map[string]bool
	hold    map[string]chan struct{}
	started chan string
}

func newRotatingRefresher() *rotatingRefresher {
	return &rotatingRefresher{
		spent:   map[string]bool{},
		hold:    map[string]chan struct{}{},
		started: make(chan string, 16),
	}
}

func (r *rotatingRefresher) Refresh(ctx context.Context, projectID, refreshToken string) (models.CredentialPayload, error) {
	r.mu.Lock()
	if r.spent[refreshToken] {
		r.mu.Unlock()
		return nil, &refresh.HTTPError{Status: 400, Body: `{"error":"invalid_grant"}`}
	}
	r.spent[refreshToken] = true
	hold := r.hold[refreshToken]
	r.mu.Unlock()

	r.started <- refreshToken
	if hold != nil {
		<-hold
	}
	return models.CredentialPayload{
		"access_token":  json.RawMessage(`"access-for-` + refreshToken + `"`),
		"refresh_token": json.RawMessage(`"rotated-` + refreshToken + `"`),
		"expires_in":    json.RawMessage(`3600`),
	}, nil
}

func sessionWithRefreshToken(id, refreshToken string, expiresAt int64) models.SessionRecord {
	rec := sessionExpiringAt(id, expiresAt)
	raw, _ := rec.Tokens.Get("sb-proj-auth-token")
	payload, _ := credential.Decode(raw)
	_ = payload.Set("refresh_token", refreshToken)
	encoded, _ := credential.Encode(payload)
	rec.Tokens.Set("sb-proj-auth-token", encoded)
	return rec
}

func storedRefreshToken(t *testing.T, snap *models.Snapshot, id string) string {
	t.Helper()
	rec, ok := snap.Sessions.FindByID(id)
	require.True(t, ok)
	raw, _ := rec.Tokens.Get("sb-proj-auth-token")
	payload, ok := credential.Decode(raw)
	require.True(t, ok)
	return payload.RefreshToken()
}

func TestSweepAfterSwitchKeepsRotatedToken(t *testing.T) {
	ctx := context.Background()
	st := store.New(store.NewMemoryBackend())
	require.NoError(t, st.SaveAll(ctx, []models.SessionRecord{
		sessionWithRefreshToken("A", "tA", now.Unix()-10),
		sessionWithRefreshToken("B", "tB", now.Unix()-10),
	}))

	r := newRotatingRefresher()
	releaseA := make(chan struct{})
	r.hold["tA"] = releaseA

	manager := lifecycle.NewManager(credential.NewCodec("sb", "auth-token"), r,
		lifecycle.WithClock(func() time.Time { return now }))
	sweeper, err := lifecycle.NewSweeper(manager, st, "@every 5m")
	require.NoError(t, err)
	fake := hosttest.New(page)
	sw := New(st, manager, fake)

	type sweepResult struct {
		summary models.Summary
		err     error
	}
	done := make(chan sweepResult, 1)
	go func() {
		summary, err := sweeper.RunNow(ctx)
		done <- sweepResult{summary, err}
	}()

	// The sweep holds its snapshot and is busy on A.
	select {
	case token := <-r.started:
		require.Equal(t, "tA", token)
	case <-time.After(2 * time.Second):
		t.Fatal("sweep did not start refreshing A")
	}

	result, err := sw.SwitchTo(ctx, "B", page)
	require.NoError(t, err)
	require.True(t, result.Refreshed)

	// The sweep now reaches its stale copy of B and reuses tB.
	close(releaseA)
	var res sweepResult
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweep did not finish")
	}
	require.NoError(t, res.err)
	assert.Equal(t, 1, res.summary.Refreshed)
	assert.Zero(t, res.summary.Expired)

	snap, err := st.Load(ctx)
	require.NoError(t, err)
	b, _ := snap.Sessions.FindByID("B")
	assert.False(t, b.Expired, "rejected reuse of a spent token must not kill the session")
	assert.Equal(t, "rotated-tB", storedRefreshToken(t, snap, "B"))
	assert.Equal(t, "rotated-tA", storedRefreshToken(t, snap, "A"))
	assert.Equal(t, "B", snap.ActiveSessionID)

	status, ok := manager.Tracker().Get("B")
	require.True(t, ok)
	assert.Equal(t, models.StateFresh, status.State)
}

// interleavedStore runs a hook once before the first Update.
type interleavedStore struct {
	*store.Store
	beforeUpdate func()
}

func (s *interleavedStore) Update(ctx context.Context, fn func(*models.Snapshot) error) (*models.Snapshot, error) {
	if hook := s.beforeUpdate; hook != nil {
		s.beforeUpdate = nil
		hook()
	}
	return s.Store.Update(ctx, fn)
}

func TestSwitchUsesCredentialsSavedDuringItsRefresh(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, sessionExpiringAt("session_1", now.Unix()-10))
	replaced := sessionWithRefreshToken("session_1", "from-sweep", now.Unix()+3600)

	wrapped := &interleavedStore{Store: f.store, beforeUpdate: func() {
		_, err := f.store.Update(ctx, func(snap *models.Snapshot) error {
			rec, _ := snap.Sessions.FindByID("session_1")
			rec.Tokens = replaced.Tokens.Clone()
			return nil
		})
		require.NoError(t, err)
	}}
	manager := lifecycle.NewManager(credential.NewCodec("sb", "auth-token"), f.refresher,
		lifecycle.WithClock(func() time.Time { return now }))
	sw := New(wrapped, manager, f.host)

	result, err := sw.SwitchTo(ctx, "session_1", page)
	require.NoError(t, err)
	assert.Equal(t, 1, f.refresher.count())
	assert.False(t, result.Refreshed, "the concurrent result is used as is")

	require.Equal(t, 1, f.host.InjectionCount())
	assert.True(t, f.host.Injections[0].Set.Equal(replaced.Tokens))

	snap, err := f.store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "from-sweep", storedRefreshToken(t, snap, "session_1"))
	assert.Equal(t, "session_1", snap.ActiveSessionID)
}
