package capture

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sbswitch/sbswitch/internal/host"
	"github.com/sbswitch/sbswitch/internal/host/hosttest"
	"github.com/sbswitch/sbswitch/internal/models"
	"github.com/sbswitch/sbswitch/internal/sessions"
	"github.com/sbswitch/sbswitch/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dashboard = "https://supabase.com/dashboard/projects"

var captureTime = time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)

func loginTokens(value string) models.CredentialSet {
	return models.NewCredentialSet(models.CredentialEntry{Key: "sb-proj-auth-token", Value: value})
}

func newTestWatcher(t *testing.T) (*Watcher, *sessions.Manager, *hosttest.Fake) {
	t.Helper()
	manager := sessions.NewManager(store.New(store.NewMemoryBackend()))
	fake := hosttest.New(host.PageHandle{ID: "tab-1", URL: dashboard})
	matcher := host.NewMatcher("https://supabase.com/dashboard", "")
	w := New(manager, fake, matcher, WithClock(func() time.Time { return captureTime }))
	return w, manager, fake
}

func TestHandleNavigationCapturesLoginTab(t *testing.T) {
	ctx := context.Background()
	w, manager, fake := newTestWatcher(t)
	fake.Storage["tab-1"] = loginTokens(`{"refresh_token":"r"}`)
	fake.Storage["tab-2"] = loginTokens(`{"refresh_token":"other"}`)
	fake.User = models.UserSummary{Email: "me@example.com", UserID: "u-1"}

	require.NoError(t, w.BeginLogin(ctx, host.PageHandle{ID: "tab-1"}))

	captured, err := w.HandleNavigation(ctx, host.NavigationEvent{PageID: "tab-2", URL: dashboard})
	require.NoError(t, err)
	assert.False(t, captured, "other pages are ignored while a login tab is recorded")

	captured, err = w.HandleNavigation(ctx, host.NavigationEvent{PageID: "tab-1", URL: "https://supabase.com/dashboard/sign-in"})
	require.NoError(t, err)
	assert.False(t, captured, "sign-in page is not a completed login")

	captured, err = w.HandleNavigation(ctx, host.NavigationEvent{PageID: "tab-1", URL: dashboard})
	require.NoError(t, err)
	assert.True(t, captured)

	pending, err := manager.Pending(ctx)
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, "me@example.com", pending.Email)
	assert.Equal(t, "u-1", pending.UserID)
	assert.Equal(t, "tab-1", pending.PageID)
	assert.True(t, pending.CapturedAt.Equal(captureTime))

	tab, err := manager.LoginTab(ctx)
	require.NoError(t, err)
	assert.Empty(t, tab, "login tab is cleared after capture")
}

func TestHandleNavigationIgnoresEmptyAndOffHost(t *testing.T) {
	ctx := context.Background()
	w, manager, _ := newTestWatcher(t)

	captured, err := w.HandleNavigation(ctx, host.NavigationEvent{PageID: "tab-1", URL: dashboard})
	require.NoError(t, err)
	assert.False(t, captured, "no credentials on the page")

	captured, err = w.HandleNavigation(ctx, host.NavigationEvent{PageID: "tab-1", URL: "https://example.com/dashboard"})
	require.NoError(t, err)
	assert.False(t, captured)

	pending, err := manager.Pending(ctx)
	require.NoError(t, err)
	assert.Nil(t, pending)
}

func TestHandleNavigationWithoutLoginTabSkipsKnownIdentity(t *testing.T) {
	ctx := context.Background()
	w, manager, fake := newTestWatcher(t)
	fake.Storage["tab-1"] = loginTokens(`{"refresh_token":"r1"}`)
	fake.User = models.UserSummary{Email: "Known@example.com"}

	_, err := manager.Create(ctx, "known", "", loginTokens(`{"refresh_token":"older"}`), models.UserSummary{Email: "known@example.com"})
	require.NoError(t, err)

	captured, err := w.HandleNavigation(ctx, host.NavigationEvent{PageID: "tab-1", URL: dashboard})
	require.NoError(t, err)
	assert.False(t, captured, "identity already stored")

	fake.User = models.UserSummary{Email: "new@example.com"}
	captured, err = w.HandleNavigation(ctx, host.NavigationEvent{PageID: "tab-1", URL: dashboard})
	require.NoError(t, err)
	assert.True(t, captured)

	captured, err = w.HandleNavigation(ctx, host.NavigationEvent{PageID: "tab-1", URL: dashboard + "/settings"})
	require.NoError(t, err)
	assert.False(t, captured, "same login is not captured twice")
}

func accessTokenFor(t *testing.T, email string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "id-" + email,
		"email": email,
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return `{"access_token":"` + token + `","refresh_token":"r-` + email + `"}`
}

func TestHandleNavigationReadsIdentityFromAccessToken(t *testing.T) {
	ctx := context.Background()
	w, manager, fake := newTestWatcher(t)

	_, err := manager.Create(ctx, "known", "", loginTokens(`{"refresh_token":"older"}`), models.UserSummary{Email: "known@example.com"})
	require.NoError(t, err)

	fake.Storage["tab-1"] = loginTokens(accessTokenFor(t, "known@example.com"))
	captured, err := w.HandleNavigation(ctx, host.NavigationEvent{PageID: "tab-1", URL: dashboard})
	require.NoError(t, err)
	assert.False(t, captured, "identity from the token claims is already stored")

	fake.Storage["tab-1"] = loginTokens(accessTokenFor(t, "fresh@example.com"))
	captured, err = w.HandleNavigation(ctx, host.NavigationEvent{PageID: "tab-1", URL: dashboard})
	require.NoError(t, err)
	require.True(t, captured)

	pending, err := manager.Pending(ctx)
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, "fresh@example.com", pending.Email)
	assert.Equal(t, "id-fresh@example.com", pending.UserID)
}

func TestNewerCaptureSupersedes(t *testing.T) {
	ctx := context.Background()
	w, manager, fake := newTestWatcher(t)

	fake.Storage["tab-1"] = loginTokens(`{"refresh_token":"first"}`)
	fake.User = models.UserSummary{Email: "first@example.com"}
	require.NoError(t, w.BeginLogin(ctx, host.PageHandle{ID: "tab-1"}))
	_, err := w.HandleNavigation(ctx, host.NavigationEvent{PageID: "tab-1", URL: dashboard})
	require.NoError(t, err)

	fake.Storage["tab-1"] = loginTokens(`{"refresh_token":"second"}`)
	fake.User = models.UserSummary{Email: "second@example.com"}
	require.NoError(t, w.BeginLogin(ctx, host.PageHandle{ID: "tab-1"}))
	_, err = w.HandleNavigation(ctx, host.NavigationEvent{PageID: "tab-1", URL: dashboard})
	require.NoError(t, err)

	pending, err := manager.Pending(ctx)
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, "second@example.com", pending.Email)
}

func TestRunKeepsGoingAfterErrors(t *testing.T) {
	w, manager, fake := newTestWatcher(t)
	fake.ExtractErr = errors.New("page crashed")

	events := make(chan host.NavigationEvent, 2)
	events <- host.NavigationEvent{PageID: "tab-1", URL: dashboard}
	close(events)

	done := make(chan struct{})
	go func() {
		w.Run(context.Background(), events)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after the channel closed")
	}

	pending, err := manager.Pending(context.Background())
	require.NoError(t, err)
	assert.Nil(t, pending)
}
