package commands

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sbswitch/sbswitch/internal/capture"
	"github.com/sbswitch/sbswitch/internal/credential"
	"github.com/sbswitch/sbswitch/internal/host"
	"github.com/sbswitch/sbswitch/internal/host/hosttest"
	"github.com/sbswitch/sbswitch/internal/lifecycle"
	"github.com/sbswitch/sbswitch/internal/models"
	"github.com/sbswitch/sbswitch/internal/refresh"
	"github.com/sbswitch/sbswitch/internal/sessions"
	"github.com/sbswitch/sbswitch/internal/store"
	"github.com/sbswitch/sbswitch/internal/switcher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	clock = time.Unix(1_750_000_000, 0)
	page  = host.PageHandle{ID: "tab-1", URL: "https://supabase.com/dashboard/projects"}
)

type stubRefresher struct {
	calls int
	err   map[string]error
}

func (s *stubRefresher) Refresh(ctx context.Context, projectID, refreshToken string) (models.CredentialPayload, error) {
	s.calls++
	if err := s.err[refreshToken]; err != nil {
		return nil, err
	}
	p := models.CredentialPayload{}
	_ = p.Set("access_token", "a2")
	_ = p.Set("refresh_token", refreshToken+"-2")
	_ = p.Set("expires_in", 3600)
	return p, nil
}

type harness struct {
	d         *Dispatcher
	store     *store.Store
	host      *hosttest.Fake
	refresher *stubRefresher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := store.New(store.NewMemoryBackend())
	fake := hosttest.New(page)
	ref := &stubRefresher{err: map[string]error{}}
	now := func() time.Time { return clock }

	tracker := lifecycle.NewTracker(now)
	manager := lifecycle.NewManager(credential.NewCodec("sb", "auth-token"), ref,
		lifecycle.WithClock(now), lifecycle.WithTracker(tracker))
	sweeper, err := lifecycle.NewSweeper(manager, st, "@every 5m")
	require.NoError(t, err)
	sess := sessions.NewManager(st, sessions.WithClock(now), sessions.WithForgetter(tracker))
	sw := switcher.New(st, manager, fake)
	watcher := capture.New(sess, fake, host.NewMatcher("https://supabase.com/dashboard", ""))

	d := NewDispatcher(Deps{
		Sessions:     sess,
		Switcher:     sw,
		Sweeper:      sweeper,
		Tracker:      tracker,
		Watcher:      watcher,
		Host:         fake,
		DashboardURL: "https://supabase.com/dashboard",
		Now:          now,
	})
	return &harness{d: d, store: st, host: fake, refresher: ref}
}

func cmd(action string, data interface{}) Command {
	c := Command{Action: action}
	if data != nil {
		raw, _ := json.Marshal(data)
		c.Data = raw
	}
	return c
}

func authTokens(refreshToken string, expiresAt int64) models.CredentialSet {
	raw, _ := json.Marshal(map[string]interface{}{
		"access_token":  "a1",
		"refresh_token": refreshToken,
		"expires_at":    expiresAt,
		"user":          map[string]string{"email": "dev@example.com", "id": "u-1"},
	})
	return models.NewCredentialSet(models.CredentialEntry{Key: "sb-proj-auth-token", Value: string(raw)})
}

func (h *harness) sessionIDs(t *testing.T) []string {
	t.Helper()
	records, err := h.store.LoadAll(context.Background())
	require.NoError(t, err)
	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.ID)
	}
	return ids
}

func TestSaveAndGetSessions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.host.Storage["tab-1"] = authTokens("r1", clock.Unix()+3600)
	h.host.User = models.UserSummary{Email: "dev@example.com"}

	resp := h.d.Handle(ctx, cmd(ActionSaveSession, map[string]string{"name": "Dev", "color": "#123456"}))
	require.NotContains(t, resp, "error")
	assert.Equal(t, true, resp["success"])
	saved := resp["session"].(models.SessionRecord)
	assert.Equal(t, "Dev", saved.Name)
	assert.Equal(t, "dev@example.com", saved.Email)

	resp = h.d.Handle(ctx, cmd(ActionGetSessions, nil))
	require.NotContains(t, resp, "error")
	assert.Len(t, resp["sessions"], 1)
	assert.Nil(t, resp["activeSessionId"])
}

func TestSaveSessionErrors(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	resp := h.d.Handle(ctx, cmd(ActionSaveSession, map[string]string{"name": "x"}))
	assert.Contains(t, resp["error"], "log in", "empty page storage")

	h.host.Page = nil
	resp = h.d.Handle(ctx, cmd(ActionSaveSession, map[string]string{"name": "x"}))
	assert.Contains(t, resp["error"], "no dashboard page")

	resp = h.d.Handle(ctx, cmd(ActionSaveSession, map[string]string{"name": "x", "color": "red"}))
	assert.Contains(t, resp["error"], "color")
	assert.Empty(t, h.sessionIDs(t))
}

func TestSwitchSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sess := h.d.deps.Sessions
	record, err := sess.Create(ctx, "stale", "", authTokens("r1", clock.Unix()-10), models.UserSummary{})
	require.NoError(t, err)

	resp := h.d.Handle(ctx, cmd(ActionSwitchSession, map[string]string{"id": record.ID}))
	require.NotContains(t, resp, "error")
	assert.Equal(t, true, resp["refreshed"])
	assert.Equal(t, 1, h.refresher.calls)
	assert.Equal(t, 1, h.host.InjectionCount())

	resp = h.d.Handle(ctx, cmd(ActionGetSessions, nil))
	assert.Equal(t, record.ID, resp["activeSessionId"])
	states := resp["states"].(map[string]models.SessionStatus)
	assert.Equal(t, models.StateFresh, states[record.ID].State)

	resp = h.d.Handle(ctx, cmd(ActionSwitchSession, map[string]string{}))
	assert.Contains(t, resp["error"], "id")

	resp = h.d.Handle(ctx, cmd(ActionSwitchSession, map[string]string{"id": "session_nope"}))
	assert.Contains(t, resp["error"], "not found")
}

func TestSwitchExpiredSessionReportsError(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	record, err := h.d.deps.Sessions.Create(ctx, "dead", "", authTokens("revoked", clock.Unix()-10), models.UserSummary{})
	require.NoError(t, err)
	h.refresher.err["revoked"] = &refresh.HTTPError{Status: 401, Body: "nope"}

	resp := h.d.Handle(ctx, cmd(ActionSwitchSession, map[string]string{"id": record.ID}))
	assert.Contains(t, resp["error"], "expired")
	assert.Zero(t, h.host.InjectionCount())
}

func TestRenameAndDelete(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	record, err := h.d.deps.Sessions.Create(ctx, "a", "", authTokens("r", clock.Unix()+3600), models.UserSummary{})
	require.NoError(t, err)

	resp := h.d.Handle(ctx, cmd(ActionRenameSession, map[string]string{"id": record.ID, "name": "b"}))
	require.NotContains(t, resp, "error")
	got, err := h.d.deps.Sessions.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, "b", got.Name)

	resp = h.d.Handle(ctx, cmd(ActionRenameSession, map[string]string{"id": record.ID}))
	assert.Contains(t, resp["error"], "name")

	resp = h.d.Handle(ctx, cmd(ActionDeleteSession, map[string]string{"id": record.ID}))
	require.NotContains(t, resp, "error")
	assert.Empty(t, h.sessionIDs(t))
}

func TestForceRefresh(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sess := h.d.deps.Sessions
	_, err := sess.Create(ctx, "stale", "", authTokens("r1", clock.Unix()-10), models.UserSummary{})
	require.NoError(t, err)
	_, err = sess.Create(ctx, "broken", "", authTokens("r2", clock.Unix()-10), models.UserSummary{})
	require.NoError(t, err)
	_, err = sess.Create(ctx, "fresh", "", authTokens("r3", clock.Unix()+3600), models.UserSummary{})
	require.NoError(t, err)
	h.refresher.err["r2"] = &refresh.NetworkError{Err: context.DeadlineExceeded}

	resp := h.d.Handle(ctx, cmd(ActionForceRefresh, nil))
	require.NotContains(t, resp, "error")
	assert.Equal(t, 1, resp["refreshed"])
	assert.Equal(t, 3, resp["total"])
	assert.Equal(t, 1, resp["failed"])
	errs := resp["errors"].(map[string]string)
	assert.Len(t, errs, 1, "user-initiated refresh reports failures")
}

func TestImportExport(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	resp := h.d.Handle(ctx, cmd(ActionExportSessions, nil))
	assert.Contains(t, resp["error"], "no sessions to export")

	backup := `[{"id":"session_1","name":"one","tokens":{"sb-proj-auth-token":"{\"refresh_token\":\"x\",\"expires_at\":1}"}}]`
	resp = h.d.Handle(ctx, cmd(ActionImportSessions, map[string]string{"data": backup}))
	require.NotContains(t, resp, "error")
	assert.Equal(t, 1, resp["added"])
	assert.Equal(t, 1, resp["refreshed"], "imported sessions are checked right away")

	resp = h.d.Handle(ctx, Command{Action: ActionImportSessions, Data: json.RawMessage(`{"data":` + backup + `}`)})
	require.NotContains(t, resp, "error")
	assert.Equal(t, 0, resp["added"])
	assert.Equal(t, 1, resp["skipped"])

	resp = h.d.Handle(ctx, cmd(ActionImportSessions, map[string]string{"data": `{"not":"an array"}`}))
	assert.Contains(t, resp["error"], "invalid backup file")

	resp = h.d.Handle(ctx, cmd(ActionExportSessions, nil))
	require.NotContains(t, resp, "error")
	assert.Equal(t, "supabase-accounts-"+clock.UTC().Format("2006-01-02")+".json", resp["filename"])
	assert.Contains(t, string(resp["data"].(json.RawMessage)), "session_1")
}

func TestPendingAndLogin(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	resp := h.d.Handle(ctx, cmd(ActionGetPending, nil))
	assert.Nil(t, resp["pending"])

	resp = h.d.Handle(ctx, cmd(ActionBeginLogin, nil))
	require.NotContains(t, resp, "error")
	opened := resp["page"].(host.PageHandle)
	assert.Equal(t, []string{"https://supabase.com/dashboard"}, h.host.Opened)

	h.host.Storage[opened.ID] = authTokens("r9", clock.Unix()+3600)
	h.host.User = models.UserSummary{Email: "new@example.com"}
	captured, err := h.d.deps.Watcher.HandleNavigation(ctx, host.NavigationEvent{PageID: opened.ID, URL: "https://supabase.com/dashboard/projects"})
	require.NoError(t, err)
	require.True(t, captured)

	resp = h.d.Handle(ctx, cmd(ActionGetPending, nil))
	pending := resp["pending"].(Response)
	assert.Equal(t, "new@example.com", pending["email"])
	assert.NotContains(t, pending, "tokens")

	resp = h.d.Handle(ctx, cmd(ActionSavePending, map[string]string{}))
	require.NotContains(t, resp, "error")
	assert.Equal(t, "new@example.com", resp["session"].(models.SessionRecord).Name)

	resp = h.d.Handle(ctx, cmd(ActionSavePending, nil))
	assert.Contains(t, resp["error"], "no pending session")

	resp = h.d.Handle(ctx, cmd(ActionDiscardPending, nil))
	assert.Equal(t, true, resp["success"])
}

func TestUnknownAction(t *testing.T) {
	h := newHarness(t)
	resp := h.d.Handle(context.Background(), Command{Action: "FLY"})
	assert.Contains(t, resp["error"], "unknown action")

	resp = h.d.Handle(context.Background(), Command{Action: ActionDeleteSession, Data: json.RawMessage(`[1]`)})
	assert.Contains(t, resp["error"], "invalid data")
}
