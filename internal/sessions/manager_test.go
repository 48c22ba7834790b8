package sessions

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sbswitch/sbswitch/internal/errors"
	"github.com/sbswitch/sbswitch/internal/logging"
	"github.com/sbswitch/sbswitch/internal/models"
	"github.com/sbswitch/sbswitch/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

func newTestManager(t *testing.T, opts ...Option) (*Manager, *store.Store) {
	t.Helper()
	s := store.New(store.NewMemoryBackend())
	opts = append([]Option{
		WithClock(func() time.Time { return fixedNow }),
		WithColorPicker(func(int) int { return 2 }),
	}, opts...)
	return NewManager(s, opts...), s
}

func tokens(project string) models.CredentialSet {
	return models.NewCredentialSet(models.CredentialEntry{
		Key:   "sb-" + project + "-auth-token",
		Value: `{"access_token":"a","refresh_token":"r","expires_at":1}`,
	})
}

type forgetRecorder struct {
	ids []string
}

func (f *forgetRecorder) Forget(id string) {
	f.ids = append(f.ids, id)
}

func TestCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("explicit name and color", func(t *testing.T) {
		m, _ := newTestManager(t)
		record, err := m.Create(ctx, "  Work  ", "#112233", tokens("abc"), models.UserSummary{Email: "w@example.com"})
		require.NoError(t, err)
		assert.Equal(t, "session_1772600767000", record.ID)
		assert.Equal(t, "Work", record.Name)
		assert.Equal(t, "w@example.com", record.Email)
		assert.Equal(t, "#112233", record.Color)
		assert.True(t, record.SavedAt.Equal(fixedNow))
		assert.False(t, record.Expired)

		list, _, err := m.List(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, record.ID, list[0].ID)
	})

	t.Run("name falls back to email", func(t *testing.T) {
		m, _ := newTestManager(t)
		record, err := m.Create(ctx, "", "", tokens("abc"), models.UserSummary{Email: "me@example.com"})
		require.NoError(t, err)
		assert.Equal(t, "me@example.com", record.Name)
		assert.Equal(t, Palette[2], record.Color)
	})

	t.Run("empty name without email is rejected", func(t *testing.T) {
		m, s := newTestManager(t)
		_, err := m.Create(ctx, "   ", "", tokens("abc"), models.UserSummary{})
		require.Error(t, err)
		assert.True(t, errors.IsUserInput(err))

		records, err := s.LoadAll(ctx)
		require.NoError(t, err)
		assert.Empty(t, records, "rejected before any side effect")
	})

	t.Run("empty credentials are rejected", func(t *testing.T) {
		m, _ := newTestManager(t)
		_, err := m.Create(ctx, "x", "", models.CredentialSet{}, models.UserSummary{})
		assert.True(t, errors.IsUserInput(err))
	})

	t.Run("bad color is rejected", func(t *testing.T) {
		m, _ := newTestManager(t)
		_, err := m.Create(ctx, "x", "blue", tokens("abc"), models.UserSummary{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "color")
	})

	t.Run("same millisecond ids are bumped", func(t *testing.T) {
		m, _ := newTestManager(t)
		first, err := m.Create(ctx, "a", "", tokens("abc"), models.UserSummary{})
		require.NoError(t, err)
		second, err := m.Create(ctx, "b", "", tokens("def"), models.UserSummary{})
		require.NoError(t, err)
		assert.NotEqual(t, first.ID, second.ID)
		assert.Equal(t, "session_1772600767001", second.ID)
	})
}

func TestRename(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	record, err := m.Create(ctx, "old", "", tokens("abc"), models.UserSummary{})
	require.NoError(t, err)

	require.NoError(t, m.Rename(ctx, record.ID, " new "))
	got, err := m.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, "new", got.Name)
	assert.True(t, got.Tokens.Equal(record.Tokens), "rename touches only the name")

	err = m.Rename(ctx, record.ID, "")
	assert.True(t, errors.IsUserInput(err))

	err = m.Rename(ctx, "session_missing", "x")
	assert.True(t, errors.IsPrecondition(err))
}

func TestDeleteClearsActivePointer(t *testing.T) {
	ctx := context.Background()
	forget := &forgetRecorder{}
	m, _ := newTestManager(t, WithForgetter(forget))

	a, err := m.Create(ctx, "a", "", tokens("abc"), models.UserSummary{})
	require.NoError(t, err)
	b, err := m.Create(ctx, "b", "", tokens("def"), models.UserSummary{})
	require.NoError(t, err)
	require.NoError(t, m.SetActive(ctx, a.ID))

	require.NoError(t, m.Delete(ctx, b.ID))
	_, active, err := m.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, a.ID, active, "deleting another session keeps the pointer")

	require.NoError(t, m.Delete(ctx, a.ID))
	list, active, err := m.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Empty(t, active)
	assert.Equal(t, []string{b.ID, a.ID}, forget.ids)

	err = m.Delete(ctx, a.ID)
	assert.True(t, errors.IsPrecondition(err))
}

func TestSetActiveRequiresSession(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	err := m.SetActive(ctx, "session_1")
	assert.True(t, errors.IsPrecondition(err))
}

func TestImportSkipsDuplicates(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	existing, err := m.Create(ctx, "existing", "", tokens("abc"), models.UserSummary{})
	require.NoError(t, err)

	backup := `[
		{"id": "` + existing.ID + `", "name": "dup", "tokens": {"sb-abc-auth-token": "{}"}},
		{"id": "session_42", "name": "new", "color": "#F472B6", "tokens": {"sb-def-auth-token": "{}"}, "savedAt": "2024-05-01T10:00:00.000Z"}
	]`
	result, err := m.Import(ctx, []byte(backup))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Added)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, []string{"session_42"}, result.IDs)

	list, _, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "existing", list[0].Name, "existing entry is not overwritten")
	assert.Equal(t, "new", list[1].Name)
	assert.Equal(t, 2024, list[1].SavedAt.Year())
}

func TestImportSkipsIncompleteEntries(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	backup := `[
		{"name": "no id", "tokens": {"k": "v"}},
		{"id": "session_1", "name": "no tokens"},
		{"id": "session_2", "tokens": {}},
		{"id": "session_3", "tokens": "not an object"},
		42,
		{"id": "session_4", "tokens": {"k": "v"}},
		{"id": "session_4", "tokens": {"k": "again"}}
	]`
	result, err := m.Import(ctx, []byte(backup))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Added)
	assert.Equal(t, 6, result.Skipped)

	got, err := m.Get(ctx, "session_4")
	require.NoError(t, err)
	v, _ := got.Tokens.Get("k")
	assert.Equal(t, "v", v, "first occurrence wins")
	assert.Equal(t, Palette[2], got.Color)
}

func TestImportRejectsNonArray(t *testing.T) {
	ctx := context.Background()
	m, s := newTestManager(t)

	for _, input := range []string{`{"id":"x"}`, `null`, `not json`, ``} {
		_, err := m.Import(ctx, []byte(input))
		require.Error(t, err, input)
		var format *errors.ErrImportFormat
		assert.ErrorAs(t, err, &format)
	}
	records, err := s.LoadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestExport(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	_, err := m.Export(ctx)
	assert.True(t, errors.IsUserInput(err))

	_, err = m.Create(ctx, "a", "", tokens("abc"), models.UserSummary{Email: "a@example.com"})
	require.NoError(t, err)

	data, err := m.Export(ctx)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("[\n  {")))

	var decoded []map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded, 1)
	assert.Equal(t, "a@example.com", decoded[0]["email"])
	assert.Contains(t, decoded[0], "tokens")

	other, _ := newTestManager(t)
	result, err := other.Import(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Added)
}

func TestExportFilename(t *testing.T) {
	assert.Equal(t, "supabase-accounts-2026-03-04.json", ExportFilename(fixedNow))
}

func TestPendingLifecycle(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	p, err := m.Pending(ctx)
	require.NoError(t, err)
	assert.Nil(t, p)

	_, err = m.SavePending(ctx, "x", "")
	assert.True(t, errors.IsPrecondition(err))

	require.NoError(t, m.SetLoginTab(ctx, "tab-1"))
	require.NoError(t, m.SetPending(ctx, &models.PendingSession{Tokens: tokens("old"), Email: "old@example.com"}))
	tab, err := m.LoginTab(ctx)
	require.NoError(t, err)
	assert.Empty(t, tab, "capturing clears the login tab")

	require.NoError(t, m.SetPending(ctx, &models.PendingSession{Tokens: tokens("new"), Email: "new@example.com", UserID: "u-1"}))
	p, err = m.Pending(ctx)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "new@example.com", p.Email, "newer capture supersedes")

	record, err := m.SavePending(ctx, "", "")
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", record.Name)
	assert.True(t, record.Tokens.Equal(tokens("new")))

	p, err = m.Pending(ctx)
	require.NoError(t, err)
	assert.Nil(t, p)

	require.NoError(t, m.SetPending(ctx, &models.PendingSession{Tokens: tokens("again")}))
	require.NoError(t, m.DiscardPending(ctx))
	p, err = m.Pending(ctx)
	require.NoError(t, err)
	assert.Nil(t, p)

	assert.Error(t, m.SetPending(ctx, &models.PendingSession{}))
}

func TestChangesAreAudited(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	logger := logging.NewLogger(logging.WithOutput(&buf))
	m, _ := newTestManager(t, WithAuditor(logging.NewAuditor(logger)))

	record, err := m.Create(ctx, "a", "", tokens("abc"), models.UserSummary{})
	require.NoError(t, err)
	require.NoError(t, m.Rename(ctx, record.ID, "b"))
	require.NoError(t, m.Delete(ctx, record.ID))

	out := buf.String()
	assert.Contains(t, out, string(logging.SessionSave))
	assert.Contains(t, out, string(logging.SessionRename))
	assert.Contains(t, out, string(logging.SessionDelete))
	assert.NotContains(t, out, `"refresh_token":"r"`)
}
