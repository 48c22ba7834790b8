package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sbswitch/sbswitch/internal/config"
	"github.com/sbswitch/sbswitch/internal/host"
	"github.com/sbswitch/sbswitch/internal/host/hosttest"
	"github.com/sbswitch/sbswitch/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRefresher struct{}

func (stubRefresher) Refresh(ctx context.Context, projectID, refreshToken string) (models.CredentialPayload, error) {
	p := models.CredentialPayload{}
	_ = p.Set("access_token", "fresh")
	_ = p.Set("refresh_token", refreshToken+"-2")
	_ = p.Set("expires_in", 3600)
	return p, nil
}

type cliEnv struct {
	dir  string
	cfg  string
	db   string
	fake *hosttest.Fake
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	InitCLI()

	dir := t.TempDir()
	env := &cliEnv{
		dir:  dir,
		cfg:  filepath.Join(dir, "config.yaml"),
		db:   filepath.Join(dir, "sessions.db"),
		fake: hosttest.New(host.PageHandle{ID: "tab-1", URL: "https://supabase.com/dashboard/projects"}),
	}
	content := "version: \"1\"\nbrowser:\n  debug_url: http://127.0.0.1:1\nserver:\n  log_level: error\n"
	require.NoError(t, os.WriteFile(env.cfg, []byte(content), 0600))

	appHook = func(o *appOptions) {
		o.hostOverride = env.fake
		o.refresher = stubRefresher{}
	}
	t.Cleanup(func() { appHook = nil })
	return env
}

// run executes the CLI with fresh flag state and returns stdout.
func (e *cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	globalFlags = GlobalFlags{}
	sessionsSaveFlags.Name, sessionsSaveFlags.Color = "", ""
	pendingSaveFlags.Name, pendingSaveFlags.Color = "", ""

	var out bytes.Buffer
	RootCmd.SetOut(&out)
	RootCmd.SetErr(&out)
	t.Cleanup(func() {
		RootCmd.SetOut(nil)
		RootCmd.SetErr(nil)
	})
	err := Execute(append([]string{"--config", e.cfg, "--db", e.db, "--json=false"}, args...))
	return out.String(), err
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

func TestRootCommand(t *testing.T) {
	assert.NotNil(t, RootCmd)
	assert.Equal(t, "sbswitch", RootCmd.Use)
	assert.Contains(t, RootCmd.Long, "Supabase")
}

func TestVersionCommand(t *testing.T) {
	env := newCLIEnv(t)

	out, err := env.run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "sbswitch Version: "+Version)

	out, err = env.run(t, "version", "--json")
	require.NoError(t, err)
	var info VersionInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, Version, info.Version)
	assert.NotEmpty(t, info.GoVersion)
}

func TestGetVersionInfo(t *testing.T) {
	info := GetVersionInfo()
	assert.NotEmpty(t, info.Version)
	assert.NotEmpty(t, info.GoVersion)
	assert.NotEmpty(t, info.OS)
	assert.NotEmpty(t, info.Arch)
}

func TestSessionsListEmpty(t *testing.T) {
	env := newCLIEnv(t)

	out, err := env.run(t, "sessions", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No sessions saved")
}

func TestImportListRenameDeleteExport(t *testing.T) {
	env := newCLIEnv(t)

	backup := filepath.Join(env.dir, "backup.json")
	file := `[
  {"id":"session_1","name":"One","email":"one@example.com","color":"#3ECF8E","tokens":{"k":"v"},"savedAt":"2026-01-01T00:00:00Z"},
  {"id":"session_2","name":"Two","email":"two@example.com","color":"#F472B6","tokens":{"k":"v"},"savedAt":"2026-01-02T00:00:00Z"},
  {"id":"","name":"Broken","tokens":{"k":"v"}}
]`
	require.NoError(t, os.WriteFile(backup, []byte(file), 0600))

	out, err := env.run(t, "import", backup)
	require.NoError(t, err)
	assert.Contains(t, out, "added: 2")
	assert.Contains(t, out, "skipped: 1")

	out, err = env.run(t, "sessions", "list", "--json")
	require.NoError(t, err)
	var rows []SessionRow
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, "session_1", rows[0].ID)

	_, err = env.run(t, "sessions", "rename", "session_1", "Renamed")
	require.NoError(t, err)
	_, err = env.run(t, "sessions", "rename", "missing", "x")
	assert.Error(t, err)

	_, err = env.run(t, "sessions", "delete", "session_2")
	require.NoError(t, err)

	target := filepath.Join(env.dir, "out.json")
	_, err = env.run(t, "export", target)
	require.NoError(t, err)

	info, err := os.Stat(target)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	var exported []models.SessionRecord
	require.NoError(t, json.Unmarshal(data, &exported))
	require.Len(t, exported, 1)
	assert.Equal(t, "Renamed", exported[0].Name)

	out, err = env.run(t, "export", "-")
	require.NoError(t, err)
	assert.Contains(t, out, `"session_1"`)
}

func TestSaveAndSwitchUseHost(t *testing.T) {
	env := newCLIEnv(t)
	env.fake.Storage["tab-1"] = authTokens("r1", time.Now().Add(time.Hour).Unix())
	env.fake.User = models.UserSummary{Email: "dev@example.com", UserID: "u-1"}

	out, err := env.run(t, "sessions", "save", "--name", "Dev", "--color", "#123456")
	require.NoError(t, err)
	assert.Contains(t, out, "session: Dev")

	out, err = env.run(t, "sessions", "list", "--json")
	require.NoError(t, err)
	var rows []SessionRow
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 1)

	_, err = env.run(t, "sessions", "switch", rows[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 1, env.fake.InjectionCount())

	out, err = env.run(t, "sessions", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "*")
}

func TestSwitchUnknownSession(t *testing.T) {
	env := newCLIEnv(t)

	_, err := env.run(t, "sessions", "switch", "session_404")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session not found")
	assert.Equal(t, 0, env.fake.InjectionCount())
}

func TestPendingCommands(t *testing.T) {
	env := newCLIEnv(t)

	out, err := env.run(t, "pending", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "No pending session")

	_, err = env.run(t, "pending", "save", "--name", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no pending session")

	_, err = env.run(t, "pending", "discard")
	require.NoError(t, err)
}

func TestRefreshCommand(t *testing.T) {
	env := newCLIEnv(t)

	out, err := env.run(t, "refresh", "--json")
	require.NoError(t, err)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, float64(0), resp["total"])
}

func TestApplyServeFlags(t *testing.T) {
	cfg := config.Default()
	serveFlags.Host = "0.0.0.0"
	serveFlags.Port = 9000
	serveFlags.Timeout = 5 * time.Second
	serveFlags.NoAPI = true
	t.Cleanup(func() {
		serveFlags.Host, serveFlags.Port, serveFlags.Timeout, serveFlags.NoAPI = "", 0, 0, false
	})

	applyServeFlags(cfg)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 9000, cfg.Server.HTTPPort)
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout)
	assert.False(t, cfg.API.Enabled)
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("SBSWITCH_TEST_DURATION", "3s")
	t.Setenv("SBSWITCH_TEST_INT", "42")
	t.Setenv("SBSWITCH_TEST_BAD", "nope")

	assert.Equal(t, 3*time.Second, envDuration("SBSWITCH_TEST_DURATION", time.Second))
	assert.Equal(t, time.Second, envDuration("SBSWITCH_TEST_BAD", time.Second))
	assert.Equal(t, 42, envInt("SBSWITCH_TEST_INT", 1))
	assert.Equal(t, 1, envInt("SBSWITCH_TEST_BAD", 1))
}

func TestDoctorRecommendations(t *testing.T) {
	recs := generateRecommendations([]DoctorCheck{{Status: StatusOK}})
	assert.Equal(t, []string{"All checks passed."}, recs)

	recs = generateRecommendations([]DoctorCheck{
		{Category: "Browser", Name: "DevTools Connection", Status: StatusFail, Remediation: "start chrome"},
		{Category: "Storage", Name: "Session Store", Status: StatusWarn},
	})
	require.Len(t, recs, 2)
	assert.Contains(t, recs[0], "start chrome")
	assert.Contains(t, recs[1], "1 failure(s) and 1 warning(s)")
}

func TestCheckStorage(t *testing.T) {
	cfg := config.StorageConfig{Driver: config.DriverSQLite, Path: filepath.Join(t.TempDir(), "s.db")}
	check := checkStorage(context.Background(), cfg)
	assert.Equal(t, StatusOK, check.Status)
	assert.Contains(t, check.Message, "0 sessions")
}
