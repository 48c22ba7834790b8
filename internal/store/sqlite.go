package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sbswitch/sbswitch/internal/errors"
	"github.com/sbswitch/sbswitch/internal/models"
	_ "modernc.org/sqlite"
)

// SQLiteBackend stores sessions as rows and the remaining state in a
// settings table, with WAL mode enabled.
type SQLiteBackend struct {
	db   *sql.DB
	path string
}

// NewSQLiteBackend opens or creates the database at dbPath
func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	// Create directory if it doesn't exist
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, &errors.ErrDirectoryCreate{Path: dir, Err: err}
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)&_pragma=cache_size(2000)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, &errors.ErrDatabaseOpen{Path: dbPath, Err: err}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, &errors.ErrDatabaseOpen{Path: dbPath, Err: err}
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteBackend{db: db, path: dbPath}, nil
}

// runMigrations runs database migrations
func runMigrations(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "create migrations table", Err: err}
	}

	var currentVersion int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "get current migration version", Err: err}
	}

	migrations := []struct {
		version int
		up      string
	}{
		{
			version: 1,
			up: `
				CREATE TABLE IF NOT EXISTS sessions (
					id TEXT PRIMARY KEY,
					position INTEGER NOT NULL,
					data TEXT NOT NULL,
					updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
				);

				CREATE TABLE IF NOT EXISTS settings (
					key TEXT PRIMARY KEY,
					value TEXT NOT NULL,
					updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
				);

				CREATE INDEX IF NOT EXISTS idx_sessions_position ON sessions(position);

				INSERT OR IGNORE INTO settings (key, value) VALUES ('state_version', '0');
			`,
		},
	}

	tx, err := db.Begin()
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "begin transaction", Err: err}
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, m := range migrations {
		if m.version > currentVersion {
			if _, err := tx.Exec(m.up); err != nil {
				return &errors.ErrDatabaseMigration{Version: m.version, Err: err}
			}
			if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
				return &errors.ErrDatabaseMigration{Version: m.version, Err: err}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return &errors.ErrDatabaseQuery{Operation: "commit migrations", Err: err}
	}

	return nil
}

// Load reads the state in one read transaction.
func (s *SQLiteBackend) Load(ctx context.Context) (*models.Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "begin load", Err: err}
	}
	defer func() {
		_ = tx.Rollback()
	}()

	snap := &models.Snapshot{}

	rows, err := tx.QueryContext(ctx, "SELECT data FROM sessions ORDER BY position")
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "list sessions", Err: err}
	}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			rows.Close()
			return nil, &errors.ErrDatabaseQuery{Operation: "scan session", Err: err}
		}
		var record models.SessionRecord
		if err := json.Unmarshal([]byte(data), &record); err != nil {
			rows.Close()
			return nil, &errors.ErrDatabaseQuery{Operation: "decode session", Err: err}
		}
		snap.Sessions = append(snap.Sessions, record)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, &errors.ErrDatabaseQuery{Operation: "list sessions", Err: err}
	}
	rows.Close()

	if snap.Version, err = getIntSetting(ctx, tx, settingVersion, 0); err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "get state version", Err: err}
	}
	if snap.ActiveSessionID, _, err = getSetting(ctx, tx, settingActiveSession); err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "get active session", Err: err}
	}
	if snap.LoginTabID, _, err = getSetting(ctx, tx, settingLoginTab); err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "get login tab", Err: err}
	}
	pending, ok, err := getSetting(ctx, tx, settingPending)
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "get pending session", Err: err}
	}
	if ok {
		var p models.PendingSession
		if err := json.Unmarshal([]byte(pending), &p); err != nil {
			return nil, &errors.ErrDatabaseQuery{Operation: "decode pending session", Err: err}
		}
		snap.Pending = &p
	}

	return snap, nil
}

// Save replaces the state if snap.Version is still current. The version bump
// runs first so the transaction holds the write lock for the rest.
func (s *SQLiteBackend) Save(ctx context.Context, snap *models.Snapshot) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &errors.ErrDatabaseQuery{Operation: "begin save", Err: err}
	}
	defer func() {
		_ = tx.Rollback()
	}()

	next := snap.Version + 1
	res, err := tx.ExecContext(ctx,
		"UPDATE settings SET value = ?, updated_at = ? WHERE key = ? AND value = ?",
		strconv.FormatInt(next, 10), time.Now(), settingVersion, strconv.FormatInt(snap.Version, 10))
	if err != nil {
		return 0, &errors.ErrDatabaseQuery{Operation: "bump state version", Err: err}
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return 0, errors.ErrVersionConflict
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM sessions"); err != nil {
		return 0, &errors.ErrDatabaseQuery{Operation: "clear sessions", Err: err}
	}
	stmt, err := tx.PrepareContext(ctx, "INSERT INTO sessions (id, position, data, updated_at) VALUES (?, ?, ?, ?)")
	if err != nil {
		return 0, &errors.ErrDatabaseQuery{Operation: "prepare session insert", Err: err}
	}
	defer stmt.Close()

	now := time.Now()
	for i, record := range snap.Sessions {
		data, err := json.Marshal(record)
		if err != nil {
			return 0, &errors.ErrDatabaseQuery{Operation: "encode session", Err: err}
		}
		if _, err := stmt.ExecContext(ctx, record.ID, i, string(data), now); err != nil {
			return 0, &errors.ErrDatabaseQuery{Operation: "insert session", Err: err}
		}
	}

	if err := putOrDeleteSetting(ctx, tx, settingActiveSession, snap.ActiveSessionID); err != nil {
		return 0, &errors.ErrDatabaseQuery{Operation: "set active session", Err: err}
	}
	if err := putOrDeleteSetting(ctx, tx, settingLoginTab, snap.LoginTabID); err != nil {
		return 0, &errors.ErrDatabaseQuery{Operation: "set login tab", Err: err}
	}
	pending := ""
	if snap.Pending != nil {
		data, err := json.Marshal(snap.Pending)
		if err != nil {
			return 0, &errors.ErrDatabaseQuery{Operation: "encode pending session", Err: err}
		}
		pending = string(data)
	}
	if err := putOrDeleteSetting(ctx, tx, settingPending, pending); err != nil {
		return 0, &errors.ErrDatabaseQuery{Operation: "set pending session", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return 0, &errors.ErrDatabaseQuery{Operation: "commit save", Err: err}
	}
	return next, nil
}

// Path returns the database file path.
func (s *SQLiteBackend) Path() string {
	return s.path
}

// Close closes the database connection
func (s *SQLiteBackend) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

var _ Backend = (*SQLiteBackend)(nil)
