package store

import (
	"context"
	"database/sql"
	"strconv"
	"time"
)

// Keys of the settings table.
const (
	settingVersion       = "state_version"
	settingActiveSession = "activeSessionId"
	settingPending       = "pendingSession"
	settingLoginTab      = "loginTabId"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// getSetting retrieves a setting value
func getSetting(ctx context.Context, q querier, key string) (string, bool, error) {
	var value string
	err := q.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// putSetting sets a setting value
func putSetting(ctx context.Context, q querier, key, value string) error {
	query := `
		INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = ?, updated_at = ?
	`
	now := time.Now()
	_, err := q.ExecContext(ctx, query, key, value, now, value, now)
	return err
}

// deleteSetting removes a setting
func deleteSetting(ctx context.Context, q querier, key string) error {
	_, err := q.ExecContext(ctx, "DELETE FROM settings WHERE key = ?", key)
	return err
}

// putOrDeleteSetting stores value, or removes the key when value is empty.
func putOrDeleteSetting(ctx context.Context, q querier, key, value string) error {
	if value == "" {
		return deleteSetting(ctx, q, key)
	}
	return putSetting(ctx, q, key, value)
}

// getIntSetting retrieves an integer setting, defaultVal when absent.
func getIntSetting(ctx context.Context, q querier, key string, defaultVal int64) (int64, error) {
	value, ok, err := getSetting(ctx, q, key)
	if err != nil || !ok {
		return defaultVal, err
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return defaultVal, nil
	}
	return n, nil
}
