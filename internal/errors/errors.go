package errors

import (
	stderrors "errors"
	"fmt"
)

// Config errors

type ErrConfigNotFound struct {
	Path string
}

func (e *ErrConfigNotFound) Error() string {
	return fmt.Sprintf("config file not found: %s", e.Path)
}

type ErrConfigParse struct {
	Err error
}

func (e *ErrConfigParse) Error() string {
	return fmt.Sprintf("failed to parse YAML: %v", e.Err)
}

func (e *ErrConfigParse) Unwrap() error {
	return e.Err
}

type ErrConfigValidation struct {
	Err error
}

func (e *ErrConfigValidation) Error() string {
	return fmt.Sprintf("config validation failed: %v", e.Err)
}

func (e *ErrConfigValidation) Unwrap() error {
	return e.Err
}

// Database errors

type ErrDatabaseOpen struct {
	Path string
	Err  error
}

func (e *ErrDatabaseOpen) Error() string {
	return fmt.Sprintf("failed to open database %s: %v", e.Path, e.Err)
}

func (e *ErrDatabaseOpen) Unwrap() error {
	return e.Err
}

type ErrDatabaseMigration struct {
	Version int
	Err     error
}

func (e *ErrDatabaseMigration) Error() string {
	return fmt.Sprintf("database migration %d failed: %v", e.Version, e.Err)
}

func (e *ErrDatabaseMigration) Unwrap() error {
	return e.Err
}

type ErrDatabaseQuery struct {
	Operation string
	Err       error
}

func (e *ErrDatabaseQuery) Error() string {
	return fmt.Sprintf("database query failed for operation %s: %v", e.Operation, e.Err)
}

func (e *ErrDatabaseQuery) Unwrap() error {
	return e.Err
}

// ErrVersionConflict is returned by a store when a snapshot was written by
// someone else between load and save.
var ErrVersionConflict = stderrors.New("session list was modified concurrently")

// Server errors

type ErrServerStart struct {
	Addr string
	Err  error
}

func (e *ErrServerStart) Error() string {
	return fmt.Sprintf("failed to start server on %s: %v", e.Addr, e.Err)
}

func (e *ErrServerStart) Unwrap() error {
	return e.Err
}

type ErrServerShutdown struct {
	Err error
}

func (e *ErrServerShutdown) Error() string {
	return fmt.Sprintf("server shutdown failed: %v", e.Err)
}

func (e *ErrServerShutdown) Unwrap() error {
	return e.Err
}

// Filesystem errors

type ErrDirectoryCreate struct {
	Path string
	Err  error
}

func (e *ErrDirectoryCreate) Error() string {
	return fmt.Sprintf("failed to create directory %s: %v", e.Path, e.Err)
}

func (e *ErrDirectoryCreate) Unwrap() error {
	return e.Err
}

type ErrFileRead struct {
	Path string
	Err  error
}

func (e *ErrFileRead) Error() string {
	return fmt.Sprintf("failed to read file %s: %v", e.Path, e.Err)
}

func (e *ErrFileRead) Unwrap() error {
	return e.Err
}

// User input errors are rejected before any side effect.

type ErrUserInput struct {
	Field  string
	Reason string
}

func (e *ErrUserInput) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Precondition errors leave all state untouched.

type ErrSessionNotFound struct {
	ID string
}

func (e *ErrSessionNotFound) Error() string {
	return fmt.Sprintf("session not found: %s", e.ID)
}

type ErrNoActivePage struct {
	Reason string
}

func (e *ErrNoActivePage) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("no dashboard page found: %s", e.Reason)
	}
	return "no dashboard page found; open the dashboard first"
}

type ErrNoPendingSession struct{}

func (e *ErrNoPendingSession) Error() string {
	return "no pending session to save"
}

// ErrSessionExpired is reported when the provider rejected a session's
// refresh token. The user has to log in again and save a new session.
type ErrSessionExpired struct {
	ID  string
	Err error
}

func (e *ErrSessionExpired) Error() string {
	return fmt.Sprintf("session %s expired; log in again and save it anew", e.ID)
}

func (e *ErrSessionExpired) Unwrap() error {
	return e.Err
}

// Import errors abort the whole import.

type ErrImportFormat struct {
	Err error
}

func (e *ErrImportFormat) Error() string {
	return fmt.Sprintf("invalid backup file: %v", e.Err)
}

func (e *ErrImportFormat) Unwrap() error {
	return e.Err
}

// IsPrecondition reports whether err is a precondition failure.
func IsPrecondition(err error) bool {
	var notFound *ErrSessionNotFound
	var noPage *ErrNoActivePage
	var noPending *ErrNoPendingSession
	return stderrors.As(err, &notFound) || stderrors.As(err, &noPage) || stderrors.As(err, &noPending)
}

// IsUserInput reports whether err is a user input error.
func IsUserInput(err error) bool {
	var input *ErrUserInput
	var format *ErrImportFormat
	return stderrors.As(err, &input) || stderrors.As(err, &format)
}
