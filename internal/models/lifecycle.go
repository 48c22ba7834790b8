package models

import "time"

// SessionState is where a record sits in the token lifecycle.
type SessionState string

const (
	StateFresh         SessionState = "fresh"
	StateNeedsRefresh  SessionState = "needs_refresh"
	StateRefreshing    SessionState = "refreshing"
	StateExpired       SessionState = "expired"
	StateUnrefreshable SessionState = "unrefreshable"
)

// RefreshOutcome is the result of one refresh attempt. Record is always set:
// it is the updated record on success or when the expired flag changed, and
// an unchanged copy otherwise. Input holds the credentials the attempt
// started from.
type RefreshOutcome struct {
	Record    SessionRecord
	Input     CredentialSet
	Refreshed bool
	State     SessionState
	Err       error
}

// Changed reports whether Record differs from what was passed in and has to
// be persisted.
func (o RefreshOutcome) Changed() bool {
	return o.Refreshed || (o.State == StateExpired && o.Err != nil)
}

// Current reports whether stored still holds the credentials the attempt
// started from. A result computed from older credentials must not be saved.
func (o RefreshOutcome) Current(stored CredentialSet) bool {
	return stored.Equal(o.Input)
}

// Summary counts the results of a sweep.
type Summary struct {
	Refreshed     int `json:"refreshed"`
	Total         int `json:"total"`
	Skipped       int `json:"skipped"`
	Expired       int `json:"expired"`
	Failed        int `json:"failed"`
	Unrefreshable int `json:"unrefreshable"`
	// Errors maps session id to failure message. Filled for user-initiated sweeps.
	Errors map[string]string `json:"errors,omitempty"`
}

// SessionStatus is the last known lifecycle state of one session.
type SessionStatus struct {
	State       SessionState `json:"state"`
	LastAttempt time.Time    `json:"lastAttempt,omitzero"`
	LastSuccess time.Time    `json:"lastSuccess,omitzero"`
	LastError   string       `json:"lastError,omitempty"`
}
