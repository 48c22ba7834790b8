package models

import (
	"fmt"
	"time"
)

// SessionRecord is one saved dashboard login.
type SessionRecord struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Color string `json:"color"`
	// Tokens keeps the backup-file key name.
	Tokens  CredentialSet `json:"tokens"`
	SavedAt time.Time     `json:"savedAt"`
	Expired bool          `json:"expired,omitempty"`
}

// Validate checks the fields every stored record must have.
func (r *SessionRecord) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("session ID is required")
	}
	if r.Tokens.IsEmpty() {
		return fmt.Errorf("session %s has no credentials", r.ID)
	}
	return nil
}

// Clone returns a deep copy.
func (r SessionRecord) Clone() SessionRecord {
	r.Tokens = r.Tokens.Clone()
	return r
}

// SessionSlice is a slice of session records with helper methods.
type SessionSlice []SessionRecord

// FindByID returns the record with id.
func (ss SessionSlice) FindByID(id string) (*SessionRecord, bool) {
	for i := range ss {
		if ss[i].ID == id {
			return &ss[i], true
		}
	}
	return nil, false
}

// IndexOf returns the position of id or -1.
func (ss SessionSlice) IndexOf(id string) int {
	for i := range ss {
		if ss[i].ID == id {
			return i
		}
	}
	return -1
}

// Has reports whether id is present.
func (ss SessionSlice) Has(id string) bool {
	return ss.IndexOf(id) >= 0
}

// Clone returns a deep copy.
func (ss SessionSlice) Clone() SessionSlice {
	if ss == nil {
		return nil
	}
	out := make(SessionSlice, len(ss))
	for i := range ss {
		out[i] = ss[i].Clone()
	}
	return out
}

// CountExpired returns how many records are flagged expired.
func (ss SessionSlice) CountExpired() int {
	n := 0
	for i := range ss {
		if ss[i].Expired {
			n++
		}
	}
	return n
}

// PendingSession is a captured login not yet saved as a record.
type PendingSession struct {
	Tokens     CredentialSet `json:"tokens"`
	Email      string        `json:"email"`
	UserID     string        `json:"userId,omitempty"`
	CapturedAt time.Time     `json:"capturedAt"`
	PageID     string        `json:"pageId,omitempty"`
}

// Clone returns a deep copy.
func (p *PendingSession) Clone() *PendingSession {
	if p == nil {
		return nil
	}
	out := *p
	out.Tokens = p.Tokens.Clone()
	return &out
}

// Snapshot is the whole persisted state. Version changes on every save and
// lets a backend reject a write based on a stale read.
type Snapshot struct {
	Sessions        SessionSlice    `json:"sessions"`
	ActiveSessionID string          `json:"activeSessionId,omitempty"`
	Pending         *PendingSession `json:"pendingSession,omitempty"`
	LoginTabID      string          `json:"loginTabId,omitempty"`
	Version         int64           `json:"-"`
}

// Clone returns a deep copy.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return &Snapshot{}
	}
	return &Snapshot{
		Sessions:        s.Sessions.Clone(),
		ActiveSessionID: s.ActiveSessionID,
		Pending:         s.Pending.Clone(),
		LoginTabID:      s.LoginTabID,
		Version:         s.Version,
	}
}
